package models

import "time"

// EventType names an event delivered to UI subscribers.
type EventType string

const (
	EventOnline       EventType = "online"
	EventOffline      EventType = "offline"
	EventSyncStart    EventType = "syncStart"
	EventSyncComplete EventType = "syncComplete"
	EventSyncError    EventType = "syncError"
	EventRecordSaved  EventType = "recordSaved"
)

// Quality is a coarse bandwidth-class estimate.
type Quality string

const (
	QualityGood     Quality = "good"
	QualityModerate Quality = "moderate"
	QualityPoor     Quality = "poor"
	QualityUnknown  Quality = "unknown"
)

// ConnectivityEvent is emitted on every observed online/offline transition.
type ConnectivityEvent struct {
	Type    EventType `json:"type"`
	Online  bool      `json:"online"`
	Quality Quality   `json:"quality"`
	At      time.Time `json:"at"`
}

// SyncEvent is emitted by the sync engine and the submission API.
type SyncEvent struct {
	Type     EventType `json:"type"`
	Trigger  string    `json:"trigger,omitempty"`
	Kind     Kind      `json:"kind,omitempty"`
	RecordID string    `json:"record_id,omitempty"`
	Synced   int       `json:"synced"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
