// models.go
// Defines the core data structures shared by the local store, the sync engine and the session manager.

package models

import (
	"fmt"
	"time"
)

// Kind identifies a report collection. Each kind has its own local table and remote endpoint.
type Kind string

const (
	KindIncident         Kind = "incident"
	KindSOS              Kind = "sos"
	KindTrappedCivilians Kind = "trapped_civilians"
	KindBlockedRoad      Kind = "blocked_road"
	KindSupplyRequest    Kind = "supply_request"
)

// Kinds lists every report kind in a stable order.
var Kinds = []Kind{
	KindIncident,
	KindSOS,
	KindTrappedCivilians,
	KindBlockedRoad,
	KindSupplyRequest,
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Table returns the local table backing the kind.
func (k Kind) Table() string {
	switch k {
	case KindIncident:
		return "incidents"
	case KindSOS:
		return "sos_alerts"
	case KindTrappedCivilians:
		return "trapped_civilians"
	case KindBlockedRoad:
		return "blocked_roads"
	case KindSupplyRequest:
		return "supply_requests"
	}
	return ""
}

// Endpoint returns the path segment of the remote accept-record endpoint.
func (k Kind) Endpoint() string {
	switch k {
	case KindIncident:
		return "incidents"
	case KindSOS:
		return "sos"
	case KindTrappedCivilians:
		return "trapped-civilians"
	case KindBlockedRoad:
		return "blocked-roads"
	case KindSupplyRequest:
		return "supply-requests"
	}
	return ""
}

// SyncState is the delivery state of a record. PENDING -> SYNCED is the only transition.
type SyncState string

const (
	SyncPending SyncState = "PENDING"
	SyncSynced  SyncState = "SYNCED"
)

// Valid reports whether s is one of the two known states.
func (s SyncState) Valid() bool {
	return s == SyncPending || s == SyncSynced
}

// Identity is the best-known description of a human user.
type Identity struct {
	UID   string `json:"uid"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Record is one field-authored report.
type Record struct {
	// === Immutable content (set once at creation) ===
	ID        string         `json:"id"`         // Client-generated UUID, doubles as the idempotency key
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload"`    // Kind-specific fields, opaque to the sync engine
	CreatedAt time.Time      `json:"created_at"` // Client wall clock at creation
	DeviceID  string         `json:"device_id"`
	Author    *Identity      `json:"author,omitempty"` // Captured at submission, never re-resolved

	// === Delivery state (one-way PENDING -> SYNCED) ===
	SyncState SyncState  `json:"sync_state"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

// Credential is an opaque bearer token with its expiry.
type Credential struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the credential is past its expiry. Informational only while offline.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Session is the locally cached proof of a prior successful online login.
type Session struct {
	Identity     Identity   `json:"identity"`
	Credential   Credential `json:"credential"`
	LastOnlineAt time.Time  `json:"last_online_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// AuthStatus is the state of the identity/session manager.
type AuthStatus string

const (
	AuthUnauthenticated      AuthStatus = "UNAUTHENTICATED"
	AuthOnlineAuthenticated  AuthStatus = "ONLINE_AUTHENTICATED"
	AuthOfflineAuthenticated AuthStatus = "OFFLINE_AUTHENTICATED"
	AuthValidating           AuthStatus = "VALIDATING"
)

// AuthState is the synchronous snapshot returned to the UI layer.
type AuthState struct {
	State         AuthStatus `json:"state"`
	Authenticated bool       `json:"authenticated"`
	Identity      *Identity  `json:"identity,omitempty"`
	LastOnlineAt  *time.Time `json:"last_online_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Authorization carries the principal attached to outgoing requests.
// BearerToken is empty in anonymous field-device mode.
type Authorization struct {
	BearerToken string
	DeviceID    string
}

// Receipt is the remote acknowledgement of an accept-record call.
type Receipt struct {
	ID      string `json:"id"`
	LocalID string `json:"local_id"`
	Status  string `json:"status,omitempty"` // "created" or "duplicate"
}

// Confirms reports whether the receipt acknowledges exactly the given record id.
func (r *Receipt) Confirms(recordID string) bool {
	if r == nil || recordID == "" {
		return false
	}
	return r.LocalID == recordID || r.ID == recordID
}
