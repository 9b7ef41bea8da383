package connectivity

import (
	"sync"
	"time"

	"fieldsync/events"
	"fieldsync/models"

	"github.com/rs/zerolog"
)

// Signal is one observation pushed by the platform shell.
type Signal struct {
	Online        bool          `json:"online"`
	LinkType      string        `json:"link_type,omitempty"`      // wifi, cellular, ethernet, ...
	EffectiveType string        `json:"effective_type,omitempty"` // slow-2g, 2g, 3g, 4g
	DownlinkMbps  float64       `json:"downlink_mbps,omitempty"`
	RTT           time.Duration `json:"rtt,omitempty"`
}

// Status is the current derived connectivity state.
type Status struct {
	Online    bool           `json:"online"`
	Quality   models.Quality `json:"quality"`
	LinkType  string         `json:"link_type,omitempty"`
	ChangedAt time.Time      `json:"changed_at"`
}

// Monitor is a passive observer of the platform reachability signal.
// It never probes the network and never blocks.
type Monitor struct {
	// publishMu makes transitions reach subscribers in the order they were
	// applied. Subscribers must not call Update.
	publishMu sync.Mutex

	mu     sync.RWMutex
	status Status
	bus    *events.Bus[models.ConnectivityEvent]
	now    func() time.Time
	log    zerolog.Logger
}

// NewMonitor creates a monitor with an initial reachability guess.
func NewMonitor(initialOnline bool, logger zerolog.Logger) *Monitor {
	return &Monitor{
		status: Status{
			Online:    initialOnline,
			Quality:   models.QualityUnknown,
			ChangedAt: time.Now().UTC(),
		},
		bus: events.New[models.ConnectivityEvent](),
		now: func() time.Time { return time.Now().UTC() },
		log: logger.With().Str("component", "connectivity").Logger(),
	}
}

// Online reports current reachability.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Online
}

// Quality returns the current bandwidth-class estimate.
func (m *Monitor) Quality() models.Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Quality
}

// Status returns a snapshot of the current state.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe registers fn for online/offline transitions.
func (m *Monitor) Subscribe(fn func(models.ConnectivityEvent)) (unsubscribe func()) {
	return m.bus.Subscribe(fn)
}

// Update applies a platform signal. Subscribers are notified only when the
// online flag flips; quality refinements are applied silently.
func (m *Monitor) Update(sig Signal) {
	quality := EstimateQuality(sig)

	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	changed := m.status.Online != sig.Online
	m.status.Quality = quality
	m.status.LinkType = sig.LinkType
	if changed {
		m.status.Online = sig.Online
		m.status.ChangedAt = m.now()
	}
	st := m.status
	m.mu.Unlock()

	if !changed {
		return
	}

	evt := models.ConnectivityEvent{
		Type:    models.EventOffline,
		Online:  st.Online,
		Quality: st.Quality,
		At:      st.ChangedAt,
	}
	if st.Online {
		evt.Type = models.EventOnline
	}
	m.log.Info().Bool("online", st.Online).Str("quality", string(st.Quality)).Msg("connectivity changed")
	m.bus.Publish(evt)
}

// SetOnline is a shorthand for a signal without link telemetry.
func (m *Monitor) SetOnline(online bool) {
	m.Update(Signal{Online: online})
}
