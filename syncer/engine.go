// Package syncer moves PENDING records to the remote accept endpoints.
//
// A sweep snapshots every PENDING record, transmits each one independently
// with bounded retries, and flips a record to SYNCED only after the server
// echoes its id. Records that exhaust their attempts stay PENDING and are
// retried by the next sweep, indefinitely.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/events"
	"fieldsync/metrics"
	"fieldsync/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sweep triggers.
const (
	TriggerConnectivity = "connectivity"
	TriggerPeriodic     = "periodic"
	TriggerForeground   = "foreground"
	TriggerSubmit       = "submit"
	TriggerManual       = "manual"
)

// Store is the slice of the local store the engine needs.
type Store interface {
	QueryBySyncState(ctx context.Context, kind models.Kind, state models.SyncState) ([]*models.Record, error)
	CountBySyncState(ctx context.Context, kind models.Kind, state models.SyncState) (int, error)
	MarkSynced(ctx context.Context, kind models.Kind, id string, at time.Time) error
	RecordAttempt(ctx context.Context, kind models.Kind, id string, at time.Time, errText string) error
}

// Transport delivers one record and returns the server's receipt.
type Transport interface {
	Deliver(ctx context.Context, rec *models.Record, authz models.Authorization) (*models.Receipt, error)
}

// Credentials supplies the principal for each attempt.
type Credentials interface {
	Authorization() models.Authorization
}

// Connectivity is the read side of the connectivity monitor.
type Connectivity interface {
	Online() bool
	Quality() models.Quality
	Subscribe(fn func(models.ConnectivityEvent)) (unsubscribe func())
}

// Config tunes retries, pacing and triggers.
type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
	Interval       time.Duration // periodic sweep while online
	Debounce       time.Duration // delay after a connectivity-restored edge

	// Outbound records per second by link quality; 0 means unlimited.
	RateModerate float64
	RatePoor     float64
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
		AttemptTimeout: 15 * time.Second,
		Interval:       60 * time.Second,
		Debounce:       time.Second,
		RateModerate:   5,
		RatePoor:       1,
	}
}

// Result summarizes one sweep.
type Result struct {
	Trigger string `json:"trigger"`
	Synced  int    `json:"synced"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"` // not attempted: offline edge or shutdown mid-sweep
	Pending int    `json:"pending"` // records seen in the snapshot
}

// Engine runs sweeps.
type Engine struct {
	cfg       Config
	store     Store
	transport Transport
	creds     Credentials
	conn      Connectivity
	bus       *events.Bus[models.SyncEvent]
	metrics   metrics.Recorder
	log       zerolog.Logger
	limiter   *rate.Limiter
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	running atomic.Bool

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	debounce *time.Timer
	unsub    func()
	wg       sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics records sweep and attempt metrics.
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithClock replaces the wall clock used for synced_at.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// New creates an engine. bus receives syncStart, syncComplete and syncError.
func New(cfg Config, store Store, transport Transport, creds Credentials, conn Connectivity,
	bus *events.Bus[models.SyncEvent], logger zerolog.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if bus == nil {
		bus = events.New[models.SyncEvent]()
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		transport: transport,
		creds:     creds,
		conn:      conn,
		bus:       bus,
		metrics:   metrics.Noop{},
		log:       logger.With().Str("component", "syncer").Logger(),
		limiter:   rate.NewLimiter(rate.Inf, 1),
		sleep:     sleepCtx,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers fn for sync events.
func (e *Engine) Subscribe(fn func(models.SyncEvent)) (unsubscribe func()) {
	return e.bus.Subscribe(fn)
}

// Running reports whether a sweep is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Sweep transmits every PENDING record once through the retry policy.
// It returns ErrSweepInProgress immediately if another sweep holds the
// flag and ErrOffline without doing anything when offline.
func (e *Engine) Sweep(ctx context.Context, trigger string) (Result, error) {
	res := Result{Trigger: trigger}

	if !e.conn.Online() {
		return res, models.ErrOffline
	}
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.IncSweeps(trigger, "skipped")
		return res, models.ErrSweepInProgress
	}
	defer e.running.Store(false)

	start := time.Now()
	snapshot, err := e.snapshot(ctx)
	if err != nil {
		e.log.Error().Err(err).Str("trigger", trigger).Msg("sweep aborted")
		e.metrics.IncSweeps(trigger, "error")
		e.bus.Publish(models.SyncEvent{Type: models.EventSyncError, Trigger: trigger, Error: "local store unavailable", At: e.now()})
		return res, err
	}
	res.Pending = len(snapshot)

	// Periodic sweeps with nothing to do stay silent.
	if trigger == TriggerPeriodic && len(snapshot) == 0 {
		e.metrics.IncSweeps(trigger, "idle")
		return res, nil
	}

	e.bus.Publish(models.SyncEvent{Type: models.EventSyncStart, Trigger: trigger, At: e.now()})
	e.pace(e.conn.Quality())

	for i, rec := range snapshot {
		if ctx.Err() != nil || !e.conn.Online() {
			res.Skipped = len(snapshot) - i
			break
		}
		if e.deliver(ctx, rec) {
			res.Synced++
		} else {
			res.Failed++
		}
	}

	e.updatePending(ctx)
	e.metrics.IncSweeps(trigger, "ok")
	e.metrics.ObserveSweepDuration(trigger, time.Since(start))
	e.log.Info().
		Str("trigger", trigger).
		Int("synced", res.Synced).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int("snapshot", res.Pending).
		Dur("took", time.Since(start)).
		Msg("sweep complete")

	e.bus.Publish(models.SyncEvent{
		Type:    models.EventSyncComplete,
		Trigger: trigger,
		Synced:  res.Synced,
		Failed:  res.Failed,
		Skipped: res.Skipped,
		At:      e.now(),
	})
	return res, nil
}

func (e *Engine) snapshot(ctx context.Context) ([]*models.Record, error) {
	var all []*models.Record
	for _, kind := range models.Kinds {
		recs, err := e.store.QueryBySyncState(ctx, kind, models.SyncPending)
		if err != nil {
			return nil, fmt.Errorf("enumerate %s: %w", kind, err)
		}
		all = append(all, recs...)
	}
	return all, nil
}

// deliver runs the per-record retry loop and reports whether the record is now SYNCED.
func (e *Engine) deliver(ctx context.Context, rec *models.Record) bool {
	l := e.log.With().Str("kind", string(rec.Kind)).Str("id", rec.ID).Logger()

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return false
		}

		err := e.attempt(ctx, rec)
		if err == nil {
			if err := e.store.MarkSynced(ctx, rec.Kind, rec.ID, e.now()); err != nil {
				// Accepted remotely but not recorded locally; the next sweep
				// resends and the server deduplicates on the id.
				l.Error().Err(err).Msg("failed to mark record synced")
				e.metrics.IncAttempts(string(rec.Kind), "store_error")
				return false
			}
			e.metrics.IncAttempts(string(rec.Kind), "accepted")
			l.Debug().Int("attempt", attempt).Msg("record synced")
			return true
		}

		e.metrics.IncAttempts(string(rec.Kind), "failed")
		l.Debug().Err(err).Int("attempt", attempt).Msg("delivery attempt failed")
		if logErr := e.store.RecordAttempt(ctx, rec.Kind, rec.ID, e.now(), err.Error()); logErr != nil {
			l.Warn().Err(logErr).Msg("failed to record delivery attempt")
		}

		if attempt < e.cfg.MaxAttempts {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				return false
			}
		}
	}

	l.Warn().Int("attempts", e.cfg.MaxAttempts).Msg("record left pending")
	return false
}

func (e *Engine) attempt(ctx context.Context, rec *models.Record) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	receipt, err := e.transport.Deliver(ctx, rec, e.creds.Authorization())
	if err != nil {
		return err
	}
	if !receipt.Confirms(rec.ID) {
		return models.ErrMalformedReceipt
	}
	return nil
}

// backoff returns the delay after the n-th failed attempt: base * 2^(n-1), capped.
func (e *Engine) backoff(n int) time.Duration {
	d := e.cfg.BackoffBase << (n - 1)
	if d <= 0 || d > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return d
}

func (e *Engine) pace(q models.Quality) {
	limit := rate.Inf
	switch q {
	case models.QualityModerate:
		if e.cfg.RateModerate > 0 {
			limit = rate.Limit(e.cfg.RateModerate)
		}
	case models.QualityPoor:
		if e.cfg.RatePoor > 0 {
			limit = rate.Limit(e.cfg.RatePoor)
		}
	}
	e.limiter.SetLimit(limit)
}

func (e *Engine) updatePending(ctx context.Context) {
	for _, kind := range models.Kinds {
		n, err := e.store.CountBySyncState(ctx, kind, models.SyncPending)
		if err != nil {
			e.log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to count pending records")
			continue
		}
		e.metrics.SetPending(string(kind), n)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isQuiet reports errors that are normal outcomes of a trigger.
func isQuiet(err error) bool {
	return err == nil || errors.Is(err, models.ErrSweepInProgress) || errors.Is(err, models.ErrOffline)
}
