// Package core wires the store, connectivity monitor, session manager, sync
// engine and submission API into the single object the UI layer talks to.
package core

import (
	"context"
	"errors"
	"fmt"

	"fieldsync/auth"
	"fieldsync/connectivity"
	"fieldsync/db"
	"fieldsync/events"
	"fieldsync/metrics"
	"fieldsync/models"
	"fieldsync/reports"
	"fieldsync/session"
	"fieldsync/syncer"

	"github.com/rs/zerolog"
)

// sessionKeyBytes is the size of the per-device session sealing key.
const sessionKeyBytes = 32

// Options are the collaborators and tuning of a Client. Store, Transport,
// Provider and Monitor are required.
type Options struct {
	Store     *db.Store
	Transport syncer.Transport
	Provider  session.Provider
	Monitor   *connectivity.Monitor
	Metrics   metrics.Recorder

	Sync    syncer.Config
	Session session.Config

	// EngineOptions are appended after the metrics option.
	EngineOptions []syncer.Option
}

// Client is the UI-facing facade.
type Client struct {
	store    *db.Store
	monitor  *connectivity.Monitor
	session  *session.Manager
	engine   *syncer.Engine
	reports  *reports.Service
	deviceID string
	log      zerolog.Logger
}

// New builds a Client over an opened store. It bootstraps the device id and
// the session sealing key on first use.
func New(ctx context.Context, opts Options, logger zerolog.Logger) (*Client, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("core: store is required")
	case opts.Transport == nil:
		return nil, errors.New("core: transport is required")
	case opts.Provider == nil:
		return nil, errors.New("core: identity provider is required")
	case opts.Monitor == nil:
		return nil, errors.New("core: connectivity monitor is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}

	deviceID, err := opts.Store.EnsureDeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("core: device id: %w", err)
	}
	key, err := opts.Store.EnsureSecret(ctx, db.SettingSessionKey, sessionKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("core: session key: %w", err)
	}
	sealer, err := auth.NewSealer(key)
	if err != nil {
		return nil, fmt.Errorf("core: session sealer: %w", err)
	}

	sessions := session.NewManager(
		opts.Session,
		opts.Provider,
		session.NewSealedStore(opts.Store, sealer, db.SettingSession, logger),
		opts.Monitor,
		deviceID,
		logger,
	)

	bus := events.New[models.SyncEvent]()
	engineOpts := append([]syncer.Option{syncer.WithMetrics(opts.Metrics)}, opts.EngineOptions...)
	engine := syncer.New(opts.Sync, opts.Store, opts.Transport, sessions, opts.Monitor, bus, logger, engineOpts...)

	return &Client{
		store:    opts.Store,
		monitor:  opts.Monitor,
		session:  sessions,
		engine:   engine,
		reports:  reports.NewService(opts.Store, sessions, opts.Monitor, engine, bus, deviceID, logger),
		deviceID: deviceID,
		log:      logger.With().Str("component", "core").Logger(),
	}, nil
}

// Start restores the cached session and arms the sync triggers.
func (c *Client) Start(ctx context.Context) error {
	if err := c.session.Start(ctx); err != nil {
		return err
	}
	c.engine.Start(ctx)
	c.log.Info().Str("device_id", c.deviceID).Bool("online", c.monitor.Online()).Msg("client started")
	return nil
}

// Close stops background work. The store is owned by the caller.
func (c *Client) Close() {
	c.engine.Close()
	c.session.Close()
}

// DeviceID returns the stable per-install device id.
func (c *Client) DeviceID() string { return c.deviceID }

// Monitor exposes the connectivity monitor so platform signals can be fed in.
func (c *Client) Monitor() *connectivity.Monitor { return c.monitor }

// SubmitRecord validates and saves a record and returns its id.
func (c *Client) SubmitRecord(ctx context.Context, kind models.Kind, payload map[string]any) (string, error) {
	return c.reports.Submit(ctx, kind, payload)
}

// GetAuthState returns the current auth snapshot.
func (c *Client) GetAuthState() models.AuthState {
	return c.session.State()
}

// Login performs an online login.
func (c *Client) Login(ctx context.Context, username, password string) (models.AuthState, error) {
	return c.session.Login(ctx, username, password)
}

// Logout clears the session locally, online or not.
func (c *Client) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

// SubscribeAuth registers fn for auth state changes.
func (c *Client) SubscribeAuth(fn func(models.AuthState)) (unsubscribe func()) {
	return c.session.SubscribeAuth(fn)
}

// SubscribeSyncEvents registers fn for recordSaved and sweep events.
func (c *Client) SubscribeSyncEvents(fn func(models.SyncEvent)) (unsubscribe func()) {
	return c.engine.Subscribe(fn)
}

// SubscribeConnectivity registers fn for online/offline edges.
func (c *Client) SubscribeConnectivity(fn func(models.ConnectivityEvent)) (unsubscribe func()) {
	return c.monitor.Subscribe(fn)
}

// GetPendingCount totals PENDING records across all kinds.
func (c *Client) GetPendingCount(ctx context.Context) (int, error) {
	return c.reports.PendingCount(ctx)
}

// PendingByKind counts PENDING records per kind.
func (c *Client) PendingByKind(ctx context.Context) (map[models.Kind]int, error) {
	return c.reports.PendingByKind(ctx)
}

// Records lists every local record of kind, oldest first.
func (c *Client) Records(ctx context.Context, kind models.Kind) ([]*models.Record, error) {
	return c.store.ListAll(ctx, kind)
}

// Foreground is called when the application returns to the foreground.
func (c *Client) Foreground() {
	c.session.Revalidate()
	c.engine.Foreground()
}

// Sync runs a manual sweep and waits for it.
func (c *Client) Sync(ctx context.Context) (syncer.Result, error) {
	return c.engine.Sweep(ctx, syncer.TriggerManual)
}

// Syncing reports whether a sweep is in progress.
func (c *Client) Syncing() bool {
	return c.engine.Running()
}
