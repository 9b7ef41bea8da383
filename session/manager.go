// Package session keeps a field user logged in across arbitrarily long offline
// periods and re-validates the identity whenever the network allows.
//
// The cached session is the single source of truth for "authenticated":
// it is created by an online login, refreshed in place, and deleted only by
// an explicit logout. Expiry and unreachability never log the user out.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/events"
	"fieldsync/models"

	"github.com/rs/zerolog"
)

// Provider is the remote identity provider.
type Provider interface {
	Login(ctx context.Context, username, password string) (models.Identity, models.Credential, error)
	Refresh(ctx context.Context, cred models.Credential) (models.Credential, error)
	Me(ctx context.Context, token string) (models.Identity, error)
	SignOut(ctx context.Context, token string) error
}

// Persister stores the singleton session.
type Persister interface {
	Load(ctx context.Context) (*models.Session, error)
	Save(ctx context.Context, sess *models.Session) error
	Delete(ctx context.Context) error
}

// Connectivity is the read side of the connectivity monitor.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(models.ConnectivityEvent)) (unsubscribe func())
}

// Config tunes the manager.
type Config struct {
	RefreshInterval time.Duration // periodic silent refresh while online
	RequestTimeout  time.Duration // bound on refresh and identity calls
	SignOutTimeout  time.Duration // bound on best-effort remote sign-out
	VerifyIdentity  bool          // call /me after a refresh
}

// Manager is the identity/session state machine.
type Manager struct {
	cfg      Config
	provider Provider
	store    Persister
	conn     Connectivity
	deviceID string
	log      zerolog.Logger
	now      func() time.Time

	// persistMu orders writes to the persisted session between logout,
	// login and refresh.
	persistMu sync.Mutex

	mu      sync.RWMutex
	state   models.AuthStatus
	session *models.Session
	gen     uint64 // bumped on login/logout so stale refresh results are dropped
	stopRef context.CancelFunc

	bus        *events.Bus[models.AuthState]
	validating atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	unsubConn  func()
}

// NewManager creates a manager in the UNAUTHENTICATED state. Call Start to
// load the cached session.
func NewManager(cfg Config, provider Provider, store Persister, conn Connectivity, deviceID string, logger zerolog.Logger) *Manager {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 50 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.SignOutTimeout <= 0 {
		cfg.SignOutTimeout = 3 * time.Second
	}

	return &Manager{
		cfg:      cfg,
		provider: provider,
		store:    store,
		conn:     conn,
		deviceID: deviceID,
		log:      logger.With().Str("component", "session").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		state:    models.AuthUnauthenticated,
		bus:      events.New[models.AuthState](),
	}
}

// Start loads the cached session and begins following connectivity changes.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.setState(models.AuthValidating, nil, false)

	sess, err := m.store.Load(ctx)
	if err != nil {
		m.setState(models.AuthUnauthenticated, nil, true)
		return fmt.Errorf("start session manager: %w", err)
	}

	m.unsubConn = m.conn.Subscribe(m.onConnectivity)

	switch {
	case sess == nil:
		m.setState(models.AuthUnauthenticated, nil, true)
	case !m.conn.Online():
		m.setState(models.AuthOfflineAuthenticated, sess, true)
		m.log.Info().Str("uid", sess.Identity.UID).Msg("restored cached session offline")
	default:
		// Cached identity is visible right away while validation runs.
		m.setState(models.AuthValidating, sess, true)
		m.log.Info().Str("uid", sess.Identity.UID).Msg("restored cached session, validating")
		m.goValidate()
	}
	return nil
}

// Close stops background work.
func (m *Manager) Close() {
	if m.unsubConn != nil {
		m.unsubConn()
	}
	m.stopRefresh()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// State returns the current snapshot. It never blocks on I/O.
func (m *Manager) State() models.AuthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot()
}

// Identity returns the cached identity, or nil in anonymous mode.
func (m *Manager) Identity() *models.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	id := m.session.Identity
	return &id
}

// Authorization returns the principal for outgoing requests.
func (m *Manager) Authorization() models.Authorization {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a := models.Authorization{DeviceID: m.deviceID}
	if m.session != nil {
		a.BearerToken = m.session.Credential.Token
	}
	return a
}

// SubscribeAuth registers fn for state changes.
func (m *Manager) SubscribeAuth(fn func(models.AuthState)) (unsubscribe func()) {
	return m.bus.Subscribe(fn)
}

// Login performs an online login. It fails with ErrOffline without network.
func (m *Manager) Login(ctx context.Context, username, password string) (models.AuthState, error) {
	if !m.conn.Online() {
		return m.State(), fmt.Errorf("login: %w", models.ErrOffline)
	}

	id, cred, err := m.provider.Login(ctx, username, password)
	if err != nil {
		m.log.Warn().Err(err).Str("username", username).Msg("login failed")
		if !errors.Is(err, models.ErrAuthentication) {
			err = fmt.Errorf("%w: %w", models.ErrAuthentication, err)
		}
		return m.State(), err
	}

	now := m.now()
	sess := &models.Session{
		Identity:     id,
		Credential:   cred,
		LastOnlineAt: now,
		CreatedAt:    now,
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if err := m.store.Save(ctx, sess); err != nil {
		m.log.Error().Err(err).Msg("failed to persist session")
		return m.State(), err
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.session = sess
	m.mu.Unlock()

	m.promote(gen, sess)
	m.log.Info().Str("uid", id.UID).Msg("user logged in")
	return m.State(), nil
}

// Logout clears the local session unconditionally and makes a best-effort
// remote sign-out.
func (m *Manager) Logout(ctx context.Context) error {
	m.persistMu.Lock()
	m.stopRefresh()
	m.mu.Lock()
	var token string
	if m.session != nil {
		token = m.session.Credential.Token
	}
	m.gen++
	m.mu.Unlock()

	storeErr := m.store.Delete(ctx)
	if storeErr != nil {
		m.log.Error().Err(storeErr).Msg("failed to delete cached session")
	}
	m.setState(models.AuthUnauthenticated, nil, true)
	m.persistMu.Unlock()

	if token != "" && m.conn.Online() {
		signCtx, cancel := context.WithTimeout(ctx, m.cfg.SignOutTimeout)
		if err := m.provider.SignOut(signCtx, token); err != nil {
			m.log.Debug().Err(err).Msg("remote sign-out failed")
		}
		cancel()
	}

	m.log.Info().Msg("user logged out")
	return storeErr
}

// Revalidate triggers a silent refresh if a session exists and the device is online.
func (m *Manager) Revalidate() {
	m.mu.RLock()
	has := m.session != nil
	m.mu.RUnlock()
	if has && m.conn.Online() {
		m.goValidate()
	}
}

// onConnectivity keeps OFFLINE_AUTHENTICATED while a reconnect refresh is in
// flight; only its outcome moves the state.
func (m *Manager) onConnectivity(evt models.ConnectivityEvent) {
	if evt.Online {
		m.Revalidate()
		return
	}

	m.mu.RLock()
	gen := m.gen
	m.mu.RUnlock()
	m.downgrade(gen)
}

func (m *Manager) goValidate() {
	if !m.validating.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.validating.Store(false)
		m.validate()
	}()
}

// validate runs one silent refresh. Failures only downgrade to
// OFFLINE_AUTHENTICATED; they never clear the session.
func (m *Manager) validate() {
	m.mu.RLock()
	sess := m.session
	gen := m.gen
	m.mu.RUnlock()
	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(m.baseContext(), m.cfg.RequestTimeout)
	defer cancel()

	cred, err := m.provider.Refresh(ctx, sess.Credential)
	if err != nil {
		m.log.Info().Err(err).Msg("silent refresh failed, keeping cached session")
		m.downgrade(gen)
		return
	}

	next := *sess
	next.Credential = cred
	next.LastOnlineAt = m.now()

	if m.cfg.VerifyIdentity {
		id, err := m.provider.Me(ctx, cred.Token)
		switch {
		case errors.Is(err, models.ErrNoRemoteSession):
			m.log.Info().Err(err).Msg("identity provider has no session, keeping cached session")
			m.downgrade(gen)
			return
		case err != nil:
			m.log.Debug().Err(err).Msg("identity check failed")
		case id.UID != "" && id.UID == next.Identity.UID:
			if id.Name != "" {
				next.Identity.Name = id.Name
			}
			if id.Email != "" {
				next.Identity.Email = id.Email
			}
		}
	}

	// Logout deletes under persistMu, so a refresh that lost the race
	// never writes the session back.
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	stale := m.gen != gen || m.session == nil
	m.mu.RUnlock()
	if stale {
		return
	}

	if err := m.store.Save(ctx, &next); err != nil {
		m.log.Error().Err(err).Msg("failed to persist refreshed session")
	}
	if m.promote(gen, &next) {
		m.log.Debug().Time("expires_at", cred.ExpiresAt).Msg("session refreshed")
	}
}

// promote installs sess and moves to ONLINE_AUTHENTICATED with the refresh
// timer armed. If the device went offline meanwhile the new credential is
// kept but the state stays OFFLINE_AUTHENTICATED.
func (m *Manager) promote(gen uint64, sess *models.Session) bool {
	m.mu.Lock()
	if m.gen != gen || m.session == nil {
		m.mu.Unlock()
		return false
	}
	m.session = sess
	online := m.conn.Online()
	if online {
		m.state = models.AuthOnlineAuthenticated
	} else {
		m.state = models.AuthOfflineAuthenticated
	}
	var (
		ctx      context.Context
		interval time.Duration
	)
	if online {
		ctx, interval = m.armRefreshLocked()
	}
	snap := m.snapshot()
	m.mu.Unlock()

	if online {
		m.runRefresh(ctx, interval)
	}
	m.bus.Publish(snap)
	return online
}

// downgrade moves an authenticated manager to OFFLINE_AUTHENTICATED and stops
// the refresh timer, keeping whatever session is current. It is a no-op after
// a logout or login.
func (m *Manager) downgrade(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.session == nil {
		m.mu.Unlock()
		return
	}
	if m.stopRef != nil {
		m.stopRef()
		m.stopRef = nil
	}
	if m.state == models.AuthOfflineAuthenticated {
		m.mu.Unlock()
		return
	}
	m.state = models.AuthOfflineAuthenticated
	snap := m.snapshot()
	m.mu.Unlock()

	m.bus.Publish(snap)
}

// armRefreshLocked replaces the refresh timer context. mu must be held.
func (m *Manager) armRefreshLocked() (context.Context, time.Duration) {
	if m.stopRef != nil {
		m.stopRef()
	}
	ctx, cancel := context.WithCancel(m.baseContext())
	m.stopRef = cancel
	return ctx, m.cfg.RefreshInterval
}

func (m *Manager) runRefresh(ctx context.Context, interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.conn.Online() {
					m.goValidate()
				}
			}
		}
	}()
}

func (m *Manager) stopRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopRef != nil {
		m.stopRef()
		m.stopRef = nil
	}
}

func (m *Manager) baseContext() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

func (m *Manager) setState(state models.AuthStatus, sess *models.Session, publish bool) {
	m.mu.Lock()
	changed := m.state != state || m.session != sess
	m.state = state
	m.session = sess
	snap := m.snapshot()
	m.mu.Unlock()

	if publish && changed {
		m.bus.Publish(snap)
	}
}

// snapshot must be called with mu held.
func (m *Manager) snapshot() models.AuthState {
	st := models.AuthState{
		State:         m.state,
		Authenticated: m.session != nil,
	}
	if m.session != nil {
		id := m.session.Identity
		last := m.session.LastOnlineAt
		exp := m.session.Credential.ExpiresAt
		st.Identity = &id
		st.LastOnlineAt = &last
		st.ExpiresAt = &exp
	}
	return st
}
