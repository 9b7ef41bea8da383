package core

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fieldsync/auth"
	"fieldsync/connectivity"
	"fieldsync/db"
	"fieldsync/models"
	"fieldsync/remote"
	"fieldsync/syncer"
	"fieldsync/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "amina"
	testPassword = "Field#2024"
)

type env struct {
	remote  *remote.Server
	url     string
	dbPath  string
	monitor *connectivity.Monitor
}

func newEnv(t *testing.T, online bool) *env {
	t.Helper()
	srv := remote.NewServer(auth.NewJWTManager("e2e-secret", time.Hour, 24*time.Hour), zerolog.Nop())
	require.NoError(t, srv.AddUser(auth.User{UserID: "u-1", Username: testUser, Name: "Amina K", Email: "amina@example.org"}, testPassword, 4))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{
		remote:  srv,
		url:     ts.URL,
		dbPath:  filepath.Join(t.TempDir(), "fieldsync.db"),
		monitor: connectivity.NewMonitor(online, zerolog.Nop()),
	}
}

// open builds a client over the env's database file. Each call simulates an
// application launch.
func (e *env) open(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, e.dbPath, zerolog.Nop())
	require.NoError(t, err)

	cfg := syncer.DefaultConfig()
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.Debounce = 10 * time.Millisecond
	cfg.Interval = time.Hour

	c, err := New(ctx, Options{
		Store:     store,
		Transport: transport.NewHTTPClient(e.url, 5*time.Second),
		Provider:  auth.NewClient(e.url, 5*time.Second),
		Monitor:   e.monitor,
		Sync:      cfg,
	}, zerolog.Nop())
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
		store.Close()
	})
	return c
}

func pending(t *testing.T, c *Client) int {
	t.Helper()
	n, err := c.GetPendingCount(context.Background())
	require.NoError(t, err)
	return n
}

func TestOfflineRecordsSyncWhenOnline(t *testing.T) {
	e := newEnv(t, false)
	c := e.open(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	var mu sync.Mutex
	var completed []models.SyncEvent
	c.SubscribeSyncEvents(func(evt models.SyncEvent) {
		if evt.Type == models.EventSyncComplete {
			mu.Lock()
			completed = append(completed, evt)
			mu.Unlock()
		}
	})

	a, err := c.SubmitRecord(ctx, models.KindIncident, map[string]any{"incident_type": "flood", "severity": "high"})
	require.NoError(t, err)
	b, err := c.SubmitRecord(ctx, models.KindSOS, map[string]any{"emergency_type": "medical"})
	require.NoError(t, err)
	d, err := c.SubmitRecord(ctx, models.KindTrappedCivilians, map[string]any{"count": float64(3)})
	require.NoError(t, err)

	assert.Equal(t, 3, pending(t, c))
	assert.Equal(t, 0, e.remote.Count(models.KindIncident))

	e.monitor.SetOnline(true)

	require.Eventually(t, func() bool { return pending(t, c) == 0 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, e.remote.Count(models.KindIncident))
	assert.Equal(t, 1, e.remote.Count(models.KindSOS))
	assert.Equal(t, 1, e.remote.Count(models.KindTrappedCivilians))
	for _, id := range []string{a, b, d} {
		assert.Equal(t, 1, e.remote.Deliveries(id), id)
	}

	recs, err := c.Records(ctx, models.KindSOS)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SyncSynced, recs[0].SyncState)
	assert.NotNil(t, recs[0].SyncedAt)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestLostAckIsReplayedIdempotently(t *testing.T) {
	e := newEnv(t, true)
	c := e.open(t)
	ctx := context.Background()

	e.remote.DropAckNext(1)
	id, err := c.SubmitRecord(ctx, models.KindBlockedRoad, map[string]any{"road_name": "RN1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pending(t, c) == 0 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, e.remote.Count(models.KindBlockedRoad))
	assert.Equal(t, 2, e.remote.Deliveries(id))
}

func TestEmptyAckKeepsRecordPending(t *testing.T) {
	e := newEnv(t, false)
	c := e.open(t)
	ctx := context.Background()

	_, err := c.SubmitRecord(ctx, models.KindSupplyRequest, map[string]any{"items": []any{"water"}})
	require.NoError(t, err)

	// Not started, so the online edge does not schedule a sweep.
	e.remote.SetEmptyAck(true)
	e.monitor.SetOnline(true)

	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Synced)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, pending(t, c))

	e.remote.SetEmptyAck(false)
	res, err = c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 0, pending(t, c))
}

func TestSyncOffline(t *testing.T) {
	e := newEnv(t, false)
	c := e.open(t)

	_, err := c.Sync(context.Background())
	assert.ErrorIs(t, err, models.ErrOffline)
}

func TestLoginAttachesAuthor(t *testing.T) {
	e := newEnv(t, true)
	c := e.open(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	_, err := c.Login(ctx, testUser, "wrong")
	assert.ErrorIs(t, err, models.ErrAuthentication)
	assert.False(t, c.GetAuthState().Authenticated)

	st, err := c.Login(ctx, testUser, testPassword)
	require.NoError(t, err)
	assert.Equal(t, models.AuthOnlineAuthenticated, st.State)
	require.NotNil(t, st.Identity)
	assert.Equal(t, "u-1", st.Identity.UID)

	id, err := c.SubmitRecord(ctx, models.KindIncident, map[string]any{"incident_type": "fire", "severity": "low"})
	require.NoError(t, err)
	// The submit-triggered sweep is dropped if the start-up sweep still holds the flag.
	require.Eventually(t, func() bool {
		if pending(t, c) == 0 {
			return true
		}
		if !c.Syncing() {
			c.Foreground()
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	got, ok := e.remote.Record(models.KindIncident, id)
	require.True(t, ok)
	require.NotNil(t, got.Author)
	assert.Equal(t, "u-1", got.Author.UID)
	assert.Equal(t, c.DeviceID(), got.DeviceID)
}

func TestSessionSurvivesOfflineRestart(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	first := e.open(t)
	require.NoError(t, first.Start(ctx))
	_, err := first.Login(ctx, testUser, testPassword)
	require.NoError(t, err)
	deviceID := first.DeviceID()
	first.Close()

	e.monitor.SetOnline(false)
	second := e.open(t)
	require.NoError(t, second.Start(ctx))

	st := second.GetAuthState()
	assert.Equal(t, models.AuthOfflineAuthenticated, st.State)
	assert.True(t, st.Authenticated)
	assert.Equal(t, deviceID, second.DeviceID())

	require.NoError(t, second.Logout(ctx))
	assert.Equal(t, models.AuthUnauthenticated, second.GetAuthState().State)
	second.Close()

	third := e.open(t)
	require.NoError(t, third.Start(ctx))
	assert.Equal(t, models.AuthUnauthenticated, third.GetAuthState().State)
	assert.False(t, third.GetAuthState().Authenticated)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(context.Background(), Options{}, zerolog.Nop())
	assert.Error(t, err)
}
