package handlers

import (
	"bufio"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fieldsync/connectivity"
	"fieldsync/events"
	"fieldsync/metrics"
	"fieldsync/models"
	"fieldsync/syncer"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu       sync.Mutex
	state    models.AuthState
	records  []*models.Record
	submitFn func(kind models.Kind, payload map[string]any) (string, error)
	syncErr  error
	loginErr error

	syncBus *events.Bus[models.SyncEvent]
	connBus *events.Bus[models.ConnectivityEvent]
	authBus *events.Bus[models.AuthState]
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		state:   models.AuthState{State: models.AuthUnauthenticated},
		syncBus: events.New[models.SyncEvent](),
		connBus: events.New[models.ConnectivityEvent](),
		authBus: events.New[models.AuthState](),
	}
}

func (f *fakeClient) SubmitRecord(ctx context.Context, kind models.Kind, payload map[string]any) (string, error) {
	return f.submitFn(kind, payload)
}

func (f *fakeClient) GetAuthState() models.AuthState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeClient) Login(ctx context.Context, username, password string) (models.AuthState, error) {
	if f.loginErr != nil {
		return f.GetAuthState(), f.loginErr
	}
	f.mu.Lock()
	f.state = models.AuthState{State: models.AuthOnlineAuthenticated, Authenticated: true, Identity: &models.Identity{UID: "u-1", Name: username}}
	f.mu.Unlock()
	return f.GetAuthState(), nil
}

func (f *fakeClient) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.state = models.AuthState{State: models.AuthUnauthenticated}
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) SubscribeAuth(fn func(models.AuthState)) func() { return f.authBus.Subscribe(fn) }
func (f *fakeClient) SubscribeSyncEvents(fn func(models.SyncEvent)) func() {
	return f.syncBus.Subscribe(fn)
}
func (f *fakeClient) SubscribeConnectivity(fn func(models.ConnectivityEvent)) func() {
	return f.connBus.Subscribe(fn)
}

func (f *fakeClient) GetPendingCount(ctx context.Context) (int, error) { return 2, nil }

func (f *fakeClient) PendingByKind(ctx context.Context) (map[models.Kind]int, error) {
	return map[models.Kind]int{models.KindSOS: 2, models.KindIncident: 0}, nil
}

func (f *fakeClient) Records(ctx context.Context, kind models.Kind) ([]*models.Record, error) {
	var out []*models.Record
	for _, r := range f.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeClient) Sync(ctx context.Context) (syncer.Result, error) {
	if f.syncErr != nil {
		return syncer.Result{}, f.syncErr
	}
	return syncer.Result{Trigger: syncer.TriggerManual, Synced: 2, Pending: 2}, nil
}

func (f *fakeClient) Syncing() bool { return false }

func newRouter(t *testing.T, client *fakeClient) (http.Handler, *connectivity.Monitor) {
	t.Helper()
	mon := connectivity.NewMonitor(false, zerolog.Nop())
	return NewRouter(RouterConfig{
		Client:      client,
		Monitor:     mon,
		Metrics:     metrics.Noop{},
		MetricsHTTP: metrics.New().Handler(),
		Logger:      zerolog.Nop(),
	}), mon
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSubmitRecord(t *testing.T) {
	client := newFakeClient()
	var gotKind models.Kind
	client.submitFn = func(kind models.Kind, payload map[string]any) (string, error) {
		gotKind = kind
		return "rec-1", nil
	}
	h, _ := newRouter(t, client)

	rr := do(t, h, http.MethodPost, "/api/records/sos", `{"emergency_type":"medical"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "rec-1", resp.ID)
	assert.Equal(t, models.KindSOS, gotKind)
}

func TestSubmitRecord_Errors(t *testing.T) {
	client := newFakeClient()
	client.submitFn = func(kind models.Kind, payload map[string]any) (string, error) {
		if _, ok := payload["bad"]; ok {
			return "", models.NewValidationError("emergency_type", "emergency_type is required")
		}
		return "", models.ErrStoreUnavailable
	}
	h, _ := newRouter(t, client)

	rr := do(t, h, http.MethodPost, "/api/records/weather", `{}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/records/sos", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/records/sos", `{"bad":true}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &er))
	require.Len(t, er.Fields, 1)
	assert.Equal(t, "emergency_type", er.Fields[0].Field)

	rr = do(t, h, http.MethodPost, "/api/records/sos", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "Local storage unavailable")
}

func TestPending(t *testing.T) {
	h, _ := newRouter(t, newFakeClient())

	rr := do(t, h, http.MethodGet, "/api/records/pending", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp PendingResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 2, resp.ByKind[models.KindSOS])
}

func TestAuthFlow(t *testing.T) {
	client := newFakeClient()
	h, _ := newRouter(t, client)

	rr := do(t, h, http.MethodPost, "/api/auth/login", `{"username":"amina"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	client.loginErr = models.ErrOffline
	rr = do(t, h, http.MethodPost, "/api/auth/login", `{"username":"amina","password":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	client.loginErr = models.ErrAuthentication
	rr = do(t, h, http.MethodPost, "/api/auth/login", `{"username":"amina","password":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	client.loginErr = nil
	rr = do(t, h, http.MethodPost, "/api/auth/login", `{"username":"amina","password":"x"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var st models.AuthState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, models.AuthOnlineAuthenticated, st.State)

	rr = do(t, h, http.MethodGet, "/api/auth/state", "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.True(t, st.Authenticated)

	rr = do(t, h, http.MethodPost, "/api/auth/logout", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, models.AuthUnauthenticated, st.State)
}

func TestSyncAndConnectivity(t *testing.T) {
	client := newFakeClient()
	h, mon := newRouter(t, client)

	rr := do(t, h, http.MethodPost, "/api/sync", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"synced":2`)

	client.syncErr = models.ErrSweepInProgress
	rr = do(t, h, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/connectivity", `{"online":true,"effective_type":"3g"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, mon.Online())
	assert.Equal(t, models.QualityModerate, mon.Quality())

	rr = do(t, h, http.MethodGet, "/api/connectivity", "")
	var status connectivity.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.True(t, status.Online)
}

func TestExport(t *testing.T) {
	client := newFakeClient()
	synced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client.records = []*models.Record{
		{ID: "a", Kind: models.KindSOS, CreatedAt: synced.Add(-time.Hour), DeviceID: "d1", SyncState: models.SyncSynced, SyncedAt: &synced,
			Author: &models.Identity{UID: "u-1", Name: "Amina"}, Payload: map[string]any{"emergency_type": "fire"}},
		{ID: "b", Kind: models.KindIncident, CreatedAt: synced, DeviceID: "d1", SyncState: models.SyncPending, Payload: map[string]any{"severity": "low"}},
	}
	h, _ := newRouter(t, client)

	rr := do(t, h, http.MethodGet, "/api/export", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	client.state = models.AuthState{State: models.AuthOfflineAuthenticated, Authenticated: true}
	rr = do(t, h, http.MethodGet, "/api/export", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))

	rows, err := csv.NewReader(rr.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "b", rows[1][0])
	assert.Equal(t, "a", rows[2][0])
	assert.Equal(t, "u-1", rows[2][4])
	assert.Equal(t, "2026-03-01T12:00:00Z", rows[2][7])

	rr = do(t, h, http.MethodGet, "/api/export?kind=sos", "")
	rows, err = csv.NewReader(rr.Body).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rr = do(t, h, http.MethodGet, "/api/export?kind=weather", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newRouter(t, newFakeClient())

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	rr := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestEvents_Stream(t *testing.T) {
	client := newFakeClient()
	h, _ := newRouter(t, client)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return client.syncBus.Len() == 1 }, time.Second, 5*time.Millisecond)
	client.syncBus.Publish(models.SyncEvent{Type: models.EventRecordSaved, Kind: models.KindSOS, RecordID: "r-9"})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		lines = append(lines, line)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	assert.Contains(t, lines, "event: recordSaved")
	assert.Contains(t, lines[len(lines)-1], `"record_id":"r-9"`)
}
