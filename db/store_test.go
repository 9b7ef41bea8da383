package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fieldsync/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "fieldsync.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRecord(kind models.Kind, created time.Time) *models.Record {
	return &models.Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   map[string]any{"incident_type": "flood", "severity": "high"},
		CreatedAt: created,
		DeviceID:  "device-1",
		SyncState: models.SyncPending,
	}
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newRecord(models.KindIncident, time.Now().UTC())
	rec.Author = &models.Identity{UID: "u1", Name: "Field Worker", Email: "fw@example.org"}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, models.KindIncident, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, models.SyncPending, got.SyncState)
	assert.Equal(t, "flood", got.Payload["incident_type"])
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.Author)
	assert.Equal(t, "u1", got.Author.UID)
	assert.Nil(t, got.SyncedAt)
}

func TestStore_PutDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newRecord(models.KindSOS, time.Now())
	require.NoError(t, s.Put(ctx, rec))

	err := s.Put(ctx, rec)
	assert.ErrorIs(t, err, models.ErrAlreadyExists)
}

func TestStore_UnknownKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Put(ctx, newRecord(models.Kind("weather"), time.Now()))
	assert.ErrorIs(t, err, models.ErrUnknownKind)

	_, err = s.Get(ctx, models.Kind("weather"), "x")
	assert.ErrorIs(t, err, models.ErrUnknownKind)
}

func TestStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), models.KindIncident, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStore_QueryBySyncStateOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	late := newRecord(models.KindBlockedRoad, base.Add(2*time.Second))
	early := newRecord(models.KindBlockedRoad, base)
	synced := newRecord(models.KindBlockedRoad, base.Add(time.Second))
	for _, r := range []*models.Record{late, early, synced} {
		require.NoError(t, s.Put(ctx, r))
	}
	require.NoError(t, s.MarkSynced(ctx, models.KindBlockedRoad, synced.ID, base))

	pending, err := s.QueryBySyncState(ctx, models.KindBlockedRoad, models.SyncPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, early.ID, pending[0].ID)
	assert.Equal(t, late.ID, pending[1].ID)

	n, err := s.CountBySyncState(ctx, models.KindBlockedRoad, models.SyncSynced)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.ListAll(ctx, models.KindBlockedRoad)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_MarkSyncedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newRecord(models.KindSupplyRequest, time.Now())
	require.NoError(t, s.Put(ctx, rec))

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkSynced(ctx, rec.Kind, rec.ID, first))
	require.NoError(t, s.MarkSynced(ctx, rec.Kind, rec.ID, first.Add(time.Hour)))

	got, err := s.Get(ctx, rec.Kind, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, got.SyncState)
	require.NotNil(t, got.SyncedAt)
	assert.True(t, first.Equal(*got.SyncedAt))

	err = s.MarkSynced(ctx, rec.Kind, "missing", first)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStore_UpdateRestrictions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newRecord(models.KindTrappedCivilians, time.Now())
	require.NoError(t, s.Put(ctx, rec))

	err := s.Update(ctx, rec.Kind, rec.ID, map[string]any{"payload": map[string]any{}})
	assert.ErrorIs(t, err, models.ErrImmutableField)

	err = s.Update(ctx, rec.Kind, rec.ID, map[string]any{"sync_state": "DELIVERED"})
	assert.ErrorIs(t, err, models.ErrValidation)

	require.NoError(t, s.Update(ctx, rec.Kind, rec.ID, map[string]any{"sync_state": models.SyncSynced}))

	got, err := s.Get(ctx, rec.Kind, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, got.SyncState)
	assert.NotNil(t, got.SyncedAt)

	err = s.Update(ctx, rec.Kind, rec.ID, map[string]any{"sync_state": models.SyncPending})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestStore_DurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.db")
	ctx := context.Background()

	s, err := Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	rec := newRecord(models.KindIncident, time.Now())
	require.NoError(t, s.Put(ctx, rec))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, models.KindIncident, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, got.SyncState)
}

func TestStore_Settings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, s.PutSetting(ctx, "k", "v1"))
	require.NoError(t, s.PutSetting(ctx, "k", "v2"))
	v, err := s.GetSetting(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.DeleteSetting(ctx, "k"))
	require.NoError(t, s.DeleteSetting(ctx, "k"))
	_, err = s.GetSetting(ctx, "k")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStore_EnsureDeviceIDStable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureDeviceID(ctx)
	require.NoError(t, err)
	_, err = uuid.Parse(first)
	require.NoError(t, err)

	second, err := s.EnsureDeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	key, err := s.EnsureSecret(ctx, SettingSessionKey, 32)
	require.NoError(t, err)
	assert.Len(t, key, 32)
	again, err := s.EnsureSecret(ctx, SettingSessionKey, 32)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestStore_RecordAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newRecord(models.KindSOS, time.Now())
	require.NoError(t, s.Put(ctx, rec))

	_, err := s.Attempts(ctx, rec.Kind, rec.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	at := time.Now().UTC()
	require.NoError(t, s.RecordAttempt(ctx, rec.Kind, rec.ID, at, "timeout"))
	require.NoError(t, s.RecordAttempt(ctx, rec.Kind, rec.ID, at.Add(time.Second), "status 503"))

	got, err := s.Attempts(ctx, rec.Kind, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "status 503", got.LastError)

	// Retry history never touches the record.
	stored, err := s.Get(ctx, rec.Kind, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, stored.SyncState)
}

func TestStore_PragmasOnEveryConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Drop idle connections so each checkout dials a fresh one.
	s.db.SetMaxIdleConns(0)

	for i := 0; i < 2; i++ {
		conn, err := s.db.Conn(ctx)
		require.NoError(t, err)

		var journal string
		var synchronous, busy int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&synchronous))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy))
		assert.Equal(t, "wal", journal)
		assert.Equal(t, 2, synchronous, "synchronous=FULL")
		assert.Equal(t, 5000, busy)
		require.NoError(t, conn.Close())
	}
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "a.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=FULL", dsn("a.db"))
	assert.Contains(t, dsn("file:a.db?cache=shared"), "?cache=shared&_busy_timeout=5000")
}
