// Package reports is the record submission API used by the UI layer.
package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldsync/events"
	"fieldsync/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the slice of the local store the service needs.
type Store interface {
	Put(ctx context.Context, rec *models.Record) error
	CountBySyncState(ctx context.Context, kind models.Kind, state models.SyncState) (int, error)
}

// IdentitySource returns the current author snapshot, or nil in anonymous mode.
type IdentitySource interface {
	Identity() *models.Identity
}

// Connectivity reports reachability.
type Connectivity interface {
	Online() bool
}

// Syncer is notified after a record is saved while online.
type Syncer interface {
	AfterSubmit()
}

// Service validates, persists and schedules records.
type Service struct {
	store    Store
	identity IdentitySource
	conn     Connectivity
	syncer   Syncer
	bus      *events.Bus[models.SyncEvent]
	deviceID string
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates the submission API.
func NewService(store Store, identity IdentitySource, conn Connectivity, syncer Syncer,
	bus *events.Bus[models.SyncEvent], deviceID string, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		identity: identity,
		conn:     conn,
		syncer:   syncer,
		bus:      bus,
		deviceID: deviceID,
		log:      logger.With().Str("component", "reports").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates and durably saves a record, then returns its id.
// Network delivery happens in the background and never delays the return.
func (s *Service) Submit(ctx context.Context, kind models.Kind, payload map[string]any) (string, error) {
	if kind.Table() == "" {
		return "", fmt.Errorf("submit: %w: %q", models.ErrUnknownKind, kind)
	}
	if err := Validate(kind, payload); err != nil {
		return "", err
	}

	rec := &models.Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: s.now(),
		DeviceID:  s.deviceID,
		SyncState: models.SyncPending,
	}
	if s.identity != nil {
		rec.Author = s.identity.Identity()
	}

	if err := s.store.Put(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("kind", string(kind)).Msg("record not saved, data may be lost")
		if !errors.Is(err, models.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
		}
		return "", err
	}

	s.log.Info().Str("kind", string(kind)).Str("id", rec.ID).Msg("record saved")
	if s.bus != nil {
		s.bus.Publish(models.SyncEvent{Type: models.EventRecordSaved, Kind: kind, RecordID: rec.ID, At: rec.CreatedAt})
	}

	if s.syncer != nil && s.conn != nil && s.conn.Online() {
		s.syncer.AfterSubmit()
	}
	return rec.ID, nil
}

// PendingCount totals PENDING records across all kinds.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	byKind, err := s.PendingByKind(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range byKind {
		total += n
	}
	return total, nil
}

// PendingByKind counts PENDING records per kind.
func (s *Service) PendingByKind(ctx context.Context) (map[models.Kind]int, error) {
	out := make(map[models.Kind]int, len(models.Kinds))
	for _, kind := range models.Kinds {
		n, err := s.store.CountBySyncState(ctx, kind, models.SyncPending)
		if err != nil {
			return nil, fmt.Errorf("count pending %s: %w", kind, err)
		}
		out[kind] = n
	}
	return out, nil
}
