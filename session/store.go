package session

import (
	"context"
	"errors"
	"fmt"

	"fieldsync/auth"
	"fieldsync/models"

	"github.com/rs/zerolog"
)

// Settings is the key/value slice of the local store the session needs.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// SealedStore persists the singleton session as a MAC-sealed settings value.
type SealedStore struct {
	settings Settings
	sealer   *auth.Sealer
	key      string
	log      zerolog.Logger
}

// NewSealedStore stores the session under key.
func NewSealedStore(settings Settings, sealer *auth.Sealer, key string, logger zerolog.Logger) *SealedStore {
	return &SealedStore{
		settings: settings,
		sealer:   sealer,
		key:      key,
		log:      logger.With().Str("component", "session-store").Logger(),
	}
}

// Load returns the cached session, or nil when none exists. A session that
// fails verification is treated as absent.
func (s *SealedStore) Load(ctx context.Context) (*models.Session, error) {
	raw, err := s.settings.GetSetting(ctx, s.key)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	sess, err := s.sealer.Open(raw)
	if err != nil {
		s.log.Error().Err(err).Msg("cached session rejected")
		return nil, nil
	}
	return sess, nil
}

// Save replaces the cached session.
func (s *SealedStore) Save(ctx context.Context, sess *models.Session) error {
	sealed, err := s.sealer.Seal(sess)
	if err != nil {
		return err
	}
	if err := s.settings.PutSetting(ctx, s.key, sealed); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes the cached session.
func (s *SealedStore) Delete(ctx context.Context) error {
	if err := s.settings.DeleteSetting(ctx, s.key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
