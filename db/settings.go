package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"fieldsync/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// Well-known settings keys.
const (
	SettingDeviceID   = "device_id"
	SettingSession    = "session"
	SettingSessionKey = "session_key"
)

// GetSetting returns the value stored under key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	query, args, err := s.sb.Select("value").
		From("settings").
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build select: %w", err)
	}

	var value string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("setting %q: %w", key, models.ErrNotFound)
		}
		return "", s.unavailable("get setting", err)
	}
	return value, nil
}

// PutSetting stores value under key, replacing any previous value.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	query, args, err := s.sb.Insert("settings").
		Columns("key", "value", "updated_at").
		Values(key, value, toUnixNano(s.now())).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return s.unavailable("put setting", err)
		}
		return nil
	})
}

// DeleteSetting removes key. Deleting a missing key is not an error.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	query, args, err := s.sb.Delete("settings").
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return s.unavailable("delete setting", err)
		}
		return nil
	})
}

// EnsureDeviceID returns the installation's device id, generating it on first run.
func (s *Store) EnsureDeviceID(ctx context.Context) (string, error) {
	return s.ensure(ctx, SettingDeviceID, func() (string, error) {
		return uuid.NewString(), nil
	})
}

// EnsureSecret returns a hex-encoded random secret of n bytes stored under key,
// generating it on first use.
func (s *Store) EnsureSecret(ctx context.Context, key string, n int) ([]byte, error) {
	value, err := s.ensure(ctx, key, func() (string, error) {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate secret: %w", err)
		}
		return hex.EncodeToString(buf), nil
	})
	if err != nil {
		return nil, err
	}

	secret, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode secret %q: %w", key, err)
	}
	return secret, nil
}

// ensure inserts a generated value if key is missing and returns whatever is stored.
func (s *Store) ensure(ctx context.Context, key string, generate func() (string, error)) (string, error) {
	value, err := s.GetSetting(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return "", err
	}

	fresh, err := generate()
	if err != nil {
		return "", err
	}

	query, args, err := s.sb.Insert("settings").
		Columns("key", "value", "updated_at").
		Values(key, fresh, toUnixNano(s.now())).
		Options("OR IGNORE").
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build insert: %w", err)
	}

	if err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return s.unavailable("ensure setting", err)
		}
		return nil
	}); err != nil {
		return "", err
	}

	return s.GetSetting(ctx, key)
}

// DeliveryAttempts is the retry history of one record.
type DeliveryAttempts struct {
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// RecordAttempt appends a failed delivery attempt to the retry history.
// It never touches the record itself.
func (s *Store) RecordAttempt(ctx context.Context, kind models.Kind, id string, at time.Time, errText string) error {
	query, args, err := s.sb.Insert("delivery_log").
		Columns("kind", "record_id", "attempts", "last_attempt_at", "last_error").
		Values(string(kind), id, 1, toUnixNano(at), errText).
		Suffix("ON CONFLICT(kind, record_id) DO UPDATE SET " +
			"attempts = delivery_log.attempts + 1, " +
			"last_attempt_at = excluded.last_attempt_at, " +
			"last_error = excluded.last_error").
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return s.unavailable("record attempt", err)
		}
		return nil
	})
}

// Attempts returns the retry history of a record, or ErrNotFound if it never failed.
func (s *Store) Attempts(ctx context.Context, kind models.Kind, id string) (*DeliveryAttempts, error) {
	query, args, err := s.sb.Select("attempts", "last_attempt_at", "last_error").
		From("delivery_log").
		Where(sq.Eq{"kind": string(kind), "record_id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var (
		out     DeliveryAttempts
		last    int64
		lastErr sql.NullString
	)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&out.Attempts, &last, &lastErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("attempts %s %s: %w", kind, id, models.ErrNotFound)
		}
		return nil, s.unavailable("attempts", err)
	}
	out.LastAttemptAt = fromUnixNano(last)
	out.LastError = lastErr.String
	return &out, nil
}
