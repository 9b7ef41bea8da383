package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fieldsync/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"
)

var recordColumns = []string{
	"id", "payload", "created_at", "device_id",
	"author_uid", "author_name", "author_email",
	"sync_state", "synced_at",
}

// Put inserts a new record. It is the durability point of a submission.
func (s *Store) Put(ctx context.Context, rec *models.Record) error {
	table, err := tableFor(rec.Kind)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return models.NewValidationError("id", "required")
	}

	state := rec.SyncState
	if state == "" {
		state = models.SyncPending
	}
	if !state.Valid() {
		return models.NewValidationError("sync_state", fmt.Sprintf("unknown state %q", state))
	}

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return models.NewValidationError("payload", err.Error())
	}

	var authorUID, authorName, authorEmail sql.NullString
	if rec.Author != nil {
		authorUID = sql.NullString{String: rec.Author.UID, Valid: true}
		authorName = sql.NullString{String: rec.Author.Name, Valid: true}
		authorEmail = sql.NullString{String: rec.Author.Email, Valid: true}
	}

	var syncedAt sql.NullInt64
	if rec.SyncedAt != nil {
		syncedAt = sql.NullInt64{Int64: toUnixNano(*rec.SyncedAt), Valid: true}
	}

	query, args, err := s.sb.Insert(table).
		Columns(recordColumns...).
		Values(
			rec.ID, string(payload), toUnixNano(rec.CreatedAt), rec.DeviceID,
			authorUID, authorName, authorEmail,
			string(state), syncedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("put %s %s: %w", rec.Kind, rec.ID, models.ErrAlreadyExists)
			}
			return s.unavailable("put", err)
		}
		return nil
	})
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, kind models.Kind, id string) (*models.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query, args, err := s.sb.Select(recordColumns...).
		From(table).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...), kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s %s: %w", kind, id, models.ErrNotFound)
	}
	if err != nil {
		return nil, s.unavailable("get", err)
	}
	return rec, nil
}

// Update applies a partial update. Only sync_state and synced_at may change,
// and only in the PENDING -> SYNCED direction.
func (s *Store) Update(ctx context.Context, kind models.Kind, id string, fields map[string]any) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	var (
		target   models.SyncState
		syncedAt *time.Time
	)
	for field, value := range fields {
		switch field {
		case "sync_state":
			switch v := value.(type) {
			case models.SyncState:
				target = v
			case string:
				target = models.SyncState(v)
			default:
				return models.NewValidationError(field, fmt.Sprintf("unsupported type %T", value))
			}
			if !target.Valid() {
				return models.NewValidationError(field, fmt.Sprintf("unknown state %q", target))
			}
		case "synced_at":
			switch v := value.(type) {
			case time.Time:
				syncedAt = &v
			case *time.Time:
				syncedAt = v
			case nil:
			default:
				return models.NewValidationError(field, fmt.Sprintf("unsupported type %T", value))
			}
		default:
			return fmt.Errorf("update %s.%s: %w", kind, field, models.ErrImmutableField)
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := currentState(ctx, tx, s.sb, table, id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return fmt.Errorf("update %s %s: %w", kind, id, err)
			}
			return s.unavailable("update", err)
		}

		if target == "" {
			target = current
		}
		if current == models.SyncSynced && target == models.SyncPending {
			return fmt.Errorf("update %s %s: %w", kind, id, models.ErrInvalidTransition)
		}
		if target == models.SyncSynced && syncedAt == nil {
			now := s.now()
			syncedAt = &now
		}

		update := s.sb.Update(table).
			Set("sync_state", string(target)).
			Where(sq.Eq{"id": id})
		if syncedAt != nil {
			update = update.Set("synced_at", toUnixNano(*syncedAt))
		}

		query, args, err := update.ToSql()
		if err != nil {
			return fmt.Errorf("build update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return s.unavailable("update", err)
		}
		return nil
	})
}

// MarkSynced applies the PENDING -> SYNCED transition. Marking an already
// synced record is a no-op.
func (s *Store) MarkSynced(ctx context.Context, kind models.Kind, id string, at time.Time) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := currentState(ctx, tx, s.sb, table, id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return fmt.Errorf("mark synced %s %s: %w", kind, id, err)
			}
			return s.unavailable("mark synced", err)
		}
		if current == models.SyncSynced {
			return nil
		}

		query, args, err := s.sb.Update(table).
			Set("sync_state", string(models.SyncSynced)).
			Set("synced_at", toUnixNano(at)).
			Where(sq.Eq{"id": id, "sync_state": string(models.SyncPending)}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return s.unavailable("mark synced", err)
		}
		return nil
	})
}

// QueryBySyncState returns records in the given state, oldest first.
func (s *Store) QueryBySyncState(ctx context.Context, kind models.Kind, state models.SyncState) ([]*models.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	return s.list(ctx, kind, s.sb.Select(recordColumns...).
		From(table).
		Where(sq.Eq{"sync_state": string(state)}).
		OrderBy("created_at ASC"))
}

// ListAll returns every record of a kind, oldest first.
func (s *Store) ListAll(ctx context.Context, kind models.Kind) ([]*models.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	return s.list(ctx, kind, s.sb.Select(recordColumns...).
		From(table).
		OrderBy("created_at ASC"))
}

// CountBySyncState counts records of a kind in the given state.
func (s *Store) CountBySyncState(ctx context.Context, kind models.Kind, state models.SyncState) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	query, args, err := s.sb.Select("COUNT(*)").
		From(table).
		Where(sq.Eq{"sync_state": string(state)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, s.unavailable("count", err)
	}
	return n, nil
}

func (s *Store) list(ctx context.Context, kind models.Kind, b sq.SelectBuilder) ([]*models.Record, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.unavailable("query", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows, kind)
		if err != nil {
			return nil, s.unavailable("scan", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.unavailable("iterate", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, kind models.Kind) (*models.Record, error) {
	var (
		rec                                models.Record
		payload                            string
		createdAt                          int64
		authorUID, authorName, authorEmail sql.NullString
		state                              string
		syncedAt                           sql.NullInt64
	)

	if err := row.Scan(
		&rec.ID, &payload, &createdAt, &rec.DeviceID,
		&authorUID, &authorName, &authorEmail,
		&state, &syncedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", rec.ID, err)
	}

	rec.Kind = kind
	rec.CreatedAt = fromUnixNano(createdAt)
	rec.SyncState = models.SyncState(state)
	if authorUID.Valid {
		rec.Author = &models.Identity{
			UID:   authorUID.String,
			Name:  authorName.String,
			Email: authorEmail.String,
		}
	}
	if syncedAt.Valid {
		t := fromUnixNano(syncedAt.Int64)
		rec.SyncedAt = &t
	}
	return &rec, nil
}

func currentState(ctx context.Context, tx *sql.Tx, sb sq.StatementBuilderType, table, id string) (models.SyncState, error) {
	query, args, err := sb.Select("sync_state").
		From(table).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return "", err
	}

	var state string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", models.ErrNotFound
		}
		return "", err
	}
	return models.SyncState(state), nil
}

func tableFor(kind models.Kind) (string, error) {
	table := kind.Table()
	if table == "" {
		return "", fmt.Errorf("%w: %q", models.ErrUnknownKind, kind)
	}
	return table, nil
}
