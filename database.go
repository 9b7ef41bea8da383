package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"fieldsync/config"
	"fieldsync/db"
	"fieldsync/syncer"
	"fieldsync/transport"

	"github.com/rs/zerolog"
)

// openStore opens the local database, creating its directory if needed.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*db.Store, error) {
	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return db.Open(ctx, cfg.Store.Path, log)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newTransport selects the delivery backend for cfg.Remote.Mode.
func newTransport(ctx context.Context, cfg *config.Config, log zerolog.Logger) (syncer.Transport, io.Closer, error) {
	switch cfg.Remote.Mode {
	case config.RemoteFirestore:
		sink, err := db.NewFirestoreSink(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsPath, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("project_id", cfg.Firebase.ProjectID).Msg("delivering records to Firestore")
		return sink, sink, nil
	default:
		client := transport.NewHTTPClient(
			cfg.Remote.BaseURL,
			cfg.Remote.RequestTimeout,
			transport.WithCompressMinBytes(cfg.Remote.CompressMinBytes),
		)
		log.Info().Str("base_url", cfg.Remote.BaseURL).Msg("delivering records over HTTP")
		return client, nopCloser{}, nil
	}
}

// engineConfig maps the sync section onto the engine policy.
func engineConfig(s config.SyncConfig) syncer.Config {
	return syncer.Config{
		MaxAttempts:    s.MaxAttempts,
		BackoffBase:    s.BackoffBase,
		BackoffMax:     s.BackoffMax,
		AttemptTimeout: s.AttemptTimeout,
		Interval:       s.Interval,
		Debounce:       s.Debounce,
		RateModerate:   s.RateModerate,
		RatePoor:       s.RatePoor,
	}
}
