// Command seed runs the reference remote server locally, seeded with field
// accounts, so the client can be exercised end to end without a deployment.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/auth"
	"fieldsync/config"
	"fieldsync/remote"

	"github.com/rs/zerolog"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	jwtManager := auth.NewJWTManager(
		cfg.DevServer.JWTSecret,
		cfg.DevServer.TokenExpiration,
		cfg.DevServer.RefreshTokenExpiration,
	)
	srv := remote.NewServer(jwtManager, log)

	log.Info().Msg("seeding field accounts")
	if err := seedUsers(srv, cfg.DevServer.BcryptCost, log); err != nil {
		log.Fatal().Err(err).Msg("failed to seed users")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.DevServer.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("dev remote server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}

func seedUsers(srv *remote.Server, cost int, log zerolog.Logger) error {
	users := []struct {
		User     auth.User
		Password string
	}{
		{
			User:     auth.User{UserID: "user-coordinator", Username: "coordinator", Name: "Relief Coordinator", Email: "coordinator@relief.example.org"},
			Password: "password1",
		},
		{
			User:     auth.User{UserID: "user-field-east", Username: "field_east", Name: "East Sector Team", Email: "east@relief.example.org"},
			Password: "password1",
		},
		{
			User:     auth.User{UserID: "user-field-west", Username: "field_west", Name: "West Sector Team"},
			Password: "password1",
		},
	}

	for _, u := range users {
		if err := srv.AddUser(u.User, u.Password, cost); err != nil {
			return fmt.Errorf("failed to create user %s: %w", u.User.Username, err)
		}
		log.Info().Str("username", u.User.Username).Msg("created user")
	}
	return nil
}
