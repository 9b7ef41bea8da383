// fieldsync runs the offline-first sync and authentication core of the field
// client and exposes it to the UI shell over a local HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/auth"
	"fieldsync/config"
	"fieldsync/connectivity"
	"fieldsync/core"
	"fieldsync/handlers"
	"fieldsync/metrics"
	"fieldsync/middleware"
	"fieldsync/session"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootOptions holds state shared by all commands.
type rootOptions struct {
	Verbose bool

	cfg *config.Config
	log zerolog.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first report sync for field devices",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.Verbose {
				cfg.Logging.Level = "debug"
			}
			logger, err := newLogger(cfg.Logging, os.Stderr)
			if err != nil {
				return err
			}
			opts.cfg, opts.log = cfg, logger
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sync core and the local API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts.cfg, opts.log)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("remote_mode", cfg.Remote.Mode).
		Msg("starting fieldsync")

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	tr, closer, err := newTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closer.Close()

	var recorder metrics.Recorder = metrics.Noop{}
	var metricsHTTP http.Handler
	if cfg.Metrics.Enabled {
		prom := metrics.New()
		recorder, metricsHTTP = prom, prom.Handler()
	}

	monitor := connectivity.NewMonitor(cfg.Remote.AssumeOnline, log)
	client, err := core.New(ctx, core.Options{
		Store:     store,
		Transport: tr,
		Provider:  auth.NewClient(cfg.Remote.IdentityBaseURL(), cfg.Auth.RequestTimeout),
		Monitor:   monitor,
		Metrics:   recorder,
		Sync:      engineConfig(cfg.Sync),
		Session: session.Config{
			RefreshInterval: cfg.Auth.RefreshInterval,
			RequestTimeout:  cfg.Auth.RequestTimeout,
			SignOutTimeout:  cfg.Auth.SignOutTimeout,
			VerifyIdentity:  cfg.Auth.VerifyIdentity,
		},
	}, log)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Close()

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	limiter.Cleanup(ctx, time.Hour, 30*time.Minute)

	server := &http.Server{
		Addr: cfg.Addr(),
		Handler: handlers.NewRouter(handlers.RouterConfig{
			Client:      client,
			Monitor:     monitor,
			Metrics:     recorder,
			MetricsPath: cfg.Metrics.Path,
			MetricsHTTP: metricsHTTP,
			Limiter:     limiter,
			CORSOrigins: cfg.CORS.Origins(),
			Logger:      log,
		}),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		// Event streams end when the process is signalled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("local API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("local API: %w", err)
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("stopped")
	return nil
}
