package handlers

import (
	"net/http"
	"time"

	"fieldsync/metrics"
	"fieldsync/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RouterConfig collects what the local API needs.
type RouterConfig struct {
	Client      Client
	Monitor     Monitor
	Metrics     metrics.Recorder
	MetricsPath string
	MetricsHTTP http.Handler // nil disables the metrics endpoint
	Limiter     *middleware.RateLimiter
	CORSOrigins []string
	Logger      zerolog.Logger
}

// NewRouter builds the local API.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	records := NewRecordsHandler(cfg.Client, cfg.Logger)
	authH := NewAuthHandler(cfg.Client, cfg.Logger)
	syncH := NewSyncHandler(cfg.Client, cfg.Monitor, cfg.Logger)
	export := NewExportHandler(cfg.Client, cfg.Logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
		})
	})
	if cfg.MetricsHTTP != nil {
		r.Method(http.MethodGet, cfg.MetricsPath, cfg.MetricsHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(cfg.Limiter.Middleware())
		}

		r.Post("/records/{kind}", records.Submit)
		r.Get("/records/pending", records.Pending)

		r.Get("/auth/state", authH.State)
		r.Post("/auth/login", authH.Login)
		r.Post("/auth/logout", authH.Logout)

		r.Get("/connectivity", syncH.Connectivity)
		r.Post("/connectivity", syncH.UpdateConnectivity)
		r.Post("/sync", syncH.Sync)
		r.Get("/events", syncH.Events)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession(cfg.Client.GetAuthState))
			r.Get("/export", export.ExportRecords)
		})
	})

	return r
}
