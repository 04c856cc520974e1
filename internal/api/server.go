// Package api serves the operator-facing HTTP surface: health and status,
// dashboard reads, manual checks, settings and the LINE webhook.
package api

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"firms-hotspot-alerts/internal/aggregator"
	"firms-hotspot-alerts/internal/alerting"
	"firms-hotspot-alerts/internal/hotspot"
	"firms-hotspot-alerts/internal/metrics"
	"firms-hotspot-alerts/internal/monitor"
	"firms-hotspot-alerts/internal/service"
	"firms-hotspot-alerts/internal/storage"
)

// Engine is the check service as seen by the API.
type Engine interface {
	Check(ctx context.Context, opts service.CheckOptions) (service.CheckOutcome, error)
	Deliver(ctx context.Context, msg alerting.Message, dets []hotspot.Detection) error
	Health() service.Health
}

// StateView exposes the monitor for the status endpoint.
type StateView interface {
	Status() monitor.Status
	Snapshot() aggregator.Snapshot
}

// Options wire the server.
type Options struct {
	Store         storage.Store
	Engine        Engine
	Monitor       StateView
	Metrics       *metrics.Collector
	Sources       []string
	Region        string
	Location      *time.Location
	CORSOrigins   []string
	ChannelSecret string
	CheckTimeout  time.Duration
	Now           func() time.Time
}

// Server is the chi router plus its dependencies.
type Server struct {
	opts     Options
	router   chi.Router
	validate *validator.Validate
	logger   zerolog.Logger
}

// New builds the router.
func New(opts Options, logger zerolog.Logger) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = time.Minute
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := fld.Tag.Get("json")
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		if tag == "" || tag == "-" {
			return fld.Name
		}
		return tag
	})
	s := &Server{
		opts:     opts,
		validate: validate,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP, chimw.RequestID, chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/webhook", s.handleWebhook)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/hotspots", s.handleHotspots)
		r.Get("/hotspots/today", s.handleHotspotsToday)
		r.Get("/notifications", s.handleNotifications)
		r.Get("/logs", s.handleLogs)
		r.Get("/settings", s.handleListSettings)
		r.Post("/settings", s.handleUpdateSetting)
		r.Post("/check-now", s.handleCheckNow)
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
