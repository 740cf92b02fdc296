// Package api provides the HTTP surface of NexusCoach: health checks, the
// Twilio inbound webhook, posture device reports and session lookups.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 10 * time.Second
	healthTimeout     = 5 * time.Second
)

// Backend is the durable store surface the API reads.
type Backend interface {
	Ping(ctx context.Context) error
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, id string) (*models.SessionRecord, error)
	GetMetrics(ctx context.Context, sessionID string) (*models.AnalysisMetrics, error)
}

// Pinger is anything whose reachability the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DeviceService handles reports from posture devices. session.Manager satisfies it.
type DeviceService interface {
	RecordReading(ctx context.Context, deviceID string, r models.Reading) (string, error)
	CalibrateDevice(ctx context.Context, deviceID string) (string, error)
	AlertThreshold(ctx context.Context, deviceID string) (int, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	Cache         Pinger
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCache adds the ephemeral store to the health check.
func WithCache(p Pinger) Option {
	return func(o *Opts) { o.Cache = p }
}

// WithTwilioWebhook mounts the Twilio inbound webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server serves the NexusCoach HTTP API.
type Server struct {
	backend Backend
	devices DeviceService
	opts    Opts
	router  chi.Router
}

// NewServer creates a Server and registers its routes.
func NewServer(backend Backend, devices DeviceService, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{backend: backend, devices: devices, opts: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	if s.opts.TwilioWebhook != nil {
		r.Post("/webhooks/twilio", s.opts.TwilioWebhook)
	}
	r.Route("/devices/{deviceID}", func(r chi.Router) {
		r.Post("/calibration", s.calibrationHandler)
		r.Post("/readings", s.readingsHandler)
	})
	r.Get("/sessions/{sessionID}", s.sessionHandler)
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
