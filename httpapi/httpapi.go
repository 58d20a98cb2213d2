// Package httpapi exposes the engine over REST and Server-Sent Events.
//
// The surface is deliberately thin: handlers validate input, call the store
// or the engine, and translate sentinel errors to status codes. All run
// progress streaming goes through the event bus, so a subscriber sees the
// same replay-then-follow semantics whether it connects before, during, or
// after a run.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/durarun/durarun/eventbus"
	"github.com/durarun/durarun/storage"
)

// DefaultPingInterval is how often SSE keepalive comments are written.
const DefaultPingInterval = 15 * time.Second

// Logger interface for structured logging.
// Compatible with *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Runner is the engine surface the API needs: starting claimed work,
// resolving approvals, and requesting cancellation. ResolveApproval
// reports conflicts synchronously; the resumed run is then driven on a
// detached goroutine like any other.
type Runner interface {
	Run(ctx context.Context, runID uuid.UUID) error
	ResolveApproval(ctx context.Context, runID uuid.UUID, decision storage.Decision, feedback string) (*storage.Approval, error)
	Cancel(ctx context.Context, runID uuid.UUID, reason string) error
}

// Server is the HTTP API server state.
type Server struct {
	store  storage.Store
	bus    *eventbus.Bus
	runner Runner
	logger Logger

	pingInterval time.Duration
	metrics      http.Handler

	// baseCtx parents detached run goroutines so shutdown can stop them.
	baseCtx context.Context
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPingInterval overrides the SSE keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithMetricsHandler mounts a handler at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithBaseContext sets the parent context for run goroutines started by
// POST handlers. Defaults to context.Background().
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// NewServer creates an API server.
func NewServer(store storage.Store, bus *eventbus.Bus, runner Runner, opts ...Option) *Server {
	s := &Server{
		store:        store,
		bus:          bus,
		runner:       runner,
		logger:       slog.Default(),
		pingInterval: DefaultPingInterval,
		baseCtx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Post("/{id}/archive", s.handleArchiveSession)
		r.Get("/{id}/runs", s.handleListSessionRuns)
		r.Post("/{id}/runs", s.handleCreateRun)
	})

	r.Route("/runs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetRun)
		r.Get("/subscribe", s.handleSubscribe)
		r.Post("/resume", s.handleResume)
		r.Post("/cancel", s.handleCancel)
		r.Get("/pending-approval", s.handlePendingApproval)
	})

	return r
}
