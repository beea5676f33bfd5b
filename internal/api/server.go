package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tidewatch/internal/types"
)

// AggregateReader is the read contract the API needs from the aggregate
// store. A nil aggregate with nil error means the period has no record.
type AggregateReader interface {
	GetAggregate(ctx context.Context, key types.PeriodKey) (*types.PeriodAggregate, error)
	ListPeriodKeys(ctx context.Context) ([]types.PeriodKey, error)
	Ping(ctx context.Context) error
}

// Server is the HTTP chassis for the read API: router, middleware chain, and
// handler wiring. The store handle is injected, never reached through
// package-level state.
type Server struct {
	Logger         *slog.Logger
	Store          AggregateReader
	RequestTimeout time.Duration

	router chi.Router
}

// NewServer builds a Server around the given aggregate reader.
func NewServer(store AggregateReader, requestTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if requestTimeout <= 0 {
		requestTimeout = 29 * time.Second
	}

	s := &Server{
		Logger:         logger,
		Store:          store,
		RequestTimeout: requestTimeout,
		router:         chi.NewRouter(),
	}
	s.mountRoutes()
	return s
}

// mountRoutes registers the global middleware chain and all endpoints.
// Middleware order: Recoverer outermost, then timeout, request ID, logging.
func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.RequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Get("/health", s.HandleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/months", s.HandleListMonths)
		r.Get("/maxdiff", s.HandleMaxDiff)
		r.Get("/deviation", s.HandleDeviation)
		r.Get("/temperature", s.HandleTemperature)
	})
}

// Handler returns the composed http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}
