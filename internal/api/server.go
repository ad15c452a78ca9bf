// Package api exposes GoatDB's sync protocol (internal/sync, C9) over
// HTTP: one process may host several repositories, each reachable at
// POST /sync/{repo}/round. The router shape (chi, a small middleware
// stack, an explicit Start/Shutdown pair) follows the teacher's own
// internal/api/server.go.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/goatdb/goatdb/internal/metrics"
	"github.com/goatdb/goatdb/internal/repository"
)

// Server is GoatDB's sync transport.
type Server struct {
	addr         string
	buildVersion string
	logger       *slog.Logger
	metrics      *metrics.Metrics
	router       chi.Router
	server       *http.Server

	mu    sync.RWMutex
	repos map[string]*repository.Repository
}

// NewServer constructs a Server bound to addr.
func NewServer(addr, buildVersion string, logger *slog.Logger) *Server {
	s := &Server{
		addr:         addr,
		buildVersion: buildVersion,
		logger:       logger,
		repos:        make(map[string]*repository.Repository),
	}
	s.setupRouter()
	return s
}

// SetMetrics attaches m so the server records request metrics for every
// subsequent request. It must be called before Start; setupRouter has
// already built the middleware chain by the time NewServer returns, so
// the metrics middleware wraps the router rather than being inserted
// into it.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Register makes repo reachable under name at /sync/{name}/round.
func (s *Server) Register(name string, repo *repository.Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[name] = repo
}

func (s *Server) repoByName(name string) (*repository.Repository, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[name]
	return r, ok
}

// setupRouter configures the HTTP router.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := &syncHandler{server: s}
	r.Route("/sync/{repo}", func(r chi.Router) {
		r.Post("/round", h.round)
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("sync request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// handler returns the router, wrapped in the metrics middleware if
// SetMetrics was called.
func (s *Server) handler() http.Handler {
	if s.metrics == nil {
		return s.router
	}
	return s.metrics.Middleware(s.router)
}

// Start starts the HTTP server. It blocks until Shutdown or a fatal
// listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("starting sync server", slog.String("address", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the HTTP router for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler().ServeHTTP(w, r)
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s", s.addr)
}
