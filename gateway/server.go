// ABOUTME: HTTP surface of the relay: completion routes, admin API, health, metrics.
// ABOUTME: Owns the chi router, the hot-swappable routing table, and graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389-research/relay/router"
	"github.com/2389-research/relay/scheduler"
	"github.com/2389-research/relay/store"
)

const defaultMaxBodyBytes = 10 << 20

// Config assembles a Server.
type Config struct {
	Scheduler *scheduler.Scheduler

	// Router is the initial routing table. Nil starts with an empty table;
	// reloads swap it in via SetRouter.
	Router *router.Router

	// Audit, when set, records request outcomes off the request path.
	Audit *store.AuditLog

	// Metrics defaults to a fresh private registry.
	Metrics *Metrics

	// MaxBodyBytes caps request bodies. Defaults to 10 MiB.
	MaxBodyBytes int64

	// MetricsInterval is how often pool gauges resync from scheduler stats.
	// Zero disables the resync loop.
	MetricsInterval time.Duration

	// ShutdownGrace bounds the drain after the serve context ends.
	// Defaults to 15s.
	ShutdownGrace time.Duration

	Logger *slog.Logger
}

// Server routes completion traffic into the scheduler and exposes the admin
// surface over the same listener.
type Server struct {
	sched     *scheduler.Scheduler
	rt        atomic.Pointer[router.Router]
	audit     *store.AuditLog
	metrics   *Metrics
	maxBody   int64
	syncEvery time.Duration
	grace     time.Duration
	logger    *slog.Logger
	handlers  chi.Router
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Scheduler == nil {
		return nil, errors.New("gateway needs a scheduler")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}

	s := &Server{
		sched:     cfg.Scheduler,
		audit:     cfg.Audit,
		metrics:   metrics,
		maxBody:   maxBody,
		syncEvery: cfg.MetricsInterval,
		grace:     grace,
		logger:    logger,
	}
	if cfg.Router != nil {
		s.rt.Store(cfg.Router)
	} else {
		rt, err := router.New(router.Config{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("building empty routing table: %w", err)
		}
		s.rt.Store(rt)
	}
	s.handlers = s.buildRouter()
	return s, nil
}

// SetRouter swaps the routing table. In-flight requests keep the table they
// resolved against.
func (s *Server) SetRouter(rt *router.Router) {
	if rt == nil {
		return
	}
	s.rt.Store(rt)
}

func (s *Server) router() *router.Router {
	return s.rt.Load()
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handlers.ServeHTTP(w, r)
}

// buildRouter constructs the chi router with all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	// Both dialects accept both path spellings; the body decides nothing
	// about routing beyond the model and virtual_model fields.
	r.Post("/v1/chat/completions", s.handleCompletion)
	r.Post("/chat/completions", s.handleCompletion)
	r.Post("/v1/messages", s.handleCompletion)
	r.Post("/messages", s.handleCompletion)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Get("/virtual-models", s.handleVirtualModels)
		r.Get("/stats", s.handleStats)
		r.Get("/blacklist", s.handleBlacklist)
		r.Delete("/blacklist/{key}", s.handleBlacklistRemove)
		r.Post("/instances/{id}/enable", s.handleInstanceEnable)
		r.Post("/instances/{id}/disable", s.handleInstanceDisable)
		r.Post("/instances/{id}/maintenance", s.handleInstanceMaintenance)
		r.Get("/requests", s.handleRecentRequests)
		r.Get("/usage", s.handleUsage)
	})

	return r
}

// logRequests records one line per request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
		)
	})
}

// Serve runs the HTTP server on ln until ctx ends, then drains for the
// shutdown grace. The caller owns the listener so bind failures can be told
// apart from serve failures.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// No WriteTimeout: streamed completions hold the connection open
		// for as long as the upstream generates.
	}

	if s.syncEvery > 0 {
		go s.syncMetrics(ctx)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.logger.Info("gateway draining", "grace", s.grace)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("shutdown: %w", err)
		}
		<-errc
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) syncMetrics(ctx context.Context) {
	ticker := time.NewTicker(s.syncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.syncPools(s.sched.Stats())
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"virtualModels": len(s.sched.VirtualModels()),
	})
}
