package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/config"
	"github.com/JakeFAU/crawl-session-coordinator/internal/metrics"
	"github.com/JakeFAU/crawl-session-coordinator/internal/session"
	"github.com/JakeFAU/crawl-session-coordinator/internal/store"
	"github.com/JakeFAU/crawl-session-coordinator/internal/telemetry"
)

const (
	defaultListLimit = 100
	maxListLimit     = 10000
	maxBodyBytes     = 1 << 20
)

// Retirer archives a session and removes it from the live store.
type Retirer interface {
	Retire(ctx context.Context, id string, force bool) (store.ArchiveRecord, error)
}

// Server wires HTTP handlers to the session manager.
type Server struct {
	router    chi.Router
	manager   *session.Manager
	retirer   Retirer
	listLimit int
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. retirer may be
// nil, in which case the archive route answers 501.
func NewServer(manager *session.Manager, retirer Retirer, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager:   manager,
		retirer:   retirer,
		listLimit: cfg.Session.ListLimitDefault,
		logger:    logger,
	}
	if s.listLimit <= 0 {
		s.listLimit = defaultListLimit
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(telemetry.Middleware(otel.Tracer(telemetry.TracerName)))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.removeSession)
				r.Post("/status", s.setStatus)
				r.Post("/postpone", s.postponeSession)
				r.Post("/archive", s.archiveSession)
				r.Get("/urls", s.getURL)
				r.Post("/urls", s.addURL)
				r.Post("/claims", s.claimURL)
				r.Post("/content", s.addContent)
				r.Post("/counters/{counter}", s.incrementCounter)
				r.Post("/tags/{tag}", s.incrementTag)
				r.Post("/heartbeats/{worker_id}", s.addHeartbeat)
			})
		})
		r.Route("/postponed", func(r chi.Router) {
			r.Get("/", s.listPostponed)
			r.Put("/{session_id}", s.pushPostponed)
			r.Post("/{session_id}/pop", s.popPostponed)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if !s.manager.IsReady(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
