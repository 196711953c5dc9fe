// Package server exposes the memory service REST API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/internal/graph"
	"codemem/internal/logging"
	"codemem/internal/memory"
	"codemem/internal/metrics"
	"codemem/internal/projection"
)

// Server wires the HTTP surface over the memory service and graph engine.
type Server struct {
	svc     *memory.Service
	graph   *graph.Engine
	pool    *projection.Pool
	cfg     *config.Config
	logger  logging.Logger
	metrics *metrics.Metrics
}

// New builds the server.
func New(svc *memory.Service, g *graph.Engine, pool *projection.Pool,
	cfg *config.Config, logger logging.Logger, m *metrics.Metrics) *Server {
	return &Server{
		svc:     svc,
		graph:   g,
		pool:    pool,
		cfg:     cfg,
		logger:  logger.WithComponent("server"),
		metrics: m,
	}
}

// Router assembles all routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.traceMiddleware)
	r.Use(s.observeMiddleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/memories", func(r chi.Router) {
		r.Post("/", s.handleAdd)
		r.Get("/", s.handleList)
		r.Delete("/", s.handleDeleteAll)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Put("/", s.handleUpdate)
			r.Delete("/", s.handleDelete)
			r.Get("/history", s.handleHistory)
		})
	})

	r.Post("/search", s.handleSearch)
	r.Post("/search/enhanced", s.handleEnhancedSearch)
	r.Post("/reset", s.handleReset)

	r.Route("/graph", func(r chi.Router) {
		r.Post("/link", s.handleGraphLink)
		r.Get("/related/{id}", s.handleGraphRelated)
		r.Get("/thread/{id}", s.handleGraphThread)
		r.Get("/evolution", s.handleGraphEvolution)
		r.Get("/path", s.handleGraphPath)
		r.Get("/superseded", s.handleGraphSuperseded)
		r.Get("/communities", s.handleGraphCommunities)
		r.Get("/trust-score/{id}", s.handleGraphTrustScore)
		r.Get("/intelligence", s.handleGraphIntelligence)
		r.Post("/sync", s.handleGraphSync)

		r.Post("/component", s.handleComponentCreate)
		r.Get("/components", s.handleComponentList)
		r.Post("/component/dependency", s.handleComponentDependency)
		r.Post("/component/link-memory", s.handleComponentLinkMemory)
		r.Get("/component/{name}/impact", s.handleComponentImpact)

		r.Post("/decision", s.handleDecisionCreate)
		r.Get("/decisions", s.handleDecisionList)
		r.Get("/decision/{id}", s.handleDecisionGet)
	})

	return r
}

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = logging.GenerateTraceID()
		}
		ctx := logging.WithTraceIDContext(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response code for metrics and logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(r.Method, route, rec.status, elapsed)
		s.logger.InfoContext(r.Context(), "request completed",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "codemem",
	})
}

// handleReset wipes all stores. Guarded by the admin token; disabled when no
// token is configured.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	admin := s.cfg.Server.AdminToken
	if admin == "" || r.Header.Get("X-Admin-Token") != admin {
		s.writeError(w, r, apperr.AccessDenied("reset requires a valid admin token"))
		return
	}
	if err := s.svc.Reset(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.graph.Reset(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.WarnContext(r.Context(), "all stores reset")
	writeJSON(w, http.StatusOK, map[string]string{"message": "All memories reset"})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	if status := apperr.HTTPStatus(code); status >= 500 {
		s.logger.ErrorContext(r.Context(), "request failed",
			"error_code", string(code), "error", err.Error())
	}
	apperr.WriteHTTP(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeBadInput, "invalid JSON body", err)
	}
	return nil
}

// userIDOf reads the user scope from query or header.
func userIDOf(r *http.Request) string {
	if uid := r.URL.Query().Get("user_id"); uid != "" {
		return uid
	}
	return r.Header.Get("X-User-ID")
}

func requireUserID(r *http.Request) (string, error) {
	uid := userIDOf(r)
	if uid == "" {
		return "", apperr.BadInput("user_id is required")
	}
	return uid, nil
}

// ListenAndServe runs the server until ctx is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("memory service listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
