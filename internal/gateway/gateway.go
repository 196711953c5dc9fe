package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"

	"codemem/internal/apperr"
	"codemem/internal/auth"
	"codemem/internal/config"
	"codemem/internal/logging"
	"codemem/internal/metrics"
)

// Credential headers every MCP request must carry.
const (
	HeaderToken  = "X-MCP-Token"
	HeaderUserID = "X-MCP-UserID"
)

// TokenValidator checks a token/user pair, auditing the outcome. Satisfied by
// *auth.Store.
type TokenValidator interface {
	Validate(ctx context.Context, token, userID string) (*auth.Token, error)
}

// Gateway exposes the memory service as authenticated MCP tools over both the
// streamable HTTP and SSE transports.
type Gateway struct {
	cfg       *config.Config
	client    *Client
	chunker   *Chunker
	validator TokenValidator
	projectID string
	logger    logging.Logger
	metrics   *metrics.Metrics
	mcp       *server.MCPServer
}

// New resolves the project scope once and assembles the MCP server with its
// tool set.
func New(cfg *config.Config, validator TokenValidator, logger logging.Logger, m *metrics.Metrics) (*Gateway, error) {
	projectID, err := ResolveProjectID(&cfg.Gateway)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:       cfg,
		client:    NewClient(&cfg.Gateway),
		chunker:   NewChunker(cfg.Chunking.MaxSize, cfg.Chunking.OverlapSize),
		validator: validator,
		projectID: projectID,
		logger:    logger,
		metrics:   m,
	}
	g.mcp = server.NewMCPServer("codemem", "1.0.0",
		server.WithToolCapabilities(true),
	)
	g.registerTools()

	logger.Info("gateway initialized",
		"project_id", projectID,
		"project_mode", cfg.Gateway.ProjectIDMode,
		"memory_service", cfg.Gateway.MemoryServiceURL)
	return g, nil
}

// ProjectID returns the effective memory scope of this gateway instance.
func (g *Gateway) ProjectID() string { return g.projectID }

// requireAuth validates the credential headers on every request to an MCP
// transport, before dispatch. The validator writes the audit row, carrying
// the peer identity attached here. A rejected request never reaches a tool.
func (g *Gateway) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderUserID)
		if userID == "" {
			userID = g.cfg.Gateway.DefaultUserID
		}
		ctx := auth.WithClientInfo(r.Context(), auth.ClientInfo{
			Addr:      r.RemoteAddr,
			UserAgent: r.UserAgent(),
		})
		if _, err := g.validator.Validate(ctx, r.Header.Get(HeaderToken), userID); err != nil {
			g.logger.WarnContext(ctx, "request rejected",
				"path", r.URL.Path,
				"error_code", string(apperr.CodeOf(err)),
				"client_addr", r.RemoteAddr,
				"user_agent", r.UserAgent())
			apperr.WriteHTTP(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Router mounts both transports behind auth, plus health and metrics.
func (g *Gateway) Router() http.Handler {
	streamable := server.NewStreamableHTTPServer(g.mcp,
		server.WithEndpointPath("/mcp/"),
	)
	// The SSE server matches its handshake and message paths exactly, so
	// both are spelled out in full and the bare /sse form is aliased.
	sse := server.NewSSEServer(g.mcp,
		server.WithSSEEndpoint("/sse/"),
		server.WithMessageEndpoint("/sse/message"),
	)
	sseHandler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/sse" {
			req = req.Clone(req.Context())
			req.URL.Path = "/sse/"
		}
		sse.ServeHTTP(w, req)
	})

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(g.observe)
	r.Get("/health", g.handleHealth)
	r.Handle("/metrics", g.metrics.Handler())
	r.Group(func(r chi.Router) {
		r.Use(g.requireAuth)
		r.Handle("/mcp", streamable)
		r.Handle("/mcp/", streamable)
		r.Mount("/sse", sseHandler)
	})
	return r
}

// observe records request count and latency per route.
func (g *Gateway) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		g.metrics.ObserveHTTP(r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := g.client.Health(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q,"service":"codemem-gateway","project_id":%q,"project_mode":%q}`,
		status, g.projectID, g.cfg.Gateway.ProjectIDMode)
}

// ListenAndServe runs the gateway until ctx is canceled.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port),
		Handler: g.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// errDetail extracts the user-facing detail, hiding non-taxonomy causes.
func errDetail(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return "internal server error"
}
