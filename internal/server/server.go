// Package server exposes the orchestrator's HTTP control surface: run
// triggering and inspection, flowchart management, executor settings,
// the audit trail, and the realtime websocket endpoint. Handlers are
// thin JSON adapters over the core packages; authentication beyond a
// static bearer token is expected to live in front of this server.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/audit"
	"github.com/marcus-qen/llmctl/internal/realtime"
	"github.com/marcus-qen/llmctl/internal/settings"
	"github.com/marcus-qen/llmctl/internal/store"
)

// RunStopper terminates runs. The orchestrator implements it.
type RunStopper interface {
	Stop(runID string, force bool) error
}

// Config configures the control surface.
type Config struct {
	// ListenAddr is the address to listen on (e.g. ":8080").
	ListenAddr string

	// BearerToken guards every /api route when non-empty. Health probes
	// are always unauthenticated.
	BearerToken string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// The websocket endpoint opts out of the write deadline by
		// hijacking the connection; this bounds plain JSON handlers.
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Server is the orchestrator API server.
type Server struct {
	cfg      Config
	store    *store.Store
	stopper  RunStopper
	settings *settings.Provider
	audit    *audit.Store
	hub      *realtime.Hub
	logger   *zap.Logger
	mux      *http.ServeMux
}

// New assembles the server. hub and auditStore may be nil; the matching
// endpoints then answer 503.
func New(cfg Config, st *store.Store, stopper RunStopper, sp *settings.Provider, auditStore *audit.Store, hub *realtime.Hub, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		store:    st,
		stopper:  stopper,
		settings: sp,
		audit:    auditStore,
		hub:      hub,
		logger:   logger.Named("server"),
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Probes bypass auth.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)

	s.mux.HandleFunc("POST /api/v1/runs", s.handleTriggerRun)
	s.mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /api/v1/runs/{id}/nodes", s.handleListRunNodes)
	s.mux.HandleFunc("POST /api/v1/runs/{id}/stop", s.handleStopRun)
	s.mux.HandleFunc("GET /api/v1/nodes/{id}/artifacts", s.handleListArtifacts)

	s.mux.HandleFunc("POST /api/v1/flowcharts", s.handleApplyFlowchart)
	s.mux.HandleFunc("GET /api/v1/flowcharts", s.handleListFlowcharts)
	s.mux.HandleFunc("GET /api/v1/flowcharts/{id}", s.handleGetFlowchart)
	s.mux.HandleFunc("DELETE /api/v1/flowcharts/{id}", s.handleDeleteFlowchart)

	s.mux.HandleFunc("GET /api/v1/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/v1/settings", s.handleUpdateSettings)

	s.mux.HandleFunc("GET /api/v1/audit", s.handleAuditQuery)

	s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)
}

// Handler returns the HTTP handler with auth and request logging applied.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	h = s.authMiddleware(h)
	return s.logMiddleware(h)
}

// Start runs the server until ctx is cancelled. Implements
// controller-runtime's manager.Runnable so the manager owns its
// lifecycle alongside the scheduler and publisher.
func (s *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api server listening", zap.String("addr", s.cfg.ListenAddr))

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}
}

// NeedLeaderElection marks the server as always-on: every replica
// serves reads and forwards writes through the shared store.
func (s *Server) NeedLeaderElection() bool { return false }

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.BearerToken == "" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.BearerToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from the Authorization header, falling
// back to the access_token query parameter for websocket clients that
// cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return after
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade hijacks the connection; wrapping the
		// writer would hide http.Hijacker from the upgrader.
		if r.URL.Path == "/api/v1/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		if strings.HasPrefix(r.URL.Path, "/healthz") || strings.HasPrefix(r.URL.Path, "/readyz") {
			return
		}
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
