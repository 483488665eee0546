// Package server exposes the orchestrator's operational HTTP surface:
// health, metrics snapshots, and the admin provider-reload endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/kasane-ai/kasane/internal/auth"
	"github.com/kasane-ai/kasane/internal/pool"
	"github.com/kasane-ai/kasane/internal/registry"
	"github.com/kasane-ai/kasane/internal/semcache"
	"github.com/kasane-ai/kasane/internal/tier"
)

// Snapshot is the metrics payload served at /v1/metrics.
type Snapshot struct {
	Pools               map[string]pool.Stats     `json:"pools"`
	Breakers            map[string]string         `json:"breakers"`
	Providers           []ProviderStatus          `json:"providers"`
	Cache               semcache.Stats            `json:"semantic_cache"`
	Tiers               map[string]tier.OpLatency `json:"tiers"`
	PropagationFailures uint64                    `json:"propagation_failures"`
}

// ProviderStatus is the wire form of a registry snapshot.
type ProviderStatus struct {
	ID      string  `json:"id"`
	Tier    string  `json:"tier"`
	Score   float64 `json:"score"`
	P95Ms   float64 `json:"p95_ms"`
	LastErr string  `json:"last_error,omitempty"`
}

// ProviderStatuses converts registry snapshots to their wire form.
func ProviderStatuses(snaps []registry.Snapshot) []ProviderStatus {
	out := make([]ProviderStatus, len(snaps))
	for i, s := range snaps {
		out[i] = ProviderStatus{
			ID:      s.ID,
			Tier:    s.Tier.String(),
			Score:   s.Score,
			P95Ms:   float64(s.P95.Microseconds()) / 1000,
			LastErr: s.LastError,
		}
	}
	return out
}

// Deps are the callbacks the server reads state through. Keeping them as
// functions keeps the server free of wiring-order concerns.
type Deps struct {
	Version string

	// AdminKey guards the admin endpoints; nil disables them.
	AdminKey *auth.AdminKey

	// Health reports per-component backend health.
	Health func(ctx context.Context) map[string]error

	// Metrics builds the current metrics snapshot.
	Metrics func(ctx context.Context) Snapshot

	// ReloadProviders re-reads the provider topology.
	ReloadProviders func(ctx context.Context) error
}

// Config holds HTTP server settings.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the operational HTTP server.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger
}

// New builds the Server and its routes.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("POST /v1/admin/providers/reload", s.handleProvidersReload)

	var handler http.Handler = mux
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	healthy := true
	if s.deps.Health != nil {
		for name, err := range s.deps.Health(r.Context()) {
			if err != nil {
				components[name] = "unavailable"
				healthy = false
				s.logger.Warn("component unhealthy", "component", name, "error", err)
			} else {
				components[name] = "ok"
			}
		}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.deps.Version,
		"components": components,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeJSON(w, http.StatusOK, Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Metrics(r.Context()))
}

func (s *Server) handleProvidersReload(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if s.deps.ReloadProviders == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "reload not supported"})
		return
	}
	if err := s.deps.ReloadProviders(r.Context()); err != nil {
		// Internal detail stays in the log; the caller gets a generic
		// unavailability answer.
		s.logger.Error("provider reload failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// authorizeAdmin verifies the X-Admin-Key header. When no admin key is
// configured, or the header is absent, a dummy hash keeps response timing
// uniform.
func (s *Server) authorizeAdmin(r *http.Request) bool {
	key := r.Header.Get("X-Admin-Key")
	if s.deps.AdminKey == nil || key == "" {
		auth.DummyVerify()
		return false
	}
	return s.deps.AdminKey.Verify(key)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler",
					"panic", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
