// Package admin provides the operator introspection API: backend health
// state and per-token rate-limit state, plus a manual clear of a token's
// rate-limit state. It runs on its own listener, separate from the proxy's
// request path.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"filegate/internal/health"
	"filegate/internal/ratelimit"
)

// Server is the admin introspection HTTP server.
type Server struct {
	health  *health.Monitor
	limiter *ratelimit.Limiter
	srv     *http.Server
}

// New creates an admin Server. Call Start to begin listening.
func New(mon *health.Monitor, limiter *ratelimit.Limiter, listenAddr string) *Server {
	s := &Server{health: mon, limiter: limiter}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/health", s.handleHealth)
	mux.HandleFunc("GET /admin/ratelimit/{token}", s.handleGetRateLimit)
	mux.HandleFunc("DELETE /admin/ratelimit/{token}", s.handleClearRateLimit)

	s.srv = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening in a background goroutine. It returns immediately.
func (s *Server) Start() {
	go func() {
		slog.Info("admin server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the admin server within the given context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the admin mux, for tests that want to drive it with
// httptest.Server without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, s.health.AllStatus())
}

func (s *Server) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	info, err := s.limiter.GetInfo(r.Context(), token)
	if err != nil {
		jsonErr(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonOK(w, info)
}

func (s *Server) handleClearRateLimit(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if err := s.limiter.Clear(r.Context(), token); err != nil {
		jsonErr(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("admin: rate limit cleared", "token", token)
	jsonOK(w, map[string]string{"status": "cleared"})
}

// ── helpers ─────────────────────────────────────────────────────────────────

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
