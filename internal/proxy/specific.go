package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"filegate/internal/health"
	"filegate/internal/registry"
)

// SpecificBackendHandler forwards every request straight to one explicitly
// named backend, bypassing the resolver and the load balancer entirely.
// It is mounted at a path carrying a {server_id} segment (e.g.
// "/api/v1/backend/{server_id}/"); the caller is expected to have already
// stripped routing down to that segment via http.ServeMux's pattern
// matching.
type SpecificBackendHandler struct {
	registry *registry.Registry
	health   *health.Monitor
	client   *http.Client
}

func NewSpecificBackendHandler(reg *registry.Registry, mon *health.Monitor) *SpecificBackendHandler {
	return &SpecificBackendHandler{
		registry: reg,
		health:   mon,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (h *SpecificBackendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("server_id")

	backend, ok := h.registry.FindByID(serverID)
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	if !h.health.IsHealthy(serverID) {
		http.Error(w, "backend unhealthy", http.StatusServiceUnavailable)
		return
	}

	strippedPath := strings.TrimPrefix(r.URL.Path, "/api/v1/backend/"+serverID)
	if strippedPath == "" {
		strippedPath = "/"
	}
	pathAndQuery := strippedPath
	if r.URL.RawQuery != "" {
		pathAndQuery += "?" + r.URL.RawQuery
	}

	forwardURL, err := buildForwardURL(backend, pathAndQuery)
	if err != nil {
		slog.Error("proxy: could not construct forward URI for specific backend", "backend", serverID, "error", err)
		http.Error(w, "bad gateway", http.StatusInternalServerError)
		return
	}

	rp := &httputil.ReverseProxy{
		Transport: h.client.Transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = forwardURL.Scheme
			req.URL.Host = forwardURL.Host
			req.URL.Path = forwardURL.Path
			req.URL.RawPath = forwardURL.RawPath
			req.URL.RawQuery = forwardURL.RawQuery
			req.Host = forwardURL.Host

			req.Header.Del("Te")
			req.Header.Del("Trailers")
			req.Header.Set("X-Real-IP", req.RemoteAddr)
			req.Header.Set("X-Forwarded-Host", r.Host)
			req.Header.Set("X-Forwarded-Proto", requestScheme(r))
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Error("proxy: transport failure forwarding to specific backend",
				"backend", serverID,
				"method", r.Method,
				"path", r.URL.Path,
				"error", err,
			)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}
