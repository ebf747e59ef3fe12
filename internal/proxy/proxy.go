// Package proxy is the core request-forwarding layer of the gateway.
//
// Gateway wraps net/http/httputil.ReverseProxy and adds:
//   - Backend selection via internal/resolver, which decides between
//     content-addressed and load-balanced routing per request.
//   - Standard proxy header injection (X-Forwarded-For, X-Real-IP, …).
//   - Release of the load balancer's connection accounting exactly once
//     per selection that actually went through it.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"filegate/internal/registry"
	"filegate/internal/resolver"
)

// ErrBadURI is returned when the forward URI cannot be constructed from a
// resolved backend's server_url and the incoming request's path.
var ErrBadURI = fmt.Errorf("proxy: could not construct forward URI")

type ctxKey struct{}

type selection struct {
	decision resolver.Decision
}

// Gateway is the central http.Handler for default (non-specific-backend)
// proxied requests. It is safe for concurrent use.
type Gateway struct {
	resolver *resolver.Resolver
	rp       *httputil.ReverseProxy
}

// New creates a Gateway backed by res. The returned Gateway is ready to be
// wrapped in middleware and passed to http.Server.
func New(res *resolver.Resolver) *Gateway {
	gw := &Gateway{resolver: res}
	gw.rp = &httputil.ReverseProxy{
		Director:       gw.director,
		ModifyResponse: gw.modifyResponse,
		ErrorHandler:   gw.errorHandler,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return gw
}

func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gw.rp.ServeHTTP(w, r)
}

// director resolves a backend for the request and rewrites it to target
// that backend's forward URI. On resolution failure, it points at an
// unreachable address so ReverseProxy invokes errorHandler (which maps
// the underlying resolver error to the correct status code) rather than
// panicking mid-Director.
func (gw *Gateway) director(req *http.Request) {
	d := gw.resolver.Resolve(req.Context(), req)
	sel := &selection{decision: d}

	newReq := req.WithContext(context.WithValue(req.Context(), ctxKey{}, sel))
	*req = *newReq

	if d.Err != nil {
		req.URL.Scheme = "http"
		req.URL.Host = "0.0.0.0:0"
		return
	}

	forwardURL, err := buildForwardURL(d.Backend, req.URL.RequestURI())
	if err != nil {
		sel.decision.Err = ErrBadURI
		req.URL.Scheme = "http"
		req.URL.Host = "0.0.0.0:0"
		return
	}

	originalHost := req.Host

	req.URL.Scheme = forwardURL.Scheme
	req.URL.Host = forwardURL.Host
	req.URL.Path = forwardURL.Path
	req.URL.RawPath = forwardURL.RawPath
	req.URL.RawQuery = forwardURL.RawQuery
	req.Host = forwardURL.Host

	req.Header.Del("Te")
	req.Header.Del("Trailers")

	if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+req.RemoteAddr)
	} else {
		req.Header.Set("X-Forwarded-For", req.RemoteAddr)
	}
	req.Header.Set("X-Real-IP", req.RemoteAddr)
	req.Header.Set("X-Forwarded-Host", originalHost)
	req.Header.Set("X-Forwarded-Proto", requestScheme(req))

	slog.Debug("proxying request",
		"method", req.Method,
		"path", req.URL.Path,
		"backend", d.Backend.ServerID,
		"kind", d.Kind,
	)
}

// buildForwardURL computes {server_url trimmed of trailing '/'} +
// {original path_and_query or '/'}, per spec step 1–3.
func buildForwardURL(b *registry.Backend, pathAndQuery string) (*url.URL, error) {
	base := strings.TrimSuffix(b.ServerURL, "/")
	if pathAndQuery == "" {
		pathAndQuery = "/"
	}
	return url.Parse(base + pathAndQuery)
}

func (gw *Gateway) modifyResponse(resp *http.Response) error {
	if sel := selectionFromCtx(resp.Request.Context()); sel != nil {
		gw.resolver.Release(sel.decision)
	}
	return nil
}

// errorHandler maps a resolver or transport failure to its HTTP status
// code, per spec.md §7's error-kind table, and always releases the
// balancer selection (if any) so a failed request never leaks the
// connection count.
func (gw *Gateway) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	sel := selectionFromCtx(r.Context())
	if sel == nil {
		slog.Error("proxy: request failed with no selection recorded", "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	gw.resolver.Release(sel.decision)

	switch sel.decision.Err {
	case resolver.ErrNoBackends:
		http.Error(w, "no healthy backend available", http.StatusServiceUnavailable)
	case resolver.ErrBackendUnhealthy:
		http.Error(w, "backend unhealthy", http.StatusServiceUnavailable)
	case resolver.ErrConfigMismatch:
		slog.Error("proxy: catalog references a backend absent from the registry", "path", r.URL.Path)
		http.Error(w, "configuration mismatch", http.StatusInternalServerError)
	case ErrBadURI:
		slog.Error("proxy: could not construct forward URI", "path", r.URL.Path)
		http.Error(w, "bad gateway", http.StatusInternalServerError)
	default:
		slog.Error("proxy: transport failure forwarding to backend",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

func selectionFromCtx(ctx context.Context) *selection {
	s, _ := ctx.Value(ctxKey{}).(*selection)
	return s
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
