// Package resolver decides, for each incoming proxied request, whether it
// should be routed to the specific backend that owns a referenced file
// (content-addressed routing) or handed to the load balancer.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"filegate/internal/catalog"
	"filegate/internal/health"
	"filegate/internal/registry"
	"filegate/internal/strategy"
)

// ErrNoBackends is returned when the healthy subset is empty at selection
// time.
var ErrNoBackends = errors.New("resolver: no healthy backend available")

// ErrBackendUnhealthy is returned when content-addressed resolution finds
// the file's owning backend present in the registry but currently
// unhealthy.
var ErrBackendUnhealthy = errors.New("resolver: owning backend is unhealthy")

// ErrConfigMismatch is returned when the catalog names a server_id that is
// absent from the registry — a deployment/configuration inconsistency
// between the catalog and the backend registry.
var ErrConfigMismatch = errors.New("resolver: catalog references unknown backend")

// DecisionKind distinguishes how a Decision's backend was chosen.
type DecisionKind int

const (
	// LoadBalanced means the backend came from the configured strategy
	// over the healthy subset.
	LoadBalanced DecisionKind = iota
	// ContentAddressed means the backend was looked up directly via the
	// catalog's file-ownership record.
	ContentAddressed
)

// Decision is the outcome of Resolve: either a chosen backend and how it
// was chosen, or an error describing why none could be chosen.
type Decision struct {
	Kind    DecisionKind
	Backend *registry.Backend
	Err     error
}

// Resolver ties the registry, health monitor, catalog, and load-balancing
// picker together to answer "which backend should serve this request".
type Resolver struct {
	registry *registry.Registry
	health   *health.Monitor
	catalog  catalog.Catalog
	picker   strategy.Picker
}

func New(reg *registry.Registry, mon *health.Monitor, cat catalog.Catalog, picker strategy.Picker) *Resolver {
	return &Resolver{registry: reg, health: mon, catalog: cat, picker: picker}
}

// filePathPatterns lists the path shapes checked in order; first match
// wins. Segment indices are 0-based after stripping the leading '/' and
// splitting on '/'.
var filePathPatterns = []struct {
	prefix  []string
	idIndex int
}{
	{[]string{"api", "v1", "files", "download"}, 4},
	{[]string{"api", "v1", "files"}, 3},
	{[]string{"files", "download"}, 2},
	{[]string{"files"}, 1},
	{[]string{"download"}, 1},
}

// ExtractFileID returns the file ID embedded in path, and whether one was
// found. The query string is ignored.
func ExtractFileID(path string) (string, bool) {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")

	for _, pat := range filePathPatterns {
		if len(segments) <= pat.idIndex {
			continue
		}
		if !hasPrefix(segments, pat.prefix) {
			continue
		}
		if segments[pat.idIndex] == "" {
			continue
		}
		return segments[pat.idIndex], true
	}
	return "", false
}

func hasPrefix(segments, prefix []string) bool {
	if len(segments) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if segments[i] != p {
			return false
		}
	}
	return true
}

// Resolve implements the file-ID-or-load-balance decision algorithm.
func (res *Resolver) Resolve(ctx context.Context, r *http.Request) Decision {
	fileID, ok := ExtractFileID(r.URL.Path)
	if !ok {
		return res.loadBalance()
	}

	serverID, err := res.catalog.FindFileOwner(ctx, fileID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			slog.Warn("resolver: file not found in catalog, falling back to load balancing", "file_id", fileID)
		} else {
			slog.Error("resolver: catalog lookup failed, falling back to load balancing", "file_id", fileID, "error", err)
		}
		return res.loadBalance()
	}

	backend, ok := res.registry.FindByID(serverID)
	if !ok {
		return Decision{Kind: ContentAddressed, Err: ErrConfigMismatch}
	}
	if !res.health.IsHealthy(backend.ServerID) {
		return Decision{Kind: ContentAddressed, Err: ErrBackendUnhealthy}
	}
	return Decision{Kind: ContentAddressed, Backend: backend}
}

func (res *Resolver) loadBalance() Decision {
	healthy := res.health.HealthySubset(res.registry.All())
	backend, err := res.picker.Select(healthy)
	if err != nil {
		return Decision{Kind: LoadBalanced, Err: ErrNoBackends}
	}
	return Decision{Kind: LoadBalanced, Backend: backend}
}

// Release forwards to the picker, but only for LoadBalanced decisions —
// content-addressed selections never went through the picker, so there is
// nothing to release.
func (res *Resolver) Release(d Decision) {
	if d.Kind == LoadBalanced && d.Backend != nil {
		res.picker.Release(d.Backend)
	}
}
