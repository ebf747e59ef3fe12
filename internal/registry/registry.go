// Package registry holds the immutable, in-memory snapshot of storage
// backends loaded from the catalog at startup. The registry is never
// mutated after construction — catalog edits made while the gateway is
// running are not reflected until restart.
package registry

import (
	"context"
	"fmt"
	"net/url"

	"filegate/internal/catalog"
)

// Backend is the runtime representation of a catalog-registered storage
// backend. ServerID is opaque and immutable; URL is parsed once at load
// time so the proxy never re-parses it per request.
type Backend struct {
	ServerID   string
	Provider   string
	ServerName string
	ServerURL  string
	URL        *url.URL
}

// Registry is the authoritative, read-only list of backends for the
// process lifetime. It requires no synchronization: the slice is built
// once in Load and never written to again.
type Registry struct {
	backends []*Backend
}

// New wraps a pre-built backend slice. Exposed for tests; production code
// should use Load.
func New(backends []*Backend) *Registry {
	return &Registry{backends: backends}
}

// Load issues the catalog's backend-listing query and builds the registry.
// An empty catalog result is not an error: the gateway starts and answers
// 503 on every proxied request until the catalog is repopulated and the
// process restarted.
func Load(ctx context.Context, c catalog.Catalog) (*Registry, error) {
	rows, err := c.ListBackends(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: loading backends: %w", err)
	}

	backends := make([]*Backend, 0, len(rows))
	for _, row := range rows {
		u, err := url.Parse(row.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("registry: invalid server_url %q for backend %q: %w", row.ServerURL, row.ServerID, err)
		}
		backends = append(backends, &Backend{
			ServerID:   row.ServerID,
			Provider:   row.Provider,
			ServerName: row.ServerName,
			ServerURL:  row.ServerURL,
			URL:        u,
		})
	}
	return &Registry{backends: backends}, nil
}

// All returns the full backend list. Callers must not mutate the result.
func (r *Registry) All() []*Backend {
	return r.backends
}

// FindByID performs a linear scan for the backend with the given server_id.
// Registry sizes are in the dozens; a linear scan is the right tool.
func (r *Registry) FindByID(serverID string) (*Backend, bool) {
	for _, b := range r.backends {
		if b.ServerID == serverID {
			return b, true
		}
	}
	return nil, false
}

// Len reports the number of registered backends.
func (r *Registry) Len() int {
	return len(r.backends)
}
