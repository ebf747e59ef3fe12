// Package sweeper implements the expired-file cleanup sweep: it asks the
// catalog which files have passed their delete_at, deletes each from its
// owning backend, and then removes the catalog row.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"filegate/internal/catalog"
	"filegate/internal/registry"
)

// Sweeper runs one cleanup pass at a time over catalog.ListExpired.
type Sweeper struct {
	registry *registry.Registry
	catalog  catalog.Catalog
	secret   string
	client   *http.Client
}

// New builds a Sweeper. secret, if non-empty, is sent as the X-KV-SECRET
// header on every backend delete, matching the health monitor's recipe.
func New(reg *registry.Registry, cat catalog.Catalog, secret string) *Sweeper {
	return &Sweeper{
		registry: reg,
		catalog:  cat,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Run deletes every expired file from its owning backend and removes its
// catalog row, returning the count actually deleted. A row whose
// server_id is not present in the registry is skipped and logged rather
// than failing the whole sweep — the registry is a startup snapshot and
// can lag the catalog.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	rows, err := s.catalog.ListExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweeper: listing expired files: %w", err)
	}

	deleted := 0
	for _, row := range rows {
		backend, ok := s.registry.FindByID(row.ServerID)
		if !ok {
			slog.Warn("sweeper: skipping expired file, owning backend not in registry",
				"file_id", row.FileID, "server_id", row.ServerID)
			continue
		}

		if err := s.deleteFromBackend(ctx, backend, row.FileID); err != nil {
			slog.Error("sweeper: failed to delete file from backend",
				"file_id", row.FileID, "server_id", row.ServerID, "error", err)
			continue
		}

		if err := s.catalog.DeleteMetadata(ctx, row.FileID); err != nil {
			slog.Error("sweeper: failed to delete catalog metadata",
				"file_id", row.FileID, "error", err)
			continue
		}

		deleted++
	}

	return deleted, nil
}

// deleteFromBackend issues DELETE {server_url}/api/v1/files/{file_id}.
// A 404 is treated as success: the object is already gone.
func (s *Sweeper) deleteFromBackend(ctx context.Context, b *registry.Backend, fileID string) error {
	url := strings.TrimSuffix(b.ServerURL, "/") + "/api/v1/files/" + fileID

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}
	if s.secret != "" {
		req.Header.Set("X-KV-SECRET", s.secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("backend returned status %d", resp.StatusCode)
}

// Handler adapts Run to DELETE /api/v1/files/delete-expired: 200 with the
// deleted count on success, 500 on a catalog error.
func Handler(s *Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleted, err := s.Run(r.Context())
		if err != nil {
			slog.Error("sweeper: sweep failed", "error", err)
			http.Error(w, "sweep failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"deleted":%d}`, deleted)
	}
}
