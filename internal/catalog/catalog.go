// Package catalog wraps the relational catalog the gateway consults for
// backend registration and file ownership. Only the statements the core
// routing pipeline and the sweeper actually issue are implemented — this
// is deliberately not a general-purpose data-access layer.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by FindFileOwner when no metadata row matches the
// requested file ID. It is not an error condition for callers — the
// resolver treats it as "fall back to load balancing".
var ErrNotFound = errors.New("catalog: not found")

// BackendRow is one row of the startup backend listing.
type BackendRow struct {
	ServerID   string
	Provider   string
	ServerName string
	ServerURL  string
}

// ExpiredRow is one row of the sweeper's expired-file scan.
type ExpiredRow struct {
	FileID   string
	ServerID string
}

// Catalog is the interface the rest of the gateway depends on. A narrow
// interface keeps internal/registry and internal/sweeper testable without a
// live database.
type Catalog interface {
	ListBackends(ctx context.Context) ([]BackendRow, error)
	FindFileOwner(ctx context.Context, fileID string) (string, error)
	ListExpired(ctx context.Context) ([]ExpiredRow, error)
	DeleteMetadata(ctx context.Context, fileID string) error
	Close()
}

// PgCatalog is the pgx/v5-backed Catalog implementation used in production.
type PgCatalog struct {
	pool *pgxpool.Pool
}

// Connect builds a pooled PostgreSQL connection and verifies it with a
// ping before returning, so configuration mistakes surface at startup
// rather than on the first request.
func Connect(ctx context.Context, databaseURL string) (*PgCatalog, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: parsing DATABASE_URL: %w", err)
	}
	cfg.MaxConns = 5
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: connecting: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	return &PgCatalog{pool: pool}, nil
}

// ListBackends issues the startup backend-listing query.
func (c *PgCatalog) ListBackends(ctx context.Context) ([]BackendRow, error) {
	rows, err := c.pool.Query(ctx,
		"SELECT server_id, provider, server_name, server_url FROM backends")
	if err != nil {
		return nil, fmt.Errorf("catalog: listing backends: %w", err)
	}
	defer rows.Close()

	var out []BackendRow
	for rows.Next() {
		var r BackendRow
		if err := rows.Scan(&r.ServerID, &r.Provider, &r.ServerName, &r.ServerURL); err != nil {
			return nil, fmt.Errorf("catalog: scanning backend row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindFileOwner issues the per-request file-ownership lookup. It returns
// ErrNotFound (not an error to the caller) when no metadata row matches.
func (c *PgCatalog) FindFileOwner(ctx context.Context, fileID string) (string, error) {
	var serverID string
	err := c.pool.QueryRow(ctx,
		"SELECT server_id FROM metadata WHERE file_id = $1", fileID).Scan(&serverID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("catalog: looking up file %q: %w", fileID, err)
	}
	return serverID, nil
}

// ListExpired returns every metadata row whose delete_at has passed.
func (c *PgCatalog) ListExpired(ctx context.Context) ([]ExpiredRow, error) {
	rows, err := c.pool.Query(ctx,
		"SELECT file_id, server_id FROM metadata WHERE delete_at IS NOT NULL AND delete_at <= NOW()")
	if err != nil {
		return nil, fmt.Errorf("catalog: listing expired files: %w", err)
	}
	defer rows.Close()

	var out []ExpiredRow
	for rows.Next() {
		var r ExpiredRow
		if err := rows.Scan(&r.FileID, &r.ServerID); err != nil {
			return nil, fmt.Errorf("catalog: scanning expired row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteMetadata removes the metadata row for fileID after the sweeper has
// deleted the object from its owning backend.
func (c *PgCatalog) DeleteMetadata(ctx context.Context, fileID string) error {
	_, err := c.pool.Exec(ctx, "DELETE FROM metadata WHERE file_id = $1", fileID)
	if err != nil {
		return fmt.Errorf("catalog: deleting metadata for %q: %w", fileID, err)
	}
	return nil
}

// Close releases the connection pool. Safe to call once at shutdown.
func (c *PgCatalog) Close() {
	c.pool.Close()
}
