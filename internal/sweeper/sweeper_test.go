package sweeper_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filegate/internal/catalog"
	"filegate/internal/registry"
	"filegate/internal/sweeper"
)

type fakeCatalog struct {
	expired      []catalog.ExpiredRow
	listErr      error
	deleted      []string
	mu           sync.Mutex
	deleteMetaFn func(fileID string) error
}

func (f *fakeCatalog) ListBackends(ctx context.Context) ([]catalog.BackendRow, error) { return nil, nil }
func (f *fakeCatalog) FindFileOwner(ctx context.Context, fileID string) (string, error) {
	return "", catalog.ErrNotFound
}
func (f *fakeCatalog) ListExpired(ctx context.Context) ([]catalog.ExpiredRow, error) {
	return f.expired, f.listErr
}
func (f *fakeCatalog) DeleteMetadata(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteMetaFn != nil {
		if err := f.deleteMetaFn(fileID); err != nil {
			return err
		}
	}
	f.deleted = append(f.deleted, fileID)
	return nil
}
func (f *fakeCatalog) Close() {}

func TestRun_DeletesFromBackendAndCatalog(t *testing.T) {
	var hits []string
	var mu sync.Mutex
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	reg := registry.New([]*registry.Backend{{ServerID: "b1", ServerURL: backend.URL}})
	cat := &fakeCatalog{expired: []catalog.ExpiredRow{{FileID: "file-1", ServerID: "b1"}}}

	s := sweeper.New(reg, cat, "")
	n, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"file-1"}, cat.deleted)
	assert.Equal(t, []string{"/api/v1/files/file-1"}, hits)
}

func TestRun_SendsConfiguredSecretHeader(t *testing.T) {
	var gotSecret string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-KV-SECRET")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	reg := registry.New([]*registry.Backend{{ServerID: "b1", ServerURL: backend.URL}})
	cat := &fakeCatalog{expired: []catalog.ExpiredRow{{FileID: "file-1", ServerID: "b1"}}}

	s := sweeper.New(reg, cat, "topsecret")
	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "topsecret", gotSecret)
}

func TestRun_NotFoundFromBackendStillDeletesMetadata(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	reg := registry.New([]*registry.Backend{{ServerID: "b1", ServerURL: backend.URL}})
	cat := &fakeCatalog{expired: []catalog.ExpiredRow{{FileID: "file-1", ServerID: "b1"}}}

	s := sweeper.New(reg, cat, "")
	n, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"file-1"}, cat.deleted)
}

func TestRun_BackendErrorSkipsMetadataDelete(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	reg := registry.New([]*registry.Backend{{ServerID: "b1", ServerURL: backend.URL}})
	cat := &fakeCatalog{expired: []catalog.ExpiredRow{{FileID: "file-1", ServerID: "b1"}}}

	s := sweeper.New(reg, cat, "")
	n, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, cat.deleted)
}

func TestRun_UnknownServerID_SkipsAndContinues(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	reg := registry.New([]*registry.Backend{{ServerID: "b1", ServerURL: backend.URL}})
	cat := &fakeCatalog{expired: []catalog.ExpiredRow{
		{FileID: "ghost", ServerID: "unknown"},
		{FileID: "file-1", ServerID: "b1"},
	}}

	s := sweeper.New(reg, cat, "")
	n, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"file-1"}, cat.deleted)
}

func TestRun_CatalogListError_Propagates(t *testing.T) {
	cat := &fakeCatalog{listErr: errors.New("db down")}
	reg := registry.New(nil)

	s := sweeper.New(reg, cat, "")
	_, err := s.Run(context.Background())
	assert.Error(t, err)
}

func TestHandler_ReturnsDeletedCount(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	reg := registry.New([]*registry.Backend{{ServerID: "b1", ServerURL: backend.URL}})
	cat := &fakeCatalog{expired: []catalog.ExpiredRow{{FileID: "file-1", ServerID: "b1"}}}

	s := sweeper.New(reg, cat, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/files/delete-expired", nil)

	sweeper.Handler(s)(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":1}`, rec.Body.String())
}

func TestHandler_CatalogError_Returns500(t *testing.T) {
	cat := &fakeCatalog{listErr: errors.New("db down")}
	reg := registry.New(nil)
	s := sweeper.New(reg, cat, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/files/delete-expired", nil)
	sweeper.Handler(s)(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
