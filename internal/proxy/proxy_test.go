package proxy_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filegate/internal/catalog"
	"filegate/internal/health"
	"filegate/internal/proxy"
	"filegate/internal/registry"
	"filegate/internal/resolver"
	"filegate/internal/strategy"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fakeCatalog struct {
	backends []catalog.BackendRow
	owners   map[string]string
}

func (f *fakeCatalog) ListBackends(ctx context.Context) ([]catalog.BackendRow, error) {
	return f.backends, nil
}
func (f *fakeCatalog) FindFileOwner(ctx context.Context, fileID string) (string, error) {
	serverID, ok := f.owners[fileID]
	if !ok {
		return "", catalog.ErrNotFound
	}
	return serverID, nil
}
func (f *fakeCatalog) ListExpired(ctx context.Context) ([]catalog.ExpiredRow, error) { return nil, nil }
func (f *fakeCatalog) DeleteMetadata(ctx context.Context, fileID string) error       { return nil }
func (f *fakeCatalog) Close()                                                       {}

func singleBackendGateway(t *testing.T, backendURL string) *proxy.Gateway {
	t.Helper()
	rows := []catalog.BackendRow{{ServerID: backendURL, Provider: "gdrive", ServerName: "b", ServerURL: backendURL}}
	cat := &fakeCatalog{backends: rows}
	reg, err := registry.Load(context.Background(), cat)
	require.NoError(t, err)

	mon := health.New(reg, time.Hour, "")
	picker, err := strategy.New("round_robin")
	require.NoError(t, err)
	res := resolver.New(reg, mon, cat, picker)
	return proxy.New(res)
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestGateway_ForwardsRequestAndBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	gw := singleBackendGateway(t, backend.URL)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/test")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from backend", string(body))
}

func TestGateway_InjectsProxyHeaders(t *testing.T) {
	var (
		mu              sync.Mutex
		receivedHeaders http.Header
	)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		receivedHeaders = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	gw := singleBackendGateway(t, backend.URL)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/anything")
	require.NoError(t, err)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, receivedHeaders.Get("X-Forwarded-For"), "X-Forwarded-For must be set")
	assert.NotEmpty(t, receivedHeaders.Get("X-Real-Ip"), "X-Real-IP must be set")
	assert.NotEmpty(t, receivedHeaders.Get("X-Forwarded-Host"), "X-Forwarded-Host must be set")
	assert.Equal(t, "http", receivedHeaders.Get("X-Forwarded-Proto"))
}

func TestGateway_NoHealthyBackend_Returns503(t *testing.T) {
	downBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	backendURL := downBackend.URL
	downBackend.Close()

	rows := []catalog.BackendRow{{ServerID: backendURL, Provider: "gdrive", ServerName: "b", ServerURL: backendURL}}
	cat := &fakeCatalog{backends: rows}
	reg, err := registry.Load(context.Background(), cat)
	require.NoError(t, err)

	mon := health.New(reg, time.Hour, "")
	for i := 0; i < 3; i++ {
		mon.Start()
		mon.Stop()
	}
	require.False(t, mon.IsHealthy(backendURL))

	picker, err := strategy.New("round_robin")
	require.NoError(t, err)
	res := resolver.New(reg, mon, cat, picker)
	gw := proxy.New(res)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_TransportFailure_Returns502(t *testing.T) {
	rows := []catalog.BackendRow{{ServerID: "http://127.0.0.1:1", Provider: "gdrive", ServerName: "b", ServerURL: "http://127.0.0.1:1"}}
	cat := &fakeCatalog{backends: rows}
	reg, err := registry.Load(context.Background(), cat)
	require.NoError(t, err)

	mon := health.New(reg, time.Hour, "")
	picker, err := strategy.New("round_robin")
	require.NoError(t, err)
	res := resolver.New(reg, mon, cat, picker)
	gw := proxy.New(res)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/probe")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestGateway_ForwardsStatusCodes(t *testing.T) {
	for _, code := range []int{200, 201, 404, 503} {
		code := code
		t.Run(http.StatusText(code), func(t *testing.T) {
			backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			}))
			defer backend.Close()

			gw := singleBackendGateway(t, backend.URL)
			srv := httptest.NewServer(gw)
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/")
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, code, resp.StatusCode)
		})
	}
}

func TestGateway_ContentAddressed_RoutesToOwningBackend(t *testing.T) {
	var hitPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rows := []catalog.BackendRow{{ServerID: backend.URL, Provider: "gdrive", ServerName: "b", ServerURL: backend.URL}}
	cat := &fakeCatalog{backends: rows, owners: map[string]string{"file-42": backend.URL}}
	reg, err := registry.Load(context.Background(), cat)
	require.NoError(t, err)

	mon := health.New(reg, time.Hour, "")
	picker, err := strategy.New("round_robin")
	require.NoError(t, err)
	res := resolver.New(reg, mon, cat, picker)
	gw := proxy.New(res)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/files/file-42")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/files/file-42", hitPath)
}
