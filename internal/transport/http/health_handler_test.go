package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensesvc/internal/license"
	"licensesvc/internal/services"
	"licensesvc/internal/shared/testutil"
	"licensesvc/pkg/contracts"
)

func newHealthRouter(t *testing.T, store license.Store) chi.Router {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	hc := license.NewHealthCheck(store, nil, nil, license.DefaultHealthCheckConfig())
	handler := NewHealthHandler(services.NewHealthService(hc, nil, logger), logger)

	r := chi.NewRouter()
	r.Mount("/api/health", handler.Routes())
	r.Get("/api/version", handler.Version)
	return r
}

func TestHealthEndpoints(t *testing.T) {
	router := newHealthRouter(t, license.NewMemoryStore())

	tests := []struct {
		path       string
		wantStatus string
	}{
		{path: "/api/health", wantStatus: "healthy"},
		{path: "/api/health/ready", wantStatus: "ready"},
		{path: "/api/health/live", wantStatus: "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var body services.HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body.Status)
		})
	}
}

func TestReadinessFailsWhenStoreDown(t *testing.T) {
	store := license.NewMemoryStore()
	require.NoError(t, store.Close())
	router := newHealthRouter(t, store)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVersionEndpoint(t *testing.T) {
	router := newHealthRouter(t, license.NewMemoryStore())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info contracts.VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, contracts.Version, info.Version)
}
