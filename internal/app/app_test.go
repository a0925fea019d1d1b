package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensesvc/internal/config"
	"licensesvc/internal/license"
	api "licensesvc/pkg/contracts/api/v1"
	"licensesvc/pkg/contracts/events"
)

const testAdminToken = "test-admin-token"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Security.AdminToken = testAdminToken
	cfg.Security.RateLimit.Enabled = false
	cfg.Store.Driver = config.StoreDriverMemory
	cfg.Notifications.LogNotifications = false
	cfg.Notifications.EnableWebSocket = true
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	a, err := New(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func doJSON(t *testing.T, method, url string, body interface{}, token string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestNew(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Controller)
	assert.NotNil(t, a.Dispatcher)
	assert.NotNil(t, a.Watcher)
	assert.NotNil(t, a.Security)
	assert.NotNil(t, a.Hub)
	assert.NotNil(t, a.LicenseService)
	assert.NotNil(t, a.HealthService)
	assert.NotNil(t, a.Router)
	require.NotNil(t, a.Server)
	assert.Equal(t, "127.0.0.1:0", a.Server.Addr)
	assert.Equal(t, "127.0.0.1:0", a.Addr())
}

func TestNew_InvalidStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"

	_, err := New(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StoreConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StoreConfig{Driver: config.StoreDriverMemory}},
		{name: "empty driver defaults to memory", cfg: config.StoreConfig{}},
		{name: "sqlite", cfg: config.StoreConfig{
			Driver: config.StoreDriverSQLite,
			Path:   filepath.Join(t.TempDir(), "licenses.db"),
		}},
		{name: "sqlite without path", cfg: config.StoreConfig{Driver: config.StoreDriverSQLite}, wantErr: true},
		{name: "unknown driver", cfg: config.StoreConfig{Driver: "redis"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := OpenStore(tt.cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer store.Close()
			assert.NoError(t, store.Ping(context.Background()))
		})
	}
}

func TestPolicyFrom(t *testing.T) {
	t.Run("overrides", func(t *testing.T) {
		p := PolicyFrom(config.LicenseConfig{
			ValidityWindow: 30 * 24 * time.Hour,
			IssueRetries:   3,
			Levels:         []string{"trial", "pro"},
		})
		assert.Equal(t, 30*24*time.Hour, p.ValidityWindow)
		assert.Equal(t, 3, p.IssueRetries)
		assert.True(t, p.Allows("trial"))
		assert.False(t, p.Allows("enterprise"))
	})

	t.Run("zero values keep defaults", func(t *testing.T) {
		assert.Equal(t, license.DefaultPolicy(), PolicyFrom(config.LicenseConfig{}))
	})
}

func TestRouter_LicenseLifecycle(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	base := srv.URL + "/api/v1/licenses"

	// Issue requires the admin token.
	resp := doJSON(t, http.MethodPost, base, api.IssueLicenseRequest{UserID: "u-1", Level: "pro"}, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, base, api.IssueLicenseRequest{UserID: "u-1", Level: "pro"}, testAdminToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var issued api.LicenseResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&issued))
	resp.Body.Close()
	require.True(t, license.ValidKeyFormat(issued.Key))
	assert.Equal(t, "pro", issued.Level)

	resp = doJSON(t, http.MethodPost, base+"/"+issued.Key+"/validate", api.ValidateLicenseRequest{DeviceID: "dev-1"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verdict api.VerdictResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&verdict))
	resp.Body.Close()
	assert.True(t, verdict.Valid)
	assert.True(t, verdict.DeviceBound)

	resp = doJSON(t, http.MethodGet, base+"/"+issued.Key, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var looked api.LicenseResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&looked))
	resp.Body.Close()
	assert.Equal(t, "dev-1", looked.BoundDeviceID)

	resp = doJSON(t, http.MethodPost, base+"/"+issued.Key+"/revoke", api.RevokeLicenseRequest{Reason: "refund"}, testAdminToken)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, base+"/"+issued.Key+"/validate", api.ValidateLicenseRequest{DeviceID: "dev-1"}, "")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&verdict))
	resp.Body.Close()
	assert.False(t, verdict.Valid)
	assert.Equal(t, string(license.ReasonRevoked), verdict.Reason)
}

func TestRouter_LockoutIgnoresSpoofedForwardingHeaders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.Lockout.MaxAttempts = 3
	a := newTestApp(t, cfg)

	validate := func(forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/licenses/LIC-GUESS/validate", nil)
		req.RemoteAddr = "198.51.100.20:5000"
		if forwardedFor != "" {
			req.Header.Set("X-Forwarded-For", forwardedFor)
			req.Header.Set("X-Real-IP", forwardedFor)
		}
		rec := httptest.NewRecorder()
		a.Router.ServeHTTP(rec, req)
		return rec.Code
	}

	var codes []int
	for i := 0; i < 5; i++ {
		codes = append(codes, validate(fmt.Sprintf("203.0.113.%d", i+1)))
	}
	assert.Equal(t, []int{200, 200, 200, 429, 429}, codes)
}

func TestRouter_LockoutFollowsTrustedProxyHeaders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.Lockout.MaxAttempts = 3
	cfg.Security.TrustedProxies = []string{"10.0.0.0/8"}
	a := newTestApp(t, cfg)

	validate := func(client string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/licenses/LIC-GUESS/validate", nil)
		req.RemoteAddr = "10.0.0.2:5000"
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		a.Router.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, validate("203.0.113.1"))
	}
	assert.Equal(t, http.StatusTooManyRequests, validate("203.0.113.1"))
	assert.Equal(t, http.StatusOK, validate("203.0.113.2"))
}

func TestRouter_Endpoints(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	tests := []struct {
		name         string
		path         string
		wantStatus   int
		wantContains string
	}{
		{name: "health", path: "/api/health", wantStatus: http.StatusOK, wantContains: `"components"`},
		{name: "ready", path: "/api/health/ready", wantStatus: http.StatusOK, wantContains: `"ready"`},
		{name: "live", path: "/api/health/live", wantStatus: http.StatusOK, wantContains: `"alive"`},
		{name: "version", path: "/api/version", wantStatus: http.StatusOK, wantContains: `"version"`},
		{name: "metrics", path: "/metrics", wantStatus: http.StatusOK, wantContains: "http_request"},
		{name: "unknown route", path: "/api/nope", wantStatus: http.StatusNotFound, wantContains: `"status":404`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Contains(t, string(body), tt.wantContains)
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
			assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
		})
	}
}

func TestRouter_ReadinessFailsWhenStoreClosed(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	require.NoError(t, a.Store.Close())

	resp, err := http.Get(srv.URL + "/api/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRouter_WebSocketDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notifications.EnableWebSocket = false
	a := newTestApp(t, cfg)
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApplication_StartStop(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	require.NoError(t, a.Start(context.Background()))
	assert.NotEqual(t, "127.0.0.1:0", a.Addr())
	assert.Error(t, a.Start(context.Background()))

	resp, err := http.Get("http://" + a.Addr() + "/api/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))

	select {
	case <-a.Done():
	default:
		t.Fatal("background tasks still running after Stop")
	}
	// Idempotent.
	assert.NoError(t, a.Stop(ctx))
}

func TestApplication_StopsWithParentContext(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	cancel()

	select {
	case <-a.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("application did not stop after context cancellation")
	}
}

func TestApplication_WebSocketReceivesLicenseEvents(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	require.NoError(t, a.Start(context.Background()))

	url := "ws://" + a.Addr() + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	header := http.Header{"Authorization": []string{"Bearer " + testAdminToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return a.Hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	resp = doJSON(t, http.MethodPost, "http://"+a.Addr()+"/api/v1/licenses",
		api.IssueLicenseRequest{UserID: "u-ws", Level: "basic"}, testAdminToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var issued api.LicenseResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&issued))
	resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg events.WebSocketMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type != events.MessageTypeLicenseEvent {
			continue
		}

		assert.Contains(t, string(data), string(license.EventIssued))
		assert.Contains(t, string(data), "u-ws")
		assert.False(t, strings.Contains(string(data), issued.Key), "raw key must not leave the process")
		return
	}
}
