package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensesvc/internal/infrastructure"
	"licensesvc/internal/shared/testutil"
)

const sampleKey = "LIC-ABCD-EFGH-IJKL-MNOP-QRST-UVWX-YZ23-4567"

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestRequestID(t *testing.T) {
	t.Run("generates id", func(t *testing.T) {
		var seen string
		h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r.Context())
			assert.Equal(t, seen, infrastructure.GetTraceID(r.Context()))
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})

	t.Run("keeps incoming id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		rec := httptest.NewRecorder()
		RequestID(okHandler).ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
	})
}

func TestSanitizePath(t *testing.T) {
	assert.Equal(t, "/api/health", SanitizePath("/api/health"))
	assert.Equal(t, "/api/v1/licenses/LIC-****4567/validate",
		SanitizePath("/api/v1/licenses/"+sampleKey+"/validate"))
	assert.Equal(t, "/api/v1/licenses/lic-****4567",
		SanitizePath("/api/v1/licenses/"+strings.ToLower(sampleKey)))
}

func TestStructuredLoggerMasksKeys(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	h := StructuredLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/licenses/"+sampleKey, nil))

	records := handler.GetRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "request completed", records[0].Message)
	assert.Equal(t, "/api/v1/licenses/LIC-****4567", records[0].Attrs["path"])
	assert.EqualValues(t, http.StatusNotFound, records[0].Attrs["status"])
}

func TestRateLimiter(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	rl := NewRateLimiter(0.5, 2, logger)
	h := rl.Handler(okHandler)

	codes := make([]int, 3)
	var last *httptest.ResponseRecorder
	for i := range codes {
		last = httptest.NewRecorder()
		h.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/", nil))
		codes[i] = last.Code
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, "3", last.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", last.Header().Get("Content-Type"))
	assert.True(t, handler.ContainsMessage("rate limit exceeded"))
}

func TestTimeout(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)

	t.Run("silent handler gets 504", func(t *testing.T) {
		h := Timeout(10*time.Millisecond, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	})

	t.Run("fast handler untouched", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Timeout(time.Second, logger)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
	})

	t.Run("handler sees deadline", func(t *testing.T) {
		h := Timeout(time.Second, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, ok := r.Context().Deadline()
			assert.True(t, ok)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"https://admin.example.com"}})(okHandler)

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://admin.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "https://admin.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("other origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/licenses", nil)
		req.Header.Set("Origin", "https://admin.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	})

	t.Run("wildcard", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://anything.example")
		rec := httptest.NewRecorder()
		CORS(CORSConfig{AllowedOrigins: []string{"*"}})(okHandler).ServeHTTP(rec, req)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestAdminAuth(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	h := AdminAuth("s3cret", logger)(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer s3cret", http.StatusOK},
		{"case-insensitive scheme", "bearer s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/licenses", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
				var body map[string]any
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, "/errors/unauthorized", body["type"])
			}
		})
	}
}

func TestAdminAuthDisabledWithoutToken(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	rec := httptest.NewRecorder()
	AdminAuth("", logger)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditLog(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	h := AuditLog(logger)(okHandler)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/licenses/"+sampleKey, nil))
	assert.Zero(t, handler.Count())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/licenses/"+sampleKey+"/revoke", nil))
	require.Equal(t, 1, handler.Count())
	testutil.AssertLogAttr(t, handler, "path", "/api/v1/licenses/LIC-****4567/revoke")
}

func TestOTelMiddlewareUsesRoutePattern(t *testing.T) {
	providers, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), testLogger(t))
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	m, err := NewOTelMiddleware(providers)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(m.Handler)
	r.Get("/api/v1/licenses/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/licenses/"+sampleKey, nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	metrics := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := metrics.Body.String()
	assert.Contains(t, body, "http_requests_total")
	assert.Contains(t, body, `route="/api/v1/licenses/{key}"`)
	assert.NotContains(t, body, sampleKey)
}

func TestGetRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	assert.Equal(t, "203.0.113.7", GetRealIP(req))

	req.RemoteAddr = "203.0.113.8"
	assert.Equal(t, "203.0.113.8", GetRealIP(req))
}

func TestRealIP(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		trusted    []netip.Prefix
		remoteAddr string
		forwarded  string
		want       string
	}{
		{name: "no trusted proxies", remoteAddr: "198.51.100.1:4000", forwarded: "203.0.113.9", want: "198.51.100.1"},
		{name: "untrusted peer", trusted: proxies, remoteAddr: "198.51.100.1:4000", forwarded: "203.0.113.9", want: "198.51.100.1"},
		{name: "trusted proxy", trusted: proxies, remoteAddr: "10.1.2.3:4000", forwarded: "203.0.113.9", want: "203.0.113.9"},
		{name: "trusted proxy without header", trusted: proxies, remoteAddr: "10.1.2.3:4000", want: "10.1.2.3"},
		{name: "mapped ipv4 peer", trusted: proxies, remoteAddr: "[::ffff:10.1.2.3]:4000", forwarded: "203.0.113.9", want: "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := RealIP(tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetRealIP(r)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, got)
		})
	}
}
