package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "licensesvc/internal/errors"
)

// AdminAuth requires "Authorization: Bearer <token>" on wrapped routes. An
// empty token disables the check.
func AdminAuth(token string, logger *slog.Logger) func(next http.Handler) http.Handler {
	expected := []byte(token)

	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(ctx, "missing authorization header",
					"method", r.Method,
					"path", SanitizePath(r.URL.Path),
					"remote_addr", r.RemoteAddr,
				)
				unauthorized(w, r, "Missing authorization header")
				return
			}

			scheme, presented, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				logger.WarnContext(ctx, "invalid authorization format",
					"method", r.Method,
					"path", SanitizePath(r.URL.Path),
				)
				unauthorized(w, r, "Invalid authorization format. Use: Bearer <token>")
				return
			}

			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), expected) != 1 {
				logger.WarnContext(ctx, "authentication failed",
					"method", r.Method,
					"path", SanitizePath(r.URL.Path),
					"remote_addr", r.RemoteAddr,
				)
				unauthorized(w, r, "Invalid admin token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="licensed"`)
	apierrors.WriteProblem(w, apierrors.ProblemFromStatus(
		http.StatusUnauthorized,
		detail,
		GetRequestID(r.Context()),
	))
}

// AuditLog writes an audit entry for every state-changing license request.
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.InfoContext(r.Context(), "audit log",
				"event_type", "license_api",
				"method", r.Method,
				"path", SanitizePath(r.URL.Path),
				"status", status,
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
				"duration", time.Since(start).String(),
			)
		})
	}
}
