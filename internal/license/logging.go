package license

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2b"

	"licensesvc/internal/infrastructure"
)

// logAction writes a structured log line for a license action and mirrors it
// as a span event when a span is recording.
func logAction(ctx context.Context, logger *slog.Logger, level slog.Level, action, result string, attrs ...slog.Attr) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action": action,
			"result": result,
		})
	}

	all := make([]slog.Attr, 0, len(attrs)+2)
	all = append(all,
		slog.String("action", action),
		slog.String("result", result),
	)
	all = append(all, attrs...)
	logger.LogAttrs(ctx, level, result, all...)
}

// logLicenseAction is logAction plus the masked key and its audit hash.
func (c *Controller) logLicenseAction(ctx context.Context, level slog.Level, action, result, key string, attrs ...slog.Attr) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.action", action),
			attribute.String("license.key_masked", maskLicenseKey(key)),
		)
	}
	keyAttrs := []slog.Attr{
		slog.String("license_key_masked", maskLicenseKey(key)),
		slog.String("license_key_hash", hashLicenseKey(key)),
	}
	logAction(ctx, c.logger, level, action, result, append(keyAttrs, attrs...)...)
}

func (c *Controller) logInfo(ctx context.Context, action, result, key string, attrs ...slog.Attr) {
	c.logLicenseAction(ctx, slog.LevelInfo, action, result, key, attrs...)
}

func (c *Controller) logWarn(ctx context.Context, action, result, key string, attrs ...slog.Attr) {
	c.logLicenseAction(ctx, slog.LevelWarn, action, result, key, attrs...)
}

func (c *Controller) logError(ctx context.Context, action, result, key string, attrs ...slog.Attr) {
	c.logLicenseAction(ctx, slog.LevelError, action, result, key, attrs...)
}

// maskLicenseKey keeps the first and last four characters.
func maskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskKey is maskLicenseKey for callers outside the package.
func MaskKey(key string) string { return maskLicenseKey(key) }

// MaskKeysInPath masks every path segment that looks like a license key.
func MaskKeysInPath(path string) string {
	if !strings.Contains(strings.ToUpper(path), KeyPrefix+"-") {
		return path
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if strings.HasPrefix(strings.ToUpper(p), KeyPrefix+"-") {
			parts[i] = maskLicenseKey(p)
		}
	}
	return strings.Join(parts, "/")
}

// hashLicenseKey returns a short BLAKE2b digest that correlates audit entries
// without revealing the key.
func hashLicenseKey(key string) string {
	if key == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
