package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"licensesvc/internal/infrastructure"
)

const (
	TracerName = "license-controller"
	MeterName  = "license-controller"
)

// LicenseMetrics holds the license OpenTelemetry instruments. A nil
// *LicenseMetrics is valid and records nothing.
type LicenseMetrics struct {
	OperationsTotal   metric.Int64Counter
	OperationDuration metric.Float64Histogram

	ValidationVerdicts metric.Int64Counter
	KeyCollisions      metric.Int64Counter

	Notifications  metric.Int64Counter
	ExpiryWarnings metric.Int64Counter

	SecurityBlocks metric.Int64Counter
}

// InitializeLicenseMetrics creates all license metrics on meter.
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	metrics.OperationsTotal, err = meter.Int64Counter(
		"license_operations_total",
		metric.WithDescription("Total number of license lifecycle operations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operations counter: %w", err)
	}

	metrics.OperationDuration, err = meter.Float64Histogram(
		"license_operation_duration_seconds",
		metric.WithDescription("License operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	metrics.ValidationVerdicts, err = meter.Int64Counter(
		"license_validation_verdicts_total",
		metric.WithDescription("Total number of validation verdicts by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation verdicts counter: %w", err)
	}

	metrics.KeyCollisions, err = meter.Int64Counter(
		"license_key_collisions_total",
		metric.WithDescription("Total number of generated keys rejected as duplicates"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create key collisions counter: %w", err)
	}

	metrics.Notifications, err = meter.Int64Counter(
		"license_notifications_total",
		metric.WithDescription("Total number of license events by delivery result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifications counter: %w", err)
	}

	metrics.ExpiryWarnings, err = meter.Int64Counter(
		"license_expiry_warnings_total",
		metric.WithDescription("Total number of expiration warnings emitted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expiry warnings counter: %w", err)
	}

	metrics.SecurityBlocks, err = meter.Int64Counter(
		"license_security_blocks_total",
		metric.WithDescription("Total number of clients locked out after failed validations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security blocks counter: %w", err)
	}

	return metrics, nil
}

// ConflictCounter is implemented by stores that retry optimistic writes.
type ConflictCounter interface {
	Conflicts() int64
}

// ObserveStoreConflicts exports a store's retry count as an observable counter.
func ObserveStoreConflicts(meter metric.Meter, src ConflictCounter) error {
	_, err := meter.Int64ObservableCounter(
		"license_store_write_conflicts_total",
		metric.WithDescription("Total number of store updates retried after a version conflict"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(src.Conflicts())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create store conflicts counter: %w", err)
	}
	return nil
}

// traceOperation runs fn inside a "license.<operation>" span and records the
// operation metrics.
func traceOperation(ctx context.Context, metrics *LicenseMetrics, operation, key string, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license."+operation,
		trace.WithAttributes(
			attribute.String("license.operation", operation),
			attribute.String("license.key_hash", hashLicenseKey(key)),
			attribute.String("component", "license_controller"),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = classifyLicenseError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_type", outcome))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	metrics.recordOperation(ctx, operation, outcome, duration)
	return err
}

func (m *LicenseMetrics) recordOperation(ctx context.Context, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
		attribute.String("component", "license_controller"),
	)
	m.OperationsTotal.Add(ctx, 1, labels)
	m.OperationDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *LicenseMetrics) recordVerdict(ctx context.Context, v Verdict) {
	if m == nil {
		return
	}
	reason := string(v.Reason)
	if v.Valid {
		reason = "valid"
	}
	m.ValidationVerdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("level", string(v.Level)),
	))
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.Bool("license.valid", v.Valid),
			attribute.String("license.reason", reason),
			attribute.Bool("license.bind_requested", v.BindRequested),
		)
	}
}

func (m *LicenseMetrics) recordCollision(ctx context.Context) {
	if m == nil {
		return
	}
	m.KeyCollisions.Add(ctx, 1)
	infrastructure.AddSpanEvent(ctx, "license.key_collision", map[string]interface{}{
		"component": "license_controller",
	})
}

func (m *LicenseMetrics) recordNotification(ctx context.Context, typ EventType, result string) {
	if m == nil {
		return
	}
	m.Notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", string(typ)),
		attribute.String("result", result),
	))
}

func (m *LicenseMetrics) recordExpiryWarning(ctx context.Context, level SubscriptionLevel) {
	if m == nil {
		return
	}
	m.ExpiryWarnings.Add(ctx, 1, metric.WithAttributes(attribute.String("level", string(level))))
}

func (m *LicenseMetrics) recordSecurityBlock(ctx context.Context) {
	if m == nil {
		return
	}
	m.SecurityBlocks.Add(ctx, 1)
}

// classifyLicenseError buckets errors for span attributes and metric labels.
func classifyLicenseError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrDeviceMismatch):
		return "device_mismatch"
	case errors.Is(err, ErrAlreadyBound):
		return "already_bound"
	case errors.Is(err, ErrIssueExhausted), errors.Is(err, ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, ErrEntropy):
		return "entropy"
	case IsInvalidInput(err):
		return "invalid_input"
	default:
		return "unknown"
	}
}
