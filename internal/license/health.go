package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"licensesvc/internal/infrastructure"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckConfig configures health check behavior
type HealthCheckConfig struct {
	StoreTimeout time.Duration
	// QueueSaturation is the queue fill ratio above which notifications are
	// reported as degraded.
	QueueSaturation float64
}

// DefaultHealthCheckConfig returns sensible defaults
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		StoreTimeout:    2 * time.Second,
		QueueSaturation: 0.9,
	}
}

// HealthCheckResult contains comprehensive health status
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id,omitempty"`
	Components    map[string]*ComponentHealth `json:"components"`
	Summary       *HealthSummary              `json:"summary"`
}

// HealthSummary provides aggregated health metrics
type HealthSummary struct {
	TotalComponents     int     `json:"total_components"`
	HealthyComponents   int     `json:"healthy_components"`
	DegradedComponents  int     `json:"degraded_components"`
	UnhealthyComponents int     `json:"unhealthy_components"`
	OverallScore        float64 `json:"overall_score"`
}

// HealthCheck inspects the license subsystem. Dispatcher and security are
// optional.
type HealthCheck struct {
	store      Store
	dispatcher *Dispatcher
	security   *SecurityManager
	config     HealthCheckConfig
}

func NewHealthCheck(store Store, dispatcher *Dispatcher, security *SecurityManager, config HealthCheckConfig) *HealthCheck {
	return &HealthCheck{
		store:      store,
		dispatcher: dispatcher,
		security:   security,
		config:     config,
	}
}

// Perform runs every component check concurrently.
func (hc *HealthCheck) Perform(ctx context.Context) *HealthCheckResult {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.health_check",
		trace.WithAttributes(attribute.String("component", "license_health")),
	)
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start.UTC(),
		Components: make(map[string]*ComponentHealth),
		TraceID:    infrastructure.GetTraceID(ctx),
	}

	checks := map[string]func(context.Context) *ComponentHealth{
		"store":         hc.checkStore,
		"notifications": hc.checkNotifications,
		"security":      hc.checkSecurity,
	}

	type checkResult struct {
		name   string
		health *ComponentHealth
	}
	results := make(chan checkResult, len(checks))
	for name, check := range checks {
		go func(n string, fn func(context.Context) *ComponentHealth) {
			results <- checkResult{name: n, health: fn(ctx)}
		}(name, check)
	}
	for range checks {
		res := <-results
		result.Components[res.name] = res.health
	}

	result.Summary = calculateHealthSummary(result.Components)
	result.OverallStatus = determineOverallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = fmt.Sprintf("%d/%d components healthy", result.Summary.HealthyComponents, result.Summary.TotalComponents)

	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Float64("health.overall_score", result.Summary.OverallScore),
	)
	return result
}

// StoreHealthy reports whether the store answered a ping.
func (r *HealthCheckResult) StoreHealthy() bool {
	c, ok := r.Components["store"]
	return ok && c.Status != HealthStatusUnhealthy
}

func (hc *HealthCheck) checkStore(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{Timestamp: start.UTC()}

	if hc.store == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License store not configured"
		return health
	}

	ctx, cancel := context.WithTimeout(ctx, hc.config.StoreTimeout)
	defer cancel()

	err := hc.store.Ping(ctx)
	health.Duration = time.Since(start).String()
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License store unreachable"
		health.Error = err.Error()
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "License store reachable"
	if cc, ok := hc.store.(ConflictCounter); ok {
		health.Metadata = map[string]interface{}{"write_conflicts": cc.Conflicts()}
	}
	return health
}

func (hc *HealthCheck) checkNotifications(context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: time.Now().UTC()}
	if hc.dispatcher == nil {
		health.Status = HealthStatusHealthy
		health.Message = "Notifications disabled"
		return health
	}

	stats := hc.dispatcher.Stats()
	health.Metadata = map[string]interface{}{
		"queue_depth": stats.QueueDepth,
		"capacity":    stats.Capacity,
		"delivered":   stats.Delivered,
		"dropped":     stats.Dropped,
		"failed":      stats.Failed,
	}

	fill := float64(stats.QueueDepth) / float64(stats.Capacity)
	if fill >= hc.config.QueueSaturation {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Notification queue %.0f%% full", fill*100)
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "Notification queue draining"
	return health
}

func (hc *HealthCheck) checkSecurity(context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: time.Now().UTC(), Status: HealthStatusHealthy}
	if hc.security == nil {
		health.Message = "Lockout disabled"
		return health
	}
	stats := hc.security.Stats()
	health.Message = "Lockout active"
	health.Metadata = map[string]interface{}{
		"blocked_clients": stats.BlockedClients,
		"active_attempts": stats.ActiveAttempts,
	}
	return health
}

func calculateHealthSummary(components map[string]*ComponentHealth) *HealthSummary {
	summary := &HealthSummary{TotalComponents: len(components)}
	for _, c := range components {
		switch c.Status {
		case HealthStatusHealthy:
			summary.HealthyComponents++
		case HealthStatusDegraded:
			summary.DegradedComponents++
		case HealthStatusUnhealthy:
			summary.UnhealthyComponents++
		}
	}
	if summary.TotalComponents > 0 {
		summary.OverallScore = (float64(summary.HealthyComponents) + 0.5*float64(summary.DegradedComponents)) /
			float64(summary.TotalComponents)
	}
	return summary
}

func determineOverallStatus(components map[string]*ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for _, c := range components {
		switch c.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}
