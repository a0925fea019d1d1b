package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"licensesvc/internal/infrastructure"
	"licensesvc/internal/license"
	"licensesvc/pkg/contracts"
)

// HealthChecker is satisfied by *license.HealthCheck.
type HealthChecker interface {
	Perform(ctx context.Context) *license.HealthCheckResult
}

// HealthService reports liveness, readiness and build information.
type HealthService struct {
	checker   HealthChecker
	clients   func() int
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus is the body of the health endpoints.
type HealthStatus struct {
	Status     string                              `json:"status"`
	Timestamp  time.Time                           `json:"timestamp"`
	Version    string                              `json:"version"`
	Uptime     string                              `json:"uptime,omitempty"`
	TraceID    string                              `json:"trace_id,omitempty"`
	Runtime    map[string]interface{}              `json:"runtime,omitempty"`
	Components map[string]*license.ComponentHealth `json:"components,omitempty"`
}

// NewHealthService creates a health service. clients reports the number of
// connected websocket clients and may be nil.
func NewHealthService(checker HealthChecker, clients func() int, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		checker:   checker,
		clients:   clients,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// HealthCheck runs every component check and summarizes the result.
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	result := hs.checker.Perform(ctx)

	status := hs.base(ctx, string(result.OverallStatus))
	status.Components = result.Components
	status.Runtime = map[string]interface{}{
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
	}
	if hs.clients != nil {
		status.Runtime["websocket_clients"] = hs.clients()
	}

	if result.OverallStatus != license.HealthStatusHealthy {
		hs.logger.WarnContext(ctx, "health check not healthy",
			slog.String("status", string(result.OverallStatus)),
			slog.String("message", result.Message),
		)
	}
	return status
}

// ReadinessCheck reports whether the service can take traffic. It is not
// ready while the license store is unhealthy.
func (hs *HealthService) ReadinessCheck(ctx context.Context) (HealthStatus, bool) {
	result := hs.checker.Perform(ctx)
	ready := result.StoreHealthy()

	status := hs.base(ctx, "ready")
	if !ready {
		status.Status = "not_ready"
		hs.logger.WarnContext(ctx, "readiness check failed: license store unhealthy")
	}
	status.Components = result.Components
	return status, ready
}

// LivenessCheck reports that the process is running.
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return hs.base(ctx, "alive")
}

// Version returns build information.
func (hs *HealthService) Version() contracts.VersionInfo {
	return contracts.GetVersionInfo()
}

func (hs *HealthService) base(ctx context.Context, status string) HealthStatus {
	return HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Version:   contracts.Version,
		Uptime:    time.Since(hs.startTime).Round(time.Second).String(),
		TraceID:   infrastructure.GetTraceID(ctx),
	}
}
