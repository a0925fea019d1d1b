package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensesvc/internal/license"
	"licensesvc/pkg/contracts"
)

type stubChecker struct {
	result *license.HealthCheckResult
}

func (s stubChecker) Perform(context.Context) *license.HealthCheckResult { return s.result }

func resultWithStore(status license.HealthStatus) *license.HealthCheckResult {
	return &license.HealthCheckResult{
		OverallStatus: status,
		Components: map[string]*license.ComponentHealth{
			"store": {Status: status},
		},
	}
}

func TestHealthServiceHealthCheck(t *testing.T) {
	hs := NewHealthService(stubChecker{resultWithStore(license.HealthStatusHealthy)}, func() int { return 3 }, nil)

	status := hs.HealthCheck(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, contracts.Version, status.Version)
	assert.Equal(t, 3, status.Runtime["websocket_clients"])
	require.Contains(t, status.Components, "store")
}

func TestHealthServiceReadiness(t *testing.T) {
	tests := []struct {
		name      string
		store     license.HealthStatus
		wantReady bool
		want      string
	}{
		{name: "healthy store", store: license.HealthStatusHealthy, wantReady: true, want: "ready"},
		{name: "degraded store still serves", store: license.HealthStatusDegraded, wantReady: true, want: "ready"},
		{name: "unhealthy store", store: license.HealthStatusUnhealthy, wantReady: false, want: "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthService(stubChecker{resultWithStore(tt.store)}, nil, nil)
			status, ready := hs.ReadinessCheck(context.Background())
			assert.Equal(t, tt.wantReady, ready)
			assert.Equal(t, tt.want, status.Status)
		})
	}
}

func TestHealthServiceAgainstRealCheck(t *testing.T) {
	store := license.NewMemoryStore()
	hc := license.NewHealthCheck(store, nil, nil, license.DefaultHealthCheckConfig())
	hs := NewHealthService(hc, nil, nil)

	_, ready := hs.ReadinessCheck(context.Background())
	assert.True(t, ready)

	require.NoError(t, store.Close())
	status, ready := hs.ReadinessCheck(context.Background())
	assert.False(t, ready)
	assert.Equal(t, license.HealthStatusUnhealthy, status.Components["store"].Status)
}

func TestHealthServiceLivenessAndVersion(t *testing.T) {
	hs := NewHealthService(stubChecker{resultWithStore(license.HealthStatusHealthy)}, nil, nil)

	assert.Equal(t, "alive", hs.LivenessCheck(context.Background()).Status)
	assert.Equal(t, contracts.Version, hs.Version().Version)
	assert.Equal(t, contracts.APIVersion, hs.Version().APIVersion)
}
