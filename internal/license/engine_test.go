package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensesvc/internal/clock"
)

func TestEngineValidate(t *testing.T) {
	now := testEpoch.Add(24 * time.Hour)
	revokedAt := now.Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(r *LicenseRecord)
		device string
		want   Verdict
	}{
		{
			name: "active unbound without device",
			want: Verdict{Valid: true, Level: "pro"},
		},
		{
			name:   "active unbound with device requests bind",
			device: "device-1",
			want:   Verdict{Valid: true, Level: "pro", BindRequested: true},
		},
		{
			name:   "bound to presented device",
			mutate: func(r *LicenseRecord) { r.BoundDeviceID = "device-1" },
			device: "device-1",
			want:   Verdict{Valid: true, Level: "pro"},
		},
		{
			name:   "bound without presented device",
			mutate: func(r *LicenseRecord) { r.BoundDeviceID = "device-1" },
			want:   Verdict{Valid: true, Level: "pro"},
		},
		{
			name:   "bound to another device",
			mutate: func(r *LicenseRecord) { r.BoundDeviceID = "device-1" },
			device: "device-2",
			want:   Verdict{Reason: ReasonDeviceMismatch},
		},
		{
			name:   "expires exactly now",
			mutate: func(r *LicenseRecord) { r.ExpiresAt = now },
			want:   Verdict{Reason: ReasonExpired},
		},
		{
			name: "expired beats device mismatch",
			mutate: func(r *LicenseRecord) {
				r.ExpiresAt = now.Add(-time.Second)
				r.BoundDeviceID = "device-1"
			},
			device: "device-2",
			want:   Verdict{Reason: ReasonExpired},
		},
		{
			name: "revoked with future expiry",
			mutate: func(r *LicenseRecord) {
				r.Status = StatusRevoked
				r.RevokedAt = &revokedAt
			},
			want: Verdict{Reason: ReasonRevoked},
		},
		{
			name: "revoked beats expired and mismatch",
			mutate: func(r *LicenseRecord) {
				r.Status = StatusRevoked
				r.ExpiresAt = now.Add(-time.Hour)
				r.BoundDeviceID = "device-1"
			},
			device: "device-2",
			want:   Verdict{Reason: ReasonRevoked},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore()
			rec := activeRecord(mustKey(), testEpoch)
			if tt.mutate != nil {
				tt.mutate(&rec)
			}
			require.NoError(t, store.Put(ctx, rec))

			engine := NewEngine(store, clock.NewManual(now))
			got, err := engine.Validate(ctx, rec.Key, tt.device)
			require.NoError(t, err)

			assert.Equal(t, tt.want.Valid, got.Valid)
			assert.Equal(t, tt.want.Reason, got.Reason)
			assert.Equal(t, tt.want.Level, got.Level)
			assert.Equal(t, tt.want.BindRequested, got.BindRequested)
			assert.Equal(t, now, got.CheckedAt)

			after, err := store.Get(ctx, rec.Key)
			require.NoError(t, err)
			assert.Equal(t, int64(1), after.Version, "engine must not write")
			assert.Equal(t, rec.BoundDeviceID, after.BoundDeviceID)
		})
	}
}

func TestEngineFailsClosed(t *testing.T) {
	engine := NewEngine(NewMemoryStore(), clock.NewManual(testEpoch))

	for _, key := range []string{mustKey(), "", "not-a-key", "LIC-"} {
		v, err := engine.Validate(context.Background(), key, "device-1")
		require.NoError(t, err)
		assert.False(t, v.Valid, key)
		assert.Equal(t, ReasonNotFound, v.Reason)
		assert.Empty(t, v.Level)
	}
}

func TestEngineNormalizesKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := activeRecord(mustKey(), testEpoch)
	require.NoError(t, store.Put(ctx, rec))

	v, err := NewEngine(store, clock.NewManual(testEpoch)).Validate(ctx, "  "+rec.Key+" ", "")
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestEngineStoreUnavailable(t *testing.T) {
	v, err := NewEngine(brokenStore{}, clock.NewManual(testEpoch)).Validate(context.Background(), mustKey(), "")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, v.Valid)
}

func TestExpiredIsStable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := activeRecord(mustKey(), testEpoch)
	require.NoError(t, store.Put(ctx, rec))

	clk := clock.NewManual(rec.ExpiresAt.Add(time.Minute))
	engine := NewEngine(store, clk)
	for i := 0; i < 5; i++ {
		v, err := engine.Validate(ctx, rec.Key, "")
		require.NoError(t, err)
		assert.Equal(t, ReasonExpired, v.Reason)
		clk.Advance(time.Hour)
	}
}

func TestReasonErr(t *testing.T) {
	assert.ErrorIs(t, ReasonNotFound.Err(), ErrNotFound)
	assert.ErrorIs(t, ReasonRevoked.Err(), ErrRevoked)
	assert.ErrorIs(t, ReasonExpired.Err(), ErrExpired)
	assert.ErrorIs(t, ReasonDeviceMismatch.Err(), ErrDeviceMismatch)
	assert.NoError(t, ReasonNone.Err())
}
