package license

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensesvc/internal/clock"
	"licensesvc/internal/shared/testutil"
)

func TestMaskLicenseKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "****"},
		{"SHORTKEY", "****"},
		{"LIC-ABCD-EFGH-IJKL", "LIC-****IJKL"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskLicenseKey(tt.key))
	}
}

func TestHashLicenseKey(t *testing.T) {
	assert.Empty(t, hashLicenseKey(""))

	key := mustKey()
	h := hashLicenseKey(key)
	assert.Len(t, h, 16)
	assert.Equal(t, h, hashLicenseKey(key))
	assert.NotEqual(t, h, hashLicenseKey(mustKey()))
}

func TestControllerNeverLogsRawKey(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	ctx := context.Background()
	ctrl := NewController(NewMemoryStore(), WithLogger(logger), WithClock(clock.NewManual(testEpoch)))

	rec, err := ctrl.Issue(ctx, "user-1", "pro")
	require.NoError(t, err)
	_, err = ctrl.Revoke(ctx, rec.Key, "test")
	require.NoError(t, err)

	testutil.AssertLogContains(t, handler, slog.LevelWarn, "license revoked")
	testutil.AssertLogAttr(t, handler, "component", "license_controller")
	testutil.AssertLogAttr(t, handler, "license_key_hash", hashLicenseKey(rec.Key))
	for _, r := range handler.GetRecords() {
		for k, v := range r.Attrs {
			assert.NotEqual(t, rec.Key, v, "attribute %s leaked the key", k)
		}
	}
}
