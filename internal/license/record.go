package license

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a license. Only StatusActive and
// StatusRevoked are ever persisted; StatusExpired is derived from ExpiresAt.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// SubscriptionLevel is the tier a license grants, e.g. "basic" or "pro".
type SubscriptionLevel string

// ParseLevel normalizes a level string. It does not check the level against
// any allow-list.
func ParseLevel(s string) SubscriptionLevel {
	return SubscriptionLevel(strings.ToLower(strings.TrimSpace(s)))
}

func (l SubscriptionLevel) String() string { return string(l) }

// MaxExpiresAt is the latest expiry a license may carry. Later times do not
// survive RFC 3339 encoding.
var MaxExpiresAt = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// LicenseRecord is the persisted state of a single license key.
type LicenseRecord struct {
	Key           string            `json:"key"`
	UserID        string            `json:"user_id"`
	Level         SubscriptionLevel `json:"level"`
	IssuedAt      time.Time         `json:"issued_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	BoundDeviceID string            `json:"bound_device_id,omitempty"`
	Status        Status            `json:"status"`
	RevokedAt     *time.Time        `json:"revoked_at,omitempty"`
	RevokeReason  string            `json:"revoke_reason,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Version       int64             `json:"version"`
}

// EffectiveStatus reports the status as observed at now. Revocation wins over
// expiry.
func (r LicenseRecord) EffectiveStatus(now time.Time) Status {
	if r.Status == StatusRevoked {
		return StatusRevoked
	}
	if !now.Before(r.ExpiresAt) {
		return StatusExpired
	}
	return StatusActive
}

// IsBound reports whether a device has claimed the license.
func (r LicenseRecord) IsBound() bool {
	return r.BoundDeviceID != ""
}

// Remaining is the time left before expiry, zero once expired.
func (r LicenseRecord) Remaining(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (r LicenseRecord) clone() LicenseRecord {
	out := r
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		out.RevokedAt = &t
	}
	return out
}
