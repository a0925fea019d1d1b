package api

import "time"

// LicenseResponse is a license record as seen by API clients. Status is the
// effective status at the time of the request.
type LicenseResponse struct {
	Key              string     `json:"key"`
	UserID           string     `json:"user_id"`
	Level            string     `json:"level"`
	Status           string     `json:"status"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	BoundDeviceID    string     `json:"bound_device_id,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokeReason     string     `json:"revoke_reason,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
	TraceID          string     `json:"trace_id,omitempty"`
}

// VerdictResponse is the result of a validation check-in. Invalid keys are
// reported here with a reason rather than as HTTP errors.
type VerdictResponse struct {
	Valid         bool       `json:"valid"`
	Level         string     `json:"level,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	DeviceBound   bool       `json:"device_bound,omitempty"`
	BindRequested bool       `json:"bind_requested,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CheckedAt     time.Time  `json:"checked_at"`
	TraceID       string     `json:"trace_id,omitempty"`
}
