package license

import (
	"context"
	"errors"
	"time"

	"licensesvc/internal/clock"
)

// Reason explains why a verdict is invalid.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNotFound       Reason = "not_found"
	ReasonRevoked        Reason = "revoked"
	ReasonExpired        Reason = "expired"
	ReasonDeviceMismatch Reason = "device_mismatch"
)

// Err returns the sentinel error matching the reason, or nil.
func (r Reason) Err() error {
	switch r {
	case ReasonNotFound:
		return ErrNotFound
	case ReasonRevoked:
		return ErrRevoked
	case ReasonExpired:
		return ErrExpired
	case ReasonDeviceMismatch:
		return ErrDeviceMismatch
	default:
		return nil
	}
}

// Verdict is the outcome of validating a key.
type Verdict struct {
	Valid  bool              `json:"valid"`
	Level  SubscriptionLevel `json:"level,omitempty"`
	Reason Reason            `json:"reason,omitempty"`
	// BindRequested is set when an unbound license was presented with a
	// device ID. The caller decides whether to bind.
	BindRequested bool `json:"bind_requested,omitempty"`
	// DeviceBound is set by Controller.ValidateLicense when this check-in
	// claimed the license for the presented device.
	DeviceBound bool      `json:"device_bound,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

func invalid(reason Reason, now time.Time) Verdict {
	return Verdict{Reason: reason, CheckedAt: now}
}

// Engine decides whether a key is currently usable. It only reads the store.
type Engine struct {
	store Store
	clock clock.Clock
}

// NewEngine builds an engine reading from store. A nil clock means real time.
func NewEngine(store Store, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{store: store, clock: clk}
}

// Validate checks key for the presented device. deviceID may be empty when
// the client does not identify itself.
//
// Checks run in a fixed order: existence, revocation, expiry, device. Every
// outcome of those checks is reported in the Verdict; the only errors
// returned are store failures and context cancellation.
func (e *Engine) Validate(ctx context.Context, key, deviceID string) (Verdict, error) {
	now := e.clock.Now()

	key = NormalizeKey(key)
	if !ValidKeyFormat(key) {
		return invalid(ReasonNotFound, now), nil
	}

	rec, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalid(ReasonNotFound, now), nil
		}
		return Verdict{}, err
	}

	return evaluate(rec, deviceID, now), nil
}

func evaluate(rec LicenseRecord, deviceID string, now time.Time) Verdict {
	switch rec.EffectiveStatus(now) {
	case StatusRevoked:
		return invalid(ReasonRevoked, now)
	case StatusExpired:
		v := invalid(ReasonExpired, now)
		v.ExpiresAt = rec.ExpiresAt
		return v
	}

	if rec.IsBound() && deviceID != "" && deviceID != rec.BoundDeviceID {
		return invalid(ReasonDeviceMismatch, now)
	}

	return Verdict{
		Valid:         true,
		Level:         rec.Level,
		BindRequested: !rec.IsBound() && deviceID != "",
		ExpiresAt:     rec.ExpiresAt,
		CheckedAt:     now,
	}
}
