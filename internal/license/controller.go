package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"licensesvc/internal/clock"
)

// errUnchanged aborts a store update that would not change the record.
var errUnchanged = errors.New("record unchanged")

// Policy holds the issuance rules.
type Policy struct {
	ValidityWindow time.Duration
	// IssueRetries bounds how many generated keys may collide before Issue
	// gives up.
	IssueRetries int
	// Levels is the allow-list of subscription levels. Empty allows any
	// non-empty level.
	Levels []SubscriptionLevel
}

// DefaultPolicy issues one-year licenses for the standard tiers.
func DefaultPolicy() Policy {
	return Policy{
		ValidityWindow: 365 * 24 * time.Hour,
		IssueRetries:   5,
		Levels:         []SubscriptionLevel{"basic", "pro", "enterprise"},
	}
}

// Allows reports whether level may be issued or assigned.
func (p Policy) Allows(level SubscriptionLevel) bool {
	if level == "" {
		return false
	}
	if len(p.Levels) == 0 {
		return true
	}
	for _, l := range p.Levels {
		if l == level {
			return true
		}
	}
	return false
}

// Controller drives the license lifecycle. All state lives in the Store, so
// a Controller is safe for concurrent use.
type Controller struct {
	store    Store
	engine   *Engine
	keys     KeyGenerator
	clock    clock.Clock
	policy   Policy
	notifier Notifier
	logger   *slog.Logger
	metrics  *LicenseMetrics
}

// Option customizes a Controller.
type Option func(*Controller)

func WithClock(clk clock.Clock) Option { return func(c *Controller) { c.clock = clk } }

func WithKeyGenerator(g KeyGenerator) Option { return func(c *Controller) { c.keys = g } }

func WithPolicy(p Policy) Option { return func(c *Controller) { c.policy = p } }

// WithNotifier sets the event sink. The sink is called on the request path;
// pass a Dispatcher for anything that may block.
func WithNotifier(n Notifier) Option { return func(c *Controller) { c.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

func WithMetrics(m *LicenseMetrics) Option { return func(c *Controller) { c.metrics = m } }

// NewController wires a controller over store.
func NewController(store Store, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		keys:   NewKeyGenerator(),
		clock:  clock.Real{},
		policy: DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.ValidityWindow <= 0 {
		c.policy.ValidityWindow = DefaultPolicy().ValidityWindow
	}
	if c.policy.IssueRetries <= 0 {
		c.policy.IssueRetries = DefaultPolicy().IssueRetries
	}
	c.logger = c.logger.With(slog.String("component", "license_controller"))
	c.engine = NewEngine(store, c.clock)
	return c
}

// Engine returns the read-only validation engine.
func (c *Controller) Engine() *Engine { return c.engine }

// Policy returns the issuance policy in effect.
func (c *Controller) Policy() Policy { return c.policy }

// Issue mints and stores a new active license for userID.
func (c *Controller) Issue(ctx context.Context, userID string, level SubscriptionLevel) (LicenseRecord, error) {
	var issued LicenseRecord
	err := traceOperation(ctx, c.metrics, "issue", "", func(ctx context.Context) error {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			return ErrInvalidUser
		}
		level = ParseLevel(string(level))
		if !c.policy.Allows(level) {
			return fmt.Errorf("%w: %q", ErrInvalidLevel, level)
		}
		if c.clock.Now().Add(c.policy.ValidityWindow).After(MaxExpiresAt) {
			return fmt.Errorf("%w: validity window %s ends after %s",
				ErrInvalidExtension, c.policy.ValidityWindow, MaxExpiresAt.Format(time.DateOnly))
		}

		for attempt := 1; attempt <= c.policy.IssueRetries; attempt++ {
			key, err := c.keys.Generate()
			if err != nil {
				c.logError(ctx, "issue", "key generation failed", "", slog.String("error", err.Error()))
				return fmt.Errorf("failed to generate license key: %w", err)
			}

			now := c.clock.Now()
			rec := LicenseRecord{
				Key:       key,
				UserID:    userID,
				Level:     level,
				IssuedAt:  now,
				ExpiresAt: now.Add(c.policy.ValidityWindow),
				Status:    StatusActive,
				UpdatedAt: now,
				Version:   1,
			}

			err = c.store.Put(ctx, rec)
			if err == nil {
				issued = rec
				c.logInfo(ctx, "issue", "license issued", key,
					slog.String("user_id", userID),
					slog.String("level", string(level)),
					slog.Time("expires_at", rec.ExpiresAt),
				)
				c.publish(ctx, EventIssued, rec, "")
				return nil
			}
			if !errors.Is(err, ErrDuplicateKey) {
				return fmt.Errorf("failed to store license: %w", err)
			}
			c.metrics.recordCollision(ctx)
			c.logWarn(ctx, "issue", "generated key already exists", key, slog.Int("attempt", attempt))
		}

		c.logError(ctx, "issue", "no unique key after retries", "", slog.Int("attempts", c.policy.IssueRetries))
		return fmt.Errorf("%w after %d attempts", ErrIssueExhausted, c.policy.IssueRetries)
	})
	return issued, err
}

// ValidateLicense answers a client check-in. When the engine asks for a bind
// the controller performs it; if another device won the bind in the meantime
// the verdict becomes DeviceMismatch.
func (c *Controller) ValidateLicense(ctx context.Context, key, deviceID string) (Verdict, error) {
	var verdict Verdict
	key = NormalizeKey(key)
	deviceID = strings.TrimSpace(deviceID)

	err := traceOperation(ctx, c.metrics, "validate", key, func(ctx context.Context) error {
		v, err := c.engine.Validate(ctx, key, deviceID)
		if err != nil {
			return err
		}

		if v.BindRequested {
			_, bindErr := c.Bind(ctx, key, deviceID)
			switch {
			case bindErr == nil:
				v.DeviceBound = true
			case errors.Is(bindErr, ErrAlreadyBound):
				v = invalid(ReasonDeviceMismatch, v.CheckedAt)
			case errors.Is(bindErr, ErrRevoked):
				v = invalid(ReasonRevoked, v.CheckedAt)
			case errors.Is(bindErr, ErrExpired):
				v = invalid(ReasonExpired, v.CheckedAt)
			case errors.Is(bindErr, ErrNotFound):
				v = invalid(ReasonNotFound, v.CheckedAt)
			default:
				return bindErr
			}
		}

		verdict = v
		c.metrics.recordVerdict(ctx, v)
		if !v.Valid {
			c.logInfo(ctx, "validate", "license rejected", key, slog.String("reason", string(v.Reason)))
		}
		return nil
	})
	return verdict, err
}

// Renew extends the expiry of an active or expired license by extension,
// counted from the later of now and the current expiry.
func (c *Controller) Renew(ctx context.Context, key string, extension time.Duration) (LicenseRecord, error) {
	var renewed LicenseRecord
	key = NormalizeKey(key)
	err := traceOperation(ctx, c.metrics, "renew", key, func(ctx context.Context) error {
		if extension <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidExtension, extension)
		}

		rec, err := c.store.Update(ctx, key, func(r *LicenseRecord) error {
			if r.Status == StatusRevoked {
				return ErrRevoked
			}
			now := c.clock.Now()
			base := r.ExpiresAt
			if now.After(base) {
				base = now
			}
			expiresAt := base.Add(extension)
			if expiresAt.After(MaxExpiresAt) {
				return fmt.Errorf("%w: %s would expire after %s",
					ErrInvalidExtension, extension, MaxExpiresAt.Format(time.DateOnly))
			}
			r.ExpiresAt = expiresAt
			r.Status = StatusActive
			r.UpdatedAt = now
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to renew license: %w", err)
		}

		renewed = rec
		c.logInfo(ctx, "renew", "license renewed", key,
			slog.Duration("extension", extension),
			slog.Time("expires_at", rec.ExpiresAt),
		)
		c.publish(ctx, EventRenewed, rec, "")
		return nil
	})
	return renewed, err
}

// Bind claims the license for deviceID. Binding the device that already owns
// the license succeeds without a write.
func (c *Controller) Bind(ctx context.Context, key, deviceID string) (LicenseRecord, error) {
	var bound LicenseRecord
	key = NormalizeKey(key)
	deviceID = strings.TrimSpace(deviceID)
	err := traceOperation(ctx, c.metrics, "bind", key, func(ctx context.Context) error {
		if deviceID == "" {
			return ErrInvalidDevice
		}

		rec, err := c.store.Update(ctx, key, func(r *LicenseRecord) error {
			now := c.clock.Now()
			switch r.EffectiveStatus(now) {
			case StatusRevoked:
				return ErrRevoked
			case StatusExpired:
				return ErrExpired
			}
			if r.BoundDeviceID == deviceID {
				return errUnchanged
			}
			if r.IsBound() {
				return ErrAlreadyBound
			}
			r.BoundDeviceID = deviceID
			r.UpdatedAt = now
			return nil
		})
		if errors.Is(err, errUnchanged) {
			bound, err = c.store.Get(ctx, key)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to bind license: %w", err)
		}

		bound = rec
		c.logInfo(ctx, "bind", "license bound to device", key, slog.String("device_id", deviceID))
		c.publish(ctx, EventBound, rec, "")
		return nil
	})
	return bound, err
}

// Rebind replaces the bound device. An empty deviceID clears the binding so
// the next check-in claims it. Callers are responsible for authorization.
func (c *Controller) Rebind(ctx context.Context, key, deviceID string) (LicenseRecord, error) {
	var rebound LicenseRecord
	key = NormalizeKey(key)
	deviceID = strings.TrimSpace(deviceID)
	err := traceOperation(ctx, c.metrics, "rebind", key, func(ctx context.Context) error {
		var previous string
		rec, err := c.store.Update(ctx, key, func(r *LicenseRecord) error {
			if r.Status == StatusRevoked {
				return ErrRevoked
			}
			previous = r.BoundDeviceID
			r.BoundDeviceID = deviceID
			r.UpdatedAt = c.clock.Now()
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to rebind license: %w", err)
		}

		rebound = rec
		c.logInfo(ctx, "rebind", "license device replaced", key,
			slog.String("previous_device_id", previous),
			slog.String("device_id", deviceID),
		)
		c.publish(ctx, EventRebound, rec, "")
		return nil
	})
	return rebound, err
}

// Revoke permanently disables a license. Revoking twice is not an error and
// keeps the original revocation time and reason.
func (c *Controller) Revoke(ctx context.Context, key, reason string) (LicenseRecord, error) {
	var revoked LicenseRecord
	key = NormalizeKey(key)
	reason = strings.TrimSpace(reason)
	err := traceOperation(ctx, c.metrics, "revoke", key, func(ctx context.Context) error {
		rec, err := c.store.Update(ctx, key, func(r *LicenseRecord) error {
			if r.Status == StatusRevoked {
				return errUnchanged
			}
			now := c.clock.Now()
			r.Status = StatusRevoked
			r.RevokedAt = &now
			r.RevokeReason = reason
			r.UpdatedAt = now
			return nil
		})
		if errors.Is(err, errUnchanged) {
			revoked, err = c.store.Get(ctx, key)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to revoke license: %w", err)
		}

		revoked = rec
		c.logWarn(ctx, "revoke", "license revoked", key, slog.String("reason", reason))
		c.publish(ctx, EventRevoked, rec, reason)
		return nil
	})
	return revoked, err
}

// ChangeTier moves a license to another subscription level. Expiry and device
// binding are left as they are.
func (c *Controller) ChangeTier(ctx context.Context, key string, level SubscriptionLevel) (LicenseRecord, error) {
	var changed LicenseRecord
	key = NormalizeKey(key)
	level = ParseLevel(string(level))
	err := traceOperation(ctx, c.metrics, "change_tier", key, func(ctx context.Context) error {
		if !c.policy.Allows(level) {
			return fmt.Errorf("%w: %q", ErrInvalidLevel, level)
		}

		var previous SubscriptionLevel
		rec, err := c.store.Update(ctx, key, func(r *LicenseRecord) error {
			if r.Status == StatusRevoked {
				return ErrRevoked
			}
			if r.Level == level {
				return errUnchanged
			}
			previous = r.Level
			r.Level = level
			r.UpdatedAt = c.clock.Now()
			return nil
		})
		if errors.Is(err, errUnchanged) {
			changed, err = c.store.Get(ctx, key)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to change license tier: %w", err)
		}

		changed = rec
		c.logInfo(ctx, "change_tier", "license tier changed", key,
			slog.String("previous_level", string(previous)),
			slog.String("level", string(level)),
		)
		c.publish(ctx, EventTierChanged, rec, string(previous))
		return nil
	})
	return changed, err
}

// Lookup returns the stored record for key.
func (c *Controller) Lookup(ctx context.Context, key string) (LicenseRecord, error) {
	return c.store.Get(ctx, NormalizeKey(key))
}

// Now exposes the controller clock so callers can derive status consistently.
func (c *Controller) Now() time.Time { return c.clock.Now() }

func (c *Controller) publish(ctx context.Context, typ EventType, rec LicenseRecord, reason string) {
	if c.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "license notifier panicked",
				slog.String("event_type", string(typ)),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	evt := NewEvent(typ, rec, c.clock.Now())
	evt.Reason = reason
	c.notifier.Notify(ctx, evt)
}
