package license

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"licensesvc/internal/clock"
	"licensesvc/internal/infrastructure"
)

// ExpiryWatcher periodically looks for licenses that will expire within a
// warning window and emits one EventExpiring per license and expiry date.
// Expiration itself is evaluated lazily by the Engine; the watcher only warns.
type ExpiryWatcher struct {
	store    Store
	notifier Notifier
	clock    clock.Clock
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
	metrics  *LicenseMetrics

	mu     sync.Mutex
	warned map[string]time.Time
}

// ExpiryWatcherConfig configures an ExpiryWatcher.
type ExpiryWatcherConfig struct {
	Window   time.Duration
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *LicenseMetrics
}

func NewExpiryWatcher(store Store, notifier Notifier, cfg ExpiryWatcherConfig) *ExpiryWatcher {
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ExpiryWatcher{
		store:    store,
		notifier: notifier,
		clock:    cfg.Clock,
		window:   cfg.Window,
		interval: cfg.Interval,
		logger:   infrastructure.ComponentLogger(cfg.Logger, "license_expiry"),
		metrics:  cfg.Metrics,
		warned:   make(map[string]time.Time),
	}
}

// Scan runs a single pass and returns how many warnings were emitted.
func (w *ExpiryWatcher) Scan(ctx context.Context) (int, error) {
	emitted := 0
	err := traceOperation(ctx, w.metrics, "expiry_scan", "", func(ctx context.Context) error {
		now := w.clock.Now()
		recs, err := w.store.ExpiringBetween(ctx, now, now.Add(w.window))
		if err != nil {
			return err
		}

		w.mu.Lock()
		defer w.mu.Unlock()

		for key, expiresAt := range w.warned {
			if !expiresAt.After(now) {
				delete(w.warned, key)
			}
		}

		for _, rec := range recs {
			if prev, ok := w.warned[rec.Key]; ok && prev.Equal(rec.ExpiresAt) {
				continue
			}
			w.warned[rec.Key] = rec.ExpiresAt

			evt := NewEvent(EventExpiring, rec, now)
			evt.Reason = rec.Remaining(now).Round(time.Minute).String()
			if w.notifier != nil {
				w.notifier.Notify(ctx, evt)
			}
			w.metrics.recordExpiryWarning(ctx, rec.Level)
			emitted++
		}
		return nil
	})
	return emitted, err
}

// Run scans until ctx is cancelled. Scan failures are logged and retried on
// the next tick.
func (w *ExpiryWatcher) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "expiry watcher started",
		slog.Duration("window", w.window),
		slog.Duration("interval", w.interval),
	)
	for {
		// Each pass is its own trace.
		n, err := w.Scan(infrastructure.WithTraceID(ctx, infrastructure.NewTraceID()))
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.WarnContext(ctx, "expiry scan failed", slog.String("error", err.Error()))
		case n > 0:
			w.logger.InfoContext(ctx, "expiry warnings emitted", slog.Int("count", n))
		}

		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "expiry watcher stopped")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-w.clock.After(w.interval):
		}
	}
}
