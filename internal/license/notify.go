package license

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventIssued      EventType = "license.issued"
	EventRenewed     EventType = "license.renewed"
	EventBound       EventType = "license.bound"
	EventRebound     EventType = "license.rebound"
	EventRevoked     EventType = "license.revoked"
	EventTierChanged EventType = "license.tier_changed"
	EventExpiring    EventType = "license.expiring"
)

// Event describes a change to a license.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	Key        string            `json:"key"`
	UserID     string            `json:"user_id"`
	Level      SubscriptionLevel `json:"level"`
	DeviceID   string            `json:"device_id,omitempty"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Reason     string            `json:"reason,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEvent builds an event for rec stamped at now.
func NewEvent(typ EventType, rec LicenseRecord, now time.Time) Event {
	return Event{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:       typ,
		Key:        rec.Key,
		UserID:     rec.UserID,
		Level:      rec.Level,
		DeviceID:   rec.BoundDeviceID,
		ExpiresAt:  rec.ExpiresAt,
		OccurredAt: now,
	}
}

// Masked returns a copy safe to send outside the process.
func (e Event) Masked() Event {
	e.Key = maskLicenseKey(e.Key)
	return e
}

// Notifier receives lifecycle events. Implementations handed directly to a
// Controller must return promptly; wrap slow sinks in a Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, evt Event)

func (f NotifierFunc) Notify(ctx context.Context, evt Event) { f(ctx, evt) }

// MultiNotifier fans an event out to several sinks in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, evt Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "license event",
		slog.String("event_id", evt.ID),
		slog.String("event_type", string(evt.Type)),
		slog.String("license_key_masked", maskLicenseKey(evt.Key)),
		slog.String("user_id", evt.UserID),
		slog.String("level", string(evt.Level)),
		slog.Time("expires_at", evt.ExpiresAt),
	)
}

type dispatchItem struct {
	ctx context.Context
	evt Event
}

// Dispatcher queues events for a sink and delivers them from a fixed pool of
// workers. Notify never blocks: when the queue is full the event is dropped.
type Dispatcher struct {
	sink    Notifier
	queue   chan dispatchItem
	workers int
	logger  *slog.Logger
	metrics *LicenseMetrics

	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a dispatcher; call Start or Run before events flow.
func NewDispatcher(sink Notifier, queueSize, workers int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sink:    sink,
		queue:   make(chan dispatchItem, queueSize),
		workers: workers,
		logger:  logger.With(slog.String("component", "license_dispatcher")),
		stop:    make(chan struct{}),
	}
}

// SetMetrics attaches dispatch counters.
func (d *Dispatcher) SetMetrics(m *LicenseMetrics) {
	d.metrics = m
}

// Notify enqueues evt. Events are dropped when the dispatcher is stopped or
// its queue is full.
func (d *Dispatcher) Notify(ctx context.Context, evt Event) {
	item := dispatchItem{ctx: context.WithoutCancel(ctx), evt: evt}
	select {
	case <-d.stop:
		d.drop(ctx, evt, "stopped")
		return
	default:
	}
	select {
	case d.queue <- item:
	default:
		d.drop(ctx, evt, "queue_full")
	}
}

func (d *Dispatcher) drop(ctx context.Context, evt Event, why string) {
	d.dropped.Add(1)
	d.metrics.recordNotification(ctx, evt.Type, "dropped")
	d.logger.WarnContext(ctx, "license event dropped",
		slog.String("event_id", evt.ID),
		slog.String("event_type", string(evt.Type)),
		slog.String("reason", why),
	)
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.work()
		}
	})
}

// Run starts the workers and blocks until ctx is done, then stops.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.Start()
	<-ctx.Done()
	d.Stop()
	return nil
}

// Stop signals the workers, lets them drain what is already queued and waits
// for them to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case item := <-d.queue:
			d.deliver(item)
		case <-d.stop:
			for {
				select {
				case item := <-d.queue:
					d.deliver(item)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(item dispatchItem) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.metrics.recordNotification(item.ctx, item.evt.Type, "failed")
			d.logger.ErrorContext(item.ctx, "notification sink panicked",
				slog.String("event_id", item.evt.ID),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if d.sink == nil {
		return
	}
	d.sink.Notify(item.ctx, item.evt)
	d.delivered.Add(1)
	d.metrics.recordNotification(item.ctx, item.evt.Type, "delivered")
}

// QueueDepth is the number of events waiting for a worker.
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }

// Capacity is the queue size.
func (d *Dispatcher) Capacity() int { return cap(d.queue) }

// DispatchStats is a snapshot of dispatcher counters.
type DispatchStats struct {
	Delivered  int64 `json:"delivered"`
	Dropped    int64 `json:"dropped"`
	Failed     int64 `json:"failed"`
	QueueDepth int   `json:"queue_depth"`
	Capacity   int   `json:"capacity"`
}

func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Delivered:  d.delivered.Load(),
		Dropped:    d.dropped.Load(),
		Failed:     d.failed.Load(),
		QueueDepth: d.QueueDepth(),
		Capacity:   d.Capacity(),
	}
}
