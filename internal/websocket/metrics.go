package websocket

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HubMetrics records websocket activity through OpenTelemetry. A nil
// *HubMetrics records nothing.
type HubMetrics struct {
	connectionsTotal   metric.Int64Counter
	connectionsActive  metric.Int64UpDownCounter
	connectionDuration metric.Float64Histogram
	messagesSent       metric.Int64Counter
	messageBytes       metric.Int64Counter
	droppedMessages    metric.Int64Counter
}

// NewHubMetrics creates the websocket instruments on meter.
func NewHubMetrics(meter metric.Meter) (*HubMetrics, error) {
	m := &HubMetrics{}
	var err error

	if m.connectionsTotal, err = meter.Int64Counter(
		"websocket_connections_total",
		metric.WithDescription("Total number of WebSocket connections"),
	); err != nil {
		return nil, err
	}

	if m.connectionsActive, err = meter.Int64UpDownCounter(
		"websocket_connections_active",
		metric.WithDescription("Number of active WebSocket connections"),
	); err != nil {
		return nil, err
	}

	if m.connectionDuration, err = meter.Float64Histogram(
		"websocket_connection_duration_seconds",
		metric.WithDescription("Duration of WebSocket connections"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.messagesSent, err = meter.Int64Counter(
		"websocket_messages_sent_total",
		metric.WithDescription("Messages queued to WebSocket clients"),
	); err != nil {
		return nil, err
	}

	if m.messageBytes, err = meter.Int64Counter(
		"websocket_message_bytes_total",
		metric.WithDescription("Bytes queued to WebSocket clients"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.droppedMessages, err = meter.Int64Counter(
		"websocket_dropped_messages_total",
		metric.WithDescription("Messages dropped because the hub or a client was saturated"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *HubMetrics) recordConnection(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsActive.Add(ctx, 1)
}

func (m *HubMetrics) recordDisconnection(ctx context.Context, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	m.connectionsActive.Add(ctx, -1)
	m.connectionDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *HubMetrics) recordSent(ctx context.Context, messageType string, size int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("message_type", messageType))
	m.messagesSent.Add(ctx, 1, attrs)
	m.messageBytes.Add(ctx, int64(size), attrs)
}

func (m *HubMetrics) recordDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.droppedMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
