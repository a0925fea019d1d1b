package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"licensesvc/internal/infrastructure"
	"licensesvc/internal/license"
	"licensesvc/pkg/contracts"
	"licensesvc/pkg/contracts/events"
)

const defaultBroadcastBuffer = 64

// ErrHubRunning is returned when Run is called twice.
var ErrHubRunning = errors.New("websocket hub already running")

// Hub maintains the set of active clients and broadcasts license events to
// them. It implements license.Notifier; keys are masked before they leave
// the process.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *HubMetrics

	running atomic.Bool
	done    chan struct{}

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	dropped          atomic.Int64
}

type outbound struct {
	messageType events.MessageType
	payload     []byte
}

var _ license.Notifier = (*Hub)(nil)

// NewHub creates a hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *HubMetrics) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, defaultBroadcastBuffer),
		logger:     infrastructure.ComponentLogger(logger, "websocket.hub"),
		metrics:    metrics,
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop. It returns when ctx is done, after closing
// every client.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrHubRunning
	}
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down", slog.Int("clients", h.ClientCount()))
			return nil

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client, "closed")

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// Notify broadcasts a license event. It never blocks; events are dropped
// when the hub is saturated or stopped.
func (h *Hub) Notify(ctx context.Context, evt license.Event) {
	masked := evt.Masked()
	msg := events.WebSocketMessage{
		BaseMessage: events.BaseMessage{
			ID:        masked.ID,
			Type:      events.MessageTypeLicenseEvent,
			Timestamp: masked.OccurredAt,
			TraceID:   infrastructure.GetTraceID(ctx),
		},
		Data: events.LicenseEvent{
			EventID:    masked.ID,
			EventType:  string(masked.Type),
			Key:        masked.Key,
			UserID:     masked.UserID,
			Level:      masked.Level.String(),
			DeviceID:   masked.DeviceID,
			ExpiresAt:  masked.ExpiresAt,
			Reason:     masked.Reason,
			OccurredAt: masked.OccurredAt,
		},
	}
	h.Broadcast(ctx, msg)
}

// Broadcast queues msg for every connected client.
func (h *Hub) Broadcast(ctx context.Context, msg events.WebSocketMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to marshal websocket message",
			slog.String("message_type", string(msg.Type)),
			slog.String("error", err.Error()))
		return
	}

	select {
	case <-h.done:
		h.drop(ctx, "stopped")
		return
	default:
	}
	select {
	case h.broadcast <- outbound{messageType: msg.Type, payload: payload}:
	default:
		h.drop(ctx, "hub_saturated")
	}
}

// Register adds a client. It returns false if the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubStats is a snapshot of hub counters.
type HubStats struct {
	ActiveClients    int   `json:"active_clients"`
	TotalConnections int64 `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	Dropped          int64 `json:"dropped"`
}

func (h *Hub) Stats() HubStats {
	return HubStats{
		ActiveClients:    h.ClientCount(),
		TotalConnections: h.totalConnections.Load(),
		MessagesSent:     h.messagesSent.Load(),
		Dropped:          h.dropped.Load(),
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.totalConnections.Add(1)

	ctx := client.context()
	h.metrics.recordConnection(ctx)
	h.logger.InfoContext(ctx, "client registered",
		slog.Int("total_clients", count),
		slog.String("client_id", client.id),
		slog.String("remote_addr", client.remoteAddr))

	hello, err := json.Marshal(events.WebSocketMessage{
		BaseMessage: events.BaseMessage{
			Type:      events.MessageTypeConnect,
			Timestamp: time.Now().UTC(),
			TraceID:   client.traceID,
		},
		Data: events.ConnectData{ClientID: client.id, APIVersion: contracts.APIVersion},
	})
	if err != nil {
		return
	}
	select {
	case client.send <- hello:
	default:
		h.logger.WarnContext(ctx, "client buffer full before connect message",
			slog.String("client_id", client.id))
	}
}

// removeClient must only be called from Run.
func (h *Hub) removeClient(client *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	count := len(h.clients)
	h.mu.Unlock()

	ctx := client.context()
	duration := time.Since(client.connectedAt)
	h.metrics.recordDisconnection(ctx, duration, reason)
	h.logger.InfoContext(ctx, "client unregistered",
		slog.Int("total_clients", count),
		slog.String("client_id", client.id),
		slog.String("reason", reason),
		slog.Duration("connection_duration", duration))
}

func (h *Hub) fanOut(msg outbound) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	ctx := context.Background()
	for _, client := range clients {
		select {
		case client.send <- msg.payload:
			h.messagesSent.Add(1)
			h.metrics.recordSent(ctx, string(msg.messageType), len(msg.payload))
		default:
			h.drop(ctx, "slow_client")
			h.logger.Warn("client send buffer full, disconnecting",
				slog.String("client_id", client.id))
			h.removeClient(client, "slow_client")
		}
	}
}

func (h *Hub) drop(ctx context.Context, reason string) {
	h.dropped.Add(1)
	h.metrics.recordDropped(ctx, reason)
	h.logger.DebugContext(ctx, "websocket message dropped", slog.String("reason", reason))
}

func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
