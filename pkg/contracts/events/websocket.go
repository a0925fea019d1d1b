// Package events contains the message contracts for the websocket event
// stream served at /ws.
package events

import (
	"time"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// MessageTypeLicenseEvent carries a lifecycle event for one license.
	MessageTypeLicenseEvent MessageType = "license:event"

	// Connection messages
	MessageTypeConnect MessageType = "connect"
	MessageTypeError   MessageType = "error"
)

// BaseMessage represents the base structure for all WebSocket messages
type BaseMessage struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// WebSocketMessage represents a complete WebSocket message
type WebSocketMessage struct {
	BaseMessage
	Data interface{} `json:"data,omitempty"`
}

// LicenseEvent is the payload of a license:event message. Key is always
// masked.
type LicenseEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Key        string    `json:"key"`
	UserID     string    `json:"user_id"`
	Level      string    `json:"level"`
	DeviceID   string    `json:"device_id,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ConnectData is sent once to every client after the upgrade.
type ConnectData struct {
	ClientID   string `json:"client_id"`
	APIVersion string `json:"api_version"`
}

// ErrorData describes a problem with the stream itself.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
