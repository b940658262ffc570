// Package events provides real-time event delivery: an in-process Hub
// with per-agent and wildcard subscriptions, and the WebSocket session
// layer that fans Hub traffic out to dashboards.
//
// ════════════════════════════════════════════════════════════════
// Delivery model
// ════════════════════════════════════════════════════════════════
//
// Publishers never block. Every subscription has a bounded buffer; a
// full buffer skips delivery for that subscriber. A subscriber whose
// buffer stays full past laggingGrace is marked lagging, and one that
// stays lagging past laggingDropAfter is dropped with a final "error"
// event (delivered only if its buffer has room by then).
//
// Ordering is per agent: every event published for an agent carries a
// timestamp strictly greater than the previous one, bumped by the Hub
// when a publisher's clock stalls or ticks backwards. There is no
// cross-agent ordering guarantee.
//
// ════════════════════════════════════════════════════════════════
package events

import (
	"errors"
	"time"
)

// ErrSubscriberLagging is carried by the final error event pushed to a
// subscriber dropped for lagging.
var ErrSubscriberLagging = errors.New("subscriber lagging; subscription dropped")

// Broadcast event types — the "type" field of every server → client frame.
const (
	EventTypeHeartbeat    = "heartbeat"
	EventTypeDecision     = "decision"
	EventTypeStatusChange = "status"
	EventTypeDeath        = "death"
	EventTypeError        = "error"
)

// Event is the fan-out record shared by the Hub and the WebSocket
// protocol. Data holds the type-specific payload (see payloads.go).
type Event struct {
	Type         string    `json:"type"`
	AgentAddress string    `json:"agentAddress,omitempty"`
	Data         any       `json:"data,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action       string `json:"action"`                 // "subscribe", "unsubscribe", "ping"
	AgentAddress string `json:"agentAddress,omitempty"` // required for subscribe/unsubscribe
}
