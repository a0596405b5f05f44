// ABOUTME: Core message envelope and agent contract for tutor-mesh coordination.
// ABOUTME: Defines AgentMessage, capabilities, statuses, and the Handle interface.

package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies an AgentMessage.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeCoordination MessageType = "coordination"
	TypeHealthCheck  MessageType = "health_check"
)

// BroadcastTarget is the reserved To value that addresses every active agent.
const BroadcastTarget = "all"

// AgentMessage is the envelope routed by the message bus. A message is
// immutable once dispatched; the bus and agents must not mutate it.
//
// Request/response pairs are correlated by the originating request's ID:
// a response produced asynchronously carries that ID in ReplyTo.
type AgentMessage struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      MessageType    `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	ReplyTo   string         `json:"replyTo,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(from, to string, msgType MessageType, payload map[string]any) *AgentMessage {
	return &AgentMessage{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Respond builds a response to req, addressed back to its sender and
// correlated via ReplyTo.
func Respond(req *AgentMessage, from string, payload map[string]any) *AgentMessage {
	resp := NewMessage(from, req.From, TypeResponse, payload)
	resp.SessionID = req.SessionID
	resp.ReplyTo = req.ID
	return resp
}

// Status describes an agent's current availability.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusBusy   Status = "busy"
	StatusError  Status = "error"
)

// Capability describes one operation an agent can perform.
type Capability struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	InputTypes  []string `json:"inputTypes,omitempty"`
	OutputTypes []string `json:"outputTypes,omitempty"`
}

// State is a point-in-time snapshot of an agent's identity and status.
type State struct {
	AgentID   string `json:"agentId"`
	AgentType string `json:"agentType"`
	Status    Status `json:"status"`
}

// NotificationKind names a lifecycle event emitted by an agent handle.
type NotificationKind string

const (
	NotifyStarted           NotificationKind = "started"
	NotifyStopped           NotificationKind = "stopped"
	NotifyStatusChanged     NotificationKind = "status_changed"
	NotifyHealthCheckFailed NotificationKind = "health_check_failed"
)

// Notification is a lifecycle event an agent handle pushes to its subscriber.
// Status carries the agent's status as of the event.
type Notification struct {
	AgentID string
	Kind    NotificationKind
	Status  Status
}

// Handle is the contract the coordination core orchestrates. Implementations
// live in-process (builtins) or proxy out to external workers; either way the
// bus only sees this interface.
//
// ProcessMessage returns the response for request-type messages, or nil for
// fire-and-forget types. It must respect ctx cancellation.
//
// OnNotification registers the single lifecycle subscriber (the bus). The
// handle must call fn outside its own locks, and must emit status changes
// made directly on the handle so the registry never drifts from handle state.
type Handle interface {
	State() State
	Capabilities() []Capability
	ProcessMessage(ctx context.Context, msg *AgentMessage) (*AgentMessage, error)
	OnNotification(fn func(Notification))
	Stop() error
}
