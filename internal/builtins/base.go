// ABOUTME: Base in-process agent implementing the Handle contract
// ABOUTME: Handles health checks and status bookkeeping so concrete agents only process requests

package builtins

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389/tutor-mesh/internal/agent"
)

// ProcessFunc handles one request-type message and returns the response payload.
type ProcessFunc func(ctx context.Context, msg *agent.AgentMessage) (map[string]any, error)

// Base is a reusable in-process agent. It answers health checks, tracks
// status, and delegates request processing to a ProcessFunc. Concrete
// builtins (tutor, assessor) are thin wrappers over it.
type Base struct {
	id           string
	agentType    string
	capabilities []agent.Capability
	process      ProcessFunc

	mu      sync.RWMutex
	status  agent.Status
	stopped bool
	notify  func(agent.Notification)
}

// NewBase creates an active Base agent.
func NewBase(id, agentType string, capabilities []agent.Capability, process ProcessFunc) *Base {
	return &Base{
		id:           id,
		agentType:    agentType,
		capabilities: capabilities,
		process:      process,
		status:       agent.StatusActive,
	}
}

// State returns the agent's identity and current status.
func (b *Base) State() agent.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return agent.State{AgentID: b.id, AgentType: b.agentType, Status: b.status}
}

// Capabilities returns the agent's advertised capabilities.
func (b *Base) Capabilities() []agent.Capability {
	return b.capabilities
}

// OnNotification registers the lifecycle subscriber and emits an initial
// started event so the subscriber sees the agent's current status.
func (b *Base) OnNotification(fn func(agent.Notification)) {
	b.mu.Lock()
	b.notify = fn
	stopped := b.stopped
	status := b.status
	b.mu.Unlock()

	if fn != nil && !stopped {
		fn(agent.Notification{AgentID: b.id, Kind: agent.NotifyStarted, Status: status})
	}
}

// SetStatus updates the agent's availability and notifies the subscriber.
func (b *Base) SetStatus(status agent.Status) {
	b.mu.Lock()
	changed := b.status != status
	b.status = status
	fn := b.notify
	b.mu.Unlock()

	if changed && fn != nil {
		fn(agent.Notification{AgentID: b.id, Kind: agent.NotifyStatusChanged, Status: status})
	}
}

// ProcessMessage answers health checks directly and routes request-type
// messages to the ProcessFunc. Other message types are accepted silently.
func (b *Base) ProcessMessage(ctx context.Context, msg *agent.AgentMessage) (*agent.AgentMessage, error) {
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return nil, fmt.Errorf("agent %s is stopped", b.id)
	}

	switch msg.Type {
	case agent.TypeHealthCheck:
		return agent.Respond(msg, b.id, map[string]any{"status": "ok"}), nil

	case agent.TypeRequest:
		if b.process == nil {
			return nil, fmt.Errorf("agent %s has no request handler", b.id)
		}
		payload, err := b.process(ctx, msg)
		if err != nil {
			return nil, err
		}
		return agent.Respond(msg, b.id, payload), nil

	default:
		// Notifications and coordination messages are absorbed.
		return nil, nil
	}
}

// Stop marks the agent stopped and notifies the subscriber. Idempotent.
func (b *Base) Stop() error {
	b.mu.Lock()
	already := b.stopped
	b.stopped = true
	b.status = agent.StatusIdle
	fn := b.notify
	b.mu.Unlock()

	if !already && fn != nil {
		fn(agent.Notification{AgentID: b.id, Kind: agent.NotifyStopped, Status: agent.StatusIdle})
	}
	return nil
}
