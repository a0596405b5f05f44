// ABOUTME: Coordinator is the primary client of the coordination core
// ABOUTME: Records student messages, requests agents via the bus, substitutes fallbacks on failure

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tutor-mesh/internal/agent"
	"github.com/2389/tutor-mesh/internal/breaker"
	"github.com/2389/tutor-mesh/internal/bus"
	"github.com/2389/tutor-mesh/internal/session"
)

// coordinatorID is the From value on messages the coordinator composes.
const coordinatorID = "coordinator"

// fallbackContent is the degraded reply substituted when no agent response
// is available. Failure containment: the raw error never reaches the student.
const fallbackContent = "I'm having trouble reaching a tutor right now. Let's try that again in a moment."

// MessageSender is what the coordinator needs from the bus.
type MessageSender interface {
	Request(ctx context.Context, msg *agent.AgentMessage) (*agent.AgentMessage, error)
	SendToType(ctx context.Context, agentType string, msg *agent.AgentMessage) ([]*agent.AgentMessage, error)
}

// ContextManager is what the coordinator needs from the session layer.
type ContextManager interface {
	Get(ctx context.Context, sessionID string) (*session.SharedContext, error)
	Initialize(ctx context.Context, sessionID, userID string, initialProgress map[string]any) (*session.SharedContext, error)
	AddMessage(ctx context.Context, sessionID string, msg session.Message) error
	UpdateAgentState(ctx context.Context, sessionID string, state session.AgentState) error
}

// Coordinator composes agent requests, funnels results into the session
// context, and degrades gracefully when the core reports failures.
type Coordinator struct {
	sender   MessageSender
	sessions ContextManager
	logger   *slog.Logger
}

// New creates a Coordinator.
func New(sender MessageSender, sessions ContextManager, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sender:   sender,
		sessions: sessions,
		logger:   logger.With("component", "coordinator"),
	}
}

// Request is one student interaction routed to a specific agent.
type Request struct {
	SessionID string
	UserID    string
	AgentID   string
	Content   string
	Payload   map[string]any
}

// Reply is the outcome of a Request. Degraded is set when the reply is a
// fallback rather than a real agent response.
type Reply struct {
	AgentID  string
	Payload  map[string]any
	Degraded bool
}

// Handle records the student message, requests the target agent through the
// bus, records the outcome, and returns the reply. When the core reports
// timeout, open breaker, or a missing agent, a degraded fallback reply is
// returned instead of the error.
func (c *Coordinator) Handle(ctx context.Context, req Request) (*Reply, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}

	if err := c.ensureSession(ctx, req.SessionID, req.UserID); err != nil {
		return nil, err
	}

	// Record first, then act: the student message is in the history even if
	// the agent fails.
	if err := c.sessions.AddMessage(ctx, req.SessionID, session.Message{
		ID:        uuid.New().String(),
		Sender:    req.UserID,
		Content:   req.Content,
		Timestamp: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("recording student message: %w", err)
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if req.Content != "" {
		payload["question"] = req.Content
	}

	msg := agent.NewMessage(coordinatorID, req.AgentID, agent.TypeRequest, payload)
	msg.SessionID = req.SessionID

	resp, err := c.sender.Request(ctx, msg)
	if err != nil {
		if isDegradable(err) {
			c.logger.Warn("substituting fallback reply",
				"session_id", req.SessionID,
				"agent_id", req.AgentID,
				"error", err)
			return &Reply{
				AgentID:  req.AgentID,
				Payload:  map[string]any{"answer": fallbackContent},
				Degraded: true,
			}, nil
		}
		return nil, err
	}

	c.recordAgentReply(ctx, req.SessionID, resp)

	return &Reply{AgentID: resp.From, Payload: resp.Payload}, nil
}

// AskType fans a request out to every active agent of a type and returns
// whichever replies succeeded. An empty result degrades to a fallback.
func (c *Coordinator) AskType(ctx context.Context, sessionID, userID, agentType, content string) ([]*Reply, error) {
	if err := c.ensureSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	msg := agent.NewMessage(coordinatorID, "", agent.TypeRequest, map[string]any{"question": content})
	msg.SessionID = sessionID

	responses, err := c.sender.SendToType(ctx, agentType, msg)
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return []*Reply{{
			Payload:  map[string]any{"answer": fallbackContent},
			Degraded: true,
		}}, nil
	}

	replies := make([]*Reply, 0, len(responses))
	for _, resp := range responses {
		c.recordAgentReply(ctx, sessionID, resp)
		replies = append(replies, &Reply{AgentID: resp.From, Payload: resp.Payload})
	}
	return replies, nil
}

// ensureSession initializes the session context on first contact.
func (c *Coordinator) ensureSession(ctx context.Context, sessionID, userID string) error {
	_, err := c.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrContextNotFound) {
		_, err = c.sessions.Initialize(ctx, sessionID, userID, nil)
	}
	return err
}

// recordAgentReply appends the agent's answer to the history and stamps the
// agent's sub-state. Persistence failures here are already logged downstream.
func (c *Coordinator) recordAgentReply(ctx context.Context, sessionID string, resp *agent.AgentMessage) {
	content, _ := resp.Payload["answer"].(string)
	if err := c.sessions.AddMessage(ctx, sessionID, session.Message{
		ID:        uuid.New().String(),
		Sender:    resp.From,
		AgentID:   resp.From,
		Content:   content,
		Timestamp: time.Now(),
	}); err != nil {
		c.logger.Warn("recording agent reply failed", "session_id", sessionID, "error", err)
	}

	if err := c.sessions.UpdateAgentState(ctx, sessionID, session.AgentState{
		AgentID:    resp.From,
		LastAction: "responded",
	}); err != nil {
		c.logger.Warn("recording agent state failed", "session_id", sessionID, "error", err)
	}
}

// isDegradable reports whether err should be hidden behind a fallback reply.
func isDegradable(err error) bool {
	return errors.Is(err, bus.ErrMessageTimeout) ||
		errors.Is(err, bus.ErrAgentNotFound) ||
		errors.Is(err, bus.ErrQueueFull) ||
		errors.Is(err, breaker.ErrCircuitOpen)
}
