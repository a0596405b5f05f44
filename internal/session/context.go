// ABOUTME: Shared per-session context data types for tutor-mesh
// ABOUTME: Defines SharedContext, conversation messages, and per-agent sub-state

package session

import (
	"time"

	"github.com/2389/tutor-mesh/internal/agent"
)

// Message is one entry of a session's conversation history.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	AgentID   string    `json:"agentId,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentState is the per-agent sub-state nested inside a SharedContext, one
// per agent that has touched the session.
type AgentState struct {
	AgentID      string             `json:"agentId"`
	AgentType    string             `json:"agentType"`
	LastAction   string             `json:"lastAction,omitempty"`
	Context      map[string]any     `json:"context,omitempty"`
	Capabilities []agent.Capability `json:"capabilities,omitempty"`
	Status       agent.Status       `json:"status,omitempty"`
	LastUpdated  time.Time          `json:"lastUpdated"`
}

// SharedContext is the mutable per-session state shared by all agents
// participating in that session. It is owned by the Manager, which
// exclusively controls mutation, serialization, and eviction.
type SharedContext struct {
	SessionID           string                 `json:"sessionId"`
	UserID              string                 `json:"userId"`
	CurrentTopic        string                 `json:"currentTopic,omitempty"`
	ConversationHistory []Message              `json:"conversationHistory"`
	StudentProgress     map[string]any         `json:"studentProgress,omitempty"`
	AgentStates         map[string]*AgentState `json:"agentStates"`
	LearningObjectives  []string               `json:"learningObjectives,omitempty"`
	CurrentDifficulty   int                    `json:"currentDifficulty"`
	LastActivity        time.Time              `json:"lastActivity"`
	Metadata            map[string]any         `json:"metadata,omitempty"`
}

// Clone returns a deep copy. The Manager hands clones to callers so reads
// never alias the instance its update path mutates.
func (sc *SharedContext) Clone() *SharedContext {
	cp := *sc
	cp.ConversationHistory = append([]Message(nil), sc.ConversationHistory...)
	cp.LearningObjectives = append([]string(nil), sc.LearningObjectives...)
	cp.StudentProgress = cloneValues(sc.StudentProgress)
	cp.Metadata = cloneValues(sc.Metadata)
	cp.AgentStates = make(map[string]*AgentState, len(sc.AgentStates))
	for id, st := range sc.AgentStates {
		s := *st
		s.Context = cloneValues(st.Context)
		s.Capabilities = append([]agent.Capability(nil), st.Capabilities...)
		cp.AgentStates[id] = &s
	}
	return &cp
}

func cloneValues(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Difficulty bounds. CurrentDifficulty is always clamped into this range.
const (
	MinDifficulty = 1
	MaxDifficulty = 10
)

// clampDifficulty forces d into [MinDifficulty, MaxDifficulty].
func clampDifficulty(d int) int {
	if d < MinDifficulty {
		return MinDifficulty
	}
	if d > MaxDifficulty {
		return MaxDifficulty
	}
	return d
}
