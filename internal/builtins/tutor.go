// ABOUTME: Built-in tutor agent producing explanation responses
// ABOUTME: Placeholder semantics; the real tutoring backend plugs in via the same Handle contract

package builtins

import (
	"context"
	"fmt"

	"github.com/2389/tutor-mesh/internal/agent"
)

// NewTutor creates a tutor agent that answers explanation requests. The
// response content is a deterministic stub; production deployments register
// an LLM-backed Handle with the same capability surface.
func NewTutor(id string) *Base {
	caps := []agent.Capability{
		{
			Name:        "explain_concept",
			Description: "Explain a topic at the session's current difficulty",
			InputTypes:  []string{"question"},
			OutputTypes: []string{"explanation"},
		},
		{
			Name:        "answer_question",
			Description: "Answer a student question in context",
			InputTypes:  []string{"question"},
			OutputTypes: []string{"answer"},
		},
	}

	process := func(_ context.Context, msg *agent.AgentMessage) (map[string]any, error) {
		question, _ := msg.Payload["question"].(string)
		if question == "" {
			return nil, fmt.Errorf("question is required")
		}
		topic, _ := msg.Payload["topic"].(string)
		return map[string]any{
			"answer": fmt.Sprintf("Let's work through %q step by step.", question),
			"topic":  topic,
		}, nil
	}

	return NewBase(id, "tutor", caps, process)
}
