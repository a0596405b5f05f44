// ABOUTME: Built-in assessor agent scoring student answers
// ABOUTME: Deterministic stub scoring; real scoring backends implement the same capability

package builtins

import (
	"context"
	"fmt"

	"github.com/2389/tutor-mesh/internal/agent"
)

// NewAssessor creates an assessor agent that evaluates student answers and
// suggests a difficulty adjustment.
func NewAssessor(id string) *Base {
	caps := []agent.Capability{
		{
			Name:        "assess_answer",
			Description: "Evaluate a student answer and suggest difficulty changes",
			InputTypes:  []string{"answer"},
			OutputTypes: []string{"assessment"},
		},
	}

	process := func(_ context.Context, msg *agent.AgentMessage) (map[string]any, error) {
		answer, _ := msg.Payload["answer"].(string)
		if answer == "" {
			return nil, fmt.Errorf("answer is required")
		}

		// Stub heuristic: longer answers demonstrate more working.
		correct := len(answer) >= 20
		delta := -1
		if correct {
			delta = 1
		}
		return map[string]any{
			"correct":         correct,
			"difficultyDelta": delta,
		}, nil
	}

	return NewBase(id, "assessor", caps, process)
}
