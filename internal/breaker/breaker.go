// ABOUTME: Per-agent circuit breaker isolating failing agents from the bus
// ABOUTME: Implements the CLOSED/OPEN/HALF_OPEN state machine with manual overrides

package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/tutor-mesh/internal/agent"
)

// ErrCircuitOpen is returned when a call is rejected without invoking the
// agent because its breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the canonical state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker gates calls to a single agent. Closed: calls pass through and
// failures count up. Open: calls fail fast until the cool-down elapses.
// Half-open: exactly one trial call is allowed; success closes the breaker,
// failure re-opens it and restarts the cool-down.
type Breaker struct {
	agentID string
	logger  *slog.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
	lastStateChange     time.Time
	trialInFlight       bool

	threshold int
	coolDown  time.Duration
}

// Info is a read-only snapshot of breaker state for the ops surface.
type Info struct {
	AgentID             string    `json:"agentId"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailureTime     time.Time `json:"lastFailureTime"`
	LastStateChange     time.Time `json:"lastStateChange"`
}

// New creates a closed breaker for the given agent.
func New(agentID string, threshold int, coolDown time.Duration, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		agentID:         agentID,
		logger:          logger.With("component", "breaker", "agent_id", agentID),
		state:           StateClosed,
		lastStateChange: time.Now(),
		threshold:       threshold,
		coolDown:        coolDown,
	}
}

// Execute runs fn through the breaker. When the breaker is open (and the
// cool-down has not elapsed) it returns ErrCircuitOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) (*agent.AgentMessage, error)) (*agent.AgentMessage, error) {
	trial, err := b.allow()
	if err != nil {
		return nil, err
	}

	resp, err := fn(ctx)
	if err != nil {
		b.onFailure(trial)
		return nil, err
	}
	b.onSuccess()
	return resp, nil
}

// allow decides whether a call may proceed. Returns trial=true when the call
// is the single half-open probe.
func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if time.Since(b.lastStateChange) < b.coolDown {
			return false, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return true, nil

	case StateHalfOpen:
		if b.trialInFlight {
			return false, ErrCircuitOpen
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false
	b.consecutiveFailures = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

func (b *Breaker) onFailure(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false
	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	if trial {
		// Failed half-open probe: back to open, cool-down restarts.
		b.transition(StateOpen)
		return
	}
	if b.state == StateClosed && b.consecutiveFailures >= b.threshold {
		b.transition(StateOpen)
	}
}

// transition changes state and stamps the change. Must be called with mu held.
func (b *Breaker) transition(to State) {
	b.logger.Info("breaker state change",
		"from", b.state.String(),
		"to", to.String(),
		"consecutive_failures", b.consecutiveFailures)
	b.state = to
	b.lastStateChange = time.Now()
}

// ForceOpen is the administrative kill switch. The failure counter is reset.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.transition(StateOpen)
}

// Reset administratively closes the breaker and resets the failure counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.transition(StateClosed)
}

// Snapshot returns a read-only view of the breaker state.
func (b *Breaker) Snapshot() Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Info{
		AgentID:             b.agentID,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureTime:     b.lastFailureTime,
		LastStateChange:     b.lastStateChange,
	}
}
