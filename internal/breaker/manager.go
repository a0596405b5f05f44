// ABOUTME: Collection of per-agent breakers with lazy creation
// ABOUTME: Exposes administrative reset/force-open and state snapshots for ops

package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// Manager holds one breaker per agent, created lazily on first dispatch.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker

	threshold int
	coolDown  time.Duration
	logger    *slog.Logger
}

// NewManager creates an empty breaker collection.
func NewManager(threshold int, coolDown time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		coolDown:  coolDown,
		logger:    logger,
	}
}

// Get returns the breaker for agentID, creating it if needed.
func (m *Manager) Get(agentID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[agentID]
	if !ok {
		b = New(agentID, m.threshold, m.coolDown, m.logger)
		m.breakers[agentID] = b
	}
	return b
}

// Remove drops the breaker for an unregistered agent.
func (m *Manager) Remove(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, agentID)
}

// ForceOpen administratively opens the breaker for agentID.
func (m *Manager) ForceOpen(agentID string) {
	m.Get(agentID).ForceOpen()
}

// Reset administratively closes the breaker for agentID.
func (m *Manager) Reset(agentID string) {
	m.Get(agentID).Reset()
}

// States returns a snapshot of every tracked breaker, keyed by agent ID.
func (m *Manager) States() map[string]Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Info, len(m.breakers))
	for id, b := range m.breakers {
		out[id] = b.Snapshot()
	}
	return out
}
