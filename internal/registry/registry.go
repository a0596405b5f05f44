// ABOUTME: Capability-indexed bookkeeping of registered agents and their liveness
// ABOUTME: Maintains type/capability indices, discovery queries, and statistics

package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/tutor-mesh/internal/agent"
	"github.com/2389/tutor-mesh/internal/events"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// Registration is the registry's snapshot of one agent. It is owned
// exclusively by the Registry; callers receive copies.
type Registration struct {
	AgentID      string
	AgentType    string
	Capabilities []agent.Capability
	Status       agent.Status
	RegisteredAt time.Time
	LastSeen     time.Time
	Metadata     map[string]string
}

// Query filters for DiscoverAgents. All supplied filters must match.
type Query struct {
	AgentType  string
	Capability string
	Status     agent.Status
	Metadata   map[string]string
}

// Statistics summarizes the registry for the ops surface.
type Statistics struct {
	Total        int            `json:"total"`
	Active       int            `json:"active"`
	ByType       map[string]int `json:"byType"`
	Capabilities int            `json:"capabilities"`
}

// Registry tracks registered agents, kept consistent with two secondary
// indices (capability name -> agent ids, agent type -> agent ids). An index
// key never points at an empty set.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]*Registration
	byCapability map[string]map[string]struct{}
	byType       map[string]map[string]struct{}

	events *events.Broadcaster
	logger *slog.Logger

	sweepInterval   time.Duration
	livenessTimeout time.Duration
	stopCh          chan struct{}
	doneCh          chan struct{}
	stopOnce        sync.Once
	started         bool
}

// New creates a registry. The liveness sweep does not run until Start is
// called. Pass nil broadcaster to disable notifications.
func New(sweepInterval, livenessTimeout time.Duration, broadcaster *events.Broadcaster, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:          make(map[string]*Registration),
		byCapability:    make(map[string]map[string]struct{}),
		byType:          make(map[string]map[string]struct{}),
		events:          broadcaster,
		logger:          logger.With("component", "registry"),
		sweepInterval:   sweepInterval,
		livenessTimeout: livenessTimeout,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Register snapshots the handle's current state and capabilities into a
// Registration. Returns ErrAgentAlreadyRegistered on ID conflict.
func (r *Registry) Register(h agent.Handle, metadata map[string]string) error {
	state := h.State()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[state.AgentID]; exists {
		return ErrAgentAlreadyRegistered
	}

	now := time.Now()
	reg := &Registration{
		AgentID:      state.AgentID,
		AgentType:    state.AgentType,
		Capabilities: h.Capabilities(),
		Status:       state.Status,
		RegisteredAt: now,
		LastSeen:     now,
		Metadata:     metadata,
	}
	r.agents[state.AgentID] = reg

	for _, cap := range reg.Capabilities {
		if r.byCapability[cap.Name] == nil {
			r.byCapability[cap.Name] = make(map[string]struct{})
		}
		r.byCapability[cap.Name][state.AgentID] = struct{}{}
	}
	if r.byType[state.AgentType] == nil {
		r.byType[state.AgentType] = make(map[string]struct{})
	}
	r.byType[state.AgentType][state.AgentID] = struct{}{}

	r.logger.Info("agent registered",
		"agent_id", state.AgentID,
		"agent_type", state.AgentType,
		"capabilities", len(reg.Capabilities),
		"total_agents", len(r.agents))

	r.publish(events.TypeAgentRegistered, state.AgentID, "")
	return nil
}

// Unregister removes an agent and scrubs every index entry. Removing an
// unknown agent is a no-op.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	removed := r.unregisterLocked(agentID)
	r.mu.Unlock()

	if removed {
		r.publish(events.TypeAgentUnregistered, agentID, "")
	}
}

// unregisterLocked removes the registration and its index entries.
// Must be called with mu held.
func (r *Registry) unregisterLocked(agentID string) bool {
	reg, exists := r.agents[agentID]
	if !exists {
		return false
	}
	delete(r.agents, agentID)

	for _, cap := range reg.Capabilities {
		if set := r.byCapability[cap.Name]; set != nil {
			delete(set, agentID)
			if len(set) == 0 {
				delete(r.byCapability, cap.Name)
			}
		}
	}
	if set := r.byType[reg.AgentType]; set != nil {
		delete(set, agentID)
		if len(set) == 0 {
			delete(r.byType, reg.AgentType)
		}
	}

	r.logger.Info("agent unregistered",
		"agent_id", agentID,
		"total_agents", len(r.agents))
	return true
}

// Get returns a copy of the registration for agentID.
func (r *Registry) Get(agentID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.agents[agentID]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// DiscoverAgents returns registrations matching every supplied filter,
// sorted by registration time descending.
func (r *Registry) DiscoverAgents(q Query) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Registration
	for _, reg := range r.agents {
		if q.AgentType != "" && reg.AgentType != q.AgentType {
			continue
		}
		if q.Status != "" && reg.Status != q.Status {
			continue
		}
		if q.Capability != "" && !hasCapability(reg, q.Capability) {
			continue
		}
		if !metadataMatches(reg, q.Metadata) {
			continue
		}
		out = append(out, *reg)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	return out
}

func hasCapability(reg *Registration, name string) bool {
	for _, cap := range reg.Capabilities {
		if cap.Name == name {
			return true
		}
	}
	return false
}

func metadataMatches(reg *Registration, want map[string]string) bool {
	for k, v := range want {
		if reg.Metadata[k] != v {
			return false
		}
	}
	return true
}

// FindAgentsByCapability returns the IDs of active agents advertising the
// capability. Indexed agents that are not active are excluded.
func (r *Registry) FindAgentsByCapability(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id := range r.byCapability[capability] {
		if reg := r.agents[id]; reg != nil && reg.Status == agent.StatusActive {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// FindAgentsByType returns the IDs of agents of the given type.
func (r *Registry) FindAgentsByType(agentType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id := range r.byType[agentType] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UpdateStatus mutates an agent's status and emits a status-change event.
func (r *Registry) UpdateStatus(agentID string, status agent.Status) error {
	r.mu.Lock()
	reg, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	reg.Status = status
	reg.LastSeen = time.Now()
	r.mu.Unlock()

	r.publish(events.TypeStatusChanged, agentID, string(status))
	return nil
}

// Touch refreshes an agent's lastSeen timestamp.
func (r *Registry) Touch(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	reg.LastSeen = time.Now()
	return nil
}

// GetStatistics computes counts in a single pass over the registration map.
// Deliberately O(n) rather than incrementally tracked, so it cannot drift.
func (r *Registry) GetStatistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{ByType: make(map[string]int)}
	caps := make(map[string]struct{})
	for _, reg := range r.agents {
		stats.Total++
		if reg.Status == agent.StatusActive {
			stats.Active++
		}
		stats.ByType[reg.AgentType]++
		for _, cap := range reg.Capabilities {
			caps[cap.Name] = struct{}{}
		}
	}
	stats.Capabilities = len(caps)
	return stats
}

// Start launches the periodic liveness sweep. Agents whose lastSeen is older
// than the liveness timeout are force-unregistered: an agent that stops
// heartbeating is assumed gone, not merely slow.
func (r *Registry) Start() {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.sweepStale()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// sweepStale force-unregisters agents with stale lastSeen timestamps.
func (r *Registry) sweepStale() {
	cutoff := time.Now().Add(-r.livenessTimeout)

	r.mu.Lock()
	var evicted []string
	for id, reg := range r.agents {
		if reg.LastSeen.Before(cutoff) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		r.unregisterLocked(id)
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.logger.Warn("agent evicted after liveness timeout",
			"agent_id", id,
			"timeout", r.livenessTimeout)
		r.publish(events.TypeAgentTimeout, id, "liveness timeout")
	}
}

// Stop halts the liveness sweep. Safe to call multiple times, including
// when Start was never called.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.mu.RLock()
		started := r.started
		r.mu.RUnlock()
		if started {
			<-r.doneCh
		}
	})
}

func (r *Registry) publish(eventType, agentID, detail string) {
	if r.events == nil {
		return
	}
	r.events.Publish(&events.Event{Type: eventType, AgentID: agentID, Detail: detail})
}
