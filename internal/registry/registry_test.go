// ABOUTME: Tests for the agent registry covering indices, discovery, and liveness.
// ABOUTME: Validates index scrubbing, AND-filter queries, statistics, and stale eviction.

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tutor-mesh/internal/agent"
	"github.com/2389/tutor-mesh/internal/events"
)

// stubHandle is a minimal agent.Handle for registry tests.
type stubHandle struct {
	id        string
	agentType string
	status    agent.Status
	caps      []agent.Capability
}

func (s *stubHandle) State() agent.State {
	return agent.State{AgentID: s.id, AgentType: s.agentType, Status: s.status}
}

func (s *stubHandle) Capabilities() []agent.Capability { return s.caps }

func (s *stubHandle) ProcessMessage(context.Context, *agent.AgentMessage) (*agent.AgentMessage, error) {
	return nil, nil
}

func (s *stubHandle) OnNotification(func(agent.Notification)) {}

func (s *stubHandle) Stop() error { return nil }

func stub(id, agentType string, caps ...string) *stubHandle {
	h := &stubHandle{id: id, agentType: agentType, status: agent.StatusActive}
	for _, c := range caps {
		h.caps = append(h.caps, agent.Capability{Name: c})
	}
	return h
}

func newTestRegistry() *Registry {
	return New(time.Minute, time.Minute, nil, nil)
}

func TestRegister_Duplicate(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	require.NoError(t, r.Register(stub("a1", "tutor", "explain"), nil))
	err := r.Register(stub("a1", "tutor", "explain"), nil)
	assert.ErrorIs(t, err, ErrAgentAlreadyRegistered)
}

func TestUnregister_ScrubsIndices(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	require.NoError(t, r.Register(stub("a1", "tutor", "explain", "assess"), nil))
	require.NoError(t, r.Register(stub("a2", "tutor", "explain"), nil))

	r.Unregister("a1")

	// a1 is gone from discovery.
	for _, reg := range r.DiscoverAgents(Query{AgentType: "tutor"}) {
		assert.NotEqual(t, "a1", reg.AgentID)
	}

	// "assess" had only a1; its index key must be removed entirely.
	r.mu.RLock()
	_, assessExists := r.byCapability["assess"]
	explainSet := r.byCapability["explain"]
	r.mu.RUnlock()
	assert.False(t, assessExists, "index must not keep a key with an empty set")
	assert.Len(t, explainSet, 1)

	// Removing the last tutor removes the type key too.
	r.Unregister("a2")
	r.mu.RLock()
	_, tutorExists := r.byType["tutor"]
	r.mu.RUnlock()
	assert.False(t, tutorExists)
}

func TestDiscoverAgents_Filters(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	require.NoError(t, r.Register(stub("a1", "tutor", "explain"), map[string]string{"region": "eu"}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, r.Register(stub("a2", "tutor", "explain"), map[string]string{"region": "us"}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, r.Register(stub("a3", "assessor", "assess"), nil))

	t.Run("all filters AND together", func(t *testing.T) {
		got := r.DiscoverAgents(Query{
			AgentType:  "tutor",
			Capability: "explain",
			Status:     agent.StatusActive,
			Metadata:   map[string]string{"region": "eu"},
		})
		require.Len(t, got, 1)
		assert.Equal(t, "a1", got[0].AgentID)
	})

	t.Run("sorted by registration time descending", func(t *testing.T) {
		got := r.DiscoverAgents(Query{AgentType: "tutor"})
		require.Len(t, got, 2)
		assert.Equal(t, "a2", got[0].AgentID)
		assert.Equal(t, "a1", got[1].AgentID)
	})

	t.Run("empty query returns everything", func(t *testing.T) {
		assert.Len(t, r.DiscoverAgents(Query{}), 3)
	})
}

func TestFindAgentsByCapability_ExcludesInactive(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	require.NoError(t, r.Register(stub("a1", "tutor", "explain"), nil))
	require.NoError(t, r.Register(stub("a2", "tutor", "explain"), nil))

	require.NoError(t, r.UpdateStatus("a2", agent.StatusBusy))

	got := r.FindAgentsByCapability("explain")
	assert.Equal(t, []string{"a1"}, got, "inactive agents stay indexed but are excluded")

	assert.ElementsMatch(t, []string{"a1", "a2"}, r.FindAgentsByType("tutor"))
}

func TestUpdateStatus_EmitsNotification(t *testing.T) {
	broadcaster := events.NewBroadcaster(nil)
	defer broadcaster.Close()

	r := New(time.Minute, time.Minute, broadcaster, nil)
	defer r.Stop()

	ch, _ := broadcaster.Subscribe(context.Background(), events.TypeStatusChanged)

	require.NoError(t, r.Register(stub("a1", "tutor", "explain"), nil))
	require.NoError(t, r.UpdateStatus("a1", agent.StatusBusy))

	select {
	case ev := <-ch:
		assert.Equal(t, "a1", ev.AgentID)
		assert.Equal(t, string(agent.StatusBusy), ev.Detail)
	case <-time.After(time.Second):
		t.Fatal("no status-change notification received")
	}

	assert.ErrorIs(t, r.UpdateStatus("ghost", agent.StatusIdle), ErrAgentNotFound)
}

func TestGetStatistics(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	require.NoError(t, r.Register(stub("a1", "tutor", "explain", "assess"), nil))
	require.NoError(t, r.Register(stub("a2", "tutor", "explain"), nil))
	require.NoError(t, r.Register(stub("a3", "assessor", "assess"), nil))
	require.NoError(t, r.UpdateStatus("a3", agent.StatusError))

	stats := r.GetStatistics()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, map[string]int{"tutor": 2, "assessor": 1}, stats.ByType)
	assert.Equal(t, 2, stats.Capabilities)
}

func TestLivenessSweep_EvictsStaleAgents(t *testing.T) {
	broadcaster := events.NewBroadcaster(nil)
	defer broadcaster.Close()

	r := New(10*time.Millisecond, 30*time.Millisecond, broadcaster, nil)
	ch, _ := broadcaster.Subscribe(context.Background(), events.TypeAgentTimeout)

	require.NoError(t, r.Register(stub("stale", "tutor", "explain"), nil))
	require.NoError(t, r.Register(stub("fresh", "tutor", "explain"), nil))
	r.Start()
	defer r.Stop()

	// Keep one agent alive past the other's eviction.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		_ = r.Touch("fresh")
		if _, ok := r.Get("stale"); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, staleAlive := r.Get("stale")
	assert.False(t, staleAlive, "silent agent must be force-unregistered")
	_, freshAlive := r.Get("fresh")
	assert.True(t, freshAlive, "heartbeating agent must survive the sweep")

	select {
	case ev := <-ch:
		assert.Equal(t, "stale", ev.AgentID)
	case <-time.After(time.Second):
		t.Fatal("no timeout notification received")
	}
}
