// ABOUTME: Shared session context manager with per-session serialized updates
// ABOUTME: Caches contexts in memory, snapshots them durably with a TTL, evicts on idle

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/tutor-mesh/internal/store"
)

// Manager errors.
var (
	// ErrContextNotFound indicates an update referenced a session with no
	// initialized context. Programmer error, surfaced immediately.
	ErrContextNotFound = errors.New("session context not found")

	// ErrLockTimeout indicates the per-session lock could not be acquired
	// within the configured bound.
	ErrLockTimeout = errors.New("session lock timeout")
)

// UpdateKind names a context mutation type.
type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdateProgress   UpdateKind = "progress"
	UpdateTopic      UpdateKind = "topic"
	UpdateDifficulty UpdateKind = "difficulty"
	UpdateMetadata   UpdateKind = "metadata"
	UpdateAgentState UpdateKind = "agent_state"
)

// Update describes one mutation of a session context. Exactly the fields for
// the given Kind are consulted.
type Update struct {
	SessionID  string
	Kind       UpdateKind
	Message    *Message
	Progress   map[string]any
	Topic      string
	Difficulty int
	Metadata   map[string]any
	AgentState *AgentState

	// Apply, when set, mutates the context after the kind-specific change
	// under the same session lock. Used by tests and advanced callers that
	// need read-modify-write atomicity.
	Apply func(*SharedContext)
}

// Query filters for Search.
type Query struct {
	SessionID string
	UserID    string
	Topic     string
	AgentID   string
	Since     time.Time
	Until     time.Time
}

// Options configures a Manager.
type Options struct {
	// TTL is how long an idle context stays alive in memory and in the
	// durable store.
	TTL time.Duration

	// HistoryCap bounds ConversationHistory length; oldest entries drop first.
	HistoryCap int

	// LockTimeout bounds per-session lock acquisition.
	LockTimeout time.Duration

	// SweepInterval is how often idle contexts are evicted.
	SweepInterval time.Duration

	Logger *slog.Logger
}

// Manager owns all SharedContext instances: an in-memory cache backed by the
// durable KV store under context:<sessionID> keys. Updates to the same
// session are strictly serialized by a per-session lock; updates to
// different sessions never block each other.
type Manager struct {
	mu    sync.Mutex
	cache map[string]*SharedContext
	locks map[string]chan struct{}

	kv   store.KV
	opts Options

	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

// NewManager creates a Manager over the given durable store. The eviction
// sweep does not run until Start is called.
func NewManager(kv store.KV, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = 100
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		cache:  make(map[string]*SharedContext),
		locks:  make(map[string]chan struct{}),
		kv:     kv,
		opts:   opts,
		logger: opts.Logger.With("component", "session"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// contextKey builds the durable-store key for a session.
func contextKey(sessionID string) string {
	return "context:" + sessionID
}

// Initialize creates a fresh context for the session, caches it, and
// persists it durably. Fails only if the durable write fails.
func (m *Manager) Initialize(ctx context.Context, sessionID, userID string, initialProgress map[string]any) (*SharedContext, error) {
	sc := &SharedContext{
		SessionID:           sessionID,
		UserID:              userID,
		ConversationHistory: []Message{},
		StudentProgress:     initialProgress,
		AgentStates:         make(map[string]*AgentState),
		CurrentDifficulty:   MinDifficulty,
		LastActivity:        time.Now(),
		Metadata:            make(map[string]any),
	}

	if err := m.persist(ctx, sc); err != nil {
		return nil, fmt.Errorf("persisting new context: %w", err)
	}

	m.mu.Lock()
	m.cache[sessionID] = sc
	out := sc.Clone()
	m.mu.Unlock()

	m.logger.Info("session context initialized",
		"session_id", sessionID,
		"user_id", userID)
	return out, nil
}

// Get returns a deep copy of the context for sessionID, rehydrating from the
// durable store on a cache miss. Copies never alias the instance the update
// path mutates, so readers and updaters of the same session don't race.
// Returns ErrContextNotFound when neither source has it.
func (m *Manager) Get(ctx context.Context, sessionID string) (*SharedContext, error) {
	sc, err := m.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	out := sc.Clone()
	m.mu.Unlock()
	return out, nil
}

// get returns the live cached context. Callers other than Update must not
// mutate or retain it.
func (m *Manager) get(ctx context.Context, sessionID string) (*SharedContext, error) {
	m.mu.Lock()
	sc, ok := m.cache[sessionID]
	m.mu.Unlock()
	if ok {
		return sc, nil
	}

	raw, err := m.kv.Get(ctx, contextKey(sessionID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading context %q: %w", sessionID, err)
	}

	sc = &SharedContext{}
	if err := json.Unmarshal([]byte(raw), sc); err != nil {
		return nil, fmt.Errorf("decoding context %q: %w", sessionID, err)
	}
	if sc.AgentStates == nil {
		sc.AgentStates = make(map[string]*AgentState)
	}

	m.mu.Lock()
	// Another goroutine may have rehydrated concurrently; keep the first.
	if cached, ok := m.cache[sessionID]; ok {
		sc = cached
	} else {
		m.cache[sessionID] = sc
	}
	m.mu.Unlock()

	m.logger.Debug("session context rehydrated", "session_id", sessionID)
	return sc, nil
}

// Update applies one mutation to a session context. The per-session lock is
// acquired first (bounded by LockTimeout) so concurrent updates to the same
// session serialize; it is released even when the update fails. After the
// mutation, lastActivity is stamped and the context is re-persisted — a
// durable-store failure there is logged, not propagated, because the
// in-memory state remains the source of truth.
func (m *Manager) Update(ctx context.Context, update Update) error {
	lock, err := m.acquireLock(ctx, update.SessionID)
	if err != nil {
		return err
	}
	defer m.releaseLock(lock)

	sc, err := m.get(ctx, update.SessionID)
	if err != nil {
		return err
	}

	// The session lock excludes concurrent updaters; m.mu excludes the
	// clone-on-read path while the fields are mutated.
	m.mu.Lock()
	switch update.Kind {
	case UpdateMessage:
		if update.Message != nil {
			m.appendMessage(sc, *update.Message)
		}
	case UpdateProgress:
		if sc.StudentProgress == nil {
			sc.StudentProgress = make(map[string]any)
		}
		for k, v := range update.Progress {
			sc.StudentProgress[k] = v
		}
	case UpdateTopic:
		sc.CurrentTopic = update.Topic
	case UpdateDifficulty:
		sc.CurrentDifficulty = clampDifficulty(update.Difficulty)
	case UpdateMetadata:
		if sc.Metadata == nil {
			sc.Metadata = make(map[string]any)
		}
		for k, v := range update.Metadata {
			sc.Metadata[k] = v
		}
	case UpdateAgentState:
		if update.AgentState != nil {
			state := *update.AgentState
			state.LastUpdated = time.Now()
			sc.AgentStates[state.AgentID] = &state
		}
	default:
		// Unknown update kinds are ignored, not an error.
		m.mu.Unlock()
		m.logger.Warn("ignoring unknown update kind",
			"session_id", update.SessionID,
			"kind", string(update.Kind))
		return nil
	}

	if update.Apply != nil {
		update.Apply(sc)
	}

	sc.LastActivity = time.Now()
	m.mu.Unlock()

	if err := m.persist(ctx, sc); err != nil {
		m.logger.Warn("context persistence failed",
			"session_id", update.SessionID,
			"error", err)
	}
	return nil
}

// AddMessage appends a conversation message through the standard update path.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	return m.Update(ctx, Update{SessionID: sessionID, Kind: UpdateMessage, Message: &msg})
}

// UpdateAgentState records an agent's sub-state through the standard update path.
func (m *Manager) UpdateAgentState(ctx context.Context, sessionID string, state AgentState) error {
	return m.Update(ctx, Update{SessionID: sessionID, Kind: UpdateAgentState, AgentState: &state})
}

// appendMessage appends to history, dropping oldest entries past the cap.
func (m *Manager) appendMessage(sc *SharedContext, msg Message) {
	sc.ConversationHistory = append(sc.ConversationHistory, msg)
	if over := len(sc.ConversationHistory) - m.opts.HistoryCap; over > 0 {
		sc.ConversationHistory = sc.ConversationHistory[over:]
	}
}

// Search filters in-memory contexts, returning deep copies. When filtering
// by session ID and nothing is cached, it falls back to a durable-store
// lookup.
func (m *Manager) Search(ctx context.Context, q Query) []*SharedContext {
	m.mu.Lock()
	var out []*SharedContext
	for _, sc := range m.cache {
		if matches(sc, q) {
			out = append(out, sc.Clone())
		}
	}
	m.mu.Unlock()

	if len(out) == 0 && q.SessionID != "" {
		if sc, err := m.Get(ctx, q.SessionID); err == nil && matches(sc, q) {
			out = append(out, sc)
		}
	}
	return out
}

func matches(sc *SharedContext, q Query) bool {
	if q.SessionID != "" && sc.SessionID != q.SessionID {
		return false
	}
	if q.UserID != "" && sc.UserID != q.UserID {
		return false
	}
	if q.Topic != "" && sc.CurrentTopic != q.Topic {
		return false
	}
	if q.AgentID != "" {
		if _, ok := sc.AgentStates[q.AgentID]; !ok {
			return false
		}
	}
	if !q.Since.IsZero() && sc.LastActivity.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && sc.LastActivity.After(q.Until) {
		return false
	}
	return true
}

// Remove evicts a session from the cache and the durable store.
func (m *Manager) Remove(ctx context.Context, sessionID string) {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.dropLockLocked(sessionID)
	m.mu.Unlock()

	if err := m.kv.Delete(ctx, contextKey(sessionID)); err != nil {
		m.logger.Warn("context deletion failed", "session_id", sessionID, "error", err)
	}
}

// persist snapshots the context durably under its TTL.
func (m *Manager) persist(ctx context.Context, sc *SharedContext) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encoding context: %w", err)
	}
	return m.kv.Put(ctx, contextKey(sc.SessionID), string(raw), m.opts.TTL)
}

// acquireLock takes the per-session lock, bounded by LockTimeout. The lock
// is a buffered channel rather than the original spin-wait flag, so waiters
// queue instead of busy-polling. It returns the exact channel the token went
// into; the holder must release that channel and no other, so a Remove that
// races with an in-flight update can never hand the session to two holders.
func (m *Manager) acquireLock(ctx context.Context, sessionID string) (chan struct{}, error) {
	timer := time.NewTimer(m.opts.LockTimeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		lock, ok := m.locks[sessionID]
		if !ok {
			lock = make(chan struct{}, 1)
			m.locks[sessionID] = lock
		}
		m.mu.Unlock()

		select {
		case lock <- struct{}{}:
			// The entry may have been removed (and possibly recreated) while
			// we waited; only a token in the current entry grants exclusion.
			m.mu.Lock()
			current := m.locks[sessionID]
			m.mu.Unlock()
			if current == lock {
				return lock, nil
			}
			<-lock
		case <-timer.C:
			return nil, ErrLockTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// releaseLock frees the lock acquired by acquireLock.
func (m *Manager) releaseLock(lock chan struct{}) {
	<-lock
}

// dropLockLocked removes the session's lock entry unless its token is held.
// A held entry stays in the map so the holder's critical section remains
// exclusive; the entry is reclaimed on a later sweep. Caller holds m.mu.
func (m *Manager) dropLockLocked(sessionID string) {
	if lock, ok := m.locks[sessionID]; ok && len(lock) == 0 {
		delete(m.locks, sessionID)
	}
}

// Start launches the periodic eviction sweep: any context idle past the TTL
// is dropped from the cache and the durable store.
func (m *Manager) Start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.evictExpired()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// evictExpired removes contexts whose lastActivity exceeds the TTL.
func (m *Manager) evictExpired() {
	cutoff := time.Now().Add(-m.opts.TTL)

	m.mu.Lock()
	var expired []string
	for id, sc := range m.cache {
		if sc.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.cache, id)
		m.dropLockLocked(id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.kv.Delete(context.Background(), contextKey(id)); err != nil {
			m.logger.Warn("expired context deletion failed", "session_id", id, "error", err)
		}
		m.logger.Info("evicted idle session context", "session_id", id)
	}
}

// Stop halts the eviction sweep. Safe to call multiple times, including
// when Start was never called.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		started := m.started
		m.mu.Unlock()
		if started {
			<-m.doneCh
		}
	})
}

// Evict drops a session from the in-memory cache only, leaving the durable
// snapshot in place. Used to exercise rehydration.
func (m *Manager) Evict(sessionID string) {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
}
