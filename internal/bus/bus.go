// ABOUTME: Bounded message bus routing typed requests/responses between agents
// ABOUTME: Correlates responses by request ID, preserves per-target FIFO, contains failures

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/tutor-mesh/internal/agent"
	"github.com/2389/tutor-mesh/internal/breaker"
	"github.com/2389/tutor-mesh/internal/events"
	"github.com/2389/tutor-mesh/internal/registry"
)

// Bus errors.
var (
	// ErrDuplicateAgent indicates an agent with the same ID is already registered.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrAgentNotFound indicates the target agent is not registered.
	ErrAgentNotFound = errors.New("target agent not found")

	// ErrQueueFull is the backpressure signal: the pending queue is at capacity.
	ErrQueueFull = errors.New("message queue full")

	// ErrMessageTimeout indicates no response arrived within the deadline.
	ErrMessageTimeout = errors.New("message timeout")

	// ErrBusStopped is terminal: the bus is shut down, no further requests possible.
	ErrBusStopped = errors.New("bus stopped")
)

// Options configures a Bus.
type Options struct {
	// QueueCapacity bounds the number of enqueued-but-undelivered messages
	// across all targets.
	QueueCapacity int

	// RequestTimeout is the bus-wide deadline for request-type messages.
	RequestTimeout time.Duration

	// HealthCheckTimeout bounds each synthetic health-check request.
	HealthCheckTimeout time.Duration

	// Registry, Breakers, and Events are optional collaborators. When
	// Breakers is set, single-target deliveries route through the target's
	// circuit breaker.
	Registry *registry.Registry
	Breakers *breaker.Manager
	Events   *events.Broadcaster

	Logger *slog.Logger
}

type result struct {
	resp *agent.AgentMessage
	err  error
}

type pendingRequest struct {
	ch    chan result
	timer *time.Timer
}

// worker owns sequential delivery for one target agent. Messages for the
// same target are delivered in submission order; distinct targets deliver
// concurrently.
type worker struct {
	handle agent.Handle
	ch     chan *agent.AgentMessage
}

// Bus accepts messages, enforces a bounded queue, and dispatches to agent
// handles through their circuit breakers. Request-type messages are
// correlated to responses strictly by the originating message ID.
type Bus struct {
	mu      sync.Mutex
	workers map[string]*worker
	queued  int
	stopped bool

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	opts    Options
	logger  *slog.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Bus. Zero option fields get conservative defaults.
func New(opts Options) *Bus {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 100
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		workers: make(map[string]*worker),
		pending: make(map[string]*pendingRequest),
		opts:    opts,
		logger:  opts.Logger.With("component", "bus"),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// RegisterAgent stores the handle and starts its delivery worker.
// Returns ErrDuplicateAgent if the agent ID is already registered.
func (b *Bus) RegisterAgent(h agent.Handle) error {
	state := h.State()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBusStopped
	}
	if _, exists := b.workers[state.AgentID]; exists {
		b.mu.Unlock()
		return ErrDuplicateAgent
	}

	w := &worker{
		handle: h,
		// Sized to the full queue capacity so enqueue under the bus lock
		// never blocks: the shared queued counter bounds total occupancy.
		ch: make(chan *agent.AgentMessage, b.opts.QueueCapacity),
	}
	b.workers[state.AgentID] = w
	b.wg.Add(1)
	go b.runWorker(state.AgentID, w)
	b.mu.Unlock()

	if b.opts.Registry != nil {
		if err := b.opts.Registry.Register(h, nil); err != nil &&
			!errors.Is(err, registry.ErrAgentAlreadyRegistered) {
			b.logger.Warn("registry registration failed", "agent_id", state.AgentID, "error", err)
		}
	}

	// Subscribe to the handle's lifecycle events so status changes made
	// directly on the handle reach the registry.
	h.OnNotification(func(n agent.Notification) {
		b.handleNotification(state.AgentID, n)
	})

	b.logger.Info("agent registered on bus",
		"agent_id", state.AgentID,
		"agent_type", state.AgentType)
	return nil
}

// handleNotification re-emits a handle lifecycle event into the registry and
// the event stream.
func (b *Bus) handleNotification(agentID string, n agent.Notification) {
	switch n.Kind {
	case agent.NotifyStarted:
		if b.opts.Registry != nil {
			_ = b.opts.Registry.Touch(agentID)
		}
	case agent.NotifyStatusChanged, agent.NotifyStopped:
		// UpdateStatus emits the status-changed event itself.
		if b.opts.Registry != nil {
			if err := b.opts.Registry.UpdateStatus(agentID, n.Status); err != nil &&
				!errors.Is(err, registry.ErrAgentNotFound) {
				b.logger.Warn("status re-emission failed", "agent_id", agentID, "error", err)
			}
		}
	case agent.NotifyHealthCheckFailed:
		if b.opts.Events != nil {
			b.opts.Events.Publish(&events.Event{
				Type:    events.TypeHealthCheckFailed,
				AgentID: agentID,
			})
		}
	}
}

// UnregisterAgent removes an agent. Idempotent: unknown IDs are a no-op.
// Queued messages for the agent are still drained before its worker exits.
func (b *Bus) UnregisterAgent(agentID string) {
	b.mu.Lock()
	w, exists := b.workers[agentID]
	if exists {
		delete(b.workers, agentID)
		close(w.ch)
	}
	b.mu.Unlock()

	if !exists {
		return
	}
	if b.opts.Registry != nil {
		b.opts.Registry.Unregister(agentID)
	}
	if b.opts.Breakers != nil {
		b.opts.Breakers.Remove(agentID)
	}
	b.logger.Info("agent unregistered from bus", "agent_id", agentID)
}

// Send enqueues a fire-and-forget message (notification, coordination, or an
// asynchronous response). Responses carrying a ReplyTo are resolved against
// the pending-request map instead of being delivered to a worker; a response
// with no pending entry is discarded in place (most likely the caller
// already timed out).
func (b *Bus) Send(msg *agent.AgentMessage) error {
	if msg.Type == agent.TypeResponse && msg.ReplyTo != "" {
		if !b.resolvePending(msg.ReplyTo, result{resp: msg}) {
			b.logger.Debug("discarding response with no pending request",
				"reply_to", msg.ReplyTo,
				"from", msg.From)
		}
		return nil
	}
	if msg.To == agent.BroadcastTarget {
		return b.Broadcast(msg)
	}
	return b.enqueue(msg)
}

// Request sends a request-type message and blocks until the matched
// response, the bus-wide timeout (ErrMessageTimeout), bus shutdown
// (ErrBusStopped), or ctx cancellation.
func (b *Bus) Request(ctx context.Context, msg *agent.AgentMessage) (*agent.AgentMessage, error) {
	if msg.To == agent.BroadcastTarget {
		return nil, fmt.Errorf("request requires a single target agent")
	}

	entry := &pendingRequest{ch: make(chan result, 1)}
	entry.timer = time.AfterFunc(b.opts.RequestTimeout, func() {
		b.resolvePending(msg.ID, result{err: ErrMessageTimeout})
	})

	b.pendingMu.Lock()
	b.pending[msg.ID] = entry
	b.pendingMu.Unlock()

	if err := b.enqueue(msg); err != nil {
		b.removePending(msg.ID)
		return nil, err
	}

	select {
	case r := <-entry.ch:
		return r.resp, r.err
	case <-ctx.Done():
		b.removePending(msg.ID)
		return nil, ctx.Err()
	}
}

// enqueue places a message on its target's delivery queue, enforcing the
// shared capacity bound.
func (b *Bus) enqueue(msg *agent.AgentMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrBusStopped
	}
	w, ok := b.workers[msg.To]
	if !ok {
		return ErrAgentNotFound
	}
	if b.queued >= b.opts.QueueCapacity {
		return ErrQueueFull
	}
	b.queued++
	w.ch <- msg
	return nil
}

// runWorker drains one target's queue sequentially, preserving FIFO order
// for same-target messages.
func (b *Bus) runWorker(agentID string, w *worker) {
	defer b.wg.Done()
	for msg := range w.ch {
		b.deliver(agentID, w, msg)
		b.mu.Lock()
		b.queued--
		b.mu.Unlock()
	}
}

// deliver invokes the handle (through its breaker when attached) and settles
// any pending request keyed by the message ID.
func (b *Bus) deliver(agentID string, w *worker, msg *agent.AgentMessage) {
	process := func(ctx context.Context) (*agent.AgentMessage, error) {
		return w.handle.ProcessMessage(ctx, msg)
	}

	var resp *agent.AgentMessage
	var err error
	if b.opts.Breakers != nil {
		resp, err = b.opts.Breakers.Get(agentID).Execute(b.baseCtx, process)
	} else {
		resp, err = process(b.baseCtx)
	}

	expectsReply := msg.Type == agent.TypeRequest || msg.Type == agent.TypeHealthCheck

	if err != nil {
		if expectsReply {
			b.resolvePending(msg.ID, result{err: err})
		} else {
			b.logger.Warn("delivery failed",
				"agent_id", agentID,
				"message_id", msg.ID,
				"message_type", string(msg.Type),
				"error", err)
		}
		return
	}

	if b.opts.Registry != nil {
		_ = b.opts.Registry.Touch(agentID)
	}

	if expectsReply && resp != nil {
		// A nil resp with no error means the agent will answer
		// asynchronously via Send; the pending entry stays armed.
		b.resolvePending(msg.ID, result{resp: resp})
	}
}

// resolvePending settles the pending entry for id. Returns false when no
// entry exists (caller timed out or never waited).
func (b *Bus) resolvePending(id string, r result) bool {
	b.pendingMu.Lock()
	entry, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()

	if !ok {
		return false
	}
	entry.timer.Stop()
	entry.ch <- r
	return true
}

// removePending drops a pending entry without settling it.
func (b *Bus) removePending(id string) {
	b.pendingMu.Lock()
	entry, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()
	if ok {
		entry.timer.Stop()
	}
}

// PendingRequests reports the number of in-flight request correlations.
func (b *Bus) PendingRequests() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// Broadcast delivers a copy of msg to every active agent except the sender.
// Best-effort: a delivery failure for one agent is logged and does not abort
// delivery to the others.
func (b *Bus) Broadcast(msg *agent.AgentMessage) error {
	for _, target := range b.activeTargets(msg.From, "") {
		copied := *msg
		copied.To = target
		if err := b.enqueue(&copied); err != nil {
			if errors.Is(err, ErrBusStopped) {
				return err
			}
			b.logger.Warn("broadcast delivery failed",
				"agent_id", target,
				"message_id", msg.ID,
				"error", err)
		}
	}
	return nil
}

// SendToType issues a request to every active agent of the given type and
// collects whichever responses succeed. Per-agent failures are swallowed.
func (b *Bus) SendToType(ctx context.Context, agentType string, msg *agent.AgentMessage) ([]*agent.AgentMessage, error) {
	targets := b.activeTargets(msg.From, agentType)

	var respMu sync.Mutex
	var responses []*agent.AgentMessage

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			copied := *msg
			copied.ID = uuid.New().String()
			copied.To = target
			resp, err := b.Request(gctx, &copied)
			if err != nil {
				b.logger.Warn("type fan-out request failed",
					"agent_id", target,
					"agent_type", agentType,
					"error", err)
				return nil
			}
			respMu.Lock()
			responses = append(responses, resp)
			respMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return responses, err
	}
	return responses, nil
}

// activeTargets snapshots registered agents with status active, excluding
// the sender, optionally restricted to one agent type.
func (b *Bus) activeTargets(exclude, agentType string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for id, w := range b.workers {
		if id == exclude {
			continue
		}
		state := w.handle.State()
		if state.Status != agent.StatusActive {
			continue
		}
		if agentType != "" && state.AgentType != agentType {
			continue
		}
		out = append(out, id)
	}
	return out
}

// HealthCheck sends a synthetic health_check message to every registered
// agent and reports agentID -> healthy. An agent that errors or never
// responds within the health-check timeout is marked unhealthy.
func (b *Bus) HealthCheck(ctx context.Context) map[string]bool {
	b.mu.Lock()
	ids := make([]string, 0, len(b.workers))
	for id := range b.workers {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	results := make(map[string]bool, len(ids))
	var resMu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()

			hcCtx, cancel := context.WithTimeout(ctx, b.opts.HealthCheckTimeout)
			defer cancel()

			msg := agent.NewMessage("bus", id, agent.TypeHealthCheck, nil)
			resp, err := b.Request(hcCtx, msg)
			healthy := err == nil && resp != nil

			if !healthy {
				b.logger.Warn("health check failed", "agent_id", id, "error", err)
				if b.opts.Events != nil {
					b.opts.Events.Publish(&events.Event{
						Type:    events.TypeHealthCheckFailed,
						AgentID: id,
					})
				}
			}

			resMu.Lock()
			results[id] = healthy
			resMu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// ListAgents returns a state snapshot for every registered agent.
func (b *Bus) ListAgents() []agent.State {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]agent.State, 0, len(b.workers))
	for _, w := range b.workers {
		out = append(out, w.handle.State())
	}
	return out
}

// Stop rejects all outstanding request futures with ErrBusStopped, stops
// every registered agent, and clears internal state. Idempotent and safe to
// call during active dispatch.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true

	handles := make([]agent.Handle, 0, len(b.workers))
	for id, w := range b.workers {
		handles = append(handles, w.handle)
		close(w.ch)
		delete(b.workers, id)
	}
	b.mu.Unlock()

	// Unblock in-flight deliveries, then reject every waiter.
	b.cancel()

	b.pendingMu.Lock()
	for id, entry := range b.pending {
		entry.timer.Stop()
		entry.ch <- result{err: ErrBusStopped}
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()

	b.wg.Wait()

	for _, h := range handles {
		if err := h.Stop(); err != nil {
			b.logger.Warn("agent stop failed", "agent_id", h.State().AgentID, "error", err)
		}
	}

	if b.opts.Events != nil {
		b.opts.Events.Publish(&events.Event{Type: events.TypeBusStopped})
	}
	b.logger.Info("bus stopped")
}
