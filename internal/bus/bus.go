// Package bus tracks live agents, routes inter-agent messages through
// bounded inboxes, and delivers published events to pending awaiters.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noesis-ai/noesis/internal/domain"
)

var (
	ErrAgentExists  = errors.New("agent id already registered")
	ErrUnknownAgent = errors.New("unknown agent")
	ErrAwaitInUse   = errors.New("an await is already pending for this selector")
	ErrTimeout      = errors.New("receive timed out")
	ErrInboxFull    = errors.New("inbox full, message dropped")
)

const (
	DefaultInboxCapacity = 1000

	// sendBlock is how long a send may wait on a full inbox before the
	// oldest message is dropped to make room.
	sendBlock = 100 * time.Millisecond
)

// Notifier receives bus-level notifications (message.delivered,
// message.dropped, event.published) for the streaming API.
type Notifier func(channel string, payload any)

type agentEntry struct {
	info  domain.Agent
	inbox chan domain.Message
}

type waiterKey struct {
	typ    string
	source string
	cogID  uuid.UUID
}

type waiter struct {
	selector domain.Selector
	ch       chan domain.Event
}

// Bus is the process-wide agent registry and message/event router.
// A single mutex serializes registration, sends, and publishes, which
// also gives events their publish-order delivery guarantee.
type Bus struct {
	mu       sync.Mutex
	agents   map[string]*agentEntry
	waiters  map[waiterKey]*waiter
	capacity int

	store  domain.AgentStore // optional persistence mirror
	logger *zap.Logger

	notify       Notifier
	onDeregister func(agentID string)
}

func New(capacity int, store domain.AgentStore, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	return &Bus{
		agents:   make(map[string]*agentEntry),
		waiters:  make(map[waiterKey]*waiter),
		capacity: capacity,
		store:    store,
		logger:   logger,
	}
}

// SetNotifier wires the streaming hub. Must be called before serving.
func (b *Bus) SetNotifier(n Notifier) { b.notify = n }

// SetOnDeregister wires the kernel's cancellation of an agent's
// in-flight cognitions. Must be called before serving.
func (b *Bus) SetOnDeregister(fn func(agentID string)) { b.onDeregister = fn }

func (b *Bus) emit(channel string, payload any) {
	if b.notify != nil {
		b.notify(channel, payload)
	}
}

// Register adds a live agent. Ids are unique: a second registration
// under the same id fails until the first deregisters.
func (b *Bus) Register(ctx context.Context, id string, capabilities []string) (*domain.Agent, error) {
	if !domain.ValidAgentID(id) {
		return nil, ErrUnknownAgent
	}

	b.mu.Lock()
	if _, ok := b.agents[id]; ok {
		b.mu.Unlock()
		return nil, ErrAgentExists
	}
	agent := domain.Agent{ID: id, Capabilities: capabilities, RegisteredAt: time.Now()}
	b.agents[id] = &agentEntry{info: agent, inbox: make(chan domain.Message, b.capacity)}
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.Create(ctx, &agent); err != nil {
			b.logger.Warn("failed to persist agent registration", zap.String("agent_id", id), zap.Error(err))
		}
	}
	return &agent, nil
}

// Deregister removes an agent, cancels its in-flight cognitions, and
// drains its inbox.
func (b *Bus) Deregister(ctx context.Context, id string) error {
	b.mu.Lock()
	entry, ok := b.agents[id]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownAgent
	}
	delete(b.agents, id)
	b.mu.Unlock()

	if b.onDeregister != nil {
		b.onDeregister(id)
	}

	// Drain whatever is left so senders' references die with the agent.
	for {
		select {
		case <-entry.inbox:
		default:
			if b.store != nil {
				if err := b.store.Delete(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
					b.logger.Warn("failed to remove persisted agent", zap.String("agent_id", id), zap.Error(err))
				}
			}
			return nil
		}
	}
}

// Known reports whether id is currently registered.
func (b *Bus) Known(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.agents[id]
	return ok
}

// List snapshots the currently registered agents.
func (b *Bus) List() []domain.Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	agents := make([]domain.Agent, 0, len(b.agents))
	for _, entry := range b.agents {
		agents = append(agents, entry.info)
	}
	return agents
}

// SendMessage enqueues a message on the recipient's inbox. FIFO holds
// per (from, to) pair. A full inbox blocks up to 100ms, then the oldest
// message is dropped with a message.dropped notification. The send also
// publishes a "message" event so AWAIT can observe it.
func (b *Bus) SendMessage(ctx context.Context, to, from string, payload any) (uuid.UUID, error) {
	b.mu.Lock()
	entry, ok := b.agents[to]
	b.mu.Unlock()
	if !ok {
		return uuid.Nil, ErrUnknownAgent
	}

	msg := domain.Message{ID: uuid.New(), From: from, To: to, Payload: payload, SentAt: time.Now()}

	delivered := true
	select {
	case entry.inbox <- msg:
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	case <-time.After(sendBlock):
		delivered = b.enqueueWithEviction(entry, to, msg)
	}
	if !delivered {
		// Every eviction retry lost the freed slot to a racing sender;
		// the new message itself is the one dropped.
		b.emit("message.dropped", msg)
		b.logger.Warn("inbox full, new message dropped",
			zap.String("agent_id", to),
			zap.String("message_id", msg.ID.String()))
		return uuid.Nil, ErrInboxFull
	}

	b.emit("message.delivered", msg)
	b.Publish(domain.Event{
		Type:   "message",
		Source: from,
		Payload: map[string]any{
			"message_id": msg.ID.String(),
			"from":       from,
			"to":         to,
			"content":    payload,
		},
	})
	return msg.ID, nil
}

// enqueueWithEviction frees a slot by dropping the oldest message, then
// retries the send. Concurrent senders can steal the freed slot, so the
// attempt is bounded; false means msg never made it in.
func (b *Bus) enqueueWithEviction(entry *agentEntry, to string, msg domain.Message) bool {
	for i := 0; i < 3; i++ {
		select {
		case dropped := <-entry.inbox:
			b.emit("message.dropped", dropped)
			b.logger.Warn("inbox full, dropped oldest message",
				zap.String("agent_id", to),
				zap.String("dropped_id", dropped.ID.String()))
		default:
		}
		select {
		case entry.inbox <- msg:
			return true
		default:
		}
	}
	return false
}

// Receive pops the next inbox message for agentID, waiting up to
// timeout (or ctx cancellation).
func (b *Bus) Receive(ctx context.Context, agentID string, timeout time.Duration) (*domain.Message, error) {
	b.mu.Lock()
	entry, ok := b.agents[agentID]
	b.mu.Unlock()
	if !ok {
		return nil, ErrUnknownAgent
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-entry.inbox:
		return &msg, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers a one-shot awaiter for events matching selector.
// At most one await may be pending per (type, source, cognition); a
// second subscription for the same tuple fails. The returned cancel
// must be called when the await resolves or unwinds.
func (b *Bus) Subscribe(cogID uuid.UUID, selector domain.Selector) (<-chan domain.Event, func(), error) {
	key := waiterKey{typ: selector.Type, source: selector.Source, cogID: cogID}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.waiters[key]; ok {
		return nil, nil, ErrAwaitInUse
	}
	w := &waiter{selector: selector, ch: make(chan domain.Event, 1)}
	b.waiters[key] = w

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.waiters[key] == w {
			delete(b.waiters, key)
		}
	}
	return w.ch, cancel, nil
}

// Publish delivers ev to every pending awaiter whose selector matches.
// Each matching awaiter receives its own copy; delivery order across
// publishes follows call order because the bus mutex serializes them.
func (b *Bus) Publish(ev domain.Event) {
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now()
	}

	b.mu.Lock()
	var matched []*waiter
	for key, w := range b.waiters {
		if w.selector.Matches(ev) {
			matched = append(matched, w)
			delete(b.waiters, key)
		}
	}
	b.mu.Unlock()

	for _, w := range matched {
		w.ch <- ev // buffered; awaiter consumes exactly one
	}
	b.emit("event.published", ev)
}
