// Package kernel evaluates parsed cognitions against memory, tools,
// agents, and the message bus. Each cognition runs on its own goroutine
// under a wall-clock budget and a retained cancellation handle.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/noesis-ai/noesis/internal/bus"
	"github.com/noesis-ai/noesis/internal/domain"
	"github.com/noesis-ai/noesis/internal/il"
	"github.com/noesis-ai/noesis/internal/service"
	"github.com/noesis-ai/noesis/internal/tool"
)

const (
	DefaultBudget = 60 * time.Second
	MaxBudget     = 10 * time.Minute

	DefaultMaxPerAgent = 10
	DefaultMaxTotal    = 500
)

// Limits caps concurrent cognitions. Zero fields take the defaults.
type Limits struct {
	Budget      time.Duration
	MaxBudget   time.Duration
	MaxPerAgent int
	MaxTotal    int
}

func (l Limits) withDefaults() Limits {
	if l.Budget <= 0 {
		l.Budget = DefaultBudget
	}
	if l.MaxBudget <= 0 {
		l.MaxBudget = MaxBudget
	}
	if l.MaxPerAgent <= 0 {
		l.MaxPerAgent = DefaultMaxPerAgent
	}
	if l.MaxTotal <= 0 {
		l.MaxTotal = DefaultMaxTotal
	}
	return l
}

// Notifier receives cognition lifecycle notifications for the
// streaming API.
type Notifier func(channel string, payload any)

type running struct {
	agentID string
	cancel  context.CancelFunc
}

// Kernel runs cognitions. Backpressure rejects (never queues) beyond
// the per-agent and total caps; every finished cognition is appended to
// the audit log.
type Kernel struct {
	memory   *service.MemoryService
	bus      *bus.Bus
	registry *tool.Registry
	sandbox  *tool.Sandbox
	cogStore domain.CognitionStore
	logger   *zap.Logger
	limits   Limits

	total *semaphore.Weighted

	mu       sync.Mutex
	perAgent map[string]int
	inFlight map[uuid.UUID]*running

	notify Notifier
}

func New(memory *service.MemoryService, b *bus.Bus, registry *tool.Registry, sandbox *tool.Sandbox, cogStore domain.CognitionStore, limits Limits, logger *zap.Logger) *Kernel {
	limits = limits.withDefaults()
	return &Kernel{
		memory:   memory,
		bus:      b,
		registry: registry,
		sandbox:  sandbox,
		cogStore: cogStore,
		logger:   logger,
		limits:   limits,
		total:    semaphore.NewWeighted(int64(limits.MaxTotal)),
		perAgent: make(map[string]int),
		inFlight: make(map[uuid.UUID]*running),
	}
}

// SetNotifier wires the streaming hub. Must be called before serving.
func (k *Kernel) SetNotifier(n Notifier) { k.notify = n }

func (k *Kernel) emit(channel string, payload any) {
	if k.notify != nil {
		k.notify(channel, payload)
	}
}

// counters accumulates the memory traffic of one cognition. Handlers
// reach it through the evaluation context.
type counters struct {
	reads  int64
	writes int64
}

type countersKey struct{}

func countersFrom(ctx context.Context) *counters {
	c, _ := ctx.Value(countersKey{}).(*counters)
	return c
}

// CountMemoryReads records n memory reads on the current cognition.
func CountMemoryReads(ctx context.Context, n int) {
	if c := countersFrom(ctx); c != nil {
		atomic.AddInt64(&c.reads, int64(n))
	}
}

// CountMemoryWrite records one memory write on the current cognition.
// Tool handlers that persist memories call this.
func CountMemoryWrite(ctx context.Context) {
	if c := countersFrom(ctx); c != nil {
		atomic.AddInt64(&c.writes, 1)
	}
}

// admitCognition reserves capacity, or reports why it cannot.
func (k *Kernel) admitCognition(agentID string) error {
	if !k.total.TryAcquire(1) {
		return domain.NewError(domain.ErrBackpressureRejected,
			"process is at its limit of %d concurrent cognitions", k.limits.MaxTotal)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.perAgent[agentID] >= k.limits.MaxPerAgent {
		k.total.Release(1)
		return domain.NewError(domain.ErrBackpressureRejected,
			"agent %q is at its limit of %d concurrent cognitions", agentID, k.limits.MaxPerAgent)
	}
	k.perAgent[agentID]++
	return nil
}

func (k *Kernel) releaseCognition(agentID string, cogID uuid.UUID) {
	k.mu.Lock()
	k.perAgent[agentID]--
	if k.perAgent[agentID] <= 0 {
		delete(k.perAgent, agentID)
	}
	delete(k.inFlight, cogID)
	k.mu.Unlock()
	k.total.Release(1)
}

// DefaultBudget is the wall-clock budget for submissions that name
// none. Callers resolve it themselves; Submit takes no sentinel values.
func (k *Kernel) DefaultBudget() time.Duration { return k.limits.Budget }

// Submit parses and evaluates source on behalf of agentID, blocking
// until the cognition finishes. The budget must be positive and is
// clamped to the maximum.
func (k *Kernel) Submit(ctx context.Context, agentID, source string, budget time.Duration) (*domain.Cognition, error) {
	if !domain.ValidAgentID(agentID) {
		return nil, domain.NewError(domain.ErrArgument, "invalid agent id %q", agentID)
	}
	if budget <= 0 {
		return nil, domain.NewError(domain.ErrArgument, "cognition budget must be positive, got %s", budget)
	}

	root, err := il.Parse(source)
	if err != nil {
		return nil, domain.NewError(domain.ErrParse, "%v", err)
	}

	if err := k.admitCognition(agentID); err != nil {
		return nil, err
	}

	if budget > k.limits.MaxBudget {
		budget = k.limits.MaxBudget
	}

	cogID := uuid.New()
	runCtx, timeoutCancel := context.WithTimeout(ctx, budget)
	runCtx, cancel := context.WithCancel(runCtx)
	defer timeoutCancel()
	defer cancel()

	k.mu.Lock()
	k.inFlight[cogID] = &running{agentID: agentID, cancel: cancel}
	k.mu.Unlock()
	defer k.releaseCognition(agentID, cogID)

	counts := &counters{}
	runCtx = context.WithValue(runCtx, countersKey{}, counts)

	k.emit("cognition.progress", map[string]any{
		"cognition_id": cogID.String(),
		"agent_id":     agentID,
		"state":        "running",
	})

	start := time.Now()
	value, evalErr := k.run(runCtx, cogID, agentID, root)

	cog := &domain.Cognition{
		ID:           cogID,
		AgentID:      agentID,
		Source:       source,
		Duration:     time.Since(start),
		MemoryReads:  int(atomic.LoadInt64(&counts.reads)),
		MemoryWrites: int(atomic.LoadInt64(&counts.writes)),
		SubmittedAt:  start,
	}

	switch {
	case evalErr != nil:
		var domErr *domain.Error
		if errors.As(evalErr, &domErr) {
			cog.ErrorKind = string(domErr.Kind)
			cog.ErrorMsg = domErr.Message
			if domErr.Kind == domain.ErrCancelled {
				cog.Status = domain.CognitionCancelled
			} else {
				cog.Status = domain.CognitionError
			}
		} else {
			cog.ErrorKind = "internal"
			cog.ErrorMsg = evalErr.Error()
			cog.Status = domain.CognitionError
		}
	default:
		cog.Result = value
		cog.Status = domain.CognitionSuccess
		if _, ok := value.(domain.Clarification); ok {
			cog.Status = domain.CognitionClarify
		}
	}

	k.record(cog)
	k.emit("cognition.progress", map[string]any{
		"cognition_id": cogID.String(),
		"agent_id":     agentID,
		"state":        string(cog.Status),
	})
	return cog, nil
}

// run evaluates the AST, converting a handler panic into a failed
// cognition rather than a crashed process. TRY never sees panics.
func (k *Kernel) run(ctx context.Context, cogID uuid.UUID, agentID string, root il.Node) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("cognition panicked",
				zap.String("cognition_id", cogID.String()),
				zap.String("agent_id", agentID),
				zap.Any("panic", r))
			// Not a *domain.Error: panics are fatal and record as internal.
			err = fmt.Errorf("cognition aborted by internal fault: %v", r)
		}
	}()
	return newEvaluator(k, cogID, agentID).eval(ctx, root)
}

func (k *Kernel) record(cog *domain.Cognition) {
	if k.cogStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.cogStore.Append(ctx, cog); err != nil {
		k.logger.Warn("failed to append cognition to audit log",
			zap.String("cognition_id", cog.ID.String()), zap.Error(err))
	}
}

// Cancel cancels one in-flight cognition. It reports whether the id was
// known and still running.
func (k *Kernel) Cancel(cogID uuid.UUID) bool {
	k.mu.Lock()
	r, ok := k.inFlight[cogID]
	k.mu.Unlock()
	if ok {
		r.cancel()
	}
	return ok
}

// CancelAgent cancels every in-flight cognition owned by agentID. The
// bus calls this on deregistration.
func (k *Kernel) CancelAgent(agentID string) {
	k.mu.Lock()
	var cancels []context.CancelFunc
	for _, r := range k.inFlight {
		if r.agentID == agentID {
			cancels = append(cancels, r.cancel)
		}
	}
	k.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// InFlight reports the number of running cognitions, for health checks.
func (k *Kernel) InFlight() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.inFlight)
}
