package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/noesis-ai/noesis/internal/bus"
	"github.com/noesis-ai/noesis/internal/domain"
	"github.com/noesis-ai/noesis/internal/embedding"
	"github.com/noesis-ai/noesis/internal/service"
	"github.com/noesis-ai/noesis/internal/tool"
)

type testHarness struct {
	kernel   *Kernel
	bus      *bus.Bus
	registry *tool.Registry
	memories *memStore
	cogs     *mockCognitionStore
}

func newHarness(t *testing.T, limits Limits) *testHarness {
	t.Helper()
	memories := newMemStore()
	embedder := embedding.NewService(embedding.NewMockClient(32), 32, 100, time.Hour, zap.NewNop())
	memSvc := service.NewMemoryService(memories, embedder, service.AdmissionConfig{}, zap.NewNop())
	agentBus := bus.New(0, nil, zap.NewNop())
	registry := tool.NewRegistry()
	sandbox := tool.NewSandbox(domain.ResourceLimits{}, zap.NewNop())
	cogs := &mockCognitionStore{}

	k := New(memSvc, agentBus, registry, sandbox, cogs, limits, zap.NewNop())
	agentBus.SetOnDeregister(k.CancelAgent)
	if err := RegisterBuiltinTools(registry, memSvc); err != nil {
		t.Fatalf("builtin registration failed: %v", err)
	}
	return &testHarness{kernel: k, bus: agentBus, registry: registry, memories: memories, cogs: cogs}
}

func (h *testHarness) submit(t *testing.T, source string) *domain.Cognition {
	t.Helper()
	cog, err := h.kernel.Submit(context.Background(), "a1", source, h.kernel.DefaultBudget())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return cog
}

func TestSubmitPlanReturnsLastValue(t *testing.T) {
	h := newHarness(t, Limits{})
	cog := h.submit(t, `(PLAN 1 2 "done")`)

	if cog.Status != domain.CognitionSuccess {
		t.Fatalf("expected success, got %s (%s: %s)", cog.Status, cog.ErrorKind, cog.ErrorMsg)
	}
	if cog.Result != "done" {
		t.Fatalf("expected the last step's value, got %v", cog.Result)
	}
	if cog.Duration <= 0 {
		t.Fatal("expected a recorded duration")
	}
	if h.cogs.count() != 1 {
		t.Fatalf("expected one audit entry, got %d", h.cogs.count())
	}
}

func TestSubmitRejectsUnparsableSource(t *testing.T) {
	h := newHarness(t, Limits{})
	_, err := h.kernel.Submit(context.Background(), "a1", `(QUERY`, h.kernel.DefaultBudget())

	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != domain.ErrParse {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if h.cogs.count() != 0 {
		t.Fatal("a rejected submission must not reach the audit log")
	}
}

func TestSubmitRejectsInvalidAgentID(t *testing.T) {
	h := newHarness(t, Limits{})
	_, err := h.kernel.Submit(context.Background(), "no spaces allowed", `(PLAN 1)`, time.Minute)

	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != domain.ErrArgument {
		t.Fatalf("expected ArgumentError, got %v", err)
	}
}

func TestLetBindingScopedToBody(t *testing.T) {
	h := newHarness(t, Limits{})

	cog := h.submit(t, `(LET ((x 41)) $x)`)
	if cog.Status != domain.CognitionSuccess || cog.Result != float64(41) {
		t.Fatalf("expected 41, got %s %v", cog.Status, cog.Result)
	}

	// The binding dies with the LET.
	cog = h.submit(t, `(PLAN (LET ((x 1)) $x) $x)`)
	if cog.Status != domain.CognitionError || cog.ErrorKind != "UnknownVariable" {
		t.Fatalf("expected UnknownVariable outside the LET, got %s %s", cog.Status, cog.ErrorKind)
	}
}

func TestLetInnerBindingShadowsOuter(t *testing.T) {
	h := newHarness(t, Limits{})
	cog := h.submit(t, `(LET ((x 1)) (LET ((x 2)) $x))`)
	if cog.Result != float64(2) {
		t.Fatalf("expected the inner binding, got %v", cog.Result)
	}
}

func TestLetLaterBindingSeesEarlier(t *testing.T) {
	h := newHarness(t, Limits{})
	cog := h.submit(t, `(LET ((x 7) (y $x)) $y)`)
	if cog.Status != domain.CognitionSuccess || cog.Result != float64(7) {
		t.Fatalf("expected 7, got %s %v", cog.Status, cog.Result)
	}
}

func TestTryBindsErrorInFailBody(t *testing.T) {
	h := newHarness(t, Limits{})
	cog := h.submit(t, `(TRY (EXECUTE "no-such-tool") ON-FAIL $error.kind)`)

	if cog.Status != domain.CognitionSuccess {
		t.Fatalf("expected the fail body to recover, got %s (%s)", cog.Status, cog.ErrorKind)
	}
	if cog.Result != "UnknownTool" {
		t.Fatalf("expected the error kind bound in the fail body, got %v", cog.Result)
	}
}

func TestTrySuccessSkipsFailBody(t *testing.T) {
	h := newHarness(t, Limits{})
	var failRuns int
	if err := h.registry.Register(&domain.ToolDescriptor{
		Name:   "record-failure",
		Params: []domain.ToolParam{},
		Handler: func(context.Context, []any) (any, error) {
			failRuns++
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	cog := h.submit(t, `(TRY "fine" ON-FAIL (EXECUTE "record-failure"))`)
	if cog.Result != "fine" {
		t.Fatalf("expected the try body's value, got %v", cog.Result)
	}
	if failRuns != 0 {
		t.Fatal("fail body must not run when the try body succeeds")
	}
}

func TestErrorVisibleOnlyInFailBody(t *testing.T) {
	h := newHarness(t, Limits{})
	cog := h.submit(t, `(PLAN (TRY (EXECUTE "no-such-tool") ON-FAIL "caught") $error)`)
	if cog.Status != domain.CognitionError || cog.ErrorKind != "UnknownVariable" {
		t.Fatalf("expected $error unbound after the TRY, got %s %s", cog.Status, cog.ErrorKind)
	}
}

func TestUnknownOperatorSurfaces(t *testing.T) {
	h := newHarness(t, Limits{})
	cog := h.submit(t, `(FROB "x")`)
	if cog.Status != domain.CognitionError || cog.ErrorKind != "UnknownOperator" {
		t.Fatalf("expected UnknownOperator, got %s %s", cog.Status, cog.ErrorKind)
	}
}

func TestQueryArityError(t *testing.T) {
	h := newHarness(t, Limits{})
	cog := h.submit(t, `(QUERY)`)
	if cog.ErrorKind != "ArityError" {
		t.Fatalf("expected ArityError, got %s: %s", cog.ErrorKind, cog.ErrorMsg)
	}
}

func TestQueryRetrievesAndCountsReads(t *testing.T) {
	h := newHarness(t, Limits{})
	if err := h.memories.Create(context.Background(), &domain.Memory{
		Kind:      domain.KindSemantic,
		AgentID:   "a1",
		Content:   map[string]any{"concept": "mutex"},
		Concept:   "mutex",
		Score:     0.5,
		Embedding: embedding.HashEmbedding("mutex basics", 32),
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	cog := h.submit(t, `(QUERY "mutex basics" {k=5, min_similarity=0.5})`)
	if cog.Status != domain.CognitionSuccess {
		t.Fatalf("expected success, got %s (%s: %s)", cog.Status, cog.ErrorKind, cog.ErrorMsg)
	}
	hits, ok := cog.Result.([]domain.MemoryHit)
	if !ok || len(hits) != 1 {
		t.Fatalf("expected one hit, got %v", cog.Result)
	}
	if cog.MemoryReads != 1 {
		t.Fatalf("expected one audited read, got %d", cog.MemoryReads)
	}
}

func TestRememberBuiltinCountsWrites(t *testing.T) {
	h := newHarness(t, Limits{})
	cog := h.submit(t, `(EXECUTE "remember" "episodic" {session_id="s1", context="deployed the thing"} "a1")`)

	if cog.Status != domain.CognitionSuccess {
		t.Fatalf("expected success, got %s (%s: %s)", cog.Status, cog.ErrorKind, cog.ErrorMsg)
	}
	result, ok := cog.Result.(*domain.StoreResult)
	if !ok || result.Rejected != "" {
		t.Fatalf("expected an admitted store result, got %v", cog.Result)
	}
	if cog.MemoryWrites != 1 {
		t.Fatalf("expected one audited write, got %d", cog.MemoryWrites)
	}
}

func TestExecuteValidatesArgumentTypes(t *testing.T) {
	h := newHarness(t, Limits{})
	if err := h.registry.Register(&domain.ToolDescriptor{
		Name: "shout",
		Params: []domain.ToolParam{
			{Name: "text", Type: domain.ParamString, Required: true},
		},
		Handler: func(_ context.Context, args []any) (any, error) { return args[0], nil },
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	cog := h.submit(t, `(EXECUTE "shout" 42)`)
	if cog.ErrorKind != "ArgumentError" {
		t.Fatalf("expected ArgumentError for number-as-string, got %s: %s", cog.ErrorKind, cog.ErrorMsg)
	}
}

func TestSandboxRequiredToolRejectsPlainExecute(t *testing.T) {
	h := newHarness(t, Limits{})
	if err := h.registry.Register(&domain.ToolDescriptor{
		Name:            "risky",
		Params:          []domain.ToolParam{},
		RequiresSandbox: true,
		Handler:         func(context.Context, []any) (any, error) { return "ran", nil },
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	cog := h.submit(t, `(EXECUTE "risky")`)
	if cog.ErrorKind != "ArgumentError" {
		t.Fatalf("expected rejection outside the sandbox, got %s", cog.ErrorKind)
	}

	cog = h.submit(t, `(SANDBOXED-EXECUTE "risky")`)
	if cog.Status != domain.CognitionSuccess || cog.Result != "ran" {
		t.Fatalf("expected sandboxed run to succeed, got %s %v", cog.Status, cog.Result)
	}
}

func TestSandboxedExecuteEnforcesLimits(t *testing.T) {
	h := newHarness(t, Limits{})
	if err := h.registry.Register(&domain.ToolDescriptor{
		Name:   "burn",
		Params: []domain.ToolParam{},
		Handler: func(ctx context.Context, _ []any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	cog := h.submit(t, `(SANDBOXED-EXECUTE "burn" {cpu_seconds=0.05})`)
	if cog.Status != domain.CognitionError || cog.ErrorKind != "SandboxViolation" {
		t.Fatalf("expected SandboxViolation, got %s %s: %s", cog.Status, cog.ErrorKind, cog.ErrorMsg)
	}
}

func TestSandboxViolationIsCatchable(t *testing.T) {
	h := newHarness(t, Limits{})
	if err := h.registry.Register(&domain.ToolDescriptor{
		Name:   "burn",
		Params: []domain.ToolParam{},
		Handler: func(ctx context.Context, _ []any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	cog := h.submit(t, `(TRY (SANDBOXED-EXECUTE "burn" {cpu_seconds=0.05}) ON-FAIL $error.kind)`)
	if cog.Status != domain.CognitionSuccess || cog.Result != "SandboxViolation" {
		t.Fatalf("expected the violation caught, got %s %v", cog.Status, cog.Result)
	}
}

func TestCommunicateUnknownAgent(t *testing.T) {
	h := newHarness(t, Limits{})
	cog := h.submit(t, `(COMMUNICATE "ghost" "hello?")`)
	if cog.Status != domain.CognitionError || cog.ErrorKind != "UnknownAgent" {
		t.Fatalf("expected UnknownAgent, got %s %s", cog.Status, cog.ErrorKind)
	}
}

func TestCommunicateThenAwaitRoundTrip(t *testing.T) {
	h := newHarness(t, Limits{})
	if _, err := h.bus.Register(context.Background(), "a2", nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Simulated peer: consume the ping, answer after the awaiter is
	// subscribed.
	go func() {
		if _, err := h.bus.Receive(context.Background(), "a2", 2*time.Second); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
		_, _ = h.bus.SendMessage(context.Background(), "a1", "a2", "pong")
	}()

	cog := h.submit(t, `(PLAN
	  (COMMUNICATE "a2" "ping")
	  (AWAIT (EVENT {type="message", source="a2"}) {timeout="2s"}))`)

	if cog.Status != domain.CognitionSuccess {
		t.Fatalf("expected success, got %s (%s: %s)", cog.Status, cog.ErrorKind, cog.ErrorMsg)
	}
	payload, ok := cog.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected an event payload, got %T", cog.Result)
	}
	if payload["type"] != "message" || payload["source"] != "a2" || payload["content"] != "pong" {
		t.Fatalf("unexpected resumed payload: %+v", payload)
	}
}

func TestAwaitTimesOut(t *testing.T) {
	h := newHarness(t, Limits{})
	cog := h.submit(t, `(AWAIT (EVENT {type="never", source="nobody"}) {timeout="50ms"})`)
	if cog.Status != domain.CognitionError || cog.ErrorKind != "AwaitTimeout" {
		t.Fatalf("expected AwaitTimeout, got %s %s", cog.Status, cog.ErrorKind)
	}
}

func TestAwaitTimeoutIsCatchable(t *testing.T) {
	h := newHarness(t, Limits{})
	cog := h.submit(t, `(TRY (AWAIT (EVENT {type="never", source="nobody"}) {timeout="50ms"}) ON-FAIL "moved on")`)
	if cog.Status != domain.CognitionSuccess || cog.Result != "moved on" {
		t.Fatalf("expected the timeout caught, got %s %v", cog.Status, cog.Result)
	}
}

func TestClarifySuspendsWithOptions(t *testing.T) {
	h := newHarness(t, Limits{})
	cog := h.submit(t, `(CLARIFY "which database?" "postgres" "sqlite")`)

	if cog.Status != domain.CognitionClarify {
		t.Fatalf("expected clarify status, got %s", cog.Status)
	}
	want := domain.Clarification{
		Kind:     "clarify",
		Question: "which database?",
		Options:  []string{"postgres", "sqlite"},
	}
	if diff := cmp.Diff(want, cog.Result); diff != "" {
		t.Fatalf("clarification mismatch (-want +got):\n%s", diff)
	}
}

func TestBudgetTimeoutIsFatal(t *testing.T) {
	h := newHarness(t, Limits{})
	cog, err := h.kernel.Submit(context.Background(), "a1",
		`(TRY (AWAIT (EVENT {type="never", source="nobody"})) ON-FAIL "should not catch")`,
		50*time.Millisecond)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if cog.Status != domain.CognitionError || cog.ErrorKind != "CognitionTimeout" {
		t.Fatalf("expected CognitionTimeout past TRY, got %s %s (%v)", cog.Status, cog.ErrorKind, cog.Result)
	}
}

func TestCancelAgentMidAwait(t *testing.T) {
	h := newHarness(t, Limits{})

	done := make(chan *domain.Cognition, 1)
	go func() {
		cog, err := h.kernel.Submit(context.Background(), "a1",
			`(AWAIT (EVENT {type="never", source="nobody"}))`, time.Minute)
		if err == nil {
			done <- cog
		}
	}()

	deadline := time.After(2 * time.Second)
	for h.kernel.InFlight() == 0 {
		select {
		case <-deadline:
			t.Fatal("cognition never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	h.kernel.CancelAgent("a1")

	select {
	case cog := <-done:
		if cog.Status != domain.CognitionCancelled || cog.ErrorKind != "Cancelled" {
			t.Fatalf("expected cancelled status, got %s %s", cog.Status, cog.ErrorKind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled cognition never returned")
	}
}

func TestBackpressurePerAgent(t *testing.T) {
	h := newHarness(t, Limits{MaxPerAgent: 1, MaxTotal: 10})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.kernel.Submit(context.Background(), "a1",
			`(AWAIT (EVENT {type="never", source="nobody"}) {timeout="2s"})`, time.Minute)
	}()

	deadline := time.After(2 * time.Second)
	for h.kernel.InFlight() == 0 {
		select {
		case <-deadline:
			t.Fatal("first cognition never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_, err := h.kernel.Submit(context.Background(), "a1", `(PLAN 1)`, time.Minute)
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != domain.ErrBackpressureRejected {
		t.Fatalf("expected BackpressureRejected, got %v", err)
	}

	// A different agent is unaffected.
	if _, err := h.kernel.Submit(context.Background(), "a2", `(PLAN 1)`, time.Minute); err != nil {
		t.Fatalf("expected other agent admitted, got %v", err)
	}

	h.kernel.CancelAgent("a1")
	<-done
}

func TestBackpressureTotalCap(t *testing.T) {
	h := newHarness(t, Limits{MaxPerAgent: 10, MaxTotal: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.kernel.Submit(context.Background(), "a1",
			`(AWAIT (EVENT {type="never", source="nobody"}) {timeout="2s"})`, time.Minute)
	}()

	deadline := time.After(2 * time.Second)
	for h.kernel.InFlight() == 0 {
		select {
		case <-deadline:
			t.Fatal("first cognition never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_, err := h.kernel.Submit(context.Background(), "a2", `(PLAN 1)`, time.Minute)
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != domain.ErrBackpressureRejected {
		t.Fatalf("expected BackpressureRejected at the process cap, got %v", err)
	}

	h.kernel.CancelAgent("a1")
	<-done
}

func TestPanickingToolRecordsInternalError(t *testing.T) {
	h := newHarness(t, Limits{})
	if err := h.registry.Register(&domain.ToolDescriptor{
		Name:    "boom",
		Params:  []domain.ToolParam{},
		Handler: func(context.Context, []any) (any, error) { panic("kaput") },
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// A panic is not a typed error: TRY must not catch it.
	cog := h.submit(t, `(TRY (EXECUTE "boom") ON-FAIL "should not catch")`)
	if cog.Status != domain.CognitionError || cog.ErrorKind != "internal" {
		t.Fatalf("expected internal fault, got %s %s (%v)", cog.Status, cog.ErrorKind, cog.Result)
	}
}

func TestDeregistrationCancelsInFlight(t *testing.T) {
	h := newHarness(t, Limits{})
	if _, err := h.bus.Register(context.Background(), "a1", nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	done := make(chan *domain.Cognition, 1)
	go func() {
		cog, err := h.kernel.Submit(context.Background(), "a1",
			`(AWAIT (EVENT {type="never", source="nobody"}))`, time.Minute)
		if err == nil {
			done <- cog
		}
	}()

	deadline := time.After(2 * time.Second)
	for h.kernel.InFlight() == 0 {
		select {
		case <-deadline:
			t.Fatal("cognition never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := h.bus.Deregister(context.Background(), "a1"); err != nil {
		t.Fatalf("deregister failed: %v", err)
	}

	select {
	case cog := <-done:
		if cog.Status != domain.CognitionCancelled {
			t.Fatalf("expected cancellation on deregister, got %s", cog.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cognition survived its agent")
	}
}

func TestSubmitRejectsNonPositiveBudget(t *testing.T) {
	h := newHarness(t, Limits{})
	for _, budget := range []time.Duration{0, -time.Second} {
		_, err := h.kernel.Submit(context.Background(), "a1", `(PLAN 1)`, budget)
		var derr *domain.Error
		if !errors.As(err, &derr) || derr.Kind != domain.ErrArgument {
			t.Fatalf("budget %v: expected ArgumentError at submission, got %v", budget, err)
		}
		if h.cogs.count() != 0 {
			t.Fatalf("budget %v: rejected submission must not reach the audit log", budget)
		}
	}
}

func TestBudgetClampedToMaximum(t *testing.T) {
	h := newHarness(t, Limits{MaxBudget: 50 * time.Millisecond})
	cog, err := h.kernel.Submit(context.Background(), "a1",
		`(AWAIT (EVENT {type="never", source="nobody"}))`, time.Hour)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if cog.ErrorKind != "CognitionTimeout" {
		t.Fatalf("expected the clamped budget to expire, got %s %s", cog.Status, cog.ErrorKind)
	}
}
