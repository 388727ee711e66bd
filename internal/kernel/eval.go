package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noesis-ai/noesis/internal/bus"
	"github.com/noesis-ai/noesis/internal/domain"
	"github.com/noesis-ai/noesis/internal/il"
	"github.com/noesis-ai/noesis/internal/tool"

	"github.com/google/uuid"
)

// evaluator runs one cognition's AST. It owns the scope stack and the
// read/write counters that end up in the audit record.
type evaluator struct {
	k       *Kernel
	cogID   uuid.UUID
	agentID string
	scopes  *scopeStack
}

func newEvaluator(k *Kernel, cogID uuid.UUID, agentID string) *evaluator {
	return &evaluator{k: k, cogID: cogID, agentID: agentID, scopes: newScopeStack()}
}

// eval dispatches one AST node. Every returned error is a
// *domain.Error carrying the node's source span.
func (e *evaluator) eval(ctx context.Context, node il.Node) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, e.ctxError(ctx, node)
	}

	switch n := node.(type) {
	case *il.StringLit:
		return n.Value, nil
	case *il.NumberLit:
		return n.Value, nil
	case *il.BoolLit:
		return n.Value, nil
	case *il.Symbol:
		return n.Name, nil
	case *il.VarRef:
		return e.resolveVar(n)
	case *il.Meta:
		return e.evalMeta(ctx, n)
	case *il.Form:
		return e.evalForm(ctx, n)
	default:
		return nil, spanned(domain.NewError(domain.ErrParse, "unexpected node %T", node), node)
	}
}

func (e *evaluator) evalForm(ctx context.Context, form *il.Form) (any, error) {
	switch form.Op {
	case il.OpQuery:
		return e.evalQuery(ctx, form)
	case il.OpExecute:
		return e.evalExecute(ctx, form, false)
	case il.OpSandboxedExecute:
		return e.evalExecute(ctx, form, true)
	case il.OpPlan:
		return e.evalPlan(ctx, form)
	case il.OpCommunicate:
		return e.evalCommunicate(ctx, form)
	case il.OpLet:
		return e.evalLet(ctx, form)
	case il.OpTry:
		return e.evalTry(ctx, form)
	case il.OpAwait:
		return e.evalAwait(ctx, form)
	case il.OpClarify:
		return e.evalClarify(ctx, form)
	case il.OpEvent:
		return e.evalEvent(ctx, form)
	default:
		return nil, spanned(domain.NewError(domain.ErrUnknownOperator, "unknown operator %q", form.Op), form)
	}
}

// resolveVar looks the variable up innermost-out, then walks any dotted
// access path through mapping values.
func (e *evaluator) resolveVar(ref *il.VarRef) (any, error) {
	value, ok := e.scopes.lookup(ref.Name)
	if !ok {
		return nil, spanned(domain.NewError(domain.ErrUnknownVariable, "unbound variable $%s", ref.Name), ref)
	}
	for _, key := range ref.Path {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, spanned(domain.NewError(domain.ErrUnknownVariable,
				"$%s.%s: value is not a mapping", ref.Name, strings.Join(ref.Path, ".")), ref)
		}
		value, ok = m[key]
		if !ok {
			return nil, spanned(domain.NewError(domain.ErrUnknownVariable,
				"$%s has no key %q", ref.Name, key), ref)
		}
	}
	return value, nil
}

// evalMeta evaluates a metadata block into a plain map.
func (e *evaluator) evalMeta(ctx context.Context, meta *il.Meta) (map[string]any, error) {
	out := make(map[string]any, len(meta.Entries))
	for _, entry := range meta.Entries {
		value, err := e.eval(ctx, entry.Value)
		if err != nil {
			return nil, err
		}
		out[entry.Key] = value
	}
	return out, nil
}

// trailingMeta evaluates the form's trailing metadata block, if any.
func (e *evaluator) trailingMeta(ctx context.Context, form *il.Form) (map[string]any, error) {
	m := form.TrailingMeta()
	if m == nil {
		return nil, nil
	}
	return e.evalMeta(ctx, m)
}

func (e *evaluator) evalQuery(ctx context.Context, form *il.Form) (any, error) {
	args := form.Args()
	if len(args) != 1 {
		return nil, spanned(domain.NewError(domain.ErrArity, "QUERY takes one intent, got %d operands", len(args)), form)
	}
	intentVal, err := e.eval(ctx, args[0])
	if err != nil {
		return nil, err
	}
	intent, ok := intentVal.(string)
	if !ok {
		return nil, spanned(domain.NewError(domain.ErrArgument, "QUERY intent must be a string, got %T", intentVal), form)
	}
	meta, err := e.trailingMeta(ctx, form)
	if err != nil {
		return nil, err
	}

	q := domain.RetrieveQuery{Text: intent, AgentID: e.agentID}
	if v, ok := meta["agent_id"].(string); ok {
		q.AgentID = v
	}
	if v, ok := meta["domain"].(string); ok {
		q.Domain = v
	}
	if v, ok := meta["mode"].(string); ok {
		q.Mode = domain.RetrieveMode(v)
	}
	if v, ok := meta["k"].(float64); ok {
		q.K = int(v)
	}
	if v, ok := meta["min_similarity"].(float64); ok {
		q.MinSimilarity = float32(v)
	}
	if v, ok := meta["include_degraded"].(bool); ok {
		q.IncludeDegraded = v
	}
	if v, ok := meta["kind"].(string); ok {
		if !domain.ValidMemoryKind(v) {
			return nil, spanned(domain.NewError(domain.ErrArgument, "unknown memory kind %q", v), form)
		}
		q.Kinds = []domain.MemoryKind{domain.MemoryKind(v)}
	}

	hits, err := e.k.memory.Retrieve(ctx, q)
	if err != nil {
		return nil, e.wrap(ctx, err, form)
	}
	CountMemoryReads(ctx, len(hits))
	return hits, nil
}

func (e *evaluator) evalExecute(ctx context.Context, form *il.Form, sandboxed bool) (any, error) {
	args := form.Args()
	if len(args) < 1 {
		return nil, spanned(domain.NewError(domain.ErrArity, "%s takes a tool name", form.Op), form)
	}
	nameVal, err := e.eval(ctx, args[0])
	if err != nil {
		return nil, err
	}
	name, ok := nameVal.(string)
	if !ok {
		return nil, spanned(domain.NewError(domain.ErrArgument, "tool name must be a string, got %T", nameVal), form)
	}

	desc, ok := e.k.registry.Get(name)
	if !ok {
		return nil, spanned(domain.NewError(domain.ErrUnknownTool, "no tool named %q", name), form)
	}
	if desc.RequiresSandbox && !sandboxed {
		return nil, spanned(domain.NewError(domain.ErrArgument,
			"tool %q requires SANDBOXED-EXECUTE", name), form)
	}

	toolArgs := make([]any, 0, len(args)-1)
	for _, operand := range args[1:] {
		value, err := e.eval(ctx, operand)
		if err != nil {
			return nil, err
		}
		toolArgs = append(toolArgs, value)
	}
	if err := tool.ValidateArgs(desc, toolArgs); err != nil {
		return nil, e.wrap(ctx, err, form)
	}

	if sandboxed {
		limits, err := e.sandboxLimits(ctx, form)
		if err != nil {
			return nil, err
		}
		value, err := e.k.sandbox.Run(ctx, desc, toolArgs, limits)
		if err != nil {
			return nil, e.wrap(ctx, err, form)
		}
		return value, nil
	}

	value, err := desc.Handler(ctx, toolArgs)
	if err != nil {
		return nil, e.wrap(ctx, err, form)
	}
	return value, nil
}

// sandboxLimits reads the trailing metadata block into resource caps.
func (e *evaluator) sandboxLimits(ctx context.Context, form *il.Form) (domain.ResourceLimits, error) {
	var limits domain.ResourceLimits
	meta, err := e.trailingMeta(ctx, form)
	if err != nil {
		return limits, err
	}
	if v, ok := meta["cpu_seconds"].(float64); ok {
		limits.CPUSeconds = v
	}
	if v, ok := meta["wall_clock_seconds"].(float64); ok {
		limits.WallClockSeconds = v
	}
	if v, ok := meta["memory_bytes"].(float64); ok {
		limits.MemoryBytes = int64(v)
	}
	if v, ok := meta["network"].(bool); ok {
		limits.NetworkAllowed = v
	}
	return limits, nil
}

func (e *evaluator) evalPlan(ctx context.Context, form *il.Form) (any, error) {
	if len(form.Operands) == 0 {
		return nil, spanned(domain.NewError(domain.ErrArity, "PLAN takes at least one expression"), form)
	}
	var value any
	for i, step := range form.Operands {
		var err error
		value, err = e.eval(ctx, step)
		if err != nil {
			return nil, err
		}
		if len(form.Operands) > 1 {
			e.k.emit("agent.thought", map[string]any{
				"cognition_id": e.cogID.String(),
				"agent_id":     e.agentID,
				"step":         i + 1,
				"of":           len(form.Operands),
				"form":         il.Print(step),
			})
		}
	}
	return value, nil
}

func (e *evaluator) evalCommunicate(ctx context.Context, form *il.Form) (any, error) {
	args := form.Args()
	if len(args) != 2 {
		return nil, spanned(domain.NewError(domain.ErrArity, "COMMUNICATE takes a recipient and a message, got %d operands", len(args)), form)
	}
	recipientVal, err := e.eval(ctx, args[0])
	if err != nil {
		return nil, err
	}
	recipient, ok := recipientVal.(string)
	if !ok {
		return nil, spanned(domain.NewError(domain.ErrArgument, "recipient must be an agent id, got %T", recipientVal), form)
	}
	payload, err := e.eval(ctx, args[1])
	if err != nil {
		return nil, err
	}

	msgID, err := e.k.bus.SendMessage(ctx, recipient, e.agentID, payload)
	if err != nil {
		if errors.Is(err, bus.ErrUnknownAgent) {
			return nil, spanned(domain.NewError(domain.ErrUnknownAgent, "no agent %q registered", recipient), form)
		}
		if errors.Is(err, bus.ErrInboxFull) {
			return nil, spanned(domain.NewError(domain.ErrBackpressureRejected, "agent %q cannot accept messages right now", recipient), form)
		}
		return nil, e.wrap(ctx, err, form)
	}
	return msgID.String(), nil
}

func (e *evaluator) evalLet(ctx context.Context, form *il.Form) (any, error) {
	e.scopes.push()
	defer e.scopes.pop()

	// Bindings evaluate left to right inside the new frame, so a later
	// binding sees the earlier ones.
	for _, binding := range form.Bindings {
		value, err := e.eval(ctx, binding.Expr)
		if err != nil {
			return nil, err
		}
		e.scopes.define(binding.Name, value)
	}
	return e.eval(ctx, form.Body)
}

func (e *evaluator) evalTry(ctx context.Context, form *il.Form) (any, error) {
	value, err := e.eval(ctx, form.TryBody)
	if err == nil {
		return value, nil
	}

	var domErr *domain.Error
	if !errors.As(err, &domErr) || domErr.Fatal() {
		return nil, err
	}

	// $error is visible in the fail body only.
	e.scopes.push()
	defer e.scopes.pop()
	e.scopes.define("error", map[string]any{
		"kind":        string(domErr.Kind),
		"message":     domErr.Message,
		"source-span": domErr.Span,
	})
	return e.eval(ctx, form.FailBody)
}

func (e *evaluator) evalAwait(ctx context.Context, form *il.Form) (any, error) {
	args := form.Args()
	if len(args) != 1 {
		return nil, spanned(domain.NewError(domain.ErrArity, "AWAIT takes one event selector, got %d operands", len(args)), form)
	}
	selectorVal, err := e.eval(ctx, args[0])
	if err != nil {
		return nil, err
	}
	selector, ok := selectorVal.(domain.Selector)
	if !ok {
		return nil, spanned(domain.NewError(domain.ErrArgument, "AWAIT needs an event selector, got %T", selectorVal), form)
	}
	meta, err := e.trailingMeta(ctx, form)
	if err != nil {
		return nil, err
	}
	timeout, err := parseTimeout(meta["timeout"])
	if err != nil {
		return nil, spanned(domain.NewError(domain.ErrArgument, "bad timeout: %v", err), form)
	}

	events, cancel, err := e.k.bus.Subscribe(e.cogID, selector)
	if err != nil {
		if errors.Is(err, bus.ErrAwaitInUse) {
			return nil, spanned(domain.NewError(domain.ErrArgument,
				"an await for (%s, %s) is already pending", selector.Type, selector.Source), form)
		}
		return nil, e.wrap(ctx, err, form)
	}
	defer cancel()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case ev := <-events:
		payload := map[string]any{
			"type":   ev.Type,
			"source": ev.Source,
		}
		for k, v := range ev.Payload {
			payload[k] = v
		}
		return payload, nil
	case <-timer:
		return nil, spanned(domain.NewError(domain.ErrAwaitTimeout,
			"no (%s, %s) event within %s", selector.Type, selector.Source, timeout), form)
	case <-ctx.Done():
		return nil, e.ctxError(ctx, form)
	}
}

func (e *evaluator) evalClarify(ctx context.Context, form *il.Form) (any, error) {
	args := form.Args()
	if len(args) < 1 {
		return nil, spanned(domain.NewError(domain.ErrArity, "CLARIFY takes a question and options"), form)
	}
	questionVal, err := e.eval(ctx, args[0])
	if err != nil {
		return nil, err
	}
	question, ok := questionVal.(string)
	if !ok {
		return nil, spanned(domain.NewError(domain.ErrArgument, "CLARIFY question must be a string, got %T", questionVal), form)
	}

	options := make([]string, 0, len(args)-1)
	for _, operand := range args[1:] {
		value, err := e.eval(ctx, operand)
		if err != nil {
			return nil, err
		}
		opt, ok := value.(string)
		if !ok {
			return nil, spanned(domain.NewError(domain.ErrArgument, "CLARIFY options must be strings, got %T", value), form)
		}
		options = append(options, opt)
	}
	return domain.Clarification{Kind: "clarify", Question: question, Options: options}, nil
}

// evalEvent builds an event selector from its metadata block. The type
// and source keys name the match target; every remaining key becomes a
// payload filter.
func (e *evaluator) evalEvent(ctx context.Context, form *il.Form) (any, error) {
	meta := form.TrailingMeta()
	if meta == nil || len(form.Operands) != 1 {
		return nil, spanned(domain.NewError(domain.ErrArity, "EVENT takes one metadata block"), form)
	}
	values, err := e.evalMeta(ctx, meta)
	if err != nil {
		return nil, err
	}

	selector := domain.Selector{}
	for key, value := range values {
		switch key {
		case "type":
			selector.Type, _ = value.(string)
		case "source":
			selector.Source, _ = value.(string)
		default:
			if selector.Filter == nil {
				selector.Filter = make(map[string]any)
			}
			selector.Filter[key] = value
		}
	}
	if selector.Type == "" {
		return nil, spanned(domain.NewError(domain.ErrArgument, "EVENT selector needs a type"), form)
	}
	return selector, nil
}

// parseTimeout accepts a duration string ("2s") or a number of seconds.
func parseTimeout(v any) (time.Duration, error) {
	switch value := v.(type) {
	case nil:
		return 0, nil
	case string:
		return time.ParseDuration(value)
	case float64:
		return time.Duration(value * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("timeout must be a duration string or seconds, got %T", v)
}

// ctxError maps context termination onto the cognition error kinds.
func (e *evaluator) ctxError(ctx context.Context, node il.Node) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return spanned(domain.NewError(domain.ErrCognitionTimeout, "cognition budget exceeded"), node)
	}
	return spanned(domain.NewError(domain.ErrCancelled, "cognition cancelled"), node)
}

// wrap normalizes an error from a collaborator into a spanned
// *domain.Error. Context termination wins over whatever the
// collaborator reported.
func (e *evaluator) wrap(ctx context.Context, err error, node il.Node) error {
	if ctx.Err() != nil {
		return e.ctxError(ctx, node)
	}
	var domErr *domain.Error
	if errors.As(err, &domErr) {
		return spanned(domErr, node)
	}
	return spanned(domain.NewError(domain.ErrArgument, "%v", err), node)
}

// spanned fills in the error's source span when the error has none.
func spanned(err *domain.Error, node il.Node) *domain.Error {
	if err.Span == "" && node != nil {
		err.Span = node.Span().String()
	}
	return err
}
