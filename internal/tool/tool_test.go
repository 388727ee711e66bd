package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/noesis-ai/noesis/internal/domain"
)

func echoTool(name string) *domain.ToolDescriptor {
	return &domain.ToolDescriptor{
		Name: name,
		Params: []domain.ToolParam{
			{Name: "text", Type: domain.ParamString, Required: true},
			{Name: "count", Type: domain.ParamNumber},
		},
		Handler: func(_ context.Context, args []any) (any, error) {
			return args[0], nil
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	d, ok := r.Get("echo")
	if !ok || d.Name != "echo" {
		t.Fatalf("expected echo descriptor, got %v %v", d, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected miss for unregistered tool")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "echo" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestRegistryRejectsIncompleteDescriptors(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&domain.ToolDescriptor{Name: "", Handler: func(context.Context, []any) (any, error) { return nil, nil }}); err == nil {
		t.Fatal("expected error for nameless tool")
	}
	if err := r.Register(&domain.ToolDescriptor{Name: "nohandler"}); err == nil {
		t.Fatal("expected error for handlerless tool")
	}
}

func TestRegistryReplaceIsAtomic(t *testing.T) {
	r := NewRegistry()
	first := echoTool("echo")
	if err := r.Register(first); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	replacement := echoTool("echo")
	replacement.Params = replacement.Params[:1]
	if err := r.Register(replacement); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	d, _ := r.Get("echo")
	if len(d.Params) != 1 {
		t.Fatalf("expected the replacement descriptor, got %d params", len(d.Params))
	}
}

func TestValidateArgsArity(t *testing.T) {
	d := echoTool("echo")

	if err := ValidateArgs(d, nil); err == nil {
		t.Fatal("expected missing required argument error")
	}
	if err := ValidateArgs(d, []any{"hi", float64(2), "extra"}); err == nil {
		t.Fatal("expected too-many-arguments error")
	}
	if err := ValidateArgs(d, []any{"hi"}); err != nil {
		t.Fatalf("optional argument may be omitted, got %v", err)
	}
	if err := ValidateArgs(d, []any{"hi", float64(2)}); err != nil {
		t.Fatalf("expected full arity to pass, got %v", err)
	}
}

func TestValidateArgsNoCoercion(t *testing.T) {
	d := echoTool("echo")

	// A number where a string is declared is a mismatch, not a coercion.
	err := ValidateArgs(d, []any{float64(5)})
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != domain.ErrArgument {
		t.Fatalf("expected ArgumentError, got %v", err)
	}
	if derr.Detail["which"] != "text" || derr.Detail["expected"] != "string" {
		t.Fatalf("expected mismatch detail naming the parameter, got %+v", derr.Detail)
	}
	if derr.Detail["got"] != "float64" {
		t.Fatalf("expected the arriving type in detail, got %+v", derr.Detail)
	}

	// And the reverse: a string where a number is declared.
	if err := ValidateArgs(d, []any{"hi", "2"}); err == nil {
		t.Fatal("expected string-for-number mismatch")
	}
}

func TestValidateArgsBoolAndAny(t *testing.T) {
	d := &domain.ToolDescriptor{
		Name: "flags",
		Params: []domain.ToolParam{
			{Name: "on", Type: domain.ParamBool, Required: true},
			{Name: "blob", Type: domain.ParamAny},
		},
		Handler: func(_ context.Context, args []any) (any, error) { return nil, nil },
	}

	if err := ValidateArgs(d, []any{true, map[string]any{"k": "v"}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := ValidateArgs(d, []any{"yes"}); err == nil {
		t.Fatal("expected string-for-bool mismatch")
	}
}

func TestSandboxRunsHandlerWithWorkDir(t *testing.T) {
	s := NewSandbox(domain.ResourceLimits{}, zap.NewNop())
	d := &domain.ToolDescriptor{
		Name:   "pwd",
		Params: []domain.ToolParam{},
		Handler: func(ctx context.Context, _ []any) (any, error) {
			return WorkDirFromContext(ctx), nil
		},
	}

	value, err := s.Run(context.Background(), d, nil, domain.ResourceLimits{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if dir, ok := value.(string); !ok || dir == "" {
		t.Fatalf("expected a work dir inside the handler, got %v", value)
	}
}

func TestSandboxEnforcesCPULimit(t *testing.T) {
	s := NewSandbox(domain.ResourceLimits{}, zap.NewNop())
	d := &domain.ToolDescriptor{
		Name:   "burn",
		Params: []domain.ToolParam{},
		Handler: func(ctx context.Context, _ []any) (any, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil, ctx.Err()
		},
	}

	_, err := s.Run(context.Background(), d, nil, domain.ResourceLimits{CPUSeconds: 0.05})
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != domain.ErrSandboxViolation {
		t.Fatalf("expected SandboxViolation, got %v", err)
	}
	if derr.Detail["limit"] != "cpu_seconds" {
		t.Fatalf("expected the cpu limit named, got %+v", derr.Detail)
	}
	if observed, ok := derr.Detail["observed"].(float64); !ok || observed <= 0 {
		t.Fatalf("expected observed seconds in detail, got %+v", derr.Detail)
	}
}

func TestSandboxWallClockNamedWhenTighter(t *testing.T) {
	s := NewSandbox(domain.ResourceLimits{}, zap.NewNop())
	d := &domain.ToolDescriptor{
		Name:   "stall",
		Params: []domain.ToolParam{},
		Handler: func(ctx context.Context, _ []any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	_, err := s.Run(context.Background(), d, nil,
		domain.ResourceLimits{CPUSeconds: 5, WallClockSeconds: 0.05})
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Detail["limit"] != "wall_clock_seconds" {
		t.Fatalf("expected wall clock violation, got %v", err)
	}
}

func TestSandboxScrubsShellMetacharacters(t *testing.T) {
	s := NewSandbox(domain.ResourceLimits{}, zap.NewNop())
	d := &domain.ToolDescriptor{
		Name: "grepper",
		Params: []domain.ToolParam{
			{Name: "query", Type: domain.ParamString, Required: true},
		},
		Handler: func(_ context.Context, args []any) (any, error) { return args[0], nil },
	}

	_, err := s.Run(context.Background(), d, []any{"ok; rm -rf /"}, domain.ResourceLimits{})
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != domain.ErrArgument {
		t.Fatalf("expected scrub rejection, got %v", err)
	}
}

func TestSandboxRawStringBypassesScrub(t *testing.T) {
	s := NewSandbox(domain.ResourceLimits{}, zap.NewNop())
	d := &domain.ToolDescriptor{
		Name: "grepper",
		Params: []domain.ToolParam{
			{Name: "pattern", Type: domain.ParamRawString, Required: true},
		},
		Handler: func(_ context.Context, args []any) (any, error) { return args[0], nil },
	}

	value, err := s.Run(context.Background(), d, []any{"^(foo|bar)$"}, domain.ResourceLimits{})
	if err != nil {
		t.Fatalf("expected raw-string pattern to pass, got %v", err)
	}
	if value != "^(foo|bar)$" {
		t.Fatalf("unexpected result %v", value)
	}
}

func TestSandboxNetworkFlag(t *testing.T) {
	s := NewSandbox(domain.ResourceLimits{}, zap.NewNop())
	d := &domain.ToolDescriptor{
		Name:   "fetch",
		Params: []domain.ToolParam{},
		Handler: func(ctx context.Context, _ []any) (any, error) {
			return NetworkAllowed(ctx), nil
		},
	}

	value, err := s.Run(context.Background(), d, nil, domain.ResourceLimits{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if value != false {
		t.Fatal("expected network denied by default")
	}

	value, err = s.Run(context.Background(), d, nil, domain.ResourceLimits{NetworkAllowed: true})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if value != true {
		t.Fatal("expected network allowed when granted")
	}
}

func TestSandboxRecoversHandlerPanic(t *testing.T) {
	s := NewSandbox(domain.ResourceLimits{}, zap.NewNop())
	d := &domain.ToolDescriptor{
		Name:    "boom",
		Params:  []domain.ToolParam{},
		Handler: func(context.Context, []any) (any, error) { panic("kaput") },
	}

	_, err := s.Run(context.Background(), d, nil, domain.ResourceLimits{})
	if err == nil {
		t.Fatal("expected panic surfaced as error")
	}
	var derr *domain.Error
	if errors.As(err, &derr) {
		t.Fatalf("a panic is an internal fault, not a typed error: %v", err)
	}
}
