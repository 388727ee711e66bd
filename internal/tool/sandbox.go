package tool

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noesis-ai/noesis/internal/domain"
)

type contextKey string

const (
	workDirKey contextKey = "sandbox_work_dir"
	networkKey contextKey = "sandbox_network_allowed"
)

// WorkDirFromContext returns the per-invocation temporary directory a
// sandboxed handler may read and write.
func WorkDirFromContext(ctx context.Context) string {
	dir, _ := ctx.Value(workDirKey).(string)
	return dir
}

// NetworkAllowed reports whether the current invocation may open
// outbound connections. Handlers that reach the network must consult it.
func NetworkAllowed(ctx context.Context) bool {
	allowed, ok := ctx.Value(networkKey).(bool)
	return ok && allowed
}

// shellMeta are the characters scrubbing rejects in string arguments of
// sandboxed invocations, unless the parameter is declared raw-string.
const shellMeta = "|&;<>`$(){}!"

// Sandbox runs tool handlers under enforced resource limits. Isolation
// is watchdog-based: the handler runs on its own goroutine with a hard
// deadline from the tighter of the CPU and wall-clock caps, a
// per-invocation temp directory, and a network-permission flag the
// handler must honor. A handler that overruns is abandoned and its
// result discarded.
type Sandbox struct {
	defaults domain.ResourceLimits
	logger   *zap.Logger
}

func NewSandbox(defaults domain.ResourceLimits, logger *zap.Logger) *Sandbox {
	if defaults.CPUSeconds <= 0 {
		defaults.CPUSeconds = 5
	}
	if defaults.WallClockSeconds <= 0 {
		defaults.WallClockSeconds = 10
	}
	if defaults.MemoryBytes <= 0 {
		defaults.MemoryBytes = 256 << 20
	}
	return &Sandbox{defaults: defaults, logger: logger}
}

func (s *Sandbox) merge(limits domain.ResourceLimits) domain.ResourceLimits {
	if limits.CPUSeconds <= 0 {
		limits.CPUSeconds = s.defaults.CPUSeconds
	}
	if limits.WallClockSeconds <= 0 {
		limits.WallClockSeconds = s.defaults.WallClockSeconds
	}
	if limits.MemoryBytes <= 0 {
		limits.MemoryBytes = s.defaults.MemoryBytes
	}
	return limits
}

// scrub rejects shell metacharacters in string arguments whose
// parameter is not declared raw-string.
func scrub(d *domain.ToolDescriptor, args []any) error {
	for i, arg := range args {
		str, ok := arg.(string)
		if !ok {
			continue
		}
		if i < len(d.Params) && d.Params[i].Type == domain.ParamRawString {
			continue
		}
		if strings.ContainsAny(str, shellMeta) {
			return &domain.Error{
				Kind:    domain.ErrArgument,
				Message: fmt.Sprintf("argument %d contains shell metacharacters", i),
			}
		}
	}
	return nil
}

type invokeResult struct {
	value any
	err   error
}

// Run executes the handler under limits. Violations surface as
// SandboxViolation naming the exceeded limit and the observed value.
func (s *Sandbox) Run(ctx context.Context, d *domain.ToolDescriptor, args []any, limits domain.ResourceLimits) (any, error) {
	limits = s.merge(limits)

	if err := scrub(d, args); err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "noesis-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	// The tighter of the CPU and wall caps decides the deadline; the
	// violation names whichever was smaller.
	deadline := time.Duration(limits.WallClockSeconds * float64(time.Second))
	limitName := "wall_clock_seconds"
	if cpu := time.Duration(limits.CPUSeconds * float64(time.Second)); cpu < deadline {
		deadline = cpu
		limitName = "cpu_seconds"
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	runCtx = context.WithValue(runCtx, workDirKey, workDir)
	runCtx = context.WithValue(runCtx, networkKey, limits.NetworkAllowed)

	start := time.Now()
	resultCh := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- invokeResult{err: fmt.Errorf("tool %q panicked: %v", d.Name, r)}
			}
		}()
		value, err := d.Handler(runCtx, args)
		resultCh <- invokeResult{value: value, err: err}
	}()

	select {
	case result := <-resultCh:
		return result.value, result.err
	case <-runCtx.Done():
		elapsed := time.Since(start).Seconds()
		if ctx.Err() != nil {
			// The enclosing cognition was cancelled or timed out.
			return nil, ctx.Err()
		}
		s.logger.Warn("sandbox limit exceeded",
			zap.String("tool", d.Name),
			zap.String("limit", limitName),
			zap.Float64("observed_seconds", elapsed))
		return nil, &domain.Error{
			Kind:    domain.ErrSandboxViolation,
			Message: fmt.Sprintf("tool %q exceeded %s", d.Name, limitName),
			Detail: map[string]any{
				"limit":    limitName,
				"observed": elapsed,
			},
		}
	}
}
