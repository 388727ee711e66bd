package domain

import "context"

// ParamType is the declared type of a tool parameter. String and number
// are never coerced into each other.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "bool"
	ParamAny    ParamType = "any"
	// ParamRawString opts a string parameter out of shell-metacharacter
	// scrubbing under sandboxed execution.
	ParamRawString ParamType = "raw-string"
)

// ToolParam declares one positional input parameter.
type ToolParam struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Required bool      `json:"required"`
}

// ResourceLimits caps one sandboxed invocation. Zero fields fall back to
// the configured defaults.
type ResourceLimits struct {
	CPUSeconds       float64 `json:"cpu_seconds,omitempty"`
	WallClockSeconds float64 `json:"wall_clock_seconds,omitempty"`
	MemoryBytes      int64   `json:"memory_bytes,omitempty"`
	NetworkAllowed   bool    `json:"network_allowed,omitempty"`
}

// ToolHandler executes one invocation. Args arrive validated against the
// declared parameters, positionally. Handlers must honor ctx
// cancellation at their next convenient point.
type ToolHandler func(ctx context.Context, args []any) (any, error)

// ToolDescriptor is a registered tool. Descriptors are shared read-only
// across cognitions; re-registration under the same name replaces
// atomically.
type ToolDescriptor struct {
	Name            string
	Params          []ToolParam
	OutputType      ParamType
	RequiresSandbox bool
	Limits          ResourceLimits
	Handler         ToolHandler
}
