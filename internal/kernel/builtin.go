package kernel

import (
	"context"

	"github.com/noesis-ai/noesis/internal/domain"
	"github.com/noesis-ai/noesis/internal/service"
	"github.com/noesis-ai/noesis/internal/tool"
)

// RegisterBuiltinTools installs the tools every deployment gets. The
// "remember" tool lets an IL expression write memories; external tools
// come from the host process.
func RegisterBuiltinTools(registry *tool.Registry, memory *service.MemoryService) error {
	return registry.Register(&domain.ToolDescriptor{
		Name: "remember",
		Params: []domain.ToolParam{
			{Name: "kind", Type: domain.ParamString, Required: true},
			{Name: "content", Type: domain.ParamAny, Required: true},
			{Name: "agent_id", Type: domain.ParamString},
		},
		OutputType: domain.ParamAny,
		Handler: func(ctx context.Context, args []any) (any, error) {
			kind, _ := args[0].(string)
			content, ok := args[1].(map[string]any)
			if !ok {
				return nil, domain.NewError(domain.ErrArgument, "content must be a metadata block")
			}
			agentID := ""
			if len(args) > 2 {
				agentID, _ = args[2].(string)
			}

			result, err := memory.Store(ctx, domain.MemoryKind(kind), content, agentID, nil)
			if err != nil {
				return nil, err
			}
			if result.Rejected == "" {
				CountMemoryWrite(ctx)
			}
			return result, nil
		},
	})
}
