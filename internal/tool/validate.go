package tool

import (
	"fmt"

	"github.com/noesis-ai/noesis/internal/domain"
)

// ValidateArgs checks positional args against the declared parameters.
// No coercion happens between string and number; a mismatch is an
// ArgumentError naming the parameter, the expected type, and what
// arrived.
func ValidateArgs(d *domain.ToolDescriptor, args []any) error {
	required := 0
	for _, p := range d.Params {
		if p.Required {
			required++
		}
	}
	if len(args) < required || len(args) > len(d.Params) {
		return &domain.Error{
			Kind:    domain.ErrArgument,
			Message: fmt.Sprintf("tool %q takes %d-%d arguments, got %d", d.Name, required, len(d.Params), len(args)),
		}
	}

	for i, arg := range args {
		p := d.Params[i]
		if err := checkType(p, arg); err != nil {
			return err
		}
	}
	return nil
}

func checkType(p domain.ToolParam, arg any) error {
	var ok bool
	switch p.Type {
	case domain.ParamString, domain.ParamRawString:
		_, ok = arg.(string)
	case domain.ParamNumber:
		_, ok = arg.(float64)
	case domain.ParamBool:
		_, ok = arg.(bool)
	case domain.ParamAny:
		ok = true
	default:
		ok = true
	}
	if !ok {
		return &domain.Error{
			Kind:    domain.ErrArgument,
			Message: fmt.Sprintf("argument %q expects %s, got %T", p.Name, p.Type, arg),
			Detail: map[string]any{
				"which":    p.Name,
				"expected": string(p.Type),
				"got":      fmt.Sprintf("%T", arg),
			},
		}
	}
	return nil
}
