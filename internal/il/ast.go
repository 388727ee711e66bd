// Package il implements the S-expression instruction language: lexer,
// parser, AST, and a canonical printer.
package il

import "fmt"

// Pos is a 1-based source position.
type Pos struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

func (p Pos) String() string { return fmt.Sprintf("%d:%d", p.Line, p.Col) }

// Span covers a node's source extent, for error reporting.
type Span struct {
	Start Pos `json:"start"`
	End   Pos `json:"end"`
}

func (s Span) String() string { return fmt.Sprintf("%s-%s", s.Start, s.End) }

// Node is one AST node.
type Node interface {
	Span() Span
}

// Operator names form a closed set; the parser builds forms for any
// well-shaped operator and the kernel rejects unknown ones at dispatch.
const (
	OpQuery            = "QUERY"
	OpExecute          = "EXECUTE"
	OpPlan             = "PLAN"
	OpCommunicate      = "COMMUNICATE"
	OpLet              = "LET"
	OpTry              = "TRY"
	OpOnFail           = "ON-FAIL"
	OpAwait            = "AWAIT"
	OpSandboxedExecute = "SANDBOXED-EXECUTE"
	OpClarify          = "CLARIFY"
	OpEvent            = "EVENT"
)

type StringLit struct {
	Value string
	span  Span
}

func (n *StringLit) Span() Span { return n.span }

type NumberLit struct {
	Value float64
	span  Span
}

func (n *NumberLit) Span() Span { return n.span }

type BoolLit struct {
	Value bool
	span  Span
}

func (n *BoolLit) Span() Span { return n.span }

// Symbol is a bare identifier operand; it evaluates to its own name.
type Symbol struct {
	Name string
	span Span
}

func (n *Symbol) Span() Span { return n.span }

// VarRef is a $variable reference, optionally with a dotted access path
// into mapping values ($error.kind).
type VarRef struct {
	Name string
	Path []string
	span Span
}

func (n *VarRef) Span() Span { return n.span }

// MetaEntry is one key=value pair of a metadata block. Values are
// literals only.
type MetaEntry struct {
	Key   string
	Value Node
}

// Meta is a {k=v, ...} metadata block. Keys preserve source order for
// the printer.
type Meta struct {
	Entries []MetaEntry
	span    Span
}

func (n *Meta) Span() Span { return n.span }

// Get returns the entry value for key, or nil.
func (n *Meta) Get(key string) Node {
	for _, e := range n.Entries {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

// Binding is one (name expression) pair of a LET binding list.
type Binding struct {
	Name string
	Expr Node
}

// Form is one operator application. Operands carries the general case;
// LET and TRY populate their dedicated fields instead.
type Form struct {
	Op       string
	Operands []Node // includes a trailing *Meta when present

	Bindings []Binding // LET
	Body     Node      // LET

	TryBody  Node // TRY
	FailBody Node // TRY

	span Span
}

func (n *Form) Span() Span { return n.span }

// TrailingMeta returns the last operand when it is a metadata block.
func (n *Form) TrailingMeta() *Meta {
	if len(n.Operands) == 0 {
		return nil
	}
	m, _ := n.Operands[len(n.Operands)-1].(*Meta)
	return m
}

// Args returns the operands with any trailing metadata block stripped.
func (n *Form) Args() []Node {
	if n.TrailingMeta() != nil {
		return n.Operands[:len(n.Operands)-1]
	}
	return n.Operands
}
