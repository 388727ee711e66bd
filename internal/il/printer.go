package il

import (
	"fmt"
	"strconv"
	"strings"
)

// Print renders a node back to canonical IL source. Parsing the output
// yields an equivalent AST; only whitespace may differ from the input.
func Print(n Node) string {
	var sb strings.Builder
	printNode(&sb, n)
	return sb.String()
}

func printNode(sb *strings.Builder, n Node) {
	switch node := n.(type) {
	case *StringLit:
		sb.WriteString(quote(node.Value))
	case *NumberLit:
		sb.WriteString(strconv.FormatFloat(node.Value, 'g', -1, 64))
	case *BoolLit:
		sb.WriteString(strconv.FormatBool(node.Value))
	case *Symbol:
		sb.WriteString(node.Name)
	case *VarRef:
		sb.WriteByte('$')
		sb.WriteString(node.Name)
		for _, p := range node.Path {
			sb.WriteByte('.')
			sb.WriteString(p)
		}
	case *Meta:
		sb.WriteByte('{')
		for i, e := range node.Entries {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(e.Key)
			sb.WriteByte('=')
			printNode(sb, e.Value)
		}
		sb.WriteByte('}')
	case *Form:
		printForm(sb, node)
	default:
		sb.WriteString(fmt.Sprintf("<?%T>", n))
	}
}

func printForm(sb *strings.Builder, f *Form) {
	sb.WriteByte('(')
	sb.WriteString(f.Op)
	switch f.Op {
	case OpLet:
		sb.WriteString(" (")
		for i, b := range f.Bindings {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteByte('(')
			sb.WriteString(b.Name)
			sb.WriteByte(' ')
			printNode(sb, b.Expr)
			sb.WriteByte(')')
		}
		sb.WriteString(") ")
		printNode(sb, f.Body)
	case OpTry:
		sb.WriteByte(' ')
		printNode(sb, f.TryBody)
		sb.WriteString(" ON-FAIL ")
		printNode(sb, f.FailBody)
	default:
		for _, operand := range f.Operands {
			sb.WriteByte(' ')
			printNode(sb, operand)
		}
	}
	sb.WriteByte(')')
}

func quote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
