package il

import "regexp"

// MaxSourceBytes caps accepted IL input; anything larger is a parse
// error before tokenization.
const MaxSourceBytes = 64 * 1024

var operatorPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]*(-[A-Z0-9]+)*$`)

// Parse turns IL source into an AST. The whole input must be a single
// expression; trailing tokens are an error.
func Parse(src string) (Node, error) {
	if len(src) > MaxSourceBytes {
		return nil, &ParseError{Line: 1, Column: 1, Message: "source exceeds 64 KB limit"}
	}

	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, errAt(p.tok.pos, "unexpected trailing input")
	}
	return node, nil
}

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) advance() *ParseError {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) parseExpr() (Node, *ParseError) {
	switch tok := p.tok; tok.kind {
	case tokLParen:
		return p.parseForm()
	case tokLBrace:
		return p.parseMeta()
	case tokString:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &StringLit{Value: tok.str, span: Span{tok.pos, tok.end}}, nil
	case tokNumber:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &NumberLit{Value: tok.num, span: Span{tok.pos, tok.end}}, nil
	case tokBool:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &BoolLit{Value: tok.b, span: Span{tok.pos, tok.end}}, nil
	case tokIdent:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Symbol{Name: tok.text, span: Span{tok.pos, tok.end}}, nil
	case tokVarRef:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &VarRef{Name: tok.text, Path: tok.path, span: Span{tok.pos, tok.end}}, nil
	case tokEOF:
		return nil, errAt(tok.pos, "unexpected end of input")
	default:
		return nil, errAt(tok.pos, "unexpected token")
	}
}

func (p *parser) parseForm() (Node, *ParseError) {
	start := p.tok.pos
	if err := p.advance(); err != nil { // consume (
		return nil, err
	}

	op := p.tok
	if op.kind != tokIdent || !operatorPattern.MatchString(op.text) {
		return nil, errAt(op.pos, "expected operator in uppercase-with-hyphens")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	switch op.text {
	case OpLet:
		return p.parseLet(start)
	case OpTry:
		return p.parseTry(start)
	}

	form := &Form{Op: op.text}
	for p.tok.kind != tokRParen {
		if p.tok.kind == tokEOF {
			return nil, errAt(p.tok.pos, "unclosed form, expected )")
		}
		operand, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		form.Operands = append(form.Operands, operand)
	}
	end := p.tok.end
	if err := p.advance(); err != nil { // consume )
		return nil, err
	}
	form.span = Span{start, end}
	return form, nil
}

var varNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// parseLet reads ((name expr) ...) body ) after the LET operator.
func (p *parser) parseLet(start Pos) (Node, *ParseError) {
	if p.tok.kind != tokLParen {
		return nil, errAt(p.tok.pos, "LET requires a binding list")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	form := &Form{Op: OpLet}
	seen := map[string]bool{}
	for p.tok.kind != tokRParen {
		if p.tok.kind != tokLParen {
			return nil, errAt(p.tok.pos, "LET binding must be a (name expression) pair")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		name := p.tok
		if name.kind != tokIdent || !varNamePattern.MatchString(name.text) {
			return nil, errAt(name.pos, "invalid binding name")
		}
		if seen[name.text] {
			return nil, errAt(name.pos, "duplicate binding name %q", name.text)
		}
		seen[name.text] = true
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, errAt(p.tok.pos, "LET binding must contain exactly one expression")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		form.Bindings = append(form.Bindings, Binding{Name: name.text, Expr: expr})
	}
	if err := p.advance(); err != nil { // close binding list
		return nil, err
	}

	body, perr := p.parseExpr()
	if perr != nil {
		return nil, perr
	}
	form.Body = body

	if p.tok.kind != tokRParen {
		return nil, errAt(p.tok.pos, "LET takes exactly one body expression")
	}
	end := p.tok.end
	if err := p.advance(); err != nil {
		return nil, err
	}
	form.span = Span{start, end}
	return form, nil
}

// parseTry reads try-body ON-FAIL fail-body ) after the TRY operator.
func (p *parser) parseTry(start Pos) (Node, *ParseError) {
	tryBody, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	if p.tok.kind != tokIdent || p.tok.text != OpOnFail {
		return nil, errAt(p.tok.pos, "TRY requires exactly one ON-FAIL clause")
	}
	if perr := p.advance(); perr != nil {
		return nil, perr
	}

	failBody, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	if p.tok.kind != tokRParen {
		return nil, errAt(p.tok.pos, "TRY takes exactly one ON-FAIL clause")
	}
	end := p.tok.end
	if perr := p.advance(); perr != nil {
		return nil, perr
	}

	return &Form{Op: OpTry, TryBody: tryBody, FailBody: failBody, span: Span{start, end}}, nil
}

// parseMeta reads a {key=value, ...} block. Values are literals,
// identifiers, or variable references.
func (p *parser) parseMeta() (Node, *ParseError) {
	start := p.tok.pos
	if err := p.advance(); err != nil { // consume {
		return nil, err
	}

	meta := &Meta{}
	seen := map[string]bool{}
	for p.tok.kind != tokRBrace {
		key := p.tok
		if key.kind != tokIdent {
			return nil, errAt(key.pos, "expected metadata key")
		}
		if seen[key.text] {
			return nil, errAt(key.pos, "duplicate metadata key %q", key.text)
		}
		seen[key.text] = true
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokEquals {
			return nil, errAt(p.tok.pos, "expected = after metadata key")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}

		value, err := p.parseMetaValue()
		if err != nil {
			return nil, err
		}
		meta.Entries = append(meta.Entries, MetaEntry{Key: key.text, Value: value})

		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		if p.tok.kind != tokRBrace {
			return nil, errAt(p.tok.pos, "expected , or } in metadata block")
		}
	}
	end := p.tok.end
	if err := p.advance(); err != nil { // consume }
		return nil, err
	}
	meta.span = Span{start, end}
	return meta, nil
}

func (p *parser) parseMetaValue() (Node, *ParseError) {
	switch tok := p.tok; tok.kind {
	case tokString, tokNumber, tokBool, tokIdent, tokVarRef:
		return p.parseExpr()
	default:
		return nil, errAt(tok.pos, "metadata value must be a literal, identifier, or variable reference")
	}
}
