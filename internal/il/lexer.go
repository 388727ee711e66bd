package il

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseError pinpoints malformed input. No partial ASTs accompany it.
type ParseError struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d:%d: %s", e.Line, e.Column, e.Message)
}

func errAt(pos Pos, format string, args ...any) *ParseError {
	return &ParseError{Line: pos.Line, Column: pos.Col, Message: fmt.Sprintf(format, args...)}
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokLParen
	tokRParen
	tokLBrace
	tokRBrace
	tokComma
	tokEquals
	tokString
	tokNumber
	tokBool
	tokIdent
	tokVarRef
)

type token struct {
	kind tokenKind
	text string  // identifier name, or raw text
	str  string  // decoded string literal
	num  float64 // number value
	b    bool    // bool value
	path []string
	pos  Pos
	end  Pos
}

type lexer struct {
	src  []rune
	i    int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: []rune(src), line: 1, col: 1}
}

func (l *lexer) pos() Pos { return Pos{Line: l.line, Col: l.col} }

func (l *lexer) peek() rune {
	if l.i >= len(l.src) {
		return 0
	}
	return l.src[l.i]
}

func (l *lexer) advance() rune {
	r := l.src[l.i]
	l.i++
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func (l *lexer) skipSpace() {
	for l.i < len(l.src) {
		r := l.peek()
		if r == ';' {
			// Comment to end of line.
			for l.i < len(l.src) && l.peek() != '\n' {
				l.advance()
			}
			continue
		}
		if !unicode.IsSpace(r) {
			return
		}
		l.advance()
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (l *lexer) next() (token, *ParseError) {
	l.skipSpace()
	start := l.pos()
	if l.i >= len(l.src) {
		return token{kind: tokEOF, pos: start, end: start}, nil
	}

	switch r := l.peek(); {
	case r == '(':
		l.advance()
		return token{kind: tokLParen, pos: start, end: l.pos()}, nil
	case r == ')':
		l.advance()
		return token{kind: tokRParen, pos: start, end: l.pos()}, nil
	case r == '{':
		l.advance()
		return token{kind: tokLBrace, pos: start, end: l.pos()}, nil
	case r == '}':
		l.advance()
		return token{kind: tokRBrace, pos: start, end: l.pos()}, nil
	case r == ',':
		l.advance()
		return token{kind: tokComma, pos: start, end: l.pos()}, nil
	case r == '=':
		l.advance()
		return token{kind: tokEquals, pos: start, end: l.pos()}, nil
	case r == '"':
		return l.lexString(start)
	case r == '$':
		return l.lexVarRef(start)
	case r == '-' || r == '+' || unicode.IsDigit(r):
		return l.lexNumber(start)
	case isIdentStart(r):
		return l.lexIdent(start)
	default:
		return token{}, errAt(start, "unexpected character %q", r)
	}
}

func (l *lexer) lexString(start Pos) (token, *ParseError) {
	l.advance() // opening quote
	var sb strings.Builder
	for {
		if l.i >= len(l.src) {
			return token{}, errAt(start, "unterminated string literal")
		}
		r := l.advance()
		switch r {
		case '"':
			return token{kind: tokString, str: sb.String(), pos: start, end: l.pos()}, nil
		case '\\':
			if l.i >= len(l.src) {
				return token{}, errAt(start, "unterminated string escape")
			}
			esc := l.advance()
			switch esc {
			case '"':
				sb.WriteRune('"')
			case '\\':
				sb.WriteRune('\\')
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			default:
				return token{}, errAt(start, "invalid string escape \\%c", esc)
			}
		default:
			sb.WriteRune(r)
		}
	}
}

func (l *lexer) lexVarRef(start Pos) (token, *ParseError) {
	l.advance() // $
	if l.i >= len(l.src) || !isIdentStart(l.peek()) {
		return token{}, errAt(start, "expected identifier after $")
	}
	name := l.lexIdentText()
	var path []string
	for l.peek() == '.' {
		l.advance()
		if l.i >= len(l.src) || !isIdentStart(l.peek()) {
			return token{}, errAt(start, "expected identifier after . in variable reference")
		}
		path = append(path, l.lexIdentText())
	}
	return token{kind: tokVarRef, text: name, path: path, pos: start, end: l.pos()}, nil
}

func (l *lexer) lexIdentText() string {
	var sb strings.Builder
	for l.i < len(l.src) && isIdentRune(l.peek()) {
		sb.WriteRune(l.advance())
	}
	return sb.String()
}

func (l *lexer) lexIdent(start Pos) (token, *ParseError) {
	text := l.lexIdentText()
	switch text {
	case "true":
		return token{kind: tokBool, b: true, pos: start, end: l.pos()}, nil
	case "false":
		return token{kind: tokBool, b: false, pos: start, end: l.pos()}, nil
	}
	return token{kind: tokIdent, text: text, pos: start, end: l.pos()}, nil
}

func (l *lexer) lexNumber(start Pos) (token, *ParseError) {
	var sb strings.Builder
	if l.peek() == '-' || l.peek() == '+' {
		sb.WriteRune(l.advance())
	}
	digits := 0
	for l.i < len(l.src) && (unicode.IsDigit(l.peek()) || l.peek() == '.' || l.peek() == 'e' || l.peek() == 'E') {
		r := l.advance()
		if unicode.IsDigit(r) {
			digits++
		}
		sb.WriteRune(r)
		// Allow exponent sign.
		if (r == 'e' || r == 'E') && (l.peek() == '-' || l.peek() == '+') {
			sb.WriteRune(l.advance())
		}
	}
	if digits == 0 {
		return token{}, errAt(start, "malformed number %q", sb.String())
	}
	n, err := strconv.ParseFloat(sb.String(), 64)
	if err != nil {
		return token{}, errAt(start, "malformed number %q", sb.String())
	}
	return token{kind: tokNumber, num: n, text: sb.String(), pos: start, end: l.pos()}, nil
}
