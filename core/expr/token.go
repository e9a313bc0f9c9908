// Package expr parses and evaluates document expressions: paths like
// $.address.city, comparisons, arithmetic, boolean combinators, and a
// small set of string and date functions. The planner inspects a parsed
// filter and decides whether an index can drive it.
package expr

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/loamdb/loam/core/dberr"
)

type tokenKind byte

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokDollar
	tokDot
	tokComma
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokOperator
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	lx := &lexer{src: src}
	if err := lx.run(); err != nil {
		return nil, err
	}
	return lx.toks, nil
}

func (lx *lexer) emit(kind tokenKind, text string, pos int) {
	lx.toks = append(lx.toks, token{kind: kind, text: text, pos: pos})
}

func (lx *lexer) run() error {
	src := lx.src
	for lx.pos < len(src) {
		c := src[lx.pos]
		start := lx.pos
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			lx.pos++
		case c == '$':
			lx.emit(tokDollar, "$", start)
			lx.pos++
		case c == '.':
			lx.emit(tokDot, ".", start)
			lx.pos++
		case c == ',':
			lx.emit(tokComma, ",", start)
			lx.pos++
		case c == '(':
			lx.emit(tokLParen, "(", start)
			lx.pos++
		case c == ')':
			lx.emit(tokRParen, ")", start)
			lx.pos++
		case c == '[':
			lx.emit(tokLBracket, "[", start)
			lx.pos++
		case c == ']':
			lx.emit(tokRBracket, "]", start)
			lx.pos++
		case c == '\'' || c == '"':
			if err := lx.lexString(c); err != nil {
				return err
			}
		case c >= '0' && c <= '9':
			lx.lexNumber()
		case isIdentStart(rune(c)):
			lx.lexIdent()
		case strings.ContainsRune("=!<>+-*/%", rune(c)):
			lx.lexOperator()
		default:
			return fmt.Errorf("%w: unexpected character %q at %d", dberr.ErrInvalidExpression, c, start)
		}
	}
	lx.emit(tokEOF, "", lx.pos)
	return nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (lx *lexer) lexString(quote byte) error {
	start := lx.pos
	lx.pos++
	var b strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c == quote {
			lx.pos++
			lx.emit(tokString, b.String(), start)
			return nil
		}
		b.WriteByte(c)
		lx.pos++
	}
	return fmt.Errorf("%w: unterminated string at %d", dberr.ErrInvalidExpression, start)
}

func (lx *lexer) lexNumber() {
	start := lx.pos
	for lx.pos < len(lx.src) && lx.src[lx.pos] >= '0' && lx.src[lx.pos] <= '9' {
		lx.pos++
	}
	if lx.pos < len(lx.src) && lx.src[lx.pos] == '.' &&
		lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] >= '0' && lx.src[lx.pos+1] <= '9' {
		lx.pos++
		for lx.pos < len(lx.src) && lx.src[lx.pos] >= '0' && lx.src[lx.pos] <= '9' {
			lx.pos++
		}
	}
	lx.emit(tokNumber, lx.src[start:lx.pos], start)
}

func (lx *lexer) lexIdent() {
	start := lx.pos
	for lx.pos < len(lx.src) && isIdentPart(rune(lx.src[lx.pos])) {
		lx.pos++
	}
	lx.emit(tokIdent, lx.src[start:lx.pos], start)
}

func (lx *lexer) lexOperator() {
	start := lx.pos
	one := lx.src[lx.pos]
	lx.pos++
	if lx.pos < len(lx.src) {
		two := string(one) + string(lx.src[lx.pos])
		switch two {
		case "!=", ">=", "<=":
			lx.pos++
			lx.emit(tokOperator, two, start)
			return
		}
	}
	lx.emit(tokOperator, string(one), start)
}
