package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/dberr"
)

// Parse turns an expression string into its tree form.
//
// Precedence, loosest first: OR, AND, NOT, comparison, additive,
// multiplicative, unary minus, primary.
func Parse(src string) (Expression, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: trailing input at %d", dberr.ErrInvalidExpression, p.peek().pos)
	}
	return e, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("%w: expected %s at %d, got %q", dberr.ErrInvalidExpression, what, t.pos, t.text)
	}
	return t, nil
}

// keyword matches a case-insensitive identifier without consuming on miss.
func (p *parser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (Expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expression, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expression, error) {
	if p.keyword("NOT") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", Operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expression, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	switch {
	case p.keyword("BETWEEN"):
		low, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if !p.keyword("AND") {
			return nil, fmt.Errorf("%w: BETWEEN requires AND at %d", dberr.ErrInvalidExpression, p.peek().pos)
		}
		high, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &BetweenExpr{Target: left, Low: low, High: high}, nil
	case p.keyword("IN"):
		if _, err := p.expect(tokLParen, "("); err != nil {
			return nil, err
		}
		in := &InExpr{Target: left}
		for {
			item, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			in.Items = append(in.Items, item)
			t := p.next()
			if t.kind == tokRParen {
				return in, nil
			}
			if t.kind != tokComma {
				return nil, fmt.Errorf("%w: expected , or ) at %d", dberr.ErrInvalidExpression, t.pos)
			}
		}
	case p.keyword("LIKE"):
		pattern, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &LikeExpr{Target: left, Pattern: pattern}, nil
	}
	t := p.peek()
	if t.kind == tokOperator {
		switch t.text {
		case "=", "!=", ">", ">=", "<", "<=":
			p.pos++
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return &BinaryExpr{Op: t.text, Left: left, Right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseAdditive() (Expression, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOperator || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.pos++
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: t.text, Left: left, Right: right}
	}
}

func (p *parser) parseMultiplicative() (Expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOperator || (t.text != "*" && t.text != "/" && t.text != "%") {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: t.text, Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Expression, error) {
	t := p.peek()
	if t.kind == tokOperator && t.text == "-" {
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "-", Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expression, error) {
	t := p.next()
	switch t.kind {
	case tokDollar:
		return p.parsePath(&PathExpr{})
	case tokNumber:
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: number %q", dberr.ErrInvalidExpression, t.text)
			}
			return &ConstExpr{Value: bson.Double(f)}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: number %q", dberr.ErrInvalidExpression, t.text)
		}
		if n >= -1<<31 && n < 1<<31 {
			return &ConstExpr{Value: bson.Int32(int32(n))}, nil
		}
		return &ConstExpr{Value: bson.Int64(n)}, nil
	case tokString:
		return &ConstExpr{Value: bson.String(t.text)}, nil
	case tokLParen:
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return e, nil
	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			return &ConstExpr{Value: bson.Boolean(true)}, nil
		case "FALSE":
			return &ConstExpr{Value: bson.Boolean(false)}, nil
		case "NULL":
			return &ConstExpr{Value: bson.Null()}, nil
		}
		if p.peek().kind == tokLParen {
			p.pos++
			return p.parseCall(strings.ToUpper(t.text))
		}
		// A bare identifier starts a root-relative path: "age" reads as "$.age".
		return p.parsePath(&PathExpr{Segments: []pathSegment{{field: t.text}}})
	}
	return nil, fmt.Errorf("%w: unexpected token %q at %d", dberr.ErrInvalidExpression, t.text, t.pos)
}

func (p *parser) parsePath(path *PathExpr) (Expression, error) {
	for {
		switch p.peek().kind {
		case tokDot:
			p.pos++
			t, err := p.expect(tokIdent, "field name")
			if err != nil {
				return nil, err
			}
			path.Segments = append(path.Segments, pathSegment{field: t.text})
		case tokLBracket:
			p.pos++
			t, err := p.expect(tokNumber, "array index")
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(t.text)
			if err != nil {
				return nil, fmt.Errorf("%w: array index %q", dberr.ErrInvalidExpression, t.text)
			}
			if _, err := p.expect(tokRBracket, "]"); err != nil {
				return nil, err
			}
			path.Segments = append(path.Segments, pathSegment{index: n})
		default:
			return path, nil
		}
	}
}

func (p *parser) parseCall(name string) (Expression, error) {
	call := &CallExpr{Name: name}
	if p.peek().kind == tokRParen {
		p.pos++
		return call, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		t := p.next()
		if t.kind == tokRParen {
			return call, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("%w: expected , or ) at %d", dberr.ErrInvalidExpression, t.pos)
		}
	}
}
