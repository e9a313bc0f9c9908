package expr

import (
	"strconv"
	"strings"

	"github.com/loamdb/loam/core/bson"
)

// Expression is a parsed expression tree. The concrete types below are the
// full set of node kinds.
type Expression interface {
	// String renders the canonical source form; two expressions with equal
	// strings are the same expression. Index expressions are matched by it.
	String() string
}

// PathExpr walks fields from the document root, optionally indexing into
// arrays. $ alone is the whole document.
type PathExpr struct {
	Segments []pathSegment
}

type pathSegment struct {
	field string
	index int // valid when field == ""
}

func (e *PathExpr) String() string {
	var b strings.Builder
	b.WriteByte('$')
	for _, s := range e.Segments {
		if s.field != "" {
			b.WriteByte('.')
			b.WriteString(s.field)
		} else {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(s.index))
			b.WriteByte(']')
		}
	}
	return b.String()
}

// ConstExpr holds a literal value.
type ConstExpr struct {
	Value bson.Value
}

func (e *ConstExpr) String() string {
	if e.Value.Type() == bson.TypeString {
		return "'" + e.Value.Str() + "'"
	}
	return e.Value.String()
}

// BinaryExpr covers arithmetic, comparison and boolean operators.
type BinaryExpr struct {
	Op    string
	Left  Expression
	Right Expression
}

func (e *BinaryExpr) String() string {
	return e.Left.String() + " " + e.Op + " " + e.Right.String()
}

// UnaryExpr is NOT or arithmetic negation.
type UnaryExpr struct {
	Op      string
	Operand Expression
}

func (e *UnaryExpr) String() string {
	if e.Op == "NOT" {
		return "NOT " + e.Operand.String()
	}
	return e.Op + e.Operand.String()
}

// BetweenExpr is an inclusive range test.
type BetweenExpr struct {
	Target Expression
	Low    Expression
	High   Expression
}

func (e *BetweenExpr) String() string {
	return e.Target.String() + " BETWEEN " + e.Low.String() + " AND " + e.High.String()
}

// InExpr tests membership in a literal list.
type InExpr struct {
	Target Expression
	Items  []Expression
}

func (e *InExpr) String() string {
	parts := make([]string, len(e.Items))
	for i, item := range e.Items {
		parts[i] = item.String()
	}
	return e.Target.String() + " IN (" + strings.Join(parts, ", ") + ")"
}

// LikeExpr is a string pattern test, % matching any run and _ one
// character.
type LikeExpr struct {
	Target  Expression
	Pattern Expression
}

func (e *LikeExpr) String() string {
	return e.Target.String() + " LIKE " + e.Pattern.String()
}

// CallExpr invokes a built-in function.
type CallExpr struct {
	Name string
	Args []Expression
}

func (e *CallExpr) String() string {
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = a.String()
	}
	return e.Name + "(" + strings.Join(parts, ", ") + ")"
}
