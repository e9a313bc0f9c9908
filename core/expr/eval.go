package expr

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/dberr"
)

// Evaluate resolves the expression against one document. Paths that walk
// off the document yield null rather than an error, so filters behave
// sensibly over heterogeneous collections.
func Evaluate(e Expression, doc *bson.Document) (bson.Value, error) {
	switch n := e.(type) {
	case *PathExpr:
		return evalPath(n, doc), nil
	case *ConstExpr:
		return n.Value, nil
	case *BinaryExpr:
		return evalBinary(n, doc)
	case *UnaryExpr:
		return evalUnary(n, doc)
	case *BetweenExpr:
		return evalBetween(n, doc)
	case *InExpr:
		return evalIn(n, doc)
	case *LikeExpr:
		return evalLike(n, doc)
	case *CallExpr:
		return evalCall(n, doc)
	}
	return bson.Null(), fmt.Errorf("%w: unknown node %T", dberr.ErrInvalidExpression, e)
}

// EvaluateString parses and evaluates in one step.
func EvaluateString(src string, doc *bson.Document) (bson.Value, error) {
	e, err := Parse(src)
	if err != nil {
		return bson.Null(), err
	}
	return Evaluate(e, doc)
}

// Matches evaluates a filter and reports whether it holds. Any non-boolean
// result is a non-match.
func Matches(e Expression, doc *bson.Document) (bool, error) {
	v, err := Evaluate(e, doc)
	if err != nil {
		return false, err
	}
	return v.Type() == bson.TypeBoolean && v.Boolean(), nil
}

func evalPath(e *PathExpr, doc *bson.Document) bson.Value {
	cur := bson.DocumentValue(doc)
	for _, seg := range e.Segments {
		if seg.field != "" {
			if cur.Type() != bson.TypeDocument {
				return bson.Null()
			}
			cur = cur.Document().GetOrNull(seg.field)
			continue
		}
		if cur.Type() != bson.TypeArray {
			return bson.Null()
		}
		arr := cur.Array()
		if seg.index < 0 || seg.index >= len(arr) {
			return bson.Null()
		}
		cur = arr[seg.index]
	}
	return cur
}

func evalBinary(e *BinaryExpr, doc *bson.Document) (bson.Value, error) {
	switch e.Op {
	case "AND", "OR":
		return evalLogic(e, doc)
	}

	left, err := Evaluate(e.Left, doc)
	if err != nil {
		return bson.Null(), err
	}
	right, err := Evaluate(e.Right, doc)
	if err != nil {
		return bson.Null(), err
	}

	switch e.Op {
	case "=":
		return bson.Boolean(bson.Compare(left, right) == 0), nil
	case "!=":
		return bson.Boolean(bson.Compare(left, right) != 0), nil
	case ">":
		return bson.Boolean(bson.Compare(left, right) > 0), nil
	case ">=":
		return bson.Boolean(bson.Compare(left, right) >= 0), nil
	case "<":
		return bson.Boolean(bson.Compare(left, right) < 0), nil
	case "<=":
		return bson.Boolean(bson.Compare(left, right) <= 0), nil
	case "+":
		// String concatenation when either side is a string.
		if left.Type() == bson.TypeString || right.Type() == bson.TypeString {
			if left.Type() != bson.TypeString || right.Type() != bson.TypeString {
				return bson.Null(), nil
			}
			return bson.String(left.Str() + right.Str()), nil
		}
		fallthrough
	case "-", "*", "/", "%":
		return evalArith(e.Op, left, right)
	}
	return bson.Null(), fmt.Errorf("%w: operator %q", dberr.ErrInvalidExpression, e.Op)
}

func evalLogic(e *BinaryExpr, doc *bson.Document) (bson.Value, error) {
	left, err := Matches(e.Left, doc)
	if err != nil {
		return bson.Null(), err
	}
	if e.Op == "AND" && !left {
		return bson.Boolean(false), nil
	}
	if e.Op == "OR" && left {
		return bson.Boolean(true), nil
	}
	right, err := Matches(e.Right, doc)
	if err != nil {
		return bson.Null(), err
	}
	return bson.Boolean(right), nil
}

// evalArith promotes operands pairwise: decimal wins over double, double
// over integers. Non-numeric operands yield null.
func evalArith(op string, left, right bson.Value) (bson.Value, error) {
	if !left.IsNumeric() || !right.IsNumeric() {
		return bson.Null(), nil
	}

	if left.Type() == bson.TypeDecimal || right.Type() == bson.TypeDecimal {
		a, _ := left.AsDecimal()
		b, _ := right.AsDecimal()
		switch op {
		case "+":
			return bson.Decimal128(a.Add(b)), nil
		case "-":
			return bson.Decimal128(a.Sub(b)), nil
		case "*":
			return bson.Decimal128(a.Mul(b)), nil
		case "/":
			if b.IsZero() {
				return bson.Null(), nil
			}
			return bson.Decimal128(a.Div(b)), nil
		case "%":
			if b.IsZero() {
				return bson.Null(), nil
			}
			return bson.Decimal128(a.Mod(b)), nil
		}
	}

	if left.Type() == bson.TypeDouble || right.Type() == bson.TypeDouble {
		a, _ := left.AsFloat64()
		b, _ := right.AsFloat64()
		switch op {
		case "+":
			return bson.Double(a + b), nil
		case "-":
			return bson.Double(a - b), nil
		case "*":
			return bson.Double(a * b), nil
		case "/":
			if b == 0 {
				return bson.Null(), nil
			}
			return bson.Double(a / b), nil
		case "%":
			if b == 0 {
				return bson.Null(), nil
			}
			return bson.Decimal128(decimal.NewFromFloat(a).Mod(decimal.NewFromFloat(b))), nil
		}
	}

	a, _ := left.AsInt64()
	b, _ := right.AsInt64()
	switch op {
	case "+":
		return bson.Int64(a + b), nil
	case "-":
		return bson.Int64(a - b), nil
	case "*":
		return bson.Int64(a * b), nil
	case "/":
		if b == 0 {
			return bson.Null(), nil
		}
		if a%b == 0 {
			return bson.Int64(a / b), nil
		}
		return bson.Double(float64(a) / float64(b)), nil
	case "%":
		if b == 0 {
			return bson.Null(), nil
		}
		return bson.Int64(a % b), nil
	}
	return bson.Null(), fmt.Errorf("%w: operator %q", dberr.ErrInvalidExpression, op)
}

func evalBetween(e *BetweenExpr, doc *bson.Document) (bson.Value, error) {
	v, err := Evaluate(e.Target, doc)
	if err != nil {
		return bson.Null(), err
	}
	low, err := Evaluate(e.Low, doc)
	if err != nil {
		return bson.Null(), err
	}
	high, err := Evaluate(e.High, doc)
	if err != nil {
		return bson.Null(), err
	}
	return bson.Boolean(bson.Compare(v, low) >= 0 && bson.Compare(v, high) <= 0), nil
}

func evalIn(e *InExpr, doc *bson.Document) (bson.Value, error) {
	v, err := Evaluate(e.Target, doc)
	if err != nil {
		return bson.Null(), err
	}
	for _, item := range e.Items {
		iv, err := Evaluate(item, doc)
		if err != nil {
			return bson.Null(), err
		}
		if bson.Equal(v, iv) {
			return bson.Boolean(true), nil
		}
	}
	return bson.Boolean(false), nil
}

func evalLike(e *LikeExpr, doc *bson.Document) (bson.Value, error) {
	v, err := Evaluate(e.Target, doc)
	if err != nil {
		return bson.Null(), err
	}
	pat, err := Evaluate(e.Pattern, doc)
	if err != nil {
		return bson.Null(), err
	}
	if v.Type() != bson.TypeString || pat.Type() != bson.TypeString {
		return bson.Boolean(false), nil
	}
	return bson.Boolean(likeMatch(v.Str(), pat.Str())), nil
}

// likeMatch matches % against any run of characters and _ against exactly
// one.
func likeMatch(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatch(s[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '_':
		return s != "" && likeMatch(s[1:], pattern[1:])
	default:
		return s != "" && s[0] == pattern[0] && likeMatch(s[1:], pattern[1:])
	}
}

func evalUnary(e *UnaryExpr, doc *bson.Document) (bson.Value, error) {
	v, err := Evaluate(e.Operand, doc)
	if err != nil {
		return bson.Null(), err
	}
	if e.Op == "NOT" {
		return bson.Boolean(!(v.Type() == bson.TypeBoolean && v.Boolean())), nil
	}
	return evalArith("-", bson.Int32(0), v)
}
