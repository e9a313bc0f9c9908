package expr

import (
	"fmt"
	"strings"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/dberr"
)

func evalCall(e *CallExpr, doc *bson.Document) (bson.Value, error) {
	args := make([]bson.Value, len(e.Args))
	for i, a := range e.Args {
		v, err := Evaluate(a, doc)
		if err != nil {
			return bson.Null(), err
		}
		args[i] = v
	}

	switch e.Name {
	case "UPPER":
		return stringFn(e, args, strings.ToUpper)
	case "LOWER":
		return stringFn(e, args, strings.ToLower)
	case "TRIM":
		return stringFn(e, args, strings.TrimSpace)
	case "LENGTH":
		if err := arity(e, args, 1); err != nil {
			return bson.Null(), err
		}
		switch args[0].Type() {
		case bson.TypeString:
			return bson.Int32(int32(len(args[0].Str()))), nil
		case bson.TypeBinary:
			return bson.Int32(int32(len(args[0].Bytes()))), nil
		case bson.TypeArray:
			return bson.Int32(int32(len(args[0].Array()))), nil
		case bson.TypeDocument:
			return bson.Int32(int32(args[0].Document().Len())), nil
		}
		return bson.Null(), nil
	case "SUBSTRING":
		if len(args) != 2 && len(args) != 3 {
			return bson.Null(), fmt.Errorf("%w: SUBSTRING takes 2 or 3 arguments", dberr.ErrInvalidExpression)
		}
		if args[0].Type() != bson.TypeString {
			return bson.Null(), nil
		}
		s := args[0].Str()
		start, ok := args[1].AsInt64()
		if !ok || start < 0 {
			return bson.Null(), nil
		}
		if start > int64(len(s)) {
			return bson.String(""), nil
		}
		rest := s[start:]
		if len(args) == 3 {
			count, ok := args[2].AsInt64()
			if !ok || count < 0 {
				return bson.Null(), nil
			}
			if count < int64(len(rest)) {
				rest = rest[:count]
			}
		}
		return bson.String(rest), nil
	case "CONCAT":
		var b strings.Builder
		for _, a := range args {
			if a.Type() != bson.TypeString {
				return bson.Null(), nil
			}
			b.WriteString(a.Str())
		}
		return bson.String(b.String()), nil
	case "STARTSWITH":
		if err := arity(e, args, 2); err != nil {
			return bson.Null(), err
		}
		if args[0].Type() != bson.TypeString || args[1].Type() != bson.TypeString {
			return bson.Boolean(false), nil
		}
		return bson.Boolean(strings.HasPrefix(args[0].Str(), args[1].Str())), nil
	case "CONTAINS":
		if err := arity(e, args, 2); err != nil {
			return bson.Null(), err
		}
		if args[0].Type() != bson.TypeString || args[1].Type() != bson.TypeString {
			return bson.Boolean(false), nil
		}
		return bson.Boolean(strings.Contains(args[0].Str(), args[1].Str())), nil
	case "COUNT":
		if err := arity(e, args, 1); err != nil {
			return bson.Null(), err
		}
		switch args[0].Type() {
		case bson.TypeArray:
			return bson.Int32(int32(len(args[0].Array()))), nil
		case bson.TypeDocument:
			return bson.Int32(int32(args[0].Document().Len())), nil
		case bson.TypeNull:
			return bson.Int32(0), nil
		}
		return bson.Int32(1), nil
	case "YEAR":
		return dateFn(e, args, func(v bson.Value) int32 { return int32(v.Time().Year()) })
	case "MONTH":
		return dateFn(e, args, func(v bson.Value) int32 { return int32(v.Time().Month()) })
	case "DAY":
		return dateFn(e, args, func(v bson.Value) int32 { return int32(v.Time().Day()) })
	}
	return bson.Null(), fmt.Errorf("%w: unknown function %s", dberr.ErrInvalidExpression, e.Name)
}

func arity(e *CallExpr, args []bson.Value, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: %s takes %d argument(s), got %d", dberr.ErrInvalidExpression, e.Name, n, len(args))
	}
	return nil
}

func stringFn(e *CallExpr, args []bson.Value, fn func(string) string) (bson.Value, error) {
	if err := arity(e, args, 1); err != nil {
		return bson.Null(), err
	}
	if args[0].Type() != bson.TypeString {
		return bson.Null(), nil
	}
	return bson.String(fn(args[0].Str())), nil
}

func dateFn(e *CallExpr, args []bson.Value, fn func(bson.Value) int32) (bson.Value, error) {
	if err := arity(e, args, 1); err != nil {
		return bson.Null(), err
	}
	if args[0].Type() != bson.TypeDateTime {
		return bson.Null(), nil
	}
	return bson.Int32(fn(args[0])), nil
}
