package expr

import (
	"strings"

	"github.com/loamdb/loam/core/bson"
)

// Op is the index access an executed query uses.
type Op byte

const (
	// OpScanAll walks the whole index in key order.
	OpScanAll Op = iota
	OpEq
	OpGt
	OpGte
	OpLt
	OpLte
	// OpBetween is an inclusive range seek, Key through Key2.
	OpBetween
	// OpPrefix seeks to the prefix and walks while keys keep it.
	OpPrefix
)

func (o Op) String() string {
	switch o {
	case OpScanAll:
		return "scan"
	case OpEq:
		return "eq"
	case OpGt:
		return "gt"
	case OpGte:
		return "gte"
	case OpLt:
		return "lt"
	case OpLte:
		return "lte"
	case OpBetween:
		return "between"
	case OpPrefix:
		return "prefix"
	}
	return "unknown"
}

// Plan is the outcome of planning one filter: which index expression to
// seek, how, and the residual filter every candidate document must still
// pass.
type Plan struct {
	IndexExpression string
	Op              Op
	Key             bson.Value
	Key2            bson.Value
	Residual        Expression
}

// candidate is one conjunct reduced to path-op-constant form. key2 is set
// only for a between candidate.
type candidate struct {
	path string
	op   string
	key  bson.Value
	key2 bson.Value
	src  Expression
}

// BuildPlan picks an index strategy for the filter. indexed reports whether
// an index exists for a path expression string. A nil filter or one with no
// indexable conjunct falls back to a full scan with the filter as residual.
// Two range conjuncts on the same indexed path merge into a between seek.
func BuildPlan(filter Expression, indexed func(pathExpression string) bool) Plan {
	if filter == nil {
		return Plan{Op: OpScanAll}
	}

	conj := conjuncts(filter)
	cands := make([]candidate, 0, len(conj))
	for _, c := range conj {
		if cand, ok := reduce(c); ok && indexed(cand.path) {
			cands = append(cands, cand)
		}
	}
	if len(cands) == 0 {
		return Plan{Op: OpScanAll, Residual: filter}
	}

	chosen, chosen2 := pick(cands)

	used := map[Expression]bool{chosen.src: true}
	plan := Plan{IndexExpression: chosen.path}
	switch {
	case chosen2 != nil:
		used[chosen2.src] = true
		plan.Op = OpBetween
		plan.Key = chosen.key
		plan.Key2 = chosen2.key
	default:
		plan.Key = chosen.key
		switch chosen.op {
		case "=":
			plan.Op = OpEq
		case ">":
			plan.Op = OpGt
		case ">=":
			plan.Op = OpGte
		case "<":
			plan.Op = OpLt
		case "<=":
			plan.Op = OpLte
		case "BETWEEN":
			plan.Op = OpBetween
			plan.Key2 = chosen.key2
		case "STARTSWITH":
			plan.Op = OpPrefix
		}
	}

	rest := make([]Expression, 0, len(conj))
	for _, c := range conj {
		if !used[c] {
			rest = append(rest, c)
		}
	}
	plan.Residual = combine(rest)
	return plan
}

// conjuncts flattens nested ANDs into a list.
func conjuncts(e Expression) []Expression {
	if b, ok := e.(*BinaryExpr); ok && b.Op == "AND" {
		return append(conjuncts(b.Left), conjuncts(b.Right)...)
	}
	return []Expression{e}
}

func combine(list []Expression) Expression {
	if len(list) == 0 {
		return nil
	}
	e := list[0]
	for _, next := range list[1:] {
		e = &BinaryExpr{Op: "AND", Left: e, Right: next}
	}
	return e
}

// reduce extracts path-op-constant from a conjunct, flipping reversed
// comparisons so the path lands on the left. STARTSWITH with a constant
// prefix also qualifies.
func reduce(e Expression) (candidate, bool) {
	switch n := e.(type) {
	case *BinaryExpr:
		path, pok := n.Left.(*PathExpr)
		konst, kok := n.Right.(*ConstExpr)
		op := n.Op
		if !pok || !kok {
			// Constant on the left: flip operand order and direction.
			if path, pok = n.Right.(*PathExpr); !pok {
				return candidate{}, false
			}
			if konst, kok = n.Left.(*ConstExpr); !kok {
				return candidate{}, false
			}
			op = flip(op)
		}
		switch op {
		case "=", ">", ">=", "<", "<=":
			return candidate{path: path.String(), op: op, key: konst.Value, src: e}, true
		}
	case *BetweenExpr:
		path, pok := n.Target.(*PathExpr)
		low, lok := n.Low.(*ConstExpr)
		high, hok := n.High.(*ConstExpr)
		if pok && lok && hok {
			return candidate{path: path.String(), op: "BETWEEN", key: low.Value, key2: high.Value, src: e}, true
		}
	case *LikeExpr:
		// Only the prefix form text% with no other wildcards can seek.
		path, pok := n.Target.(*PathExpr)
		konst, kok := n.Pattern.(*ConstExpr)
		if pok && kok && konst.Value.Type() == bson.TypeString {
			pat := konst.Value.Str()
			if len(pat) > 1 && strings.HasSuffix(pat, "%") &&
				!strings.ContainsAny(pat[:len(pat)-1], "%_") {
				return candidate{path: path.String(), op: "STARTSWITH", key: bson.String(pat[:len(pat)-1]), src: e}, true
			}
		}
	case *CallExpr:
		if n.Name == "STARTSWITH" && len(n.Args) == 2 {
			path, pok := n.Args[0].(*PathExpr)
			konst, kok := n.Args[1].(*ConstExpr)
			if pok && kok && konst.Value.Type() == bson.TypeString {
				return candidate{path: path.String(), op: "STARTSWITH", key: konst.Value, src: e}, true
			}
		}
	}
	return candidate{}, false
}

func flip(op string) string {
	switch op {
	case ">":
		return "<"
	case ">=":
		return "<="
	case "<":
		return ">"
	case "<=":
		return ">="
	}
	return op
}

// pick prefers an equality seek, then a mergeable lower+upper bound pair on
// one path, then any single candidate.
func pick(cands []candidate) (candidate, *candidate) {
	for _, c := range cands {
		if c.op == "=" {
			return c, nil
		}
	}
	for i, lo := range cands {
		if lo.op != ">=" {
			continue
		}
		for j, hi := range cands {
			if i != j && hi.op == "<=" && hi.path == lo.path {
				h := hi
				return lo, &h
			}
		}
	}
	return cands[0], nil
}
