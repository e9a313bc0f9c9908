package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func planFor(t *testing.T, filter string, indexedPaths ...string) Plan {
	t.Helper()
	e, err := Parse(filter)
	require.NoError(t, err)
	set := make(map[string]bool, len(indexedPaths))
	for _, p := range indexedPaths {
		set[p] = true
	}
	return BuildPlan(e, func(path string) bool { return set[path] })
}

func TestPlan_EqualitySeek(t *testing.T) {
	p := planFor(t, "$.age = 30", "$.age")
	require.Equal(t, OpEq, p.Op)
	require.Equal(t, "$.age", p.IndexExpression)
	require.Equal(t, int32(30), p.Key.Int32())
	require.Nil(t, p.Residual)
}

func TestPlan_FlippedComparison(t *testing.T) {
	p := planFor(t, "30 < $.age", "$.age")
	require.Equal(t, OpGt, p.Op)
	require.Equal(t, int32(30), p.Key.Int32())
}

func TestPlan_RangeMergesToBetween(t *testing.T) {
	p := planFor(t, "$.age >= 20 AND $.age <= 40", "$.age")
	require.Equal(t, OpBetween, p.Op)
	require.Equal(t, int32(20), p.Key.Int32())
	require.Equal(t, int32(40), p.Key2.Int32())
	require.Nil(t, p.Residual)
}

func TestPlan_EqualityBeatsRange(t *testing.T) {
	p := planFor(t, "$.age >= 20 AND $.name = 'Ana'", "$.age", "$.name")
	require.Equal(t, OpEq, p.Op)
	require.Equal(t, "$.name", p.IndexExpression)
	require.NotNil(t, p.Residual)
	require.Equal(t, "$.age >= 20", p.Residual.String())
}

func TestPlan_UnindexedFallsBackToScan(t *testing.T) {
	p := planFor(t, "$.age = 30")
	require.Equal(t, OpScanAll, p.Op)
	require.NotNil(t, p.Residual)

	// OR cannot be driven by one seek.
	p = planFor(t, "$.age = 30 OR $.age = 40", "$.age")
	require.Equal(t, OpScanAll, p.Op)
	require.Equal(t, "$.age = 30 OR $.age = 40", p.Residual.String())
}

func TestPlan_NilFilterScansWithoutResidual(t *testing.T) {
	p := BuildPlan(nil, func(string) bool { return true })
	require.Equal(t, OpScanAll, p.Op)
	require.Nil(t, p.Residual)
}

func TestPlan_PrefixSeek(t *testing.T) {
	p := planFor(t, "STARTSWITH($.name, 'An') AND $.age > 10", "$.name")
	require.Equal(t, OpPrefix, p.Op)
	require.Equal(t, "An", p.Key.Str())
	require.Equal(t, "$.age > 10", p.Residual.String())
}

func TestPlan_BetweenOperator(t *testing.T) {
	p := planFor(t, "$.age BETWEEN 20 AND 40", "$.age")
	require.Equal(t, OpBetween, p.Op)
	require.Equal(t, int32(20), p.Key.Int32())
	require.Equal(t, int32(40), p.Key2.Int32())
	require.Nil(t, p.Residual)
}

func TestPlan_LikePrefixSeeks(t *testing.T) {
	p := planFor(t, "$.name LIKE 'An%'", "$.name")
	require.Equal(t, OpPrefix, p.Op)
	require.Equal(t, "An", p.Key.Str())

	// Non-prefix patterns cannot seek.
	p = planFor(t, "$.name LIKE '%na'", "$.name")
	require.Equal(t, OpScanAll, p.Op)
	p = planFor(t, "$.name LIKE 'A_a%'", "$.name")
	require.Equal(t, OpScanAll, p.Op)
}

func TestPlan_ResidualKeepsUnusedConjuncts(t *testing.T) {
	p := planFor(t, "$.age = 30 AND $.active = true AND $.score > 5", "$.age")
	require.Equal(t, OpEq, p.Op)
	require.Equal(t, "$.active = true AND $.score > 5", p.Residual.String())
}

func TestPlan_NonConstComparisonIsResidual(t *testing.T) {
	p := planFor(t, "$.a = $.b", "$.a")
	require.Equal(t, OpScanAll, p.Op)
	require.NotNil(t, p.Residual)
}
