package table

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowfile/flowfile/internal/schema"
)

func TestCompileRowExprUnknownColumn(t *testing.T) {
	s := schema.Schema{{Name: "age", Type: schema.Int64}}
	_, err := CompileRowExpr(s, "age > 18")
	require.NoError(t, err)

	_, err = CompileRowExpr(s, "salary > 18")
	require.Error(t, err)
}

func TestFilterExpr(t *testing.T) {
	tbl := peopleTable(t)
	prog, err := CompileRowExpr(tbl.Schema(), "age > 18")
	require.NoError(t, err)
	out, err := tbl.FilterExpr(prog)
	require.NoError(t, err)
	require.Equal(t, 2, out.NumRows())
	require.Equal(t, "B", out.Row(0)[1])
	require.Equal(t, "C", out.Row(1)[1])
}

func TestFilterExprNonBool(t *testing.T) {
	tbl := peopleTable(t)
	prog, err := CompileRowExpr(tbl.Schema(), "age + 1")
	require.NoError(t, err)
	_, err = tbl.FilterExpr(prog)
	require.Error(t, err)
}

func TestMapExpr(t *testing.T) {
	tbl := peopleTable(t)
	prog, err := CompileRowExpr(tbl.Schema(), `name + "!"`)
	require.NoError(t, err)
	vals, err := tbl.MapExpr(prog)
	require.NoError(t, err)
	require.Equal(t, []any{"A!", "B!", "C!"}, vals)
}

func TestFilterPredicateComparisons(t *testing.T) {
	tbl := peopleTable(t)

	gt, err := tbl.FilterPredicate(Predicate{Field: "age", Operator: ">", Value: 18})
	require.NoError(t, err)
	require.Equal(t, 2, gt.NumRows())

	eq, err := tbl.FilterPredicate(Predicate{Field: "name", Operator: "eq", Value: "B"})
	require.NoError(t, err)
	require.Equal(t, 1, eq.NumRows())

	between, err := tbl.FilterPredicate(Predicate{Field: "age", Operator: "between", Value: 18, Value2: 50})
	require.NoError(t, err)
	require.Equal(t, 1, between.NumRows())

	in, err := tbl.FilterPredicate(Predicate{Field: "name", Operator: "in", Value: []any{"A", "C"}})
	require.NoError(t, err)
	require.Equal(t, 2, in.NumRows())
}

func TestFilterPredicateNulls(t *testing.T) {
	tbl := mustTable(t, schema.Schema{{Name: "v", Type: schema.String}},
		[][]any{{"x"}, {nil}})

	isNull, err := tbl.FilterPredicate(Predicate{Field: "v", Operator: "is_null"})
	require.NoError(t, err)
	require.Equal(t, 1, isNull.NumRows())

	// Comparison against null rows never matches.
	eq, err := tbl.FilterPredicate(Predicate{Field: "v", Operator: "ne", Value: "x"})
	require.NoError(t, err)
	require.Equal(t, 0, eq.NumRows())
}

func TestPredicateValidate(t *testing.T) {
	s := schema.Schema{{Name: "v", Type: schema.String}}
	require.NoError(t, Predicate{Field: "v", Operator: "contains"}.Validate(s))
	require.Error(t, Predicate{Field: "missing", Operator: "eq"}.Validate(s))
	require.Error(t, Predicate{Field: "v", Operator: "regex"}.Validate(s))
}
