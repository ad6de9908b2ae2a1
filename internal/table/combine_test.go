package table

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowfile/flowfile/internal/schema"
)

func TestJoinInnerMismatchedKeys(t *testing.T) {
	left := mustTable(t, schema.Schema{{Name: "id", Type: schema.Int64}},
		[][]any{{int64(1)}, {int64(2)}})
	right := mustTable(t, schema.Schema{{Name: "uid", Type: schema.Int64}},
		[][]any{{int64(2)}, {int64(3)}})

	out, err := left.Join(right, "inner", []string{"id"}, []string{"uid"}, "")
	require.NoError(t, err)
	// uid is a join key on the right but not on the left, so it survives.
	require.Equal(t, []string{"id", "uid"}, out.Schema().Names())
	require.Equal(t, [][]any{{int64(2), int64(2)}}, out.Rows())
}

func TestJoinLeftFillsNulls(t *testing.T) {
	left := mustTable(t, schema.Schema{
		{Name: "id", Type: schema.Int64},
		{Name: "name", Type: schema.String},
	}, [][]any{{int64(1), "A"}, {int64(2), "B"}})
	right := mustTable(t, schema.Schema{
		{Name: "id", Type: schema.Int64},
		{Name: "score", Type: schema.Int64},
	}, [][]any{{int64(2), int64(90)}})

	out, err := left.Join(right, "left", []string{"id"}, []string{"id"}, "")
	require.NoError(t, err)
	require.Equal(t, [][]any{
		{int64(1), "A", nil},
		{int64(2), "B", int64(90)},
	}, out.Rows())
}

func TestJoinSuffixOnCollision(t *testing.T) {
	left := mustTable(t, schema.Schema{
		{Name: "id", Type: schema.Int64},
		{Name: "v", Type: schema.Int64},
	}, [][]any{{int64(1), int64(10)}})
	right := mustTable(t, schema.Schema{
		{Name: "id", Type: schema.Int64},
		{Name: "v", Type: schema.Int64},
	}, [][]any{{int64(1), int64(20)}})

	out, err := left.Join(right, "inner", []string{"id"}, []string{"id"}, "_right")
	require.NoError(t, err)
	require.Equal(t, []string{"id", "v", "v_right"}, out.Schema().Names())
}

func TestJoinSemiAnti(t *testing.T) {
	left := peopleTable(t)
	right := mustTable(t, schema.Schema{{Name: "id", Type: schema.Int64}},
		[][]any{{int64(2)}})

	semi, err := left.Join(right, "semi", []string{"id"}, []string{"id"}, "")
	require.NoError(t, err)
	require.Equal(t, left.Schema().Names(), semi.Schema().Names())
	require.Equal(t, 1, semi.NumRows())

	anti, err := left.Join(right, "anti", []string{"id"}, []string{"id"}, "")
	require.NoError(t, err)
	require.Equal(t, 2, anti.NumRows())
}

func TestJoinNullKeysNeverMatch(t *testing.T) {
	left := mustTable(t, schema.Schema{{Name: "k", Type: schema.String}},
		[][]any{{nil}, {"a"}})
	right := mustTable(t, schema.Schema{{Name: "k", Type: schema.String}},
		[][]any{{nil}, {"a"}})

	out, err := left.Join(right, "inner", []string{"k"}, []string{"k"}, "")
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())
}

func TestCrossJoin(t *testing.T) {
	left := mustTable(t, schema.Schema{{Name: "a", Type: schema.Int64}},
		[][]any{{int64(1)}, {int64(2)}})
	right := mustTable(t, schema.Schema{{Name: "b", Type: schema.String}},
		[][]any{{"x"}, {"y"}, {"z"}})

	out, err := left.CrossJoin(right, "")
	require.NoError(t, err)
	require.Equal(t, 6, out.NumRows())
	require.Equal(t, []any{int64(1), "x"}, out.Row(0))
}

func TestUnionStrictRejectsMismatch(t *testing.T) {
	a := mustTable(t, schema.Schema{{Name: "x", Type: schema.Int64}}, [][]any{{int64(1)}})
	b := mustTable(t, schema.Schema{{Name: "y", Type: schema.Int64}}, [][]any{{int64(2)}})
	_, err := Union([]*Table{a, b}, false)
	require.Error(t, err)
}

func TestUnionRelaxedAlignsAndWidens(t *testing.T) {
	a := mustTable(t, schema.Schema{
		{Name: "x", Type: schema.Int64},
		{Name: "y", Type: schema.String},
	}, [][]any{{int64(1), "a"}})
	b := mustTable(t, schema.Schema{
		{Name: "x", Type: schema.Float64},
	}, [][]any{{2.5}})

	out, err := Union([]*Table{a, b}, true)
	require.NoError(t, err)
	x, ok := out.Schema().Field("x")
	require.True(t, ok)
	require.Equal(t, schema.Float64, x.Type)
	require.Equal(t, 2, out.NumRows())
	// b has no y; filled with null.
	v, err := out.Value(1, "y")
	require.NoError(t, err)
	require.Nil(t, v)
}
