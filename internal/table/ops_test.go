package table

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowfile/flowfile/internal/schema"
)

func mustTable(t *testing.T, cols schema.Schema, rows [][]any) *Table {
	t.Helper()
	tbl, err := New(cols, rows)
	require.NoError(t, err)
	return tbl
}

func peopleTable(t *testing.T) *Table {
	return mustTable(t, schema.Schema{
		{Name: "id", Type: schema.Int64},
		{Name: "name", Type: schema.String},
		{Name: "age", Type: schema.Int64},
	}, [][]any{
		{int64(1), "A", int64(17)},
		{int64(2), "B", int64(42)},
		{int64(3), "C", int64(65)},
	})
}

func TestSelectRenameAndCast(t *testing.T) {
	tbl := peopleTable(t)
	out, err := tbl.Select([]SelectColumn{
		{Old: "age", New: "years", Type: schema.Float64, Keep: true},
		{Old: "name", Keep: true},
	}, false)
	require.NoError(t, err)

	require.Equal(t, []string{"years", "name"}, out.Schema().Names())
	require.Equal(t, schema.Float64, out.Schema()[0].Type)
	require.Equal(t, float64(17), out.Row(0)[0])
	require.Equal(t, "A", out.Row(0)[1])
}

func TestSelectKeepMissing(t *testing.T) {
	tbl := peopleTable(t)
	out, err := tbl.Select([]SelectColumn{
		{Old: "age", Keep: true},
		{Old: "name", Keep: false}, // dropped, and not re-added by keepMissing
	}, true)
	require.NoError(t, err)
	require.Equal(t, []string{"age", "id"}, out.Schema().Names())
}

func TestSelectMissingColumn(t *testing.T) {
	tbl := peopleTable(t)
	_, err := tbl.Select([]SelectColumn{{Old: "nope", Keep: true}}, false)
	require.Error(t, err)
}

func TestSortStableMultiKey(t *testing.T) {
	tbl := mustTable(t, schema.Schema{
		{Name: "g", Type: schema.String},
		{Name: "v", Type: schema.Int64},
	}, [][]any{
		{"b", int64(1)},
		{"a", int64(2)},
		{"a", int64(1)},
		{"b", int64(1)}, // duplicate of row 0; stability keeps input order
	})
	out, err := tbl.Sort([]SortKey{
		{Column: "g"},
		{Column: "v", Descending: true},
	})
	require.NoError(t, err)
	require.Equal(t, [][]any{
		{"a", int64(2)},
		{"a", int64(1)},
		{"b", int64(1)},
		{"b", int64(1)},
	}, out.Rows())
}

func TestSortNilFirst(t *testing.T) {
	tbl := mustTable(t, schema.Schema{{Name: "v", Type: schema.Int64}},
		[][]any{{int64(2)}, {nil}, {int64(1)}})
	out, err := tbl.Sort([]SortKey{{Column: "v"}})
	require.NoError(t, err)
	require.Nil(t, out.Row(0)[0])
	require.Equal(t, int64(1), out.Row(1)[0])
}

func TestUniqueKeepStrategies(t *testing.T) {
	tbl := mustTable(t, schema.Schema{
		{Name: "k", Type: schema.String},
		{Name: "v", Type: schema.Int64},
	}, [][]any{
		{"x", int64(1)},
		{"y", int64(2)},
		{"x", int64(3)},
	})

	first, err := tbl.Unique([]string{"k"}, "first")
	require.NoError(t, err)
	require.Equal(t, [][]any{{"x", int64(1)}, {"y", int64(2)}}, first.Rows())

	last, err := tbl.Unique([]string{"k"}, "last")
	require.NoError(t, err)
	require.Equal(t, [][]any{{"y", int64(2)}, {"x", int64(3)}}, last.Rows())

	none, err := tbl.Unique([]string{"k"}, "none")
	require.NoError(t, err)
	require.Equal(t, [][]any{{"y", int64(2)}}, none.Rows())

	_, err = tbl.Unique([]string{"k"}, "bogus")
	require.Error(t, err)
}

func TestUniqueDistinguishesTypes(t *testing.T) {
	// 1 and "1" must not collapse into one group.
	tbl := mustTable(t, schema.Schema{{Name: "v", Type: schema.String}},
		[][]any{{int64(1)}, {"1"}})
	out, err := tbl.Unique(nil, "first")
	require.NoError(t, err)
	require.Equal(t, 2, out.NumRows())
}

func TestRecordID(t *testing.T) {
	tbl := peopleTable(t)
	out, err := tbl.RecordID("record_id", 1)
	require.NoError(t, err)
	require.Equal(t, []string{"record_id", "id", "name", "age"}, out.Schema().Names())
	require.Equal(t, int64(1), out.Row(0)[0])
	require.Equal(t, int64(3), out.Row(2)[0])

	_, err = out.RecordID("record_id", 1)
	require.Error(t, err)
}

func TestHeadAndSample(t *testing.T) {
	tbl := peopleTable(t)
	require.Equal(t, 2, tbl.Head(2).NumRows())
	require.Equal(t, 3, tbl.Head(10).NumRows())

	s := tbl.SampleN(2, 42)
	require.Equal(t, 2, s.NumRows())
	// Sampling without replacement keeps source order.
	a, _ := s.Value(0, "id")
	b, _ := s.Value(1, "id")
	require.Less(t, a.(int64), b.(int64))
}
