package table

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowfile/flowfile/internal/schema"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadCSVInference(t *testing.T) {
	path := writeFile(t, "in.csv", "id,name,age,active,joined\n1,A,17,true,2024-01-01\n2,B,42,false,2024-06-15\n")
	tbl, err := ReadCSV(path, CSVOptions{HasHeader: true})
	require.NoError(t, err)

	want := schema.Schema{
		{Name: "id", Type: schema.Int64},
		{Name: "name", Type: schema.String},
		{Name: "age", Type: schema.Int64},
		{Name: "active", Type: schema.Boolean},
		{Name: "joined", Type: schema.Date},
	}
	require.True(t, tbl.Schema().Equal(want), "got %s", tbl.Schema())
	require.Equal(t, 2, tbl.NumRows())
	require.Equal(t, int64(17), tbl.Row(0)[2])
	require.Equal(t, true, tbl.Row(0)[3])
}

func TestReadCSVNoHeader(t *testing.T) {
	path := writeFile(t, "in.csv", "1,a\n2,b\n")
	tbl, err := ReadCSV(path, CSVOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"column_1", "column_2"}, tbl.Schema().Names())
}

func TestReadCSVMaxRows(t *testing.T) {
	path := writeFile(t, "in.csv", "v\n1\n2\n3\n4\n")
	tbl, err := ReadCSV(path, CSVOptions{HasHeader: true, MaxRows: 2})
	require.NoError(t, err)
	require.Equal(t, 2, tbl.NumRows())
}

func TestReadCSVEmptyCellsAreNull(t *testing.T) {
	path := writeFile(t, "in.csv", "a,b\n1,\n,2\n")
	tbl, err := ReadCSV(path, CSVOptions{HasHeader: true})
	require.NoError(t, err)
	require.Nil(t, tbl.Row(0)[1])
	require.Nil(t, tbl.Row(1)[0])
}

func TestWriteCSVRoundTrip(t *testing.T) {
	tbl := peopleTable(t)
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, WriteCSV(tbl, path, 0, WriteOverwrite))

	back, err := ReadCSV(path, CSVOptions{HasHeader: true})
	require.NoError(t, err)
	require.Equal(t, tbl.Schema().Names(), back.Schema().Names())
	require.Equal(t, tbl.Rows(), back.Rows())
}

func TestWriteCSVNewFileRefusesExisting(t *testing.T) {
	tbl := peopleTable(t)
	path := writeFile(t, "out.csv", "already here")
	err := WriteCSV(tbl, path, 0, WriteNewFile)
	require.Error(t, err)
}

func TestWriteCSVAppend(t *testing.T) {
	tbl := peopleTable(t)
	path := filepath.Join(t.TempDir(), "out.csv")

	// First append creates the file with a header; the second adds rows only.
	require.NoError(t, WriteCSV(tbl, path, 0, WriteAppend))
	require.NoError(t, WriteCSV(tbl, path, 0, WriteAppend))

	back, err := ReadCSV(path, CSVOptions{HasHeader: true})
	require.NoError(t, err)
	require.Equal(t, 6, back.NumRows())
}

func TestWriteCSVAppendSchemaMismatch(t *testing.T) {
	tbl := peopleTable(t)
	path := writeFile(t, "out.csv", "x,y\n1,2\n")
	err := WriteCSV(tbl, path, 0, WriteAppend)
	require.Error(t, err)
}
