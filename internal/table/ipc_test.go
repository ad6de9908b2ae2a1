package table

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowfile/flowfile/internal/artifact"
	"github.com/flowfile/flowfile/internal/schema"
)

func TestIPCRoundTrip(t *testing.T) {
	tbl := mustTable(t, schema.Schema{
		{Name: "id", Type: schema.Int64},
		{Name: "name", Type: schema.String},
		{Name: "score", Type: schema.Float64},
		{Name: "ok", Type: schema.Boolean},
	}, [][]any{
		{int64(1), "a", 1.5, true},
		{int64(2), "b", nil, false},
	})

	path := filepath.Join(t.TempDir(), "out.ipc")
	require.NoError(t, WriteIPC(tbl, path))

	back, err := ReadIPC(path, 0)
	require.NoError(t, err)
	require.True(t, back.Schema().Equal(tbl.Schema()))
	require.Equal(t, tbl.Rows(), back.Rows())
}

func TestIPCMaxRows(t *testing.T) {
	rows := make([][]any, 3000)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	tbl := mustTable(t, schema.Schema{{Name: "v", Type: schema.Int64}}, rows)

	path := filepath.Join(t.TempDir(), "out.ipc")
	require.NoError(t, WriteIPC(tbl, path))

	// Spans multiple chunks but stops at the cap.
	back, err := ReadIPC(path, 1500)
	require.NoError(t, err)
	require.Equal(t, 1500, back.NumRows())
	require.Equal(t, int64(1499), back.Row(1499)[0])
}

func TestIPCHeaderOnly(t *testing.T) {
	tbl := peopleTable(t)
	path := filepath.Join(t.TempDir(), "out.ipc")
	require.NoError(t, WriteIPC(tbl, path))

	h, err := artifact.ReadHeader(path)
	require.NoError(t, err)
	require.Equal(t, int64(3), h.Rows)
	require.True(t, h.Schema.Equal(tbl.Schema()))
}

func TestReadArtifactDispatch(t *testing.T) {
	tbl := peopleTable(t)
	dir := t.TempDir()

	ipcPath := filepath.Join(dir, "a.ipc")
	require.NoError(t, WriteIPC(tbl, ipcPath))
	back, err := ReadArtifact(artifact.Ref{Path: ipcPath, Format: artifact.FormatIPC}, 0)
	require.NoError(t, err)
	require.Equal(t, 3, back.NumRows())

	_, err = ReadArtifact(artifact.Ref{Path: ipcPath, Format: "zip"}, 0)
	require.Error(t, err)
}
