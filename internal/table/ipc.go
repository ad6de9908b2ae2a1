package table

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowfile/flowfile/internal/artifact"
	"github.com/flowfile/flowfile/internal/schema"
)

// The ipc container is the native artifact format: a self-describing msgpack
// header followed by row chunks, so headers are cheap to read and previews
// never load the full file.

const ipcChunkRows = 1024

// WriteIPC writes the table to path atomically (temp file + rename).
func WriteIPC(t *Table, path string) error {
	tmp, err := os.CreateTemp(dirOf(path), ".ipc-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	enc := msgpack.NewEncoder(bw)
	if err := artifact.WriteHeader(enc, t.cols, int64(len(t.rows))); err != nil {
		tmp.Close()
		return err
	}
	for start := 0; start < len(t.rows); start += ipcChunkRows {
		end := start + ipcChunkRows
		if end > len(t.rows) {
			end = len(t.rows)
		}
		if err := enc.Encode(t.rows[start:end]); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == os.PathSeparator {
			return path[:i]
		}
	}
	return "."
}

// ReadIPC loads an ipc artifact. maxRows caps rows read; zero reads all.
func ReadIPC(path string, maxRows int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := msgpack.NewDecoder(bufio.NewReader(f))
	h, err := artifact.ReadHeaderFrom(dec)
	if err != nil {
		return nil, err
	}

	want := int(h.Rows)
	if maxRows > 0 && maxRows < want {
		want = maxRows
	}
	rows := make([][]any, 0, want)
	for len(rows) < want {
		var chunk [][]any
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("ipc payload %s: %w", path, err)
		}
		for _, r := range chunk {
			if len(rows) >= want {
				break
			}
			nr, err := normalizeRow(r, h.Schema)
			if err != nil {
				return nil, fmt.Errorf("ipc payload %s: %w", path, err)
			}
			rows = append(rows, nr)
		}
	}
	return &Table{cols: h.Schema, rows: rows}, nil
}

// normalizeRow widens decoded msgpack scalars to the table value model
// (int64/float64/string/bool/time.Time/nil).
func normalizeRow(r []any, s schema.Schema) ([]any, error) {
	if len(r) != len(s) {
		return nil, fmt.Errorf("row has %d values, schema has %d columns", len(r), len(s))
	}
	out := make([]any, len(r))
	for i, v := range r {
		if v == nil {
			continue
		}
		switch x := v.(type) {
		case int8:
			out[i] = int64(x)
		case int16:
			out[i] = int64(x)
		case int32:
			out[i] = int64(x)
		case int:
			out[i] = int64(x)
		case uint8:
			out[i] = int64(x)
		case uint16:
			out[i] = int64(x)
		case uint32:
			out[i] = int64(x)
		case uint64:
			out[i] = int64(x)
		case float32:
			out[i] = float64(x)
		case time.Time, int64, float64, string, bool, []any, map[string]any:
			out[i] = v
		default:
			cv, err := Coerce(v, s[i].Type)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
	}
	return out, nil
}

// ReadArtifact loads any supported artifact format.
func ReadArtifact(ref artifact.Ref, maxRows int) (*Table, error) {
	switch ref.Format {
	case artifact.FormatIPC, "":
		return ReadIPC(ref.Path, maxRows)
	case artifact.FormatCSV:
		return ReadCSV(ref.Path, CSVOptions{HasHeader: true, MaxRows: maxRows})
	case artifact.FormatParquet:
		return ReadParquet(ref.Path, maxRows)
	default:
		return nil, fmt.Errorf("unsupported artifact format %q", ref.Format)
	}
}
