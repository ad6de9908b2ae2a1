package table

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/flowfile/flowfile/internal/schema"
)

// CSVOptions controls the CSV reader.
type CSVOptions struct {
	Delimiter rune
	SkipLines int
	HasHeader bool
	// MaxRows caps rows read; zero means unlimited (sampling in
	// Development mode sets it).
	MaxRows int
}

// inferSampleRows bounds how many rows the reader examines for type
// inference.
const inferSampleRows = 1000

// ReadCSV loads a CSV file, inferring column types from a leading sample.
func ReadCSV(path string, opts CSVOptions) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	if opts.Delimiter != 0 {
		r.Comma = opts.Delimiter
	}
	r.FieldsPerRecord = -1

	for i := 0; i < opts.SkipLines; i++ {
		if _, err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return Empty(nil), nil
			}
			return nil, err
		}
	}

	var header []string
	if opts.HasHeader {
		rec, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Empty(nil), nil
			}
			return nil, err
		}
		header = rec
	}

	var raw [][]string
	for {
		rec, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read csv %s: %w", path, err)
		}
		raw = append(raw, rec)
		if opts.MaxRows > 0 && len(raw) >= opts.MaxRows {
			break
		}
	}

	width := len(header)
	for _, rec := range raw {
		if len(rec) > width {
			width = len(rec)
		}
	}
	if header == nil {
		header = make([]string, width)
		for i := range header {
			header[i] = fmt.Sprintf("column_%d", i+1)
		}
	}

	cols := make(schema.Schema, width)
	for ci := 0; ci < width; ci++ {
		var sample []string
		for ri := 0; ri < len(raw) && ri < inferSampleRows; ri++ {
			if ci < len(raw[ri]) {
				sample = append(sample, raw[ri][ci])
			}
		}
		name := fmt.Sprintf("column_%d", ci+1)
		if ci < len(header) && header[ci] != "" {
			name = header[ci]
		}
		cols[ci] = schema.Column{Name: name, Type: InferType(sample)}
	}

	rows := make([][]any, len(raw))
	for ri, rec := range raw {
		nr := make([]any, width)
		for ci := 0; ci < width; ci++ {
			if ci >= len(rec) {
				continue
			}
			v, err := ParseTyped(rec[ci], cols[ci].Type)
			if err != nil {
				// Inference sampled a prefix; fall back to string for
				// the whole column on a late mismatch.
				cols[ci].Type = schema.String
				v = rec[ci]
			}
			nr[ci] = v
		}
		rows[ri] = nr
	}
	return &Table{cols: cols, rows: rows}, nil
}

// CSV write modes.
const (
	WriteOverwrite = "overwrite"
	WriteNewFile   = "new-file"
	WriteAppend    = "append"
)

// WriteCSV writes the table. Append requires an existing file whose header
// matches the table's column names exactly; new-file refuses to replace an
// existing file.
func WriteCSV(t *Table, path string, delimiter rune, mode string) error {
	if mode == "" {
		mode = WriteOverwrite
	}
	var f *os.File
	var writeHeader bool
	switch mode {
	case WriteOverwrite:
		var err error
		f, err = os.Create(path)
		if err != nil {
			return err
		}
		writeHeader = true
	case WriteNewFile:
		var err error
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return fmt.Errorf("new-file write: %w", err)
		}
		writeHeader = true
	case WriteAppend:
		if err := checkAppendHeader(t, path, delimiter); err != nil {
			return err
		}
		var err error
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		writeHeader = fi.Size() == 0
	default:
		return fmt.Errorf("unknown write mode %q", mode)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if delimiter != 0 {
		w.Comma = delimiter
	}
	if writeHeader {
		if err := w.Write(t.cols.Names()); err != nil {
			return err
		}
	}
	rec := make([]string, len(t.cols))
	for _, r := range t.rows {
		for i, v := range r {
			if v == nil {
				rec[i] = ""
			} else {
				rec[i] = toString(v)
			}
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// checkAppendHeader enforces schema-stable appends: the existing header must
// equal the table's column names.
func checkAppendHeader(t *Table, path string, delimiter rune) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	r := csv.NewReader(f)
	if delimiter != 0 {
		r.Comma = delimiter
	}
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	names := t.cols.Names()
	if len(header) != len(names) {
		return fmt.Errorf("append: existing file has %d columns, table has %d", len(header), len(names))
	}
	for i := range names {
		if header[i] != names[i] {
			return fmt.Errorf("append: column %d is %q in file, %q in table", i, header[i], names[i])
		}
	}
	return nil
}
