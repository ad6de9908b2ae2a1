package table

import (
	"fmt"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/flowfile/flowfile/internal/schema"
)

// Parquet support is contained to this file. Rows cross the boundary as
// map[string]any; temporal values travel as RFC3339 strings because the
// generic writer has no stable mapping for time.Time.

// ReadParquet loads a parquet file. maxRows caps rows read; zero reads all.
func ReadParquet(path string, maxRows int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	cols, err := parquetSchema(pf.Schema())
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}

	r := parquet.NewGenericReader[map[string]any](pf)
	defer r.Close()

	want := int(r.NumRows())
	if maxRows > 0 && maxRows < want {
		want = maxRows
	}
	rows := make([][]any, 0, want)
	buf := make([]map[string]any, 256)
	for len(rows) < want {
		for i := range buf {
			buf[i] = map[string]any{}
		}
		n, err := r.Read(buf)
		for _, rec := range buf[:n] {
			if len(rows) >= want {
				break
			}
			nr := make([]any, len(cols))
			for i, c := range cols {
				v, ok := rec[c.Name]
				if !ok || v == nil {
					continue
				}
				cv, cerr := Coerce(v, c.Type)
				if cerr != nil {
					return nil, fmt.Errorf("read parquet %s: column %q: %w", path, c.Name, cerr)
				}
				nr[i] = cv
			}
			rows = append(rows, nr)
		}
		if err != nil {
			break
		}
	}
	return &Table{cols: cols, rows: rows}, nil
}

func parquetSchema(ps *parquet.Schema) (schema.Schema, error) {
	fields := ps.Fields()
	cols := make(schema.Schema, 0, len(fields))
	for _, f := range fields {
		t, err := columnTypeOfParquet(f)
		if err != nil {
			return nil, err
		}
		cols = append(cols, schema.Column{Name: f.Name(), Type: t})
	}
	return cols, nil
}

func columnTypeOfParquet(f parquet.Field) (schema.ColumnType, error) {
	if f.Type() == nil {
		return schema.Struct, nil
	}
	switch f.Type().Kind() {
	case parquet.Boolean:
		return schema.Boolean, nil
	case parquet.Int32:
		if lt := f.Type().LogicalType(); lt != nil && lt.Date != nil {
			return schema.Date, nil
		}
		return schema.Int32, nil
	case parquet.Int64:
		if lt := f.Type().LogicalType(); lt != nil && lt.Timestamp != nil {
			return schema.Datetime, nil
		}
		return schema.Int64, nil
	case parquet.Float:
		return schema.Float32, nil
	case parquet.Double:
		return schema.Float64, nil
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return schema.String, nil
	default:
		return schema.String, nil
	}
}

// WriteParquet writes the table as a parquet file via temp file + rename.
func WriteParquet(t *Table, path string) error {
	group := parquet.Group{}
	for _, c := range t.cols {
		group[c.Name] = parquetNode(c.Type)
	}
	ps := parquet.NewSchema("table", group)

	tmp, err := os.CreateTemp(dirOf(path), ".parquet-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := parquet.NewGenericWriter[map[string]any](tmp, ps)
	batch := make([]map[string]any, 0, 256)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}
	for _, r := range t.rows {
		rec := make(map[string]any, len(t.cols))
		for i, c := range t.cols {
			v := r[i]
			if ts, ok := v.(time.Time); ok {
				if c.Type == schema.Date {
					v = ts.Format("2006-01-02")
				} else {
					v = ts.Format(time.RFC3339)
				}
			}
			rec[c.Name] = v
		}
		batch = append(batch, rec)
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				tmp.Close()
				return err
			}
		}
	}
	if err := flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func parquetNode(t schema.ColumnType) parquet.Node {
	var n parquet.Node
	switch {
	case t.IsInteger():
		n = parquet.Int(64)
	case t == schema.Float32:
		n = parquet.Leaf(parquet.FloatType)
	case t.IsFloat(), t == schema.Decimal:
		n = parquet.Leaf(parquet.DoubleType)
	case t == schema.Boolean:
		n = parquet.Leaf(parquet.BooleanType)
	default:
		// Temporals, lists, and structs serialize as strings.
		n = parquet.String()
	}
	return parquet.Optional(n)
}
