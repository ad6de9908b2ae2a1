package table

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/flowfile/flowfile/internal/schema"
)

// ReadJSON loads either a JSON array of objects or newline-delimited JSON.
// The schema is the first-seen union of object keys.
func ReadJSON(path string, maxRows int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	first, err := peekNonSpace(br)
	if err != nil {
		return Empty(nil), nil
	}

	var objects []map[string]any
	if first == '[' {
		dec := json.NewDecoder(br)
		if err := dec.Decode(&objects); err != nil {
			return nil, fmt.Errorf("read json %s: %w", path, err)
		}
		if maxRows > 0 && len(objects) > maxRows {
			objects = objects[:maxRows]
		}
	} else {
		scanner := bufio.NewScanner(br)
		scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(line), &obj); err != nil {
				return nil, fmt.Errorf("read ndjson %s: %w", path, err)
			}
			objects = append(objects, obj)
			if maxRows > 0 && len(objects) >= maxRows {
				break
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}
	return FromObjects(objects)
}

// WriteJSON writes the table as a JSON array of objects.
func WriteJSON(t *Table, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(tableObjects(t)); err != nil {
		return err
	}
	return bw.Flush()
}

func tableObjects(t *Table) []map[string]any {
	out := make([]map[string]any, len(t.rows))
	for ri, r := range t.rows {
		rec := make(map[string]any, len(t.cols))
		for ci, c := range t.cols {
			rec[c.Name] = r[ci]
		}
		out[ri] = rec
	}
	return out
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\n', '\r':
			br.ReadByte()
		default:
			return b[0], nil
		}
	}
}

// FromObjects builds a table from generic records. Column order is first
// seen; types resolve through Supertype over observed values.
func FromObjects(objects []map[string]any) (*Table, error) {
	var cols schema.Schema
	for _, obj := range objects {
		// Deterministic within a record: JSON decoding loses key order,
		// so sort new keys before appending.
		var fresh []string
		for k := range obj {
			if !cols.Has(k) {
				fresh = append(fresh, k)
			}
		}
		sortStrings(fresh)
		for _, k := range fresh {
			cols = append(cols, schema.Column{Name: k, Type: schema.Null})
		}
		for i, c := range cols {
			if v, ok := obj[c.Name]; ok && v != nil {
				cols[i].Type = schema.Supertype(cols[i].Type, typeOfValue(v))
			}
		}
	}
	for i := range cols {
		if cols[i].Type == schema.Null {
			cols[i].Type = schema.String
		}
	}

	rows := make([][]any, len(objects))
	for ri, obj := range objects {
		nr := make([]any, len(cols))
		for ci, c := range cols {
			v, ok := obj[c.Name]
			if !ok || v == nil {
				continue
			}
			cv, err := Coerce(v, c.Type)
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", ri, c.Name, err)
			}
			nr[ci] = cv
		}
		rows[ri] = nr
	}
	return &Table{cols: cols, rows: rows}, nil
}

func typeOfValue(v any) schema.ColumnType {
	switch x := v.(type) {
	case bool:
		return schema.Boolean
	case string:
		return schema.String
	case float64:
		if x == float64(int64(x)) {
			return schema.Int64
		}
		return schema.Float64
	case int64, int:
		return schema.Int64
	case []any:
		return schema.List
	case map[string]any:
		return schema.Struct
	default:
		return schema.String
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
