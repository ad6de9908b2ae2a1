package table

import (
	"fmt"
	"sort"

	"github.com/flowfile/flowfile/internal/schema"
)

// SelectColumn mirrors plan.SelectColumn: keep/rename/reorder plus optional
// cast.
type SelectColumn struct {
	Old  string
	New  string
	Type schema.ColumnType // empty = no cast
	Keep bool
}

// Select keeps, renames, reorders and casts columns. Listed columns appear in
// list order; when keepMissing, unlisted columns follow in original order.
func (t *Table) Select(cols []SelectColumn, keepMissing bool) (*Table, error) {
	type pick struct {
		src  int
		col  schema.Column
		cast schema.ColumnType
	}
	var picks []pick
	listed := map[string]bool{}
	for _, sc := range cols {
		listed[sc.Old] = true
		if !sc.Keep {
			continue
		}
		src := t.cols.Index(sc.Old)
		if src < 0 {
			return nil, fmt.Errorf("select: column %q not found", sc.Old)
		}
		name := sc.New
		if name == "" {
			name = sc.Old
		}
		typ := t.cols[src].Type
		if sc.Type != "" {
			typ = sc.Type
		}
		picks = append(picks, pick{src: src, col: schema.Column{Name: name, Type: typ}, cast: sc.Type})
	}
	if keepMissing {
		for i, c := range t.cols {
			if !listed[c.Name] {
				picks = append(picks, pick{src: i, col: c})
			}
		}
	}

	out := make(schema.Schema, len(picks))
	for i, p := range picks {
		out[i] = p.col
	}
	rows := make([][]any, len(t.rows))
	for ri, r := range t.rows {
		nr := make([]any, len(picks))
		for i, p := range picks {
			v := r[p.src]
			if p.cast != "" {
				cv, err := Coerce(v, p.cast)
				if err != nil {
					return nil, fmt.Errorf("select: cast %q row %d: %w", p.col.Name, ri, err)
				}
				v = cv
			}
			nr[i] = v
		}
		rows[ri] = nr
	}
	return &Table{cols: out, rows: rows}, nil
}

// SortKey is one sort criterion.
type SortKey struct {
	Column     string
	Descending bool
}

// Sort orders rows by the given keys. The sort is stable.
func (t *Table) Sort(keys []SortKey) (*Table, error) {
	idxs := make([]int, len(keys))
	for i, k := range keys {
		idx := t.cols.Index(k.Column)
		if idx < 0 {
			return nil, fmt.Errorf("sort: column %q not found", k.Column)
		}
		idxs[i] = idx
	}
	rows := append([][]any(nil), t.rows...)
	sort.SliceStable(rows, func(a, b int) bool {
		for i, k := range keys {
			c, _ := compareValues(rows[a][idxs[i]], rows[b][idxs[i]])
			if c == 0 {
				continue
			}
			if k.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return &Table{cols: t.cols, rows: rows}, nil
}

// Unique deduplicates rows by the given columns (all columns when empty).
// keep selects which duplicate survives: first, last, any (= first), or none
// (rows with duplicates are dropped entirely).
func (t *Table) Unique(cols []string, keep string) (*Table, error) {
	idxs := make([]int, 0, len(cols))
	if len(cols) == 0 {
		for i := range t.cols {
			idxs = append(idxs, i)
		}
	} else {
		for _, c := range cols {
			idx := t.cols.Index(c)
			if idx < 0 {
				return nil, fmt.Errorf("unique: column %q not found", c)
			}
			idxs = append(idxs, idx)
		}
	}

	counts := map[string]int{}
	firstAt := map[string]int{}
	lastAt := map[string]int{}
	for ri, r := range t.rows {
		k := keyOf(r, idxs)
		counts[k]++
		if _, ok := firstAt[k]; !ok {
			firstAt[k] = ri
		}
		lastAt[k] = ri
	}

	var rows [][]any
	switch keep {
	case "", "first", "any":
		seen := map[string]bool{}
		for ri, r := range t.rows {
			k := keyOf(r, idxs)
			if firstAt[k] == ri && !seen[k] {
				seen[k] = true
				rows = append(rows, r)
			}
		}
	case "last":
		for ri, r := range t.rows {
			k := keyOf(r, idxs)
			if lastAt[k] == ri {
				rows = append(rows, r)
			}
		}
	case "none":
		for _, r := range t.rows {
			if counts[keyOf(r, idxs)] == 1 {
				rows = append(rows, r)
			}
		}
	default:
		return nil, fmt.Errorf("unique: unknown keep strategy %q", keep)
	}
	return &Table{cols: t.cols, rows: rows}, nil
}

// keyOf builds a group key for the given column indexes. Values are rendered
// with a type marker so 1 and "1" stay distinct.
func keyOf(row []any, idxs []int) string {
	b := make([]byte, 0, 32)
	for _, i := range idxs {
		v := row[i]
		switch v.(type) {
		case nil:
			b = append(b, 'n')
		case string:
			b = append(b, 's')
		case bool:
			b = append(b, 'b')
		default:
			b = append(b, 'v')
		}
		b = append(b, toString(v)...)
		b = append(b, 0x1f)
	}
	return string(b)
}

// RecordID prepends a row-number column starting at offset.
func (t *Table) RecordID(name string, offset int64) (*Table, error) {
	if t.cols.Has(name) {
		return nil, fmt.Errorf("record_id: column %q already exists", name)
	}
	out := make(schema.Schema, 0, len(t.cols)+1)
	out = append(out, schema.Column{Name: name, Type: schema.Int64})
	out = append(out, t.cols...)
	rows := make([][]any, len(t.rows))
	for i, r := range t.rows {
		nr := make([]any, 0, len(r)+1)
		nr = append(nr, offset+int64(i))
		nr = append(nr, r...)
		rows[i] = nr
	}
	return &Table{cols: out, rows: rows}, nil
}

// WithColumn appends (or replaces) a column computed per row.
func (t *Table) WithColumn(name string, typ schema.ColumnType, values []any) (*Table, error) {
	if len(values) != len(t.rows) {
		return nil, fmt.Errorf("with_column: %d values for %d rows", len(values), len(t.rows))
	}
	replace := t.cols.Index(name)
	var out schema.Schema
	if replace >= 0 {
		out = t.cols.Clone()
		out[replace].Type = typ
	} else {
		out = append(t.cols.Clone(), schema.Column{Name: name, Type: typ})
	}
	rows := make([][]any, len(t.rows))
	for i, r := range t.rows {
		v, err := Coerce(values[i], typ)
		if err != nil {
			return nil, fmt.Errorf("with_column %q row %d: %w", name, i, err)
		}
		if replace >= 0 {
			nr := append([]any(nil), r...)
			nr[replace] = v
			rows[i] = nr
		} else {
			rows[i] = append(append([]any(nil), r...), v)
		}
	}
	return &Table{cols: out, rows: rows}, nil
}
