package table

import (
	"fmt"

	"github.com/flowfile/flowfile/internal/schema"
)

// JoinSchema computes the output schema of an equality join without touching
// data, so node validation can derive it. Right-side name collisions get the
// suffix; for semi/anti joins the output is the left schema unchanged.
func JoinSchema(left, right schema.Schema, how string, leftOn, rightOn []string, suffix string) (schema.Schema, error) {
	switch how {
	case "inner", "left", "right", "full", "semi", "anti":
	default:
		return nil, fmt.Errorf("join: unknown how %q", how)
	}
	if how == "semi" || how == "anti" {
		return left.Clone(), nil
	}
	if suffix == "" {
		suffix = "_right"
	}
	out := left.Clone()
	for _, c := range right {
		if sameNameKey(c.Name, leftOn, rightOn) {
			continue // a key both sides spell the same is not duplicated
		}
		name := c.Name
		if out.Has(name) {
			name += suffix
		}
		out = append(out, schema.Column{Name: name, Type: c.Type})
	}
	return out, nil
}

// sameNameKey reports whether name is a right join key whose paired left key
// carries the same name. Differently-named keys survive into the output.
func sameNameKey(name string, leftOn, rightOn []string) bool {
	for i, k := range rightOn {
		if k == name && i < len(leftOn) && leftOn[i] == name {
			return true
		}
	}
	return false
}

// Join performs a hash join on multi-column equality keys.
func (t *Table) Join(right *Table, how string, leftOn, rightOn []string, suffix string) (*Table, error) {
	if len(leftOn) == 0 || len(leftOn) != len(rightOn) {
		return nil, fmt.Errorf("join: key lists must be non-empty and equal length")
	}
	outSchema, err := JoinSchema(t.cols, right.cols, how, leftOn, rightOn, suffix)
	if err != nil {
		return nil, err
	}

	lIdx := make([]int, len(leftOn))
	for i, k := range leftOn {
		if lIdx[i] = t.cols.Index(k); lIdx[i] < 0 {
			return nil, fmt.Errorf("join: left key %q not found", k)
		}
	}
	rIdx := make([]int, len(rightOn))
	for i, k := range rightOn {
		if rIdx[i] = right.cols.Index(k); rIdx[i] < 0 {
			return nil, fmt.Errorf("join: right key %q not found", k)
		}
	}

	// Right columns that survive into the output, in order. Only keys both
	// sides spell the same are dropped.
	var rKeep []int
	for i, c := range right.cols {
		if !sameNameKey(c.Name, leftOn, rightOn) {
			rKeep = append(rKeep, i)
		}
	}

	build := map[string][]int{}
	for ri, r := range right.rows {
		k := keyOf(r, rIdx)
		build[k] = append(build[k], ri)
	}

	var rows [][]any
	matchedRight := map[int]bool{}
	emit := func(l []any, r []any) {
		nr := make([]any, 0, len(outSchema))
		nr = append(nr, l...)
		if how != "semi" && how != "anti" {
			if r != nil {
				for _, i := range rKeep {
					nr = append(nr, r[i])
				}
			} else {
				for range rKeep {
					nr = append(nr, nil)
				}
			}
		}
		rows = append(rows, nr)
	}

	for _, l := range t.rows {
		if hasNullKey(l, lIdx) {
			if how == "left" || how == "full" {
				emit(l, nil)
			} else if how == "anti" {
				emit(l, nil)
			}
			continue
		}
		matches := build[keyOf(l, lIdx)]
		switch how {
		case "semi":
			if len(matches) > 0 {
				emit(l, nil)
			}
		case "anti":
			if len(matches) == 0 {
				emit(l, nil)
			}
		default:
			if len(matches) == 0 {
				if how == "left" || how == "full" {
					emit(l, nil)
				}
				continue
			}
			for _, ri := range matches {
				matchedRight[ri] = true
				emit(l, right.rows[ri])
			}
		}
	}

	if how == "right" || how == "full" {
		for ri, r := range right.rows {
			if matchedRight[ri] || hasNullKey(r, rIdx) {
				if how == "full" && hasNullKey(r, rIdx) && !matchedRight[ri] {
					rows = append(rows, rightOnlyRow(t.cols, outSchema, right, r, rIdx, rKeep, leftOn))
				}
				continue
			}
			rows = append(rows, rightOnlyRow(t.cols, outSchema, right, r, rIdx, rKeep, leftOn))
		}
	}
	return &Table{cols: outSchema, rows: rows}, nil
}

// rightOnlyRow builds an unmatched-right output row: left columns null except
// the join keys, which carry the right key values.
func rightOnlyRow(left, out schema.Schema, right *Table, r []any, rIdx, rKeep []int, leftOn []string) []any {
	nr := make([]any, len(out))
	for i, k := range leftOn {
		if li := left.Index(k); li >= 0 {
			nr[li] = r[rIdx[i]]
		}
	}
	base := len(left)
	for i, ri := range rKeep {
		nr[base+i] = r[ri]
	}
	return nr
}

func hasNullKey(row []any, idxs []int) bool {
	for _, i := range idxs {
		if row[i] == nil {
			return true
		}
	}
	return false
}

// CrossJoin produces the cartesian product of both tables.
func (t *Table) CrossJoin(right *Table, suffix string) (*Table, error) {
	if suffix == "" {
		suffix = "_right"
	}
	out := t.cols.Clone()
	for _, c := range right.cols {
		name := c.Name
		if out.Has(name) {
			name += suffix
		}
		out = append(out, schema.Column{Name: name, Type: c.Type})
	}
	rows := make([][]any, 0, len(t.rows)*len(right.rows))
	for _, l := range t.rows {
		for _, r := range right.rows {
			nr := make([]any, 0, len(out))
			nr = append(nr, l...)
			nr = append(nr, r...)
			rows = append(rows, nr)
		}
	}
	return &Table{cols: out, rows: rows}, nil
}

// Union concatenates tables. Strict mode requires identical schemas; relaxed
// (diagonal) mode aligns by column name, widens types through Supertype, and
// fills missing columns with nulls.
func Union(tables []*Table, relaxed bool) (*Table, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("union: no inputs")
	}
	if !relaxed {
		first := tables[0].cols
		for i, t := range tables[1:] {
			if !t.cols.Equal(first) {
				return nil, fmt.Errorf("union: input %d schema %s does not match %s", i+1, t.cols, first)
			}
		}
		var rows [][]any
		for _, t := range tables {
			rows = append(rows, t.rows...)
		}
		return &Table{cols: first.Clone(), rows: rows}, nil
	}

	schemas := make([]schema.Schema, len(tables))
	for i, t := range tables {
		schemas[i] = t.cols
	}
	out := schema.UnionOf(schemas)

	var rows [][]any
	for _, t := range tables {
		mapping := make([]int, len(out))
		for i, c := range out {
			mapping[i] = t.cols.Index(c.Name)
		}
		for _, r := range t.rows {
			nr := make([]any, len(out))
			for i, src := range mapping {
				if src >= 0 {
					v, err := Coerce(r[src], out[i].Type)
					if err != nil {
						return nil, fmt.Errorf("union: %w", err)
					}
					nr[i] = v
				}
			}
			rows = append(rows, nr)
		}
	}
	return &Table{cols: out, rows: rows}, nil
}
