package table

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowfile/flowfile/internal/schema"
)

// AggFuncs lists the supported aggregation functions.
var AggFuncs = map[string]bool{
	"sum": true, "min": true, "max": true, "mean": true, "median": true,
	"count": true, "n_unique": true, "first": true, "last": true, "concat": true,
}

// AggType derives the output type of an aggregation over an input column.
func AggType(fn string, in schema.ColumnType) (schema.ColumnType, error) {
	switch fn {
	case "count", "n_unique":
		return schema.Int64, nil
	case "mean", "median":
		if !in.IsNumeric() {
			return "", fmt.Errorf("aggregation %q requires a numeric column", fn)
		}
		return schema.Float64, nil
	case "sum":
		if !in.IsNumeric() {
			return "", fmt.Errorf("aggregation %q requires a numeric column", fn)
		}
		if in.IsInteger() {
			return schema.Int64, nil
		}
		return schema.Float64, nil
	case "min", "max", "first", "last":
		return in, nil
	case "concat":
		return schema.String, nil
	default:
		return "", fmt.Errorf("unknown aggregation %q", fn)
	}
}

// Agg is one aggregation of a group-by.
type Agg struct {
	Column string
	Func   string
	Alias  string
}

func (a Agg) name() string {
	if a.Alias != "" {
		return a.Alias
	}
	return a.Column + "_" + a.Func
}

// GroupBySchema computes the group-by output schema for validation.
func GroupBySchema(in schema.Schema, keys []string, aggs []Agg) (schema.Schema, error) {
	var out schema.Schema
	for _, k := range keys {
		c, ok := in.Field(k)
		if !ok {
			return nil, fmt.Errorf("group_by: key %q not found", k)
		}
		out = append(out, c)
	}
	for _, a := range aggs {
		c, ok := in.Field(a.Column)
		if !ok {
			return nil, fmt.Errorf("group_by: column %q not found", a.Column)
		}
		t, err := AggType(a.Func, c.Type)
		if err != nil {
			return nil, err
		}
		name := a.name()
		if out.Has(name) {
			return nil, fmt.Errorf("group_by: duplicate output column %q", name)
		}
		out = append(out, schema.Column{Name: name, Type: t})
	}
	return out, nil
}

// GroupBy groups rows by the key columns and applies the aggregations.
// Output groups appear in first-seen order.
func (t *Table) GroupBy(keys []string, aggs []Agg) (*Table, error) {
	outSchema, err := GroupBySchema(t.cols, keys, aggs)
	if err != nil {
		return nil, err
	}
	keyIdx := make([]int, len(keys))
	for i, k := range keys {
		keyIdx[i] = t.cols.Index(k)
	}
	aggIdx := make([]int, len(aggs))
	for i, a := range aggs {
		aggIdx[i] = t.cols.Index(a.Column)
	}

	type group struct {
		keyVals []any
		values  [][]any // one slice per aggregation
	}
	groups := map[string]*group{}
	var order []string
	for _, r := range t.rows {
		k := keyOf(r, keyIdx)
		g, ok := groups[k]
		if !ok {
			kv := make([]any, len(keyIdx))
			for i, idx := range keyIdx {
				kv[i] = r[idx]
			}
			g = &group{keyVals: kv, values: make([][]any, len(aggs))}
			groups[k] = g
			order = append(order, k)
		}
		for i, idx := range aggIdx {
			g.values[i] = append(g.values[i], r[idx])
		}
	}

	rows := make([][]any, 0, len(order))
	for _, k := range order {
		g := groups[k]
		nr := make([]any, 0, len(outSchema))
		nr = append(nr, g.keyVals...)
		for i, a := range aggs {
			v, err := aggregate(a.Func, g.values[i])
			if err != nil {
				return nil, err
			}
			nr = append(nr, v)
		}
		rows = append(rows, nr)
	}
	return &Table{cols: outSchema, rows: rows}, nil
}

func aggregate(fn string, values []any) (any, error) {
	nonNull := values[:0:0]
	for _, v := range values {
		if v != nil {
			nonNull = append(nonNull, v)
		}
	}
	switch fn {
	case "count":
		return int64(len(nonNull)), nil
	case "n_unique":
		seen := map[string]bool{}
		for _, v := range nonNull {
			seen[toString(v)] = true
		}
		return int64(len(seen)), nil
	case "first":
		if len(nonNull) == 0 {
			return nil, nil
		}
		return nonNull[0], nil
	case "last":
		if len(nonNull) == 0 {
			return nil, nil
		}
		return nonNull[len(nonNull)-1], nil
	case "concat":
		parts := make([]string, len(nonNull))
		for i, v := range nonNull {
			parts[i] = toString(v)
		}
		return strings.Join(parts, ","), nil
	case "min", "max":
		if len(nonNull) == 0 {
			return nil, nil
		}
		best := nonNull[0]
		for _, v := range nonNull[1:] {
			c, err := compareValues(v, best)
			if err != nil {
				return nil, err
			}
			if (fn == "min" && c < 0) || (fn == "max" && c > 0) {
				best = v
			}
		}
		return best, nil
	case "sum", "mean", "median":
		if len(nonNull) == 0 {
			return nil, nil
		}
		allInt := true
		nums := make([]float64, len(nonNull))
		for i, v := range nonNull {
			f, ok := numeric(v)
			if !ok {
				return nil, fmt.Errorf("aggregation %q on non-numeric value %T", fn, v)
			}
			if _, isInt := v.(int64); !isInt {
				allInt = false
			}
			nums[i] = f
		}
		switch fn {
		case "sum":
			var s float64
			for _, f := range nums {
				s += f
			}
			if allInt {
				return int64(s), nil
			}
			return s, nil
		case "mean":
			var s float64
			for _, f := range nums {
				s += f
			}
			return s / float64(len(nums)), nil
		default: // median
			sort.Float64s(nums)
			mid := len(nums) / 2
			if len(nums)%2 == 1 {
				return nums[mid], nil
			}
			return (nums[mid-1] + nums[mid]) / 2, nil
		}
	}
	return nil, fmt.Errorf("unknown aggregation %q", fn)
}

// Pivot turns long data wide: one output column per distinct value of the
// pivot column, aggregated with fn. Pivoted column names derive from the
// stringified pivot values, sorted for determinism.
func (t *Table) Pivot(index []string, column, values, fn string) (*Table, error) {
	colIdx := t.cols.Index(column)
	if colIdx < 0 {
		return nil, fmt.Errorf("pivot: column %q not found", column)
	}
	valIdx := t.cols.Index(values)
	if valIdx < 0 {
		return nil, fmt.Errorf("pivot: values column %q not found", values)
	}
	idxIdx := make([]int, len(index))
	for i, k := range index {
		if idxIdx[i] = t.cols.Index(k); idxIdx[i] < 0 {
			return nil, fmt.Errorf("pivot: index column %q not found", k)
		}
	}
	valType, err := AggType(fn, t.cols[valIdx].Type)
	if err != nil {
		return nil, fmt.Errorf("pivot: %w", err)
	}

	// Distinct pivot values, sorted by string form.
	distinct := map[string]bool{}
	for _, r := range t.rows {
		distinct[toString(r[colIdx])] = true
	}
	pivotNames := make([]string, 0, len(distinct))
	for v := range distinct {
		pivotNames = append(pivotNames, v)
	}
	sort.Strings(pivotNames)

	out := make(schema.Schema, 0, len(index)+len(pivotNames))
	for i, k := range index {
		out = append(out, schema.Column{Name: k, Type: t.cols[idxIdx[i]].Type})
	}
	for _, n := range pivotNames {
		if out.Has(n) {
			return nil, fmt.Errorf("pivot: value %q collides with an index column", n)
		}
		out = append(out, schema.Column{Name: n, Type: valType})
	}

	type cell struct{ values []any }
	type group struct {
		keyVals []any
		cells   map[string]*cell
	}
	groups := map[string]*group{}
	var order []string
	for _, r := range t.rows {
		k := keyOf(r, idxIdx)
		g, ok := groups[k]
		if !ok {
			kv := make([]any, len(idxIdx))
			for i, idx := range idxIdx {
				kv[i] = r[idx]
			}
			g = &group{keyVals: kv, cells: map[string]*cell{}}
			groups[k] = g
			order = append(order, k)
		}
		pn := toString(r[colIdx])
		c, ok := g.cells[pn]
		if !ok {
			c = &cell{}
			g.cells[pn] = c
		}
		c.values = append(c.values, r[valIdx])
	}

	rows := make([][]any, 0, len(order))
	for _, k := range order {
		g := groups[k]
		nr := make([]any, 0, len(out))
		nr = append(nr, g.keyVals...)
		for _, pn := range pivotNames {
			if c, ok := g.cells[pn]; ok {
				v, err := aggregate(fn, c.values)
				if err != nil {
					return nil, err
				}
				nr = append(nr, v)
			} else {
				nr = append(nr, nil)
			}
		}
		rows = append(rows, nr)
	}
	return &Table{cols: out, rows: rows}, nil
}

// Unpivot turns wide data long: id columns repeat per value column, which
// lands in (varName, valueName) pairs.
func (t *Table) Unpivot(idVars, valueVars []string, varName, valueName string) (*Table, error) {
	if varName == "" {
		varName = "variable"
	}
	if valueName == "" {
		valueName = "value"
	}
	idIdx := make([]int, len(idVars))
	for i, k := range idVars {
		if idIdx[i] = t.cols.Index(k); idIdx[i] < 0 {
			return nil, fmt.Errorf("unpivot: id column %q not found", k)
		}
	}
	// Default value vars: everything not an id var.
	if len(valueVars) == 0 {
		idSet := map[string]bool{}
		for _, k := range idVars {
			idSet[k] = true
		}
		for _, c := range t.cols {
			if !idSet[c.Name] {
				valueVars = append(valueVars, c.Name)
			}
		}
	}
	valIdx := make([]int, len(valueVars))
	valType := schema.Null
	for i, k := range valueVars {
		idx := t.cols.Index(k)
		if idx < 0 {
			return nil, fmt.Errorf("unpivot: value column %q not found", k)
		}
		valIdx[i] = idx
		valType = schema.Supertype(valType, t.cols[idx].Type)
	}

	out := make(schema.Schema, 0, len(idVars)+2)
	for i, k := range idVars {
		out = append(out, schema.Column{Name: k, Type: t.cols[idIdx[i]].Type})
	}
	out = append(out, schema.Column{Name: varName, Type: schema.String})
	out = append(out, schema.Column{Name: valueName, Type: valType})

	rows := make([][]any, 0, len(t.rows)*len(valueVars))
	for _, r := range t.rows {
		for i, vi := range valIdx {
			nr := make([]any, 0, len(out))
			for _, ii := range idIdx {
				nr = append(nr, r[ii])
			}
			nr = append(nr, valueVars[i])
			v, err := Coerce(r[vi], valType)
			if err != nil {
				return nil, fmt.Errorf("unpivot: %w", err)
			}
			nr = append(nr, v)
			rows = append(rows, nr)
		}
	}
	return &Table{cols: out, rows: rows}, nil
}
