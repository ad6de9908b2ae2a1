// Package table implements the in-memory dataframe the worker materializes:
// a typed schema plus row-major values, with the relational operations the
// node library compiles plans against.
package table

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/flowfile/flowfile/internal/schema"
)

// Table is an immutable-by-convention dataframe. Operations return new
// tables; rows may share backing slices with their source.
type Table struct {
	cols schema.Schema
	rows [][]any
}

// New builds a table over the given schema and rows. Row widths must match
// the schema.
func New(cols schema.Schema, rows [][]any) (*Table, error) {
	for i, r := range rows {
		if len(r) != len(cols) {
			return nil, fmt.Errorf("row %d has %d values, schema has %d columns", i, len(r), len(cols))
		}
	}
	return &Table{cols: cols, rows: rows}, nil
}

// Empty returns a zero-row table with the given schema.
func Empty(cols schema.Schema) *Table {
	return &Table{cols: cols}
}

func (t *Table) Schema() schema.Schema { return t.cols }
func (t *Table) NumRows() int          { return len(t.rows) }
func (t *Table) Rows() [][]any         { return t.rows }

// Row returns row i without copying.
func (t *Table) Row(i int) []any { return t.rows[i] }

// Value returns the cell at (row, named column).
func (t *Table) Value(row int, col string) (any, error) {
	i := t.cols.Index(col)
	if i < 0 {
		return nil, fmt.Errorf("column %q not found", col)
	}
	return t.rows[row][i], nil
}

// Head returns at most n leading rows.
func (t *Table) Head(n int) *Table {
	if n < 0 {
		n = 0
	}
	if n > len(t.rows) {
		n = len(t.rows)
	}
	return &Table{cols: t.cols, rows: t.rows[:n]}
}

// SampleN returns n rows drawn without replacement using the given seed, or
// the whole table if n >= NumRows. Row order of the sample is stable.
func (t *Table) SampleN(n int, seed int64) *Table {
	if n >= len(t.rows) {
		return t
	}
	rng := rand.New(rand.NewSource(seed))
	picked := rng.Perm(len(t.rows))[:n]
	// Stable order: sort indices ascending.
	for i := 1; i < len(picked); i++ {
		for j := i; j > 0 && picked[j] < picked[j-1]; j-- {
			picked[j], picked[j-1] = picked[j-1], picked[j]
		}
	}
	rows := make([][]any, n)
	for i, idx := range picked {
		rows[i] = t.rows[idx]
	}
	return &Table{cols: t.cols, rows: rows}
}

// EstimateBytes approximates the in-memory footprint, used for the worker's
// per-task memory budget.
func (t *Table) EstimateBytes() int64 {
	if len(t.rows) == 0 {
		return 0
	}
	probe := len(t.rows)
	if probe > 100 {
		probe = 100
	}
	var sample int64
	for i := 0; i < probe; i++ {
		for _, v := range t.rows[i] {
			sample += valueBytes(v)
		}
	}
	perRow := sample / int64(probe)
	return perRow * int64(len(t.rows))
}

func valueBytes(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 8
	case string:
		return int64(16 + len(x))
	case []any:
		var n int64 = 24
		for _, e := range x {
			n += valueBytes(e)
		}
		return n
	case map[string]any:
		var n int64 = 48
		for k, e := range x {
			n += int64(len(k)) + valueBytes(e)
		}
		return n
	default:
		return 16
	}
}

// Coerce converts a raw value to the given logical type. Nil passes through.
func Coerce(v any, t schema.ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch {
	case t.IsInteger():
		return toInt64(v)
	case t.IsFloat(), t == schema.Decimal:
		return toFloat64(v)
	case t == schema.String:
		return toString(v), nil
	case t == schema.Boolean:
		return toBool(v)
	case t.IsTemporal():
		return toTime(v, t)
	case t == schema.List:
		if l, ok := v.([]any); ok {
			return l, nil
		}
		return []any{v}, nil
	case t == schema.Struct:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
		return nil, fmt.Errorf("cannot cast %T to struct", v)
	case t == schema.Null:
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported cast target %q", t)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case float32:
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot cast %q to integer", x)
		}
		return n, nil
	case time.Time:
		return x.Unix(), nil
	}
	return 0, fmt.Errorf("cannot cast %T to integer", v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot cast %q to float", x)
		}
		return f, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot cast %T to float", v)
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(x)))
		if err != nil {
			return false, fmt.Errorf("cannot cast %q to boolean", x)
		}
		return b, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	}
	return false, fmt.Errorf("cannot cast %T to boolean", v)
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006",
}

func toTime(v any, t schema.ColumnType) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		if t == schema.Date {
			return x.Truncate(24 * time.Hour), nil
		}
		return x, nil
	case string:
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as %s", x, t)
	case int64:
		return time.Unix(x, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot cast %T to %s", v, t)
}

// InferType guesses the narrowest logical type that fits all sample values.
// Used by the CSV and Excel readers.
func InferType(values []string) schema.ColumnType {
	if len(values) == 0 {
		return schema.String
	}
	isInt, isFloat, isBool, isDate := true, true, true, true
	seen := false
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		seen = true
		if isInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
		}
		if isFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isFloat = false
			}
		}
		if isBool {
			lower := strings.ToLower(v)
			if lower != "true" && lower != "false" {
				isBool = false
			}
		}
		if isDate {
			if _, err := time.Parse("2006-01-02", v); err != nil {
				isDate = false
			}
		}
	}
	switch {
	case !seen:
		return schema.String
	case isBool:
		return schema.Boolean
	case isInt:
		return schema.Int64
	case isFloat:
		return schema.Float64
	case isDate:
		return schema.Date
	default:
		return schema.String
	}
}

// ParseTyped converts a raw string cell into the given type, mapping empty
// strings to nil.
func ParseTyped(v string, t schema.ColumnType) (any, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	return Coerce(v, t)
}
