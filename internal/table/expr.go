package table

import (
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowfile/flowfile/internal/schema"
)

// zeroValue returns a representative value for compile-time type checking of
// row expressions.
func zeroValue(t schema.ColumnType) any {
	switch {
	case t.IsInteger():
		return int64(0)
	case t.IsFloat(), t == schema.Decimal:
		return float64(0)
	case t == schema.Boolean:
		return false
	case t.IsTemporal():
		return time.Time{}
	case t == schema.List:
		return []any{}
	case t == schema.Struct:
		return map[string]any{}
	default:
		return ""
	}
}

// exprEnv builds the typed environment a row expression compiles against:
// one entry per column.
func exprEnv(s schema.Schema) map[string]any {
	env := make(map[string]any, len(s))
	for _, c := range s {
		env[c.Name] = zeroValue(c.Type)
	}
	return env
}

// CompileRowExpr compiles a free-form expression against the schema. Unknown
// column references fail at compile time.
func CompileRowExpr(s schema.Schema, code string) (*vm.Program, error) {
	prog, err := expr.Compile(code, expr.Env(exprEnv(s)))
	if err != nil {
		return nil, fmt.Errorf("expression: %w", err)
	}
	return prog, nil
}

// rowEnv materializes one row as the expression environment.
func (t *Table) rowEnv(row []any) map[string]any {
	env := make(map[string]any, len(t.cols))
	for i, c := range t.cols {
		env[c.Name] = row[i]
	}
	return env
}

// FilterExpr keeps rows for which the compiled expression yields true.
func (t *Table) FilterExpr(prog *vm.Program) (*Table, error) {
	var rows [][]any
	for _, r := range t.rows {
		out, err := vm.Run(prog, t.rowEnv(r))
		if err != nil {
			return nil, fmt.Errorf("filter expression: %w", err)
		}
		keep, ok := out.(bool)
		if !ok {
			return nil, fmt.Errorf("filter expression returned %T, want bool", out)
		}
		if keep {
			rows = append(rows, r)
		}
	}
	return &Table{cols: t.cols, rows: rows}, nil
}

// MapExpr evaluates the compiled expression per row, returning one value per
// row. Used by formula columns.
func (t *Table) MapExpr(prog *vm.Program) ([]any, error) {
	out := make([]any, len(t.rows))
	for i, r := range t.rows {
		v, err := vm.Run(prog, t.rowEnv(r))
		if err != nil {
			return nil, fmt.Errorf("expression row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Predicate is the structured filter form: field, operator, value and an
// optional second value (between).
type Predicate struct {
	Field    string
	Operator string
	Value    any
	Value2   any
}

// Validate checks the predicate against a schema.
func (p Predicate) Validate(s schema.Schema) error {
	if !s.Has(p.Field) {
		return fmt.Errorf("filter field %q not found", p.Field)
	}
	switch strings.ToLower(p.Operator) {
	case "eq", "=", "==", "ne", "!=", "gt", ">", "ge", ">=", "lt", "<", "le", "<=",
		"contains", "starts_with", "ends_with", "between", "in", "is_null", "not_null":
		return nil
	default:
		return fmt.Errorf("unknown filter operator %q", p.Operator)
	}
}

// FilterPredicate keeps rows matching the structured predicate.
func (t *Table) FilterPredicate(p Predicate) (*Table, error) {
	idx := t.cols.Index(p.Field)
	if idx < 0 {
		return nil, fmt.Errorf("filter field %q not found", p.Field)
	}
	var rows [][]any
	for _, r := range t.rows {
		keep, err := evalPredicate(r[idx], p)
		if err != nil {
			return nil, err
		}
		if keep {
			rows = append(rows, r)
		}
	}
	return &Table{cols: t.cols, rows: rows}, nil
}

func evalPredicate(v any, p Predicate) (bool, error) {
	op := strings.ToLower(p.Operator)
	switch op {
	case "is_null":
		return v == nil, nil
	case "not_null":
		return v != nil, nil
	}
	if v == nil {
		return false, nil
	}
	switch op {
	case "contains":
		return strings.Contains(toString(v), toString(p.Value)), nil
	case "starts_with":
		return strings.HasPrefix(toString(v), toString(p.Value)), nil
	case "ends_with":
		return strings.HasSuffix(toString(v), toString(p.Value)), nil
	case "in":
		list, ok := p.Value.([]any)
		if !ok {
			return false, fmt.Errorf("filter operator in requires a list value")
		}
		for _, e := range list {
			c, err := compareValues(v, e)
			if err == nil && c == 0 {
				return true, nil
			}
		}
		return false, nil
	case "between":
		lo, err := compareValues(v, p.Value)
		if err != nil {
			return false, err
		}
		hi, err := compareValues(v, p.Value2)
		if err != nil {
			return false, err
		}
		return lo >= 0 && hi <= 0, nil
	}
	c, err := compareValues(v, p.Value)
	if err != nil {
		return false, err
	}
	switch op {
	case "eq", "=", "==":
		return c == 0, nil
	case "ne", "!=":
		return c != 0, nil
	case "gt", ">":
		return c > 0, nil
	case "ge", ">=":
		return c >= 0, nil
	case "lt", "<":
		return c < 0, nil
	case "le", "<=":
		return c <= 0, nil
	}
	return false, fmt.Errorf("unknown filter operator %q", p.Operator)
}

// compareValues orders two cell values. Nil sorts first; mixed numeric kinds
// compare as floats; everything else compares as strings.
func compareValues(a, b any) (int, error) {
	if a == nil && b == nil {
		return 0, nil
	}
	if a == nil {
		return -1, nil
	}
	if b == nil {
		return 1, nil
	}
	if af, aok := numeric(a); aok {
		if bf, bok := numeric(b); bok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1, nil
			case at.After(bt):
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case ab == bb:
				return 0, nil
			case bb:
				return -1, nil
			default:
				return 1, nil
			}
		}
	}
	return strings.Compare(toString(a), toString(b)), nil
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}
