package worker

import (
	"fmt"
	"os"

	"github.com/expr-lang/expr"

	"github.com/flowfile/flowfile/internal/plan"
	"github.com/flowfile/flowfile/internal/schema"
	"github.com/flowfile/flowfile/internal/table"
)

// runCode evaluates a free-form dataframe expression. Each input is exposed
// as a slice of row maps under its configured name (falling back to the port
// label), and the result converts back into a table.
func runCode(op *plan.CodeOp, refs []plan.InputRef, named map[string]*table.Table) (*table.Table, error) {
	env := map[string]any{}
	for i, in := range refs {
		name := in.Port
		if i < len(op.InputNames) && op.InputNames[i] != "" {
			name = op.InputNames[i]
		}
		env[name] = tableRecords(named[in.Port])
	}

	prog, err := expr.Compile(op.Code, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("polars_code: %w", err)
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("polars_code: %w", err)
	}
	return recordsToTable(out)
}

func tableRecords(t *table.Table) []map[string]any {
	if t == nil {
		return nil
	}
	cols := t.Schema()
	out := make([]map[string]any, t.NumRows())
	for i, r := range t.Rows() {
		rec := make(map[string]any, len(cols))
		for ci, c := range cols {
			rec[c.Name] = r[ci]
		}
		out[i] = rec
	}
	return out
}

func recordsToTable(v any) (*table.Table, error) {
	switch x := v.(type) {
	case nil:
		return table.Empty(nil), nil
	case []map[string]any:
		return table.FromObjects(x)
	case map[string]any:
		return table.FromObjects([]map[string]any{x})
	case []any:
		objs := make([]map[string]any, len(x))
		for i, e := range x {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("polars_code: result element %d is %T, want a row map", i, e)
			}
			objs[i] = m
		}
		return table.FromObjects(objs)
	default:
		return nil, fmt.Errorf("polars_code: result is %T, want rows", v)
	}
}

// columnType parses a plan-carried type name, falling back to string.
func columnType(s string) schema.ColumnType {
	if s == "" {
		return ""
	}
	t, err := schema.ParseColumnType(s)
	if err != nil {
		return schema.String
	}
	return t
}

func refuseExisting(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("new-file write: %s already exists", path)
	} else if !os.IsNotExist(err) {
		return err
	}
	return nil
}
