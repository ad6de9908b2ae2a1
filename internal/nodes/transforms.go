package nodes

import (
	"encoding/json"
	"fmt"

	"github.com/flowfile/flowfile/internal/flow"
	"github.com/flowfile/flowfile/internal/plan"
	"github.com/flowfile/flowfile/internal/schema"
	"github.com/flowfile/flowfile/internal/table"
)

// --- select ---

type selectSettings struct {
	Columns     []selectColumn `json:"columns"`
	KeepMissing bool           `json:"keep_missing"`
}

type selectColumn struct {
	Old  string `json:"old"`
	New  string `json:"new"`
	Type string `json:"type"`
	Keep *bool  `json:"keep"`
}

func (c selectColumn) keep() bool { return c.Keep == nil || *c.Keep }

func kindSelect() *Kind {
	return &Kind{
		Name:     "select",
		Category: CategoryTransform,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "columns", Type: FieldArray, Required: true},
			{Name: "keep_missing", Type: FieldBool, Default: false},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[selectSettings](raw)
			if err != nil {
				return nil, err
			}
			in := inputs[0]
			var out schema.Schema
			listed := map[string]bool{}
			for _, c := range s.Columns {
				listed[c.Old] = true
				if !c.keep() {
					continue
				}
				src, ok := in.Field(c.Old)
				if !ok {
					return nil, fmt.Errorf("select: column %q not found", c.Old)
				}
				name := c.New
				if name == "" {
					name = c.Old
				}
				typ := src.Type
				if c.Type != "" {
					if typ, err = schema.ParseColumnType(c.Type); err != nil {
						return nil, fmt.Errorf("select: column %q: %w", c.Old, err)
					}
				}
				if out.Has(name) {
					return nil, fmt.Errorf("select: duplicate output column %q", name)
				}
				out = append(out, schema.Column{Name: name, Type: typ})
			}
			if s.KeepMissing {
				for _, c := range in {
					if !listed[c.Name] {
						if out.Has(c.Name) {
							return nil, fmt.Errorf("select: duplicate output column %q", c.Name)
						}
						out = append(out, c)
					}
				}
			}
			if len(out) == 0 {
				return nil, fmt.Errorf("select: no columns kept")
			}
			return []schema.Schema{out}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[selectSettings](raw)
			if err != nil {
				return nil, err
			}
			cols := make([]plan.SelectColumn, len(s.Columns))
			for i, c := range s.Columns {
				cols[i] = plan.SelectColumn{Old: c.Old, New: c.New, Type: c.Type, Keep: c.keep()}
			}
			return &plan.SelectOp{Columns: cols, KeepMissing: s.KeepMissing}, nil
		},
	}
}

// --- filter ---

type filterSettings struct {
	Mode       string `json:"mode"`
	Field      string `json:"field"`
	Operator   string `json:"operator"`
	Value      any    `json:"value"`
	Value2     any    `json:"value2"`
	Expression string `json:"expression"`
}

func (s *filterSettings) mode() string {
	if s.Mode != "" {
		return s.Mode
	}
	if s.Expression != "" {
		return "expression"
	}
	return "structured"
}

func kindFilter() *Kind {
	return &Kind{
		Name:     "filter",
		Category: CategoryTransform,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "mode", Type: FieldSingleSelect, Options: []string{"structured", "expression"}, Default: "structured"},
			{Name: "field", Type: FieldColumnSelector},
			{Name: "operator", Type: FieldSingleSelect, Options: []string{
				"eq", "ne", "gt", "ge", "lt", "le",
				"contains", "starts_with", "ends_with", "between", "in", "is_null", "not_null",
			}},
			{Name: "value", Type: FieldAny},
			{Name: "value2", Type: FieldAny},
			{Name: "expression", Type: FieldText},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[filterSettings](raw)
			if err != nil {
				return nil, err
			}
			in := inputs[0]
			switch s.mode() {
			case "expression":
				if s.Expression == "" {
					return nil, fmt.Errorf("filter: expression is required")
				}
				if _, err := table.CompileRowExpr(in, s.Expression); err != nil {
					return nil, fmt.Errorf("filter: %w", err)
				}
			default:
				p := table.Predicate{Field: s.Field, Operator: s.Operator, Value: s.Value, Value2: s.Value2}
				if err := p.Validate(in); err != nil {
					return nil, fmt.Errorf("filter: %w", err)
				}
			}
			return []schema.Schema{in.Clone()}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[filterSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.FilterOp{
				Mode:       s.mode(),
				Field:      s.Field,
				Operator:   s.Operator,
				Value:      s.Value,
				Value2:     s.Value2,
				Expression: s.Expression,
			}, nil
		},
	}
}

// --- sort ---

type sortSettings struct {
	Keys []sortKey `json:"keys"`
}

type sortKey struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending"`
}

func kindSort() *Kind {
	return &Kind{
		Name:     "sort",
		Category: CategoryTransform,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "keys", Type: FieldArray, Required: true},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[sortSettings](raw)
			if err != nil {
				return nil, err
			}
			if len(s.Keys) == 0 {
				return nil, fmt.Errorf("sort: at least one key required")
			}
			in := inputs[0]
			for _, k := range s.Keys {
				if !in.Has(k.Column) {
					return nil, fmt.Errorf("sort: column %q not found", k.Column)
				}
			}
			return []schema.Schema{in.Clone()}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[sortSettings](raw)
			if err != nil {
				return nil, err
			}
			keys := make([]plan.SortKey, len(s.Keys))
			for i, k := range s.Keys {
				keys[i] = plan.SortKey{Column: k.Column, Descending: k.Descending}
			}
			return &plan.SortOp{Keys: keys}, nil
		},
	}
}

// --- unique ---

type uniqueSettings struct {
	Columns []string `json:"columns"`
	Keep    string   `json:"keep"`
}

func kindUnique() *Kind {
	return &Kind{
		Name:     "unique",
		Category: CategoryTransform,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "columns", Type: FieldMultiSelect, Help: "empty means all columns"},
			{Name: "keep", Type: FieldSingleSelect, Options: []string{"first", "last", "any", "none"}, Default: "first"},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[uniqueSettings](raw)
			if err != nil {
				return nil, err
			}
			in := inputs[0]
			for _, c := range s.Columns {
				if !in.Has(c) {
					return nil, fmt.Errorf("unique: column %q not found", c)
				}
			}
			switch s.Keep {
			case "", "first", "last", "any", "none":
			default:
				return nil, fmt.Errorf("unique: unknown keep strategy %q", s.Keep)
			}
			return []schema.Schema{in.Clone()}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[uniqueSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.UniqueOp{Columns: s.Columns, Keep: s.Keep}, nil
		},
	}
}

// --- head / sample ---

type headSettings struct {
	N int `json:"n"`
}

func kindHead() *Kind {
	return &Kind{
		Name:     "head",
		Category: CategoryTransform,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "n", Type: FieldNumeric, Required: true, Min: fptr(0)},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[headSettings](raw)
			if err != nil {
				return nil, err
			}
			if s.N < 0 {
				return nil, fmt.Errorf("head: n must be >= 0")
			}
			return []schema.Schema{inputs[0].Clone()}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[headSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.HeadOp{N: s.N}, nil
		},
	}
}

type sampleSettings struct {
	N    int   `json:"n"`
	Seed int64 `json:"seed"`
}

func kindSample() *Kind {
	return &Kind{
		Name:     "sample",
		Category: CategoryTransform,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "n", Type: FieldNumeric, Required: true, Min: fptr(1)},
			{Name: "seed", Type: FieldNumeric, Default: 0},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[sampleSettings](raw)
			if err != nil {
				return nil, err
			}
			if s.N < 1 {
				return nil, fmt.Errorf("sample: n must be >= 1")
			}
			return []schema.Schema{inputs[0].Clone()}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[sampleSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.SampleOp{N: s.N, Seed: s.Seed}, nil
		},
	}
}

// --- record_id ---

type recordIDSettings struct {
	Name   string `json:"name"`
	Offset *int64 `json:"offset"`
}

func kindRecordID() *Kind {
	return &Kind{
		Name:     "record_id",
		Category: CategoryTransform,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "name", Type: FieldText, Default: "record_id"},
			{Name: "offset", Type: FieldNumeric, Default: 1},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[recordIDSettings](raw)
			if err != nil {
				return nil, err
			}
			name := s.Name
			if name == "" {
				name = "record_id"
			}
			in := inputs[0]
			if in.Has(name) {
				return nil, fmt.Errorf("record_id: column %q already exists", name)
			}
			out := make(schema.Schema, 0, len(in)+1)
			out = append(out, schema.Column{Name: name, Type: schema.Int64})
			out = append(out, in...)
			return []schema.Schema{out}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[recordIDSettings](raw)
			if err != nil {
				return nil, err
			}
			name := s.Name
			if name == "" {
				name = "record_id"
			}
			offset := int64(1)
			if s.Offset != nil {
				offset = *s.Offset
			}
			return &plan.RecordIDOp{Name: name, Offset: offset}, nil
		},
	}
}

// --- formula ---

type formulaSettings struct {
	Column     string `json:"column"`
	Expression string `json:"expression"`
	Type       string `json:"type"`
}

func kindFormula() *Kind {
	return &Kind{
		Name:     "formula",
		Category: CategoryTransform,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "column", Type: FieldText, Required: true},
			{Name: "expression", Type: FieldText, Required: true},
			{Name: "type", Type: FieldSingleSelect, Options: []string{
				"int64", "float64", "string", "boolean", "date", "datetime",
			}, Default: "string"},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[formulaSettings](raw)
			if err != nil {
				return nil, err
			}
			if s.Column == "" {
				return nil, fmt.Errorf("formula: column is required")
			}
			if s.Expression == "" {
				return nil, fmt.Errorf("formula: expression is required")
			}
			in := inputs[0]
			if _, err := table.CompileRowExpr(in, s.Expression); err != nil {
				return nil, fmt.Errorf("formula: %w", err)
			}
			typ := schema.String
			if s.Type != "" {
				if typ, err = schema.ParseColumnType(s.Type); err != nil {
					return nil, fmt.Errorf("formula: %w", err)
				}
			}
			out := in.Clone()
			if i := out.Index(s.Column); i >= 0 {
				out[i].Type = typ
			} else {
				out = append(out, schema.Column{Name: s.Column, Type: typ})
			}
			return []schema.Schema{out}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[formulaSettings](raw)
			if err != nil {
				return nil, err
			}
			typ := s.Type
			if typ == "" {
				typ = "string"
			}
			return &plan.FormulaOp{Column: s.Column, Expression: s.Expression, Type: typ}, nil
		},
	}
}
