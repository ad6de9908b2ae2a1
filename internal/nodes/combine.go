package nodes

import (
	"encoding/json"
	"fmt"

	"github.com/flowfile/flowfile/internal/flow"
	"github.com/flowfile/flowfile/internal/plan"
	"github.com/flowfile/flowfile/internal/schema"
	"github.com/flowfile/flowfile/internal/table"
)

// --- join ---

type joinSettings struct {
	How     string   `json:"how"`
	LeftOn  []string `json:"left_on"`
	RightOn []string `json:"right_on"`
	Suffix  string   `json:"suffix"`
}

func kindJoin() *Kind {
	return &Kind{
		Name:     "join",
		Category: CategoryCombine,
		Shape:    flow.KindShape{Inputs: 2, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "how", Type: FieldSingleSelect, Options: []string{"inner", "left", "right", "full", "semi", "anti"}, Default: "inner"},
			{Name: "left_on", Type: FieldMultiSelect, Required: true},
			{Name: "right_on", Type: FieldMultiSelect, Required: true},
			{Name: "suffix", Type: FieldText, Default: "_right"},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[joinSettings](raw)
			if err != nil {
				return nil, err
			}
			if len(s.LeftOn) == 0 || len(s.LeftOn) != len(s.RightOn) {
				return nil, fmt.Errorf("join: key lists must be non-empty and equal length")
			}
			left, right := inputs[0], inputs[1]
			for _, k := range s.LeftOn {
				if !left.Has(k) {
					return nil, fmt.Errorf("join: left key %q not found", k)
				}
			}
			for _, k := range s.RightOn {
				if !right.Has(k) {
					return nil, fmt.Errorf("join: right key %q not found", k)
				}
			}
			how := s.How
			if how == "" {
				how = "inner"
			}
			out, err := table.JoinSchema(left, right, how, s.LeftOn, s.RightOn, s.Suffix)
			if err != nil {
				return nil, err
			}
			return []schema.Schema{out}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[joinSettings](raw)
			if err != nil {
				return nil, err
			}
			how := s.How
			if how == "" {
				how = "inner"
			}
			return &plan.JoinOp{How: how, LeftOn: s.LeftOn, RightOn: s.RightOn, Suffix: s.Suffix}, nil
		},
	}
}

// --- cross_join ---

type crossJoinSettings struct {
	Suffix string `json:"suffix"`
}

func kindCrossJoin() *Kind {
	return &Kind{
		Name:     "cross_join",
		Category: CategoryCombine,
		Shape:    flow.KindShape{Inputs: 2, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "suffix", Type: FieldText, Default: "_right"},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[crossJoinSettings](raw)
			if err != nil {
				return nil, err
			}
			suffix := s.Suffix
			if suffix == "" {
				suffix = "_right"
			}
			out := inputs[0].Clone()
			for _, c := range inputs[1] {
				name := c.Name
				if out.Has(name) {
					name += suffix
				}
				if out.Has(name) {
					return nil, fmt.Errorf("cross_join: duplicate output column %q", name)
				}
				out = append(out, schema.Column{Name: name, Type: c.Type})
			}
			return []schema.Schema{out}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[crossJoinSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.CrossJoinOp{Suffix: s.Suffix}, nil
		},
	}
}

// --- union ---

type unionSettings struct {
	Relaxed *bool `json:"relaxed"`
}

func (s *unionSettings) relaxed() bool { return s.Relaxed == nil || *s.Relaxed }

func kindUnion() *Kind {
	return &Kind{
		Name:     "union",
		Category: CategoryCombine,
		Shape:    flow.KindShape{Variadic: true, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "relaxed", Type: FieldBool, Default: true, Help: "align by name and widen types; strict requires identical schemas"},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[unionSettings](raw)
			if err != nil {
				return nil, err
			}
			if s.relaxed() {
				return []schema.Schema{schema.UnionOf(inputs)}, nil
			}
			first := inputs[0]
			for i, in := range inputs[1:] {
				if !in.Equal(first) {
					return nil, fmt.Errorf("union: input %d schema %s does not match %s", i+1, in, first)
				}
			}
			return []schema.Schema{first.Clone()}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[unionSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.UnionOp{Relaxed: s.relaxed()}, nil
		},
	}
}

// --- group_by ---

type groupBySettings struct {
	Keys []string  `json:"keys"`
	Aggs []aggDecl `json:"aggs"`
}

type aggDecl struct {
	Column string `json:"column"`
	Func   string `json:"func"`
	Alias  string `json:"alias"`
}

func kindGroupBy() *Kind {
	return &Kind{
		Name:     "group_by",
		Category: CategoryAggregate,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "keys", Type: FieldMultiSelect, Required: true},
			{Name: "aggs", Type: FieldArray, Required: true},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[groupBySettings](raw)
			if err != nil {
				return nil, err
			}
			if len(s.Keys) == 0 {
				return nil, fmt.Errorf("group_by: at least one key required")
			}
			if len(s.Aggs) == 0 {
				return nil, fmt.Errorf("group_by: at least one aggregation required")
			}
			aggs := make([]table.Agg, len(s.Aggs))
			for i, a := range s.Aggs {
				if !table.AggFuncs[a.Func] {
					return nil, fmt.Errorf("group_by: unknown aggregation %q", a.Func)
				}
				aggs[i] = table.Agg{Column: a.Column, Func: a.Func, Alias: a.Alias}
			}
			out, err := table.GroupBySchema(inputs[0], s.Keys, aggs)
			if err != nil {
				return nil, err
			}
			return []schema.Schema{out}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[groupBySettings](raw)
			if err != nil {
				return nil, err
			}
			aggs := make([]plan.Agg, len(s.Aggs))
			for i, a := range s.Aggs {
				aggs[i] = plan.Agg{Column: a.Column, Func: a.Func, Alias: a.Alias}
			}
			return &plan.GroupByOp{Keys: s.Keys, Aggs: aggs}, nil
		},
	}
}

// --- pivot ---

type pivotSettings struct {
	Index   []string `json:"index"`
	Columns string   `json:"columns"`
	Values  string   `json:"values"`
	Agg     string   `json:"agg"`
}

func kindPivot() *Kind {
	return &Kind{
		Name:     "pivot",
		Category: CategoryAggregate,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "index", Type: FieldMultiSelect, Required: true},
			{Name: "columns", Type: FieldColumnSelector, Required: true},
			{Name: "values", Type: FieldColumnSelector, Required: true},
			{Name: "agg", Type: FieldSingleSelect, Options: []string{
				"sum", "min", "max", "mean", "median", "count", "n_unique", "first", "last", "concat",
			}, Default: "first"},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[pivotSettings](raw)
			if err != nil {
				return nil, err
			}
			in := inputs[0]
			if len(s.Index) == 0 {
				return nil, fmt.Errorf("pivot: at least one index column required")
			}
			out := make(schema.Schema, 0, len(s.Index))
			for _, k := range s.Index {
				c, ok := in.Field(k)
				if !ok {
					return nil, fmt.Errorf("pivot: index column %q not found", k)
				}
				out = append(out, c)
			}
			if !in.Has(s.Columns) {
				return nil, fmt.Errorf("pivot: column %q not found", s.Columns)
			}
			vc, ok := in.Field(s.Values)
			if !ok {
				return nil, fmt.Errorf("pivot: values column %q not found", s.Values)
			}
			agg := s.Agg
			if agg == "" {
				agg = "first"
			}
			if _, err := table.AggType(agg, vc.Type); err != nil {
				return nil, fmt.Errorf("pivot: %w", err)
			}
			// Pivoted column names depend on the data; only the index
			// columns are known before the run.
			return []schema.Schema{out}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[pivotSettings](raw)
			if err != nil {
				return nil, err
			}
			agg := s.Agg
			if agg == "" {
				agg = "first"
			}
			return &plan.PivotOp{Index: s.Index, Columns: s.Columns, Values: s.Values, Agg: agg}, nil
		},
	}
}

// --- unpivot ---

type unpivotSettings struct {
	IDVars    []string `json:"id_vars"`
	ValueVars []string `json:"value_vars"`
	VarName   string   `json:"var_name"`
	ValueName string   `json:"value_name"`
}

func kindUnpivot() *Kind {
	return &Kind{
		Name:     "unpivot",
		Category: CategoryAggregate,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "id_vars", Type: FieldMultiSelect},
			{Name: "value_vars", Type: FieldMultiSelect, Help: "empty means all non-id columns"},
			{Name: "var_name", Type: FieldText, Default: "variable"},
			{Name: "value_name", Type: FieldText, Default: "value"},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[unpivotSettings](raw)
			if err != nil {
				return nil, err
			}
			in := inputs[0]
			idSet := map[string]bool{}
			out := make(schema.Schema, 0, len(s.IDVars)+2)
			for _, k := range s.IDVars {
				c, ok := in.Field(k)
				if !ok {
					return nil, fmt.Errorf("unpivot: id column %q not found", k)
				}
				idSet[k] = true
				out = append(out, c)
			}
			valueVars := s.ValueVars
			if len(valueVars) == 0 {
				for _, c := range in {
					if !idSet[c.Name] {
						valueVars = append(valueVars, c.Name)
					}
				}
			}
			if len(valueVars) == 0 {
				return nil, fmt.Errorf("unpivot: no value columns")
			}
			valType := schema.Null
			for _, k := range valueVars {
				c, ok := in.Field(k)
				if !ok {
					return nil, fmt.Errorf("unpivot: value column %q not found", k)
				}
				valType = schema.Supertype(valType, c.Type)
			}
			varName := s.VarName
			if varName == "" {
				varName = "variable"
			}
			valueName := s.ValueName
			if valueName == "" {
				valueName = "value"
			}
			out = append(out, schema.Column{Name: varName, Type: schema.String})
			out = append(out, schema.Column{Name: valueName, Type: valType})
			return []schema.Schema{out}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[unpivotSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.UnpivotOp{
				IDVars:    s.IDVars,
				ValueVars: s.ValueVars,
				VarName:   s.VarName,
				ValueName: s.ValueName,
			}, nil
		},
	}
}
