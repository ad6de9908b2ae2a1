package nodes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowfile/flowfile/internal/flow"
	"github.com/flowfile/flowfile/internal/plan"
	"github.com/flowfile/flowfile/internal/schema"
)

// --- polars_code ---

// Free-form dataframe code. The snippet runs in the worker with each bound
// input exposed under its name; the result schema is only known after
// execution, so validation publishes an empty schema.

type polarsCodeSettings struct {
	Code       string   `json:"code"`
	InputNames []string `json:"input_names"`
}

func kindPolarsCode() *Kind {
	return &Kind{
		Name:     "polars_code",
		Category: CategoryTransform,
		Shape:    flow.KindShape{Variadic: true, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "code", Type: FieldText, Required: true},
			{Name: "input_names", Type: FieldArray, Help: "one name per connected input, in port order"},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[polarsCodeSettings](raw)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(s.Code) == "" {
				return nil, fmt.Errorf("polars_code: code is required")
			}
			if len(s.InputNames) > 0 && len(s.InputNames) != len(inputs) {
				return nil, fmt.Errorf("polars_code: %d input names for %d connected inputs", len(s.InputNames), len(inputs))
			}
			seen := map[string]bool{}
			for _, n := range s.InputNames {
				if strings.TrimSpace(n) == "" {
					return nil, fmt.Errorf("polars_code: empty input name")
				}
				if seen[n] {
					return nil, fmt.Errorf("polars_code: duplicate input name %q", n)
				}
				seen[n] = true
			}
			return []schema.Schema{{}}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[polarsCodeSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.CodeOp{Code: s.Code, InputNames: s.InputNames}, nil
		},
	}
}

// --- output ---

var outputFormats = []string{"csv", "parquet", "excel"}

type outputSettings struct {
	Path      string `json:"path"`
	Format    string `json:"format"`
	WriteMode string `json:"write_mode"`
	Delimiter string `json:"delimiter"`
	Sheet     string `json:"sheet"`
}

func (s *outputSettings) format() string {
	if s.Format != "" {
		return s.Format
	}
	switch {
	case strings.HasSuffix(s.Path, ".parquet"):
		return "parquet"
	case strings.HasSuffix(s.Path, ".xlsx"):
		return "excel"
	default:
		return "csv"
	}
}

func kindOutput() *Kind {
	return &Kind{
		Name:     "output",
		Category: CategoryOutput,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "path", Type: FieldText, Required: true},
			{Name: "format", Type: FieldSingleSelect, Options: outputFormats, Help: "defaults from the path extension"},
			{Name: "write_mode", Type: FieldSingleSelect, Options: []string{"overwrite", "new-file", "append"}, Default: "overwrite"},
			{Name: "delimiter", Type: FieldText, Default: ","},
			{Name: "sheet", Type: FieldText, Default: "Sheet1"},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[outputSettings](raw)
			if err != nil {
				return nil, err
			}
			if s.Path == "" {
				return nil, fmt.Errorf("output: path is required")
			}
			format := s.format()
			if !inList(format, outputFormats) {
				return nil, fmt.Errorf("output: unknown format %q", format)
			}
			switch s.WriteMode {
			case "", "overwrite", "new-file":
			case "append":
				// Appending is only schema-stable for CSV.
				if format != "csv" {
					return nil, fmt.Errorf("output: append is only supported for csv")
				}
			default:
				return nil, fmt.Errorf("output: unknown write mode %q", s.WriteMode)
			}
			return []schema.Schema{inputs[0].Clone()}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[outputSettings](raw)
			if err != nil {
				return nil, err
			}
			mode := s.WriteMode
			if mode == "" {
				mode = "overwrite"
			}
			return &plan.OutputOp{
				Path:      s.Path,
				Format:    s.format(),
				WriteMode: mode,
				Delimiter: s.Delimiter,
				Sheet:     s.Sheet,
			}, nil
		},
	}
}
