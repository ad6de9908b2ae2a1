package nodes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowfile/flowfile/internal/flow"
	"github.com/flowfile/flowfile/internal/plan"
	"github.com/flowfile/flowfile/internal/schema"
	"github.com/flowfile/flowfile/internal/table"
)

// probeRows bounds how much of a local file source validation reads to derive
// its output schema.
const probeRows = 100

type columnDecl struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func parseColumns(decls []columnDecl) (schema.Schema, error) {
	out := make(schema.Schema, 0, len(decls))
	for i, d := range decls {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("column %d has no name", i)
		}
		if out.Has(d.Name) {
			return nil, fmt.Errorf("duplicate column %q", d.Name)
		}
		t := schema.String
		if d.Type != "" {
			var err error
			if t, err = schema.ParseColumnType(d.Type); err != nil {
				return nil, err
			}
		}
		out = append(out, schema.Column{Name: d.Name, Type: t})
	}
	return out, nil
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

// --- manual_input ---

type manualInputSettings struct {
	Columns []columnDecl `json:"columns"`
	Rows    [][]any      `json:"rows"`
}

func kindManualInput() *Kind {
	return &Kind{
		Name:     "manual_input",
		Category: CategoryInput,
		Shape:    flow.KindShape{Inputs: 0, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "columns", Type: FieldArray, Required: true},
			{Name: "rows", Type: FieldArray},
		},
		validate: func(raw json.RawMessage, _ []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[manualInputSettings](raw)
			if err != nil {
				return nil, err
			}
			cols, err := parseColumns(s.Columns)
			if err != nil {
				return nil, fmt.Errorf("manual_input: %w", err)
			}
			if len(cols) == 0 {
				return nil, fmt.Errorf("manual_input: at least one column required")
			}
			for i, r := range s.Rows {
				if len(r) != len(cols) {
					return nil, fmt.Errorf("manual_input: row %d has %d values, expected %d", i, len(r), len(cols))
				}
			}
			return []schema.Schema{cols}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[manualInputSettings](raw)
			if err != nil {
				return nil, err
			}
			cols, err := parseColumns(s.Columns)
			if err != nil {
				return nil, err
			}
			return &plan.ManualInputOp{Columns: cols, Rows: s.Rows}, nil
		},
	}
}

// --- read_csv ---

type readCSVSettings struct {
	Path      string `json:"path"`
	Delimiter string `json:"delimiter"`
	Encoding  string `json:"encoding"`
	SkipLines int    `json:"skip_lines"`
	HasHeader *bool  `json:"has_header"`
}

func (s *readCSVSettings) hasHeader() bool {
	return s.HasHeader == nil || *s.HasHeader
}

func kindReadCSV() *Kind {
	return &Kind{
		Name:     "read_csv",
		Category: CategoryInput,
		Shape:    flow.KindShape{Inputs: 0, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "path", Type: FieldText, Required: true},
			{Name: "delimiter", Type: FieldText, Default: ","},
			{Name: "encoding", Type: FieldText, Default: "utf-8"},
			{Name: "skip_lines", Type: FieldNumeric, Default: 0, Min: fptr(0)},
			{Name: "has_header", Type: FieldBool, Default: true},
		},
		validate: func(raw json.RawMessage, _ []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[readCSVSettings](raw)
			if err != nil {
				return nil, err
			}
			if s.Path == "" {
				return nil, fmt.Errorf("read_csv: path is required")
			}
			t, err := table.ReadCSV(s.Path, table.CSVOptions{
				Delimiter: firstRune(s.Delimiter),
				SkipLines: s.SkipLines,
				HasHeader: s.hasHeader(),
				MaxRows:   probeRows,
			})
			if err != nil {
				return nil, fmt.Errorf("read_csv: %w", err)
			}
			return []schema.Schema{t.Schema()}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[readCSVSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.ReadCSVOp{
				Path:      s.Path,
				Delimiter: s.Delimiter,
				Encoding:  s.Encoding,
				SkipLines: s.SkipLines,
				HasHeader: s.hasHeader(),
			}, nil
		},
	}
}

// --- read_parquet ---

type readParquetSettings struct {
	Path string `json:"path"`
}

func kindReadParquet() *Kind {
	return &Kind{
		Name:     "read_parquet",
		Category: CategoryInput,
		Shape:    flow.KindShape{Inputs: 0, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "path", Type: FieldText, Required: true},
		},
		validate: func(raw json.RawMessage, _ []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[readParquetSettings](raw)
			if err != nil {
				return nil, err
			}
			if s.Path == "" {
				return nil, fmt.Errorf("read_parquet: path is required")
			}
			t, err := table.ReadParquet(s.Path, 1)
			if err != nil {
				return nil, fmt.Errorf("read_parquet: %w", err)
			}
			return []schema.Schema{t.Schema()}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[readParquetSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.ReadParquetOp{Path: s.Path}, nil
		},
	}
}

// --- read_excel ---

type readExcelSettings struct {
	Path      string `json:"path"`
	Sheet     string `json:"sheet"`
	SkipLines int    `json:"skip_lines"`
	HasHeader *bool  `json:"has_header"`
}

func kindReadExcel() *Kind {
	return &Kind{
		Name:     "read_excel",
		Category: CategoryInput,
		Shape:    flow.KindShape{Inputs: 0, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "path", Type: FieldText, Required: true},
			{Name: "sheet", Type: FieldText},
			{Name: "skip_lines", Type: FieldNumeric, Default: 0, Min: fptr(0)},
			{Name: "has_header", Type: FieldBool, Default: true},
		},
		validate: func(raw json.RawMessage, _ []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[readExcelSettings](raw)
			if err != nil {
				return nil, err
			}
			if s.Path == "" {
				return nil, fmt.Errorf("read_excel: path is required")
			}
			hasHeader := s.HasHeader == nil || *s.HasHeader
			t, err := table.ReadExcel(s.Path, table.ExcelOptions{
				Sheet:     s.Sheet,
				SkipLines: s.SkipLines,
				HasHeader: hasHeader,
				MaxRows:   probeRows,
			})
			if err != nil {
				return nil, fmt.Errorf("read_excel: %w", err)
			}
			return []schema.Schema{t.Schema()}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[readExcelSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.ReadExcelOp{
				Path:      s.Path,
				Sheet:     s.Sheet,
				SkipLines: s.SkipLines,
				HasHeader: s.HasHeader == nil || *s.HasHeader,
			}, nil
		},
	}
}

// --- read_json ---

type readJSONSettings struct {
	Path string `json:"path"`
}

func kindReadJSON() *Kind {
	return &Kind{
		Name:     "read_json",
		Category: CategoryInput,
		Shape:    flow.KindShape{Inputs: 0, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "path", Type: FieldText, Required: true},
		},
		validate: func(raw json.RawMessage, _ []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[readJSONSettings](raw)
			if err != nil {
				return nil, err
			}
			if s.Path == "" {
				return nil, fmt.Errorf("read_json: path is required")
			}
			t, err := table.ReadJSON(s.Path, probeRows)
			if err != nil {
				return nil, fmt.Errorf("read_json: %w", err)
			}
			return []schema.Schema{t.Schema()}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[readJSONSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.ReadJSONOp{Path: s.Path}, nil
		},
	}
}

// --- cloud_storage_reader / cloud_storage_writer ---

var cloudFormats = []string{"csv", "parquet", "json"}

func checkObjectURI(uri string) error {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return fmt.Errorf("uri must start with s3://, got %q", uri)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return fmt.Errorf("uri %q must name a bucket and a key", uri)
	}
	return nil
}

func inList(v string, list []string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

type cloudReaderSettings struct {
	URI        string       `json:"uri"`
	Format     string       `json:"format"`
	Delimiter  string       `json:"delimiter"`
	Connection string       `json:"connection"`
	Columns    []columnDecl `json:"columns"`
}

func kindCloudStorageReader() *Kind {
	return &Kind{
		Name:     "cloud_storage_reader",
		Category: CategoryInput,
		Shape:    flow.KindShape{Inputs: 0, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "uri", Type: FieldText, Required: true},
			{Name: "format", Type: FieldSingleSelect, Options: cloudFormats, Default: "parquet"},
			{Name: "delimiter", Type: FieldText, Default: ","},
			{Name: "connection", Type: FieldSecretRef},
			{Name: "columns", Type: FieldArray, Help: "optional declared schema; remote objects are not probed"},
		},
		validate: func(raw json.RawMessage, _ []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[cloudReaderSettings](raw)
			if err != nil {
				return nil, err
			}
			if err := checkObjectURI(s.URI); err != nil {
				return nil, fmt.Errorf("cloud_storage_reader: %w", err)
			}
			if s.Format != "" && !inList(s.Format, cloudFormats) {
				return nil, fmt.Errorf("cloud_storage_reader: unknown format %q", s.Format)
			}
			cols, err := parseColumns(s.Columns)
			if err != nil {
				return nil, fmt.Errorf("cloud_storage_reader: %w", err)
			}
			// Without declared columns the schema stays empty until the
			// run materializes the object.
			return []schema.Schema{cols}, nil
		},
		buildOp: func(raw json.RawMessage, deps *BuildDeps) (any, error) {
			s, err := decodeSettings[cloudReaderSettings](raw)
			if err != nil {
				return nil, err
			}
			conn, err := resolveConnection(deps, s.Connection)
			if err != nil {
				return nil, fmt.Errorf("cloud_storage_reader: %w", err)
			}
			format := s.Format
			if format == "" {
				format = "parquet"
			}
			return &plan.CloudReadOp{URI: s.URI, Format: format, Delimiter: s.Delimiter, Connection: conn}, nil
		},
	}
}

type cloudWriterSettings struct {
	URI        string `json:"uri"`
	Format     string `json:"format"`
	Delimiter  string `json:"delimiter"`
	WriteMode  string `json:"write_mode"`
	Connection string `json:"connection"`
}

func kindCloudStorageWriter() *Kind {
	return &Kind{
		Name:     "cloud_storage_writer",
		Category: CategoryOutput,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "uri", Type: FieldText, Required: true},
			{Name: "format", Type: FieldSingleSelect, Options: cloudFormats, Default: "parquet"},
			{Name: "delimiter", Type: FieldText, Default: ","},
			{Name: "write_mode", Type: FieldSingleSelect, Options: []string{"overwrite", "new-file"}, Default: "overwrite"},
			{Name: "connection", Type: FieldSecretRef},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[cloudWriterSettings](raw)
			if err != nil {
				return nil, err
			}
			if err := checkObjectURI(s.URI); err != nil {
				return nil, fmt.Errorf("cloud_storage_writer: %w", err)
			}
			if s.Format != "" && !inList(s.Format, cloudFormats) {
				return nil, fmt.Errorf("cloud_storage_writer: unknown format %q", s.Format)
			}
			if s.WriteMode != "" && s.WriteMode != "overwrite" && s.WriteMode != "new-file" {
				return nil, fmt.Errorf("cloud_storage_writer: unknown write mode %q", s.WriteMode)
			}
			// Writers pass their input through unchanged.
			return []schema.Schema{inputs[0].Clone()}, nil
		},
		buildOp: func(raw json.RawMessage, deps *BuildDeps) (any, error) {
			s, err := decodeSettings[cloudWriterSettings](raw)
			if err != nil {
				return nil, err
			}
			conn, err := resolveConnection(deps, s.Connection)
			if err != nil {
				return nil, fmt.Errorf("cloud_storage_writer: %w", err)
			}
			format := s.Format
			if format == "" {
				format = "parquet"
			}
			mode := s.WriteMode
			if mode == "" {
				mode = "overwrite"
			}
			return &plan.CloudWriteOp{URI: s.URI, Format: format, Delimiter: s.Delimiter, WriteMode: mode, Connection: conn}, nil
		},
	}
}

func resolveConnection(deps *BuildDeps, name string) (plan.Connection, error) {
	if name == "" {
		return plan.Connection{}, nil
	}
	if deps == nil || deps.Connections == nil {
		return plan.Connection{}, fmt.Errorf("connection %q: no connections configured", name)
	}
	c, ok := deps.Connections.Connection(name)
	if !ok {
		return plan.Connection{}, fmt.Errorf("connection %q not configured", name)
	}
	return c, nil
}

// --- database_reader / database_writer ---

var dbDrivers = []string{"sqlite", "mysql"}

type databaseReaderSettings struct {
	Driver  string       `json:"driver"`
	DSN     string       `json:"dsn"`
	Query   string       `json:"query"`
	Schema  string       `json:"schema"`
	Table   string       `json:"table"`
	Columns []columnDecl `json:"columns"`
}

func kindDatabaseReader() *Kind {
	return &Kind{
		Name:     "database_reader",
		Category: CategoryInput,
		Shape:    flow.KindShape{Inputs: 0, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "driver", Type: FieldSingleSelect, Options: dbDrivers, Required: true},
			{Name: "dsn", Type: FieldSecretRef, Required: true},
			{Name: "query", Type: FieldText},
			{Name: "schema", Type: FieldText},
			{Name: "table", Type: FieldText},
			{Name: "columns", Type: FieldArray, Help: "optional declared schema; databases are not probed"},
		},
		validate: func(raw json.RawMessage, _ []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[databaseReaderSettings](raw)
			if err != nil {
				return nil, err
			}
			if !inList(s.Driver, dbDrivers) {
				return nil, fmt.Errorf("database_reader: unknown driver %q", s.Driver)
			}
			if s.DSN == "" {
				return nil, fmt.Errorf("database_reader: dsn is required")
			}
			if (s.Query == "") == (s.Table == "") {
				return nil, fmt.Errorf("database_reader: exactly one of query or table must be set")
			}
			cols, err := parseColumns(s.Columns)
			if err != nil {
				return nil, fmt.Errorf("database_reader: %w", err)
			}
			return []schema.Schema{cols}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[databaseReaderSettings](raw)
			if err != nil {
				return nil, err
			}
			return &plan.DatabaseReadOp{
				Driver: s.Driver,
				DSN:    s.DSN,
				Query:  s.Query,
				Schema: s.Schema,
				Table:  s.Table,
			}, nil
		},
	}
}

type databaseWriterSettings struct {
	Driver    string `json:"driver"`
	DSN       string `json:"dsn"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	WriteMode string `json:"write_mode"`
}

func kindDatabaseWriter() *Kind {
	return &Kind{
		Name:     "database_writer",
		Category: CategoryOutput,
		Shape:    flow.KindShape{Inputs: 1, Outputs: 1},
		Fields: []FieldSpec{
			{Name: "driver", Type: FieldSingleSelect, Options: dbDrivers, Required: true},
			{Name: "dsn", Type: FieldSecretRef, Required: true},
			{Name: "schema", Type: FieldText},
			{Name: "table", Type: FieldText, Required: true},
			{Name: "write_mode", Type: FieldSingleSelect, Options: []string{"overwrite", "append"}, Default: "append"},
		},
		validate: func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
			s, err := decodeSettings[databaseWriterSettings](raw)
			if err != nil {
				return nil, err
			}
			if !inList(s.Driver, dbDrivers) {
				return nil, fmt.Errorf("database_writer: unknown driver %q", s.Driver)
			}
			if s.DSN == "" {
				return nil, fmt.Errorf("database_writer: dsn is required")
			}
			if s.Table == "" {
				return nil, fmt.Errorf("database_writer: table is required")
			}
			if s.WriteMode != "" && s.WriteMode != "overwrite" && s.WriteMode != "append" {
				return nil, fmt.Errorf("database_writer: unknown write mode %q", s.WriteMode)
			}
			return []schema.Schema{inputs[0].Clone()}, nil
		},
		buildOp: func(raw json.RawMessage, _ *BuildDeps) (any, error) {
			s, err := decodeSettings[databaseWriterSettings](raw)
			if err != nil {
				return nil, err
			}
			mode := s.WriteMode
			if mode == "" {
				mode = "append"
			}
			return &plan.DatabaseWriteOp{
				Driver:    s.Driver,
				DSN:       s.DSN,
				Schema:    s.Schema,
				Table:     s.Table,
				WriteMode: mode,
			}, nil
		},
	}
}
