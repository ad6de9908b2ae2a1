// Package nodes is the node library: one descriptor per node kind, each
// carrying the settings field specs, a compiled settings schema, a pure
// validator deriving output schemas, and a plan-op builder for the worker.
package nodes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flowfile/flowfile/internal/flow"
	"github.com/flowfile/flowfile/internal/plan"
	"github.com/flowfile/flowfile/internal/schema"
)

// Category groups kinds for the editor palette. Metadata only.
type Category string

const (
	CategoryInput     Category = "input"
	CategoryTransform Category = "transform"
	CategoryCombine   Category = "combine"
	CategoryAggregate Category = "aggregate"
	CategoryOutput    Category = "output"
)

// FieldType enumerates the settings field widgets the editor renders.
type FieldType string

const (
	FieldText           FieldType = "text"
	// FieldAny carries values whose JSON type depends on the column being
	// compared; the kind's typed validator checks them instead of the schema.
	FieldAny            FieldType = "any"
	FieldNumeric        FieldType = "numeric"
	FieldBool           FieldType = "bool"
	FieldArray          FieldType = "array"
	FieldSingleSelect   FieldType = "single-select"
	FieldMultiSelect    FieldType = "multi-select"
	FieldColumnSelector FieldType = "column-selector"
	FieldSecretRef      FieldType = "secret-ref"
)

// FieldSpec declares one settings field of a kind.
type FieldSpec struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Default  any       `json:"default,omitempty"`
	Options  []string  `json:"options,omitempty"`
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	Help     string    `json:"help,omitempty"`
}

// Kind is one registered node kind.
type Kind struct {
	Name     string
	Category Category
	Shape    flow.KindShape
	Fields   []FieldSpec

	compiled *jsonschema.Schema

	// validate derives output schemas from decoded settings and the
	// connected input schemas. Purely functional for graph-derived inputs;
	// source kinds may probe the local file named by their settings.
	validate func(raw json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error)

	// buildOp turns settings into the plan op the worker executes.
	buildOp func(raw json.RawMessage, deps *BuildDeps) (any, error)
}

// ConnectionResolver maps a named object-store connection from configuration
// to resolved credentials.
type ConnectionResolver interface {
	Connection(name string) (plan.Connection, bool)
}

// BuildDeps carries the external lookups plan building needs.
type BuildDeps struct {
	Connections ConnectionResolver
}

// Descriptor is the wire form of a kind, served to the editor.
type Descriptor struct {
	Name     string      `json:"name"`
	Category Category    `json:"category"`
	Inputs   int         `json:"inputs"`
	Variadic bool        `json:"variadic,omitempty"`
	Outputs  int         `json:"outputs"`
	Fields   []FieldSpec `json:"fields"`
}

// Registry holds all node kinds. It implements flow.KindResolver.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

// NewRegistry returns a registry populated with every built-in kind.
func NewRegistry() (*Registry, error) {
	r := &Registry{kinds: map[string]*Kind{}}
	all := []*Kind{
		kindManualInput(),
		kindReadCSV(),
		kindReadParquet(),
		kindReadExcel(),
		kindReadJSON(),
		kindCloudStorageReader(),
		kindCloudStorageWriter(),
		kindDatabaseReader(),
		kindDatabaseWriter(),
		kindSelect(),
		kindFilter(),
		kindSort(),
		kindUnique(),
		kindHead(),
		kindSample(),
		kindRecordID(),
		kindFormula(),
		kindJoin(),
		kindCrossJoin(),
		kindUnion(),
		kindGroupBy(),
		kindPivot(),
		kindUnpivot(),
		kindPolarsCode(),
		kindOutput(),
	}
	for _, k := range all {
		if err := r.register(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(k *Kind) error {
	if k.Name == "" || k.validate == nil || k.buildOp == nil {
		return fmt.Errorf("kind %q is incomplete", k.Name)
	}
	s, err := compileFieldSchema(k.Fields)
	if err != nil {
		return fmt.Errorf("kind %s settings schema: %w", k.Name, err)
	}
	k.compiled = s
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[k.Name]; ok {
		return fmt.Errorf("kind %s registered twice", k.Name)
	}
	r.kinds[k.Name] = k
	return nil
}

func (r *Registry) kind(name string) (*Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	if !ok {
		return nil, fmt.Errorf("unknown node kind %q", name)
	}
	return k, nil
}

// Shape implements flow.KindResolver.
func (r *Registry) Shape(name string) (flow.KindShape, error) {
	k, err := r.kind(name)
	if err != nil {
		return flow.KindShape{}, err
	}
	return k.Shape, nil
}

// Validate implements flow.KindResolver: settings are checked against the
// kind's schema, then the kind derives its output schemas.
func (r *Registry) Validate(name string, settings json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error) {
	k, err := r.kind(name)
	if err != nil {
		return nil, err
	}
	if err := k.checkSettings(settings); err != nil {
		return nil, err
	}
	return k.validate(settings, inputs)
}

// BuildOp produces the plan op for a validated node.
func (r *Registry) BuildOp(name string, settings json.RawMessage, deps *BuildDeps) (any, error) {
	k, err := r.kind(name)
	if err != nil {
		return nil, err
	}
	if deps == nil {
		deps = &BuildDeps{}
	}
	return k.buildOp(settings, deps)
}

// Descriptors lists every kind sorted by name, for GET /node_schemas.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, Descriptor{
			Name:     k.Name,
			Category: k.Category,
			Inputs:   k.Shape.Inputs,
			Variadic: k.Shape.Variadic,
			Outputs:  k.Shape.Outputs,
			Fields:   k.Fields,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (k *Kind) checkSettings(raw json.RawMessage) error {
	var v any
	if len(raw) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	if v == nil {
		v = map[string]any{}
	}
	if err := k.compiled.Validate(v); err != nil {
		return fmt.Errorf("settings: %v", err)
	}
	return nil
}

// compileFieldSchema translates field specs into a JSON Schema. Unknown
// fields are allowed so documents round-trip editor-only extras.
func compileFieldSchema(fields []FieldSpec) (*jsonschema.Schema, error) {
	props := map[string]any{}
	var required []string
	for _, f := range fields {
		p := map[string]any{}
		switch f.Type {
		case FieldAny:
			// No type constraint.
		case FieldNumeric:
			p["type"] = "number"
			if f.Min != nil {
				p["minimum"] = *f.Min
			}
			if f.Max != nil {
				p["maximum"] = *f.Max
			}
		case FieldBool:
			p["type"] = "boolean"
		case FieldArray:
			p["type"] = "array"
		case FieldMultiSelect:
			item := map[string]any{"type": "string"}
			if len(f.Options) > 0 {
				item["enum"] = toAnySlice(f.Options)
			}
			p["type"] = "array"
			p["items"] = item
		case FieldSingleSelect:
			p["type"] = "string"
			if len(f.Options) > 0 {
				p["enum"] = toAnySlice(f.Options)
			}
		default: // text, column-selector, secret-ref
			p["type"] = "string"
		}
		props[f.Name] = p
		if f.Required {
			required = append(required, f.Name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		required = append([]string(nil), required...)
		sort.Strings(required)
		doc["required"] = required
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("settings.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("settings.json")
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func decodeSettings[T any](raw json.RawMessage) (*T, error) {
	var s T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("settings: %w", err)
		}
	}
	return &s, nil
}

func fptr(f float64) *float64 { return &f }
