// Package plan defines the serializable operation descriptions submitted to
// the worker. A plan is a tagged union: the node kind selects which op struct
// the payload decodes into. Both sides of the IPC boundary share these types.
package plan

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowfile/flowfile/internal/artifact"
	"github.com/flowfile/flowfile/internal/schema"
)

// InputRef binds an upstream artifact to an input port.
type InputRef struct {
	Port     string       `msgpack:"port"`
	Artifact artifact.Ref `msgpack:"artifact"`
}

// Plan is one unit of worker execution.
type Plan struct {
	TaskID string `msgpack:"task_id"`
	FlowID uint64 `msgpack:"flow_id"`
	NodeID uint64 `msgpack:"node_id"`
	Kind   string `msgpack:"kind"`

	// OpRaw is the msgpack-encoded kind-specific op struct.
	OpRaw msgpack.RawMessage `msgpack:"op"`

	// Inputs are upstream artifacts in input-port order.
	Inputs []InputRef `msgpack:"inputs"`

	// ArtifactPath is where the worker materializes the result;
	// ArtifactHash is its precomputed content address.
	ArtifactPath string `msgpack:"artifact_path"`
	ArtifactHash string `msgpack:"artifact_hash"`

	// SampleRows caps rows read from sources. Zero means full input
	// (Performance mode).
	SampleRows int `msgpack:"sample_rows"`

	// MemoryBudget caps the estimated in-memory bytes of the task. Zero
	// disables the check.
	MemoryBudget int64 `msgpack:"memory_budget"`

	// TimeoutSec is advisory; the client enforces the hard deadline.
	TimeoutSec int `msgpack:"timeout_sec"`
}

// EncodeOp packs a kind-specific op struct into a plan payload.
func EncodeOp(op any) (msgpack.RawMessage, error) {
	b, err := msgpack.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode op: %w", err)
	}
	return msgpack.RawMessage(b), nil
}

// DecodeOp unpacks the plan payload into the struct for its kind.
func DecodeOp[T any](p *Plan) (*T, error) {
	var op T
	if err := msgpack.Unmarshal(p.OpRaw, &op); err != nil {
		return nil, fmt.Errorf("decode %s op: %w", p.Kind, err)
	}
	return &op, nil
}

// --- input kinds ---

// ManualInputOp carries an inline tabular literal.
type ManualInputOp struct {
	Columns schema.Schema `msgpack:"columns"`
	Rows    [][]any       `msgpack:"rows"`
}

type ReadCSVOp struct {
	Path      string `msgpack:"path"`
	Delimiter string `msgpack:"delimiter"`
	Encoding  string `msgpack:"encoding"`
	SkipLines int    `msgpack:"skip_lines"`
	HasHeader bool   `msgpack:"has_header"`
}

type ReadParquetOp struct {
	Path string `msgpack:"path"`
}

type ReadExcelOp struct {
	Path      string `msgpack:"path"`
	Sheet     string `msgpack:"sheet"`
	SkipLines int    `msgpack:"skip_lines"`
	HasHeader bool   `msgpack:"has_header"`
}

type ReadJSONOp struct {
	Path string `msgpack:"path"`
}

// Connection is a resolved object-store connection reference.
type Connection struct {
	Endpoint  string `msgpack:"endpoint"`
	AccessKey string `msgpack:"access_key"`
	SecretKey string `msgpack:"secret_key"`
	Region    string `msgpack:"region"`
	Secure    bool   `msgpack:"secure"`
}

type CloudReadOp struct {
	URI        string     `msgpack:"uri"` // s3://bucket/key
	Format     string     `msgpack:"format"`
	Delimiter  string     `msgpack:"delimiter"`
	Connection Connection `msgpack:"connection"`
}

type CloudWriteOp struct {
	URI        string     `msgpack:"uri"`
	Format     string     `msgpack:"format"`
	Delimiter  string     `msgpack:"delimiter"`
	WriteMode  string     `msgpack:"write_mode"`
	Connection Connection `msgpack:"connection"`
}

type DatabaseReadOp struct {
	Driver string `msgpack:"driver"` // sqlite | mysql
	DSN    string `msgpack:"dsn"`
	// Query mode or (schema, table) mode; exactly one is set.
	Query  string `msgpack:"query"`
	Schema string `msgpack:"schema"`
	Table  string `msgpack:"table"`
}

type DatabaseWriteOp struct {
	Driver    string `msgpack:"driver"`
	DSN       string `msgpack:"dsn"`
	Schema    string `msgpack:"schema"`
	Table     string `msgpack:"table"`
	WriteMode string `msgpack:"write_mode"` // overwrite | append
}

// --- transforms ---

// SelectColumn is one keep/rename/cast entry of a select op.
type SelectColumn struct {
	Old  string `msgpack:"old"`
	New  string `msgpack:"new"`
	Type string `msgpack:"type"` // optional cast target
	Keep bool   `msgpack:"keep"`
}

type SelectOp struct {
	Columns []SelectColumn `msgpack:"columns"`
	// KeepMissing controls whether columns absent from the list survive.
	KeepMissing bool `msgpack:"keep_missing"`
}

type FilterOp struct {
	// Mode is "structured" or "expression".
	Mode       string `msgpack:"mode"`
	Field      string `msgpack:"field"`
	Operator   string `msgpack:"operator"`
	Value      any    `msgpack:"value"`
	Value2     any    `msgpack:"value2"`
	Expression string `msgpack:"expression"`
}

type SortKey struct {
	Column     string `msgpack:"column"`
	Descending bool   `msgpack:"descending"`
}

type SortOp struct {
	Keys []SortKey `msgpack:"keys"`
}

type UniqueOp struct {
	Columns []string `msgpack:"columns"`
	Keep    string   `msgpack:"keep"` // first | last | any | none
}

type HeadOp struct {
	N int `msgpack:"n"`
}

type SampleOp struct {
	N    int   `msgpack:"n"`
	Seed int64 `msgpack:"seed"`
}

type RecordIDOp struct {
	Name   string `msgpack:"name"`
	Offset int64  `msgpack:"offset"`
}

type FormulaOp struct {
	Column     string `msgpack:"column"`
	Expression string `msgpack:"expression"`
	Type       string `msgpack:"type"`
}

// --- combine / aggregate ---

type JoinOp struct {
	How     string   `msgpack:"how"` // inner|left|right|full|semi|anti
	LeftOn  []string `msgpack:"left_on"`
	RightOn []string `msgpack:"right_on"`
	Suffix  string   `msgpack:"suffix"`
}

type CrossJoinOp struct {
	Suffix string `msgpack:"suffix"`
}

type UnionOp struct {
	Relaxed bool `msgpack:"relaxed"`
}

type Agg struct {
	Column string `msgpack:"column"`
	Func   string `msgpack:"func"` // sum|min|max|mean|median|count|n_unique|first|last|concat
	Alias  string `msgpack:"alias"`
}

type GroupByOp struct {
	Keys []string `msgpack:"keys"`
	Aggs []Agg    `msgpack:"aggs"`
}

type PivotOp struct {
	Index   []string `msgpack:"index"`
	Columns string   `msgpack:"columns"`
	Values  string   `msgpack:"values"`
	Agg     string   `msgpack:"agg"`
}

type UnpivotOp struct {
	IDVars    []string `msgpack:"id_vars"`
	ValueVars []string `msgpack:"value_vars"`
	VarName   string   `msgpack:"var_name"`
	ValueName string   `msgpack:"value_name"`
}

// --- code / output ---

// CodeOp carries a free-form expression with named inputs. Input names must
// match upstream port labels exactly.
type CodeOp struct {
	Code       string   `msgpack:"code"`
	InputNames []string `msgpack:"input_names"`
}

type OutputOp struct {
	Path      string `msgpack:"path"`
	Format    string `msgpack:"format"` // csv | parquet | excel
	WriteMode string `msgpack:"write_mode"`
	Delimiter string `msgpack:"delimiter"`
	Sheet     string `msgpack:"sheet"`
}
