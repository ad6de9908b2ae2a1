package nodes

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowfile/flowfile/internal/plan"
	"github.com/flowfile/flowfile/internal/schema"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry()
	require.NoError(t, err)
	return r
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

var peopleSchema = schema.Schema{
	{Name: "id", Type: schema.Int64},
	{Name: "name", Type: schema.String},
	{Name: "age", Type: schema.Int64},
}

func TestRegistryShapes(t *testing.T) {
	r := newTestRegistry(t)

	sh, err := r.Shape("manual_input")
	require.NoError(t, err)
	require.Equal(t, 0, sh.Inputs)
	require.Equal(t, 1, sh.Outputs)

	sh, err = r.Shape("join")
	require.NoError(t, err)
	require.Equal(t, 2, sh.Inputs)

	sh, err = r.Shape("union")
	require.NoError(t, err)
	require.True(t, sh.Variadic)

	_, err = r.Shape("nope")
	require.Error(t, err)
}

func TestRegistryDescriptorsSorted(t *testing.T) {
	r := newTestRegistry(t)
	ds := r.Descriptors()
	require.NotEmpty(t, ds)
	for i := 1; i < len(ds); i++ {
		require.Less(t, ds[i-1].Name, ds[i].Name)
	}
	byName := map[string]Descriptor{}
	for _, d := range ds {
		byName[d.Name] = d
	}
	require.Contains(t, byName, "manual_input")
	require.Contains(t, byName, "polars_code")
	require.NotEmpty(t, byName["read_csv"].Fields)
}

func TestManualInputValidate(t *testing.T) {
	r := newTestRegistry(t)

	out, err := r.Validate("manual_input", raw(`{
		"columns": [{"name":"a","type":"int"},{"name":"b"}],
		"rows": [[1,"x"],[2,"y"]]
	}`), nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, schema.Schema{
		{Name: "a", Type: schema.Int64},
		{Name: "b", Type: schema.String},
	}, out[0])

	_, err = r.Validate("manual_input", raw(`{
		"columns": [{"name":"a"}],
		"rows": [[1,2]]
	}`), nil)
	require.ErrorContains(t, err, "row 0")

	_, err = r.Validate("manual_input", raw(`{
		"columns": [{"name":"a"},{"name":"a"}]
	}`), nil)
	require.ErrorContains(t, err, "duplicate column")
}

func TestSettingsSchemaRejectsBadTypes(t *testing.T) {
	r := newTestRegistry(t)

	// head.n is numeric and required.
	_, err := r.Validate("head", raw(`{"n":"ten"}`), []schema.Schema{peopleSchema})
	require.ErrorContains(t, err, "settings")

	_, err = r.Validate("head", raw(`{}`), []schema.Schema{peopleSchema})
	require.ErrorContains(t, err, "settings")

	// filter.operator is an enum.
	_, err = r.Validate("filter", raw(`{"field":"age","operator":"~="}`), []schema.Schema{peopleSchema})
	require.ErrorContains(t, err, "settings")
}

func TestReadCSVValidateProbesFile(t *testing.T) {
	r := newTestRegistry(t)
	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,x\n2,y\n"), 0o644))

	out, err := r.Validate("read_csv", raw(`{"path":"`+path+`"}`), nil)
	require.NoError(t, err)
	require.Equal(t, schema.Schema{
		{Name: "a", Type: schema.Int64},
		{Name: "b", Type: schema.String},
	}, out[0])

	_, err = r.Validate("read_csv", raw(`{"path":"/does/not/exist.csv"}`), nil)
	require.Error(t, err)
}

func TestSelectValidate(t *testing.T) {
	r := newTestRegistry(t)

	out, err := r.Validate("select", raw(`{
		"columns": [{"old":"id","new":"key"},{"old":"age","type":"float"}]
	}`), []schema.Schema{peopleSchema})
	require.NoError(t, err)
	require.Equal(t, schema.Schema{
		{Name: "key", Type: schema.Int64},
		{Name: "age", Type: schema.Float64},
	}, out[0])

	_, err = r.Validate("select", raw(`{
		"columns": [{"old":"id","new":"x"},{"old":"age","new":"x"}]
	}`), []schema.Schema{peopleSchema})
	require.ErrorContains(t, err, "duplicate output column")

	_, err = r.Validate("select", raw(`{"columns":[{"old":"ghost"}]}`), []schema.Schema{peopleSchema})
	require.ErrorContains(t, err, "not found")
}

func TestFilterValidateModes(t *testing.T) {
	r := newTestRegistry(t)

	out, err := r.Validate("filter", raw(`{"field":"age","operator":"gt","value":18}`), []schema.Schema{peopleSchema})
	require.NoError(t, err)
	require.True(t, out[0].Equal(peopleSchema))

	// Numeric bounds pass the settings schema; the predicate checks types.
	out, err = r.Validate("filter", raw(`{"field":"age","operator":"between","value":18,"value2":65}`), []schema.Schema{peopleSchema})
	require.NoError(t, err)
	require.True(t, out[0].Equal(peopleSchema))

	_, err = r.Validate("filter", raw(`{"mode":"expression","expression":"missing > 1"}`), []schema.Schema{peopleSchema})
	require.Error(t, err)

	out, err = r.Validate("filter", raw(`{"mode":"expression","expression":"age > 18 && name != \"B\""}`), []schema.Schema{peopleSchema})
	require.NoError(t, err)
	require.True(t, out[0].Equal(peopleSchema))
}

func TestRecordIDValidate(t *testing.T) {
	r := newTestRegistry(t)

	out, err := r.Validate("record_id", raw(`{}`), []schema.Schema{peopleSchema})
	require.NoError(t, err)
	require.Equal(t, "record_id", out[0][0].Name)
	require.Equal(t, schema.Int64, out[0][0].Type)
	require.Len(t, out[0], 4)

	_, err = r.Validate("record_id", raw(`{"name":"id"}`), []schema.Schema{peopleSchema})
	require.ErrorContains(t, err, "already exists")
}

func TestJoinValidate(t *testing.T) {
	r := newTestRegistry(t)
	right := schema.Schema{
		{Name: "uid", Type: schema.Int64},
		{Name: "name", Type: schema.String},
	}

	out, err := r.Validate("join", raw(`{"how":"inner","left_on":["id"],"right_on":["uid"]}`),
		[]schema.Schema{peopleSchema, right})
	require.NoError(t, err)
	// Right join key survives (different name); colliding "name" is suffixed.
	require.True(t, out[0].Has("uid"))
	require.True(t, out[0].Has("name_right"))

	_, err = r.Validate("join", raw(`{"left_on":["id"],"right_on":["uid","name"]}`),
		[]schema.Schema{peopleSchema, right})
	require.ErrorContains(t, err, "equal length")

	_, err = r.Validate("join", raw(`{"left_on":["ghost"],"right_on":["uid"]}`),
		[]schema.Schema{peopleSchema, right})
	require.ErrorContains(t, err, "left key")
}

func TestUnionValidateVariadic(t *testing.T) {
	r := newTestRegistry(t)
	a := schema.Schema{{Name: "x", Type: schema.Int64}}
	b := schema.Schema{{Name: "x", Type: schema.Float64}, {Name: "y", Type: schema.String}}

	out, err := r.Validate("union", raw(`{}`), []schema.Schema{a, b})
	require.NoError(t, err)
	require.Equal(t, schema.Schema{
		{Name: "x", Type: schema.Float64},
		{Name: "y", Type: schema.String},
	}, out[0])

	_, err = r.Validate("union", raw(`{"relaxed":false}`), []schema.Schema{a, b})
	require.ErrorContains(t, err, "does not match")
}

func TestGroupByValidate(t *testing.T) {
	r := newTestRegistry(t)

	out, err := r.Validate("group_by", raw(`{
		"keys": ["name"],
		"aggs": [{"column":"age","func":"mean"},{"column":"id","func":"count","alias":"n"}]
	}`), []schema.Schema{peopleSchema})
	require.NoError(t, err)
	require.Equal(t, schema.Schema{
		{Name: "name", Type: schema.String},
		{Name: "age_mean", Type: schema.Float64},
		{Name: "n", Type: schema.Int64},
	}, out[0])

	_, err = r.Validate("group_by", raw(`{
		"keys": ["name"],
		"aggs": [{"column":"name","func":"mean"}]
	}`), []schema.Schema{peopleSchema})
	require.Error(t, err)
}

func TestPivotValidateIndexOnlySchema(t *testing.T) {
	r := newTestRegistry(t)
	out, err := r.Validate("pivot", raw(`{"index":["name"],"columns":"id","values":"age","agg":"sum"}`),
		[]schema.Schema{peopleSchema})
	require.NoError(t, err)
	// Pivoted columns are data-dependent; only the index is published.
	require.Equal(t, schema.Schema{{Name: "name", Type: schema.String}}, out[0])
}

func TestPolarsCodeValidate(t *testing.T) {
	r := newTestRegistry(t)
	two := []schema.Schema{peopleSchema, peopleSchema}

	out, err := r.Validate("polars_code", raw(`{"code":"left","input_names":["left","right"]}`), two)
	require.NoError(t, err)
	require.Empty(t, out[0])

	_, err = r.Validate("polars_code", raw(`{"code":"x","input_names":["only"]}`), two)
	require.ErrorContains(t, err, "input names")

	_, err = r.Validate("polars_code", raw(`{"code":"x","input_names":["a","a"]}`), two)
	require.ErrorContains(t, err, "duplicate input name")
}

func TestOutputValidateAppendCSVOnly(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Validate("output", raw(`{"path":"out.parquet","write_mode":"append"}`), []schema.Schema{peopleSchema})
	require.ErrorContains(t, err, "append is only supported for csv")

	out, err := r.Validate("output", raw(`{"path":"out.csv","write_mode":"append"}`), []schema.Schema{peopleSchema})
	require.NoError(t, err)
	require.True(t, out[0].Equal(peopleSchema))
}

func TestDatabaseReaderValidate(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Validate("database_reader", raw(`{"driver":"sqlite","dsn":"file.db"}`), nil)
	require.ErrorContains(t, err, "exactly one of query or table")

	_, err = r.Validate("database_reader", raw(`{"driver":"sqlite","dsn":"file.db","table":"t","query":"select 1"}`), nil)
	require.ErrorContains(t, err, "exactly one of query or table")

	out, err := r.Validate("database_reader", raw(`{
		"driver":"sqlite","dsn":"file.db","table":"t",
		"columns":[{"name":"id","type":"int"}]
	}`), nil)
	require.NoError(t, err)
	require.Equal(t, schema.Schema{{Name: "id", Type: schema.Int64}}, out[0])
}

func TestCloudReaderValidateURI(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Validate("cloud_storage_reader", raw(`{"uri":"gs://bucket/key"}`), nil)
	require.ErrorContains(t, err, "s3://")

	_, err = r.Validate("cloud_storage_reader", raw(`{"uri":"s3://bucket"}`), nil)
	require.ErrorContains(t, err, "bucket and a key")

	out, err := r.Validate("cloud_storage_reader", raw(`{"uri":"s3://bucket/data.parquet"}`), nil)
	require.NoError(t, err)
	require.Empty(t, out[0])
}

type mapConnections map[string]plan.Connection

func (m mapConnections) Connection(name string) (plan.Connection, bool) {
	c, ok := m[name]
	return c, ok
}

func TestBuildOps(t *testing.T) {
	r := newTestRegistry(t)

	op, err := r.BuildOp("filter", raw(`{"field":"age","operator":"gt","value":18}`), nil)
	require.NoError(t, err)
	fop, ok := op.(*plan.FilterOp)
	require.True(t, ok)
	require.Equal(t, "structured", fop.Mode)
	require.Equal(t, "age", fop.Field)

	op, err = r.BuildOp("output", raw(`{"path":"out.parquet"}`), nil)
	require.NoError(t, err)
	oop := op.(*plan.OutputOp)
	require.Equal(t, "parquet", oop.Format)
	require.Equal(t, "overwrite", oop.WriteMode)

	deps := &BuildDeps{Connections: mapConnections{
		"minio": {Endpoint: "localhost:9000", AccessKey: "k", SecretKey: "s"},
	}}
	op, err = r.BuildOp("cloud_storage_reader", raw(`{"uri":"s3://b/k","connection":"minio"}`), deps)
	require.NoError(t, err)
	cop := op.(*plan.CloudReadOp)
	require.Equal(t, "localhost:9000", cop.Connection.Endpoint)
	require.Equal(t, "parquet", cop.Format)

	_, err = r.BuildOp("cloud_storage_reader", raw(`{"uri":"s3://b/k","connection":"nope"}`), deps)
	require.ErrorContains(t, err, "not configured")
}
