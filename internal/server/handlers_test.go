package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfile/flowfile/internal/artifact"
	"github.com/flowfile/flowfile/internal/flow"
	"github.com/flowfile/flowfile/internal/nodes"
	"github.com/flowfile/flowfile/internal/run"
	"github.com/flowfile/flowfile/internal/worker"
	"github.com/flowfile/flowfile/internal/workerclient"
)

// newTestServer wires the full stack with an in-process worker so run
// endpoints work end to end.
func newTestServer(t *testing.T) (*Server, *flow.Store) {
	t.Helper()
	log := zerolog.Nop()

	kinds, err := nodes.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	store := flow.NewStore(kinds, log)
	cache, err := artifact.NewCache(t.TempDir(), 0, log)
	if err != nil {
		t.Fatal(err)
	}

	dir, err := os.MkdirTemp("", "ffs")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "w.sock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go worker.NewServer(socket, log).ListenAndServe(ctx)

	client := workerclient.New(socket, log)
	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	defer connectCancel()
	if err := client.Connect(connectCtx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)

	runs := run.NewRegistry(time.Hour, log)
	runner := run.NewRunner(store, kinds, cache, client, runs, &nodes.BuildDeps{}, run.Options{Parallelism: 2}, log)

	srv := New(Config{Addr: ":0"}, store, kinds, runs, runner, cache, log)
	t.Cleanup(srv.Shutdown)
	return srv, store
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestFlowEditingLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, "POST", "/flow", `{"name":"orders"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create flow: %d %s", rec.Code, rec.Body)
	}
	flowID := decode[flowIDResponse](t, rec).FlowID
	if flowID == 0 {
		t.Fatal("flow id must be positive")
	}

	rec = do(t, h, "POST", "/editor/add_node", `{"flow_id":1,"node_id":1,"kind":"manual_input","position":{"x":10,"y":20}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add node: %d %s", rec.Code, rec.Body)
	}
	rec = do(t, h, "POST", "/editor/add_node", `{"flow_id":1,"node_id":2,"kind":"filter"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add node: %d %s", rec.Code, rec.Body)
	}
	rec = do(t, h, "POST", "/editor/add_node", `{"flow_id":1,"node_id":3,"kind":"no_such_kind"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind: %d", rec.Code)
	}

	rec = do(t, h, "POST", "/editor/add_connection",
		`{"flow_id":1,"from_node":1,"from_port":"output-0","to_node":2,"to_port":"input-0"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add connection: %d %s", rec.Code, rec.Body)
	}
	// Reverse edge closes a cycle.
	rec = do(t, h, "POST", "/editor/add_connection",
		`{"flow_id":1,"from_node":2,"from_port":"output-0","to_node":1,"to_port":"input-0"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("cycle: %d %s", rec.Code, rec.Body)
	}
	if detail := decode[errorResponse](t, rec).Detail; detail == "" {
		t.Fatal("error body must carry detail")
	}

	// Settings arrive as the full node record; non-envelope keys are the
	// settings payload.
	rec = do(t, h, "POST", "/update_settings?node_type=manual_input", `{
		"flow_id": 1, "node_id": 1, "cache_results": true,
		"columns": [{"name":"id","type":"int"},{"name":"age","type":"int"}],
		"rows": [[1,17],[2,42]]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update settings: %d %s", rec.Code, rec.Body)
	}
	detail := decode[nodeDetail](t, rec)
	if !detail.Valid || !detail.IsSetup {
		t.Fatalf("node detail: %+v", detail)
	}
	if len(detail.Outputs) != 1 || !detail.Outputs[0].Has("age") {
		t.Fatalf("outputs: %+v", detail.Outputs)
	}

	// Mismatched node_type is rejected.
	rec = do(t, h, "POST", "/update_settings?node_type=filter",
		`{"flow_id":1,"node_id":1,"field":"age"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("kind mismatch: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, "POST", "/update_settings?node_type=filter", `{
		"flow_id": 1, "node_id": 2,
		"settings": {"field":"age","operator":"gt","value":18}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("filter settings: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, "GET", "/node?flow_id=1&node_id=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get node: %d", rec.Code)
	}
	detail = decode[nodeDetail](t, rec)
	if !detail.Valid || len(detail.Upstream) != 1 {
		t.Fatalf("filter detail: %+v", detail)
	}

	rec = do(t, h, "GET", "/flow?flow_id=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get flow: %d", rec.Code)
	}
	doc, err := flow.UnmarshalDocument(rec.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Nodes) != 2 || len(doc.Edges) != 1 {
		t.Fatalf("document: %d nodes, %d edges", len(doc.Nodes), len(doc.Edges))
	}

	rec = do(t, h, "GET", "/flow?flow_id=99", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing flow: %d", rec.Code)
	}
}

func TestNodeSchemas(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), "GET", "/node_schemas", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	ds := decode[[]nodes.Descriptor](t, rec)
	if len(ds) < 20 {
		t.Fatalf("only %d descriptors", len(ds))
	}
}

func TestCSRFProtection(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	req := httptest.NewRequest("POST", "/flow", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Origin", "http://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-origin POST: %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/flow", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("local POST: %d %s", rec.Code, rec.Body)
	}

	// GETs are never origin-checked.
	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cross-origin GET: %d", rec.Code)
	}
}

// buildRunnableFlow creates manual_input -> filter via the HTTP surface.
func buildRunnableFlow(t *testing.T, h http.Handler) {
	t.Helper()
	steps := []struct{ target, body string }{
		{"/flow", `{"name":"people"}`},
		{"/editor/add_node", `{"flow_id":1,"node_id":1,"kind":"manual_input"}`},
		{"/editor/add_node", `{"flow_id":1,"node_id":2,"kind":"filter"}`},
		{"/editor/add_connection", `{"flow_id":1,"from_node":1,"from_port":"output-0","to_node":2,"to_port":"input-0"}`},
		{"/update_settings?node_type=manual_input", `{
			"flow_id":1,"node_id":1,
			"columns":[{"name":"id","type":"int"},{"name":"name"},{"name":"age","type":"int"}],
			"rows":[[1,"A",17],[2,"B",42],[3,"C",65]]
		}`},
		{"/update_settings?node_type=filter", `{
			"flow_id":1,"node_id":2,
			"settings":{"field":"age","operator":"gt","value":18}
		}`},
	}
	for _, st := range steps {
		rec := do(t, h, "POST", st.target, st.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("POST %s: %d %s", st.target, rec.Code, rec.Body)
		}
	}
}

func waitRunTerminal(t *testing.T, h http.Handler) run.Snapshot {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		rec := do(t, h, "GET", "/flow/run_status?flow_id=1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("run_status: %d %s", rec.Code, rec.Body)
		}
		snap := decode[run.Snapshot](t, rec)
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run never reached a terminal state")
	return run.Snapshot{}
}

func TestRunFlowEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, "GET", "/flow/run_status?flow_id=1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status before any run: %d", rec.Code)
	}

	buildRunnableFlow(t, h)

	rec = do(t, h, "POST", "/flow/run?flow_id=1", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run: %d %s", rec.Code, rec.Body)
	}
	resp := decode[runResponse](t, rec)
	if resp.RunID == "" {
		t.Fatal("run id missing")
	}

	snap := waitRunTerminal(t, h)
	if snap.State != run.StateSuccess {
		t.Fatalf("run state = %s: %+v", snap.State, snap)
	}
	if snap.Nodes[2] == nil || snap.Nodes[2].Rows != 2 {
		t.Fatalf("filter node: %+v", snap.Nodes[2])
	}

	// Preview data for the filter node, flagged current.
	rec = do(t, h, "GET", "/node/data?flow_id=1&node_id=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("node data: %d", rec.Code)
	}
	data := decode[nodeData](t, rec)
	if !data.HasExampleData || data.RowCount != 2 || len(data.Rows) != 2 {
		t.Fatalf("node data: %+v", data)
	}
	if !data.HasRunWithCurrentSetup {
		t.Fatal("fresh run should match current setup")
	}

	// Editing the upstream node invalidates the shown data.
	rec = do(t, h, "POST", "/update_settings?node_type=manual_input", `{
		"flow_id":1,"node_id":1,
		"columns":[{"name":"id","type":"int"},{"name":"name"},{"name":"age","type":"int"}],
		"rows":[[9,"Z",99]]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit: %d %s", rec.Code, rec.Body)
	}
	rec = do(t, h, "GET", "/node/data?flow_id=1&node_id=2", "")
	data = decode[nodeData](t, rec)
	if data.HasRunWithCurrentSetup {
		t.Fatal("stale run should not match current setup")
	}

	// SSE replays the finished run's history and closes with done.
	rec = do(t, h, "GET", "/flow/logs?run_id="+resp.RunID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sse: %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"type":"run_started"`) ||
		!strings.Contains(body, `"type":"run_finished"`) ||
		!strings.Contains(body, "event: done") {
		t.Fatalf("sse stream incomplete:\n%s", body)
	}

	rec = do(t, h, "GET", "/flow/logs?run_id=unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("sse unknown run: %d", rec.Code)
	}
}

func TestSaveAndLoadFlow(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	buildRunnableFlow(t, h)

	path := filepath.Join(t.TempDir(), "people.flowfile")
	rec := do(t, h, "POST", "/flow/save", `{"flow_id":1,"path":"`+path+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("save: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, "POST", "/flow/delete", `{"flow_id":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body)
	}
	if len(store.ListFlows()) != 0 {
		t.Fatal("flow not deleted")
	}

	rec = do(t, h, "POST", "/flow/load", `{"path":"`+path+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("load: %d %s", rec.Code, rec.Body)
	}
	flowID := decode[flowIDResponse](t, rec).FlowID

	rec = do(t, h, "GET", "/node?flow_id="+strconv.FormatUint(flowID, 10)+"&node_id=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("node after load: %d %s", rec.Code, rec.Body)
	}
	detail := decode[nodeDetail](t, rec)
	if !detail.Valid {
		t.Fatalf("reloaded node should re-validate: %+v", detail)
	}
}

func TestExecutionModeEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	do(t, h, "POST", "/flow", `{"name":"x"}`)

	rec := do(t, h, "POST", "/flow/execution_mode", `{"flow_id":1,"execution_mode":"performance"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set mode: %d %s", rec.Code, rec.Body)
	}
	snap, err := store.Snapshot(1)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Mode != flow.ModePerformance {
		t.Fatalf("mode = %s", snap.Mode)
	}

	rec = do(t, h, "POST", "/flow/execution_mode", `{"flow_id":1,"execution_mode":"turbo"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad mode: %d", rec.Code)
	}
}

