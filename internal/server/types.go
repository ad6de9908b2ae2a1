package server

import (
	"github.com/flowfile/flowfile/internal/flow"
	"github.com/flowfile/flowfile/internal/run"
	"github.com/flowfile/flowfile/internal/schema"
)

// errorResponse is the body shape of every 4xx/5xx reply.
type errorResponse struct {
	Detail string `json:"detail"`
}

type createFlowRequest struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

type flowIDResponse struct {
	FlowID uint64 `json:"flow_id"`
}

type flowRefRequest struct {
	FlowID uint64 `json:"flow_id"`
}

type saveFlowRequest struct {
	FlowID uint64 `json:"flow_id"`
	Path   string `json:"path,omitempty"`
}

type loadFlowRequest struct {
	Path string `json:"path"`
}

type executionModeRequest struct {
	FlowID uint64 `json:"flow_id"`
	Mode   string `json:"execution_mode"`
}

type addNodeRequest struct {
	FlowID   uint64        `json:"flow_id"`
	NodeID   uint64        `json:"node_id"`
	Kind     string        `json:"kind"`
	Position flow.Position `json:"position"`
}

type deleteNodeRequest struct {
	FlowID uint64 `json:"flow_id"`
	NodeID uint64 `json:"node_id"`
}

type connectionRequest struct {
	FlowID uint64 `json:"flow_id"`
	flow.Edge
}

// nodeDetail is the /node response: validation state, derived schemas, and
// the upstream wiring summary.
type nodeDetail struct {
	NodeID      uint64          `json:"node_id"`
	Kind        string          `json:"kind"`
	Description string          `json:"description,omitempty"`
	IsSetup     bool            `json:"is_setup"`
	Valid       bool            `json:"valid"`
	Unknown     bool            `json:"unknown,omitempty"`
	Error       string          `json:"error,omitempty"`
	CauseNode   uint64          `json:"cause_node,omitempty"`
	Outputs     []schema.Schema `json:"outputs,omitempty"`
	Upstream    []flow.Edge     `json:"upstream,omitempty"`
}

// nodeData is the /node/data response: the cached preview plus the flags the
// editor uses to decide whether the shown data is current.
type nodeData struct {
	NodeID                 uint64        `json:"node_id"`
	HasExampleData         bool          `json:"has_example_data"`
	HasRunWithCurrentSetup bool          `json:"has_run_with_current_setup"`
	Schema                 schema.Schema `json:"schema,omitempty"`
	Rows                   [][]any       `json:"rows,omitempty"`
	RowCount               int64         `json:"row_count"`
}

type runResponse struct {
	RunID string    `json:"run_id"`
	State run.State `json:"state"`
}
