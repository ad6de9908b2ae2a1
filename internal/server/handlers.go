package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/flowfile/flowfile/internal/flow"
	"github.com/flowfile/flowfile/internal/hashutil"
	"github.com/flowfile/flowfile/internal/run"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"flows":  len(s.store.ListFlows()),
	})
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	id := s.store.CreateFlow(req.Name, req.Path)
	writeJSON(w, http.StatusOK, flowIDResponse{FlowID: id})
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flowID, ok := flowIDParam(w, r)
	if !ok {
		return
	}
	var doc []byte
	err := s.store.View(flowID, func(f *flow.Flow) error {
		var mErr error
		doc, mErr = flow.MarshalDocument(f)
		return mErr
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	ids := s.store.ListFlows()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	writeJSON(w, http.StatusOK, map[string]any{"flows": ids})
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	var req flowRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.store.DeleteFlow(req.FlowID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.cache.UnpinFlow(req.FlowID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSaveFlow(w http.ResponseWriter, r *http.Request) {
	var req saveFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	snap, err := s.store.Snapshot(req.FlowID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	path := req.Path
	if path == "" {
		path = snap.Path
	}
	if path == "" {
		writeError(w, http.StatusBadRequest, "flow has no path; provide one")
		return
	}
	if err := flow.SaveDocument(snap, path); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "path": path})
}

func (s *Server) handleLoadFlow(w http.ResponseWriter, r *http.Request) {
	var req loadFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	f, err := flow.LoadDocument(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.PublishFlow(f); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flowIDResponse{FlowID: f.ID})
}

func (s *Server) handleExecutionMode(w http.ResponseWriter, r *http.Request) {
	var req executionModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	mode, err := flow.ParseExecutionMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SetExecutionMode(req.FlowID, mode); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.store.AddNode(req.FlowID, req.NodeID, req.Kind, req.Position); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	var req deleteNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.store.DeleteNode(req.FlowID, req.NodeID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAddConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.store.AddEdge(req.FlowID, req.Edge); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.store.DeleteEdge(req.FlowID, req.Edge); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Envelope keys of the update_settings body; everything else is the
// kind-specific settings record.
var settingsEnvelopeKeys = map[string]bool{
	"flow_id": true, "node_id": true, "position": true,
	"cache_results": true, "description": true, "settings": true,
}

// handleUpdateSettings accepts the full node record: envelope fields update
// node metadata, the rest replaces the settings record. The kind comes from
// the node_type query parameter and must match the node's registered kind.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("node_type")
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	flowID, err := uintField(raw, "flow_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	nodeID, err := uintField(raw, "node_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var pos *flow.Position
	if v, ok := raw["position"]; ok {
		pos = &flow.Position{}
		if err := json.Unmarshal(v, pos); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid position: %v", err))
			return
		}
	}
	var cacheResults *bool
	if v, ok := raw["cache_results"]; ok {
		cacheResults = new(bool)
		if err := json.Unmarshal(v, cacheResults); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cache_results: %v", err))
			return
		}
	}
	var description *string
	if v, ok := raw["description"]; ok {
		description = new(string)
		if err := json.Unmarshal(v, description); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid description: %v", err))
			return
		}
	}

	settings := raw["settings"]
	if settings == nil {
		rest := map[string]json.RawMessage{}
		for k, v := range raw {
			if !settingsEnvelopeKeys[k] {
				rest[k] = v
			}
		}
		settings, _ = json.Marshal(rest)
	}

	if err := s.store.UpdateSettings(flowID, nodeID, kind, settings); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if pos != nil || cacheResults != nil || description != nil {
		if err := s.store.UpdateNodeMeta(flowID, nodeID, pos, cacheResults, description); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}

	// The caller gets the recomputed validation state back immediately.
	detail, err := s.nodeDetail(flowID, nodeID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	flowID, ok := flowIDParam(w, r)
	if !ok {
		return
	}
	nodeID, ok := nodeIDParam(w, r)
	if !ok {
		return
	}
	detail, err := s.nodeDetail(flowID, nodeID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) nodeDetail(flowID, nodeID uint64) (nodeDetail, error) {
	var out nodeDetail
	err := s.store.View(flowID, func(f *flow.Flow) error {
		n, ok := f.Nodes[nodeID]
		if !ok {
			return fmt.Errorf("%w: %d", flow.ErrNodeNotFound, nodeID)
		}
		out = nodeDetail{
			NodeID:      n.ID,
			Kind:        n.Kind,
			Description: n.Description,
			IsSetup:     n.IsSetup,
			Valid:       n.Status.Valid,
			Unknown:     n.Status.Unknown,
			Error:       n.Status.Error,
			CauseNode:   n.Status.CauseNode,
			Outputs:     n.Status.Outputs,
			Upstream:    f.Incoming(nodeID),
		}
		return nil
	})
	return out, err
}

func (s *Server) handleGetNodeData(w http.ResponseWriter, r *http.Request) {
	flowID, ok := flowIDParam(w, r)
	if !ok {
		return
	}
	nodeID, ok := nodeIDParam(w, r)
	if !ok {
		return
	}

	data := nodeData{NodeID: nodeID}
	rn, hasRun := s.runs.ActiveForFlow(flowID)
	if hasRun {
		if res, ok := rn.Node(nodeID); ok && res.State.Completed() {
			data.RowCount = res.Rows
			if res.Preview != nil {
				data.HasExampleData = true
				data.Schema = res.Preview.Schema
				data.Rows = res.Preview.Rows
			}
			if eff, ok := s.currentEffectiveHash(flowID, nodeID, rn.Mode); ok {
				data.HasRunWithCurrentSetup = eff == res.Artifact.Hash
			}
		}
	}
	writeJSON(w, http.StatusOK, data)
}

// currentEffectiveHash recomputes the node's cache key from the flow's
// current settings. Artifact hashes equal effective hashes, so the chain
// folds over settings hashes alone.
func (s *Server) currentEffectiveHash(flowID, nodeID uint64, mode flow.ExecutionMode) (string, bool) {
	sampleRows := 0
	if mode == flow.ModeDevelopment {
		sampleRows = s.config.SampleRows
		if sampleRows <= 0 {
			sampleRows = 10000
		}
	}
	var hash string
	found := false
	err := s.store.View(flowID, func(f *flow.Flow) error {
		order, err := f.TopoSort()
		if err != nil {
			return err
		}
		eff := map[uint64]string{}
		for _, id := range order {
			n := f.Nodes[id]
			if !n.Status.Valid {
				return nil
			}
			sh := n.Status.SettingsHash
			if sampleRows > 0 {
				sh = hashutil.HashBytes([]byte(fmt.Sprintf("%s:sample=%d", sh, sampleRows)))
			}
			var upstream []string
			for _, e := range f.Incoming(id) {
				h, ok := eff[e.FromNode]
				if !ok {
					return nil
				}
				upstream = append(upstream, h)
			}
			eff[id] = hashutil.EffectiveHash(sh, upstream)
			if id == nodeID {
				hash, found = eff[id], true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return "", false
	}
	return hash, found
}

func (s *Server) handleNodeSchemas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kinds.Descriptors())
}

func (s *Server) handleRunFlow(w http.ResponseWriter, r *http.Request) {
	flowID, ok := flowIDParam(w, r)
	if !ok {
		return
	}
	rn, err := s.runner.Start(s.baseCtx, flowID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.metrics.observeRun(rn)
	writeJSON(w, http.StatusAccepted, runResponse{RunID: rn.ID, State: rn.State()})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	flowID, ok := flowIDParam(w, r)
	if !ok {
		return
	}
	rn, ok := s.runs.ActiveForFlow(flowID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("flow %d has no run", flowID))
		return
	}
	if err := s.runs.Cancel(rn.ID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "run_id": rn.ID})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	flowID, ok := flowIDParam(w, r)
	if !ok {
		return
	}
	rn, ok := s.runs.ActiveForFlow(flowID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("flow %d has no run", flowID))
		return
	}
	writeJSON(w, http.StatusOK, rn.Status())
}

// --- Helpers ---

func flowIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	return idParam(w, r, "flow_id")
}

func nodeIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	return idParam(w, r, "node_id")
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		writeError(w, http.StatusBadRequest, name+" is required")
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func uintField(raw map[string]json.RawMessage, name string) (uint64, error) {
	v, ok := raw[name]
	if !ok {
		return 0, fmt.Errorf("%s is required", name)
	}
	var id uint64
	if err := json.Unmarshal(v, &id); err != nil || id == 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return id, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, flow.ErrFlowNotFound),
		errors.Is(err, flow.ErrNodeNotFound),
		errors.Is(err, run.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrFlowBusy),
		errors.Is(err, run.ErrRunActive),
		errors.Is(err, flow.ErrPortTaken):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Detail: msg})
}
