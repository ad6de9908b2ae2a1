package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// The flow document is a single JSON object with deterministic ordering:
// nodes ascending by id, edges lexicographic by (from_node, from_port,
// to_node, to_port). Unknown fields are preserved on round-trip.

var knownFlowKeys = map[string]bool{
	"flow_id": true, "name": true, "path": true,
	"execution_mode": true, "nodes": true, "edges": true,
}

var knownNodeKeys = map[string]bool{
	"node_id": true, "kind": true, "position": true, "cache_results": true,
	"description": true, "is_setup": true, "settings": true,
}

// MarshalDocument serializes the flow deterministically.
func MarshalDocument(f *Flow) ([]byte, error) {
	doc := map[string]any{}
	for k, v := range f.Extra {
		doc[k] = v
	}
	doc["flow_id"] = f.ID
	doc["name"] = f.Name
	if f.Path != "" {
		doc["path"] = f.Path
	}
	doc["execution_mode"] = string(f.Mode)

	ids := make([]uint64, 0, len(f.Nodes))
	for id := range f.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	nodes := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		n := f.Nodes[id]
		nd := map[string]any{}
		for k, v := range n.Extra {
			nd[k] = v
		}
		nd["node_id"] = n.ID
		nd["kind"] = n.Kind
		nd["position"] = map[string]any{"x": n.Position.X, "y": n.Position.Y}
		nd["cache_results"] = n.CacheResults
		nd["description"] = n.Description
		nd["is_setup"] = n.IsSetup
		if len(n.Settings) > 0 {
			nd["settings"] = json.RawMessage(n.Settings)
		}
		nodes = append(nodes, nd)
	}
	doc["nodes"] = nodes

	edges := append([]Edge(nil), f.Edges...)
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.FromNode != b.FromNode {
			return a.FromNode < b.FromNode
		}
		if a.FromPort != b.FromPort {
			return a.FromPort < b.FromPort
		}
		if a.ToNode != b.ToNode {
			return a.ToNode < b.ToNode
		}
		return a.ToPort < b.ToPort
	})
	doc["edges"] = edges

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalDocument parses a flow document. Invariants (acyclicity, edge
// endpoints, single-connected input ports) are enforced by Store.PublishFlow,
// not here.
func UnmarshalDocument(data []byte) (*Flow, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("flow document: %w", err)
	}

	var head struct {
		FlowID uint64 `json:"flow_id"`
		Name   string `json:"name"`
		Path   string `json:"path"`
		Mode   string `json:"execution_mode"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("flow document: %w", err)
	}
	mode, err := ParseExecutionMode(head.Mode)
	if err != nil {
		return nil, err
	}

	f := NewFlow(head.FlowID, head.Name)
	f.Path = head.Path
	f.Mode = mode
	f.Extra = extraFields(raw, knownFlowKeys)

	if nodesRaw, ok := raw["nodes"]; ok {
		var nodeDocs []json.RawMessage
		if err := json.Unmarshal(nodesRaw, &nodeDocs); err != nil {
			return nil, fmt.Errorf("flow document nodes: %w", err)
		}
		for _, nd := range nodeDocs {
			n, err := unmarshalNode(nd)
			if err != nil {
				return nil, err
			}
			if _, dup := f.Nodes[n.ID]; dup {
				return nil, fmt.Errorf("duplicate node_id %d", n.ID)
			}
			f.Nodes[n.ID] = n
		}
	}

	if edgesRaw, ok := raw["edges"]; ok {
		if err := json.Unmarshal(edgesRaw, &f.Edges); err != nil {
			return nil, fmt.Errorf("flow document edges: %w", err)
		}
	}
	return f, nil
}

func unmarshalNode(data json.RawMessage) (*Node, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("node document: %w", err)
	}
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("node document: %w", err)
	}
	if n.ID == 0 {
		return nil, fmt.Errorf("node_id must be positive")
	}
	if n.Kind == "" {
		return nil, fmt.Errorf("node %d: kind is required", n.ID)
	}
	if len(n.Settings) == 0 {
		n.Settings = json.RawMessage(`{}`)
	}
	n.Extra = extraFields(raw, knownNodeKeys)
	return &n, nil
}

func extraFields(raw map[string]json.RawMessage, known map[string]bool) map[string]any {
	var extra map[string]any
	for k, v := range raw {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = map[string]any{}
		}
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			extra[k] = val
		}
	}
	return extra
}

// SaveDocument writes the flow document to its configured path.
func SaveDocument(f *Flow, path string) error {
	data, err := MarshalDocument(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadDocument reads and parses a flow document from disk.
func LoadDocument(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := UnmarshalDocument(data)
	if err != nil {
		return nil, err
	}
	f.Path = path
	return f, nil
}
