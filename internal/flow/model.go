// Package flow holds the in-memory graph model: flows, nodes, edges, derived
// schemas, and the store that keeps them consistent under mutation.
package flow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowfile/flowfile/internal/schema"
)

// ExecutionMode selects how a run treats source data.
type ExecutionMode string

const (
	// ModeDevelopment samples sources and captures previews.
	ModeDevelopment ExecutionMode = "Development"
	// ModePerformance runs full inputs without preview capture.
	ModePerformance ExecutionMode = "Performance"
)

func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev", "":
		return ModeDevelopment, nil
	case "performance", "perf":
		return ModePerformance, nil
	default:
		return "", fmt.Errorf("invalid execution mode %q", s)
	}
}

// Position is presentational only but preserved on round-trip.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one vertex of a flow graph.
type Node struct {
	ID           uint64          `json:"node_id"`
	Kind         string          `json:"kind"`
	Position     Position        `json:"position"`
	CacheResults bool            `json:"cache_results"`
	Description  string          `json:"description"`
	IsSetup      bool            `json:"is_setup"`
	Settings     json.RawMessage `json:"settings,omitempty"`

	// Extra preserves unknown document fields for forward compatibility.
	Extra map[string]any `json:"-"`

	// Status is derived by validation; not part of the document.
	Status NodeStatus `json:"-"`
}

// NodeStatus is the derived validation state of a node.
type NodeStatus struct {
	Valid   bool
	Unknown bool // an ancestor failed validation; schema cannot be derived
	Error   string
	// CauseNode is the ancestor whose failure made this node Unknown.
	CauseNode uint64
	// Outputs holds one schema per output port.
	Outputs []schema.Schema
	// SettingsHash is the canonical fingerprint of (kind, settings).
	SettingsHash string
}

// Edge connects an output port of one node to an input port of another.
type Edge struct {
	FromNode uint64 `json:"from_node"`
	FromPort string `json:"from_port"`
	ToNode   uint64 `json:"to_node"`
	ToPort   string `json:"to_port"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%d:%s -> %d:%s", e.FromNode, e.FromPort, e.ToNode, e.ToPort)
}

// PortIndex parses the numeric suffix of an "input-N" or "output-N" label.
func PortIndex(port string) (int, error) {
	i := strings.LastIndexByte(port, '-')
	if i < 0 {
		return 0, fmt.Errorf("invalid port label %q", port)
	}
	prefix := port[:i]
	if prefix != "input" && prefix != "output" {
		return 0, fmt.Errorf("invalid port label %q", port)
	}
	n, err := strconv.Atoi(port[i+1:])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid port label %q", port)
	}
	return n, nil
}

func InputPort(n int) string  { return fmt.Sprintf("input-%d", n) }
func OutputPort(n int) string { return fmt.Sprintf("output-%d", n) }

// Flow owns its nodes and edges. Access goes through the Store, which
// serializes mutations per flow.
type Flow struct {
	ID    uint64
	Name  string
	Path  string
	Mode  ExecutionMode
	Nodes map[uint64]*Node
	Edges []Edge

	// Extra preserves unknown top-level document fields.
	Extra map[string]any
}

func NewFlow(id uint64, name string) *Flow {
	return &Flow{
		ID:    id,
		Name:  name,
		Mode:  ModeDevelopment,
		Nodes: map[uint64]*Node{},
	}
}

// Clone deep-copies the flow for use as a frozen run snapshot.
func (f *Flow) Clone() *Flow {
	out := &Flow{
		ID:    f.ID,
		Name:  f.Name,
		Path:  f.Path,
		Mode:  f.Mode,
		Nodes: make(map[uint64]*Node, len(f.Nodes)),
		Edges: append([]Edge(nil), f.Edges...),
	}
	for id, n := range f.Nodes {
		cp := *n
		cp.Settings = append(json.RawMessage(nil), n.Settings...)
		if n.Status.Outputs != nil {
			cp.Status.Outputs = make([]schema.Schema, len(n.Status.Outputs))
			for i, s := range n.Status.Outputs {
				cp.Status.Outputs[i] = s.Clone()
			}
		}
		out.Nodes[id] = &cp
	}
	return out
}

// Incoming returns the edges ending at node id, sorted by input port index.
func (f *Flow) Incoming(id uint64) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.ToNode == id {
			out = append(out, e)
		}
	}
	sortEdgesByToPort(out)
	return out
}

// Outgoing returns the edges starting at node id.
func (f *Flow) Outgoing(id uint64) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.FromNode == id {
			out = append(out, e)
		}
	}
	return out
}

func sortEdgesByToPort(edges []Edge) {
	for i := 1; i < len(edges); i++ {
		for j := i; j > 0; j-- {
			a, _ := PortIndex(edges[j-1].ToPort)
			b, _ := PortIndex(edges[j].ToPort)
			if b < a {
				edges[j-1], edges[j] = edges[j], edges[j-1]
			} else {
				break
			}
		}
	}
}
