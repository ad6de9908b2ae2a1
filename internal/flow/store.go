package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/flowfile/flowfile/internal/hashutil"
	"github.com/flowfile/flowfile/internal/schema"
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrNodeNotFound = errors.New("node not found")
	ErrFlowBusy     = errors.New("flow has an active run")
	ErrCycle        = errors.New("edge would create a cycle")
	ErrPortTaken    = errors.New("input port already connected")
)

// KindShape describes a node kind's connectivity.
type KindShape struct {
	// Inputs is the number of input ports. Ignored when Variadic.
	Inputs int
	// Variadic kinds (union) accept any number >= 1 of inputs.
	Variadic bool
	Outputs  int
}

// KindResolver is implemented by the node library. Validation is purely
// functional over (settings, input schemas).
type KindResolver interface {
	Shape(kind string) (KindShape, error)
	Validate(kind string, settings json.RawMessage, inputs []schema.Schema) ([]schema.Schema, error)
}

type flowEntry struct {
	mu     sync.RWMutex
	flow   *Flow
	frozen bool // true while a run is active; mutations are rejected
}

// Store is the in-memory repository of flows. Mutations are serialized per
// flow; schema propagation runs eagerly on every successful edit.
type Store struct {
	mu     sync.RWMutex
	flows  map[uint64]*flowEntry
	nextID uint64

	kinds KindResolver
	log   zerolog.Logger
}

func NewStore(kinds KindResolver, log zerolog.Logger) *Store {
	return &Store{
		flows: map[uint64]*flowEntry{},
		kinds: kinds,
		log:   log.With().Str("component", "flowstore").Logger(),
	}
}

func (s *Store) entry(flowID uint64) (*flowEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrFlowNotFound, flowID)
	}
	return e, nil
}

// CreateFlow registers an empty flow and returns its id.
func (s *Store) CreateFlow(name, path string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	f := NewFlow(id, name)
	f.Path = path
	s.flows[id] = &flowEntry{flow: f}
	s.log.Info().Uint64("flow_id", id).Str("name", name).Msg("flow created")
	return id
}

// PublishFlow registers a deserialized flow after validating its invariants.
// Used by flow/load; fails if the id is taken.
func (s *Store) PublishFlow(f *Flow) error {
	if _, err := f.TopoSort(); err != nil {
		return err
	}
	if err := checkEdgeInvariants(f); err != nil {
		return err
	}
	s.mu.Lock()
	if _, exists := s.flows[f.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("flow %d already exists", f.ID)
	}
	if f.ID > s.nextID {
		s.nextID = f.ID
	}
	e := &flowEntry{flow: f}
	s.flows[f.ID] = e
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	s.propagateAll(f)
	return nil
}

func checkEdgeInvariants(f *Flow) error {
	taken := map[string]bool{}
	for _, e := range f.Edges {
		if _, ok := f.Nodes[e.FromNode]; !ok {
			return fmt.Errorf("edge %s: %w", e, ErrNodeNotFound)
		}
		if _, ok := f.Nodes[e.ToNode]; !ok {
			return fmt.Errorf("edge %s: %w", e, ErrNodeNotFound)
		}
		if _, err := PortIndex(e.FromPort); err != nil {
			return err
		}
		if _, err := PortIndex(e.ToPort); err != nil {
			return err
		}
		key := fmt.Sprintf("%d/%s", e.ToNode, e.ToPort)
		if taken[key] {
			return fmt.Errorf("%w: %s", ErrPortTaken, key)
		}
		taken[key] = true
	}
	return nil
}

// DeleteFlow disposes a flow. Fails while a run is active.
func (s *Store) DeleteFlow(flowID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.flows[flowID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrFlowNotFound, flowID)
	}
	e.mu.Lock()
	frozen := e.frozen
	e.mu.Unlock()
	if frozen {
		return ErrFlowBusy
	}
	delete(s.flows, flowID)
	return nil
}

// ListFlows returns all flow ids.
func (s *Store) ListFlows() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, 0, len(s.flows))
	for id := range s.flows {
		out = append(out, id)
	}
	return out
}

// View runs fn with the flow under its read lock.
func (s *Store) View(flowID uint64, fn func(*Flow) error) error {
	e, err := s.entry(flowID)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(e.flow)
}

// Snapshot returns a deep copy of the flow for use by a run.
func (s *Store) Snapshot(flowID uint64) (*Flow, error) {
	e, err := s.entry(flowID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flow.Clone(), nil
}

// Freeze marks the flow read-only for the duration of a run. Returns
// ErrFlowBusy if already frozen.
func (s *Store) Freeze(flowID uint64) error {
	e, err := s.entry(flowID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		return ErrFlowBusy
	}
	e.frozen = true
	return nil
}

// Unfreeze lifts the read-only marker after a run terminates.
func (s *Store) Unfreeze(flowID uint64) {
	e, err := s.entry(flowID)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.frozen = false
	e.mu.Unlock()
}

func (s *Store) mutate(flowID uint64, fn func(*Flow) error) error {
	e, err := s.entry(flowID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		return ErrFlowBusy
	}
	return fn(e.flow)
}

// AddNode inserts a node of the given kind. The node starts unconfigured.
func (s *Store) AddNode(flowID, nodeID uint64, kind string, pos Position) error {
	if nodeID == 0 {
		return fmt.Errorf("node_id must be positive")
	}
	if _, err := s.kinds.Shape(kind); err != nil {
		return err
	}
	return s.mutate(flowID, func(f *Flow) error {
		if _, exists := f.Nodes[nodeID]; exists {
			return fmt.Errorf("node %d already exists", nodeID)
		}
		f.Nodes[nodeID] = &Node{
			ID:       nodeID,
			Kind:     kind,
			Position: pos,
			Settings: json.RawMessage(`{}`),
		}
		s.propagateFrom(f, nodeID)
		return nil
	})
}

// DeleteNode removes a node and all edges touching it.
func (s *Store) DeleteNode(flowID, nodeID uint64) error {
	return s.mutate(flowID, func(f *Flow) error {
		if _, ok := f.Nodes[nodeID]; !ok {
			return fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
		}
		downstream := f.Downstream(nodeID)
		delete(f.Nodes, nodeID)
		kept := f.Edges[:0]
		for _, e := range f.Edges {
			if e.FromNode != nodeID && e.ToNode != nodeID {
				kept = append(kept, e)
			}
		}
		f.Edges = kept
		for _, id := range downstream {
			s.validateNode(f, id)
		}
		return nil
	})
}

// AddEdge connects two nodes. Rejects cycles and double-connected input ports.
func (s *Store) AddEdge(flowID uint64, edge Edge) error {
	if _, err := PortIndex(edge.FromPort); err != nil {
		return err
	}
	if _, err := PortIndex(edge.ToPort); err != nil {
		return err
	}
	return s.mutate(flowID, func(f *Flow) error {
		if _, ok := f.Nodes[edge.FromNode]; !ok {
			return fmt.Errorf("%w: %d", ErrNodeNotFound, edge.FromNode)
		}
		if _, ok := f.Nodes[edge.ToNode]; !ok {
			return fmt.Errorf("%w: %d", ErrNodeNotFound, edge.ToNode)
		}
		for _, e := range f.Edges {
			if e.ToNode == edge.ToNode && e.ToPort == edge.ToPort {
				return fmt.Errorf("%w: %d/%s", ErrPortTaken, edge.ToNode, edge.ToPort)
			}
		}
		if f.WouldCycle(edge.FromNode, edge.ToNode) {
			return ErrCycle
		}
		f.Edges = append(f.Edges, edge)
		s.propagateFrom(f, edge.ToNode)
		return nil
	})
}

// DeleteEdge removes a connection and re-propagates the downstream closure.
func (s *Store) DeleteEdge(flowID uint64, edge Edge) error {
	return s.mutate(flowID, func(f *Flow) error {
		for i, e := range f.Edges {
			if e == edge {
				f.Edges = append(f.Edges[:i], f.Edges[i+1:]...)
				s.propagateFrom(f, edge.ToNode)
				return nil
			}
		}
		return fmt.Errorf("edge %s not found", edge)
	})
}

// UpdateSettings replaces a node's settings record. kind must match the
// node's registered kind.
func (s *Store) UpdateSettings(flowID, nodeID uint64, kind string, settings json.RawMessage) error {
	return s.mutate(flowID, func(f *Flow) error {
		n, ok := f.Nodes[nodeID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
		}
		if kind != "" && kind != n.Kind {
			return fmt.Errorf("settings kind %q does not match node kind %q", kind, n.Kind)
		}
		n.Settings = append(json.RawMessage(nil), settings...)
		n.IsSetup = true
		s.propagateFrom(f, nodeID)
		return nil
	})
}

// UpdateNodeMeta updates the presentational and caching fields of a node.
func (s *Store) UpdateNodeMeta(flowID, nodeID uint64, pos *Position, cacheResults *bool, description *string) error {
	return s.mutate(flowID, func(f *Flow) error {
		n, ok := f.Nodes[nodeID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
		}
		if pos != nil {
			n.Position = *pos
		}
		if cacheResults != nil {
			n.CacheResults = *cacheResults
		}
		if description != nil {
			n.Description = *description
		}
		return nil
	})
}

// SetExecutionMode switches the flow between Development and Performance.
func (s *Store) SetExecutionMode(flowID uint64, mode ExecutionMode) error {
	return s.mutate(flowID, func(f *Flow) error {
		f.Mode = mode
		return nil
	})
}

// propagateFrom re-validates nodeID and its downstream transitive closure in
// topological order.
func (s *Store) propagateFrom(f *Flow, nodeID uint64) {
	s.validateNode(f, nodeID)
	for _, id := range f.Downstream(nodeID) {
		s.validateNode(f, id)
	}
}

func (s *Store) propagateAll(f *Flow) {
	order, err := f.TopoSort()
	if err != nil {
		return
	}
	for _, id := range order {
		s.validateNode(f, id)
	}
}

// validateNode recomputes one node's status from its settings and the derived
// schemas of its connected inputs.
func (s *Store) validateNode(f *Flow, nodeID uint64) {
	n, ok := f.Nodes[nodeID]
	if !ok {
		return
	}
	n.Status = NodeStatus{}

	hash, err := hashutil.SettingsHash(n.Kind, n.Settings)
	if err != nil {
		n.Status.Error = fmt.Sprintf("settings not canonicalizable: %v", err)
		return
	}
	n.Status.SettingsHash = hash

	shape, err := s.kinds.Shape(n.Kind)
	if err != nil {
		n.Status.Error = err.Error()
		return
	}

	inputs, status := s.resolveInputs(f, n, shape)
	if status != nil {
		status.SettingsHash = hash
		n.Status = *status
		return
	}

	outputs, err := s.kinds.Validate(n.Kind, n.Settings, inputs)
	if err != nil {
		n.Status.Error = err.Error()
		return
	}
	n.Status.Valid = true
	n.Status.Outputs = outputs
}

// resolveInputs gathers input schemas in port order. A nil status return means
// validation may proceed; otherwise the returned status is terminal (missing
// connection or unknown ancestor).
func (s *Store) resolveInputs(f *Flow, n *Node, shape KindShape) ([]schema.Schema, *NodeStatus) {
	incoming := f.Incoming(n.ID)
	if !shape.Variadic {
		if len(incoming) < shape.Inputs {
			return nil, &NodeStatus{Error: fmt.Sprintf("requires %d connected input(s), have %d", shape.Inputs, len(incoming))}
		}
	} else if len(incoming) == 0 {
		return nil, &NodeStatus{Error: "requires at least one connected input"}
	}

	inputs := make([]schema.Schema, 0, len(incoming))
	for _, e := range incoming {
		up, ok := f.Nodes[e.FromNode]
		if !ok {
			return nil, &NodeStatus{Error: fmt.Sprintf("upstream node %d missing", e.FromNode)}
		}
		if !up.Status.Valid {
			cause := up.ID
			msg := up.Status.Error
			if up.Status.Unknown {
				cause = up.Status.CauseNode
			}
			return nil, &NodeStatus{
				Unknown:   true,
				CauseNode: cause,
				Error:     fmt.Sprintf("upstream node %d: %s", cause, msg),
			}
		}
		idx, err := PortIndex(e.FromPort)
		if err != nil || idx >= len(up.Status.Outputs) {
			return nil, &NodeStatus{Error: fmt.Sprintf("upstream node %d has no output port %s", e.FromNode, e.FromPort)}
		}
		inputs = append(inputs, up.Status.Outputs[idx])
	}
	return inputs, nil
}
