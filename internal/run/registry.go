package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/flowfile/flowfile/internal/artifact"
	"github.com/flowfile/flowfile/internal/flow"
	"github.com/flowfile/flowfile/internal/schema"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunActive   = errors.New("flow already has an active run")
)

// State is a run's lifecycle state.
type State string

const (
	StateRunning   State = "Running"
	StateSuccess   State = "Success"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

func (s State) Terminal() bool { return s != StateRunning }

// NodeState tracks one node through a run.
type NodeState string

const (
	NodePending   NodeState = "Pending"
	NodeReady     NodeState = "Ready"
	NodeRunning   NodeState = "Running"
	NodeSuccess   NodeState = "Success"
	NodeCached    NodeState = "Cached"
	NodeFailed    NodeState = "Failed"
	NodeCancelled NodeState = "Cancelled"
	NodeSkipped   NodeState = "Skipped"
)

func (s NodeState) Completed() bool { return s == NodeSuccess || s == NodeCached }

// Preview is the leading slice of a node's materialized output.
type Preview struct {
	Schema schema.Schema `json:"schema"`
	Rows   [][]any       `json:"rows"`
}

// ErrClass labels a node failure for callers. Classes, not error types:
// recovery policy keys off the class, the message stays free-form.
type ErrClass string

const (
	ErrClassValidation ErrClass = "validation"
	ErrClassExecution  ErrClass = "execution"
	ErrClassWorkerLost ErrClass = "worker-lost"
	ErrClassCancelled  ErrClass = "cancelled"
)

// NodeResult is the per-node outcome of a run.
type NodeResult struct {
	State     NodeState    `json:"state"`
	Error     string       `json:"error,omitempty"`
	ErrClass  ErrClass     `json:"error_class,omitempty"`
	Artifact  artifact.Ref `json:"artifact,omitempty"`
	Rows      int64        `json:"rows"`
	ElapsedMs int64        `json:"elapsed_ms"`
	Preview   *Preview     `json:"-"`
}

// Run is one execution of a flow.
type Run struct {
	ID        string
	FlowID    uint64
	Mode      flow.ExecutionMode
	StartedAt time.Time

	bus    *Bus
	cancel context.CancelFunc

	mu         sync.RWMutex
	state      State
	finishedAt time.Time
	nodes      map[uint64]*NodeResult
}

func (r *Run) Bus() *Bus { return r.bus }

func (r *Run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SetNode records a node's result and publishes nothing; event publication is
// the scheduler's job so ordering stays with the run loop.
func (r *Run) SetNode(nodeID uint64, res NodeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[nodeID] = &res
}

// Node returns a copy of the node's result.
func (r *Run) Node(nodeID uint64) (NodeResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.nodes[nodeID]
	if !ok {
		return NodeResult{}, false
	}
	return *res, true
}

// Snapshot is the wire form of a run's status.
type Snapshot struct {
	RunID      string                 `json:"run_id"`
	FlowID     uint64                 `json:"flow_id"`
	Mode       flow.ExecutionMode     `json:"mode"`
	State      State                  `json:"state"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Nodes      map[uint64]*NodeResult `json:"nodes"`
	// LogTail is the most recent log events, newest last.
	LogTail []Event `json:"log_tail"`
}

const logTailLen = 50

// Status assembles a point-in-time snapshot.
func (r *Run) Status() Snapshot {
	r.mu.RLock()
	nodes := make(map[uint64]*NodeResult, len(r.nodes))
	for id, res := range r.nodes {
		cp := *res
		nodes[id] = &cp
	}
	snap := Snapshot{
		RunID:     r.ID,
		FlowID:    r.FlowID,
		Mode:      r.Mode,
		State:     r.state,
		StartedAt: r.StartedAt,
		Nodes:     nodes,
	}
	if r.state.Terminal() {
		t := r.finishedAt
		snap.FinishedAt = &t
	}
	r.mu.RUnlock()

	for _, ev := range r.bus.History() {
		if ev.Type == EventNodeLog {
			snap.LogTail = append(snap.LogTail, ev)
		}
	}
	if len(snap.LogTail) > logTailLen {
		snap.LogTail = snap.LogTail[len(snap.LogTail)-logTailLen:]
	}
	return snap
}

func (r *Run) finish(state State) {
	r.mu.Lock()
	r.state = state
	r.finishedAt = time.Now()
	r.mu.Unlock()
}

// Registry tracks runs by id and enforces one active run per flow. Terminal
// runs are retained until superseded or until the TTL elapses.
type Registry struct {
	ttl time.Duration
	log zerolog.Logger

	mu     sync.Mutex
	runs   map[string]*Run
	byFlow map[uint64]*Run // latest run per flow
}

func NewRegistry(ttl time.Duration, log zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Registry{
		ttl:    ttl,
		log:    log.With().Str("component", "run-registry").Logger(),
		runs:   map[string]*Run{},
		byFlow: map[uint64]*Run{},
	}
}

// Start atomically registers a new run for the flow. A previous terminal run
// on the same flow is superseded; an active one rejects the start.
func (g *Registry) Start(ctx context.Context, flowID uint64, mode flow.ExecutionMode) (*Run, context.Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.byFlow[flowID]; ok {
		if !prev.State().Terminal() {
			return nil, nil, fmt.Errorf("%w: flow %d", ErrRunActive, flowID)
		}
		delete(g.runs, prev.ID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		ID:        ulid.Make().String(),
		FlowID:    flowID,
		Mode:      mode,
		StartedAt: time.Now(),
		bus:       NewBus(),
		cancel:    cancel,
		state:     StateRunning,
		nodes:     map[uint64]*NodeResult{},
	}
	g.runs[r.ID] = r
	g.byFlow[flowID] = r
	g.log.Info().Str("run_id", r.ID).Uint64("flow_id", flowID).Str("mode", string(mode)).Msg("run registered")
	return r, runCtx, nil
}

// Get resolves a run id.
func (g *Registry) Get(runID string) (*Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// ActiveForFlow returns the flow's current run, if any.
func (g *Registry) ActiveForFlow(flowID uint64) (*Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.byFlow[flowID]
	return r, ok
}

// Cancel fires the run's cancellation token. Idempotent; cancelling a
// terminal run is a no-op.
func (g *Registry) Cancel(runID string) error {
	r, err := g.Get(runID)
	if err != nil {
		return err
	}
	r.cancel()
	return nil
}

// Sweep drops terminal runs older than the TTL. Called periodically.
func (g *Registry) Sweep() {
	cutoff := time.Now().Add(-g.ttl)
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, r := range g.runs {
		r.mu.RLock()
		expired := r.state.Terminal() && r.finishedAt.Before(cutoff)
		r.mu.RUnlock()
		if expired {
			delete(g.runs, id)
			if g.byFlow[r.FlowID] == r {
				delete(g.byFlow, r.FlowID)
			}
			g.log.Debug().Str("run_id", id).Msg("expired terminal run")
		}
	}
}

// SweepLoop runs Sweep once a minute until the context ends.
func (g *Registry) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}
