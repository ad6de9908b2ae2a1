package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowfile/flowfile/internal/artifact"
	"github.com/flowfile/flowfile/internal/flow"
	"github.com/flowfile/flowfile/internal/hashutil"
	"github.com/flowfile/flowfile/internal/ipc"
	"github.com/flowfile/flowfile/internal/nodes"
	"github.com/flowfile/flowfile/internal/plan"
	"github.com/flowfile/flowfile/internal/table"
	"github.com/flowfile/flowfile/internal/workerclient"
)

// Options tunes the scheduler.
type Options struct {
	// Parallelism bounds concurrently running nodes. Defaults to NumCPU.
	Parallelism int
	// SampleRows caps source rows in Development mode.
	SampleRows int
	// PreviewRows bounds per-node preview capture.
	PreviewRows int
	// MemoryBudget caps a single task's estimated bytes. Zero disables.
	MemoryBudget int64
	// TaskTimeout bounds a single node's execution. Zero disables.
	TaskTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Parallelism <= 0 {
		out.Parallelism = runtime.NumCPU()
	}
	if out.SampleRows <= 0 {
		out.SampleRows = 10000
	}
	if out.PreviewRows <= 0 {
		out.PreviewRows = 1000
	}
	return out
}

// Runner schedules flow snapshots over the worker: topological dispatch with
// a bounded permit pool, content-addressed caching, and event publication.
type Runner struct {
	store    *flow.Store
	kinds    *nodes.Registry
	cache    *artifact.Cache
	client   *workerclient.Client
	registry *Registry
	deps     *nodes.BuildDeps
	opts     Options
	log      zerolog.Logger
}

func NewRunner(store *flow.Store, kinds *nodes.Registry, cache *artifact.Cache, client *workerclient.Client, registry *Registry, deps *nodes.BuildDeps, opts Options, log zerolog.Logger) *Runner {
	return &Runner{
		store:    store,
		kinds:    kinds,
		cache:    cache,
		client:   client,
		registry: registry,
		deps:     deps,
		opts:     opts.withDefaults(),
		log:      log.With().Str("component", "runner").Logger(),
	}
}

// Start registers a run, freezes the graph, and drives the run to completion
// in the background. A flow holding invalid nodes still yields a run; it
// fails fast with a validation record for the first invalid node.
func (r *Runner) Start(ctx context.Context, flowID uint64) (*Run, error) {
	snap, err := r.store.Snapshot(flowID)
	if err != nil {
		return nil, err
	}
	if _, err := snap.TopoSort(); err != nil {
		return nil, fmt.Errorf("flow %d: %w", flowID, err)
	}

	rn, runCtx, err := r.registry.Start(ctx, flowID, snap.Mode)
	if err != nil {
		return nil, err
	}
	if err := r.store.Freeze(flowID); err != nil {
		rn.finish(StateFailed)
		rn.bus.Close()
		return nil, err
	}

	if bad := firstInvalid(snap); bad != nil {
		go func() {
			defer r.store.Unfreeze(flowID)
			r.failFast(rn, bad)
		}()
		return rn, nil
	}

	go func() {
		defer r.store.Unfreeze(flowID)
		r.execute(runCtx, rn, snap)
	}()
	return rn, nil
}

// firstInvalid returns the invalid node with the lowest id, or nil.
func firstInvalid(snap *flow.Flow) *flow.Node {
	var bad *flow.Node
	for _, n := range snap.Nodes {
		if n.Status.Valid {
			continue
		}
		if bad == nil || n.ID < bad.ID {
			bad = n
		}
	}
	return bad
}

// failFast settles a run without dispatching anything: one validation
// failure for the offending node, then the terminal event.
func (r *Runner) failFast(rn *Run, bad *flow.Node) {
	rn.bus.Publish(Event{Type: EventRunStarted, RunID: rn.ID})
	msg := bad.Status.Error
	if msg == "" {
		msg = "node is not valid"
	}
	rn.SetNode(bad.ID, NodeResult{
		State:    NodeFailed,
		Error:    msg,
		ErrClass: ErrClassValidation,
	})
	rn.bus.Publish(Event{
		Type: EventNodeFinished, RunID: rn.ID, NodeID: bad.ID,
		State: string(NodeFailed), Error: msg, ErrClass: string(ErrClassValidation),
	})
	rn.finish(StateFailed)
	rn.bus.Publish(Event{Type: EventRunFinished, RunID: rn.ID, State: string(StateFailed)})
	rn.bus.Close()
	r.log.Info().Str("run_id", rn.ID).Uint64("node_id", bad.ID).Str("error", msg).Msg("run failed validation")
}

type completion struct {
	nodeID uint64
	state  NodeState
}

// execute is the run's main loop: dispatch ready nodes up to the permit
// limit, absorb completions, and settle the terminal state.
func (r *Runner) execute(ctx context.Context, rn *Run, snap *flow.Flow) {
	log := r.log.With().Str("run_id", rn.ID).Uint64("flow_id", rn.FlowID).Logger()
	started := time.Now()
	rn.bus.Publish(Event{Type: EventRunStarted, RunID: rn.ID})

	states := make(map[uint64]NodeState, len(snap.Nodes))
	artifacts := make(map[uint64]artifact.Ref, len(snap.Nodes))
	for id := range snap.Nodes {
		states[id] = NodePending
		rn.SetNode(id, NodeResult{State: NodePending})
	}

	sampleRows := 0
	if rn.Mode == flow.ModeDevelopment {
		sampleRows = r.opts.SampleRows
	}

	permits := make(chan struct{}, r.opts.Parallelism)
	// Buffered so a finishing node never blocks behind the dispatch loop's
	// own permit wait.
	done := make(chan completion, len(snap.Nodes))
	running := 0

	ready := func(id uint64) bool {
		if states[id] != NodePending {
			return false
		}
		for _, up := range snap.Upstream(id) {
			if !states[up].Completed() {
				return false
			}
		}
		return true
	}

	dispatch := func() {
		if ctx.Err() != nil {
			return
		}
		order, _ := snap.TopoSort()
		for _, id := range order {
			if !ready(id) {
				continue
			}
			select {
			case permits <- struct{}{}:
			case <-ctx.Done():
				return
			}
			states[id] = NodeRunning
			running++
			go func(id uint64) {
				defer func() { <-permits }()
				state := r.runNode(ctx, rn, snap, id, artifacts, sampleRows)
				done <- completion{nodeID: id, state: state}
			}(id)
		}
	}

	dispatch()
	for running > 0 {
		c := <-done
		running--
		states[c.nodeID] = c.state
		if res, ok := rn.Node(c.nodeID); ok {
			artifacts[c.nodeID] = res.Artifact
		}
		if c.state == NodeFailed || c.state == NodeCancelled {
			// Unreached descendants are skipped, not failed; independent
			// branches keep running.
			for _, down := range snap.Downstream(c.nodeID) {
				if states[down] == NodePending {
					states[down] = NodeSkipped
					rn.SetNode(down, NodeResult{State: NodeSkipped})
					rn.bus.Publish(Event{
						Type: EventNodeFinished, RunID: rn.ID, NodeID: down,
						State: string(NodeSkipped),
					})
				}
			}
		}
		dispatch()
	}

	// Nodes never dispatched (cancellation stopped the loop) still reach a
	// terminal state and emit their completion event.
	order, _ := snap.TopoSort()
	for _, id := range order {
		if states[id] != NodePending && states[id] != NodeReady {
			continue
		}
		states[id] = NodeSkipped
		rn.SetNode(id, NodeResult{State: NodeSkipped})
		rn.bus.Publish(Event{
			Type: EventNodeFinished, RunID: rn.ID, NodeID: id,
			State: string(NodeSkipped),
		})
	}

	state := StateSuccess
	for _, s := range states {
		switch s {
		case NodeFailed:
			state = StateFailed
		case NodeCancelled, NodePending, NodeSkipped:
			if state != StateFailed && (s == NodeCancelled || ctx.Err() != nil) {
				state = StateCancelled
			}
		}
	}
	if ctx.Err() != nil && state == StateSuccess {
		state = StateCancelled
	}
	rn.finish(state)
	rn.bus.Publish(Event{Type: EventRunFinished, RunID: rn.ID, State: string(state)})
	rn.bus.Close()
	log.Info().Str("state", string(state)).Dur("elapsed", time.Since(started)).Msg("run finished")
}

// runNode executes one node: cache probe first, worker dispatch on miss.
func (r *Runner) runNode(ctx context.Context, rn *Run, snap *flow.Flow, nodeID uint64, artifacts map[uint64]artifact.Ref, sampleRows int) NodeState {
	node := snap.Nodes[nodeID]
	started := time.Now()

	incoming := snap.Incoming(nodeID)
	inputs := make([]plan.InputRef, len(incoming))
	upstream := make([]string, len(incoming))
	for i, e := range incoming {
		ref := artifacts[e.FromNode]
		inputs[i] = plan.InputRef{Port: e.ToPort, Artifact: ref}
		upstream[i] = ref.Hash
	}
	// Sampled runs must not share cache entries with full runs.
	settingsHash := node.Status.SettingsHash
	if sampleRows > 0 {
		settingsHash = hashutil.HashBytes([]byte(fmt.Sprintf("%s:sample=%d", settingsHash, sampleRows)))
	}
	eff := hashutil.EffectiveHash(settingsHash, upstream)

	rn.SetNode(nodeID, NodeResult{State: NodeRunning})
	rn.bus.Publish(Event{Type: EventNodeStarted, RunID: rn.ID, NodeID: nodeID})

	if ref, err := r.cache.Lookup(eff); err == nil {
		res := NodeResult{
			State:     NodeCached,
			Artifact:  ref,
			Rows:      ref.Rows,
			ElapsedMs: time.Since(started).Milliseconds(),
		}
		res.Preview = r.capturePreview(rn.Mode, ref)
		rn.SetNode(nodeID, res)
		rn.bus.Publish(Event{
			Type: EventNodeFinished, RunID: rn.ID, NodeID: nodeID,
			State: string(NodeCached), Cached: true, Rows: ref.Rows,
		})
		return NodeCached
	}

	op, err := r.kinds.BuildOp(node.Kind, node.Settings, r.deps)
	if err != nil {
		return r.failNode(rn, nodeID, started, ErrClassValidation, fmt.Errorf("plan: %w", err))
	}
	opRaw, err := plan.EncodeOp(op)
	if err != nil {
		return r.failNode(rn, nodeID, started, ErrClassValidation, fmt.Errorf("plan: %w", err))
	}
	artifactPath := r.cache.PathFor(eff)
	if err := os.MkdirAll(filepath.Dir(artifactPath), 0o755); err != nil {
		return r.failNode(rn, nodeID, started, ErrClassExecution, err)
	}

	taskID := uuid.NewString()
	p := &plan.Plan{
		TaskID:       taskID,
		FlowID:       rn.FlowID,
		NodeID:       nodeID,
		Kind:         node.Kind,
		OpRaw:        opRaw,
		Inputs:       inputs,
		ArtifactPath: artifactPath,
		ArtifactHash: eff,
		SampleRows:   sampleRows,
		MemoryBudget: r.opts.MemoryBudget,
		TimeoutSec:   int(r.opts.TaskTimeout / time.Second),
	}

	handlers := workerclient.Handlers{
		OnProgress: func(msg ipc.ProgressMsg) {
			rn.bus.Publish(Event{
				Type: EventNodeProgress, RunID: rn.ID, NodeID: nodeID, TaskID: taskID,
				Fraction: msg.Fraction, Rows: msg.Rows, Stage: msg.Stage,
			})
		},
		OnLog: func(msg ipc.LogMsg) {
			rn.bus.Publish(Event{
				Type: EventNodeLog, RunID: rn.ID, NodeID: nodeID, TaskID: taskID,
				Level: msg.Level, Message: msg.Message,
			})
		},
	}

	ref, err := r.client.Submit(ctx, p, handlers)
	if err != nil {
		if errors.Is(err, workerclient.ErrCancelled) || errors.Is(err, context.Canceled) {
			rn.SetNode(nodeID, NodeResult{
				State:     NodeCancelled,
				ErrClass:  ErrClassCancelled,
				ElapsedMs: time.Since(started).Milliseconds(),
			})
			rn.bus.Publish(Event{
				Type: EventNodeFinished, RunID: rn.ID, NodeID: nodeID, TaskID: taskID,
				State: string(NodeCancelled), ErrClass: string(ErrClassCancelled),
			})
			return NodeCancelled
		}
		class := ErrClassExecution
		if errors.Is(err, workerclient.ErrWorkerLost) {
			class = ErrClassWorkerLost
		}
		return r.failNode(rn, nodeID, started, class, err)
	}

	if err := r.cache.Put(eff, ref); err != nil {
		r.log.Warn().Str("hash", eff).Err(err).Msg("artifact registration failed")
	}
	if node.CacheResults {
		r.cache.Pin(eff, rn.FlowID)
	}
	res := NodeResult{
		State:     NodeSuccess,
		Artifact:  ref,
		Rows:      ref.Rows,
		ElapsedMs: time.Since(started).Milliseconds(),
	}
	res.Preview = r.capturePreview(rn.Mode, ref)
	rn.SetNode(nodeID, res)
	rn.bus.Publish(Event{
		Type: EventNodeFinished, RunID: rn.ID, NodeID: nodeID, TaskID: taskID,
		State: string(NodeSuccess), Rows: ref.Rows,
	})
	return NodeSuccess
}

func (r *Runner) failNode(rn *Run, nodeID uint64, started time.Time, class ErrClass, err error) NodeState {
	rn.SetNode(nodeID, NodeResult{
		State:     NodeFailed,
		Error:     err.Error(),
		ErrClass:  class,
		ElapsedMs: time.Since(started).Milliseconds(),
	})
	rn.bus.Publish(Event{
		Type: EventNodeFinished, RunID: rn.ID, NodeID: nodeID,
		State: string(NodeFailed), Error: err.Error(), ErrClass: string(class),
	})
	return NodeFailed
}

// capturePreview loads the leading preview slice in Development mode.
func (r *Runner) capturePreview(mode flow.ExecutionMode, ref artifact.Ref) *Preview {
	if mode != flow.ModeDevelopment {
		return nil
	}
	t, err := table.ReadArtifact(ref, r.opts.PreviewRows)
	if err != nil {
		r.log.Warn().Str("hash", ref.Hash).Err(err).Msg("preview capture failed")
		return nil
	}
	return &Preview{Schema: t.Schema(), Rows: t.Rows()}
}
