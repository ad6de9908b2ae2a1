package run

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfile/flowfile/internal/flow"
)

func newTestRegistry(ttl time.Duration) *Registry {
	return NewRegistry(ttl, zerolog.Nop())
}

func TestRegistryStartAndGet(t *testing.T) {
	g := newTestRegistry(time.Hour)
	r, ctx, err := g.Start(context.Background(), 1, flow.ModeDevelopment)
	if err != nil {
		t.Fatal(err)
	}
	if r.State() != StateRunning {
		t.Fatalf("state = %s", r.State())
	}
	if ctx.Err() != nil {
		t.Fatal("run context should be live")
	}

	got, err := g.Get(r.ID)
	if err != nil || got != r {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := g.Get("01ZZZZZZZZZZZZZZZZZZZZZZZZ"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("want ErrRunNotFound, got %v", err)
	}

	active, ok := g.ActiveForFlow(1)
	if !ok || active != r {
		t.Fatal("ActiveForFlow should return the run")
	}
}

func TestRegistryRejectsSecondActiveRun(t *testing.T) {
	g := newTestRegistry(time.Hour)
	r1, _, err := g.Start(context.Background(), 1, flow.ModeDevelopment)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := g.Start(context.Background(), 1, flow.ModeDevelopment); !errors.Is(err, ErrRunActive) {
		t.Fatalf("want ErrRunActive, got %v", err)
	}
	// A different flow is unaffected.
	if _, _, err := g.Start(context.Background(), 2, flow.ModeDevelopment); err != nil {
		t.Fatal(err)
	}

	// Once terminal, the flow accepts a new run and the old id is dropped.
	r1.finish(StateSuccess)
	r2, _, err := g.Start(context.Background(), 1, flow.ModePerformance)
	if err != nil {
		t.Fatal(err)
	}
	if r2.ID == r1.ID {
		t.Fatal("new run must have a fresh id")
	}
	if _, err := g.Get(r1.ID); !errors.Is(err, ErrRunNotFound) {
		t.Fatal("superseded run should be forgotten")
	}
}

func TestRegistryCancel(t *testing.T) {
	g := newTestRegistry(time.Hour)
	r, ctx, err := g.Start(context.Background(), 1, flow.ModeDevelopment)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Cancel(r.ID); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not fire the run context")
	}
	// Idempotent.
	if err := g.Cancel(r.ID); err != nil {
		t.Fatal(err)
	}
	if err := g.Cancel("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("want ErrRunNotFound, got %v", err)
	}
}

func TestRegistrySweep(t *testing.T) {
	g := newTestRegistry(time.Millisecond)
	r, _, err := g.Start(context.Background(), 1, flow.ModeDevelopment)
	if err != nil {
		t.Fatal(err)
	}

	// Active runs are never swept, however old.
	g.Sweep()
	if _, err := g.Get(r.ID); err != nil {
		t.Fatal("active run swept")
	}

	r.finish(StateFailed)
	time.Sleep(5 * time.Millisecond)
	g.Sweep()
	if _, err := g.Get(r.ID); !errors.Is(err, ErrRunNotFound) {
		t.Fatal("expired terminal run should be swept")
	}
	if _, ok := g.ActiveForFlow(1); ok {
		t.Fatal("byFlow entry should be gone")
	}
}

func TestRunStatusSnapshot(t *testing.T) {
	g := newTestRegistry(time.Hour)
	r, _, err := g.Start(context.Background(), 7, flow.ModeDevelopment)
	if err != nil {
		t.Fatal(err)
	}
	r.SetNode(1, NodeResult{State: NodeSuccess, Rows: 10})
	r.bus.Publish(Event{Type: EventNodeLog, RunID: r.ID, NodeID: 1, Message: "reading"})
	r.bus.Publish(Event{Type: EventNodeProgress, RunID: r.ID, NodeID: 1, Fraction: 1})

	snap := r.Status()
	if snap.State != StateRunning || snap.FinishedAt != nil {
		t.Fatalf("snapshot of active run: %+v", snap)
	}
	if snap.Nodes[1].Rows != 10 {
		t.Fatalf("node result missing: %+v", snap.Nodes)
	}
	if len(snap.LogTail) != 1 || snap.LogTail[0].Message != "reading" {
		t.Fatalf("log tail should hold only log events: %+v", snap.LogTail)
	}

	// Mutating the snapshot must not reach the run.
	snap.Nodes[1].Rows = 999
	if res, _ := r.Node(1); res.Rows != 10 {
		t.Fatal("snapshot aliases run state")
	}

	r.finish(StateSuccess)
	snap = r.Status()
	if snap.FinishedAt == nil || snap.State != StateSuccess {
		t.Fatalf("terminal snapshot: %+v", snap)
	}
}
