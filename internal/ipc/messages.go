package ipc

import (
	"github.com/flowfile/flowfile/internal/artifact"
	"github.com/flowfile/flowfile/internal/plan"
)

// StartMsg submits one plan for execution.
type StartMsg struct {
	Plan plan.Plan `msgpack:"plan"`
}

// CancelMsg asks the worker to abort a running task. Cancellation is
// cooperative; the worker acknowledges with an ErrorMsg carrying Cancelled.
type CancelMsg struct {
	TaskID string `msgpack:"task_id"`
}

// ProgressMsg reports task progress. Workers rate-limit these.
type ProgressMsg struct {
	TaskID   string  `msgpack:"task_id"`
	Fraction float64 `msgpack:"fraction"` // 0..1
	Rows     int64   `msgpack:"rows"`
	Stage    string  `msgpack:"stage"`
}

// LogMsg forwards a worker-side log line into the run's event stream.
type LogMsg struct {
	TaskID  string `msgpack:"task_id"`
	Level   string `msgpack:"level"`
	Message string `msgpack:"message"`
}

// DoneMsg reports successful completion with the materialized artifact.
type DoneMsg struct {
	TaskID    string       `msgpack:"task_id"`
	Artifact  artifact.Ref `msgpack:"artifact"`
	Rows      int64        `msgpack:"rows"`
	ElapsedMs int64        `msgpack:"elapsed_ms"`
}

// ErrorMsg reports task failure or cancellation acknowledgement.
type ErrorMsg struct {
	TaskID    string `msgpack:"task_id"`
	Message   string `msgpack:"message"`
	Cancelled bool   `msgpack:"cancelled"`
}
