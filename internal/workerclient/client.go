// Package workerclient is the server-side counterpart of the worker: it
// supervises the worker process, maintains the framed connection, and
// multiplexes task submissions over it.
package workerclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfile/flowfile/internal/artifact"
	"github.com/flowfile/flowfile/internal/ipc"
	"github.com/flowfile/flowfile/internal/plan"
)

// ErrWorkerLost marks tasks that were in flight when the worker connection
// died. The runner treats it as a node failure, not a crash of the run.
var ErrWorkerLost = errors.New("worker lost")

// ErrCancelled marks tasks the worker acknowledged as aborted.
var ErrCancelled = errors.New("task cancelled")

const (
	dialRetryInterval = 250 * time.Millisecond
	keepaliveInterval = 5 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// cancelGrace bounds the wait for a worker to acknowledge a cancel
	// before the task is written off as lost.
	cancelGrace = 30 * time.Second

	// reconnectWait bounds how long a submission waits for the supervisor
	// to bring a crashed worker back before it fails as lost.
	reconnectWait = 30 * time.Second
)

// Handlers receives a task's streamed events.
type Handlers struct {
	OnProgress func(ipc.ProgressMsg)
	OnLog      func(ipc.LogMsg)
}

type outcome struct {
	ref artifact.Ref
	err error
}

type pendingTask struct {
	handlers Handlers
	done     chan outcome
}

// Client talks to one worker over its socket.
type Client struct {
	socket string
	log    zerolog.Logger

	mu       sync.Mutex
	conn     *ipc.Conn
	pending  map[string]*pendingTask
	lastPong time.Time
	closed   bool
}

func New(socket string, log zerolog.Logger) *Client {
	return &Client{
		socket:  socket,
		log:     log.With().Str("component", "workerclient").Logger(),
		pending: map[string]*pendingTask{},
	}
}

// Connect dials the worker socket, retrying until the context expires. It
// starts the read and keepalive loops.
func (c *Client) Connect(ctx context.Context) error {
	for {
		if c.attach() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("workerclient: connect: %w", ctx.Err())
		case <-time.After(dialRetryInterval):
		}
	}
}

// attach dials once and installs the connection on success.
func (c *Client) attach() bool {
	raw, err := net.Dial("unix", c.socket)
	if err != nil {
		return false
	}
	conn := ipc.NewConn(raw)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	go c.keepalive(conn)
	c.log.Info().Str("socket", c.socket).Msg("worker connected")
	return true
}

// redial reconnects after a lost connection, waiting out the supervisor's
// respawn. It gives up only when the client is closed.
func (c *Client) redial() {
	for {
		c.mu.Lock()
		closed, have := c.closed, c.conn != nil
		c.mu.Unlock()
		if closed || have {
			return
		}
		if c.attach() {
			return
		}
		time.Sleep(dialRetryInterval)
	}
}

// Close tears the connection down and fails outstanding tasks.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Submit runs one plan to completion. Between worker processes it waits for
// the redial instead of failing outright, and a start frame that never
// reached a worker is resent on the next connection; tasks in flight at the
// moment of a crash still fail with ErrWorkerLost. Cancelling the context
// sends a cancel frame and waits for the worker's acknowledgement.
func (c *Client) Submit(ctx context.Context, p *plan.Plan, h Handlers) (artifact.Ref, error) {
	defer func() {
		c.mu.Lock()
		delete(c.pending, p.TaskID)
		c.mu.Unlock()
	}()

	var conn *ipc.Conn
	var task *pendingTask
	for {
		var err error
		if conn, err = c.await(ctx); err != nil {
			return artifact.Ref{}, err
		}
		task = &pendingTask{handlers: h, done: make(chan outcome, 1)}
		c.mu.Lock()
		c.pending[p.TaskID] = task
		c.mu.Unlock()
		if err := conn.Send(ipc.TagStart, ipc.StartMsg{Plan: *p}); err == nil {
			break
		} else {
			// The start frame never reached a worker; safe to resend.
			c.connLost(conn, err)
		}
	}

	for {
		select {
		case out := <-task.done:
			return out.ref, out.err
		case <-ctx.Done():
			// Ask the worker to abort, then wait for the acknowledgement
			// so the artifact path is never left half-written.
			_ = conn.Send(ipc.TagCancel, ipc.CancelMsg{TaskID: p.TaskID})
			select {
			case out := <-task.done:
				return out.ref, out.err
			case <-time.After(cancelGrace):
				return artifact.Ref{}, fmt.Errorf("%w: cancel unacknowledged", ErrWorkerLost)
			}
		}
	}
}

// readLoop dispatches incoming frames to their tasks until the connection
// fails, then fails every outstanding task.
func (c *Client) readLoop(conn *ipc.Conn) {
	for {
		tag, body, err := conn.Recv()
		if err != nil {
			c.connLost(conn, err)
			return
		}
		switch tag {
		case ipc.TagPong:
			// Keepalive bookkeeping happens in keepalive().
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		case ipc.TagProgress:
			msg, err := ipc.Decode[ipc.ProgressMsg](body)
			if err != nil {
				continue
			}
			if t := c.task(msg.TaskID); t != nil && t.handlers.OnProgress != nil {
				t.handlers.OnProgress(*msg)
			}
		case ipc.TagLog:
			msg, err := ipc.Decode[ipc.LogMsg](body)
			if err != nil {
				continue
			}
			if t := c.task(msg.TaskID); t != nil && t.handlers.OnLog != nil {
				t.handlers.OnLog(*msg)
			}
		case ipc.TagDone:
			msg, err := ipc.Decode[ipc.DoneMsg](body)
			if err != nil {
				continue
			}
			if t := c.task(msg.TaskID); t != nil {
				t.done <- outcome{ref: msg.Artifact}
			}
		case ipc.TagError:
			msg, err := ipc.Decode[ipc.ErrorMsg](body)
			if err != nil {
				continue
			}
			if t := c.task(msg.TaskID); t != nil {
				if msg.Cancelled {
					t.done <- outcome{err: ErrCancelled}
				} else {
					t.done <- outcome{err: errors.New(msg.Message)}
				}
			}
		default:
			c.log.Warn().Stringer("tag", tag).Msg("unexpected frame")
		}
	}
}

func (c *Client) task(taskID string) *pendingTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[taskID]
}

// await returns the live connection, waiting through a redial when the
// client is between worker processes.
func (c *Client) await(ctx context.Context) (*ipc.Conn, error) {
	deadline := time.Now().Add(reconnectWait)
	for {
		c.mu.Lock()
		conn, closed := c.conn, c.closed
		c.mu.Unlock()
		if closed {
			return nil, ErrWorkerLost
		}
		if conn != nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no worker connection", ErrWorkerLost)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrWorkerLost, ctx.Err())
		case <-time.After(dialRetryInterval):
		}
	}
}

// connLost fails all outstanding tasks with ErrWorkerLost and starts the
// redial so the respawned worker becomes reachable again.
func (c *Client) connLost(conn *ipc.Conn, cause error) {
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		if !c.closed {
			go c.redial()
		}
	}
	if len(c.pending) > 0 {
		c.log.Warn().Err(cause).Int("tasks", len(c.pending)).Msg("worker connection lost")
	}
	for id, t := range c.pending {
		select {
		case t.done <- outcome{err: ErrWorkerLost}:
		default:
		}
		delete(c.pending, id)
	}
}

// keepalive pings the worker every 5s when idle and tears the connection
// down if a pong does not arrive in time. It exits once the connection is
// no longer the client's current one.
func (c *Client) keepalive(conn *ipc.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
	for range ticker.C {
		c.mu.Lock()
		stale := time.Since(c.lastPong) > keepaliveInterval+keepaliveTimeout
		current := c.conn == conn && !c.closed
		c.mu.Unlock()
		if !current {
			return
		}
		if stale {
			c.connLost(conn, errors.New("keepalive timeout"))
			return
		}
		if err := conn.Send(ipc.TagPing, nil); err != nil {
			c.connLost(conn, err)
			return
		}
	}
}
