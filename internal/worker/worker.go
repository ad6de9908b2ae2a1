package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfile/flowfile/internal/ipc"
	"github.com/flowfile/flowfile/internal/plan"
)

// progressInterval rate-limits progress frames per task.
const progressInterval = 250 * time.Millisecond

// Server is the worker process entry point: it listens on a local socket and
// executes plans submitted over framed connections.
type Server struct {
	socket string
	exec   *Executor
	log    zerolog.Logger

	mu    sync.Mutex
	conns map[*ipc.Conn]struct{}
}

func NewServer(socketPath string, log zerolog.Logger) *Server {
	log = log.With().Str("component", "worker").Logger()
	return &Server{
		socket: socketPath,
		exec:   NewExecutor(log),
		log:    log,
		conns:  map[*ipc.Conn]struct{}{},
	}
}

// ListenAndServe accepts connections until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("worker: stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("worker: listen: %w", err)
	}
	defer ln.Close()
	s.log.Info().Str("socket", s.socket).Msg("worker listening")

	go func() {
		<-ctx.Done()
		ln.Close()
		// A stopped worker must not keep serving already-accepted
		// connections.
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		conn := ipc.NewConn(raw)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		closing := ctx.Err() != nil
		s.mu.Unlock()
		if closing {
			conn.Close()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.serveConn(ctx, conn)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// serveConn runs one connection's read loop. Tasks run concurrently; frames
// out are serialized by the connection.
func (s *Server) serveConn(ctx context.Context, conn *ipc.Conn) {
	defer conn.Close()

	var mu sync.Mutex
	cancels := map[string]context.CancelFunc{}
	defer func() {
		mu.Lock()
		for _, cancel := range cancels {
			cancel()
		}
		mu.Unlock()
	}()

	for {
		tag, body, err := conn.Recv()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Msg("connection read failed")
			}
			return
		}
		switch tag {
		case ipc.TagPing:
			if err := conn.Send(ipc.TagPong, nil); err != nil {
				return
			}
		case ipc.TagStart:
			msg, err := ipc.Decode[ipc.StartMsg](body)
			if err != nil {
				s.log.Warn().Err(err).Msg("bad start frame")
				continue
			}
			p := msg.Plan
			taskCtx, cancel := context.WithCancel(ctx)
			if p.TimeoutSec > 0 {
				taskCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutSec)*time.Second)
			}
			mu.Lock()
			cancels[p.TaskID] = cancel
			mu.Unlock()
			go func() {
				defer func() {
					cancel()
					mu.Lock()
					delete(cancels, p.TaskID)
					mu.Unlock()
				}()
				s.runTask(taskCtx, conn, &p)
			}()
		case ipc.TagCancel:
			msg, err := ipc.Decode[ipc.CancelMsg](body)
			if err != nil {
				continue
			}
			mu.Lock()
			if cancel, ok := cancels[msg.TaskID]; ok {
				cancel()
			}
			mu.Unlock()
		default:
			s.log.Warn().Stringer("tag", tag).Msg("unexpected frame")
		}
	}
}

func (s *Server) runTask(ctx context.Context, conn *ipc.Conn, p *plan.Plan) {
	started := time.Now()
	s.log.Info().Str("task_id", p.TaskID).Str("kind", p.Kind).Msg("task started")

	var lastSent time.Time
	report := func(msg ipc.ProgressMsg) {
		now := time.Now()
		if msg.Fraction < 1 && now.Sub(lastSent) < progressInterval {
			return
		}
		lastSent = now
		// Progress is advisory; a failed send surfaces on the next frame.
		_ = conn.Send(ipc.TagProgress, msg)
	}

	ref, err := s.exec.Run(ctx, p, report)
	if err != nil {
		cancelled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		s.log.Warn().Str("task_id", p.TaskID).Err(err).Bool("cancelled", cancelled).Msg("task failed")
		_ = conn.Send(ipc.TagError, ipc.ErrorMsg{
			TaskID:    p.TaskID,
			Message:   err.Error(),
			Cancelled: cancelled,
		})
		return
	}
	_ = conn.Send(ipc.TagDone, ipc.DoneMsg{
		TaskID:    p.TaskID,
		Artifact:  ref,
		Rows:      ref.Rows,
		ElapsedMs: time.Since(started).Milliseconds(),
	})
	s.log.Info().Str("task_id", p.TaskID).Int64("rows", ref.Rows).Dur("elapsed", time.Since(started)).Msg("task done")
}
