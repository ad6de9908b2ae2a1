package workerclient

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

const (
	restartBackoffMin = time.Second
	restartBackoffMax = 30 * time.Second
)

// Supervisor keeps a worker process alive: it spawns the worker binary
// pointed at the socket and restarts it with backoff when it exits.
type Supervisor struct {
	binary string
	socket string
	log    zerolog.Logger
}

// NewSupervisor supervises the given worker binary. An empty binary path
// means an externally managed worker; Run then does nothing.
func NewSupervisor(binary, socket string, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		binary: binary,
		socket: socket,
		log:    log.With().Str("component", "supervisor").Logger(),
	}
}

// Run blocks until the context is cancelled, respawning the worker on exit.
func (s *Supervisor) Run(ctx context.Context) {
	if s.binary == "" {
		<-ctx.Done()
		return
	}
	backoff := restartBackoffMin
	for ctx.Err() == nil {
		started := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Msg("worker process exited")
		// A worker that survived a while earns a fresh backoff.
		if time.Since(started) > time.Minute {
			backoff = restartBackoffMin
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.binary, "worker", "--socket", s.socket)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	s.log.Info().Int("pid", cmd.Process.Pid).Str("socket", s.socket).Msg("worker spawned")
	return cmd.Wait()
}
