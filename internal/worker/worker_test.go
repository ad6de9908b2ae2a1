package worker

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfile/flowfile/internal/ipc"
)

func serverSocket(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ffs")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "w.sock")
}

func dialWorker(t *testing.T, socket string) *ipc.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		raw, err := net.Dial("unix", socket)
		if err == nil {
			return ipc.NewConn(raw)
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", socket, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestServerShutdownClosesConnections stops the server while a connection is
// open and checks the connection is torn down, not left serving.
func TestServerShutdownClosesConnections(t *testing.T) {
	socket := serverSocket(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(socket, zerolog.Nop()).ListenAndServe(ctx) }()

	conn := dialWorker(t, socket)
	defer conn.Close()
	if err := conn.Send(ipc.TagPing, nil); err != nil {
		t.Fatal(err)
	}
	if tag, _, err := conn.Recv(); err != nil || tag != ipc.TagPong {
		t.Fatalf("ping: tag=%v err=%v", tag, err)
	}

	cancel()
	recvErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Recv()
		recvErr <- err
	}()
	select {
	case err := <-recvErr:
		if err == nil {
			t.Fatal("read succeeded after shutdown")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection still open after shutdown")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server never returned")
	}
}
