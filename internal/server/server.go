// Package server is the HTTP façade: flow CRUD and editor mutations, run
// control, status polling, and event streaming over SSE and WebSocket.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfile/flowfile/internal/artifact"
	"github.com/flowfile/flowfile/internal/flow"
	"github.com/flowfile/flowfile/internal/nodes"
	"github.com/flowfile/flowfile/internal/run"
)

// Config holds the façade's tunables.
type Config struct {
	Addr string // listen address, e.g. ":63578"
	// SampleRows is the Development-mode source cap, used to recompute
	// effective hashes when answering /node/data.
	SampleRows int
}

// Server wires the graph store, node library, run machinery, and artifact
// cache behind the HTTP surface.
type Server struct {
	config  Config
	store   *flow.Store
	kinds   *nodes.Registry
	runs    *run.Registry
	runner  *run.Runner
	cache   *artifact.Cache
	metrics *metrics
	log     zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
}

// New assembles the server and its route table.
func New(cfg Config, store *flow.Store, kinds *nodes.Registry, runs *run.Registry, runner *run.Runner, cache *artifact.Cache, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		store:   store,
		kinds:   kinds,
		runs:    runs,
		runner:  runner,
		cache:   cache,
		metrics: newMetrics(cache),
		log:     log.With().Str("component", "server").Logger(),
		baseCtx: ctx,
		cancel:  cancel,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.handler())

	mux.HandleFunc("POST /flow", s.handleCreateFlow)
	mux.HandleFunc("GET /flow", s.handleGetFlow)
	mux.HandleFunc("GET /flows", s.handleListFlows)
	mux.HandleFunc("POST /flow/delete", s.handleDeleteFlow)
	mux.HandleFunc("POST /flow/save", s.handleSaveFlow)
	mux.HandleFunc("POST /flow/load", s.handleLoadFlow)
	mux.HandleFunc("POST /flow/execution_mode", s.handleExecutionMode)

	mux.HandleFunc("POST /editor/add_node", s.handleAddNode)
	mux.HandleFunc("POST /editor/delete_node", s.handleDeleteNode)
	mux.HandleFunc("POST /editor/add_connection", s.handleAddConnection)
	mux.HandleFunc("POST /editor/delete_connection", s.handleDeleteConnection)
	mux.HandleFunc("POST /update_settings", s.handleUpdateSettings)

	mux.HandleFunc("GET /node", s.handleGetNode)
	mux.HandleFunc("GET /node/data", s.handleGetNodeData)
	mux.HandleFunc("GET /node_schemas", s.handleNodeSchemas)

	mux.HandleFunc("POST /flow/run", s.handleRunFlow)
	mux.HandleFunc("POST /flow/run/{$}", s.handleRunFlow)
	mux.HandleFunc("POST /flow/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /flow/cancel/{$}", s.handleCancelRun)
	mux.HandleFunc("GET /flow/run_status", s.handleRunStatus)
	mux.HandleFunc("GET /flow/logs", s.handleLogsSSE)
	mux.HandleFunc("GET /flow/logs/ws", s.handleLogsWS)

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints require no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.config.Addr).Msg("listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers set the Origin
// header on cross-origin requests, so checking it blocks CSRF from remote
// pages while allowing CLI and local-UI callers.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil || !localHost(u.Hostname()) {
					http.Error(w, `{"detail":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func localHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// Shutdown stops accepting requests, cancels streaming connections, and
// drains in-flight handlers.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}
