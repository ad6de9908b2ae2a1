package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfile/flowfile/internal/artifact"
	"github.com/flowfile/flowfile/internal/config"
	"github.com/flowfile/flowfile/internal/flow"
	"github.com/flowfile/flowfile/internal/nodes"
	"github.com/flowfile/flowfile/internal/run"
	"github.com/flowfile/flowfile/internal/server"
	"github.com/flowfile/flowfile/internal/worker"
	"github.com/flowfile/flowfile/internal/workerclient"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "worker":
		workerCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  flowfile serve [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  flowfile worker --socket <path>")
	fmt.Fprintln(os.Stderr, "  flowfile run --flow <file.json> [--mode Development|Performance]")
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func serve(args []string) {
	var addr string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	log := newLogger()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}
	if addr != "" {
		cfg.Addr = addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, client, err := buildStack(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup")
	}
	defer client.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		srv.Shutdown()
		cancel()
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server")
	}
}

// buildStack wires the full serving path: node library, graph store, artifact
// cache, worker supervision and client, run registry, runner, HTTP façade.
func buildStack(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*server.Server, *workerclient.Client, error) {
	kinds, err := nodes.NewRegistry()
	if err != nil {
		return nil, nil, err
	}
	store := flow.NewStore(kinds, log)
	cache, err := artifact.NewCache(cfg.ArtifactDir, cfg.CacheBytes, log)
	if err != nil {
		return nil, nil, err
	}

	binary := cfg.WorkerCmd
	if binary == "" {
		if binary, err = os.Executable(); err != nil {
			return nil, nil, err
		}
	} else if binary == "external" {
		// Sentinel: the worker process is managed outside this server.
		binary = ""
	}
	go workerclient.NewSupervisor(binary, cfg.WorkerSocket, log).Run(ctx)

	client := workerclient.New(cfg.WorkerSocket, log)
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("worker connect: %w", err)
	}

	runs := run.NewRegistry(cfg.RunTTL, log)
	go runs.SweepLoop(ctx)

	runner := run.NewRunner(store, kinds, cache, client, runs,
		&nodes.BuildDeps{Connections: cfg},
		run.Options{
			Parallelism:  cfg.MaxParallel,
			SampleRows:   cfg.SampleRows,
			MemoryBudget: cfg.MemoryBudget,
			TaskTimeout:  cfg.TaskTimeout,
		}, log)

	srv := server.New(server.Config{Addr: cfg.Addr, SampleRows: cfg.SampleRows},
		store, kinds, runs, runner, cache, log)
	return srv, client, nil
}

func workerCmd(args []string) {
	var socket string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--socket":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--socket requires a value")
				os.Exit(1)
			}
			socket = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if socket == "" {
		usage()
		os.Exit(1)
	}

	log := newLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := worker.NewServer(socket, log).ListenAndServe(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker")
	}
}

// runCmd executes a flow document headless and prints the terminal status.
func runCmd(args []string) {
	var flowPath string
	var modeArg string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--flow":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--flow requires a value")
				os.Exit(1)
			}
			flowPath = args[i]
		case "--mode":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--mode requires a value")
				os.Exit(1)
			}
			modeArg = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if flowPath == "" {
		usage()
		os.Exit(1)
	}

	log := newLogger()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	kinds, err := nodes.NewRegistry()
	if err != nil {
		log.Fatal().Err(err).Msg("node library")
	}
	store := flow.NewStore(kinds, log)
	cache, err := artifact.NewCache(cfg.ArtifactDir, cfg.CacheBytes, log)
	if err != nil {
		log.Fatal().Err(err).Msg("artifact cache")
	}

	binary := cfg.WorkerCmd
	if binary == "" {
		if binary, err = os.Executable(); err != nil {
			log.Fatal().Err(err).Msg("worker binary")
		}
	} else if binary == "external" {
		binary = ""
	}
	go workerclient.NewSupervisor(binary, cfg.WorkerSocket, log).Run(ctx)
	client := workerclient.New(cfg.WorkerSocket, log)
	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker connect")
	}
	defer client.Close()

	f, err := flow.LoadDocument(flowPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", flowPath).Msg("flow document")
	}
	if modeArg != "" {
		mode, err := flow.ParseExecutionMode(modeArg)
		if err != nil {
			log.Fatal().Err(err).Msg("mode")
		}
		f.Mode = mode
	}
	if err := store.PublishFlow(f); err != nil {
		log.Fatal().Err(err).Msg("flow invalid")
	}

	runs := run.NewRegistry(cfg.RunTTL, log)
	runner := run.NewRunner(store, kinds, cache, client, runs,
		&nodes.BuildDeps{Connections: cfg},
		run.Options{
			Parallelism:  cfg.MaxParallel,
			SampleRows:   cfg.SampleRows,
			MemoryBudget: cfg.MemoryBudget,
			TaskTimeout:  cfg.TaskTimeout,
		}, log)

	rn, err := runner.Start(ctx, f.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("run start")
	}

	events, _, unsub := rn.Bus().Subscribe()
	defer unsub()
	for ev := range events {
		switch ev.Type {
		case run.EventNodeFinished:
			line := fmt.Sprintf("node %d: %s", ev.NodeID, ev.State)
			if ev.Rows > 0 {
				line += fmt.Sprintf(" (%d rows)", ev.Rows)
			}
			if ev.Error != "" {
				line += ": " + ev.Error
			}
			fmt.Println(line)
		case run.EventRunFinished:
			fmt.Printf("run %s: %s\n", ev.RunID, ev.State)
		}
	}

	if rn.State() == run.StateSuccess {
		os.Exit(0)
	}
	os.Exit(1)
}
