// pipelined is the user-plane pipeline controller daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/alloc"
	"github.com/upgw/pipelined/apps"
	"github.com/upgw/pipelined/client"
	"github.com/upgw/pipelined/config"
	"github.com/upgw/pipelined/flows"
	"github.com/upgw/pipelined/interpreter"
	"github.com/upgw/pipelined/interpreter/backend/memory"
	"github.com/upgw/pipelined/interpreter/store/sqlite"
	"github.com/upgw/pipelined/logging"
	"github.com/upgw/pipelined/metrics"
	"github.com/upgw/pipelined/reconciler"
	"github.com/upgw/pipelined/server"
	"github.com/upgw/pipelined/stats"
)

const version = "0.1.0"

const defaultServerURL = "http://127.0.0.1:8080"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <COMMAND>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the pipeline controller daemon\n")
	fmt.Fprintf(os.Stderr, "  apply     Push an ordered service configuration\n")
	fmt.Fprintf(os.Stderr, "  topology  Print the committed topology\n")
	fmt.Fprintf(os.Stderr, "  flows     List installed subscriber flows\n")
	fmt.Fprintf(os.Stderr, "  version   Print the version\n")
	fmt.Fprintf(os.Stderr, "  help      Print this message\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "apply":
		err = cmdApply(os.Args[2:])
	case "topology":
		err = cmdTopology(os.Args[2:])
	case "flows":
		err = cmdFlows(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdServe(args []string) error {
	configPath := ""
	logSpec := ""
	overrides := map[string]string{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--http":
			if i+1 < len(args) {
				overrides["http"] = args[i+1]
				i++
			}
		case "--grpc":
			if i+1 < len(args) {
				overrides["grpc"] = args[i+1]
				i++
			}
		case "--db":
			if i+1 < len(args) {
				overrides["db"] = args[i+1]
				i++
			}
		case "--log":
			if i+1 < len(args) {
				logSpec = args[i+1]
				i++
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if v, ok := overrides["http"]; ok {
		cfg.HTTPAddress = v
	}
	if v, ok := overrides["grpc"]; ok {
		cfg.GRPCAddress = v
	}
	if v, ok := overrides["db"]; ok {
		cfg.DBPath = v
	}

	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		CLISpec:    logSpec,
		EnvSpec:    os.Getenv(logging.EnvVar),
		ConfigSpec: cfg.LogSpec,
		Format:     format,
		Output:     os.Stdout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st interpreter.Store
	if cfg.DBPath == "" {
		st, err = sqlite.NewInMemory(ctx, logger)
	} else {
		st, err = sqlite.New(ctx, cfg.DBPath, logger)
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if cfg.Backend != "memory" {
		return fmt.Errorf("unknown backend: %q", cfg.Backend)
	}
	backend := memory.New()

	bands := cfg.TableBands()
	catalog, contract, err := apps.Default(bands)
	if err != nil {
		return fmt.Errorf("build app catalog: %w", err)
	}
	allocator, err := alloc.New(bands)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	rec, err := reconciler.New(reconciler.Options{
		Catalog:      catalog,
		Contract:     contract,
		Allocator:    allocator,
		Store:        st,
		Backend:      backend,
		Metrics:      m,
		Logger:       logger,
		Retry:        cfg.Retry,
		BackendRPC:   cfg.Timeouts.BackendRPC,
		TopologyWait: cfg.Timeouts.TopologyWait,
	})
	if err != nil {
		return err
	}
	if err := rec.Start(ctx); err != nil {
		return fmt.Errorf("converge backend with stored topology: %w", err)
	}

	mgr := flows.New(rec, catalog, st, backend, m, logger)

	var exporter stats.Exporter
	if cfg.Stats.CollectorURL != "" {
		exporter = stats.NewHTTPExporter(cfg.Stats.CollectorURL, nil)
	}
	relay, err := stats.New(stats.Options{
		Backend:     backend,
		Store:       st,
		Provider:    rec,
		Catalog:     catalog,
		Exporter:    exporter,
		Metrics:     m,
		Logger:      logger,
		Interval:    cfg.Stats.Interval,
		BufferLimit: cfg.Stats.BufferLimit,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Config:     cfg,
		Reconciler: rec,
		Flows:      mgr,
		Relay:      relay,
		Gatherer:   registry,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting pipelined", "version", version, "generation", rec.Generation())
	return srv.Run(ctx)
}

func cmdApply(args []string) error {
	serverURL, rest := serverFlag(args)
	if len(rest) != 1 {
		return fmt.Errorf("usage: apply [--server URL] <push.json|->")
	}

	var data []byte
	var err error
	if rest[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(rest[0])
	}
	if err != nil {
		return err
	}
	var push pipelined.ConfigPush
	if err := json.Unmarshal(data, &push); err != nil {
		return fmt.Errorf("parse push: %w", err)
	}

	if err := client.New(serverURL).ApplyConfig(context.Background(), push); err != nil {
		return err
	}
	fmt.Printf("committed generation %d\n", push.Generation)
	return nil
}

func cmdTopology(args []string) error {
	serverURL, _ := serverFlag(args)
	topo, err := client.New(serverURL).Topology(context.Background())
	if err != nil {
		return err
	}
	return printJSON(topo)
}

func cmdFlows(args []string) error {
	serverURL, _ := serverFlag(args)
	list, err := client.New(serverURL).Flows(context.Background())
	if err != nil {
		return err
	}
	return printJSON(list)
}

// serverFlag extracts --server from args, returning the URL and the
// remaining arguments.
func serverFlag(args []string) (string, []string) {
	serverURL := defaultServerURL
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--server" && i+1 < len(args) {
			serverURL = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return serverURL, rest
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
