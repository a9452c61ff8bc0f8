// Command opsbridge runs the conversational gateway: it connects to
// the configured backend tool servers, aggregates their tools, and
// serves the chat and operations API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opsbridge/opsbridge/examples"
	"github.com/opsbridge/opsbridge/internal/agent"
	"github.com/opsbridge/opsbridge/internal/api"
	"github.com/opsbridge/opsbridge/internal/audit"
	"github.com/opsbridge/opsbridge/internal/backend"
	"github.com/opsbridge/opsbridge/internal/buildinfo"
	"github.com/opsbridge/opsbridge/internal/catalog"
	"github.com/opsbridge/opsbridge/internal/config"
	"github.com/opsbridge/opsbridge/internal/entity"
	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/llm"
	"github.com/opsbridge/opsbridge/internal/memory"
	"github.com/opsbridge/opsbridge/internal/persist"
	"github.com/opsbridge/opsbridge/internal/registry"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: opsbridge [-config path] [-log-level level] <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  serve     run the gateway API server")
	fmt.Fprintln(w, "  ask MSG   send a single message and print the reply")
	fmt.Fprintln(w, "  init      write an example config.yaml to the current directory")
	fmt.Fprintln(w, "  version   print build information")
}

// run parses arguments and dispatches. Stdio is injected so the
// lifecycle is testable.
func run(args []string, stdout, stderr io.Writer) int {
	var (
		configPath string
		logLevel   string
		command    string
		rest       []string
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config", "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(stderr, "error: -config requires a path")
				return 2
			}
			i++
			configPath = args[i]
		case "-log-level", "--log-level":
			if i+1 >= len(args) {
				fmt.Fprintln(stderr, "error: -log-level requires a level")
				return 2
			}
			i++
			logLevel = args[i]
		case "-h", "-help", "--help":
			usage(stdout)
			return 0
		default:
			if command == "" {
				command = args[i]
			} else {
				rest = append(rest, args[i])
			}
		}
	}

	if command == "" {
		usage(stderr)
		return 2
	}

	switch command {
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return 0
	case "init":
		if _, err := os.Stat("config.yaml"); err == nil {
			fmt.Fprintln(stderr, "error: config.yaml already exists")
			return 1
		}
		if err := os.WriteFile("config.yaml", examples.ConfigYAML, 0o644); err != nil {
			fmt.Fprintf(stderr, "error: write config.yaml: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "wrote config.yaml")
		return 0
	}

	// Secrets can live in a .env file beside the binary, matching the
	// usual container deployment. Missing file is fine.
	_ = godotenv.Load()

	path, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(path)
		if err != nil {
			fmt.Fprintf(stderr, "error: load config %s: %v\n", path, err)
			return 1
		}
	}

	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	level, err := config.ParseLogLevel(logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	switch command {
	case "serve":
		return serve(cfg, logger, stderr)
	case "ask":
		if len(rest) == 0 {
			fmt.Fprintln(stderr, "error: ask requires a message")
			return 2
		}
		return ask(cfg, logger, rest[0], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "error: unknown command %q\n", command)
		usage(stderr)
		return 2
	}
}

// gateway holds the assembled component graph.
type gateway struct {
	registry *registry.Registry
	catalog  *catalog.Catalog
	cache    *entity.Cache
	trans    *memory.Store
	store    *persist.Store
	auditLog *audit.Log
	bus      *events.Bus
	driver   *agent.Driver
}

// build wires every component and restores persisted state. The audit
// log is optional: failure to open it degrades, not aborts.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	clients := make([]*backend.Client, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		clients = append(clients, backend.NewClient(bc, nil, logger))
	}

	reg := registry.New(clients, cfg.Limits.ProbeTimeout(), logger)
	cat := catalog.New(logger)
	cache := entity.NewCache(cfg.Memory.MaxEntities, cfg.Memory.FactLimit, logger)
	trans := memory.NewStore(cfg.Memory.WindowSize)
	bus := events.New()

	store, err := persist.NewStore(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	cache.Restore(store.LoadEntities())
	trans.Restore(store.LoadTranscript())
	logger.Info("session state restored",
		"entities", cache.Len(),
		"messages", trans.Len(),
	)

	var auditLog *audit.Log
	auditLog, err = audit.Open(filepath.Join(cfg.DataDir, "audit.db"), logger)
	if err != nil {
		logger.Warn("audit log unavailable", "error", err)
		auditLog = nil
	}

	model := llm.NewAnthropicClient(cfg.Anthropic, logger)

	driver := agent.New(agent.Options{
		Registry:    reg,
		Catalog:     cat,
		Cache:       cache,
		Transcript:  trans,
		Store:       store,
		AuditLog:    auditLog,
		Bus:         bus,
		Model:       model,
		MaxSteps:    cfg.Limits.MaxStepsOrDefault(),
		Window:      cfg.Memory.WindowSize,
		ToolTimeout: cfg.Limits.ToolTimeout(),
		Logger:      logger,
	})

	// Probe everything concurrently, then discover tools from whatever
	// is up. An empty catalog is degraded mode, not a startup failure.
	reg.ProbeAll(ctx)
	cat.Refresh(ctx, reg.ConnectedClients())
	if cat.Count() == 0 {
		logger.Warn("no tools discovered, serving in degraded mode")
	}

	return &gateway{
		registry: reg,
		catalog:  cat,
		cache:    cache,
		trans:    trans,
		store:    store,
		auditLog: auditLog,
		bus:      bus,
		driver:   driver,
	}, nil
}

func (g *gateway) close(logger *slog.Logger) {
	g.driver.PersistNow()
	if g.auditLog != nil {
		if err := g.auditLog.Close(); err != nil {
			logger.Warn("audit close failed", "error", err)
		}
	}
	logger.Info("session state saved")
}

func serve(cfg *config.Config, logger *slog.Logger, stderr io.Writer) int {
	logger.Info("starting", "build", buildinfo.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := build(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer g.close(logger)

	// Disconnected backends are re-probed in the background so a late
	// or restarted service rejoins the catalog automatically.
	go g.registry.Run(ctx, time.Minute, func(name string) {
		g.catalog.Refresh(ctx, g.registry.ConnectedClients())
		g.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceRegistry,
			Kind:      events.KindServiceRecovered,
			Data:      map[string]any{"service": name},
		})
	})

	server := api.NewServer(api.Options{
		Driver:     g.driver,
		Registry:   g.registry,
		Catalog:    g.catalog,
		Cache:      g.cache,
		Transcript: g.trans,
		AuditLog:   g.auditLog,
		Bus:        g.bus,
		Logger:     logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	if err := server.Serve(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

// ask runs a single message through the driver and prints the reply.
// Useful for smoke-testing a deployment without the HTTP surface.
func ask(cfg *config.Config, logger *slog.Logger, message string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := build(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer g.close(logger)

	res, err := g.driver.HandleMessage(ctx, message, false)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, res.Response)
	return 0
}
