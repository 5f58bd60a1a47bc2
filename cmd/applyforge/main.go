// Command applyforge runs the job-application pipeline service.
//
// Usage:
//
//	applyforge serve --config config.yaml
//	applyforge validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/applyforge/applyforge/pkg/agent"
	"github.com/applyforge/applyforge/pkg/artifacts"
	"github.com/applyforge/applyforge/pkg/config"
	"github.com/applyforge/applyforge/pkg/llms"
	"github.com/applyforge/applyforge/pkg/logger"
	"github.com/applyforge/applyforge/pkg/pipeline"
	"github.com/applyforge/applyforge/pkg/server"
	"github.com/applyforge/applyforge/pkg/tools"
	"github.com/applyforge/applyforge/pkg/typeset"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the pipeline service."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"config.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("applyforge version %s\n", version)
	return nil
}

// ValidateCmd checks the configuration without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.LoadFromFile(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration valid: %d provider(s), %d tool server(s)\n",
		len(cfg.Providers), len(cfg.ToolServers))
	return nil
}

// ServeCmd starts the orchestrator and intake API.
type ServeCmd struct {
	Addr string `help:"Listen address (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.LoadFromFile(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	// Providers.
	registry := llms.NewRegistry()
	defer registry.CloseAll()
	for name, providerCfg := range cfg.Providers {
		if _, err := registry.CreateFromConfig(name, &providerCfg); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}

	// Tool gateway.
	gateway := tools.NewGateway()
	defer gateway.Close()
	for _, serverCfg := range cfg.ToolServers {
		if err := gateway.Connect(ctx, serverCfg); err != nil {
			return fmt.Errorf("tool server %s: %w", serverCfg.Name, err)
		}
	}

	// Typesetting and artifacts.
	typesetter, err := typeset.NewClient(cfg.Typeset)
	if err != nil {
		return err
	}
	artifactStore, err := artifacts.NewStore(cfg.Pipeline.ArtifactsDir)
	if err != nil {
		return err
	}

	// Session persistence.
	var sessionStore pipeline.Store
	if cfg.Database.Dialect != "" {
		sqlStore, err := pipeline.NewSQLStoreFromConfig(cfg.Database)
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		sessionStore = sqlStore
	} else {
		sessionStore = pipeline.NewInMemoryStore()
	}
	defer sessionStore.Close()

	agents, err := buildAgents(cfg, registry, gateway)
	if err != nil {
		return err
	}

	runtime, err := pipeline.NewRuntime(agents, typesetter, artifactStore, cfg.Pipeline)
	if err != nil {
		return err
	}
	orchestrator, err := pipeline.NewOrchestrator(sessionStore, runtime,
		pipeline.WithArtifactCleaner(artifactStore))
	if err != nil {
		return err
	}
	defer orchestrator.Close()

	// Drain events so the buffer never fills; a presentation layer would
	// subscribe here instead.
	go func() {
		for ev := range orchestrator.Events() {
			slog.Debug("session updated",
				"session_id", ev.SessionID,
				"stage", ev.Stage,
				"status", ev.Status)
		}
	}()

	srv, err := server.New(cfg.Server.Addr, orchestrator)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// buildAgents wires one agent per pipeline role. The scraper is the only
// tool-calling role; it is optional and skipped when no model is assigned.
func buildAgents(cfg *config.Config, registry *llms.Registry, gateway *tools.Gateway) (pipeline.Agents, error) {
	agentCfg := agent.Config{
		MaxTurns:          cfg.Pipeline.MaxTurns,
		Retries:           cfg.Pipeline.Retries,
		ParallelToolCalls: cfg.Pipeline.ParallelToolCalls,
	}

	build := func(name, model string, gw *tools.Gateway) (*agent.Agent, error) {
		provider, err := registry.GetProvider(model)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		return agent.New(name, provider, gw, agentCfg)
	}

	models := cfg.Pipeline.Models
	var agents pipeline.Agents
	var err error

	if agents.Extractor, err = build("extractor", models.Extractor, nil); err != nil {
		return agents, err
	}
	if agents.Producer, err = build("producer", models.Producer, nil); err != nil {
		return agents, err
	}
	if agents.Critic, err = build("critic", models.Critic, nil); err != nil {
		return agents, err
	}
	if agents.Latex, err = build("latex", models.Latex, nil); err != nil {
		return agents, err
	}
	if models.Answerer != "" {
		if agents.Answerer, err = build("answerer", models.Answerer, nil); err != nil {
			return agents, err
		}
	}
	if models.Scraper != "" {
		if agents.Scraper, err = build("scraper", models.Scraper, gateway); err != nil {
			return agents, err
		}
	}
	return agents, nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("applyforge"),
		kong.Description("Turns job-posting URLs into tailored, typeset applications."),
		kong.UsageOnError(),
	)

	config.LoadDotEnv()

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = f
	}
	logger.Init(level, output, cli.LogFormat)

	if err := kctx.Run(&cli); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
