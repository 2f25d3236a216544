// Package main provides the CLI entry point for agentd, a local agent
// daemon exposing a streaming chat loop with an action journal, undo/redo,
// and a guard stack over tool execution.
//
// # Basic Usage
//
// Start the daemon:
//
//	agentd serve --config agentd.yaml
//
// # Environment Variables
//
//   - AGENTD_CONFIG: Path to configuration file (default: agentd.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
//   - DAILY_BUDGET_USD: Boot override for the rolling 24h spend budget
//   - ALLOW_IRREVERSIBLE_ACTIONS: Boot override for the undo guarantee
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentd/internal/actions"
	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/internal/agent/providers"
	"github.com/haasonsaas/agentd/internal/config"
	"github.com/haasonsaas/agentd/internal/contextprep"
	"github.com/haasonsaas/agentd/internal/tools/files"
	"github.com/haasonsaas/agentd/internal/tools/shell"
	"github.com/haasonsaas/agentd/internal/usage"
	"github.com/haasonsaas/agentd/internal/web"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agentd",
		Short:        "agentd - local agent daemon with journaled, undoable tool execution",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("AGENTD_CONFIG")
			}
			if configPath == "" {
				configPath = "agentd.yaml"
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	runtime := config.NewRuntime(cfg)

	journal, err := actions.OpenJournal(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	approvals := agent.NewApprovalGate()
	registry := agent.NewToolRegistry(journal, approvals, logger.With("component", "tools"))

	if err := registerTools(registry, cfg); err != nil {
		return err
	}

	providerSet := agent.ProviderSet{}
	for name, pcfg := range cfg.Providers {
		providerSet[name] = providers.New(name, pcfg)
		logger.Info("provider configured", "name", name, "dialect", providers.DetectDialect(pcfg.Provider, pcfg.BaseURL).String())
	}

	tracker := usage.NewTracker()
	spend := usage.NewSpendGuard(tracker)
	supervisor := agent.NewRunSupervisor()
	undoService := actions.NewUndoService(journal, registry, logger.With("component", "undo"))

	preparer := contextprep.New(contextprep.Options{
		Store:             contextprep.NewMemoryStore(),
		Logger:            logger.With("component", "contextprep"),
		MaxTokens:         cfg.Run.Economy.ContextMaxTokens,
		CompactionTrigger: cfg.Run.Economy.ContextCompactionThreshold,
	})

	loop := agent.NewChatLoop(agent.LoopOptions{
		Runtime:    runtime,
		Agent:      cfg.Agent,
		Providers:  providerSet,
		Registry:   registry,
		Preparer:   preparer,
		Supervisor: supervisor,
		Tracker:    tracker,
		Spend:      spend,
		Logger:     logger.With("component", "loop"),
	})

	server := web.NewServer(web.ServerOptions{
		Loop:       loop,
		Runtime:    runtime,
		Supervisor: supervisor,
		Approvals:  approvals,
		Undo:       undoService,
		Journal:    journal,
		Tracker:    tracker,
		Spend:      spend,
		Logger:     logger.With("component", "web"),
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentd listening", "addr", cfg.Server.Addr(), "model", cfg.Agent.Model)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	runtime.SetOperationMode(config.OperationDraining)
	supervisor.AbortAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func registerTools(registry *agent.ToolRegistry, cfg *config.Config) error {
	fileCfg := files.Config{Workspace: cfg.Agent.Workspace}
	manager := shell.NewManager(cfg.Agent.Workspace)

	toolset := []agent.Tool{
		files.NewReadTool(fileCfg),
		files.NewWriteTool(fileCfg),
		files.NewEditTool(fileCfg),
		files.NewRestoreTool(fileCfg),
		shell.NewExecTool("exec", manager),
		shell.NewProcessTool(manager),
	}
	for _, tool := range toolset {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
