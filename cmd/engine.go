package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/joescharf/agentd/internal/claude"
	"github.com/joescharf/agentd/internal/config"
	"github.com/joescharf/agentd/internal/events"
	"github.com/joescharf/agentd/internal/git"
	"github.com/joescharf/agentd/internal/llm"
	"github.com/joescharf/agentd/internal/orchestrator"
	"github.com/joescharf/agentd/internal/store"
	"github.com/joescharf/agentd/internal/workspace"
)

// engine is the wired session runtime shared by serve and mcp.
type engine struct {
	cfg   *config.Config
	log   *slog.Logger
	store store.Store
	bus   *events.Bus
	orch  *orchestrator.Manager
}

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient(cfg *config.Config) *llm.Client {
	apiKey := cfg.Anthropic.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, cfg.Anthropic.Model)
}

func newEngine() (*engine, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(
		events.WithGracePeriod(cfg.BusGracePeriod),
		events.WithLogger(log),
	)
	orch := orchestrator.New(orchestrator.Options{
		Store:         s,
		Bus:           bus,
		Start:         orchestrator.ClaudeStarter(claude.NewRunner(cfg.Claude.Binary, log)),
		Workspaces:    workspace.NewProvisioner(cfg.WorkspaceRoot, git.NewClient()),
		Titler:        llm.NewTitler(newLLMClient(cfg)),
		Environments:  cfg.Environments,
		MaxConcurrent: cfg.MaxConcurrent,
		Logger:        log,
	})

	return &engine{cfg: cfg, log: log, store: s, bus: bus, orch: orch}, nil
}

// close cancels live runs, waits for them within ctx and releases the bus.
func (e *engine) close(ctx context.Context) error {
	err := e.orch.Shutdown(ctx)
	e.bus.Close()
	return err
}
