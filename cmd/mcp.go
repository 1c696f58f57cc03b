package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentd/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client start, follow up, inspect and cancel agentd
sessions. Configure in Claude Code with:

  {
    "mcpServers": {
      "agentd": { "command": "agentd", "args": ["mcp"] }
    }
  }

Available tools: agentd_list_sessions, agentd_get_session,
agentd_session_events, agentd_create_session, agentd_send_message,
agentd_cancel_session

Runs started here live in this process and are cancelled when it exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctxOrBackground(ctx), shutdownSignals()...)
	defer stop()

	eng, err := newEngine()
	if err != nil {
		return err
	}

	srv := mcp.NewServer(eng.orch, eng.store, eng.bus, buildVersion)
	serveErr := srv.ServeStdio(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.close(shutdownCtx); err != nil {
		eng.log.Warn("runs did not finish before timeout", "error", err)
	}
	_ = eng.store.Close()

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}
