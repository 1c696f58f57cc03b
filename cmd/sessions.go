package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentd/internal/git"
	"github.com/joescharf/agentd/internal/models"
	"github.com/joescharf/agentd/internal/output"
	"github.com/joescharf/agentd/internal/store"
)

var (
	sessionsLimit  int
	sessionsStatus string
	showFull       bool
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "List and inspect agent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun(cmd.Context())
	},
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun(cmd.Context())
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsShowRun(cmd.Context(), args[0])
	},
}

var sessionsRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reset sessions left running by a crashed server to idle",
	Long: `Reset every session whose status is still "running" to idle and clear its
run offset. 'agentd serve' does this on startup; run it by hand only while no
server is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsRecoverRun(cmd.Context())
	},
}

func init() {
	for _, c := range []*cobra.Command{sessionsCmd, sessionsListCmd} {
		c.Flags().IntVarP(&sessionsLimit, "limit", "l", 20, "maximum number of sessions (0 for all)")
		c.Flags().StringVar(&sessionsStatus, "status", "", "filter by status (idle, running, cancelled)")
	}
	sessionsShowCmd.Flags().BoolVar(&showFull, "full", false, "show tool inputs and results in full")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsRecoverCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func sessionsListRun(ctx context.Context) error {
	ctx = ctxOrBackground(ctx)
	status := models.SessionStatus(sessionsStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("invalid status %q", sessionsStatus)
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	sessions, err := s.ListSessions(ctx, store.SessionListFilter{Status: status, Limit: sessionsLimit})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	var rows [][]string
	for _, sess := range sessions {
		rows = append(rows, []string{
			sess.ID,
			output.Truncate(sessionTitle(sess), 40),
			output.StatusColor(string(sess.Status)),
			sess.Environment,
			sessionSource(sess),
			output.Ago(sess.LastActiveAt),
		})
	}

	if len(rows) == 0 {
		ui.Info("No sessions found")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Status", "Env", "Source", "Active"})
	for _, row := range rows {
		_ = table.Append(row)
	}
	return table.Render()
}

func sessionTitle(sess *models.Session) string {
	if sess.Title == "" {
		return "(untitled)"
	}
	return sess.Title
}

// sessionSource labels where the workspace came from.
func sessionSource(sess *models.Session) string {
	if sess.Repo == "" {
		return "-"
	}
	label := git.RepoLabel(sess.Repo)
	if sess.Branch != "" {
		label += "@" + sess.Branch
	}
	return label
}

func sessionsShowRun(ctx context.Context, id string) error {
	ctx = ctxOrBackground(ctx)
	s, err := getStore()
	if err != nil {
		return err
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	msgs, err := s.ListMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(sess.ID), sessionTitle(sess))
	fmt.Fprintf(ui.Out, "  Status:      %s\n", output.StatusColor(string(sess.Status)))
	fmt.Fprintf(ui.Out, "  Environment: %s\n", sess.Environment)
	fmt.Fprintf(ui.Out, "  Workspace:   %s\n", sess.Workspace)
	if sess.Repo != "" {
		fmt.Fprintf(ui.Out, "  Repo:        %s\n", sessionSource(sess))
	}
	printWorkspaceGit(ctx, sess.Workspace)
	fmt.Fprintf(ui.Out, "  Created:     %s (%s)\n", sess.CreatedAt.Local().Format("2006-01-02 15:04"), output.Ago(sess.CreatedAt))
	fmt.Fprintf(ui.Out, "  Active:      %s\n", output.Ago(sess.LastActiveAt))
	if sess.RunMessageOffset != nil {
		fmt.Fprintf(ui.Out, "  Run starts:  message %d\n", *sess.RunMessageOffset)
	}
	fmt.Fprintln(ui.Out)

	for _, m := range msgs {
		printMessage(m)
	}
	return nil
}

// printWorkspaceGit shows the workspace's branch and commit when it is a
// git checkout.
func printWorkspaceGit(ctx context.Context, dir string) {
	if dir == "" {
		return
	}
	gc := git.NewClient()
	branch, err := gc.CurrentBranch(ctx, dir)
	if err != nil {
		ui.VerboseLog("workspace git: %v", err)
		return
	}
	commit, _ := gc.HeadCommit(ctx, dir)
	if len(commit) > 12 {
		commit = commit[:12]
	}
	fmt.Fprintf(ui.Out, "  Git:         %s %s\n", branch, commit)
}

func printMessage(m *models.Message) {
	role := output.Green(string(m.Role))
	if m.Role == models.RoleAssistant {
		role = output.Cyan(string(m.Role))
	}
	fmt.Fprintf(ui.Out, "[%d] %s\n", m.Seq, role)

	limit := 200
	if showFull {
		limit = 1 << 20
	}
	for _, b := range m.Blocks {
		switch b.Type {
		case models.BlockText:
			fmt.Fprintf(ui.Out, "  %s\n", indent(b.Text))
		case models.BlockToolUse:
			input, _ := json.Marshal(b.Input)
			fmt.Fprintf(ui.Out, "  %s %s %s\n", output.Yellow("tool_use"), b.Name, output.Truncate(string(input), limit))
		case models.BlockToolResult:
			label := output.Yellow("tool_result")
			if b.IsError {
				label = output.Red("tool_result (error)")
			}
			fmt.Fprintf(ui.Out, "  %s %s\n    %s\n", label, b.ToolUseID, indent(output.Truncate(b.Content, limit)))
		}
	}
	fmt.Fprintln(ui.Out)
}

func indent(s string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n    ")
}

func sessionsRecoverRun(ctx context.Context) error {
	ctx = ctxOrBackground(ctx)
	if pid, running := pidFile().IsRunning(); running {
		return fmt.Errorf("agentd server is running (pid %d); stop it before recovering sessions", pid)
	}

	s, err := getStore()
	if err != nil {
		return err
	}

	if dryRun {
		sessions, err := s.ListSessions(ctx, store.SessionListFilter{Status: models.SessionStatusRunning})
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			ui.DryRunMsg("Would reset %s to idle", sess.ID)
		}
		return nil
	}

	ids, err := s.RecoverSessions(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	if len(ids) == 0 {
		ui.Info("No interrupted sessions")
		return nil
	}
	for _, id := range ids {
		ui.VerboseLog("reset %s", id)
	}
	ui.Success("Reset %d interrupted session(s) to idle", len(ids))
	return nil
}
