package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/agentd/internal/api"
	"github.com/joescharf/agentd/internal/daemon"
)

const (
	shutdownTimeout = 30 * time.Second
	stopTimeout     = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentd HTTP server in the foreground",
	Long: `Start the agentd HTTP API. Sessions left running by a previous process
are reset to idle before the server accepts requests.

Use 'agentd serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().String("addr", "", "listen address (default :8420)")
	_ = viper.BindPFlag("listen_addr", serveCmd.PersistentFlags().Lookup("addr"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "agentd-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "agentd-serve.log")
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	eng, err := newEngine()
	if err != nil {
		return err
	}
	log := eng.log.With("component", "serve")

	// Recovery rewrites running sessions, so it must never run while another
	// server owns them.
	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Remove() }()

	recovered, err := eng.store.RecoverSessions(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	if len(recovered) > 0 {
		log.Warn("reset sessions interrupted by a previous shutdown", "count", len(recovered))
	}

	srv := &http.Server{
		Addr:              eng.cfg.ListenAddr,
		Handler:           api.NewServer(eng.orch, eng.store, eng.bus, eng.log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("listening",
		"addr", ln.Addr().String(),
		"max_concurrent", eng.cfg.MaxConcurrent,
		"environments", eng.cfg.EnvironmentNames(),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Cancelling runs first ends their event streams, so open SSE
	// connections drain before the HTTP server waits on them.
	if err := eng.close(shutdownCtx); err != nil {
		log.Warn("runs did not finish before timeout", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return eng.store.Close()
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("agentd server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"serve"}
	if cfgFile := viper.ConfigFileUsed(); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if addr := viper.GetString("listen_addr"); addr != "" {
		args = append(args, "--addr", addr)
	}

	if dryRun {
		ui.DryRunMsg("Would run: %s %s", exe, strings.Join(args, " "))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(serveLogPath()), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := child.Process.Release(); err != nil {
		ui.VerboseLog("release child: %v", err)
	}

	ui.Success("agentd server started (pid %d)", child.Process.Pid)
	ui.Info("Logs: %s", serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("agentd server is not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop pid %d", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if _, alive := pf.IsRunning(); !alive {
			ui.Success("agentd server stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	ui.Warning("server did not exit within %s, killing pid %d", stopTimeout, pid)
	if err := pf.Signal(sigKILL()); err != nil {
		return fmt.Errorf("kill server: %w", err)
	}
	_ = pf.Remove()
	return nil
}

func serveStatusRun() error {
	pid, running := pidFile().IsRunning()
	if !running {
		ui.Info("agentd server is %s", "not running")
		return nil
	}
	ui.Success("agentd server running (pid %d)", pid)

	health, err := fetchHealth(viper.GetString("listen_addr"))
	if err != nil {
		ui.Warning("health check failed: %v", err)
		return nil
	}
	ui.Info("Runs in flight: %d of %d", health.Running, health.MaxConcurrent)
	return nil
}

type healthResponse struct {
	Status        string `json:"status"`
	Running       int    `json:"running"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// fetchHealth queries the local server's health endpoint.
func fetchHealth(addr string) (*healthResponse, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/api/v1/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}
