package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codexwatch/internal/daemon"
)

var watchDetach bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the session log directory and keep the database in sync",
	Long: `Watch runs the import pipeline continuously: filesystem changes under
the Codex session directory trigger incremental rescans, and queued
outbox messages are delivered in the background.

With --detach the watcher runs as a background process; stop it with
'codexwatch watch stop'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchDetach {
			return watchDetachRun()
		}
		return watchRun(cmd)
	},
}

var watchStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a detached watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchStopRun()
	},
}

var watchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a watcher is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		pf := daemon.NewPIDFile(pidFilePath())
		if pid, running := pf.IsRunning(); running {
			ui.Success("watcher running (pid %d)", pid)
		} else {
			ui.Info("watcher not running")
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVarP(&watchDetach, "detach", "d", false, "Run in the background")
	watchCmd.AddCommand(watchStopCmd)
	watchCmd.AddCommand(watchStatusCmd)
	rootCmd.AddCommand(watchCmd)
}

func pidFilePath() string {
	return filepath.Join(filepath.Dir(viper.GetString("db_path")), "codexwatch.pid")
}

func watchRun(cmd *cobra.Command) error {
	pf := daemon.NewPIDFile(pidFilePath())
	if err := os.MkdirAll(filepath.Dir(pf.Path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Remove() }()

	orch, err := newOrchestrator(true)
	if err != nil {
		return err
	}
	defer dataStore.Close()

	ctx := cmd.Context()
	orch.Start(ctx)
	defer orch.Stop()

	ui.Info("watching %s", viper.GetString("codex_root"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, daemon.ShutdownSignals()...)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		ui.Info("received %s, shutting down", sig)
	}
	return nil
}

// watchDetachRun re-executes the current binary as a detached watcher.
func watchDetachRun() error {
	pf := daemon.NewPIDFile(pidFilePath())
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("watcher already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	args := []string{"watch"}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	child := exec.Command(exe, args...)
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	daemon.Detach(child)

	if dryRun {
		ui.DryRunMsg("Would start detached watcher: %s %v", exe, args)
		return nil
	}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	ui.Success("watcher started (pid %d)", child.Process.Pid)
	return child.Process.Release()
}

func watchStopRun() error {
	pf := daemon.NewPIDFile(pidFilePath())
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("watcher not running")
		return nil
	}

	if dryRun {
		ui.DryRunMsg("Would stop watcher (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(daemon.TermSignal()); err != nil {
		return fmt.Errorf("signal watcher: %w", err)
	}

	// Give it a few seconds to exit cleanly, then force.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, still := pf.IsRunning(); !still {
			ui.Success("watcher stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := pf.Signal(daemon.KillSignal()); err != nil {
		return fmt.Errorf("kill watcher: %w", err)
	}
	ui.Warning("watcher killed after timeout")
	return nil
}
