package cmd

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codexwatch/internal/watcher"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment and report problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		return doctorRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func doctorRun(ctx context.Context) error {
	problems := 0

	// Session log directory
	root := viper.GetString("codex_root")
	if info, err := os.Stat(root); err != nil {
		ui.Error("session directory missing: %s", root)
		problems++
	} else if !info.IsDir() {
		ui.Error("session path is not a directory: %s", root)
		problems++
	} else {
		n := countLogFiles(root)
		ui.Success("session directory: %s (%d log files)", root, n)

		w := watcher.New(root, func(string) {})
		if w.Active() {
			ui.Success("filesystem notifications available")
		} else {
			ui.Warning("filesystem notifications unavailable, watch will poll")
		}
		w.Close()
	}

	// Database
	if s, err := getStore(); err != nil {
		ui.Error("database: %v", err)
		problems++
	} else {
		sessions, err := s.ListSessions(ctx)
		if err != nil {
			ui.Error("database query failed: %v", err)
			problems++
		} else {
			ui.Success("database: %s (%d sessions)", viper.GetString("db_path"), len(sessions))
		}
	}

	// Parse-state cache
	cacheDir := viper.GetString("cache_dir")
	if err := probeWritable(cacheDir); err != nil {
		ui.Error("cache directory not writable: %v", err)
		problems++
	} else {
		ui.Success("cache directory: %s", cacheDir)
	}

	// Outbox delivery command
	program := viper.GetString("outbox.command")
	if path, err := exec.LookPath(program); err != nil {
		ui.Warning("outbox command %q not found on PATH, delivery will fail", program)
	} else {
		ui.Success("outbox command: %s", path)
	}

	if problems > 0 {
		ui.Warning("%d problem(s) found", problems)
	} else {
		ui.Success("everything looks good")
	}
	return nil
}

func countLogFiles(root string) int {
	n := 0
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
			n++
		}
		return nil
	})
	return n
}

func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
