package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codexwatch/internal/importer"
	"codexwatch/internal/orchestrator"
	"codexwatch/internal/output"
	"codexwatch/internal/parsecache"
	"codexwatch/internal/sender"
	"codexwatch/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "codexwatch",
	Short: "codexwatch - mirror Codex CLI session logs into a local database",
	Long: `codexwatch watches the Codex CLI session log directory, incrementally
imports conversation transcripts into a local SQLite database, and
queues outgoing messages for delivery back to the CLI.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		// Bare `codexwatch` shows the session list.
		return sessionsListRun()
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/codexwatch/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "codexwatch")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CODEXWATCH")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "codexwatch")

	viper.SetDefault("codex_root", filepath.Join(home, ".codex", "sessions"))
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "codexwatch.db"))
	viper.SetDefault("cache_dir", filepath.Join(defaultConfigDir, "cache"))
	viper.SetDefault("scan.budget_mb", 16)
	viper.SetDefault("scan.tail_threshold_mb", 256)
	viper.SetDefault("scan.tail_mb", 8)
	viper.SetDefault("scan.head_kb", 256)
	viper.SetDefault("scan.max_line_mb", 2)
	viper.SetDefault("watch.poll", false)
	viper.SetDefault("watch.poll_interval", "30s")
	viper.SetDefault("watch.status_log", false)
	viper.SetDefault("outbox.command", "codex")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// The store is opened lazily so config/version commands run without
	// touching the database.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// newImporter builds an Importer from the effective scan settings.
func newImporter() (*importer.Importer, error) {
	cache, err := parsecache.New(viper.GetString("cache_dir"))
	if err != nil {
		return nil, fmt.Errorf("open parse cache: %w", err)
	}
	return importer.New(cache, importer.Options{
		MaxLineBytes:       viper.GetInt("scan.max_line_mb") * 1024 * 1024,
		TailThresholdBytes: viper.GetInt64("scan.tail_threshold_mb") * 1024 * 1024,
		TailBytes:          viper.GetInt64("scan.tail_mb") * 1024 * 1024,
		HeadBytes:          viper.GetInt64("scan.head_kb") * 1024,
	}), nil
}

// newOrchestrator wires the full pipeline from the effective settings.
// The sender is only attached when outbox draining is wanted.
func newOrchestrator(withSender bool) (*orchestrator.Orchestrator, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	imp, err := newImporter()
	if err != nil {
		return nil, err
	}

	var snd sender.MessageSender
	if withSender {
		snd = &sender.ExecSender{Program: viper.GetString("outbox.command")}
	}

	cfg := orchestrator.Config{
		Root:            viper.GetString("codex_root"),
		ScanBudgetBytes: viper.GetInt64("scan.budget_mb") * 1024 * 1024,
		PollInterval:    viper.GetDuration("watch.poll_interval"),
		ForcePolling:    viper.GetBool("watch.poll"),
		StatusLog:       viper.GetBool("watch.status_log") || verbose,
	}
	return orchestrator.New(s, imp, snd, ui, cfg), nil
}
