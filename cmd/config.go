package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "codexwatch"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage codexwatch configuration.

Running bare 'codexwatch config' is the same as 'codexwatch config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# codexwatch configuration
# See: codexwatch config show (for effective values and sources)

# Codex CLI session log directory (default: ~/.codex/sessions)
# codex_root: {{ .CodexRoot }}

# SQLite database path (default: ~/.config/codexwatch/codexwatch.db)
# db_path: {{ .DBPath }}

# Parse-state cache directory (default: ~/.config/codexwatch/cache)
# cache_dir: {{ .CacheDir }}

# Scan limits
scan:
  # Total megabytes parsed per rescan pass (default: 16)
  budget_mb: {{ .ScanBudgetMB }}

  # Files larger than this are read tail-only (default: 256)
  tail_threshold_mb: {{ .TailThresholdMB }}

# Watch behavior
watch:
  # Force timer polling instead of filesystem notifications (default: false)
  poll: {{ .WatchPoll }}

  # Polling interval when notifications are unavailable (default: 30s)
  poll_interval: "{{ .PollInterval }}"

# Outbox delivery
outbox:
  # CLI program invoked to deliver queued messages (default: "codex")
  command: "{{ .OutboxCommand }}"
`

type configTemplateData struct {
	CodexRoot       string
	DBPath          string
	CacheDir        string
	ScanBudgetMB    int
	TailThresholdMB int
	WatchPoll       bool
	PollInterval    string
	OutboxCommand   string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		CodexRoot:       viper.GetString("codex_root"),
		DBPath:          viper.GetString("db_path"),
		CacheDir:        viper.GetString("cache_dir"),
		ScanBudgetMB:    viper.GetInt("scan.budget_mb"),
		TailThresholdMB: viper.GetInt("scan.tail_threshold_mb"),
		WatchPoll:       viper.GetBool("watch.poll"),
		PollInterval:    viper.GetString("watch.poll_interval"),
		OutboxCommand:   viper.GetString("outbox.command"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "codex_root", EnvVar: "CODEXWATCH_CODEX_ROOT"},
	{Key: "db_path", EnvVar: "CODEXWATCH_DB_PATH"},
	{Key: "cache_dir", EnvVar: "CODEXWATCH_CACHE_DIR"},
	{Key: "scan.budget_mb", EnvVar: "CODEXWATCH_SCAN_BUDGET_MB"},
	{Key: "scan.tail_threshold_mb", EnvVar: "CODEXWATCH_SCAN_TAIL_THRESHOLD_MB"},
	{Key: "scan.tail_mb", EnvVar: "CODEXWATCH_SCAN_TAIL_MB"},
	{Key: "scan.head_kb", EnvVar: "CODEXWATCH_SCAN_HEAD_KB"},
	{Key: "scan.max_line_mb", EnvVar: "CODEXWATCH_SCAN_MAX_LINE_MB"},
	{Key: "watch.poll", EnvVar: "CODEXWATCH_WATCH_POLL"},
	{Key: "watch.poll_interval", EnvVar: "CODEXWATCH_WATCH_POLL_INTERVAL"},
	{Key: "watch.status_log", EnvVar: "CODEXWATCH_WATCH_STATUS_LOG"},
	{Key: "outbox.command", EnvVar: "CODEXWATCH_OUTBOX_COMMAND"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-24s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set — set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'codexwatch config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
