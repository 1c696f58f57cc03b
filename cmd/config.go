package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/agentd/internal/config"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "agentd"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage agentd configuration.

Running bare 'agentd config' is the same as 'agentd config show'.`,
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
const configTemplate = `# agentd configuration
# See: agentd config show (for effective values and sources)

# State/data directory (default: ~/.config/agentd)
# state_dir: {{ .StateDir }}

# SQLite database path (default: <state_dir>/agentd.db)
# db_path: {{ .DBPath }}

# Directory under which each session gets its own workspace
workspace_root: "{{ .WorkspaceRoot }}"

# HTTP listen address for 'agentd serve'
listen_addr: "{{ .ListenAddr }}"

# Maximum number of claude runs in flight; requests beyond it are rejected
max_concurrent: {{ .MaxConcurrent }}

# How long a finished run's events stay available for late observers
bus_grace_period: {{ .BusGracePeriod }}

claude:
  # Path or name of the claude CLI
  binary: "{{ .ClaudeBinary }}"

# Session titles (optional; falls back to the first line of the prompt)
anthropic:
  # api_key: ""   # or set ANTHROPIC_API_KEY
  model: "{{ .AnthropicModel }}"

log:
  # text or json
  format: "{{ .LogFormat }}"
  # debug, info, warn or error
  level: "{{ .LogLevel }}"

# Environment profiles select the tools and limits a run gets
environments:
  default:
    allowed_tools: [{{ .DefaultTools }}]
    max_turns: {{ .DefaultMaxTurns }}
  # readonly:
  #   allowed_tools: [Read, Glob, Grep]
  #   max_turns: 20
  #   env:
  #     GIT_AUTHOR_NAME: agentd
`

type configTemplateData struct {
	StateDir        string
	DBPath          string
	WorkspaceRoot   string
	ListenAddr      string
	MaxConcurrent   int
	BusGracePeriod  string
	ClaudeBinary    string
	AnthropicModel  string
	LogFormat       string
	LogLevel        string
	DefaultTools    string
	DefaultMaxTurns int
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
		StateDir:        viper.GetString("state_dir"),
		DBPath:          viper.GetString("db_path"),
		WorkspaceRoot:   viper.GetString("workspace_root"),
		ListenAddr:      viper.GetString("listen_addr"),
		MaxConcurrent:   viper.GetInt("max_concurrent"),
		BusGracePeriod:  viper.GetDuration("bus_grace_period").String(),
		ClaudeBinary:    viper.GetString("claude.binary"),
		AnthropicModel:  viper.GetString("anthropic.model"),
		LogFormat:       viper.GetString("log.format"),
		LogLevel:        viper.GetString("log.level"),
		DefaultTools:    strings.Join(viper.GetStringSlice("environments.default.allowed_tools"), ", "),
		DefaultMaxTurns: viper.GetInt("environments.default.max_turns"),
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
	{Key: "state_dir", EnvVar: "AGENTD_STATE_DIR"},
	{Key: "db_path", EnvVar: "AGENTD_DB_PATH"},
	{Key: "workspace_root", EnvVar: "AGENTD_WORKSPACE_ROOT"},
	{Key: "listen_addr", EnvVar: "AGENTD_LISTEN_ADDR"},
	{Key: "max_concurrent", EnvVar: "AGENTD_MAX_CONCURRENT"},
	{Key: "bus_grace_period", EnvVar: "AGENTD_BUS_GRACE_PERIOD"},
	{Key: "claude.binary", EnvVar: "AGENTD_CLAUDE_BINARY"},
	{Key: "anthropic.model", EnvVar: "AGENTD_ANTHROPIC_MODEL"},
	{Key: "log.format", EnvVar: "AGENTD_LOG_FORMAT"},
	{Key: "log.level", EnvVar: "AGENTD_LOG_LEVEL"},
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
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		ui.Warning("Configuration is invalid: %v", err)
		return nil
	}

	fmt.Fprintln(ui.Out)
	ui.Info("Environments:")
	out, err := yaml.Marshal(cfg.Environments)
	if err != nil {
		return fmt.Errorf("marshal environments: %w", err)
	}
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		fmt.Fprintf(ui.Out, "  %s\n", line)
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
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'agentd config init' first)", cfgPath)
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
