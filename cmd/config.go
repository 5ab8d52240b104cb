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
	return filepath.Join(home, ".config", "healthwatch"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage healthwatch configuration.

Running bare 'healthwatch config' is the same as 'healthwatch config show'.`,
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
const configTemplate = `# healthwatch configuration
# See: healthwatch config show (for effective values and sources)

# State/data directory (default: ~/.config/healthwatch)
# state_dir: {{ .StateDir }}

# SQLite database path for diagnostic reports
# db_path: {{ .DBPath }}

# HTTP/WebSocket server port (default: 8080)
# port: {{ .Port }}

# Issue feed
feed:
  # Path to a YAML issue fixture; empty uses the built-in demo feed
  path: "{{ .FeedPath }}"

  # How often to re-read the feed (default: "30s")
  interval: "{{ .FeedInterval }}"

# Agent settings
agent:
  # Backend: "mock" (deterministic scripts) or "anthropic"
  mode: "{{ .AgentMode }}"

  # Mock script profile: "crashloop" or "imagepullbackoff"
  profile: "{{ .AgentProfile }}"

  # Steps allowed before the session stalls for a resume decision
  max_steps: {{ .AgentMaxSteps }}

  # Per-step timeout (default: "120s")
  step_timeout: "{{ .AgentStepTimeout }}"

# Anthropic API (only used when agent.mode is "anthropic")
anthropic:
  # api_key: ""
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir         string
	DBPath           string
	Port             int
	FeedPath         string
	FeedInterval     string
	AgentMode        string
	AgentProfile     string
	AgentMaxSteps    int
	AgentStepTimeout string
	AnthropicModel   string
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
		StateDir:         viper.GetString("state_dir"),
		DBPath:           viper.GetString("db_path"),
		Port:             viper.GetInt("port"),
		FeedPath:         viper.GetString("feed.path"),
		FeedInterval:     viper.GetString("feed.interval"),
		AgentMode:        viper.GetString("agent.mode"),
		AgentProfile:     viper.GetString("agent.profile"),
		AgentMaxSteps:    viper.GetInt("agent.max_steps"),
		AgentStepTimeout: viper.GetString("agent.step_timeout"),
		AnthropicModel:   viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
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
	{Key: "state_dir", EnvVar: "HEALTHWATCH_STATE_DIR"},
	{Key: "db_path", EnvVar: "HEALTHWATCH_DB_PATH"},
	{Key: "port", EnvVar: "HEALTHWATCH_PORT"},
	{Key: "feed.path", EnvVar: "HEALTHWATCH_FEED_PATH"},
	{Key: "feed.interval", EnvVar: "HEALTHWATCH_FEED_INTERVAL"},
	{Key: "agent.mode", EnvVar: "HEALTHWATCH_AGENT_MODE"},
	{Key: "agent.profile", EnvVar: "HEALTHWATCH_AGENT_PROFILE"},
	{Key: "agent.max_steps", EnvVar: "HEALTHWATCH_AGENT_MAX_STEPS"},
	{Key: "agent.step_timeout", EnvVar: "HEALTHWATCH_AGENT_STEP_TIMEOUT"},
	{Key: "anthropic.model", EnvVar: "HEALTHWATCH_ANTHROPIC_MODEL"},
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
		return fmt.Errorf("$EDITOR is not set (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); err != nil {
		return fmt.Errorf("config file does not exist: %s (run 'healthwatch config init')", cfgPath)
	}

	c := exec.Command(editor, cfgPath)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}
