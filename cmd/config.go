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

	"github.com/joescharf/enroll/internal/grabber"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "enroll"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage enroll configuration.

Running bare 'enroll config' is the same as 'enroll config show'.`,
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
const configTemplate = `# enroll configuration
# See: enroll config show (for effective values and sources)

# State/data directory (default: ~/.config/enroll)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/enroll/enroll.db)
# db_path: {{ .DBPath }}

# Account used on every endpoint. Prefer ENROLL_ACCOUNT_PASSWORD in a .env
# file over storing the password here.
account:
  username: "{{ .Username }}"
  # password: ""

# Backend deployments, raced concurrently. A host without a scheme is
# probed for HTTPS first.
endpoints:
{{- range .Endpoints }}
  - name: {{ .Name }}
    host: {{ .Host }}
{{- end }}

login:
  # Captcha/login attempts per endpoint before giving up
  max_attempts: {{ .MaxAttempts }}

# Captcha solver: "command" runs an external program with the image on
# stdin and reads the code from stdout; "anthropic" uses a vision model.
solver:
  kind: {{ .SolverKind }}
  command: "{{ .SolverCommand }}"
  code_length: {{ .CodeLength }}

anthropic:
  # api_key: "" (or ANTHROPIC_API_KEY)
  model: {{ .AnthropicModel }}

race:
  # Delay between rounds
  interval: {{ .Interval }}
  # Concurrent claim requests (enroll race --workers N --save)
  workers: {{ .Workers }}
  skip_in_flight: {{ .SkipInFlight }}

log:
  file: {{ .LogFile }}
  level: {{ .LogLevel }}
`

type configTemplateData struct {
	StateDir       string
	DBPath         string
	Username       string
	Endpoints      []grabber.EndpointConfig
	MaxAttempts    int
	SolverKind     string
	SolverCommand  string
	CodeLength     int
	AnthropicModel string
	Interval       string
	Workers        int
	SkipInFlight   bool
	LogFile        string
	LogLevel       string
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

	eps, err := endpointsFromConfig()
	if err != nil {
		return err
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:       viper.GetString("state_dir"),
		DBPath:         viper.GetString("db_path"),
		Username:       viper.GetString("account.username"),
		Endpoints:      eps,
		MaxAttempts:    viper.GetInt("login.max_attempts"),
		SolverKind:     viper.GetString("solver.kind"),
		SolverCommand:  viper.GetString("solver.command"),
		CodeLength:     viper.GetInt("solver.code_length"),
		AnthropicModel: viper.GetString("anthropic.model"),
		Interval:       viper.GetDuration("race.interval").String(),
		Workers:        viper.GetInt("race.workers"),
		SkipInFlight:   viper.GetBool("race.skip_in_flight"),
		LogFile:        viper.GetString("log.file"),
		LogLevel:       viper.GetString("log.level"),
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
	{Key: "state_dir", EnvVar: "ENROLL_STATE_DIR"},
	{Key: "db_path", EnvVar: "ENROLL_DB_PATH"},
	{Key: "account.username", EnvVar: "ENROLL_ACCOUNT_USERNAME"},
	{Key: "account.password", EnvVar: "ENROLL_ACCOUNT_PASSWORD"},
	{Key: "endpoints", EnvVar: "ENROLL_ENDPOINTS"},
	{Key: "login.max_attempts", EnvVar: "ENROLL_LOGIN_MAX_ATTEMPTS"},
	{Key: "login.retry_delay", EnvVar: "ENROLL_LOGIN_RETRY_DELAY"},
	{Key: "http.timeout", EnvVar: "ENROLL_HTTP_TIMEOUT"},
	{Key: "http.claim_timeout", EnvVar: "ENROLL_HTTP_CLAIM_TIMEOUT"},
	{Key: "http.probe_timeout", EnvVar: "ENROLL_HTTP_PROBE_TIMEOUT"},
	{Key: "http.user_agent", EnvVar: "ENROLL_HTTP_USER_AGENT"},
	{Key: "race.interval", EnvVar: "ENROLL_RACE_INTERVAL"},
	{Key: "race.workers", EnvVar: "ENROLL_RACE_WORKERS"},
	{Key: "race.queue_size", EnvVar: "ENROLL_RACE_QUEUE_SIZE"},
	{Key: "race.skip_in_flight", EnvVar: "ENROLL_RACE_SKIP_IN_FLIGHT"},
	{Key: "solver.kind", EnvVar: "ENROLL_SOLVER_KIND"},
	{Key: "solver.command", EnvVar: "ENROLL_SOLVER_COMMAND"},
	{Key: "solver.code_length", EnvVar: "ENROLL_SOLVER_CODE_LENGTH"},
	{Key: "anthropic.api_key", EnvVar: "ENROLL_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "ENROLL_ANTHROPIC_MODEL"},
	{Key: "log.file", EnvVar: "ENROLL_LOG_FILE"},
	{Key: "log.level", EnvVar: "ENROLL_LOG_LEVEL"},
	{Key: "log.max_size_mb", EnvVar: "ENROLL_LOG_MAX_SIZE_MB"},
	{Key: "log.max_backups", EnvVar: "ENROLL_LOG_MAX_BACKUPS"},
}

// secretKeys are masked in config show.
var secretKeys = map[string]bool{
	"account.password":  true,
	"anthropic.api_key": true,
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
		if secretKeys[k.Key] && viper.GetString(k.Key) != "" {
			val = "********"
		}
		if k.Key == "endpoints" {
			eps, _ := endpointsFromConfig()
			val = formatEndpoints(eps)
		}
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
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'enroll config init' first)", cfgPath)
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

func formatEndpoints(eps []grabber.EndpointConfig) string {
	parts := make([]string, len(eps))
	for i, ep := range eps {
		parts[i] = ep.Name + "=" + ep.Host
	}
	return strings.Join(parts, ",")
}

// saveConfigValue sets a dotted key in the config file, creating the file
// if needed and leaving every other key untouched.
func saveConfigValue(key string, value any) error {
	cfgPath := viper.ConfigFileUsed()
	if cfgPath == "" {
		var err error
		if cfgPath, err = configFilePath(); err != nil {
			return err
		}
	}

	doc := map[string]any{}
	data, err := os.ReadFile(cfgPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", cfgPath, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("read %s: %w", cfgPath, err)
	}

	parts := strings.Split(key, ".")
	m := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value

	if dryRun {
		ui.DryRunMsg("Would set %s = %v in %s", key, value, cfgPath)
		return nil
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, out, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	viper.Set(key, value)
	return nil
}
