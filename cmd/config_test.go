package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/enroll/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper
	viper.Reset()
	setDefaults(dir)

	// Initialize output
	ui = output.New()

	t.Cleanup(func() {
		if dataStore != nil {
			_ = dataStore.Close()
			dataStore = nil
		}
	})

	return dir
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.NoError(t, err, "config file should exist")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "enroll configuration")
	assert.Contains(t, string(data), "host: jwc.swjtu.edu.cn")
	assert.Contains(t, string(data), "workers: 20")
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "enroll configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigShow_WithFile(t *testing.T) {
	testEnv(t)

	// Create config first
	require.NoError(t, configInitRun())

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)

	// Unset EDITOR and VISUAL
	origEditor := os.Getenv("EDITOR")
	origVisual := os.Getenv("VISUAL")
	_ = os.Unsetenv("EDITOR")
	_ = os.Unsetenv("VISUAL")
	t.Cleanup(func() {
		if origEditor != "" {
			_ = os.Setenv("EDITOR", origEditor)
		}
		if origVisual != "" {
			_ = os.Setenv("VISUAL", origVisual)
		}
	})

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)

	_ = os.Setenv("EDITOR", "echo") // harmless command
	t.Cleanup(func() { _ = os.Unsetenv("EDITOR") })

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	// From env
	os.Setenv("ENROLL_TEST_KEY", "val")
	defer os.Unsetenv("ENROLL_TEST_KEY")
	assert.Contains(t, detectSource("test_key", "ENROLL_TEST_KEY", fileValues), "env")

	// From file
	assert.Contains(t, detectSource("key_a", "ENROLL_KEY_A_NONEXISTENT", fileValues), "file")

	// Default
	assert.Contains(t, detectSource("key_b", "ENROLL_KEY_B_NONEXISTENT", fileValues), "default")
}

func TestFlattenKeys(t *testing.T) {
	input := map[string]any{
		"top": "val",
		"nested": map[string]any{
			"a": "1",
			"b": "2",
		},
	}

	result := make(map[string]bool)
	flattenKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}

func TestConfigInit_DryRun(t *testing.T) {
	dir := testEnv(t)
	dryRun = true
	ui.DryRun = true
	defer func() { dryRun = false }()

	err := configInitRun()
	require.NoError(t, err)

	// File should NOT have been created
	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.True(t, os.IsNotExist(err), "config file should not exist in dry-run mode")
}

func TestConfigInit_TemplateParses(t *testing.T) {
	dir := testEnv(t)
	require.NoError(t, configInitRun())

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	eps, ok := parsed["endpoints"].([]any)
	require.True(t, ok)
	assert.Len(t, eps, 2)

	viper.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, viper.ReadInConfig())
	got, err := endpointsFromConfig()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tms", got[1].Name)
	assert.Equal(t, "jiaowu.swjtu.edu.cn/TMS", got[1].Host)
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	testEnv(t)
	var out strings.Builder
	ui.Out = &out
	viper.Set("account.password", "hunter2")

	require.NoError(t, configShowRun())
	assert.Contains(t, out.String(), "********")
	assert.NotContains(t, out.String(), "hunter2")
	assert.Contains(t, out.String(), "jwc=jwc.swjtu.edu.cn")
}

func TestSaveConfigValue_KeepsOtherKeys(t *testing.T) {
	dir := testEnv(t)
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("account:\n  username: alice\nrace:\n  interval: 5s\n"), 0644))

	require.NoError(t, saveConfigValue("race.workers", 8))

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	var parsed map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	assert.Equal(t, "alice", parsed["account"]["username"])
	assert.Equal(t, "5s", parsed["race"]["interval"])
	assert.Equal(t, 8, parsed["race"]["workers"])
	assert.Equal(t, 8, viper.GetInt("race.workers"))
}

func TestSaveConfigValue_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	require.NoError(t, saveConfigValue("race.workers", 3))

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "workers: 3")
}

func TestEndpointsFromConfig_Invalid(t *testing.T) {
	testEnv(t)
	viper.Set("endpoints", []map[string]any{{"name": "x"}})

	_, err := endpointsFromConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no host")
}

func TestEndpointsFromConfig_NameDefaultsToHost(t *testing.T) {
	testEnv(t)
	viper.Set("endpoints", []map[string]any{{"host": "example.edu"}})

	eps, err := endpointsFromConfig()
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "example.edu", eps[0].Name)
}

func TestBuildSolver(t *testing.T) {
	testEnv(t)

	_, err := buildSolver()
	require.Error(t, err, "command solver without a command")
	assert.Contains(t, err.Error(), "solver.command")

	viper.Set("solver.command", "cat")
	s, err := buildSolver()
	require.NoError(t, err)
	assert.NotNil(t, s)

	viper.Set("solver.kind", "anthropic")
	_, err = buildSolver()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")

	viper.Set("anthropic.api_key", "sk-test")
	s, err = buildSolver()
	require.NoError(t, err)
	assert.NotNil(t, s)

	viper.Set("solver.kind", "ocr")
	_, err = buildSolver()
	assert.Error(t, err)
}

func TestGrabberConfig_RequiresCredential(t *testing.T) {
	testEnv(t)
	viper.Set("solver.command", "cat")

	_, err := grabberConfig(true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account.username")

	cfg, err := grabberConfig(false)
	require.NoError(t, err)
	assert.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, 10, cfg.MaxAttempts)

	viper.Set("account.username", "2023000001")
	viper.Set("account.password", "secret")
	cfg, err = grabberConfig(true)
	require.NoError(t, err)
	assert.NotNil(t, cfg.Solver)
	assert.Equal(t, "2023000001", cfg.Credential.Username)
}

func TestRaceOptions(t *testing.T) {
	testEnv(t)
	viper.Set("race.interval", "750ms")
	viper.Set("race.skip_in_flight", true)

	opts := raceOptions()
	assert.Equal(t, 750*time.Millisecond, opts.Interval)
	assert.Equal(t, 20, opts.Workers)
	assert.True(t, opts.SkipInFlight)
}
