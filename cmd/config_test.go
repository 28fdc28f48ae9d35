package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redloop/redloop/internal/output"
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
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("tdd.stuck_limit", 3)
	viper.SetDefault("sweep.stale_after", "5m")
	viper.SetDefault("sweep.interval", "30s")

	// Initialize output
	ui = output.New()

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
	assert.Contains(t, string(data), "redloop configuration")
	assert.Contains(t, string(data), "stuck_limit: 3")
	assert.Contains(t, string(data), `stale_after: "5m"`)
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	t.Cleanup(func() { configForce = false })
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "redloop configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigShow_WithFile(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("tdd:\n  stuck_limit: 5\n"), 0644))

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)

	err := configEditRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestDetectSource(t *testing.T) {
	t.Setenv("REDLOOP_TEST_SOURCE_VAR", "x")
	assert.Equal(t, "(env)", detectSource("any.key", "REDLOOP_TEST_SOURCE_VAR", nil))

	fileValues := map[string]bool{"tdd.stuck_limit": true}
	assert.Equal(t, "(file)", detectSource("tdd.stuck_limit", "REDLOOP_UNSET_VAR", fileValues))
	assert.Equal(t, "(default)", detectSource("sweep.interval", "REDLOOP_UNSET_VAR", fileValues))
}

func TestFlattenKeys(t *testing.T) {
	parsed := map[string]any{
		"anthropic": map[string]any{"model": "m"},
		"tdd":       map[string]any{"stuck_limit": 3},
		"top":       "value",
	}
	result := make(map[string]bool)
	flattenKeys("", parsed, result)

	assert.True(t, result["anthropic.model"])
	assert.True(t, result["tdd.stuck_limit"])
	assert.True(t, result["top"])
	assert.False(t, result["anthropic"])
}
