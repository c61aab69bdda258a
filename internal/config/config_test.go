package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProjectConfig(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, ConfigDirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestInitialize(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Initialize(root))
	require.NotNil(t, v, "viper instance is nil after Initialize()")

	abs, _ := filepath.Abs(root)
	assert.Equal(t, abs, RepoRoot())
}

func TestDefaults(t *testing.T) {
	require.NoError(t, Initialize(t.TempDir()))

	tests := []struct {
		key      string
		expected interface{}
		getter   func(string) interface{}
	}{
		{KeyManagementRoot, ".project", func(k string) interface{} { return GetString(k) }},
		{KeyLockTimeout, 30 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyLockPollInterval, 100 * time.Millisecond, func(k string) interface{} { return GetDuration(k) }},
		{KeyLockNFSSafe, true, func(k string) interface{} { return GetBool(k) }},
		{KeyValidationMaxWorkers, 4, func(k string) interface{} { return GetInt(k) }},
		{KeyValidationBundleFile, "bundle-approved.json", func(k string) interface{} { return GetString(k) }},
		{KeySessionBaseBranch, "main", func(k string) interface{} { return GetString(k) }},
		{KeySessionEnforceWorktree, false, func(k string) interface{} { return GetBool(k) }},
		{KeyTaskReadyState, "todo", func(k string) interface{} { return GetString(k) }},
		{KeyTelemetryEnabled, false, func(k string) interface{} { return GetBool(k) }},
		{KeyTelemetryExportInterval, 30 * time.Second, func(k string) interface{} { return GetDuration(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.getter(tt.key))
		})
	}
}

func TestEnvironmentBinding(t *testing.T) {
	t.Setenv("EDISON_LOCKS_TIMEOUT", "5s")
	t.Setenv("EDISON_SESSION_BASE_BRANCH", "develop")
	t.Setenv("EDISON_VALIDATION_MAX_WORKERS", "9")
	t.Setenv("EDISON_TELEMETRY_ENABLED", "true")

	require.NoError(t, Initialize(t.TempDir()))

	assert.Equal(t, 5*time.Second, GetLockSettings().Timeout)
	assert.Equal(t, "develop", GetSessionSettings().BaseBranch)
	assert.Equal(t, 9, GetValidationSettings().MaxWorkers)
	assert.True(t, GetTelemetrySettings().Enabled)
}

func TestConfigFilePrecedence(t *testing.T) {
	root := t.TempDir()
	writeProjectConfig(t, root, "config.yaml", `
paths:
  management_root: .mgmt
session:
  base_branch: trunk
validation:
  max_workers: 2
`)
	writeProjectConfig(t, root, "config.local.yaml", `
validation:
  max_workers: 6
`)

	require.NoError(t, Initialize(root))

	assert.Equal(t, filepath.Join(RepoRoot(), ".mgmt"), ManagementRoot())
	assert.Equal(t, "trunk", GetSessionSettings().BaseBranch)
	assert.Equal(t, 6, GetValidationSettings().MaxWorkers, "local config must win over project config")
	assert.Equal(t, "bundle-approved.json", GetValidationSettings().BundleFile, "unset keys keep defaults")
}

func TestInvalidConfigFile(t *testing.T) {
	root := t.TempDir()
	writeProjectConfig(t, root, "config.yaml", "paths: [unterminated")
	err := Initialize(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.yaml")
}

func TestFindRepoRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ConfigDirName), 0o755))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	assert.Equal(t, root, FindRepoRoot(nested))
}

func TestDecode(t *testing.T) {
	require.NoError(t, Initialize(t.TempDir()))

	var roster []struct {
		ID        string   `yaml:"id"`
		Blocking  bool     `yaml:"blocking"`
		AlwaysRun bool     `yaml:"always_run"`
		Triggers  []string `yaml:"triggers"`
	}
	require.NoError(t, Decode(KeyValidators, &roster))
	require.NotEmpty(t, roster)

	var database bool
	for _, r := range roster {
		if r.ID == "database" {
			database = true
			assert.True(t, r.Blocking)
			assert.Contains(t, r.Triggers, "**/*.prisma")
		}
	}
	assert.True(t, database, "default roster must include the database validator")

	var machines map[string]struct {
		States map[string]struct {
			Initial bool `yaml:"initial"`
			Final   bool `yaml:"final"`
		} `yaml:"states"`
	}
	require.NoError(t, Decode(KeyStateMachine, &machines))
	assert.Contains(t, machines, "task")
	assert.Contains(t, machines, "qa")
	assert.Contains(t, machines, "session")
	assert.True(t, machines["task"].States["todo"].Initial)
	assert.True(t, machines["task"].States["validated"].Final)

	err := Decode("does.not.exist", &roster)
	assert.Error(t, err)
}

func TestNilViperBehavior(t *testing.T) {
	ResetForTesting()
	defer ResetForTesting()

	assert.Equal(t, "", GetString(KeyActor))
	assert.False(t, GetBool(KeyJSON))
	assert.Equal(t, 0, GetInt(KeyValidationMaxWorkers))
	assert.Equal(t, time.Duration(0), GetDuration(KeyLockTimeout))
	assert.Nil(t, GetStringSlice(KeyValidationWaves))
	assert.False(t, IsSet(KeyActor))
	Set(KeyActor, "ignored")
	assert.Error(t, Decode(KeyValidators, &struct{}{}))
}
