// Package config loads edison configuration: embedded defaults, the project's
// .edison/config.yaml, an optional untracked .edison/config.local.yaml, and
// EDISON_* environment variables, in increasing order of precedence.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ConfigDirName is the per-project configuration directory.
const ConfigDirName = ".edison"

var (
	v        *viper.Viper
	repoRoot string
)

// Initialize (re)loads configuration for the project rooted at root. When
// root is empty the project root is discovered by walking up from the
// working directory.
func Initialize(root string) error {
	v = viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultsYAML)); err != nil {
		return fmt.Errorf("failed to read embedded defaults: %w", err)
	}

	v.SetEnvPrefix("EDISON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	RegisterPathDefaults()
	RegisterLockDefaults()
	RegisterValidationDefaults()
	RegisterSessionDefaults()
	RegisterTaskDefaults()
	RegisterTelemetryDefaults()
	v.SetDefault(KeyActor, "")
	v.SetDefault(KeyJSON, false)

	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		root = FindRepoRoot(cwd)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve repo root %s: %w", root, err)
	}
	repoRoot = abs

	for _, name := range []string{"config.yaml", "config.local.yaml"} {
		path := filepath.Join(repoRoot, ConfigDirName, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}
	return nil
}

// FindRepoRoot walks up from dir looking for a .edison directory, then for a
// .git entry. Falls back to dir itself.
func FindRepoRoot(dir string) string {
	for _, marker := range []string{ConfigDirName, ".git"} {
		cur := dir
		for {
			if _, err := os.Stat(filepath.Join(cur, marker)); err == nil {
				return cur
			}
			parent := filepath.Dir(cur)
			if parent == cur {
				break
			}
			cur = parent
		}
	}
	return dir
}

// ResetForTesting clears all loaded configuration.
func ResetForTesting() {
	v = nil
	repoRoot = ""
}

// RepoRoot returns the project root resolved by Initialize.
func RepoRoot() string {
	return repoRoot
}

// ConfigFileUsed returns the last merged project config file, if any.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	return v.GetStringSlice(key)
}

// Set sets a configuration value (process-local override).
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// IsSet reports whether key has a value from any source.
func IsSet(key string) bool {
	if v == nil {
		return false
	}
	return v.IsSet(key)
}

// Decode decodes the nested configuration under key into out using yaml
// field tags, so custom yaml.Unmarshaler implementations on out are honoured.
func Decode(key string, out interface{}) error {
	if v == nil {
		return fmt.Errorf("config not initialized")
	}
	raw := v.Get(key)
	if raw == nil {
		return fmt.Errorf("config key %q not set", key)
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid %s configuration: %w", key, err)
	}
	return nil
}
