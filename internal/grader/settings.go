package grader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// SettingsFile is the optional per-assignment configuration inside tests/.
const SettingsFile = "grader.yaml"

// Settings are the limits and environment for one assignment's runs.
type Settings struct {
	TimeoutSeconds      int               `yaml:"timeout_seconds,omitempty"`
	SetupTimeoutSeconds int               `yaml:"setup_timeout_seconds,omitempty"`
	MemoryMB            int               `yaml:"memory_mb,omitempty"`
	PidsLimit           int               `yaml:"pids_limit,omitempty"`
	Image               string            `yaml:"image,omitempty"`
	Environment         map[string]string `yaml:"environment,omitempty"`
}

func (s Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// SetupTimeout falls back to the run timeout.
func (s Settings) SetupTimeout() time.Duration {
	if s.SetupTimeoutSeconds > 0 {
		return time.Duration(s.SetupTimeoutSeconds) * time.Second
	}
	return s.Timeout()
}

// Env renders Environment as sorted KEY=value pairs.
func (s Settings) Env() []string {
	keys := make([]string, 0, len(s.Environment))
	for k := range s.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, len(keys))
	for i, k := range keys {
		env[i] = k + "=" + s.Environment[k]
	}
	return env
}

// LoadSettings reads path over defaults. A missing file yields defaults.
func LoadSettings(path string, defaults Settings) (Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaults, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read %s: %w", SettingsFile, err)
	}

	s := defaults
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse %s: %w", SettingsFile, err)
	}
	if s.TimeoutSeconds <= 0 {
		return Settings{}, fmt.Errorf("%s: timeout_seconds must be positive", SettingsFile)
	}
	if s.MemoryMB < 0 || s.PidsLimit < 0 {
		return Settings{}, fmt.Errorf("%s: limits must not be negative", SettingsFile)
	}
	return s, nil
}
