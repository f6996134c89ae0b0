package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/tandem/internal/driver"
	"github.com/benaskins/tandem/internal/spec"
)

// Config holds persistent settings loaded from ~/.tandem/config.yaml.
// Command-line flags override every field.
type Config struct {
	LogDir           string          `yaml:"log_dir"`
	StateDir         string          `yaml:"state_dir"`
	GracePeriod      spec.Duration   `yaml:"grace_period"`
	KillWait         spec.Duration   `yaml:"kill_wait"`
	StartupIntervals []spec.Duration `yaml:"startup_intervals"`
	Journal          bool            `yaml:"journal"`
}

// Dir returns tandem's home directory: ~/.tandem.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tandem")
}

// DefaultPath returns the default config file path: ~/.tandem/config.yaml.
func DefaultPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns an empty Config and no error. An empty or all-comment file
// also returns an empty Config with no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.LogDir = expandHome(cfg.LogDir)
	cfg.StateDir = expandHome(cfg.StateDir)
	return cfg, nil
}

// Validate rejects negative durations.
func (c *Config) Validate() error {
	if c.GracePeriod.Duration < 0 {
		return fmt.Errorf("grace_period must not be negative")
	}
	if c.KillWait.Duration < 0 {
		return fmt.Errorf("kill_wait must not be negative")
	}
	for i, d := range c.StartupIntervals {
		if d.Duration <= 0 {
			return fmt.Errorf("startup_intervals[%d] must be positive", i)
		}
	}
	return nil
}

// Timeouts returns the configured lifecycle bounds. Unset values are left
// zero so the driver defaults apply.
func (c *Config) Timeouts() driver.Timeouts {
	t := driver.Timeouts{
		GracePeriod: c.GracePeriod.Duration,
		KillWait:    c.KillWait.Duration,
	}
	for _, d := range c.StartupIntervals {
		t.StartupChecks = append(t.StartupChecks, d.Duration)
	}
	return t
}

// ResolvedStateDir returns the state dir, defaulting to ~/.tandem/state.
func (c *Config) ResolvedStateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	if dir := Dir(); dir != "" {
		return filepath.Join(dir, "state")
	}
	return ""
}

// ResolvedLogDir returns the log dir, defaulting to the current directory.
func (c *Config) ResolvedLogDir() string {
	if c.LogDir != "" {
		return c.LogDir
	}
	return "."
}

// GraceOr returns the grace period, or d when unset.
func (c *Config) GraceOr(d time.Duration) time.Duration {
	if c.GracePeriod.Duration > 0 {
		return c.GracePeriod.Duration
	}
	return d
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
