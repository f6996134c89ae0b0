package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var serviceNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Group is the top-level structure of a group file: the services a session
// starts, in order.
type Group struct {
	Name     string    `yaml:"name"`
	LogDir   string    `yaml:"log_dir,omitempty"`
	Services []Service `yaml:"services"`

	// dir is the directory of the file the group was loaded from.
	dir string
}

// Service describes one service to supervise. It is not modified once
// handed to the orchestrator.
type Service struct {
	Name       string            `yaml:"name"`
	Command    string            `yaml:"command"`
	Log        string            `yaml:"log,omitempty"`      // file name in the session log dir; empty discards output
	Teardown   string            `yaml:"teardown,omitempty"` // run before signalling
	WorkingDir string            `yaml:"working_dir,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	After      []string          `yaml:"after,omitempty"`
	Ready      *Ready            `yaml:"ready,omitempty"`
}

// Ready is an explicit readiness probe for the startup check.
type Ready struct {
	Type     string   `yaml:"type"` // "http" | "tcp" | "exec"
	Host     string   `yaml:"host,omitempty"`
	Port     int      `yaml:"port,omitempty"`
	Path     string   `yaml:"path,omitempty"`
	Command  string   `yaml:"command,omitempty"`
	Interval Duration `yaml:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads, parses and validates a group file.
func Load(path string) (*Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading group %s: %w", path, err)
	}

	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	g.dir = filepath.Dir(abs)
	return g, nil
}

// Parse parses and validates a group from YAML.
func Parse(data []byte) (*Group, error) {
	var g Group
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("validating: %w", err)
	}
	return &g, nil
}

// Dir returns the directory relative paths in the group resolve against.
func (g *Group) Dir() string {
	if g.dir == "" {
		return "."
	}
	return g.dir
}

// ResolveLogDir returns the group's log dir resolved against its file, or
// fallback when the group does not set one.
func (g *Group) ResolveLogDir(fallback string) string {
	if g.LogDir == "" {
		return fallback
	}
	if filepath.IsAbs(g.LogDir) {
		return g.LogDir
	}
	return filepath.Join(g.Dir(), g.LogDir)
}

// Validate checks that a group is well-formed.
func (g *Group) Validate() error {
	if len(g.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}

	seen := make(map[string]bool, len(g.Services))
	for i := range g.Services {
		s := &g.Services[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("services[%d]: %w", i, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = true
	}

	for _, s := range g.Services {
		for _, dep := range s.After {
			if !seen[dep] {
				return fmt.Errorf("service %q starts after unknown service %q", s.Name, dep)
			}
			if dep == s.Name {
				return fmt.Errorf("service %q cannot start after itself", s.Name)
			}
		}
	}

	if _, err := g.StartOrder(); err != nil {
		return err
	}
	return nil
}

// Validate checks that a single service is well-formed.
func (s *Service) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !serviceNameRe.MatchString(s.Name) {
		return fmt.Errorf("name %q is invalid: must match ^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$", s.Name)
	}
	if s.Command == "" {
		return fmt.Errorf("service %q: command is required", s.Name)
	}
	if s.Log != "" && filepath.IsAbs(s.Log) {
		return fmt.Errorf("service %q: log must be relative to the log dir", s.Name)
	}

	if r := s.Ready; r != nil {
		switch r.Type {
		case "http":
			if r.Port <= 0 {
				return fmt.Errorf("service %q: ready.port is required for http probes", s.Name)
			}
			if r.Path != "" && r.Path[0] != '/' {
				return fmt.Errorf("service %q: ready.path must start with /", s.Name)
			}
		case "tcp":
			if r.Port <= 0 {
				return fmt.Errorf("service %q: ready.port is required for tcp probes", s.Name)
			}
		case "exec":
			if r.Command == "" {
				return fmt.Errorf("service %q: ready.command is required for exec probes", s.Name)
			}
		default:
			return fmt.Errorf("service %q: ready.type must be \"http\", \"tcp\", or \"exec\", got %q", s.Name, r.Type)
		}
		if r.Interval.Duration < 0 || r.Timeout.Duration < 0 {
			return fmt.Errorf("service %q: ready durations must not be negative", s.Name)
		}
	}
	return nil
}

// Environ returns the host environment with the service's overrides appended.
func (s *Service) Environ() []string {
	if len(s.Env) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	return env
}
