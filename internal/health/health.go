// Package health provides readiness probes for the startup check of a
// service. A probe answers one question, once: is the service accepting
// work yet?
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"time"
)

const defaultProbeTimeout = 2 * time.Second

// Config describes a readiness probe, mapped from the group file.
type Config struct {
	Type    string        // "http" | "tcp" | "exec"
	Host    string        // http and tcp, default 127.0.0.1
	Port    int           // http and tcp
	Path    string        // http only
	Command string        // exec only
	Timeout time.Duration // max time per check
}

// Probe runs single readiness checks against a service.
type Probe struct {
	cfg        Config
	httpClient *http.Client
}

// New validates cfg and returns a probe for it.
func New(cfg Config) (*Probe, error) {
	switch cfg.Type {
	case "http":
		if cfg.Port <= 0 {
			return nil, fmt.Errorf("http probe requires a port")
		}
		if cfg.Path == "" {
			cfg.Path = "/"
		}
	case "tcp":
		if cfg.Port <= 0 {
			return nil, fmt.Errorf("tcp probe requires a port")
		}
	case "exec":
		if cfg.Command == "" {
			return nil, fmt.Errorf("exec probe requires a command")
		}
	default:
		return nil, fmt.Errorf("unknown probe type %q (expected http, tcp, or exec)", cfg.Type)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}

	return &Probe{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Check runs one probe and returns nil if the service is ready.
func (p *Probe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	switch p.cfg.Type {
	case "http":
		return p.checkHTTP(ctx)
	case "tcp":
		return p.checkTCP(ctx)
	default:
		return p.checkExec(ctx)
	}
}

func (p *Probe) addr() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
}

func (p *Probe) url() string {
	return "http://" + p.addr() + p.cfg.Path
}

func (p *Probe) checkHTTP(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unready status: %d", resp.StatusCode)
	}
	return nil
}

func (p *Probe) checkTCP(ctx context.Context) error {
	dialer := net.Dialer{Timeout: p.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.addr())
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	conn.Close()
	return nil
}

func (p *Probe) checkExec(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", p.cfg.Command)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
