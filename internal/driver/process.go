package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultGracePeriod is how long teardown waits after SIGTERM.
	DefaultGracePeriod = 30 * time.Second

	// DefaultKillWait is how long teardown waits after SIGKILL.
	DefaultKillWait = 5 * time.Second

	shell = "/bin/sh"

	groupPollInterval = 50 * time.Millisecond
)

// DefaultStartupChecks are the delays of the optimistic startup check.
var DefaultStartupChecks = []time.Duration{2 * time.Second, 4 * time.Second}

// Timeouts bounds every wait of the lifecycle. Zero values use the defaults.
type Timeouts struct {
	StartupChecks []time.Duration
	GracePeriod   time.Duration
	KillWait      time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if len(t.StartupChecks) == 0 {
		t.StartupChecks = DefaultStartupChecks
	}
	if t.GracePeriod <= 0 {
		t.GracePeriod = DefaultGracePeriod
	}
	if t.KillWait <= 0 {
		t.KillWait = DefaultKillWait
	}
	return t
}

// ReadinessProbe is an explicit readiness contract for the startup check.
type ReadinessProbe interface {
	Check(ctx context.Context) error
}

// Readiness replaces the optimistic startup check when a service declares one.
type Readiness struct {
	Probe    ReadinessProbe
	Interval time.Duration
	Timeout  time.Duration
}

// Config holds configuration for a managed process.
type Config struct {
	Name     string
	Command  string
	Teardown string // optional, run before signalling
	Sink     LogSink
	Env      []string // nil inherits the host environment
	Dir      string

	Timeouts  Timeouts
	Readiness *Readiness
	// ProcessTable is consulted when verifying teardown. Defaults to Exists.
	ProcessTable ProcessTable
	Logger       *slog.Logger
}

// Process is one supervised child process and the process group it leads.
type Process struct {
	name     string
	teardown string
	sink     LogSink
	timeouts Timeouts
	ready    *Readiness
	table    ProcessTable
	logger   *slog.Logger

	cmd       *exec.Cmd
	pid       int
	group     *ProcessGroup
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	state    State
	exited   bool
	exitCode int
	exitErr  error
}

// Spawn launches cfg.Command through the shell as a new process-group leader
// with combined output redirected to the sink. The process is left in
// StateStarting; callers normally use Start, which also runs the startup check.
func Spawn(cfg Config) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("%s: empty command", cfg.Name)
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("%s: no log sink", cfg.Name)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.With("service", cfg.Name)
	}
	table := cfg.ProcessTable
	if table == nil {
		table = Exists
	}

	cmd := exec.Command(shell, "-c", cfg.Command)
	cmd.Env = cfg.Env
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	out := cfg.Sink.File()
	cmd.Stdout = out
	cmd.Stderr = out

	// Own process group so one signal reaches every descendant.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Name, err)
	}

	p := &Process{
		name:      cfg.Name,
		teardown:  cfg.Teardown,
		sink:      cfg.Sink,
		timeouts:  cfg.Timeouts.withDefaults(),
		ready:     cfg.Readiness,
		table:     table,
		logger:    logger.With("pid", cmd.Process.Pid),
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		group:     captureGroup(cmd.Process.Pid),
		startedAt: time.Now(),
		done:      make(chan struct{}),
		state:     StateStarting,
	}

	go p.wait()
	return p, nil
}

// Start spawns the process and blocks until its startup check passes.
// On failure nothing is left running unless the rollback itself failed,
// in which case the returned error also carries the TeardownError.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	p, err := Spawn(cfg)
	if err != nil {
		log := ""
		if cfg.Sink != nil {
			log = cfg.Sink.Name()
		}
		return nil, &StartupError{Name: cfg.Name, Log: log, Err: err}
	}

	if err := p.waitStartup(ctx); err != nil {
		if p.Alive() {
			if stopErr := p.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
		}
		return nil, err
	}

	p.logger.Info("service running")
	return p, nil
}

// Launch spawns a run-to-completion command. There is no startup check:
// the process is running as soon as it exists.
func Launch(cfg Config) (*Process, error) {
	p, err := Spawn(cfg)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.state = StateRunning
	if p.exited && p.exitCode != 0 {
		p.state = StateFailed
	}
	p.mu.Unlock()
	return p, nil
}

// wait is the single waiter for the child; it reaps it and publishes the
// exit code by closing done.
func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.exitErr = err
	} else if p.cmd.ProcessState != nil && !p.cmd.ProcessState.Success() {
		p.exitErr = errors.New(p.cmd.ProcessState.String())
	}
	if p.state == StateRunning && p.exitCode != 0 {
		p.state = StateFailed
	}
	p.mu.Unlock()

	close(p.done)
}

// waitStartup resolves the starting state.
func (p *Process) waitStartup(ctx context.Context) error {
	if p.ready != nil && p.ready.Probe != nil {
		return p.waitReady(ctx)
	}

	for _, delay := range p.timeouts.StartupChecks {
		timer := time.NewTimer(delay)
		select {
		case <-p.done:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("starting %s: %w", p.name, ctx.Err())
		}
		timer.Stop()

		if p.Failed() {
			return p.startupFailed(nil)
		}
		if p.Alive() {
			p.setState(StateRunning)
			return nil
		}
	}

	// Exited cleanly inside the check budget. The check is optimistic.
	p.logger.Debug("startup check inconclusive, presuming healthy")
	p.setState(StateRunning)
	return nil
}

func (p *Process) waitReady(ctx context.Context) error {
	interval := p.ready.Interval
	if interval <= 0 {
		interval = time.Second
	}
	timeout := p.ready.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		lastErr = p.ready.Probe.Check(probeCtx)
		cancel()
		if lastErr == nil && p.Alive() {
			p.setState(StateRunning)
			return nil
		}

		select {
		case <-p.done:
			if p.Failed() {
				return p.startupFailed(nil)
			}
			return p.startupFailed(errors.New("exited before becoming ready"))
		case <-deadline.C:
			return p.startupFailed(fmt.Errorf("not ready after %s: %w", timeout, lastErr))
		case <-ctx.Done():
			return fmt.Errorf("starting %s: %w", p.name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Process) startupFailed(cause error) error {
	p.setState(StateFailed)
	code, exited := p.ExitCode()
	err := &StartupError{
		Name:     p.name,
		ExitCode: code,
		Exited:   exited,
		Log:      p.sink.Name(),
		Err:      cause,
	}
	p.logger.Error("service failed to start", "error", err)
	return err
}

// Stop tears the process down: optional teardown command, SIGTERM to the
// group, grace period, SIGKILL to the group if any member outlived it, kill
// wait, then verification against the exit status, the OS process table and
// the group itself.
//
// A leader that already exited may have left descendants behind in its
// group; they are signalled the same way. Stopping a process whose whole
// group is gone sends nothing. A cancelled ctx skips the rest of the grace
// period; verification always runs.
func (p *Process) Stop(ctx context.Context) error {
	if p.State() == StateStopped {
		return nil
	}

	if p.Alive() {
		p.setState(StateStopping)
		p.logger.Info("stopping service")
		if p.teardown != "" {
			p.runTeardownCommand(ctx)
		}
	} else if p.group.Alive() {
		p.logger.Info("service exited, stopping what it left in its process group", "pgid", p.group.ID())
	} else {
		p.finish()
		return nil
	}

	if err := p.group.Signal(unix.SIGTERM); err != nil {
		p.logger.Warn("failed to signal process group", "error", err)
	}
	if !p.waitGone(ctx, p.timeouts.GracePeriod) {
		p.logger.Warn("service still running after grace period, killing", "grace_period", p.timeouts.GracePeriod)
		if err := p.group.Signal(unix.SIGKILL); err != nil {
			p.logger.Warn("failed to kill process group", "error", err)
		}
		p.waitGone(context.Background(), p.timeouts.KillWait)
	}

	if p.Alive() || p.table(p.pid) || p.group.Alive() {
		err := &TeardownError{Name: p.name, PID: p.pid, Log: p.sink.Name()}
		p.logger.Error("could not terminate service", "error", err)
		return err
	}

	p.finish()
	p.logger.Info("service stopped")
	return nil
}

// finish moves an exited process to its terminal state and drops the group
// capability. A process that failed on its own stays failed.
func (p *Process) finish() {
	p.mu.Lock()
	if !p.state.Terminal() {
		p.state = StateStopped
	}
	p.mu.Unlock()
	p.group.Release()
}

// runTeardownCommand runs the teardown command in a process group of its
// own, bounded by the grace period. Nothing it started may outlive it.
func (p *Process) runTeardownCommand(ctx context.Context) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeouts.GracePeriod)
	defer cancel()

	cmd := exec.CommandContext(tctx, shell, "-c", p.teardown)
	out := p.sink.File()
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = p.timeouts.KillWait

	if err := cmd.Start(); err != nil {
		p.logger.Warn("teardown command failed", "command", p.teardown, "error", err)
		return
	}
	err := cmd.Wait()
	if kerr := NewProcessGroup(cmd.Process.Pid).Signal(unix.SIGKILL); kerr != nil {
		p.logger.Warn("failed to clean up teardown command", "error", kerr)
	}
	if err != nil {
		p.logger.Warn("teardown command failed", "command", p.teardown, "error", err)
	}
}

// waitGone waits up to d for the leader to be reaped and the rest of its
// group to disappear. A cancelled ctx ends the wait early. The waiter
// itself is never cancelled.
func (p *Process) waitGone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(groupPollInterval)
	defer ticker.Stop()

	done := p.done
	for {
		if !p.Alive() && !p.group.Alive() {
			return true
		}
		select {
		case <-done:
			done = nil
		case <-ticker.C:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Alive reports whether the process has not exited. It never blocks.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Failed reports whether the process exited with a non-zero code.
// A running process has not failed.
func (p *Process) Failed() bool {
	code, exited := p.ExitCode()
	return exited && code != 0
}

// ExitCode returns the exit code and whether the process has exited.
// Processes killed by a signal report -1.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit code.
func (p *Process) Wait() int {
	<-p.done
	code, _ := p.ExitCode()
	return code
}

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Process) Name() string { return p.name }

func (p *Process) PID() int { return p.pid }

// Group returns the process-group capability used for all signal delivery.
func (p *Process) Group() *ProcessGroup { return p.group }

// Info returns a snapshot of the process for status output.
func (p *Process) Info() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProcessInfo{
		Name:      p.name,
		PID:       p.pid,
		PGID:      p.group.ID(),
		State:     p.state,
		StartedAt: p.startedAt,
		ExitCode:  p.exitCode,
		Exited:    p.exited,
		Log:       p.sink.Name(),
		Error:     errString(p.exitErr),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
