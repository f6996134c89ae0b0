// Package group starts a set of services as one all-or-nothing session and
// tears them down again in reverse order.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/benaskins/tandem/internal/driver"
	"github.com/benaskins/tandem/internal/health"
	"github.com/benaskins/tandem/internal/journal"
	"github.com/benaskins/tandem/internal/logsink"
	"github.com/benaskins/tandem/internal/spec"
)

// Handle is a started service as the orchestrator sees it. *driver.Process
// satisfies it.
type Handle interface {
	Name() string
	Info() driver.ProcessInfo
	Stop(ctx context.Context) error
}

// Starter spawns one service and blocks until its startup check resolves.
// On error nothing may be left running except what the error reports.
type Starter func(ctx context.Context, cfg driver.Config) (Handle, error)

func startProcess(ctx context.Context, cfg driver.Config) (Handle, error) {
	p, err := driver.Start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Orchestrator starts sessions.
type Orchestrator struct {
	logDir   string
	stateDir string
	timeouts driver.Timeouts
	journal  *journal.Journal
	start    Starter
	table    driver.ProcessTable
	logger   *slog.Logger
}

// New creates an orchestrator. By default service logs go to the current
// directory and no state file or journal is written.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logDir: ".",
		start:  startProcess,
		logger: slog.With("component", "group"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogDir sets the directory service log files are created in.
func WithLogDir(dir string) Option {
	return func(o *Orchestrator) {
		if dir != "" {
			o.logDir = dir
		}
	}
}

// WithStateDir enables session state files for `tandem reap`.
func WithStateDir(dir string) Option {
	return func(o *Orchestrator) {
		o.stateDir = dir
	}
}

// WithTimeouts sets the startup and teardown bounds of every service.
func WithTimeouts(t driver.Timeouts) Option {
	return func(o *Orchestrator) {
		o.timeouts = t
	}
}

// WithJournal records session events to j.
func WithJournal(j *journal.Journal) Option {
	return func(o *Orchestrator) {
		o.journal = j
	}
}

// WithStarter replaces how services are spawned.
func WithStarter(s Starter) Option {
	return func(o *Orchestrator) {
		o.start = s
	}
}

// WithProcessTable sets the process table consulted when verifying teardown.
func WithProcessTable(t driver.ProcessTable) Option {
	return func(o *Orchestrator) {
		o.table = t
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// Start starts services in order, each only after the previous one passed its
// startup check. If any service fails to start, or ctx is cancelled, the
// services already started are torn down in reverse order and the startup
// failure is returned with any rollback failure attached.
func (o *Orchestrator) Start(ctx context.Context, services []spec.Service) (*Session, error) {
	s := &Session{
		id:      uuid.NewString(),
		orch:    o,
		started: make([]member, 0, len(services)),
	}
	s.logger = o.logger.With("session", s.id)
	if o.stateDir != "" {
		s.state = newStateFile(o.stateDir, s.id)
	}

	s.record(journal.Entry{Event: journal.EventSessionStart})
	s.logger.Info("starting session", "services", len(services))

	for _, svc := range services {
		if err := ctx.Err(); err != nil {
			return nil, s.rollback(ctx, fmt.Errorf("starting %s: %w", svc.Name, err))
		}

		m, err := o.startService(ctx, s.id, svc)
		if err != nil {
			code := 0
			var se *driver.StartupError
			if errors.As(err, &se) && se.Exited {
				code = se.ExitCode
			}
			entry := journal.Entry{Event: journal.EventServiceStartupFailed, Service: svc.Name, Error: err.Error()}
			if code != 0 {
				entry.ExitCode = journal.Code(code)
			}
			s.record(entry)
			return nil, s.rollback(ctx, err)
		}

		s.append(m)
		info := m.handle.Info()
		s.record(journal.Entry{Event: journal.EventServiceStarted, Service: svc.Name, PID: info.PID, Log: info.Log})
	}

	s.logger.Info("session running")
	return s, nil
}

// Using starts services, runs fn while they are up, and always tears them
// down, even if fn panics. fn's error and the teardown error are both
// returned.
func (o *Orchestrator) Using(ctx context.Context, services []spec.Service, fn func(context.Context, *Session) error) (err error) {
	s, err := o.Start(ctx, services)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := s.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
	}()

	return fn(ctx, s)
}

func (o *Orchestrator) startService(ctx context.Context, session string, svc spec.Service) (member, error) {
	logPath := ""
	if svc.Log != "" {
		logPath = filepath.Join(o.logDir, svc.Log)
	}
	sink, err := logsink.Open(logPath)
	if err != nil {
		return member{}, &driver.StartupError{Name: svc.Name, Log: logPath, Err: err}
	}
	if !sink.Discarding() {
		fmt.Fprintf(sink, "--- %s session %s: %s\n", time.Now().Format(time.RFC3339), session, svc.Command)
	}

	cfg, err := o.processConfig(svc, sink)
	if err != nil {
		sink.Close()
		return member{}, &driver.StartupError{Name: svc.Name, Log: sink.Name(), Err: err}
	}

	h, err := o.start(ctx, cfg)
	if err != nil {
		sink.Close()
		return member{}, err
	}
	return member{handle: h, sink: sink, command: svc.Command}, nil
}

func (o *Orchestrator) processConfig(svc spec.Service, sink *logsink.Sink) (driver.Config, error) {
	cfg := driver.Config{
		Name:         svc.Name,
		Command:      svc.Command,
		Teardown:     svc.Teardown,
		Sink:         sink,
		Env:          svc.Environ(),
		Dir:          svc.WorkingDir,
		Timeouts:     o.timeouts,
		ProcessTable: o.table,
		Logger:       o.logger.With("service", svc.Name),
	}

	if r := svc.Ready; r != nil {
		probe, err := health.New(health.Config{
			Type:    r.Type,
			Host:    r.Host,
			Port:    r.Port,
			Path:    r.Path,
			Command: r.Command,
			Timeout: r.Interval.Duration,
		})
		if err != nil {
			return driver.Config{}, fmt.Errorf("readiness probe: %w", err)
		}
		cfg.Readiness = &driver.Readiness{
			Probe:    probe,
			Interval: r.Interval.Duration,
			Timeout:  r.Timeout.Duration,
		}
	}
	return cfg, nil
}
