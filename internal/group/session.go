package group

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/benaskins/tandem/internal/driver"
	"github.com/benaskins/tandem/internal/journal"
	"github.com/benaskins/tandem/internal/logsink"
)

// Session is a set of services that all passed their startup check, in
// start order.
type Session struct {
	id     string
	orch   *Orchestrator
	state  *stateFile
	logger *slog.Logger

	mu      sync.Mutex
	started []member
	stopped bool
}

type member struct {
	handle  Handle
	sink    *logsink.Sink
	command string
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// Processes returns a snapshot of every started service, in start order.
func (s *Session) Processes() []driver.ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]driver.ProcessInfo, len(s.started))
	for i, m := range s.started {
		infos[i] = m.handle.Info()
	}
	return infos
}

// Stop tears every service down in reverse start order. Every service is
// attempted; failures are logged where they happen and returned together
// as one *driver.GroupTeardownError. Stopping a stopped session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	s.logger.Info("stopping session", "services", len(s.started))

	var errs []error
	for i := len(s.started) - 1; i >= 0; i-- {
		m := s.started[i]
		name := m.handle.Name()

		if err := m.handle.Stop(ctx); err != nil {
			s.logger.Error("error stopping service", "service", name, "error", err)
			s.record(journal.Entry{Event: journal.EventServiceTeardownFailed, Service: name, PID: m.handle.Info().PID, Error: err.Error()})
			errs = append(errs, err)
		} else {
			info := m.handle.Info()
			s.record(journal.Entry{Event: journal.EventServiceStopped, Service: name, PID: info.PID, ExitCode: exitCode(info)})
		}

		if err := m.sink.Close(); err != nil {
			s.logger.Warn("failed to close log", "service", name, "error", err)
		}
	}

	if len(errs) > 0 {
		// Keep the state file so the survivors can be reaped.
		err := &driver.GroupTeardownError{Errs: errs}
		s.record(journal.Entry{Event: journal.EventSessionEnd, Error: err.Error()})
		return err
	}

	if s.state != nil {
		if err := s.state.remove(); err != nil {
			s.logger.Warn("failed to remove state file", "error", err)
		}
	}
	s.record(journal.Entry{Event: journal.EventSessionEnd})
	s.logger.Info("session stopped")
	return nil
}

// rollback stops everything started so far after a startup failure. The
// rollback itself is never cancelled.
func (s *Session) rollback(ctx context.Context, cause error) error {
	s.logger.Error("session failed to start, rolling back", "error", cause, "started", len(s.started))
	if err := s.Stop(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Session) append(m member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = append(s.started, m)
	if s.state == nil {
		return
	}

	records := make([]Record, len(s.started))
	for i, m := range s.started {
		records[i] = newRecord(m.handle.Info(), m.command)
	}
	if err := s.state.save(records); err != nil {
		s.logger.Warn("failed to save session state", "error", err)
	}
}

func (s *Session) record(e journal.Entry) {
	e.Session = s.id
	if err := s.orch.journal.Record(e); err != nil {
		s.logger.Warn("failed to write journal", "error", err)
	}
}

func exitCode(info driver.ProcessInfo) *int {
	if !info.Exited {
		return nil
	}
	return journal.Code(info.ExitCode)
}
