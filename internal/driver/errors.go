package driver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStartupFailed       = errors.New("startup failed")
	ErrCommandFailed       = errors.New("command failed")
	ErrTeardownFailed      = errors.New("teardown failed")
	ErrGroupTeardownFailed = errors.New("group teardown failed")
)

// StartupError reports a service that exited, or never became ready,
// before its startup check passed.
type StartupError struct {
	Name     string
	ExitCode int
	Exited   bool
	Log      string
	Err      error
}

func (e *StartupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is not running", e.Name)
	if e.Exited {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Log != "" {
		fmt.Fprintf(&b, "; see %s for details", e.Log)
	}
	return b.String()
}

func (e *StartupError) Unwrap() error        { return e.Err }
func (e *StartupError) Is(target error) bool { return target == ErrStartupFailed }

// CommandError reports a run-to-completion command that finished with a
// non-zero exit code while status checking was requested.
type CommandError struct {
	Name     string
	ExitCode int
	Log      string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed with exit code %d; see %s for details", e.Name, e.ExitCode, e.Log)
}

func (e *CommandError) Is(target error) bool { return target == ErrCommandFailed }

// TeardownError reports a process that could not be confirmed gone after
// graceful and forced termination.
type TeardownError struct {
	Name string
	PID  int
	Log  string
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("could not terminate %s (pid %d); see %s for details", e.Name, e.PID, e.Log)
}

func (e *TeardownError) Is(target error) bool { return target == ErrTeardownFailed }

// GroupTeardownError aggregates every teardown failure of a session.
type GroupTeardownError struct {
	Errs []error
}

func (e *GroupTeardownError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d service(s) failed teardown: %s", len(e.Errs), strings.Join(msgs, "; "))
}

func (e *GroupTeardownError) Unwrap() []error      { return e.Errs }
func (e *GroupTeardownError) Is(target error) bool { return target == ErrGroupTeardownFailed }
