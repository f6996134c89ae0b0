// Package runner runs one-shot commands to completion, optionally under an
// inactivity watchdog.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/benaskins/tandem/internal/driver"
)

// Command describes one run-to-completion invocation.
type Command struct {
	Name    string
	Command string
	Sink    driver.LogSink
	Env     []string
	Dir     string

	// CheckStatus turns a non-zero exit into a *driver.CommandError.
	CheckStatus bool
	// InactivityTimeout enables the watchdog when positive.
	InactivityTimeout time.Duration

	Timeouts driver.Timeouts
	Logger   *slog.Logger
}

// Result is the outcome of a command that ran.
type Result struct {
	ExitCode int
	Stalled  bool
	Duration time.Duration
	Log      string
}

// Run runs c to completion. If ctx is cancelled while the command is alive
// it is torn down before Run returns the context error.
func Run(ctx context.Context, c Command) (Result, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.With("command", c.Name)
	}
	if c.Sink == nil {
		return Result{}, fmt.Errorf("running %s: no log sink", c.Name)
	}
	if c.InactivityTimeout > 0 && c.Sink.Name() == os.DevNull {
		return Result{}, fmt.Errorf("running %s: an inactivity timeout needs a log file to observe", c.Name)
	}

	logger.Debug("running", "log", c.Sink.Name())
	started := time.Now()

	p, err := driver.Launch(driver.Config{
		Name:     c.Name,
		Command:  c.Command,
		Sink:     c.Sink,
		Env:      c.Env,
		Dir:      c.Dir,
		Timeouts: c.Timeouts,
		Logger:   logger,
	})
	if err != nil {
		return Result{}, fmt.Errorf("running %s: %w", c.Name, err)
	}

	res := Result{Log: c.Sink.Name()}
	if c.InactivityTimeout > 0 {
		wd := &Watchdog{Timeout: c.InactivityTimeout, Logger: logger}
		stalled, err := wd.Watch(ctx, p, c.Sink)
		res.Stalled = stalled
		if err != nil && ctx.Err() != nil {
			return finish(res, p, started), fmt.Errorf("running %s: %w", c.Name, err)
		}
		if err != nil {
			// The stall was detected but teardown could not be verified.
			return finish(res, p, started), err
		}
	} else {
		select {
		case <-p.Done():
		case <-ctx.Done():
			stopErr := p.Stop(context.WithoutCancel(ctx))
			return finish(res, p, started), errors.Join(fmt.Errorf("running %s: %w", c.Name, ctx.Err()), stopErr)
		}
	}

	res = finish(res, p, started)
	if c.CheckStatus && p.Failed() {
		err := &driver.CommandError{Name: c.Name, ExitCode: res.ExitCode, Log: res.Log}
		logger.Error("command failed", "error", err)
		return res, err
	}
	return res, nil
}

func finish(res Result, p *driver.Process, started time.Time) Result {
	res.ExitCode, _ = p.ExitCode()
	res.Duration = time.Since(started)
	return res
}
