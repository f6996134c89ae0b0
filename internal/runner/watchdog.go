package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/benaskins/tandem/internal/driver"
)

// supervised is what the watchdog needs from a process.
type supervised interface {
	Done() <-chan struct{}
	Alive() bool
	Stop(ctx context.Context) error
}

// minPollInterval keeps tiny timeouts from spinning.
const minPollInterval = 10 * time.Millisecond

// Watchdog kills a process whose log has been quiet for longer than Timeout.
// It is a coarse stall detector for commands expected to keep printing, not
// a heartbeat protocol.
type Watchdog struct {
	Timeout time.Duration
	Logger  *slog.Logger

	// now is overridable in tests.
	now func() time.Time
}

// Watch polls every Timeout/10 until the process exits or stalls. A stalled
// process is torn down before Watch returns; stalled reports whether that
// happened. If ctx is cancelled the process is torn down too and the
// context error is returned.
func (w *Watchdog) Watch(ctx context.Context, p supervised, sink driver.LogSink) (stalled bool, err error) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := w.now
	if now == nil {
		now = time.Now
	}

	interval := w.Timeout / 10
	if interval < minPollInterval {
		interval = minPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	quiet := rate.Sometimes{Interval: w.Timeout}

	for {
		select {
		case <-p.Done():
			return false, nil
		case <-ctx.Done():
			stopErr := p.Stop(context.WithoutCancel(ctx))
			return false, errors.Join(ctx.Err(), stopErr)
		case <-ticker.C:
		}

		if !p.Alive() {
			return false, nil
		}

		modified, err := sink.ModTime()
		if err != nil {
			logger.Warn("cannot read log modification time", "log", sink.Name(), "error", err)
			continue
		}

		idle := now().Sub(modified)
		if idle > w.Timeout {
			logger.Error("timed out, no log activity",
				"inactive_for", idle.Round(time.Millisecond),
				"timeout", w.Timeout,
				"log", sink.Name())
			return true, p.Stop(ctx)
		}
		if idle > w.Timeout/2 {
			quiet.Do(func() {
				logger.Debug("waiting for log activity", "inactive_for", idle.Round(time.Millisecond))
			})
		}
	}
}
