package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benaskins/tandem/internal/logsink"
)

var fastTimeouts = Timeouts{
	StartupChecks: []time.Duration{50 * time.Millisecond, 100 * time.Millisecond},
	GracePeriod:   2 * time.Second,
	KillWait:      2 * time.Second,
}

func testConfig(t *testing.T, name, command string) Config {
	t.Helper()
	sink, err := logsink.Open(filepath.Join(t.TempDir(), name+".log"))
	if err != nil {
		t.Fatalf("opening sink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return Config{
		Name:     name,
		Command:  command,
		Sink:     sink,
		Timeouts: fastTimeouts,
	}
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil {
			if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
				return pid
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no pid written to %s", path)
	return 0
}

// running reports whether pid exists and is not a zombie waiting for a
// reaper. Grandchildren are reparented, so reaping them is not up to us.
func running(pid int) bool {
	if !Exists(pid) {
		return false
	}
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return true
	}
	s := string(data)
	if i := strings.LastIndex(s, ")"); i >= 0 && i+2 < len(s) {
		return s[i+2] != 'Z'
	}
	return true
}

func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for running(pid) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if running(pid) {
		t.Errorf("pid %d still running", pid)
	}
}

func TestStartAndStop(t *testing.T) {
	p, err := Start(context.Background(), testConfig(t, "sleeper", "sleep 60"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if p.State() != StateRunning {
		t.Fatalf("expected running, got %v", p.State())
	}
	if !p.Alive() {
		t.Fatal("expected process to be alive")
	}
	if p.Failed() {
		t.Error("a running process has not failed")
	}
	if _, exited := p.ExitCode(); exited {
		t.Error("exit code should be absent while running")
	}
	if p.Group().ID() != p.PID() {
		t.Errorf("expected process to lead its own group, pgid=%d pid=%d", p.Group().ID(), p.PID())
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if p.State() != StateStopped {
		t.Errorf("expected stopped, got %v", p.State())
	}
	if p.Alive() {
		t.Error("stopped process reported alive")
	}
	if Exists(p.PID()) {
		t.Error("stopped process still in process table")
	}
	if !p.Group().Released() {
		t.Error("process group should be released after stop")
	}
}

func TestStartFailsOnNonZeroExit(t *testing.T) {
	cfg := testConfig(t, "bad", "exit 1")
	_, err := Start(context.Background(), cfg)
	if !errors.Is(err, ErrStartupFailed) {
		t.Fatalf("expected ErrStartupFailed, got %v", err)
	}

	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StartupError, got %T", err)
	}
	if se.Name != "bad" || se.ExitCode != 1 || !se.Exited {
		t.Errorf("unexpected startup error: %+v", se)
	}
	if se.Log != cfg.Sink.Name() {
		t.Errorf("startup error should name the log, got %q", se.Log)
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Errorf("error message should name the service: %v", err)
	}
}

func TestCleanExitIsPresumedHealthy(t *testing.T) {
	p, err := Start(context.Background(), testConfig(t, "ok", "true"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.Failed() {
		t.Error("exit code 0 is not a failure")
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.State() != StateStopped {
		t.Errorf("expected stopped, got %v", p.State())
	}
}

func TestSpawnRejectsEmptyCommand(t *testing.T) {
	_, err := Start(context.Background(), testConfig(t, "empty", ""))
	if !errors.Is(err, ErrStartupFailed) {
		t.Fatalf("expected ErrStartupFailed, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	var lookups atomic.Int32
	cfg := testConfig(t, "twice", "sleep 60")
	cfg.ProcessTable = func(pid int) bool {
		lookups.Add(1)
		return Exists(pid)
	}

	p, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	n := lookups.Load()

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if lookups.Load() != n {
		t.Error("second Stop should not repeat teardown")
	}
	if p.State() != StateStopped {
		t.Errorf("expected stopped, got %v", p.State())
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	cfg := testConfig(t, "stubborn", "trap '' TERM; while true; do sleep 1; done")
	cfg.Timeouts.GracePeriod = 300 * time.Millisecond

	p, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("expected stop to wait out the grace period, took %s", elapsed)
	}
	if p.State() != StateStopped || p.Alive() {
		t.Errorf("expected stopped and dead, got %v alive=%v", p.State(), p.Alive())
	}
}

func TestStopCancelledContextSkipsGrace(t *testing.T) {
	cfg := testConfig(t, "stubborn", "trap '' TERM; while true; do sleep 1; done")
	cfg.Timeouts.GracePeriod = 10 * time.Second

	p, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancelled stop should escalate immediately, took %s", elapsed)
	}
	if p.Alive() {
		t.Error("process still alive")
	}
}

func TestStopSignalsWholeGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	cfg := testConfig(t, "parent", "sleep 60 & echo $! > "+pidFile+"; wait")

	p, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	child := readPID(t, pidFile)

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitGone(t, child)
}

func TestStopKillsDescendantsOfExitedLeader(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	cfg := testConfig(t, "forker", "sleep 30 & echo $! > "+pidFile)

	p, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	child := readPID(t, pidFile)
	if code := p.Wait(); code != 0 {
		t.Fatalf("expected leader to exit 0, got %d", code)
	}
	if !p.Group().Alive() {
		t.Fatal("expected the background child to keep the group alive")
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitGone(t, child)
	if p.State() != StateStopped {
		t.Errorf("expected stopped, got %v", p.State())
	}
	if !p.Group().Released() {
		t.Error("process group should be released after stop")
	}
}

func TestStopKillsDescendantIgnoringTerm(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	cfg := testConfig(t, "parent", "(trap '' TERM; while true; do sleep 1; done) & echo $! > "+pidFile+"; wait")
	cfg.Timeouts.GracePeriod = 300 * time.Millisecond

	p, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	child := readPID(t, pidFile)

	start := time.Now()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("expected stop to wait out the grace period for the child, took %s", elapsed)
	}
	waitGone(t, child)
}

func TestStopAfterGroupGoneSendsNothing(t *testing.T) {
	p, err := Start(context.Background(), testConfig(t, "ok", "true"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Wait()
	if p.Group().Alive() {
		t.Fatal("expected empty group after leader exit")
	}

	start := time.Now()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected immediate stop, took %s", elapsed)
	}
}

func TestStopRunsTeardownCommand(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "torn-down")
	cfg := testConfig(t, "with-teardown", "sleep 60")
	cfg.Teardown = "touch " + marker

	p, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("teardown command did not run: %v", err)
	}
}

func TestTeardownCommandChildrenDoNotOutliveIt(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "teardown-child.pid")
	cfg := testConfig(t, "slow-teardown", "sleep 60")
	cfg.Teardown = "sleep 30 & echo $! > " + pidFile + "; sleep 30"
	cfg.Timeouts.GracePeriod = 300 * time.Millisecond

	p, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("teardown command should be cut off after the grace period, took %s", elapsed)
	}
	waitGone(t, readPID(t, pidFile))
	if p.Alive() {
		t.Error("process still alive")
	}
}

func TestFailingTeardownCommandDoesNotAbortStop(t *testing.T) {
	cfg := testConfig(t, "bad-teardown", "sleep 60")
	cfg.Teardown = "exit 7"

	p, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Alive() {
		t.Error("process still alive")
	}
}

func TestStopReportsLingeringProcess(t *testing.T) {
	cfg := testConfig(t, "ghost", "sleep 60")
	cfg.ProcessTable = func(int) bool { return true }

	p, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = p.Stop(context.Background())
	if !errors.Is(err, ErrTeardownFailed) {
		t.Fatalf("expected ErrTeardownFailed, got %v", err)
	}
	var te *TeardownError
	if !errors.As(err, &te) || te.Name != "ghost" || te.PID != p.PID() {
		t.Errorf("unexpected teardown error: %v", err)
	}
	if p.State() == StateStopped {
		t.Error("unverified teardown must not reach stopped")
	}
}

func TestExitAfterRunningIsFailed(t *testing.T) {
	p, err := Start(context.Background(), testConfig(t, "crasher", "sleep 0.3; exit 4"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if code := p.Wait(); code != 4 {
		t.Errorf("expected exit code 4, got %d", code)
	}
	if p.State() != StateFailed || !p.Failed() {
		t.Errorf("expected failed, got %v", p.State())
	}

	// Teardown of a process that already failed sends nothing and keeps the verdict.
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.State() != StateFailed {
		t.Errorf("expected failed to stick, got %v", p.State())
	}
}

func TestStartCancelledTearsDown(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "self.pid")
	cfg := testConfig(t, "slow", "echo $$ > "+pidFile+"; exec sleep 60")
	cfg.Timeouts.StartupChecks = []time.Duration{10 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_, err := Start(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	waitGone(t, readPID(t, pidFile))
}

type countingProbe struct {
	calls     atomic.Int32
	readyFrom int32
}

func (p *countingProbe) Check(ctx context.Context) error {
	if p.calls.Add(1) >= p.readyFrom {
		return nil
	}
	return errors.New("not yet")
}

func TestReadinessProbe(t *testing.T) {
	probe := &countingProbe{readyFrom: 3}
	cfg := testConfig(t, "probed", "sleep 60")
	cfg.Readiness = &Readiness{Probe: probe, Interval: 20 * time.Millisecond, Timeout: 5 * time.Second}

	p, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	if probe.calls.Load() < 3 {
		t.Errorf("expected at least 3 probe calls, got %d", probe.calls.Load())
	}
	if p.State() != StateRunning {
		t.Errorf("expected running, got %v", p.State())
	}
}

func TestReadinessTimeoutTearsDown(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "self.pid")
	cfg := testConfig(t, "never-ready", "echo $$ > "+pidFile+"; exec sleep 60")
	cfg.Readiness = &Readiness{
		Probe:    &countingProbe{readyFrom: 1 << 30},
		Interval: 20 * time.Millisecond,
		Timeout:  300 * time.Millisecond,
	}

	_, err := Start(context.Background(), cfg)
	if !errors.Is(err, ErrStartupFailed) {
		t.Fatalf("expected ErrStartupFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "not ready") {
		t.Errorf("expected not-ready cause, got %v", err)
	}
	waitGone(t, readPID(t, pidFile))
}

func TestReadinessCleanExitIsStartupFailure(t *testing.T) {
	cfg := testConfig(t, "quitter", "true")
	cfg.Readiness = &Readiness{
		Probe:    &countingProbe{readyFrom: 1 << 30},
		Interval: 20 * time.Millisecond,
		Timeout:  5 * time.Second,
	}

	_, err := Start(context.Background(), cfg)
	if !errors.Is(err, ErrStartupFailed) {
		t.Fatalf("expected ErrStartupFailed, got %v", err)
	}
}

func TestSignalVanishedGroupIsNoop(t *testing.T) {
	p, err := Spawn(testConfig(t, "gone", "true"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	p.Wait()

	if err := p.Group().Signal(sigterm); err != nil {
		t.Errorf("signalling a vanished group should be a no-op, got %v", err)
	}
	if p.Group().Alive() {
		t.Error("vanished group reported alive")
	}
	p.Group().Release()
	if err := p.Group().Signal(sigkill); err != nil {
		t.Errorf("signalling a released group should be a no-op, got %v", err)
	}
}
