package group

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/benaskins/tandem/internal/driver"
)

func TestStateFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sf := newStateFile(dir, "s1")

	want := []Record{
		{Service: "db", PID: 100, PGID: 100, Command: "postgres"},
		{Service: "api", PID: 200, PGID: 200},
	}
	if err := sf.save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := LoadState(filepath.Join(dir, "s1.json"))
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected %+v, got %+v", want, got)
	}

	if err := sf.remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := sf.remove(); err != nil {
		t.Errorf("expected removing a missing file to succeed, got %v", err)
	}
}

// leftover starts a group leader the way a crashed session would have left it.
func leftover(t *testing.T) (*exec.Cmd, <-chan struct{}) {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "sleep 30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	})
	return cmd, done
}

func TestReapKillsLeftovers(t *testing.T) {
	cmd, done := leftover(t)
	pid := cmd.Process.Pid

	start, err := driver.ProcessStartTime(pid)
	if err != nil {
		t.Skipf("process start time unavailable: %v", err)
	}

	dir := t.TempDir()
	if err := newStateFile(dir, "crashed").save([]Record{{Service: "sleeper", PID: pid, PGID: pid, StartTime: start}}); err != nil {
		t.Fatal(err)
	}

	reaped, err := Reap(context.Background(), dir, 2*time.Second, nil)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if len(reaped) != 1 || !reaped[0].Alive || reaped[0].Session != "crashed" {
		t.Fatalf("expected one live leftover from session crashed, got %+v", reaped)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("leftover still running after reap")
	}
	if _, err := os.Stat(filepath.Join(dir, "crashed.json")); !os.IsNotExist(err) {
		t.Errorf("expected state file removed, got %v", err)
	}
}

func TestReapSkipsReusedPID(t *testing.T) {
	cmd, done := leftover(t)
	pid := cmd.Process.Pid

	dir := t.TempDir()
	// A start time that cannot match: the pid now belongs to someone else.
	if err := newStateFile(dir, "old").save([]Record{{Service: "gone", PID: pid, PGID: pid, StartTime: 1}}); err != nil {
		t.Fatal(err)
	}

	reaped, err := Reap(context.Background(), dir, time.Second, nil)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if len(reaped) != 1 || reaped[0].Alive {
		t.Fatalf("expected one stale record, got %+v", reaped)
	}

	select {
	case <-done:
		t.Fatal("reap signalled a process it did not start")
	case <-time.After(200 * time.Millisecond):
	}
	if _, err := os.Stat(filepath.Join(dir, "old.json")); !os.IsNotExist(err) {
		t.Errorf("expected stale state file removed, got %v", err)
	}
}

func TestReapEmptyDir(t *testing.T) {
	reaped, err := Reap(context.Background(), t.TempDir(), time.Second, nil)
	if err != nil || len(reaped) != 0 {
		t.Errorf("expected nothing to reap, got %+v, %v", reaped, err)
	}
}
