package guard

import (
	"encoding/json"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"
)

func newTestGuard(t *testing.T, alive func(int) bool) *Guard {
	t.Helper()
	g := New(t.TempDir())
	g.alive = alive
	g.kill = func(pid int, sig syscall.Signal) error { return nil }
	return g
}

func alwaysAlive(int) bool { return true }
func neverAlive(int) bool  { return false }

func writeRecord(t *testing.T, g *Guard, rec Record) {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(g.path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSingletonLaw(t *testing.T) {
	g := newTestGuard(t, alwaysAlive)

	first, err := g.Acquire()
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if first.PID != os.Getpid() {
		t.Fatalf("record pid %d, want %d", first.PID, os.Getpid())
	}
	if first.RunID == "" {
		t.Fatalf("record has no run id")
	}

	if _, err := g.Acquire(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second acquire: got %v, want ErrAlreadyRunning", err)
	}

	if err := g.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	third, err := g.Acquire()
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	if third.RunID == first.RunID {
		t.Fatalf("run id reused across runs")
	}
}

func TestAcquireRecoversStaleRecord(t *testing.T) {
	g := newTestGuard(t, neverAlive)
	writeRecord(t, g, Record{PID: 999999, RunID: "dead-run", StartedAt: time.Now()})

	rec, err := g.Acquire()
	if err != nil {
		t.Fatalf("acquire over stale record failed: %v", err)
	}
	if rec.PID != os.Getpid() {
		t.Fatalf("stale record not replaced, pid %d", rec.PID)
	}
}

func TestAcquireReplacesUnreadableRecord(t *testing.T) {
	g := newTestGuard(t, alwaysAlive)
	if err := os.WriteFile(g.path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Acquire(); err != nil {
		t.Fatalf("acquire over garbage record failed: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := newTestGuard(t, alwaysAlive)
	if err := g.Release(); err != nil {
		t.Fatalf("releasing a non-existent record errored: %v", err)
	}
	if _, err := g.Acquire(); err != nil {
		t.Fatal(err)
	}
	if err := g.Release(); err != nil {
		t.Fatal(err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("second release errored: %v", err)
	}
}

func TestCurrentWithNoRecord(t *testing.T) {
	g := newTestGuard(t, alwaysAlive)
	rec, alive, err := g.Current()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil || alive {
		t.Fatalf("expected no record, got %+v alive=%v", rec, alive)
	}
}

func TestRequestStopNotRunning(t *testing.T) {
	g := newTestGuard(t, neverAlive)
	outcome, rec, err := g.RequestStop(time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != StopNotRunning || rec != nil {
		t.Fatalf("outcome %v rec %+v, want StopNotRunning with no record", outcome, rec)
	}
}

func TestRequestStopClearsStaleRecord(t *testing.T) {
	g := newTestGuard(t, neverAlive)
	writeRecord(t, g, Record{PID: 999999, RunID: "dead-run", StartedAt: time.Now()})

	outcome, rec, err := g.RequestStop(time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != StopNotRunning {
		t.Fatalf("outcome %v, want StopNotRunning", outcome)
	}
	if rec == nil || rec.PID != 999999 {
		t.Fatalf("stale record not reported: %+v", rec)
	}
	if _, err := os.Stat(g.path); !os.IsNotExist(err) {
		t.Fatalf("stale record not cleared")
	}
}

func TestRequestStopGraceful(t *testing.T) {
	g := New(t.TempDir())
	var signals []syscall.Signal
	terminated := false
	g.alive = func(int) bool { return !terminated }
	g.kill = func(pid int, sig syscall.Signal) error {
		signals = append(signals, sig)
		if sig == syscall.SIGTERM {
			terminated = true
		}
		return nil
	}
	writeRecord(t, g, Record{PID: 4242, RunID: "run", StartedAt: time.Now()})

	outcome, rec, err := g.RequestStop(time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != StopGraceful {
		t.Fatalf("outcome %v, want StopGraceful", outcome)
	}
	if rec.PID != 4242 {
		t.Fatalf("wrong record: %+v", rec)
	}
	if len(signals) != 1 || signals[0] != syscall.SIGTERM {
		t.Fatalf("signals sent: %v, want a single SIGTERM", signals)
	}
}

func TestRequestStopEscalatesToKill(t *testing.T) {
	g := New(t.TempDir())
	var signals []syscall.Signal
	g.alive = alwaysAlive
	g.kill = func(pid int, sig syscall.Signal) error {
		signals = append(signals, sig)
		return nil
	}
	writeRecord(t, g, Record{PID: 4242, RunID: "run", StartedAt: time.Now()})

	outcome, _, err := g.RequestStop(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != StopForced {
		t.Fatalf("outcome %v, want StopForced", outcome)
	}
	if len(signals) != 2 || signals[0] != syscall.SIGTERM || signals[1] != syscall.SIGKILL {
		t.Fatalf("signals sent: %v, want SIGTERM then SIGKILL", signals)
	}
}

func TestRequestStopSignalFailure(t *testing.T) {
	g := New(t.TempDir())
	g.alive = alwaysAlive
	g.kill = func(pid int, sig syscall.Signal) error { return syscall.EPERM }
	writeRecord(t, g, Record{PID: 4242, RunID: "run", StartedAt: time.Now()})

	_, _, err := g.RequestStop(time.Second)
	if !errors.Is(err, ErrSignalFailed) {
		t.Fatalf("got %v, want ErrSignalFailed", err)
	}
}

func TestProcessAliveSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self"); err != nil {
		t.Skip("no procfs")
	}
	if !processAlive(os.Getpid()) {
		t.Fatalf("own process reported dead")
	}
}

func TestAcquireConcurrentOverStaleRecord(t *testing.T) {
	// two controllers starting at once over a record left by a crashed run:
	// exactly one may win, the other must see ErrAlreadyRunning
	const deadPID = 999999
	aliveExceptDead := func(pid int) bool { return pid != deadPID }

	for i := 0; i < 50; i++ {
		dir := t.TempDir()
		a := New(dir)
		a.alive = aliveExceptDead
		b := New(dir)
		b.alive = aliveExceptDead
		data, err := json.Marshal(Record{PID: deadPID, RunID: "dead-run", StartedAt: time.Now()})
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(a.path, data, 0o644); err != nil {
			t.Fatal(err)
		}

		errs := make(chan error, 2)
		for _, g := range []*Guard{a, b} {
			go func(g *Guard) {
				_, err := g.Acquire()
				errs <- err
			}(g)
		}
		var winners, losers int
		for j := 0; j < 2; j++ {
			switch err := <-errs; {
			case err == nil:
				winners++
			case errors.Is(err, ErrAlreadyRunning):
				losers++
			default:
				t.Fatalf("iteration %d: unexpected acquire error: %v", i, err)
			}
		}
		if winners != 1 || losers != 1 {
			t.Fatalf("iteration %d: %d winners and %d losers, want exactly one of each", i, winners, losers)
		}

		got, alive, err := a.Current()
		if err != nil {
			t.Fatalf("iteration %d: reading record after race: %v", i, err)
		}
		if got == nil || got.PID != os.Getpid() || !alive {
			t.Fatalf("iteration %d: record after race: %+v alive=%v", i, got, alive)
		}
	}
}

func TestReleaseMatchingLeavesForeignRecord(t *testing.T) {
	g := newTestGuard(t, alwaysAlive)
	writeRecord(t, g, Record{PID: 4242, RunID: "other-run", StartedAt: time.Now()})

	if err := g.ReleaseMatching(&Record{PID: 999999, RunID: "stopped-run"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(g.path); err != nil {
		t.Fatalf("record of another run was removed: %v", err)
	}
}

func TestReleaseMatchingRemovesOwnRecord(t *testing.T) {
	g := newTestGuard(t, alwaysAlive)
	rec := Record{PID: 4242, RunID: "stopped-run", StartedAt: time.Now()}
	writeRecord(t, g, rec)

	if err := g.ReleaseMatching(&rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(g.path); !os.IsNotExist(err) {
		t.Fatalf("record not removed")
	}

	// removing an already absent record is fine
	if err := g.ReleaseMatching(&rec); err != nil {
		t.Fatalf("release of absent record errored: %v", err)
	}
}

func TestAcquireCreateOrFailRace(t *testing.T) {
	// two guards over the same directory: the second must lose even though
	// it never saw the first one's record before calling Acquire
	dir := t.TempDir()
	a := New(dir)
	a.alive = alwaysAlive
	b := New(dir)
	b.alive = alwaysAlive

	if _, err := a.Acquire(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Acquire(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("got %v, want ErrAlreadyRunning", err)
	}
}
