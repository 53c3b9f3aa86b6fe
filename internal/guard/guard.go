// Package guard enforces the single-instance discipline: at most one
// occupation controller per machine, recorded in a PID file that every exit
// path clears and that any process can inspect or stop.
package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/procfs"
	"k8s.io/klog/v2"
)

const (
	recordFile = "occupy.pid"

	// acquireAttempts bounds the create/clear loop in Acquire so a record
	// that keeps reappearing cannot spin us forever.
	acquireAttempts = 5
	// takeoverLockTTL is how long a takeover lock left behind by a crashed
	// starter is honored before it is swept away.
	takeoverLockTTL = 10 * time.Second
)

var (
	// ErrAlreadyRunning means a live controller already holds the record.
	ErrAlreadyRunning = errors.New("an occupation controller is already running")
	// ErrSignalFailed means a stop request could not be delivered to the
	// recorded process.
	ErrSignalFailed = errors.New("could not signal the occupation controller")
)

// Record identifies the running controller instance. The RunID ties trail
// entries to this specific run, so a recycled PID cannot be confused with a
// previous controller.
type Record struct {
	PID       int       `json:"pid"`
	RunID     string    `json:"runID"`
	StartedAt time.Time `json:"startedAt"`
}

// StopOutcome reports how a stop request concluded.
type StopOutcome int

const (
	// StopNotRunning means there was no live controller to stop.
	StopNotRunning StopOutcome = iota
	// StopGraceful means the controller exited within the grace window.
	StopGraceful
	// StopForced means the controller had to be killed.
	StopForced
)

// Guard manages the singleton record for one state directory.
type Guard struct {
	path string

	// alive and kill are swapped out in tests.
	alive func(pid int) bool
	kill  func(pid int, sig syscall.Signal) error
}

// New returns a Guard over the record in stateDir.
func New(stateDir string) *Guard {
	return &Guard{
		path:  filepath.Join(stateDir, recordFile),
		alive: processAlive,
		kill:  syscall.Kill,
	}
}

// Acquire claims the singleton record for the calling process. It fails with
// ErrAlreadyRunning if the record references a live process. Every path that
// writes the record goes through an O_CREATE|O_EXCL create, so two
// controllers racing on the same directory cannot both win: a stale record
// (dead process) is first removed under a takeover lock, then the exclusive
// create decides the winner.
func (g *Guard) Acquire() (Record, error) {
	rec := Record{
		PID:       os.Getpid(),
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	data = append(data, '\n')

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		created, err := g.tryCreate(data, rec.RunID)
		if err != nil {
			return Record{}, err
		}
		if created {
			return rec, nil
		}

		existing, readErr := g.read()
		if os.IsNotExist(readErr) {
			// record vanished between create and read
			continue
		}
		if readErr == nil && g.alive(existing.PID) {
			return Record{}, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, existing.PID)
		}
		cleared, err := g.clearStale()
		if err != nil {
			return Record{}, err
		}
		if !cleared {
			// another starter holds the takeover lock; let it finish
			time.Sleep(20 * time.Millisecond)
		}
	}
	return Record{}, fmt.Errorf("could not claim singleton record %v", g.path)
}

// tryCreate attempts the exclusive create of the record. The content is
// staged in a temporary file and linked into place, so the record either does
// not exist or is fully written; no reader can observe a torn record. It
// reports false without error when the record already exists.
func (g *Guard) tryCreate(data []byte, runID string) (bool, error) {
	tmp := g.path + "." + runID
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return false, fmt.Errorf("error staging singleton record: %w", err)
	}
	defer os.Remove(tmp)

	err := os.Link(tmp, g.path)
	if err == nil {
		return true, nil
	}
	if os.IsExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("error creating singleton record: %w", err)
}

// clearStale removes a dead or unreadable record. Removal is serialized
// through a short-lived lock file so two recovering starters cannot clear
// each other's freshly written records; the record is re-checked under the
// lock before anything is deleted. Returns false when another starter holds
// the lock.
func (g *Guard) clearStale() (bool, error) {
	lockPath := g.path + ".lock"
	lf, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		// a starter that crashed mid-takeover must not wedge every
		// future start
		if info, serr := os.Stat(lockPath); serr == nil && time.Since(info.ModTime()) > takeoverLockTTL {
			_ = os.Remove(lockPath)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error creating takeover lock: %w", err)
	}
	lf.Close()
	defer os.Remove(lockPath)

	current, err := g.read()
	switch {
	case os.IsNotExist(err):
		return true, nil
	case err == nil && g.alive(current.PID):
		// replaced by a live controller while we were deciding; the next
		// create attempt will fail and report it
		return true, nil
	case err != nil:
		klog.InfoS("Clearing unreadable singleton record", "path", g.path, "err", err)
	default:
		klog.InfoS("Clearing stale singleton record", "path", g.path, "pid", current.PID)
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("error removing stale singleton record: %w", err)
	}
	return true, nil
}

// Release removes the singleton record. Removing an absent record is not an
// error; every exit path calls this unconditionally.
func (g *Guard) Release() error {
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing singleton record: %w", err)
	}
	return nil
}

// ReleaseMatching removes the singleton record only if it still belongs to
// rec's run. Cleaning up after a forcibly killed controller goes through
// this, so a new controller that claimed the record in the meantime never
// loses it.
func (g *Guard) ReleaseMatching(rec *Record) error {
	current, err := g.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.RunID != rec.RunID {
		klog.InfoS("Singleton record belongs to another run, leaving it", "path", g.path, "pid", current.PID)
		return nil
	}
	return g.Release()
}

// Current returns the recorded controller, if any, and whether its process is
// still alive. A missing record returns (nil, false, nil).
func (g *Guard) Current() (*Record, bool, error) {
	rec, err := g.read()
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, g.alive(rec.PID), nil
}

// RequestStop asks the recorded controller to shut down, waiting up to grace
// for a voluntary exit before escalating to SIGKILL. The outcome
// distinguishes "was not running" from graceful and forced stops. A stale
// record is cleared as a side effect.
func (g *Guard) RequestStop(grace time.Duration) (StopOutcome, *Record, error) {
	rec, alive, err := g.Current()
	if err != nil {
		return StopNotRunning, nil, err
	}
	if rec == nil {
		return StopNotRunning, nil, nil
	}
	if !alive {
		// crashed controller left its record behind
		_ = g.Release()
		return StopNotRunning, rec, nil
	}

	if err := g.kill(rec.PID, syscall.SIGTERM); err != nil {
		return StopNotRunning, rec, fmt.Errorf("%w: %v", ErrSignalFailed, err)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !g.alive(rec.PID) {
			return StopGraceful, rec, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !g.alive(rec.PID) {
		return StopGraceful, rec, nil
	}
	klog.InfoS("Controller did not exit within grace window, escalating", "pid", rec.PID, "grace", grace)
	if err := g.kill(rec.PID, syscall.SIGKILL); err != nil {
		return StopNotRunning, rec, fmt.Errorf("%w: %v", ErrSignalFailed, err)
	}
	return StopForced, rec, nil
}

func (g *Guard) read() (Record, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("error parsing singleton record %v: %w", g.path, err)
	}
	if rec.PID <= 0 {
		return Record{}, fmt.Errorf("singleton record %v has no pid", g.path)
	}
	return rec, nil
}

// processAlive checks /proc for the pid. A zombie counts as dead: it can
// neither hold GPU memory nor react to signals meaningfully.
func processAlive(pid int) bool {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return false
	}
	stat, err := proc.Stat()
	if err != nil {
		return false
	}
	return stat.State != "Z"
}
