// Package controller composes the guard, monitor and engine into the
// occupation lifecycle: Idle -> Waiting -> Occupying -> Terminating. It is
// the single authority for starting and stopping the reservation engine, and
// the only writer of the singleton record, phase file and activity trail.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	v1 "github.com/linskybing/gpu-occupy/api/config/v1"
	"github.com/linskybing/gpu-occupy/internal/engine"
	"github.com/linskybing/gpu-occupy/internal/guard"
	"github.com/linskybing/gpu-occupy/internal/monitor"
	"github.com/linskybing/gpu-occupy/internal/probe"
	"github.com/linskybing/gpu-occupy/internal/trail"
)

// Phase is the controller's lifecycle state. Exactly one controller, and
// hence one authoritative phase, exists per machine.
type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhaseWaiting     Phase = "Waiting"
	PhaseOccupying   Phase = "Occupying"
	PhaseTerminating Phase = "Terminating"
)

// Controller runs one occupation lifecycle to completion.
type Controller struct {
	policy   *v1.Policy
	stateDir string
	guard    *guard.Guard
	probe    probe.Interface
	alloc    engine.Allocator
}

// New wires a controller from its collaborators. The probe is only consulted
// while waiting; the allocator only once occupation begins.
func New(policy *v1.Policy, stateDir string, p probe.Interface, alloc engine.Allocator) *Controller {
	return &Controller{
		policy:   policy,
		stateDir: stateDir,
		guard:    guard.New(stateDir),
		probe:    p,
		alloc:    alloc,
	}
}

// Run drives the lifecycle until ctx is cancelled or a fatal error occurs.
// Cancellation is a normal stop and returns nil. The singleton record is
// released and all reservations freed on every return path.
func (c *Controller) Run(ctx context.Context) (err error) {
	rec, err := c.guard.Acquire()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := c.guard.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	w, werr := trail.NewWriter(c.stateDir, rec.RunID)
	if werr != nil {
		return werr
	}
	defer w.Close()

	klog.InfoS("Occupation controller starting",
		"pid", rec.PID, "runID", rec.RunID,
		"devices", c.policy.GPUs, "memoryGB", c.policy.MemoryGB,
		"compute", !c.policy.NoCompute, "waitGated", c.policy.WaitGated())
	_ = w.Append(trail.EventStarted, "", map[string]string{
		"devices":  fmt.Sprint(c.policy.GPUs),
		"memoryGB": strconv.FormatFloat(c.policy.MemoryGB, 'f', -1, 64),
		"compute":  strconv.FormatBool(!c.policy.NoCompute),
	})

	eng := engine.New(c.alloc, c.policy.GPUs, c.policy.BytesPerDevice(),
		!c.policy.NoCompute, c.policy.ComputeWindow(), c.policy.RestWindow())
	eng.OnCycle = func(s engine.CycleState) {
		_ = w.Append(trail.EventCycle, string(s.Mode), nil)
	}

	if c.policy.WaitGated() {
		if err := w.SetPhase(string(PhaseWaiting)); err != nil {
			return err
		}
		mon := monitor.New(c.probe, c.policy.GPUs, c.policy.ThresholdGB,
			c.policy.RequiredHold(), c.policy.PollInterval())
		mon.OnProgress = func(p monitor.Progress) {
			_ = w.Append(trail.EventHoldProgress, "", map[string]string{
				"held":     p.Held.String(),
				"required": p.Required.String(),
			})
		}
		mon.OnReset = func(lost time.Duration) {
			_ = w.Append(trail.EventHoldReset, "", map[string]string{
				"lost": lost.String(),
			})
		}
		if werr := mon.Wait(ctx); werr != nil {
			// stop requested mid-wait: nothing reserved, nothing to release
			return c.finish(w, eng, werr)
		}
	} else {
		klog.InfoS("Readiness gate disabled, occupying immediately",
			"thresholdGB", c.policy.ThresholdGB, "holdMinutes", c.policy.HoldMinutes)
	}

	if berr := eng.Begin(); berr != nil {
		_ = w.Append(trail.EventFailed, berr.Error(), nil)
		return c.finish(w, eng, berr)
	}
	// the phase flips only once the reservations actually exist, so a status
	// reader never sees Occupying with nothing held
	if err := w.SetPhase(string(PhaseOccupying)); err != nil {
		return c.finish(w, eng, err)
	}
	for _, h := range eng.Handles() {
		_ = w.Append(trail.EventAllocated, "", map[string]string{
			"device": strconv.Itoa(h.Device),
			"bytes":  strconv.FormatUint(h.Bytes, 10),
		})
	}

	return c.finish(w, eng, eng.Run(ctx))
}

// finish is the single Terminating path: release reservations, record the
// outcome, and translate cancellation into a clean stop.
func (c *Controller) finish(w *trail.Writer, eng *engine.Engine, cause error) error {
	_ = w.SetPhase(string(PhaseTerminating))
	had := len(eng.Handles()) > 0
	eng.End()
	if had {
		_ = w.Append(trail.EventReleased, "", nil)
	}

	if cause == nil || errors.Is(cause, context.Canceled) {
		klog.InfoS("Occupation stopped")
		_ = w.Append(trail.EventStopped, "", nil)
		return nil
	}
	klog.ErrorS(cause, "Occupation terminated by failure")
	_ = w.Append(trail.EventStopped, cause.Error(), nil)
	return cause
}

// HoldElapsed extracts the waiting sub-state from a hold-progress entry for
// status display.
func HoldElapsed(e trail.Entry) (held, required time.Duration, ok bool) {
	if e.Event != trail.EventHoldProgress || e.Fields == nil {
		return 0, 0, false
	}
	h, err1 := time.ParseDuration(e.Fields["held"])
	r, err2 := time.ParseDuration(e.Fields["required"])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return h, r, true
}
