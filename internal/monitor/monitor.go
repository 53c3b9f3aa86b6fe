// Package monitor decides when a set of devices has been idle long enough to
// occupy. Readiness is an AND across the device set, debounced over a hold
// window: a single over-threshold sample restarts the hold timer from zero.
package monitor

import (
	"context"
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/linskybing/gpu-occupy/internal/probe"
)

// Progress is reported on every ready poll tick while the hold timer runs.
type Progress struct {
	Held     time.Duration
	Required time.Duration
}

// Monitor samples device memory usage until every device has stayed under the
// threshold for the required hold duration.
type Monitor struct {
	probe     probe.Interface
	gpus      []int
	threshold float64
	hold      time.Duration
	poll      time.Duration

	// readySince is zero while any device is over threshold. The hold
	// arithmetic relies on time.Time's monotonic reading, so wall-clock
	// adjustments cannot fake or destroy accumulated hold time.
	readySince time.Time

	// OnProgress, if set, is invoked after each ready sample with the
	// accumulated hold time.
	OnProgress func(Progress)
	// OnReset, if set, is invoked when a non-ready sample restarts the hold
	// timer, with the hold time that was forfeited.
	OnReset func(lost time.Duration)
}

// New creates a Monitor over the given device indexes.
func New(p probe.Interface, gpus []int, thresholdGB float64, hold, poll time.Duration) *Monitor {
	return &Monitor{
		probe:     p,
		gpus:      gpus,
		threshold: thresholdGB,
		hold:      hold,
		poll:      poll,
	}
}

// Sample reports whether every device is currently under the threshold.
// A threshold <= 0 is always ready and does not consult the probe at all.
// A device whose usage cannot be read counts as ready; an unreliable probe
// must not block occupation indefinitely.
func (m *Monitor) Sample() bool {
	if m.threshold <= 0 {
		return true
	}
	for _, gpu := range m.gpus {
		mem, err := m.probe.DeviceMemInfo(gpu)
		if err != nil {
			klog.Warningf("Could not read device %d memory, assuming idle: %v", gpu, err)
			continue
		}
		if mem.UsedGB >= m.threshold {
			klog.InfoS("Device over threshold, not ready", "device", gpu, "usedGB", mem.UsedGB, "thresholdGB", m.threshold)
			return false
		}
		klog.V(2).InfoS("Device under threshold", "device", gpu, "usedGB", mem.UsedGB, "thresholdGB", m.threshold)
	}
	return true
}

// Wait blocks until the debounce condition holds: every device under
// threshold for at least the hold duration, measured from the first ready
// sample and reset by any non-ready sample. It returns ctx.Err() if the
// context is cancelled first; the poll sleep is interruptible.
func (m *Monitor) Wait(ctx context.Context) error {
	klog.InfoS("Waiting for devices to go idle", "devices", m.gpus, "thresholdGB", m.threshold, "requiredHold", m.hold, "pollInterval", m.poll)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.tick(time.Now()) {
			return nil
		}
		timer := time.NewTimer(m.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tick runs one sample step and reports whether the hold is satisfied.
func (m *Monitor) tick(now time.Time) bool {
	if !m.Sample() {
		if !m.readySince.IsZero() {
			lost := now.Sub(m.readySince)
			klog.InfoS("Devices no longer idle, resetting hold timer", "lost", lost)
			if m.OnReset != nil {
				m.OnReset(lost)
			}
		}
		m.readySince = time.Time{}
		return false
	}
	if m.readySince.IsZero() {
		m.readySince = now
		klog.InfoS("All devices idle, hold timer started")
	}
	held := now.Sub(m.readySince)
	if m.OnProgress != nil {
		m.OnProgress(Progress{Held: held, Required: m.hold})
	}
	if held >= m.hold {
		klog.InfoS("Devices held idle long enough, ready to occupy", "held", held)
		return true
	}
	klog.InfoS("Devices idle, hold timer running", "held", held, "required", m.hold, "remaining", m.hold-held)
	return false
}

// IsCancelled reports whether err is ordinary context cancellation rather
// than a monitoring failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
