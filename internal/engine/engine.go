// Package engine owns the reservation itself: per-device memory allocations
// and the optional burst/rest compute cycle that keeps the devices looking
// busy while they are held.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

const (
	// burstTick is the nominal pacing of compute touches within a burst.
	burstTick = 10 * time.Millisecond
	// jitterCeiling scales the per-tick intensity jitter; the effective upper
	// bound is jitterCeiling divided by the device count, floored at the 0.5
	// lower bound so the interval stays well-formed.
	jitterCeiling = 28.0
	jitterFloor   = 0.5
)

// Handle names one per-device reservation. The ptr field is owned by the
// allocator that produced the handle and is opaque to everyone else.
type Handle struct {
	Device int
	Bytes  uint64
	ptr    uintptr
}

// Allocator is the backend that actually reserves and touches device memory.
type Allocator interface {
	// Allocate reserves a contiguous block of the given size on the device.
	Allocate(device int, bytes uint64) (Handle, error)
	// Release frees a previously allocated block.
	Release(h Handle) error
	// Perturb performs a cheap arithmetic touch of the block, enough to
	// register as utilization.
	Perturb(h Handle) error
	// Close releases backend resources once all handles are gone.
	Close() error
}

// AllocationError reports which device an allocation failed on.
type AllocationError struct {
	Device int
	Err    error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation failed on device %d: %v", e.Device, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// CycleMode describes which sub-phase of occupation the engine is in.
type CycleMode string

const (
	ModeIdle     CycleMode = ""
	ModeBursting CycleMode = "bursting"
	ModeResting  CycleMode = "resting"
	// ModeHolding is the compute-disabled steady state: memory reserved,
	// no bursts.
	ModeHolding CycleMode = "holding"
)

// CycleState is a snapshot of the engine's sub-phase for status reporting.
type CycleState struct {
	Mode  CycleMode
	Since time.Time
}

// Engine reserves memory on a device set and drives the compute cycle.
// Begin, Run and End are called from a single goroutine; the mutex only
// guards the snapshot read by status reporting.
type Engine struct {
	alloc   Allocator
	gpus    []int
	bytes   uint64
	compute bool
	burst   time.Duration
	rest    time.Duration
	rng     *rand.Rand

	// OnCycle, if set, is notified when a burst or rest period starts.
	OnCycle func(CycleState)

	mu      sync.Mutex
	handles []Handle
	state   CycleState
}

// New creates an Engine over the given allocator. bytes is the per-device
// reservation size; burst and rest configure the compute cycle when compute
// is enabled.
func New(alloc Allocator, gpus []int, bytes uint64, compute bool, burst, rest time.Duration) *Engine {
	return &Engine{
		alloc:   alloc,
		gpus:    gpus,
		bytes:   bytes,
		compute: compute,
		burst:   burst,
		rest:    rest,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Begin allocates the reservation on every device, in device-set order.
// If any device fails, everything allocated so far is released before the
// error is returned; a half-reserved machine with no controlling process is
// worse than a clean failure.
func (e *Engine) Begin() error {
	for _, gpu := range e.gpus {
		h, err := e.alloc.Allocate(gpu, e.bytes)
		if err != nil {
			e.End()
			return &AllocationError{Device: gpu, Err: err}
		}
		e.mu.Lock()
		e.handles = append(e.handles, h)
		e.mu.Unlock()
		klog.InfoS("Reserved device memory", "device", gpu, "bytes", e.bytes)
	}
	return nil
}

// Handles returns a snapshot of the current reservations.
func (e *Engine) Handles() []Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Handle, len(e.handles))
	copy(out, e.handles)
	return out
}

// State returns the current cycle snapshot.
func (e *Engine) State() CycleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setMode(mode CycleMode) {
	e.mu.Lock()
	e.state = CycleState{Mode: mode, Since: time.Now()}
	state := e.state
	e.mu.Unlock()
	if e.OnCycle != nil {
		e.OnCycle(state)
	}
}

// Run drives the occupation until ctx is cancelled or a device touch fails.
// With compute disabled it simply holds the allocation. Cancellation is
// honored at burst-tick granularity, never only at cycle boundaries.
func (e *Engine) Run(ctx context.Context) error {
	if !e.compute {
		e.setMode(ModeHolding)
		klog.InfoS("Holding reserved memory without compute")
		<-ctx.Done()
		return ctx.Err()
	}

	jitterMax := jitterCeiling / float64(len(e.gpus))
	if jitterMax < jitterFloor {
		jitterMax = jitterFloor
	}

	for {
		e.setMode(ModeBursting)
		klog.InfoS("Starting compute cycle", "duration", e.burst)
		if err := e.burstOnce(ctx, jitterMax); err != nil {
			return err
		}
		klog.InfoS("Completed compute cycle, entering rest period", "duration", e.rest)
		e.setMode(ModeResting)
		if err := sleepCtx(ctx, e.rest); err != nil {
			return err
		}
	}
}

// burstOnce touches every reserved block repeatedly for the burst duration,
// jittering the tick sleep so the load signature is not perfectly flat.
func (e *Engine) burstOnce(ctx context.Context, jitterMax float64) error {
	end := time.Now().Add(e.burst)
	for time.Now().Before(end) {
		for _, h := range e.Handles() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.alloc.Perturb(h); err != nil {
				return fmt.Errorf("compute touch failed on device %d: %w", h.Device, err)
			}
		}
		factor := jitterFloor + e.rng.Float64()*(jitterMax-jitterFloor)
		if err := sleepCtx(ctx, time.Duration(float64(burstTick)*factor)); err != nil {
			return err
		}
	}
	return nil
}

// End releases every handle and resets the engine. It is idempotent and safe
// to call even if Begin never ran or failed part-way.
func (e *Engine) End() {
	e.mu.Lock()
	handles := e.handles
	e.handles = nil
	e.state = CycleState{}
	e.mu.Unlock()
	for _, h := range handles {
		if err := e.alloc.Release(h); err != nil {
			klog.ErrorS(err, "Could not release reserved memory", "device", h.Device)
			continue
		}
		klog.InfoS("Released reserved memory", "device", h.Device, "bytes", h.Bytes)
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
