package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeAllocator struct {
	mu       sync.Mutex
	failOn   map[int]bool
	next     uintptr
	allocs   []Handle
	released []int
	perturbs int
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{failOn: make(map[int]bool), next: 1}
}

func (f *fakeAllocator) Allocate(device int, bytes uint64) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[device] {
		return Handle{}, fmt.Errorf("out of memory")
	}
	h := Handle{Device: device, Bytes: bytes, ptr: f.next}
	f.next++
	f.allocs = append(f.allocs, h)
	return h, nil
}

func (f *fakeAllocator) Release(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, h.Device)
	return nil
}

func (f *fakeAllocator) Perturb(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perturbs++
	return nil
}

func (f *fakeAllocator) Close() error { return nil }

func (f *fakeAllocator) perturbCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perturbs
}

func (f *fakeAllocator) releasedDevices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.released))
	copy(out, f.released)
	return out
}

func TestBeginAllocatesEveryDeviceInOrder(t *testing.T) {
	alloc := newFakeAllocator()
	e := New(alloc, []int{2, 0, 1}, 1<<30, false, 0, 0)
	if err := e.Begin(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handles := e.Handles()
	if len(handles) != 3 {
		t.Fatalf("expected 3 handles, got %d", len(handles))
	}
	for i, want := range []int{2, 0, 1} {
		if handles[i].Device != want {
			t.Fatalf("handle %d on device %d, want %d", i, handles[i].Device, want)
		}
		if handles[i].Bytes != 1<<30 {
			t.Fatalf("handle %d has %d bytes", i, handles[i].Bytes)
		}
	}
}

func TestBeginRollsBackOnPartialFailure(t *testing.T) {
	alloc := newFakeAllocator()
	alloc.failOn[2] = true
	e := New(alloc, []int{0, 1, 2}, 1<<20, false, 0, 0)

	err := e.Begin()
	if err == nil {
		t.Fatalf("expected an allocation error")
	}
	var allocErr *AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("expected *AllocationError, got %T", err)
	}
	if allocErr.Device != 2 {
		t.Fatalf("failure attributed to device %d, want 2", allocErr.Device)
	}
	released := alloc.releasedDevices()
	if len(released) != 2 || released[0] != 0 || released[1] != 1 {
		t.Fatalf("devices 0 and 1 not rolled back, released %v", released)
	}
	if len(e.Handles()) != 0 {
		t.Fatalf("handles survived a failed Begin")
	}
}

func TestRunComputeDisabledHoldsWithoutPerturbing(t *testing.T) {
	alloc := newFakeAllocator()
	e := New(alloc, []int{0}, 1<<20, false, 0, 0)
	if err := e.Begin(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	waitForMode(t, e, ModeHolding)
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on cancellation")
	}
	if n := alloc.perturbCount(); n != 0 {
		t.Fatalf("%d bursts issued with compute disabled", n)
	}
}

func TestRunStopsMidBurst(t *testing.T) {
	alloc := newFakeAllocator()
	e := New(alloc, []int{0, 1}, 1<<20, true, time.Hour, time.Hour)
	if err := e.Begin(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// wait until the burst is actually underway
	deadline := time.Now().Add(2 * time.Second)
	for alloc.perturbCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no perturbs observed")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancellation not honored at burst-tick granularity")
	}
}

func TestRunCyclesBurstThenRest(t *testing.T) {
	alloc := newFakeAllocator()
	e := New(alloc, []int{0}, 1<<20, true, 30*time.Millisecond, time.Hour)
	if err := e.Begin(); err != nil {
		t.Fatal(err)
	}

	var modes []CycleMode
	var mu sync.Mutex
	e.OnCycle = func(s CycleState) {
		mu.Lock()
		modes = append(modes, s.Mode)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	waitForMode(t, e, ModeResting)
	cancel()
	<-done

	if alloc.perturbCount() == 0 {
		t.Fatalf("burst issued no perturbs")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(modes) < 2 || modes[0] != ModeBursting || modes[1] != ModeResting {
		t.Fatalf("unexpected cycle sequence %v", modes)
	}
}

func TestRunPerturbFailureIsFatal(t *testing.T) {
	alloc := newFakeAllocator()
	e := New(alloc, []int{0}, 1<<20, true, time.Hour, time.Hour)
	if err := e.Begin(); err != nil {
		t.Fatal(err)
	}
	// swap in a failing touch after allocation succeeded
	failing := &perturbFailAllocator{fakeAllocator: alloc}
	e.alloc = failing

	err := e.Run(context.Background())
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("expected a touch failure, got %v", err)
	}
}

type perturbFailAllocator struct {
	*fakeAllocator
}

func (p *perturbFailAllocator) Perturb(h Handle) error {
	return fmt.Errorf("device lost")
}

func TestEndIsIdempotentAndSafeWithoutBegin(t *testing.T) {
	alloc := newFakeAllocator()
	e := New(alloc, []int{0, 1}, 1<<20, false, 0, 0)

	e.End() // never began
	if err := e.Begin(); err != nil {
		t.Fatal(err)
	}
	e.End()
	e.End()
	if got := alloc.releasedDevices(); len(got) != 2 {
		t.Fatalf("expected exactly one release per device, got %v", got)
	}
	if len(e.Handles()) != 0 {
		t.Fatalf("handles survived End")
	}
}

func waitForMode(t *testing.T, e *Engine, mode CycleMode) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.State().Mode != mode {
		if time.Now().After(deadline) {
			t.Fatalf("engine never reached mode %q, currently %q", mode, e.State().Mode)
		}
		time.Sleep(time.Millisecond)
	}
}
