/*
 * Copyright (c) 2024, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package engine

import (
	"fmt"

	"gorgonia.org/cu"
	"k8s.io/klog/v2"
)

// cudaAllocator reserves device memory through the CUDA driver API. One
// driver context is created per device, lazily, and reused for every
// operation on that device.
type cudaAllocator struct {
	ctxs map[int]cu.CUContext
}

var _ Allocator = (*cudaAllocator)(nil)

// NewCUDAAllocator returns an Allocator backed by the CUDA driver.
func NewCUDAAllocator() (Allocator, error) {
	n, err := cu.NumDevices()
	if err != nil {
		return nil, fmt.Errorf("could not enumerate CUDA devices: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("no CUDA devices present")
	}
	return &cudaAllocator{ctxs: make(map[int]cu.CUContext)}, nil
}

func (a *cudaAllocator) context(device int) (cu.CUContext, error) {
	if ctx, ok := a.ctxs[device]; ok {
		return ctx, nil
	}
	dev := cu.Device(device)
	ctx, err := dev.MakeContext(cu.SchedAuto)
	if err != nil {
		return ctx, fmt.Errorf("could not create context on device %d: %w", device, err)
	}
	a.ctxs[device] = ctx
	return ctx, nil
}

func (a *cudaAllocator) use(device int) error {
	ctx, err := a.context(device)
	if err != nil {
		return err
	}
	return cu.SetCurrentContext(ctx)
}

func (a *cudaAllocator) Allocate(device int, bytes uint64) (Handle, error) {
	if err := a.use(device); err != nil {
		return Handle{}, err
	}
	ptr, err := cu.MemAlloc(int64(bytes))
	if err != nil {
		return Handle{}, fmt.Errorf("could not allocate %d bytes on device %d: %w", bytes, device, err)
	}
	// Zero the block so the pages are actually committed; a bare cuMemAlloc
	// may not show up in used-memory accounting on all driver versions.
	if err := cu.MemsetD32(ptr, 0, int64(bytes/4)); err != nil {
		_ = cu.MemFree(ptr)
		return Handle{}, fmt.Errorf("could not commit %d bytes on device %d: %w", bytes, device, err)
	}
	return Handle{Device: device, Bytes: bytes, ptr: uintptr(ptr)}, nil
}

func (a *cudaAllocator) Release(h Handle) error {
	if err := a.use(h.Device); err != nil {
		return err
	}
	if err := cu.MemFree(cu.DevicePtr(h.ptr)); err != nil {
		return fmt.Errorf("could not free memory on device %d: %w", h.Device, err)
	}
	return nil
}

// Perturb rewrites the reserved block with an alternating pattern. The write
// traffic is what matters, not the values.
func (a *cudaAllocator) Perturb(h Handle) error {
	if err := a.use(h.Device); err != nil {
		return err
	}
	return cu.MemsetD32(cu.DevicePtr(h.ptr), 0x5a5a5a5a, int64(h.Bytes/4))
}

func (a *cudaAllocator) Close() error {
	for device, ctx := range a.ctxs {
		if err := cu.DestroyContext(&ctx); err != nil {
			klog.ErrorS(err, "Error destroying CUDA context", "device", device)
		}
	}
	a.ctxs = nil
	return nil
}
