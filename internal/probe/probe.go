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

// Package probe answers "how much memory is this device using right now".
// It is deliberately thin: callers treat a failing probe as transient and
// never let it abort readiness checking.
package probe

import "errors"

// MemInfo reports the memory occupancy of one device in gigabytes.
type MemInfo struct {
	UsedGB  float64
	TotalGB float64
}

// Interface queries device memory usage.
type Interface interface {
	// DeviceMemInfo returns the current memory occupancy of the device at
	// the given index. Errors wrap ErrUnavailable when the reading could not
	// be taken.
	DeviceMemInfo(index int) (MemInfo, error)
	// Shutdown releases any resources held by the probe.
	Shutdown()
}

// ErrUnavailable indicates a device usage reading could not be taken.
// It is always transient from the caller's point of view.
var ErrUnavailable = errors.New("device usage unavailable")

// Unavailable is a probe that can never take a reading. The controller falls
// back to it when NVML cannot be initialized so that readiness checking
// degrades to "assume idle" instead of failing the run.
type Unavailable struct{}

func (Unavailable) DeviceMemInfo(index int) (MemInfo, error) {
	return MemInfo{}, ErrUnavailable
}

func (Unavailable) Shutdown() {}
