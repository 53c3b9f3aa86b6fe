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

package v1

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Policy defines one occupation run: which devices to reserve, how much
// memory per device, the optional compute cycle, and the readiness gate that
// must hold before the reservation begins.
type Policy struct {
	// GPUs lists the device indexes to occupy
	GPUs []int `json:"gpus,omitempty"`
	// MemoryGB is the memory to reserve per device, in gigabytes
	MemoryGB float64 `json:"memoryGB,omitempty"`
	// NoCompute disables the burst/rest compute cycle (memory-only occupation)
	NoCompute bool `json:"noCompute,omitempty"`
	// ComputeMinutes is the duration of each compute burst
	ComputeMinutes float64 `json:"computeMinutes,omitempty"`
	// RestMinutes is the idle period between compute bursts
	RestMinutes float64 `json:"restMinutes,omitempty"`
	// ThresholdGB gates occupation: all devices must use strictly less than
	// this much memory before the hold timer starts. <= 0 disables the gate.
	ThresholdGB float64 `json:"thresholdGB,omitempty"`
	// HoldMinutes is how long every device must stay under ThresholdGB before
	// occupation begins
	HoldMinutes float64 `json:"holdMinutes,omitempty"`
	// PollMinutes is the readiness check interval
	PollMinutes float64 `json:"pollMinutes,omitempty"`
	// GraceSeconds is how long `off` waits after SIGTERM before escalating to
	// SIGKILL
	GraceSeconds float64 `json:"graceSeconds,omitempty"`
}

// GetDefaultPolicy returns the built-in defaults used when neither the config
// file nor the command line overrides a field.
func GetDefaultPolicy() *Policy {
	return &Policy{
		GPUs:           []int{0, 1, 2, 3},
		MemoryGB:       38.0,
		NoCompute:      false,
		ComputeMinutes: 30.0,
		RestMinutes:    5.0,
		ThresholdGB:    1.0,
		HoldMinutes:    5.0,
		PollMinutes:    1.0,
		GraceSeconds:   2.0,
	}
}

// LoadPolicyFile returns the default policy with any fields present in the
// YAML file at path layered on top. A missing file is not an error.
func LoadPolicyFile(path string) (*Policy, error) {
	policy := GetDefaultPolicy()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return policy, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file %v: %w", path, err)
	}
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("error parsing config file %v: %w", path, err)
	}
	return policy, nil
}

// Validate checks the policy for values the controller cannot run with.
func (p *Policy) Validate() error {
	if len(p.GPUs) == 0 {
		return fmt.Errorf("no GPUs specified")
	}
	seen := make(map[int]bool)
	for _, gpu := range p.GPUs {
		if gpu < 0 {
			return fmt.Errorf("invalid GPU index %d", gpu)
		}
		if seen[gpu] {
			return fmt.Errorf("duplicate GPU index %d", gpu)
		}
		seen[gpu] = true
	}
	if p.MemoryGB <= 0 {
		return fmt.Errorf("memoryGB must be > 0, got %v", p.MemoryGB)
	}
	if !p.NoCompute {
		if p.ComputeMinutes <= 0 {
			return fmt.Errorf("computeMinutes must be > 0 when compute is enabled, got %v", p.ComputeMinutes)
		}
		if p.RestMinutes <= 0 {
			return fmt.Errorf("restMinutes must be > 0 when compute is enabled, got %v", p.RestMinutes)
		}
	}
	if p.ThresholdGB < 0 {
		return fmt.Errorf("thresholdGB must be >= 0, got %v", p.ThresholdGB)
	}
	if p.HoldMinutes < 0 {
		return fmt.Errorf("holdMinutes must be >= 0, got %v", p.HoldMinutes)
	}
	if p.PollMinutes <= 0 {
		return fmt.Errorf("pollMinutes must be > 0, got %v", p.PollMinutes)
	}
	if p.GraceSeconds < 0 {
		return fmt.Errorf("graceSeconds must be >= 0, got %v", p.GraceSeconds)
	}
	return nil
}

// WaitGated reports whether the readiness gate is active. Both the threshold
// and the hold window must be positive; otherwise occupation starts
// immediately.
func (p *Policy) WaitGated() bool {
	return p.ThresholdGB > 0 && p.HoldMinutes > 0
}

// BytesPerDevice returns the per-device reservation size in bytes.
func (p *Policy) BytesPerDevice() uint64 {
	return uint64(p.MemoryGB * float64(1<<30))
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// PollInterval returns PollMinutes as a duration.
func (p *Policy) PollInterval() time.Duration { return minutes(p.PollMinutes) }

// RequiredHold returns HoldMinutes as a duration.
func (p *Policy) RequiredHold() time.Duration { return minutes(p.HoldMinutes) }

// ComputeWindow returns ComputeMinutes as a duration.
func (p *Policy) ComputeWindow() time.Duration { return minutes(p.ComputeMinutes) }

// RestWindow returns RestMinutes as a duration.
func (p *Policy) RestWindow() time.Duration { return minutes(p.RestMinutes) }

// Grace returns GraceSeconds as a duration.
func (p *Policy) Grace() time.Duration {
	return time.Duration(p.GraceSeconds * float64(time.Second))
}
