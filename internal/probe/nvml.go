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

package probe

import (
	"fmt"

	"github.com/NVIDIA/go-nvlib/pkg/nvlib/info"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"k8s.io/klog/v2"
)

type nvmlProbe struct {
	nvml nvml.Interface
}

var _ Interface = (*nvmlProbe)(nil)

// NewNVML returns a probe backed by the NVIDIA management library.
func NewNVML() (Interface, error) {
	return newNVMLProbe(nvml.New())
}

// newNVMLProbe initializes NVML against an injected implementation.
func newNVMLProbe(nvmllib nvml.Interface) (Interface, error) {
	infolib := info.New()
	if platform := infolib.ResolvePlatform(); !nvmlCapable(platform) {
		return nil, fmt.Errorf("platform %v does not support NVML queries", platform)
	}
	if ret := nvmllib.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to initialize NVML: %v", ret)
	}
	return &nvmlProbe{nvml: nvmllib}, nil
}

// nvmlCapable reports whether NVML queries work on the platform. WSL exposes
// NVML through the Windows driver passthrough, so it counts.
func nvmlCapable(platform info.Platform) bool {
	return platform == info.PlatformNVML || platform == info.PlatformWSL
}

func (p *nvmlProbe) DeviceMemInfo(index int) (MemInfo, error) {
	device, ret := p.nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return MemInfo{}, fmt.Errorf("%w: no handle for device %d: %v", ErrUnavailable, index, ret)
	}
	mem, ret := device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return MemInfo{}, fmt.Errorf("%w: memory info for device %d: %v", ErrUnavailable, index, ret)
	}
	const bytesPerGB = float64(1 << 30)
	return MemInfo{
		UsedGB:  float64(mem.Used) / bytesPerGB,
		TotalGB: float64(mem.Total) / bytesPerGB,
	}, nil
}

func (p *nvmlProbe) Shutdown() {
	if ret := p.nvml.Shutdown(); ret != nvml.SUCCESS {
		klog.InfoS("Error shutting down NVML", "error", ret)
	}
}
