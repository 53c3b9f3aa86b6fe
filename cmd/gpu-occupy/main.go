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

// gpu-occupy reserves GPU memory, and optionally compute cycles, on idle
// devices so that other workloads cannot claim them. `on` starts the
// controller (waiting for the devices to go idle first if a readiness gate
// is configured), `off` stops it from any phase, and `status` reports what
// the running controller is doing.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	v1 "github.com/linskybing/gpu-occupy/api/config/v1"
	"github.com/linskybing/gpu-occupy/internal/controller"
	"github.com/linskybing/gpu-occupy/internal/engine"
	"github.com/linskybing/gpu-occupy/internal/guard"
	"github.com/linskybing/gpu-occupy/internal/probe"
	"github.com/linskybing/gpu-occupy/internal/trail"
)

// Exit codes. Each failure class gets its own so callers can script on them.
const (
	exitOK               = 0
	exitFailure          = 1
	exitAlreadyRunning   = 2
	exitAllocationFailed = 3
	exitSignalFailed     = 4
)

const configFileName = "config.yaml"

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "gpu-occupy")
	}
	return filepath.Join(home, ".config", "gpu-occupy")
}

func main() {
	defer klog.Flush()

	defaults := v1.GetDefaultPolicy()

	app := &cli.App{
		Name:  "gpu-occupy",
		Usage: "reserve GPU memory and compute cycles on idle devices",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "state-dir",
				Usage:   "directory holding the pid record, phase file and activity trail",
				Value:   defaultStateDir(),
				EnvVars: []string{"GPU_OCCUPY_STATE_DIR"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "on",
				Usage: "start the occupation controller",
				Flags: []cli.Flag{
					&cli.IntSliceFlag{Name: "gpus", Usage: "device indexes to occupy", Value: cli.NewIntSlice(defaults.GPUs...)},
					&cli.Float64Flag{Name: "memory", Usage: "memory to reserve per device, in GB", Value: defaults.MemoryGB},
					&cli.BoolFlag{Name: "no-compute", Usage: "hold memory only, without compute bursts", Value: defaults.NoCompute},
					&cli.Float64Flag{Name: "compute-minutes", Usage: "duration of each compute burst", Value: defaults.ComputeMinutes},
					&cli.Float64Flag{Name: "rest-minutes", Usage: "idle period between compute bursts", Value: defaults.RestMinutes},
					&cli.Float64Flag{Name: "threshold", Usage: "occupy once all devices use less than this many GB; 0 occupies immediately", Value: defaults.ThresholdGB},
					&cli.Float64Flag{Name: "hold-minutes", Usage: "how long the devices must stay under the threshold", Value: defaults.HoldMinutes},
					&cli.Float64Flag{Name: "poll-minutes", Usage: "readiness check interval", Value: defaults.PollMinutes},
				},
				Action: runOn,
			},
			{
				Name:  "off",
				Usage: "stop the running occupation controller",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "grace-seconds", Usage: "wait this long for a graceful exit before killing", Value: defaults.GraceSeconds},
				},
				Action: runOff,
			},
			{
				Name:  "status",
				Usage: "show what the occupation controller is doing",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "keep printing activity trail entries as they appear"},
				},
				Action: runStatus,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		if _, ok := err.(cli.ExitCoder); !ok {
			err = cli.Exit(err.Error(), exitFailure)
		}
		cli.HandleExitCoder(err)
	}
}

// resolvePolicy layers flag values over the config file over built-in
// defaults. A flag only wins when it was given explicitly.
func resolvePolicy(c *cli.Context, stateDir string) (*v1.Policy, error) {
	policy, err := v1.LoadPolicyFile(filepath.Join(stateDir, configFileName))
	if err != nil {
		return nil, err
	}
	if c.IsSet("gpus") {
		policy.GPUs = c.IntSlice("gpus")
	}
	if c.IsSet("memory") {
		policy.MemoryGB = c.Float64("memory")
	}
	if c.IsSet("no-compute") {
		policy.NoCompute = c.Bool("no-compute")
	}
	if c.IsSet("compute-minutes") {
		policy.ComputeMinutes = c.Float64("compute-minutes")
	}
	if c.IsSet("rest-minutes") {
		policy.RestMinutes = c.Float64("rest-minutes")
	}
	if c.IsSet("threshold") {
		policy.ThresholdGB = c.Float64("threshold")
	}
	if c.IsSet("hold-minutes") {
		policy.HoldMinutes = c.Float64("hold-minutes")
	}
	if c.IsSet("poll-minutes") {
		policy.PollMinutes = c.Float64("poll-minutes")
	}
	return policy, nil
}

func runOn(c *cli.Context) error {
	stateDir := c.String("state-dir")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return cli.Exit(fmt.Sprintf("could not create state directory: %v", err), exitFailure)
	}
	policy, err := resolvePolicy(c, stateDir)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	if err := policy.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), exitFailure)
	}

	// cheap pre-flight check before initializing CUDA; Acquire below remains
	// the race-free authority
	if rec, alive, err := guard.New(stateDir).Current(); err == nil && rec != nil && alive {
		return cli.Exit(alreadyRunningMessage(stateDir, rec.PID), exitAlreadyRunning)
	}

	printBanner(policy, stateDir)

	var prb probe.Interface = probe.Unavailable{}
	if policy.WaitGated() {
		p, err := probe.NewNVML()
		if err != nil {
			klog.ErrorS(err, "NVML probe unavailable, treating devices as idle")
		} else {
			prb = p
		}
	}
	defer prb.Shutdown()

	alloc, err := engine.NewCUDAAllocator()
	if err != nil {
		return cli.Exit(fmt.Sprintf("allocation backend unavailable: %v", err), exitAllocationFailed)
	}
	defer alloc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	ctrl := controller.New(policy, stateDir, prb, alloc)
	switch err := ctrl.Run(ctx); {
	case err == nil:
		return nil
	case errors.Is(err, guard.ErrAlreadyRunning):
		return cli.Exit(alreadyRunningMessage(stateDir, 0), exitAlreadyRunning)
	default:
		var allocErr *engine.AllocationError
		if errors.As(err, &allocErr) {
			return cli.Exit(err.Error(), exitAllocationFailed)
		}
		return cli.Exit(err.Error(), exitFailure)
	}
}

func alreadyRunningMessage(stateDir string, pid int) string {
	msg := "an occupation controller is already running"
	if pid > 0 {
		msg = fmt.Sprintf("%s (pid %d)", msg, pid)
	}
	if phase := trail.CurrentPhase(stateDir); phase != "" {
		msg = fmt.Sprintf("%s, phase %s", msg, phase)
	}
	return msg + "; use 'gpu-occupy off' to stop it first"
}

func runOff(c *cli.Context) error {
	stateDir := c.String("state-dir")
	policy, err := v1.LoadPolicyFile(filepath.Join(stateDir, configFileName))
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	if c.IsSet("grace-seconds") {
		policy.GraceSeconds = c.Float64("grace-seconds")
	}
	grace := policy.Grace()

	// read the phase before signalling so the result can be worded by what
	// was actually interrupted
	phase := controller.Phase(trail.CurrentPhase(stateDir))

	g := guard.New(stateDir)
	outcome, rec, err := g.RequestStop(grace)
	if err != nil {
		if errors.Is(err, guard.ErrSignalFailed) {
			return cli.Exit(err.Error(), exitSignalFailed)
		}
		return cli.Exit(err.Error(), exitFailure)
	}

	switch outcome {
	case guard.StopNotRunning:
		fmt.Println("No occupation controller is running")
	case guard.StopGraceful, guard.StopForced:
		if outcome == guard.StopForced {
			// a killed controller cannot remove its own record; scope the
			// cleanup to that run so a freshly started controller's record
			// survives
			_ = g.ReleaseMatching(rec)
		}
		switch phase {
		case controller.PhaseWaiting:
			fmt.Printf("Cancelled waiting phase (pid %d)\n", rec.PID)
		case controller.PhaseOccupying:
			fmt.Printf("Stopped GPU occupation (pid %d)\n", rec.PID)
		default:
			fmt.Printf("Stopped occupation controller (pid %d)\n", rec.PID)
		}
		if outcome == guard.StopForced {
			fmt.Println("Controller did not exit gracefully and was killed")
		}
	}
	return nil
}

func runStatus(c *cli.Context) error {
	stateDir := c.String("state-dir")
	status, err := controller.ReadStatus(stateDir, 10)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	if !status.Running {
		fmt.Println("No occupation controller is running")
	} else {
		fmt.Printf("Occupation controller running (pid %d, since %s)\n",
			status.Record.PID, status.Record.StartedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Phase: %s\n", status.Phase)
		for _, e := range status.Recent {
			printEntry(e)
		}
		if h, r, ok := lastHoldProgress(status); ok {
			fmt.Printf("Devices idle for %s of required %s\n", h, r)
		}
		if mode, since, ok := status.CycleSince(); ok {
			fmt.Printf("Currently %s for %s\n", mode, time.Since(since).Round(time.Second))
		}
	}

	if !c.Bool("follow") {
		return nil
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	return trail.Follow(ctx, stateDir, printEntry)
}

func lastHoldProgress(status *controller.Status) (held, required string, ok bool) {
	if status.Phase != controller.PhaseWaiting {
		return "", "", false
	}
	for i := len(status.Recent) - 1; i >= 0; i-- {
		if h, r, ok := controller.HoldElapsed(status.Recent[i]); ok {
			return h.String(), r.String(), true
		}
	}
	return "", "", false
}

func printEntry(e trail.Entry) {
	line := fmt.Sprintf("  %s  [%s] %s", e.Time.Format("15:04:05"), e.Phase, e.Event)
	if e.Message != "" {
		line += ": " + e.Message
	}
	for k, v := range e.Fields {
		line += fmt.Sprintf(" %s=%s", k, v)
	}
	fmt.Println(line)
}

func printBanner(p *v1.Policy, stateDir string) {
	fmt.Println("Starting GPU occupation")
	fmt.Printf("  GPUs: %v\n", p.GPUs)
	fmt.Printf("  Memory: %g GB per device\n", p.MemoryGB)
	if p.NoCompute {
		fmt.Println("  Compute: off (memory only)")
	} else {
		fmt.Printf("  Compute: on (burst %gmin, rest %gmin)\n", p.ComputeMinutes, p.RestMinutes)
	}
	if p.WaitGated() {
		fmt.Printf("  Readiness gate: used memory < %g GB on all devices for %g min, checked every %g min\n",
			p.ThresholdGB, p.HoldMinutes, p.PollMinutes)
	} else {
		fmt.Println("  Readiness gate: disabled (immediate occupation)")
	}
	fmt.Printf("  State directory: %s\n", stateDir)
}
