// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux

package measure

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// pinThread applies the affinity hint to the calling OS thread and returns
// a restore function. The caller must already hold runtime.LockOSThread.
//
// Without topology discovery the hint assumes lower-numbered CPUs are the
// performance cores, which holds on current hybrid x86 parts. The hint is
// advisory either way; measurement never asserts on placement.
func pinThread(hint datatypes.Affinity) (restore func(), err error) {
	if hint == datatypes.AffinityDefault || hint == "" {
		return func() {}, nil
	}

	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		return nil, fmt.Errorf("read affinity: %w", err)
	}

	n := runtime.NumCPU()
	half := (n + 1) / 2

	var set unix.CPUSet
	switch hint {
	case datatypes.AffinityPerformance:
		for cpu := 0; cpu < half; cpu++ {
			set.Set(cpu)
		}
	case datatypes.AffinityEfficiency:
		for cpu := half; cpu < n; cpu++ {
			set.Set(cpu)
		}
		if set.Count() == 0 {
			set.Set(0)
		}
	default:
		return func() {}, nil
	}

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("set affinity: %w", err)
	}
	return func() { _ = unix.SchedSetaffinity(0, &old) }, nil
}
