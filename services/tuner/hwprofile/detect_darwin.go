// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build darwin

package hwprofile

import (
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

func readPlatform(p *datatypes.HardwareProfile) {
	if model, err := unix.Sysctl("machdep.cpu.brand_string"); err == nil && model != "" {
		p.CPUModel = model
	}
	if cores, err := unix.SysctlUint32("hw.physicalcpu"); err == nil {
		p.PhysicalCores = int(cores)
	}
	if mem, err := unix.SysctlUint64("hw.memsize"); err == nil {
		p.MemoryBytes = int64(mem)
	}
	// Apple Silicon has no SVE and no CUDA devices; the arm64 NEON default
	// is applied by Detect.
}
