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

package hwprofile

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

func readPlatform(p *datatypes.HardwareProfile) {
	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		applyCPUInfo(p, parseCPUInfo(string(data)))
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		p.MemoryBytes = int64(info.Totalram) * int64(info.Unit)
	}

	// NVIDIA device nodes are the only GPU signal the tuner acts on.
	p.HasGPU = deviceExists("/dev/nvidiactl") || deviceExists("/dev/nvidia0")
}

func deviceExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
