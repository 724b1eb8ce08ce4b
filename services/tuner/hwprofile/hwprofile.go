// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hwprofile fingerprints the machine a tuning run executes on.
//
// Every run stores the profile it was measured under, and the selector
// compares it against the querying machine before honoring a rule: a
// speedup measured on an AVX-512 box says nothing about a NEON one.
// Detection never fails; fields that cannot be read stay zero and the
// fingerprint simply carries less identity.
package hwprofile

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// Detect fingerprints the current machine.
func Detect() datatypes.HardwareProfile {
	p := datatypes.HardwareProfile{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		LogicalCores: runtime.NumCPU(),
	}
	readPlatform(&p)
	if p.Arch == "arm64" {
		// NEON is mandatory on arm64.
		p.HasNEON = true
	}
	if p.CPUModel == "" {
		p.CPUModel = "unknown"
	}
	return p
}

// cpuInfo holds the fields parsed out of a /proc/cpuinfo document.
type cpuInfo struct {
	Model         string
	PhysicalCores int

	HasAVX2   bool
	HasAVX512 bool
	HasNEON   bool
	HasSVE    bool
}

// neoverseParts maps ARM part codes to their marketing names, the cores
// behind the common arm64 server fleets.
var neoverseParts = map[string]string{
	"0xd0c": "Neoverse-N1",
	"0xd40": "Neoverse-V1",
	"0xd4f": "Neoverse-V2",
}

// parseCPUInfo extracts model identity, physical core count, and vector ISA
// flags from /proc/cpuinfo text. It understands both the amd64 layout
// ("model name", "flags", "physical id"/"core id") and the arm64 layout
// ("CPU implementer"/"CPU part", "Features").
func parseCPUInfo(text string) cpuInfo {
	var info cpuInfo
	var implementer, part string
	var physicalID, coreID string
	cores := make(map[string]struct{})

	for _, line := range strings.Split(text, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			// Blank line ends a processor block.
			physicalID, coreID = "", ""
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "model name":
			if info.Model == "" {
				info.Model = value
			}
		case "CPU implementer":
			implementer = value
		case "CPU part":
			part = value
		case "physical id":
			physicalID = value
		case "core id":
			coreID = value
			if physicalID != "" {
				cores[physicalID+"/"+coreID] = struct{}{}
			}
		case "flags", "Features":
			applyISAFlags(&info, value)
		}
	}

	info.PhysicalCores = len(cores)
	if info.Model == "" && implementer != "" {
		if name, ok := neoverseParts[part]; ok && implementer == "0x41" {
			info.Model = "ARM " + name
		} else {
			info.Model = fmt.Sprintf("ARM implementer %s part %s", implementer, part)
		}
	}
	return info
}

func applyISAFlags(info *cpuInfo, line string) {
	for _, flag := range strings.Fields(line) {
		switch flag {
		case "avx2":
			info.HasAVX2 = true
		case "avx512f":
			info.HasAVX512 = true
		case "asimd":
			info.HasNEON = true
		case "sve":
			info.HasSVE = true
		}
	}
}

func applyCPUInfo(p *datatypes.HardwareProfile, info cpuInfo) {
	if info.Model != "" {
		p.CPUModel = info.Model
	}
	if info.PhysicalCores > 0 {
		p.PhysicalCores = info.PhysicalCores
	}
	p.HasAVX2 = info.HasAVX2
	p.HasAVX512 = info.HasAVX512
	p.HasNEON = info.HasNEON
	p.HasSVE = info.HasSVE
}
