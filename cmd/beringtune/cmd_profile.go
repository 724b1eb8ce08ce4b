// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/BeringTune/pkg/ux"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/hwprofile"
)

// runProfile is the cobra handler for `beringtune profile`.
func runProfile(cmd *cobra.Command, args []string) {
	if err := printProfile(cmd); err != nil {
		fail("%v", err)
	}
}

func printProfile(cmd *cobra.Command) error {
	p := hwprofile.Detect()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if ux.GetPersonality().Level == ux.PersonalityMachine {
		fmt.Printf("OS: %s\n", p.OS)
		fmt.Printf("ARCH: %s\n", p.Arch)
		fmt.Printf("CPU: %s\n", p.CPUModel)
		fmt.Printf("LOGICAL_CORES: %d\n", p.LogicalCores)
		fmt.Printf("PHYSICAL_CORES: %d\n", p.PhysicalCores)
		fmt.Printf("MEMORY_BYTES: %d\n", p.MemoryBytes)
		fmt.Printf("VECTOR: %s\n", vectorISAs(p))
		fmt.Printf("GPU: %t\n", p.HasGPU)
		fmt.Printf("FINGERPRINT: %s\n", p.Fingerprint())
		return nil
	}

	content := fmt.Sprintf("OS: %s/%s\nCPU: %s\nCores: %d logical, %d physical\nMemory: %.1f GiB\nVector: %s\nGPU: %t\nFingerprint: %s",
		p.OS, p.Arch, p.CPUModel, p.LogicalCores, p.PhysicalCores,
		float64(p.MemoryBytes)/(1<<30), vectorISAs(p), p.HasGPU, p.Fingerprint())
	ux.Box("Hardware Profile", content)
	return nil
}

// vectorISAs names the vector instruction sets the profile advertises,
// "none" when scalar only.
func vectorISAs(p datatypes.HardwareProfile) string {
	var isas []string
	if p.HasAVX2 {
		isas = append(isas, "AVX2")
	}
	if p.HasAVX512 {
		isas = append(isas, "AVX-512")
	}
	if p.HasNEON {
		isas = append(isas, "NEON")
	}
	if p.HasSVE {
		isas = append(isas, "SVE")
	}
	if len(isas) == 0 {
		return "none"
	}
	return strings.Join(isas, ", ")
}
