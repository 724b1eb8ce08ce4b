// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HardwareProfile fingerprints the machine a run executed on. Rules derived
// on one profile are tagged with it so the Selector can refuse or downgrade
// cross-profile matches instead of silently recommending a strategy tuned
// for different silicon.
type HardwareProfile struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	CPUModel string `json:"cpu_model"`

	LogicalCores  int   `json:"logical_cores"`
	PhysicalCores int   `json:"physical_cores,omitempty"`
	MemoryBytes   int64 `json:"memory_bytes,omitempty"`

	// Vector ISA availability, by architecture family.
	HasAVX2   bool `json:"has_avx2,omitempty"`
	HasAVX512 bool `json:"has_avx512,omitempty"`
	HasNEON   bool `json:"has_neon,omitempty"`
	HasSVE    bool `json:"has_sve,omitempty"`

	HasGPU bool `json:"has_gpu,omitempty"`
}

// Fingerprint returns a short stable hash of the identity-bearing fields.
// Memory size is excluded: swapping DIMMs should not orphan a rule set.
func (p HardwareProfile) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%t|%t|%t|%t|%t",
		p.OS, p.Arch, p.CPUModel, p.LogicalCores,
		p.HasAVX2, p.HasAVX512, p.HasNEON, p.HasSVE, p.HasGPU)
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// Matches reports whether two profiles are close enough to share rules:
// same OS/arch/CPU model and the same vector ISA surface.
func (p HardwareProfile) Matches(other HardwareProfile) bool {
	return p.Fingerprint() == other.Fingerprint()
}

func (p HardwareProfile) String() string {
	return fmt.Sprintf("%s/%s %s (%d cores)", p.OS, p.Arch, p.CPUModel, p.LogicalCores)
}
