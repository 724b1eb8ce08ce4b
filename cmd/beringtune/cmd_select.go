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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/BeringTune/pkg/ux"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/hwprofile"
	"github.com/AleutianAI/BeringTune/services/tuner/selector"
)

// runSelect is the cobra handler for `beringtune select`.
func runSelect(cmd *cobra.Command, args []string) {
	if err := selectConfig(cmd, args); err != nil {
		fail("%v", err)
	}
}

// selectConfig answers one (operation, input size) query and prints the
// decision as JSON on stdout. Everything else stays on stderr so the
// output pipes cleanly into jq or a caller's config loader.
func selectConfig(cmd *cobra.Command, args []string) error {
	rulesPath, _ := cmd.Flags().GetString("rules")
	if rulesPath == "" {
		return fmt.Errorf("--rules is required; derive one with 'beringtune rules derive'")
	}
	sequences, _ := cmd.Flags().GetInt("sequences")
	if sequences <= 0 {
		return fmt.Errorf("--sequences must be a positive input size, got %d", sequences)
	}
	strict, _ := cmd.Flags().GetBool("strict")
	noProfile, _ := cmd.Flags().GetBool("no-profile")

	// A one-shot query wants no stderr chatter unless asked.
	logger := newRunLogger("select", !verbose)
	defer logger.Close()

	reg, err := buildRegistry()
	if err != nil {
		return err
	}

	scfg := selector.DefaultConfig()
	scfg.StrictProfile = strict
	sel, err := selector.New(rulesPath, reg, scfg, logger.Slog())
	if err != nil {
		return err
	}

	// The zero profile disables hardware checks.
	profile := datatypes.HardwareProfile{}
	if !noProfile {
		profile = hwprofile.Detect()
	}

	decision := sel.Select(args[0], sequences, profile)
	if decision.ProfileMismatch {
		ux.Warning("Rule set was derived on different hardware; answer downgraded")
	}

	var data []byte
	if ux.GetPersonality().Level == ux.PersonalityMachine {
		data, err = json.Marshal(decision)
	} else {
		data, err = json.MarshalIndent(decision, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
