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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/BeringTune/pkg/logging"
	"github.com/AleutianAI/BeringTune/pkg/ux"
	"github.com/AleutianAI/BeringTune/services/tuner/compose"
	"github.com/AleutianAI/BeringTune/services/tuner/config"
	"github.com/AleutianAI/BeringTune/services/tuner/dataset"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/hwprofile"
	"github.com/AleutianAI/BeringTune/services/tuner/measure"
	"github.com/AleutianAI/BeringTune/services/tuner/registry"
	"github.com/AleutianAI/BeringTune/services/tuner/rules"
)

// runDeriveRules is the cobra handler for `beringtune rules derive`.
func runDeriveRules(cmd *cobra.Command, args []string) {
	if err := deriveRules(cmd, args); err != nil {
		fail("Rule derivation failed: %v", err)
	}
}

// deriveRules fits optimization rules from a completed run and saves them
// as a rule set JSON document.
func deriveRules(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("store"); dir != "" {
		cfg.Store.Path = dir
	}

	quiet := ux.ShouldShowProgress() && !verbose
	logger := newRunLogger("rules", quiet)
	defer logger.Close()

	reg, err := buildRegistry()
	if err != nil {
		return err
	}
	st, err := openStore(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID, err := resolveRunID(ctx, st, args)
	if err != nil {
		return err
	}

	deriver, err := rules.NewDeriver(st, reg, cfg.RulesConfig(), logger.Slog())
	if err != nil {
		return err
	}

	spinner := ux.NewSpinner(fmt.Sprintf("Deriving rules from %s...", runID))
	spinner.Start()
	rs, err := deriver.Derive(ctx, runID)
	if err != nil {
		spinner.StopWithError("Derivation failed")
		return err
	}
	spinner.StopWithSuccess(fmt.Sprintf("Derived %d rules from %s", len(rs.Rules), runID))

	if validate, _ := cmd.Flags().GetBool("validate"); validate {
		if err := validateCompositions(ctx, reg, cfg, rs, logger); err != nil {
			return err
		}
	}

	outputFlag, _ := cmd.Flags().GetString("output")
	outputPath := resolveOutputPath(outputFlag, fmt.Sprintf("rules_%s.json", runID))
	if err := rules.SaveRuleSet(outputPath, rs); err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("Saved rule set to %s", outputPath))

	printRuleSetSummary(rs)

	if hw := hwprofile.Detect(); !hw.Matches(rs.Profile) {
		ux.Warning(fmt.Sprintf("Run was measured on %s; this machine is %s",
			rs.Profile.String(), hw.String()))
	}
	return nil
}

// validateCompositions re-measures composed configurations against the
// additivity assumption and annotates the rule set in place.
func validateCompositions(ctx context.Context, reg *registry.Registry, cfg config.RunConfig, rs *datatypes.RuleSet, logger *logging.Logger) error {
	meas, err := measure.NewEngine(reg, measure.WithConfig(cfg.MeasureConfig()))
	if err != nil {
		return err
	}
	meas.SetLogger(logger.Slog())

	datasets := dataset.NewResolverWithSeed(cfg.Dataset.Seed)
	validator, err := compose.NewValidator(reg, meas, datasets, compose.Config{Alpha: cfg.Compose.Alpha}, logger.Slog())
	if err != nil {
		return err
	}

	spinner := ux.NewSpinner("Validating composed configurations...")
	spinner.Start()
	if err := validator.ValidateRuleSet(ctx, rs); err != nil {
		spinner.StopWithError("Composition validation failed")
		return err
	}
	spinner.StopWithSuccess("Composed configurations validated")
	return nil
}

// runShowRules is the cobra handler for `beringtune rules show`.
func runShowRules(cmd *cobra.Command, args []string) {
	if err := showRules(cmd, args); err != nil {
		fail("%v", err)
	}
}

func showRules(cmd *cobra.Command, args []string) error {
	rs, err := rules.LoadRuleSet(args[0])
	if err != nil {
		return err
	}

	if raw, _ := cmd.Flags().GetBool("json"); raw {
		data, err := json.MarshalIndent(rs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	printRuleSetSummary(rs)
	if hw := hwprofile.Detect(); !hw.Matches(rs.Profile) {
		ux.Warning(fmt.Sprintf("Derived on %s; this machine is %s",
			rs.Profile.String(), hw.String()))
	}
	return nil
}

// printRuleSetSummary renders the document header and one line per rule.
// Machine personality gets KEY: value lines because the box rendering
// collapses to a single line there.
func printRuleSetSummary(rs *datatypes.RuleSet) {
	if ux.GetPersonality().Level == ux.PersonalityMachine {
		fmt.Printf("RUN_ID: %s\n", rs.RunID)
		fmt.Printf("GENERATED_AT: %s\n", rs.GeneratedAt.Format(time.RFC3339))
		fmt.Printf("PROFILE: %s\n", rs.Profile.String())
		fmt.Printf("VALIDATION_RMSE: %.4f\n", rs.ValidationRMSE)
		fmt.Printf("RULES: %d\n", len(rs.Rules))
		for _, r := range rs.Rules {
			fmt.Printf("RULE: %s %s..%s %s %.2fx samples=%d confidence=%s\n",
				r.Operation, r.ScaleMin, r.ScaleMax, r.Config.Name(),
				r.ExpectedSpeedup.Value, r.SampleCount, r.Confidence)
		}
		return
	}

	header := fmt.Sprintf("Run: %s\nGenerated: %s\nProfile: %s\nValidation RMSE: %.4f\nRules: %d",
		rs.RunID, rs.GeneratedAt.Format(time.RFC3339), rs.Profile.String(),
		rs.ValidationRMSE, len(rs.Rules))
	ux.Box("Rule Set", header)

	for _, r := range rs.Rules {
		line := fmt.Sprintf("  %-24s %-14s %s..%s  %.2fx",
			r.Operation, r.Config.Name(), r.ScaleMin, r.ScaleMax, r.ExpectedSpeedup.Value)
		if r.LowConfidence {
			line += "  (low confidence)"
		}
		fmt.Println(line)
	}
}
