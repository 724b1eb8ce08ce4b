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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/BeringTune/pkg/ux"
	"github.com/AleutianAI/BeringTune/services/tuner/config"
	"github.com/AleutianAI/BeringTune/services/tuner/dataset"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/hwprofile"
	"github.com/AleutianAI/BeringTune/services/tuner/measure"
	"github.com/AleutianAI/BeringTune/services/tuner/traverse"
)

// runInit is the cobra handler for `beringtune init`.
func runInit(cmd *cobra.Command, args []string) {
	path := "beringtune.yaml"
	if len(args) > 0 {
		path = args[0]
	}
	force, _ := cmd.Flags().GetBool("force")

	if err := writeStarterConfig(path, force); err != nil {
		fail("%v", err)
	}
	ux.Success(fmt.Sprintf("Wrote starter configuration to %s", path))
	ux.Info(fmt.Sprintf("Edit it, then start a run with: beringtune explore %s", path))
}

// writeStarterConfig writes the example run configuration to path.
func writeStarterConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; use --force to overwrite", path)
		}
	}
	return os.WriteFile(path, config.Example(), 0644)
}

// runExplore is the cobra handler for `beringtune explore`.
func runExplore(cmd *cobra.Command, args []string) {
	if err := explore(cmd, args); err != nil {
		// The abort path already printed the resume hint.
		if errors.Is(err, datatypes.ErrRunAborted) {
			os.Exit(1)
		}
		fail("Exploration failed: %v", err)
	}
}

// explore loads the run configuration, walks the configuration space, and
// prints the end-of-run summary. Returning instead of exiting lets the
// deferred store and logger cleanup run.
func explore(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Flag overrides sit on top of the config document.
	if dir, _ := cmd.Flags().GetString("store"); dir != "" {
		cfg.Store.Path = dir
	}
	if cp, _ := cmd.Flags().GetString("checkpoint"); cp != "" {
		cfg.Traversal.CheckpointPath = cp
	}
	if desc, _ := cmd.Flags().GetString("description"); desc != "" {
		cfg.Description = desc
	}
	resumeID, _ := cmd.Flags().GetString("resume")

	// The spinner owns stderr while it runs; log lines go to the file.
	// Machine personality has no spinner, so logs keep flowing.
	quiet := ux.ShouldShowProgress() && !verbose
	logger := newRunLogger("explore", quiet)
	defer logger.Close()

	hw := hwprofile.Detect()
	ux.Info(fmt.Sprintf("Hardware: %s", hw.String()))

	reg, err := buildRegistry()
	if err != nil {
		return err
	}
	st, err := openStore(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	meas, err := measure.NewEngine(reg, measure.WithConfig(cfg.MeasureConfig()))
	if err != nil {
		return err
	}
	meas.SetLogger(logger.Slog())

	tcfg, err := cfg.TraverseConfig(hw)
	if err != nil {
		return err
	}
	datasets := dataset.NewResolverWithSeed(cfg.Dataset.Seed)
	engine, err := traverse.New(reg, meas, st, datasets, tcfg, logger.Slog())
	if err != nil {
		return err
	}

	// Ctrl-C aborts the walk between timed sections. Rows already in
	// the store survive and the run can be resumed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spinner := ux.NewSpinner("Measuring configuration space...")
	spinner.Start()

	var summary *traverse.Summary
	if resumeID != "" {
		summary, err = engine.Resume(ctx, resumeID)
	} else {
		summary, err = engine.Run(ctx)
	}

	switch {
	case err == nil:
		spinner.StopWithSuccess(fmt.Sprintf("Explored %d configurations", summary.Considered))
	case errors.Is(err, datatypes.ErrRunAborted):
		spinner.StopWithWarning("Run interrupted")
		if summary != nil {
			buildSummaryView(summary, cfg.Store.Path, logger.FilePath()).Print()
			ux.Info(fmt.Sprintf("Resume with: beringtune explore --resume %s", summary.RunID))
		}
		return err
	default:
		spinner.StopWithError("Exploration failed")
		return err
	}

	buildSummaryView(summary, cfg.Store.Path, logger.FilePath()).Print()
	if summary.CorrectnessFailures > 0 {
		ux.Warning(fmt.Sprintf("%d configurations produced wrong output; rule derivation is blocked for this run",
			summary.CorrectnessFailures))
	}
	ux.Info(fmt.Sprintf("Derive rules with: beringtune rules derive %s", summary.RunID))
	return nil
}

// buildSummaryView converts an engine summary into the printable report,
// with best configs ordered by operation name.
func buildSummaryView(s *traverse.Summary, storePath, logPath string) ux.RunSummary {
	view := ux.RunSummary{
		RunID:      s.RunID,
		Measured:   s.Measured,
		Pruned:     s.Pruned,
		Failed:     s.Failed,
		Unreliable: s.Unreliable,
		Elapsed:    s.Elapsed,
		StorePath:  storePath,
		LogPath:    logPath,
	}

	ops := make([]string, 0, len(s.Best))
	for op := range s.Best {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		best := s.Best[op]
		view.Best = append(view.Best, ux.BestConfig{
			Operation: op,
			Config:    best.ConfigName,
			Scale:     best.Scale,
			Speedup:   best.Speedup,
		})
	}
	return view
}
