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
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/BeringTune/pkg/ux"
	"github.com/AleutianAI/BeringTune/services/tuner/export"
	"github.com/AleutianAI/BeringTune/services/tuner/store"
)

// runExportCSV is the cobra handler for `beringtune export csv`.
func runExportCSV(cmd *cobra.Command, args []string) {
	if err := exportCSV(cmd, args); err != nil {
		fail("CSV export failed: %v", err)
	}
}

func exportCSV(cmd *cobra.Command, args []string) error {
	logger := newRunLogger("export", !verbose)
	defer logger.Close()

	st, err := openStore(storeDirFlag(cmd), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	runID, err := resolveRunID(ctx, st, args)
	if err != nil {
		return err
	}

	outputFlag, _ := cmd.Flags().GetString("output")
	outputPath := resolveOutputPath(outputFlag, fmt.Sprintf("results_%s.csv", runID))

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outputPath, err)
	}
	rows, err := st.ExportCSV(ctx, runID, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	ux.Success(fmt.Sprintf("Exported %d rows from %s to %s", rows, runID, outputPath))
	return nil
}

// runExportInflux is the cobra handler for `beringtune export influx`.
func runExportInflux(cmd *cobra.Command, args []string) {
	if err := exportInflux(cmd, args); err != nil {
		fail("InfluxDB export failed: %v", err)
	}
}

func exportInflux(cmd *cobra.Command, args []string) error {
	cfg := export.ConfigFromEnv()
	if m, _ := cmd.Flags().GetString("measurement"); m != "" {
		cfg.Measurement = m
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w; export INFLUXDB_TOKEN and re-run", err)
	}

	quiet := ux.ShouldShowProgress() && !verbose
	logger := newRunLogger("export", quiet)
	defer logger.Close()

	st, err := openStore(storeDirFlag(cmd), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	runID, err := resolveRunID(ctx, st, args)
	if err != nil {
		return err
	}

	sink, err := export.NewSink(cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer sink.Close()

	if err := sink.Ping(ctx); err != nil {
		return fmt.Errorf("InfluxDB is unreachable at %s: %w", cfg.URL, err)
	}

	spinner := ux.NewSpinner(fmt.Sprintf("Exporting %s to InfluxDB...", runID))
	spinner.Start()
	points, err := sink.ExportRun(ctx, st, runID)
	if err != nil {
		spinner.StopWithError("Export failed")
		return err
	}
	spinner.StopWithSuccess(fmt.Sprintf("Wrote %d points to bucket %s", points, cfg.Bucket))
	return nil
}

// runListRuns is the cobra handler for `beringtune runs`.
func runListRuns(cmd *cobra.Command, args []string) {
	if err := listRuns(cmd); err != nil {
		fail("%v", err)
	}
}

func listRuns(cmd *cobra.Command) error {
	logger := newRunLogger("runs", !verbose)
	defer logger.Close()

	st, err := openStore(storeDirFlag(cmd), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	runIDs, err := st.Runs(ctx)
	if err != nil {
		return err
	}
	if len(runIDs) == 0 {
		ux.Info("No runs recorded yet. Start one with: beringtune explore")
		return nil
	}

	metas := make([]store.RunMeta, 0, len(runIDs))
	for _, id := range runIDs {
		meta, err := st.Meta(ctx, id)
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].StartedAt.After(metas[j].StartedAt)
	})

	for _, m := range metas {
		fmt.Println(formatRunLine(m))
	}
	return nil
}

// formatRunLine renders one store run as a single plain-text line, newest
// counts first so incomplete runs are obvious at a glance.
func formatRunLine(m store.RunMeta) string {
	line := fmt.Sprintf("%-16s  %s  measured=%d pruned=%d failed=%d unreliable=%d",
		m.RunID, m.StartedAt.Format("2006-01-02 15:04:05"),
		m.Measured, m.Pruned, m.Failed, m.Unreliable)
	if m.Planned > 0 {
		done := m.Measured + m.Pruned + m.Failed + m.Unreliable
		if done < m.Planned {
			line += fmt.Sprintf("  [%d/%d, resumable]", done, m.Planned)
		}
	}
	if m.Description != "" {
		line += "  " + m.Description
	}
	return line
}
