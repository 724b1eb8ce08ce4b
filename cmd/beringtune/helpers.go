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
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/BeringTune/pkg/logging"
	"github.com/AleutianAI/BeringTune/pkg/ux"
	"github.com/AleutianAI/BeringTune/services/tuner/ops"
	"github.com/AleutianAI/BeringTune/services/tuner/registry"
	"github.com/AleutianAI/BeringTune/services/tuner/store"
)

const defaultStoreDir = "beringtune-data"

// fail prints the error and exits. Handlers call it only at the top level,
// after their inner function has returned, so deferred cleanup (store close,
// log flush) has already run.
func fail(format string, args ...any) {
	ux.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// stderrIsTerminal checks if stderr is a terminal. Stdout alone is not
// enough here: `beringtune select ... | jq` pipes stdout but still wants
// human-readable log lines on stderr.
func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newRunLogger builds the logger shared by a command invocation. quiet
// suppresses stderr output so spinners and log lines do not interleave;
// the file log still receives everything.
func newRunLogger(service string, quiet bool) *logging.Logger {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	dir := logDir
	if dir == "" {
		dir = "logs"
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  dir,
		Service: service,
		JSON:    !stderrIsTerminal(),
		Quiet:   quiet,
	})
}

// openStore opens the results store, wiring its internal logging into the
// command's logger.
func openStore(dir string, logger *logging.Logger) (*store.Store, error) {
	cfg := store.DefaultConfig(dir)
	cfg.Logger = logger.Slog()
	return store.Open(cfg)
}

// buildRegistry returns a registry populated with every built-in operation
// and backend configuration.
func buildRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if err := ops.RegisterAll(reg); err != nil {
		return nil, fmt.Errorf("failed to register built-in operations: %w", err)
	}
	return reg, nil
}

// storeDirFlag reads the --store flag, falling back to the default
// store directory.
func storeDirFlag(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("store")
	if dir == "" {
		return defaultStoreDir
	}
	return dir
}

// resolveRunID returns the run ID named by args, or the most recently
// started run in the store when no argument was given.
func resolveRunID(ctx context.Context, st *store.Store, args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	return latestRun(ctx, st)
}

// latestRun finds the run with the newest start time.
func latestRun(ctx context.Context, st *store.Store) (string, error) {
	runIDs, err := st.Runs(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runIDs) == 0 {
		return "", fmt.Errorf("store contains no runs; run 'beringtune explore' first")
	}

	var newest string
	var newestStart time.Time
	for _, id := range runIDs {
		meta, err := st.Meta(ctx, id)
		if err != nil {
			// Records without metadata (partial writes) are skipped
			// rather than failing the lookup.
			continue
		}
		if newest == "" || meta.StartedAt.After(newestStart) {
			newest = id
			newestStart = meta.StartedAt
		}
	}
	if newest == "" {
		return "", fmt.Errorf("store has runs but no readable metadata")
	}
	return newest, nil
}

// resolveOutputPath turns an --output flag into a concrete file path.
// Empty means defaultName in the working directory; an existing directory
// means defaultName inside it; anything else is used verbatim.
func resolveOutputPath(outputFlag, defaultName string) string {
	if outputFlag == "" {
		return defaultName
	}
	if info, err := os.Stat(outputFlag); err == nil && info.IsDir() {
		return filepath.Join(outputFlag, defaultName)
	}
	return outputFlag
}
