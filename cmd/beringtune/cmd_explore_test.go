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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/BeringTune/services/tuner/config"
	"github.com/AleutianAI/BeringTune/services/tuner/traverse"
)

// ============================================================================
// buildSummaryView
// ============================================================================

func TestBuildSummaryView_MapsCountsAndPaths(t *testing.T) {
	s := &traverse.Summary{
		RunID:      "run-abc123",
		Considered: 10,
		Measured:   6,
		Pruned:     2,
		Failed:     1,
		Unreliable: 1,
		Elapsed:    90 * time.Second,
	}

	view := buildSummaryView(s, "beringtune-data", "logs/explore_2026-03-01.log")

	assert.Equal(t, "run-abc123", view.RunID)
	assert.Equal(t, 6, view.Measured)
	assert.Equal(t, 2, view.Pruned)
	assert.Equal(t, 1, view.Failed)
	assert.Equal(t, 1, view.Unreliable)
	assert.Equal(t, 90*time.Second, view.Elapsed)
	assert.Equal(t, "beringtune-data", view.StorePath)
	assert.Equal(t, "logs/explore_2026-03-01.log", view.LogPath)
	assert.Equal(t, 10, view.Total())
	assert.Empty(t, view.Best)
}

func TestBuildSummaryView_BestConfigsSortedByOperation(t *testing.T) {
	s := &traverse.Summary{
		RunID: "run-abc123",
		Best: map[string]traverse.BestConfig{
			"tokenize.batch": {ConfigName: "simd", Scale: "large", Speedup: 3.1},
			"compress.zstd":  {ConfigName: "parallel-8", Scale: "medium", Speedup: 2.4},
			"hash.content":   {ConfigName: "baseline", Scale: "small", Speedup: 1.0},
		},
	}

	view := buildSummaryView(s, "", "")

	require.Len(t, view.Best, 3)
	assert.Equal(t, "compress.zstd", view.Best[0].Operation)
	assert.Equal(t, "hash.content", view.Best[1].Operation)
	assert.Equal(t, "tokenize.batch", view.Best[2].Operation)

	assert.Equal(t, "parallel-8", view.Best[0].Config)
	assert.Equal(t, "medium", view.Best[0].Scale)
	assert.InDelta(t, 2.4, view.Best[0].Speedup, 1e-9)
}

// ============================================================================
// writeStarterConfig
// ============================================================================

func TestWriteStarterConfig_ProducesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beringtune.yaml")

	require.NoError(t, writeStarterConfig(path, false))

	// The starter file must survive a round trip through the loader.
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Scales)
	assert.NotEmpty(t, cfg.Store.Path)
}

func TestWriteStarterConfig_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beringtune.yaml")

	require.NoError(t, writeStarterConfig(path, false))

	err := writeStarterConfig(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	assert.NoError(t, writeStarterConfig(path, true), "force should overwrite")
}
