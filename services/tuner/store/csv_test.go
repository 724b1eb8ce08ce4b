// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// readCSV parses export output into a column-name-indexed form.
func readCSV(t *testing.T, data []byte) (header []string, rows []map[string]string) {
	t.Helper()
	all, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	header = all[0]
	for _, raw := range all[1:] {
		require.Len(t, raw, len(header))
		row := make(map[string]string, len(header))
		for i, col := range header {
			row[col] = raw[i]
		}
		rows = append(rows, row)
	}
	return header, rows
}

// TestWriteCSVFormat verifies the stable export layout: exact header,
// flattened config columns, and empty statistical cells for pruned rows.
func TestWriteCSVFormat(t *testing.T) {
	vec := datatypes.Baseline()
	vec.Vector = true

	records := []datatypes.Record{
		measuredRecord("run-a", 0, datatypes.Baseline(), 1.0),
		measuredRecord("run-a", 1, vec, 3.8),
		prunedRecord("run-a", 2),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, records))

	header, rows := readCSV(t, buf.Bytes())
	assert.Equal(t, CSVHeader(), header)
	require.Len(t, rows, 3)

	base := rows[0]
	assert.Equal(t, "gc_content", base["operation"])
	assert.Equal(t, "baseline", base["config_name"])
	assert.Equal(t, "baseline", base["config_type"])
	assert.Equal(t, "false", base["vector"])
	assert.Equal(t, "0", base["threads"])
	assert.Equal(t, "default", base["affinity"])
	assert.Equal(t, "native", base["encoding"])
	assert.Equal(t, "none", base["compression"])
	assert.Equal(t, "small", base["scale"])
	assert.Equal(t, "1000", base["num_sequences"])
	assert.Equal(t, "false", base["pruned"])

	vecRow := rows[1]
	assert.Equal(t, "vector", vecRow["config_name"])
	assert.Equal(t, "vector", vecRow["config_type"])
	assert.Equal(t, "true", vecRow["vector"])
	speedup, err := strconv.ParseFloat(vecRow["speedup"], 64)
	require.NoError(t, err)
	assert.InDelta(t, 3.8, speedup, 1e-12)
	mean, err := strconv.ParseFloat(vecRow["throughput_mean"], 64)
	require.NoError(t, err)
	assert.InDelta(t, 250_000*3.8, mean, 1e-6)
	assert.Equal(t, "28", vecRow["n_valid"])
	assert.Equal(t, "2", vecRow["n_outliers"])

	pr := rows[2]
	assert.Equal(t, "threads16", pr["config_name"])
	assert.Equal(t, "16", pr["threads"])
	assert.Equal(t, "true", pr["pruned"])
	assert.Empty(t, pr["throughput_mean"])
	assert.Empty(t, pr["speedup"])
	assert.Empty(t, pr["n_valid"])
}

// TestExportCSVFromStore verifies the store-to-writer path end to end.
func TestExportCSVFromStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, measuredRecord("run-a", 0, datatypes.Baseline(), 1.0)))
	require.NoError(t, s.Append(ctx, prunedRecord("run-a", 1)))

	var buf bytes.Buffer
	n, err := s.ExportCSV(ctx, "run-a", &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	header, rows := readCSV(t, buf.Bytes())
	assert.Equal(t, CSVHeader(), header)
	assert.Len(t, rows, 2)
}
