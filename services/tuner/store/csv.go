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
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// csvHeader is the stable export format. Downstream analysis tooling
// parses these columns by name; the order must never change.
var csvHeader = []string{
	"operation",
	"config_name",
	"config_type",
	"vector",
	"threads",
	"affinity",
	"encoding",
	"compression",
	"gpu",
	"gpu_batch",
	"scale",
	"num_sequences",
	"throughput_mean",
	"throughput_median",
	"throughput_stddev",
	"ci95_lower",
	"ci95_upper",
	"speedup",
	"speedup_ci_lower",
	"speedup_ci_upper",
	"n_valid",
	"n_outliers",
	"pruned",
	"elapsed_secs",
}

// CSVHeader returns a copy of the export column order.
func CSVHeader() []string {
	out := make([]string, len(csvHeader))
	copy(out, csvHeader)
	return out
}

// WriteCSV flattens records into the stable CSV export format.
//
// Description:
//
//	One row per record, in the order given. Pruned and failed rows keep
//	their identity columns and the pruned marker but leave statistical
//	columns empty, so spreadsheet and dataframe tooling reads them as
//	missing rather than as zero measurements.
func WriteCSV(w io.Writer, records []datatypes.Record) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range records {
		if err := cw.Write(csvRow(rec)); err != nil {
			return fmt.Errorf("write csv row %s: %w", rec.NodeID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ExportCSV writes one run's records as CSV and reports the row count.
func (s *Store) ExportCSV(ctx context.Context, runID string, w io.Writer) (int, error) {
	records, err := s.Records(ctx, runID)
	if err != nil {
		return 0, err
	}
	if err := WriteCSV(w, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func csvRow(rec datatypes.Record) []string {
	cfg := rec.Config.Normalize()

	row := []string{
		rec.Operation,
		cfg.Name(),
		cfg.ConfigType(),
		strconv.FormatBool(cfg.Vector),
		strconv.Itoa(cfg.Threads),
		string(cfg.Affinity),
		string(cfg.Encoding),
		string(cfg.Compression),
		strconv.FormatBool(cfg.GPU),
		strconv.Itoa(cfg.GPUBatch),
		rec.Scale.Name,
		strconv.Itoa(rec.Scale.Sequences),
	}

	if rec.Stats != nil {
		tp := rec.Stats.Throughput
		row = append(row,
			formatFloat(tp.Mean),
			formatFloat(tp.Median),
			formatFloat(tp.StdDev),
			formatFloat(tp.CI95Lower),
			formatFloat(tp.CI95Upper),
		)
	} else {
		row = append(row, "", "", "", "", "")
	}

	if rec.Speedup != nil {
		row = append(row,
			formatFloat(rec.Speedup.Value),
			formatFloat(rec.Speedup.CILower),
			formatFloat(rec.Speedup.CIUpper),
		)
	} else {
		row = append(row, "", "", "")
	}

	if rec.Stats != nil {
		row = append(row, strconv.Itoa(rec.Stats.NValid), strconv.Itoa(rec.Stats.NOutliers))
	} else {
		row = append(row, "", "")
	}

	row = append(row,
		strconv.FormatBool(rec.Pruned()),
		formatFloat(rec.ElapsedSeconds),
	)
	return row
}

// formatFloat keeps full round-trip precision; the export is the input to
// rule fitting, not a display surface.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
