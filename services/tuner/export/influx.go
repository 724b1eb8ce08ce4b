// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export pushes completed run results into InfluxDB so dashboards
// can compare throughput and speedups across runs and machines.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// DefaultMeasurement is the series measured node rows land in.
const DefaultMeasurement = "node_measurements"

// Config holds the InfluxDB v2 connection settings.
type Config struct {
	URL    string `json:"url"`
	Token  string `json:"-"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`

	// Measurement overrides the series name, DefaultMeasurement when empty.
	Measurement string `json:"measurement"`
}

// ConfigFromEnv reads connection settings from the standard INFLUXDB_*
// variables with local defaults. The token has no default: exporting to a
// wrong-credential endpoint fails with an auth error that is harder to
// diagnose than a missing variable.
func ConfigFromEnv() Config {
	cfg := Config{
		URL:    os.Getenv("INFLUXDB_URL"),
		Token:  os.Getenv("INFLUXDB_TOKEN"),
		Org:    os.Getenv("INFLUXDB_ORG"),
		Bucket: os.Getenv("INFLUXDB_BUCKET"),
	}
	if cfg.URL == "" {
		cfg.URL = "http://localhost:8086"
	}
	if cfg.Org == "" {
		cfg.Org = "beringtune"
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "tuning-results"
	}
	return cfg
}

// Validate checks the connection settings.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("influx url must not be empty")
	}
	if c.Token == "" {
		return fmt.Errorf("INFLUXDB_TOKEN is not set")
	}
	if c.Org == "" {
		return fmt.Errorf("influx org must not be empty")
	}
	if c.Bucket == "" {
		return fmt.Errorf("influx bucket must not be empty")
	}
	return nil
}

// RecordSource yields the rows of one run in experiment order. The Result
// Store satisfies it.
type RecordSource interface {
	Records(ctx context.Context, runID string) ([]datatypes.Record, error)
}

// Sink writes per-node measurement points to InfluxDB.
type Sink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	cfg    Config
	logger *slog.Logger
}

// NewSink connects a sink. Close releases the underlying client.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurement
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Sink{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Ping verifies the endpoint is reachable and healthy.
func (s *Sink) Ping(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("export: influx health check: %w", err)
	}
	if health.Status != "pass" {
		msg := "unknown"
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("export: influx unhealthy: %s", msg)
	}
	return nil
}

// Close shuts down the HTTP client. Pending blocking writes have already
// completed or failed by the time it returns.
func (s *Sink) Close() {
	s.client.Close()
}

// ExportRun writes one point per measured node of the run and returns how
// many points were written. Pruned, failed, and unreliable rows carry no
// clean measurement and are skipped.
func (s *Sink) ExportRun(ctx context.Context, src RecordSource, runID string) (int, error) {
	records, err := src.Records(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("export: read run %s: %w", runID, err)
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("export: no records for run %s", runID)
	}

	var points []*write.Point
	for _, rec := range records {
		if p, ok := s.point(rec); ok {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return 0, fmt.Errorf("export: run %s has no measured nodes", runID)
	}

	if err := s.write.WritePoint(ctx, points...); err != nil {
		return 0, fmt.Errorf("export: write run %s: %w", runID, err)
	}

	s.logger.Info("run exported to influx",
		"run_id", runID,
		"points", len(points),
		"skipped", len(records)-len(points),
		"bucket", s.cfg.Bucket)
	return len(points), nil
}

// point flattens one measured row. run_id rides along as a tag so one
// bucket can hold many runs and dashboards can group by it.
func (s *Sink) point(rec datatypes.Record) (*write.Point, bool) {
	if rec.Status != datatypes.NodeMeasured || rec.Stats == nil {
		return nil, false
	}

	fields := map[string]interface{}{
		"throughput_mean":     rec.Stats.Throughput.Mean,
		"throughput_ci_lower": rec.Stats.Throughput.CI95Lower,
		"throughput_ci_upper": rec.Stats.Throughput.CI95Upper,
		"n_valid":             int64(rec.Stats.NValid),
		"n_outliers":          int64(rec.Stats.NOutliers),
	}
	if rec.Speedup != nil {
		fields["speedup"] = rec.Speedup.Value
	}

	p := influxdb2.NewPoint(
		s.cfg.Measurement,
		map[string]string{
			"run_id":    rec.RunID,
			"operation": rec.Operation,
			"config":    rec.Config.Name(),
			"scale":     rec.Scale.Name,
		},
		fields,
		rec.CreatedAt,
	)
	return p, true
}
