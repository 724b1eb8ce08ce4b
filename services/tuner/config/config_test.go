// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}

	if got := cfg.Scales; !slices.Equal(got, []string{"tiny", "small", "medium", "large"}) {
		t.Errorf("default scales = %v", got)
	}
	if got, want := cfg.Protocol.Repetitions, 30; got != want {
		t.Errorf("repetitions = %d, want %d", got, want)
	}
	if !cfg.Protocol.ValidateOutput {
		t.Error("default protocol must validate output")
	}
	if got, want := cfg.Rules.MinSamples, datatypes.MinRuleSamples; got != want {
		t.Errorf("rules min samples = %d, want %d", got, want)
	}
	if !cfg.Store.SyncWrites {
		t.Error("default store must sync writes")
	}
	if cfg.Dataset.Seed == "" {
		t.Error("default dataset seed must be set")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") = %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Error("empty path must return the default document")
	}
}

func TestLoadOverridesOnlyNamedKeys(t *testing.T) {
	path := writeConfig(t, `
description: quick smoke run
operations: [count, gc_content]
scales: [tiny, small]
menu:
  gpu: false
protocol:
  repetitions: 50
  min_valid_samples: 20
  validate_output: false
  timeout: 2m
store:
  path: /tmp/bering-smoke
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if got, want := cfg.Description, "quick smoke run"; got != want {
		t.Errorf("description = %q, want %q", got, want)
	}
	if got := cfg.Operations; !slices.Equal(got, []string{"count", "gc_content"}) {
		t.Errorf("operations = %v", got)
	}
	if got := cfg.Scales; !slices.Equal(got, []string{"tiny", "small"}) {
		t.Errorf("scales = %v", got)
	}
	if cfg.Menu.GPU {
		t.Error("menu.gpu override lost")
	}
	if !cfg.Menu.Vector || !cfg.Menu.CompactEncoding {
		t.Error("untouched menu dimensions must keep their defaults")
	}
	if got, want := cfg.Protocol.Repetitions, 50; got != want {
		t.Errorf("repetitions = %d, want %d", got, want)
	}
	if got, want := cfg.Protocol.MinValidSamples, 20; got != want {
		t.Errorf("min valid samples = %d, want %d", got, want)
	}
	if cfg.Protocol.ValidateOutput {
		t.Error("validate_output: false override lost")
	}
	if got, want := cfg.Protocol.Timeout.Std(), 2*time.Minute; got != want {
		t.Errorf("timeout = %v, want %v", got, want)
	}
	if got, want := cfg.Protocol.Warmup, 3; got != want {
		t.Errorf("warmup = %d, want default %d", got, want)
	}
	if got, want := cfg.Protocol.TargetBatchTime.Std(), 10*time.Millisecond; got != want {
		t.Errorf("target batch time = %v, want default %v", got, want)
	}
	if got, want := cfg.Store.Path, "/tmp/bering-smoke"; got != want {
		t.Errorf("store path = %q, want %q", got, want)
	}
	if !cfg.Store.SyncWrites {
		t.Error("untouched store.sync_writes must keep its default")
	}
}

func TestLoadRejectsUnknownScale(t *testing.T) {
	path := writeConfig(t, "scales: [tiny, galactic]\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "scale") {
		t.Fatalf("Load() = %v, want scale validation error", err)
	}
}

func TestLoadRejectsDescendingScales(t *testing.T) {
	path := writeConfig(t, "scales: [medium, tiny]\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "ascend") {
		t.Fatalf("Load() = %v, want ascending-ladder error", err)
	}
}

func TestLoadRejectsOversizedFile(t *testing.T) {
	body := strings.Repeat("# padding\n", 110_000)
	path := writeConfig(t, body)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "cap") {
		t.Fatalf("Load() = %v, want size cap error", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "{broken\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse run config") {
		t.Fatalf("Load() = %v, want parse error", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "stat") {
		t.Fatalf("Load() = %v, want stat error", err)
	}
}

func TestExampleLoadsClean(t *testing.T) {
	path := writeConfig(t, string(Example()))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(example) = %v", err)
	}

	if got := cfg.Menu.ThreadLadder; !slices.Equal(got, []int{2, 4, 8}) {
		t.Errorf("example thread ladder = %v", got)
	}
	def := Default()
	if cfg.Thresholds != def.Thresholds {
		t.Errorf("example thresholds = %+v, want defaults %+v", cfg.Thresholds, def.Thresholds)
	}
	if cfg.Protocol != def.Protocol {
		t.Errorf("example protocol = %+v, want defaults %+v", cfg.Protocol, def.Protocol)
	}
}

func TestValidateCrossFieldRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RunConfig)
		want   string
	}{
		{
			name:   "alternative multiplier at one",
			mutate: func(c *RunConfig) { c.Thresholds.Alternative = 1.0 },
			want:   "alternative multiplier",
		},
		{
			name:   "composition multiplier below one",
			mutate: func(c *RunConfig) { c.Thresholds.Composition = 0.9 },
			want:   "composition multiplier",
		},
		{
			name:   "escalation window zero",
			mutate: func(c *RunConfig) { c.Thresholds.EscalationWindow = 0 },
			want:   "escalation window",
		},
		{
			name:   "survivor floor above repetitions",
			mutate: func(c *RunConfig) { c.Protocol.MinValidSamples = 40 },
			want:   "exceeds repetitions",
		},
		{
			name: "batch time under precision floor",
			mutate: func(c *RunConfig) {
				c.Protocol.PrecisionFloor = Duration(time.Millisecond)
				c.Protocol.TargetBatchTime = Duration(500 * time.Microsecond)
			},
			want: "precision floor",
		},
		{
			name:   "thread ladder descending",
			mutate: func(c *RunConfig) { c.Menu.ThreadLadder = []int{8, 4} },
			want:   "strictly ascend",
		},
		{
			name:   "single thread entry",
			mutate: func(c *RunConfig) { c.Menu.ThreadLadder = []int{1, 2} },
			want:   "at least 2",
		},
		{
			name: "default affinity listed",
			mutate: func(c *RunConfig) {
				c.Menu.Affinities = []datatypes.Affinity{datatypes.AffinityDefault}
			},
			want: "implicit",
		},
		{
			name: "unknown affinity",
			mutate: func(c *RunConfig) {
				c.Menu.Affinities = []datatypes.Affinity{"turbo"}
			},
			want: "unknown affinity",
		},
		{
			name: "baseline codec listed",
			mutate: func(c *RunConfig) {
				c.Menu.Compressions = []datatypes.Compression{datatypes.CompressionNone}
			},
			want: "baseline",
		},
		{
			name: "unknown codec",
			mutate: func(c *RunConfig) {
				c.Menu.Compressions = []datatypes.Compression{"zip"}
			},
			want: "unknown compression",
		},
		{
			name:   "gpu batch zero",
			mutate: func(c *RunConfig) { c.Menu.GPUBatches = []int{0, 64} },
			want:   "must be positive",
		},
		{
			name:   "gpu batches descending",
			mutate: func(c *RunConfig) { c.Menu.GPUBatches = []int{256, 64} },
			want:   "strictly ascend",
		},
		{
			name:   "max dimensions zero",
			mutate: func(c *RunConfig) { c.Menu.MaxDimensions = 0 },
			want:   "max dimensions",
		},
		{
			name:   "duplicate operation",
			mutate: func(c *RunConfig) { c.Operations = []string{"count", "count"} },
			want:   "listed twice",
		},
		{
			name:   "alpha zero",
			mutate: func(c *RunConfig) { c.Compose.Alpha = 0 },
			want:   "Alpha",
		},
		{
			name:   "holdout fraction at one",
			mutate: func(c *RunConfig) { c.Rules.HoldoutFraction = 1 },
			want:   "HoldoutFraction",
		},
		{
			name:   "empty store path",
			mutate: func(c *RunConfig) { c.Store.Path = "" },
			want:   "Path",
		},
		{
			name:   "empty dataset seed",
			mutate: func(c *RunConfig) { c.Dataset.Seed = "" },
			want:   "Seed",
		},
		{
			name:   "negative warmup",
			mutate: func(c *RunConfig) { c.Protocol.Warmup = -1 },
			want:   "Warmup",
		},
		{
			name:   "confidence at one",
			mutate: func(c *RunConfig) { c.Protocol.Confidence = 1 },
			want:   "Confidence",
		},
		{
			name:   "zero timed slots",
			mutate: func(c *RunConfig) { c.Traversal.TimedSlots = 0 },
			want:   "TimedSlots",
		},
		{
			name:   "no scales",
			mutate: func(c *RunConfig) { c.Scales = nil },
			want:   "Scales",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestDurationYAML(t *testing.T) {
	var doc struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal([]byte("d: 250ms"), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got, want := doc.D.Std(), 250*time.Millisecond; got != want {
		t.Errorf("decoded duration = %v, want %v", got, want)
	}

	if err := yaml.Unmarshal([]byte("d: fast"), &doc); err == nil ||
		!strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("unmarshal bad duration = %v, want invalid duration error", err)
	}

	out, err := yaml.Marshal(Duration(2 * time.Minute))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := strings.TrimSpace(string(out)), "2m0s"; got != want {
		t.Errorf("marshaled duration = %q, want %q", got, want)
	}
}

func TestMeasureConfigProjection(t *testing.T) {
	cfg := Default()
	cfg.Protocol.Cooldown = Duration(50 * time.Millisecond)

	mc := cfg.MeasureConfig()
	if err := mc.Validate(); err != nil {
		t.Fatalf("projected measure config invalid: %v", err)
	}
	if got, want := mc.Repetitions, 30; got != want {
		t.Errorf("repetitions = %d, want %d", got, want)
	}
	if got, want := mc.Cooldown, 50*time.Millisecond; got != want {
		t.Errorf("cooldown = %v, want %v", got, want)
	}
	if got, want := mc.Timeout, 10*time.Minute; got != want {
		t.Errorf("timeout = %v, want %v", got, want)
	}
	if got, want := mc.PrecisionFloor, time.Millisecond; got != want {
		t.Errorf("precision floor = %v, want %v", got, want)
	}
	if !mc.PinThread {
		t.Error("pin thread default lost in projection")
	}
}

func TestTraverseConfigProjection(t *testing.T) {
	cfg := Default()
	cfg.Description = "projection test"
	cfg.Operations = []string{"count"}
	cfg.Scales = []string{"tiny", "small"}
	cfg.Traversal.CheckpointPath = "/tmp/cp.json"

	hw := datatypes.HardwareProfile{
		OS: "linux", Arch: "arm64", CPUModel: "test-cpu", LogicalCores: 8,
	}
	tc, err := cfg.TraverseConfig(hw)
	if err != nil {
		t.Fatalf("TraverseConfig() = %v", err)
	}
	if err := tc.Validate(); err != nil {
		t.Fatalf("projected traverse config invalid: %v", err)
	}

	if got := tc.Operations; !slices.Equal(got, []string{"count"}) {
		t.Errorf("operations = %v", got)
	}
	if len(tc.Scales) != 2 || tc.Scales[0].Name != "tiny" || tc.Scales[1].Name != "small" {
		t.Errorf("scales = %v", tc.Scales)
	}
	if tc.Hardware != hw {
		t.Errorf("hardware = %+v, want %+v", tc.Hardware, hw)
	}
	if got, want := tc.CheckpointPath, "/tmp/cp.json"; got != want {
		t.Errorf("checkpoint path = %q, want %q", got, want)
	}
	if got, want := tc.Description, "projection test"; got != want {
		t.Errorf("description = %q, want %q", got, want)
	}

	tc.Operations[0] = "mutated"
	if cfg.Operations[0] != "count" {
		t.Error("projection must not alias the document's operation list")
	}

	cfg.Scales = []string{"bogus"}
	if _, err := cfg.TraverseConfig(hw); err == nil {
		t.Error("TraverseConfig() with unknown tier must fail")
	}
}

func TestRulesConfigProjection(t *testing.T) {
	cfg := Default()
	cfg.Rules.ExcludeOperations = []string{"broken_op"}

	rc := cfg.RulesConfig()
	if err := rc.Validate(); err != nil {
		t.Fatalf("projected rules config invalid: %v", err)
	}
	if got, want := rc.MinSamples, datatypes.MinRuleSamples; got != want {
		t.Errorf("min samples = %d, want %d", got, want)
	}
	if got, want := rc.HoldoutFraction, 0.25; got != want {
		t.Errorf("holdout fraction = %v, want %v", got, want)
	}
	if got, want := rc.Seed, uint64(42); got != want {
		t.Errorf("seed = %d, want %d", got, want)
	}
	if got := rc.ExcludeOperations; !slices.Equal(got, []string{"broken_op"}) {
		t.Errorf("exclude operations = %v", got)
	}
}
