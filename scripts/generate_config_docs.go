// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// generate_config_docs generates a markdown reference for the run
// configuration document from the live defaults.
//
// Usage:
//
//	go run scripts/generate_config_docs.go > docs/tuner/run_config_reference.md
//
// The generated documentation includes:
//   - Every YAML key with its built-in default
//   - The scale tier ladder
//   - The registered operation catalog with capabilities
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/BeringTune/services/tuner/config"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/ops"
	"github.com/AleutianAI/BeringTune/services/tuner/registry"
)

// section is one block of the run document with its keys rendered as
// key / default / description rows.
type section struct {
	Name        string
	Description string
	Rows        [][3]string
}

func main() {
	reg := registry.New()
	if err := ops.RegisterAll(reg); err != nil {
		fmt.Fprintf(os.Stderr, "Error registering operations: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	sections := buildSections(cfg)

	generateMarkdown(cfg, reg, sections)
}

// buildSections renders the default document into display rows. Defaults
// come from config.Default() so this table cannot drift from the code.
func buildSections(cfg config.RunConfig) []section {
	return []section{
		{
			Name:        "Menu",
			Description: "The menu bounds candidate generation: which backend dimensions the walk may try and with which parameters.",
			Rows: [][3]string{
				{"menu.vector", fmt.Sprintf("%t", cfg.Menu.Vector), "Try vectorized execution where the operation supports it."},
				{"menu.thread_ladder", joinInts(cfg.Menu.ThreadLadder), "Worker counts to try, strictly ascending, minimum 2."},
				{"menu.affinities", joinAffinities(cfg.Menu.Affinities), "Placement hints tried per thread count. The default placement is always measured."},
				{"menu.compact_encoding", fmt.Sprintf("%t", cfg.Menu.CompactEncoding), "Try the packed data representation."},
				{"menu.compressions", joinCompressions(cfg.Menu.Compressions), "Input codecs in ascending decode-cost order."},
				{"menu.gpu", fmt.Sprintf("%t", cfg.Menu.GPU), "Try GPU dispatch on operations that support it."},
				{"menu.gpu_batches", joinInts(cfg.Menu.GPUBatches), "Per-dispatch batch sizes to try."},
				{"menu.max_dimensions", fmt.Sprintf("%d", cfg.Menu.MaxDimensions), "How many dimensions a composed config may stack."},
			},
		},
		{
			Name:        "Thresholds",
			Description: "Thresholds parameterize pruning. Both multipliers must exceed 1; at or below 1 a threshold prunes nothing or everything.",
			Rows: [][3]string{
				{"thresholds.alternative", fmt.Sprintf("%g", cfg.Thresholds.Alternative), "A later sibling must promise this multiple of the best measured cheaper alternative before it is worth measuring."},
				{"thresholds.composition", fmt.Sprintf("%g", cfg.Thresholds.Composition), "Minimum marginal gain before stacking another dimension onto an already-optimized config."},
				{"thresholds.escalation_window", fmt.Sprintf("%d", cfg.Thresholds.EscalationWindow), "Consecutive tier-to-tier speedup decreases that stop further scale escalation."},
			},
		},
		{
			Name:        "Protocol",
			Description: "The per-node measurement protocol. Semantics are documented on measure.Config.",
			Rows: [][3]string{
				{"protocol.warmup", fmt.Sprintf("%d", cfg.Protocol.Warmup), "Untimed repetitions before measurement starts."},
				{"protocol.repetitions", fmt.Sprintf("%d", cfg.Protocol.Repetitions), "Timed repetitions per node."},
				{"protocol.cooldown", durationString(cfg.Protocol.Cooldown), "Pause between repetitions."},
				{"protocol.timeout", durationString(cfg.Protocol.Timeout), "Hard ceiling on one node's full measurement."},
				{"protocol.outlier_threshold", fmt.Sprintf("%g", cfg.Protocol.OutlierThreshold), "IQR multiplier for outlier rejection."},
				{"protocol.min_valid_samples", fmt.Sprintf("%d", cfg.Protocol.MinValidSamples), "Survivor floor after outlier rejection."},
				{"protocol.confidence", fmt.Sprintf("%g", cfg.Protocol.Confidence), "Confidence level for the reported intervals."},
				{"protocol.precision_floor", durationString(cfg.Protocol.PrecisionFloor), "Below this single-iteration estimate, iterations are batched."},
				{"protocol.target_batch_time", durationString(cfg.Protocol.TargetBatchTime), "Batch size is chosen so one sample takes about this long."},
				{"protocol.max_batch_size", fmt.Sprintf("%d", cfg.Protocol.MaxBatchSize), "Ceiling on iterations per batched sample."},
				{"protocol.validate_output", fmt.Sprintf("%t", cfg.Protocol.ValidateOutput), "Compare every config's output against the baseline's."},
				{"protocol.collect_memory", fmt.Sprintf("%t", cfg.Protocol.CollectMemory), "Record allocation deltas alongside timings."},
				{"protocol.pin_thread", fmt.Sprintf("%t", cfg.Protocol.PinThread), "Pin the measuring goroutine to an OS thread."},
			},
		},
		{
			Name:        "Traversal",
			Description: "Walk mechanics outside the timed sections.",
			Rows: [][3]string{
				{"traversal.timed_slots", fmt.Sprintf("%d", cfg.Traversal.TimedSlots), "How many nodes may occupy a timed section at once."},
				{"traversal.checkpoint_path", quoteOrEmpty(cfg.Traversal.CheckpointPath), "Sidecar manifest for resume. Empty disables the sidecar; the store itself stays durable either way."},
				{"traversal.checkpoint_every", fmt.Sprintf("%d", cfg.Traversal.CheckpointEvery), "Appended-row interval between sidecar refreshes."},
			},
		},
		{
			Name:        "Dataset",
			Description: "Synthetic corpus generation. Two runs with the same seed measure identical inputs.",
			Rows: [][3]string{
				{"dataset.seed", quoteOrEmpty(cfg.Dataset.Seed), "Label the per-scale corpus seeds derive from."},
			},
		},
		{
			Name:        "Rules",
			Description: "Offline rule derivation.",
			Rows: [][3]string{
				{"rules.min_samples", fmt.Sprintf("%d", cfg.Rules.MinSamples), "Valid-repetition floor for full-confidence rules."},
				{"rules.holdout_fraction", fmt.Sprintf("%g", cfg.Rules.HoldoutFraction), "Share of operations withheld from the regression fit."},
				{"rules.seed", fmt.Sprintf("%d", cfg.Rules.Seed), "Seed for the holdout split."},
				{"rules.exclude_operations", joinStrings(cfg.Rules.ExcludeOperations), "Operations never considered for rules."},
			},
		},
		{
			Name:        "Compose",
			Description: "Composition validation.",
			Rows: [][3]string{
				{"compose.alpha", fmt.Sprintf("%g", cfg.Compose.Alpha), "Significance level for the composition t-test."},
			},
		},
		{
			Name:        "Store",
			Description: "The Result Store location.",
			Rows: [][3]string{
				{"store.path", quoteOrEmpty(cfg.Store.Path), "Store directory."},
				{"store.sync_writes", fmt.Sprintf("%t", cfg.Store.SyncWrites), "Make every append immediately durable."},
			},
		},
	}
}

// generateMarkdown outputs the full markdown documentation.
func generateMarkdown(cfg config.RunConfig, reg *registry.Registry, sections []section) {
	fmt.Println("# Run Configuration Reference")
	fmt.Println()
	fmt.Println("## Overview")
	fmt.Println()
	fmt.Println("This document describes every key in a BeringTune run configuration.")
	fmt.Println("Every key is optional; a key that is absent keeps its built-in default,")
	fmt.Println("so the smallest valid document is an empty file. Durations use Go")
	fmt.Println("syntax (\"250ms\", \"2m\", \"1h30m\").")
	fmt.Println()
	fmt.Printf("**Generated:** %s\n", time.Now().Format("2006-01-02 15:04:05 UTC"))
	fmt.Println()

	scales := datatypes.AllScales()

	fmt.Println("## Summary Statistics")
	fmt.Println()
	fmt.Println("| Metric | Count |")
	fmt.Println("|--------|-------|")
	fmt.Printf("| Registered Operations | %d |\n", reg.Count())
	fmt.Printf("| Scale Tiers | %d |\n", len(scales))
	fmt.Printf("| Configuration Sections | %d |\n", len(sections))
	fmt.Println()

	// Table of contents
	fmt.Println("## Table of Contents")
	fmt.Println()
	fmt.Println("1. [Document Keys](#document-keys)")
	for i, sec := range sections {
		fmt.Printf("%d. [%s](#%s)\n", i+2, sec.Name, strings.ToLower(sec.Name))
	}
	fmt.Printf("%d. [Scale Ladder](#scale-ladder)\n", len(sections)+2)
	fmt.Printf("%d. [Operation Catalog](#operation-catalog)\n", len(sections)+3)
	fmt.Println()

	// Top-level keys
	fmt.Println("---")
	fmt.Println()
	fmt.Println("## Document Keys")
	fmt.Println()
	fmt.Println("| Key | Default | Description |")
	fmt.Println("|-----|---------|-------------|")
	fmt.Printf("| `description` | %s | Free text stored with the run. |\n", quoteOrEmpty(cfg.Description))
	fmt.Printf("| `operations` | %s | Operations to explore. Empty means every registered operation. |\n", joinStrings(cfg.Operations))
	fmt.Printf("| `scales` | %s | Ascending tier ladder. The tree is built at the first tier. |\n", joinStrings(cfg.Scales))
	fmt.Println()

	// Per-section key tables
	for _, sec := range sections {
		fmt.Println("---")
		fmt.Println()
		fmt.Printf("## %s\n", sec.Name)
		fmt.Println()
		fmt.Println(sec.Description)
		fmt.Println()
		fmt.Println("| Key | Default | Description |")
		fmt.Println("|-----|---------|-------------|")
		for _, row := range sec.Rows {
			fmt.Printf("| `%s` | %s | %s |\n", row[0], row[1], row[2])
		}
		fmt.Println()
	}

	// Scale ladder
	fmt.Println("---")
	fmt.Println()
	fmt.Println("## Scale Ladder")
	fmt.Println()
	fmt.Println("| Tier | Sequences |")
	fmt.Println("|------|-----------|")
	for _, s := range scales {
		fmt.Printf("| `%s` | %d |\n", s.Name, s.Sequences)
	}
	fmt.Println()

	// Operation catalog
	fmt.Println("---")
	fmt.Println()
	fmt.Println("## Operation Catalog")
	fmt.Println()
	fmt.Println("Complexity is the monotone compute-per-byte score in [0, 1] that")
	fmt.Println("drives the expected parallel speedup heuristic used by pruning.")
	fmt.Println()
	fmt.Println("| Operation | Complexity | Capabilities |")
	fmt.Println("|-----------|------------|--------------|")
	for _, id := range reg.List() {
		def, err := reg.Get(id)
		if err != nil {
			continue
		}
		fmt.Printf("| `%s` | %.2f | %s |\n", id, def.Spec.Complexity, formatCapabilities(def.Spec.Capabilities))
	}
	fmt.Println()

	// Footer
	fmt.Println("---")
	fmt.Println()
	fmt.Println("*This document is auto-generated from the built-in defaults.*")
	fmt.Println()
	fmt.Println("*To regenerate: `go run scripts/generate_config_docs.go > docs/tuner/run_config_reference.md`*")
}

// formatCapabilities renders a capability set as a comma-joined list.
func formatCapabilities(set datatypes.CapabilitySet) string {
	caps := set.List()
	if len(caps) == 0 {
		return "(none)"
	}
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}

func joinInts(values []int) string {
	if len(values) == 0 {
		return "(none)"
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func joinStrings(values []string) string {
	if len(values) == 0 {
		return "(empty)"
	}
	return "[" + strings.Join(values, ", ") + "]"
}

func joinAffinities(values []datatypes.Affinity) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return joinStrings(parts)
}

func joinCompressions(values []datatypes.Compression) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return joinStrings(parts)
}

func durationString(d config.Duration) string {
	return time.Duration(d).String()
}

func quoteOrEmpty(s string) string {
	if s == "" {
		return "(empty)"
	}
	return fmt.Sprintf("%q", s)
}
