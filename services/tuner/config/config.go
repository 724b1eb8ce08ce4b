// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the declarative run document that
// drives an exploration: which operations, backend dimensions, and scale
// tiers to walk, plus the statistical parameters of the measurement
// protocol. Every field has a default, so an empty document is a valid
// run; a file overrides only the keys it names.
//
// The document is plain YAML. Durations use Go syntax ("250ms", "2m").
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/BeringTune/services/tuner/compose"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/measure"
	"github.com/AleutianAI/BeringTune/services/tuner/rules"
	"github.com/AleutianAI/BeringTune/services/tuner/space"
	"github.com/AleutianAI/BeringTune/services/tuner/traverse"
)

var runValidate *validator.Validate

func init() {
	runValidate = validator.New()
	if err := runValidate.RegisterValidation("scale", validateScaleName); err != nil {
		panic(fmt.Sprintf("failed to register scale validation: %v", err))
	}
}

// validateScaleName accepts any name on the scale ladder.
func validateScaleName(fl validator.FieldLevel) bool {
	_, err := datatypes.ScaleByName(fl.Field().String())
	return err == nil
}

// =============================================================================
// Duration
// =============================================================================

// Duration is a time.Duration that decodes from Go duration strings.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats the duration in Go syntax.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML decodes strings like "250ms" or "2m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML emits Go duration syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// =============================================================================
// Document
// =============================================================================

// RunConfig is the full run document.
type RunConfig struct {
	// Description is free text stored with the run.
	Description string `yaml:"description"`

	// Operations restricts the walk to the named registry entries.
	// Empty means every registered operation.
	Operations []string `yaml:"operations" validate:"dive,required"`

	// Scales is the ascending tier ladder. The tree is built at the
	// first tier; later tiers are reached only by scale escalation.
	Scales []string `yaml:"scales" validate:"required,min=1,dive,scale"`

	// Menu bounds candidate generation.
	Menu space.Menu `yaml:"menu"`

	// Thresholds parameterize pruning. Both multipliers must exceed 1;
	// at or below 1 a threshold prunes nothing or everything.
	Thresholds space.Thresholds `yaml:"thresholds"`

	// Protocol is the per-node measurement protocol.
	Protocol ProtocolConfig `yaml:"protocol"`

	// Traversal controls walk mechanics outside the timed sections.
	Traversal TraversalConfig `yaml:"traversal"`

	// Dataset pins the synthetic corpus generation.
	Dataset DatasetConfig `yaml:"dataset"`

	// Rules parameterizes offline rule derivation.
	Rules DeriveConfig `yaml:"rules"`

	// Compose parameterizes composition validation.
	Compose ComposeConfig `yaml:"compose"`

	// Store locates the Result Store.
	Store StoreConfig `yaml:"store"`
}

// ProtocolConfig mirrors the measurement protocol knobs. Semantics are
// documented on measure.Config; this struct only adds the YAML surface.
type ProtocolConfig struct {
	Warmup           int      `yaml:"warmup" validate:"gte=0"`
	Repetitions      int      `yaml:"repetitions" validate:"gt=0"`
	Cooldown         Duration `yaml:"cooldown" validate:"gte=0"`
	Timeout          Duration `yaml:"timeout" validate:"gt=0"`
	OutlierThreshold float64  `yaml:"outlier_threshold" validate:"gt=0"`
	MinValidSamples  int      `yaml:"min_valid_samples" validate:"gt=0"`
	Confidence       float64  `yaml:"confidence" validate:"gt=0,lt=1"`
	PrecisionFloor   Duration `yaml:"precision_floor" validate:"gt=0"`
	TargetBatchTime  Duration `yaml:"target_batch_time" validate:"gt=0"`
	MaxBatchSize     int      `yaml:"max_batch_size" validate:"gt=0"`
	ValidateOutput   bool     `yaml:"validate_output"`
	CollectMemory    bool     `yaml:"collect_memory"`
	PinThread        bool     `yaml:"pin_thread"`
}

// TraversalConfig controls checkpointing and timed-section width.
type TraversalConfig struct {
	// TimedSlots is how many nodes may occupy a timed section at once.
	TimedSlots int `yaml:"timed_slots" validate:"gt=0"`

	// CheckpointPath is the sidecar manifest location. Empty disables
	// the sidecar; the store itself stays durable either way.
	CheckpointPath string `yaml:"checkpoint_path"`

	// CheckpointEvery is the appended-row interval between sidecar
	// refreshes.
	CheckpointEvery int `yaml:"checkpoint_every" validate:"gt=0"`
}

// DatasetConfig pins the synthetic corpus generation.
type DatasetConfig struct {
	// Seed is the label the per-scale corpus seeds derive from. Two
	// runs with the same seed measure identical inputs.
	Seed string `yaml:"seed" validate:"required"`
}

// DeriveConfig parameterizes rule derivation. MinSamples may exceed the
// protocol's repetition count; the derived rules are then all marked
// low-confidence, which is a legitimate quick-look run.
type DeriveConfig struct {
	MinSamples        int      `yaml:"min_samples" validate:"gt=0"`
	HoldoutFraction   float64  `yaml:"holdout_fraction" validate:"gte=0,lt=1"`
	Seed              uint64   `yaml:"seed"`
	ExcludeOperations []string `yaml:"exclude_operations" validate:"dive,required"`
}

// ComposeConfig parameterizes composition validation.
type ComposeConfig struct {
	// Alpha is the significance level for the composition t-test.
	Alpha float64 `yaml:"alpha" validate:"gt=0,lt=1"`
}

// StoreConfig locates the Result Store.
type StoreConfig struct {
	// Path is the store directory.
	Path string `yaml:"path" validate:"required"`

	// SyncWrites makes every append immediately durable.
	SyncWrites bool `yaml:"sync_writes"`
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns the built-in run document. Each section takes its
// values from the engine it configures, so the defaults cannot drift.
func Default() RunConfig {
	m := measure.DefaultConfig()
	td := traverse.DefaultConfig()
	rd := rules.DefaultConfig()

	return RunConfig{
		Scales:     scaleNames(td.Scales),
		Menu:       td.Menu,
		Thresholds: td.Thresholds,
		Protocol: ProtocolConfig{
			Warmup:           m.Warmup,
			Repetitions:      m.Repetitions,
			Cooldown:         Duration(m.Cooldown),
			Timeout:          Duration(m.Timeout),
			OutlierThreshold: m.OutlierThreshold,
			MinValidSamples:  m.MinValidSamples,
			Confidence:       m.Confidence,
			PrecisionFloor:   Duration(m.PrecisionFloor),
			TargetBatchTime:  Duration(m.TargetBatchTime),
			MaxBatchSize:     m.MaxBatchSize,
			ValidateOutput:   m.ValidateOutput,
			CollectMemory:    m.CollectMemory,
			PinThread:        m.PinThread,
		},
		Traversal: TraversalConfig{
			TimedSlots:      td.TimedSlots,
			CheckpointEvery: td.CheckpointEvery,
		},
		Dataset: DatasetConfig{Seed: "beringtune-v1"},
		Rules: DeriveConfig{
			MinSamples:      rd.MinSamples,
			HoldoutFraction: rd.HoldoutFraction,
			Seed:            rd.Seed,
		},
		Compose: ComposeConfig{Alpha: compose.DefaultConfig().Alpha},
		Store:   StoreConfig{Path: "beringtune-data", SyncWrites: true},
	}
}

func scaleNames(scales []datatypes.Scale) []string {
	names := make([]string, len(scales))
	for i, s := range scales {
		names[i] = s.Name
	}
	return names
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks the document. Struct tags cover field ranges; the
// cross-field rules live here.
func (c RunConfig) Validate() error {
	if err := runValidate.Struct(c); err != nil {
		return err
	}
	if err := c.validateScales(); err != nil {
		return err
	}
	if err := c.validateMenu(); err != nil {
		return err
	}
	if err := c.validateThresholds(); err != nil {
		return err
	}
	if err := c.validateProtocol(); err != nil {
		return err
	}
	return c.validateOperations()
}

func (c RunConfig) validateScales() error {
	ladder, err := c.ScaleLadder()
	if err != nil {
		return err
	}
	for i := 1; i < len(ladder); i++ {
		if !ladder[i-1].Less(ladder[i]) {
			return fmt.Errorf("scales must ascend: %q does not follow %q",
				ladder[i].Name, ladder[i-1].Name)
		}
	}
	return nil
}

func (c RunConfig) validateMenu() error {
	m := c.Menu
	for i, t := range m.ThreadLadder {
		if t < 2 {
			return fmt.Errorf("menu: thread ladder entry %d must be at least 2", t)
		}
		if i > 0 && t <= m.ThreadLadder[i-1] {
			return fmt.Errorf("menu: thread ladder must strictly ascend at %d", t)
		}
	}
	for _, a := range m.Affinities {
		switch a {
		case datatypes.AffinityPerformance, datatypes.AffinityEfficiency:
		case datatypes.AffinityDefault:
			return errors.New("menu: the default affinity is implicit, list only performance or efficiency")
		default:
			return fmt.Errorf("menu: unknown affinity %q", a)
		}
	}
	for _, codec := range m.Compressions {
		switch codec {
		case datatypes.CompressionFast, datatypes.CompressionDense:
		case datatypes.CompressionNone:
			return errors.New("menu: the none codec is the baseline, list only fast or dense")
		default:
			return fmt.Errorf("menu: unknown compression %q", codec)
		}
	}
	for i, b := range m.GPUBatches {
		if b <= 0 {
			return fmt.Errorf("menu: gpu batch %d must be positive", b)
		}
		if i > 0 && b <= m.GPUBatches[i-1] {
			return fmt.Errorf("menu: gpu batches must strictly ascend at %d", b)
		}
	}
	if m.MaxDimensions < 1 {
		return errors.New("menu: max dimensions must be at least 1")
	}
	return nil
}

func (c RunConfig) validateThresholds() error {
	t := c.Thresholds
	if t.Alternative <= 1 {
		return fmt.Errorf("thresholds: alternative multiplier %.2f must exceed 1", t.Alternative)
	}
	if t.Composition <= 1 {
		return fmt.Errorf("thresholds: composition multiplier %.2f must exceed 1", t.Composition)
	}
	if t.EscalationWindow < 1 {
		return errors.New("thresholds: escalation window must be at least 1")
	}
	return nil
}

func (c RunConfig) validateProtocol() error {
	p := c.Protocol
	if p.MinValidSamples > p.Repetitions {
		return fmt.Errorf("protocol: min valid samples %d exceeds repetitions %d",
			p.MinValidSamples, p.Repetitions)
	}
	if p.TargetBatchTime < p.PrecisionFloor {
		return errors.New("protocol: target batch time must be at least the precision floor")
	}
	return nil
}

func (c RunConfig) validateOperations() error {
	seen := make(map[string]struct{}, len(c.Operations))
	for _, op := range c.Operations {
		if _, dup := seen[op]; dup {
			return fmt.Errorf("operations: %q listed twice", op)
		}
		seen[op] = struct{}{}
	}
	return nil
}

// =============================================================================
// Projections
// =============================================================================

// ScaleLadder resolves the configured tier names.
func (c RunConfig) ScaleLadder() ([]datatypes.Scale, error) {
	ladder := make([]datatypes.Scale, len(c.Scales))
	for i, name := range c.Scales {
		s, err := datatypes.ScaleByName(name)
		if err != nil {
			return nil, err
		}
		ladder[i] = s
	}
	return ladder, nil
}

// MeasureConfig projects the protocol section onto the measurement
// engine.
func (c RunConfig) MeasureConfig() measure.Config {
	p := c.Protocol
	return measure.Config{
		Warmup:           p.Warmup,
		Repetitions:      p.Repetitions,
		Cooldown:         p.Cooldown.Std(),
		Timeout:          p.Timeout.Std(),
		OutlierThreshold: p.OutlierThreshold,
		MinValidSamples:  p.MinValidSamples,
		Confidence:       p.Confidence,
		PrecisionFloor:   p.PrecisionFloor.Std(),
		TargetBatchTime:  p.TargetBatchTime.Std(),
		MaxBatchSize:     p.MaxBatchSize,
		ValidateOutput:   p.ValidateOutput,
		CollectMemory:    p.CollectMemory,
		PinThread:        p.PinThread,
	}
}

// TraverseConfig projects the document onto a traversal run. The
// hardware profile is stamped at call time, it is not part of the
// document.
func (c RunConfig) TraverseConfig(hw datatypes.HardwareProfile) (traverse.Config, error) {
	ladder, err := c.ScaleLadder()
	if err != nil {
		return traverse.Config{}, err
	}
	return traverse.Config{
		Operations:      slices.Clone(c.Operations),
		Scales:          ladder,
		Menu:            c.Menu,
		Thresholds:      c.Thresholds,
		TimedSlots:      c.Traversal.TimedSlots,
		CheckpointPath:  c.Traversal.CheckpointPath,
		CheckpointEvery: c.Traversal.CheckpointEvery,
		Hardware:        hw,
		Description:     c.Description,
	}, nil
}

// RulesConfig projects the rules section onto the deriver.
func (c RunConfig) RulesConfig() rules.Config {
	return rules.Config{
		MinSamples:        c.Rules.MinSamples,
		HoldoutFraction:   c.Rules.HoldoutFraction,
		Seed:              c.Rules.Seed,
		ExcludeOperations: slices.Clone(c.Rules.ExcludeOperations),
	}
}
