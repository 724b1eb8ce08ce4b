// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry is the operation boundary of the tuner: it holds the
// catalog of registered operations and exposes the four calls the framework
// consumes: Execute, IsCompatible, Validate, and Complexity.
//
// The framework never inspects what an operation computes. Each definition
// carries a single Execute entry point that dispatches internally on the
// backend config (tagged-variant style, no virtual dispatch in the timed
// path) plus an optional output comparator for the correctness oracle.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/BeringTune/services/tuner/dataset"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// Output is an opaque operation result. The framework only ever compares
// outputs for equality; it never interprets them.
type Output any

// ExecuteFunc runs one operation under a backend config against a resolved
// dataset. Implementations dispatch on the config fields internally and
// must honor every capability they declared.
type ExecuteFunc func(ctx context.Context, cfg datatypes.BackendConfig, data *dataset.Data) (Output, error)

// EqualFunc compares two outputs for the correctness oracle. A nil
// comparator falls back to reflect.DeepEqual.
type EqualFunc func(a, b Output) bool

// Definition binds an operation's metadata to its executable.
type Definition struct {
	Spec    datatypes.Operation
	Execute ExecuteFunc
	Equal   EqualFunc
}

// Hook is called after each successful registration. Hooks must not block;
// they run synchronously under the registry lock.
type Hook func(def *Definition)

// =============================================================================
// Registry
// =============================================================================

// Registry is the thread-safe operation catalog.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Reads take a shared lock, so
//	measurement workers resolving callables never serialize behind each
//	other.
type Registry struct {
	mu   sync.RWMutex
	ops  map[string]*Definition
	refs map[string]Output // reference outputs keyed "op/scale"

	hooks []Hook
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		ops:  make(map[string]*Definition),
		refs: make(map[string]Output),
	}
}

// Register adds an operation definition.
//
// Outputs:
//
//	error - ErrInvalidOperation for structural problems, ErrDuplicateOperation
//	        when the ID is already taken.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", datatypes.ErrInvalidOperation)
	}
	if err := def.Spec.Validate(); err != nil {
		return err
	}
	if def.Execute == nil {
		return fmt.Errorf("%w: operation %q has no execute function", datatypes.ErrInvalidOperation, def.Spec.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[def.Spec.ID]; exists {
		return fmt.Errorf("%w: %q", datatypes.ErrDuplicateOperation, def.Spec.ID)
	}
	r.ops[def.Spec.ID] = def

	for _, h := range r.hooks {
		h(def)
	}
	return nil
}

// MustRegister registers or panics. For package init wiring of reference
// operations where a failure is a programming error.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(fmt.Sprintf("registry: %v", err))
	}
}

// Get returns the definition for an ID.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", datatypes.ErrOperationNotFound, id)
	}
	return def, nil
}

// List returns all registered IDs in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.ops))
	for id := range r.ops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered operations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

// AddHook registers a callback invoked on every subsequent registration.
func (r *Registry) AddHook(h Hook) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// =============================================================================
// Boundary operations
// =============================================================================

// IsCompatible reports whether the operation declares support for every
// non-default dimension of the config. Unknown operations are incompatible
// with everything.
func (r *Registry) IsCompatible(id string, cfg datatypes.BackendConfig) bool {
	def, err := r.Get(id)
	if err != nil {
		return false
	}
	return cfg.CompatibleWith(def.Spec) == nil
}

// Complexity returns the operation's compute-per-byte score.
func (r *Registry) Complexity(id string) (float64, error) {
	def, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	return def.Spec.Complexity, nil
}

// Execute runs one invocation of (operation, config) against the dataset
// and reports the kernel's wall time.
//
// Description:
//
//	The compatibility invariant is enforced here, before the callable is
//	touched: an incompatible pair returns ErrIncompatibleBackend with zero
//	timings taken. The measurement engine drives its repetition loop through
//	Resolve instead, so this entry point is for one-shot consumers
//	(correctness probes, demos, the HTTP surface).
func (r *Registry) Execute(ctx context.Context, id string, cfg datatypes.BackendConfig, data *dataset.Data) (Output, time.Duration, error) {
	call, _, err := r.Resolve(id, cfg)
	if err != nil {
		return nil, 0, err
	}

	start := time.Now()
	out, err := call(ctx, data)
	elapsed := time.Since(start)
	if err != nil {
		return nil, 0, fmt.Errorf("execute %s/%s: %w", id, cfg.Name(), err)
	}
	return out, elapsed, nil
}

// Callable is a resolved (operation, config) pair ready to invoke. The
// config is already bound; only the dataset varies per call.
type Callable func(ctx context.Context, data *dataset.Data) (Output, error)

// Resolve checks compatibility and returns a bound callable.
//
// This is the measurement engine's entry point: the compatibility check
// runs exactly once per node here, and the returned callable adds no
// per-iteration dispatch beyond the operation's own config switch.
func (r *Registry) Resolve(id string, cfg datatypes.BackendConfig) (Callable, *Definition, error) {
	def, err := r.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.CompatibleWith(def.Spec); err != nil {
		return nil, nil, err
	}

	cfg = cfg.Normalize()
	call := func(ctx context.Context, data *dataset.Data) (Output, error) {
		return def.Execute(ctx, cfg, data)
	}
	return call, def, nil
}

// Reference returns the operation's baseline-config output for a dataset,
// computing it once and caching per (operation, scale). This is the
// correctness oracle's ground truth.
func (r *Registry) Reference(ctx context.Context, id string, data *dataset.Data) (Output, error) {
	key := id + "/" + data.Scale.Name

	r.mu.RLock()
	ref, ok := r.refs[key]
	r.mu.RUnlock()
	if ok {
		return ref, nil
	}

	def, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	out, err := def.Execute(ctx, datatypes.Baseline(), data)
	if err != nil {
		return nil, fmt.Errorf("reference %s/%s: %w", id, data.Scale.Name, err)
	}

	r.mu.Lock()
	r.refs[key] = out
	r.mu.Unlock()
	return out, nil
}

// Validate compares an output against the cached reference computation.
//
// Outputs:
//
//	bool - True when the output matches the baseline reference.
//	error - Non-nil when the reference itself cannot be computed.
func (r *Registry) Validate(ctx context.Context, id string, data *dataset.Data, out Output) (bool, error) {
	ref, err := r.Reference(ctx, id, data)
	if err != nil {
		return false, err
	}

	def, err := r.Get(id)
	if err != nil {
		return false, err
	}

	if def.Equal != nil {
		return def.Equal(ref, out), nil
	}
	return reflect.DeepEqual(ref, out), nil
}
