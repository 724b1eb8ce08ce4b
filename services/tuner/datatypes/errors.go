// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "errors"

// Error taxonomy shared across the tuner packages. Per-node errors are
// recovered locally by the traversal engine (node marked failed, siblings
// continue); systemic errors abort the whole run. Always test with
// errors.Is; every boundary wraps with additional context.
var (
	// ErrIncompatibleBackend means a config violates an operation's declared
	// capabilities. Fatal for that node only: skip it, log it, keep the run
	// alive. Raised before any timing happens.
	ErrIncompatibleBackend = errors.New("backend config incompatible with operation")

	// ErrInsufficientValidSamples means outlier rejection left fewer samples
	// than the configured floor. The traversal engine retries the node once
	// with doubled repetitions, then marks it unreliable and excludes it
	// from rule fitting.
	ErrInsufficientValidSamples = errors.New("insufficient valid samples after outlier rejection")

	// ErrCorrectnessMismatch means a backend produced output that failed
	// validation against the reference computation. Always fatal for the
	// node's performance claim; it indicates a backend implementation bug,
	// not a measurement artifact, and is logged prominently.
	ErrCorrectnessMismatch = errors.New("output failed correctness validation")

	// ErrCheckpointWriteFailure means the Result Store or checkpoint file
	// could not be written. Fatal for the run: halting beats silently losing
	// hours of measurements.
	ErrCheckpointWriteFailure = errors.New("checkpoint write failed")

	// ErrInvalidOperation flags a structurally invalid operation definition.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidConfig flags a structurally invalid backend config.
	ErrInvalidConfig = errors.New("invalid backend config")

	// ErrInvalidScale flags an unknown or malformed scale tier.
	ErrInvalidScale = errors.New("invalid scale")

	// ErrOperationNotFound is returned by registry lookups for unknown IDs.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrDuplicateOperation is returned when registering an ID twice.
	ErrDuplicateOperation = errors.New("operation already registered")

	// ErrNoBaseline means a speedup was requested against a (operation,
	// scale) pair whose baseline node has no measurement yet.
	ErrNoBaseline = errors.New("no baseline measurement for operation/scale")

	// ErrRunAborted is returned when a run stops between nodes on request.
	// Completed statistics remain valid for rule fitting.
	ErrRunAborted = errors.New("run aborted")
)
