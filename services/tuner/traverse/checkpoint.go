// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traverse

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// CheckpointVersion is the checkpoint file format version (semver).
const CheckpointVersion = "1.1.0"

// validRunIDPattern limits run IDs to filesystem- and key-safe characters.
var validRunIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var (
	// ErrCheckpointCorrupt means the checkpoint's checksum does not match
	// its content.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt: checksum mismatch")

	// ErrCheckpointVersionMismatch means the file was written by an
	// incompatible format version.
	ErrCheckpointVersionMismatch = errors.New("checkpoint version mismatch")

	// ErrPlanChanged means the run configuration no longer produces the
	// plan the checkpoint was taken against. Resuming would stitch two
	// different traversals into one result set, so it is refused.
	ErrPlanChanged = errors.New("traversal plan changed since checkpoint")
)

// Checkpoint is the sidecar manifest of an in-progress run.
//
// Description:
//
//	The Result Store itself is the durable record (every node is committed
//	synchronously), so the checkpoint carries no measurements. What it
//	pins is the plan identity: a fingerprint over the operations, scale
//	tiers, exploration menu, pruning thresholds, statistical parameters,
//	and dataset seed. Resume verifies the fingerprint before touching the
//	store, because a resumed traversal only skips the right nodes when it
//	re-derives exactly the same plan.
type Checkpoint struct {
	RunID           string    `json:"run_id"`
	PlanFingerprint string    `json:"plan_fingerprint"`
	Operations      []string  `json:"operations"`
	Scales          []string  `json:"scales"`
	Completed       int       `json:"completed"`
	Timestamp       time.Time `json:"timestamp"`
	Version         string    `json:"version"`
	Checksum        string    `json:"checksum"`
}

// computeChecksum hashes every field except the checksum itself.
func (c Checkpoint) computeChecksum() (string, error) {
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the checksum and compares it to the stored value.
func (c Checkpoint) Verify() bool {
	want, err := c.computeChecksum()
	if err != nil {
		return false
	}
	return c.Checksum == want
}

// SaveCheckpoint atomically writes the checkpoint to a file.
//
// Description:
//
//	Writes to a temp file in the target directory, fsyncs, then renames
//	over the destination, so a crash mid-save leaves either the old
//	checkpoint or the new one, never a torn file.
func SaveCheckpoint(path string, cp Checkpoint) error {
	if path == "" {
		return errors.New("checkpoint path must not be empty")
	}
	if cp.RunID == "" || !validRunIDPattern.MatchString(cp.RunID) {
		return fmt.Errorf("run id must match [a-zA-Z0-9_-]+, got %q", cp.RunID)
	}

	cp.Version = CheckpointVersion
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	checksum, err := cp.computeChecksum()
	if err != nil {
		return err
	}
	cp.Checksum = checksum

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	success = true
	return nil
}

// LoadCheckpoint reads and verifies a checkpoint file.
func LoadCheckpoint(path string) (Checkpoint, error) {
	if path == "" {
		return Checkpoint{}, errors.New("checkpoint path must not be empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if cp.Version != CheckpointVersion {
		return Checkpoint{}, fmt.Errorf("%w: got %s, want %s",
			ErrCheckpointVersionMismatch, cp.Version, CheckpointVersion)
	}
	if !cp.Verify() {
		return Checkpoint{}, ErrCheckpointCorrupt
	}
	return cp, nil
}
