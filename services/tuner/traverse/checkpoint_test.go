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
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testCheckpoint() Checkpoint {
	return Checkpoint{
		RunID:           "run-3f2a8c9d1e4b",
		PlanFingerprint: "0123456789abcdef",
		Operations:      []string{"gc_content", "quality_filter"},
		Scales:          []string{"tiny", "small"},
		Completed:       5,
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.ckpt")
	if err := SaveCheckpoint(path, testCheckpoint()); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	cp, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.RunID != "run-3f2a8c9d1e4b" {
		t.Errorf("RunID = %s", cp.RunID)
	}
	if cp.PlanFingerprint != "0123456789abcdef" {
		t.Errorf("PlanFingerprint = %s", cp.PlanFingerprint)
	}
	if len(cp.Operations) != 2 || cp.Operations[0] != "gc_content" {
		t.Errorf("Operations = %v", cp.Operations)
	}
	if cp.Completed != 5 {
		t.Errorf("Completed = %d, want 5", cp.Completed)
	}
	if cp.Version != CheckpointVersion {
		t.Errorf("Version = %s, want %s", cp.Version, CheckpointVersion)
	}
	if cp.Timestamp.IsZero() {
		t.Error("Timestamp was not stamped")
	}
	if !cp.Verify() {
		t.Error("loaded checkpoint fails its own checksum")
	}
}

func TestSaveCheckpointRejectsBadRunID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.ckpt")

	cp := testCheckpoint()
	cp.RunID = ""
	if err := SaveCheckpoint(path, cp); err == nil {
		t.Error("SaveCheckpoint accepted an empty run ID")
	}

	cp.RunID = "run id with spaces"
	if err := SaveCheckpoint(path, cp); err == nil {
		t.Error("SaveCheckpoint accepted a run ID with spaces")
	}

	cp.RunID = "../escape"
	if err := SaveCheckpoint(path, cp); err == nil {
		t.Error("SaveCheckpoint accepted a run ID with path characters")
	}
}

// rewriteCheckpoint unmarshals the file, applies the mutation, and writes
// it back without refreshing the checksum.
func rewriteCheckpoint(t *testing.T, path string, mutate func(map[string]any)) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	mutate(doc)
	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoadCheckpointDetectsTamper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.ckpt")
	if err := SaveCheckpoint(path, testCheckpoint()); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	rewriteCheckpoint(t, path, func(doc map[string]any) {
		doc["completed"] = 999
	})

	if _, err := LoadCheckpoint(path); !errors.Is(err, ErrCheckpointCorrupt) {
		t.Fatalf("LoadCheckpoint error = %v, want ErrCheckpointCorrupt", err)
	}
}

func TestLoadCheckpointVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.ckpt")
	if err := SaveCheckpoint(path, testCheckpoint()); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	rewriteCheckpoint(t, path, func(doc map[string]any) {
		doc["version"] = "0.9.0"
	})

	if _, err := LoadCheckpoint(path); !errors.Is(err, ErrCheckpointVersionMismatch) {
		t.Fatalf("LoadCheckpoint error = %v, want ErrCheckpointVersionMismatch", err)
	}
}

func TestSaveCheckpointOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "walk.ckpt")

	first := testCheckpoint()
	if err := SaveCheckpoint(path, first); err != nil {
		t.Fatalf("first SaveCheckpoint: %v", err)
	}

	second := testCheckpoint()
	second.Completed = 9
	if err := SaveCheckpoint(path, second); err != nil {
		t.Fatalf("second SaveCheckpoint: %v", err)
	}

	cp, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.Completed != 9 {
		t.Errorf("Completed = %d, want the newer checkpoint", cp.Completed)
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, ".checkpoint-*.tmp"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "absent.ckpt")); err == nil {
		t.Error("LoadCheckpoint succeeded on a missing file")
	}
}
