// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// ErrSchemaIncompatible means a rule set document's schema major version
// differs from the one this build reads and writes.
var ErrSchemaIncompatible = errors.New("rule set schema incompatible")

// SaveRuleSet atomically writes the rule set document as indented JSON.
//
// Description:
//
//	Stamps the schema version and generation time when unset, validates
//	the document, then writes to a temp file in the target directory and
//	renames over the destination. A crash mid-save leaves either the old
//	document or the new one, never a torn file. Downstream applications
//	and the Selector's hot reload both read this file, so a torn write is
//	not an acceptable failure mode.
func SaveRuleSet(path string, rs *datatypes.RuleSet) error {
	if path == "" {
		return errors.New("rule set path must not be empty")
	}
	if rs == nil {
		return errors.New("rule set must not be nil")
	}

	if rs.SchemaVersion == "" {
		rs.SchemaVersion = datatypes.RuleSetSchemaVersion
	}
	if rs.GeneratedAt.IsZero() {
		rs.GeneratedAt = time.Now().UTC()
	}
	if err := rs.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rule set: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), ".rules-*.tmp")
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
		return fmt.Errorf("write rule set: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync rule set: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close rule set: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename rule set: %w", err)
	}

	success = true
	return nil
}

// LoadRuleSet reads and validates a rule set document.
//
// Description:
//
//	Accepts any document whose schema shares this build's major version;
//	minor and patch drift is readable by construction. A different major
//	version, or a version string that is not valid semver, is refused
//	with ErrSchemaIncompatible.
func LoadRuleSet(path string) (*datatypes.RuleSet, error) {
	if path == "" {
		return nil, errors.New("rule set path must not be empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set: %w", err)
	}

	var rs datatypes.RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("unmarshal rule set: %w", err)
	}

	if !semver.IsValid(rs.SchemaVersion) {
		return nil, fmt.Errorf("%w: malformed schema version %q", ErrSchemaIncompatible, rs.SchemaVersion)
	}
	if semver.Major(rs.SchemaVersion) != semver.Major(datatypes.RuleSetSchemaVersion) {
		return nil, fmt.Errorf("%w: document is %s, this build reads %s",
			ErrSchemaIncompatible, rs.SchemaVersion, datatypes.RuleSetSchemaVersion)
	}

	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}
