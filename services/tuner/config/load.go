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
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize caps a run document at 1MB. A document anywhere
// near the cap is malformed.
const MaxConfigFileSize = 1024 * 1024

//go:embed example.yaml
var exampleYAML string

// Example returns the commented starter document. It loads clean and
// keeps every built-in default it does not override.
func Example() []byte {
	return []byte(exampleYAML)
}

// Load reads a run document and layers it over the defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (RunConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("stat run config: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return RunConfig{}, fmt.Errorf("run config %s is %d bytes, the cap is %d",
			path, info.Size(), MaxConfigFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read run config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("parse run config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, fmt.Errorf("invalid run config %s: %w", path, err)
	}
	return cfg, nil
}
