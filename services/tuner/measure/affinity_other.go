// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !linux

package measure

import (
	"fmt"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// pinThread is a no-op for the default hint and reports unsupported for
// explicit hints so the engine can log and continue unpinned.
func pinThread(hint datatypes.Affinity) (restore func(), err error) {
	if hint == datatypes.AffinityDefault || hint == "" {
		return func() {}, nil
	}
	return nil, fmt.Errorf("affinity hint %q not supported on this platform", hint)
}
