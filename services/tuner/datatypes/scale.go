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

import "fmt"

// Scale is a named input-size tier. Scales are totally ordered by sequence
// count; traversal reasons about escalating and de-escalating along this
// order, and the Selector buckets observed input sizes into the nearest tier.
type Scale struct {
	Name      string `json:"name" yaml:"name"`
	Sequences int    `json:"sequences" yaml:"sequences"`
}

// The standard tier ladder. Each tier is 10x the previous except the first
// step. Record payloads are ~150 bytes, so "huge" is roughly 1.5 GB of input.
var (
	ScaleTiny      = Scale{Name: "tiny", Sequences: 100}
	ScaleSmall     = Scale{Name: "small", Sequences: 1_000}
	ScaleMedium    = Scale{Name: "medium", Sequences: 10_000}
	ScaleLarge     = Scale{Name: "large", Sequences: 100_000}
	ScaleVeryLarge = Scale{Name: "very_large", Sequences: 1_000_000}
	ScaleHuge      = Scale{Name: "huge", Sequences: 10_000_000}
)

// ladder holds the tiers in ascending order. Index in this slice is the
// tier's rank; all ordering comparisons go through it.
var ladder = []Scale{ScaleTiny, ScaleSmall, ScaleMedium, ScaleLarge, ScaleVeryLarge, ScaleHuge}

// AllScales returns the full tier ladder in ascending order. The returned
// slice is a copy; callers may reorder or trim it freely.
func AllScales() []Scale {
	out := make([]Scale, len(ladder))
	copy(out, ladder)
	return out
}

// ScaleByName looks up a tier by its canonical name.
func ScaleByName(name string) (Scale, error) {
	for _, s := range ladder {
		if s.Name == name {
			return s, nil
		}
	}
	return Scale{}, fmt.Errorf("%w: unknown scale %q", ErrInvalidScale, name)
}

// ScaleCategory buckets an observed sequence count into the smallest tier
// that covers it. Counts beyond the ladder map to the largest tier.
func ScaleCategory(sequences int) Scale {
	for _, s := range ladder {
		if sequences <= s.Sequences {
			return s
		}
	}
	return ladder[len(ladder)-1]
}

// Index returns the tier's rank in the ladder, or -1 for an unknown scale.
func (s Scale) Index() int {
	for i, t := range ladder {
		if t.Name == s.Name {
			return i
		}
	}
	return -1
}

// Less reports whether s is a strictly smaller tier than other.
func (s Scale) Less(other Scale) bool {
	return s.Index() < other.Index()
}

// Next returns the next larger tier, if one exists.
func (s Scale) Next() (Scale, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(ladder) {
		return Scale{}, false
	}
	return ladder[i+1], true
}

// Prev returns the next smaller tier, if one exists.
func (s Scale) Prev() (Scale, bool) {
	i := s.Index()
	if i <= 0 {
		return Scale{}, false
	}
	return ladder[i-1], true
}

func (s Scale) String() string {
	return fmt.Sprintf("%s(%d)", s.Name, s.Sequences)
}
