// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"strings"
	"time"
)

// BestConfig is one winning configuration line in the run summary.
type BestConfig struct {
	Operation string
	Config    string
	Scale     string
	Speedup   float64
}

// RunSummary is the end-of-run report the explore command prints. The
// same numbers go to the structured log; this is the human rendering.
type RunSummary struct {
	RunID      string
	Measured   int
	Pruned     int
	Failed     int
	Unreliable int
	Elapsed    time.Duration
	Best       []BestConfig
	StorePath  string
	LogPath    string
}

// Total returns the number of nodes the walk resolved one way or another.
func (s RunSummary) Total() int {
	return s.Measured + s.Pruned + s.Failed + s.Unreliable
}

// Render returns the summary as a string, a rounded box in interactive
// modes and KEY: value lines in machine mode.
func (s RunSummary) Render() string {
	if GetPersonality().Level == PersonalityMachine {
		return s.renderMachine()
	}
	return s.renderStyled()
}

// Print writes the summary to stdout.
func (s RunSummary) Print() {
	fmt.Println(s.Render())
}

func (s RunSummary) renderMachine() string {
	var b strings.Builder
	fmt.Fprintf(&b, "RUN: %s\n", s.RunID)
	fmt.Fprintf(&b, "NODES: measured=%d pruned=%d failed=%d unreliable=%d total=%d\n",
		s.Measured, s.Pruned, s.Failed, s.Unreliable, s.Total())
	fmt.Fprintf(&b, "ELAPSED: %.1fs\n", s.Elapsed.Seconds())
	for _, best := range s.Best {
		fmt.Fprintf(&b, "BEST: operation=%s config=%s scale=%s speedup=%.2f\n",
			best.Operation, best.Config, best.Scale, best.Speedup)
	}
	if s.StorePath != "" {
		fmt.Fprintf(&b, "STORE: %s\n", s.StorePath)
	}
	if s.LogPath != "" {
		fmt.Fprintf(&b, "LOG: %s\n", s.LogPath)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (s RunSummary) renderStyled() string {
	var lines []string

	lines = append(lines, fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		Styles.Success.Render(fmt.Sprintf("%d", s.Measured)), Styles.Muted.Render("measured"),
		Styles.Warning.Render(fmt.Sprintf("%d", s.Pruned)), Styles.Muted.Render("pruned"),
		Styles.Error.Render(fmt.Sprintf("%d", s.Failed)), Styles.Muted.Render("failed"),
		Styles.Bold.Render(fmt.Sprintf("%d", s.Unreliable)), Styles.Muted.Render("unreliable")))
	lines = append(lines, Styles.Muted.Render("elapsed "+formatElapsed(s.Elapsed)))

	if len(s.Best) > 0 {
		lines = append(lines, "")
		lines = append(lines, Styles.Subtitle.Render("Best configurations"))
		for _, best := range s.Best {
			// Pad before styling so ANSI codes do not break the columns.
			op := fmt.Sprintf("%-12s", best.Operation)
			cfg := fmt.Sprintf("%-24s", best.Config+" @ "+best.Scale)
			lines = append(lines, fmt.Sprintf("%s %s %s %s",
				IconArrow.Render(),
				Styles.Bold.Render(op),
				cfg,
				Styles.Highlight.Render(fmt.Sprintf("%.2fx", best.Speedup))))
		}
	}

	if s.StorePath != "" || s.LogPath != "" {
		lines = append(lines, "")
		if s.StorePath != "" {
			lines = append(lines, Styles.Muted.Render("store  "+s.StorePath))
		}
		if s.LogPath != "" {
			lines = append(lines, Styles.Muted.Render("log    "+s.LogPath))
		}
	}

	boxStyle := Styles.Box.Width(64)
	titleLine := Styles.Title.Render("Run " + s.RunID)
	return boxStyle.Render(titleLine + "\n" + strings.Join(lines, "\n"))
}

func formatElapsed(d time.Duration) string {
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(10 * time.Millisecond).String()
}
