// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package selector

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/rules"
)

// reloadDebounce batches the create/write burst an atomic rename produces
// into one reload.
const reloadDebounce = 100 * time.Millisecond

// Reload re-reads the backing rule-set file. On any load or validation
// failure the currently served set stays in place.
func (s *Selector) Reload() error {
	if s.path == "" {
		return errNoBackingFile
	}
	rs, err := rules.LoadRuleSet(s.path)
	if err != nil {
		reloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("selector: reload rule set: %w", err)
	}
	s.swap(rs)
	reloadsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (s *Selector) swap(rs *datatypes.RuleSet) {
	s.mu.Lock()
	previous := s.rs
	s.rs = rs
	s.mu.Unlock()

	rulesLoaded.Set(float64(len(rs.Rules)))
	previousRun := ""
	if previous != nil {
		previousRun = previous.RunID
	}
	s.logger.Info("rule set swapped",
		"run_id", rs.RunID,
		"previous_run_id", previousRun,
		"rules", len(rs.Rules),
		"generated_at", rs.GeneratedAt,
	)
}

// Watch hot-reloads the rule set whenever the backing file changes.
//
// Description:
//
//	The parent directory is watched rather than the file itself: the
//	deriver replaces the file by rename, which retires the watched inode.
//	Event bursts are debounced, and a reload failure keeps the last good
//	set in service. Watching ends when the context is done or Stop is
//	called.
//
// Outputs:
//
//	error - Non-nil when there is no backing file or the watch could not
//	be established. A second call on a watching selector is a no-op.
func (s *Selector) Watch(ctx context.Context) error {
	if s.path == "" {
		return errNoBackingFile
	}

	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("selector: watch rule set: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		s.mu.Unlock()
		return fmt.Errorf("selector: watch rule set: %w", err)
	}
	s.watcher = watcher
	s.watching = true
	s.mu.Unlock()

	go s.watchLoop(ctx, watcher)
	s.logger.Info("watching rule set", "path", s.path)
	return nil
}

// Stop ends watching. Safe to call more than once and without Watch.
func (s *Selector) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.watcher != nil {
			s.watcher.Close()
		}
		s.watching = false
		s.mu.Unlock()
	})
}

func (s *Selector) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	target := filepath.Clean(s.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-s.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("rule set watcher error", "path", s.path, "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn("rule set reload failed, keeping last good set",
					"path", s.path,
					"error", err,
				)
			}
		}
	}
}
