// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/BeringTune/pkg/ux"
	"github.com/AleutianAI/BeringTune/services/tuner/httpapi"
	"github.com/AleutianAI/BeringTune/services/tuner/selector"
	"github.com/AleutianAI/BeringTune/services/tuner/telemetry"
)

// runServe is the cobra handler for `beringtune serve`.
func runServe(cmd *cobra.Command, args []string) {
	if err := serve(cmd); err != nil {
		fail("Serve failed: %v", err)
	}
}

// serve exposes the selector over HTTP until SIGINT or SIGTERM.
func serve(cmd *cobra.Command) error {
	rulesPath, _ := cmd.Flags().GetString("rules")
	if rulesPath == "" {
		return fmt.Errorf("--rules is required; derive one with 'beringtune rules derive'")
	}
	addr, _ := cmd.Flags().GetString("addr")
	watch, _ := cmd.Flags().GetBool("watch")
	strict, _ := cmd.Flags().GetBool("strict")

	logger := newRunLogger("serve", false)
	defer logger.Close()

	ctx := context.Background()
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	reg, err := buildRegistry()
	if err != nil {
		return err
	}

	scfg := selector.DefaultConfig()
	scfg.StrictProfile = strict
	sel, err := selector.New(rulesPath, reg, scfg, logger.Slog())
	if err != nil {
		return err
	}

	// A stale rule set is worse than a late one, so the watcher reloads
	// the file whenever a new derivation lands. Watch failure degrades
	// to serving the load-time snapshot.
	if watch {
		if err := sel.Watch(ctx); err != nil {
			logger.Warn("rule set watch unavailable, serving load-time snapshot", "error", err)
		}
	}

	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers, err := httpapi.NewHandlers(sel, logger.Slog())
	if err != nil {
		return err
	}
	router, err := httpapi.NewRouter(httpapi.DefaultConfig(), handlers, logger.Slog())
	if err != nil {
		return err
	}

	ux.Info(fmt.Sprintf("Serving decisions from %s on %s", rulesPath, addr))
	logger.Info("server starting", "addr", addr, "rules", rulesPath, "strict", strict)

	// Graceful shutdown on SIGINT/SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting down")
		sel.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
		logger.Close()
		os.Exit(0)
	}()

	if err := router.Run(addr); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}
