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
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCommand(t *testing.T, parent *cobra.Command, name string) *cobra.Command {
	t.Helper()
	for _, c := range parent.Commands() {
		if c.Name() == name {
			return c
		}
	}
	t.Fatalf("command %q not registered under %q", name, parent.Name())
	return nil
}

// ============================================================================
// Command Tree
// ============================================================================

func TestCommandTree_TopLevel(t *testing.T) {
	for _, name := range []string{
		"init", "explore", "rules", "select", "serve",
		"export", "publish", "profile", "runs",
	} {
		findCommand(t, rootCmd, name)
	}
}

func TestCommandTree_Subcommands(t *testing.T) {
	rules := findCommand(t, rootCmd, "rules")
	findCommand(t, rules, "derive")
	findCommand(t, rules, "show")

	export := findCommand(t, rootCmd, "export")
	findCommand(t, export, "csv")
	findCommand(t, export, "influx")
}

func TestCommandTree_PersistentFlags(t *testing.T) {
	for _, name := range []string{"personality", "log-dir", "verbose"} {
		flag := rootCmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, "persistent flag %q should exist", name)
	}
}

// ============================================================================
// Flag Registration
// ============================================================================

func TestServeFlags_Defaults(t *testing.T) {
	serve := findCommand(t, rootCmd, "serve")

	addr := serve.Flags().Lookup("addr")
	require.NotNil(t, addr)
	assert.Equal(t, ":8080", addr.DefValue)

	watch := serve.Flags().Lookup("watch")
	require.NotNil(t, watch)
	assert.Equal(t, "true", watch.DefValue, "watch should default on")

	require.NotNil(t, serve.Flags().Lookup("rules"))
	require.NotNil(t, serve.Flags().Lookup("strict"))
}

func TestSelectFlags(t *testing.T) {
	sel := findCommand(t, rootCmd, "select")

	require.NotNil(t, sel.Flags().Lookup("rules"))
	require.NotNil(t, sel.Flags().Lookup("strict"))
	require.NotNil(t, sel.Flags().Lookup("no-profile"))

	seq := sel.Flags().Lookup("sequences")
	require.NotNil(t, seq)
	assert.Equal(t, "n", seq.Shorthand)
}

func TestPublishFlags(t *testing.T) {
	publish := findCommand(t, rootCmd, "publish")

	require.NotNil(t, publish.Flags().Lookup("bucket"))
	require.NotNil(t, publish.Flags().Lookup("key"))

	prefix := publish.Flags().Lookup("prefix")
	require.NotNil(t, prefix)
	assert.Equal(t, "runs", prefix.DefValue)
}

func TestExploreFlags(t *testing.T) {
	explore := findCommand(t, rootCmd, "explore")

	cfg := explore.Flags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "c", cfg.Shorthand)

	require.NotNil(t, explore.Flags().Lookup("resume"))
	require.NotNil(t, explore.Flags().Lookup("store"))
	require.NotNil(t, explore.Flags().Lookup("checkpoint"))
	require.NotNil(t, explore.Flags().Lookup("description"))
}
