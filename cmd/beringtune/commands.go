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
	"github.com/AleutianAI/BeringTune/pkg/ux"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	personalityLevel string // UX personality level (full/standard/minimal/machine)
	logDir           string
	verbose          bool

	rootCmd = &cobra.Command{
		Use:   "beringtune",
		Short: "A cli to explore hardware performance and serve tuning rules",
		Long: `BeringTune measures how candidate backend configurations perform
				on this machine, derives optimization rules from the results,
				and answers "which config should this call use" at runtime.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	// --- Exploration ---
	initCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter run configuration file",
		Args:  cobra.MaximumNArgs(1),
		Run:   runInit, // Defined in cmd_explore.go
	}
	exploreCmd = &cobra.Command{
		Use:   "explore [config.yaml]",
		Short: "Measure the configuration space and record the results",
		Args:  cobra.MaximumNArgs(1),
		Run:   runExplore, // Defined in cmd_explore.go
	}

	// --- Rules ---
	rulesCmd = &cobra.Command{
		Use:   "rules",
		Short: "Derive and inspect optimization rule sets",
	}
	deriveRulesCmd = &cobra.Command{
		Use:   "derive [run_id]",
		Short: "Derive an optimization rule set from a completed run",
		Args:  cobra.MaximumNArgs(1),
		Run:   runDeriveRules, // Defined in cmd_rules.go
	}
	showRulesCmd = &cobra.Command{
		Use:   "show [rules.json]",
		Short: "Print a saved rule set in human-readable form",
		Args:  cobra.ExactArgs(1),
		Run:   runShowRules, // Defined in cmd_rules.go
	}

	// --- Runtime Selection ---
	selectCmd = &cobra.Command{
		Use:   "select [operation]",
		Short: "Pick the best backend configuration for a single call",
		Args:  cobra.ExactArgs(1),
		Run:   runSelect, // Defined in cmd_select.go
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve configuration decisions over HTTP",
		Run:   runServe, // Defined in cmd_serve.go
	}

	// --- Export / Publish ---
	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Export recorded run results",
	}
	exportCSVCmd = &cobra.Command{
		Use:   "csv [run_id]",
		Short: "Export run records to a CSV file",
		Args:  cobra.MaximumNArgs(1),
		Run:   runExportCSV, // Defined in cmd_export.go
	}
	exportInfluxCmd = &cobra.Command{
		Use:   "influx [run_id]",
		Short: "Export run records to InfluxDB for dashboarding",
		Args:  cobra.MaximumNArgs(1),
		Run:   runExportInflux, // Defined in cmd_export.go
	}
	publishCmd = &cobra.Command{
		Use:   "publish [run_id]",
		Short: "Upload run artifacts to Google Cloud Storage",
		Args:  cobra.MaximumNArgs(1),
		Run:   runPublish, // Defined in cmd_publish.go
	}

	// --- Utilities ---
	profileCmd = &cobra.Command{
		Use:   "profile",
		Short: "Show the detected hardware profile",
		Run:   runProfile, // Defined in cmd_profile.go
	}
	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs in the results store",
		Run:   runListRuns, // Defined in cmd_export.go
	}
)

// init runs when the Go program starts
func init() {
	// Global UX personality flag
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full, standard (default), minimal, or machine (scripting)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "",
		"Directory for run log files (default: ./logs)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolP("force", "f", false, "Overwrite the file if it already exists")

	rootCmd.AddCommand(exploreCmd)
	exploreCmd.Flags().StringP("config", "c", "", "Run configuration YAML (positional arg takes precedence)")
	exploreCmd.Flags().String("store", "", "Results store directory (default: from config)")
	exploreCmd.Flags().String("resume", "", "Resume an aborted run by its run ID")
	exploreCmd.Flags().String("checkpoint", "", "Checkpoint file path (default: from config)")
	exploreCmd.Flags().String("description", "", "Free-form note recorded with the run")

	// rules commands
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(deriveRulesCmd)
	rulesCmd.AddCommand(showRulesCmd)
	deriveRulesCmd.Flags().StringP("config", "c", "", "Run configuration YAML used for the exploration")
	deriveRulesCmd.Flags().String("store", "", "Results store directory (default: from config)")
	deriveRulesCmd.Flags().StringP("output", "o", "", "Output filename (default: rules_{RunID}.json)")
	deriveRulesCmd.Flags().Bool("validate", false, "Measure composed configs to check additivity before saving")
	showRulesCmd.Flags().Bool("json", false, "Print the raw rule set JSON instead of a summary")

	rootCmd.AddCommand(selectCmd)
	selectCmd.Flags().String("rules", "", "Path to the rule set JSON (required)")
	selectCmd.Flags().IntP("sequences", "n", 0, "Input size the call will process (required)")
	selectCmd.Flags().Bool("strict", false, "Refuse rules derived on mismatched hardware")
	selectCmd.Flags().Bool("no-profile", false, "Skip hardware profile checks entirely")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("rules", "", "Path to the rule set JSON (required)")
	serveCmd.Flags().String("addr", ":8080", "Listen address")
	serveCmd.Flags().Bool("watch", true, "Reload the rule set when the file changes on disk")
	serveCmd.Flags().Bool("strict", false, "Refuse queries from mismatched hardware")

	// export commands
	rootCmd.AddCommand(exportCmd)
	exportCmd.AddCommand(exportCSVCmd)
	exportCmd.AddCommand(exportInfluxCmd)
	exportCSVCmd.Flags().String("store", "", "Results store directory")
	exportCSVCmd.Flags().StringP("output", "o", "", "Output filename (default: results_{RunID}.csv)")
	exportInfluxCmd.Flags().String("store", "", "Results store directory")

	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().String("store", "", "Results store directory")
	publishCmd.Flags().String("rules", "", "Rule set JSON to publish alongside the CSV")
	publishCmd.Flags().String("bucket", "", "GCS bucket name (required)")
	publishCmd.Flags().String("project", "", "GCP project ID")
	publishCmd.Flags().String("key", "", "Service account key path (default: $GOOGLE_APPLICATION_CREDENTIALS)")
	publishCmd.Flags().String("prefix", "runs", "Object name prefix inside the bucket")

	rootCmd.AddCommand(profileCmd)
	profileCmd.Flags().Bool("json", false, "Print the profile as JSON")

	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().String("store", "", "Results store directory")
}
