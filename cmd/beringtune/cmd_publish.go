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
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/BeringTune/cmd/beringtune/gcs"
	"github.com/AleutianAI/BeringTune/pkg/ux"
)

// runPublish is the cobra handler for `beringtune publish`.
func runPublish(cmd *cobra.Command, args []string) {
	if err := publish(cmd, args); err != nil {
		fail("Publish failed: %v", err)
	}
}

// publish uploads one run's artifacts to a GCS bucket under
// {prefix}/{run_id}/. The bundle carries the run metadata so the hardware
// profile travels with the measurements.
func publish(cmd *cobra.Command, args []string) error {
	bucket, _ := cmd.Flags().GetString("bucket")
	if bucket == "" {
		return fmt.Errorf("--bucket is required")
	}
	project, _ := cmd.Flags().GetString("project")
	keyPath, _ := cmd.Flags().GetString("key")
	if keyPath == "" {
		keyPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if keyPath == "" {
		return fmt.Errorf("--key or GOOGLE_APPLICATION_CREDENTIALS must point at a service account key")
	}
	prefix, _ := cmd.Flags().GetString("prefix")
	rulesPath, _ := cmd.Flags().GetString("rules")

	quiet := ux.ShouldShowProgress() && !verbose
	logger := newRunLogger("publish", quiet)
	defer logger.Close()

	st, err := openStore(storeDirFlag(cmd), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	runID, err := resolveRunID(ctx, st, args)
	if err != nil {
		return err
	}

	// Stage everything in a temp dir so a failed upload leaves no
	// partial files next to the user's data.
	staging, err := os.MkdirTemp("", "beringtune-publish-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	meta, err := st.Meta(ctx, runID)
	if err != nil {
		return err
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	metaPath := filepath.Join(staging, "meta.json")
	if err := os.WriteFile(metaPath, metaData, 0644); err != nil {
		return err
	}

	csvPath := filepath.Join(staging, "results.csv")
	f, err := os.Create(csvPath)
	if err != nil {
		return err
	}
	rows, err := st.ExportCSV(ctx, runID, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	client, err := gcs.NewClient(ctx, project, bucket, keyPath)
	if err != nil {
		return err
	}
	defer client.Close()

	// Object names always use forward slashes regardless of platform.
	csvObject := path.Join(prefix, runID, "results.csv")
	if err := client.UploadFile(ctx, csvPath, csvObject, "text/csv"); err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("Uploaded %d rows to gs://%s/%s", rows, bucket, csvObject))

	metaObject := path.Join(prefix, runID, "meta.json")
	if err := client.UploadFile(ctx, metaPath, metaObject, "application/json"); err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("Uploaded run metadata to gs://%s/%s", bucket, metaObject))

	if rulesPath != "" {
		rulesObject := path.Join(prefix, runID, "rules.json")
		if err := client.UploadFile(ctx, rulesPath, rulesObject, "application/json"); err != nil {
			return err
		}
		ux.Success(fmt.Sprintf("Uploaded rule set to gs://%s/%s", bucket, rulesObject))
	}
	return nil
}
