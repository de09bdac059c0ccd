// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package results

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// Exporter archives released result rows to a GCS bucket so a
// coordinating site can collect federated outputs without reaching
// into the node. Blocked rows are never exported.
type Exporter struct {
	storageClient *storage.Client
	BucketName    string
	PathPrefix    string
}

// NewExporter creates a bucket exporter. saKeyPath may be empty, in
// which case ambient credentials apply.
func NewExporter(ctx context.Context, bucketName, pathPrefix, saKeyPath string) (*Exporter, error) {
	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &Exporter{
		storageClient: storageClient,
		BucketName:    bucketName,
		PathPrefix:    pathPrefix,
	}, nil
}

// exportedResult is the archived object shape: the published payload
// plus enough identity to join results across federated nodes.
type exportedResult struct {
	RequestID string          `json:"request_id"`
	JobID     string          `json:"job_id"`
	Seq       int             `json:"seq"`
	Type      string          `json:"result_type,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// Export writes one released row to the bucket as
// <prefix>/<request>/result_<seq>.json.
func (e *Exporter) Export(ctx context.Context, res datatypes.Result) error {
	if !res.Released {
		return fmt.Errorf("refusing to export blocked result %s/%d", res.RequestID, res.Seq)
	}

	body, err := json.Marshal(exportedResult{
		RequestID: res.RequestID,
		JobID:     res.JobID,
		Seq:       res.Seq,
		Type:      res.Type,
		Payload:   res.PublishedPayload(),
		CreatedAt: res.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode archived result: %w", err)
	}

	name := path.Join(e.PathPrefix, res.RequestID, fmt.Sprintf("result_%06d.json", res.Seq))
	obj := e.storageClient.Bucket(e.BucketName).Object(name)
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(body); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}
	return nil
}

// Close releases the underlying client.
func (e *Exporter) Close() error {
	return e.storageClient.Close()
}
