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

import (
	"time"
)

// UploadKind separates analysis scripts from data files.
type UploadKind string

const (
	UploadScript UploadKind = "script"
	UploadData   UploadKind = "data"
)

// UploadedFile is the record of one user-submitted file. The stored
// file exists on disk for the lifetime of the record and is never
// mutated in place.
type UploadedFile struct {
	ID           string     `json:"id"`
	OriginalName string     `json:"original_name"`
	StoredName   string     `json:"stored_name"`
	Kind         UploadKind `json:"kind"`

	// Extension is the declared extension without the leading dot,
	// lowercased ("csv", "nii.gz").
	Extension string `json:"extension"`

	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}
