// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model of the DataSite node:
// catalogs and their files, analysis requests, jobs, results, and the
// enumerations that tie the state machine together.
//
// Everything here is a plain serializable value. Behavior lives in the
// component packages (catalog, requests, jobs, privacy, results).
package datatypes

import (
	"time"
)

// AccessLevel describes who may target a catalog with requests.
type AccessLevel string

const (
	AccessPublic     AccessLevel = "public"
	AccessRestricted AccessLevel = "restricted"
	AccessPrivate    AccessLevel = "private"
)

// ParseAccessLevel maps a manifest string to an AccessLevel.
// Unknown values degrade to the most restrictive level.
func ParseAccessLevel(s string) AccessLevel {
	switch AccessLevel(s) {
	case AccessPublic, AccessRestricted, AccessPrivate:
		return AccessLevel(s)
	default:
		return AccessPrivate
	}
}

// PrivacyLevel tunes how strictly the privacy gate treats a catalog.
// With PrivacyHigh, results that report no cohort size are blocked.
type PrivacyLevel string

const (
	PrivacyLow    PrivacyLevel = "low"
	PrivacyMedium PrivacyLevel = "medium"
	PrivacyHigh   PrivacyLevel = "high"
)

// ParsePrivacyLevel maps a manifest string to a PrivacyLevel.
// Unknown values degrade to high.
func ParsePrivacyLevel(s string) PrivacyLevel {
	switch PrivacyLevel(s) {
	case PrivacyLow, PrivacyMedium, PrivacyHigh:
		return PrivacyLevel(s)
	default:
		return PrivacyHigh
	}
}

// ColumnType is the closed set of semantic column types recognized by
// schema inference.
type ColumnType string

const (
	ColumnString   ColumnType = "string"
	ColumnInt      ColumnType = "int"
	ColumnFloat    ColumnType = "float"
	ColumnBool     ColumnType = "bool"
	ColumnDatetime ColumnType = "datetime"
	ColumnUnknown  ColumnType = "unknown"
)

// ParseColumnType maps a manifest string to a ColumnType.
// Unknown values become ColumnUnknown.
func ParseColumnType(s string) ColumnType {
	switch ColumnType(s) {
	case ColumnString, ColumnInt, ColumnFloat, ColumnBool, ColumnDatetime:
		return ColumnType(s)
	default:
		return ColumnUnknown
	}
}

// Column describes one column of a tabular catalog file. Columns are
// either declared in the manifest or inferred from the file contents.
type Column struct {
	Name        string     `json:"name"`
	Type        ColumnType `json:"type"`
	Description string     `json:"description,omitempty"`
}

// FileType is the declared type of a catalog file. Tabular types are
// parsed by the data loader; binary scientific formats are handed to
// the analysis process as opaque paths.
type FileType string

const (
	FileCSV   FileType = "csv"
	FileTSV   FileType = "tsv"
	FileJSON  FileType = "json"
	FileNIfTI FileType = "nifti"
	FileNIIGZ FileType = "nii.gz"
	FileNPY   FileType = "npy"
	FileNPZ   FileType = "npz"
	FileMAT   FileType = "mat"
)

// Tabular reports whether the file type is parsed into rows and columns.
func (t FileType) Tabular() bool {
	return t == FileCSV || t == FileTSV
}

// CatalogFile is one logical file inside a catalog.
//
// Name is unique within the catalog. Path is relative to the node's data
// root. Exists and ActualRecordCount are derived at read time and are
// never authored in the manifest.
type CatalogFile struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Type        FileType `json:"type"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns,omitempty"`

	// RecordCount is the manifest-declared row count, 0 when undeclared.
	RecordCount int64 `json:"record_count,omitempty"`

	// Pattern is an optional glob for directory-typed files (for example
	// a folder of per-subject NIfTI volumes).
	Pattern string `json:"pattern,omitempty"`

	// Derived at read time.
	Exists            bool  `json:"exists"`
	ActualRecordCount int64 `json:"actual_record_count,omitempty"`
}

// Catalog is a named collection of related files exposed to analyses.
type Catalog struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	AccessLevel  AccessLevel    `json:"access_level"`
	PrivacyLevel PrivacyLevel   `json:"privacy_level"`
	MinCohort    int            `json:"min_cohort_size"`
	Files        []CatalogFile  `json:"files"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// File returns the catalog file with the given logical name, or nil.
func (c *Catalog) File(name string) *CatalogFile {
	for i := range c.Files {
		if c.Files[i].Name == name {
			return &c.Files[i]
		}
	}
	return nil
}

// Manifest is the human-authored description of all catalogs on the node.
type Manifest struct {
	Version  string    `json:"version"`
	Catalogs []Catalog `json:"catalogs"`
}

// OptionType distinguishes the two request form option families.
type OptionType string

const (
	OptionScore    OptionType = "score"
	OptionTimeline OptionType = "timeline"
)

// ScoreTimelineOption is one selectable score or timeline value offered
// for a catalog (for example UPDRS_total, baseline_6months).
type ScoreTimelineOption struct {
	CatalogID   string     `json:"catalog_id"`
	Type        OptionType `json:"option_type"`
	Value       string     `json:"option_value"`
	Label       string     `json:"label,omitempty"`
	Description string     `json:"description,omitempty"`
	Default     bool       `json:"is_default"`
	Active      bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
}
