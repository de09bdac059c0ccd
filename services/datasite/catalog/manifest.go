// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog maintains the node's view of the data it hosts: the
// manifest-declared catalogs, the synthetic uploads catalog, per-file
// schema (declared or inferred), and the score/timeline options offered
// on the request form.
//
// The registry caches an enriched snapshot of the manifest and refreshes
// it when the manifest file changes on disk or when the upload store
// reports a mutation. Reads are served from the snapshot and never touch
// catalog files on the hot path.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/DataSite/pkg/validation"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

var (
	// ErrManifestMissing indicates the manifest file does not exist.
	ErrManifestMissing = errors.New("manifest missing")

	// ErrManifestInvalid indicates the manifest exists but cannot be used.
	// The wrapped detail names the offending catalog or file.
	ErrManifestInvalid = errors.New("manifest invalid")

	// ErrCatalogNotFound indicates no catalog carries the requested id.
	ErrCatalogNotFound = errors.New("catalog not found")

	// ErrFileNotFound indicates the catalog has no file with that logical name.
	ErrFileNotFound = errors.New("catalog file not found")
)

// manifestMajor is the manifest schema generation this node understands.
const manifestMajor = "v1"

// rawManifest mirrors the on-disk shape before enum coercion. Unknown
// keys are ignored; unknown enum values degrade rather than fail.
type rawManifest struct {
	Version  string       `json:"version"`
	Catalogs []rawCatalog `json:"catalogs"`
}

type rawCatalog struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	AccessLevel  string           `json:"access_level"`
	PrivacyLevel string           `json:"privacy_level"`
	MinCohort    int              `json:"min_cohort_size"`
	Files        []rawCatalogFile `json:"files"`
	Metadata     map[string]any   `json:"metadata"`
}

type rawCatalogFile struct {
	Name        string      `json:"name"`
	Path        string      `json:"path"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Columns     []rawColumn `json:"columns"`
	RecordCount int64       `json:"record_count"`
	Pattern     string      `json:"pattern"`
}

type rawColumn struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// LoadManifest reads and validates the manifest at path.
//
// Description:
//
//	Parses the JSON, checks the version major is supported, coerces enum
//	strings (degrading unknown values to the restrictive end of each
//	enum), and enforces the structural invariants: catalog ids are valid
//	and unique, file logical names are unique within their catalog, and
//	file paths stay inside the data root.
//
// Outputs:
//
//	*datatypes.Manifest - The typed manifest on success.
//	error - ErrManifestMissing if the file is absent, ErrManifestInvalid
//	        (wrapped with detail) for anything unusable.
func LoadManifest(path string) (*datatypes.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestMissing, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrManifestInvalid, path, err)
	}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrManifestInvalid, err)
	}

	if err := checkVersion(raw.Version); err != nil {
		return nil, err
	}

	m := &datatypes.Manifest{Version: raw.Version}
	seen := make(map[string]struct{}, len(raw.Catalogs))
	for i, rc := range raw.Catalogs {
		if err := validation.ValidateCatalogID(rc.ID); err != nil {
			return nil, fmt.Errorf("%w: catalog %d: %v", ErrManifestInvalid, i, err)
		}
		if _, dup := seen[rc.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate catalog id %q", ErrManifestInvalid, rc.ID)
		}
		if rc.ID == UploadsCatalogID {
			return nil, fmt.Errorf("%w: catalog id %q is reserved", ErrManifestInvalid, rc.ID)
		}
		seen[rc.ID] = struct{}{}

		cat, err := coerceCatalog(rc)
		if err != nil {
			return nil, err
		}
		m.Catalogs = append(m.Catalogs, cat)
	}
	return m, nil
}

// checkVersion accepts any 1.x manifest. Future majors fail loudly so
// an operator upgrades the node rather than silently losing fields.
func checkVersion(version string) error {
	if version == "" {
		return fmt.Errorf("%w: missing version", ErrManifestInvalid)
	}
	v := "v" + version
	if !semver.IsValid(v) {
		// Bare majors like "1" are fine in authored files.
		v = v + ".0.0"
		if !semver.IsValid(v) {
			return fmt.Errorf("%w: unparseable version %q", ErrManifestInvalid, version)
		}
	}
	if semver.Major(v) != manifestMajor {
		return fmt.Errorf("%w: unsupported version %q (want %s.x)", ErrManifestInvalid, version, manifestMajor)
	}
	return nil
}

func coerceCatalog(rc rawCatalog) (datatypes.Catalog, error) {
	cat := datatypes.Catalog{
		ID:           rc.ID,
		Name:         rc.Name,
		Description:  rc.Description,
		AccessLevel:  datatypes.ParseAccessLevel(rc.AccessLevel),
		PrivacyLevel: datatypes.ParsePrivacyLevel(rc.PrivacyLevel),
		MinCohort:    rc.MinCohort,
		Metadata:     rc.Metadata,
	}
	if cat.Name == "" {
		cat.Name = cat.ID
	}
	if cat.MinCohort < 1 {
		cat.MinCohort = 1
	}

	names := make(map[string]struct{}, len(rc.Files))
	for _, rf := range rc.Files {
		if err := validation.ValidateFileLogicalName(rf.Name); err != nil {
			return cat, fmt.Errorf("%w: catalog %q: %v", ErrManifestInvalid, rc.ID, err)
		}
		if _, dup := names[rf.Name]; dup {
			return cat, fmt.Errorf("%w: catalog %q: duplicate file name %q", ErrManifestInvalid, rc.ID, rf.Name)
		}
		names[rf.Name] = struct{}{}

		if err := validation.ValidateRelativePath(rf.Path); err != nil {
			return cat, fmt.Errorf("%w: catalog %q file %q: %v", ErrManifestInvalid, rc.ID, rf.Name, err)
		}

		f := datatypes.CatalogFile{
			Name:        rf.Name,
			Path:        rf.Path,
			Type:        parseFileType(rf.Type),
			Description: rf.Description,
			RecordCount: rf.RecordCount,
			Pattern:     rf.Pattern,
		}
		for _, rcol := range rf.Columns {
			f.Columns = append(f.Columns, datatypes.Column{
				Name:        rcol.Name,
				Type:        datatypes.ParseColumnType(rcol.Type),
				Description: rcol.Description,
			})
		}
		cat.Files = append(cat.Files, f)
	}
	return cat, nil
}

// parseFileType maps a manifest type string to a FileType. Unrecognized
// values keep their string form so the loader treats them as opaque.
func parseFileType(s string) datatypes.FileType {
	switch t := datatypes.FileType(s); t {
	case datatypes.FileCSV, datatypes.FileTSV, datatypes.FileJSON,
		datatypes.FileNIfTI, datatypes.FileNIIGZ,
		datatypes.FileNPY, datatypes.FileNPZ, datatypes.FileMAT:
		return t
	default:
		return datatypes.FileType(s)
	}
}
