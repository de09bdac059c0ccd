// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loader defines the contract between the node and a running
// analysis process: the generated job config, the helper module shipped
// into every workspace, and the result artifact format.
//
// The contract is deliberately language-neutral. The child process gets a
// job_config.json describing exactly the files it may read, a loader
// module (data_loader.py or data_loader.R) it imports by convention, and
// an OUTPUT_FILE path it appends result documents to. Anything that can
// open files and emit JSON can play the analysis role.
package loader

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// pythonModule is the helper shipped into python workspaces.
//
// This variable is populated at compile-time using the Go 'embed'
// directive. Baking the module into the binary guarantees every workspace
// receives the same loader regardless of the host filesystem state.
//
//go:embed assets/data_loader.py
var pythonModule []byte

// rModule is the helper shipped into R workspaces.
//
//go:embed assets/data_loader.R
var rModule []byte

// ConfigFile is one readable file entry in the job config. Path is
// resolved by the workspace builder and always points inside the
// workspace; the child never sees host data paths.
type ConfigFile struct {
	Name        string             `json:"name"`
	Path        string             `json:"path"`
	Type        datatypes.FileType `json:"type"`
	Description string             `json:"description,omitempty"`
}

// CatalogInfo is the read-only catalog projection exposed to the child
// through get_catalog_info().
type CatalogInfo struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	AccessLevel  datatypes.AccessLevel  `json:"access_level"`
	PrivacyLevel datatypes.PrivacyLevel `json:"privacy_level"`
	MinCohort    int                    `json:"min_cohort_size"`
}

// Describe projects a catalog into the child-visible descriptor. File
// paths and host metadata are intentionally dropped.
func Describe(cat datatypes.Catalog) CatalogInfo {
	return CatalogInfo{
		ID:           cat.ID,
		Name:         cat.Name,
		Description:  cat.Description,
		AccessLevel:  cat.AccessLevel,
		PrivacyLevel: cat.PrivacyLevel,
		MinCohort:    cat.MinCohort,
	}
}

// JobConfig is the full job_config.json document. Files holds the target
// catalog's files in manifest order; Uploads holds files the requester
// attached to the request. Parameters carries the selected score and
// timeline values when the request set them.
type JobConfig struct {
	JobID      string            `json:"job_id"`
	RequestID  string            `json:"request_id"`
	Catalog    CatalogInfo       `json:"catalog"`
	Files      []ConfigFile      `json:"files"`
	Uploads    []ConfigFile      `json:"uploads,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	OutputFile string            `json:"output_file"`
}

// Parameters extracts the child-visible parameter map from a request.
func Parameters(req datatypes.AnalysisRequest) map[string]string {
	params := map[string]string{}
	if req.SelectedScore != "" {
		params["selected_score"] = req.SelectedScore
	}
	if req.SelectedTimeline != "" {
		params["selected_timeline"] = req.SelectedTimeline
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

// WriteConfig writes the job config as indented JSON. The file is
// read-only; the child consumes it but must not rewrite it.
func WriteConfig(path string, cfg JobConfig) error {
	buf, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	if err := os.WriteFile(path, append(buf, '\n'), 0o444); err != nil {
		return fmt.Errorf("write job config: %w", err)
	}
	return nil
}

// ModuleFile returns the loader module filename the child imports for
// the given script type.
func ModuleFile(st datatypes.ScriptType) string {
	if st == datatypes.ScriptR {
		return "data_loader.R"
	}
	return "data_loader.py"
}

// Materialize writes the loader module for the script type into the
// workspace directory and returns its path.
func Materialize(dir string, st datatypes.ScriptType) (string, error) {
	src := pythonModule
	if st == datatypes.ScriptR {
		src = rModule
	}
	path := filepath.Join(dir, ModuleFile(st))
	if err := os.WriteFile(path, src, 0o444); err != nil {
		return "", fmt.Errorf("write loader module: %w", err)
	}
	return path, nil
}

// ReadResults parses the artifact file produced by save_results calls:
// a sequence of JSON documents in call order. A missing or empty file
// yields zero documents, which is a legal outcome (the child saved
// nothing). Malformed content is an error.
func ReadResults(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	return DecodeResults(f)
}

// DecodeResults reads every JSON document from r in order. Documents may
// be newline-separated or concatenated; the decoder only cares about
// JSON boundaries.
func DecodeResults(r io.Reader) ([]json.RawMessage, error) {
	var docs []json.RawMessage
	dec := json.NewDecoder(r)
	for {
		var doc json.RawMessage
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return docs, nil
			}
			return nil, fmt.Errorf("decode artifact document %d: %w", len(docs)+1, err)
		}
		docs = append(docs, doc)
	}
}
