// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	"github.com/AleutianAI/DataSite/services/datasite/loader"
	"github.com/AleutianAI/DataSite/services/datasite/uploads"
)

// ArtifactName is the workspace-relative artifact path. It is the only
// form of the artifact location that ever leaves the node.
const ArtifactName = "output/result.json"

// workspace collects the on-disk locations of one job's sandbox.
type workspace struct {
	root     string
	script   string
	config   string
	inputDir string
	tmpDir   string
	artifact string
}

// buildWorkspace lays out work/<job-id>:
//
//	script.<ext>          the submitted script body
//	data_loader.<ext>     loader module for the script's language
//	job_config.json       resolved file list and catalog descriptor
//	input/                read-only copies of catalog files
//	input/uploads/        read-only copies of attached uploads
//	output/result.json    pre-created, the child appends result documents
//	tmp/                  child scratch space
//
// Every data file is copied, not linked: the workspace stays
// self-contained, retention deletes copies rather than shared inodes,
// and the child never holds a name that resolves outside the workspace.
func (r *Runner) buildWorkspace(ctx context.Context, job datatypes.Job, req datatypes.AnalysisRequest, cat datatypes.Catalog) (workspace, error) {
	ws := workspace{root: filepath.Join(r.cfg.WorkDir, job.ID)}
	ws.inputDir = filepath.Join(ws.root, "input")
	ws.tmpDir = filepath.Join(ws.root, "tmp")
	ws.artifact = filepath.Join(ws.root, ArtifactName)
	ws.script = filepath.Join(ws.root, "script."+req.ScriptType.Extension())
	ws.config = filepath.Join(ws.root, "job_config.json")

	for _, dir := range []string{ws.inputDir, filepath.Dir(ws.artifact), ws.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ws, fmt.Errorf("create workspace dir: %w", err)
		}
	}

	if err := os.WriteFile(ws.script, []byte(req.ScriptBody), 0o444); err != nil {
		return ws, fmt.Errorf("write script: %w", err)
	}
	if _, err := loader.Materialize(ws.root, req.ScriptType); err != nil {
		return ws, err
	}

	files := make([]loader.ConfigFile, 0, len(cat.Files))
	taken := make(map[string]bool, len(cat.Files))
	for i, f := range cat.Files {
		src := r.registry.AbsolutePath(f)
		base := filepath.Base(f.Path)
		if taken[base] {
			base = fmt.Sprintf("%02d_%s", i, base)
		}
		taken[base] = true
		dst := filepath.Join(ws.inputDir, base)

		// Absent files stay listed; the loader module warns and skips
		// them at load time, same as a manifest entry with no data yet.
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, dst); err != nil {
				return ws, fmt.Errorf("stage catalog file %q: %w", f.Name, err)
			}
		}
		files = append(files, loader.ConfigFile{
			Name:        f.Name,
			Path:        dst,
			Type:        f.Type,
			Description: f.Description,
		})
	}

	var attached []loader.ConfigFile
	if len(req.UploadIDs) > 0 {
		upDir := filepath.Join(ws.inputDir, "uploads")
		if err := os.MkdirAll(upDir, 0o755); err != nil {
			return ws, fmt.Errorf("create uploads dir: %w", err)
		}
		for _, id := range req.UploadIDs {
			rec, err := r.uploads.Get(ctx, id)
			if err != nil {
				return ws, fmt.Errorf("attached upload %s: %w", id, err)
			}
			dst := filepath.Join(upDir, rec.StoredName)
			if err := copyFile(r.uploads.Path(rec), dst); err != nil {
				return ws, fmt.Errorf("stage upload %q: %w", rec.OriginalName, err)
			}
			attached = append(attached, loader.ConfigFile{
				Name:        rec.StoredName,
				Path:        dst,
				Type:        uploads.TypeFor(rec.Extension),
				Description: "Uploaded by requester as " + rec.OriginalName,
			})
		}
		if err := os.Chmod(upDir, 0o555); err != nil {
			return ws, fmt.Errorf("seal uploads dir: %w", err)
		}
	}

	// Pre-create the artifact so a child that saves nothing still leaves
	// a well-formed (empty) artifact behind.
	if err := os.WriteFile(ws.artifact, nil, 0o644); err != nil {
		return ws, fmt.Errorf("create artifact file: %w", err)
	}

	cfg := loader.JobConfig{
		JobID:      job.ID,
		RequestID:  req.ID,
		Catalog:    loader.Describe(cat),
		Files:      files,
		Uploads:    attached,
		Parameters: loader.Parameters(req),
		OutputFile: ws.artifact,
	}
	if err := loader.WriteConfig(ws.config, cfg); err != nil {
		return ws, err
	}

	if err := os.Chmod(ws.inputDir, 0o555); err != nil {
		return ws, fmt.Errorf("seal input dir: %w", err)
	}
	return ws, nil
}

// copyFile copies src to a read-only dst, refusing to overwrite.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

// removeWorkspace deletes a workspace tree, restoring directory write
// bits first so the sealed input dir does not block removal.
func removeWorkspace(root string) error {
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			os.Chmod(path, 0o755)
		}
		return nil
	})
	return os.RemoveAll(root)
}
