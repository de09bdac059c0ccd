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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/DataSite/services/datasite/catalog"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	"github.com/AleutianAI/DataSite/services/datasite/loader"
	storebadger "github.com/AleutianAI/DataSite/services/datasite/storage/badger"
	"github.com/AleutianAI/DataSite/services/datasite/uploads"
)

// newWorkspaceRunner builds a runner over a data root with two real
// files sharing a base name (forcing staged-name dedupe) and one
// declared-but-absent file.
func newWorkspaceRunner(t *testing.T) (*Runner, *Store, *uploads.Store) {
	t.Helper()

	db, err := storebadger.OpenDB(storebadger.InMemoryConfig())
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	root := t.TempDir()
	for dir, body := range map[string]string{
		"clinical": "subject_id,age\nS001,64\nS002,71\n",
		"archive":  "subject_id,age\nS900,80\n",
	} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, dir, "subjects.csv"), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	manifest := `{
	  "version": "1.0",
	  "catalogs": [{
	    "id": "clinical_trial_data",
	    "name": "Clinical Trial Data",
	    "access_level": "restricted",
	    "privacy_level": "high",
	    "min_cohort_size": 5,
	    "files": [
	      {"name": "subjects", "path": "clinical/subjects.csv", "type": "csv"},
	      {"name": "archive_subjects", "path": "archive/subjects.csv", "type": "csv"},
	      {"name": "imaging", "path": "clinical/imaging.csv", "type": "csv"}
	    ]
	  }]
	}`
	mpath := filepath.Join(root, "manifest.json")
	if err := os.WriteFile(mpath, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	registry := catalog.NewRegistry(root, mpath)
	t.Cleanup(registry.Close)

	jobStore := NewStore(db)
	upStore := uploads.NewStore(db, t.TempDir())

	r := NewRunner(
		RunnerConfig{WorkDir: t.TempDir()},
		Deps{Jobs: jobStore, Registry: registry, Uploads: upStore},
	)
	return r, jobStore, upStore
}

func workspaceFixtures(t *testing.T, r *Runner, s *Store) (datatypes.Job, datatypes.AnalysisRequest, datatypes.Catalog) {
	t.Helper()
	ctx := context.Background()

	job, err := s.Create(ctx, "req-1", "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	req := datatypes.AnalysisRequest{
		ID:         "req-1",
		CatalogID:  "clinical_trial_data",
		ScriptType: datatypes.ScriptPython,
		ScriptBody: "from data_loader import load_data\ndata = load_data()\n",
		State:      datatypes.StateApproved,
	}
	cat, err := r.registry.Get(ctx, req.CatalogID)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return job, req, cat
}

func TestBuildWorkspaceLayout(t *testing.T) {
	r, s, _ := newWorkspaceRunner(t)
	job, req, cat := workspaceFixtures(t, r, s)

	ws, err := r.buildWorkspace(context.Background(), job, req, cat)
	if err != nil {
		t.Fatalf("buildWorkspace: %v", err)
	}
	if ws.root != filepath.Join(r.cfg.WorkDir, job.ID) {
		t.Errorf("root = %q", ws.root)
	}

	body, err := os.ReadFile(ws.script)
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	if string(body) != req.ScriptBody || filepath.Base(ws.script) != "script.py" {
		t.Errorf("script %q = %q", ws.script, body)
	}
	if fi, _ := os.Stat(ws.script); fi.Mode().Perm()&0o222 != 0 {
		t.Errorf("script is writable: %v", fi.Mode())
	}
	if _, err := os.Stat(filepath.Join(ws.root, "data_loader.py")); err != nil {
		t.Errorf("loader module missing: %v", err)
	}

	raw, err := os.ReadFile(ws.config)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	var cfg loader.JobConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("config parse: %v", err)
	}
	if cfg.JobID != job.ID || cfg.RequestID != req.ID {
		t.Errorf("config ids = %q / %q", cfg.JobID, cfg.RequestID)
	}
	if cfg.Catalog.ID != "clinical_trial_data" || cfg.Catalog.MinCohort != 5 {
		t.Errorf("config catalog = %+v", cfg.Catalog)
	}
	if cfg.OutputFile != ws.artifact {
		t.Errorf("config output = %q, want %q", cfg.OutputFile, ws.artifact)
	}

	if len(cfg.Files) != 3 {
		t.Fatalf("config files = %+v", cfg.Files)
	}
	if base := filepath.Base(cfg.Files[0].Path); base != "subjects.csv" {
		t.Errorf("first staged name = %q", base)
	}
	if base := filepath.Base(cfg.Files[1].Path); base != "01_subjects.csv" {
		t.Errorf("deduped staged name = %q", base)
	}
	for _, f := range cfg.Files[:2] {
		if !strings.HasPrefix(f.Path, ws.inputDir) {
			t.Errorf("staged path %q escapes input dir", f.Path)
		}
		if fi, err := os.Stat(f.Path); err != nil || fi.Mode().Perm()&0o222 != 0 {
			t.Errorf("staged copy %q: err=%v mode=%v", f.Path, err, fi)
		}
	}
	// Absent files stay listed but are not staged.
	if _, err := os.Stat(cfg.Files[2].Path); !os.IsNotExist(err) {
		t.Errorf("absent file staged anyway: %v", err)
	}

	if fi, err := os.Stat(ws.artifact); err != nil || fi.Size() != 0 {
		t.Errorf("artifact must be pre-created empty: err=%v", err)
	}
	if fi, _ := os.Stat(ws.inputDir); fi.Mode().Perm() != 0o555 {
		t.Errorf("input dir mode = %v, want sealed", fi.Mode())
	}
	if fi, _ := os.Stat(ws.tmpDir); fi.Mode().Perm()&0o200 == 0 {
		t.Errorf("tmp dir must stay writable: %v", fi.Mode())
	}
}

func TestBuildWorkspaceStagesUploads(t *testing.T) {
	r, s, up := newWorkspaceRunner(t)
	job, req, cat := workspaceFixtures(t, r, s)
	ctx := context.Background()

	rec, err := up.PutData(ctx, "extra_scores.csv", strings.NewReader("subject_id,score\nS001,4\n"))
	if err != nil {
		t.Fatalf("PutData: %v", err)
	}
	req.UploadIDs = []string{rec.ID}

	ws, err := r.buildWorkspace(ctx, job, req, cat)
	if err != nil {
		t.Fatalf("buildWorkspace: %v", err)
	}

	raw, _ := os.ReadFile(ws.config)
	var cfg loader.JobConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Uploads) != 1 {
		t.Fatalf("config uploads = %+v", cfg.Uploads)
	}
	staged := cfg.Uploads[0]
	if staged.Type != datatypes.FileCSV {
		t.Errorf("upload type = %q", staged.Type)
	}
	if !strings.Contains(staged.Description, "extra_scores.csv") {
		t.Errorf("upload description = %q", staged.Description)
	}
	if filepath.Dir(staged.Path) != filepath.Join(ws.inputDir, "uploads") {
		t.Errorf("upload staged at %q", staged.Path)
	}
	if _, err := os.Stat(staged.Path); err != nil {
		t.Errorf("upload copy missing: %v", err)
	}
}

func TestBuildWorkspaceRejectsUnknownUpload(t *testing.T) {
	r, s, _ := newWorkspaceRunner(t)
	job, req, cat := workspaceFixtures(t, r, s)
	req.UploadIDs = []string{"upload-that-never-was"}

	if _, err := r.buildWorkspace(context.Background(), job, req, cat); err == nil {
		t.Fatal("unknown upload id must fail the build")
	}
}

func TestRemoveWorkspaceClearsSealedDirs(t *testing.T) {
	r, s, _ := newWorkspaceRunner(t)
	job, req, cat := workspaceFixtures(t, r, s)

	ws, err := r.buildWorkspace(context.Background(), job, req, cat)
	if err != nil {
		t.Fatal(err)
	}
	if err := removeWorkspace(ws.root); err != nil {
		t.Fatalf("removeWorkspace: %v", err)
	}
	if _, err := os.Stat(ws.root); !os.IsNotExist(err) {
		t.Errorf("workspace still present: %v", err)
	}
}
