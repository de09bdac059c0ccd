// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits.MaxCPUSeconds != 300 {
		t.Errorf("MaxCPUSeconds = %d, want 300", cfg.Limits.MaxCPUSeconds)
	}
	if cfg.Limits.ExecutorSlots != 2 {
		t.Errorf("ExecutorSlots = %d, want 2", cfg.Limits.ExecutorSlots)
	}
	if cfg.Requests.MinCohortSize != 10 {
		t.Errorf("MinCohortSize = %d, want 10", cfg.Requests.MinCohortSize)
	}
	if cfg.Limits.Retention() != 24*time.Hour {
		t.Errorf("Retention = %v, want 24h", cfg.Limits.Retention())
	}
}

func TestLoadClampsLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datasite.yaml")
	body := `
node:
  id: clamp-test
paths:
  data_root: /srv/data
  work_dir: /srv/work
  state_dir: /srv/state
  uploads_dir: /srv/uploads
limits:
  max_cpu_seconds: 9000
  max_wall_seconds: 86400
  max_memory_mb: 65536
  max_output_mb: 4096
  executor_slots: 4
  workspace_retention_hours: 48
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits.MaxCPUSeconds != 300 {
		t.Errorf("MaxCPUSeconds = %d, want clamped 300", cfg.Limits.MaxCPUSeconds)
	}
	if cfg.Limits.MaxWallSeconds != 600 {
		t.Errorf("MaxWallSeconds = %d, want clamped 600", cfg.Limits.MaxWallSeconds)
	}
	if cfg.Limits.MaxMemoryMB != 2048 {
		t.Errorf("MaxMemoryMB = %d, want clamped 2048", cfg.Limits.MaxMemoryMB)
	}
	if cfg.Limits.MaxOutputMB != 100 {
		t.Errorf("MaxOutputMB = %d, want clamped 100", cfg.Limits.MaxOutputMB)
	}
	// Values under the ceiling survive.
	if cfg.Limits.ExecutorSlots != 4 {
		t.Errorf("ExecutorSlots = %d, want 4", cfg.Limits.ExecutorSlots)
	}
	if cfg.Limits.WorkspaceRetentionHours != 48 {
		t.Errorf("WorkspaceRetentionHours = %d, want 48", cfg.Limits.WorkspaceRetentionHours)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATASITE_NODE_ID", "env-node")
	t.Setenv("DATASITE_OPERATOR_TOKEN", "sekrit")
	t.Setenv("DATASITE_MIN_COHORT", "25")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.ID != "env-node" {
		t.Errorf("Node.ID = %q, want env-node", cfg.Node.ID)
	}
	if cfg.Server.OperatorToken != "sekrit" {
		t.Errorf("OperatorToken not taken from environment")
	}
	if cfg.Requests.MinCohortSize != 25 {
		t.Errorf("MinCohortSize = %d, want 25", cfg.Requests.MinCohortSize)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datasite.yaml")
	body := "node:\n  id: x\n  flavor: strawberry\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestManifestPathResolvesAgainstDataRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datasite.yaml")
	body := `
node:
  id: rel-test
paths:
  data_root: /srv/data
  manifest_path: catalogs/manifest.json
  work_dir: /srv/work
  state_dir: /srv/state
  uploads_dir: /srv/uploads
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join("/srv/data", "catalogs", "manifest.json")
	if cfg.Paths.ManifestPath != want {
		t.Errorf("ManifestPath = %q, want %q", cfg.Paths.ManifestPath, want)
	}
}

func TestResourceCeilings(t *testing.T) {
	cfg := DefaultConfig()
	cpu, wall, mem, out := cfg.ResourceCeilings()
	if cpu != 300*time.Second || wall != 600*time.Second {
		t.Errorf("cpu/wall = %v/%v, want 300s/600s", cpu, wall)
	}
	if mem != 2048<<20 {
		t.Errorf("mem = %d, want %d", mem, int64(2048)<<20)
	}
	if out != 100<<20 {
		t.Errorf("out = %d, want %d", out, int64(100)<<20)
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "datasite.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load written default: %v", err)
	}
	if cfg.Node.ID != "site-001" {
		t.Errorf("Node.ID = %q, want site-001", cfg.Node.ID)
	}
}
