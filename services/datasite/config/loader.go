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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Hard ceilings. File values above these are clamped, never honored.
const (
	ceilingCPUSeconds  = 300
	ceilingWallSeconds = 600
	ceilingMemoryMB    = 2048
	ceilingOutputMB    = 100
)

// EnvPrefix is the prefix for all environment overrides.
const EnvPrefix = "DATASITE_"

// Load reads the configuration file at path, applies environment
// overrides, clamps limits, and validates the result.
//
// An empty path falls back to $DATASITE_CONFIG, then ./datasite.yaml.
// A missing file yields DefaultConfig with overrides applied.
func Load(path string) (*SiteConfig, error) {
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path == "" {
		path = "datasite.yaml"
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only. Fine for first runs and tests.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	clampLimits(&cfg)
	resolvePaths(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// WriteDefault writes a starter file for first-run setups.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides layers DATASITE_* variables on top of the file.
// Only deployment-varying values are overridable; structural knobs
// (limits, retention) belong in the file.
func applyEnvOverrides(cfg *SiteConfig) {
	if v := os.Getenv(EnvPrefix + "NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv(EnvPrefix + "DATA_ROOT"); v != "" {
		cfg.Paths.DataRoot = v
	}
	if v := os.Getenv(EnvPrefix + "WORK_DIR"); v != "" {
		cfg.Paths.WorkDir = v
	}
	if v := os.Getenv(EnvPrefix + "STATE_DIR"); v != "" {
		cfg.Paths.StateDir = v
	}
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "OPERATOR_TOKEN"); v != "" {
		cfg.Server.OperatorToken = v
	}
	if v := os.Getenv(EnvPrefix + "OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv(EnvPrefix + "TRACE_EXPORTER"); v != "" {
		cfg.Telemetry.TraceExporter = v
	}
	if v := os.Getenv(EnvPrefix + "INFLUX_TOKEN"); v != "" {
		cfg.Usage.Token = v
	}
	if v := os.Getenv(EnvPrefix + "MIN_COHORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.Requests.MinCohortSize = n
		}
	}
	if v := os.Getenv(EnvPrefix + "PENDING_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Requests.PendingTTLHours = n
		}
	}
}

// clampLimits enforces the hard ceilings. An operator can run jobs
// smaller than the defaults but never larger.
func clampLimits(cfg *SiteConfig) {
	if cfg.Limits.MaxCPUSeconds <= 0 || cfg.Limits.MaxCPUSeconds > ceilingCPUSeconds {
		cfg.Limits.MaxCPUSeconds = ceilingCPUSeconds
	}
	if cfg.Limits.MaxWallSeconds <= 0 || cfg.Limits.MaxWallSeconds > ceilingWallSeconds {
		cfg.Limits.MaxWallSeconds = ceilingWallSeconds
	}
	if cfg.Limits.MaxMemoryMB <= 0 || cfg.Limits.MaxMemoryMB > ceilingMemoryMB {
		cfg.Limits.MaxMemoryMB = ceilingMemoryMB
	}
	if cfg.Limits.MaxOutputMB <= 0 || cfg.Limits.MaxOutputMB > ceilingOutputMB {
		cfg.Limits.MaxOutputMB = ceilingOutputMB
	}
	if cfg.Limits.ExecutorSlots <= 0 {
		cfg.Limits.ExecutorSlots = 2
	}
	if cfg.Limits.WorkspaceRetentionHours <= 0 {
		cfg.Limits.WorkspaceRetentionHours = 24
	}
}

// resolvePaths makes the manifest path absolute relative to the data
// root so the rest of the node never has to reason about it.
func resolvePaths(cfg *SiteConfig) {
	if cfg.Paths.ManifestPath == "" {
		cfg.Paths.ManifestPath = "manifest.json"
	}
	if !filepath.IsAbs(cfg.Paths.ManifestPath) {
		cfg.Paths.ManifestPath = filepath.Join(cfg.Paths.DataRoot, cfg.Paths.ManifestPath)
	}
}
