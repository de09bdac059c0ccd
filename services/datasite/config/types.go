// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the node configuration.
//
// Configuration comes from a YAML file (default: ./datasite.yaml, override
// with DATASITE_CONFIG) with a small set of environment overrides for the
// values that differ between deployments: the operator token, the listen
// address, and credentials for optional exporters. A missing file is not an
// error; the node starts with defaults suitable for a single-machine
// installation.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// SiteConfig is the root configuration for a DataSite node.
type SiteConfig struct {
	// Node identifies this installation to requesters and federation peers.
	Node NodeConfig `yaml:"node"`

	// Paths: filesystem layout for data, work, state, and uploads.
	Paths PathsConfig `yaml:"paths"`

	// Limits: per-job resource ceilings and executor sizing.
	Limits LimitsConfig `yaml:"limits"`

	// Requests: approval workflow tuning.
	Requests RequestsConfig `yaml:"requests"`

	// Uploads: requester file upload policy.
	Uploads UploadsConfig `yaml:"uploads"`

	// Server: HTTP listener and operator authentication.
	Server ServerConfig `yaml:"server"`

	// Telemetry: tracing and metrics exporters.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Export: optional released-result export to object storage.
	Export ExportConfig `yaml:"export"`

	// Usage: optional job usage sampling to a time-series database.
	Usage UsageConfig `yaml:"usage"`
}

type NodeConfig struct {
	ID          string `yaml:"id" validate:"required"`             // e.g. site-001
	Name        string `yaml:"name"`                               // e.g. University Hospital Node
	Institution string `yaml:"institution"`                        // e.g. University Hospital
	Contact     string `yaml:"contact" validate:"omitempty,email"` // operator email shown in /v1/health
}

type PathsConfig struct {
	// DataRoot holds the catalog files referenced by the manifest.
	DataRoot string `yaml:"data_root" validate:"required"`

	// ManifestPath is the catalog manifest. Relative paths resolve
	// against DataRoot.
	ManifestPath string `yaml:"manifest_path"`

	// WorkDir receives one subdirectory per job.
	WorkDir string `yaml:"work_dir" validate:"required"`

	// StateDir holds the embedded database.
	StateDir string `yaml:"state_dir" validate:"required"`

	// UploadsDir holds requester-uploaded scripts and data files.
	UploadsDir string `yaml:"uploads_dir" validate:"required"`

	// AuditLog is the append-only decision log. Empty disables the
	// file log (database audit records are always written).
	AuditLog string `yaml:"audit_log"`
}

type LimitsConfig struct {
	MaxCPUSeconds  int `yaml:"max_cpu_seconds" validate:"gt=0"`  // RLIMIT_CPU per job
	MaxWallSeconds int `yaml:"max_wall_seconds" validate:"gt=0"` // wall-clock deadline per job
	MaxMemoryMB    int `yaml:"max_memory_mb" validate:"gt=0"`    // address-space cap per job
	MaxOutputMB    int `yaml:"max_output_mb" validate:"gt=0"`    // result artifact size cap

	// ExecutorSlots is the number of jobs allowed to run concurrently.
	ExecutorSlots int `yaml:"executor_slots" validate:"gt=0,lte=64"`

	// WorkspaceRetentionHours is how long finished job workspaces are
	// kept before the cleaner removes them.
	WorkspaceRetentionHours int `yaml:"workspace_retention_hours" validate:"gt=0"`
}

// Retention returns the workspace retention window as a duration.
func (l LimitsConfig) Retention() time.Duration {
	return time.Duration(l.WorkspaceRetentionHours) * time.Hour
}

type RequestsConfig struct {
	// PendingTTLHours expires undecided requests. Zero disables expiry.
	PendingTTLHours int `yaml:"pending_ttl_hours" validate:"gte=0"`

	// MinCohortSize is the node-wide privacy floor. Catalogs may raise
	// it but never lower it.
	MinCohortSize int `yaml:"min_cohort_size" validate:"gte=1"`
}

// PendingTTL returns the pending expiry window as a duration.
func (r RequestsConfig) PendingTTL() time.Duration {
	return time.Duration(r.PendingTTLHours) * time.Hour
}

type UploadsConfig struct {
	MaxUploadMB int `yaml:"max_upload_mb" validate:"gt=0"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// OperatorToken guards decision and admin endpoints. Prefer the
	// DATASITE_OPERATOR_TOKEN environment variable over the file.
	OperatorToken string `yaml:"operator_token"`

	// RateRPS / RateBurst shape the submission rate limiter.
	RateRPS   float64 `yaml:"rate_rps" validate:"gt=0"`
	RateBurst int     `yaml:"rate_burst" validate:"gt=0"`
}

type TelemetryConfig struct {
	// TraceExporter is one of "otlp-grpc", "stdout", "none".
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=otlp-grpc stdout none"`

	// OTLPEndpoint is the collector address for otlp-grpc, host:port.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Metrics enables the Prometheus /metrics endpoint.
	Metrics bool `yaml:"metrics"`
}

type ExportConfig struct {
	// Enabled turns on GCS export of released results.
	Enabled bool `yaml:"enabled"`

	ProjectID  string `yaml:"project_id"`
	Bucket     string `yaml:"bucket"`
	KeyPath    string `yaml:"key_path"` // service account key file
	PathPrefix string `yaml:"path_prefix"`
}

type UsageConfig struct {
	// Enabled turns on InfluxDB job usage sampling.
	Enabled bool `yaml:"enabled"`

	URL    string `yaml:"url"`
	Token  string `yaml:"token"` // prefer DATASITE_INFLUX_TOKEN
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// siteValidate checks struct tags on load.
var siteValidate = validator.New()

// Validate checks the configuration for internally consistent values.
func (c *SiteConfig) Validate() error {
	return siteValidate.Struct(c)
}

// DefaultConfig returns the single-machine defaults. Every limit matches
// the executor's hard ceilings; lowering them in the file is allowed,
// raising them is clamped at load time.
func DefaultConfig() SiteConfig {
	return SiteConfig{
		Node: NodeConfig{
			ID:          "site-001",
			Name:        "DataSite Node",
			Institution: "Unconfigured Institution",
		},
		Paths: PathsConfig{
			DataRoot:     "./data",
			ManifestPath: "manifest.json",
			WorkDir:      "./work",
			StateDir:     "./state",
			UploadsDir:   "./uploads",
			AuditLog:     "./state/audit.log",
		},
		Limits: LimitsConfig{
			MaxCPUSeconds:           300,
			MaxWallSeconds:          600,
			MaxMemoryMB:             2048,
			MaxOutputMB:             100,
			ExecutorSlots:           2,
			WorkspaceRetentionHours: 24,
		},
		Requests: RequestsConfig{
			PendingTTLHours: 7 * 24,
			MinCohortSize:   10,
		},
		Uploads: UploadsConfig{
			MaxUploadMB: 512,
		},
		Server: ServerConfig{
			ListenAddr: ":8443",
			RateRPS:    5,
			RateBurst:  10,
		},
		Telemetry: TelemetryConfig{
			TraceExporter: "none",
			OTLPEndpoint:  "localhost:4317",
			Metrics:       true,
		},
	}
}

// ResourceCeilings converts the limit section into the executor's
// duration/byte units.
func (c *SiteConfig) ResourceCeilings() (cpu, wall time.Duration, mem, out int64) {
	return time.Duration(c.Limits.MaxCPUSeconds) * time.Second,
		time.Duration(c.Limits.MaxWallSeconds) * time.Second,
		int64(c.Limits.MaxMemoryMB) << 20,
		int64(c.Limits.MaxOutputMB) << 20
}

// MaxUploadBytes returns the upload cap in bytes.
func (c *SiteConfig) MaxUploadBytes() int64 {
	return int64(c.Uploads.MaxUploadMB) << 20
}
