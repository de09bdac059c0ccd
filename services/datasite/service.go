// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datasite assembles the node: catalog registry, upload store,
// request and job stores, the sandboxed runner, and the privacy-gated
// result store, all backed by one embedded database.
//
// The service is the composition root. Packages underneath it do not
// know about each other's construction; everything meets here and in
// the handlers.
package datasite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/DataSite/services/datasite/audit"
	"github.com/AleutianAI/DataSite/services/datasite/catalog"
	"github.com/AleutianAI/DataSite/services/datasite/config"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	"github.com/AleutianAI/DataSite/services/datasite/handlers"
	"github.com/AleutianAI/DataSite/services/datasite/inspect"
	"github.com/AleutianAI/DataSite/services/datasite/jobs"
	"github.com/AleutianAI/DataSite/services/datasite/requests"
	"github.com/AleutianAI/DataSite/services/datasite/results"
	storebadger "github.com/AleutianAI/DataSite/services/datasite/storage/badger"
	"github.com/AleutianAI/DataSite/services/datasite/uploads"
)

// Service owns every long-lived component of the node and their
// shutdown order.
//
// Thread Safety:
//
//	Construct with NewService, then Start once. The component getters
//	are safe for concurrent use after NewService returns.
type Service struct {
	cfg    *config.SiteConfig
	logger *slog.Logger

	db *storebadger.DB

	registry  *catalog.Registry
	options   *catalog.OptionsStore
	uploads   *uploads.Store
	requests  *requests.Store
	jobs      *jobs.Store
	results   *results.Store
	exporter  *results.Exporter
	runner    *jobs.Runner
	inspector *inspect.Inspector

	trail   *audit.StoreLogger
	auditor audit.Logger
	sampler *jobs.UsageSampler

	watchCancel context.CancelFunc
	started     bool
}

// NewService builds the full component graph from configuration.
//
// Description:
//
//	Opens the embedded database under the state directory, then wires
//	the stores, the catalog registry (with the uploads store as its
//	synthetic-catalog source), the audit trail, and the job runner.
//	Nothing starts running; call Start.
//
// Inputs:
//
//	ctx - Context for construction-time work (option seeding, exporter
//	    client creation)
//	cfg - Loaded and validated node configuration
//	logger - Base logger; components derive their own from it
//
// Outputs:
//
//	*Service - The assembled service
//	error - Non-nil if the database, audit log, or exporter cannot be
//	    opened
func NewService(ctx context.Context, cfg *config.SiteConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := storebadger.OpenDB(storebadger.Config{
		Path:           cfg.Paths.StateDir,
		SyncWrites:     true,
		Logger:         logger,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	svc := &Service{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}

	// Audit: every event lands in the store; the optional file log is a
	// tamper-evident copy outside the database.
	svc.trail = audit.NewStoreLogger(db)
	svc.auditor = svc.trail
	if cfg.Paths.AuditLog != "" {
		fileLog, err := audit.NewFileLogger(cfg.Paths.AuditLog)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		svc.auditor = audit.Tee(svc.trail, fileLog)
	}

	// An accepted upload must appear in the synthetic catalog
	// immediately; the hook reads svc.registry through the closure since
	// the registry is built right after and needs the store as source.
	svc.uploads = uploads.NewStore(db, cfg.Paths.UploadsDir,
		uploads.WithMaxBytes(cfg.MaxUploadBytes()),
		uploads.WithChangeHook(func() {
			if svc.registry != nil {
				svc.registry.Invalidate()
			}
		}),
		uploads.WithAuditLogger(svc.auditor),
		uploads.WithStoreLogger(logger),
	)

	svc.registry = catalog.NewRegistry(cfg.Paths.DataRoot, cfg.Paths.ManifestPath,
		catalog.WithUploadSource(svc.uploads),
		catalog.WithMinCohort(cfg.Requests.MinCohortSize),
		catalog.WithRegistryLogger(logger),
	)

	svc.options = catalog.NewOptionsStore(db)
	if n, err := svc.options.Seed(ctx, catalog.DefaultOptionSeed()); err != nil {
		logger.Warn("option seed failed", "error", err)
	} else if n > 0 {
		logger.Info("submission options seeded", "count", n)
	}

	svc.requests = requests.NewStore(db,
		requests.WithPendingTTL(cfg.Requests.PendingTTL()),
		requests.WithAuditLogger(svc.auditor),
		requests.WithStoreLogger(logger),
	)

	svc.jobs = jobs.NewStore(db, jobs.WithJobStoreLogger(logger))

	resultOpts := []results.StoreOption{results.WithStoreLogger(logger)}
	if cfg.Export.Enabled {
		exporter, err := results.NewExporter(ctx, cfg.Export.Bucket, cfg.Export.PathPrefix, cfg.Export.KeyPath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create result exporter: %w", err)
		}
		svc.exporter = exporter
		resultOpts = append(resultOpts, results.WithExporter(exporter))
	}
	svc.results = results.NewStore(db, resultOpts...)

	svc.inspector = inspect.NewInspector()

	if cfg.Usage.Enabled {
		svc.sampler = jobs.NewUsageSampler(
			cfg.Usage.URL, cfg.Usage.Token, cfg.Usage.Org, cfg.Usage.Bucket,
			cfg.Node.ID, logger,
		)
	}

	cpu, wall, mem, out := cfg.ResourceCeilings()
	runnerOpts := []jobs.RunnerOption{
		jobs.WithRunnerLogger(logger),
		jobs.WithAuditLogger(svc.auditor),
	}
	if svc.sampler != nil {
		runnerOpts = append(runnerOpts, jobs.WithSampler(svc.sampler))
	}
	svc.runner = jobs.NewRunner(
		jobs.RunnerConfig{
			WorkDir: cfg.Paths.WorkDir,
			Slots:   cfg.Limits.ExecutorSlots,
			Limits: datatypes.ResourceLimits{
				MaxCPU:  cpu,
				MaxWall: wall,
				MaxMem:  mem,
				MaxOut:  out,
			},
			Retention: cfg.Limits.Retention(),
		},
		jobs.Deps{
			Jobs:     svc.jobs,
			Requests: svc.requests,
			Results:  svc.results,
			Registry: svc.registry,
			Uploads:  svc.uploads,
		},
		runnerOpts...,
	)

	return svc, nil
}

// Start brings the node to serving state.
//
// Description:
//
//	Reconciles state left by the previous process (interrupted jobs,
//	orphaned approvals), starts the executor pool, and begins watching
//	the manifest. The catalog cache is warmed so the first request does
//	not pay the enrichment cost.
//
// Thread Safety: call once after NewService.
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return nil
	}
	s.started = true

	// Requests first: a request stuck in running with no live child must
	// be failed before the runner re-queues approved work.
	if interrupted, err := s.requests.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile requests: %w", err)
	} else if len(interrupted) > 0 {
		s.logger.Warn("requests interrupted by restart", "count", len(interrupted))
	}

	s.runner.Start()
	if err := s.runner.Resume(ctx); err != nil {
		return fmt.Errorf("resume jobs: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel
	if err := s.registry.Watch(watchCtx); err != nil {
		s.logger.Warn("manifest watch unavailable, relying on mtime checks", "error", err)
	}

	if _, err := s.registry.List(ctx); err != nil {
		s.logger.Warn("catalog warm-up failed", "error", err)
	}

	if err := s.auditor.Log(ctx, audit.Event{
		EventType: audit.EventNodeStart,
		Actor:     "system",
		Notes:     s.cfg.Node.ID,
	}); err != nil {
		s.logger.Warn("startup audit event not recorded", "error", err)
	}

	s.logger.Info("datasite service started",
		"node_id", s.cfg.Node.ID,
		"data_root", s.cfg.Paths.DataRoot,
		"slots", s.cfg.Limits.ExecutorSlots,
	)
	return nil
}

// Stop shuts the node down in dependency order: runner (terminating
// children and recording interruptions), manifest watcher, audit
// sinks, exporter, database last.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	s.started = false

	s.runner.Stop()
	if s.sampler != nil {
		s.sampler.Close()
	}
	if s.watchCancel != nil {
		s.watchCancel()
	}
	s.registry.Close()

	if err := s.auditor.Close(); err != nil {
		s.logger.Warn("audit close failed", "error", err)
	}
	if s.exporter != nil {
		if err := s.exporter.Close(); err != nil {
			s.logger.Warn("exporter close failed", "error", err)
		}
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("state store close failed", "error", err)
	}
	s.logger.Info("datasite service stopped")
}

// HandlerDeps returns the collaborator set for handlers.NewHandlers.
func (s *Service) HandlerDeps() handlers.HandlerDeps {
	return handlers.HandlerDeps{
		Registry:  s.registry,
		Options:   s.options,
		Uploads:   s.uploads,
		Requests:  s.requests,
		Jobs:      s.jobs,
		Results:   s.results,
		Runner:    s.runner,
		Inspector: s.inspector,
		Trail:     s.trail,
	}
}

// Requests exposes the request store for operator tooling.
func (s *Service) Requests() *requests.Store { return s.requests }

// Registry exposes the catalog registry.
func (s *Service) Registry() *catalog.Registry { return s.registry }
