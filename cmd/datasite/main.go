// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command datasite starts a DataSite node server.
//
// A DataSite node hosts sensitive datasets behind a remote-analysis
// boundary:
//   - Catalog registry backed by a YAML manifest (hot-reloaded)
//   - Script submission, operator approval, and sandboxed execution
//   - Privacy gate enforcing minimum cohort sizes on released results
//   - Append-only audit trail of every state transition
//
// Usage:
//
//	go run ./cmd/datasite
//	go run ./cmd/datasite -config /etc/datasite/datasite.yaml
//	go run ./cmd/datasite -listen :9400 -debug
//
// First-run setup (writes a starter config and exits):
//
//	go run ./cmd/datasite -write-config
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8443/v1/health
//
//	# List catalogs visible to clients
//	curl http://localhost:8443/v1/catalogs | jq
//
//	# Submit an analysis request
//	curl -X POST http://localhost:8443/v1/requests \
//	  -H "Content-Type: application/json" \
//	  -d '{"requester_name": "Dr. A. Researcher",
//	       "requester_institution": "Example University",
//	       "requester_email": "researcher@example.org",
//	       "title": "Cohort age distribution",
//	       "catalog_id": "heart_failure",
//	       "analysis_kind": "demographics"}'
//
//	# Approve it (operator endpoints require the operator token)
//	curl -X POST http://localhost:8443/v1/requests/<id>/approve \
//	  -H "Authorization: Bearer $DATASITE_OPERATOR_TOKEN" \
//	  -d '{"approver": "dpo@example.org"}'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/DataSite/pkg/logging"
	"github.com/AleutianAI/DataSite/services/datasite"
	"github.com/AleutianAI/DataSite/services/datasite/config"
	"github.com/AleutianAI/DataSite/services/datasite/handlers"
	"github.com/AleutianAI/DataSite/services/datasite/telemetry"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to datasite.yaml (default: $DATASITE_CONFIG or ./datasite.yaml)")
	listen := flag.String("listen", "", "Override the listen address from the config")
	debug := flag.Bool("debug", false, "Enable debug logging and Gin debug mode")
	writeConfig := flag.Bool("write-config", false, "Write a starter config to the -config path and exit")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("datasite", version)
		return
	}

	if *writeConfig {
		path := *configPath
		if path == "" {
			path = "datasite.yaml"
		}
		if err := config.WriteDefault(path); err != nil {
			fmt.Fprintln(os.Stderr, "write config:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote starter config to", path)
		return
	}

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}
	log := logging.New(logging.Config{
		Level:   level,
		Service: "datasite",
		JSON:    true,
	})
	defer log.Close()
	slog.SetDefault(log.Slog())

	if err := run(log.Slog(), *configPath, *listen, *debug); err != nil {
		log.Error("Node exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath, listenOverride string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.Server.ListenAddr = listenOverride
	}

	ctx := context.Background()

	// Telemetry first so every later component picks up the global
	// providers.
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromSite(cfg.Telemetry, cfg.Node))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Error("Failed to shutdown telemetry", "error", err)
		}
	}()

	svc, err := datasite.NewService(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize node: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		svc.Stop()
		return fmt.Errorf("start node: %w", err)
	}

	// Set Gin mode
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}
	router.Use(otelgin.Middleware("datasite"))
	router.Use(handlers.ClientContext())

	h := handlers.NewHandlers(svc.HandlerDeps(),
		handlers.WithNodeInfo(cfg.Node, version),
		handlers.WithHandlerLogger(logger))
	guard := handlers.NewTokenGuard(cfg.Server.OperatorToken, logger)

	v1 := router.Group("/v1")
	datasite.RegisterRoutes(v1, h, guard,
		handlers.SubmitLimit(cfg.Server.RateRPS, cfg.Server.RateBurst))

	if mh := telemetry.MetricsHandler(); mh != nil {
		router.GET("/metrics", gin.WrapH(mh))
	}

	printBanner(cfg)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle graceful shutdown. The node owns an embedded database and
	// live executor children, so it drains instead of exiting hard.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting DataSite node",
			slog.String("node_id", cfg.Node.ID),
			slog.String("address", cfg.Server.ListenAddr),
			slog.String("version", version))
		errCh <- server.ListenAndServe()
	}()

	select {
	case sig := <-quit:
		logger.Info("Shutting down DataSite node", slog.String("signal", sig.String()))
	case err := <-errCh:
		svc.Stop()
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	svc.Stop()
	logger.Info("DataSite node stopped")
	return nil
}

// printBanner prints the startup banner.
func printBanner(cfg *config.SiteConfig) {
	metrics := "disabled"
	if cfg.Telemetry.Metrics {
		metrics = "http://localhost" + cfg.Server.ListenAddr + "/metrics"
	}
	uploads := "disabled"
	if cfg.Uploads.MaxUploadMB > 0 {
		uploads = fmt.Sprintf("enabled (max %d MB)", cfg.Uploads.MaxUploadMB)
	}

	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                        DATASITE NODE SERVER                       ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Federated analysis over private data. Code visits the data;      ║
║  only privacy-screened results leave the node.                    ║
║                                                                   ║
║  Node:     %-54s ║
║  Listen:   %-54s ║
║  Data:     %-54s ║
║  Uploads:  %-54s ║
║  Metrics:  %-54s ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # List catalogs                                             │  ║
║  │ curl http://localhost%s/v1/catalogs                       │  ║
║  │                                                             │  ║
║  │ # Review pending requests (operator console)                │  ║
║  │ sitectl review                                              │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner,
		cfg.Node.ID,
		cfg.Server.ListenAddr,
		cfg.Paths.DataRoot,
		uploads,
		metrics,
		cfg.Server.ListenAddr,
	)
}
