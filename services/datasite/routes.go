// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datasite

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DataSite/services/datasite/handlers"
)

// RegisterRoutes registers all DataSite node routes with the router.
//
// Description:
//
//	Registers the /v1 endpoints with the given Gin router group. The
//	group should already carry the cross-cutting middleware (request
//	context, tracing); the operator guard and the submission limiter
//	are applied per route here.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	h - The handlers instance
//	guard - Operator token guard for decision and admin routes
//	submitLimit - Throttle applied to submission and upload routes
//
// Endpoints:
//
//	GET  /v1/health - Node identity and liveness
//	GET  /v1/ready - Readiness check (catalog manifest loads)
//	GET  /v1/catalogs - List catalogs
//	GET  /v1/catalogs/:id - One catalog with file details
//	GET  /v1/catalogs/:id/schema/:file - Column schema of a catalog file
//	GET  /v1/catalogs/:id/options - Score/timeline options for submission
//	POST /v1/uploads/script - Store an analysis script
//	POST /v1/uploads/data - Store a supplementary data file
//	GET  /v1/uploads - List uploads
//	GET  /v1/uploads/:id - One upload record
//	POST /v1/requests - Submit an analysis request
//	GET  /v1/requests - List requests
//	GET  /v1/requests/:id - One request
//	POST /v1/requests/:id/approve - Operator approval (guarded)
//	POST /v1/requests/:id/deny - Operator denial (guarded)
//	POST /v1/requests/:id/cancel - Requester withdrawal / job cancel
//	GET  /v1/requests/:id/results - Released results view
//	GET  /v1/jobs - List jobs
//	GET  /v1/jobs/:id - One job record
//	GET  /v1/jobs/:id/logs - Retained output tails
//	GET  /v1/jobs/:id/stream - Websocket status/log stream
//	GET  /v1/admin/requests/:id/results - Raw result rows (guarded)
//	GET  /v1/admin/audit - Persisted audit trail (guarded)
//
// Example:
//
//	h := handlers.NewHandlers(deps)
//	guard := handlers.NewTokenGuard(cfg.Server.OperatorToken, logger)
//
//	v1 := router.Group("/v1")
//	v1.Use(handlers.ClientContext())
//	datasite.RegisterRoutes(v1, h, guard, handlers.SubmitLimit(cfg.Server.RateRPS, cfg.Server.RateBurst))
func RegisterRoutes(rg *gin.RouterGroup, h *handlers.Handlers, guard *handlers.TokenGuard, submitLimit gin.HandlerFunc) {
	operator := handlers.OperatorAuth(guard)

	// Node identity
	rg.GET("/health", h.HandleHealth)
	rg.GET("/ready", h.HandleReady)

	// Catalog discovery
	catalogs := rg.Group("/catalogs")
	{
		catalogs.GET("", h.HandleListCatalogs)
		catalogs.GET("/:id", h.HandleGetCatalog)
		catalogs.GET("/:id/schema/:file", h.HandleSchema)
		catalogs.GET("/:id/options", h.HandleOptions)
	}

	// Requester uploads
	uploads := rg.Group("/uploads")
	{
		uploads.POST("/script", submitLimit, h.HandleUploadScript)
		uploads.POST("/data", submitLimit, h.HandleUploadData)
		uploads.GET("", h.HandleListUploads)
		uploads.GET("/:id", h.HandleGetUpload)
	}

	// Request lifecycle
	requests := rg.Group("/requests")
	{
		requests.POST("", submitLimit, h.HandleSubmitRequest)
		requests.GET("", h.HandleListRequests)
		requests.GET("/:id", h.HandleGetRequest)
		requests.POST("/:id/approve", operator, h.HandleApprove)
		requests.POST("/:id/deny", operator, h.HandleDeny)
		requests.POST("/:id/cancel", h.HandleCancel)
		requests.GET("/:id/results", h.HandleResults)
	}

	// Job observation
	jobs := rg.Group("/jobs")
	{
		jobs.GET("", h.HandleListJobs)
		jobs.GET("/:id", h.HandleGetJob)
		jobs.GET("/:id/logs", h.HandleJobLogs)
		jobs.GET("/:id/stream", h.HandleJobStream)
	}

	// Operator review
	admin := rg.Group("/admin", operator)
	{
		admin.GET("/requests/:id/results", h.HandleAdminResults)
		admin.GET("/audit", h.HandleAuditTrail)
	}
}
