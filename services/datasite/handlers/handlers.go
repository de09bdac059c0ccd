// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP surface of the DataSite node.
//
// Every handler is a method on Handlers and follows the same shape:
// bind and validate input, call the owning store or the job runner,
// map sentinel errors to status codes, and return stored state. No
// handler blocks on job execution; submission, approval, and result
// retrieval observe the state machine, they never drive it inline.
//
// Identity is declarative: requesters are whoever the submission says
// they are (there is no requester authentication), while operator
// endpoints are guarded by the node token middleware in this package.
package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/DataSite/services/datasite/audit"
	"github.com/AleutianAI/DataSite/services/datasite/catalog"
	"github.com/AleutianAI/DataSite/services/datasite/config"
	"github.com/AleutianAI/DataSite/services/datasite/inspect"
	"github.com/AleutianAI/DataSite/services/datasite/jobs"
	"github.com/AleutianAI/DataSite/services/datasite/requests"
	"github.com/AleutianAI/DataSite/services/datasite/results"
	"github.com/AleutianAI/DataSite/services/datasite/uploads"
)

// Handlers bundles the stores and services the HTTP layer exposes.
//
// Thread Safety: Handlers is safe for concurrent use; all state lives
// in the underlying stores.
type Handlers struct {
	registry  *catalog.Registry
	options   *catalog.OptionsStore
	uploads   *uploads.Store
	requests  *requests.Store
	jobs      *jobs.Store
	results   *results.Store
	runner    *jobs.Runner
	inspector *inspect.Inspector
	trail     *audit.StoreLogger

	node    config.NodeConfig
	version string
	logger  *slog.Logger
}

// HandlerDeps names the collaborators a Handlers needs. Uploads,
// Inspector and Trail may be nil; the corresponding endpoints degrade
// gracefully.
type HandlerDeps struct {
	Registry  *catalog.Registry
	Options   *catalog.OptionsStore
	Uploads   *uploads.Store
	Requests  *requests.Store
	Jobs      *jobs.Store
	Results   *results.Store
	Runner    *jobs.Runner
	Inspector *inspect.Inspector
	Trail     *audit.StoreLogger
}

// HandlerOption configures a Handlers.
type HandlerOption func(*Handlers)

// WithNodeInfo sets the identity block reported by /v1/health.
func WithNodeInfo(node config.NodeConfig, version string) HandlerOption {
	return func(h *Handlers) {
		h.node = node
		h.version = version
	}
}

// WithHandlerLogger sets the logger used by all handlers.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handlers) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandlers creates the HTTP handlers for a node.
func NewHandlers(deps HandlerDeps, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		registry:  deps.Registry,
		options:   deps.Options,
		uploads:   deps.Uploads,
		requests:  deps.Requests,
		jobs:      deps.Jobs,
		results:   deps.Results,
		runner:    deps.Runner,
		inspector: deps.Inspector,
		trail:     deps.Trail,
		version:   "dev",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// getOrCreateRequestID returns the client-supplied X-Request-ID or a
// fresh UUID, echoed back on the response for correlation.
func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Header("X-Request-ID", id)
	return id
}

// handlerLogger builds the per-request logger all handlers start from.
func (h *Handlers) handlerLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With(
		"request_id", getOrCreateRequestID(c),
		"handler", handler,
	)
}
