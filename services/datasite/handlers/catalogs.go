// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DataSite/services/datasite/catalog"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// HandleHealth handles GET /v1/health. Always 200; the body carries the
// node identity block requesters use to cite the data source.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		NodeID:      h.node.ID,
		Name:        h.node.Name,
		Institution: h.node.Institution,
		Contact:     h.node.Contact,
		Version:     h.version,
		Time:        time.Now().UTC(),
	})
}

// HandleReady handles GET /v1/ready. Ready means the catalog manifest
// loads; a node that cannot enumerate its catalogs cannot serve
// anything useful.
func (h *Handlers) HandleReady(c *gin.Context) {
	if _, err := h.registry.List(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "catalog manifest unavailable",
			Code:  "NOT_READY",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// HandleListCatalogs handles GET /v1/catalogs.
func (h *Handlers) HandleListCatalogs(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleListCatalogs")

	cats, err := h.registry.List(c.Request.Context())
	if err != nil {
		logger.Error("catalog enumeration failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "catalog enumeration failed",
			Code:  "CATALOG_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"catalogs": cats, "count": len(cats)})
}

// HandleGetCatalog handles GET /v1/catalogs/:id.
func (h *Handlers) HandleGetCatalog(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleGetCatalog")
	id := c.Param("id")

	cat, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrCatalogNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "catalog not found: " + id,
				Code:  "CATALOG_NOT_FOUND",
			})
			return
		}
		logger.Error("catalog read failed", "catalog", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "catalog read failed",
			Code:  "CATALOG_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, cat)
}

// HandleSchema handles GET /v1/catalogs/:id/schema/:file.
//
// Response:
//
//	200 OK: {catalog_id, file, columns} — columns is empty for
//	    binary formats with no declared or inferable schema
//	404 Not Found: unknown catalog or file
func (h *Handlers) HandleSchema(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleSchema")
	id := c.Param("id")
	file := c.Param("file")

	cols, err := h.registry.Schema(c.Request.Context(), id, file)
	switch {
	case errors.Is(err, catalog.ErrCatalogNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "catalog not found: " + id,
			Code:  "CATALOG_NOT_FOUND",
		})
		return
	case errors.Is(err, catalog.ErrFileNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "catalog file not found: " + file,
			Code:  "FILE_NOT_FOUND",
		})
		return
	case err != nil:
		logger.Error("schema read failed", "catalog", id, "file", file, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "schema read failed",
			Code:  "CATALOG_ERROR",
		})
		return
	}
	if cols == nil {
		cols = []datatypes.Column{}
	}
	c.JSON(http.StatusOK, gin.H{
		"catalog_id": id,
		"file":       file,
		"columns":    cols,
	})
}

// HandleOptions handles GET /v1/catalogs/:id/options: the score and
// timeline values offered on the submission form for this catalog.
func (h *Handlers) HandleOptions(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleOptions")
	id := c.Param("id")

	if _, err := h.registry.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, catalog.ErrCatalogNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "catalog not found: " + id,
				Code:  "CATALOG_NOT_FOUND",
			})
			return
		}
		logger.Error("catalog read failed", "catalog", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "catalog read failed",
			Code:  "CATALOG_ERROR",
		})
		return
	}

	opts, err := h.options.List(c.Request.Context(), id)
	if err != nil {
		logger.Error("option listing failed", "catalog", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "option listing failed",
			Code:  "OPTIONS_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"catalog_id": id, "options": opts})
}
