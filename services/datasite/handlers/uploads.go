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

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	"github.com/AleutianAI/DataSite/services/datasite/uploads"
)

// HandleUploadScript handles POST /v1/uploads/script.
//
// Request Body:
//
//	multipart/form-data with one "file" part (.py or .r)
//
// Response:
//
//	201 Created: the stored upload record
//	400 Bad Request: missing part or disallowed extension
//	413 Request Entity Too Large: file exceeds the upload cap
//	503 Service Unavailable: node accepts no uploads
func (h *Handlers) HandleUploadScript(c *gin.Context) {
	h.handleUpload(c, "HandleUploadScript", datatypes.UploadScript)
}

// HandleUploadData handles POST /v1/uploads/data. Same contract as the
// script endpoint; accepted files appear in the synthetic uploaded-files
// catalog immediately.
func (h *Handlers) HandleUploadData(c *gin.Context) {
	h.handleUpload(c, "HandleUploadData", datatypes.UploadData)
}

func (h *Handlers) handleUpload(c *gin.Context, handler string, kind datatypes.UploadKind) {
	logger := h.handlerLogger(c, handler)

	if h.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "this node does not accept uploads",
			Code:  "UPLOADS_DISABLED",
		})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		logger.Warn("multipart file part missing", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "multipart request needs a \"file\" part",
			Code:  "MISSING_FILE",
		})
		return
	}

	src, err := header.Open()
	if err != nil {
		logger.Error("multipart part unreadable", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "uploaded part could not be read",
			Code:  "INVALID_UPLOAD",
		})
		return
	}
	defer src.Close()

	var rec datatypes.UploadedFile
	if kind == datatypes.UploadScript {
		rec, err = h.uploads.PutScript(c.Request.Context(), header.Filename, src)
	} else {
		rec, err = h.uploads.PutData(c.Request.Context(), header.Filename, src)
	}
	switch {
	case errors.Is(err, uploads.ErrInvalidExtension):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_EXTENSION",
		})
		return
	case errors.Is(err, uploads.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error: err.Error(),
			Code:  "FILE_TOO_LARGE",
		})
		return
	case err != nil:
		logger.Error("upload not stored", "name", header.Filename, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "upload could not be stored",
			Code:  "UPLOAD_ERROR",
		})
		return
	}

	logger.Info("upload accepted",
		"upload_id", rec.ID,
		"kind", string(kind),
		"name", rec.OriginalName,
		"bytes", rec.SizeBytes,
	)
	c.JSON(http.StatusCreated, rec)
}

// HandleListUploads handles GET /v1/uploads. The optional kind query
// parameter narrows to script or data uploads.
func (h *Handlers) HandleListUploads(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleListUploads")

	if h.uploads == nil {
		c.JSON(http.StatusOK, gin.H{"uploads": []datatypes.UploadedFile{}, "count": 0})
		return
	}

	kind := datatypes.UploadKind(c.Query("kind"))
	switch kind {
	case "", datatypes.UploadScript, datatypes.UploadData:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "kind must be \"script\" or \"data\"",
			Code:  "INVALID_KIND",
		})
		return
	}

	recs, err := h.uploads.List(c.Request.Context(), kind)
	if err != nil {
		logger.Error("upload listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "upload listing failed",
			Code:  "UPLOAD_ERROR",
		})
		return
	}
	if recs == nil {
		recs = []datatypes.UploadedFile{}
	}
	c.JSON(http.StatusOK, gin.H{"uploads": recs, "count": len(recs)})
}

// HandleGetUpload handles GET /v1/uploads/:id.
func (h *Handlers) HandleGetUpload(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleGetUpload")
	id := c.Param("id")

	if h.uploads == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "upload not found: " + id,
			Code:  "UPLOAD_NOT_FOUND",
		})
		return
	}

	rec, err := h.uploads.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, uploads.ErrUploadNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "upload not found: " + id,
				Code:  "UPLOAD_NOT_FOUND",
			})
			return
		}
		logger.Error("upload read failed", "upload_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "upload read failed",
			Code:  "UPLOAD_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, rec)
}
