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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DataSite/services/datasite/audit"
)

// HandleAuditTrail handles GET /v1/admin/audit.
//
// Description:
//
//	The persisted audit trail, oldest first. The request_id query
//	parameter narrows to one request's events; without it the
//	node-scoped events come back (startup, uploads, manifest changes).
//	The route carries the operator token guard.
func (h *Handlers) HandleAuditTrail(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleAuditTrail")

	if h.trail == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "audit trail store not configured",
			Code:  "AUDIT_DISABLED",
		})
		return
	}

	requestID := c.Query("request_id")
	events, err := h.trail.Trail(c.Request.Context(), requestID)
	if err != nil {
		logger.Error("audit trail read failed", "request_id", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "audit trail read failed",
			Code:  "AUDIT_ERROR",
		})
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
