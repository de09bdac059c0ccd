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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DataSite/services/datasite/catalog"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	"github.com/AleutianAI/DataSite/services/datasite/requests"
	"github.com/AleutianAI/DataSite/services/datasite/uploads"
)

// HandleSubmitRequest handles POST /v1/requests.
//
// Description:
//
//	Checks the referenced catalog and uploads exist, fills in the
//	builtin script template when the body carries no script, runs
//	static inspection, and stores the request pending review.
//	Submission never executes anything; the stored record waits for an
//	operator decision.
//
// Request Body:
//
//	SubmitRequestBody. Script body is required for custom analyses and
//	optional for the builtin kinds.
//
// Response:
//
//	201 Created: {request, script_warnings}
//	400 Bad Request: malformed body, unknown catalog or upload id, or
//	    a validation failure from the request store
//	503 Service Unavailable: upload ids on a node without upload storage
func (h *Handlers) HandleSubmitRequest(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleSubmitRequest")
	ctx := c.Request.Context()

	var body SubmitRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if _, err := h.registry.Get(ctx, body.CatalogID); err != nil {
		if errors.Is(err, catalog.ErrCatalogNotFound) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "catalog not available on this node: " + body.CatalogID,
				Code:  "UNKNOWN_CATALOG",
			})
			return
		}
		logger.Error("catalog read failed", "catalog", body.CatalogID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "catalog read failed",
			Code:  "CATALOG_ERROR",
		})
		return
	}

	if len(body.UploadIDs) > 0 && h.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "this node does not accept uploads",
			Code:  "UPLOADS_DISABLED",
		})
		return
	}
	for _, id := range body.UploadIDs {
		if _, err := h.uploads.Get(ctx, id); err != nil {
			if errors.Is(err, uploads.ErrUploadNotFound) {
				c.JSON(http.StatusBadRequest, ErrorResponse{
					Error: "upload not found: " + id,
					Code:  "UNKNOWN_UPLOAD",
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
	}

	req := datatypes.AnalysisRequest{
		Requester: datatypes.Requester{
			Name:        body.RequesterName,
			Institution: body.RequesterInstitution,
			Email:       body.RequesterEmail,
			Affiliation: body.RequesterAffiliation,
		},
		Title:            body.Title,
		Description:      body.Description,
		ResearchQuestion: body.ResearchQuestion,
		Methodology:      body.Methodology,
		ExpectedOutcomes: body.ExpectedOutcomes,

		CatalogID:        body.CatalogID,
		SelectedScore:    body.SelectedScore,
		SelectedTimeline: body.SelectedTimeline,
		Kind:             datatypes.AnalysisKind(body.AnalysisKind),
		ScriptType:       datatypes.ScriptType(body.ScriptType),
		ScriptBody:       body.ScriptBody,

		UploadIDs:         body.UploadIDs,
		Priority:          datatypes.Priority(body.Priority),
		EstimatedDuration: body.EstimatedDuration,
	}

	templated := false
	if strings.TrimSpace(req.ScriptBody) == "" && req.ScriptType != datatypes.ScriptR {
		if tmpl, ok := scriptTemplate(req.Kind); ok {
			req.ScriptBody = tmpl
			templated = true
		}
	}

	if h.inspector != nil && strings.TrimSpace(req.ScriptBody) != "" {
		st := req.ScriptType
		if st == "" {
			st = datatypes.ScriptPython
		}
		warnings, err := h.inspector.Inspect(ctx, st, req.ScriptBody)
		if err != nil {
			// Inspection informs review; it never blocks submission.
			logger.Warn("script inspection failed", "error", err)
		} else {
			req.Warnings = warnings
		}
	}

	rec, err := h.requests.Create(ctx, req)
	if err != nil {
		if errors.Is(err, requests.ErrValidation) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: err.Error(),
				Code:  "VALIDATION_FAILED",
			})
			return
		}
		logger.Error("request not stored", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "request could not be stored",
			Code:  "REQUEST_ERROR",
		})
		return
	}

	logger.Info("request submitted",
		"request_id", rec.ID,
		"catalog", rec.CatalogID,
		"kind", string(rec.Kind),
		"templated", templated,
		"warnings", len(rec.Warnings),
	)
	c.JSON(http.StatusCreated, SubmitRequestResponse{
		Request:  rec,
		Warnings: rec.Warnings,
	})
}

// HandleListRequests handles GET /v1/requests. The state, requester,
// catalog_id and since query parameters narrow the listing.
func (h *Handlers) HandleListRequests(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleListRequests")

	filter := datatypes.RequestFilter{
		Requester: c.Query("requester"),
		CatalogID: c.Query("catalog_id"),
	}
	if raw := c.Query("state"); raw != "" {
		switch state := datatypes.RequestState(raw); state {
		case datatypes.StatePending, datatypes.StateApproved,
			datatypes.StateDenied, datatypes.StateExpired,
			datatypes.StateRunning, datatypes.StateCompleted,
			datatypes.StateFailed:
			filter.State = state
		default:
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "unknown state: " + raw,
				Code:  "INVALID_STATE",
			})
			return
		}
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "since must be an RFC 3339 timestamp",
				Code:  "INVALID_SINCE",
			})
			return
		}
		filter.Since = since
	}

	recs, err := h.requests.List(c.Request.Context(), filter)
	if err != nil {
		logger.Error("request listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "request listing failed",
			Code:  "REQUEST_ERROR",
		})
		return
	}
	if recs == nil {
		recs = []datatypes.AnalysisRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": recs, "count": len(recs)})
}

// HandleGetRequest handles GET /v1/requests/:id.
func (h *Handlers) HandleGetRequest(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleGetRequest")
	id := c.Param("id")

	rec, err := h.requests.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, requests.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "request not found: " + id,
				Code:  "REQUEST_NOT_FOUND",
			})
			return
		}
		logger.Error("request read failed", "request_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "request read failed",
			Code:  "REQUEST_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// HandleApprove handles POST /v1/requests/:id/approve. Approval records
// the decision and queues a job; the two are separate steps, and an
// approved request whose enqueue was lost is picked up by the runner's
// resume scan at the next startup.
func (h *Handlers) HandleApprove(c *gin.Context) {
	h.handleDecision(c, "HandleApprove", datatypes.DecisionApproved)
}

// HandleDeny handles POST /v1/requests/:id/deny.
func (h *Handlers) HandleDeny(c *gin.Context) {
	h.handleDecision(c, "HandleDeny", datatypes.DecisionDenied)
}

func (h *Handlers) handleDecision(c *gin.Context, handler string, verdict datatypes.DecisionKind) {
	logger := h.handlerLogger(c, handler)
	ctx := c.Request.Context()
	id := c.Param("id")

	var body DecisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	rec, err := h.requests.Decide(ctx, id, datatypes.Decision{
		Approver: body.Approver,
		Decision: verdict,
		Notes:    body.Notes,
	})
	switch {
	case errors.Is(err, requests.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "request not found: " + id,
			Code:  "REQUEST_NOT_FOUND",
		})
		return
	case errors.Is(err, requests.ErrValidation):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "VALIDATION_FAILED",
		})
		return
	case errors.Is(err, requests.ErrDecisionConflict):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "DECISION_CONFLICT",
		})
		return
	case errors.Is(err, requests.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_STATE",
		})
		return
	case err != nil:
		logger.Error("decision not applied", "request_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "decision could not be applied",
			Code:  "REQUEST_ERROR",
		})
		return
	}

	resp := DecisionResponse{Request: rec}
	if verdict == datatypes.DecisionApproved && rec.State == datatypes.StateApproved {
		resp.JobID = h.enqueueOnce(ctx, logger, rec)
	}
	c.JSON(http.StatusOK, resp)
}

// enqueueOnce queues a job for an approved request unless one already
// exists, so a repeated approve call never schedules a second run.
// Returns the job id, or empty when the enqueue failed; an approved
// request without a job is recovered by the resume scan.
func (h *Handlers) enqueueOnce(ctx context.Context, logger *slog.Logger, rec datatypes.AnalysisRequest) string {
	if existing, err := h.jobs.List(ctx, ""); err == nil {
		for _, job := range existing {
			if job.RequestID == rec.ID && !job.Status.Finished() {
				return job.ID
			}
		}
	}
	job, err := h.runner.Enqueue(ctx, rec)
	if err != nil {
		logger.Warn("approved request not enqueued, resume will retry",
			"request_id", rec.ID, "error", err)
		return ""
	}
	return job.ID
}

// HandleCancel handles POST /v1/requests/:id/cancel.
//
// Description:
//
//	A pending request is withdrawn outright, recorded as a denial by
//	the requester. A running request gets its job signalled; the
//	failure is then recorded through the normal collection path.
//	Everything else is either too early or too late to cancel.
//
// Response:
//
//	200 OK: the withdrawn request
//	202 Accepted: running job signalled, shutdown in progress
//	404 Not Found: unknown request
//	409 Conflict: the request state does not allow cancellation
func (h *Handlers) HandleCancel(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleCancel")
	ctx := c.Request.Context()
	id := c.Param("id")

	var body CancelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	rec, err := h.requests.Get(ctx, id)
	if err != nil {
		if errors.Is(err, requests.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "request not found: " + id,
				Code:  "REQUEST_NOT_FOUND",
			})
			return
		}
		logger.Error("request read failed", "request_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "request read failed",
			Code:  "REQUEST_ERROR",
		})
		return
	}

	switch rec.State {
	case datatypes.StatePending:
		cancelled, err := h.requests.Cancel(ctx, id, body.Requester)
		switch {
		case errors.Is(err, requests.ErrValidation):
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: err.Error(),
				Code:  "VALIDATION_FAILED",
			})
		case errors.Is(err, requests.ErrInvalidTransition):
			// Decided between the read and the cancel.
			c.JSON(http.StatusConflict, ErrorResponse{
				Error: err.Error(),
				Code:  "INVALID_STATE",
			})
		case err != nil:
			logger.Error("cancel failed", "request_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: "cancel failed",
				Code:  "REQUEST_ERROR",
			})
		default:
			logger.Info("pending request withdrawn",
				"request_id", id, "actor", body.Requester)
			c.JSON(http.StatusOK, cancelled)
		}
	case datatypes.StateRunning:
		if rec.JobID == "" {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error: "running request has no job bound",
				Code:  "INVALID_STATE",
			})
			return
		}
		if err := h.runner.Cancel(rec.JobID); err != nil {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error: err.Error(),
				Code:  "JOB_NOT_RUNNING",
			})
			return
		}
		logger.Info("running job cancel signalled",
			"request_id", id, "job_id", rec.JobID, "actor", body.Requester)
		c.JSON(http.StatusAccepted, gin.H{
			"request_id": id,
			"job_id":     rec.JobID,
			"status":     "cancelling",
		})
	default:
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: fmt.Sprintf("cannot cancel a %s request", rec.State),
			Code:  "INVALID_STATE",
		})
	}
}

// HandleResults handles GET /v1/requests/:id/results.
//
// Description:
//
//	The released view of a request's output. Only rows the privacy
//	gate released are returned; the blocked counter tells the
//	requester rows were withheld without revealing them. Raw payloads
//	of blocked rows never leave through this endpoint.
func (h *Handlers) HandleResults(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleResults")
	ctx := c.Request.Context()
	id := c.Param("id")

	rec, err := h.requests.Get(ctx, id)
	if err != nil {
		if errors.Is(err, requests.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "request not found: " + id,
				Code:  "REQUEST_NOT_FOUND",
			})
			return
		}
		logger.Error("request read failed", "request_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "request read failed",
			Code:  "REQUEST_ERROR",
		})
		return
	}

	rows, err := h.results.List(ctx, id, true)
	if err != nil {
		logger.Error("result listing failed", "request_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "result listing failed",
			Code:  "RESULT_ERROR",
		})
		return
	}

	views := make([]datatypes.PublishedView, 0, len(rows))
	blocked := 0
	for i := range rows {
		if !rows[i].Released {
			blocked++
			continue
		}
		views = append(views, rows[i].Published())
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": id,
		"state":      string(rec.State),
		"results":    views,
		"count":      len(views),
		"blocked":    blocked,
	})
}

// HandleAdminResults handles GET /v1/admin/requests/:id/results: every
// stored row with its raw payload, blocked rows included. The route
// carries the operator token guard; this view exists so an operator can
// see what the privacy gate refused and why.
func (h *Handlers) HandleAdminResults(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleAdminResults")
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.requests.Get(ctx, id); err != nil {
		if errors.Is(err, requests.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "request not found: " + id,
				Code:  "REQUEST_NOT_FOUND",
			})
			return
		}
		logger.Error("request read failed", "request_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "request read failed",
			Code:  "REQUEST_ERROR",
		})
		return
	}

	rows, err := h.results.List(ctx, id, true)
	if err != nil {
		logger.Error("result listing failed", "request_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "result listing failed",
			Code:  "RESULT_ERROR",
		})
		return
	}
	if rows == nil {
		rows = []datatypes.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"request_id": id, "results": rows, "count": len(rows)})
}
