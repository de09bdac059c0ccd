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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	"github.com/AleutianAI/DataSite/services/datasite/jobs"
)

// streamTick is how often the job stream polls for fresh output.
const streamTick = time.Second

var upgrader = websocket.Upgrader{
	// The stream carries nothing the logs endpoint does not already
	// serve, so any origin may attach.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func sendJSON(ws *websocket.Conn, v any) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("websocket write failed", "error", err)
	}
	return err
}

// HandleGetJob handles GET /v1/jobs/:id.
func (h *Handlers) HandleGetJob(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleGetJob")
	id := c.Param("id")

	job, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "job not found: " + id,
				Code:  "JOB_NOT_FOUND",
			})
			return
		}
		logger.Error("job read failed", "job_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "job read failed",
			Code:  "JOB_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, job)
}

// HandleListJobs handles GET /v1/jobs. The optional status query
// parameter narrows to one phase.
func (h *Handlers) HandleListJobs(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleListJobs")

	status := datatypes.JobStatus(c.Query("status"))
	switch status {
	case "", datatypes.JobQueued, datatypes.JobRunning,
		datatypes.JobCompleted, datatypes.JobFailed:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "unknown status: " + string(status),
			Code:  "INVALID_STATUS",
		})
		return
	}

	recs, err := h.jobs.List(c.Request.Context(), status)
	if err != nil {
		logger.Error("job listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "job listing failed",
			Code:  "JOB_ERROR",
		})
		return
	}
	if recs == nil {
		recs = []datatypes.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": recs, "count": len(recs)})
}

// HandleJobLogs handles GET /v1/jobs/:id/logs.
//
// Description:
//
//	The retained output tails of a job. While the child runs the tails
//	are a live snapshot and live is true; after that they are the
//	stored record. Queued jobs report empty tails.
func (h *Handlers) HandleJobLogs(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleJobLogs")
	id := c.Param("id")

	job, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "job not found: " + id,
				Code:  "JOB_NOT_FOUND",
			})
			return
		}
		logger.Error("job read failed", "job_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "job read failed",
			Code:  "JOB_ERROR",
		})
		return
	}

	resp := JobLogsResponse{
		JobID:  job.ID,
		Status: job.Status,
		Stdout: job.StdoutTail,
		Stderr: job.StderrTail,
	}
	if stdout, stderr, ok := h.runner.LiveOutput(id); ok {
		resp.Stdout = stdout.String()
		resp.Stderr = stderr.String()
		resp.Live = true
	}
	c.JSON(http.StatusOK, resp)
}

// HandleJobStream handles GET /v1/jobs/:id/stream, a websocket.
//
// Description:
//
//	On attach the client gets a status frame, then a logs frame
//	whenever the child writes and a status frame on every phase
//	change. Log frames carry the full retained tail each time; the
//	client replaces its view rather than appending. After the terminal
//	status frame the stored tails are sent once more and the socket
//	closes. Attaching to a finished job yields that final pair
//	immediately.
func (h *Handlers) HandleJobStream(c *gin.Context) {
	logger := h.handlerLogger(c, "HandleJobStream")
	id := c.Param("id")
	ctx := c.Request.Context()

	// Resolve before upgrading so unknown ids get a plain 404.
	job, err := h.jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "job not found: " + id,
				Code:  "JOB_NOT_FOUND",
			})
			return
		}
		logger.Error("job read failed", "job_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "job read failed",
			Code:  "JOB_ERROR",
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer ws.Close()
	logger.Info("job stream attached", "job_id", id)

	if sendJSON(ws, statusFrame(job)) != nil {
		return
	}
	if job.Status.Finished() {
		sendJSON(ws, storedLogsFrame(job))
		return
	}

	// The read pump exists to notice the peer going away; the protocol
	// itself is push-only.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamTick)
	defer ticker.Stop()

	lastStatus := job.Status
	var sentOut, sentErr int64
	for {
		select {
		case <-disconnected:
			logger.Info("job stream detached", "job_id", id)
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err = h.jobs.Get(ctx, id)
		if err != nil {
			logger.Warn("job record unavailable mid-stream", "job_id", id, "error", err)
			return
		}

		if stdout, stderr, ok := h.runner.LiveOutput(id); ok {
			ow, ew := stdout.Written(), stderr.Written()
			if ow != sentOut || ew != sentErr {
				sentOut, sentErr = ow, ew
				frame := streamMessage{
					Type:          "logs",
					JobID:         id,
					Status:        job.Status,
					Stdout:        stdout.String(),
					Stderr:        stderr.String(),
					StdoutWritten: ow,
					StderrWritten: ew,
				}
				if sendJSON(ws, frame) != nil {
					return
				}
			}
		}

		if job.Status != lastStatus {
			lastStatus = job.Status
			if sendJSON(ws, statusFrame(job)) != nil {
				return
			}
		}
		if job.Status.Finished() {
			// The stored tails are the authoritative final output.
			sendJSON(ws, storedLogsFrame(job))
			return
		}
	}
}

func statusFrame(job datatypes.Job) streamMessage {
	return streamMessage{
		Type:       "status",
		JobID:      job.ID,
		Status:     job.Status,
		RequestID:  job.RequestID,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		ExitCode:   job.ExitCode,
		Failure:    job.Failure,
	}
}

func storedLogsFrame(job datatypes.Job) streamMessage {
	return streamMessage{
		Type:   "logs",
		JobID:  job.ID,
		Status: job.Status,
		Stdout: job.StdoutTail,
		Stderr: job.StderrTail,
	}
}
