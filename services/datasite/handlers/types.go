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
	"time"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// ErrorResponse is the standard error payload for all endpoints.
type ErrorResponse struct {
	// Error is a human-readable error message.
	Error string `json:"error"`

	// Code is a machine-readable error code.
	Code string `json:"code,omitempty"`
}

// SubmitRequestBody is the payload for POST /v1/requests.
//
// Script body is optional for the builtin analysis kinds (demographics,
// correlation, damage-score): submissions without one run the node's
// template for that kind. Custom analyses must supply a script.
type SubmitRequestBody struct {
	RequesterName        string `json:"requester_name" binding:"required"`
	RequesterInstitution string `json:"requester_institution" binding:"required"`
	RequesterEmail       string `json:"requester_email" binding:"required,email"`
	RequesterAffiliation string `json:"requester_affiliation,omitempty"`

	Title            string `json:"title" binding:"required"`
	Description      string `json:"description,omitempty"`
	ResearchQuestion string `json:"research_question,omitempty"`
	Methodology      string `json:"methodology,omitempty"`
	ExpectedOutcomes string `json:"expected_outcomes,omitempty"`

	CatalogID        string `json:"catalog_id" binding:"required"`
	SelectedScore    string `json:"selected_score,omitempty"`
	SelectedTimeline string `json:"selected_timeline,omitempty"`

	AnalysisKind string `json:"analysis_kind,omitempty" binding:"omitempty,oneof=demographics correlation damage-score custom"`
	ScriptType   string `json:"script_type,omitempty" binding:"omitempty,oneof=python r"`
	ScriptBody   string `json:"script_body,omitempty"`

	UploadIDs         []string `json:"upload_ids,omitempty"`
	Priority          string   `json:"priority,omitempty" binding:"omitempty,oneof=low normal high urgent"`
	EstimatedDuration string   `json:"estimated_duration,omitempty"`
}

// DecisionBody is the payload for the approve and deny endpoints.
type DecisionBody struct {
	Approver string `json:"approver" binding:"required"`
	Notes    string `json:"notes,omitempty"`
}

// CancelBody is the payload for POST /v1/requests/:id/cancel.
type CancelBody struct {
	Requester string `json:"requester" binding:"required"`
}

// SubmitRequestResponse acknowledges a stored submission.
type SubmitRequestResponse struct {
	Request  datatypes.AnalysisRequest `json:"request"`
	Warnings []datatypes.ScriptWarning `json:"script_warnings,omitempty"`
}

// DecisionResponse reports the post-decision request state, plus the
// job created by an approval.
type DecisionResponse struct {
	Request datatypes.AnalysisRequest `json:"request"`
	JobID   string                    `json:"job_id,omitempty"`
}

// JobLogsResponse carries the retained output tails of a job. For a
// running job the tails are a live snapshot; for a finished one they
// are the stored record.
type JobLogsResponse struct {
	JobID  string              `json:"job_id"`
	Status datatypes.JobStatus `json:"status"`
	Stdout string              `json:"stdout"`
	Stderr string              `json:"stderr"`
	Live   bool                `json:"live"`
}

// HealthResponse identifies the node.
type HealthResponse struct {
	Status      string    `json:"status"`
	NodeID      string    `json:"node_id"`
	Name        string    `json:"name,omitempty"`
	Institution string    `json:"institution,omitempty"`
	Contact     string    `json:"contact,omitempty"`
	Version     string    `json:"version"`
	Time        time.Time `json:"time"`
}

// streamMessage is one frame of the job stream websocket. Type is
// "status" or "logs"; each frame carries the fields for its type.
type streamMessage struct {
	Type string `json:"type"`

	JobID  string              `json:"job_id"`
	Status datatypes.JobStatus `json:"status,omitempty"`

	// Status frames.
	RequestID  string                `json:"request_id,omitempty"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	ExitCode   *int                  `json:"exit_code,omitempty"`
	Failure    *datatypes.JobFailure `json:"failure,omitempty"`

	// Logs frames. Tails replace the client's previous view; the
	// written counters let clients detect truncation.
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
	StdoutWritten int64  `json:"stdout_written,omitempty"`
	StderrWritten int64  `json:"stderr_written,omitempty"`
}
