// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"
)

// RequestState is the lifecycle state of an analysis request.
//
// The legal paths are:
//
//	submitted -> pending -> approved -> running -> completed
//	                     |           |          -> failed
//	                     |           -> (queued, still approved)
//	                     -> denied
//	                     -> expired
//
// denied, expired, completed and failed are terminal.
type RequestState string

const (
	StateSubmitted RequestState = "submitted"
	StatePending   RequestState = "pending"
	StateApproved  RequestState = "approved"
	StateDenied    RequestState = "denied"
	StateExpired   RequestState = "expired"
	StateRunning   RequestState = "running"
	StateCompleted RequestState = "completed"
	StateFailed    RequestState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestState) Terminal() bool {
	switch s {
	case StateDenied, StateExpired, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// legalTransitions is the closed transition table. A transition absent
// from this table is a policy violation.
var legalTransitions = map[RequestState][]RequestState{
	StateSubmitted: {StatePending},
	StatePending:   {StateApproved, StateDenied, StateExpired},
	StateApproved:  {StateRunning},
	StateRunning:   {StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to RequestState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders queued jobs. High-priority jobs are inserted ahead of
// all non-high entries; everything else is FIFO.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Expedited reports whether the priority jumps the queue.
// Urgent is accepted from the submission form and treated as high.
func (p Priority) Expedited() bool {
	return p == PriorityHigh || p == PriorityUrgent
}

// AnalysisKind selects the analysis template, or custom for a
// requester-supplied script.
type AnalysisKind string

const (
	KindDemographics AnalysisKind = "demographics"
	KindCorrelation  AnalysisKind = "correlation"
	KindDamageScore  AnalysisKind = "damage-score"
	KindCustom       AnalysisKind = "custom"
)

// ScriptType is the language of the analysis script.
type ScriptType string

const (
	ScriptPython ScriptType = "python"
	ScriptR      ScriptType = "r"
)

// Extension returns the workspace script file extension.
func (t ScriptType) Extension() string {
	if t == ScriptR {
		return "r"
	}
	return "py"
}

// Requester identifies the researcher submitting a request. There is no
// transport-level authentication; this block is the identity of record.
type Requester struct {
	Name        string `json:"name"`
	Institution string `json:"institution"`
	Email       string `json:"email"`
	Affiliation string `json:"affiliation,omitempty"`
}

// DecisionKind is an operator verdict on a pending request.
type DecisionKind string

const (
	DecisionApproved DecisionKind = "approved"
	DecisionDenied   DecisionKind = "denied"
)

// Decision records the operator verdict attached to a request. Once
// written it never changes: the first decision wins.
type Decision struct {
	Approver  string       `json:"approver"`
	Decision  DecisionKind `json:"decision"`
	Notes     string       `json:"notes,omitempty"`
	DecidedAt time.Time    `json:"decided_at"`
}

// ScriptWarning is one finding from the static script inspection,
// surfaced to the operator during review. Warnings never block
// submission; the sandbox is the enforcement layer.
type ScriptWarning struct {
	Line    int    `json:"line"`
	Module  string `json:"module,omitempty"`
	Message string `json:"message"`
}

// AnalysisRequest is a researcher's proposed analysis. Requests are
// never deleted; terminal requests are retained for audit.
type AnalysisRequest struct {
	ID        string    `json:"id"`
	Requester Requester `json:"requester"`

	Title            string `json:"title"`
	Description      string `json:"description"`
	ResearchQuestion string `json:"research_question,omitempty"`
	Methodology      string `json:"methodology,omitempty"`
	ExpectedOutcomes string `json:"expected_outcomes,omitempty"`

	CatalogID        string       `json:"catalog_id"`
	SelectedScore    string       `json:"selected_score,omitempty"`
	SelectedTimeline string       `json:"selected_timeline,omitempty"`
	Kind             AnalysisKind `json:"analysis_kind"`
	ScriptType       ScriptType   `json:"script_type"`
	ScriptBody       string       `json:"script_body,omitempty"`

	// ScriptSHA256 is the hex digest of the script body actually
	// executed, recorded for audit.
	ScriptSHA256 string `json:"script_sha256,omitempty"`

	UploadIDs         []string `json:"upload_ids,omitempty"`
	Priority          Priority `json:"priority"`
	EstimatedDuration string   `json:"estimated_duration,omitempty"`

	State    RequestState    `json:"state"`
	Decision *Decision       `json:"decision,omitempty"`
	JobID    string          `json:"job_id,omitempty"`
	Warnings []ScriptWarning `json:"script_warnings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ExpiresAt is the pending-review deadline. A pending request past
	// this instant is treated as expired on next touch.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// PendingExpired reports whether a pending request has outlived its
// review TTL at the given instant.
func (r *AnalysisRequest) PendingExpired(now time.Time) bool {
	return r.State == StatePending && !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// RequestFilter narrows List queries. Zero fields match everything.
type RequestFilter struct {
	State     RequestState `json:"state,omitempty"`
	Requester string       `json:"requester,omitempty"`
	CatalogID string       `json:"catalog_id,omitempty"`
	Since     time.Time    `json:"since,omitempty"`
}
