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
	"encoding/json"
	"time"
)

// BlockedReasonCohort is the reason tag on results suppressed by the
// privacy gate.
const BlockedReasonCohort = "cohort-below-minimum"

// Result is one save_results call from an analysis process. Rows are
// append-only per request, ordered by Seq in call order.
//
// Payload always holds the child's original value and is restricted to
// the admin view when the row is blocked; external callers see
// PublishedPayload instead.
type Result struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	JobID     string `json:"job_id"`

	// Seq is the 1-based save_results call index within the job.
	Seq int `json:"seq"`

	// Type is the result-type tag supplied by the analysis
	// (for example "demographic_analysis", "dbs_damage_score").
	Type string `json:"result_type,omitempty"`

	Payload json.RawMessage `json:"payload"`

	// Released is false when the privacy gate blocked the row.
	Released bool `json:"released"`

	// BlockedReason and the cohort observations are set on blocked rows.
	BlockedReason  string `json:"blocked_reason,omitempty"`
	MinCohort      int    `json:"min_cohort_size,omitempty"`
	ObservedCohort *int64 `json:"observed_cohort,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// blockedPayload is the externally visible stand-in for a blocked row.
type blockedPayload struct {
	Blocked  bool   `json:"blocked"`
	Reason   string `json:"reason"`
	MinK     int    `json:"minimum_cohort_size"`
	Observed *int64 `json:"observed,omitempty"`
}

// PublishedPayload returns the payload external callers may see: the
// original value for released rows, the blocked placeholder otherwise.
func (r *Result) PublishedPayload() json.RawMessage {
	if r.Released {
		return r.Payload
	}
	placeholder := blockedPayload{
		Blocked:  true,
		Reason:   r.BlockedReason,
		MinK:     r.MinCohort,
		Observed: r.ObservedCohort,
	}
	raw, err := json.Marshal(placeholder)
	if err != nil {
		// Marshal of a flat struct cannot fail; keep the compiler honest.
		return json.RawMessage(`{"blocked":true}`)
	}
	return raw
}

// PublishedView is the wire shape of a result row for external callers.
type PublishedView struct {
	RequestID string          `json:"request_id"`
	Seq       int             `json:"seq"`
	Type      string          `json:"result_type,omitempty"`
	Released  bool            `json:"released"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Published projects the row into its external form.
func (r *Result) Published() PublishedView {
	return PublishedView{
		RequestID: r.RequestID,
		Seq:       r.Seq,
		Type:      r.Type,
		Released:  r.Released,
		Payload:   r.PublishedPayload(),
		CreatedAt: r.CreatedAt,
	}
}
