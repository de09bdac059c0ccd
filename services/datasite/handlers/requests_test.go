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
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// =============================================================================
// Submission Helpers
// =============================================================================

// submitBody builds a valid custom-analysis submission; overrides
// mutate individual fields.
func submitBody(t *testing.T, overrides ...func(map[string]any)) []byte {
	t.Helper()
	m := map[string]any{
		"requester_name":        "Dr. Elena Vasquez",
		"requester_institution": "Harborview Research Institute",
		"requester_email":       "evasquez@harborview.org",
		"title":                 "Age distribution in the trial cohort",
		"catalog_id":            "clinical_trial_data",
		"analysis_kind":         "custom",
		"script_type":           "python",
		"script_body":           "import json\nprint(json.dumps({\"rows\": 3}))\n",
	}
	for _, o := range overrides {
		o(m)
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

// submitRequest stores a valid request and returns its id.
func submitRequest(t *testing.T, n *testNode, overrides ...func(map[string]any)) string {
	t.Helper()
	w := n.do(t, "POST", "/v1/requests", submitBody(t, overrides...), false)
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var resp SubmitRequestResponse
	decode(t, w, &resp)
	require.NotEmpty(t, resp.Request.ID)
	return resp.Request.ID
}

// decideBody is the approve/deny payload used across the tests.
func decideBody(t *testing.T, approver, notes string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{"approver": approver, "notes": notes})
	require.NoError(t, err)
	return b
}

// =============================================================================
// Submission Tests
// =============================================================================

func TestSubmitRequest_StoresPending(t *testing.T) {
	n := newTestNode(t)

	w := n.do(t, "POST", "/v1/requests", submitBody(t), false)

	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	var resp SubmitRequestResponse
	decode(t, w, &resp)
	assert.Equal(t, datatypes.StatePending, resp.Request.State)
	assert.NotEmpty(t, resp.Request.ScriptSHA256)
	assert.False(t, resp.Request.ExpiresAt.IsZero(), "pending requests carry a review deadline")
	assert.Nil(t, resp.Request.Decision)
}

func TestSubmitRequest_UnknownCatalog(t *testing.T) {
	n := newTestNode(t)

	body := submitBody(t, func(m map[string]any) { m["catalog_id"] = "no_such_catalog" })
	w := n.do(t, "POST", "/v1/requests", body, false)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "UNKNOWN_CATALOG")
}

func TestSubmitRequest_MissingRequesterName(t *testing.T) {
	n := newTestNode(t)

	body := submitBody(t, func(m map[string]any) { delete(m, "requester_name") })
	w := n.do(t, "POST", "/v1/requests", body, false)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
}

func TestSubmitRequest_BuiltinKindGetsTemplate(t *testing.T) {
	n := newTestNode(t)

	body := submitBody(t, func(m map[string]any) {
		m["analysis_kind"] = "demographics"
		delete(m, "script_body")
	})
	w := n.do(t, "POST", "/v1/requests", body, false)

	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	var resp SubmitRequestResponse
	decode(t, w, &resp)
	assert.NotEmpty(t, resp.Request.ScriptBody, "builtin kinds run the node's template")
	assert.Equal(t, datatypes.KindDemographics, resp.Request.Kind)
}

func TestSubmitRequest_CustomKindNeedsScript(t *testing.T) {
	n := newTestNode(t)

	body := submitBody(t, func(m map[string]any) { delete(m, "script_body") })
	w := n.do(t, "POST", "/v1/requests", body, false)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION_FAILED")
}

func TestSubmitRequest_InspectorFlagsSensitiveImports(t *testing.T) {
	n := newTestNode(t)

	body := submitBody(t, func(m map[string]any) {
		m["script_body"] = "import os\nprint(os.environ)\n"
	})
	w := n.do(t, "POST", "/v1/requests", body, false)

	require.Equal(t, http.StatusCreated, w.Code, "inspection informs review, it never blocks")
	var resp SubmitRequestResponse
	decode(t, w, &resp)
	require.NotEmpty(t, resp.Warnings)
	assert.Equal(t, "os", resp.Warnings[0].Module)
	assert.Equal(t, 1, resp.Warnings[0].Line)
}

// =============================================================================
// Listing Tests
// =============================================================================

func TestListRequests_FiltersByState(t *testing.T) {
	n := newTestNode(t)
	id := submitRequest(t, n)
	submitRequest(t, n, func(m map[string]any) { m["title"] = "Second study" })

	w := n.do(t, "POST", "/v1/requests/"+id+"/deny",
		decideBody(t, "dr.chen", "insufficient methodology"), true)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	w = n.do(t, "GET", "/v1/requests?state=pending", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Requests []datatypes.AnalysisRequest `json:"requests"`
		Count    int                         `json:"count"`
	}
	decode(t, w, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, datatypes.StatePending, resp.Requests[0].State)
}

func TestListRequests_RejectsUnknownState(t *testing.T) {
	n := newTestNode(t)

	w := n.do(t, "GET", "/v1/requests?state=bogus", nil, false)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_STATE")
}

func TestGetRequest_NotFound(t *testing.T) {
	n := newTestNode(t)

	w := n.do(t, "GET", "/v1/requests/req-nonexistent", nil, false)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "REQUEST_NOT_FOUND")
}

// =============================================================================
// Decision Tests
// =============================================================================

func TestApprove_QueuesJob(t *testing.T) {
	n := newTestNode(t)
	id := submitRequest(t, n)

	w := n.do(t, "POST", "/v1/requests/"+id+"/approve",
		decideBody(t, "dr.chen", "methodology reviewed"), true)

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var resp DecisionResponse
	decode(t, w, &resp)
	assert.Equal(t, datatypes.StateApproved, resp.Request.State)
	require.NotNil(t, resp.Request.Decision)
	assert.Equal(t, "dr.chen", resp.Request.Decision.Approver)
	require.NotEmpty(t, resp.JobID, "approval queues a job")

	jw := n.do(t, "GET", "/v1/jobs/"+resp.JobID, nil, false)
	require.Equal(t, http.StatusOK, jw.Code)
	var job datatypes.Job
	decode(t, jw, &job)
	assert.Equal(t, datatypes.JobQueued, job.Status)
	assert.Equal(t, id, job.RequestID)
}

func TestApprove_WithoutOperatorToken(t *testing.T) {
	n := newTestNode(t)
	id := submitRequest(t, n)

	w := n.do(t, "POST", "/v1/requests/"+id+"/approve",
		decideBody(t, "dr.chen", ""), false)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	gw := n.do(t, "GET", "/v1/requests/"+id, nil, false)
	var rec datatypes.AnalysisRequest
	decode(t, gw, &rec)
	assert.Equal(t, datatypes.StatePending, rec.State, "rejected decision leaves the request pending")
}

func TestDeny_RecordsDecision(t *testing.T) {
	n := newTestNode(t)
	id := submitRequest(t, n)

	w := n.do(t, "POST", "/v1/requests/"+id+"/deny",
		decideBody(t, "dr.chen", "cohort too small for this cut"), true)

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var resp DecisionResponse
	decode(t, w, &resp)
	assert.Equal(t, datatypes.StateDenied, resp.Request.State)
	assert.Empty(t, resp.JobID)
	require.NotNil(t, resp.Request.Decision)
	assert.Equal(t, "cohort too small for this cut", resp.Request.Decision.Notes)
}

func TestDecide_SecondDecisionConflicts(t *testing.T) {
	n := newTestNode(t)
	id := submitRequest(t, n)

	w := n.do(t, "POST", "/v1/requests/"+id+"/deny", decideBody(t, "dr.chen", ""), true)
	require.Equal(t, http.StatusOK, w.Code)

	w = n.do(t, "POST", "/v1/requests/"+id+"/approve", decideBody(t, "dr.okafor", ""), true)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDecide_MissingApprover(t *testing.T) {
	n := newTestNode(t)
	id := submitRequest(t, n)

	body, _ := json.Marshal(map[string]string{"notes": "no approver field"})
	w := n.do(t, "POST", "/v1/requests/"+id+"/approve", body, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
}

// =============================================================================
// Cancellation Tests
// =============================================================================

func TestCancel_PendingWithdraws(t *testing.T) {
	n := newTestNode(t)
	id := submitRequest(t, n)

	body, _ := json.Marshal(map[string]string{"requester": "Dr. Elena Vasquez"})
	w := n.do(t, "POST", "/v1/requests/"+id+"/cancel", body, false)

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var rec datatypes.AnalysisRequest
	decode(t, w, &rec)
	assert.Equal(t, datatypes.StateDenied, rec.State)
	require.NotNil(t, rec.Decision)
	assert.Equal(t, "cancelled by requester", rec.Decision.Notes)
}

func TestCancel_DecidedRequestConflicts(t *testing.T) {
	n := newTestNode(t)
	id := submitRequest(t, n)

	w := n.do(t, "POST", "/v1/requests/"+id+"/deny", decideBody(t, "dr.chen", ""), true)
	require.Equal(t, http.StatusOK, w.Code)

	body, _ := json.Marshal(map[string]string{"requester": "Dr. Elena Vasquez"})
	w = n.do(t, "POST", "/v1/requests/"+id+"/cancel", body, false)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_STATE")
}

// =============================================================================
// Result Visibility Tests
// =============================================================================

func TestResults_BlockedRowsStayHidden(t *testing.T) {
	n := newTestNode(t)
	id := submitRequest(t, n)

	ctx := context.Background()
	_, err := n.results.Append(ctx, datatypes.Result{
		RequestID: id,
		JobID:     "job-test",
		Type:      "aggregate",
		Payload:   json.RawMessage(`{"mean_age": 64.3, "n": 12}`),
		Released:  true,
	})
	require.NoError(t, err)
	_, err = n.results.Append(ctx, datatypes.Result{
		RequestID:     id,
		JobID:         "job-test",
		Type:          "aggregate",
		Payload:       json.RawMessage(`{"mean_age": 71.0, "n": 2}`),
		Released:      false,
		BlockedReason: "cohort below minimum",
	})
	require.NoError(t, err)

	w := n.do(t, "GET", "/v1/requests/"+id+"/results", nil, false)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Results []datatypes.PublishedView `json:"results"`
		Count   int                       `json:"count"`
		Blocked int                       `json:"blocked"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, 1, resp.Blocked, "withheld rows are counted, never shown")
	assert.NotContains(t, w.Body.String(), "71.0", "blocked payloads never leave the public endpoint")
}

func TestAdminResults_ShowsBlockedRows(t *testing.T) {
	n := newTestNode(t)
	id := submitRequest(t, n)

	_, err := n.results.Append(context.Background(), datatypes.Result{
		RequestID:     id,
		JobID:         "job-test",
		Payload:       json.RawMessage(`{"n": 2}`),
		Released:      false,
		BlockedReason: "cohort below minimum",
	})
	require.NoError(t, err)

	w := n.do(t, "GET", "/v1/admin/requests/"+id+"/results", nil, true)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Results []datatypes.Result `json:"results"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.Results[0].Released)
	assert.Equal(t, "cohort below minimum", resp.Results[0].BlockedReason)
}

func TestAdminResults_RequiresToken(t *testing.T) {
	n := newTestNode(t)
	id := submitRequest(t, n)

	w := n.do(t, "GET", "/v1/admin/requests/"+id+"/results", nil, false)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// =============================================================================
// Audit Trail Tests
// =============================================================================

func TestAuditTrail_TracksLifecycle(t *testing.T) {
	n := newTestNode(t)
	id := submitRequest(t, n)

	w := n.do(t, "POST", "/v1/requests/"+id+"/approve",
		decideBody(t, "dr.chen", "fine"), true)
	require.Equal(t, http.StatusOK, w.Code)

	w = n.do(t, "GET", "/v1/admin/audit?request_id="+id, nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Events []struct {
			EventType string `json:"event"`
			Actor     string `json:"actor"`
		} `json:"events"`
		Count int `json:"count"`
	}
	decode(t, w, &resp)
	require.GreaterOrEqual(t, resp.Count, 2)
	assert.Equal(t, "request.create", resp.Events[0].EventType)
	assert.Equal(t, "request.approve", resp.Events[1].EventType)
	assert.Equal(t, "dr.chen", resp.Events[1].Actor)
}

func TestAuditTrail_RequiresToken(t *testing.T) {
	n := newTestNode(t)

	w := n.do(t, "GET", "/v1/admin/audit", nil, false)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
