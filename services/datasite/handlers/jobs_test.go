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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// approveToJob submits a request, approves it, and returns the queued
// job id. The fixture runner is never started, so the job stays queued.
func approveToJob(t *testing.T, n *testNode) string {
	t.Helper()
	id := submitRequest(t, n)

	w := n.do(t, "POST", "/v1/requests/"+id+"/approve",
		decideBody(t, "dr.chen", ""), true)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var resp DecisionResponse
	decode(t, w, &resp)
	require.NotEmpty(t, resp.JobID)
	return resp.JobID
}

// =============================================================================
// Job Observation Tests
// =============================================================================

func TestGetJob_NotFound(t *testing.T) {
	n := newTestNode(t)

	w := n.do(t, "GET", "/v1/jobs/job-nonexistent", nil, false)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "JOB_NOT_FOUND")
}

func TestListJobs_FiltersByStatus(t *testing.T) {
	n := newTestNode(t)
	jobID := approveToJob(t, n)

	w := n.do(t, "GET", "/v1/jobs?status=queued", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Jobs  []datatypes.Job `json:"jobs"`
		Count int             `json:"count"`
	}
	decode(t, w, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, jobID, resp.Jobs[0].ID)

	w = n.do(t, "GET", "/v1/jobs?status=completed", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, 0, resp.Count)
}

func TestListJobs_RejectsUnknownStatus(t *testing.T) {
	n := newTestNode(t)

	w := n.do(t, "GET", "/v1/jobs?status=paused", nil, false)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_STATUS")
}

func TestJobLogs_QueuedJobReportsEmptyTails(t *testing.T) {
	n := newTestNode(t)
	jobID := approveToJob(t, n)

	w := n.do(t, "GET", "/v1/jobs/"+jobID+"/logs", nil, false)

	require.Equal(t, http.StatusOK, w.Code)
	var resp JobLogsResponse
	decode(t, w, &resp)
	assert.Equal(t, jobID, resp.JobID)
	assert.Equal(t, datatypes.JobQueued, resp.Status)
	assert.Empty(t, resp.Stdout)
	assert.Empty(t, resp.Stderr)
	assert.False(t, resp.Live, "a queued job has no live child")
}

func TestJobLogs_NotFound(t *testing.T) {
	n := newTestNode(t)

	w := n.do(t, "GET", "/v1/jobs/job-nonexistent/logs", nil, false)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
