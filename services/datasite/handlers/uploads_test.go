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
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// =============================================================================
// Upload Helpers
// =============================================================================

// uploadFile posts one multipart file to an upload endpoint.
func uploadFile(t *testing.T, n *testNode, path, filename, content string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest("POST", path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	w := httptest.NewRecorder()
	n.router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Script Upload Tests
// =============================================================================

func TestUploadScript_StoresFile(t *testing.T) {
	n := newTestNode(t)

	w := uploadFile(t, n, "/v1/uploads/script", "analysis.py", "print('hello')\n")

	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	var rec datatypes.UploadedFile
	decode(t, w, &rec)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "analysis.py", rec.OriginalName)
	assert.Equal(t, datatypes.UploadScript, rec.Kind)
	assert.Equal(t, int64(len("print('hello')\n")), rec.SizeBytes)
}

func TestUploadScript_RejectsDataExtension(t *testing.T) {
	n := newTestNode(t)

	w := uploadFile(t, n, "/v1/uploads/script", "cohort.csv", "a,b\n1,2\n")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_EXTENSION")
}

func TestUploadScript_MissingFilePart(t *testing.T) {
	n := newTestNode(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())

	req, _ := http.NewRequest("POST", "/v1/uploads/script", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	n.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "MISSING_FILE")
}

// =============================================================================
// Data Upload Tests
// =============================================================================

func TestUploadData_AppearsInUploadsCatalog(t *testing.T) {
	n := newTestNode(t)

	w := uploadFile(t, n, "/v1/uploads/data", "cohort.csv", "subject_id,score\nS001,3\n")
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	lw := n.do(t, "GET", "/v1/catalogs/user-uploaded-files", nil, false)
	require.Equal(t, http.StatusOK, lw.Code, "accepted data uploads surface as a catalog")
	assert.Contains(t, lw.Body.String(), "cohort.csv")
}

func TestUploadData_RejectsScriptExtension(t *testing.T) {
	n := newTestNode(t)

	w := uploadFile(t, n, "/v1/uploads/data", "sneaky.py", "import os\n")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_EXTENSION")
}

// =============================================================================
// Upload Listing Tests
// =============================================================================

func TestListUploads_FiltersByKind(t *testing.T) {
	n := newTestNode(t)
	require.Equal(t, http.StatusCreated,
		uploadFile(t, n, "/v1/uploads/script", "analysis.py", "print(1)\n").Code)
	require.Equal(t, http.StatusCreated,
		uploadFile(t, n, "/v1/uploads/data", "cohort.csv", "a,b\n1,2\n").Code)

	w := n.do(t, "GET", "/v1/uploads?kind=script", nil, false)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Uploads []datatypes.UploadedFile `json:"uploads"`
		Count   int                      `json:"count"`
	}
	decode(t, w, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, datatypes.UploadScript, resp.Uploads[0].Kind)
}

func TestListUploads_RejectsUnknownKind(t *testing.T) {
	n := newTestNode(t)

	w := n.do(t, "GET", "/v1/uploads?kind=binary", nil, false)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_KIND")
}

func TestGetUpload_NotFound(t *testing.T) {
	n := newTestNode(t)

	w := n.do(t, "GET", "/v1/uploads/up-nonexistent", nil, false)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "UPLOAD_NOT_FOUND")
}

// =============================================================================
// Submission With Uploads Tests
// =============================================================================

func TestSubmitRequest_UnknownUploadID(t *testing.T) {
	n := newTestNode(t)

	body := submitBody(t, func(m map[string]any) { m["upload_ids"] = []string{"up-missing"} })
	w := n.do(t, "POST", "/v1/requests", body, false)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "UNKNOWN_UPLOAD")
}

func TestSubmitRequest_BindsExistingUpload(t *testing.T) {
	n := newTestNode(t)

	uw := uploadFile(t, n, "/v1/uploads/data", "cohort.csv", "a,b\n1,2\n")
	require.Equal(t, http.StatusCreated, uw.Code)
	var up datatypes.UploadedFile
	decode(t, uw, &up)

	body := submitBody(t, func(m map[string]any) { m["upload_ids"] = []string{up.ID} })
	w := n.do(t, "POST", "/v1/requests", body, false)

	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	var resp SubmitRequestResponse
	decode(t, w, &resp)
	require.Len(t, resp.Request.UploadIDs, 1)
	assert.Equal(t, up.ID, resp.Request.UploadIDs[0])
}
