// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/DataSite/services/datasite/audit"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// Response mirrors for the node's JSON envelopes.

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type catalogListResponse struct {
	Catalogs []datatypes.Catalog `json:"catalogs"`
	Count    int                 `json:"count"`
}

type requestListResponse struct {
	Requests []datatypes.AnalysisRequest `json:"requests"`
	Count    int                         `json:"count"`
}

type jobListResponse struct {
	Jobs  []datatypes.Job `json:"jobs"`
	Count int             `json:"count"`
}

type decisionResponse struct {
	Request datatypes.AnalysisRequest `json:"request"`
	JobID   string                    `json:"job_id"`
}

type jobLogsResponse struct {
	JobID  string              `json:"job_id"`
	Status datatypes.JobStatus `json:"status"`
	Stdout string              `json:"stdout"`
	Stderr string              `json:"stderr"`
	Live   bool                `json:"live"`
}

type healthResponse struct {
	Status      string    `json:"status"`
	NodeID      string    `json:"node_id"`
	Name        string    `json:"name"`
	Institution string    `json:"institution"`
	Contact     string    `json:"contact"`
	Version     string    `json:"version"`
	Time        time.Time `json:"time"`
}

type resultsResponse struct {
	RequestID string             `json:"request_id"`
	Results   []datatypes.Result `json:"results"`
	Count     int                `json:"count"`
}

type auditResponse struct {
	Events []audit.Event `json:"events"`
	Count  int           `json:"count"`
}

// nodeBaseURL resolves the node address from the flag, then the
// environment, then the local default.
func nodeBaseURL() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	if env := os.Getenv("DATASITE_SERVER"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return "http://localhost:8443"
}

// resolveToken resolves the operator token from the flag or environment.
// Empty means unauthenticated; operator endpoints will refuse.
func resolveToken() string {
	if operatorToken != "" {
		return operatorToken
	}
	return os.Getenv("DATASITE_OPERATOR_TOKEN")
}

var apiClient = &http.Client{Timeout: 60 * time.Second}

// apiGet fetches path and decodes the JSON response into out.
func apiGet(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, nodeBaseURL()+path, nil)
	if err != nil {
		return err
	}
	if token := resolveToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("node unreachable at %s: %w", nodeBaseURL(), err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// apiPost sends body as JSON to path and decodes the response into out.
func apiPost(path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, nodeBaseURL()+path, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := resolveToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("node unreachable at %s: %w", nodeBaseURL(), err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// decodeResponse maps node errors onto readable messages and decodes
// successful payloads.
func decodeResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Code != "" {
				return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("node returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unexpected response from node: %w", err)
	}
	return nil
}
