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
	"log"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/DataSite/pkg/ux"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

func runRequestsList(cmd *cobra.Command, args []string) {
	query := url.Values{}
	if stateFilter != "" {
		query.Set("state", stateFilter)
	}
	if catalogFilter != "" {
		query.Set("catalog_id", catalogFilter)
	}
	if requesterFilter != "" {
		query.Set("requester", requesterFilter)
	}
	path := "/v1/requests"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var list requestListResponse
	if err := apiGet(path, &list); err != nil {
		log.Fatalf("Failed to list requests: %v", err)
	}

	if len(list.Requests) == 0 {
		fmt.Println("No requests match.")
		return
	}

	ux.Title("Analysis Requests")
	var pending, active, terminal int
	for _, r := range list.Requests {
		switch r.State {
		case datatypes.StateSubmitted, datatypes.StatePending:
			pending++
		case datatypes.StateApproved, datatypes.StateRunning:
			active++
		default:
			terminal++
		}
		fmt.Printf("%s %s  %s\n", ux.StateBadge(string(r.State)), r.ID, r.Title)
		ux.Muted(fmt.Sprintf("          %s  %s  %s  %s",
			r.CatalogID, r.Requester.Email, r.Priority, r.CreatedAt.Local().Format(time.RFC822)))
	}
	ux.RequestSummary(pending, active, terminal)
}

func runRequestsShow(cmd *cobra.Command, args []string) {
	id := args[0]

	var rec datatypes.AnalysisRequest
	if err := apiGet("/v1/requests/"+url.PathEscape(id), &rec); err != nil {
		log.Fatalf("Failed to fetch request %s: %v", id, err)
	}

	printRequestDetail(&rec)
}

func printRequestDetail(rec *datatypes.AnalysisRequest) {
	ux.Title(rec.Title)
	ux.KeyValue("ID", rec.ID)
	fmt.Printf("  %s %s\n", ux.Styles.Muted.Render(fmt.Sprintf("%-14s", "State:")), ux.StateBadge(string(rec.State)))
	ux.KeyValue("Catalog", rec.CatalogID)
	ux.KeyValue("Requester", fmt.Sprintf("%s <%s>, %s", rec.Requester.Name, rec.Requester.Email, rec.Requester.Institution))
	ux.KeyValue("Kind", string(rec.Kind))
	ux.KeyValue("Priority", string(rec.Priority))
	ux.KeyValue("Submitted", rec.CreatedAt.Local().Format(time.RFC822))
	if rec.State == datatypes.StatePending && !rec.ExpiresAt.IsZero() {
		ux.KeyValue("Review by", rec.ExpiresAt.Local().Format(time.RFC822))
	}
	if rec.Description != "" {
		ux.KeyValue("Description", rec.Description)
	}
	if rec.ResearchQuestion != "" {
		ux.KeyValue("Question", rec.ResearchQuestion)
	}
	if rec.Methodology != "" {
		ux.KeyValue("Methodology", rec.Methodology)
	}
	if rec.Decision != nil {
		ux.KeyValue("Decision", fmt.Sprintf("%s by %s at %s",
			rec.Decision.Decision, rec.Decision.Approver,
			rec.Decision.DecidedAt.Local().Format(time.RFC822)))
		if rec.Decision.Notes != "" {
			ux.KeyValue("Notes", rec.Decision.Notes)
		}
	}
	if rec.JobID != "" {
		ux.KeyValue("Job", rec.JobID)
	}

	if len(rec.Warnings) > 0 {
		fmt.Println()
		ux.Title("Script Warnings")
		for _, w := range rec.Warnings {
			ux.Warning(fmt.Sprintf("line %d: %s", w.Line, w.Message))
		}
	}

	if rec.ScriptBody != "" {
		fmt.Println()
		ux.Title(fmt.Sprintf("Script (%s, sha256 %.12s)", rec.ScriptType, rec.ScriptSHA256))
		fmt.Println(rec.ScriptBody)
	}
}

// collectDecision fills the approver and notes, prompting interactively
// when the flags are absent and a terminal is attached.
func collectDecision(verb string) (approver, notes string, err error) {
	approver = approverID
	if approver == "" {
		approver = os.Getenv("DATASITE_APPROVER")
	}
	notes = decisionNotes

	if approver != "" {
		return approver, notes, nil
	}
	if !ux.IsInteractive() {
		return "", "", fmt.Errorf("--as is required (or set DATASITE_APPROVER)")
	}

	var confirmed bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Deciding as").
			Description("Identity recorded on the decision and audit trail").
			Value(&approver).
			Validate(func(s string) error {
				if s == "" {
					return fmt.Errorf("approver identity is required")
				}
				return nil
			}),
		huh.NewText().
			Title("Notes").
			Description("Optional rationale, visible to the requester").
			Value(&notes),
		huh.NewConfirm().
			Title(fmt.Sprintf("Submit %s?", verb)).
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return "", "", err
	}
	if !confirmed {
		return "", "", fmt.Errorf("aborted")
	}
	return approver, notes, nil
}

func runApprove(cmd *cobra.Command, args []string) {
	id := args[0]
	approver, notes, err := collectDecision("approval")
	if err != nil {
		log.Fatalf("%v", err)
	}

	var resp decisionResponse
	err = ux.WithSpinner("Approving "+id, func() error {
		return apiPost("/v1/requests/"+url.PathEscape(id)+"/approve",
			map[string]string{"approver": approver, "notes": notes}, &resp)
	})
	if err != nil {
		os.Exit(1)
	}
	if resp.JobID != "" {
		ux.Info("Job " + resp.JobID + " queued")
	}
}

func runDeny(cmd *cobra.Command, args []string) {
	id := args[0]
	approver, notes, err := collectDecision("denial")
	if err != nil {
		log.Fatalf("%v", err)
	}

	var resp decisionResponse
	err = ux.WithSpinner("Denying "+id, func() error {
		return apiPost("/v1/requests/"+url.PathEscape(id)+"/deny",
			map[string]string{"approver": approver, "notes": notes}, &resp)
	})
	if err != nil {
		os.Exit(1)
	}
}

func runCancel(cmd *cobra.Command, args []string) {
	id := args[0]
	requester := cancelRequester
	if requester == "" {
		log.Fatalf("--requester is required: cancellations are recorded against the requester")
	}

	// The node answers with the withdrawn request for a pending cancel,
	// or a cancelling acknowledgement for a running job.
	var resp map[string]any
	err := ux.WithSpinner("Cancelling "+id, func() error {
		return apiPost("/v1/requests/"+url.PathEscape(id)+"/cancel",
			map[string]string{"requester": requester}, &resp)
	})
	if err != nil {
		os.Exit(1)
	}
	if status, ok := resp["status"].(string); ok && status == "cancelling" {
		ux.Info("Cancel signalled to the running job; it will be collected shortly")
	}
}

func runResults(cmd *cobra.Command, args []string) {
	id := args[0]

	// The admin view includes blocked rows and their reasons; the
	// public endpoint only ever returns released rows.
	var resp resultsResponse
	if err := apiGet("/v1/admin/requests/"+url.PathEscape(id)+"/results", &resp); err != nil {
		log.Fatalf("Failed to fetch results for %s: %v", id, err)
	}

	if len(resp.Results) == 0 {
		fmt.Println("No results stored yet.")
		return
	}

	ux.Title(fmt.Sprintf("Results for %s", id))
	for _, row := range resp.Results {
		label := row.Type
		if label == "" {
			label = fmt.Sprintf("result %d", row.Seq)
		}
		if row.Released {
			fmt.Printf("%s %s\n", ux.IconSuccess.Render(), ux.Styles.Bold.Render(label))
		} else {
			fmt.Printf("%s %s %s\n", ux.IconError.Render(), ux.Styles.Bold.Render(label),
				ux.Styles.Error.Render("(blocked: "+row.BlockedReason+")"))
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, row.Payload, "  ", "  "); err == nil {
			fmt.Printf("  %s\n", pretty.String())
		} else {
			fmt.Printf("  %s\n", string(row.Payload))
		}
	}
	ux.Muted(fmt.Sprintf("\n%d row(s)", resp.Count))
}
