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
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/DataSite/pkg/ux"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// runReview drives the interactive pending-request console.
//
// Verdicts are collected in the TUI and submitted over HTTP only after
// the operator confirms the summary screen, so quitting mid-session
// leaves every request untouched.
func runReview(cmd *cobra.Command, args []string) {
	if !ux.IsInteractive() {
		log.Fatalf("review needs an interactive terminal; use 'sitectl requests approve' or 'sitectl requests deny' instead")
	}

	approver := strings.TrimSpace(approverID)
	if approver == "" {
		approver = strings.TrimSpace(os.Getenv("DATASITE_APPROVER"))
	}
	if approver == "" {
		form := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Reviewing as").
				Description("Identity recorded on every decision you make").
				Value(&approver).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("an approver identity is required")
					}
					return nil
				}),
		))
		if err := form.Run(); err != nil {
			log.Fatalf("Review aborted: %v", err)
		}
		approver = strings.TrimSpace(approver)
	}

	var list requestListResponse
	err := ux.WithSpinner("Fetching pending requests", func() error {
		return apiGet("/v1/requests?state=pending", &list)
	})
	if err != nil {
		os.Exit(1)
	}
	if len(list.Requests) == 0 {
		ux.Info("No requests are waiting for review.")
		return
	}

	m := newReviewModel(list.Requests, reviewConfig{Approver: approver})
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))

	finalModel, err := p.Run()
	if err != nil {
		log.Fatalf("Review console failed: %v", err)
	}

	final, ok := finalModel.(reviewModel)
	if !ok {
		log.Fatalf("Review console returned unexpected model type %T", finalModel)
	}
	if final.result == nil || final.result.Cancelled || final.result.Decisions == nil {
		ux.Info("Review abandoned; nothing was sent.")
		return
	}

	applyDecisions(approver, list.Requests, final.result.Decisions)
}

// applyDecisions submits collected verdicts in request order. Failures
// are reported and skipped over so one bad request does not strand the
// rest of the session.
func applyDecisions(approver string, requests []datatypes.AnalysisRequest, decisions map[string]*reviewDecision) {
	var approved, denied, skipped, failed int

	for i := range requests {
		rec := &requests[i]
		d := decisions[rec.ID]
		if d == nil || d.Action == actionPending || d.Action == actionSkip {
			skipped++
			continue
		}

		verb, action := "Approving", "/approve"
		if d.Action == actionDeny {
			verb, action = "Denying", "/deny"
		}

		var resp decisionResponse
		err := ux.WithSpinner(verb+" "+rec.ID, func() error {
			return apiPost("/v1/requests/"+url.PathEscape(rec.ID)+action,
				map[string]string{"approver": approver, "notes": d.Notes}, &resp)
		})
		if err != nil {
			failed++
			continue
		}

		if d.Action == actionApprove {
			approved++
			if resp.JobID != "" {
				ux.Info("Job " + resp.JobID + " queued for " + rec.ID)
			}
		} else {
			denied++
		}
	}

	fmt.Println()
	ux.Success(fmt.Sprintf("Review complete: %d approved, %d denied, %d skipped", approved, denied, skipped))
	if failed > 0 {
		ux.Error(fmt.Sprintf("%d decision(s) failed and remain pending", failed))
		os.Exit(1)
	}
}
