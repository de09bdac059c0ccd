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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/DataSite/pkg/ux"
)

func runNodeStatus(cmd *cobra.Command, args []string) {
	var health healthResponse
	err := ux.WithSpinner("Contacting "+nodeBaseURL(), func() error {
		return apiGet("/v1/health", &health)
	})
	if err != nil {
		log.Fatalf("Node is unreachable")
	}

	ready := "ready"
	if err := apiGet("/v1/ready", nil); err != nil {
		ready = "NOT READY: " + err.Error()
	}

	content := fmt.Sprintf("ID:          %s\nInstitution: %s\nContact:     %s\nVersion:     %s\nReadiness:   %s\nClock skew:  %s",
		health.NodeID,
		health.Institution,
		health.Contact,
		health.Version,
		ready,
		time.Since(health.Time).Round(time.Second),
	)
	name := health.Name
	if name == "" {
		name = health.NodeID
	}
	ux.Box(name, content)
}

func runAudit(cmd *cobra.Command, args []string) {
	path := "/v1/admin/audit"
	if auditRequestID != "" {
		path += "?request_id=" + url.QueryEscape(auditRequestID)
	}

	var resp auditResponse
	if err := apiGet(path, &resp); err != nil {
		log.Fatalf("Failed to read audit trail: %v", err)
	}

	if len(resp.Events) == 0 {
		fmt.Println("No audit events recorded.")
		return
	}

	ux.Title("Audit Trail")
	for _, ev := range resp.Events {
		transition := ""
		if ev.PrevState != "" || ev.NewState != "" {
			transition = fmt.Sprintf("  %s %s %s", ev.PrevState, ux.IconArrow, ev.NewState)
		}
		fmt.Printf("%s  %s  %s%s\n",
			ux.Styles.Muted.Render(ev.Timestamp.Local().Format(time.RFC3339)),
			ux.Styles.Bold.Render(fmt.Sprintf("%-18s", ev.EventType)),
			ev.Actor, transition)
		if ev.RequestID != "" || ev.Notes != "" {
			ux.Muted(fmt.Sprintf("          request=%s  %s", ev.RequestID, ev.Notes))
		}
	}
	ux.Muted(fmt.Sprintf("\n%d event(s)", resp.Count))
}
