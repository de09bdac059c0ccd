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
	"github.com/AleutianAI/DataSite/pkg/ux"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL        string
	operatorToken    string
	personalityLevel string // UX output level (full/standard/minimal/machine)

	stateFilter     string
	catalogFilter   string
	requesterFilter string

	approverID    string
	decisionNotes string

	cancelRequester string

	jobStatusFilter string

	auditRequestID string

	rootCmd = &cobra.Command{
		Use:   "sitectl",
		Short: "Operator console for a DataSite node",
		Long: `sitectl manages a running DataSite node over its HTTP API:
				review and decide analysis requests, inspect catalogs and jobs,
				and read the audit trail.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	// --- Catalogs ---
	catalogsCmd = &cobra.Command{
		Use:   "catalogs",
		Short: "Inspect the catalogs this node exposes",
	}
	catalogsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List catalogs visible to clients",
		Run:   runCatalogsList, // Defined in cmd_catalogs.go
	}
	catalogsShowCmd = &cobra.Command{
		Use:   "show [catalog_id]",
		Short: "Show one catalog with its files and schemas",
		Args:  cobra.ExactArgs(1),
		Run:   runCatalogsShow, // Defined in cmd_catalogs.go
	}

	// --- Requests ---
	requestsCmd = &cobra.Command{
		Use:   "requests",
		Short: "Inspect and decide analysis requests",
	}
	requestsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List analysis requests, optionally filtered by state",
		Run:   runRequestsList, // Defined in cmd_requests.go
	}
	requestsShowCmd = &cobra.Command{
		Use:   "show [request_id]",
		Short: "Show one request with its script and warnings",
		Args:  cobra.ExactArgs(1),
		Run:   runRequestsShow, // Defined in cmd_requests.go
	}
	approveCmd = &cobra.Command{
		Use:   "approve [request_id]",
		Short: "Approve a pending request and queue its job",
		Args:  cobra.ExactArgs(1),
		Run:   runApprove, // Defined in cmd_requests.go
	}
	denyCmd = &cobra.Command{
		Use:   "deny [request_id]",
		Short: "Deny a pending request",
		Args:  cobra.ExactArgs(1),
		Run:   runDeny, // Defined in cmd_requests.go
	}
	cancelCmd = &cobra.Command{
		Use:   "cancel [request_id]",
		Short: "Cancel a request on behalf of its requester",
		Args:  cobra.ExactArgs(1),
		Run:   runCancel, // Defined in cmd_requests.go
	}
	resultsCmd = &cobra.Command{
		Use:   "results [request_id]",
		Short: "Show a request's stored results, blocked rows included",
		Args:  cobra.ExactArgs(1),
		Run:   runResults, // Defined in cmd_requests.go
	}

	// --- Interactive review ---
	reviewCmd = &cobra.Command{
		Use:   "review",
		Short: "Review pending requests interactively and submit decisions",
		Run:   runReview, // Defined in cmd_review.go
	}

	// --- Jobs ---
	jobsCmd = &cobra.Command{
		Use:   "jobs",
		Short: "Inspect sandbox jobs",
	}
	jobsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status",
		Run:   runJobsList, // Defined in cmd_jobs.go
	}
	jobsLogsCmd = &cobra.Command{
		Use:   "logs [job_id]",
		Short: "Print the retained output tails of a job",
		Args:  cobra.ExactArgs(1),
		Run:   runJobLogs, // Defined in cmd_jobs.go
	}
	jobsTailCmd = &cobra.Command{
		Use:   "tail [job_id]",
		Short: "Follow a job's status and output live",
		Args:  cobra.ExactArgs(1),
		Run:   runJobTail, // Defined in cmd_jobs.go
	}

	// --- Node ---
	nodeCmd = &cobra.Command{
		Use:   "node",
		Short: "Node-level operations",
	}
	nodeStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show node identity, readiness, and version",
		Run:   runNodeStatus, // Defined in cmd_node.go
	}

	// --- Audit ---
	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Read the node's audit trail (operator only)",
		Run:   runAudit, // Defined in cmd_node.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"Node base URL (default: $DATASITE_SERVER or http://localhost:8443)")
	rootCmd.PersistentFlags().StringVar(&operatorToken, "token", "",
		"Operator token (default: $DATASITE_OPERATOR_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full, standard, minimal, or machine (scripting)")

	rootCmd.AddCommand(catalogsCmd)
	catalogsCmd.AddCommand(catalogsListCmd)
	catalogsCmd.AddCommand(catalogsShowCmd)

	rootCmd.AddCommand(requestsCmd)
	requestsCmd.AddCommand(requestsListCmd)
	requestsListCmd.Flags().StringVar(&stateFilter, "state", "",
		"Filter by state (pending, approved, running, completed, denied, expired, failed)")
	requestsListCmd.Flags().StringVar(&catalogFilter, "catalog", "", "Filter by catalog ID")
	requestsListCmd.Flags().StringVar(&requesterFilter, "requester", "", "Filter by requester email")
	requestsCmd.AddCommand(requestsShowCmd)
	requestsCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringVar(&approverID, "as", "", "Approver identity recorded on the decision")
	approveCmd.Flags().StringVar(&decisionNotes, "notes", "", "Decision notes recorded on the request")
	requestsCmd.AddCommand(denyCmd)
	denyCmd.Flags().StringVar(&approverID, "as", "", "Approver identity recorded on the decision")
	denyCmd.Flags().StringVar(&decisionNotes, "notes", "", "Decision notes recorded on the request")
	requestsCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().StringVar(&cancelRequester, "requester", "", "Requester email the cancellation is made for")
	requestsCmd.AddCommand(resultsCmd)

	rootCmd.AddCommand(reviewCmd)
	reviewCmd.Flags().StringVar(&approverID, "as", "", "Approver identity recorded on decisions")

	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsListCmd.Flags().StringVar(&jobStatusFilter, "status", "",
		"Filter by status (queued, running, completed, failed)")
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsTailCmd)

	rootCmd.AddCommand(nodeCmd)
	nodeCmd.AddCommand(nodeStatusCmd)

	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVar(&auditRequestID, "request", "", "Limit the trail to one request ID")
}
