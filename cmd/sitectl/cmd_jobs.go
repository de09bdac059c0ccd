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
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/DataSite/pkg/ux"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

func runJobsList(cmd *cobra.Command, args []string) {
	path := "/v1/jobs"
	if jobStatusFilter != "" {
		path += "?status=" + url.QueryEscape(jobStatusFilter)
	}

	var list jobListResponse
	if err := apiGet(path, &list); err != nil {
		log.Fatalf("Failed to list jobs: %v", err)
	}

	if len(list.Jobs) == 0 {
		fmt.Println("No jobs match.")
		return
	}

	ux.Title("Jobs")
	for _, j := range list.Jobs {
		duration := ""
		if j.StartedAt != nil {
			end := time.Now()
			if j.FinishedAt != nil {
				end = *j.FinishedAt
			}
			duration = end.Sub(*j.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("%s %s  %s\n", ux.StateBadge(string(j.Status)), j.ID,
			ux.Styles.Muted.Render(fmt.Sprintf("request %s  %s", j.RequestID, duration)))
		if j.Failure != nil {
			ux.Error(fmt.Sprintf("          %s: %s", j.Failure.Reason, j.Failure.Message))
		}
	}
	ux.Muted(fmt.Sprintf("\n%d job(s)", list.Count))
}

func runJobLogs(cmd *cobra.Command, args []string) {
	id := args[0]

	var resp jobLogsResponse
	if err := apiGet("/v1/jobs/"+url.PathEscape(id)+"/logs", &resp); err != nil {
		log.Fatalf("Failed to fetch logs for %s: %v", id, err)
	}

	source := "stored"
	if resp.Live {
		source = "live"
	}
	ux.Title(fmt.Sprintf("Job %s (%s, %s tails)", resp.JobID, resp.Status, source))
	if resp.Stdout != "" {
		fmt.Println(resp.Stdout)
	}
	if resp.Stderr != "" {
		fmt.Fprintln(os.Stderr, resp.Stderr)
	}
}

// streamFrame mirrors the node's websocket frames. Log frames carry the
// full retained tail; the written counters tell the client how much is
// genuinely new.
type streamFrame struct {
	Type   string              `json:"type"`
	JobID  string              `json:"job_id"`
	Status datatypes.JobStatus `json:"status"`

	FinishedAt *time.Time            `json:"finished_at"`
	ExitCode   *int                  `json:"exit_code"`
	Failure    *datatypes.JobFailure `json:"failure"`

	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	StdoutWritten int64  `json:"stdout_written"`
	StderrWritten int64  `json:"stderr_written"`
}

func runJobTail(cmd *cobra.Command, args []string) {
	id := args[0]

	wsURL, err := streamURL(id)
	if err != nil {
		log.Fatalf("%v", err)
	}

	header := make(map[string][]string)
	if token := resolveToken(); token != "" {
		header["Authorization"] = []string{"Bearer " + token}
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		log.Fatalf("Failed to attach to job %s: %v", id, err)
	}
	defer conn.Close()

	// Detach cleanly on interrupt; the node notices the close and stops
	// pushing.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupt
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	var lastStatus datatypes.JobStatus
	var seenOut, seenErr int64
	for {
		var frame streamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			// Normal closure after the terminal frame pair.
			return
		}

		switch frame.Type {
		case "status":
			if frame.Status == lastStatus {
				continue
			}
			lastStatus = frame.Status
			line := fmt.Sprintf("job %s %s", frame.JobID, frame.Status)
			if frame.ExitCode != nil {
				line += fmt.Sprintf(" (exit %d)", *frame.ExitCode)
			}
			switch {
			case frame.Status == datatypes.JobCompleted:
				ux.Success(line)
			case frame.Status == datatypes.JobFailed:
				ux.Error(line)
				if frame.Failure != nil {
					ux.Error(fmt.Sprintf("%s: %s", frame.Failure.Reason, frame.Failure.Message))
				}
			default:
				ux.Info(line)
			}
		case "logs":
			printTailDelta(os.Stdout, frame.Stdout, frame.StdoutWritten, &seenOut)
			printTailDelta(os.Stderr, frame.Stderr, frame.StderrWritten, &seenErr)
		}
	}
}

// printTailDelta writes only the bytes the client has not shown yet.
// When more was written than the tail retains, the gap is gone for
// good; the whole tail is printed and the counter resynced.
func printTailDelta(w *os.File, tail string, written int64, seen *int64) {
	if written <= *seen {
		return
	}
	fresh := written - *seen
	*seen = written
	if fresh >= int64(len(tail)) {
		fmt.Fprint(w, tail)
		return
	}
	fmt.Fprint(w, tail[int64(len(tail))-fresh:])
}

// streamURL converts the node base URL into the websocket endpoint for
// a job.
func streamURL(jobID string) (string, error) {
	base := nodeBaseURL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "", fmt.Errorf("unsupported server URL scheme: %s", base)
	}
	return base + "/v1/jobs/" + url.PathEscape(jobID) + "/stream", nil
}
