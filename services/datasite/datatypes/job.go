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
	"time"
)

// ErrorKind classifies failures across the node. The same kinds appear
// on API errors and on job failure records.
type ErrorKind string

const (
	// ErrKindValidation covers malformed input: unknown catalog id,
	// missing required field, disallowed extension, dangling upload id.
	ErrKindValidation ErrorKind = "validation"

	// ErrKindPolicy covers state-machine violations and unauthorized
	// decisions. Cohort-below-minimum is NOT an error kind; it surfaces
	// as a blocked result.
	ErrKindPolicy ErrorKind = "policy"

	// ErrKindResourceExhausted covers disk-full workspaces, oversized
	// uploads, and artifacts over the output cap.
	ErrKindResourceExhausted ErrorKind = "resource_exhausted"

	// ErrKindTimeout covers wall-clock and CPU limit hits.
	ErrKindTimeout ErrorKind = "timeout"

	// ErrKindChildCrash covers nonzero exits, terminating signals, and
	// a missing artifact after a zero exit.
	ErrKindChildCrash ErrorKind = "child_crash"

	// ErrKindCancelled covers operator- or requester-initiated aborts
	// of a running job.
	ErrKindCancelled ErrorKind = "cancelled"

	// ErrKindInterrupted marks jobs that were running when the node
	// process died; the restart reconciler assigns it.
	ErrKindInterrupted ErrorKind = "interrupted_before_completion"

	// ErrKindInternal covers unexpected I/O and invariant violations.
	ErrKindInternal ErrorKind = "internal"
)

// JobStatus is the execution state of a job.
//
// A job is queued from creation until an executor slot frees (the owning
// request stays approved), then running, then exactly one of completed,
// failed.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Finished reports whether the job reached a terminal status.
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed
}

// JobFailure is the structured error frozen onto a failed job. The
// payload is user-visible: messages must not contain absolute host
// paths.
type JobFailure struct {
	ExitCode   int       `json:"exit_code"`
	Signal     string    `json:"signal,omitempty"`
	Reason     ErrorKind `json:"reason"`
	Message    string    `json:"message"`
	StdoutTail string    `json:"stdout_tail,omitempty"`
	StderrTail string    `json:"stderr_tail,omitempty"`
}

// Job is the execution instance produced when an approved request runs.
// Jobs are frozen on termination and retained indefinitely; only the
// workspace directory is subject to the retention window.
type Job struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Status    JobStatus `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// ExitCode is set once the child has been collected.
	ExitCode *int `json:"exit_code,omitempty"`

	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`

	// ArtifactName is the artifact's workspace-relative path
	// (output/result.json). Absolute host paths never leave the node.
	ArtifactName string `json:"artifact_name,omitempty"`

	// RecordsProcessed is reported by the child through the reserved
	// _records_processed result key, when present.
	RecordsProcessed *int64 `json:"records_processed,omitempty"`

	ScriptSHA256 string      `json:"script_sha256,omitempty"`
	Failure      *JobFailure `json:"failure,omitempty"`
}

// ResourceLimits are the per-job sandbox caps.
type ResourceLimits struct {
	// MaxCPU is the CPU-seconds cap. Default 300s.
	MaxCPU time.Duration `json:"max_cpu"`

	// MaxWall is the wall-clock cap. Default 600s.
	MaxWall time.Duration `json:"max_wall"`

	// MaxMem is the address-space cap in bytes. Default 2 GiB.
	MaxMem int64 `json:"max_mem"`

	// MaxOut is the result artifact size cap in bytes. Default 100 MiB.
	MaxOut int64 `json:"max_out"`
}

// DefaultResourceLimits returns the standard sandbox caps.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxCPU:  300 * time.Second,
		MaxWall: 600 * time.Second,
		MaxMem:  2 << 30,   // 2 GiB
		MaxOut:  100 << 20, // 100 MiB
	}
}
