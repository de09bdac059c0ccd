// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs executes approved analysis requests. A fixed pool of
// executor slots drains a priority queue; each job gets a disposable
// workspace, a sandboxed child process, and a privacy-gated collection
// pass that turns artifact documents into stored results.
//
// The runner owns the whole job lifecycle: queued -> running ->
// completed|failed on the job record, mirrored onto the owning request.
// Node shutdown and requester cancellation travel through the same
// context plumbing but are recorded as different failure kinds.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/DataSite/services/datasite/audit"
	"github.com/AleutianAI/DataSite/services/datasite/catalog"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	"github.com/AleutianAI/DataSite/services/datasite/loader"
	"github.com/AleutianAI/DataSite/services/datasite/privacy"
	"github.com/AleutianAI/DataSite/services/datasite/requests"
	"github.com/AleutianAI/DataSite/services/datasite/results"
	"github.com/AleutianAI/DataSite/services/datasite/uploads"
)

const (
	// DefaultSlots is the executor pool size when the config leaves it
	// unset.
	DefaultSlots = 2

	// DefaultRetention is how long finished workspaces are kept before
	// the sweeper removes them.
	DefaultRetention = 24 * time.Hour

	// sweepInterval spaces retention scans of the workspace root.
	sweepInterval = time.Hour
)

// ErrJobNotRunning is returned by Cancel when the job has no live child
// to signal. Queued jobs are cancelled through their request, finished
// jobs not at all.
var ErrJobNotRunning = errors.New("job is not running")

// RunnerConfig sizes the executor pool and the per-job sandbox.
type RunnerConfig struct {
	// WorkDir is the root under which per-job workspaces are built.
	WorkDir string

	// Slots is the number of jobs executed concurrently. Default 2.
	Slots int

	// Limits are the sandbox caps applied to every child.
	Limits datatypes.ResourceLimits

	// Retention is how long finished workspaces survive. Default 24h.
	Retention time.Duration
}

// Deps are the stores and services the runner drives. All are required
// except Uploads, which may be nil on nodes that accept no uploads.
type Deps struct {
	Jobs     *Store
	Requests *requests.Store
	Results  *results.Store
	Registry *catalog.Registry
	Uploads  *uploads.Store
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithAuditLogger routes result release/block decisions to the audit
// trail. Job and request transitions are audited by their stores.
func WithAuditLogger(l audit.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.audit = l
		}
	}
}

// WithSampler attaches a resource-usage sampler polled while children
// run.
func WithSampler(s *UsageSampler) RunnerOption {
	return func(r *Runner) {
		r.sampler = s
	}
}

// activeJob is the live handle for a job currently occupying a slot:
// its cancel cause func and the output rings the child writes into.
type activeJob struct {
	cancel context.CancelCauseFunc
	stdout *Ring
	stderr *Ring
}

// Runner drains the job queue with a fixed pool of executor slots.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Runner struct {
	cfg RunnerConfig

	jobs     *Store
	requests *requests.Store
	results  *results.Store
	registry *catalog.Registry
	uploads  *uploads.Store

	audit   audit.Logger
	sampler *UsageSampler
	logger  *slog.Logger

	queue  *queue
	gauges metric.Registration

	mu      sync.Mutex
	active  map[string]*activeJob
	started bool

	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup
}

// NewRunner wires a runner. Call Start to bring up the pool.
func NewRunner(cfg RunnerConfig, deps Deps, opts ...RunnerOption) *Runner {
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.Limits == (datatypes.ResourceLimits{}) {
		cfg.Limits = datatypes.DefaultResourceLimits()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	r := &Runner{
		cfg:      cfg,
		jobs:     deps.Jobs,
		requests: deps.Requests,
		results:  deps.Results,
		registry: deps.Registry,
		uploads:  deps.Uploads,
		audit:    audit.NopLogger{},
		logger:   slog.Default(),
		queue:    newQueue(),
		active:   make(map[string]*activeJob),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start brings up the executor slots and the retention sweeper. The
// runner's lifetime is ended by Stop, not by a caller context: shutdown
// has to be distinguishable from per-job cancellation, and both flow
// through the job context's cancel cause.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.baseCtx, r.stop = context.WithCancelCause(context.Background())
	r.mu.Unlock()

	if err := initMetrics(); err != nil {
		r.logger.Warn("job metrics not registered", "error", err)
	}
	r.registerGauges()

	for i := 0; i < r.cfg.Slots; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.wg.Add(1)
	go r.retentionLoop()

	r.logger.Info("job runner started",
		slog.Int("slots", r.cfg.Slots),
		slog.String("work_dir", r.cfg.WorkDir),
		slog.Duration("max_wall", r.cfg.Limits.MaxWall),
	)
}

// Stop drains the runner. Running children are terminated and recorded
// as interrupted; queued jobs stay queued in the store and are re-pushed
// by Resume on the next boot. Blocks until every slot has exited.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	stop := r.stop
	r.mu.Unlock()

	stop(errShutdown)
	r.queue.close()
	r.wg.Wait()

	if r.gauges != nil {
		if err := r.gauges.Unregister(); err != nil {
			r.logger.Warn("runner gauges not unregistered", "error", err)
		}
		r.gauges = nil
	}
	if r.sampler != nil {
		r.sampler.Close()
	}
	r.logger.Info("job runner stopped")
}

// Enqueue creates a job for an approved request and queues it for the
// next free slot. Expedited requests (high/urgent priority) jump ahead
// of the normal band.
func (r *Runner) Enqueue(ctx context.Context, req datatypes.AnalysisRequest) (datatypes.Job, error) {
	if req.State != datatypes.StateApproved {
		return datatypes.Job{}, fmt.Errorf("request %s is %s, not approved", req.ID, req.State)
	}

	job, err := r.jobs.Create(ctx, req.ID, req.ScriptSHA256)
	if err != nil {
		return datatypes.Job{}, fmt.Errorf("create job: %w", err)
	}
	r.queue.push(job.ID, req.ID, req.Priority.Expedited())

	r.logger.Info("job queued",
		slog.String("job_id", job.ID),
		slog.String("request_id", req.ID),
		slog.Bool("expedited", req.Priority.Expedited()),
		slog.Int("queue_depth", r.queue.depth()),
	)
	return job, nil
}

// Cancel aborts a running job: SIGTERM to the child's process group, a
// grace window, then SIGKILL. The job is recorded as failed/cancelled
// through the normal collection path. Returns ErrJobNotRunning when the
// job has no live child here.
func (r *Runner) Cancel(jobID string) error {
	r.mu.Lock()
	live, ok := r.active[jobID]
	r.mu.Unlock()
	if !ok {
		return ErrJobNotRunning
	}
	live.cancel(errCancelRequested)
	return nil
}

// LiveOutput returns the output rings of a running job so stream
// handlers can snapshot them while the child writes. Returns false once
// the job has left its slot; callers fall back to the stored tails.
func (r *Runner) LiveOutput(jobID string) (stdout, stderr *Ring, ok bool) {
	r.mu.Lock()
	live, found := r.active[jobID]
	r.mu.Unlock()
	if !found {
		return nil, nil, false
	}
	return live.stdout, live.stderr, true
}

// Resume restores queue state after a restart: jobs found running are
// reconciled to failed (the child is gone), jobs found queued are
// re-pushed, and approved requests that never got a job get one now.
func (r *Runner) Resume(ctx context.Context) error {
	interrupted, err := r.jobs.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile jobs: %w", err)
	}
	if len(interrupted) > 0 {
		r.logger.Warn("jobs interrupted by restart", slog.Int("count", len(interrupted)))
	}

	queued, err := r.jobs.List(ctx, datatypes.JobQueued)
	if err != nil {
		return fmt.Errorf("list queued jobs: %w", err)
	}
	haveJob := make(map[string]bool, len(queued))
	for _, job := range queued {
		req, err := r.requests.Get(ctx, job.RequestID)
		if err != nil {
			r.logger.Warn("queued job has no request",
				slog.String("job_id", job.ID),
				slog.String("request_id", job.RequestID),
				slog.Any("error", err),
			)
			continue
		}
		haveJob[job.RequestID] = true
		r.queue.push(job.ID, job.RequestID, req.Priority.Expedited())
	}

	approved, err := r.requests.List(ctx, datatypes.RequestFilter{State: datatypes.StateApproved})
	if err != nil {
		return fmt.Errorf("list approved requests: %w", err)
	}
	for _, req := range approved {
		if haveJob[req.ID] {
			continue
		}
		if _, err := r.Enqueue(ctx, req); err != nil {
			r.logger.Warn("approved request not requeued",
				slog.String("request_id", req.ID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (r *Runner) worker(slot int) {
	defer r.wg.Done()
	r.logger.Debug("executor slot started", slog.Int("slot", slot))
	for {
		item, ok := r.queue.pop()
		if !ok {
			return
		}
		// pop can still yield items after close; leave them queued in
		// the store for the next boot's Resume.
		if r.baseCtx.Err() != nil {
			return
		}
		r.runJob(item)
	}
}

// runJob drives one job end to end. Every failure before the child
// starts is recorded as a job failure too, so a queued job always
// reaches a terminal status.
func (r *Runner) runJob(item queueItem) {
	ctx, span := tracer.Start(r.baseCtx, "job.run",
		trace.WithAttributes(
			attribute.String("job.id", item.jobID),
			attribute.String("request.id", item.requestID),
		),
	)
	defer span.End()

	// State writes must survive cancellation: a killed job still gets
	// its terminal status persisted.
	persist := context.WithoutCancel(ctx)

	req, err := r.requests.Get(persist, item.requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request unavailable")
		r.failJob(persist, item.jobID, "", datatypes.ErrKindInternal, "request record unavailable")
		return
	}
	if req.State != datatypes.StateApproved {
		span.SetStatus(codes.Error, "request not approved")
		r.failJob(persist, item.jobID, "", datatypes.ErrKindPolicy,
			fmt.Sprintf("request is %s, not approved", req.State))
		return
	}

	// The request moves first: once it is running, every later failure
	// is a legal running -> failed transition.
	if req, err = r.requests.MarkRunning(persist, req.ID, item.jobID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request transition rejected")
		r.failJob(persist, item.jobID, "", datatypes.ErrKindPolicy, "request could not enter running state")
		return
	}
	job, err := r.jobs.MarkRunning(persist, item.jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job transition rejected")
		r.failJob(persist, item.jobID, req.ID, datatypes.ErrKindInternal, "job record unavailable")
		return
	}

	recordStart(ctx)
	r.logger.Info("job started",
		slog.String("job_id", job.ID),
		slog.String("request_id", req.ID),
		slog.String("catalog", req.CatalogID),
		slog.String("script_type", string(req.ScriptType)),
	)

	cat, err := r.registry.Get(persist, req.CatalogID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "catalog unavailable")
		r.failJob(persist, job.ID, req.ID, datatypes.ErrKindInternal, "catalog no longer available")
		return
	}

	ws, err := r.buildWorkspace(persist, job, req, cat)
	if err != nil {
		// The error may carry host paths; it goes to the log, not to
		// the user-visible failure.
		r.logger.Error("workspace build failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "workspace build failed")
		r.failJob(persist, job.ID, req.ID, datatypes.ErrKindInternal, "failed to prepare workspace")
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	live := &activeJob{
		cancel: cancel,
		stdout: NewRing(DefaultRingBytes),
		stderr: NewRing(DefaultRingBytes),
	}
	r.mu.Lock()
	r.active[job.ID] = live
	r.mu.Unlock()
	defer func() {
		cancel(nil)
		r.mu.Lock()
		delete(r.active, job.ID)
		r.mu.Unlock()
	}()

	out, err := r.supervise(jobCtx, ws, job.ID, req.ScriptType, r.cfg.Limits, live)
	if err != nil {
		r.logger.Error("child launch failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "child launch failed")
		r.failJob(persist, job.ID, req.ID, datatypes.ErrKindInternal, "analysis runtime unavailable")
		return
	}

	r.collect(persist, job.ID, req, cat, ws, out)
	if out.kind != "" {
		span.SetStatus(codes.Error, string(out.kind))
	}
}

// failJob freezes a failure onto the job and, when the owning request
// already reached running, onto the request. Covers failures outside
// the child's own run; collect handles child outcomes.
func (r *Runner) failJob(ctx context.Context, jobID, requestID string, kind datatypes.ErrorKind, message string) {
	failure := datatypes.JobFailure{ExitCode: -1, Reason: kind, Message: message}
	if _, err := r.jobs.MarkFailed(ctx, jobID, failure); err != nil {
		r.logger.Error("job not marked failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
	if requestID != "" {
		if _, err := r.requests.MarkFailed(ctx, requestID, message); err != nil {
			r.logger.Error("request not marked failed",
				slog.String("request_id", requestID),
				slog.Any("error", err),
			)
		}
	}
	recordOutcome(ctx, string(kind), 0)
}

// collect turns a child outcome into terminal state: failures are
// frozen with their output tails, successes have their artifact parsed,
// privacy-gated document by document, and stored as result rows.
func (r *Runner) collect(ctx context.Context, jobID string, req datatypes.AnalysisRequest, cat datatypes.Catalog, ws workspace, out childOutcome) {
	stdoutTail := out.stdout.String()
	stderrTail := out.stderr.String()

	fail := func(kind datatypes.ErrorKind, message string) {
		failure := datatypes.JobFailure{
			ExitCode:   out.exitCode,
			Signal:     out.signal,
			Reason:     kind,
			Message:    message,
			StdoutTail: stdoutTail,
			StderrTail: stderrTail,
		}
		if _, err := r.jobs.MarkFailed(ctx, jobID, failure); err != nil {
			r.logger.Error("job not marked failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
		if _, err := r.requests.MarkFailed(ctx, req.ID, message); err != nil {
			r.logger.Error("request not marked failed", slog.String("request_id", req.ID), slog.Any("error", err))
		}
		r.logger.Warn("job failed",
			slog.String("job_id", jobID),
			slog.String("request_id", req.ID),
			slog.String("reason", string(kind)),
			slog.String("message", message),
			slog.Int("exit_code", out.exitCode),
			slog.Duration("wall", out.wall.Round(time.Millisecond)),
			slog.Duration("cpu", out.cpu.Round(time.Millisecond)),
		)
		recordOutcome(ctx, string(kind), out.wall)
	}

	if out.kind != "" {
		fail(out.kind, out.message)
		return
	}

	if fi, err := os.Stat(ws.artifact); err == nil && fi.Size() > r.cfg.Limits.MaxOut {
		fail(datatypes.ErrKindResourceExhausted,
			fmt.Sprintf("result artifact exceeds the %d MiB limit", r.cfg.Limits.MaxOut>>20))
		return
	}

	docs, err := loader.ReadResults(ws.artifact)
	if err != nil {
		r.logger.Warn("artifact parse failed", slog.String("job_id", jobID), slog.Any("error", err))
		fail(datatypes.ErrKindChildCrash, "result artifact is not valid JSON")
		return
	}

	var (
		records  *int64
		released int
		blocked  int
	)
	for _, doc := range docs {
		if n, ok := recordsProcessed(doc); ok {
			v := n
			records = &v
		}
		r.ingest(ctx, jobID, req.ID, cat, doc, &released, &blocked)
	}

	comp := Completion{
		ExitCode:     out.exitCode,
		StdoutTail:   stdoutTail,
		StderrTail:   stderrTail,
		ArtifactName: ArtifactName,
		Records:      records,
	}
	if _, err := r.jobs.MarkCompleted(ctx, jobID, comp); err != nil {
		r.logger.Error("job not marked completed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	if _, err := r.requests.MarkCompleted(ctx, req.ID); err != nil {
		r.logger.Error("request not marked completed", slog.String("request_id", req.ID), slog.Any("error", err))
	}

	r.logger.Info("job completed",
		slog.String("job_id", jobID),
		slog.String("request_id", req.ID),
		slog.Int("results", len(docs)),
		slog.Int("released", released),
		slog.Int("blocked", blocked),
		slog.Duration("wall", out.wall.Round(time.Millisecond)),
		slog.Duration("cpu", out.cpu.Round(time.Millisecond)),
	)
	recordOutcome(ctx, "", out.wall)
}

// ingest gates and stores one artifact document. Released payloads are
// rounded to DefaultPrecision decimals; blocked payloads are stored
// verbatim for the admin view with the cohort observations attached.
func (r *Runner) ingest(ctx context.Context, jobID, requestID string, cat datatypes.Catalog, doc json.RawMessage, released, blocked *int) {
	res := datatypes.Result{
		RequestID: requestID,
		JobID:     jobID,
		Type:      resultType(doc),
		Payload:   doc,
	}

	verdict := privacy.Evaluate(doc, cat.MinCohort, cat.PrivacyLevel == datatypes.PrivacyHigh)
	if verdict.Released {
		res.Released = true
		rounded, err := privacy.RoundPayload(doc, privacy.DefaultPrecision)
		if err == nil {
			res.Payload = rounded
		} else {
			r.logger.Warn("payload rounding failed, storing raw value",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	} else {
		res.BlockedReason = datatypes.BlockedReasonCohort
		res.MinCohort = cat.MinCohort
		res.ObservedCohort = verdict.Observed
	}

	stored, err := r.results.Append(ctx, res)
	if err != nil {
		r.logger.Error("result not stored",
			slog.String("job_id", jobID),
			slog.String("request_id", requestID),
			slog.Any("error", err),
		)
		return
	}

	event := audit.Event{
		EventType: audit.EventResultRelease,
		Actor:     "system",
		RequestID: requestID,
		Outcome:   "success",
		Metadata:  map[string]any{"job_id": jobID, "seq": stored.Seq},
	}
	if verdict.Released {
		*released++
	} else {
		*blocked++
		event.EventType = audit.EventResultBlock
		event.Outcome = "blocked"
		if verdict.Observed != nil {
			event.Notes = fmt.Sprintf("cohort %d below minimum %d", *verdict.Observed, cat.MinCohort)
		} else {
			event.Notes = "no cohort reported on a high-privacy catalog"
		}
	}
	if err := r.audit.Log(ctx, event); err != nil {
		r.logger.Error("audit write failed", slog.String("request_id", requestID), slog.Any("error", err))
	}
	recordVerdict(ctx, verdict.Released)
}

func (r *Runner) retentionLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.baseCtx.Done():
			return
		case <-ticker.C:
			n, err := r.SweepWorkspaces(r.baseCtx)
			if err != nil {
				r.logger.Warn("workspace sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				r.logger.Info("workspaces swept", slog.Int("removed", n))
			}
		}
	}
}

// SweepWorkspaces removes workspaces of jobs that finished more than
// the retention window ago, plus orphan directories no job record
// claims. Live workspaces are never touched. Returns the number of
// directories removed.
func (r *Runner) SweepWorkspaces(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(r.cfg.WorkDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read work dir: %w", err)
	}

	cutoff := time.Now().Add(-r.cfg.Retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		job, err := r.jobs.Get(ctx, entry.Name())
		switch {
		case errors.Is(err, ErrJobNotFound):
			info, ierr := entry.Info()
			if ierr != nil || info.ModTime().After(cutoff) {
				continue
			}
		case err != nil:
			r.logger.Warn("sweep lookup failed", slog.String("dir", entry.Name()), slog.Any("error", err))
			continue
		default:
			if !job.Status.Finished() || job.FinishedAt == nil || job.FinishedAt.After(cutoff) {
				continue
			}
		}

		root := filepath.Join(r.cfg.WorkDir, entry.Name())
		if err := removeWorkspace(root); err != nil {
			r.logger.Warn("workspace removal failed", slog.String("dir", entry.Name()), slog.Any("error", err))
			continue
		}
		removed++
	}
	return removed, nil
}

// recordsProcessed pulls the reserved _records_processed counter from
// an artifact document. Negative and non-integer values are ignored.
func recordsProcessed(doc []byte) (int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var top map[string]any
	if err := dec.Decode(&top); err != nil {
		return 0, false
	}
	num, ok := top["_records_processed"].(json.Number)
	if !ok {
		return 0, false
	}
	n, err := num.Int64()
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// resultType pulls the analysis-supplied type tag from a document.
// Scripts conventionally tag documents with analysis_type; result_type
// is accepted as a synonym.
func resultType(doc []byte) string {
	var top struct {
		AnalysisType string `json:"analysis_type"`
		ResultType   string `json:"result_type"`
	}
	if err := json.Unmarshal(doc, &top); err != nil {
		return ""
	}
	if top.AnalysisType != "" {
		return top.AnalysisType
	}
	return top.ResultType
}
