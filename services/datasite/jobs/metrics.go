// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for job execution.
var (
	tracer = otel.Tracer("datasite.jobs")
	meter  = otel.Meter("datasite.jobs")
)

// Metrics for job execution.
var (
	jobsStarted     metric.Int64Counter
	jobsCompleted   metric.Int64Counter
	jobsFailed      metric.Int64Counter
	jobDuration     metric.Float64Histogram
	resultsReleased metric.Int64Counter
	resultsBlocked  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		jobsStarted, err = meter.Int64Counter(
			"datasite_jobs_started_total",
			metric.WithDescription("Jobs that acquired an executor slot"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		jobsCompleted, err = meter.Int64Counter(
			"datasite_jobs_completed_total",
			metric.WithDescription("Jobs that finished successfully"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		jobsFailed, err = meter.Int64Counter(
			"datasite_jobs_failed_total",
			metric.WithDescription("Jobs that finished in failure, by error kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		jobDuration, err = meter.Float64Histogram(
			"datasite_job_duration_seconds",
			metric.WithDescription("Wall-clock duration of finished jobs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		resultsReleased, err = meter.Int64Counter(
			"datasite_results_released_total",
			metric.WithDescription("Result documents released by the privacy gate"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		resultsBlocked, err = meter.Int64Counter(
			"datasite_results_blocked_total",
			metric.WithDescription("Result documents blocked by the privacy gate"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// registerGauges wires the queue-depth and running-jobs gauges to live
// runner state. Called once from Start.
func (r *Runner) registerGauges() {
	queueDepth, err := meter.Int64ObservableGauge(
		"datasite_queue_depth",
		metric.WithDescription("Jobs waiting for an executor slot"),
	)
	if err != nil {
		r.logger.Warn("queue depth gauge not registered", "error", err)
		return
	}
	runningJobs, err := meter.Int64ObservableGauge(
		"datasite_running_jobs",
		metric.WithDescription("Jobs currently executing"),
	)
	if err != nil {
		r.logger.Warn("running jobs gauge not registered", "error", err)
		return
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(queueDepth, int64(r.queue.depth()))
		r.mu.Lock()
		running := len(r.active)
		r.mu.Unlock()
		o.ObserveInt64(runningJobs, int64(running))
		return nil
	}, queueDepth, runningJobs)
	if err != nil {
		r.logger.Warn("runner gauges not registered", "error", err)
		return
	}
	r.gauges = reg
}

func recordOutcome(ctx context.Context, kind string, wall time.Duration) {
	if initMetrics() != nil {
		return
	}
	if kind == "" {
		jobsCompleted.Add(ctx, 1)
	} else {
		jobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", kind)))
	}
	jobDuration.Record(ctx, wall.Seconds())
}

func recordVerdict(ctx context.Context, released bool) {
	if initMetrics() != nil {
		return
	}
	if released {
		resultsReleased.Add(ctx, 1)
	} else {
		resultsBlocked.Add(ctx, 1)
	}
}

func recordStart(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	jobsStarted.Add(ctx, 1)
}
