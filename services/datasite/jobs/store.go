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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	storebadger "github.com/AleutianAI/DataSite/services/datasite/storage/badger"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

const jobKeyPrefix = "jobs/"

func jobKey(id string) []byte {
	return []byte(jobKeyPrefix + id)
}

// newJobID returns a time-ordered id so listings come back in creation
// order without a secondary index.
func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// StoreOption configures the job store.
type StoreOption func(*Store)

// WithStoreClock overrides the time source, for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithJobStoreLogger sets the logger.
func WithJobStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store persists job execution records. Records are append-mostly: a
// job is created queued, marked running once, and frozen on its first
// terminal transition.
type Store struct {
	db     *storebadger.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a job store over the shared database.
func NewStore(db *storebadger.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a queued job bound to a request.
func (s *Store) Create(ctx context.Context, requestID, scriptSHA string) (datatypes.Job, error) {
	job := datatypes.Job{
		ID:           newJobID(),
		RequestID:    requestID,
		Status:       datatypes.JobQueued,
		CreatedAt:    s.now().UTC(),
		ScriptSHA256: scriptSHA,
	}
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.SetJSON(txn, jobKey(job.ID), job)
	})
	if err != nil {
		return datatypes.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, id string) (datatypes.Job, error) {
	var job datatypes.Job
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.GetJSON(txn, jobKey(id), &job)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.Job{}, ErrJobNotFound
	}
	if err != nil {
		return datatypes.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs with the given status, oldest first. An empty
// status returns everything.
func (s *Store) List(ctx context.Context, status datatypes.JobStatus) ([]datatypes.Job, error) {
	var jobs []datatypes.Job
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.IteratePrefix(txn, []byte(jobKeyPrefix), func(_ []byte, val []byte) error {
			var job datatypes.Job
			if err := json.Unmarshal(val, &job); err != nil {
				return fmt.Errorf("decode job row: %w", err)
			}
			if status == "" || job.Status == status {
				jobs = append(jobs, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

// update applies fn to the stored record inside one transaction.
func (s *Store) update(ctx context.Context, id string, fn func(*datatypes.Job) error) (datatypes.Job, error) {
	var job datatypes.Job
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := storebadger.GetJSON(txn, jobKey(id), &job); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		if err := fn(&job); err != nil {
			return err
		}
		return storebadger.SetJSON(txn, jobKey(id), job)
	})
	if err != nil {
		return datatypes.Job{}, err
	}
	return job, nil
}

// MarkRunning stamps the execution start. Legal only from queued.
func (s *Store) MarkRunning(ctx context.Context, id string) (datatypes.Job, error) {
	return s.update(ctx, id, func(job *datatypes.Job) error {
		if job.Status != datatypes.JobQueued {
			return fmt.Errorf("job %s is %s, not queued", id, job.Status)
		}
		t := s.now().UTC()
		job.Status = datatypes.JobRunning
		job.StartedAt = &t
		return nil
	})
}

// Completion carries the collected outputs of a successful child.
type Completion struct {
	ExitCode     int
	StdoutTail   string
	StderrTail   string
	ArtifactName string
	Records      *int64
}

// MarkCompleted freezes a successful job.
func (s *Store) MarkCompleted(ctx context.Context, id string, c Completion) (datatypes.Job, error) {
	return s.update(ctx, id, func(job *datatypes.Job) error {
		if job.Status.Finished() {
			return fmt.Errorf("job %s already %s", id, job.Status)
		}
		t := s.now().UTC()
		job.Status = datatypes.JobCompleted
		job.FinishedAt = &t
		job.ExitCode = &c.ExitCode
		job.StdoutTail = c.StdoutTail
		job.StderrTail = c.StderrTail
		job.ArtifactName = c.ArtifactName
		job.RecordsProcessed = c.Records
		return nil
	})
}

// MarkFailed freezes a failed job with its structured failure.
func (s *Store) MarkFailed(ctx context.Context, id string, failure datatypes.JobFailure) (datatypes.Job, error) {
	return s.update(ctx, id, func(job *datatypes.Job) error {
		if job.Status.Finished() {
			return fmt.Errorf("job %s already %s", id, job.Status)
		}
		t := s.now().UTC()
		job.Status = datatypes.JobFailed
		job.FinishedAt = &t
		job.ExitCode = &failure.ExitCode
		job.StdoutTail = failure.StdoutTail
		job.StderrTail = failure.StderrTail
		job.Failure = &failure
		return nil
	})
}

// Reconcile fails every running job after a restart. Queued jobs are
// left alone; the runner re-enqueues them.
func (s *Store) Reconcile(ctx context.Context) ([]datatypes.Job, error) {
	running, err := s.List(ctx, datatypes.JobRunning)
	if err != nil {
		return nil, err
	}
	var failed []datatypes.Job
	for _, job := range running {
		updated, err := s.MarkFailed(ctx, job.ID, datatypes.JobFailure{
			ExitCode: -1,
			Reason:   datatypes.ErrKindInterrupted,
			Message:  "node restarted while the job was running",
		})
		if err != nil {
			s.logger.Warn("job reconcile failed", "job_id", job.ID, "error", err)
			continue
		}
		failed = append(failed, updated)
	}
	return failed, nil
}
