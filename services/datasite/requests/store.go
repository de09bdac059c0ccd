// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package requests persists analysis requests and owns their state
// machine. All transitions run through this package, serialized per
// request id; every successful mutation is committed and audited
// before the caller sees the new state.
//
// The review deadline is enforced lazily: nothing schedules an expiry,
// but the first touch of a pending request past its TTL persists
// Pending→Expired before anything else happens to the record.
package requests

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/DataSite/pkg/validation"
	"github.com/AleutianAI/DataSite/services/datasite/audit"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	storebadger "github.com/AleutianAI/DataSite/services/datasite/storage/badger"
)

var (
	// ErrRequestNotFound indicates no request carries the id.
	ErrRequestNotFound = errors.New("request not found")

	// ErrValidation indicates the request payload is unusable. The
	// request's state never changes on a validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition indicates the requested state change is not
	// legal from the record's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDecisionConflict indicates a decision that contradicts an
	// earlier one. The first decision wins.
	ErrDecisionConflict = errors.New("request already decided")
)

// errNoop signals an idempotent repeat of an already-applied decision;
// the caller returns the existing record without a new audit row.
var errNoop = errors.New("no-op")

func requestKey(id string) []byte {
	return []byte("requests/" + id)
}

// newRequestID returns a fresh id ordered by creation time. V7 ids
// embed a timestamp, so lexicographic id order follows submission
// order.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPendingTTL sets the review deadline applied to new requests.
// Zero disables expiry.
func WithPendingTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.ttl = d }
}

// WithAuditLogger attaches the audit trail. Defaults to a no-op.
func WithAuditLogger(l audit.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.audit = l
		}
	}
}

// WithClock overrides the time source. Tests use this to cross the
// review deadline without sleeping.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStoreLogger overrides the default logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store owns analysis request records.
//
// Thread Safety:
//
//	Safe for concurrent use. Each mutation is one serializable
//	transaction over a single request key; concurrent conflicting
//	decisions surface as ErrDecisionConflict or ErrInvalidTransition,
//	never as lost writes.
type Store struct {
	db     *storebadger.DB
	audit  audit.Logger
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewStore wraps the shared store handle.
func NewStore(db *storebadger.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		audit:  audit.NopLogger{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and persists a new request. The record lands in
// Pending: submission auto-promotes, there is no reviewable Submitted
// state.
//
// Outputs:
//
//	datatypes.AnalysisRequest - The stored record with id, hashes, and
//	timestamps filled in.
//	error - ErrValidation (wrapped with detail) for unusable input.
func (s *Store) Create(ctx context.Context, req datatypes.AnalysisRequest) (datatypes.AnalysisRequest, error) {
	if err := s.validateNew(&req); err != nil {
		return datatypes.AnalysisRequest{}, err
	}

	now := s.now().UTC()
	req.ID = newRequestID()
	req.State = datatypes.StatePending
	req.Decision = nil
	req.JobID = ""
	req.CreatedAt = now
	req.UpdatedAt = now
	if s.ttl > 0 {
		req.ExpiresAt = now.Add(s.ttl)
	}
	sum := sha256.Sum256([]byte(req.ScriptBody))
	req.ScriptSHA256 = hex.EncodeToString(sum[:])

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.SetJSON(txn, requestKey(req.ID), req)
	})
	if err != nil {
		return datatypes.AnalysisRequest{}, fmt.Errorf("persist request: %w", err)
	}

	if err := s.audit.Log(ctx, audit.Event{
		EventType: audit.EventRequestCreate,
		Actor:     req.Requester.Name,
		RequestID: req.ID,
		PrevState: string(datatypes.StateSubmitted),
		NewState:  string(datatypes.StatePending),
		Metadata: map[string]any{
			"catalog_id": req.CatalogID,
			"kind":       string(req.Kind),
			"priority":   string(req.Priority),
		},
	}); err != nil {
		return datatypes.AnalysisRequest{}, fmt.Errorf("audit request create: %w", err)
	}

	s.logger.Info("analysis request created",
		"request_id", req.ID,
		"catalog", req.CatalogID,
		"kind", req.Kind,
		"requester", req.Requester.Name)
	return req, nil
}

func (s *Store) validateNew(req *datatypes.AnalysisRequest) error {
	if err := validation.ValidateActor(req.Requester.Name); err != nil {
		return fmt.Errorf("%w: requester: %v", ErrValidation, err)
	}
	if err := validation.ValidateCatalogID(req.CatalogID); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if strings.TrimSpace(req.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if strings.TrimSpace(req.ScriptBody) == "" {
		return fmt.Errorf("%w: script body is required", ErrValidation)
	}

	if req.Kind == "" {
		req.Kind = datatypes.KindCustom
	}
	switch req.Kind {
	case datatypes.KindDemographics, datatypes.KindCorrelation,
		datatypes.KindDamageScore, datatypes.KindCustom:
	default:
		return fmt.Errorf("%w: unknown analysis kind %q", ErrValidation, req.Kind)
	}

	if req.ScriptType == "" {
		req.ScriptType = datatypes.ScriptPython
	}
	switch req.ScriptType {
	case datatypes.ScriptPython:
	case datatypes.ScriptR:
		if req.Kind != datatypes.KindCustom {
			return fmt.Errorf("%w: r scripts are limited to custom analyses", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown script type %q", ErrValidation, req.ScriptType)
	}

	if req.Priority == "" {
		req.Priority = datatypes.PriorityNormal
	}
	switch req.Priority {
	case datatypes.PriorityLow, datatypes.PriorityNormal,
		datatypes.PriorityHigh, datatypes.PriorityUrgent:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, req.Priority)
	}
	return nil
}

// Get returns one request, expiring it first when its review deadline
// has passed.
func (s *Store) Get(ctx context.Context, id string) (datatypes.AnalysisRequest, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return datatypes.AnalysisRequest{}, err
	}
	if rec.PendingExpired(s.now()) {
		return s.expire(ctx, id)
	}
	return rec, nil
}

func (s *Store) load(ctx context.Context, id string) (datatypes.AnalysisRequest, error) {
	var rec datatypes.AnalysisRequest
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.GetJSON(txn, requestKey(id), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.AnalysisRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if err != nil {
		return datatypes.AnalysisRequest{}, err
	}
	return rec, nil
}

// expire persists Pending→Expired for a request past its deadline. The
// transition is rechecked inside the transaction, so a racing decision
// either lands first (expire becomes a no-op) or finds the row expired.
func (s *Store) expire(ctx context.Context, id string) (datatypes.AnalysisRequest, error) {
	var rec datatypes.AnalysisRequest
	fired := false
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		fired = false
		if err := storebadger.GetJSON(txn, requestKey(id), &rec); err != nil {
			return err
		}
		if !rec.PendingExpired(s.now()) {
			return nil
		}
		rec.State = datatypes.StateExpired
		rec.UpdatedAt = s.now().UTC()
		fired = true
		return storebadger.SetJSON(txn, requestKey(id), rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.AnalysisRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if err != nil {
		return datatypes.AnalysisRequest{}, err
	}
	if fired {
		if err := s.audit.Log(ctx, audit.Event{
			EventType: audit.EventRequestExpire,
			Actor:     "system",
			RequestID: id,
			PrevState: string(datatypes.StatePending),
			NewState:  string(datatypes.StateExpired),
			Notes:     "review deadline passed",
		}); err != nil {
			return datatypes.AnalysisRequest{}, fmt.Errorf("audit request expire: %w", err)
		}
		s.logger.Info("pending request expired", "request_id", id)
	}
	return rec, nil
}

// List returns requests matching the filter, oldest first. Pending
// rows past their deadline are expired before filtering, so a
// state=pending query never returns a stale row.
func (s *Store) List(ctx context.Context, filter datatypes.RequestFilter) ([]datatypes.AnalysisRequest, error) {
	var recs []datatypes.AnalysisRequest
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.IteratePrefix(txn, []byte("requests/"), func(_ []byte, val []byte) error {
			var rec datatypes.AnalysisRequest
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode request row: %w", err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	for i := range recs {
		if recs[i].PendingExpired(now) {
			expired, err := s.expire(ctx, recs[i].ID)
			if err != nil {
				return nil, err
			}
			recs[i] = expired
		}
	}

	out := recs[:0]
	for _, rec := range recs {
		if filter.State != "" && rec.State != filter.State {
			continue
		}
		if filter.CatalogID != "" && rec.CatalogID != filter.CatalogID {
			continue
		}
		if filter.Requester != "" &&
			!strings.EqualFold(rec.Requester.Name, filter.Requester) &&
			!strings.EqualFold(rec.Requester.Email, filter.Requester) {
			continue
		}
		if !filter.Since.IsZero() && rec.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Decide applies an operator verdict to a pending request.
//
// Description:
//
//	Pending→Approved or Pending→Denied with the decision recorded on
//	the request. Repeating an already-applied decision is a no-op that
//	returns the existing record; contradicting the recorded decision
//	returns ErrDecisionConflict. A request past its review deadline
//	expires first and the decision is then rejected.
func (s *Store) Decide(ctx context.Context, id string, d datatypes.Decision) (datatypes.AnalysisRequest, error) {
	if err := validation.ValidateActor(d.Approver); err != nil {
		return datatypes.AnalysisRequest{}, fmt.Errorf("%w: approver: %v", ErrValidation, err)
	}
	var to datatypes.RequestState
	var eventType string
	switch d.Decision {
	case datatypes.DecisionApproved:
		to = datatypes.StateApproved
		eventType = audit.EventRequestApprove
	case datatypes.DecisionDenied:
		to = datatypes.StateDenied
		eventType = audit.EventRequestDeny
	default:
		return datatypes.AnalysisRequest{}, fmt.Errorf("%w: unknown decision %q", ErrValidation, d.Decision)
	}

	applied := false
	rec, err := s.transition(ctx, id, func(rec *datatypes.AnalysisRequest) error {
		applied = false
		switch rec.State {
		case datatypes.StatePending:
			dd := d
			dd.DecidedAt = s.now().UTC()
			rec.State = to
			rec.Decision = &dd
			applied = true
			return nil
		case to:
			// Same verdict again: first decision already holds.
			return errNoop
		case datatypes.StateApproved, datatypes.StateDenied:
			return fmt.Errorf("%w: %s by %s", ErrDecisionConflict,
				rec.Decision.Decision, rec.Decision.Approver)
		default:
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, rec.State, to)
		}
	})
	if err != nil {
		return rec, err
	}
	if !applied {
		return rec, nil
	}

	if err := s.audit.Log(ctx, audit.Event{
		EventType: eventType,
		Actor:     d.Approver,
		RequestID: id,
		PrevState: string(datatypes.StatePending),
		NewState:  string(to),
		Notes:     d.Notes,
	}); err != nil {
		return datatypes.AnalysisRequest{}, fmt.Errorf("audit decision: %w", err)
	}
	s.logger.Info("request decided",
		"request_id", id, "decision", d.Decision, "approver", d.Approver)
	return rec, nil
}

// Cancel withdraws a pending request. Modeled as a denial by the
// requester themselves; running jobs are cancelled through the runner,
// not here.
func (s *Store) Cancel(ctx context.Context, id, actor string) (datatypes.AnalysisRequest, error) {
	if err := validation.ValidateActor(actor); err != nil {
		return datatypes.AnalysisRequest{}, fmt.Errorf("%w: actor: %v", ErrValidation, err)
	}
	rec, err := s.transition(ctx, id, func(rec *datatypes.AnalysisRequest) error {
		if rec.State != datatypes.StatePending {
			return fmt.Errorf("%w: cancel in state %s", ErrInvalidTransition, rec.State)
		}
		rec.State = datatypes.StateDenied
		rec.Decision = &datatypes.Decision{
			Approver:  actor,
			Decision:  datatypes.DecisionDenied,
			Notes:     "cancelled by requester",
			DecidedAt: s.now().UTC(),
		}
		return nil
	})
	if err != nil {
		return rec, err
	}

	if err := s.audit.Log(ctx, audit.Event{
		EventType: audit.EventRequestCancel,
		Actor:     actor,
		RequestID: id,
		PrevState: string(datatypes.StatePending),
		NewState:  string(datatypes.StateDenied),
		Notes:     "cancelled by requester",
	}); err != nil {
		return datatypes.AnalysisRequest{}, fmt.Errorf("audit cancel: %w", err)
	}
	s.logger.Info("request cancelled", "request_id", id, "actor", actor)
	return rec, nil
}

// MarkRunning records the Approved→Running transition and binds the
// job id. Called exactly once per request by the job runner.
func (s *Store) MarkRunning(ctx context.Context, id, jobID string) (datatypes.AnalysisRequest, error) {
	rec, err := s.transition(ctx, id, func(rec *datatypes.AnalysisRequest) error {
		if !datatypes.CanTransition(rec.State, datatypes.StateRunning) {
			return fmt.Errorf("%w: %s → running", ErrInvalidTransition, rec.State)
		}
		rec.State = datatypes.StateRunning
		rec.JobID = jobID
		return nil
	})
	if err != nil {
		return rec, err
	}
	if err := s.audit.Log(ctx, audit.Event{
		EventType: audit.EventJobStart,
		Actor:     "system",
		RequestID: id,
		PrevState: string(datatypes.StateApproved),
		NewState:  string(datatypes.StateRunning),
		Metadata:  map[string]any{"job_id": jobID},
	}); err != nil {
		return datatypes.AnalysisRequest{}, fmt.Errorf("audit job start: %w", err)
	}
	return rec, nil
}

// MarkCompleted records Running→Completed.
func (s *Store) MarkCompleted(ctx context.Context, id string) (datatypes.AnalysisRequest, error) {
	rec, err := s.transition(ctx, id, func(rec *datatypes.AnalysisRequest) error {
		if !datatypes.CanTransition(rec.State, datatypes.StateCompleted) {
			return fmt.Errorf("%w: %s → completed", ErrInvalidTransition, rec.State)
		}
		rec.State = datatypes.StateCompleted
		return nil
	})
	if err != nil {
		return rec, err
	}
	if err := s.audit.Log(ctx, audit.Event{
		EventType: audit.EventJobComplete,
		Actor:     "system",
		RequestID: id,
		PrevState: string(datatypes.StateRunning),
		NewState:  string(datatypes.StateCompleted),
	}); err != nil {
		return datatypes.AnalysisRequest{}, fmt.Errorf("audit job complete: %w", err)
	}
	return rec, nil
}

// MarkFailed records Running→Failed with the failure reason in the
// audit trail.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (datatypes.AnalysisRequest, error) {
	rec, err := s.transition(ctx, id, func(rec *datatypes.AnalysisRequest) error {
		if !datatypes.CanTransition(rec.State, datatypes.StateFailed) {
			return fmt.Errorf("%w: %s → failed", ErrInvalidTransition, rec.State)
		}
		rec.State = datatypes.StateFailed
		return nil
	})
	if err != nil {
		return rec, err
	}
	if err := s.audit.Log(ctx, audit.Event{
		EventType: audit.EventJobFail,
		Actor:     "system",
		RequestID: id,
		PrevState: string(datatypes.StateRunning),
		NewState:  string(datatypes.StateFailed),
		Outcome:   "failure",
		Notes:     reason,
	}); err != nil {
		return datatypes.AnalysisRequest{}, fmt.Errorf("audit job fail: %w", err)
	}
	return rec, nil
}

// transition runs one guarded mutation: lazy expiry first (own
// transaction and audit row), then load-check-mutate-write. An errNoop
// from fn returns the unmodified record with no error and no audit.
func (s *Store) transition(ctx context.Context, id string, fn func(*datatypes.AnalysisRequest) error) (datatypes.AnalysisRequest, error) {
	cur, err := s.load(ctx, id)
	if err != nil {
		return datatypes.AnalysisRequest{}, err
	}
	if cur.PendingExpired(s.now()) {
		if cur, err = s.expire(ctx, id); err != nil {
			return datatypes.AnalysisRequest{}, err
		}
	}

	var rec datatypes.AnalysisRequest
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := storebadger.GetJSON(txn, requestKey(id), &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = s.now().UTC()
		return storebadger.SetJSON(txn, requestKey(id), rec)
	})
	if errors.Is(err, errNoop) {
		return rec, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.AnalysisRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// Reconcile marks every Running request as Failed. Called once at
// startup, before the runner accepts work: a Running row without a
// live node process means the previous process died mid-job.
func (s *Store) Reconcile(ctx context.Context) ([]datatypes.AnalysisRequest, error) {
	running, err := s.List(ctx, datatypes.RequestFilter{State: datatypes.StateRunning})
	if err != nil {
		return nil, err
	}
	var failed []datatypes.AnalysisRequest
	for _, rec := range running {
		applied := false
		updated, err := s.transition(ctx, rec.ID, func(rec *datatypes.AnalysisRequest) error {
			applied = false
			if rec.State != datatypes.StateRunning {
				return errNoop
			}
			rec.State = datatypes.StateFailed
			applied = true
			return nil
		})
		if err != nil {
			return failed, err
		}
		if !applied {
			continue
		}
		if err := s.audit.Log(ctx, audit.Event{
			EventType: audit.EventJobInterrupted,
			Actor:     "system",
			RequestID: rec.ID,
			PrevState: string(datatypes.StateRunning),
			NewState:  string(datatypes.StateFailed),
			Outcome:   "failure",
			Notes:     string(datatypes.ErrKindInterrupted),
			Metadata:  map[string]any{"job_id": rec.JobID},
		}); err != nil {
			return failed, fmt.Errorf("audit interrupted job: %w", err)
		}
		s.logger.Warn("running request interrupted by restart",
			"request_id", rec.ID, "job_id", rec.JobID)
		failed = append(failed, updated)
	}
	return failed, nil
}
