// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package results persists analysis outputs. Rows are append-only per
// request in save_results call order. External callers see released
// rows; blocked rows and their original payloads stay behind the admin
// view. Released rows can optionally be archived to a bucket.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	storebadger "github.com/AleutianAI/DataSite/services/datasite/storage/badger"
)

// ErrNoResults indicates the request has produced no result rows.
var ErrNoResults = errors.New("no results for request")

// resultKey builds results/<request>/<seq>, zero-padded so the
// lexicographic key order is the call order.
func resultKey(requestID string, seq int) []byte {
	return []byte(fmt.Sprintf("results/%s/%06d", requestID, seq))
}

func resultPrefix(requestID string) []byte {
	return []byte("results/" + requestID + "/")
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithExporter attaches an archiver for released rows. Export failures
// are logged, never surfaced to the caller.
func WithExporter(e *Exporter) StoreOption {
	return func(s *Store) { s.exporter = e }
}

// WithStoreLogger overrides the default logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store owns the result rows in the embedded store.
//
// Thread Safety:
//
//	Safe for concurrent use across requests. Appends for one request
//	come from the single supervisor that owns the job, so sequence
//	numbers never race.
type Store struct {
	db       *storebadger.DB
	logger   *slog.Logger
	exporter *Exporter
}

// NewStore wraps the shared store handle.
func NewStore(db *storebadger.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append persists one result row, assigning the next sequence number
// and an id. Returns the stored row.
func (s *Store) Append(ctx context.Context, res datatypes.Result) (datatypes.Result, error) {
	if res.RequestID == "" {
		return datatypes.Result{}, fmt.Errorf("result requires a request id")
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		res.Seq = 1
		err := storebadger.IteratePrefix(txn, resultPrefix(res.RequestID), func(key []byte, _ []byte) error {
			if seq, ok := seqFromKey(key); ok && seq >= res.Seq {
				res.Seq = seq + 1
			}
			return nil
		})
		if err != nil {
			return err
		}
		return storebadger.SetJSON(txn, resultKey(res.RequestID, res.Seq), res)
	})
	if err != nil {
		return datatypes.Result{}, fmt.Errorf("append result: %w", err)
	}

	if res.Released && s.exporter != nil {
		if err := s.exporter.Export(ctx, res); err != nil {
			s.logger.Warn("result archive export failed",
				"request_id", res.RequestID, "seq", res.Seq, "error", err)
		}
	}
	return res, nil
}

func seqFromKey(key []byte) (int, bool) {
	k := string(key)
	i := strings.LastIndexByte(k, '/')
	if i < 0 {
		return 0, false
	}
	seq, err := strconv.Atoi(k[i+1:])
	if err != nil {
		return 0, false
	}
	return seq, true
}

// List returns a request's rows in call order. includeBlocked extends
// the listing to blocked rows and is reserved for the admin view.
func (s *Store) List(ctx context.Context, requestID string, includeBlocked bool) ([]datatypes.Result, error) {
	var rows []datatypes.Result
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.IteratePrefix(txn, resultPrefix(requestID), func(_ []byte, val []byte) error {
			var res datatypes.Result
			if err := json.Unmarshal(val, &res); err != nil {
				return fmt.Errorf("decode result row: %w", err)
			}
			if res.Released || includeBlocked {
				rows = append(rows, res)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	return rows, nil
}

// Canonical returns the row whose published payload answers the
// request's results endpoint: the last released row, or the last row
// overall when everything was blocked (its published form is the
// blocked placeholder).
func (s *Store) Canonical(ctx context.Context, requestID string) (datatypes.Result, error) {
	rows, err := s.List(ctx, requestID, true)
	if err != nil {
		return datatypes.Result{}, err
	}
	if len(rows) == 0 {
		return datatypes.Result{}, fmt.Errorf("%w: %s", ErrNoResults, requestID)
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Released {
			return rows[i], nil
		}
	}
	return rows[len(rows)-1], nil
}

// Count returns the number of rows for a request, blocked included.
func (s *Store) Count(ctx context.Context, requestID string) (released, blocked int, err error) {
	rows, err := s.List(ctx, requestID, true)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range rows {
		if r.Released {
			released++
		} else {
			blocked++
		}
	}
	return released, blocked, nil
}
