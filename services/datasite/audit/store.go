// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	storebadger "github.com/AleutianAI/DataSite/services/datasite/storage/badger"
)

// StoreLogger persists audit rows in the embedded database, keyed so
// the trail of one request reads back in write order. The database
// trail is always on; the file trail is the optional human-readable
// copy.
type StoreLogger struct {
	db  *storebadger.DB
	seq atomic.Uint64
}

// NewStoreLogger wraps the shared store handle.
func NewStoreLogger(db *storebadger.DB) *StoreLogger {
	return &StoreLogger{db: db}
}

// eventKey orders rows by request, then time, with a process-local
// counter breaking same-nanosecond ties. Events with no request id
// land under the "node" scope.
func (l *StoreLogger) eventKey(event Event) []byte {
	scope := event.RequestID
	if scope == "" {
		scope = "node"
	}
	return []byte(fmt.Sprintf("audit/%s/%020d-%06d",
		scope, event.Timestamp.UnixNano(), l.seq.Add(1)))
}

// Log appends one event.
func (l *StoreLogger) Log(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Outcome == "" {
		event.Outcome = "success"
	}
	if event.RemoteAddr == "" {
		event.RemoteAddr = remoteAddrFrom(ctx)
	}
	err := l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.SetJSON(txn, l.eventKey(event), event)
	})
	if err != nil {
		return fmt.Errorf("persist audit event: %w", err)
	}
	return nil
}

// Close is a no-op; the database handle is owned by the caller.
func (l *StoreLogger) Close() error { return nil }

// Trail returns the stored events for one request in write order. An
// empty requestID returns the node-scoped events (uploads, sweeps).
func (l *StoreLogger) Trail(ctx context.Context, requestID string) ([]Event, error) {
	scope := requestID
	if scope == "" {
		scope = "node"
	}
	prefix := []byte("audit/" + scope + "/")

	// Keys are zero-padded, so badger's lexical iteration is already
	// write order.
	var events []Event
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.IteratePrefix(txn, prefix, func(_ []byte, val []byte) error {
			var event Event
			if err := json.Unmarshal(val, &event); err != nil {
				return fmt.Errorf("decode audit row: %w", err)
			}
			events = append(events, event)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Tee fans events out to several loggers; the trail usually runs to
// the database and a flat file at once. Log stops at the first failing
// sink so an acknowledged mutation never outruns its audit row.
func Tee(loggers ...Logger) Logger {
	return teeLogger(loggers)
}

type teeLogger []Logger

func (t teeLogger) Log(ctx context.Context, event Event) error {
	for _, l := range t {
		if err := l.Log(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (t teeLogger) Close() error {
	var firstErr error
	for _, l := range t {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
