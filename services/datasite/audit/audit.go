// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records every state-changing action on the node as an
// append-only trail. The trail is the operator's evidence of who
// decided what and when; rows are written before the mutation is
// acknowledged and are never rewritten.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types follow the "category.action" convention.
const (
	EventNodeStart      = "node.start"
	EventRequestCreate  = "request.create"
	EventRequestApprove = "request.approve"
	EventRequestDeny    = "request.deny"
	EventRequestCancel  = "request.cancel"
	EventRequestExpire  = "request.expire"
	EventJobStart       = "job.start"
	EventJobComplete    = "job.complete"
	EventJobFail        = "job.fail"
	EventJobInterrupted = "job.interrupted"
	EventResultRelease  = "result.release"
	EventResultBlock    = "result.block"
	EventUploadStore    = "upload.store"
)

// Event is one audit row.
type Event struct {
	// Timestamp is when the event occurred, UTC. Set by the logger
	// when zero.
	Timestamp time.Time `json:"ts"`

	// EventType categorizes the event ("request.approve").
	EventType string `json:"event"`

	// Actor identifies who performed the action: a requester name,
	// an approver, or "system" for automatic transitions.
	Actor string `json:"actor"`

	// RequestID is the request this event concerns, when applicable.
	RequestID string `json:"request_id,omitempty"`

	// PrevState and NewState bracket a state transition.
	PrevState string `json:"prev_state,omitempty"`
	NewState  string `json:"new_state,omitempty"`

	// Outcome is "success", "failure", or "blocked".
	Outcome string `json:"outcome"`

	// Notes carries the free-form reasoning attached to the action.
	Notes string `json:"notes,omitempty"`

	// RemoteAddr is the transport address the action arrived over,
	// empty for system-initiated events. Filled from the context when
	// the transport recorded one there.
	RemoteAddr string `json:"remote_addr,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

type remoteAddrKey struct{}

// WithRemoteAddr returns a context carrying the client address of the
// action in flight. The HTTP layer sets it once per request; loggers
// stamp it onto every event written under that context.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	if addr == "" {
		return ctx
	}
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

func remoteAddrFrom(ctx context.Context) string {
	addr, _ := ctx.Value(remoteAddrKey{}).(string)
	return addr
}

// Logger appends audit rows. Implementations must be safe for
// concurrent use.
type Logger interface {
	Log(ctx context.Context, event Event) error
	Close() error
}

// FileLogger appends events as JSON lines to a single file, fsynced
// per write so an acknowledged mutation always has its audit row.
type FileLogger struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileLogger opens (creating if needed) the audit file in append
// mode. Parent directories are created.
func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLogger{file: f, enc: json.NewEncoder(f)}, nil
}

// Log appends one event.
func (l *FileLogger) Log(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Outcome == "" {
		event.Outcome = "success"
	}
	if event.RemoteAddr == "" {
		event.RemoteAddr = remoteAddrFrom(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(event); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// NopLogger discards events. Used in tests and when auditing is
// disabled by configuration.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Event) error { return nil }
func (NopLogger) Close() error                     { return nil }
