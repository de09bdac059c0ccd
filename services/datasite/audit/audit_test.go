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
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	storebadger "github.com/AleutianAI/DataSite/services/datasite/storage/badger"
)

func newTestLogger(t *testing.T) *StoreLogger {
	t.Helper()
	db, err := storebadger.OpenDB(storebadger.InMemoryConfig())
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStoreLogger(db)
}

func TestStoreLoggerTrailReadsBackInWriteOrder(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	events := []Event{
		{EventType: EventRequestCreate, Actor: "Dr. Elena Vasquez", RequestID: "req-1", NewState: "pending"},
		{EventType: EventRequestApprove, Actor: "dr.chen", RequestID: "req-1", PrevState: "pending", NewState: "approved"},
		{EventType: EventJobStart, Actor: "system", RequestID: "req-1"},
	}
	for _, e := range events {
		if err := l.Log(ctx, e); err != nil {
			t.Fatalf("Log(%s): %v", e.EventType, err)
		}
	}

	trail, err := l.Trail(ctx, "req-1")
	if err != nil {
		t.Fatalf("Trail: %v", err)
	}
	if len(trail) != len(events) {
		t.Fatalf("trail length = %d, want %d", len(trail), len(events))
	}
	for i, e := range events {
		if trail[i].EventType != e.EventType {
			t.Errorf("trail[%d].EventType = %q, want %q", i, trail[i].EventType, e.EventType)
		}
	}
	if trail[1].Actor != "dr.chen" || trail[1].PrevState != "pending" || trail[1].NewState != "approved" {
		t.Errorf("approve row lost transition detail: %+v", trail[1])
	}
}

func TestStoreLoggerSameTimestampKeepsOrder(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	// Identical timestamps force the sequence counter to break the
	// tie; the trail must still come back in write order.
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, et := range []string{EventRequestCreate, EventRequestApprove, EventJobStart, EventJobComplete} {
		if err := l.Log(ctx, Event{Timestamp: at, EventType: et, Actor: "system", RequestID: "req-tie"}); err != nil {
			t.Fatalf("Log(%s): %v", et, err)
		}
	}

	trail, err := l.Trail(ctx, "req-tie")
	if err != nil {
		t.Fatalf("Trail: %v", err)
	}
	want := []string{EventRequestCreate, EventRequestApprove, EventJobStart, EventJobComplete}
	if len(trail) != len(want) {
		t.Fatalf("trail length = %d, want %d", len(trail), len(want))
	}
	for i, et := range want {
		if trail[i].EventType != et {
			t.Errorf("trail[%d] = %q, want %q", i, trail[i].EventType, et)
		}
	}
}

func TestStoreLoggerScopesNodeEvents(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	if err := l.Log(ctx, Event{EventType: EventNodeStart, Actor: "system"}); err != nil {
		t.Fatalf("Log node event: %v", err)
	}
	if err := l.Log(ctx, Event{EventType: EventRequestCreate, Actor: "requester", RequestID: "req-1"}); err != nil {
		t.Fatalf("Log request event: %v", err)
	}

	node, err := l.Trail(ctx, "")
	if err != nil {
		t.Fatalf("Trail(node): %v", err)
	}
	if len(node) != 1 || node[0].EventType != EventNodeStart {
		t.Errorf("node trail = %+v, want only %s", node, EventNodeStart)
	}

	req, err := l.Trail(ctx, "req-1")
	if err != nil {
		t.Fatalf("Trail(req-1): %v", err)
	}
	if len(req) != 1 || req[0].EventType != EventRequestCreate {
		t.Errorf("request trail = %+v, want only %s", req, EventRequestCreate)
	}
}

func TestLogFillsDefaults(t *testing.T) {
	l := newTestLogger(t)
	ctx := WithRemoteAddr(context.Background(), "203.0.113.7")

	before := time.Now().UTC()
	if err := l.Log(ctx, Event{EventType: EventRequestDeny, Actor: "dr.chen", RequestID: "req-1"}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	trail, err := l.Trail(ctx, "req-1")
	if err != nil {
		t.Fatalf("Trail: %v", err)
	}
	if len(trail) != 1 {
		t.Fatalf("trail length = %d, want 1", len(trail))
	}
	got := trail[0]
	if got.Outcome != "success" {
		t.Errorf("Outcome = %q, want success default", got.Outcome)
	}
	if got.Timestamp.Before(before.Add(-time.Second)) {
		t.Errorf("Timestamp = %v, not stamped at write time", got.Timestamp)
	}
	if got.RemoteAddr != "203.0.113.7" {
		t.Errorf("RemoteAddr = %q, want context address", got.RemoteAddr)
	}
}

func TestLogKeepsExplicitFields(t *testing.T) {
	l := newTestLogger(t)

	at := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	event := Event{
		Timestamp:  at,
		EventType:  EventResultBlock,
		Actor:      "system",
		RequestID:  "req-1",
		Outcome:    "blocked",
		Notes:      "cohort below minimum",
		RemoteAddr: "198.51.100.2",
	}
	if err := l.Log(WithRemoteAddr(context.Background(), "203.0.113.7"), event); err != nil {
		t.Fatalf("Log: %v", err)
	}

	trail, err := l.Trail(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Trail: %v", err)
	}
	got := trail[0]
	if !got.Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v preserved", got.Timestamp, at)
	}
	if got.Outcome != "blocked" || got.Notes != "cohort below minimum" {
		t.Errorf("explicit fields rewritten: %+v", got)
	}
	if got.RemoteAddr != "198.51.100.2" {
		t.Errorf("RemoteAddr = %q, context must not override an explicit address", got.RemoteAddr)
	}
}

func TestFileLoggerAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	ctx := context.Background()
	if err := l.Log(ctx, Event{EventType: EventUploadStore, Actor: "requester"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := l.Log(ctx, Event{EventType: EventRequestCreate, Actor: "requester", RequestID: "req-1"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var types []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		types = append(types, event.EventType)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(types) != 2 || types[0] != EventUploadStore || types[1] != EventRequestCreate {
		t.Errorf("file rows = %v, want [%s %s]", types, EventUploadStore, EventRequestCreate)
	}
}

func TestFileLoggerReopensInAppendMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	first, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	if err := first.Log(context.Background(), Event{EventType: EventNodeStart, Actor: "system"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	first.Close()

	second, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger reopen: %v", err)
	}
	if err := second.Log(context.Background(), Event{EventType: EventNodeStart, Actor: "system"}); err != nil {
		t.Fatalf("Log after reopen: %v", err)
	}
	second.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("audit file has %d rows after restart, want 2", lines)
	}
}

func TestTeeStopsAtFirstFailure(t *testing.T) {
	db, err := storebadger.OpenDB(storebadger.InMemoryConfig())
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// A closed file logger fails on Log; the store logger behind it
	// must not receive the event.
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	broken, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	broken.Close()

	store := NewStoreLogger(db)
	tee := Tee(broken, store)

	if err := tee.Log(context.Background(), Event{EventType: EventRequestCreate, Actor: "requester", RequestID: "req-1"}); err == nil {
		t.Fatal("Log on closed sink did not fail")
	}

	trail, err := store.Trail(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Trail: %v", err)
	}
	if len(trail) != 0 {
		t.Errorf("store received %d events past a failed sink, want 0", len(trail))
	}
}
