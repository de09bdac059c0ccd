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

import "sync"

// DefaultRingBytes is how much child output each stream retains.
const DefaultRingBytes = 64 << 10

// Ring is a fixed-capacity byte buffer that keeps the most recent
// writes. Child stdout and stderr are wired straight into one each, so
// a chatty script costs bounded memory and the failure record still
// carries the useful tail.
//
// Safe for concurrent use: the exec copier writes while stream handlers
// read snapshots.
type Ring struct {
	mu      sync.Mutex
	buf     []byte
	start   int
	size    int
	written int64
}

// NewRing returns a ring holding up to capacity bytes.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingBytes
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Write implements io.Writer. It never fails; older bytes are discarded
// once the ring is full.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	r.written += int64(n)
	if n >= len(r.buf) {
		copy(r.buf, p[n-len(r.buf):])
		r.start = 0
		r.size = len(r.buf)
		return n, nil
	}

	pos := (r.start + r.size) % len(r.buf)
	c := copy(r.buf[pos:], p)
	if c < n {
		copy(r.buf, p[c:])
	}
	r.size += n
	if r.size > len(r.buf) {
		r.start = (r.start + r.size - len(r.buf)) % len(r.buf)
		r.size = len(r.buf)
	}
	return n, nil
}

// String returns the retained tail.
func (r *Ring) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.buf) {
		return string(r.buf[:r.size])
	}
	out := make([]byte, 0, r.size)
	out = append(out, r.buf[r.start:]...)
	out = append(out, r.buf[:r.start]...)
	return string(out)
}

// Written reports the total bytes ever written, counting discarded ones.
func (r *Ring) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Truncated reports whether any bytes have been discarded.
func (r *Ring) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written > int64(len(r.buf))
}
