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

// queueItem is one enqueued job waiting for an executor slot.
type queueItem struct {
	jobID     string
	requestID string
	expedited bool
	seq       uint64
}

// queue orders jobs for the executor slots: expedited requests ahead of
// all others, submission order within each band. pop blocks until work
// arrives or the queue closes.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []queueItem
	seq    uint64
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(jobID, requestID string, expedited bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	item := queueItem{jobID: jobID, requestID: requestID, expedited: expedited, seq: q.seq}
	q.seq++

	if !expedited {
		q.items = append(q.items, item)
		q.cond.Signal()
		return
	}
	idx := len(q.items)
	for i := range q.items {
		if !q.items[i].expedited {
			idx = i
			break
		}
	}
	q.items = append(q.items, queueItem{})
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
	q.cond.Signal()
}

func (q *queue) pop() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
