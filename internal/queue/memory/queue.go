// Package memory provides the in-process work queue feeding probe workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/availability-prober/internal/probe"
)

var (
	// ErrExhausted is returned by Next once every identifier has been handed
	// out and none remain in flight or awaiting retry.
	ErrExhausted = errors.New("queue exhausted")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("queue closed")
)

// Stats is a snapshot of queue depth.
type Stats struct {
	Pending  int `json:"pending"`
	Retries  int `json:"retries"`
	InFlight int `json:"in_flight"`
}

// Queue hands identifiers to workers one at a time. Requeued items take
// priority over fresh input. An identifier is either queued or held by exactly
// one worker, never both.
type Queue struct {
	mu       sync.Mutex
	input    []string
	next     int
	skip     func(string) bool
	retries  []probe.WorkItem
	inFlight int
	closed   bool
	// changed is closed and replaced whenever waiters should re-check state.
	changed chan struct{}
}

// NewQueue builds a queue over identifiers. skip, when non-nil, is consulted
// lazily as each identifier comes up and drops the ones already processed.
func NewQueue(identifiers []string, skip func(string) bool) *Queue {
	return &Queue{
		input:   identifiers,
		skip:    skip,
		changed: make(chan struct{}),
	}
}

// Next returns the next work item, blocking while the queue is empty but other
// workers still hold items that may be requeued.
func (q *Queue) Next(ctx context.Context) (probe.WorkItem, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return probe.WorkItem{}, ErrClosed
		}
		if len(q.retries) > 0 {
			item := q.retries[0]
			q.retries = q.retries[1:]
			q.inFlight++
			q.mu.Unlock()
			return item, nil
		}
		for q.next < len(q.input) {
			id := q.input[q.next]
			q.next++
			if q.skip != nil && q.skip(id) {
				continue
			}
			q.inFlight++
			q.mu.Unlock()
			return probe.WorkItem{Identifier: id}, nil
		}
		if q.inFlight == 0 {
			q.mu.Unlock()
			return probe.WorkItem{}, ErrExhausted
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return probe.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Requeue returns a held item for another attempt.
func (q *Queue) Requeue(item probe.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries = append(q.retries, item)
	q.release()
}

// Done releases a held item whose result has been recorded.
func (q *Queue) Done(probe.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release()
}

func (q *Queue) release() {
	if q.inFlight > 0 {
		q.inFlight--
	}
	close(q.changed)
	q.changed = make(chan struct{})
}

// Close stops handing out work and wakes blocked callers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.changed)
	q.changed = make(chan struct{})
}

// Stats reports queue depth. Pending counts unread input, including
// identifiers that skip would drop.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:  len(q.input) - q.next,
		Retries:  len(q.retries),
		InFlight: q.inFlight,
	}
}
