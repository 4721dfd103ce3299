// Package memory provides the in-process frontier queue used by the dispatcher.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded two-level priority queue. High priority tasks are
// always dequeued before normal ones; each level is FIFO.
type Queue struct {
	mu     sync.Mutex
	high   []crawler.PendingFetch
	normal []crawler.PendingFetch
	closed bool
	signal chan struct{}
	done   chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue adds a task at its priority level. Enqueue never blocks, so
// workers can submit discoveries without deadlocking against consumers.
func (q *Queue) Enqueue(ctx context.Context, task crawler.PendingFetch) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if task.Priority >= crawler.PriorityHigh {
		q.high = append(q.high, task)
	} else {
		q.normal = append(q.normal, task)
	}
	q.mu.Unlock()
	q.notify()
	return nil
}

// Dequeue pops the highest priority task, blocking until one is available,
// the queue is closed, or ctx ends. Items queued before Close are still
// delivered.
func (q *Queue) Dequeue(ctx context.Context) (crawler.PendingFetch, error) {
	for {
		task, ok, closed := q.pop()
		if ok {
			return task, nil
		}
		if closed {
			return crawler.PendingFetch{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return crawler.PendingFetch{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.signal:
		case <-q.done:
		}
	}
}

func (q *Queue) pop() (task crawler.PendingFetch, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case len(q.high) > 0:
		task, q.high = q.high[0], q.high[1:]
		ok = true
	case len(q.normal) > 0:
		task, q.normal = q.normal[0], q.normal[1:]
		ok = true
	}
	if ok && len(q.high)+len(q.normal) > 0 {
		// wake the next waiter
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return task, ok, q.closed
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len reports the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// Close stops accepting new tasks and wakes blocked consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
