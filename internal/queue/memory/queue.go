// Package memory provides an in-process capture job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlosdotorg/atlos/internal/archive"
)

// ErrQueueClosed is returned once Close has been called and no jobs remain.
var ErrQueueClosed = archive.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan archive.Job
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan archive.Job, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends or the
// queue is closed.
func (q *Queue) Enqueue(ctx context.Context, job archive.Job) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job. Jobs buffered before Close are still handed out.
func (q *Queue) Dequeue(ctx context.Context) (archive.Job, error) {
	select {
	case job := <-q.ch:
		return job, nil
	default:
	}
	select {
	case <-ctx.Done():
		return archive.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job := <-q.ch:
		return job, nil
	case <-q.done:
		select {
		case job := <-q.ch:
			return job, nil
		default:
			return archive.Job{}, ErrQueueClosed
		}
	}
}

// Len reports the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting jobs. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
