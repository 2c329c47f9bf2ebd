package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process queue. Enqueue blocks while capacity jobs are
// pending; nacked jobs go back to the tail regardless of capacity so a worker
// can never block on its own retry. Jobs are lost on restart.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []Job
	capacity int
	closed   bool

	notify chan struct{}
	space  chan struct{}
	done   chan struct{}
}

// NewMemoryQueue creates a queue holding up to capacity pending jobs.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if len(q.pending) < q.capacity {
			q.pending = append(q.pending, job)
			room := len(q.pending) < q.capacity
			q.mu.Unlock()
			signal(q.notify)
			if room {
				signal(q.space)
			}
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.space:
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return ErrClosed
		}
	}
}

func (q *MemoryQueue) requeue(job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	job.Attempt++
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	signal(q.notify)
	return nil
}

// Receive takes every pending job, waiting for the first one.
func (q *MemoryQueue) Receive(ctx context.Context) ([]Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.pending) > 0 {
			jobs := q.pending
			q.pending = nil
			q.mu.Unlock()
			signal(q.space)

			out := make([]Delivery, len(jobs))
			for i, job := range jobs {
				out[i] = q.delivery(job)
			}
			return out, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		}
	}
}

func (q *MemoryQueue) delivery(job Job) Delivery {
	return Delivery{
		Job:  job,
		Ack:  func(context.Context) error { return nil },
		Nack: func(context.Context) error { return q.requeue(job) },
	}
}

// Len reports the number of pending jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
