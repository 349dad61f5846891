// Package worker runs one consumer goroutine per job queue, gated by a shared
// semaphore so the process-wide number of in-flight jobs stays bounded while
// each queue's jobs are handled strictly in order.
package worker

import (
	"context"
	"errors"
)

// ErrQueueClosed is returned by Enqueue once the queue has been closed.
var ErrQueueClosed = errors.New("job queue is closed")

// Pool owns the shared concurrency budget. Every queue started from the same
// Pool competes for the same semaphore slots.
type Pool[J any] struct {
	ctx context.Context
	sem chan struct{}
}

func NewPool[J any](ctx context.Context, maxInFlight int) *Pool[J] {
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	return &Pool[J]{ctx: ctx, sem: make(chan struct{}, maxInFlight)}
}

// Queue is one serialized stream of jobs. The jobs channel itself is never
// closed; Close signals the done channel instead, so a producer parked inside
// Enqueue can never hit a send on a closed channel.
type Queue[J any] struct {
	jobs chan J
	done chan struct{}
}

func (p *Pool[J]) NewQueue(size int) *Queue[J] {
	return &Queue[J]{jobs: make(chan J, size), done: make(chan struct{})}
}

// Close stops the queue's consumer and unblocks parked producers. Pending
// jobs are dropped. Close must be called at most once.
func (q *Queue[J]) Close() { close(q.done) }

// Start consumes jobs from q in order, one at a time, holding a semaphore
// slot for the duration of each handle call. It returns immediately.
func (p *Pool[J]) Start(q *Queue[J], handle func(context.Context, J)) {
	go func() {
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-q.done:
				return
			case job := <-q.jobs:
				select {
				case p.sem <- struct{}{}:
				case <-p.ctx.Done():
					return
				}
				func() {
					defer func() { <-p.sem }()
					handle(p.ctx, job)
				}()
			}
		}
	}()
}

// Enqueue blocks until the job is accepted, the queue is closed, or either
// context is canceled.
func (p *Pool[J]) Enqueue(ctx context.Context, q *Queue[J], job J) error {
	if ctx == nil {
		ctx = p.ctx
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.jobs <- job:
		return nil
	}
}
