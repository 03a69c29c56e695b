package printer

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Enqueue and Dequeue once the queue is closed.
var ErrQueueClosed = errors.New("print queue closed")

// Queue is a bounded FIFO of jobs with any number of producers and a single
// consumer. Producers block while it is full; nothing is ever dropped.
type Queue struct {
	jobs chan Job
	// turn is held by a producer from its send until its queued event has
	// been emitted; the consumer passes through it before handing a job out.
	turn      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	emitter   EventEmitter
}

// NewQueue creates a queue holding at most capacity jobs (minimum 1).
func NewQueue(capacity int, emitter EventEmitter) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &Queue{
		jobs:    make(chan Job, capacity),
		turn:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		emitter: emitter,
	}
}

// Enqueue waits for space and appends job. The queued event is emitted
// before the consumer can see the job.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.turn <- struct{}{}:
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-q.turn }()

	select {
	case q.jobs <- job:
		q.emitter.EmitJobQueued(job, len(q.jobs))
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit builds a job from untrusted text and enqueues it. Rejected text is
// reported as a dropped job.
func (q *Queue) Submit(ctx context.Context, source Source, text string) (Job, error) {
	job, err := NewJob(source, text)
	if err != nil {
		q.emitter.EmitJobDropped(source, err.Error())
		return Job{}, err
	}
	if err := q.Enqueue(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Dequeue waits for the oldest job. Jobs still buffered when the queue is
// closed are handed out before ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.jobs:
		q.settle()
		return job, nil
	case <-q.closed:
		select {
		case job := <-q.jobs:
			q.settle()
			return job, nil
		default:
			return Job{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// settle waits out a producer that has sent but not yet emitted. The
// holder's send already succeeded or has room now, so this never waits long.
func (q *Queue) settle() {
	q.turn <- struct{}{}
	<-q.turn
}

// Close stops accepting jobs and wakes blocked producers.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// Len returns the number of buffered jobs.
func (q *Queue) Len() int { return len(q.jobs) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.jobs) }
