package engine

import (
	"sync"
	"time"
)

// job is one queued pipeline run.
type job struct {
	ID       uint64
	Source   string
	RunID    string
	Enqueued time.Time
	// ReportRef is set when a report is already stored and only the chain
	// completion is retried.
	ReportRef string
}

// jobQueue is a thread-safe FIFO queue of jobs.
//
// The queue is unbounded: submissions never block, and the worker pool is
// the only limit on concurrent runs.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in worker loops.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []job
	closed bool
	signal chan struct{} // Signals job availability (buffered, size 1)
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:   make([]job, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the back of the queue.
// Returns false if the queue is closed.
func (q *jobQueue) Enqueue(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)
	q.notifyLocked()
	return true
}

// TryDequeue removes the front job without blocking.
// Returns (job{}, false) if the queue is empty.
func (q *jobQueue) TryDequeue() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return job{}, false
	}

	j := q.jobs[0]
	// Drop the source text reference so the backing array does not pin it.
	q.jobs[0] = job{}
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
		// Signals coalesce; wake another worker for the rest.
		q.notifyLocked()
	}
	return j, true
}

func (q *jobQueue) notifyLocked() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that signals when jobs may be available.
// It is closed when the queue closes.
func (q *jobQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting jobs and wakes all waiters. Jobs still queued are
// returned so the caller can release them.
func (q *jobQueue) Close() []job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	rest := q.jobs
	q.jobs = nil
	return rest
}
