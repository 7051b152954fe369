// Package dispatch provides serialized execution queues.
//
// A Queue owns one goroutine that runs posted tasks one at a time in FIFO
// order. State that is only touched from inside one queue's tasks needs no
// further locking. Posting never blocks: the backlog is unbounded.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by Flush after the queue stopped accepting work.
var ErrClosed = errors.New("dispatch: queue closed")

// Queue is a single-consumer FIFO of tasks.
type Queue struct {
	name string
	log  *zap.Logger

	mu      sync.Mutex
	tasks   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// New creates a queue. Tasks run once Run is called.
func New(name string, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		name:    name,
		log:     log.With(zap.String("queue", name)),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Name returns the queue name given to New.
func (q *Queue) Name() string { return q.name }

// Post enqueues fn and returns immediately. It reports false if the queue
// is closed, in which case fn will never run.
func (q *Queue) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Run executes tasks until ctx is done or Close is called. After Close,
// tasks already posted are drained before Run returns; when ctx ends first
// they are dropped. Run must be called at most once.
func (q *Queue) Run(ctx context.Context) error {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		batch := q.tasks
		q.tasks = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			q.exec(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			q.Close()
			return nil
		case <-q.wake:
		}
	}
}

// exec runs one task. A panicking task is logged and the queue keeps going.
func (q *Queue) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task panicked", zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
		}
	}()
	fn()
}

// Close stops accepting tasks. Run drains what is already queued and
// returns.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Run has returned.
func (q *Queue) Done() <-chan struct{} { return q.stopped }

// Flush waits until every task posted before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !q.Post(func() { close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-q.stopped:
		// Run may have drained the marker just before returning.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
