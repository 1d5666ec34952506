package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueClosed is returned by Put after Close.
	ErrQueueClosed = errors.New("install queue closed")
	// ErrQueueRunning is returned by Run when a consumer is already active.
	ErrQueueRunning = errors.New("install queue already has a consumer")
)

// InstallFunc installs one archive.
type InstallFunc func(ctx context.Context, path string) error

// InstallQueue is a bounded FIFO of archive paths drained by exactly one
// consumer. Put blocks while the queue is full, which holds the download
// engine back until the installer catches up.
type InstallQueue struct {
	capacity int

	mu     sync.Mutex
	items  []string
	closed bool

	notEmpty  chan struct{}
	notFull   chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once

	running atomic.Bool
}

// NewInstallQueue creates a queue holding at most capacity paths. A
// capacity of 0 means unbounded.
func NewInstallQueue(capacity int) *InstallQueue {
	if capacity < 0 {
		capacity = 0
	}
	return &InstallQueue{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Put appends path, blocking while the queue is full.
func (q *InstallQueue) Put(ctx context.Context, path string) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.capacity == 0 || len(q.items) < q.capacity {
			q.items = append(q.items, path)
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-q.closedCh:
			return ErrQueueClosed
		case <-q.notFull:
		}
	}
}

// Close marks the end of work. Paths already queued are still handed to
// the consumer. Close is idempotent.
func (q *InstallQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.closedCh)
	})
}

// Run consumes the queue in FIFO order until it is closed and drained.
// It stops without draining when ctx ends or fn returns an error.
func (q *InstallQueue) Run(ctx context.Context, fn InstallFunc) error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrQueueRunning
	}
	defer q.running.Store(false)

	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		path, ok, done := q.next()
		if ok {
			if err := fn(ctx, path); err != nil {
				return err
			}
			continue
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-q.notEmpty:
		case <-q.closedCh:
		}
	}
}

// next pops the head of the queue. done is true once the queue is closed
// and empty.
func (q *InstallQueue) next() (path string, ok, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false, q.closed
	}
	path = q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	signal(q.notFull)
	return path, true, false
}

// Len returns the number of queued paths.
func (q *InstallQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsRunning reports whether a consumer is active.
func (q *InstallQueue) IsRunning() bool {
	return q.running.Load()
}

// Pending returns the paths that were queued but not consumed.
func (q *InstallQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.items...)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
