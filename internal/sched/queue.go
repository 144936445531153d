// Package sched is a single cooperative work queue with cancellable,
// delayable work items.
//
// Every item runs on whichever goroutine drives the queue (Run or
// RunPending), one at a time. Items never run concurrently with each other,
// so state touched only from queue items needs no further locking.
// Schedule, Reschedule, Cancel and Submit are safe from any goroutine.
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type Queue struct {
	clock Clock

	mu    sync.Mutex
	items workHeap
	seq   uint64

	wake chan struct{}
}

func New(clock Clock) *Queue {
	if clock == nil {
		clock = SystemClock()
	}
	return &Queue{clock: clock, wake: make(chan struct{}, 1)}
}

func (q *Queue) Clock() Clock { return q.clock }

// Work is a delayable item. A Work is either idle or pending with exactly
// one deadline.
type Work struct {
	q    *Queue
	name string
	fn   func()

	// Guarded by q.mu.
	deadline time.Time
	seq      uint64
	index    int
}

func (q *Queue) NewWork(name string, fn func()) *Work {
	return &Work{q: q, name: name, fn: fn, index: -1}
}

func (w *Work) Name() string { return w.name }

// Schedule queues w to run after d unless it is already pending, in which
// case the existing deadline is kept. It reports whether w was queued.
func (w *Work) Schedule(d time.Duration) bool {
	q := w.q
	q.mu.Lock()
	if w.index >= 0 {
		q.mu.Unlock()
		return false
	}
	q.pushLocked(w, d)
	q.mu.Unlock()
	q.signal()
	return true
}

// Reschedule queues w to run after d, replacing any pending deadline.
func (w *Work) Reschedule(d time.Duration) {
	q := w.q
	q.mu.Lock()
	if w.index >= 0 {
		heap.Remove(&q.items, w.index)
	}
	q.pushLocked(w, d)
	q.mu.Unlock()
	q.signal()
}

// Cancel removes w from the queue. Cancelling an idle item is a no-op.
// It reports whether a pending run was removed.
func (w *Work) Cancel() bool {
	q := w.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.index < 0 {
		return false
	}
	heap.Remove(&q.items, w.index)
	return true
}

func (w *Work) Pending() bool {
	w.q.mu.Lock()
	defer w.q.mu.Unlock()
	return w.index >= 0
}

// Remaining is the time left until w runs, or 0 when idle or overdue.
func (w *Work) Remaining() time.Duration {
	q := w.q
	q.mu.Lock()
	pending := w.index >= 0
	deadline := w.deadline
	q.mu.Unlock()
	if !pending {
		return 0
	}
	d := deadline.Sub(q.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// Submit runs fn on the queue as soon as possible, after items that are
// already due. This is how callbacks from other goroutines get onto the
// queue before touching queue-owned state.
func (q *Queue) Submit(fn func()) {
	if fn == nil {
		return
	}
	q.NewWork("submit", fn).Schedule(0)
}

// NextDeadline returns the earliest pending deadline.
func (q *Queue) NextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].deadline, true
}

// Len is the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RunPending runs every item whose deadline has passed, in deadline order
// with FIFO ties. Items made due while running are also run. It returns the
// number of items executed.
func (q *Queue) RunPending() int {
	n := 0
	for {
		now := q.clock.Now()
		q.mu.Lock()
		if len(q.items) == 0 || q.items[0].deadline.After(now) {
			q.mu.Unlock()
			return n
		}
		w := heap.Pop(&q.items).(*Work)
		q.mu.Unlock()

		w.fn()
		n++
	}
}

// Run drives the queue in real time until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		q.RunPending()

		wait := time.Hour
		if next, ok := q.NextDeadline(); ok {
			wait = next.Sub(q.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-timer.C:
		}
	}
}

func (q *Queue) pushLocked(w *Work, d time.Duration) {
	if d < 0 {
		d = 0
	}
	q.seq++
	w.seq = q.seq
	w.deadline = q.clock.Now().Add(d)
	heap.Push(&q.items, w)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

type workHeap []*Work

func (h workHeap) Len() int { return len(h) }

func (h workHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h workHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *workHeap) Push(x any) {
	w := x.(*Work)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
