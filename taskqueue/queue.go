// Package taskqueue implements the per-engine MPMC outbound task queue
// of spec.md §4.3 ("an MPMC task queue of outbound work"). The fast path
// is a lock-free bounded ring (adapted from the teacher's
// core/concurrency/lock_free_queue.go, itself built on Dmitry Vyukov's
// bounded MPMC queue pattern); when the ring is momentarily full, Put
// spills to a mutex-guarded overflow backed by github.com/eapache/queue,
// grounded directly on the teacher's own internal/concurrency/executor.go
// import of the same package for its slow-path task pool.
package taskqueue

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// Task is the client-side send task of spec.md §4.3/§4.5: an opaque
// callback tag, an opaque application context, the payload to frame and
// send, and the destination host string pickEndpoint keys on.
type Task struct {
	CallbackTag uint64
	Context     uint64
	Payload     []byte
	Dest        string
}

const cacheLinePad = 64

type cell struct {
	sequence atomic.Uint64
	data     Task
}

// Queue is the MPMC task queue bound to one IoEngine.
type Queue struct {
	head uint64
	_    [cacheLinePad]byte
	tail uint64
	_    [cacheLinePad]byte
	mask uint64
	ring []cell

	overflowMu sync.Mutex
	overflow   *queue.Queue
}

// New creates a queue whose fast-path ring capacity is rounded up to
// the next power of two >= capacity.
func New(capacity int) *Queue {
	if capacity < 2 {
		capacity = 2
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	q := &Queue{
		mask:     uint64(size - 1),
		ring:     make([]cell, size),
		overflow: queue.New(),
	}
	for i := range q.ring {
		q.ring[i].sequence.Store(uint64(i))
	}
	return q
}

// Put enqueues a task. It never fails: a full ring spills to the
// overflow queue, matching the engine worker's re-enqueue-on-backpressure
// behavior (spec.md §4.3's "push task back onto the queue (re-enqueued
// to the tail)") without ever dropping a task.
func (q *Queue) Put(t Task) {
	if q.ringEnqueue(t) {
		return
	}
	q.overflowMu.Lock()
	q.overflow.Add(t)
	q.overflowMu.Unlock()
}

// Get dequeues one task, preferring the overflow spill over the ring.
// The spill only receives tasks that arrived while the ring was full, so
// order across the spill and the ring is not FIFO; each of the two is
// FIFO on its own.
func (q *Queue) Get() (Task, bool) {
	q.overflowMu.Lock()
	if q.overflow.Length() > 0 {
		t := q.overflow.Remove().(Task)
		q.overflowMu.Unlock()
		return t, true
	}
	q.overflowMu.Unlock()
	return q.ringDequeue()
}

func (q *Queue) ringEnqueue(t Task) bool {
	for {
		tail := atomic.LoadUint64(&q.tail)
		idx := tail & q.mask
		c := &q.ring[idx]
		seq := c.sequence.Load()
		dif := int64(seq) - int64(tail)

		switch {
		case dif == 0:
			if atomic.CompareAndSwapUint64(&q.tail, tail, tail+1) {
				c.data = t
				c.sequence.Store(tail + 1)
				return true
			}
		case dif < 0:
			return false
		default:
			// tail moved under us; retry
		}
	}
}

func (q *Queue) ringDequeue() (Task, bool) {
	for {
		head := atomic.LoadUint64(&q.head)
		idx := head & q.mask
		c := &q.ring[idx]
		seq := c.sequence.Load()
		dif := int64(seq) - int64(head+1)

		switch {
		case dif == 0:
			if atomic.CompareAndSwapUint64(&q.head, head, head+1) {
				t := c.data
				c.sequence.Store(head + q.mask + 1)
				return t, true
			}
		case dif < 0:
			var zero Task
			return zero, false
		default:
			// head moved under us; retry
		}
	}
}
