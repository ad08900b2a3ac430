package concurrency

import (
	"runtime"
	"sync/atomic"
)

// WordQueue is a bounded multi-producer multi-consumer lock-free ring of words
// based on Dmitry Vyukov's algorithm using per-slot sequence numbers. The
// collector uses it as the mark stack: barriers push newly marked offsets and
// mark workers drain them.
type WordQueue struct {
	_pad0   [64]byte
	mask    uint64
	_pad1   [64]byte
	enqueue atomic.Uint64
	_pad2   [64]byte
	dequeue atomic.Uint64
	_pad3   [64]byte
	cells   []wordCell
}

type wordCell struct {
	seq  atomic.Uint64
	val  uintptr
	_pad [48]byte // cache line padding (approx)
}

// NewWordQueue creates a queue with the given capacity, rounded up to a power of two.
func NewWordQueue(capacity uint64) *WordQueue {
	if capacity < 2 {
		capacity = 2
	}
	capPow2 := uint64(1)
	for capPow2 < capacity {
		capPow2 <<= 1
	}
	q := &WordQueue{
		mask:  capPow2 - 1,
		cells: make([]wordCell, capPow2),
	}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// Push tries to append v; it returns false if the queue is full.
func (q *WordQueue) Push(v uintptr) bool {
	for {
		pos := q.enqueue.Load()
		c := &q.cells[pos&q.mask]
		dif := int64(c.seq.Load()) - int64(pos)
		switch {
		case dif == 0:
			if q.enqueue.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
		case dif < 0:
			return false // full
		default:
			runtime.Gosched()
		}
	}
}

// Pop tries to remove the oldest word; ok is false if the queue is empty.
func (q *WordQueue) Pop() (v uintptr, ok bool) {
	for {
		pos := q.dequeue.Load()
		c := &q.cells[pos&q.mask]
		dif := int64(c.seq.Load()) - int64(pos+1)
		switch {
		case dif == 0:
			if q.dequeue.CompareAndSwap(pos, pos+1) {
				v = c.val
				c.seq.Store(pos + q.mask + 1)
				return v, true
			}
		case dif < 0:
			return 0, false // empty
		default:
			runtime.Gosched()
		}
	}
}

// Drain pops until the queue is empty, passing each word to fn. It returns the
// number of words drained.
func (q *WordQueue) Drain(fn func(uintptr)) int {
	n := 0
	for {
		v, ok := q.Pop()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}

// Len is an approximate count of queued words.
func (q *WordQueue) Len() int {
	n := int64(q.enqueue.Load()) - int64(q.dequeue.Load())
	if n < 0 {
		return 0
	}
	return int(n)
}
