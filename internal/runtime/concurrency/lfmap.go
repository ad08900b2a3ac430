package concurrency

import (
	"sync/atomic"
)

// WordMap is a lock-free hash map from word keys to word values with a fixed
// bucket count. Buckets are singly-linked lists manipulated with atomic
// pointers. An entry, once inserted, is never replaced: the first writer wins,
// which is what a forwarding table needs when several threads race to forward
// the same object.
type WordMap struct {
	buckets []atomic.Pointer[wordNode]
	mask    uint64
	size    atomic.Int64
}

type wordNode struct {
	key  uintptr
	val  uintptr
	next *wordNode
}

// NewWordMap creates a map with bucket count rounded up to the next power of two.
func NewWordMap(buckets uint64) *WordMap {
	if buckets < 2 {
		buckets = 2
	}
	// round up to power of two
	n := uint64(1)
	for n < buckets {
		n <<= 1
	}
	return &WordMap{
		buckets: make([]atomic.Pointer[wordNode], n),
		mask:    n - 1,
	}
}

// hashWord is the 64-bit finalizer from MurmurHash3; keys are aligned offsets
// whose low bits carry no entropy.
func hashWord(k uintptr) uint64 {
	h := uint64(k)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

func (m *WordMap) bucket(key uintptr) *atomic.Pointer[wordNode] {
	return &m.buckets[hashWord(key)&m.mask]
}

// Load returns the value for key if present.
func (m *WordMap) Load(key uintptr) (uintptr, bool) {
	for n := m.bucket(key).Load(); n != nil; n = n.next {
		if n.key == key {
			return n.val, true
		}
	}
	return 0, false
}

// LoadOrStore returns the existing value for key if present; otherwise it
// inserts value. loaded reports whether the value was already there.
func (m *WordMap) LoadOrStore(key, value uintptr) (actual uintptr, loaded bool) {
	head := m.bucket(key)
	for {
		old := head.Load()
		for n := old; n != nil; n = n.next {
			if n.key == key {
				return n.val, true
			}
		}
		// not found: insert new node at head
		if head.CompareAndSwap(old, &wordNode{key: key, val: value, next: old}) {
			m.size.Add(1)
			return value, false
		}
	}
}

// Len returns the number of entries.
func (m *WordMap) Len() int { return int(m.size.Load()) }

// Range iterates key-value pairs; if fn returns false, iteration stops.
func (m *WordMap) Range(fn func(key, value uintptr) bool) {
	for i := range m.buckets {
		for n := m.buckets[i].Load(); n != nil; n = n.next {
			if !fn(n.key, n.val) {
				return
			}
		}
	}
}

// Reset drops every entry. It must not race with other operations.
func (m *WordMap) Reset() {
	for i := range m.buckets {
		m.buckets[i].Store(nil)
	}
	m.size.Store(0)
}
