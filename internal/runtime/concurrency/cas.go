// Package concurrency holds the lock-free primitives shared by the barrier
// engine and its collaborators: the self-heal CAS combinator, a word-keyed
// lock-free map and a bounded MPMC word queue.
package concurrency

import "sync/atomic"

// LoadWord atomically loads a reference slot.
func LoadWord(addr *uintptr) uintptr { return atomic.LoadUintptr(addr) }

// StoreWord atomically stores into a reference slot.
func StoreWord(addr *uintptr, v uintptr) { atomic.StoreUintptr(addr, v) }

// CASWord performs an atomic compare-and-swap on a reference slot.
func CASWord(addr *uintptr, old, new uintptr) bool {
	return atomic.CompareAndSwapUintptr(addr, old, new)
}

// HealCAS swaps healed into *addr for as long as the slot holds a value that is
// not yet acceptable. On contention the value found in the slot becomes the new
// compare value; onRetry, if non-nil, sees it first. The loop ends when the
// swap succeeds or another writer already left an acceptable value behind.
//
// HealCAS reports whether this call installed healed and how many swaps failed.
func HealCAS(addr *uintptr, observed, healed uintptr, acceptable func(uintptr) bool, onRetry func(prev uintptr)) (installed bool, retries int) {
	for {
		if atomic.CompareAndSwapUintptr(addr, observed, healed) {
			return true, retries
		}

		prev := atomic.LoadUintptr(addr)
		if prev == observed {
			// Changed back between the swap and the load.
			continue
		}
		if acceptable(prev) {
			return false, retries
		}

		retries++
		if onRetry != nil {
			onRetry(prev)
		}
		observed = prev
	}
}
