package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestWordMap_Basic(t *testing.T) {
	m := NewWordMap(64)
	if _, ok := m.Load(0x1000); ok {
		t.Fatal("unexpected present")
	}

	if v, loaded := m.LoadOrStore(0x1000, 0x2000); loaded || v != 0x2000 {
		t.Fatalf("first store: %#x %v", v, loaded)
	}

	if v, ok := m.Load(0x1000); !ok || v != 0x2000 {
		t.Fatalf("got %#x %v", v, ok)
	}

	// first writer wins
	if v, loaded := m.LoadOrStore(0x1000, 0x3000); !loaded || v != 0x2000 {
		t.Fatalf("loadorstore: %#x %v", v, loaded)
	}

	if m.Len() != 1 {
		t.Fatalf("len = %d, want 1", m.Len())
	}

	m.Reset()

	if _, ok := m.Load(0x1000); ok {
		t.Fatal("still present after reset")
	}
}

func TestWordMap_ConcurrentFirstWriterWins(t *testing.T) {
	m := NewWordMap(256)
	keys := 1000
	writers := 8

	var wins atomic.Int64
	results := make([][]uintptr, writers)

	wg := sync.WaitGroup{}
	wg.Add(writers)

	for w := 0; w < writers; w++ {
		go func(id int) {
			defer wg.Done()

			results[id] = make([]uintptr, keys)
			for i := 0; i < keys; i++ {
				k := uintptr(i+1) << 3
				v, loaded := m.LoadOrStore(k, uintptr(id+1)<<32|k)
				if !loaded {
					wins.Add(1)
				}
				results[id][i] = v
			}
		}(w)
	}

	wg.Wait()

	if got := wins.Load(); got != int64(keys) {
		t.Fatalf("inserts = %d, want %d", got, keys)
	}

	for i := 0; i < keys; i++ {
		for w := 1; w < writers; w++ {
			if results[w][i] != results[0][i] {
				t.Fatalf("key %d: writer %d saw %#x, writer 0 saw %#x", i, w, results[w][i], results[0][i])
			}
		}
	}

	seen := 0
	m.Range(func(k, v uintptr) bool {
		seen++
		return true
	})

	if seen != keys {
		t.Fatalf("range saw %d entries, want %d", seen, keys)
	}
}
