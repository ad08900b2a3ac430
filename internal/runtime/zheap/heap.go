// Package zheap is a simulated colored heap: an arena of reference slots, an
// object table with a two-bit live map, a forwarding table and a mark queue.
// Its Collector resolves every barrier slow path the way a concurrent
// mark-relocate collector does, without copying any object payload.
package zheap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/orizon-lang/colorgc/internal/errors"
	"github.com/orizon-lang/colorgc/internal/runtime/concurrency"
	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
	"github.com/orizon-lang/colorgc/internal/runtime/zbarrier"
)

const (
	// ObjectAlignment is the distance between consecutive object offsets.
	ObjectAlignment = 16
	// objectBase keeps every object offset away from null.
	objectBase = 1 << 20

	liveStrong      = 1
	liveFinalizable = 2
)

// Config sizes a Heap.
type Config struct {
	Fields    int // reference slots owned by heap objects
	Roots     int // root slots
	Objects   int // maximum number of objects, including relocation targets
	MarkQueue int // mark queue capacity; defaults to Objects
}

// Heap owns the slot arena and the object table.
type Heap struct {
	g     *zbarrier.Globals
	arena *Arena
	cfg   Config

	next atomic.Int64
	live []atomic.Uint32

	forwarding *concurrency.WordMap
	markQueue  *concurrency.WordQueue

	// objects published while markQueue was full
	overflowMu sync.Mutex
	overflow   []uintptr

	marked       atomic.Uint64
	published    atomic.Uint64
	markOverflow atomic.Uint64
	remaps       atomic.Uint64

	logger zerolog.Logger
}

// New creates a heap over g.
func New(g *zbarrier.Globals, cfg Config) (*Heap, error) {
	if cfg.Objects <= 0 {
		return nil, fmt.Errorf("heap needs room for at least one object")
	}
	if cfg.MarkQueue <= 0 {
		cfg.MarkQueue = cfg.Objects
	}

	arena, err := NewArena(cfg.Fields + cfg.Roots)
	if err != nil {
		return nil, err
	}

	return &Heap{
		g:          g,
		arena:      arena,
		cfg:        cfg,
		live:       make([]atomic.Uint32, cfg.Objects),
		forwarding: concurrency.NewWordMap(uint64(cfg.Objects)),
		markQueue:  concurrency.NewWordQueue(uint64(cfg.MarkQueue)),
		logger:     zerolog.Nop(),
	}, nil
}

// SetLogger sets the logger.
func (h *Heap) SetLogger(logger zerolog.Logger) {
	h.logger = logger
}

// Close releases the arena.
func (h *Heap) Close() error { return h.arena.Close() }

// Globals returns the coloring state the heap colors addresses with.
func (h *Heap) Globals() *zbarrier.Globals { return h.g }

// Fields returns the object field slots.
func (h *Heap) Fields() []uintptr { return h.arena.Slice(0, h.cfg.Fields) }

// Roots returns the root slots.
func (h *Heap) Roots() []uintptr { return h.arena.Slice(h.cfg.Fields, h.cfg.Fields+h.cfg.Roots) }

// Field returns the address of field slot i.
func (h *Heap) Field(i int) *uintptr {
	if i < 0 || i >= h.cfg.Fields {
		panic(errors.IndexOutOfBounds(uintptr(i), uintptr(h.cfg.Fields)))
	}
	return h.arena.Slot(i)
}

// Root returns the address of root slot i.
func (h *Heap) Root(i int) *uintptr {
	if i < 0 || i >= h.cfg.Roots {
		panic(errors.IndexOutOfBounds(uintptr(i), uintptr(h.cfg.Roots)))
	}
	return h.arena.Slot(h.cfg.Fields + i)
}

// Store is a mutator store into a slot.
func (h *Heap) Store(p *uintptr, a zaddr.Address) {
	concurrency.StoreWord(p, uintptr(a))
}

func (h *Heap) allocateOffset() (uintptr, bool) {
	i := h.next.Add(1) - 1
	if i >= int64(len(h.live)) {
		return 0, false
	}
	return objectBase + uintptr(i)*ObjectAlignment, true
}

// Allocate creates an object and returns a good reference to it. Objects
// allocated between mark start and relocate start are born live.
func (h *Heap) Allocate() (zaddr.Address, error) {
	off, ok := h.allocateOffset()
	if !ok {
		return 0, fmt.Errorf("heap is full (%d objects)", len(h.live))
	}
	if !h.g.DuringRelocate() {
		h.live[h.index(off)].Store(liveStrong)
	}
	return h.g.Masks().GoodAddress(zaddr.Address(off)), nil
}

// Objects returns the number of allocated objects.
func (h *Heap) Objects() int {
	n := int(h.next.Load())
	if n > len(h.live) {
		n = len(h.live)
	}
	return n
}

func (h *Heap) index(off uintptr) int {
	if off < objectBase || (off-objectBase)%ObjectAlignment != 0 {
		panic(errors.InvalidAddress(off, "object offset"))
	}
	i := int((off - objectBase) / ObjectAlignment)
	if i >= len(h.live) {
		panic(errors.IndexOutOfBounds(uintptr(i), uintptr(len(h.live))))
	}
	return i
}

// ResetMarks clears the live map and discards anything still published from
// the previous cycle. Phase driver only, before marking starts.
func (h *Heap) ResetMarks() {
	for i := range h.live {
		h.live[i].Store(0)
	}
	h.marked.Store(0)
	h.published.Store(0)
	h.DrainMarkQueue(func(uintptr) {})
}

// markObject sets the strong or finalizable live bit and reports whether the
// object was not live before.
func (h *Heap) markObject(off uintptr, finalizable bool) bool {
	bit := uint32(liveStrong)
	if finalizable {
		bit = liveFinalizable
	}
	w := &h.live[h.index(off)]
	for {
		old := w.Load()
		if old&bit != 0 || (finalizable && old&liveStrong != 0) {
			return false
		}
		if w.CompareAndSwap(old, old|bit) {
			h.marked.Add(1)
			return old == 0
		}
	}
}

// IsStronglyLive reports whether the object at the offset of a was strongly marked.
func (h *Heap) IsStronglyLive(a zaddr.Address) bool {
	off := h.g.Masks().Offset(a)
	return h.live[h.index(off)].Load()&liveStrong != 0
}

// IsLive reports whether the object at the offset of a was marked at all.
func (h *Heap) IsLive(a zaddr.Address) bool {
	off := h.g.Masks().Offset(a)
	return h.live[h.index(off)].Load() != 0
}

// Forward registers the relocation of one object to a fresh offset and
// returns that offset. The live bits move with the object. Phase driver only,
// while selecting the relocation set.
func (h *Heap) Forward(from uintptr) (uintptr, error) {
	if to, ok := h.forwarding.Load(from); ok {
		return to, nil
	}
	to, ok := h.allocateOffset()
	if !ok {
		return 0, fmt.Errorf("no room to relocate %#x", from)
	}
	actual, loaded := h.forwarding.LoadOrStore(from, to)
	if loaded {
		return actual, nil
	}
	h.live[h.index(to)].Store(h.live[h.index(from)].Load())
	return to, nil
}

// ResetForwarding drops all forwarding entries. Only valid once every
// reachable reference has been remapped by marking and weak processing.
func (h *Heap) ResetForwarding() { h.forwarding.Reset() }

// Forwardings returns the number of forwarding entries.
func (h *Heap) Forwardings() int { return h.forwarding.Len() }

// publish hands a newly marked object to the followers. When the queue is
// full the object goes to the overflow list instead.
func (h *Heap) publish(off uintptr) {
	h.published.Add(1)
	if h.markQueue.Push(off) {
		return
	}
	h.markOverflow.Add(1)
	h.overflowMu.Lock()
	h.overflow = append(h.overflow, off)
	h.overflowMu.Unlock()
}

func (h *Heap) takeOverflow() []uintptr {
	h.overflowMu.Lock()
	defer h.overflowMu.Unlock()
	spilled := h.overflow
	h.overflow = nil
	return spilled
}

func (h *Heap) overflowLen() int {
	h.overflowMu.Lock()
	defer h.overflowMu.Unlock()
	return len(h.overflow)
}

// DrainMarkQueue pops every published object, passing its offset to fn,
// until both the queue and the overflow list are empty.
func (h *Heap) DrainMarkQueue(fn func(off uintptr)) int {
	n := 0
	for {
		n += h.markQueue.Drain(fn)
		spilled := h.takeOverflow()
		if len(spilled) == 0 {
			return n
		}
		for _, off := range spilled {
			fn(off)
		}
		n += len(spilled)
	}
}

// HeapStats is a point-in-time copy of the heap counters.
type HeapStats struct {
	Objects      int    `json:"objects"`
	Marked       uint64 `json:"marked"`
	Published    uint64 `json:"published"`
	MarkOverflow uint64 `json:"mark_overflow"`
	MarkQueued   int    `json:"mark_queued"`
	Remaps       uint64 `json:"remaps"`
	Forwardings  int    `json:"forwardings"`
}

// Stats returns the heap counters.
func (h *Heap) Stats() HeapStats {
	return HeapStats{
		Objects:      h.Objects(),
		Marked:       h.marked.Load(),
		Published:    h.published.Load(),
		MarkOverflow: h.markOverflow.Load(),
		MarkQueued:   h.markQueue.Len() + h.overflowLen(),
		Remaps:       h.remaps.Load(),
		Forwardings:  h.forwarding.Len(),
	}
}

// SelectRelocationSet forwards every stride-th live object to a fresh offset
// and returns how many objects were forwarded. It stops early when the heap
// has no room left for relocation targets. Phase driver only, between mark
// end and relocate start.
func (h *Heap) SelectRelocationSet(stride int) int {
	if stride <= 0 {
		return 0
	}

	n, selected := h.Objects(), 0
	for i := 0; i < n; i += stride {
		if h.live[i].Load() == 0 {
			continue
		}
		from := objectBase + uintptr(i)*ObjectAlignment
		if _, err := h.Forward(from); err != nil {
			h.logger.Warn().Err(err).Int("selected", selected).Msg("relocation set truncated")
			break
		}
		selected++
	}

	h.logger.Debug().Int("objects", n).Int("selected", selected).Msg("relocation set selected")
	return selected
}
