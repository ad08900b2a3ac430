package zbarrier

import (
	"sync/atomic"

	"github.com/orizon-lang/colorgc/internal/errors"
	"github.com/orizon-lang/colorgc/internal/runtime/concurrency"
	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
)

// A self heal must always "upgrade" the metadata bits in accordance with the
// color state machine, where N is the GC cycle:
//
//	Marked(N)      -> Remapped(N), Marked(N+1), Finalizable(N+1)
//	Finalizable(N) -> Marked(N), Remapped(N), Marked(N+1), Finalizable(N+1)
//	Remapped(N)    -> Marked(N+1), Finalizable(N+1)
//
// References are colored Remapped(N) from relocation N until marking N+1.

// Stats counts slow-path traffic. Fast-path hits are not counted.
type Stats struct {
	SlowPaths      atomic.Uint64
	Heals          atomic.Uint64
	HealsPreempted atomic.Uint64
	HealRetries    atomic.Uint64
	RootHeals      atomic.Uint64
	KeepAliveMarks atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	SlowPaths      uint64 `json:"slow_paths"`
	Heals          uint64 `json:"heals"`
	HealsPreempted uint64 `json:"heals_preempted"`
	HealRetries    uint64 `json:"heal_retries"`
	RootHeals      uint64 `json:"root_heals"`
	KeepAliveMarks uint64 `json:"keep_alive_marks"`
}

// Barrier applies the barrier family over one Globals and one Collector.
// All methods are safe for concurrent use.
type Barrier struct {
	g     *Globals
	c     Collector
	stats Stats
}

// New creates a Barrier.
func New(g *Globals, c Collector) *Barrier {
	return &Barrier{g: g, c: c}
}

// Globals returns the coloring state the barrier reads.
func (b *Barrier) Globals() *Globals { return b.g }

// Stats returns a copy of the counters.
func (b *Barrier) Stats() StatsSnapshot {
	return StatsSnapshot{
		SlowPaths:      b.stats.SlowPaths.Load(),
		Heals:          b.stats.Heals.Load(),
		HealsPreempted: b.stats.HealsPreempted.Load(),
		HealRetries:    b.stats.HealRetries.Load(),
		RootHeals:      b.stats.RootHeals.Load(),
		KeepAliveMarks: b.stats.KeepAliveMarks.Load(),
	}
}

func (b *Barrier) paths() paths { return paths{m: b.g.Masks(), c: b.c} }

func load(p *uintptr) zaddr.Address { return zaddr.Address(concurrency.LoadWord(p)) }

// selfHeal rewrites *p from addr to heal unless another thread gets there
// first with something path already accepts. Healing with null is refused: it
// would look exactly like the program clearing the reference.
func selfHeal[P Path](b *Barrier, p *uintptr, addr, heal zaddr.Address, path P, m *zaddr.Masks) {
	if heal == 0 {
		return
	}
	if path.FastPath(addr) || !path.FastPath(heal) {
		panic(errors.InvalidSelfHeal(uintptr(addr), uintptr(heal)))
	}

	installed, retries := concurrency.HealCAS(p, uintptr(addr), uintptr(heal),
		func(v uintptr) bool { return path.FastPath(zaddr.Address(v)) },
		func(prev uintptr) {
			// Healed by another barrier with weaker bits; re-apply ours.
			if m.Offset(zaddr.Address(prev)) != m.Offset(heal) {
				panic(errors.InvalidOffset(prev, uintptr(heal)))
			}
		})

	if installed {
		b.stats.Heals.Add(1)
	} else {
		b.stats.HealsPreempted.Add(1)
	}
	if retries > 0 {
		b.stats.HealRetries.Add(uint64(retries))
	}
}

// barrier is the generic field barrier: return o if path accepts it, else
// resolve it and heal the slot. A nil p means o was not loaded from a slot.
func barrier[P Path](b *Barrier, p *uintptr, o zaddr.Address, path P, m *zaddr.Masks) zaddr.Address {
	if path.FastPath(o) {
		return o
	}

	b.stats.SlowPaths.Add(1)
	good := path.SlowPath(o)

	if p != nil {
		selfHeal(b, p, o, good, path, m)
	}
	return good
}

// weakBarrier is barrier for loads that must not mark. The fast path hands
// out the good view of a weak-good reference so every reader agrees on one
// canonical value, and the slot is healed to Remapped, never to a marked color.
func weakBarrier[P Path](b *Barrier, p *uintptr, o zaddr.Address, path P, m *zaddr.Masks) zaddr.Address {
	if path.FastPath(o) {
		return m.GoodOrNull(o)
	}

	b.stats.SlowPaths.Add(1)
	good := path.SlowPath(o)

	if p != nil {
		selfHeal(b, p, o, m.RemappedOrNull(good), path, m)
	}
	return good
}

// rootBarrier heals with a plain store. Roots are only healed at a safepoint
// or under the lock guarding their root set, so no mutator races the store;
// collector threads healing the same aligned root all store the same value.
func rootBarrier[P Path](b *Barrier, p *uintptr, path P) {
	if p == nil {
		panic(errors.NullPointer("root barrier slot"))
	}
	o := zaddr.Address(*p)
	if path.FastPath(o) {
		return
	}

	b.stats.SlowPaths.Add(1)
	good := path.SlowPath(o)

	*p = uintptr(good)
	b.stats.RootHeals.Add(1)
}
