package zbarrier

import (
	"github.com/orizon-lang/colorgc/internal/errors"
	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
)

//
// Load barrier
//

// LoadBarrierOnOop applies the strong load barrier to a value not read from a slot.
func (b *Barrier) LoadBarrierOnOop(o zaddr.Address) zaddr.Address {
	return b.LoadBarrierOnOopFieldPreloaded(nil, o)
}

// LoadBarrierOnOopField loads *p and applies the strong load barrier.
func (b *Barrier) LoadBarrierOnOopField(p *uintptr) zaddr.Address {
	return b.LoadBarrierOnOopFieldPreloaded(p, load(p))
}

// LoadBarrierOnOopFieldPreloaded applies the strong load barrier to o, which
// was read from p.
func (b *Barrier) LoadBarrierOnOopFieldPreloaded(p *uintptr, o zaddr.Address) zaddr.Address {
	ps := b.paths()
	return barrier(b, p, o, loadPath{ps}, ps.m)
}

// LoadBarrierOnOopArray applies the strong load barrier to every slot.
func (b *Barrier) LoadBarrierOnOopArray(slots []uintptr) {
	for i := range slots {
		b.LoadBarrierOnOopField(&slots[i])
	}
}

// LoadBarrierOnWeakOopFieldPreloaded is the strong load of a weak referent.
func (b *Barrier) LoadBarrierOnWeakOopFieldPreloaded(p *uintptr, o zaddr.Address) zaddr.Address {
	if b.g.Resurrection.IsBlocked() {
		ps := b.paths()
		return barrier(b, p, o, weakLoadWeakPath{ps}, ps.m)
	}
	return b.LoadBarrierOnOopFieldPreloaded(p, o)
}

// LoadBarrierOnPhantomOopFieldPreloaded is the strong load of a phantom referent.
func (b *Barrier) LoadBarrierOnPhantomOopFieldPreloaded(p *uintptr, o zaddr.Address) zaddr.Address {
	if b.g.Resurrection.IsBlocked() {
		ps := b.paths()
		return barrier(b, p, o, weakLoadPhantomPath{ps}, ps.m)
	}
	return b.LoadBarrierOnOopFieldPreloaded(p, o)
}

// LoadBarrierOnRootOopField heals a root in place. The caller must hold the
// safepoint or the lock guarding the root set.
func (b *Barrier) LoadBarrierOnRootOopField(p *uintptr) {
	rootBarrier(b, p, loadPath{b.paths()})
}

// LoadBarrierOnInvisibleRootOopField heals a root that marking must not follow.
func (b *Barrier) LoadBarrierOnInvisibleRootOopField(p *uintptr) {
	rootBarrier(b, p, invisibleRootPath{b.paths()})
}

//
// Weak load barrier
//

// WeakLoadBarrierOnOopField loads *p without keeping the object alive. It is
// not valid while resurrection is blocked.
func (b *Barrier) WeakLoadBarrierOnOopField(p *uintptr) zaddr.Address {
	if b.g.Resurrection.IsBlocked() {
		panic(errors.InvalidPhase("weak load barrier", b.g.Describe()))
	}
	return b.WeakLoadBarrierOnOopFieldPreloaded(p, load(p))
}

func (b *Barrier) WeakLoadBarrierOnOopFieldPreloaded(p *uintptr, o zaddr.Address) zaddr.Address {
	ps := b.paths()
	return weakBarrier(b, p, o, weakLoadPath{ps}, ps.m)
}

func (b *Barrier) WeakLoadBarrierOnWeakOop(o zaddr.Address) zaddr.Address {
	return b.WeakLoadBarrierOnWeakOopFieldPreloaded(nil, o)
}

func (b *Barrier) WeakLoadBarrierOnWeakOopField(p *uintptr) zaddr.Address {
	return b.WeakLoadBarrierOnWeakOopFieldPreloaded(p, load(p))
}

func (b *Barrier) WeakLoadBarrierOnWeakOopFieldPreloaded(p *uintptr, o zaddr.Address) zaddr.Address {
	if b.g.Resurrection.IsBlocked() {
		ps := b.paths()
		return barrier(b, p, o, weakLoadWeakPath{ps}, ps.m)
	}
	return b.WeakLoadBarrierOnOopFieldPreloaded(p, o)
}

func (b *Barrier) WeakLoadBarrierOnPhantomOop(o zaddr.Address) zaddr.Address {
	return b.WeakLoadBarrierOnPhantomOopFieldPreloaded(nil, o)
}

func (b *Barrier) WeakLoadBarrierOnPhantomOopField(p *uintptr) zaddr.Address {
	return b.WeakLoadBarrierOnPhantomOopFieldPreloaded(p, load(p))
}

func (b *Barrier) WeakLoadBarrierOnPhantomOopFieldPreloaded(p *uintptr, o zaddr.Address) zaddr.Address {
	if b.g.Resurrection.IsBlocked() {
		ps := b.paths()
		return barrier(b, p, o, weakLoadPhantomPath{ps}, ps.m)
	}
	return b.WeakLoadBarrierOnOopFieldPreloaded(p, o)
}

//
// Is alive barrier
//

// IsAliveBarrierOnWeakOop reports whether o is logically non-null. Only valid
// while resurrection is blocked.
func (b *Barrier) IsAliveBarrierOnWeakOop(o zaddr.Address) bool {
	b.requireBlocked("is-alive barrier on weak reference")
	return b.WeakLoadBarrierOnWeakOop(o) != 0
}

// IsAliveBarrierOnPhantomOop reports whether o is logically non-null. Only
// valid while resurrection is blocked.
func (b *Barrier) IsAliveBarrierOnPhantomOop(o zaddr.Address) bool {
	b.requireBlocked("is-alive barrier on phantom reference")
	return b.WeakLoadBarrierOnPhantomOop(o) != 0
}

//
// Keep alive barrier
//

// KeepAliveBarrierOnWeakOopField makes the referent in *p strongly reachable
// for this cycle. Only valid while resurrection is blocked.
func (b *Barrier) KeepAliveBarrierOnWeakOopField(p *uintptr) {
	b.requireBlocked("keep-alive barrier on weak reference")
	ps := b.paths()
	path := keepAliveWeakPath{ps}
	o := load(p)
	if path.FastPath(o) {
		b.keepAliveGood(o)
		return
	}
	barrier(b, p, o, path, ps.m)
}

// KeepAliveBarrierOnPhantomOopField is KeepAliveBarrierOnWeakOopField for
// phantom referents.
func (b *Barrier) KeepAliveBarrierOnPhantomOopField(p *uintptr) {
	b.requireBlocked("keep-alive barrier on phantom reference")
	ps := b.paths()
	path := keepAlivePhantomPath{ps}
	o := load(p)
	if path.FastPath(o) {
		b.keepAliveGood(o)
		return
	}
	barrier(b, p, o, path, ps.m)
}

// KeepAliveBarrierOnPhantomRootOopField is the root flavor of
// KeepAliveBarrierOnPhantomOopField; the heal is a plain store.
func (b *Barrier) KeepAliveBarrierOnPhantomRootOopField(p *uintptr) {
	b.requireBlocked("keep-alive barrier on phantom root")
	rootBarrier(b, p, keepAlivePhantomPath{b.paths()})
}

// KeepAliveBarrierOnOop marks an already good reference when marking is
// running. A good color does not prove the object was marked this cycle.
func (b *Barrier) KeepAliveBarrierOnOop(o zaddr.Address) {
	m := b.g.Masks()
	if !m.IsGood(o) {
		panic(errors.InvalidAddress(uintptr(o), "good address"))
	}
	if b.g.DuringMark() {
		b.stats.KeepAliveMarks.Add(1)
		b.c.MarkSlowPath(o)
	}
}

func (b *Barrier) keepAliveGood(o zaddr.Address) {
	if o == 0 || !b.g.DuringMark() {
		return
	}
	b.stats.KeepAliveMarks.Add(1)
	b.c.MarkSlowPath(o)
}

//
// Mark barrier
//

// MarkBarrierOnOopField marks through the reference in *p, healing it first
// if its color is stale. Good references carrying the keep bit are already
// retained and are skipped.
func (b *Barrier) MarkBarrierOnOopField(p *uintptr, finalizable bool) {
	ps := b.paths()
	o := load(p)

	if finalizable {
		barrier(b, p, o, markFinalizablePath{ps}, ps.m)
		return
	}

	if ps.m.IsGood(o) {
		// Mark through good reference
		if ps.m.IsKeep(o) {
			return
		}
		b.stats.SlowPaths.Add(1)
		b.c.MarkSlowPath(o)
		return
	}

	// Mark through bad reference
	barrier(b, p, o, markPath{ps}, ps.m)
}

// MarkBarrierOnOopArray applies MarkBarrierOnOopField to every slot.
func (b *Barrier) MarkBarrierOnOopArray(slots []uintptr, finalizable bool) {
	for i := range slots {
		b.MarkBarrierOnOopField(&slots[i], finalizable)
	}
}

func (b *Barrier) requireBlocked(operation string) {
	if !b.g.Resurrection.IsBlocked() {
		panic(errors.InvalidPhase(operation, b.g.Describe()))
	}
}
