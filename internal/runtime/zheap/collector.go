package zheap

import (
	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
)

// Collector resolves barrier slow paths against a Heap. Relocation is
// logical: the driver forwards objects up front, and the slow paths only look
// up the new offset.
type Collector struct {
	h *Heap
}

// NewCollector returns the collector for h.
func NewCollector(h *Heap) *Collector {
	return &Collector{h: h}
}

// Heap returns the heap the collector works on.
func (c *Collector) Heap() *Heap { return c.h }

func (c *Collector) masks() *zaddr.Masks { return c.h.g.Masks() }

// remap returns the good address of the object's current location.
func (c *Collector) remap(m *zaddr.Masks, a zaddr.Address) zaddr.Address {
	off := m.Offset(a)
	if to, ok := c.h.forwarding.Load(off); ok {
		c.h.remaps.Add(1)
		return m.GoodAddress(zaddr.Address(to))
	}
	return m.GoodAddress(zaddr.Address(off))
}

// mark returns the good address of a and, while marking, marks the object.
// Newly marked objects are published to the mark queue when follow is set.
func (c *Collector) mark(a zaddr.Address, follow, finalizable bool) zaddr.Address {
	m := c.masks()

	var good zaddr.Address
	switch {
	case m.IsMarked(a):
		// Already marked, but try to mark though anyway
		good = m.GoodAddress(a)
	case m.IsRemapped(a):
		// Already remapped, but also needs to be marked
		good = m.GoodAddress(a)
	default:
		// Needs to be both remapped and marked
		good = c.remap(m, a)
	}

	if c.h.g.DuringMark() && c.h.markObject(m.Offset(good), finalizable) && follow {
		c.h.publish(m.Offset(good))
	}
	return good
}

func (c *Collector) relocateOrMark(a zaddr.Address, follow bool) zaddr.Address {
	if c.h.g.DuringRelocate() {
		return c.remap(c.masks(), a)
	}
	return c.mark(a, follow, false)
}

func (c *Collector) LoadSlowPath(a zaddr.Address) zaddr.Address {
	return c.relocateOrMark(a, true)
}

func (c *Collector) LoadInvisibleRootSlowPath(a zaddr.Address) zaddr.Address {
	return c.relocateOrMark(a, false)
}

func (c *Collector) WeakLoadSlowPath(a zaddr.Address) zaddr.Address {
	m := c.masks()
	if m.IsWeakGood(a) {
		return m.GoodAddress(a)
	}
	return c.remap(m, a)
}

func (c *Collector) WeakLoadWeakSlowPath(a zaddr.Address) zaddr.Address {
	good := c.WeakLoadSlowPath(a)
	if !c.h.IsStronglyLive(good) {
		return 0
	}
	return good
}

func (c *Collector) WeakLoadPhantomSlowPath(a zaddr.Address) zaddr.Address {
	good := c.WeakLoadSlowPath(a)
	if !c.h.IsLive(good) {
		return 0
	}
	return good
}

func (c *Collector) KeepAliveWeakSlowPath(a zaddr.Address) zaddr.Address {
	good := c.WeakLoadSlowPath(a)
	if !c.h.IsStronglyLive(good) {
		c.keepAlive(good)
	}
	return good
}

func (c *Collector) KeepAlivePhantomSlowPath(a zaddr.Address) zaddr.Address {
	good := c.WeakLoadSlowPath(a)
	if !c.h.IsLive(good) {
		c.keepAlive(good)
	}
	return good
}

// keepAlive strongly marks a referent the reference processor decided to keep.
func (c *Collector) keepAlive(good zaddr.Address) {
	off := c.masks().Offset(good)
	if c.h.markObject(off, false) {
		c.h.publish(off)
	}
}

func (c *Collector) MarkSlowPath(a zaddr.Address) zaddr.Address {
	return c.mark(a, true, false)
}

func (c *Collector) MarkFinalizableSlowPath(a zaddr.Address) zaddr.Address {
	good := c.mark(a, true, true)
	m := c.masks()
	if m.IsGood(a) {
		// Healed by someone else in the meantime
		return good
	}
	return m.FinalizableGood(good)
}
