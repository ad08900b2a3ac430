package zbarrier

import "github.com/orizon-lang/colorgc/internal/runtime/zaddr"

// Collector is the forwarding and marking subsystem behind the barriers. Each
// slow path receives an address whose color failed the corresponding fast path
// and returns an address for the same object that passes it (or null where
// noted). Implementations may block; they must not return a color that still
// fails the fast path.
type Collector interface {
	// LoadSlowPath relocates or marks through a strong load.
	LoadSlowPath(a zaddr.Address) zaddr.Address
	// LoadInvisibleRootSlowPath is LoadSlowPath for roots hidden from marking.
	LoadInvisibleRootSlowPath(a zaddr.Address) zaddr.Address
	// WeakLoadSlowPath remaps without marking.
	WeakLoadSlowPath(a zaddr.Address) zaddr.Address
	// WeakLoadWeakSlowPath returns null unless the object is strongly live.
	WeakLoadWeakSlowPath(a zaddr.Address) zaddr.Address
	// WeakLoadPhantomSlowPath returns null unless the object is live.
	WeakLoadPhantomSlowPath(a zaddr.Address) zaddr.Address
	KeepAliveWeakSlowPath(a zaddr.Address) zaddr.Address
	KeepAlivePhantomSlowPath(a zaddr.Address) zaddr.Address
	MarkSlowPath(a zaddr.Address) zaddr.Address
	MarkFinalizableSlowPath(a zaddr.Address) zaddr.Address
}

// Path pairs the acceptance predicate of one barrier kind with the resolver
// invoked when it fails.
type Path interface {
	FastPath(a zaddr.Address) bool
	SlowPath(a zaddr.Address) zaddr.Address
}

// paths carries what every Path needs: the masks loaded for this access and
// the collector.
type paths struct {
	m *zaddr.Masks
	c Collector
}

func (p paths) goodOrNull(a zaddr.Address) bool { return p.m.IsGoodOrNull(a) }

type loadPath struct{ paths }

func (p loadPath) FastPath(a zaddr.Address) bool          { return p.goodOrNull(a) }
func (p loadPath) SlowPath(a zaddr.Address) zaddr.Address { return p.c.LoadSlowPath(a) }

type invisibleRootPath struct{ paths }

func (p invisibleRootPath) FastPath(a zaddr.Address) bool { return p.goodOrNull(a) }
func (p invisibleRootPath) SlowPath(a zaddr.Address) zaddr.Address {
	return p.c.LoadInvisibleRootSlowPath(a)
}

type weakLoadPath struct{ paths }

func (p weakLoadPath) FastPath(a zaddr.Address) bool          { return p.m.IsWeakGoodOrNull(a) }
func (p weakLoadPath) SlowPath(a zaddr.Address) zaddr.Address { return p.c.WeakLoadSlowPath(a) }

type weakLoadWeakPath struct{ paths }

func (p weakLoadWeakPath) FastPath(a zaddr.Address) bool { return p.goodOrNull(a) }
func (p weakLoadWeakPath) SlowPath(a zaddr.Address) zaddr.Address {
	return p.c.WeakLoadWeakSlowPath(a)
}

type weakLoadPhantomPath struct{ paths }

func (p weakLoadPhantomPath) FastPath(a zaddr.Address) bool { return p.goodOrNull(a) }
func (p weakLoadPhantomPath) SlowPath(a zaddr.Address) zaddr.Address {
	return p.c.WeakLoadPhantomSlowPath(a)
}

type keepAliveWeakPath struct{ paths }

func (p keepAliveWeakPath) FastPath(a zaddr.Address) bool { return p.goodOrNull(a) }
func (p keepAliveWeakPath) SlowPath(a zaddr.Address) zaddr.Address {
	return p.c.KeepAliveWeakSlowPath(a)
}

type keepAlivePhantomPath struct{ paths }

func (p keepAlivePhantomPath) FastPath(a zaddr.Address) bool { return p.goodOrNull(a) }
func (p keepAlivePhantomPath) SlowPath(a zaddr.Address) zaddr.Address {
	return p.c.KeepAlivePhantomSlowPath(a)
}

type markPath struct{ paths }

func (p markPath) FastPath(a zaddr.Address) bool          { return p.goodOrNull(a) }
func (p markPath) SlowPath(a zaddr.Address) zaddr.Address { return p.c.MarkSlowPath(a) }

type markFinalizablePath struct{ paths }

func (p markFinalizablePath) FastPath(a zaddr.Address) bool { return p.m.IsMarkedOrNull(a) }
func (p markFinalizablePath) SlowPath(a zaddr.Address) zaddr.Address {
	return p.c.MarkFinalizableSlowPath(a)
}
