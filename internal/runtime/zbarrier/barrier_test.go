package zbarrier

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/orizon-lang/colorgc/internal/errors"
	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
)

// fakeCollector resolves every slow path by recoloring, counting calls. Offsets
// in dead are reported as not live to weak and phantom slow paths.
type fakeCollector struct {
	g    *Globals
	dead map[uintptr]bool

	load, invisibleRoot, weakLoad, weakWeak, weakPhantom atomic.Int64
	keepWeak, keepPhantom, mark, markFinalizable         atomic.Int64
}

func (c *fakeCollector) good(a zaddr.Address) zaddr.Address { return c.g.Masks().GoodAddress(a) }

func (c *fakeCollector) liveOrNull(a zaddr.Address) zaddr.Address {
	if c.dead[c.g.Masks().Offset(a)] {
		return 0
	}
	return c.good(a)
}

func (c *fakeCollector) LoadSlowPath(a zaddr.Address) zaddr.Address {
	c.load.Add(1)
	return c.good(a)
}

func (c *fakeCollector) LoadInvisibleRootSlowPath(a zaddr.Address) zaddr.Address {
	c.invisibleRoot.Add(1)
	return c.good(a)
}

func (c *fakeCollector) WeakLoadSlowPath(a zaddr.Address) zaddr.Address {
	c.weakLoad.Add(1)
	return c.good(a)
}

func (c *fakeCollector) WeakLoadWeakSlowPath(a zaddr.Address) zaddr.Address {
	c.weakWeak.Add(1)
	return c.liveOrNull(a)
}

func (c *fakeCollector) WeakLoadPhantomSlowPath(a zaddr.Address) zaddr.Address {
	c.weakPhantom.Add(1)
	return c.liveOrNull(a)
}

func (c *fakeCollector) KeepAliveWeakSlowPath(a zaddr.Address) zaddr.Address {
	c.keepWeak.Add(1)
	return c.good(a)
}

func (c *fakeCollector) KeepAlivePhantomSlowPath(a zaddr.Address) zaddr.Address {
	c.keepPhantom.Add(1)
	return c.good(a)
}

func (c *fakeCollector) MarkSlowPath(a zaddr.Address) zaddr.Address {
	c.mark.Add(1)
	return c.good(a)
}

func (c *fakeCollector) MarkFinalizableSlowPath(a zaddr.Address) zaddr.Address {
	c.markFinalizable.Add(1)
	m := c.g.Masks()
	return zaddr.Address(m.Offset(a) | m.Marked | m.Finalizable)
}

func newTestBarrier(t *testing.T, keepPermit bool) (*Barrier, *fakeCollector) {
	t.Helper()

	md := zaddr.New(zaddr.PlatformForHeap(64<<20), keepPermit)
	g := NewGlobals(md)
	c := &fakeCollector{g: g, dead: map[uintptr]bool{}}
	return New(g, c), c
}

// colored builds an address for offset with the given layout bits.
func colored(offset, bits uintptr) zaddr.Address {
	return zaddr.Address(offset | bits)
}

func expectPanicCode(t *testing.T, code string, fn func()) {
	t.Helper()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic with %s", code)
		}
		if !errors.Is(r, code) {
			t.Fatalf("panic = %v, want code %s", r, code)
		}
	}()
	fn()
}

func TestLoadBarrier_HealsStaleMarkedBeforeFlip(t *testing.T) {
	b, c := newTestBarrier(t, false)
	l := b.Globals().Metadata.Layout()

	// Marked(N) while Remapped is still the good color.
	slot := uintptr(colored(0x1000, l.Marked0))

	got := b.LoadBarrierOnOopField(&slot)
	if c.load.Load() != 1 {
		t.Fatalf("slow path calls = %d, want 1", c.load.Load())
	}

	want := zaddr.Address(0x1000 | l.Remapped)
	if got != want || zaddr.Address(slot) != want {
		t.Fatalf("got %#x slot %#x, want %#x", got, slot, want)
	}

	again := b.LoadBarrierOnOopField(&slot)
	if again != want || c.load.Load() != 1 {
		t.Fatalf("second load: %#x, slow path calls = %d", again, c.load.Load())
	}

	if s := b.Stats(); s.Heals != 1 || s.SlowPaths != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestLoadBarrier_IdempotentOnGood(t *testing.T) {
	b, c := newTestBarrier(t, false)
	b.Globals().Metadata.FlipToMarked()
	m := b.Globals().Masks()

	slot := uintptr(m.GoodAddress(0x2000))
	first := b.LoadBarrierOnOopField(&slot)
	second := b.LoadBarrierOnOopField(&slot)

	if first != second || uintptr(first) != slot {
		t.Fatalf("first %#x second %#x slot %#x", first, second, slot)
	}

	if c.load.Load() != 0 {
		t.Fatalf("unexpected slow path calls: %d", c.load.Load())
	}
}

func TestLoadBarrier_NullPassesFastPath(t *testing.T) {
	b, c := newTestBarrier(t, false)

	var slot uintptr
	if got := b.LoadBarrierOnOopField(&slot); got != 0 {
		t.Fatalf("got %#x", got)
	}

	if c.load.Load() != 0 {
		t.Fatal("null took the slow path")
	}
}

func TestLoadBarrier_PreloadedWithoutSlotDoesNotHeal(t *testing.T) {
	b, c := newTestBarrier(t, false)
	l := b.Globals().Metadata.Layout()

	got := b.LoadBarrierOnOop(colored(0x3000, l.Marked1))
	if got != zaddr.Address(0x3000|l.Remapped) || c.load.Load() != 1 {
		t.Fatalf("got %#x calls %d", got, c.load.Load())
	}

	if s := b.Stats(); s.Heals != 0 || s.HealsPreempted != 0 {
		t.Fatalf("heal without slot: %+v", s)
	}
}

func TestLoadBarrier_Array(t *testing.T) {
	b, c := newTestBarrier(t, false)
	l := b.Globals().Metadata.Layout()
	m := b.Globals().Masks()

	slots := []uintptr{
		uintptr(colored(0x1000, l.Marked0)),
		uintptr(colored(0x1008, l.Remapped)),
		0,
		uintptr(colored(0x1010, l.Marked1|l.Finalizable)),
	}

	b.LoadBarrierOnOopArray(slots)

	for i, s := range slots {
		if !m.IsGoodOrNull(zaddr.Address(s)) {
			t.Fatalf("slot %d left bad: %#x", i, s)
		}
	}

	if c.load.Load() != 2 {
		t.Fatalf("slow path calls = %d, want 2", c.load.Load())
	}
}

func TestLoadBarrier_ConcurrentHealConverges(t *testing.T) {
	b, _ := newTestBarrier(t, false)
	l := b.Globals().Metadata.Layout()
	b.Globals().Metadata.FlipToMarked()
	m := b.Globals().Masks()

	slot := uintptr(colored(0x4000, l.Remapped))
	want := m.GoodAddress(0x4000)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if got := b.LoadBarrierOnOopField(&slot); got != want {
					t.Errorf("got %#x, want %#x", got, want)
					return
				}
			}
		}()
	}
	wg.Wait()

	if zaddr.Address(slot) != want {
		t.Fatalf("slot = %#x, want %#x", slot, want)
	}

	s := b.Stats()
	if s.Heals != 1 {
		t.Fatalf("heals = %d, want exactly one successful heal", s.Heals)
	}
}

func TestWeakLoadBarrier_HealsToRemapped(t *testing.T) {
	b, c := newTestBarrier(t, false)
	l := b.Globals().Metadata.Layout()
	b.Globals().Metadata.FlipToMarked() // good = Marked1
	b.Globals().SetPhase(PhaseMark)
	m := b.Globals().Masks()

	slot := uintptr(colored(0x5000, l.Marked0))
	got := b.WeakLoadBarrierOnOopField(&slot)

	if got != m.GoodAddress(0x5000) {
		t.Fatalf("returned %#x, want good view", got)
	}

	if zaddr.Address(slot) != zaddr.Address(0x5000|l.Remapped) {
		t.Fatalf("slot healed to %#x, want remapped", slot)
	}

	// Remapped is weak good: fast path, returns the good view, slot untouched.
	got = b.WeakLoadBarrierOnOopField(&slot)
	if got != m.GoodAddress(0x5000) || c.weakLoad.Load() != 1 {
		t.Fatalf("second weak load %#x, calls %d", got, c.weakLoad.Load())
	}

	if zaddr.Address(slot) != zaddr.Address(0x5000|l.Remapped) {
		t.Fatalf("fast path modified slot: %#x", slot)
	}
}

func TestWeakLoadBarrier_InvalidWhileBlocked(t *testing.T) {
	b, _ := newTestBarrier(t, false)
	b.Globals().BlockResurrection()

	var slot uintptr
	expectPanicCode(t, "INVALID_PHASE", func() { b.WeakLoadBarrierOnOopField(&slot) })
}

func TestResurrectionGate_Routing(t *testing.T) {
	b, c := newTestBarrier(t, false)
	l := b.Globals().Metadata.Layout()
	b.Globals().Metadata.FlipToMarked()
	b.Globals().SetPhase(PhaseMarkCompleted)

	stale := colored(0x6000, l.Marked0)

	b.Globals().BlockResurrection()
	slot := uintptr(stale)
	b.LoadBarrierOnWeakOopFieldPreloaded(&slot, stale)
	slot = uintptr(stale)
	b.LoadBarrierOnPhantomOopFieldPreloaded(&slot, stale)

	if c.weakWeak.Load() != 1 || c.weakPhantom.Load() != 1 || c.load.Load() != 0 {
		t.Fatalf("blocked routing: weak=%d phantom=%d load=%d", c.weakWeak.Load(), c.weakPhantom.Load(), c.load.Load())
	}

	b.Globals().UnblockResurrection()
	slot = uintptr(stale)
	b.LoadBarrierOnWeakOopFieldPreloaded(&slot, stale)
	slot = uintptr(stale)
	b.LoadBarrierOnPhantomOopFieldPreloaded(&slot, stale)

	if c.load.Load() != 2 {
		t.Fatalf("unblocked routing: load=%d, want 2", c.load.Load())
	}

	if got := b.Globals().Describe(); got != "MarkCompleted(ResurrectionUnblocked)" {
		t.Fatalf("describe = %q", got)
	}
}

func TestWeakLoadBarrier_DeadReferentIsNotHealedToNull(t *testing.T) {
	b, c := newTestBarrier(t, false)
	l := b.Globals().Metadata.Layout()
	b.Globals().Metadata.FlipToMarked()
	b.Globals().SetPhase(PhaseMarkCompleted)
	b.Globals().BlockResurrection()
	c.dead[0x7000] = true

	stale := uintptr(colored(0x7000, l.Marked0))
	slot := stale

	if got := b.WeakLoadBarrierOnWeakOopField(&slot); got != 0 {
		t.Fatalf("dead referent loaded as %#x", got)
	}

	if slot != stale {
		t.Fatalf("slot healed to %#x, want untouched %#x", slot, stale)
	}

	if b.IsAliveBarrierOnWeakOop(zaddr.Address(stale)) {
		t.Fatal("dead referent reported alive")
	}

	if !b.IsAliveBarrierOnPhantomOop(colored(0x7008, l.Marked0)) {
		t.Fatal("live referent reported dead")
	}
}

func TestIsAliveAndKeepAlive_RequireBlocked(t *testing.T) {
	b, _ := newTestBarrier(t, false)
	var slot uintptr

	expectPanicCode(t, "INVALID_PHASE", func() { b.IsAliveBarrierOnWeakOop(0) })
	expectPanicCode(t, "INVALID_PHASE", func() { b.IsAliveBarrierOnPhantomOop(0) })
	expectPanicCode(t, "INVALID_PHASE", func() { b.KeepAliveBarrierOnWeakOopField(&slot) })
	expectPanicCode(t, "INVALID_PHASE", func() { b.KeepAliveBarrierOnPhantomOopField(&slot) })
	expectPanicCode(t, "INVALID_PHASE", func() { b.KeepAliveBarrierOnPhantomRootOopField(&slot) })
}

func TestKeepAlive_GoodPhantomStillMarksDuringMark(t *testing.T) {
	b, c := newTestBarrier(t, false)
	b.Globals().Metadata.FlipToMarked()
	b.Globals().SetPhase(PhaseMark)
	b.Globals().BlockResurrection()
	m := b.Globals().Masks()

	slot := uintptr(m.GoodAddress(0x8000))
	before := slot

	b.KeepAliveBarrierOnPhantomOopField(&slot)

	if c.mark.Load() != 1 {
		t.Fatalf("mark slow path calls = %d, want 1", c.mark.Load())
	}

	if c.keepPhantom.Load() != 0 || slot != before {
		t.Fatalf("unexpected heal: keep=%d slot=%#x", c.keepPhantom.Load(), slot)
	}

	if s := b.Stats(); s.KeepAliveMarks != 1 || s.Heals != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestKeepAlive_StaleWeakIsHealed(t *testing.T) {
	b, c := newTestBarrier(t, false)
	l := b.Globals().Metadata.Layout()
	b.Globals().Metadata.FlipToMarked()
	b.Globals().SetPhase(PhaseMarkCompleted)
	b.Globals().BlockResurrection()
	m := b.Globals().Masks()

	slot := uintptr(colored(0x9000, l.Remapped))
	b.KeepAliveBarrierOnWeakOopField(&slot)

	if c.keepWeak.Load() != 1 || zaddr.Address(slot) != m.GoodAddress(0x9000) {
		t.Fatalf("keep=%d slot=%#x", c.keepWeak.Load(), slot)
	}

	// Not marking: a good reference needs nothing more.
	b.KeepAliveBarrierOnWeakOopField(&slot)
	if c.mark.Load() != 0 {
		t.Fatalf("marked outside mark phase: %d", c.mark.Load())
	}
}

func TestKeepAliveBarrierOnOop(t *testing.T) {
	b, c := newTestBarrier(t, false)
	l := b.Globals().Metadata.Layout()

	expectPanicCode(t, "INVALID_ADDRESS", func() {
		b.KeepAliveBarrierOnOop(colored(0xa000, l.Marked0))
	})

	good := b.Globals().Masks().GoodAddress(0xa000)
	b.KeepAliveBarrierOnOop(good)
	if c.mark.Load() != 0 {
		t.Fatal("marked while relocating")
	}

	b.Globals().Metadata.FlipToMarked()
	b.Globals().SetPhase(PhaseMark)
	b.KeepAliveBarrierOnOop(b.Globals().Masks().GoodAddress(0xa000))
	if c.mark.Load() != 1 {
		t.Fatalf("mark calls = %d", c.mark.Load())
	}
}

func TestRootBarrier_PlainHeal(t *testing.T) {
	b, c := newTestBarrier(t, false)
	l := b.Globals().Metadata.Layout()

	root := uintptr(colored(0xb000, l.Marked0))
	b.LoadBarrierOnRootOopField(&root)

	if zaddr.Address(root) != zaddr.Address(0xb000|l.Remapped) || c.load.Load() != 1 {
		t.Fatalf("root = %#x calls = %d", root, c.load.Load())
	}

	b.LoadBarrierOnRootOopField(&root)
	if c.load.Load() != 1 {
		t.Fatal("good root took the slow path")
	}

	hidden := uintptr(colored(0xb008, l.Marked1))
	b.LoadBarrierOnInvisibleRootOopField(&hidden)
	if c.invisibleRoot.Load() != 1 {
		t.Fatal("invisible root slow path not used")
	}

	b.Globals().BlockResurrection()
	phantom := uintptr(colored(0xb010, l.Marked1))
	b.KeepAliveBarrierOnPhantomRootOopField(&phantom)
	if c.keepPhantom.Load() != 1 || zaddr.Address(phantom) != zaddr.Address(0xb010|l.Remapped) {
		t.Fatalf("phantom root = %#x", phantom)
	}

	if s := b.Stats(); s.RootHeals != 3 {
		t.Fatalf("root heals = %d", s.RootHeals)
	}

	expectPanicCode(t, "NULL_POINTER", func() { b.LoadBarrierOnRootOopField(nil) })
}

func TestMarkBarrier(t *testing.T) {
	b, c := newTestBarrier(t, false)
	l := b.Globals().Metadata.Layout()
	b.Globals().Metadata.FlipToMarked()
	b.Globals().SetPhase(PhaseMark)
	m := b.Globals().Masks()

	// Good and carrying the keep bit: already retained.
	keep := uintptr(m.KeepAddress(0xc000))
	b.MarkBarrierOnOopField(&keep, false)
	if c.mark.Load() != 0 {
		t.Fatal("keep-colored reference was marked")
	}

	// Good without keep: mark through, no heal.
	good := uintptr(m.GoodAddress(0xc008))
	b.MarkBarrierOnOopField(&good, false)
	if c.mark.Load() != 1 || zaddr.Address(good) != m.GoodAddress(0xc008) {
		t.Fatalf("mark calls %d slot %#x", c.mark.Load(), good)
	}

	// Bad: heal and mark.
	bad := uintptr(colored(0xc010, l.Remapped))
	b.MarkBarrierOnOopField(&bad, false)
	if c.mark.Load() != 2 || zaddr.Address(bad) != m.GoodAddress(0xc010) {
		t.Fatalf("mark calls %d slot %#x", c.mark.Load(), bad)
	}

	// Finalizable marking uses the marked-or-null fast path.
	fin := uintptr(colored(0xc018, l.Remapped))
	b.MarkBarrierOnOopField(&fin, true)
	if c.markFinalizable.Load() != 1 || !m.IsFinalizable(zaddr.Address(fin)) || !m.IsMarked(zaddr.Address(fin)) {
		t.Fatalf("finalizable mark: calls %d slot %#x", c.markFinalizable.Load(), fin)
	}

	b.MarkBarrierOnOopField(&fin, true)
	if c.markFinalizable.Load() != 1 {
		t.Fatal("marked reference took the finalizable slow path again")
	}

	arr := []uintptr{uintptr(colored(0xd000, l.Marked0)), 0}
	b.MarkBarrierOnOopArray(arr, false)
	if c.mark.Load() != 3 || zaddr.Address(arr[0]) != m.GoodAddress(0xd000) || arr[1] != 0 {
		t.Fatalf("array mark: calls %d slots %#v", c.mark.Load(), arr)
	}
}

func TestSelfHeal_RejectsInvalidHeal(t *testing.T) {
	b, _ := newTestBarrier(t, false)
	l := b.Globals().Metadata.Layout()
	ps := b.paths()

	slot := uintptr(colored(0xe000, l.Marked0))

	expectPanicCode(t, "INVALID_SELF_HEAL", func() {
		// healed value still bad
		selfHeal(b, &slot, zaddr.Address(slot), colored(0xe000, l.Marked1), loadPath{ps}, ps.m)
	})

	expectPanicCode(t, "INVALID_OFFSET", func() {
		// another healer left a different object behind
		other := uintptr(colored(0xe008, l.Marked1))
		s := other
		selfHeal(b, &s, colored(0xe000, l.Marked0), colored(0xe000, l.Remapped), loadPath{ps}, ps.m)
	})

	// A null heal is a no-op.
	before := slot
	selfHeal(b, &slot, zaddr.Address(slot), 0, loadPath{ps}, ps.m)
	if slot != before {
		t.Fatalf("null heal modified slot: %#x", slot)
	}
}
