package zruntime

import (
	"reflect"
	"runtime"
	"sort"
	"strings"
	"testing"

	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
	"github.com/orizon-lang/colorgc/internal/runtime/zbarrier"
	"github.com/orizon-lang/colorgc/internal/runtime/zheap"
	"github.com/orizon-lang/colorgc/internal/runtime/zstorage"
)

func newTestRuntime(t *testing.T) (*Runtime, *zheap.Heap) {
	t.Helper()

	g := zbarrier.NewGlobals(zaddr.New(zaddr.PlatformForHeap(64<<20), false))
	h, err := zheap.New(g, zheap.Config{Fields: 16, Roots: 4, Objects: 64})
	if err != nil {
		t.Fatalf("zheap.New: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	b := zbarrier.New(g, zheap.NewCollector(h))
	return New(b, zstorage.New("keep", zstorage.ModeLocked)), h
}

func funcName(f any) string {
	return runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()
}

func TestLoadBarrierOnOopFieldPreloadedAddr(t *testing.T) {
	r, _ := newTestRuntime(t)

	tests := []struct {
		decorators Decorators
		want       string
	}{
		{0, "(*Runtime).LoadBarrierOnOopFieldPreloaded"},
		{OnStrongOopRef, "(*Runtime).LoadBarrierOnOopFieldPreloaded"},
		{OnStrongOopRef | AsNoKeepalive, "(*Runtime).WeakLoadBarrierOnOopFieldPreloaded"},
		{OnWeakOopRef, "(*Runtime).LoadBarrierOnWeakOopFieldPreloaded"},
		{OnWeakOopRef | AsNoKeepalive, "(*Runtime).WeakLoadBarrierOnWeakOopFieldPreloaded"},
		{OnPhantomOopRef, "(*Runtime).LoadBarrierOnPhantomOopFieldPreloaded"},
		{OnPhantomOopRef | AsNoKeepalive, "(*Runtime).WeakLoadBarrierOnPhantomOopFieldPreloaded"},
		{OnPhantomOopRef | OnWeakOopRef, "(*Runtime).LoadBarrierOnPhantomOopFieldPreloaded"},
	}

	for _, tt := range tests {
		got := funcName(r.LoadBarrierOnOopFieldPreloadedAddr(tt.decorators))
		if !strings.Contains(got, tt.want+"-") {
			t.Errorf("decorators %#x selected %s, want %s", tt.decorators, got, tt.want)
		}
	}
}

func TestLoadEntry_HealsSlot(t *testing.T) {
	r, h := newTestRuntime(t)

	a, _ := h.Allocate()
	h.Store(h.Field(0), a)
	h.Globals().Metadata.FlipToMarked()
	h.Globals().SetPhase(zbarrier.PhaseMark)

	entry := r.LoadBarrierOnOopFieldPreloadedAddr(OnStrongOopRef)
	got := entry(zaddr.Address(*h.Field(0)), h.Field(0))

	if !h.Globals().Masks().IsGood(got) || zaddr.Address(*h.Field(0)) != got {
		t.Fatalf("entry returned %#x, slot %#x", got, *h.Field(0))
	}
}

func TestLoadBarrierOnOopArray(t *testing.T) {
	r, h := newTestRuntime(t)

	for i := 0; i < 4; i++ {
		a, _ := h.Allocate()
		h.Store(h.Field(i), a)
	}
	h.Globals().Metadata.FlipToMarked()
	h.Globals().SetPhase(zbarrier.PhaseMark)

	r.LoadBarrierOnOopArray(h.Field(0), 4)

	m := h.Globals().Masks()
	for i := 0; i < 4; i++ {
		if !m.IsGood(zaddr.Address(*h.Field(i))) {
			t.Fatalf("slot %d not healed", i)
		}
	}
	if zaddr.Address(*h.Field(4)) != 0 {
		t.Fatal("slot past the array touched")
	}

	r.LoadBarrierOnOopArray(nil, 0)
}

func TestClone_HealsSourceFirst(t *testing.T) {
	r, h := newTestRuntime(t)

	a, _ := h.Allocate()
	h.Store(h.Field(0), a)
	h.Store(h.Field(1), 0)
	h.Globals().Metadata.FlipToMarked()
	h.Globals().SetPhase(zbarrier.PhaseMark)

	r.Clone(h.Field(0), h.Field(8), 2)

	m := h.Globals().Masks()
	if *h.Field(8) != *h.Field(0) || !m.IsGood(zaddr.Address(*h.Field(8))) {
		t.Fatalf("clone copied %#x, source %#x", *h.Field(8), *h.Field(0))
	}
	if *h.Field(9) != 0 {
		t.Fatal("null not copied as null")
	}
}

func TestCheckValue_RegistersKeepSlots(t *testing.T) {
	r, h := newTestRuntime(t)

	a, _ := h.Allocate()
	h.Store(h.Root(0), a)

	r.CheckValue(a, h.Root(0))
	r.CheckC1Value(0, h.Root(1))
	r.CheckC2Value(a, h.Root(2))
	r.CheckC2Value(a, h.Root(3))

	if n := r.Keep().Followers(); n != 4 {
		t.Fatalf("keep registry holds %d slots", n)
	}

	want := map[string]uint64{"interpreter": 1, "c1": 1, "c2": 2}
	if got := r.Checks(); !reflect.DeepEqual(got, want) {
		t.Fatalf("checks = %v, want %v", got, want)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil keep slot")
		}
	}()
	r.CheckValue(a, nil)
}

func TestNew_RequiresLockedStorage(t *testing.T) {
	g := zbarrier.NewGlobals(zaddr.New(zaddr.PlatformForHeap(0), false))
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for segment storage")
		}
	}()
	New(zbarrier.New(g, nil), zstorage.New("keep", zstorage.ModeSegments))
}

func TestEntries(t *testing.T) {
	r, _ := newTestRuntime(t)

	entries := r.Entries()
	if len(entries) != 11 {
		t.Fatalf("%d entries", len(entries))
	}
	if !sort.SliceIsSorted(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name }) {
		t.Fatal("entries not sorted")
	}

	e, ok := r.Lookup("load_barrier_on_oop_array")
	if !ok || e.Kind != "array" {
		t.Fatalf("lookup = %+v, %v", e, ok)
	}
	if _, ok := e.Func.(ArrayEntry); !ok {
		t.Fatalf("array entry has type %T", e.Func)
	}

	if _, ok := r.Lookup("store_barrier"); ok {
		t.Fatal("unknown entry found")
	}
}

func TestCheckABI(t *testing.T) {
	tests := []struct {
		constraint string
		wantErr    bool
	}{
		{"", false},
		{"^1.2", false},
		{">=1.0.0, <2.0.0", false},
		{"~1.3", false},
		{">=2.0.0", true},
		{"<1.3.0", true},
		{"not a version", true},
	}

	for _, tt := range tests {
		err := CheckABI(tt.constraint)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckABI(%q) = %v, wantErr %v", tt.constraint, err, tt.wantErr)
		}
	}
}
