package zstorage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeSegments, false},
		{"segments", ModeSegments, false},
		{"locked", ModeLocked, false},
		{"striped", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestAllocateRelease(t *testing.T) {
	s := New("roots", ModeSegments)

	slots := make([]*uintptr, BlockSize+3)
	for i := range slots {
		slots[i] = s.Allocate()
		*slots[i] = uintptr(i + 1)
	}

	st := s.Statistics()
	if st.Blocks != 2 || st.Allocated != uint64(len(slots)) {
		t.Fatalf("statistics %+v", st)
	}

	s.Release(slots[5])
	if *slots[5] != 0 {
		t.Fatal("released slot not cleared")
	}

	// The freed slot is reused before a new block is added.
	p := s.Allocate()
	if p != slots[5] {
		t.Fatal("freed slot not reused")
	}
	if st := s.Statistics(); st.Blocks != 2 || st.Released != 1 {
		t.Fatalf("statistics %+v", st)
	}
}

func TestRelease_ForeignSlotPanics(t *testing.T) {
	s := New("roots", ModeSegments)
	s.Allocate()

	var foreign uintptr
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for foreign slot")
		}
	}()
	s.Release(&foreign)
}

func TestClaimNextSegment_CoversEveryBlockOnce(t *testing.T) {
	for _, blocks := range []int{0, 1, 7, 10, 11, 95, 300} {
		s := New("roots", ModeSegments)
		for i := 0; i < blocks*BlockSize; i++ {
			s.Allocate()
		}

		const workers = 6
		ps := s.NewParState(workers)
		if ps.BlockCount() != blocks {
			t.Fatalf("block count %d, want %d", ps.BlockCount(), blocks)
		}

		claims := make([]atomic.Int32, blocks)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var seg segment
				for ps.claimNextSegment(&seg) {
					if seg.start >= seg.end || seg.end > uint64(blocks) {
						t.Errorf("bad segment [%d, %d)", seg.start, seg.end)
						return
					}
					if seg.end-seg.start > maxSegmentStep {
						t.Errorf("segment of %d blocks", seg.end-seg.start)
					}
					for i := seg.start; i < seg.end; i++ {
						claims[i].Add(1)
					}
				}
			}()
		}
		wg.Wait()

		for i := range claims {
			if n := claims[i].Load(); n != 1 {
				t.Fatalf("%d blocks: block %d claimed %d times", blocks, i, n)
			}
		}
	}
}

func TestClaimNextSegment_StepShrinks(t *testing.T) {
	s := New("roots", ModeSegments)
	for i := 0; i < 25*BlockSize; i++ {
		s.Allocate()
	}
	ps := s.NewParState(4)

	var seg segment
	var steps []uint64
	for ps.claimNextSegment(&seg) {
		steps = append(steps, seg.end-seg.start)
	}

	// remaining 25 -> 7, 18 -> 5, 13 -> 4, 9 -> 3, 6 -> 2, 4 -> 2, 2 -> 1, 1 -> 1
	want := []uint64{7, 5, 4, 3, 2, 2, 1, 1}
	if len(steps) != len(want) {
		t.Fatalf("steps %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("steps %v, want %v", steps, want)
		}
	}
}

func TestScanParallel_VisitsEverySlotOnce(t *testing.T) {
	s := New("roots", ModeSegments)
	const n = 40*BlockSize + 17
	for i := 0; i < n; i++ {
		*s.Allocate() = uintptr(i + 1)
	}

	seen := make([]atomic.Int32, n+1)
	err := s.ScanParallel(context.Background(), 8, func(p *uintptr) {
		seen[atomic.LoadUintptr(p)].Add(1)
	})
	if err != nil {
		t.Fatalf("ScanParallel: %v", err)
	}

	for v := 1; v <= n; v++ {
		if c := seen[v].Load(); c != 1 {
			t.Fatalf("slot value %d visited %d times", v, c)
		}
	}
}

func TestScanParallel_Canceled(t *testing.T) {
	s := New("roots", ModeSegments)
	for i := 0; i < 4*BlockSize; i++ {
		s.Allocate()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var visited atomic.Int32
	err := s.ScanParallel(ctx, 2, func(*uintptr) { visited.Add(1) })
	if err != context.Canceled {
		t.Fatalf("err = %v", err)
	}
	if visited.Load() != 0 {
		t.Fatalf("visited %d slots after cancel", visited.Load())
	}
}

func TestWeakOopsDo(t *testing.T) {
	s := New("weak", ModeSegments)
	a, b, c := s.Allocate(), s.Allocate(), s.Allocate()
	*a, *c = 0x1000, 0x2000
	_ = b

	var visited []uintptr
	s.NewParState(1).WeakOopsDo(func(p *uintptr) { visited = append(visited, *p) })
	if len(visited) != 2 {
		t.Fatalf("visited %v", visited)
	}
}

func TestWeakOopsDoIfAlive_ClearsDead(t *testing.T) {
	s := New("weak", ModeSegments)
	live, dead, null := s.Allocate(), s.Allocate(), s.Allocate()
	*live, *dead = 0x1000, 0x2000
	_ = null

	var kept int
	s.NewParState(1).WeakOopsDoIfAlive(
		func(a zaddr.Address) bool { return a == 0x1000 },
		func(p *uintptr) { kept++ },
	)

	if kept != 1 {
		t.Fatalf("kept %d", kept)
	}
	if *dead != 0 {
		t.Fatal("dead referent not cleared")
	}
	if *live != 0x1000 {
		t.Fatal("live referent changed")
	}
}

func TestNewParState_LockedModePanics(t *testing.T) {
	s := New("keep", ModeLocked)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for segment scan of locked storage")
		}
	}()
	s.NewParState(1)
}

func TestLockedIterate_ReachesConcurrentAppends(t *testing.T) {
	s := New("keep", ModeLocked)
	external := make([]uintptr, 1000)
	for i := 0; i < 100; i++ {
		s.Register(&external[i])
	}

	// Appends race with the scan; the scan must see at least the slots present
	// when it started and never visit a slot twice.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 100; i < len(external); i++ {
			s.Register(&external[i])
		}
	}()

	visited := make(map[*uintptr]int)
	n := s.LockedIterate(func(p *uintptr) { visited[p]++ })
	<-done

	if n < 100 {
		t.Fatalf("visited %d slots, want at least 100", n)
	}
	for p, c := range visited {
		if c != 1 {
			t.Fatalf("slot %p visited %d times", p, c)
		}
	}

	// Once appends stop, a full scan reaches everything.
	if n := s.LockedIterate(func(*uintptr) {}); n != len(external) {
		t.Fatalf("second scan visited %d", n)
	}
}

func TestScan_SelectsMode(t *testing.T) {
	locked := New("keep", ModeLocked)
	var x uintptr
	locked.Register(&x)

	var n int
	if err := locked.Scan(context.Background(), 4, func(*uintptr) { n++ }); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("locked scan visited %d", n)
	}

	segments := New("roots", ModeSegments)
	segments.Allocate()
	n = 0
	var mu sync.Mutex
	if err := segments.Scan(context.Background(), 4, func(*uintptr) { mu.Lock(); n++; mu.Unlock() }); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("segment scan visited %d", n)
	}
}
