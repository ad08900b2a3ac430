package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/colorgc/internal/cli"
	"github.com/orizon-lang/colorgc/internal/runtime/concurrency"
	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
	"github.com/orizon-lang/colorgc/internal/runtime/zbarrier"
	"github.com/orizon-lang/colorgc/internal/runtime/zdebug"
	"github.com/orizon-lang/colorgc/internal/runtime/zdriver"
	"github.com/orizon-lang/colorgc/internal/runtime/zheap"
	"github.com/orizon-lang/colorgc/internal/runtime/zruntime"
	"github.com/orizon-lang/colorgc/internal/runtime/zstorage"
)

// slotsPerMutator is the number of root slots each mutator owns.
const slotsPerMutator = 4

// Simulator runs collection cycles against mutator goroutines that load,
// store and allocate through the barriers.
type Simulator struct {
	cfg *cli.Config
	log *cli.Logger

	h    *zheap.Heap
	b    *zbarrier.Barrier
	rt   *zruntime.Runtime
	keep *zstorage.Storage
	st   zdriver.Storages
	d    *zdriver.Driver

	// mutator-owned root slots, registered with st.Roots
	slots [][]*uintptr
	// one slot per mutator registered through the compiled-code keep check
	kept []*uintptr
	weak []*uintptr

	ops atomic.Uint64
}

// Report summarizes a finished simulation.
type Report struct {
	Cycles     uint64                    `json:"cycles"`
	Operations uint64                    `json:"operations"`
	BadSlots   int                       `json:"bad_slots"`
	Last       *zdriver.CycleStats       `json:"last_cycle,omitempty"`
	Barrier    zbarrier.StatsSnapshot    `json:"barrier"`
	Heap       zheap.HeapStats           `json:"heap"`
	Checks     map[string]uint64         `json:"checks"`
	Storages   map[string]StorageSummary `json:"storages"`
}

// StorageSummary is one storage's line in the report.
type StorageSummary struct {
	Mode       string                     `json:"mode"`
	Statistics zstorage.StorageStatistics `json:"statistics"`
}

// NewSimulator builds the heap, barrier, runtime and driver described by cfg
// and seeds the heap.
func NewSimulator(cfg *cli.Config, log *cli.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := zstorage.ParseMode(cfg.StorageMode)
	if err != nil {
		return nil, err
	}
	zl := log.Zerolog()

	md := zaddr.New(zaddr.PlatformForHeap(cfg.MaxHeapSize), cfg.KeepPermit)
	md.SetLogger(zl)
	g := zbarrier.NewGlobals(md)
	g.SetLogger(zl)

	h, err := zheap.New(g, zheap.Config{Fields: cfg.Fields, Roots: cfg.Roots, Objects: cfg.Objects})
	if err != nil {
		return nil, fmt.Errorf("create heap: %w", err)
	}
	h.SetLogger(zl)

	b := zbarrier.New(g, zheap.NewCollector(h))
	keep := zstorage.New("keep", zstorage.ModeLocked)
	rt := zruntime.New(b, keep)
	rt.SetLogger(zl)

	st := zdriver.Storages{
		Roots:   zstorage.New("roots", mode),
		Weak:    zstorage.New("weak", zstorage.ModeSegments),
		Phantom: zstorage.New("phantom", zstorage.ModeSegments),
		Final:   zstorage.New("final", zstorage.ModeSegments),
	}
	for _, s := range []*zstorage.Storage{keep, st.Roots, st.Weak, st.Phantom, st.Final} {
		s.SetLogger(zl)
	}

	d, err := zdriver.New(b, h, rt, st, zdriver.Config{Workers: cfg.Workers, RelocateStride: cfg.RelocateStride})
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create driver: %w", err)
	}
	d.SetLogger(zl)

	s := &Simulator{cfg: cfg, log: log, h: h, b: b, rt: rt, keep: keep, st: st, d: d}
	if err := s.seed(); err != nil {
		h.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the heap.
func (s *Simulator) Close() error { return s.h.Close() }

// Sources exposes the components to the debug endpoints.
func (s *Simulator) Sources() zdebug.Sources {
	return zdebug.Sources{
		Barrier:  s.b,
		Heap:     s.h,
		Driver:   s.d,
		Runtime:  s.rt,
		Storages: []*zstorage.Storage{s.st.Roots, s.st.Weak, s.st.Phantom, s.st.Final, s.keep},
	}
}

func (s *Simulator) allocate() (zaddr.Address, error) {
	a, err := s.h.Allocate()
	if err != nil {
		return 0, fmt.Errorf("seed heap: %w", err)
	}
	return a, nil
}

// seed fills the global roots and half the fields, creates the mutator root
// slots and the weak, phantom and final handles. A weak_fraction share of the
// weak handles point at objects nothing else references.
func (s *Simulator) seed() error {
	for i := 0; i < s.cfg.Roots; i++ {
		a, err := s.allocate()
		if err != nil {
			return err
		}
		s.h.Store(s.h.Root(i), a)
	}
	for i := 0; i < s.cfg.Fields/2; i++ {
		a, err := s.allocate()
		if err != nil {
			return err
		}
		s.h.Store(s.h.Field(i), a)
	}

	s.slots = make([][]*uintptr, s.cfg.Mutators)
	s.kept = make([]*uintptr, s.cfg.Mutators)
	for m := range s.slots {
		s.slots[m] = make([]*uintptr, slotsPerMutator)
		for i := range s.slots[m] {
			var p *uintptr
			if s.st.Roots.Mode() == zstorage.ModeLocked {
				p = new(uintptr)
				s.st.Roots.Register(p)
			} else {
				p = s.st.Roots.Allocate()
			}
			s.slots[m][i] = p
		}

		a, err := s.allocate()
		if err != nil {
			return err
		}
		s.kept[m] = new(uintptr)
		*s.kept[m] = uintptr(a)
		s.rt.CheckC2Value(a, s.kept[m])
	}

	handles := int(float64(s.cfg.Fields) * s.cfg.WeakFraction)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < handles; i++ {
		var a zaddr.Address
		if rng.Float64() < s.cfg.WeakFraction {
			var err error
			if a, err = s.allocate(); err != nil {
				return err
			}
		} else {
			a = zaddr.Address(*s.h.Field(rng.Intn(s.cfg.Fields / 2)))
		}
		p := s.st.Weak.Allocate()
		*p = uintptr(a)
		s.weak = append(s.weak, p)

		switch i % 8 {
		case 0:
			*s.st.Phantom.Allocate() = uintptr(a)
		case 1:
			*s.st.Final.Allocate() = uintptr(a)
		}
	}

	s.log.Debug("seeded %d objects, %d weak handles", s.h.Objects(), len(s.weak))
	return nil
}

// Run starts the mutators, performs the configured cycles and stops the
// mutators again.
func (s *Simulator) Run(ctx context.Context) error {
	mctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for m := 0; m < s.cfg.Mutators; m++ {
		wg.Add(1)
		go func(m int) {
			defer wg.Done()
			s.mutate(mctx, m, rand.New(rand.NewSource(int64(m)+1)))
		}(m)
	}

	err := s.d.Run(ctx, s.cfg.Cycles, s.cfg.Interval())
	stop()
	wg.Wait()
	return err
}

func (s *Simulator) mutate(ctx context.Context, m int, rng *rand.Rand) {
	sp := s.d.Safepoint()
	for ctx.Err() == nil {
		sp.Enter()
		s.step(m, rng)
		sp.Leave()
		s.ops.Add(1)
	}
}

// step performs one random mutator operation.
func (s *Simulator) step(m int, rng *rand.Rand) {
	fields := s.h.Fields()
	slot := s.slots[m][rng.Intn(slotsPerMutator)]

	switch rng.Intn(7) {
	case 0:
		if a, err := s.h.Allocate(); err == nil {
			s.h.Store(slot, a)
		}
	case 1:
		s.h.Store(&fields[rng.Intn(len(fields))], s.b.LoadBarrierOnOopField(slot))
	case 2:
		f := &fields[rng.Intn(len(fields))]
		s.h.Store(slot, s.rt.LoadBarrierOnOopFieldPreloaded(zaddr.Address(concurrency.LoadWord(f)), f))
	case 3:
		if len(s.weak) > 0 {
			p := s.weak[rng.Intn(len(s.weak))]
			if o := s.rt.LoadBarrierOnWeakOopFieldPreloaded(zaddr.Address(concurrency.LoadWord(p)), p); o != 0 {
				s.h.Store(slot, o)
			}
		}
	case 4:
		s.h.Store(slot, s.b.LoadBarrierOnOopField(s.h.Root(rng.Intn(s.cfg.Roots))))
	case 5:
		if len(fields) > 2 {
			i := rng.Intn(len(fields) - 2)
			s.rt.Clone(&fields[i], &fields[i+1], 1)
		}
	default:
		s.b.LoadBarrierOnOopField(s.kept[m])
	}
}

// Verify counts slots holding a color the current masks reject. It runs
// with the mutators stopped.
func (s *Simulator) Verify(ctx context.Context) (int, error) {
	m := s.b.Globals().Masks()
	var bad atomic.Int64
	check := func(p *uintptr) {
		if !m.IsGoodOrNull(zaddr.Address(concurrency.LoadWord(p))) {
			bad.Add(1)
		}
	}

	for _, slots := range [][]uintptr{s.h.Roots(), s.h.Fields()} {
		for i := range slots {
			check(&slots[i])
		}
	}
	for _, st := range []*zstorage.Storage{s.st.Roots, s.st.Weak, s.st.Phantom, s.st.Final} {
		if err := st.Scan(ctx, s.cfg.Workers, check); err != nil {
			return 0, err
		}
	}
	s.keep.LockedIterate(check)
	return int(bad.Load()), nil
}

// Report collects the counters of every component.
func (s *Simulator) Report(badSlots int) *Report {
	r := &Report{
		Cycles:     s.d.Cycles(),
		Operations: s.ops.Load(),
		BadSlots:   badSlots,
		Last:       s.d.LastCycle(),
		Barrier:    s.b.Stats(),
		Heap:       s.h.Stats(),
		Checks:     s.rt.Checks(),
		Storages:   make(map[string]StorageSummary),
	}
	for _, st := range s.Sources().Storages {
		r.Storages[st.Name()] = StorageSummary{Mode: st.Mode().String(), Statistics: st.Statistics()}
	}
	return r
}
