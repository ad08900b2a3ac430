// Package zdriver runs collection cycles over a zheap.Heap: the three pauses
// that flip the coloring state, and the concurrent phases between them that
// mark, process non-strong references and relocate while mutators keep
// running behind the barriers.
package zdriver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/colorgc/internal/runtime/concurrency"
	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
	"github.com/orizon-lang/colorgc/internal/runtime/zbarrier"
	"github.com/orizon-lang/colorgc/internal/runtime/zheap"
	"github.com/orizon-lang/colorgc/internal/runtime/zruntime"
	"github.com/orizon-lang/colorgc/internal/runtime/zstorage"
)

// fieldChunk is how many heap field slots one worker claims at a time.
const fieldChunk = 256

// Config tunes the driver.
type Config struct {
	Workers        int // concurrent phase workers
	RelocateStride int // relocate every n-th live object; 0 disables relocation
}

// Storages are the off-heap slot storages the driver scans.
type Storages struct {
	Roots   *zstorage.Storage // strong roots, either mode
	Weak    *zstorage.Storage // weak handles
	Phantom *zstorage.Storage // phantom handles
	Final   *zstorage.Storage // referents waiting for finalization
}

// CycleStats describes one completed cycle.
type CycleStats struct {
	Cycle              uint64        `json:"cycle"`
	Marked             uint64        `json:"marked"`
	Followed           int           `json:"followed"`
	WeakCleared        uint64        `json:"weak_cleared"`
	PhantomCleared     uint64        `json:"phantom_cleared"`
	Finalized          uint64        `json:"finalized"`
	Relocated          int           `json:"relocated"`
	PauseMarkStart     time.Duration `json:"pause_mark_start"`
	PauseMarkEnd       time.Duration `json:"pause_mark_end"`
	PauseRelocateStart time.Duration `json:"pause_relocate_start"`
	Duration           time.Duration `json:"duration"`
}

// Driver owns the phase transitions. It is the only writer of the masks,
// the phase and the resurrection flag.
type Driver struct {
	cfg Config
	g   *zbarrier.Globals
	b   *zbarrier.Barrier
	h   *zheap.Heap
	rt  *zruntime.Runtime
	st  Storages
	sp  Safepoint

	cycles atomic.Uint64
	last   atomic.Pointer[CycleStats]

	logger zerolog.Logger
}

// New creates a driver. The weak, phantom and final storages must use segment
// mode; roots may use either. The keep registry of rt is scanned in locked mode.
func New(b *zbarrier.Barrier, h *zheap.Heap, rt *zruntime.Runtime, st Storages, cfg Config) (*Driver, error) {
	if st.Roots == nil {
		return nil, fmt.Errorf("roots storage is missing")
	}
	for name, s := range map[string]*zstorage.Storage{"weak": st.Weak, "phantom": st.Phantom, "final": st.Final} {
		if s == nil {
			return nil, fmt.Errorf("%s storage is missing", name)
		}
		if s.Mode() != zstorage.ModeSegments {
			return nil, fmt.Errorf("%s storage must use segment mode, got %s", name, s.Mode())
		}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	return &Driver{
		cfg:    cfg,
		g:      b.Globals(),
		b:      b,
		h:      h,
		rt:     rt,
		st:     st,
		logger: zerolog.Nop(),
	}, nil
}

// SetLogger sets the logger.
func (d *Driver) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

// Safepoint returns the safepoint mutators must use around root accesses.
func (d *Driver) Safepoint() *Safepoint { return &d.sp }

// Cycles returns the number of completed cycles.
func (d *Driver) Cycles() uint64 { return d.cycles.Load() }

// LastCycle returns the stats of the most recent cycle, or nil.
func (d *Driver) LastCycle() *CycleStats { return d.last.Load() }

// Run performs cycles until n have completed or ctx is done, sleeping
// interval between cycles.
func (d *Driver) Run(ctx context.Context, n int, interval time.Duration) error {
	for i := 0; i < n; i++ {
		if _, err := d.Cycle(ctx); err != nil {
			return err
		}
		if interval > 0 && i+1 < n {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return nil
}

// Cycle performs one complete collection cycle. Cancellation is only
// observed before the cycle starts: a started cycle always completes, since
// abandoning it would leave slots colored for a phase that never ends.
func (d *Driver) Cycle(ctx context.Context) (*CycleStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	cs := &CycleStats{Cycle: d.cycles.Load() + 1}
	log := d.logger.With().Uint64("cycle", cs.Cycle).Logger()

	// Pause Mark Start
	cs.PauseMarkStart = d.sp.pause(d.markStart)

	// Concurrent Mark
	if err := d.concurrentMark(ctx, cs); err != nil {
		return nil, fmt.Errorf("concurrent mark: %w", err)
	}

	// Pause Mark End
	cs.PauseMarkEnd = d.sp.pause(func() {
		d.g.SetPhase(zbarrier.PhaseMarkCompleted)
		cs.Followed += d.drain()
	})

	// Concurrent Process Non-Strong References
	if err := d.processNonStrong(ctx, cs); err != nil {
		return nil, fmt.Errorf("reference processing: %w", err)
	}

	// Pause Relocate Start
	cs.PauseRelocateStart = d.sp.pause(func() {
		cs.Relocated = d.relocateStart()
	})

	// Concurrent Relocate
	if err := d.concurrentRelocate(ctx); err != nil {
		return nil, fmt.Errorf("concurrent relocate: %w", err)
	}

	cs.Marked = d.h.Stats().Marked
	cs.Duration = time.Since(start)
	d.last.Store(cs)
	d.cycles.Add(1)

	log.Info().
		Uint64("marked", cs.Marked).
		Int("relocated", cs.Relocated).
		Uint64("weak_cleared", cs.WeakCleared).
		Uint64("phantom_cleared", cs.PhantomCleared).
		Uint64("finalized", cs.Finalized).
		Dur("duration", cs.Duration).
		Msg("cycle complete")
	return cs, nil
}

func (d *Driver) markStart() {
	d.g.Metadata.FlipToMarked()
	d.h.ResetMarks()
	d.g.SetPhase(zbarrier.PhaseMark)

	roots := d.h.Roots()
	for i := range roots {
		d.b.LoadBarrierOnRootOopField(&roots[i])
	}
}

func (d *Driver) concurrentMark(ctx context.Context, cs *CycleStats) error {
	markStrong := func(p *uintptr) { d.b.MarkBarrierOnOopField(p, false) }

	if err := d.st.Roots.Scan(ctx, d.cfg.Workers, markStrong); err != nil {
		return err
	}
	if err := d.scanFields(ctx, func(slots []uintptr) { d.b.MarkBarrierOnOopArray(slots, false) }); err != nil {
		return err
	}

	keepPermit := d.g.Metadata.KeepPermit()
	d.rt.Keep().LockedIterate(func(p *uintptr) {
		d.b.MarkBarrierOnOopField(p, false)
		if keepPermit {
			d.keepColor(p)
		}
	})

	if err := d.st.Final.ScanParallel(ctx, d.cfg.Workers, func(p *uintptr) {
		d.b.MarkBarrierOnOopField(p, true)
	}); err != nil {
		return err
	}

	cs.Followed += d.drain()
	return nil
}

// keepColor tags a marked keep slot with the current keep bit so later mark
// barriers in this cycle skip it.
func (d *Driver) keepColor(p *uintptr) {
	m := d.g.Masks()
	o := zaddr.Address(concurrency.LoadWord(p))
	if !m.IsGood(o) || m.IsKeep(o) {
		return
	}
	concurrency.CASWord(p, uintptr(o), uintptr(m.KeepAddress(o)))
}

func (d *Driver) processNonStrong(ctx context.Context, cs *CycleStats) error {
	d.g.BlockResurrection()
	defer d.g.UnblockResurrection()

	var weakCleared, phantomCleared, finalized atomic.Uint64

	err := d.parallel(ctx, d.st.Weak, func(ps *zstorage.ParState) {
		ps.WeakOopsDoIfAlive(func(o zaddr.Address) bool {
			if d.b.IsAliveBarrierOnWeakOop(o) {
				return true
			}
			weakCleared.Add(1)
			return false
		}, func(p *uintptr) { d.b.WeakLoadBarrierOnWeakOopField(p) })
	})
	if err != nil {
		return err
	}

	// Referents only reachable through finalization are kept alive for the
	// finalizer and leave the final storage.
	err = d.parallel(ctx, d.st.Final, func(ps *zstorage.ParState) {
		ps.WeakOopsDo(func(p *uintptr) {
			if d.b.IsAliveBarrierOnWeakOop(zaddr.Address(concurrency.LoadWord(p))) {
				d.b.WeakLoadBarrierOnWeakOopField(p)
				return
			}
			d.b.KeepAliveBarrierOnWeakOopField(p)
			concurrency.StoreWord(p, 0)
			finalized.Add(1)
		})
	})
	if err != nil {
		return err
	}
	cs.Followed += d.drain()

	err = d.parallel(ctx, d.st.Phantom, func(ps *zstorage.ParState) {
		ps.WeakOopsDoIfAlive(func(o zaddr.Address) bool {
			if d.b.IsAliveBarrierOnPhantomOop(o) {
				return true
			}
			phantomCleared.Add(1)
			return false
		}, func(p *uintptr) { d.b.WeakLoadBarrierOnPhantomOopField(p) })
	})
	if err != nil {
		return err
	}

	cs.WeakCleared = weakCleared.Load()
	cs.PhantomCleared = phantomCleared.Load()
	cs.Finalized = finalized.Load()
	return nil
}

func (d *Driver) relocateStart() int {
	d.h.ResetForwarding()
	selected := 0
	if d.cfg.RelocateStride > 0 {
		selected = d.h.SelectRelocationSet(d.cfg.RelocateStride)
	}

	d.g.Metadata.FlipToRemapped()
	d.g.SetPhase(zbarrier.PhaseRelocate)

	roots := d.h.Roots()
	for i := range roots {
		d.b.LoadBarrierOnRootOopField(&roots[i])
	}
	return selected
}

func (d *Driver) concurrentRelocate(ctx context.Context) error {
	load := func(p *uintptr) { d.b.LoadBarrierOnOopField(p) }
	weakLoad := func(p *uintptr) { d.b.WeakLoadBarrierOnOopField(p) }

	if err := d.st.Roots.Scan(ctx, d.cfg.Workers, load); err != nil {
		return err
	}
	if err := d.scanFields(ctx, d.b.LoadBarrierOnOopArray); err != nil {
		return err
	}
	d.rt.Keep().LockedIterate(load)

	for _, s := range []*zstorage.Storage{d.st.Weak, d.st.Phantom, d.st.Final} {
		if err := s.ScanParallel(ctx, d.cfg.Workers, weakLoad); err != nil {
			return err
		}
	}
	return nil
}

// parallel runs fn on every worker over one shared ParState of s.
func (d *Driver) parallel(ctx context.Context, s *zstorage.Storage, fn func(ps *zstorage.ParState)) error {
	ps := s.NewParState(d.cfg.Workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < d.cfg.Workers; w++ {
		g.Go(func() error {
			fn(ps)
			return ctx.Err()
		})
	}
	return g.Wait()
}

// scanFields hands out heap field slots to the workers in fixed chunks.
func (d *Driver) scanFields(ctx context.Context, fn func(slots []uintptr)) error {
	fields := d.h.Fields()
	var next atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < d.cfg.Workers; w++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				start := int(next.Add(fieldChunk)) - fieldChunk
				if start >= len(fields) {
					return nil
				}
				fn(fields[start:min(start+fieldChunk, len(fields))])
			}
			return ctx.Err()
		})
	}
	return g.Wait()
}

// drain empties the mark queue. The simulated heap has no object graph
// behind its fields, so following an object only counts it.
func (d *Driver) drain() int {
	return d.h.DrainMarkQueue(func(uintptr) {})
}
