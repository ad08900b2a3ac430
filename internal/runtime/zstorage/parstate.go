package zstorage

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/colorgc/internal/errors"
	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
)

// maxSegmentStep bounds how many blocks one claim hands out.
const maxSegmentStep = 10

// ParState is one parallel iteration over the blocks of a Storage. The block
// set is fixed when the ParState is created; blocks added later are not
// visited. Each block is visited by exactly one worker.
type ParState struct {
	s                *Storage
	blocks           []*block
	estimatedThreads int
	next             atomic.Uint64
}

// segment is a half-open range of block indices claimed by one worker.
type segment struct {
	start, end uint64
}

// NewParState starts a parallel iteration. estimatedThreads sizes the
// segments; it need not match the number of workers actually used.
func (s *Storage) NewParState(estimatedThreads int) *ParState {
	if s.mode != ModeSegments {
		panic(errors.InvalidPhase("segment scan", s.mode.String()+" storage"))
	}
	if estimatedThreads < 1 {
		estimatedThreads = 1
	}

	s.allocMu.Lock()
	blocks := s.blocks[:len(s.blocks):len(s.blocks)]
	s.allocMu.Unlock()

	return &ParState{s: s, blocks: blocks, estimatedThreads: estimatedThreads}
}

// BlockCount returns the number of blocks this iteration covers.
func (ps *ParState) BlockCount() int { return len(ps.blocks) }

// claimNextSegment hands out the next run of blocks. Segments shrink as the
// iteration nears its end so the tail is shared among workers.
func (ps *ParState) claimNextSegment(seg *segment) bool {
	count := uint64(len(ps.blocks))
	start := ps.next.Load()
	if start >= count {
		return false
	}

	remaining := count - start
	step := min(uint64(maxSegmentStep), 1+remaining/uint64(ps.estimatedThreads))

	start = ps.next.Add(step) - step
	if start >= count {
		return false
	}
	seg.start, seg.end = start, min(start+step, count)
	return true
}

// iterate runs f over every slot of every segment this caller claims.
// Returning false from f abandons the current block and stops claiming.
func (ps *ParState) iterate(f func(p *uintptr) bool) {
	var seg segment
	for ps.claimNextSegment(&seg) {
		for i := seg.start; i < seg.end; i++ {
			if !ps.blocks[i].iterate(f) {
				return
			}
		}
	}
}

// OopsDo calls f for every allocated slot in the segments this caller claims.
func (ps *ParState) OopsDo(f func(p *uintptr)) {
	ps.iterate(func(p *uintptr) bool {
		f(p)
		return true
	})
}

// WeakOopsDo is OopsDo skipping slots that hold null.
func (ps *ParState) WeakOopsDo(f func(p *uintptr)) {
	ps.iterate(func(p *uintptr) bool {
		if atomic.LoadUintptr(p) != 0 {
			f(p)
		}
		return true
	})
}

// WeakOopsDoIfAlive calls f for every non-null slot whose referent isAlive
// accepts, and clears the slots whose referent it rejects.
func (ps *ParState) WeakOopsDoIfAlive(isAlive func(a zaddr.Address) bool, f func(p *uintptr)) {
	ps.iterate(func(p *uintptr) bool {
		v := atomic.LoadUintptr(p)
		if v == 0 {
			return true
		}
		if isAlive(zaddr.Address(v)) {
			f(p)
		} else {
			atomic.StoreUintptr(p, 0)
		}
		return true
	})
}

// ScanParallel runs f over every allocated slot with the given number of
// workers sharing one ParState. Workers stop claiming segments once ctx is
// done; the context error is returned in that case.
func (s *Storage) ScanParallel(ctx context.Context, workers int, f func(p *uintptr)) error {
	if workers < 1 {
		workers = 1
	}
	ps := s.NewParState(workers)

	s.logger.Debug().Int("blocks", ps.BlockCount()).Int("workers", workers).Msg("parallel scan started")

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			ps.iterate(func(p *uintptr) bool {
				if ctx.Err() != nil {
					return false
				}
				f(p)
				return true
			})
			return ctx.Err()
		})
	}
	err := g.Wait()

	s.logger.Debug().Err(err).Msg("parallel scan finished")
	return err
}

// Scan enumerates the storage in the mode it was created with. Locked scans
// run on the calling goroutine whatever the worker count.
func (s *Storage) Scan(ctx context.Context, workers int, f func(p *uintptr)) error {
	if s.mode == ModeLocked {
		n := s.LockedIterate(f)
		s.logger.Debug().Int("visited", n).Msg("locked scan finished")
		return ctx.Err()
	}
	return s.ScanParallel(ctx, workers, f)
}
