// Package zbarrier implements the colored-pointer barriers applied to every
// reference access: a fast-path color check against the published masks, a
// collector slow path when it fails, and self-healing of the slot the stale
// reference was read from.
package zbarrier

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
)

// Phase is the collector phase barriers route on.
type Phase uint32

const (
	PhaseMark Phase = iota
	PhaseMarkCompleted
	PhaseRelocate
)

func (p Phase) String() string {
	switch p {
	case PhaseMark:
		return "Mark"
	case PhaseMarkCompleted:
		return "MarkCompleted"
	case PhaseRelocate:
		return "Relocate"
	default:
		return "Unknown"
	}
}

// Resurrection is the gate that keeps weak and phantom loads from reviving
// objects marking has already found dead.
type Resurrection struct {
	blocked atomic.Bool
}

// Block closes the gate. Only the phase driver calls it, at a safepoint.
func (r *Resurrection) Block() { r.blocked.Store(true) }

// Unblock reopens the gate; weak and phantom loads fall back to plain loads.
func (r *Resurrection) Unblock() { r.blocked.Store(false) }

// IsBlocked reports whether resurrection is currently blocked.
func (r *Resurrection) IsBlocked() bool { return r.blocked.Load() }

// Globals is the coloring state shared by every barrier call site. The phase
// driver is its single owner for writes; everything else only reads.
type Globals struct {
	Metadata     *zaddr.Metadata
	Resurrection Resurrection

	phase  atomic.Uint32
	logger zerolog.Logger
}

// NewGlobals wraps md. A fresh collector starts out as if a relocation had
// just finished: Remapped is good and the phase is Relocate.
func NewGlobals(md *zaddr.Metadata) *Globals {
	g := &Globals{Metadata: md, logger: zerolog.Nop()}
	g.phase.Store(uint32(PhaseRelocate))
	return g
}

// SetLogger sets the logger used for phase transitions.
func (g *Globals) SetLogger(logger zerolog.Logger) {
	g.logger = logger
}

// Masks returns the currently published masks.
func (g *Globals) Masks() *zaddr.Masks { return g.Metadata.Load() }

// Phase returns the current phase.
func (g *Globals) Phase() Phase { return Phase(g.phase.Load()) }

// SetPhase moves to p. Phase driver only.
func (g *Globals) SetPhase(p Phase) {
	old := Phase(g.phase.Swap(uint32(p)))
	g.logger.Debug().Stringer("from", old).Stringer("to", p).Msg("phase change")
}

func (g *Globals) DuringMark() bool     { return g.Phase() == PhaseMark }
func (g *Globals) DuringRelocate() bool { return g.Phase() == PhaseRelocate }

// BlockResurrection closes the resurrection gate.
func (g *Globals) BlockResurrection() {
	g.Resurrection.Block()
	g.logger.Debug().Msg("resurrection blocked")
}

// UnblockResurrection reopens the resurrection gate.
func (g *Globals) UnblockResurrection() {
	g.Resurrection.Unblock()
	g.logger.Debug().Msg("resurrection unblocked")
}

// Describe names the phase the way routing sees it, with the resurrection
// state spelled out for MarkCompleted.
func (g *Globals) Describe() string {
	p := g.Phase()
	if p != PhaseMarkCompleted {
		return p.String()
	}
	if g.Resurrection.IsBlocked() {
		return "MarkCompleted(ResurrectionBlocked)"
	}
	return "MarkCompleted(ResurrectionUnblocked)"
}
