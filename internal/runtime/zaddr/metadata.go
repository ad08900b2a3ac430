package zaddr

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Masks is one published coloring state. A Masks value is immutable once
// published; barriers load it once per access so they never see a torn mix of
// two states.
type Masks struct {
	*Layout

	Version uint64

	// Marked is the marked bit of the current cycle.
	Marked      uintptr
	CurrentKeep uintptr

	Good uintptr
	Bad  uintptr
	// WeakBad is Bad for loads that must not mark.
	WeakBad uintptr

	// GoodKeep and Better describe the keep policy for the debug views and
	// for code that emits its own fast paths; no barrier here tests them.
	GoodKeep uintptr
	Better   uintptr
}

func (m *Masks) IsNull(a Address) bool           { return a == 0 }
func (m *Masks) IsBad(a Address) bool            { return uintptr(a)&m.Bad != 0 }
func (m *Masks) IsGoodOrNull(a Address) bool     { return uintptr(a)&m.Bad == 0 }
func (m *Masks) IsGood(a Address) bool           { return uintptr(a)&m.Bad == 0 && a != 0 }
func (m *Masks) IsWeakBad(a Address) bool        { return uintptr(a)&m.WeakBad != 0 }
func (m *Masks) IsWeakGoodOrNull(a Address) bool { return uintptr(a)&m.WeakBad == 0 }
func (m *Masks) IsWeakGood(a Address) bool       { return uintptr(a)&m.WeakBad == 0 && a != 0 }
func (m *Masks) IsMarked(a Address) bool         { return uintptr(a)&m.Marked != 0 }
func (m *Masks) IsMarkedOrNull(a Address) bool   { return a == 0 || uintptr(a)&m.Marked != 0 }
func (m *Masks) IsFinalizable(a Address) bool    { return uintptr(a)&m.Finalizable != 0 }
func (m *Masks) IsRemapped(a Address) bool       { return uintptr(a)&m.Remapped != 0 }

// IsKeep reports whether a carries the keep bit of the current cycle.
func (m *Masks) IsKeep(a Address) bool { return uintptr(a)&m.CurrentKeep != 0 }

// IsFinalizableGood reports whether a carries the finalizable bit and is good
// once that bit is stripped. The finalizable bit itself is always in Bad.
func (m *Masks) IsFinalizableGood(a Address) bool {
	return m.IsFinalizable(a) && m.IsGood(a^Address(m.Finalizable))
}

// GoodAddress recolors a with the current good color.
func (m *Masks) GoodAddress(a Address) Address {
	return Address(m.Offset(a) | m.Good)
}

// GoodOrNull is GoodAddress that maps null to null.
func (m *Masks) GoodOrNull(a Address) Address {
	if a == 0 {
		return 0
	}
	return m.GoodAddress(a)
}

func (m *Masks) FinalizableGood(a Address) Address {
	return Address(m.Offset(a) | m.Finalizable | m.Good)
}

func (m *Masks) MarkedAddress(a Address) Address {
	return Address(m.Offset(a) | m.Marked)
}

func (m *Masks) RemappedAddress(a Address) Address {
	return Address(m.Offset(a) | m.Remapped)
}

// RemappedOrNull is RemappedAddress that maps null to null.
func (m *Masks) RemappedOrNull(a Address) Address {
	if a == 0 {
		return 0
	}
	return m.RemappedAddress(a)
}

// KeepAddress recolors a with the good color plus the current keep bit.
func (m *Masks) KeepAddress(a Address) Address {
	return Address(m.Offset(a) | m.Good | m.CurrentKeep)
}

// Metadata owns the process-wide coloring state. Initialize, SetGoodMask,
// FlipToMarked and FlipToRemapped may only be called by the phase driver while
// it has exclusive control of the phase; they are not safe against each other.
// Load is safe from any goroutine at any time.
type Metadata struct {
	layout     *Layout
	keepPermit bool

	cur atomic.Pointer[Masks]

	// Owner-only working state, published through cur.
	version     uint64
	marked      uintptr
	currentKeep uintptr

	logger zerolog.Logger
}

// New derives the layout from p and initializes the masks with Remapped as the
// good color. keepPermit enables the auxiliary keep retention policy.
func New(p Platform, keepPermit bool) *Metadata {
	m := &Metadata{keepPermit: keepPermit, logger: zerolog.Nop()}
	m.Initialize(p)
	return m
}

// SetLogger sets the logger used for phase transitions.
func (m *Metadata) SetLogger(logger zerolog.Logger) {
	m.logger = logger
}

// Initialize (re)derives the layout and resets the masks.
func (m *Metadata) Initialize(p Platform) {
	m.layout = newLayout(p)
	m.marked = m.layout.Marked0
	m.currentKeep = m.layout.Keep
	m.SetGoodMask(m.layout.Remapped)
}

// Layout returns the bit layout.
func (m *Metadata) Layout() *Layout { return m.layout }

// KeepPermit reports whether the keep policy alternates keep bits.
func (m *Metadata) KeepPermit() bool { return m.keepPermit }

// Load returns the currently published masks.
func (m *Metadata) Load() *Masks { return m.cur.Load() }

// SetGoodMask recomputes every derived mask around mask and publishes them.
func (m *Metadata) SetGoodMask(mask uintptr) {
	l := m.layout
	m.version++

	next := &Masks{
		Layout:      l,
		Version:     m.version,
		Marked:      m.marked,
		CurrentKeep: m.currentKeep,
		Good:        mask,
	}
	next.GoodKeep = mask
	if m.keepPermit {
		next.GoodKeep = mask | m.currentKeep
	}
	next.Better = mask | m.currentKeep
	next.Bad = (mask | m.currentKeep) ^ l.MetadataMask
	// A weak load never marks, so remapped and finalizable colors are weak good.
	next.WeakBad = (mask | l.Remapped | l.Finalizable | m.currentKeep) ^ l.MetadataMask

	m.cur.Store(next)

	m.logger.Debug().
		Uint64("version", next.Version).
		Str("good", hex(next.Good)).
		Str("bad", hex(next.Bad)).
		Str("weak_bad", hex(next.WeakBad)).
		Str("keep", hex(next.CurrentKeep)).
		Msg("address masks published")
}

// FlipToMarked alternates the marked bit (and, under the keep policy, the keep
// bit) and makes it the good color. Last cycle's marked bit becomes bad without
// any sweep over the heap.
func (m *Metadata) FlipToMarked() {
	l := m.layout
	m.marked ^= l.Marked0 | l.Marked1
	if m.keepPermit {
		m.currentKeep ^= l.Keep | l.AnotherKeep
	}
	m.SetGoodMask(m.marked)
}

// FlipToRemapped makes Remapped the good color.
func (m *Metadata) FlipToRemapped() {
	m.SetGoodMask(m.layout.Remapped)
}

func hex(v uintptr) string { return fmt.Sprintf("%#x", v) }
