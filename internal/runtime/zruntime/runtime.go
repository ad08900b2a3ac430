// Package zruntime exposes the barriers as leaf entry points for generated
// code. Each entry is a plain function value taking raw slot addresses, and a
// code generator picks the load entry for an access from its decorators.
package zruntime

import (
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/orizon-lang/colorgc/internal/errors"
	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
	"github.com/orizon-lang/colorgc/internal/runtime/zbarrier"
	"github.com/orizon-lang/colorgc/internal/runtime/zstorage"
)

// Decorators describe the access a barrier entry is requested for.
type Decorators uint32

const (
	OnStrongOopRef Decorators = 1 << iota
	OnWeakOopRef
	OnPhantomOopRef
	// AsNoKeepalive: the loaded value must not keep its referent alive.
	AsNoKeepalive
)

// Entry signatures. Argument order matches the register order generated code
// uses: the preloaded value first, then the slot it was read from.
type (
	LoadEntry  func(o zaddr.Address, p *uintptr) zaddr.Address
	CheckEntry func(o zaddr.Address, p *uintptr)
	ArrayEntry func(p *uintptr, length uintptr)
	CloneEntry func(src, dst *uintptr, size uintptr)
)

// Tier identifies which code generator registered a keep slot.
type Tier int

const (
	TierInterpreter Tier = iota
	TierC1
	TierC2
	tierCount
)

func (t Tier) String() string {
	switch t {
	case TierInterpreter:
		return "interpreter"
	case TierC1:
		return "c1"
	case TierC2:
		return "c2"
	default:
		return "unknown"
	}
}

// Runtime binds the entry points to one barrier and one keep registry.
type Runtime struct {
	b      *zbarrier.Barrier
	keep   *zstorage.Storage
	checks [tierCount]atomic.Uint64
	logger zerolog.Logger
}

// New creates the runtime entries. keep receives the slots registered through
// the check entries and must be a locked-mode storage.
func New(b *zbarrier.Barrier, keep *zstorage.Storage) *Runtime {
	if keep.Mode() != zstorage.ModeLocked {
		panic(errors.InvalidPhase("keep registry", keep.Mode().String()+" storage"))
	}
	return &Runtime{b: b, keep: keep, logger: zerolog.Nop()}
}

// SetLogger sets the logger.
func (r *Runtime) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

// Keep returns the keep registry.
func (r *Runtime) Keep() *zstorage.Storage { return r.keep }

func (r *Runtime) LoadBarrierOnOopFieldPreloaded(o zaddr.Address, p *uintptr) zaddr.Address {
	return r.b.LoadBarrierOnOopFieldPreloaded(p, o)
}

func (r *Runtime) LoadBarrierOnWeakOopFieldPreloaded(o zaddr.Address, p *uintptr) zaddr.Address {
	return r.b.LoadBarrierOnWeakOopFieldPreloaded(p, o)
}

func (r *Runtime) LoadBarrierOnPhantomOopFieldPreloaded(o zaddr.Address, p *uintptr) zaddr.Address {
	return r.b.LoadBarrierOnPhantomOopFieldPreloaded(p, o)
}

func (r *Runtime) WeakLoadBarrierOnOopFieldPreloaded(o zaddr.Address, p *uintptr) zaddr.Address {
	return r.b.WeakLoadBarrierOnOopFieldPreloaded(p, o)
}

func (r *Runtime) WeakLoadBarrierOnWeakOopFieldPreloaded(o zaddr.Address, p *uintptr) zaddr.Address {
	return r.b.WeakLoadBarrierOnWeakOopFieldPreloaded(p, o)
}

func (r *Runtime) WeakLoadBarrierOnPhantomOopFieldPreloaded(o zaddr.Address, p *uintptr) zaddr.Address {
	return r.b.WeakLoadBarrierOnPhantomOopFieldPreloaded(p, o)
}

// LoadBarrierOnOopArray heals length consecutive slots starting at p.
func (r *Runtime) LoadBarrierOnOopArray(p *uintptr, length uintptr) {
	if length == 0 {
		return
	}
	if p == nil {
		panic(errors.NullPointer("array barrier"))
	}
	r.b.LoadBarrierOnOopArray(unsafe.Slice(p, length))
}

// Clone copies size reference slots from src to dst. Source slots are healed
// first so dst never receives a stale color.
func (r *Runtime) Clone(src, dst *uintptr, size uintptr) {
	if size == 0 {
		return
	}
	if src == nil || dst == nil {
		panic(errors.NullPointer("clone"))
	}
	from, to := unsafe.Slice(src, size), unsafe.Slice(dst, size)
	for i := range from {
		good := r.b.LoadBarrierOnOopField(&from[i])
		atomic.StoreUintptr(&to[i], uintptr(good))
	}
}

func (r *Runtime) check(t Tier, o zaddr.Address, p *uintptr) {
	if p == nil {
		panic(errors.NullPointer("keep slot"))
	}
	r.keep.Register(p)
	r.checks[t].Add(1)
	r.logger.Trace().Stringer("tier", t).Uint64("slot", uint64(uintptr(unsafe.Pointer(p)))).Bool("null", o == 0).Msg("keep slot registered")
}

// CheckValue registers p in the keep registry on behalf of the interpreter.
func (r *Runtime) CheckValue(o zaddr.Address, p *uintptr) { r.check(TierInterpreter, o, p) }

// CheckC1Value is CheckValue for C1 compiled code.
func (r *Runtime) CheckC1Value(o zaddr.Address, p *uintptr) { r.check(TierC1, o, p) }

// CheckC2Value is CheckValue for C2 compiled code.
func (r *Runtime) CheckC2Value(o zaddr.Address, p *uintptr) { r.check(TierC2, o, p) }

// Checks returns how many keep slots each tier registered.
func (r *Runtime) Checks() map[string]uint64 {
	out := make(map[string]uint64, tierCount)
	for t := Tier(0); t < tierCount; t++ {
		out[t.String()] = r.checks[t].Load()
	}
	return out
}

// LoadBarrierOnOopFieldPreloadedAddr selects the load entry for an access.
// Phantom takes precedence over weak; AsNoKeepalive picks the weak load
// flavor of either.
func (r *Runtime) LoadBarrierOnOopFieldPreloadedAddr(decorators Decorators) LoadEntry {
	switch {
	case decorators&OnPhantomOopRef != 0:
		if decorators&AsNoKeepalive != 0 {
			return r.WeakLoadBarrierOnPhantomOopFieldPreloaded
		}
		return r.LoadBarrierOnPhantomOopFieldPreloaded
	case decorators&OnWeakOopRef != 0:
		if decorators&AsNoKeepalive != 0 {
			return r.WeakLoadBarrierOnWeakOopFieldPreloaded
		}
		return r.LoadBarrierOnWeakOopFieldPreloaded
	default:
		if decorators&AsNoKeepalive != 0 {
			return r.WeakLoadBarrierOnOopFieldPreloaded
		}
		return r.LoadBarrierOnOopFieldPreloaded
	}
}
