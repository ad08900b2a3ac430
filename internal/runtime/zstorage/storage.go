// Package zstorage implements reference slot storage for off-heap roots and
// weak handles, and the two ways collector threads enumerate it: parallel
// segment claiming over fixed-size blocks, and a sequential locked scan over
// a registry that keeps growing while it is scanned.
package zstorage

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/orizon-lang/colorgc/internal/errors"
)

// BlockSize is the number of slots in one block.
const BlockSize = 64

// Mode selects how a Storage is enumerated.
type Mode int

const (
	// ModeSegments: slots live in blocks and are scanned by claiming segments.
	ModeSegments Mode = iota
	// ModeLocked: slots are registered from outside and scanned one at a time
	// under the allocation lock.
	ModeLocked
)

func (m Mode) String() string {
	switch m {
	case ModeSegments:
		return "segments"
	case ModeLocked:
		return "locked"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a mode name as written in configuration files.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "segments":
		return ModeSegments, nil
	case "locked":
		return ModeLocked, nil
	default:
		return 0, fmt.Errorf("unknown storage mode %q", s)
	}
}

// block is a fixed array of slots with an allocation bitmap.
type block struct {
	slots     [BlockSize]uintptr
	allocated atomic.Uint64
}

func (b *block) contains(p *uintptr) (int, bool) {
	base := uintptr(unsafe.Pointer(&b.slots[0]))
	addr := uintptr(unsafe.Pointer(p))
	if addr < base || addr >= base+BlockSize*unsafe.Sizeof(uintptr(0)) {
		return 0, false
	}
	return int((addr - base) / unsafe.Sizeof(uintptr(0))), true
}

// iterate calls f for every allocated slot.
func (b *block) iterate(f func(p *uintptr) bool) bool {
	for bitmap := b.allocated.Load(); bitmap != 0; bitmap &= bitmap - 1 {
		if !f(&b.slots[bits.TrailingZeros64(bitmap)]) {
			return false
		}
	}
	return true
}

// StorageStatistics tracks slot usage.
type StorageStatistics struct {
	Blocks    int    `json:"blocks"`    // Blocks in the active array
	Allocated uint64 `json:"allocated"` // Slots currently allocated
	Released  uint64 `json:"released"`  // Slots released over the lifetime
	Followers int    `json:"followers"` // Externally registered slots
}

// Storage owns reference slots for one kind of root or handle.
type Storage struct {
	name string
	mode Mode

	allocMu   sync.Mutex
	blocks    []*block
	followers []*uintptr

	allocated atomic.Uint64
	released  atomic.Uint64

	logger zerolog.Logger
}

// New creates an empty storage.
func New(name string, mode Mode) *Storage {
	return &Storage{name: name, mode: mode, logger: zerolog.Nop()}
}

// SetLogger sets the logger.
func (s *Storage) SetLogger(logger zerolog.Logger) {
	s.logger = logger.With().Str("storage", s.name).Logger()
}

// Name returns the storage name.
func (s *Storage) Name() string { return s.name }

// Mode returns how the storage is enumerated.
func (s *Storage) Mode() Mode { return s.mode }

// Allocate returns a null slot owned by the storage.
func (s *Storage) Allocate() *uintptr {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	for _, b := range s.blocks {
		if p := s.allocateFrom(b); p != nil {
			return p
		}
	}

	b := &block{}
	s.blocks = append(s.blocks, b)
	s.logger.Debug().Int("blocks", len(s.blocks)).Msg("block added")
	return s.allocateFrom(b)
}

// allocateFrom claims a free slot of b. Caller holds allocMu, so only
// Release races on the bitmap.
func (s *Storage) allocateFrom(b *block) *uintptr {
	for {
		bitmap := b.allocated.Load()
		if bitmap == ^uint64(0) {
			return nil
		}
		i := bits.TrailingZeros64(^bitmap)
		atomic.StoreUintptr(&b.slots[i], 0)
		if b.allocated.CompareAndSwap(bitmap, bitmap|1<<i) {
			s.allocated.Add(1)
			return &b.slots[i]
		}
	}
}

// Release returns a slot obtained from Allocate. The slot is cleared first so
// a concurrent scan never sees a stale value in a reused slot.
func (s *Storage) Release(p *uintptr) {
	if p == nil {
		panic(errors.NullPointer("release storage slot"))
	}

	s.allocMu.Lock()
	blocks := s.blocks
	s.allocMu.Unlock()

	for _, b := range blocks {
		i, ok := b.contains(p)
		if !ok {
			continue
		}
		bit := uint64(1) << i
		if b.allocated.Load()&bit == 0 {
			panic(errors.InvalidAddress(uintptr(unsafe.Pointer(p)), "allocated slot"))
		}
		atomic.StoreUintptr(p, 0)
		for {
			old := b.allocated.Load()
			if b.allocated.CompareAndSwap(old, old&^bit) {
				break
			}
		}
		s.allocated.Add(^uint64(0))
		s.released.Add(1)
		return
	}
	panic(errors.InvalidAddress(uintptr(unsafe.Pointer(p)), s.name+" slot"))
}

// Register appends an external slot to the follower registry. Register may be
// called while a locked scan runs; the scan will reach the new slot.
func (s *Storage) Register(p *uintptr) {
	if p == nil {
		panic(errors.NullPointer("register storage slot"))
	}
	s.allocMu.Lock()
	s.followers = append(s.followers, p)
	s.allocMu.Unlock()
}

// Followers returns the number of registered external slots.
func (s *Storage) Followers() int {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	return len(s.followers)
}

// ClearFollowers empties the follower registry.
func (s *Storage) ClearFollowers() {
	s.allocMu.Lock()
	s.followers = nil
	s.allocMu.Unlock()
}

// Statistics returns slot usage counters.
func (s *Storage) Statistics() StorageStatistics {
	s.allocMu.Lock()
	blocks, followers := len(s.blocks), len(s.followers)
	s.allocMu.Unlock()

	return StorageStatistics{
		Blocks:    blocks,
		Allocated: s.allocated.Load(),
		Released:  s.released.Load(),
		Followers: followers,
	}
}

// LockedIterate visits every follower slot, holding the allocation lock
// around each single visit and releasing it between visits. Slots registered
// during the scan are visited too. f must not call back into the storage.
func (s *Storage) LockedIterate(f func(p *uintptr)) int {
	visited := 0
	for i := 0; ; i++ {
		s.allocMu.Lock()
		if i >= len(s.followers) {
			s.allocMu.Unlock()
			return visited
		}
		f(s.followers[i])
		visited++
		s.allocMu.Unlock()
	}
}
