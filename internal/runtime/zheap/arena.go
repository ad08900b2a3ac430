package zheap

import (
	"fmt"
	"unsafe"

	"github.com/orizon-lang/colorgc/internal/errors"
)

const wordSize = int(unsafe.Sizeof(uintptr(0)))

// Arena is a fixed block of reference slots outside the Go heap. Slots hold
// colored words, never Go pointers, so the Go collector must not scan them.
type Arena struct {
	mem   []byte
	words []uintptr
	unmap func([]byte) error
}

// NewArena reserves n zeroed slots.
func NewArena(n int) (*Arena, error) {
	if n <= 0 {
		return nil, fmt.Errorf("arena size must be greater than 0")
	}

	mem, unmap, err := reserve(n * wordSize)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve arena of %d slots: %w", n, err)
	}

	return &Arena{
		mem:   mem,
		words: unsafe.Slice((*uintptr)(unsafe.Pointer(&mem[0])), n),
		unmap: unmap,
	}, nil
}

// Len returns the number of slots.
func (a *Arena) Len() int { return len(a.words) }

// Slot returns the address of slot i.
func (a *Arena) Slot(i int) *uintptr {
	if i < 0 || i >= len(a.words) {
		panic(errors.IndexOutOfBounds(uintptr(i), uintptr(len(a.words))))
	}
	return &a.words[i]
}

// Slice returns slots [from, to) as a contiguous run.
func (a *Arena) Slice(from, to int) []uintptr {
	if from < 0 || to > len(a.words) || from > to {
		panic(errors.IndexOutOfBounds(uintptr(to), uintptr(len(a.words))))
	}
	return a.words[from:to:to]
}

// Close releases the arena. Slots must not be used afterwards.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	mem := a.mem
	a.mem, a.words = nil, nil
	if a.unmap == nil {
		return nil
	}
	return a.unmap(mem)
}
