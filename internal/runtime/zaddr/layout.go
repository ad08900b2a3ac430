// Package zaddr encodes colored references: a machine word carrying an object
// offset in its low bits and collector metadata ("color") in the bits above it.
//
// All width and shift constants are derived once from a Platform and kept in a
// Layout; nothing outside this package manipulates color bits directly.
package zaddr

import (
	"math/bits"
	"unsafe"

	"github.com/orizon-lang/colorgc/internal/errors"
)

const (
	// MetadataBits is the width of the color field: two marked bits, remapped,
	// two keep bits and finalizable.
	MetadataBits = 6

	minAddressOffsetBits = 42 // 4TB
	maxAddressOffsetBits = 44 // 16TB

	// virtualToPhysicalRatio is how much virtual address space is reserved per
	// byte of maximum heap.
	virtualToPhysicalRatio = 16
)

// Platform describes the address-space parameters the layout is derived from.
type Platform struct {
	AddressOffsetBits    uint
	AddressMetadataShift uint
}

// PlatformForHeap sizes the offset field for a heap of at most maxHeapSize
// bytes, clamped to the 4TB..16TB window.
func PlatformForHeap(maxHeapSize uint64) Platform {
	offsetBits := uint(minAddressOffsetBits)
	if maxHeapSize > 0 {
		need := maxHeapSize * virtualToPhysicalRatio
		// round up to a power of two, then take log2
		b := uint(bits.Len64(need - 1))
		if b > offsetBits {
			offsetBits = b
		}
	}
	if offsetBits > maxAddressOffsetBits {
		offsetBits = maxAddressOffsetBits
	}
	return Platform{AddressOffsetBits: offsetBits, AddressMetadataShift: offsetBits}
}

// Layout holds the bit positions of the offset and metadata fields. It is
// computed by Initialize and never changes afterwards.
type Layout struct {
	OffsetBits  uint
	OffsetShift uint
	OffsetMask  uintptr
	OffsetMax   uintptr

	MetadataShift uint
	MetadataMask  uintptr
	FullMask      uintptr

	Marked0     uintptr
	Marked1     uintptr
	Remapped    uintptr
	Keep        uintptr
	AnotherKeep uintptr
	Finalizable uintptr
}

func newLayout(p Platform) *Layout {
	if unsafe.Sizeof(uintptr(0)) < 8 {
		panic(errors.InvalidSize(unsafe.Sizeof(uintptr(0)), "colored pointer word"))
	}
	if p.AddressOffsetBits < 2 || p.AddressMetadataShift < p.AddressOffsetBits ||
		p.AddressMetadataShift-1+MetadataBits > 63 {
		panic(errors.InvalidSize(uintptr(p.AddressMetadataShift), "address metadata shift"))
	}

	l := &Layout{}
	l.OffsetBits = p.AddressOffsetBits - 1
	l.OffsetShift = 0
	l.OffsetMask = ((uintptr(1) << l.OffsetBits) - 1) << l.OffsetShift
	l.OffsetMax = uintptr(1) << l.OffsetBits

	l.MetadataShift = p.AddressMetadataShift - 1
	l.MetadataMask = ((uintptr(1) << MetadataBits) - 1) << l.MetadataShift
	l.FullMask = (uintptr(1) << (MetadataBits + l.MetadataShift)) - 1

	l.Marked0 = uintptr(1) << (l.MetadataShift + 0)
	l.Marked1 = uintptr(1) << (l.MetadataShift + 1)
	l.Remapped = uintptr(1) << (l.MetadataShift + 2)
	l.Keep = uintptr(1) << (l.MetadataShift + 3)
	l.AnotherKeep = uintptr(1) << (l.MetadataShift + 4)
	l.Finalizable = uintptr(1) << (l.MetadataShift + 5)
	return l
}

// Offset strips the color from a.
func (l *Layout) Offset(a Address) uintptr { return uintptr(a) & l.OffsetMask }

// Color extracts the metadata bits of a as a Color set.
func (l *Layout) Color(a Address) Color {
	return Color((uintptr(a) & l.MetadataMask) >> l.MetadataShift)
}

// Colored builds an address for offset with exactly the colors in c.
func (l *Layout) Colored(offset uintptr, c Color) Address {
	if offset&^l.OffsetMask != 0 {
		panic(errors.InvalidAddress(offset, "offset within the offset field"))
	}
	return Address(offset | uintptr(c)<<l.MetadataShift)
}
