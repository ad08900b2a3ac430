package zaddr

import "strings"

// Address is a colored reference word. The zero value is null.
type Address uintptr

// IsNull reports whether a is the null reference.
func (a Address) IsNull() bool { return a == 0 }

// Uintptr returns the raw word.
func (a Address) Uintptr() uintptr { return uintptr(a) }

// Color is the metadata field of an Address shifted down to bit 0.
type Color uint8

const (
	ColorMarked0 Color = 1 << iota
	ColorMarked1
	ColorRemapped
	ColorKeep
	ColorAnotherKeep
	ColorFinalizable
)

func (c Color) Marked0() bool     { return c&ColorMarked0 != 0 }
func (c Color) Marked1() bool     { return c&ColorMarked1 != 0 }
func (c Color) Remapped() bool    { return c&ColorRemapped != 0 }
func (c Color) Keep() bool        { return c&(ColorKeep|ColorAnotherKeep) != 0 }
func (c Color) Finalizable() bool { return c&ColorFinalizable != 0 }

var colorNames = [...]string{"Marked0", "Marked1", "Remapped", "Keep", "AnotherKeep", "Finalizable"}

func (c Color) String() string {
	if c == 0 {
		return "None"
	}
	var parts []string
	for i, name := range colorNames {
		if c&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}
