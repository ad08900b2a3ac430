//go:build !unix

package zheap

import "unsafe"

// reserve falls back to a Go allocation on platforms without mmap. The slice
// holds no pointers, so the Go collector never looks inside it.
func reserve(size int) ([]byte, func([]byte) error, error) {
	words := make([]uintptr, (size+wordSize-1)/wordSize)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size), nil, nil
}
