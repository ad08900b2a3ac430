// Package errors provides the fatal contract errors raised by the barrier engine.
// A StandardError is never returned to callers: it is panicked when a collector
// invariant is broken, since that always indicates a collector bug rather than
// bad input.
package errors

import (
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryMemory     ErrorCategory = "MEMORY"
	CategoryBounds     ErrorCategory = "BOUNDS"
	CategoryValidation ErrorCategory = "VALIDATION"
	CategoryInvariant  ErrorCategory = "INVARIANT"
	CategoryPhase      ErrorCategory = "PHASE"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// NewStandardError creates a new standardized error. The caller recorded is the
// function that invoked the constructor helper.
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(2)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Is reports whether err is a StandardError carrying code.
func Is(err interface{}, code string) bool {
	se, ok := err.(*StandardError)
	return ok && se.Code == code
}

// Common error constructors
func IndexOutOfBounds(index, length uintptr) *StandardError {
	return NewStandardError(CategoryBounds, "INDEX_OUT_OF_BOUNDS",
		fmt.Sprintf("Index %d out of bounds for length %d", index, length),
		map[string]interface{}{"index": index, "length": length})
}

func NullPointer(operation string) *StandardError {
	return NewStandardError(CategoryMemory, "NULL_POINTER",
		fmt.Sprintf("Null pointer dereference in %s", operation),
		map[string]interface{}{"operation": operation})
}

func InvalidSize(size uintptr, context string) *StandardError {
	return NewStandardError(CategoryValidation, "INVALID_SIZE",
		fmt.Sprintf("Invalid size %d in %s", size, context),
		map[string]interface{}{"size": size, "context": context})
}

// InvalidSelfHeal reports a heal whose observed value was already acceptable,
// or whose healed value is not.
func InvalidSelfHeal(observed, healed uintptr) *StandardError {
	return NewStandardError(CategoryInvariant, "INVALID_SELF_HEAL",
		fmt.Sprintf("Invalid self heal %#x -> %#x", observed, healed),
		map[string]interface{}{"observed": observed, "healed": healed})
}

// InvalidOffset reports two colors of one reference disagreeing on the offset.
func InvalidOffset(a, b uintptr) *StandardError {
	return NewStandardError(CategoryInvariant, "INVALID_OFFSET",
		fmt.Sprintf("Invalid offset: %#x and %#x do not name the same object", a, b),
		map[string]interface{}{"a": a, "b": b})
}

// InvalidAddress reports an address with an unexpected color.
func InvalidAddress(addr uintptr, want string) *StandardError {
	return NewStandardError(CategoryInvariant, "INVALID_ADDRESS",
		fmt.Sprintf("Invalid address %#x, expected %s", addr, want),
		map[string]interface{}{"address": addr, "expected": want})
}

// InvalidPhase reports an operation invoked outside the phase it is valid in.
func InvalidPhase(operation, phase string) *StandardError {
	return NewStandardError(CategoryPhase, "INVALID_PHASE",
		fmt.Sprintf("%s is not valid during %s", operation, phase),
		map[string]interface{}{"operation": operation, "phase": phase})
}
