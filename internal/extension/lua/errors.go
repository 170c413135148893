package lua

import "errors"

// Errors for Lua runtime operations.
var (
	// ErrRuntimeClosed is returned when operating on a closed runtime.
	ErrRuntimeClosed = errors.New("lua runtime is closed")

	// ErrNotAFunction is returned when calling a global that is not a function.
	ErrNotAFunction = errors.New("lua global is not a function")

	// ErrBadResult is returned when a handler returns a value that cannot
	// be interpreted as a result table.
	ErrBadResult = errors.New("lua handler returned malformed result")
)
