package extension

import (
	"errors"
	"fmt"
)

// Extension system errors.
var (
	// ErrExtensionNotFound is returned when an extension cannot be located.
	ErrExtensionNotFound = errors.New("extension not found")

	// ErrNoEntryPoint is returned when an extension has no valid entry point.
	ErrNoEntryPoint = errors.New("extension has no entry point (init.lua or extension.lua)")

	// ErrNilDescriptor is returned when a nil descriptor is provided.
	ErrNilDescriptor = errors.New("descriptor is nil")

	// ErrAlreadyLoaded is returned when loading an already loaded extension.
	ErrAlreadyLoaded = errors.New("extension is already loaded")

	// ErrNotLoaded is returned when using an unloaded extension.
	ErrNotLoaded = errors.New("extension is not loaded")

	// ErrNoImplementation is returned when an entry file defines no handler.
	ErrNoImplementation = errors.New("extension defines no implementation")

	// ErrAmbiguousImplementation is returned when an entry file defines
	// more than one handler.
	ErrAmbiguousImplementation = errors.New("extension defines more than one implementation")

	// ErrIdentityMismatch is returned when a registered name disagrees
	// with the discovered identity.
	ErrIdentityMismatch = errors.New("registered name does not match extension identity")

	// ErrProcessTimeout is returned when a handler exceeds the dispatch timeout.
	ErrProcessTimeout = errors.New("extension processing timed out")

	// ErrUnhandledIntent is returned when no extension produces a result.
	ErrUnhandledIntent = errors.New("no extension handled the intent")

	// ErrUnsafeNotAllowed is returned when a non-builtin manifest
	// requests the unsafe capability without the host opting in.
	ErrUnsafeNotAllowed = errors.New("unsafe capability is not allowed for this extension source")
)

// LoadError wraps a failure that is fatal to one extension's load but
// never to the system.
type LoadError struct {
	Identity string
	Source   Source
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s extension %q: %v", e.Source, e.Identity, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Warning records a non-fatal discovery problem: an unreadable search
// path, a malformed manifest, or a duplicate identity that was shadowed.
type Warning struct {
	Path     string
	Identity string
	Message  string
}

func (w Warning) String() string {
	if w.Identity != "" {
		return fmt.Sprintf("%s (%s): %s", w.Identity, w.Path, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.Path, w.Message)
}
