package extension

// State represents the lifecycle state of an extension.
type State int

// Extension states.
const (
	// StateUnloaded - extension is discovered but not loaded.
	StateUnloaded State = iota

	// StateLoaded - entry code ran and the implementation is resolved.
	StateLoaded

	// StateError - load or teardown failed.
	StateError
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsUsable reports whether the extension can serve dispatches.
func (s State) IsUsable() bool {
	return s == StateLoaded
}
