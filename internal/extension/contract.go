package extension

import (
	"context"

	"github.com/nixsage/nixsage/internal/extension/security"
	"github.com/nixsage/nixsage/internal/intent"
)

// Extension is the capability contract every handler satisfies,
// whether it is implemented in Go or behind a sandboxed Lua state.
//
// Process returning (nil, nil) is the explicit decline signal: the
// extension matched the intent shape but chose not to handle this one,
// and routing continues. A non-nil error means the extension failed;
// the router logs it and continues as well.
type Extension interface {
	Name() string
	CanHandle(in intent.Intent) bool
	Process(ctx context.Context, in intent.Intent, session *intent.Session) (*intent.Result, error)
}

// Source identifies where an extension was discovered.
type Source int

const (
	// SourceFile - loose .lua file or directory in a search path.
	SourceFile Source = iota

	// SourceBuiltin - compiled-in Go extension.
	SourceBuiltin

	// SourcePackage - installed package under the state directory.
	SourcePackage
)

// String returns a string representation of the source.
func (s Source) String() string {
	switch s {
	case SourceFile:
		return "file"
	case SourceBuiltin:
		return "builtin"
	case SourcePackage:
		return "package"
	default:
		return "unknown"
	}
}

// precedence orders sources for duplicate-identity resolution; lower
// wins.
func (s Source) precedence() int {
	switch s {
	case SourceBuiltin:
		return 0
	case SourceFile:
		return 1
	case SourcePackage:
		return 2
	default:
		return 3
	}
}

// Factory constructs a builtin extension instance.
type Factory func() (Extension, error)

// Descriptor is the immutable product of one discovery pass. A
// re-discovery replaces descriptors wholesale; nothing mutates them in
// place.
type Descriptor struct {
	// Identity is the unique extension name.
	Identity string

	// Source says where the extension came from.
	Source Source

	// Location is the directory (file/package) the extension lives in.
	// Empty for builtins.
	Location string

	// Manifest holds declared metadata and the capability ceiling.
	Manifest *Manifest

	// factory is set for builtins only.
	factory Factory
}

// Priority returns the routing priority declared by the manifest.
func (d Descriptor) Priority() int {
	if d.Manifest == nil {
		return DefaultPriority
	}
	return d.Manifest.Priority
}

// Loaded pairs a descriptor with its live instance. The registry owns
// Loaded values; tearing one down revokes its security session before
// anything else.
type Loaded struct {
	Descriptor Descriptor
	Instance   Extension
	Priority   int

	// Session is the revocable grant set backing the instance's
	// sandbox. Builtins carry one too, so teardown is uniform.
	Session *security.Session

	host *Host
}

// Close revokes the security session and releases the sandbox.
func (l *Loaded) Close() error {
	var err error
	if l.Session != nil {
		err = l.Session.Revoke()
	}
	if l.host != nil {
		if cerr := l.host.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
