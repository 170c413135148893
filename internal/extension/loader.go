package extension

import (
	"context"

	"go.uber.org/zap"

	"github.com/nixsage/nixsage/internal/extension/security"
)

// Loader turns descriptors into live, sandboxed extensions. The
// grant set an extension runs under is fixed here, from the manifest
// ceiling, before any of its code executes.
type Loader struct {
	logger      *zap.Logger
	allowUnsafe bool
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the logger.
func WithLoaderLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithAllowUnsafe permits file- and package-sourced manifests to
// request the unsafe capability. Off by default; builtins are always
// allowed it.
func WithAllowUnsafe(allow bool) LoaderOption {
	return func(l *Loader) {
		l.allowUnsafe = allow
	}
}

// NewLoader creates a Loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load constructs the extension behind a descriptor. Failures are
// wrapped as LoadError: fatal to this extension, never to the caller.
func (l *Loader) Load(ctx context.Context, desc Descriptor, config map[string]any) (*Loaded, error) {
	if desc.Manifest == nil {
		return nil, &LoadError{Identity: desc.Identity, Source: desc.Source, Err: ErrNilDescriptor}
	}

	session := l.buildSession(desc.Manifest)

	if desc.Source == SourceBuiltin {
		return l.loadBuiltin(desc, session)
	}

	// The unsafe grant is reserved for trusted builtins unless the
	// host explicitly opts third-party code in.
	if !l.allowUnsafe && desc.Manifest.HasCapability(security.CapabilityUnsafe) {
		revokeQuietly(session)
		return nil, &LoadError{Identity: desc.Identity, Source: desc.Source, Err: ErrUnsafeNotAllowed}
	}

	host, err := NewHost(desc.Manifest, session,
		WithHostConfig(config),
		WithHostLogger(l.logger))
	if err != nil {
		revokeQuietly(session)
		return nil, &LoadError{Identity: desc.Identity, Source: desc.Source, Err: err}
	}

	if err := host.Load(ctx); err != nil {
		revokeQuietly(session)
		return nil, &LoadError{Identity: desc.Identity, Source: desc.Source, Err: err}
	}

	l.logger.Info("extension loaded",
		zap.String("identity", desc.Identity),
		zap.Stringer("source", desc.Source),
		zap.Int("priority", desc.Priority()))

	return &Loaded{
		Descriptor: desc,
		Instance:   host,
		Priority:   desc.Priority(),
		Session:    session,
		host:       host,
	}, nil
}

// buildSession derives the revocable grant set from the manifest
// ceiling. Deny by default: an empty manifest yields a checker that
// refuses every gated operation.
func (l *Loader) buildSession(m *Manifest) *security.Session {
	checker := security.NewChecker(m.Name)
	checker.GrantAll(m.Capabilities)
	for _, p := range m.AllowedPaths {
		checker.AllowPath(p)
	}
	for _, h := range m.AllowedHosts {
		checker.AllowHost(h)
	}
	return security.NewSession(checker)
}

func (l *Loader) loadBuiltin(desc Descriptor, session *security.Session) (*Loaded, error) {
	if desc.factory == nil {
		revokeQuietly(session)
		return nil, &LoadError{Identity: desc.Identity, Source: desc.Source, Err: ErrNoImplementation}
	}
	instance, err := desc.factory()
	if err != nil {
		revokeQuietly(session)
		return nil, &LoadError{Identity: desc.Identity, Source: desc.Source, Err: err}
	}
	if instance.Name() != desc.Identity {
		revokeQuietly(session)
		return nil, &LoadError{Identity: desc.Identity, Source: desc.Source, Err: ErrIdentityMismatch}
	}

	l.logger.Info("extension loaded",
		zap.String("identity", desc.Identity),
		zap.Stringer("source", desc.Source),
		zap.Int("priority", desc.Priority()))

	return &Loaded{
		Descriptor: desc,
		Instance:   instance,
		Priority:   desc.Priority(),
		Session:    session,
	}, nil
}

func revokeQuietly(s *security.Session) {
	if s != nil {
		_ = s.Revoke()
	}
}
