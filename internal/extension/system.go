package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nixsage/nixsage/internal/intent"
)

// ReloadAll is the identity wildcard for Reload.
const ReloadAll = "*"

// System wires discovery, loading and routing together and is the
// single mutation point for caller sessions: extensions describe side
// effects in Result.Metadata, and the System applies them after
// dispatch.
type System struct {
	discoverer *Discoverer
	loader     *Loader
	registry   *Registry

	// configs carries per-extension configuration by identity.
	configs map[string]map[string]any

	maxParallel int
	logger      *zap.Logger

	// reloadMu serializes LoadAll and Reload against each other.
	// Dispatches are unaffected; they synchronize on the registry.
	reloadMu sync.Mutex
}

// SystemOption configures a System.
type SystemOption func(*System)

// WithSystemLogger sets the logger.
func WithSystemLogger(logger *zap.Logger) SystemOption {
	return func(s *System) {
		s.logger = logger
	}
}

// WithExtensionConfigs sets per-extension configuration overrides.
func WithExtensionConfigs(configs map[string]map[string]any) SystemOption {
	return func(s *System) {
		s.configs = configs
	}
}

// WithMaxParallelLoads bounds concurrent extension loads.
func WithMaxParallelLoads(n int) SystemOption {
	return func(s *System) {
		if n > 0 {
			s.maxParallel = n
		}
	}
}

// NewSystem creates a System over the given components.
func NewSystem(discoverer *Discoverer, loader *Loader, registry *Registry, opts ...SystemOption) *System {
	s := &System{
		discoverer:  discoverer,
		loader:      loader,
		registry:    registry,
		configs:     make(map[string]map[string]any),
		maxParallel: 4,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the routing registry.
func (s *System) Registry() *Registry {
	return s.registry
}

// Discoverer returns the discoverer.
func (s *System) Discoverer() *Discoverer {
	return s.discoverer
}

// LoadAll discovers and loads every extension. Loads run in parallel
// since each host owns an isolated Lua state; registration follows
// the deterministic discovery order regardless. A failing extension
// is skipped and reported, never fatal to the rest.
func (s *System) LoadAll(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.loadAllLocked(ctx)
}

func (s *System) loadAllLocked(ctx context.Context) error {
	descriptors := s.discoverer.Discover()

	loaded := make([]*Loaded, len(descriptors))
	loadErrs := make([]error, len(descriptors))

	var g errgroup.Group
	g.SetLimit(s.maxParallel)
	for i, desc := range descriptors {
		i, desc := i, desc
		g.Go(func() error {
			l, err := s.loader.Load(ctx, desc, s.configs[desc.Identity])
			loaded[i], loadErrs[i] = l, err
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i, l := range loaded {
		if loadErrs[i] != nil {
			errs = append(errs, loadErrs[i])
			continue
		}
		if err := s.registry.Register(l); err != nil {
			_ = l.Close()
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("loaded %d of %d extensions: %w",
			s.registry.Len(), len(descriptors), errors.Join(errs...))
	}
	return nil
}

// Handle validates and dispatches an intent, then applies the
// winning result's declared side effects to the session.
func (s *System) Handle(ctx context.Context, in intent.Intent, session *intent.Session) *intent.Result {
	if err := in.Validate(); err != nil {
		return intent.Fail("invalid_intent", err.Error(), invalidIntentSuggestions(err)...)
	}

	res := s.registry.Dispatch(ctx, in, session)
	s.applySideEffects(in, res, session)
	return res
}

// invalidIntentSuggestions names the violated invariant so the caller
// can correct the request.
func invalidIntentSuggestions(err error) []string {
	switch {
	case errors.Is(err, intent.ErrUnknownKind):
		return []string{"use a recognized intent kind, for example install, search, generate-config or query"}
	case errors.Is(err, intent.ErrInvalidConfidence):
		return []string{"set confidence to a value between 0 and 1"}
	case errors.Is(err, intent.ErrEmptyQuery):
		return []string{"provide a non-empty query"}
	default:
		return nil
	}
}

// applySideEffects is the only place session state changes after
// dispatch. Extensions never touch the session directly.
func (s *System) applySideEffects(in intent.Intent, res *intent.Result, session *intent.Session) {
	if session == nil || res == nil {
		return
	}

	if prefs, ok := res.Metadata[intent.MetaPreferenceSet].(map[string]any); ok {
		for k, v := range prefs {
			session.SetPreference(k, v)
		}
	}

	// A history note replaces the full output in the recorded
	// exchange, keeping long or sensitive output out of history.
	recorded := *res
	if note, ok := res.Metadata[intent.MetaHistoryNote].(string); ok && note != "" {
		recorded.Output = note
	}
	session.AppendExchange(in, recorded)
}

// Reload tears down and rebuilds one extension (or every extension
// with the ReloadAll wildcard). The prior session is revoked before
// the replacement is constructed, so no two live instances of one
// identity ever hold grants at the same time.
func (s *System) Reload(ctx context.Context, identity string) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if identity == ReloadAll {
		if err := s.registry.CloseAll(); err != nil {
			s.logger.Warn("teardown during full reload", zap.Error(err))
		}
		return s.loadAllLocked(ctx)
	}

	descriptors := s.discoverer.Discover()
	var desc *Descriptor
	for i := range descriptors {
		if descriptors[i].Identity == identity {
			desc = &descriptors[i]
			break
		}
	}
	if desc == nil {
		// Gone from disk: drop the registration if we had one.
		if err := s.registry.Unregister(identity); err != nil {
			return fmt.Errorf("extension %q: %w", identity, ErrExtensionNotFound)
		}
		return nil
	}

	return s.registry.Swap(identity, func() (*Loaded, error) {
		return s.loader.Load(ctx, *desc, s.configs[identity])
	})
}

// Warnings returns the discovery warnings from the latest pass.
func (s *System) Warnings() []Warning {
	return s.discoverer.Warnings()
}

// Extensions returns the loaded extensions in routing order.
func (s *System) Extensions() []*Loaded {
	return s.registry.List()
}

// Close tears everything down.
func (s *System) Close() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.registry.CloseAll()
}
