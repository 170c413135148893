package extension

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nixsage/nixsage/internal/extension/security"
	"github.com/nixsage/nixsage/internal/intent"
)

// DefaultDispatchTimeout bounds one extension's Process call.
const DefaultDispatchTimeout = 5 * time.Second

// ErrorCodeUnhandled is the Result error code when routing exhausts
// all candidates.
const ErrorCodeUnhandled = "unhandled_intent"

// Registry routes intents across loaded extensions: descending
// priority, ties by registration order, first produced result wins.
//
// Dispatch takes a read-lock snapshot; register, unregister and swap
// take the write lock, so a concurrent dispatch sees the fully-old or
// fully-new extension set, never a half-applied change. The registry
// keeps no per-dispatch mutable state.
type Registry struct {
	mu sync.RWMutex

	entries    []*entry
	byIdentity map[string]*entry
	seq        int

	dispatchTimeout time.Duration
	fallback        string
	logger          *zap.Logger
}

type entry struct {
	loaded *Loaded
	seq    int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDispatchTimeout sets the per-extension Process deadline.
func WithDispatchTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.dispatchTimeout = d
	}
}

// WithFallback names the extension consulted when no candidate
// produces a result.
func WithFallback(identity string) RegistryOption {
	return func(r *Registry) {
		r.fallback = identity
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byIdentity:      make(map[string]*entry),
		dispatchTimeout: DefaultDispatchTimeout,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a loaded extension. Registration order breaks
// priority ties, so callers register in discovery order.
func (r *Registry) Register(l *Loaded) error {
	if l == nil || l.Instance == nil {
		return ErrNilDescriptor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	identity := l.Descriptor.Identity
	if _, exists := r.byIdentity[identity]; exists {
		return fmt.Errorf("extension %q: %w", identity, ErrAlreadyLoaded)
	}

	e := &entry{loaded: l, seq: r.seq}
	r.seq++
	r.byIdentity[identity] = e
	r.entries = append(r.entries, e)
	r.sortLocked()
	return nil
}

// Unregister removes and tears down an extension. The security
// session is revoked before anything else, so sandboxed I/O dies with
// the registration.
func (r *Registry) Unregister(identity string) error {
	r.mu.Lock()
	e, exists := r.byIdentity[identity]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("extension %q: %w", identity, ErrExtensionNotFound)
	}
	delete(r.byIdentity, identity)
	r.removeLocked(e)
	r.mu.Unlock()

	return e.loaded.Close()
}

// Swap atomically replaces an extension: the old instance is torn
// down (session revoked first) and the replacement built while the
// write lock is held. Dispatches running concurrently finish against
// the old set; new dispatches see the new set. If build fails the
// identity ends up unregistered and the error is returned.
func (r *Registry) Swap(identity string, build func() (*Loaded, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.byIdentity[identity]; exists {
		delete(r.byIdentity, identity)
		r.removeLocked(e)
		if err := e.loaded.Close(); err != nil {
			r.logger.Warn("teardown during swap",
				zap.String("identity", identity),
				zap.Error(err))
		}
	}

	l, err := build()
	if err != nil {
		return err
	}

	e := &entry{loaded: l, seq: r.seq}
	r.seq++
	r.byIdentity[l.Descriptor.Identity] = e
	r.entries = append(r.entries, e)
	r.sortLocked()
	return nil
}

// Get returns a loaded extension by identity.
func (r *Registry) Get(identity string) (*Loaded, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byIdentity[identity]
	if !ok {
		return nil, false
	}
	return e.loaded, true
}

// List returns the loaded extensions in routing order.
func (r *Registry) List() []*Loaded {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Loaded, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.loaded
	}
	return out
}

// Len returns the number of registered extensions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Dispatch routes an intent. Candidates are consulted in routing
// order; an extension that fails, times out, is denied a capability,
// or declines is skipped and routing continues. The first result
// returned by a candidate is the dispatch result. When every
// candidate is exhausted the configured fallback gets a direct
// chance; failing that, the caller receives an unhandled-intent
// result with whatever suggestions accumulated.
func (r *Registry) Dispatch(ctx context.Context, in intent.Intent, session *intent.Session) *intent.Result {
	r.mu.RLock()
	snapshot := make([]*entry, len(r.entries))
	copy(snapshot, r.entries)
	timeout := r.dispatchTimeout
	fallback := r.fallback
	r.mu.RUnlock()

	for _, e := range snapshot {
		ext := e.loaded.Instance
		if !r.safeCanHandle(ext, in) {
			continue
		}

		res, err := r.safeProcess(ctx, ext, in, session, timeout)
		switch {
		case err != nil:
			r.logDispatchError(ext.Name(), err)
			continue
		case res == nil:
			// Explicit decline.
			continue
		default:
			return res
		}
	}

	// Last resort: the fallback extension is asked directly, without
	// a CanHandle gate.
	if fallback != "" {
		if l, ok := r.Get(fallback); ok {
			res, err := r.safeProcess(ctx, l.Instance, in, session, timeout)
			if err != nil {
				r.logDispatchError(fallback, err)
			} else if res != nil {
				return res
			}
		}
	}

	return intent.Fail(ErrorCodeUnhandled, ErrUnhandledIntent.Error(),
		"try rephrasing the request",
		"run 'nixsage extensions' to see what is installed")
}

// safeCanHandle shields routing from a panicking candidate.
func (r *Registry) safeCanHandle(ext Extension, in intent.Intent) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("can_handle panicked",
				zap.String("extension", ext.Name()),
				zap.Any("panic", rec))
			ok = false
		}
	}()
	return ext.CanHandle(in)
}

// safeProcess runs Process under the per-call deadline with panic
// recovery.
func (r *Registry) safeProcess(ctx context.Context, ext Extension, in intent.Intent, session *intent.Session, timeout time.Duration) (res *intent.Result, err error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("extension panicked: %v", rec)
		}
	}()

	res, err = ext.Process(callCtx, in, session)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrProcessTimeout, err)
	}
	return res, err
}

// logDispatchError classifies a candidate failure. Capability denials
// are security events; raw details never reach Result.Output.
func (r *Registry) logDispatchError(name string, err error) {
	var capErr *security.CapabilityError
	switch {
	case errors.As(err, &capErr):
		r.logger.Warn("capability denied during dispatch",
			zap.String("extension", name),
			zap.String("capability", string(capErr.Capability)),
			zap.String("operation", capErr.Operation))
	case errors.Is(err, ErrProcessTimeout):
		r.logger.Warn("extension timed out",
			zap.String("extension", name),
			zap.Error(err))
	default:
		r.logger.Warn("extension failed",
			zap.String("extension", name),
			zap.Error(err))
	}
}

// CloseAll tears down every extension, revoking sessions first.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.byIdentity = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.loaded.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.loaded.Descriptor.Identity, err))
		}
	}
	return errors.Join(errs...)
}

// sortLocked orders entries by descending priority, ties by
// registration sequence. Must hold mu.
func (r *Registry) sortLocked() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].loaded.Priority != r.entries[j].loaded.Priority {
			return r.entries[i].loaded.Priority > r.entries[j].loaded.Priority
		}
		return r.entries[i].seq < r.entries[j].seq
	})
}

// removeLocked drops an entry from the ordered slice. Must hold mu.
func (r *Registry) removeLocked(target *entry) {
	for i, e := range r.entries {
		if e == target {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}
