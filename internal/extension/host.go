package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	plua "github.com/nixsage/nixsage/internal/extension/lua"
	"github.com/nixsage/nixsage/internal/extension/security"
	"github.com/nixsage/nixsage/internal/intent"
)

// Host runs one file- or package-sourced extension behind a sandboxed
// Lua state and adapts it to the Extension contract. It is the only
// construction path for non-builtin extensions: the sandbox and the
// capability grants are in place before the entry file's top-level
// code executes.
type Host struct {
	mu sync.RWMutex

	identity string
	manifest *Manifest

	runtime *plua.Runtime
	bridge  *plua.Bridge
	session *security.Session

	// Resolved implementation.
	canHandleFn *lua.LFunction
	processFn   *lua.LFunction

	// register bookkeeping during Load.
	registered    *lua.LTable
	registerCount int

	hostState State
	err       error

	config map[string]any
	logger *zap.Logger
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHostConfig merges caller configuration over manifest defaults.
func WithHostConfig(config map[string]any) HostOption {
	return func(h *Host) {
		for k, v := range config {
			h.config[k] = v
		}
	}
}

// WithHostLogger sets the logger.
func WithHostLogger(logger *zap.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// NewHost creates a host for the given manifest, charging sandboxed
// operations to the given session.
func NewHost(manifest *Manifest, session *security.Session, opts ...HostOption) (*Host, error) {
	if manifest == nil {
		return nil, ErrNilDescriptor
	}

	h := &Host{
		identity:  manifest.Name,
		manifest:  manifest,
		session:   session,
		hostState: StateUnloaded,
		config:    make(map[string]any),
		logger:    zap.NewNop(),
	}

	// Manifest defaults first so options can override.
	for k, v := range manifest.Config {
		h.config[k] = v
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Name returns the extension identity.
func (h *Host) Name() string {
	return h.identity
}

// Manifest returns the extension manifest.
func (h *Host) Manifest() *Manifest {
	return h.manifest
}

// State returns the current lifecycle state.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hostState
}

// Err returns the load error, if any.
func (h *Host) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Config returns a copy of the effective configuration.
func (h *Host) Config() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]any, len(h.config))
	for k, v := range h.config {
		out[k] = v
	}
	return out
}

// Load builds the sandboxed state, runs the entry file and resolves
// the implementation. Any failure, including a panic out of the Lua
// layer, is fatal to this extension only.
func (h *Host) Load(ctx context.Context) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hostState != StateUnloaded {
		return ErrAlreadyLoaded
	}

	defer func() {
		if rec := recover(); rec != nil {
			if h.runtime != nil {
				h.runtime.Close()
				h.runtime = nil
			}
			err = h.fail(fmt.Errorf("lua panic: %v", rec))
		}
	}()

	runtime, err := plua.NewRuntime(h.session)
	if err != nil {
		return h.fail(err)
	}
	h.runtime = runtime
	h.bridge = plua.NewBridge(runtime.LuaState())

	h.preloadHostModule()

	if err := runtime.DoFile(h.manifest.MainPath()); err != nil {
		runtime.Close()
		h.runtime = nil
		return h.fail(fmt.Errorf("entry file: %w", err))
	}

	if err := h.resolveImplementation(); err != nil {
		runtime.Close()
		h.runtime = nil
		return h.fail(err)
	}

	if err := h.callSetup(ctx); err != nil {
		runtime.Close()
		h.runtime = nil
		return h.fail(fmt.Errorf("setup: %w", err))
	}

	h.hostState = StateLoaded
	h.err = nil
	return nil
}

func (h *Host) fail(err error) error {
	h.hostState = StateError
	h.err = err
	return err
}

// preloadHostModule makes require("nixsage") resolve to the host API:
// register{...} declares the implementation, log writes to the
// diagnostic channel.
func (h *Host) preloadHostModule() {
	L := h.runtime.LuaState()
	L.PreloadModule("nixsage", func(L *lua.LState) int {
		mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"register": func(L *lua.LState) int {
				tbl := L.CheckTable(1)
				h.registerCount++
				h.registered = tbl
				return 0
			},
			"log": func(L *lua.LState) int {
				h.logger.Info("extension log",
					zap.String("extension", h.identity),
					zap.String("message", L.CheckString(1)))
				return 0
			},
		})
		L.Push(mod)
		return 1
	})
}

// resolveImplementation locates exactly one implementation: either a
// single nixsage.register call, or the conventional globals. Zero or
// more than one is a load failure, never a silent pick.
func (h *Host) resolveImplementation() error {
	L := h.runtime.LuaState()

	if h.registerCount > 1 {
		return fmt.Errorf("%w: register called %d times", ErrAmbiguousImplementation, h.registerCount)
	}

	globalCan, hasGlobalCan := L.GetGlobal("can_handle").(*lua.LFunction)
	globalProc, hasGlobalProc := L.GetGlobal("process").(*lua.LFunction)
	hasGlobals := hasGlobalCan && hasGlobalProc

	switch {
	case h.registerCount == 1 && hasGlobals:
		return fmt.Errorf("%w: both register and globals", ErrAmbiguousImplementation)

	case h.registerCount == 1:
		can, ok := h.registered.RawGetString("can_handle").(*lua.LFunction)
		if !ok {
			return fmt.Errorf("%w: register table lacks can_handle", ErrNoImplementation)
		}
		proc, ok := h.registered.RawGetString("process").(*lua.LFunction)
		if !ok {
			return fmt.Errorf("%w: register table lacks process", ErrNoImplementation)
		}
		if name, ok := h.registered.RawGetString("name").(lua.LString); ok {
			if string(name) != h.identity {
				return fmt.Errorf("%w: %q vs %q", ErrIdentityMismatch, string(name), h.identity)
			}
		}
		h.canHandleFn = can
		h.processFn = proc
		return nil

	case hasGlobals:
		if name, ok := L.GetGlobal("name").(lua.LString); ok && string(name) != h.identity {
			return fmt.Errorf("%w: %q vs %q", ErrIdentityMismatch, string(name), h.identity)
		}
		h.canHandleFn = globalCan
		h.processFn = globalProc
		return nil

	default:
		return ErrNoImplementation
	}
}

// callSetup invokes the optional setup(config) hook with the effective
// configuration.
func (h *Host) callSetup(ctx context.Context) error {
	setup, ok := h.runtime.LuaState().GetGlobal("setup").(*lua.LFunction)
	if !ok {
		return nil
	}
	cfg := h.bridge.ToLuaValue(h.config)
	_, err := h.runtime.CallFunctionContext(ctx, setup, cfg)
	return err
}

// CanHandle asks the extension whether it wants the intent. Errors
// and non-boolean returns count as a no.
func (h *Host) CanHandle(in intent.Intent) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.hostState != StateLoaded || h.canHandleFn == nil {
		return false
	}

	ret, err := h.runtime.CallFunctionContext(context.Background(), h.canHandleFn, h.bridge.IntentToTable(in))
	if err != nil {
		h.logger.Warn("can_handle failed",
			zap.String("extension", h.identity),
			zap.Error(err))
		return false
	}
	if len(ret) == 0 {
		return false
	}
	b, ok := ret[0].(lua.LBool)
	return ok && bool(b)
}

// Process runs the extension's handler. A nil Result with nil error
// means the extension declined. Security denials surface as errors
// carrying security.CapabilityError.
func (h *Host) Process(ctx context.Context, in intent.Intent, session *intent.Session) (*intent.Result, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.hostState != StateLoaded || h.processFn == nil {
		return nil, ErrNotLoaded
	}

	ret, err := h.runtime.CallFunctionContext(ctx, h.processFn,
		h.bridge.IntentToTable(in),
		h.bridge.SessionToTable(session))
	if err != nil {
		return nil, err
	}
	if len(ret) == 0 {
		return nil, nil
	}
	res, err := h.bridge.ResultFromValue(ret[0])
	if err != nil {
		return nil, fmt.Errorf("extension %q: %w", h.identity, err)
	}
	return res, nil
}

// Close releases the Lua state. The security session is revoked by
// the owning Loaded before this runs, so in-flight sandboxed I/O is
// already cut off.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runtime == nil {
		h.hostState = StateUnloaded
		return nil
	}
	err := h.runtime.Close()
	h.runtime = nil
	h.canHandleFn = nil
	h.processFn = nil
	h.registered = nil
	h.hostState = StateUnloaded
	if err != nil && !errors.Is(err, plua.ErrRuntimeClosed) {
		return err
	}
	return nil
}
