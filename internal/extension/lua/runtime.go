// Package lua provides the sandboxed Lua runtime for extensions.
package lua

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/nixsage/nixsage/internal/extension/security"
)

// DefaultInstructionLimit caps instructions per execution.
const DefaultInstructionLimit = 10_000_000

// Runtime wraps a gopher-lua state with sandboxing bound to a security
// session.
//
// gopher-lua's LState is not goroutine-safe. The mutex serializes all
// access from Go code; at most one dispatch runs against a runtime at
// a time.
type Runtime struct {
	L *lua.LState

	mu sync.Mutex

	instructionLimit int64
	sandbox          *Sandbox
	closed           bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithInstructionLimit sets the maximum instructions per execution.
func WithInstructionLimit(limit int64) RuntimeOption {
	return func(r *Runtime) {
		r.instructionLimit = limit
	}
}

// NewRuntime creates a sandboxed Lua runtime whose gated operations
// are charged to the given session. The sandbox is installed before
// any extension code runs.
func NewRuntime(session *security.Session, opts ...RuntimeOption) (*Runtime, error) {
	r := &Runtime{
		instructionLimit: DefaultInstructionLimit,
	}
	for _, opt := range opts {
		opt(r)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // opened selectively below
	})
	r.L = L

	openSafeLibraries(L)

	r.sandbox = NewSandbox(L, session, r.instructionLimit)
	r.sandbox.Install()

	return r, nil
}

// openSafeLibraries opens only safe Lua standard libraries.
func openSafeLibraries(L *lua.LState) {
	// package must be open so require exists and host modules can be
	// preloaded. The sandbox clears its search paths and wraps require
	// with a whitelist before any extension code runs.
	lua.OpenPackage(L)
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// io, os and debug stay closed. The sandbox injects
	// capability-gated replacements for io and os.
}

// DoFile executes a Lua file. The sandbox is already in place, so the
// file's top-level code runs restricted.
func (r *Runtime) DoFile(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRuntimeClosed
	}

	r.sandbox.ResetInstructionCount()

	return r.doWithRecovery(func() error {
		return r.L.DoFile(path)
	})
}

// DoString executes a Lua chunk.
func (r *Runtime) DoString(code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRuntimeClosed
	}

	r.sandbox.ResetInstructionCount()

	return r.doWithRecovery(func() error {
		return r.L.DoString(code)
	})
}

func (r *Runtime) doWithRecovery(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("lua panic: %v", rec)
		}
	}()
	return fn()
}

// CallContext calls a global Lua function, aborting when the context
// is cancelled or its deadline passes. Returns an empty slice (not
// nil) if the function returns no values.
func (r *Runtime) CallContext(ctx context.Context, fn string, args ...lua.LValue) ([]lua.LValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRuntimeClosed
	}

	fnVal := r.L.GetGlobal(fn)
	if fnVal == lua.LNil {
		return nil, fmt.Errorf("function %q not found", fn)
	}
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%q: %w (got %s)", fn, ErrNotAFunction, fnVal.Type())
	}

	r.sandbox.ResetInstructionCount()

	if ctx != nil {
		r.L.SetContext(ctx)
		defer r.L.RemoveContext()
	}

	stackTop := r.L.GetTop()

	r.L.Push(fnVal)
	for _, arg := range args {
		r.L.Push(arg)
	}

	var callErr error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				callErr = fmt.Errorf("lua panic: %v", rec)
			}
		}()
		callErr = r.L.PCall(len(args), lua.MultRet, nil)
	}()

	if callErr != nil {
		if ctx != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, callErr
	}

	nRet := r.L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}, nil
	}
	results := make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = r.L.Get(stackTop + i + 1)
	}
	r.L.Pop(nRet)

	return results, nil
}

// Call calls a global Lua function without a deadline.
func (r *Runtime) Call(fn string, args ...lua.LValue) ([]lua.LValue, error) {
	return r.CallContext(context.Background(), fn, args...)
}

// CallFunctionContext calls a Lua function value directly, with the
// same cancellation and recovery behavior as CallContext.
func (r *Runtime) CallFunctionContext(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRuntimeClosed
	}

	r.sandbox.ResetInstructionCount()

	if ctx != nil {
		r.L.SetContext(ctx)
		defer r.L.RemoveContext()
	}

	stackTop := r.L.GetTop()

	r.L.Push(fn)
	for _, arg := range args {
		r.L.Push(arg)
	}

	var callErr error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				callErr = fmt.Errorf("lua panic: %v", rec)
			}
		}()
		callErr = r.L.PCall(len(args), lua.MultRet, nil)
	}()

	if callErr != nil {
		if ctx != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, callErr
	}

	nRet := r.L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}, nil
	}
	results := make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = r.L.Get(stackTop + i + 1)
	}
	r.L.Pop(nRet)

	return results, nil
}

// GetGlobal returns a global variable value.
func (r *Runtime) GetGlobal(name string) lua.LValue {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return lua.LNil
	}
	return r.L.GetGlobal(name)
}

// SetGlobal sets a global variable.
func (r *Runtime) SetGlobal(name string, value lua.LValue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.L.SetGlobal(name, value)
}

// RegisterModule installs a table of Go functions as a global module.
func (r *Runtime) RegisterModule(name string, funcs map[string]lua.LGFunction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	mod := r.L.SetFuncs(r.L.NewTable(), funcs)
	r.L.SetGlobal(name, mod)
}

// Sandbox returns the sandbox bound to this runtime.
func (r *Runtime) Sandbox() *Sandbox {
	return r.sandbox
}

// LuaState returns the underlying gopher-lua state.
//
// Direct access bypasses the mutex and sandbox. Callers own the
// thread-safety consequences.
func (r *Runtime) LuaState() *lua.LState {
	return r.L
}

// IsClosed reports whether the runtime has been closed.
func (r *Runtime) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close releases the Lua state. After Close, all other methods return
// ErrRuntimeClosed or no-op.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.L.Close()
	r.closed = true
	return nil
}
