// Package lua provides the sandboxed Lua runtime for extensions.
//
// This package wraps the gopher-lua library to provide:
//   - Sandboxed state management bound to a security session
//   - Go-Lua conversion for intents and results
//   - Context-based cancellation of handler calls
//   - Instruction counting
//
// # Runtime
//
// The Runtime type manages one extension's Lua state:
//
//	rt, err := lua.NewRuntime(session)
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	if err := rt.DoFile("extension.lua"); err != nil {
//	    return err
//	}
//
// The sandbox is installed before any extension code runs, so
// top-level statements in the extension file are already confined.
//
// # Sandbox
//
// The Sandbox restricts Lua execution by:
//   - Removing code-loading functions (dofile, loadfile, load)
//   - Replacing require with a whitelist version
//   - Injecting io, os and net tables that consult the extension's
//     security session on every call
//
// Gated operations check the session at call time. Revoking the
// session therefore cuts off an extension immediately: captured
// functions raise errors and previously opened file handles are
// closed and report themselves invalid.
//
// # Bridge
//
// The Bridge converts between Go and Lua values and knows the intent
// and result table shapes:
//
//	bridge := lua.NewBridge(rt.LuaState())
//	tbl := bridge.IntentToTable(in)
//	res, err := bridge.ResultFromValue(ret)
//
// A handler that returns nil (or false) declines the intent; a table
// with a boolean success field is decoded into a Result.
package lua
