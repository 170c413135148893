package lua

import (
	"bufio"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/nixsage/nixsage/internal/extension/security"
)

// Sandbox restricts Lua execution to operations the extension's
// security session permits. Every gated call consults the session at
// call time, so revoking the session blocks the operation even if the
// extension captured the function or an open handle earlier.
type Sandbox struct {
	L       *lua.LState
	session *security.Session

	instructionLimit int64
	instructionCount int64
}

// NewSandbox creates a sandbox for the Lua state, charging gated
// operations to the given session.
func NewSandbox(L *lua.LState, session *security.Session, instructionLimit int64) *Sandbox {
	return &Sandbox{
		L:                L,
		session:          session,
		instructionLimit: instructionLimit,
	}
}

// Session returns the security session this sandbox charges.
func (s *Sandbox) Session() *security.Session {
	return s.session
}

// Install sets up the sandbox restrictions. Must run before any
// extension code executes so top-level statements are already
// confined.
func (s *Sandbox) Install() {
	// Remove functions that load arbitrary code.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installSafeRequire()
	s.installIO()
	s.installOS()
	s.installNet()
}

// installSafeRequire replaces require with a whitelist version.
// package.path and package.cpath are cleared so nothing loads from
// disk; only built-in safe modules and preloaded host modules resolve.
func (s *Sandbox) installSafeRequire() {
	pkg := s.L.GetGlobal("package")
	if pkgTable, ok := pkg.(*lua.LTable); ok {
		s.L.SetField(pkgTable, "path", lua.LString(""))
		s.L.SetField(pkgTable, "cpath", lua.LString(""))

		safeLoaded := map[string]bool{
			"_G": true, "string": true, "table": true, "math": true,
			"package": true,
		}
		if loadedTbl, ok := s.L.GetField(pkgTable, "loaded").(*lua.LTable); ok {
			var stale []string
			loadedTbl.ForEach(func(k, _ lua.LValue) {
				if ks, ok := k.(lua.LString); ok && !safeLoaded[string(ks)] {
					stale = append(stale, string(ks))
				}
			})
			for _, key := range stale {
				loadedTbl.RawSetString(key, lua.LNil)
			}
		}
	}

	safeModules := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		// Safe built-ins and host-preloaded nixsage.* modules pass
		// through to the original require.
		if safeModules[modName] || modName == "nixsage" || strings.HasPrefix(modName, "nixsage.") {
			L.Push(originalRequire)
			L.Push(lua.LString(modName))
			L.Call(1, 1)
			return 1
		}

		if modName == "debug" {
			if err := s.session.Check(); err != nil {
				L.RaiseError("%s", err.Error())
			}
			if !s.session.Checker().Has(security.CapabilityUnsafe) {
				L.RaiseError("module 'debug' requires the unsafe capability")
			}
			lua.OpenDebug(L)
			L.Push(L.GetGlobal("debug"))
			return 1
		}

		// io and os are injected as gated globals; everything else is
		// unavailable. RaiseError longjmps, the return is unreachable.
		L.RaiseError("module %q is not available", modName)
		return 0
	}))
}

// fileHandle is the userdata value behind sandboxed file objects. The
// session token ties the handle's validity to the session: Revoke
// closes the file and Live turns false, so kept references fail.
type fileHandle struct {
	f       *os.File
	reader  *bufio.Reader
	session *security.Session
	token   int64
}

func (h *fileHandle) live() bool {
	return h.session.Live(h.token)
}

// installIO injects a gated io table. Capability and path checks run
// on every open; handle operations re-check session liveness.
func (s *Sandbox) installIO() {
	ioMod := s.L.NewTable()
	fileMT := s.fileMetatable()

	s.L.SetField(ioMod, "open", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		mode := L.OptString(2, "r")

		checker := s.session.Checker()
		var flag int
		switch mode {
		case "r", "rb":
			if err := checker.CheckFileRead(filename); err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			flag = os.O_RDONLY
		case "w", "wb":
			flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		case "a", "ab":
			flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		case "r+", "r+b":
			flag = os.O_RDWR
		case "w+", "w+b":
			flag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
		case "a+", "a+b":
			flag = os.O_RDWR | os.O_CREATE | os.O_APPEND
		default:
			L.ArgError(2, "invalid mode")
			return 0
		}
		if flag != os.O_RDONLY {
			if err := checker.CheckFileWrite(filename); err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
		}

		f, err := os.OpenFile(filename, flag, 0o644)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		h := &fileHandle{f: f, reader: bufio.NewReader(f), session: s.session}
		token, err := s.session.Track(f)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		h.token = token

		ud := L.NewUserData()
		ud.Value = h
		L.SetMetatable(ud, fileMT)
		L.Push(ud)
		return 1
	}))

	s.L.SetField(ioMod, "lines", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		if err := s.session.Checker().CheckFileRead(filename); err != nil {
			L.RaiseError("%s", err.Error())
		}
		content, err := os.ReadFile(filename)
		if err != nil {
			L.RaiseError("cannot open file: %s", err.Error())
		}

		lines := splitLines(string(content))
		idx := 0
		L.Push(L.NewFunction(func(L *lua.LState) int {
			if !s.session.Active() || idx >= len(lines) {
				return 0
			}
			L.Push(lua.LString(lines[idx]))
			idx++
			return 1
		}))
		return 1
	}))

	s.L.SetGlobal("io", ioMod)
}

func checkedHandle(L *lua.LState) *fileHandle {
	ud := L.CheckUserData(1)
	h, ok := ud.Value.(*fileHandle)
	if !ok {
		L.ArgError(1, "expected file")
		return nil
	}
	if !h.live() {
		L.Push(lua.LNil)
		L.Push(lua.LString("file handle is no longer valid"))
		return nil
	}
	return h
}

// fileMetatable builds the shared metatable for sandboxed file
// handles.
func (s *Sandbox) fileMetatable() *lua.LTable {
	mt := s.L.NewTable()
	index := s.L.NewTable()

	s.L.SetField(index, "read", s.L.NewFunction(func(L *lua.LState) int {
		h := checkedHandle(L)
		if h == nil {
			return 2
		}
		format := L.OptString(2, "*l")
		switch format {
		case "*a", "*all":
			content, err := io.ReadAll(h.reader)
			if err != nil {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(content))
			return 1
		case "*l", "*line":
			line, err := h.reader.ReadString('\n')
			if err != nil && line == "" {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(strings.TrimRight(line, "\r\n")))
			return 1
		default:
			L.Push(lua.LNil)
			return 1
		}
	}))

	s.L.SetField(index, "write", s.L.NewFunction(func(L *lua.LState) int {
		h := checkedHandle(L)
		if h == nil {
			return 2
		}
		for i := 2; i <= L.GetTop(); i++ {
			if _, err := h.f.WriteString(L.CheckString(i)); err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
		}
		L.Push(L.CheckUserData(1))
		return 1
	}))

	s.L.SetField(index, "lines", s.L.NewFunction(func(L *lua.LState) int {
		h := checkedHandle(L)
		if h == nil {
			return 2
		}
		L.Push(L.NewFunction(func(L *lua.LState) int {
			if !h.live() {
				return 0
			}
			line, err := h.reader.ReadString('\n')
			if err != nil && line == "" {
				return 0
			}
			L.Push(lua.LString(strings.TrimRight(line, "\r\n")))
			return 1
		}))
		return 1
	}))

	s.L.SetField(index, "flush", s.L.NewFunction(func(L *lua.LState) int {
		h := checkedHandle(L)
		if h == nil {
			return 2
		}
		if err := h.f.Sync(); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	s.L.SetField(index, "close", s.L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		h, ok := ud.Value.(*fileHandle)
		if !ok {
			L.ArgError(1, "expected file")
			return 0
		}
		// Release closes the file via the session registry; a second
		// close (or a close after revocation) is a no-op.
		h.session.Release(h.token)
		L.Push(lua.LTrue)
		return 1
	}))

	s.L.SetField(mt, "__index", index)
	return mt
}

// installOS injects a gated os table. Time and environment reads are
// ungated; process execution requires the spawn capability.
func (s *Sandbox) installOS() {
	osMod := s.L.NewTable()

	s.L.SetField(osMod, "time", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))

	s.L.SetField(osMod, "clock", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(float64(time.Now().UnixNano()) / 1e9))
		return 1
	}))

	s.L.SetField(osMod, "getenv", s.L.NewFunction(func(L *lua.LState) int {
		value := os.Getenv(L.CheckString(1))
		if value == "" {
			L.Push(lua.LNil)
		} else {
			L.Push(lua.LString(value))
		}
		return 1
	}))

	s.L.SetField(osMod, "execute", s.L.NewFunction(func(L *lua.LState) int {
		command := L.CheckString(1)
		if err := s.session.Check(); err != nil {
			L.RaiseError("%s", err.Error())
		}
		if err := s.session.Checker().CheckSpawn(command); err != nil {
			L.RaiseError("%s", err.Error())
		}

		cmd := exec.Command("/bin/sh", "-c", command)
		err := cmd.Run()
		if err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	s.L.SetGlobal("os", osMod)
}

// installNet injects a minimal net table; net.fetch does an HTTP GET
// gated on the network capability and the manifest's host allowlist.
func (s *Sandbox) installNet() {
	netMod := s.L.NewTable()

	s.L.SetField(netMod, "fetch", s.L.NewFunction(func(L *lua.LState) int {
		rawURL := L.CheckString(1)
		if err := s.session.Check(); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		u, err := url.Parse(rawURL)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString("invalid url: " + err.Error()))
			return 2
		}
		if err := s.session.Checker().CheckNetwork(u.Host); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(rawURL)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(body))
		L.Push(lua.LNumber(resp.StatusCode))
		return 2
	}))

	s.L.SetGlobal("net", netMod)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// ResetInstructionCount resets the instruction counter.
func (s *Sandbox) ResetInstructionCount() {
	atomic.StoreInt64(&s.instructionCount, 0)
}

// InstructionCount returns the current instruction count.
func (s *Sandbox) InstructionCount() int64 {
	return atomic.LoadInt64(&s.instructionCount)
}

// IncrementInstructions adds to the count and reports limit overrun.
func (s *Sandbox) IncrementInstructions(n int64) bool {
	if s.instructionLimit <= 0 {
		return false
	}
	return atomic.AddInt64(&s.instructionCount, n) > s.instructionLimit
}
