package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/nixsage/nixsage/internal/intent"
)

// Bridge converts between Go values and Lua values, including the
// intent and result shapes extensions see.
type Bridge struct {
	L *lua.LState
}

// NewBridge creates a Bridge for the given Lua state.
func NewBridge(L *lua.LState) *Bridge {
	return &Bridge{L: L}
}

// IntentToTable builds the Lua view of an intent:
//
//	{ kind = "install", query = "...", confidence = 0.9,
//	  parameters = { package = "firefox" } }
func (b *Bridge) IntentToTable(in intent.Intent) *lua.LTable {
	t := b.L.NewTable()
	t.RawSetString("kind", lua.LString(in.Kind))
	t.RawSetString("query", lua.LString(in.RawQuery))
	t.RawSetString("confidence", lua.LNumber(in.Confidence))

	params := b.L.NewTable()
	for k, v := range in.Parameters {
		params.RawSetString(k, b.ToLuaValue(v))
	}
	t.RawSetString("parameters", params)
	return t
}

// SessionToTable builds the read-only Lua view of a conversation
// session. Extensions mutate session state by returning metadata on
// their result, never by writing into this table.
func (b *Bridge) SessionToTable(s *intent.Session) *lua.LTable {
	t := b.L.NewTable()
	if s == nil {
		return t
	}
	t.RawSetString("id", lua.LString(s.ID()))

	prefs := b.L.NewTable()
	for k, v := range s.Preferences() {
		prefs.RawSetString(k, b.ToLuaValue(v))
	}
	t.RawSetString("preferences", prefs)
	t.RawSetString("history_len", lua.LNumber(s.Len()))
	return t
}

// ResultFromValue interprets a handler's return value. nil and false
// mean the handler declined; a table is decoded into a Result.
func (b *Bridge) ResultFromValue(lv lua.LValue) (*intent.Result, error) {
	switch v := lv.(type) {
	case *lua.LNilType, nil:
		return nil, nil
	case lua.LBool:
		if !bool(v) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: boolean true", ErrBadResult)
	case *lua.LTable:
		return b.resultFromTable(v)
	default:
		return nil, fmt.Errorf("%w: %s", ErrBadResult, lv.Type())
	}
}

func (b *Bridge) resultFromTable(t *lua.LTable) (*intent.Result, error) {
	res := &intent.Result{}

	switch succ := t.RawGetString("success").(type) {
	case lua.LBool:
		res.Success = bool(succ)
	case *lua.LNilType:
		return nil, fmt.Errorf("%w: missing success field", ErrBadResult)
	default:
		return nil, fmt.Errorf("%w: success must be boolean", ErrBadResult)
	}

	if out, ok := t.RawGetString("output").(lua.LString); ok {
		res.Output = string(out)
	}

	if errTbl, ok := t.RawGetString("error").(*lua.LTable); ok {
		info := &intent.ErrorInfo{}
		if code, ok := errTbl.RawGetString("code").(lua.LString); ok {
			info.Code = string(code)
		}
		if msg, ok := errTbl.RawGetString("message").(lua.LString); ok {
			info.Message = string(msg)
		}
		res.Err = info
	}

	if sugg, ok := t.RawGetString("suggestions").(*lua.LTable); ok {
		sugg.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(lua.LString); ok {
				res.Suggestions = append(res.Suggestions, string(s))
			}
		})
	}

	if meta, ok := t.RawGetString("metadata").(*lua.LTable); ok {
		decoded := b.tableToGo(meta, make(map[*lua.LTable]bool))
		if m, ok := decoded.(map[string]any); ok {
			res.Metadata = m
		}
	}

	return res, nil
}

// ToGoValue converts a Lua value to a Go value. Cycles in tables are
// broken with nil.
func (b *Bridge) ToGoValue(lv lua.LValue) any {
	return b.toGoValue(lv, make(map[*lua.LTable]bool))
}

func (b *Bridge) toGoValue(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return b.tableToGo(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

// tableToGo converts a table to a slice when its keys are the
// contiguous integers 1..n, a string-keyed map otherwise.
func (b *Bridge) tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	isArray := true
	maxN := 0
	count := 0
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if kn, ok := k.(lua.LNumber); ok {
			n := int(kn)
			if float64(n) == float64(kn) && n > 0 {
				if n > maxN {
					maxN = n
				}
				return
			}
		}
		isArray = false
	})

	if isArray && maxN > 0 && count == maxN {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = b.toGoValue(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = fmt.Sprintf("%v", float64(kv))
		default:
			key = k.String()
		}
		m[key] = b.toGoValue(v, visited)
	})
	return m
}

// ToLuaValue converts a Go value to a Lua value.
func (b *Bridge) ToLuaValue(v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case []any:
		t := b.L.NewTable()
		for i, e := range val {
			t.RawSetInt(i+1, b.ToLuaValue(e))
		}
		return t
	case []string:
		t := b.L.NewTable()
		for i, e := range val {
			t.RawSetInt(i+1, lua.LString(e))
		}
		return t
	case map[string]any:
		t := b.L.NewTable()
		for k, e := range val {
			t.RawSetString(k, b.ToLuaValue(e))
		}
		return t
	case map[string]string:
		t := b.L.NewTable()
		for k, e := range val {
			t.RawSetString(k, lua.LString(e))
		}
		return t
	case lua.LValue:
		return val
	default:
		ud := b.L.NewUserData()
		ud.Value = v
		return ud
	}
}
