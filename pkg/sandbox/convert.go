package sandbox

import (
	"errors"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// Bounds on values crossing between Lua and the host
const (
	MaxValueDepth   = 8
	MaxTableEntries = 256
	MaxStringLength = 64 * 1024
)

// ErrUnsupportedValue is returned for functions, userdata, coroutines and
// oversized values. Only plain data crosses the sandbox boundary.
var ErrUnsupportedValue = errors.New("value cannot leave the sandbox")

// fromLua copies a Lua value into plain Go data
func fromLua(v lua.LValue, depth int) (interface{}, error) {
	if depth > MaxValueDepth {
		return nil, fmt.Errorf("%w: nested deeper than %d", ErrUnsupportedValue, MaxValueDepth)
	}
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		if len(val) > MaxStringLength {
			return nil, fmt.Errorf("%w: string longer than %d bytes", ErrUnsupportedValue, MaxStringLength)
		}
		return string(val), nil
	case *lua.LTable:
		return tableFromLua(val, depth)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedValue, v.Type())
	}
}

func tableFromLua(t *lua.LTable, depth int) (interface{}, error) {
	n := t.Len()
	entries := 0
	var ferr error
	t.ForEach(func(lua.LValue, lua.LValue) { entries++ })
	if entries > MaxTableEntries {
		return nil, fmt.Errorf("%w: table with more than %d entries", ErrUnsupportedValue, MaxTableEntries)
	}

	// A table whose keys are exactly 1..n is a list
	if n > 0 && n == entries {
		list := make([]interface{}, 0, n)
		for i := 1; i <= n; i++ {
			item, err := fromLua(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	}

	out := make(map[string]interface{}, entries)
	t.ForEach(func(k, v lua.LValue) {
		if ferr != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok {
			ferr = fmt.Errorf("%w: table key of type %s", ErrUnsupportedValue, k.Type())
			return
		}
		item, err := fromLua(v, depth+1)
		if err != nil {
			ferr = err
			return
		}
		out[string(key)] = item
	})
	if ferr != nil {
		return nil, ferr
	}
	return out, nil
}

// toLua builds a fresh Lua value from plain Go data. Anything else becomes
// its string form so no host pointer reaches the state.
func toLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []string:
		t := L.CreateTable(len(val), 0)
		for _, s := range val {
			t.Append(lua.LString(s))
		}
		return t
	case []interface{}:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case map[string]string:
		t := L.CreateTable(0, len(val))
		for _, k := range sortedKeys(val) {
			t.RawSetString(k, lua.LString(val[k]))
		}
		return t
	case map[string]interface{}:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stringField reads a string field from a result table
func stringField(t *lua.LTable, name string) string {
	if s, ok := t.RawGetString(name).(lua.LString); ok {
		return string(s)
	}
	return ""
}
