package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Default limits for sandboxed Lua states
const (
	DefaultTimeout         = 2 * time.Second
	DefaultCallStackSize   = 120
	DefaultRegistryMaxSize = 64 * 1024
)

// ErrClosed is returned by a session or handle used after Close
var ErrClosed = errors.New("lua state closed")

// ScriptError is a failure raised by plugin Lua code
type ScriptError struct {
	Chunk string
	Err   error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("lua %s: %v", e.Chunk, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// removedGlobals are base functions that load code from outside the
// compiled chunk
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage"}

// newState creates a Lua state with only the base, table, string and math
// libraries. io, os, debug, package and channel are never opened.
func newState() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       DefaultCallStackSize,
		RegistrySize:        1024,
		RegistryMaxSize:     DefaultRegistryMaxSize,
		IncludeGoStackTrace: false,
	})

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	// print would write to the host's stdout
	L.SetGlobal("print", lua.LNil)
	return L
}

// Compile parses source once so it can be loaded into many fresh states
func Compile(name string, r io.Reader) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(r, name)
	if err != nil {
		return nil, &ScriptError{Chunk: name, Err: err}
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, &ScriptError{Chunk: name, Err: err}
	}
	return proto, nil
}

// CompileString is Compile for in-memory source
func CompileString(name, source string) (*lua.FunctionProto, error) {
	return Compile(name, strings.NewReader(source))
}

// protect runs fn against L under ctx. A ctx deadline interrupts the Lua VM;
// panics from Go callbacks are turned into errors.
func protect(ctx context.Context, L *lua.LState, chunk string, fn func() error) (err error) {
	L.SetContext(ctx)
	defer L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = &ScriptError{Chunk: chunk, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := fn(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &ScriptError{Chunk: chunk, Err: err}
	}
	return nil
}

// callGlobal calls name with args if it is defined and returns its single
// result. A missing function is not an error.
func callGlobal(L *lua.LState, name string, args ...lua.LValue) (lua.LValue, bool, error) {
	fn := L.GetGlobal(name)
	if fn == lua.LNil {
		return lua.LNil, false, nil
	}
	if fn.Type() != lua.LTFunction {
		return lua.LNil, false, fmt.Errorf("%s is not a function (got %s)", name, fn.Type())
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, true, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, true, nil
}
