// Package sandbox runs plugin Lua code in isolated gopher-lua states.
//
// A state opens only the base, table, string and math libraries, and the
// base functions that load code from disk or strings are removed. LuaLoader
// turns a packaged script into a plugins.Handle whose host API goes through
// the capability checked bridge. Session runs interactive renderer output in
// a throwaway state whose only way out is emit(type, payload).
package sandbox
