package sandbox

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/platinummonkey/modulo/pkg/domain"
	"github.com/platinummonkey/modulo/pkg/plugins"
	"github.com/platinummonkey/modulo/pkg/storage"
)

// ScriptExtension marks entry points served by a LuaLoader
const ScriptExtension = ".lua"

// LuaLoader loads plugins whose entry point is a Lua script inside their
// stored package. Each loaded handle gets its own Lua state.
type LuaLoader struct {
	packages storage.PackageStore
	maxSize  int64
	timeout  time.Duration
	protos   *lru.Cache[string, *lua.FunctionProto]
	logger   *logrus.Logger
}

// LoaderOption configures a LuaLoader
type LoaderOption func(*LuaLoader)

// WithCallTimeout bounds each call into plugin Lua code
func WithCallTimeout(d time.Duration) LoaderOption {
	return func(l *LuaLoader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// NewLuaLoader reads packages from store
func NewLuaLoader(store storage.PackageStore, logger *logrus.Logger, opts ...LoaderOption) *LuaLoader {
	if logger == nil {
		logger = logrus.New()
	}
	protos, _ := lru.New[string, *lua.FunctionProto](128)
	l := &LuaLoader{
		packages: store,
		maxSize:  plugins.MaxPackageSize,
		timeout:  DefaultTimeout,
		protos:   protos,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Supports reports whether d names a Lua entry point in a stored package
func (l *LuaLoader) Supports(d *plugins.Descriptor) bool {
	return strings.HasSuffix(strings.ToLower(d.EntryPoint), ScriptExtension) && d.PackageRef != ""
}

// Load compiles the entry script, reusing the compiled chunk for packages
// already seen
func (l *LuaLoader) Load(ctx context.Context, d *plugins.Descriptor) (plugins.Handle, error) {
	if !l.Supports(d) {
		return nil, fmt.Errorf("entry point %s is not a packaged Lua script", d.EntryPoint)
	}

	key := d.PackageRef + "#" + d.EntryPoint
	proto, ok := l.protos.Get(key)
	if !ok {
		var err error
		if proto, err = l.compile(ctx, d); err != nil {
			return nil, err
		}
		l.protos.Add(key, proto)
	}
	l.logger.Debugf("Loaded Lua plugin %s from %s", d.ID, d.EntryPoint)
	return &luaHandle{id: d.ID, entry: d.EntryPoint, proto: proto, timeout: l.timeout}, nil
}

func (l *LuaLoader) compile(ctx context.Context, d *plugins.Descriptor) (*lua.FunctionProto, error) {
	data, err := storage.ReadAll(ctx, l.packages, d.PackageRef, l.maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read package for %s: %w", d.ID, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("package for %s is not a valid archive: %w", d.ID, err)
	}
	for _, f := range zr.File {
		if f.Name != d.EntryPoint {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", d.EntryPoint, err)
		}
		defer rc.Close()
		return Compile(d.EntryPoint, rc)
	}
	return nil, fmt.Errorf("entry point %s not found in package", d.EntryPoint)
}

// luaHandle adapts a script to plugins.Handle. The script may define init,
// start, stop and render as globals; all are optional.
type luaHandle struct {
	mu      sync.Mutex
	id      string
	entry   string
	proto   *lua.FunctionProto
	timeout time.Duration
	L       *lua.LState
	closed  bool
}

func (h *luaHandle) call(ctx context.Context, fn func(L *lua.LState) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.L == nil || h.closed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return protect(ctx, h.L, h.entry, func() error { return fn(h.L) })
}

func (h *luaHandle) Init(ctx context.Context, host plugins.Host) error {
	h.mu.Lock()
	if h.L == nil {
		h.L = newState()
		if host != nil {
			h.L.SetGlobal("host", hostModule(h.L, host))
		}
	}
	h.mu.Unlock()

	return h.call(ctx, func(L *lua.LState) error {
		L.Push(L.NewFunctionFromProto(h.proto))
		if err := L.PCall(0, 0, nil); err != nil {
			return err
		}
		_, _, err := callGlobal(L, "init")
		return err
	})
}

func (h *luaHandle) Start(ctx context.Context) error {
	return h.call(ctx, func(L *lua.LState) error {
		_, _, err := callGlobal(L, "start")
		return err
	})
}

func (h *luaHandle) Stop(ctx context.Context) error {
	err := h.call(ctx, func(L *lua.LState) error {
		_, _, err := callGlobal(L, "stop")
		return err
	})

	h.mu.Lock()
	if h.L != nil && !h.closed {
		h.closed = true
		h.L.Close()
	}
	h.mu.Unlock()
	return err
}

func (h *luaHandle) Render(ctx context.Context, req plugins.RenderRequest) (*plugins.RenderOutput, error) {
	var out *plugins.RenderOutput
	err := h.call(ctx, func(L *lua.LState) error {
		arg := toLua(L, map[string]interface{}{
			"note_id":      req.NoteID,
			"content_type": req.ContentType,
			"content":      req.Content,
			"options":      req.Options,
		})
		ret, defined, err := callGlobal(L, "render", arg)
		if err != nil {
			return err
		}
		if !defined {
			return plugins.ErrRenderUnsupported
		}
		out, err = renderOutput(ret)
		return err
	})
	if errors.Is(err, plugins.ErrRenderUnsupported) {
		return nil, plugins.ErrRenderUnsupported
	}
	return out, err
}

// renderOutput reads the table returned by render(). A bare string is
// plain text content.
func renderOutput(v lua.LValue) (*plugins.RenderOutput, error) {
	switch val := v.(type) {
	case lua.LString:
		return &plugins.RenderOutput{Content: string(val), MimeType: "text/plain"}, nil
	case *lua.LTable:
		out := &plugins.RenderOutput{
			Content:     stringField(val, "content"),
			MimeType:    stringField(val, "mime_type"),
			Interactive: lua.LVAsBool(val.RawGetString("interactive")),
			Script:      stringField(val, "script"),
		}
		if meta, ok := val.RawGetString("metadata").(*lua.LTable); ok {
			m, err := tableFromLua(meta, 1)
			if err != nil {
				return nil, err
			}
			if mm, ok := m.(map[string]interface{}); ok {
				out.Metadata = mm
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("render returned %s, want a table or string", v.Type())
}

// hostModule exposes the capability checked host surface to a script. Calls
// run with the context of the hook or render that invoked the script.
func hostModule(L *lua.LState, host plugins.Host) *lua.LTable {
	ctxOf := func(L *lua.LState) context.Context {
		if ctx := L.Context(); ctx != nil {
			return ctx
		}
		return context.Background()
	}
	log := host.Logger()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"log": func(L *lua.LState) int {
			msg := L.CheckString(2)
			switch L.CheckString(1) {
			case "debug":
				log.Debug(msg)
			case "warn":
				log.Warn(msg)
			case "error":
				log.Error(msg)
			default:
				log.Info(msg)
			}
			return 0
		},
		"find_note": func(L *lua.LState) int {
			note, ok := host.Notes().FindByID(ctxOf(L), L.CheckString(1))
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(noteTable(L, note))
			return 1
		},
		"search_notes": func(L *lua.LState) int {
			notes := host.Notes().Search(ctxOf(L), L.CheckString(1), nil, L.OptInt(2, 20), 0)
			L.Push(noteList(L, notes))
			return 1
		},
		"list_notes": func(L *lua.LState) int {
			L.Push(noteList(L, host.Notes().ListByUser(ctxOf(L))))
			return 1
		},
		"get_metadata": func(L *lua.LState) int {
			L.Push(toLua(L, host.Notes().GetMetadata(ctxOf(L), L.CheckString(1))))
			return 1
		},
		"add_metadata": func(L *lua.LState) int {
			err := host.Notes().AddMetadata(ctxOf(L), L.CheckString(1), L.CheckString(2), L.CheckString(3))
			return pushResult(L, err)
		},
		"current_user": func(L *lua.LState) int {
			u, ok := host.Users().GetCurrentUser(ctxOf(L))
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(toLua(L, map[string]interface{}{
				"id":           u.ID,
				"username":     u.Username,
				"display_name": u.DisplayName,
			}))
			return 1
		},
		"preferences": func(L *lua.LState) int {
			L.Push(toLua(L, map[string]interface{}(host.Users().GetPreferences(ctxOf(L)))))
			return 1
		},
	})
	mod.RawSetString("plugin_id", lua.LString(host.PluginID()))
	return mod
}

func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func noteTable(L *lua.LState, n *domain.Note) lua.LValue {
	return toLua(L, map[string]interface{}{
		"id":           n.ID,
		"title":        n.Title,
		"content":      n.Content,
		"content_type": n.ContentType,
		"tags":         n.Tags,
		"metadata":     n.Metadata,
	})
}

func noteList(L *lua.LState, notes []*domain.Note) *lua.LTable {
	t := L.CreateTable(len(notes), 0)
	for _, n := range notes {
		t.Append(noteTable(L, n))
	}
	return t
}
