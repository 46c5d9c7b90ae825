package sandbox

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/platinummonkey/modulo/pkg/events"
)

// DefaultMaxEmits bounds how many events one session may send
const DefaultMaxEmits = 64

var eventTypeRegex = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)

// Session runs one piece of interactive renderer output in its own Lua
// state. The script sees a copy of the page data and a single host function,
// emit(type, payload), which publishes onto a bounded event channel.
type Session struct {
	mu     sync.Mutex
	L      *lua.LState
	source string
	out    *events.Channel

	timeout  time.Duration
	maxEmits int
	emitted  int
	closed   bool
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithSessionTimeout bounds each Run
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxEmits bounds the events a session may send
func WithMaxEmits(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.maxEmits = n
		}
	}
}

// WithPage exposes a copy of data to the script as the global page
func WithPage(data map[string]interface{}) SessionOption {
	return func(s *Session) {
		s.L.SetGlobal("page", toLua(s.L, data))
	}
}

// NewSession creates a fresh isolated state whose events go to out, tagged
// with source
func NewSession(source string, out *events.Channel, opts ...SessionOption) *Session {
	s := &Session{
		L:        newState(),
		source:   source,
		out:      out,
		timeout:  DefaultTimeout,
		maxEmits: DefaultMaxEmits,
	}
	s.L.SetGlobal("emit", s.L.NewFunction(s.emit))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// emit(type, payload) returns true, or false and a reason
func (s *Session) emit(L *lua.LState) int {
	typ := L.CheckString(1)
	reject := func(reason string) int {
		L.Push(lua.LFalse)
		L.Push(lua.LString(reason))
		return 2
	}

	if !eventTypeRegex.MatchString(typ) {
		return reject("invalid event type")
	}
	if s.emitted >= s.maxEmits {
		return reject("emit limit reached")
	}

	payload := map[string]interface{}{}
	if L.GetTop() >= 2 && L.Get(2) != lua.LNil {
		t, ok := L.Get(2).(*lua.LTable)
		if !ok {
			return reject("payload must be a table")
		}
		v, err := tableFromLua(t, 1)
		if err != nil {
			return reject(err.Error())
		}
		switch p := v.(type) {
		case map[string]interface{}:
			payload = p
		case []interface{}:
			payload = map[string]interface{}{"items": p}
		}
	}

	err := s.out.Publish(events.Message{
		Type:      typ,
		Source:    s.source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, events.ErrChannelFull) {
			return reject("event channel full")
		}
		return reject("event channel closed")
	}
	s.emitted++
	L.Push(lua.LTrue)
	return 1
}

// Run executes source in the session under the session timeout
func (s *Session) Run(ctx context.Context, source string) error {
	proto, err := CompileString(s.source, source)
	if err != nil {
		return err
	}
	return s.RunProto(ctx, proto)
}

// RunProto executes a compiled chunk in the session
func (s *Session) RunProto(ctx context.Context, proto *lua.FunctionProto) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return protect(ctx, s.L, s.source, func() error {
		s.L.Push(s.L.NewFunctionFromProto(proto))
		return s.L.PCall(0, lua.MultRet, nil)
	})
}

// Emitted returns how many events the session has sent
func (s *Session) Emitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

// Close releases the Lua state
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}
