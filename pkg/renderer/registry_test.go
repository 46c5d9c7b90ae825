package renderer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/modulo/pkg/audit"
	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/domain"
	"github.com/platinummonkey/modulo/pkg/events"
	"github.com/platinummonkey/modulo/pkg/observability"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/plugins"
	"github.com/platinummonkey/modulo/pkg/security"
)

func getTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// handleFunc adapts a function to plugins.Handle
type handleFunc func(ctx context.Context, req plugins.RenderRequest) (*plugins.RenderOutput, error)

func (f handleFunc) Init(context.Context, plugins.Host) error { return nil }
func (f handleFunc) Start(context.Context) error              { return nil }
func (f handleFunc) Stop(context.Context) error               { return nil }
func (f handleFunc) Render(ctx context.Context, req plugins.RenderRequest) (*plugins.RenderOutput, error) {
	return f(ctx, req)
}

type active struct {
	handle plugins.Handle
	token  security.Token
}

// fakeHandles stands in for the lifecycle manager
type fakeHandles map[string]active

func (f fakeHandles) Handle(id string) (plugins.Handle, security.Token, bool) {
	a, ok := f[id]
	if !ok {
		return nil, security.Token{}, false
	}
	return a.handle, a.token, true
}

type harness struct {
	registry *Registry
	sec      *security.Manager
	handles  fakeHandles
	audit    *audit.MemoryLogger
	metrics  *observability.Metrics
}

func newHarness(t *testing.T, b *Builder, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		sec:     security.NewManager(getTestLogger()),
		handles: fakeHandles{},
		audit:   audit.NewMemoryLogger(),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	if b == nil {
		b = NewBuilder()
	}
	opts = append([]Option{WithAuditLogger(h.audit), WithMetrics(h.metrics)}, opts...)
	r, err := b.Build(h.handles, h.sec, getTestLogger(), opts...)
	require.NoError(t, err)
	h.registry = r
	return h
}

// activate registers pluginID with the security manager and makes handle
// its running instance
func (h *harness) activate(t *testing.T, pluginID string, granted capability.Set, handle plugins.Handle) {
	t.Helper()
	token, err := h.sec.Register(pluginID, capability.NewSet(capability.Render, capability.NoteRead), granted)
	require.NoError(t, err)
	require.NoError(t, h.sec.Activate(pluginID))
	h.handles[pluginID] = active{handle: handle, token: token}
}

func renderer(id string, enabled bool, types ...string) Descriptor {
	return Descriptor{ID: id, Name: id, PluginID: id, ContentTypes: types, Enabled: enabled}
}

func note(contentType, content string) *domain.Note {
	return &domain.Note{ID: "n1", Title: "Note", ContentType: contentType, Content: content}
}

func ids(ds []Descriptor) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}

func TestRegistry_CompatibleMatchesOnlyDeclaredTypes(t *testing.T) {
	h := newHarness(t, NewBuilder().
		Add(renderer("mind-a", true, "mindmap")).
		Add(renderer("markdown", true, "text/markdown")).
		Add(renderer("mind-off", false, "mindmap")).
		Add(renderer("multi", true, "text/csv", "Mindmap")))

	assert.Equal(t, []string{"mind-a", "multi"}, ids(h.registry.Compatible("mindmap")))
	assert.Equal(t, []string{"markdown"}, ids(h.registry.Compatible("text/markdown")))
	assert.Empty(t, h.registry.Compatible("image/png"))
	assert.Empty(t, h.registry.Compatible(""))

	// cached lookups see later changes
	require.NoError(t, h.registry.SetEnabled("mind-off", true))
	assert.Equal(t, []string{"mind-a", "mind-off", "multi"}, ids(h.registry.Compatible("mindmap")))

	require.NoError(t, h.registry.Register(renderer("mind-new", true, "mindmap")))
	h.registry.Remove("mind-a")
	assert.Equal(t, []string{"mind-new", "mind-off", "multi"}, ids(h.registry.Compatible("MINDMAP")))

	h.registry.RemovePlugin("multi")
	assert.Equal(t, []string{"mind-new", "mind-off"}, ids(h.registry.Compatible("mindmap")))

	assert.ErrorIs(t, h.registry.SetEnabled("missing", true), ErrNotFound)
	assert.Len(t, h.registry.List(), 4)
}

func TestBuilder_RejectsInvalidDescriptors(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
	}{
		{"no id", Descriptor{PluginID: "p", ContentTypes: []string{"x"}}},
		{"no plugin", Descriptor{ID: "r", ContentTypes: []string{"x"}}},
		{"no types", Descriptor{ID: "r", PluginID: "p"}},
		{"enum without values", Descriptor{ID: "r", PluginID: "p", ContentTypes: []string{"x"},
			Options: []OptionSpec{{Name: "theme", Type: OptionEnum}}}},
		{"duplicate option", Descriptor{ID: "r", PluginID: "p", ContentTypes: []string{"x"},
			Options: []OptionSpec{{Name: "a", Type: OptionBool}, {Name: "a", Type: OptionBool}}}},
		{"inverted bounds", Descriptor{ID: "r", PluginID: "p", ContentTypes: []string{"x"},
			Options: []OptionSpec{{Name: "n", Type: OptionInt, Min: Bound(5), Max: Bound(1)}}}},
		{"unknown type", Descriptor{ID: "r", PluginID: "p", ContentTypes: []string{"x"},
			Options: []OptionSpec{{Name: "n", Type: "date"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder().Add(tt.d).Build(fakeHandles{}, security.NewManager(getTestLogger()), getTestLogger())
			assert.Error(t, err)
		})
	}

	_, err := NewBuilder().Build(nil, nil, nil)
	assert.Error(t, err)
}

func TestRegistry_ValidateOptions(t *testing.T) {
	d := renderer("chart", true, "text/csv")
	d.Options = []OptionSpec{
		{Name: "height", Type: OptionInt, Min: Bound(100), Max: Bound(2000), Default: int64(400)},
		{Name: "opacity", Type: OptionNumber, Min: Bound(0), Max: Bound(1)},
		{Name: "theme", Type: OptionEnum, Values: []string{"light", "dark"}, Required: true},
		{Name: "title", Type: OptionString, MaxLength: 10},
		{Name: "legend", Type: OptionBool},
	}
	h := newHarness(t, NewBuilder().Add(d))

	tests := []struct {
		name    string
		options map[string]interface{}
		want    map[string]string
	}{
		{"required missing", map[string]interface{}{}, map[string]string{"theme": MsgOptionRequired}},
		{"below min", map[string]interface{}{"theme": "dark", "height": float64(50)}, map[string]string{"height": "Must be at least 100"}},
		{"above max", map[string]interface{}{"theme": "dark", "opacity": 1.5}, map[string]string{"opacity": "Must be at most 1"}},
		{"not integer", map[string]interface{}{"theme": "dark", "height": 150.5}, map[string]string{"height": MsgNotInteger}},
		{"not number", map[string]interface{}{"theme": "dark", "height": true}, map[string]string{"height": MsgNotNumber}},
		{"bad enum", map[string]interface{}{"theme": "neon"}, map[string]string{"theme": "Must be one of: light, dark"}},
		{"too long", map[string]interface{}{"theme": "dark", "title": "a very long title"}, map[string]string{"title": "Must be at most 10 characters"}},
		{"not bool", map[string]interface{}{"theme": "dark", "legend": "yes"}, map[string]string{"legend": MsgNotBool}},
		{"unknown", map[string]interface{}{"theme": "dark", "colour": "red"}, map[string]string{"colour": MsgOptionUnknown}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.registry.ValidateOptions("chart", tt.options)
			require.Error(t, err)
			var verr *pluginerrors.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.want, verr.Map())
		})
	}

	t.Run("valid with defaults", func(t *testing.T) {
		out, err := h.registry.ValidateOptions("chart", map[string]interface{}{
			"theme":   "light",
			"opacity": 0.5,
			"title":   "Sales",
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{
			"height":  int64(400),
			"opacity": 0.5,
			"theme":   "light",
			"title":   "Sales",
		}, out)
	})

	t.Run("unknown renderer", func(t *testing.T) {
		_, err := h.registry.ValidateOptions("missing", nil)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, pluginerrors.IsNotFound(err))
	})
}

func TestRegistry_RenderBuiltinText(t *testing.T) {
	text := TextPlugin()
	h := newHarness(t, NewBuilder().AddPlugin(text, TextOptions()...))
	handle, err := NewTextHandle(text)
	require.NoError(t, err)
	h.activate(t, text.ID, capability.NewSet(capability.Render), handle)

	res, err := h.registry.Render(context.Background(), text.ID, note("text/plain", "line <1>\nline 2\nline 3"), map[string]interface{}{"maxLines": float64(2)})
	require.NoError(t, err)
	require.True(t, res.OK(), "outcome %s", res.Outcome)
	assert.Equal(t, `<pre class="wrap">line &lt;1&gt;`+"\n"+`line 2</pre>`, res.Output.Content)
	assert.Equal(t, "text/html", res.Output.MimeType)
	assert.Equal(t, true, res.Output.Metadata["truncated"])
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RenderTotal.WithLabelValues(string(OutcomeOK))))
	assert.Empty(t, h.audit.Events())
}

func TestRegistry_RenderOutcomes(t *testing.T) {
	ok := handleFunc(func(ctx context.Context, req plugins.RenderRequest) (*plugins.RenderOutput, error) {
		return &plugins.RenderOutput{Content: "<b>" + req.Content + "</b>", MimeType: "text/html"}, nil
	})
	block := make(chan struct{})
	defer close(block)

	tests := []struct {
		name     string
		granted  capability.Set
		handle   plugins.Handle
		inactive bool
		disabled bool
		note     *domain.Note
		options  map[string]interface{}
		want     Outcome
	}{
		{
			name:    "no render grant",
			granted: capability.NewSet(capability.NoteRead),
			handle:  ok,
			want:    OutcomeDenied,
		},
		{
			name:     "plugin not active",
			granted:  capability.NewSet(capability.Render),
			handle:   ok,
			inactive: true,
			want:     OutcomeDenied,
		},
		{
			name:     "renderer disabled",
			granted:  capability.NewSet(capability.Render),
			handle:   ok,
			disabled: true,
			want:     OutcomeDenied,
		},
		{
			name:    "wrong content type",
			granted: capability.NewSet(capability.Render),
			handle:  ok,
			note:    note("image/png", "x"),
			want:    OutcomeInvalid,
		},
		{
			name:    "unknown option",
			granted: capability.NewSet(capability.Render),
			handle:  ok,
			options: map[string]interface{}{"color": "red"},
			want:    OutcomeInvalid,
		},
		{
			name:    "handle error",
			granted: capability.NewSet(capability.Render),
			handle: handleFunc(func(context.Context, plugins.RenderRequest) (*plugins.RenderOutput, error) {
				return nil, errors.New("pq: relation notes does not exist")
			}),
			want: OutcomeFailed,
		},
		{
			name:    "handle panic",
			granted: capability.NewSet(capability.Render),
			handle: handleFunc(func(context.Context, plugins.RenderRequest) (*plugins.RenderOutput, error) {
				panic("index out of range")
			}),
			want: OutcomeFailed,
		},
		{
			name:    "missing mime type",
			granted: capability.NewSet(capability.Render),
			handle: handleFunc(func(context.Context, plugins.RenderRequest) (*plugins.RenderOutput, error) {
				return &plugins.RenderOutput{Content: "x"}, nil
			}),
			want: OutcomeFailed,
		},
		{
			name:    "ignores deadline",
			granted: capability.NewSet(capability.Render),
			handle: handleFunc(func(context.Context, plugins.RenderRequest) (*plugins.RenderOutput, error) {
				<-block
				return nil, nil
			}),
			want: OutcomeTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := renderer("chart", !tt.disabled, "text/csv")
			h := newHarness(t, NewBuilder().Add(d), WithRenderTimeout(50*time.Millisecond))
			if !tt.inactive {
				h.activate(t, "chart", tt.granted, tt.handle)
			}
			n := tt.note
			if n == nil {
				n = note("text/csv", `<script>alert("x")</script>`)
			}

			start := time.Now()
			res, err := h.registry.Render(context.Background(), "chart", n, tt.options)
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 2*time.Second)

			assert.Equal(t, tt.want, res.Outcome)
			require.NotNil(t, res.Output)
			assert.Equal(t, FallbackMimeType, res.Output.MimeType)
			assert.NotContains(t, res.Output.Content, "<script>")
			assert.Equal(t, true, res.Output.Metadata["fallback"])
			assert.NotContains(t, res.Output.Content, "pq:")

			failures := h.audit.OfType(audit.EventTypeRenderFailure)
			require.Len(t, failures, 1)
			assert.Equal(t, string(tt.want), failures[0].Message)
			if tt.want == OutcomeDenied {
				assert.Equal(t, audit.EventStatusDenied, failures[0].Status)
			}
			assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RenderTotal.WithLabelValues(string(tt.want))))
		})
	}
}

func TestRegistry_RenderErrors(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.registry.Render(context.Background(), "missing", note("text/plain", "x"), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.registry.Render(context.Background(), "missing", nil, nil)
	assert.Error(t, err)
}

func TestRegistry_InteractiveOutputRunsIsolated(t *testing.T) {
	interactive := func(script string) plugins.Handle {
		return handleFunc(func(context.Context, plugins.RenderRequest) (*plugins.RenderOutput, error) {
			return &plugins.RenderOutput{
				Content:     `<div id="chart"></div>`,
				MimeType:    "text/html",
				Interactive: true,
				Script:      script,
				Metadata:    map[string]interface{}{"points": float64(3)},
			}, nil
		})
	}

	t.Run("events reach the result", func(t *testing.T) {
		h := newHarness(t, NewBuilder().Add(renderer("chart", true, "text/csv")))
		h.activate(t, "chart", capability.NewSet(capability.Render), interactive(`
			assert(host == nil, "host surface must not be reachable")
			assert(page.note_id == "n1")
			emit("chart.ready", { points = page.metadata.points })
			emit("chart.hover", { index = 2 })
		`))

		res, err := h.registry.Render(context.Background(), "chart", note("text/csv", "a,b"), nil)
		require.NoError(t, err)
		require.True(t, res.OK(), "outcome %s", res.Outcome)
		assert.Equal(t, `<div id="chart"></div>`, res.Output.Content)
		require.Len(t, res.Events, 2)
		assert.Equal(t, "chart.ready", res.Events[0].Type)
		assert.Equal(t, "chart", res.Events[0].Source)
		assert.Equal(t, float64(3), res.Events[0].Payload["points"])
		assert.Equal(t, "chart.hover", res.Events[1].Type)
	})

	t.Run("bounded event buffer drops oldest", func(t *testing.T) {
		h := newHarness(t, NewBuilder().Add(renderer("chart", true, "text/csv")), WithEventBuffer(2, events.DropOldest))
		h.activate(t, "chart", capability.NewSet(capability.Render), interactive(`
			for i = 1, 5 do emit("chart.tick", { n = i }) end
		`))

		res, err := h.registry.Render(context.Background(), "chart", note("text/csv", "a,b"), nil)
		require.NoError(t, err)
		require.True(t, res.OK())
		require.Len(t, res.Events, 2)
		assert.Equal(t, float64(4), res.Events[0].Payload["n"])
		assert.Equal(t, float64(5), res.Events[1].Payload["n"])
	})

	t.Run("runaway script times out", func(t *testing.T) {
		h := newHarness(t, NewBuilder().Add(renderer("chart", true, "text/csv")), WithRenderTimeout(50*time.Millisecond))
		h.activate(t, "chart", capability.NewSet(capability.Render), interactive(`while true do end`))

		res, err := h.registry.Render(context.Background(), "chart", note("text/csv", "a,b"), nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeTimeout, res.Outcome)
		assert.Equal(t, "a,b", res.Output.Content)
	})

	t.Run("script error fails the render", func(t *testing.T) {
		h := newHarness(t, NewBuilder().Add(renderer("chart", true, "text/csv")))
		h.activate(t, "chart", capability.NewSet(capability.Render), interactive(`os.exit(1)`))

		res, err := h.registry.Render(context.Background(), "chart", note("text/csv", "a,b"), nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.Empty(t, res.Events)
	})
}
