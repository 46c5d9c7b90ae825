package renderer

import (
	"context"
	"html"
	"strings"

	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/plugins"
)

// TextBuiltin is the StaticLoader name of the built-in text renderer
const TextBuiltin = "text"

// TextPlugin describes the built-in text renderer. It is installed through
// the lifecycle manager like any other plugin and needs RENDER granted.
func TextPlugin() *plugins.Descriptor {
	return &plugins.Descriptor{
		ID:           "builtin-text",
		Name:         "Plain Text",
		Version:      "1.0.0",
		EntryPoint:   plugins.BuiltinScheme + TextBuiltin,
		APIVersion:   plugins.CurrentAPIVersion,
		Description:  "Renders note content as preformatted text",
		Capabilities: capability.NewSet(capability.Render),
		ContentTypes: []string{"text/plain", "text/markdown"},
	}
}

// TextOptions are the options the text renderer understands
func TextOptions() []OptionSpec {
	return []OptionSpec{
		{Name: "wrap", Type: OptionBool, Default: true},
		{Name: "maxLines", Type: OptionInt, Min: Bound(1), Max: Bound(10000)},
	}
}

// NewTextHandle is a plugins.Factory for the text renderer
func NewTextHandle(*plugins.Descriptor) (plugins.Handle, error) {
	return &textHandle{}, nil
}

type textHandle struct {
	plugins.BaseHandle
}

func (textHandle) Render(ctx context.Context, req plugins.RenderRequest) (*plugins.RenderOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := req.Content
	lines := strings.Split(content, "\n")
	truncated := false
	if limit, ok := req.Options["maxLines"].(int64); ok && int64(len(lines)) > limit {
		lines = lines[:limit]
		truncated = true
	}

	class := "nowrap"
	if wrap, _ := req.Options["wrap"].(bool); wrap {
		class = "wrap"
	}
	return &plugins.RenderOutput{
		Content:  `<pre class="` + class + `">` + html.EscapeString(strings.Join(lines, "\n")) + "</pre>",
		MimeType: "text/html",
		Metadata: map[string]interface{}{
			"lines":     len(lines),
			"truncated": truncated,
		},
	}, nil
}
