package renderer

import (
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/modulo/pkg/events"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/plugins"
)

// ErrNotFound is returned for unknown renderer ids
var ErrNotFound = fmt.Errorf("renderer %w", pluginerrors.ErrNotFound)

// Outcome is the result category of a render
type Outcome string

const (
	OutcomeOK      Outcome = "OK"
	OutcomeTimeout Outcome = "RenderTimeout"
	OutcomeDenied  Outcome = "Denied"
	OutcomeFailed  Outcome = "Failed"
	OutcomeInvalid Outcome = "Invalid"
)

// OptionType is the declared type of a renderer option
type OptionType string

const (
	OptionString OptionType = "string"
	OptionInt    OptionType = "int"
	OptionNumber OptionType = "number"
	OptionBool   OptionType = "bool"
	OptionEnum   OptionType = "enum"
)

// OptionSpec declares one configuration option with its bounds
type OptionSpec struct {
	Name      string      `json:"name" yaml:"name"`
	Type      OptionType  `json:"type" yaml:"type"`
	Required  bool        `json:"required,omitempty" yaml:"required,omitempty"`
	Min       *float64    `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64    `json:"max,omitempty" yaml:"max,omitempty"`
	MaxLength int         `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Values    []string    `json:"values,omitempty" yaml:"values,omitempty"`
	Default   interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// Bound is a helper for declaring Min and Max
func Bound(v float64) *float64 { return &v }

// Descriptor describes a renderer offered to callers. PluginID names the
// plugin whose handle renders and whose RENDER grant is checked.
type Descriptor struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	PluginID     string       `json:"pluginId"`
	ContentTypes []string     `json:"contentTypes"`
	Options      []OptionSpec `json:"options,omitempty"`
	Enabled      bool         `json:"enabled"`
}

// Supports reports whether contentType is in the declared type set.
// Content types compare case-insensitively.
func (d Descriptor) Supports(contentType string) bool {
	for _, ct := range d.ContentTypes {
		if strings.EqualFold(ct, contentType) {
			return true
		}
	}
	return false
}

func (d Descriptor) clone() Descriptor {
	d.ContentTypes = append([]string(nil), d.ContentTypes...)
	d.Options = append([]OptionSpec(nil), d.Options...)
	return d
}

// FromPlugin describes the renderer backed by a renderer plugin. The
// renderer shares the plugin's id.
func FromPlugin(p *plugins.Descriptor, options ...OptionSpec) Descriptor {
	return Descriptor{
		ID:           p.ID,
		Name:         p.Name,
		PluginID:     p.ID,
		ContentTypes: append([]string(nil), p.ContentTypes...),
		Options:      options,
		Enabled:      true,
	}
}

// Result is what Render returns. Output is always set; for any outcome
// other than OK it is a plain text placeholder.
type Result struct {
	RendererID string                 `json:"rendererId"`
	Outcome    Outcome                `json:"outcome"`
	Output     *plugins.RenderOutput  `json:"output"`
	Errors     map[string]string      `json:"errors,omitempty"`
	Events     []events.Message       `json:"events,omitempty"`
	Options    map[string]interface{} `json:"options,omitempty"`
	Duration   time.Duration          `json:"duration"`
}

// OK reports whether the renderer produced its own output
func (r *Result) OK() bool {
	return r.Outcome == OutcomeOK
}
