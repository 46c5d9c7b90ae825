package plugins

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/domain"
)

const (
	// MaxPackageSize is the largest plugin package the host accepts
	MaxPackageSize int64 = 50 * 1024 * 1024

	// PackageExtension is the required suffix for plugin packages
	PackageExtension = ".jar"

	// CurrentAPIVersion is the plugin API version implemented by this host
	CurrentAPIVersion = "1.0.0"
)

// ErrRenderUnsupported is returned by handles that do not render content
var ErrRenderUnsupported = errors.New("plugin does not render content")

// Descriptor is the installable description of a plugin
type Descriptor struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	EntryPoint   string         `json:"entry_point"`
	APIVersion   string         `json:"api_version"`
	Description  string         `json:"description,omitempty"`
	Capabilities capability.Set `json:"capabilities"`
	ContentTypes []string       `json:"content_types,omitempty"`
	PackageRef   string         `json:"package_ref,omitempty"`
	SizeBytes    int64          `json:"size_bytes"`
	Checksum     string         `json:"checksum,omitempty"`
}

// IsRenderer reports whether the plugin declares renderable content types
func (d *Descriptor) IsRenderer() bool {
	return len(d.ContentTypes) > 0
}

// RenderRequest is what a renderer plugin receives
type RenderRequest struct {
	NoteID      string                 `json:"note_id"`
	ContentType string                 `json:"content_type"`
	Content     string                 `json:"content"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

// RenderOutput is the strict output contract for renderer plugins
type RenderOutput struct {
	Content     string                 `json:"content"`
	MimeType    string                 `json:"mime_type"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Interactive bool                   `json:"interactive"`
	Script      string                 `json:"script,omitempty"`
}

// NoteClient is the note surface a running plugin can reach. Every call is
// capability checked on the host side.
type NoteClient interface {
	FindByID(ctx context.Context, id string) (*domain.Note, bool)
	Save(ctx context.Context, note *domain.Note) (*domain.Note, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, query string, tags []string, limit, offset int) []*domain.Note
	ListByUser(ctx context.Context) []*domain.Note
	ListByTag(ctx context.Context, tag string) []*domain.Note
	ListAttachments(ctx context.Context, noteID string) []*domain.Attachment
	GetMetadata(ctx context.Context, noteID string) map[string]string
	AddMetadata(ctx context.Context, noteID, key, value string) error
	RemoveMetadata(ctx context.Context, noteID, key string) error
}

// UserClient is the user surface a running plugin can reach
type UserClient interface {
	GetCurrentUser(ctx context.Context) (*domain.PluginUser, bool)
	HasPermission(ctx context.Context, permission string) bool
	HasRole(ctx context.Context, role string) bool
	GetPreferences(ctx context.Context) domain.Preferences
	UpdatePreferences(ctx context.Context, prefs domain.Preferences) error
}

// Host is everything the host hands a plugin at init time
type Host interface {
	PluginID() string
	Notes() NoteClient
	Users() UserClient
	Logger() *logrus.Entry
}

// Handle is a loaded plugin instance
type Handle interface {
	Init(ctx context.Context, host Host) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Render(ctx context.Context, req RenderRequest) (*RenderOutput, error)
}

// BaseHandle provides no-op lifecycle hooks for handles to embed
type BaseHandle struct{}

func (BaseHandle) Init(context.Context, Host) error { return nil }
func (BaseHandle) Start(context.Context) error      { return nil }
func (BaseHandle) Stop(context.Context) error       { return nil }
func (BaseHandle) Render(context.Context, RenderRequest) (*RenderOutput, error) {
	return nil, ErrRenderUnsupported
}

// Loader produces a Handle for a descriptor
type Loader interface {
	Supports(d *Descriptor) bool
	Load(ctx context.Context, d *Descriptor) (Handle, error)
}

// SecurityIssue is a concern found while scanning a package
type SecurityIssue struct {
	Severity    string `json:"severity"` // critical, high, medium, low
	Category    string `json:"category"`
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
}

// Inspection is the result of examining a package archive
type Inspection struct {
	Descriptor *Descriptor       `json:"descriptor,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Issues     []SecurityIssue   `json:"issues,omitempty"`
	Checksum   string            `json:"checksum"`
	SizeBytes  int64             `json:"size_bytes"`
	Entries    int               `json:"entries"`
	Duration   time.Duration     `json:"duration"`
}

// CriticalIssues counts issues that block publication
func (i *Inspection) CriticalIssues() int {
	n := 0
	for _, issue := range i.Issues {
		if issue.Severity == "critical" {
			n++
		}
	}
	return n
}
