// Package domain holds the note and user types exchanged between the host's
// core services and plugins.
package domain

import "time"

// Note is a single note or task owned by a user
type Note struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	ContentType string            `json:"content_type"`
	UserID      string            `json:"user_id"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate shared state
func (n *Note) Clone() *Note {
	if n == nil {
		return nil
	}
	c := *n
	c.Tags = append([]string(nil), n.Tags...)
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// HasTag reports whether the note carries tag
func (n *Note) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Attachment is a file attached to a note
type Attachment struct {
	ID          string    `json:"id"`
	NoteID      string    `json:"note_id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// SearchQuery filters notes
type SearchQuery struct {
	Query  string   `json:"query"`
	Tags   []string `json:"tags,omitempty"`
	UserID string   `json:"user_id,omitempty"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// User is an account known to the host. Credentials never leave the user
// service; plugins only ever see a PluginUser.
type User struct {
	ID           string                 `json:"id"`
	Username     string                 `json:"username"`
	Email        string                 `json:"email"`
	DisplayName  string                 `json:"display_name"`
	PasswordHash string                 `json:"-"`
	Roles        []string               `json:"roles,omitempty"`
	Authorities  []string               `json:"authorities,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

// PluginUser is the sanitized view of a user handed to plugin code
type PluginUser struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Sanitize strips everything a plugin should not see
func (u *User) Sanitize() *PluginUser {
	if u == nil {
		return nil
	}
	return &PluginUser{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
	}
}

// Preferences are free-form per-user settings
type Preferences map[string]interface{}
