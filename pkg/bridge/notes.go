package bridge

import (
	"context"
	"fmt"

	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/domain"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/security"
)

// Note operation names, as they appear in logs, metrics and audit events
const (
	OpNoteFindByID       = "notes.find_by_id"
	OpNoteSave           = "notes.save"
	OpNoteDelete         = "notes.delete"
	OpNoteSearch         = "notes.search"
	OpNoteListByUser     = "notes.list_by_user"
	OpNoteListByTag      = "notes.list_by_tag"
	OpNoteAttachments    = "notes.list_attachments"
	OpNoteGetMetadata    = "notes.get_metadata"
	OpNoteAddMetadata    = "notes.add_metadata"
	OpNoteRemoveMetadata = "notes.remove_metadata"
)

const maxSearchLimit = 100

// NoteAPI is the note surface a plugin reaches. Reads degrade to empty
// results and mutations to a sanitized PluginOperationError; nothing from the
// backing service is passed through.
type NoteAPI struct {
	bridge *Bridge
	token  security.Token
}

// owned loads a note and hides it unless userID owns it
func (n *NoteAPI) owned(ctx context.Context, userID, id string) (*domain.Note, error) {
	note, err := n.bridge.notes.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if note == nil || note.UserID != userID {
		return nil, fmt.Errorf("note %s: %w", id, pluginerrors.ErrNotFound)
	}
	return note, nil
}

// FindByID returns the note when it exists and belongs to the session user
func (n *NoteAPI) FindByID(ctx context.Context, id string) (*domain.Note, bool) {
	var found *domain.Note
	err := n.bridge.guard(ctx, n.token, OpNoteFindByID, capability.NoteRead, func(userID string) error {
		note, err := n.owned(ctx, userID, id)
		found = note.Clone()
		return err
	})
	if err != nil || found == nil {
		return nil, false
	}
	return found, true
}

// Save stores note for the session user and returns the stored copy
func (n *NoteAPI) Save(ctx context.Context, note *domain.Note) (*domain.Note, error) {
	var saved *domain.Note
	err := n.bridge.guard(ctx, n.token, OpNoteSave, capability.NoteWrite, func(userID string) error {
		if note == nil {
			return fmt.Errorf("nil note")
		}
		if note.ID != "" {
			existing, err := n.bridge.notes.FindByID(ctx, note.ID)
			switch {
			case err != nil && !pluginerrors.IsNotFound(err):
				return err
			case err == nil && existing != nil && existing.UserID != userID:
				return fmt.Errorf("note %s belongs to another user", note.ID)
			}
		}
		in := note.Clone()
		in.UserID = userID
		out, err := n.bridge.notes.Save(ctx, in)
		saved = out.Clone()
		return err
	})
	if err != nil {
		return nil, pluginerrors.OperationFailed(OpNoteSave)
	}
	return saved, nil
}

// Delete removes a note owned by the session user
func (n *NoteAPI) Delete(ctx context.Context, id string) error {
	err := n.bridge.guard(ctx, n.token, OpNoteDelete, capability.NoteWrite, func(userID string) error {
		if _, err := n.owned(ctx, userID, id); err != nil {
			return err
		}
		return n.bridge.notes.Delete(ctx, id)
	})
	if err != nil {
		return pluginerrors.OperationFailed(OpNoteDelete)
	}
	return nil
}

// Search runs a search scoped to the session user
func (n *NoteAPI) Search(ctx context.Context, query string, tags []string, limit, offset int) []*domain.Note {
	var notes []*domain.Note
	err := n.bridge.guard(ctx, n.token, OpNoteSearch, capability.NoteRead, func(userID string) error {
		if limit <= 0 || limit > maxSearchLimit {
			limit = maxSearchLimit
		}
		if offset < 0 {
			offset = 0
		}
		out, err := n.bridge.notes.Search(ctx, domain.SearchQuery{
			Query:  query,
			Tags:   append([]string(nil), tags...),
			UserID: userID,
			Limit:  limit,
			Offset: offset,
		})
		notes = ownedBy(userID, out)
		return err
	})
	if err != nil {
		return []*domain.Note{}
	}
	return notes
}

// ListByUser lists the session user's notes
func (n *NoteAPI) ListByUser(ctx context.Context) []*domain.Note {
	var notes []*domain.Note
	err := n.bridge.guard(ctx, n.token, OpNoteListByUser, capability.NoteRead, func(userID string) error {
		out, err := n.bridge.notes.ListByUser(ctx, userID)
		notes = ownedBy(userID, out)
		return err
	})
	if err != nil {
		return []*domain.Note{}
	}
	return notes
}

// ListByTag lists the session user's notes carrying tag
func (n *NoteAPI) ListByTag(ctx context.Context, tag string) []*domain.Note {
	var notes []*domain.Note
	err := n.bridge.guard(ctx, n.token, OpNoteListByTag, capability.NoteRead, func(userID string) error {
		out, err := n.bridge.notes.ListByTag(ctx, userID, tag)
		notes = ownedBy(userID, out)
		return err
	})
	if err != nil {
		return []*domain.Note{}
	}
	return notes
}

// ListAttachments lists attachments of a note owned by the session user
func (n *NoteAPI) ListAttachments(ctx context.Context, noteID string) []*domain.Attachment {
	var attachments []*domain.Attachment
	err := n.bridge.guard(ctx, n.token, OpNoteAttachments, capability.AttachmentRead, func(userID string) error {
		if _, err := n.owned(ctx, userID, noteID); err != nil {
			return err
		}
		out, err := n.bridge.notes.ListAttachments(ctx, noteID)
		for _, a := range out {
			if a != nil {
				c := *a
				attachments = append(attachments, &c)
			}
		}
		return err
	})
	if err != nil || attachments == nil {
		return []*domain.Attachment{}
	}
	return attachments
}

// GetMetadata returns a copy of a note's metadata
func (n *NoteAPI) GetMetadata(ctx context.Context, noteID string) map[string]string {
	metadata := map[string]string{}
	err := n.bridge.guard(ctx, n.token, OpNoteGetMetadata, capability.NoteRead, func(userID string) error {
		if _, err := n.owned(ctx, userID, noteID); err != nil {
			return err
		}
		out, err := n.bridge.notes.GetMetadata(ctx, noteID)
		for k, v := range out {
			metadata[k] = v
		}
		return err
	})
	if err != nil {
		return map[string]string{}
	}
	return metadata
}

// AddMetadata sets key on a note owned by the session user
func (n *NoteAPI) AddMetadata(ctx context.Context, noteID, key, value string) error {
	err := n.bridge.guard(ctx, n.token, OpNoteAddMetadata, capability.NoteWrite, func(userID string) error {
		if key == "" {
			return fmt.Errorf("empty metadata key")
		}
		if _, err := n.owned(ctx, userID, noteID); err != nil {
			return err
		}
		return n.bridge.notes.AddMetadata(ctx, noteID, key, value)
	})
	if err != nil {
		return pluginerrors.OperationFailed(OpNoteAddMetadata)
	}
	return nil
}

// RemoveMetadata deletes key from a note owned by the session user
func (n *NoteAPI) RemoveMetadata(ctx context.Context, noteID, key string) error {
	err := n.bridge.guard(ctx, n.token, OpNoteRemoveMetadata, capability.NoteWrite, func(userID string) error {
		if _, err := n.owned(ctx, userID, noteID); err != nil {
			return err
		}
		return n.bridge.notes.RemoveMetadata(ctx, noteID, key)
	})
	if err != nil {
		return pluginerrors.OperationFailed(OpNoteRemoveMetadata)
	}
	return nil
}

// ownedBy copies the notes belonging to userID. A backing service that
// ignores the user filter must not widen what the plugin sees.
func ownedBy(userID string, in []*domain.Note) []*domain.Note {
	out := make([]*domain.Note, 0, len(in))
	for _, note := range in {
		if note != nil && note.UserID == userID {
			out = append(out, note.Clone())
		}
	}
	return out
}
