// Package memory provides in-memory note and user services for local runs
// and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/modulo/pkg/domain"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
)

// NoteStore keeps notes and attachments in maps guarded by a RWMutex
type NoteStore struct {
	mu          sync.RWMutex
	notes       map[string]*domain.Note
	attachments map[string][]*domain.Attachment
	now         func() time.Time
}

// NewNoteStore creates an empty store
func NewNoteStore() *NoteStore {
	return &NoteStore{
		notes:       make(map[string]*domain.Note),
		attachments: make(map[string][]*domain.Attachment),
		now:         time.Now,
	}
}

func noteNotFound(id string) error {
	return fmt.Errorf("note %s: %w", id, pluginerrors.ErrNotFound)
}

// FindByID returns a copy of the note
func (s *NoteStore) FindByID(ctx context.Context, id string) (*domain.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	note, ok := s.notes[id]
	if !ok {
		return nil, noteNotFound(id)
	}
	return note.Clone(), nil
}

// Save inserts or replaces a note, assigning an id when missing
func (s *NoteStore) Save(ctx context.Context, note *domain.Note) (*domain.Note, error) {
	if note == nil {
		return nil, fmt.Errorf("note is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := note.Clone()
	now := s.now().UTC()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if existing, ok := s.notes[stored.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.notes[stored.ID] = stored
	return stored.Clone(), nil
}

// Delete removes a note and its attachments
func (s *NoteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notes[id]; !ok {
		return noteNotFound(id)
	}
	delete(s.notes, id)
	delete(s.attachments, id)
	return nil
}

// Search matches query against title and content, case-insensitively, and
// requires every tag in q.Tags
func (s *NoteStore) Search(ctx context.Context, q domain.SearchQuery) ([]*domain.Note, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Query))
	matches := s.filter(func(n *domain.Note) bool {
		if q.UserID != "" && n.UserID != q.UserID {
			return false
		}
		for _, tag := range q.Tags {
			if !n.HasTag(tag) {
				return false
			}
		}
		if needle == "" {
			return true
		}
		return strings.Contains(strings.ToLower(n.Title), needle) ||
			strings.Contains(strings.ToLower(n.Content), needle)
	})

	if q.Offset >= len(matches) {
		return []*domain.Note{}, nil
	}
	matches = matches[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matches) {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// ListByUser lists a user's notes, oldest first
func (s *NoteStore) ListByUser(ctx context.Context, userID string) ([]*domain.Note, error) {
	return s.filter(func(n *domain.Note) bool { return n.UserID == userID }), nil
}

// ListByTag lists a user's notes carrying tag
func (s *NoteStore) ListByTag(ctx context.Context, userID, tag string) ([]*domain.Note, error) {
	return s.filter(func(n *domain.Note) bool { return n.UserID == userID && n.HasTag(tag) }), nil
}

func (s *NoteStore) filter(keep func(n *domain.Note) bool) []*domain.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Note, 0)
	for _, n := range s.notes {
		if keep(n) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Attach records an attachment for an existing note
func (s *NoteStore) Attach(ctx context.Context, a *domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notes[a.NoteID]; !ok {
		return noteNotFound(a.NoteID)
	}
	c := *a
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	s.attachments[a.NoteID] = append(s.attachments[a.NoteID], &c)
	return nil
}

// ListAttachments returns copies of a note's attachments
func (s *NoteStore) ListAttachments(ctx context.Context, noteID string) ([]*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.notes[noteID]; !ok {
		return nil, noteNotFound(noteID)
	}
	out := make([]*domain.Attachment, 0, len(s.attachments[noteID]))
	for _, a := range s.attachments[noteID] {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

// GetMetadata returns a copy of a note's metadata
func (s *NoteStore) GetMetadata(ctx context.Context, noteID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	note, ok := s.notes[noteID]
	if !ok {
		return nil, noteNotFound(noteID)
	}
	out := make(map[string]string, len(note.Metadata))
	for k, v := range note.Metadata {
		out[k] = v
	}
	return out, nil
}

// AddMetadata sets one metadata key
func (s *NoteStore) AddMetadata(ctx context.Context, noteID, key, value string) error {
	return s.mutate(noteID, func(n *domain.Note) {
		if n.Metadata == nil {
			n.Metadata = make(map[string]string)
		}
		n.Metadata[key] = value
	})
}

// RemoveMetadata deletes one metadata key
func (s *NoteStore) RemoveMetadata(ctx context.Context, noteID, key string) error {
	return s.mutate(noteID, func(n *domain.Note) {
		delete(n.Metadata, key)
	})
}

func (s *NoteStore) mutate(noteID string, fn func(n *domain.Note)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	note, ok := s.notes[noteID]
	if !ok {
		return noteNotFound(noteID)
	}
	fn(note)
	note.UpdatedAt = s.now().UTC()
	return nil
}
