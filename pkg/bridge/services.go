package bridge

import (
	"context"

	"github.com/platinummonkey/modulo/pkg/domain"
)

// NoteService is the core note domain service. Implementations return an
// error wrapping pluginerrors.ErrNotFound for missing notes.
type NoteService interface {
	FindByID(ctx context.Context, id string) (*domain.Note, error)
	Save(ctx context.Context, note *domain.Note) (*domain.Note, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, query domain.SearchQuery) ([]*domain.Note, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Note, error)
	ListByTag(ctx context.Context, userID, tag string) ([]*domain.Note, error)
	ListAttachments(ctx context.Context, noteID string) ([]*domain.Attachment, error)
	GetMetadata(ctx context.Context, noteID string) (map[string]string, error)
	AddMetadata(ctx context.Context, noteID, key, value string) error
	RemoveMetadata(ctx context.Context, noteID, key string) error
}

// UserService is the core user domain service
type UserService interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	GetPreferences(ctx context.Context, userID string) (domain.Preferences, error)
	UpdatePreferences(ctx context.Context, userID string, prefs domain.Preferences) error
}
