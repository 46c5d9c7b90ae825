package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/modulo/pkg/domain"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
)

func TestNoteStore(t *testing.T) {
	ctx := context.Background()
	store := NewNoteStore()

	a, err := store.Save(ctx, &domain.Note{Title: "Groceries", Content: "milk", UserID: "u1", Tags: []string{"home"}})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	_, err = store.Save(ctx, &domain.Note{Title: "Standup", Content: "notes", UserID: "u1", Tags: []string{"work"}})
	require.NoError(t, err)
	_, err = store.Save(ctx, &domain.Note{Title: "Milk run", UserID: "u2"})
	require.NoError(t, err)

	got, err := store.FindByID(ctx, a.ID)
	require.NoError(t, err)
	got.Title = "changed"
	again, _ := store.FindByID(ctx, a.ID)
	assert.Equal(t, "Groceries", again.Title)

	results, err := store.Search(ctx, domain.SearchQuery{Query: "MILK", UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, a.ID, results[0].ID)

	byTag, _ := store.ListByTag(ctx, "u1", "work")
	assert.Len(t, byTag, 1)
	byUser, _ := store.ListByUser(ctx, "u1")
	assert.Len(t, byUser, 2)

	require.NoError(t, store.AddMetadata(ctx, a.ID, "color", "red"))
	meta, _ := store.GetMetadata(ctx, a.ID)
	assert.Equal(t, map[string]string{"color": "red"}, meta)
	require.NoError(t, store.RemoveMetadata(ctx, a.ID, "color"))
	meta, _ = store.GetMetadata(ctx, a.ID)
	assert.Empty(t, meta)

	require.NoError(t, store.Attach(ctx, &domain.Attachment{NoteID: a.ID, FileName: "list.pdf"}))
	attachments, _ := store.ListAttachments(ctx, a.ID)
	assert.Len(t, attachments, 1)

	require.NoError(t, store.Delete(ctx, a.ID))
	_, err = store.FindByID(ctx, a.ID)
	assert.True(t, pluginerrors.IsNotFound(err))
	assert.True(t, pluginerrors.IsNotFound(store.Delete(ctx, a.ID)))
}

func TestNoteStore_SearchPaging(t *testing.T) {
	ctx := context.Background()
	store := NewNoteStore()
	for i := 0; i < 5; i++ {
		_, err := store.Save(ctx, &domain.Note{Title: "n", UserID: "u1"})
		require.NoError(t, err)
	}

	page, _ := store.Search(ctx, domain.SearchQuery{UserID: "u1", Limit: 2, Offset: 1})
	assert.Len(t, page, 2)
	empty, _ := store.Search(ctx, domain.SearchQuery{UserID: "u1", Offset: 10})
	assert.Empty(t, empty)
}

func TestUserStore(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(&domain.User{ID: "u1", Username: "ada", Email: "Ada@Example.com", Roles: []string{"ADMIN"}})

	u, err := store.FindByUsername(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	u, err = store.FindByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	_, err = store.FindByID(ctx, "nobody")
	assert.True(t, pluginerrors.IsNotFound(err))

	require.NoError(t, store.UpdatePreferences(ctx, "u1", domain.Preferences{"theme": "dark"}))
	prefs, err := store.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "dark", prefs["theme"])

	assert.Error(t, store.UpdatePreferences(ctx, "nobody", nil))
}
