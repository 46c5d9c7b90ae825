package security

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/modulo/pkg/capability"
)

func TestFileGrantStore_LoadSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "grants.yaml")
	store := NewFileGrantStore(WithPath(path))
	assert.Equal(t, path, store.Path())

	policy, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, policy, "missing file is an empty policy")

	want := GrantPolicy{
		"todo-sync":        capability.NewSet(capability.NoteRead, capability.NoteWrite),
		"markdown-preview": capability.NewSet(capability.Render),
	}
	require.NoError(t, store.Save(want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileGrantStore_RejectsUnknownCapability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.yaml")
	require.NoError(t, os.WriteFile(path, []byte("todo-sync: [NOTE_READ, ROOT]\n"), 0o600))

	_, err := NewFileGrantStore(WithPath(path)).Load()
	assert.ErrorContains(t, err, "failed to parse grant policy")
}

func TestPolicyWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grants.yaml")
	store := NewFileGrantStore(WithPath(path))
	require.NoError(t, store.Save(GrantPolicy{"todo-sync": readWrite}))

	m := NewManager(getTestLogger())
	token := newActive(t, m, "todo-sync", readWrite, readWrite)

	w := NewPolicyWatcher(store, m, getTestLogger())
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitApplied(t, w)
	assert.True(t, m.Allowed(token, capability.NoteWrite))

	require.NoError(t, store.Save(GrantPolicy{"todo-sync": capability.NewSet(capability.NoteRead)}))
	waitApplied(t, w)
	assert.False(t, m.Allowed(token, capability.NoteWrite))
	assert.True(t, m.Allowed(token, capability.NoteRead))

	// A broken file keeps the last good policy
	require.NoError(t, os.WriteFile(path, []byte("todo-sync: [BOGUS]\n"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, m.Allowed(token, capability.NoteWrite))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func waitApplied(t *testing.T, w *PolicyWatcher) {
	t.Helper()
	select {
	case <-w.Applied():
	case <-time.After(2 * time.Second):
		t.Fatal("policy was not applied")
	}
}
