package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dir string, opts ...StoreOption) *Store {
	t.Helper()
	s, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if e.Name() == lockFileName {
			continue
		}
		names = append(names, e.Name())
	}
	return names
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{id: "abc-123"},
		{id: "3f1c2d9e-uuid-like"},
		{id: "", wantErr: true},
		{id: "../etc/passwd", wantErr: true},
		{id: "a/b", wantErr: true},
		{id: `a\b`, wantErr: true},
		{id: "..", wantErr: true},
		{id: ".hidden", wantErr: true},
		{id: "nul\x00byte", wantErr: true},
		{id: strings.Repeat("a", maxIdentifierLength+1), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.id), func(t *testing.T) {
			err := ValidateID(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidIdentifier)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStore_RejectsUnsafeIdentifiersWithoutTouchingDisk(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)

	for _, id := range []string{"../etc/passwd", "a/b", `..\..\win`} {
		_, err := store.GetOrCreate(id)
		assert.ErrorIs(t, err, ErrInvalidIdentifier)

		_, err = store.Append(id, RoleUser, "hi")
		assert.ErrorIs(t, err, ErrInvalidIdentifier)

		_, err = store.History(id)
		assert.ErrorIs(t, err, ErrInvalidIdentifier)
	}

	assert.Empty(t, listFiles(t, dir))
	_, err := os.Stat(filepath.Join(filepath.Dir(dir), "etc"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_AppendHistorySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	session, err := store.GetOrCreate("abc-123")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", session.ID)
	assert.Empty(t, session.Messages)

	_, err = store.Append("abc-123", RoleUser, "hi")
	require.NoError(t, err)
	_, err = store.Append("abc-123", RoleAssistant, "hello")
	require.NoError(t, err)

	history, err := store.History("abc-123")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, RoleAssistant, history[1].Role)
	assert.Equal(t, "hello", history[1].Content)

	// プロセス再起動を模擬
	require.NoError(t, store.Close())
	reopened := openStore(t, dir)

	reloaded, err := reopened.History("abc-123")
	require.NoError(t, err)
	assert.Equal(t, history, reloaded)
}

func TestStore_PersistedFormat(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := openStore(t, dir, WithClock(func() time.Time { return fixed }))

	_, err := store.Append("s1", RoleUser, "hi")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "s1.json"))
	require.NoError(t, err)

	var raw struct {
		SessionID string `json:"session_id"`
		Messages  []struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			Timestamp string `json:"timestamp"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "s1", raw.SessionID)
	require.Len(t, raw.Messages, 1)
	assert.Equal(t, "user", raw.Messages[0].Role)
	assert.Equal(t, "2026-01-02T03:04:05Z", raw.Messages[0].Timestamp)
	assert.Equal(t, []string{"s1.json"}, listFiles(t, dir), "no temp files left behind")
}

func TestStore_GetOrCreateDoesNotPersistEmptySession(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)

	_, err := store.GetOrCreate("fresh")
	require.NoError(t, err)
	assert.Empty(t, listFiles(t, dir))

	history, err := store.History("never-seen")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStore_InvalidRole(t *testing.T) {
	store := openStore(t, t.TempDir())
	_, err := store.Append("s1", Role("system"), "x")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestStore_ConcurrentAppendsKeepPerSessionOrder(t *testing.T) {
	store := openStore(t, t.TempDir())

	const sessions, perSession = 4, 25
	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", s)
			for i := 0; i < perSession; i++ {
				_, err := store.Append(id, RoleUser, fmt.Sprintf("%d", i))
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	for s := 0; s < sessions; s++ {
		history, err := store.History(fmt.Sprintf("session-%d", s))
		require.NoError(t, err)
		require.Len(t, history, perSession)
		for i, m := range history {
			assert.Equal(t, fmt.Sprintf("%d", i), m.Content)
		}
	}
}

func TestStore_PersistFailureLeavesMemoryUnchanged(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root では書き込み権限の制限を再現できない")
	}
	dir := t.TempDir()
	store := openStore(t, dir)

	_, err := store.Append("s1", RoleUser, "first")
	require.NoError(t, err)

	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	_, err = store.Append("s1", RoleAssistant, "lost")
	assert.ErrorIs(t, err, ErrStorage)

	history, err := store.History("s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "first", history[0].Content)
}

func TestStore_SecondWriterIsLockedOut(t *testing.T) {
	dir := t.TempDir()
	openStore(t, dir)

	_, err := Open(dir)
	assert.ErrorIs(t, err, ErrStorageLocked)

	ro, err := Open(dir, ReadOnly())
	require.NoError(t, err)
	_, err = ro.Append("s1", RoleUser, "x")
	assert.ErrorIs(t, err, ErrStorage)
}

func TestStore_TranscriptSource(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	ctx := context.Background()

	_, err := store.Append("b", RoleUser, "what is the plan?")
	require.NoError(t, err)
	_, err = store.Append("b", RoleAssistant, "ship on Friday")
	require.NoError(t, err)
	_, err = store.Append("a", RoleUser, "hello")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	docs, err := store.Documents(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "chat_a", docs[0].Path)
	assert.Equal(t, "User: hello", docs[0].Text)
	assert.Equal(t, "chat_b", docs[1].Path)
	assert.Equal(t, "User: what is the plan?\nAssistant: ship on Friday", docs[1].Text)

	before, err := store.Fingerprints(ctx)
	require.NoError(t, err)
	assert.Len(t, before, 2)

	_, err = store.Append("a", RoleAssistant, "hi there")
	require.NoError(t, err)
	after, err := store.Fingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat_a"}, before.Diff(after).Changed)
}
