package snapshotfile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/chat-rag/internal/core/index"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "vector_store"),
		WithEmbedderName("hash-trigram-v1"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func sampleSnapshot(gen uint64) *index.Snapshot {
	builtAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return index.NewSnapshot(gen, builtAt, 3, []index.Segment{
		{ID: index.SegmentID("notes.txt", 0), Kind: index.SourceDocument, SourceID: "notes.txt", Offset: 0, Text: "launch\nday", Vector: []float32{1, 0, 0}},
		{ID: index.SegmentID("chat_a", 0), Kind: index.SourceConversation, SourceID: "chat_a", Offset: 0, Text: "User: hi", Vector: []float32{0, 0.6, -0.8}},
	})
}

func TestStore_PersistAndLoad(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	snap := sampleSnapshot(7)

	require.NoError(t, store.Persist(ctx, snap))

	m, err := store.ReadManifest()
	require.NoError(t, err)
	assert.EqualValues(t, 7, m.Generation)
	assert.Equal(t, 3, m.Dimension)
	assert.Equal(t, 2, m.Segments)
	assert.Equal(t, "hash-trigram-v1", m.Embedder)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Generation(), loaded.Generation())
	assert.True(t, snap.BuiltAt().Equal(loaded.BuiltAt()))
	assert.Equal(t, snap.Segments(), loaded.Segments())

	info, err := os.Stat(filepath.Join(store.Dir(), vectorsFile))
	require.NoError(t, err)
	assert.EqualValues(t, 2*3*4, info.Size())
}

func TestStore_OverwriteLeavesNoTempFiles(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Persist(ctx, sampleSnapshot(1)))
	require.NoError(t, store.Persist(ctx, index.NewSnapshot(2, time.Now(), 3, nil)))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, loaded.Generation())
	assert.Zero(t, loaded.Len())

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{manifestFile, segmentsFile, vectorsFile}, names)
}

func TestStore_LoadMissing(t *testing.T) {
	store := newStore(t)

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LoadDetectsInconsistency(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Persist(ctx, sampleSnapshot(1)))

	path := filepath.Join(store.Dir(), vectorsFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-4], 0o644))

	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_RestoresIntoIndex(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Persist(ctx, sampleSnapshot(4)))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)

	results := loaded.Search([]float32{1, 0, 0}, 1)
	require.Len(t, results, 1)
	assert.Equal(t, "notes.txt", results[0].Segment.SourceID)
}
