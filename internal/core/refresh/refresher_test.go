package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/chat-rag/internal/core/chunk"
	"github.com/jinford/chat-rag/internal/core/corpus"
	"github.com/jinford/chat-rag/internal/core/index"
)

// memorySource はメモリ上の文書を返す corpus.Source のスタブ
type memorySource struct {
	mu      sync.Mutex
	docs    map[string]string
	version map[string]int
	docErr  error
	scanErr error
}

func newMemorySource(docs map[string]string) *memorySource {
	s := &memorySource{docs: map[string]string{}, version: map[string]int{}}
	for k, v := range docs {
		s.put(k, v)
	}
	return s
}

func (s *memorySource) put(path, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = text
	s.version[path]++
}

func (s *memorySource) Documents(ctx context.Context) ([]corpus.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docErr != nil {
		return nil, s.docErr
	}
	var out []corpus.Document
	for path, text := range s.docs {
		out = append(out, corpus.Document{Path: path, Text: text})
	}
	return out, nil
}

func (s *memorySource) Fingerprints(ctx context.Context) (corpus.FingerprintSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	set := corpus.FingerprintSet{}
	for path, text := range s.docs {
		set[path] = corpus.Fingerprint{Path: path, Size: int64(len(text)), Hash: strings.Repeat("x", s.version[path])}
	}
	return set, nil
}

// keywordEmbedder は固定語彙による決定的なスタブ
type keywordEmbedder struct {
	mu  sync.Mutex
	err error
}

var vocab = []string{"launch", "budget", "plan", "hello"}

func (e *keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	v := make([]float32, len(vocab))
	lower := strings.ToLower(text)
	for i, w := range vocab {
		v[i] = float32(strings.Count(lower, w))
	}
	return v, nil
}

func (e *keywordEmbedder) Dimension() int { return len(vocab) }

func (e *keywordEmbedder) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

type recordingSink struct {
	mu    sync.Mutex
	gens  []uint64
	err   error
	calls int
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Persist(ctx context.Context, snap *index.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.gens = append(s.gens, snap.Generation())
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup(t *testing.T, docs, chats *memorySource, opts ...Option) (*Refresher, *index.Index, *keywordEmbedder) {
	t.Helper()
	emb := &keywordEmbedder{}
	idx := index.New(emb, index.WithLogger(quiet()))
	splitter, err := chunk.New(1000, 200)
	require.NoError(t, err)

	sources := []Source{{Kind: index.SourceDocument, Store: docs}}
	if chats != nil {
		sources = append(sources, Source{Kind: index.SourceConversation, Store: chats})
	}
	r := New(idx, splitter, sources, append([]Option{WithLogger(quiet())}, opts...)...)
	return r, idx, emb
}

func TestRefreshOnce_RebuildsOnlyOnChange(t *testing.T) {
	docs := newMemorySource(map[string]string{"notes.txt": "The launch date is March 3rd."})
	r, idx, _ := setup(t, docs, nil)
	ctx := context.Background()

	report, err := r.RefreshOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Rebuilt)
	assert.Equal(t, 1, report.Segments)
	assert.Equal(t, []string{"document:notes.txt"}, report.Delta.Added)
	first := idx.Current()

	report, err = r.RefreshOnce(ctx)
	require.NoError(t, err)
	assert.False(t, report.Rebuilt)
	assert.Same(t, first, idx.Current(), "unchanged corpus must keep the snapshot")

	docs.put("notes.txt", "The launch moved to April.")
	report, err = r.RefreshOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Rebuilt)
	assert.Equal(t, []string{"document:notes.txt"}, report.Delta.Changed)
	assert.Greater(t, idx.Current().Generation(), first.Generation())
	assert.Equal(t, StateIdle, r.State())
}

func TestRefreshOnce_EmptyCorpusPublishesEmptySnapshot(t *testing.T) {
	r, idx, _ := setup(t, newMemorySource(nil), nil)

	report, err := r.RefreshOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Rebuilt)
	assert.Zero(t, idx.Current().Len())

	results, err := idx.Query(context.Background(), "anything", 6)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRefreshOnce_MergesDocumentsAndConversations(t *testing.T) {
	docs := newMemorySource(map[string]string{"budget.txt": "The budget is fixed."})
	chats := newMemorySource(map[string]string{"chat_abc": "User: what is the plan?\nAssistant: the plan is to launch"})
	r, idx, _ := setup(t, docs, chats)
	ctx := context.Background()

	_, err := r.RefreshOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, idx.Current().Len())

	results, err := idx.Query(ctx, "plan", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, index.SourceConversation, results[0].Segment.Kind)
	assert.Equal(t, "chat_abc", results[0].Segment.SourceID)

	// 会話の追加だけでも再構築される
	chats.put("chat_def", "User: hello")
	report, err := r.RefreshOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Rebuilt)
	assert.Equal(t, []string{"conversation:chat_def"}, report.Delta.Added)
}

func TestRefreshOnce_FailuresKeepPreviousSnapshot(t *testing.T) {
	docs := newMemorySource(map[string]string{"a.txt": "launch"})
	r, idx, emb := setup(t, docs, nil)
	ctx := context.Background()

	_, err := r.RefreshOnce(ctx)
	require.NoError(t, err)
	served := idx.Current()

	t.Run("走査失敗", func(t *testing.T) {
		docs.mu.Lock()
		docs.scanErr = corpus.ErrCorpusUnreadable
		docs.mu.Unlock()
		t.Cleanup(func() {
			docs.mu.Lock()
			docs.scanErr = nil
			docs.mu.Unlock()
		})

		_, err := r.RefreshOnce(ctx)
		assert.ErrorIs(t, err, corpus.ErrCorpusUnreadable)
		assert.Same(t, served, idx.Current())
		assert.NotEmpty(t, r.Status().LastError)
	})

	t.Run("埋め込み失敗は次の周期で再試行", func(t *testing.T) {
		docs.put("a.txt", "launch budget")
		emb.fail(errors.New("embedding backend down"))

		_, err := r.RefreshOnce(ctx)
		assert.ErrorIs(t, err, index.ErrEmbedding)
		assert.Same(t, served, idx.Current())

		emb.fail(nil)
		report, err := r.RefreshOnce(ctx)
		require.NoError(t, err)
		assert.True(t, report.Rebuilt, "fingerprints of a failed rebuild must not be recorded")
		assert.Empty(t, r.Status().LastError)
	})

	t.Run("文書読み込み失敗", func(t *testing.T) {
		served := idx.Current()
		docs.put("b.txt", "plan")
		docs.mu.Lock()
		docs.docErr = errors.New("disk error")
		docs.mu.Unlock()

		_, err := r.RefreshOnce(ctx)
		assert.Error(t, err)
		assert.Same(t, served, idx.Current())
	})
}

func TestRefreshOnce_PersistsToSinksBestEffort(t *testing.T) {
	docs := newMemorySource(map[string]string{"a.txt": "launch"})
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("db unavailable")}
	r, idx, _ := setup(t, docs, nil, WithSinks(bad, good))

	report, err := r.RefreshOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Rebuilt)
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, []uint64{idx.Current().Generation()}, good.gens)
}

func TestRun_PicksUpChangesUntilCanceled(t *testing.T) {
	docs := newMemorySource(map[string]string{"a.txt": "launch"})
	r, idx, _ := setup(t, docs, nil, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return idx.Current().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	docs.put("b.txt", "budget")
	require.Eventually(t, func() bool { return idx.Current().Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop after cancel")
	}
	assert.Equal(t, StateIdle, r.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "scanning", StateScanning.String())
	assert.Equal(t, "rebuilding", StateRebuilding.String())
	assert.Equal(t, "unknown", State(42).String())
}
