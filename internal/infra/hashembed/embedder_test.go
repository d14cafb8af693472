package hashembed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/chat-rag/internal/core/index"
)

func cosine(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(v []float32) float64 {
	return math.Sqrt(cosine(v, v))
}

func TestNew_RejectsInvalidDimension(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}

func TestEmbed_DeterministicAndNormalized(t *testing.T) {
	e, err := New(DefaultDimension)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := e.Embed(ctx, "The launch date is March 3rd.")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "The launch date is March 3rd.")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, DefaultDimension)
	assert.InDelta(t, 1.0, norm(a), 1e-5)
}

func TestEmbed_RelatedTextScoresHigher(t *testing.T) {
	e, err := New(DefaultDimension)
	require.NoError(t, err)
	ctx := context.Background()

	query, _ := e.Embed(ctx, "When is the launch?")
	related, _ := e.Embed(ctx, "The launch date is March 3rd.")
	unrelated, _ := e.Embed(ctx, "Quarterly budget spreadsheet totals")

	assert.Greater(t, cosine(query, related), cosine(query, unrelated))
}

func TestEmbed_EmptyTextIsZeroVector(t *testing.T) {
	e, err := New(8)
	require.NoError(t, err)

	v, err := e.Embed(context.Background(), "  ... !!! ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), v)
}

func TestBatchEmbed_MatchesEmbed(t *testing.T) {
	e, err := New(64)
	require.NoError(t, err)
	ctx := context.Background()

	texts := []string{"alpha", "beta gamma", "東京の天気"}
	batch, err := e.BatchEmbed(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))
	for i, text := range texts {
		single, err := e.Embed(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}

func TestEmbed_CanceledContext(t *testing.T) {
	e, err := New(8)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.Embed(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, Tokenize("Hello, World! 42"))
	assert.Empty(t, Tokenize("--"))
}

func TestEmbedder_WorksWithIndex(t *testing.T) {
	e, err := New(DefaultDimension)
	require.NoError(t, err)
	idx := index.New(e)
	ctx := context.Background()

	snap, err := idx.Rebuild(ctx, []index.Draft{
		{Kind: index.SourceDocument, SourceID: "notes.txt", Text: "The launch date is March 3rd."},
		{Kind: index.SourceDocument, SourceID: "budget.txt", Text: "Quarterly budget spreadsheet totals"},
	})
	require.NoError(t, err)
	idx.Swap(snap)

	results, err := idx.Query(ctx, "launch date", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "notes.txt", results[0].Segment.SourceID)
}
