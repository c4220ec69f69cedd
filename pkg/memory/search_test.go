package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultSearchEngine() *searchEngine {
	return &searchEngine{settings: DefaultSettings().Search, logger: testLogger()}
}

func TestSearchEmptyQuery(t *testing.T) {
	store := createTestStore(t, 0)
	engine := defaultSearchEngine()

	results, err := engine.Search(context.Background(), store, nil, "   ", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchKeywordOnly(t *testing.T) {
	store := createTestStore(t, 0)
	if store.KeywordSearchErr() != nil {
		t.Skipf("FTS5 unavailable: %v", store.KeywordSearchErr())
	}

	f := testFileInfo("memory/MEMORY.md", SourceMemory, "h")
	chunks := []Chunk{
		testChunk(f, 1, 1, "Project X uses library A for caching.", nil),
		testChunk(f, 2, 2, "The standup happens every morning at ten.", nil),
	}
	require.NoError(t, store.ReplaceFileChunks(f, chunks))

	engine := defaultSearchEngine()

	t.Run("conversational query reduced to keywords", func(t *testing.T) {
		results, err := engine.Search(context.Background(), store, nil,
			"what do we use for caching", SearchOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "memory/MEMORY.md", results[0].Path)
		assert.Contains(t, results[0].Snippet, "caching")
		assert.Nil(t, results[0].VectorScore)
		require.NotNil(t, results[0].KeywordScore)
	})

	t.Run("keyword score carries full weight", func(t *testing.T) {
		results, err := engine.Search(context.Background(), store, nil, "caching", SearchOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.InDelta(t, *results[0].KeywordScore, results[0].Score, 1e-9)
	})
}

func TestSearchHybridScenario(t *testing.T) {
	store := createTestStore(t, 4)
	if store.VectorSearchErr() != nil {
		t.Skipf("sqlite-vec unavailable: %v", store.VectorSearchErr())
	}

	backend := newMockBackend(4)
	cache := newEmbeddingCache(store, backend, 100, testLogger())
	batch := newBatchOrchestrator(backend, BatchSettings{}, testLogger())
	embed := newEmbedOps(backend, cache, batch, testLogger())

	text := "Project X uses library A for caching."
	f := testFileInfo("memory/MEMORY.md", SourceMemory, "h")
	chunk := testChunk(f, 1, 1, text, backend.vectorFor(text))
	require.NoError(t, store.ReplaceFileChunks(f, []Chunk{chunk}))

	engine := defaultSearchEngine()
	engine.settings.MinScore = 0.1

	results, err := engine.Search(context.Background(), store, embed, "caching library", SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "memory/MEMORY.md", results[0].Path)
	assert.GreaterOrEqual(t, results[0].Score, 0.1)
	require.NotNil(t, results[0].VectorScore)
}

func TestSearchVectorOnly(t *testing.T) {
	store := createTestStore(t, 4)
	if store.VectorSearchErr() != nil {
		t.Skipf("sqlite-vec unavailable: %v", store.VectorSearchErr())
	}

	backend := newMockBackend(4)
	cache := newEmbeddingCache(store, backend, 100, testLogger())
	batch := newBatchOrchestrator(backend, BatchSettings{}, testLogger())
	embed := newEmbedOps(backend, cache, batch, testLogger())

	text := "Project X uses library A for caching."
	f := testFileInfo("memory/MEMORY.md", SourceMemory, "h")
	require.NoError(t, store.ReplaceFileChunks(f, []Chunk{
		testChunk(f, 1, 1, text, backend.vectorFor(text)),
	}))

	engine := defaultSearchEngine()
	engine.settings.Hybrid = false

	results, err := engine.Search(context.Background(), store, embed, "caching library", SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.NotNil(t, results[0].VectorScore)
	assert.Nil(t, results[0].KeywordScore)
	assert.InDelta(t, *results[0].VectorScore, results[0].Score, 1e-9,
		"vector score carries full weight when fusion is off")
}

func TestSearchDegradesOnEmbedFailure(t *testing.T) {
	store := createTestStore(t, 4)

	backend := newMockBackend(4)
	cache := newEmbeddingCache(store, backend, 100, testLogger())
	batch := newBatchOrchestrator(backend, BatchSettings{}, testLogger())
	embed := newEmbedOps(backend, cache, batch, testLogger())
	embed.retry = fastRetryPolicy()
	backend.setEmbedErr(ErrBackendUnavailable)

	f := testFileInfo("memory/f.md", SourceMemory, "h")
	require.NoError(t, store.ReplaceFileChunks(f, []Chunk{
		testChunk(f, 1, 1, "notes about caching", nil),
	}))

	engine := defaultSearchEngine()

	// The vector sub-search fails; the call itself must not.
	results, err := engine.Search(context.Background(), store, embed, "caching", SearchOptions{})
	require.NoError(t, err)

	if store.KeywordSearchErr() != nil {
		assert.Empty(t, results)
		return
	}
	require.NotEmpty(t, results)
	// The absent vector side contributes zero at its configured weight; the
	// keyword score is not silently promoted to full weight.
	assert.Nil(t, results[0].VectorScore)
	require.NotNil(t, results[0].KeywordScore)
	kw := *results[0].KeywordScore
	assert.InDelta(t, engine.settings.TextWeight*kw, results[0].Score, 1e-9)
}

func TestFuse(t *testing.T) {
	store := createTestStore(t, 0)
	engine := defaultSearchEngine()

	f := testFileInfo("memory/f.md", SourceMemory, "h")
	chunks := []Chunk{
		testChunk(f, 1, 1, "both sub-searches find this", nil),
		testChunk(f, 2, 2, "only vector finds this", nil),
		testChunk(f, 3, 3, "only keyword finds this", nil),
	}
	require.NoError(t, store.ReplaceFileChunks(f, chunks))

	vectorHits := []vectorHit{
		{id: chunks[0].ID, similarity: 0.8},
		{id: chunks[1].ID, similarity: 0.4},
	}
	keywordHits := []keywordHit{
		{id: chunks[0].ID, score: 5.0},
		{id: chunks[2].ID, score: 2.5},
	}

	candidates, err := engine.fuse(context.Background(), store, vectorHits, keywordHits, 0.7, 0.3)
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	byID := make(map[string]candidate)
	for _, c := range candidates {
		byID[c.chunk.ID] = c
	}

	// Max-normalized: 0.7*1.0 + 0.3*1.0
	assert.InDelta(t, 1.0, byID[chunks[0].ID].score, 1e-9)
	// Vector only: 0.7*(0.4/0.8)
	assert.InDelta(t, 0.35, byID[chunks[1].ID].score, 1e-9)
	// Keyword only: 0.3*(2.5/5.0)
	assert.InDelta(t, 0.15, byID[chunks[2].ID].score, 1e-9)
}

func TestApplyTemporalDecay(t *testing.T) {
	now := time.Now()
	candidates := []candidate{
		{score: 1.0, chunk: Chunk{UpdatedAt: now}},
		{score: 1.0, chunk: Chunk{UpdatedAt: now.Add(-7 * 24 * time.Hour)}},
		{score: 1.0, chunk: Chunk{UpdatedAt: now.Add(-14 * 24 * time.Hour)}},
	}

	applyTemporalDecay(candidates, 7, now)

	assert.InDelta(t, 1.0, candidates[0].score, 1e-6)
	assert.InDelta(t, 0.5, candidates[1].score, 1e-6, "one half-life")
	assert.InDelta(t, 0.25, candidates[2].score, 1e-6, "two half-lives")
}

func TestMMRSelect(t *testing.T) {
	a := candidate{score: 1.0, chunk: Chunk{ID: "a", Embedding: []float32{1, 0}}}
	aTwin := candidate{score: 0.9, chunk: Chunk{ID: "a2", Embedding: []float32{1, 0}}}
	b := candidate{score: 0.5, chunk: Chunk{ID: "b", Embedding: []float32{0, 1}}}

	t.Run("diversity displaces near-duplicates", func(t *testing.T) {
		// With lambda 0.5 the twin's redundancy outweighs its relevance edge.
		selected := mmrSelect([]candidate{a, aTwin, b}, 2, 0.5)
		require.Len(t, selected, 2)
		assert.Equal(t, "a", selected[0].chunk.ID)
		assert.Equal(t, "b", selected[1].chunk.ID)
	})

	t.Run("lambda one ranks purely by relevance", func(t *testing.T) {
		selected := mmrSelect([]candidate{a, aTwin, b}, 2, 1.0)
		require.Len(t, selected, 2)
		assert.Equal(t, "a", selected[0].chunk.ID)
		assert.Equal(t, "a2", selected[1].chunk.ID)
	})

	t.Run("missing embeddings rank by relevance", func(t *testing.T) {
		x := candidate{score: 0.9, chunk: Chunk{ID: "x"}}
		y := candidate{score: 0.7, chunk: Chunk{ID: "y"}}
		selected := mmrSelect([]candidate{x, y}, 2, 0.5)
		require.Len(t, selected, 2)
		assert.Equal(t, "x", selected[0].chunk.ID)
	})
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{1, 0}, []float32{1}), "mismatched dims")
	assert.Zero(t, cosineSimilarity(nil, nil))
}

func TestExtractKeywords(t *testing.T) {
	assert.Equal(t, []string{"use", "caching", "library"}, extractKeywords("what do we use as the caching library"))
	assert.Equal(t, []string{"deploy-script"}, extractKeywords("Where is the DEPLOY-SCRIPT?"))
	assert.Empty(t, extractKeywords("is it in of"))
	assert.Equal(t, []string{"dup"}, extractKeywords("dup dup dup"))
}

func TestIsZeroVector(t *testing.T) {
	assert.True(t, isZeroVector(nil))
	assert.True(t, isZeroVector([]float32{0, 0, 0}))
	assert.False(t, isZeroVector([]float32{0, 0.001, 0}))
}

func TestSnippetFrom(t *testing.T) {
	assert.Equal(t, "short", snippetFrom("  short  "))

	long := ""
	for len(long) < 2*maxSnippetChars {
		long += "some words that keep repeating "
	}
	snippet := snippetFrom(long)
	assert.LessOrEqual(t, len(snippet), maxSnippetChars+len("…"))
	assert.Contains(t, snippet, "…")
}
