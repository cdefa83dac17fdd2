package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyaso777/hybrid-search-go/model"
	"github.com/tyaso777/hybrid-search-go/store"
)

// seedCorpus loads a small corpus where lexical and semantic relevance
// deliberately disagree: "alpha" chunks match the query text, while the
// vectors cluster near (0,1) for the "vec" chunks.
func seedCorpus(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx := context.Background()

	_, err := c.Ingest(ctx, []model.ChunkRecord{
		chunk("text", "text#0", "alpha alpha alpha"),
		chunk("text", "text#1", "alpha beta"),
		chunk("vec", "vec#0", "unrelated words"),
		chunk("vec", "vec#1", "other words"),
	}, map[string][]float32{
		"text#0": {1, 0},
		"text#1": {0.9, 0.1},
		"vec#0":  {0, 1},
		"vec#1":  {0.1, 0.9},
	})
	require.NoError(t, err)
}

func hitIDs(hits []model.SearchHit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Chunk.ChunkID
	}
	return ids
}

func TestHybridTextOnlyMatchesLexicalOrder(t *testing.T) {
	c := newTestCoordinator(t, 2)
	seedCorpus(t, c)
	ctx := context.Background()

	lexical, err := c.SearchText(ctx, "alpha", 10, store.TokenModeAll, model.Filter{})
	require.NoError(t, err)

	hybrid, err := c.SearchHybrid(ctx, HybridParams{
		Query:      "alpha",
		Vector:     []float32{0, 1},
		TopK:       10,
		TextWeight: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, hitIDs(lexical), hitIDs(hybrid),
		"with all weight on text, hybrid order follows lexical order")
}

func TestHybridVectorOnly(t *testing.T) {
	c := newTestCoordinator(t, 2)
	seedCorpus(t, c)
	ctx := context.Background()

	hits, err := c.SearchHybrid(ctx, HybridParams{
		Query:        "alpha",
		Vector:       []float32{0, 1},
		TopK:         2,
		VectorWeight: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"vec#0", "vec#1"}, hitIDs(hits))
}

func TestHybridFusesBothSources(t *testing.T) {
	c := newTestCoordinator(t, 2)
	seedCorpus(t, c)
	ctx := context.Background()

	hits, err := c.SearchHybrid(ctx, HybridParams{
		Query:        "alpha",
		Vector:       []float32{1, 0},
		TopK:         4,
		TextWeight:   0.5,
		VectorWeight: 0.5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "text#0", hits[0].Chunk.ChunkID,
		"best on both axes wins")
	for _, h := range hits {
		assert.InDelta(t, float64(0.5*h.TextScore+0.5*h.VecScore), float64(h.Score), 1e-6)
	}
}

func TestHybridMissingSourceScoresZero(t *testing.T) {
	c := newTestCoordinator(t, 2)
	seedCorpus(t, c)
	ctx := context.Background()

	hits, err := c.SearchHybrid(ctx, HybridParams{
		Query:        "alpha",
		Vector:       []float32{0, 1},
		TopK:         10,
		TextWeight:   0.5,
		VectorWeight: 0.5,
	})
	require.NoError(t, err)

	byID := map[string]model.SearchHit{}
	for _, h := range hits {
		byID[h.Chunk.ChunkID] = h
	}
	// "vec#0" never matched the lexical query.
	require.Contains(t, byID, "vec#0")
	assert.Zero(t, byID["vec#0"].TextScore)
	assert.Greater(t, byID["vec#0"].VecScore, float32(0.9))
}

func TestHybridDefaultsToEvenWeights(t *testing.T) {
	c := newTestCoordinator(t, 2)
	seedCorpus(t, c)
	ctx := context.Background()

	explicit, err := c.SearchHybrid(ctx, HybridParams{
		Query: "alpha", Vector: []float32{1, 0}, TopK: 4,
		TextWeight: 0.5, VectorWeight: 0.5,
	})
	require.NoError(t, err)
	defaulted, err := c.SearchHybrid(ctx, HybridParams{
		Query: "alpha", Vector: []float32{1, 0}, TopK: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, hitIDs(explicit), hitIDs(defaulted))
}

func TestHybridFilterAppliesAfterFusion(t *testing.T) {
	c := newTestCoordinator(t, 2)
	seedCorpus(t, c)
	ctx := context.Background()

	hits, err := c.SearchHybrid(ctx, HybridParams{
		Query:        "alpha",
		Vector:       []float32{0, 1},
		TopK:         10,
		TextWeight:   0.5,
		VectorWeight: 0.5,
		Filter:       model.Filter{DocIDPrefix: "vec"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, "vec", h.Chunk.DocID)
	}
}

func TestHybridTieBreaksByChunkID(t *testing.T) {
	c := newTestCoordinator(t, 2)
	ctx := context.Background()

	// Identical text and identical vectors force equal fused scores.
	_, err := c.Ingest(ctx, []model.ChunkRecord{
		chunk("doc", "doc#b", "same words"),
		chunk("doc", "doc#a", "same words"),
		chunk("doc", "doc#c", "same words"),
	}, map[string][]float32{
		"doc#b": {1, 0},
		"doc#a": {1, 0},
		"doc#c": {1, 0},
	})
	require.NoError(t, err)

	hits, err := c.SearchHybrid(ctx, HybridParams{
		Query:  "same",
		Vector: []float32{1, 0},
		TopK:   3,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc#a", "doc#b", "doc#c"}, hitIDs(hits))
}

func TestHybridEmptyInputs(t *testing.T) {
	c := newTestCoordinator(t, 2)
	seedCorpus(t, c)
	ctx := context.Background()

	hits, err := c.SearchHybrid(ctx, HybridParams{TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, hits, "no query and no vector yields no candidates")

	hits, err = c.SearchHybrid(ctx, HybridParams{Query: "alpha", Vector: []float32{1, 0}})
	require.NoError(t, err)
	assert.Empty(t, hits, "zero topK yields nothing")
}

func TestHybridDeletedChunksDoNotSurface(t *testing.T) {
	c := newTestCoordinator(t, 2)
	seedCorpus(t, c)
	ctx := context.Background()

	_, err := c.Delete(ctx, model.Filter{DocIDPrefix: "vec"})
	require.NoError(t, err)

	hits, err := c.SearchHybrid(ctx, HybridParams{
		Query:  "alpha",
		Vector: []float32{0, 1},
		TopK:   10,
	})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "vec", h.Chunk.DocID)
	}
}
