package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyaso777/hybrid-search-go/hnsw"
	"github.com/tyaso777/hybrid-search-go/model"
)

func TestVectorSnapshotRoundTrip(t *testing.T) {
	c := newTestCoordinator(t, 2)
	ctx := context.Background()

	_, err := c.Ingest(ctx, []model.ChunkRecord{
		chunk("doc1", "doc1#0", "hello"),
		chunk("doc1", "doc1#1", "world"),
	}, map[string][]float32{
		"doc1#0": {1, 0},
		"doc1#1": {0, 1},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.WriteVectorSnapshot(&buf, hnsw.CodecZstd))

	// Tombstone one vector, then restore the earlier state.
	_, err = c.Delete(ctx, model.Filter{DocIDPrefix: "doc1"})
	require.NoError(t, err)
	counts, err := c.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts.VectorLive)

	require.NoError(t, c.RestoreVectorSnapshot(&buf))
	counts, err = c.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.VectorLive)

	results, err := c.SearchVector(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc1#0", results[0].ChunkID)
}

func TestRestoreRejectsGarbageAndKeepsIndex(t *testing.T) {
	c := newTestCoordinator(t, 2)
	ctx := context.Background()

	_, err := c.Ingest(ctx, []model.ChunkRecord{chunk("doc1", "doc1#0", "hello")},
		map[string][]float32{"doc1#0": {1, 0}})
	require.NoError(t, err)

	err = c.RestoreVectorSnapshot(bytes.NewReader([]byte("not a snapshot")))
	require.Error(t, err)

	results, err := c.SearchVector(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1, "failed restore leaves the index untouched")
}
