package hybridsearch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hybridsearch "github.com/tyaso777/hybrid-search-go"
	"github.com/tyaso777/hybrid-search-go/blobstore"
	"github.com/tyaso777/hybrid-search-go/config"
	"github.com/tyaso777/hybrid-search-go/engine"
	"github.com/tyaso777/hybrid-search-go/model"
	"github.com/tyaso777/hybrid-search-go/testutil"
)

const testDim = 32

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Index.Dimension = testDim
	return cfg
}

func openService(t *testing.T, optFns ...func(o *hybridsearch.Options)) *hybridsearch.Service {
	t.Helper()
	optFns = append([]func(o *hybridsearch.Options){
		hybridsearch.WithLogger(hybridsearch.NoopLogger()),
		hybridsearch.WithEmbedder(testutil.NewStubEmbedder(testDim)),
	}, optFns...)
	svc, err := hybridsearch.Open(context.Background(), testConfig(t), optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func TestIngestAndSearchRoundTrip(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()

	_, res, err := svc.IngestText(ctx, "the quick brown fox jumps over the lazy dog")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, 1, res.Indexed)
	assert.Empty(t, res.Warnings)

	hits, err := svc.SearchText(ctx, "quick fox")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Chunk.Text, "quick brown fox")
	assert.Equal(t, hybridsearch.SourceURIUserInput, hits[0].Chunk.SourceURI)

	hits, err = svc.SearchHybrid(ctx, "quick fox")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Greater(t, hits[0].VecScore, float32(0.5), "identical tokens embed nearby")
}

func TestIngestChunksFillsDefaults(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()

	res, err := svc.IngestChunks(ctx, []model.ChunkRecord{{
		DocID:   "manual",
		ChunkID: "manual#0",
		Text:    "hand-built record",
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)

	hits, err := svc.SearchText(ctx, "hand-built")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.SchemaMajor, hits[0].Chunk.SchemaVersion)
	assert.NotEmpty(t, hits[0].Chunk.ExtractedAt)
}

func TestIngestChunksLeavesCallerSliceAlone(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()

	records := []model.ChunkRecord{{
		DocID:   "manual",
		ChunkID: "manual#0",
		Text:    "hand-built record",
	}}
	_, err := svc.IngestChunks(ctx, records)
	require.NoError(t, err)

	// Defaults are backfilled on an internal copy, not the input.
	assert.Zero(t, records[0].SchemaVersion)
	assert.Empty(t, records[0].ExtractedAt)
}

func TestIngestFileRequiresChunker(t *testing.T) {
	svc := openService(t)
	_, _, err := svc.IngestFile(context.Background(), "somewhere.txt")
	assert.ErrorIs(t, err, hybridsearch.ErrNoChunker)
}

// paragraphChunker splits on blank lines.
type paragraphChunker struct{}

func (paragraphChunker) Chunk(_ context.Context, docID, sourceURI, text string) ([]model.ChunkRecord, error) {
	var records []model.ChunkRecord
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		records = append(records, model.ChunkRecord{Text: para})
	}
	return records, nil
}

func TestIngestFileChunksAndIsStable(t *testing.T) {
	svc := openService(t, hybridsearch.WithChunker(paragraphChunker{}))
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("first paragraph\n\nsecond paragraph\n"), 0o644))

	docID, res, err := svc.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)

	// Same file maps to the same document, so re-ingest replaces.
	docID2, res, err := svc.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, docID, docID2)
	assert.Equal(t, 2, res.Stored)

	counts, err := svc.RepoCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Chunks)

	hits, err := svc.SearchText(ctx, "second")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, docID+"#1", hits[0].Chunk.ChunkID)
	assert.True(t, strings.HasPrefix(hits[0].Chunk.SourceURI, "file://"))
}

func TestEmbedderFailureWritesNothing(t *testing.T) {
	emb := testutil.NewStubEmbedder(testDim)
	svc := openService(t, hybridsearch.WithEmbedder(emb))
	ctx := context.Background()

	emb.Fail = errors.New("provider down")
	_, _, err := svc.IngestText(ctx, "doomed text")
	require.Error(t, err)

	counts, err := svc.RepoCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Chunks, "embedding failures abort before any write")
}

func TestDeleteByFilter(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()

	_, err := svc.IngestChunks(ctx, []model.ChunkRecord{
		{DocID: "keep", ChunkID: "keep#0", Text: "hello there"},
		{DocID: "drop", ChunkID: "drop#0", Text: "goodbye now"},
		{DocID: "drop", ChunkID: "drop#1", Text: "goodbye again"},
	})
	require.NoError(t, err)

	report, err := svc.DeleteByFilter(ctx, model.Filter{DocIDPrefix: "drop"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Deleted)
	assert.Equal(t, 2, report.VectorRemoved)

	hits, err := svc.SearchHybrid(ctx, "goodbye")
	require.NoError(t, err)
	assert.Empty(t, hits)

	counts, err := svc.RepoCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Chunks)
	assert.Equal(t, int64(1), counts.FTS)
	assert.Equal(t, int64(2), counts.VectorTombstones)

	indexed, err := svc.RebuildVectorIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, indexed)
	counts, err = svc.RepoCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.VectorTombstones)
}

func TestLexicalOnlyServiceDegradesHybrid(t *testing.T) {
	cfg := testConfig(t)
	svc, err := hybridsearch.Open(context.Background(), cfg,
		hybridsearch.WithLogger(hybridsearch.NoopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	ctx := context.Background()

	_, _, err = svc.IngestText(ctx, "plain lexical record")
	require.NoError(t, err)

	hits, err := svc.SearchHybrid(ctx, "lexical")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Zero(t, hits[0].VecScore, "no embedder means no semantic signal")
}

func TestSnapshotPersistsAcrossOpens(t *testing.T) {
	blobs := blobstore.NewMemoryStore()
	cfg := testConfig(t)
	ctx := context.Background()

	svc, err := hybridsearch.Open(ctx, cfg,
		hybridsearch.WithLogger(hybridsearch.NoopLogger()),
		hybridsearch.WithEmbedder(testutil.NewStubEmbedder(testDim)),
		hybridsearch.WithBlobStore(blobs))
	require.NoError(t, err)

	_, _, err = svc.IngestText(ctx, "persisted content")
	require.NoError(t, err)
	require.NoError(t, svc.Close(ctx))

	names, err := blobs.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{hybridsearch.SnapshotName}, names)

	// Reopen against the same database and snapshot store.
	svc, err = hybridsearch.Open(ctx, cfg,
		hybridsearch.WithLogger(hybridsearch.NoopLogger()),
		hybridsearch.WithEmbedder(testutil.NewStubEmbedder(testDim)),
		hybridsearch.WithBlobStore(blobs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(ctx) })

	counts, err := svc.RepoCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.VectorLive)
}

func TestReopenRebuildsVectorIndexFromStore(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	svc, err := hybridsearch.Open(ctx, cfg,
		hybridsearch.WithLogger(hybridsearch.NoopLogger()),
		hybridsearch.WithEmbedder(testutil.NewStubEmbedder(testDim)))
	require.NoError(t, err)
	_, _, err = svc.IngestText(ctx, "rebuilt from the record store")
	require.NoError(t, err)
	require.NoError(t, svc.Close(ctx))

	// No snapshot store configured, so reopening rebuilds from SQLite.
	svc, err = hybridsearch.Open(ctx, cfg,
		hybridsearch.WithLogger(hybridsearch.NoopLogger()),
		hybridsearch.WithEmbedder(testutil.NewStubEmbedder(testDim)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(ctx) })

	counts, err := svc.RepoCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.VectorLive)

	hits, err := svc.SearchHybrid(ctx, "record store")
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestSaveSnapshotWithoutBlobStore(t *testing.T) {
	svc := openService(t)
	var capErr *engine.CapabilityError
	assert.ErrorAs(t, svc.SaveSnapshot(context.Background()), &capErr)
}

func TestDimensionMismatchBetweenConfigAndEmbedder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index.Dimension = 8
	_, err := hybridsearch.Open(context.Background(), cfg,
		hybridsearch.WithEmbedder(testutil.NewStubEmbedder(16)))
	require.Error(t, err)
}
