package hybridsearch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tyaso777/hybrid-search-go/blobstore"
	"github.com/tyaso777/hybrid-search-go/config"
	"github.com/tyaso777/hybrid-search-go/embedder"
	"github.com/tyaso777/hybrid-search-go/engine"
	"github.com/tyaso777/hybrid-search-go/hnsw"
	"github.com/tyaso777/hybrid-search-go/model"
	"github.com/tyaso777/hybrid-search-go/store"
)

// SourceURIUserInput marks text ingested directly rather than extracted
// from a file.
const SourceURIUserInput = "user://input"

// SnapshotName is the blob name used for vector index snapshots.
const SnapshotName = "vector-index.snap"

// ErrNoChunker is returned by ingest operations that need a chunker
// when none is configured.
var ErrNoChunker = errors.New("hybridsearch: no chunker configured")

// Service is the top-level orchestration API: it owns the record store,
// the vector index coordinator, and the optional embedder, chunker and
// snapshot storage around them.
type Service struct {
	cfg    config.Config
	coord  *engine.Coordinator
	store  *store.Store
	emb    embedder.Embedder
	chunk  Chunker
	blobs  blobstore.BlobStore
	codec  hnsw.Codec
	logger *Logger
}

// Open builds a Service from cfg. If snapshot storage is configured and
// holds a snapshot, the vector index is restored from it; otherwise the
// index is rebuilt from the record store, so an opened service always
// serves every stored vector.
func Open(ctx context.Context, cfg config.Config, optFns ...func(o *Options)) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = NewLogger(nil)
	}

	dim := cfg.Index.Dimension
	if opts.Embedder != nil {
		if embDim := opts.Embedder.Info().Dimension; embDim > 0 && embDim != dim {
			return nil, fmt.Errorf("hybridsearch: index dimension %d does not match embedder dimension %d", dim, embDim)
		}
	}

	s, err := store.Open(cfg.Store.Path, func(o *store.Options) {
		o.AllowEmptyText = cfg.Store.AllowEmptyText
	})
	if err != nil {
		return nil, err
	}

	idx, err := hnsw.New(func(o *hnsw.Options) {
		o.Dimension = dim
		o.M = cfg.Index.M
		o.EFConstruction = cfg.Index.EFConstruction
		o.EFSearch = cfg.Index.EFSearch
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	svc := &Service{
		cfg:    cfg,
		store:  s,
		coord:  engine.New(s, idx, func(o *engine.Options) { o.Logger = opts.Logger.Logger }),
		emb:    opts.Embedder,
		chunk:  opts.Chunker,
		blobs:  opts.Blobs,
		codec:  codecFromString(cfg.Snapshot.Codec),
		logger: opts.Logger,
	}

	if err := svc.warmVectorIndex(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return svc, nil
}

// warmVectorIndex restores the vector index from a snapshot when one is
// available, falling back to a rebuild from the record store.
func (s *Service) warmVectorIndex(ctx context.Context) error {
	if s.blobs != nil {
		rc, err := s.blobs.Open(ctx, SnapshotName)
		switch {
		case err == nil:
			restoreErr := s.coord.RestoreVectorSnapshot(rc)
			_ = rc.Close()
			if restoreErr == nil {
				s.logger.LogSnapshot(ctx, "restore", SnapshotName, nil)
				return nil
			}
			// A stale or mismatched snapshot is not fatal; the record
			// store can always rebuild the index.
			s.logger.LogSnapshot(ctx, "restore", SnapshotName, restoreErr)
		case !errors.Is(err, blobstore.ErrNotFound):
			return err
		}
	}
	indexed, err := s.coord.RebuildVectorIndex(ctx)
	s.logger.LogRebuild(ctx, indexed, err)
	return err
}

// Close releases the service. If snapshot storage is configured the
// current vector index is snapshotted first so the next open skips the
// rebuild.
func (s *Service) Close(ctx context.Context) error {
	if s.blobs != nil {
		if err := s.SaveSnapshot(ctx); err != nil {
			s.logger.LogSnapshot(ctx, "save", SnapshotName, err)
		}
	}
	return s.store.Close()
}

// IngestChunks embeds and persists caller-prepared chunk records. With
// no embedder configured the records are stored without vectors and
// served by lexical search only. Embedding failures abort the batch
// before anything is written.
func (s *Service) IngestChunks(ctx context.Context, records []model.ChunkRecord) (engine.IngestResult, error) {
	if len(records) == 0 {
		return engine.IngestResult{}, nil
	}
	// Backfill defaults on a copy so the caller's slice stays untouched.
	records = append([]model.ChunkRecord(nil), records...)
	for i := range records {
		if records[i].SchemaVersion == 0 {
			records[i].SchemaVersion = model.SchemaMajor
		}
		if records[i].ExtractedAt == "" {
			records[i].ExtractedAt = time.Now().UTC().Format(time.RFC3339)
		}
	}

	var vectors map[string][]float32
	if s.emb != nil {
		texts := make([]string, len(records))
		for i := range records {
			texts[i] = records[i].Text
		}
		embedded, err := s.emb.EmbedBatch(ctx, texts)
		if err != nil {
			return engine.IngestResult{}, err
		}
		vectors = make(map[string][]float32, len(records))
		for i := range records {
			vectors[records[i].ChunkID] = embedded[i]
		}
	}

	res, err := s.coord.Ingest(ctx, records, vectors)
	if err != nil {
		return res, err
	}
	docID := ""
	if len(records) > 0 {
		docID = records[0].DocID
	}
	s.logger.LogIngest(ctx, docID, res.Stored, res.Indexed, len(res.Warnings))
	return res, nil
}

// IngestText ingests raw text under a fresh document ID and returns it.
// A configured chunker controls the split; without one the whole text
// becomes a single chunk.
func (s *Service) IngestText(ctx context.Context, text string) (string, engine.IngestResult, error) {
	docID := uuid.NewString()
	records, err := s.chunkOrWhole(ctx, docID, SourceURIUserInput, text)
	if err != nil {
		return "", engine.IngestResult{}, err
	}
	res, err := s.IngestChunks(ctx, records)
	return docID, res, err
}

// IngestFile reads, chunks, embeds and persists a file. A chunker is
// required; the document ID is derived from the file name so that
// re-ingesting the same file replaces its chunks.
func (s *Service) IngestFile(ctx context.Context, path string) (string, engine.IngestResult, error) {
	if s.chunk == nil {
		return "", engine.IngestResult{}, ErrNoChunker
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", engine.IngestResult{}, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return "", engine.IngestResult{}, err
	}

	docID := docIDForFile(abs)
	sourceURI := "file://" + filepath.ToSlash(abs)
	records, err := s.chunk.Chunk(ctx, docID, sourceURI, string(content))
	if err != nil {
		return "", engine.IngestResult{}, err
	}
	fillChunkIdentity(records, docID, sourceURI)
	res, err := s.IngestChunks(ctx, records)
	return docID, res, err
}

func (s *Service) chunkOrWhole(ctx context.Context, docID, sourceURI, text string) ([]model.ChunkRecord, error) {
	if s.chunk != nil {
		records, err := s.chunk.Chunk(ctx, docID, sourceURI, text)
		if err != nil {
			return nil, err
		}
		fillChunkIdentity(records, docID, sourceURI)
		return records, nil
	}
	return []model.ChunkRecord{{
		SchemaVersion: model.SchemaMajor,
		DocID:         docID,
		ChunkID:       docID + "#0",
		SourceURI:     sourceURI,
		Text:          text,
	}}, nil
}

// fillChunkIdentity backfills identity fields a chunker left empty.
func fillChunkIdentity(records []model.ChunkRecord, docID, sourceURI string) {
	for i := range records {
		if records[i].DocID == "" {
			records[i].DocID = docID
		}
		if records[i].ChunkID == "" {
			records[i].ChunkID = fmt.Sprintf("%s#%d", records[i].DocID, i)
		}
		if records[i].SourceURI == "" {
			records[i].SourceURI = sourceURI
		}
	}
}

// docIDForFile derives a stable document ID from the file path, so the
// same file always maps to the same document.
func docIDForFile(abs string) string {
	base := filepath.Base(abs)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	return base + "-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)).String()[:8]
}

// SearchText runs a lexical-only query.
func (s *Service) SearchText(ctx context.Context, query string, optFns ...func(o *SearchOptions)) ([]model.SearchHit, error) {
	opts := s.searchOptions(optFns)
	hits, err := s.coord.SearchText(ctx, query, opts.TopK, opts.Mode, opts.Filter)
	s.logger.LogSearch(ctx, "text", opts.TopK, len(hits), err)
	return hits, err
}

// SearchHybrid fuses lexical and semantic relevance for query. The
// query embedding comes from WithQueryVector when given, otherwise from
// the configured embedder; with neither available the search degrades
// to lexical-only scoring.
func (s *Service) SearchHybrid(ctx context.Context, query string, optFns ...func(o *SearchOptions)) ([]model.SearchHit, error) {
	opts := s.searchOptions(optFns)

	vector := opts.Vector
	if vector == nil && s.emb != nil && opts.VectorWeight > 0 {
		v, err := s.emb.Embed(ctx, query)
		if err != nil {
			s.logger.LogSearch(ctx, "hybrid", opts.TopK, 0, err)
			return nil, err
		}
		vector = v
	}

	hits, err := s.coord.SearchHybrid(ctx, engine.HybridParams{
		Query:        query,
		Vector:       vector,
		TopK:         opts.TopK,
		TextWeight:   opts.TextWeight,
		VectorWeight: opts.VectorWeight,
		Mode:         opts.Mode,
		Filter:       opts.Filter,
		FetchFactor:  opts.FetchFactor,
	})
	s.logger.LogSearch(ctx, "hybrid", opts.TopK, len(hits), err)
	return hits, err
}

func (s *Service) searchOptions(optFns []func(o *SearchOptions)) SearchOptions {
	opts := SearchOptions{
		TopK:         s.cfg.Search.TopK,
		TextWeight:   s.cfg.Search.TextWeight,
		VectorWeight: s.cfg.Search.VectorWeight,
		FetchFactor:  s.cfg.Search.FetchFactor,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// DeleteByFilter removes every record matching f across all indexes.
func (s *Service) DeleteByFilter(ctx context.Context, f model.Filter) (engine.DeleteReport, error) {
	report, err := s.coord.Delete(ctx, f)
	if err != nil {
		return report, err
	}
	s.logger.LogDelete(ctx, report.Deleted, report.Batches, report.VectorRemoved)
	return report, nil
}

// RepoCounts reports per-index cardinalities for diagnostics.
func (s *Service) RepoCounts(ctx context.Context) (model.Counts, error) {
	return s.coord.Counts(ctx)
}

// Ranked reports whether lexical search returns real relevance scores.
func (s *Service) Ranked() bool { return s.store.Ranked() }

// NeedsCompaction reports whether a vector index rebuild would pay off.
func (s *Service) NeedsCompaction() bool { return s.coord.NeedsCompaction() }

// RebuildVectorIndex reconstructs the vector index from the record
// store, dropping accumulated tombstones.
func (s *Service) RebuildVectorIndex(ctx context.Context) (int, error) {
	indexed, err := s.coord.RebuildVectorIndex(ctx)
	s.logger.LogRebuild(ctx, indexed, err)
	return indexed, err
}

// RebuildFTS resynchronizes the lexical index from the record store.
func (s *Service) RebuildFTS(ctx context.Context) error {
	return s.coord.RebuildFTS(ctx)
}

// SaveSnapshot writes the vector index snapshot to blob storage.
func (s *Service) SaveSnapshot(ctx context.Context) error {
	if s.blobs == nil {
		return &engine.CapabilityError{Capability: "snapshot storage"}
	}
	var buf bytes.Buffer
	if err := s.coord.WriteVectorSnapshot(&buf, s.codec); err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, SnapshotName, &buf); err != nil {
		return err
	}
	s.logger.LogSnapshot(ctx, "save", SnapshotName, nil)
	return nil
}

func codecFromString(name string) hnsw.Codec {
	switch name {
	case "raw":
		return hnsw.CodecRaw
	case "lz4":
		return hnsw.CodecLZ4
	default:
		return hnsw.CodecZstd
	}
}
