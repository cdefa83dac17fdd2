// Package engine coordinates the record store and the vector index so
// multi-index updates keep a single, predictable consistency story: the
// record store (with its lexical shadow index) commits first and is the
// durability point; vector index maintenance is best-effort and reported
// through desync warnings rather than failing the operation. The vector
// index can always be rebuilt from the record store.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tyaso777/hybrid-search-go/hnsw"
	"github.com/tyaso777/hybrid-search-go/model"
	"github.com/tyaso777/hybrid-search-go/store"
)

// DefaultCompactionThreshold is the tombstone ratio above which the
// vector index is considered worth rebuilding.
const DefaultCompactionThreshold = 0.25

// VectorIndex is the slice of the ANN index the coordinator drives.
// *hnsw.Index satisfies it.
type VectorIndex interface {
	Insert(chunkID string, vector []float32) error
	Remove(chunkID string) bool
	Search(query []float32, k int) ([]hnsw.Result, error)
	Stats() hnsw.Stats
	Dimension() int
}

// DesyncWarning records a vector index maintenance failure for a chunk
// whose record mutation already committed. The stores have diverged for
// that chunk until the next successful re-ingest or rebuild.
type DesyncWarning struct {
	ChunkID string
	Op      string
	Err     error
}

func (w DesyncWarning) Error() string {
	return fmt.Sprintf("vector index desync on %s of %q: %v", w.Op, w.ChunkID, w.Err)
}

func (w DesyncWarning) Unwrap() error { return w.Err }

// IngestResult summarizes a committed ingest batch.
type IngestResult struct {
	Stored   int
	Indexed  int
	Warnings []DesyncWarning
}

// DeleteReport summarizes a filtered delete.
type DeleteReport struct {
	ChunkIDs      []string
	Deleted       int
	Batches       int
	VectorRemoved int
}

// Options configures a Coordinator.
type Options struct {
	// DeleteBatchSize bounds rows per delete transaction.
	DeleteBatchSize int

	// CompactionThreshold is the tombstone ratio above which
	// NeedsCompaction reports true.
	CompactionThreshold float64

	// Logger receives structured operational logs. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// NewVectorIndex builds a replacement index during rebuilds.
	// Defaults to a fresh HNSW index with the same options as the
	// one the coordinator was constructed with.
	NewVectorIndex func() (VectorIndex, error)
}

// Coordinator owns the write path across the record store and the
// vector index. Reads take a shared lock; RebuildVectorIndex takes the
// exclusive lock, so queries and writes block for the duration of a
// rebuild rather than observing a half-built index.
type Coordinator struct {
	store  *store.Store
	opts   Options
	logger *slog.Logger

	mu  sync.RWMutex
	vec VectorIndex
}

// New wires a coordinator over an opened store and vector index.
func New(s *store.Store, vec VectorIndex, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		DeleteBatchSize:     store.DefaultDeleteBatchSize,
		CompactionThreshold: DefaultCompactionThreshold,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewVectorIndex == nil {
		if idx, ok := vec.(*hnsw.Index); ok {
			idxOpts := idx.Options()
			opts.NewVectorIndex = func() (VectorIndex, error) {
				return hnsw.New(func(o *hnsw.Options) { *o = idxOpts })
			}
		}
	}
	return &Coordinator{store: s, opts: opts, logger: opts.Logger, vec: vec}
}

// Store exposes the underlying record store for read paths that do not
// need coordination (lexical search, lookups).
func (c *Coordinator) Store() *store.Store { return c.store }

// Ingest persists a batch of records and their vectors. The record
// store commit is the durability point; if it fails nothing is applied.
// Vector insertions happen after the commit and individual failures are
// reported as warnings, not errors.
func (c *Coordinator) Ingest(ctx context.Context, records []model.ChunkRecord, vectors map[string][]float32) (IngestResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stored, err := c.store.Upsert(ctx, records, vectors)
	if err != nil {
		return IngestResult{}, err
	}

	res := IngestResult{Stored: stored}
	for i := range records {
		id := records[i].ChunkID
		vec, ok := vectors[id]
		if !ok {
			continue
		}
		if err := c.vec.Insert(id, vec); err != nil {
			w := DesyncWarning{ChunkID: id, Op: "insert", Err: err}
			res.Warnings = append(res.Warnings, w)
			c.logger.WarnContext(ctx, "vector index desync",
				"chunk_id", id, "op", "insert", "error", err)
			continue
		}
		res.Indexed++
	}

	c.logger.DebugContext(ctx, "ingest committed",
		"stored", res.Stored, "indexed", res.Indexed, "warnings", len(res.Warnings))
	return res, nil
}

// Delete removes every record matching the filter and tombstones the
// corresponding vectors. Record deletion is authoritative; a chunk whose
// vector was never indexed just counts as zero removals.
func (c *Coordinator) Delete(ctx context.Context, f model.Filter, optBatchSize ...int) (DeleteReport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	batchSize := c.opts.DeleteBatchSize
	if len(optBatchSize) > 0 && optBatchSize[0] > 0 {
		batchSize = optBatchSize[0]
	}

	ids, batches, err := c.store.DeleteByFilter(ctx, f, batchSize)
	report := DeleteReport{ChunkIDs: ids, Deleted: len(ids), Batches: batches}
	for _, id := range ids {
		if c.vec.Remove(id) {
			report.VectorRemoved++
		}
	}
	if err != nil {
		return report, err
	}

	c.logger.InfoContext(ctx, "delete completed",
		"deleted", report.Deleted, "batches", report.Batches, "vector_removed", report.VectorRemoved)
	return report, nil
}

// SearchVector runs an ANN query against the vector index.
func (c *Coordinator) SearchVector(ctx context.Context, query []float32, k int) ([]hnsw.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vec.Search(query, k)
}

// Counts reports per-index cardinalities for diagnostics. Matching
// chunk and FTS counts plus a live vector count equal to the chunk
// count means the indexes are in sync.
func (c *Coordinator) Counts(ctx context.Context) (model.Counts, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chunks, fts, err := c.store.Counts(ctx)
	if err != nil {
		return model.Counts{}, err
	}
	stats := c.vec.Stats()
	return model.Counts{
		Chunks:           chunks,
		FTS:              fts,
		VectorLive:       int64(stats.Live),
		VectorTombstones: int64(stats.Tombstones),
	}, nil
}

// NeedsCompaction reports whether tombstones have accumulated past the
// configured threshold and a rebuild would pay off. Advisory only.
func (c *Coordinator) NeedsCompaction() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vec.Stats().TombstoneRatio() >= c.opts.CompactionThreshold
}

// RebuildVectorIndex reconstructs the vector index from the record
// store, dropping tombstones and re-indexing every stored vector. It
// holds the exclusive lock for the duration; the old index stays in
// place if the rebuild fails. Returns the number of vectors indexed.
func (c *Coordinator) RebuildVectorIndex(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.NewVectorIndex == nil {
		return 0, fmt.Errorf("engine: no vector index factory configured")
	}
	fresh, err := c.opts.NewVectorIndex()
	if err != nil {
		return 0, err
	}

	indexed := 0
	err = c.store.IterRecords(ctx, func(rec model.ChunkRecord, vector []float32) error {
		if vector == nil {
			return nil
		}
		if err := fresh.Insert(rec.ChunkID, vector); err != nil {
			return fmt.Errorf("reindex %q: %w", rec.ChunkID, err)
		}
		indexed++
		return nil
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "vector index rebuild failed", "error", err)
		return 0, err
	}

	c.vec = fresh
	c.logger.InfoContext(ctx, "vector index rebuilt", "indexed", indexed)
	return indexed, nil
}

// RebuildFTS resynchronizes the lexical shadow index from the chunks
// table.
func (c *Coordinator) RebuildFTS(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.RebuildFTS(ctx)
}
