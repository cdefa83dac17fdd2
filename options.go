package hybridsearch

import (
	"context"

	"github.com/tyaso777/hybrid-search-go/blobstore"
	"github.com/tyaso777/hybrid-search-go/embedder"
	"github.com/tyaso777/hybrid-search-go/model"
	"github.com/tyaso777/hybrid-search-go/store"
)

// Chunker splits extracted text into chunk records. Implementations own
// the splitting policy (sentence, paragraph, token window); the service
// fills in document identity and schema fields afterwards.
type Chunker interface {
	Chunk(ctx context.Context, docID, sourceURI, text string) ([]model.ChunkRecord, error)
}

// Options configures a Service beyond what the config file covers.
type Options struct {
	// Embedder provides query and document embeddings. Without one the
	// service runs lexical-only.
	Embedder embedder.Embedder

	// Chunker splits file and text input into chunks. Required for
	// IngestFile; IngestText falls back to one chunk per call.
	Chunker Chunker

	// Blobs stores vector index snapshots. Without one the index is
	// rebuilt from the record store on every open.
	Blobs blobstore.BlobStore

	// Logger receives structured operational logs.
	Logger *Logger
}

// WithEmbedder wires an embedding provider.
func WithEmbedder(e embedder.Embedder) func(o *Options) {
	return func(o *Options) { o.Embedder = e }
}

// WithChunker wires a text chunker.
func WithChunker(c Chunker) func(o *Options) {
	return func(o *Options) { o.Chunker = c }
}

// WithBlobStore wires snapshot storage.
func WithBlobStore(b blobstore.BlobStore) func(o *Options) {
	return func(o *Options) { o.Blobs = b }
}

// WithLogger overrides the default logger.
func WithLogger(l *Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// SearchOptions tunes a single query. Zero values fall back to the
// service's configured search defaults.
type SearchOptions struct {
	TopK         int
	TextWeight   float32
	VectorWeight float32
	Mode         store.TokenMode
	Filter       model.Filter
	FetchFactor  int

	// Vector supplies a precomputed query embedding, bypassing the
	// embedder.
	Vector []float32
}

// WithTopK sets the result count.
func WithTopK(k int) func(o *SearchOptions) {
	return func(o *SearchOptions) { o.TopK = k }
}

// WithWeights sets the lexical and semantic fusion weights.
func WithWeights(text, vector float32) func(o *SearchOptions) {
	return func(o *SearchOptions) {
		o.TextWeight = text
		o.VectorWeight = vector
	}
}

// WithTokenMode sets how query tokens combine in the lexical source.
func WithTokenMode(m store.TokenMode) func(o *SearchOptions) {
	return func(o *SearchOptions) { o.Mode = m }
}

// WithFilter restricts results to records matching f.
func WithFilter(f model.Filter) func(o *SearchOptions) {
	return func(o *SearchOptions) { o.Filter = f }
}

// WithQueryVector supplies a precomputed query embedding.
func WithQueryVector(v []float32) func(o *SearchOptions) {
	return func(o *SearchOptions) { o.Vector = v }
}
