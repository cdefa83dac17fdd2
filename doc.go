// Package hybridsearch provides an embedded hybrid retrieval engine:
// chunked documents live in a SQLite record store with an FTS5 lexical
// index maintained in-transaction, alongside an in-memory HNSW vector
// index for semantic search. Queries fuse both relevance signals with
// configurable weights.
//
// The record store is the source of truth. Lexical index updates commit
// with the record transaction; vector index updates are best-effort and
// any divergence is reported as warnings and healed by rebuilding the
// index from the store.
//
// Basic usage:
//
//	ctx := context.Background()
//	cfg := config.Default()
//	cfg.Store.Path = "search.db"
//	cfg.Index.Dimension = 768
//
//	svc, err := hybridsearch.Open(ctx, cfg,
//	    hybridsearch.WithEmbedder(embedder.NewOllama(embedder.OllamaConfig{})),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	docID, _, err := svc.IngestText(ctx, "the quick brown fox")
//	hits, err := svc.SearchHybrid(ctx, "fast fox",
//	    hybridsearch.WithTopK(5),
//	    hybridsearch.WithWeights(0.4, 0.6),
//	)
package hybridsearch
