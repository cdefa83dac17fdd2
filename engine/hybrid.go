package engine

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/tyaso777/hybrid-search-go/hnsw"
	"github.com/tyaso777/hybrid-search-go/model"
	"github.com/tyaso777/hybrid-search-go/store"
)

// DefaultFetchFactor is how many times topK candidates each source
// contributes before fusion. Overfetching keeps recall up when the two
// sources disagree and the filter discards candidates.
const DefaultFetchFactor = 10

// HybridParams describes one hybrid query. Vector may be nil, in which
// case only the lexical source contributes (and vice versa for an empty
// Query). Zero weights default to an even 0.5/0.5 split.
type HybridParams struct {
	Query        string
	Vector       []float32
	TopK         int
	TextWeight   float32
	VectorWeight float32
	Mode         store.TokenMode
	Filter       model.Filter
	FetchFactor  int
}

// SearchHybrid fans out to the lexical and vector indexes, fuses the two
// candidate lists by weighted score, applies the record filter, and
// materializes the surviving records from the store.
//
// Lexical scores are min-max normalized within the batch; vector
// similarities are already in [0,1]. A chunk found by only one source
// scores zero from the other. Ties break by ascending chunk ID.
func (c *Coordinator) SearchHybrid(ctx context.Context, p HybridParams) ([]model.SearchHit, error) {
	if p.TopK < 1 {
		return nil, nil
	}
	wText, wVec := p.TextWeight, p.VectorWeight
	if wText == 0 && wVec == 0 {
		wText, wVec = 0.5, 0.5
	}
	fetchFactor := p.FetchFactor
	if fetchFactor < 1 {
		fetchFactor = DefaultFetchFactor
	}
	fetch := p.TopK * fetchFactor

	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		textMatches []store.Match
		vecResults  []hnsw.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	if p.Query != "" && wText > 0 {
		g.Go(func() error {
			var err error
			textMatches, err = c.store.SearchText(gctx, p.Query, fetch, p.Mode, model.Filter{})
			return err
		})
	}
	if p.Vector != nil && wVec > 0 {
		g.Go(func() error {
			var err error
			vecResults, err = c.vec.Search(p.Vector, fetch)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type fused struct {
		text  float32
		vec   float32
		score float32
	}
	candidates := make(map[string]*fused, len(textMatches)+len(vecResults))

	for id, norm := range normalizeLexical(textMatches) {
		candidates[id] = &fused{text: norm}
	}
	for _, r := range vecResults {
		f := candidates[r.ChunkID]
		if f == nil {
			f = &fused{}
			candidates[r.ChunkID] = f
		}
		f.vec = r.Similarity
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(candidates))
	for id, f := range candidates {
		f.score = wText*f.text + wVec*f.vec
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := candidates[ids[i]].score, candidates[ids[j]].score
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})

	// Filter and materialize in one pass over the store.
	records, err := c.store.GetMany(ctx, ids, p.Filter)
	if err != nil {
		return nil, err
	}

	hits := make([]model.SearchHit, 0, p.TopK)
	for _, id := range ids {
		rec, ok := records[id]
		if !ok {
			continue
		}
		f := candidates[id]
		hits = append(hits, model.SearchHit{
			Chunk:     rec,
			Score:     f.score,
			TextScore: f.text,
			VecScore:  f.vec,
		})
		if len(hits) == p.TopK {
			break
		}
	}
	return hits, nil
}

// SearchText runs a lexical-only query and materializes the matching
// records, preserving the store's ranking.
func (c *Coordinator) SearchText(ctx context.Context, query string, topK int, mode store.TokenMode, f model.Filter) ([]model.SearchHit, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	matches, err := c.store.SearchText(ctx, query, topK, mode, f)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ChunkID
	}
	records, err := c.store.GetMany(ctx, ids, model.Filter{})
	if err != nil {
		return nil, err
	}

	hits := make([]model.SearchHit, 0, len(matches))
	for _, m := range matches {
		rec, ok := records[m.ChunkID]
		if !ok {
			continue
		}
		hits = append(hits, model.SearchHit{Chunk: rec, Score: m.Score, TextScore: m.Score})
	}
	return hits, nil
}

// normalizeLexical rescales a batch of lexical scores to [0,1] with
// min-max normalization. A single match, or an all-equal batch, maps
// to 1.0.
func normalizeLexical(matches []store.Match) map[string]float32 {
	out := make(map[string]float32, len(matches))
	if len(matches) == 0 {
		return out
	}
	lo, hi := matches[0].Score, matches[0].Score
	for _, m := range matches[1:] {
		if m.Score < lo {
			lo = m.Score
		}
		if m.Score > hi {
			hi = m.Score
		}
	}
	if hi == lo {
		for _, m := range matches {
			out[m.ChunkID] = 1
		}
		return out
	}
	span := hi - lo
	for _, m := range matches {
		out[m.ChunkID] = (m.Score - lo) / span
	}
	return out
}
