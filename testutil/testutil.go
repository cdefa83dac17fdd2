// Package testutil provides deterministic fixtures for tests: seeded
// random vectors and a hash-based stub embedder that needs no network.
package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"

	"github.com/tyaso777/hybrid-search-go/embedder"
)

// RandomVectors returns n seeded unit vectors of the given dimension.
func RandomVectors(dim, n int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		var norm float64
		for j := range v {
			v[j] = float32(rng.NormFloat64())
			norm += float64(v[j]) * float64(v[j])
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for j := range v {
				v[j] = float32(float64(v[j]) / norm)
			}
		}
		out[i] = v
	}
	return out
}

// StubEmbedder embeds text by hashing tokens into buckets, so equal
// texts embed identically and overlapping texts embed nearby. It never
// fails and needs no server.
type StubEmbedder struct {
	Dim  int
	Fail error // when set, every call returns this error
}

var _ embedder.Embedder = (*StubEmbedder)(nil)

// NewStubEmbedder creates a stub embedder with the given dimension.
func NewStubEmbedder(dim int) *StubEmbedder {
	return &StubEmbedder{Dim: dim}
}

// Info reports the stub model.
func (s *StubEmbedder) Info() embedder.Info {
	return embedder.Info{Model: "stub", Dimension: s.Dim}
}

// Embed hashes each token into a bucket and L2-normalizes the result.
func (s *StubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.Fail != nil {
		return nil, s.Fail
	}
	v := make([]float32, s.Dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[int(h.Sum32())%s.Dim]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] = float32(float64(v[i]) / norm)
		}
	} else {
		v[0] = 1
	}
	return v, nil
}

// EmbedBatch embeds each text in order.
func (s *StubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
