// Package hnsw implements the Hierarchical Navigable Small World graph used
// as the approximate nearest neighbor index over chunk embeddings.
//
// Nodes are keyed by chunk ID. Deletion is logical: removed nodes are
// tombstoned (excluded from results, kept in the graph for navigation) and
// physically reclaimed only when the index is rebuilt from the record
// store. The whole graph is persisted as a versioned snapshot (see
// snapshot.go).
package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tyaso777/hybrid-search-go/distance"
	"github.com/tyaso777/hybrid-search-go/internal/queue"
)

const (
	// DefaultM is the default number of bidirectional links per node per
	// layer. Higher M improves recall on high-dimensional data at the
	// cost of memory and build time.
	DefaultM = 16

	// DefaultEFConstruction is the default candidate list size during
	// insertion. Larger values build a better graph, slower.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default candidate list size at query time.
	// Larger values improve recall, slower queries.
	DefaultEFSearch = 100

	// minimumM avoids a division by zero in the level multiplier.
	minimumM = 2

	// mmax0Multiplier sets the layer-0 connection budget relative to M.
	mmax0Multiplier = 2
)

// ErrDimensionMismatch reports a vector whose length disagrees with the
// configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Options configures the index.
type Options struct {
	// Dimension is the required vector length. Must be > 0.
	Dimension int

	// M is the maximum number of connections per node per layer
	// (layer 0 gets 2*M).
	M int

	// EFConstruction is the beam width during insertion.
	EFConstruction int

	// EFSearch is the beam width at query time. Raised to k when k is
	// larger.
	EFSearch int

	// RandomSeed fixes the layer-assignment RNG for reproducible graphs.
	// Nil seeds from the clock.
	RandomSeed *int64
}

// DefaultOptions are the options applied before user overrides.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
}

// Result is one nearest-neighbor match.
type Result struct {
	ChunkID string

	// Similarity is the cosine similarity mapped to [0, 1] via
	// (cos + 1) / 2, ready for score fusion.
	Similarity float32
}

type node struct {
	chunkID string
	vector  []float32 // L2-normalized
	level   int
	conns   [][]uint32 // adjacency per layer, 0..level
}

// Index is the in-memory HNSW graph.
//
// Reads (Search, Stats, Contains) may run concurrently; mutations
// (Insert, Remove) are exclusive. Rebuilds happen outside this type: the
// coordinator builds a fresh Index and swaps it in.
type Index struct {
	mu sync.RWMutex

	opts  Options
	mmax  int
	mmax0 int
	ml    float64

	rng *rand.Rand

	nodes      []*node // internal id = slice position
	byChunk    map[string]uint32
	tombstones *roaring.Bitmap

	entryPoint uint32
	maxLevel   int
	live       int
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultEFConstruction
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Index{
		opts:       opts,
		mmax:       opts.M,
		mmax0:      mmax0Multiplier * opts.M,
		ml:         1 / math.Log(float64(opts.M)),
		rng:        rng,
		byChunk:    make(map[string]uint32),
		tombstones: roaring.New(),
	}, nil
}

// Options returns the configuration the index was built with.
func (h *Index) Options() Options { return h.opts }

// Dimension returns the configured vector length.
func (h *Index) Dimension() int { return h.opts.Dimension }

// Len returns the number of live (non-tombstoned) nodes.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Contains reports whether chunkID is live in the index.
func (h *Index) Contains(chunkID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.byChunk[chunkID]
	return ok && !h.tombstones.Contains(id)
}

// cosine distance between normalized vectors; monotone inverse of cosine
// similarity, so nearest-by-distance is highest-by-similarity.
func (h *Index) dist(a, b []float32) float32 {
	return 1 - distance.Dot(a, b)
}

// Insert adds a vector under chunkID. If the key is already live, the old
// node is tombstoned first: HNSW does not support in-place vector updates,
// so upsert is remove-then-reinsert.
func (h *Index) Insert(chunkID string, v []float32) error {
	if len(v) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
	}

	vec, ok := distance.NormalizeL2Copy(v)
	if !ok {
		return fmt.Errorf("hnsw: cannot index zero vector for chunk %q", chunkID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, exists := h.byChunk[chunkID]; exists && !h.tombstones.Contains(old) {
		h.tombstones.Add(old)
		h.live--
	}

	id := uint32(len(h.nodes))
	level := int(math.Floor(-math.Log(h.rng.Float64()) * h.ml))

	n := &node{
		chunkID: chunkID,
		vector:  vec,
		level:   level,
		conns:   make([][]uint32, level+1),
	}
	h.nodes = append(h.nodes, n)
	h.byChunk[chunkID] = id
	h.live++

	// First node becomes the entry point.
	if len(h.nodes) == 1 {
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	currID := h.entryPoint
	currDist := h.dist(vec, h.nodes[currID].vector)

	// Greedy descent through layers above the new node's top layer.
	for lv := h.maxLevel; lv > level; lv-- {
		currID, currDist = h.greedyStep(vec, currID, currDist, lv)
	}

	// Beam search and bidirectional linking from min(level, maxLevel) down.
	for lv := min(level, h.maxLevel); lv >= 0; lv-- {
		results := h.searchLayer(vec, currID, currDist, lv, h.opts.EFConstruction, nil)

		maxConns := h.mmax
		if lv == 0 {
			maxConns = h.mmax0
		}

		neighbors := selectNearest(results, maxConns)
		if len(neighbors) > 0 {
			// Continue descent from the best candidate of this layer.
			best := neighbors[0]
			currID = best.Node
			currDist = best.Distance
		}

		conns := make([]uint32, 0, len(neighbors))
		for _, nb := range neighbors {
			conns = append(conns, nb.Node)
		}
		n.conns[lv] = conns

		for _, nb := range neighbors {
			h.link(nb.Node, id, lv, maxConns)
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = id
	}
	return nil
}

// greedyStep walks to the closest neighbor at the given layer until no
// improvement.
func (h *Index) greedyStep(v []float32, currID uint32, currDist float32, level int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		curr := h.nodes[currID]
		if level > curr.level {
			break
		}
		for _, nextID := range curr.conns[level] {
			nextDist := h.dist(v, h.nodes[nextID].vector)
			if nextDist < currDist {
				currID = nextID
				currDist = nextDist
				changed = true
			}
		}
	}
	return currID, currDist
}

// link adds a reverse connection target<-source, pruning to the closest
// maxConns when the neighbor list overflows.
func (h *Index) link(sourceID, targetID uint32, level, maxConns int) {
	src := h.nodes[sourceID]
	if level > src.level {
		return
	}
	for _, c := range src.conns[level] {
		if c == targetID {
			return
		}
	}

	conns := append(src.conns[level], targetID)
	if len(conns) > maxConns {
		// Keep the maxConns closest to source.
		sort.Slice(conns, func(i, j int) bool {
			di := h.dist(src.vector, h.nodes[conns[i]].vector)
			dj := h.dist(src.vector, h.nodes[conns[j]].vector)
			if di != dj {
				return di < dj
			}
			return conns[i] < conns[j]
		})
		conns = conns[:maxConns]
	}
	src.conns[level] = conns
}

// searchLayer performs a beam search of width ef at the given layer.
// The returned slice is sorted nearest-first. Tombstoned nodes are used
// for navigation but never make it into the results; keep, when non-nil,
// filters results further.
func (h *Index) searchLayer(v []float32, epID uint32, epDist float32, level, ef int, keep func(uint32) bool) []queue.Item {
	visited := make(map[uint32]struct{}, ef*4)
	visited[epID] = struct{}{}

	candidates := queue.NewMin(ef) // best candidate to explore on top
	results := queue.NewMax(ef)    // current worst result on top

	candidates.PushItem(queue.Item{Node: epID, Distance: epDist})
	if h.keepInResults(epID, keep) {
		results.PushItem(queue.Item{Node: epID, Distance: epDist})
	}

	for candidates.Len() > 0 {
		curr, _ := candidates.PopItem()

		if results.Len() >= ef {
			if worst, ok := results.TopItem(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		currNode := h.nodes[curr.Node]
		if level > currNode.level {
			continue
		}
		for _, nextID := range currNode.conns[level] {
			if _, seen := visited[nextID]; seen {
				continue
			}
			visited[nextID] = struct{}{}

			nextDist := h.dist(v, h.nodes[nextID].vector)
			candidates.PushItem(queue.Item{Node: nextID, Distance: nextDist})

			if h.keepInResults(nextID, keep) {
				results.PushItem(queue.Item{Node: nextID, Distance: nextDist})
				if results.Len() > ef {
					_, _ = results.PopItem()
				}
			}
		}
	}

	out := make([]queue.Item, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i], _ = results.PopItem()
	}
	return out
}

func (h *Index) keepInResults(id uint32, keep func(uint32) bool) bool {
	if h.tombstones.Contains(id) {
		return false
	}
	if keep != nil && !keep(id) {
		return false
	}
	return true
}

// selectNearest keeps the m nearest items of a nearest-first slice.
func selectNearest(items []queue.Item, m int) []queue.Item {
	if len(items) > m {
		items = items[:m]
	}
	return items
}

// Remove tombstones chunkID. The node stays in the graph structure so
// connectivity is preserved; it is excluded from every search result and
// physically dropped on the next rebuild. Removing an absent or already
// tombstoned key is a no-op. Reports whether a live node was removed.
func (h *Index) Remove(chunkID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.byChunk[chunkID]
	if !ok || h.tombstones.Contains(id) {
		return false
	}
	h.tombstones.Add(id)
	h.live--
	return true
}

// Search returns the k live nodes most similar to q, ranked by similarity
// descending; ties break on ascending chunk ID so identical inputs always
// produce identical orderings. If k is at least the live node count, every
// live node is returned.
func (h *Index) Search(q []float32, k int) ([]Result, error) {
	if len(q) != h.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(q)}
	}
	if k <= 0 {
		return nil, nil
	}

	qn, ok := distance.NormalizeL2Copy(q)
	if !ok {
		return nil, fmt.Errorf("hnsw: zero query vector")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.live == 0 {
		return nil, nil
	}

	// Recall boundary: when k covers every live node, scan instead of
	// traversing so the result is exact by construction.
	if k >= h.live {
		return h.scanAll(qn), nil
	}

	ef := h.opts.EFSearch
	if ef < k {
		ef = k
	}

	currID := h.entryPoint
	currDist := h.dist(qn, h.nodes[currID].vector)
	for lv := h.maxLevel; lv > 0; lv-- {
		currID, currDist = h.greedyStep(qn, currID, currDist, lv)
	}

	items := h.searchLayer(qn, currID, currDist, 0, ef, nil)

	// Rank the full beam before cutting to k. Truncating first would let
	// beam order decide which of several equidistant nodes survive the
	// cutoff instead of the chunk ID order.
	res := make([]Result, 0, len(items))
	for _, it := range items {
		res = append(res, Result{
			ChunkID:    h.nodes[it.Node].chunkID,
			Similarity: distance.CosineToUnit(1 - it.Distance),
		})
	}
	sortResults(res)
	if len(res) > k {
		res = res[:k]
	}
	return res, nil
}

func (h *Index) scanAll(qn []float32) []Result {
	res := make([]Result, 0, h.live)
	for id, n := range h.nodes {
		if h.tombstones.Contains(uint32(id)) {
			continue
		}
		res = append(res, Result{
			ChunkID:    n.chunkID,
			Similarity: distance.CosineToUnit(distance.Dot(qn, n.vector)),
		})
	}
	sortResults(res)
	return res
}

func sortResults(res []Result) {
	sort.Slice(res, func(i, j int) bool {
		if res[i].Similarity != res[j].Similarity {
			return res[i].Similarity > res[j].Similarity
		}
		return res[i].ChunkID < res[j].ChunkID
	})
}

// Vector returns the stored (normalized) vector for chunkID.
func (h *Index) Vector(chunkID string) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.byChunk[chunkID]
	if !ok || h.tombstones.Contains(id) {
		return nil, false
	}
	out := make([]float32, len(h.nodes[id].vector))
	copy(out, h.nodes[id].vector)
	return out, true
}

// ChunkIDs returns the live chunk IDs, sorted.
func (h *Index) ChunkIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, h.live)
	for id, n := range h.nodes {
		if !h.tombstones.Contains(uint32(id)) {
			out = append(out, n.chunkID)
		}
	}
	sort.Strings(out)
	return out
}
