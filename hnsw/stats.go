package hnsw

// Stats describes index occupancy, used by operators to decide when a
// rebuild is worthwhile.
type Stats struct {
	// Live is the number of searchable nodes.
	Live int

	// Tombstones is the number of logically deleted nodes still held in
	// the graph structure.
	Tombstones int

	// MaxLevel is the current top layer of the graph.
	MaxLevel int
}

// TombstoneRatio is the fraction of graph nodes that are tombstoned.
// Returns 0 for an empty graph.
func (s Stats) TombstoneRatio() float64 {
	total := s.Live + s.Tombstones
	if total == 0 {
		return 0
	}
	return float64(s.Tombstones) / float64(total)
}

// Stats returns a point-in-time occupancy snapshot.
func (h *Index) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Live:       h.live,
		Tombstones: int(h.tombstones.GetCardinality()),
		MaxLevel:   h.maxLevel,
	}
}
