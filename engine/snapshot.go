package engine

import (
	"fmt"
	"io"

	"github.com/tyaso777/hybrid-search-go/hnsw"
)

// CapabilityError reports an operation that this deployment's index or
// store configuration cannot serve.
type CapabilityError struct {
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("engine: capability unavailable: %s", e.Capability)
}

// WriteVectorSnapshot serializes the live vector index to w. Only HNSW
// indexes support snapshots.
func (c *Coordinator) WriteVectorSnapshot(w io.Writer, codec hnsw.Codec) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.vec.(*hnsw.Index)
	if !ok {
		return &CapabilityError{Capability: "vector index snapshots"}
	}
	return idx.WriteSnapshot(w, codec)
}

// RestoreVectorSnapshot replaces the vector index with one loaded from
// r. The snapshot must match the current index parameters; a snapshot
// written by a differently-configured index is rejected and the old
// index stays in place.
func (c *Coordinator) RestoreVectorSnapshot(r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.vec.(*hnsw.Index)
	if !ok {
		return &CapabilityError{Capability: "vector index snapshots"}
	}
	opts := idx.Options()
	loaded, err := hnsw.ReadSnapshot(r, func(o *hnsw.Options) { *o = opts })
	if err != nil {
		return err
	}
	c.vec = loaded
	return nil
}
