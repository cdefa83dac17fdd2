// Package blobstore abstracts where vector index snapshots live: local
// disk, memory (tests), or S3-compatible object storage.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore stores immutable named blobs. Put must be atomic: a
// concurrent Open sees either the previous content or the new content,
// never a partial write.
type BlobStore interface {
	// Put writes the blob atomically, replacing any previous content.
	Put(ctx context.Context, name string, r io.Reader) error

	// Open opens a blob for reading. Returns ErrNotFound if absent.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
