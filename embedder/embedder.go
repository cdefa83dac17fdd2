// Package embedder defines the embedding provider boundary. The rest of
// the system treats embedding as a pluggable black box: it asks for
// vectors, expects a fixed dimension, and converts provider failures
// into a uniform error type.
package embedder

import (
	"context"
	"fmt"
)

// Info describes an embedding provider's model.
type Info struct {
	Model     string
	Dimension int
	MaxTokens int
}

// Embedder turns text into fixed-dimension embedding vectors.
type Embedder interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one embedding per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Info reports the model name and vector dimension.
	Info() Info
}

// Error is an embedding provider failure. Operations that depend on
// fresh embeddings fail with it; stored data is never touched.
type Error struct {
	Model string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("embedder %s: %s: %v", e.Model, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DimensionMismatchError reports a provider returning a vector of the
// wrong size, usually a model misconfiguration.
type DimensionMismatchError struct {
	Model    string
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedder %s: expected dimension %d, got %d", e.Model, e.Expected, e.Actual)
}

// InputTooLongError reports text that exceeds the model's context
// window. Truncation is the caller's decision, never the embedder's.
type InputTooLongError struct {
	Model     string
	MaxTokens int
	Estimated int
}

func (e *InputTooLongError) Error() string {
	return fmt.Sprintf("embedder %s: input of ~%d tokens exceeds limit %d", e.Model, e.Estimated, e.MaxTokens)
}
