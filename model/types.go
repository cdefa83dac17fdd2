// Package model defines the shared data types of the hybrid search core:
// chunk records, filters, search hits and diagnostic counts.
package model

import (
	"fmt"
	"strings"
	"time"
)

// SchemaMajor is the current major version of the ChunkRecord schema.
// Records with a different major version are rejected by ValidateSoft;
// minor evolution happens through the Extra bag, which round-trips
// losslessly through every reader and writer.
const SchemaMajor = 1

// ChunkRecord is the unit of storage and retrieval: one contiguous piece of
// extracted text plus its provenance. Chunk IDs are formatted "doc#n";
// ValidateSoft enforces the "doc#" prefix, which makes chunk IDs globally
// unique whenever doc IDs are, so the store can key rows by chunk ID alone.
type ChunkRecord struct {
	// SchemaVersion is the record format version (major).
	SchemaVersion int `json:"schema_version"`

	// DocID groups chunks that came from the same source document.
	DocID string `json:"doc_id"`

	// ChunkID uniquely identifies the chunk and must be DocID followed by
	// "#" and a per-document suffix. It must stay stable across
	// re-ingestion of the same logical chunk: upsert replaces by this key.
	ChunkID string `json:"chunk_id"`

	// SourceURI and SourceMIME record provenance.
	SourceURI  string `json:"source_uri"`
	SourceMIME string `json:"source_mime"`

	// ExtractedAt is an RFC3339 timestamp; empty if unknown.
	ExtractedAt string `json:"extracted_at,omitempty"`

	// PageStart/PageEnd locate the chunk in paginated sources.
	PageStart *int `json:"page_start,omitempty"`
	PageEnd   *int `json:"page_end,omitempty"`

	// Text is the searchable body.
	Text string `json:"text"`

	// SectionPath locates the chunk within document structure
	// (e.g. ["2 Methods", "2.1 Setup"]).
	SectionPath []string `json:"section_path,omitempty"`

	// Meta holds small string-valued metadata such as page labels.
	Meta map[string]string `json:"meta,omitempty"`

	// Extra is a forward-compatible extension bag. Unknown keys must
	// survive a round trip through any reader/writer.
	Extra map[string]any `json:"extra,omitempty"`
}

// ValidationPolicy adjusts what ValidateSoft accepts.
type ValidationPolicy struct {
	// AllowEmptyText permits records whose Text is empty.
	AllowEmptyText bool
}

// ValidateSoft performs structural validation: required fields present and
// the schema version known. Content-level checks (MIME sniffing etc.) are
// the chunk producer's job, not ours.
func (r *ChunkRecord) ValidateSoft(policy ValidationPolicy) error {
	if r.ChunkID == "" {
		return &ValidationError{Field: "chunk_id", Reason: "must not be empty"}
	}
	if r.DocID == "" {
		return &ValidationError{ChunkID: r.ChunkID, Field: "doc_id", Reason: "must not be empty"}
	}
	if !strings.HasPrefix(r.ChunkID, r.DocID+"#") {
		return &ValidationError{
			ChunkID: r.ChunkID,
			Field:   "chunk_id",
			Reason:  fmt.Sprintf("must start with %q", r.DocID+"#"),
		}
	}
	if r.SchemaVersion != SchemaMajor {
		return &ValidationError{
			ChunkID: r.ChunkID,
			Field:   "schema_version",
			Reason:  fmt.Sprintf("unknown major version %d (want %d)", r.SchemaVersion, SchemaMajor),
		}
	}
	if r.Text == "" && !policy.AllowEmptyText {
		return &ValidationError{ChunkID: r.ChunkID, Field: "text", Reason: "must not be empty"}
	}
	return nil
}

// ValidationError reports a malformed ChunkRecord. It is raised before any
// store mutation, so a batch containing one is never partially applied.
type ValidationError struct {
	ChunkID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.ChunkID == "" {
		return fmt.Sprintf("invalid chunk record: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid chunk record %q: %s %s", e.ChunkID, e.Field, e.Reason)
}

// Filter selects records by provenance and extraction time. Zero-valued
// fields match everything. Each non-zero field must match (AND).
type Filter struct {
	// DocIDPrefix matches records whose DocID starts with the prefix.
	DocIDPrefix string

	// URIPrefix matches records whose SourceURI starts with the prefix.
	URIPrefix string

	// After/Until bound ExtractedAt (inclusive lower, exclusive upper).
	// Records with an empty ExtractedAt never match a time-bounded filter.
	After time.Time
	Until time.Time
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.DocIDPrefix == "" && f.URIPrefix == "" && f.After.IsZero() && f.Until.IsZero()
}

// SearchHit is one ranked result.
type SearchHit struct {
	Chunk ChunkRecord

	// Score is the final relevance score. For hybrid search it is the
	// fused weighted sum; for text-only search the normalized BM25 score.
	Score float32

	// TextScore and VecScore are the per-source normalized components
	// that produced Score. They are zero when the source did not return
	// this chunk.
	TextScore float32
	VecScore  float32
}

// Counts is a read-only drift diagnostic: per-store entry counts.
type Counts struct {
	// Chunks is the number of rows in the record store.
	Chunks int64

	// FTS is the number of rows in the lexical shadow table. It should
	// equal Chunks; a mismatch means the shadow index needs a rebuild.
	FTS int64

	// VectorLive is the number of live (non-tombstoned) vector nodes.
	VectorLive int64

	// VectorTombstones is the number of tombstoned vector nodes awaiting
	// the next rebuild.
	VectorTombstones int64
}
