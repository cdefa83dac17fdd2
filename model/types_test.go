package model

import (
	"encoding/json"
	"testing"
	"time"
)

func validRecord() ChunkRecord {
	return ChunkRecord{
		SchemaVersion: SchemaMajor,
		DocID:         "doc-001",
		ChunkID:       "doc-001#0",
		SourceURI:     "file:///tmp/a.txt",
		SourceMIME:    "text/plain",
		Text:          "hello world",
	}
}

func TestValidateSoft(t *testing.T) {
	r := validRecord()
	if err := r.ValidateSoft(ValidationPolicy{}); err != nil {
		t.Fatalf("ValidateSoft failed: %v", err)
	}

	missing := validRecord()
	missing.ChunkID = ""
	if err := missing.ValidateSoft(ValidationPolicy{}); err == nil {
		t.Fatal("expected error for empty chunk_id")
	}

	noDoc := validRecord()
	noDoc.DocID = ""
	if err := noDoc.ValidateSoft(ValidationPolicy{}); err == nil {
		t.Fatal("expected error for empty doc_id")
	}

	badVersion := validRecord()
	badVersion.SchemaVersion = SchemaMajor + 1
	if err := badVersion.ValidateSoft(ValidationPolicy{}); err == nil {
		t.Fatal("expected error for unknown schema version")
	}
}

func TestValidateSoftChunkIDEmbedsDocID(t *testing.T) {
	// Chunk IDs carry the doc ID so two documents can never collide on a
	// bare chunk id and overwrite each other on upsert.
	foreign := validRecord()
	foreign.ChunkID = "doc-002#0"
	if err := foreign.ValidateSoft(ValidationPolicy{}); err == nil {
		t.Fatal("expected error for chunk_id from another document")
	}

	bare := validRecord()
	bare.ChunkID = "doc-001"
	if err := bare.ValidateSoft(ValidationPolicy{}); err == nil {
		t.Fatal("expected error for chunk_id without a # suffix")
	}

	ok := validRecord()
	ok.ChunkID = "doc-001#17"
	if err := ok.ValidateSoft(ValidationPolicy{}); err != nil {
		t.Fatalf("ValidateSoft failed: %v", err)
	}
}

func TestValidateSoftEmptyTextPolicy(t *testing.T) {
	r := validRecord()
	r.Text = ""

	if err := r.ValidateSoft(ValidationPolicy{}); err == nil {
		t.Fatal("expected error for empty text under default policy")
	}
	if err := r.ValidateSoft(ValidationPolicy{AllowEmptyText: true}); err != nil {
		t.Fatalf("AllowEmptyText policy should accept empty text: %v", err)
	}
}

func TestExtraRoundTrip(t *testing.T) {
	r := validRecord()
	r.Extra = map[string]any{
		"ocr_confidence": 0.92,
		"layout":         map[string]any{"cols": float64(2)},
		"tags":           []any{"a", "b"},
	}

	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back ChunkRecord
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.Extra["ocr_confidence"] != 0.92 {
		t.Fatalf("extra lost: %v", back.Extra)
	}
	layout, ok := back.Extra["layout"].(map[string]any)
	if !ok || layout["cols"] != float64(2) {
		t.Fatalf("nested extra lost: %v", back.Extra["layout"])
	}
}

func TestFilterIsZero(t *testing.T) {
	if !(Filter{}).IsZero() {
		t.Fatal("zero filter should be zero")
	}
	if (Filter{DocIDPrefix: "doc-"}).IsZero() {
		t.Fatal("non-empty filter should not be zero")
	}
	if (Filter{After: time.Now()}).IsZero() {
		t.Fatal("time-bounded filter should not be zero")
	}
}
