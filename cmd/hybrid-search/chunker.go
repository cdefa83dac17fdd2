package main

import (
	"context"
	"strings"

	"github.com/tyaso777/hybrid-search-go/model"
)

// chunkTargetBytes is the soft chunk size in bytes; paragraphs
// accumulate until a chunk reaches it.
const chunkTargetBytes = 1200

// paragraphChunker splits text on blank lines and merges consecutive
// paragraphs up to a target size, so tiny paragraphs do not each become
// their own chunk.
type paragraphChunker struct{}

func (paragraphChunker) Chunk(_ context.Context, docID, sourceURI, text string) ([]model.ChunkRecord, error) {
	var (
		records []model.ChunkRecord
		current strings.Builder
	)
	flush := func() {
		if current.Len() == 0 {
			return
		}
		records = append(records, model.ChunkRecord{Text: current.String()})
		current.Reset()
	}

	for _, block := range strings.Split(text, "\n\n") {
		para := strings.TrimSpace(block)
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para) > chunkTargetBytes {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return records, nil
}
