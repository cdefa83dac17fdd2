package store

import (
	"context"
	"strings"

	"github.com/tyaso777/hybrid-search-go/model"
)

// TokenMode selects how query tokens combine in a lexical search.
type TokenMode int

const (
	// TokenModeAll requires every token to match (AND).
	TokenModeAll TokenMode = iota
	// TokenModeAny requires at least one token to match (OR).
	TokenModeAny
)

// Match is a single lexical search result. Score is a relevance where
// higher is better. In degraded mode every match scores the same.
type Match struct {
	ChunkID string
	Score   float32
}

// Ranked reports whether lexical searches return real relevance scores.
// When false the deployment lacks bm25() ranking and searches run in
// match-only mode with constant scores.
func (s *Store) Ranked() bool { return s.ranked }

// SearchText runs a lexical query against the FTS index and returns up
// to topK matches, best first. Ties and degraded-mode results order by
// ascending chunk ID so result order is stable across runs. A query with
// no usable tokens returns no matches.
func (s *Store) SearchText(ctx context.Context, query string, topK int, mode TokenMode, f model.Filter) ([]Match, error) {
	if topK < 1 {
		return nil, nil
	}
	match := buildMatchQuery(query, mode)
	if match == "" {
		return nil, nil
	}
	where, filterArgs := filterClauses(f)

	var q string
	if s.ranked {
		// bm25() returns negative values, more negative is better.
		q = `SELECT c.chunk_id, bm25(chunks_fts) AS rank
			FROM chunks_fts
			JOIN chunks c ON c.rowid = chunks_fts.rowid
			WHERE chunks_fts MATCH ? AND ` + where + `
			ORDER BY rank, c.chunk_id
			LIMIT ?`
	} else {
		q = `SELECT c.chunk_id, -1.0 AS rank
			FROM chunks_fts
			JOIN chunks c ON c.rowid = chunks_fts.rowid
			WHERE chunks_fts MATCH ? AND ` + where + `
			ORDER BY c.chunk_id
			LIMIT ?`
	}
	args := append([]any{match}, filterArgs...)
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &StorageError{Op: "search text", Err: err}
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var rank float64
		if err := rows.Scan(&m.ChunkID, &rank); err != nil {
			return nil, &StorageError{Op: "search text scan", Err: err}
		}
		m.Score = float32(-rank)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "search text", Err: err}
	}
	return matches, nil
}

// buildMatchQuery turns free text into an FTS5 MATCH expression. Each
// whitespace token is quoted as a string literal so user input cannot
// inject MATCH syntax (NEAR, column filters, boolean operators).
func buildMatchQuery(query string, mode TokenMode) string {
	tokens := strings.Fields(query)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	for _, t := range tokens {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	sep := " AND "
	if mode == TokenModeAny {
		sep = " OR "
	}
	return strings.Join(quoted, sep)
}
