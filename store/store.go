// Package store implements the record store: the durable, transactional
// SQLite table that is the source of truth for chunk records, plus the
// FTS5 shadow table that serves lexical search.
//
// The chunks table is keyed by chunk_id (chunk IDs embed their doc ID, so
// the (doc_id, chunk_id) pair stays unique). The FTS5 table is maintained
// by AFTER INSERT/UPDATE/DELETE triggers, so lexical index maintenance
// commits in the same transaction as the record mutation. Readers that
// bypass this package must also go through the chunks table, never the
// shadow table, or the triggers cannot keep the two consistent.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/tyaso777/hybrid-search-go/model"
)

// DefaultDeleteBatchSize bounds transaction size for filtered deletes.
const DefaultDeleteBatchSize = 500

// StorageError is an I/O or transaction failure in the record store. It is
// fatal to the enclosing operation; batch mutations roll back completely.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Options configures a Store.
type Options struct {
	// AllowEmptyText permits records with empty text bodies.
	AllowEmptyText bool

	// DisableRankedSearch forces the degraded match-only lexical path,
	// as if bm25() were unavailable. Used for testing deployments where
	// the ranking extension is missing.
	DisableRankedSearch bool
}

// Store is the SQLite-backed record store.
type Store struct {
	db     *sql.DB
	path   string
	policy model.ValidationPolicy
	ranked bool
}

// Open opens (creating if necessary) the store at path. Use ":memory:"
// for an in-memory database in tests.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	// A single writer keeps upsert batches serialized; SQLite would
	// otherwise return SQLITE_BUSY under concurrent write transactions.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		path:   path,
		policy: model.ValidationPolicy{AllowEmptyText: opts.AllowEmptyText},
	}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ranked = !opts.DisableRankedSearch && s.probeRanked()
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database path the store was opened with.
func (s *Store) Path() string { return s.path }

// Policy returns the validation policy applied to writes.
func (s *Store) Policy() model.ValidationPolicy { return s.policy }

func (s *Store) createSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id       TEXT PRIMARY KEY,
		doc_id         TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		source_uri     TEXT NOT NULL DEFAULT '',
		source_mime    TEXT NOT NULL DEFAULT '',
		extracted_at   TEXT NOT NULL DEFAULT '',
		page_start     INTEGER,
		page_end       INTEGER,
		text           TEXT NOT NULL,
		section_path   TEXT,
		meta           TEXT,
		extra          TEXT,
		vector         BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_doc_id ON chunks(doc_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_source_uri ON chunks(source_uri);
	CREATE INDEX IF NOT EXISTS idx_chunks_extracted_at ON chunks(extracted_at);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(text, content='chunks', content_rowid='rowid');

	CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
	  INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
	  INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES('delete', old.rowid, old.text);
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
	  INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES('delete', old.rowid, old.text);
	  INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
	END;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return &StorageError{Op: "create schema", Err: err}
	}
	return nil
}

// probeRanked checks whether bm25() ranking works in this deployment.
// Some builds report matches through raw MATCH queries yet fail ranked
// queries; those run in the degraded match-only mode.
func (s *Store) probeRanked() bool {
	rows, err := s.db.Query(`SELECT bm25(chunks_fts) FROM chunks_fts WHERE chunks_fts MATCH '"probe"' LIMIT 1`)
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err() == nil
}

// Upsert inserts or replaces records by chunk_id in one transaction.
// Validation runs on every record before the transaction starts; any
// failure means nothing from the batch is persisted. vectors maps chunk
// IDs to embedding vectors; records without an entry keep any previously
// stored vector. Returns the number of records written.
func (s *Store) Upsert(ctx context.Context, records []model.ChunkRecord, vectors map[string][]float32) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	for i := range records {
		if err := records[i].ValidateSoft(s.policy); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StorageError{Op: "upsert begin", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	const q = `
	INSERT INTO chunks (
		chunk_id, doc_id, schema_version, source_uri, source_mime,
		extracted_at, page_start, page_end, text, section_path, meta, extra, vector
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(chunk_id) DO UPDATE SET
		doc_id         = excluded.doc_id,
		schema_version = MAX(chunks.schema_version, excluded.schema_version),
		source_uri     = excluded.source_uri,
		source_mime    = excluded.source_mime,
		extracted_at   = excluded.extracted_at,
		page_start     = excluded.page_start,
		page_end       = excluded.page_end,
		text           = excluded.text,
		section_path   = excluded.section_path,
		meta           = excluded.meta,
		extra          = excluded.extra,
		vector         = COALESCE(excluded.vector, chunks.vector)
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return 0, &StorageError{Op: "upsert prepare", Err: err}
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		sectionPath, meta, extra, err := encodeJSONColumns(r)
		if err != nil {
			return 0, &StorageError{Op: fmt.Sprintf("upsert encode %q", r.ChunkID), Err: err}
		}
		var vec any
		if v, ok := vectors[r.ChunkID]; ok {
			vec = EncodeVector(v)
		}
		if _, err := stmt.ExecContext(ctx,
			r.ChunkID, r.DocID, r.SchemaVersion, r.SourceURI, r.SourceMIME,
			r.ExtractedAt, r.PageStart, r.PageEnd, r.Text, sectionPath, meta, extra, vec,
		); err != nil {
			return 0, &StorageError{Op: fmt.Sprintf("upsert %q", r.ChunkID), Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "upsert commit", Err: err}
	}
	return len(records), nil
}

// Get returns the record for chunkID, or ok=false if absent.
func (s *Store) Get(ctx context.Context, chunkID string) (model.ChunkRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM chunks WHERE chunk_id = ?`, chunkID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return model.ChunkRecord{}, false, nil
	}
	if err != nil {
		return model.ChunkRecord{}, false, &StorageError{Op: "get", Err: err}
	}
	return rec, true, nil
}

// GetMany returns the records for the given chunk IDs that also match the
// filter, keyed by chunk ID. Missing IDs are simply absent from the map.
func (s *Store) GetMany(ctx context.Context, chunkIDs []string, f model.Filter) (map[string]model.ChunkRecord, error) {
	out := make(map[string]model.ChunkRecord, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}

	where, args := filterClauses(f)
	placeholders := strings.Repeat("?,", len(chunkIDs))
	placeholders = placeholders[:len(placeholders)-1]
	for _, id := range chunkIDs {
		args = append(args, id)
	}
	q := selectColumns + ` FROM chunks WHERE ` + where + ` AND chunk_id IN (` + placeholders + `)`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &StorageError{Op: "get many", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &StorageError{Op: "get many scan", Err: err}
		}
		out[rec.ChunkID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "get many", Err: err}
	}
	return out, nil
}

// GetVector returns the stored embedding vector for chunkID.
func (s *Store) GetVector(ctx context.Context, chunkID string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT vector FROM chunks WHERE chunk_id = ?`, chunkID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "get vector", Err: err}
	}
	if len(blob) == 0 {
		return nil, false, nil
	}
	return DecodeVector(blob), true, nil
}

// DeleteByFilter removes every record matching f, in batches of batchSize
// rows per transaction so neither transaction scope nor memory grows with
// the match count. It keeps selecting the first batch of matches until
// none remain (rows shift as they are deleted). Returns the deleted chunk
// IDs, so callers can propagate the deletions to derived indexes, and the
// number of batches executed.
func (s *Store) DeleteByFilter(ctx context.Context, f model.Filter, batchSize int) ([]string, int, error) {
	if batchSize < 1 {
		batchSize = DefaultDeleteBatchSize
	}
	where, filterArgs := filterClauses(f)

	var deleted []string
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return deleted, batches, &StorageError{Op: "delete", Err: err}
		}

		args := append(append([]any{}, filterArgs...), batchSize)
		rows, err := s.db.QueryContext(ctx,
			`SELECT chunk_id FROM chunks WHERE `+where+` ORDER BY chunk_id LIMIT ?`, args...)
		if err != nil {
			return deleted, batches, &StorageError{Op: "delete select", Err: err}
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return deleted, batches, &StorageError{Op: "delete scan", Err: err}
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return deleted, batches, &StorageError{Op: "delete select", Err: err}
		}
		if len(ids) == 0 {
			return deleted, batches, nil
		}

		placeholders := strings.Repeat("?,", len(ids))
		placeholders = placeholders[:len(placeholders)-1]
		delArgs := make([]any, len(ids))
		for i, id := range ids {
			delArgs[i] = id
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM chunks WHERE chunk_id IN (`+placeholders+`)`, delArgs...); err != nil {
			return deleted, batches, &StorageError{Op: "delete exec", Err: err}
		}

		deleted = append(deleted, ids...)
		batches++
	}
}

// Counts reports the record count and the FTS shadow-table row count.
// The two should match; drift means the shadow index needs RebuildFTS.
func (s *Store) Counts(ctx context.Context) (chunks, fts int64, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM chunks`).Scan(&chunks); err != nil {
		return 0, 0, &StorageError{Op: "count chunks", Err: err}
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM chunks_fts`).Scan(&fts); err != nil {
		return 0, 0, &StorageError{Op: "count fts", Err: err}
	}
	return chunks, fts, nil
}

// RebuildFTS resynchronizes the FTS shadow table from the chunks table.
// Triggers normally keep it current; this is the recovery path.
func (s *Store) RebuildFTS(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO chunks_fts(chunks_fts) VALUES('rebuild')`); err != nil {
		return &StorageError{Op: "rebuild fts", Err: err}
	}
	return nil
}

// IterRecords streams every record (with its stored vector, nil when
// absent) in chunk_id order. Used to rebuild derived indexes from the
// source of truth.
func (s *Store) IterRecords(ctx context.Context, fn func(rec model.ChunkRecord, vector []float32) error) error {
	rows, err := s.db.QueryContext(ctx, selectColumns+`, vector FROM chunks ORDER BY chunk_id`)
	if err != nil {
		return &StorageError{Op: "iter", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		rec, blob, err := scanRecordWithVector(rows)
		if err != nil {
			return &StorageError{Op: "iter scan", Err: err}
		}
		var vec []float32
		if len(blob) > 0 {
			vec = DecodeVector(blob)
		}
		if err := fn(rec, vec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &StorageError{Op: "iter", Err: err}
	}
	return nil
}

const selectColumns = `SELECT chunk_id, doc_id, schema_version, source_uri, source_mime,
	extracted_at, page_start, page_end, text, section_path, meta, extra`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.ChunkRecord, error) {
	var (
		rec                     model.ChunkRecord
		sectionPath, meta, extr sql.NullString
	)
	err := row.Scan(
		&rec.ChunkID, &rec.DocID, &rec.SchemaVersion, &rec.SourceURI, &rec.SourceMIME,
		&rec.ExtractedAt, &rec.PageStart, &rec.PageEnd, &rec.Text, &sectionPath, &meta, &extr,
	)
	if err != nil {
		return model.ChunkRecord{}, err
	}
	if err := decodeJSONColumns(&rec, sectionPath, meta, extr); err != nil {
		return model.ChunkRecord{}, err
	}
	return rec, nil
}

func scanRecordWithVector(row scanner) (model.ChunkRecord, []byte, error) {
	var (
		rec                     model.ChunkRecord
		sectionPath, meta, extr sql.NullString
		blob                    []byte
	)
	err := row.Scan(
		&rec.ChunkID, &rec.DocID, &rec.SchemaVersion, &rec.SourceURI, &rec.SourceMIME,
		&rec.ExtractedAt, &rec.PageStart, &rec.PageEnd, &rec.Text, &sectionPath, &meta, &extr, &blob,
	)
	if err != nil {
		return model.ChunkRecord{}, nil, err
	}
	if err := decodeJSONColumns(&rec, sectionPath, meta, extr); err != nil {
		return model.ChunkRecord{}, nil, err
	}
	return rec, blob, nil
}

func encodeJSONColumns(r *model.ChunkRecord) (sectionPath, meta, extra any, err error) {
	if r.SectionPath != nil {
		b, err := json.Marshal(r.SectionPath)
		if err != nil {
			return nil, nil, nil, err
		}
		sectionPath = string(b)
	}
	if r.Meta != nil {
		b, err := json.Marshal(r.Meta)
		if err != nil {
			return nil, nil, nil, err
		}
		meta = string(b)
	}
	if r.Extra != nil {
		b, err := json.Marshal(r.Extra)
		if err != nil {
			return nil, nil, nil, err
		}
		extra = string(b)
	}
	return sectionPath, meta, extra, nil
}

func decodeJSONColumns(rec *model.ChunkRecord, sectionPath, meta, extra sql.NullString) error {
	if sectionPath.Valid && sectionPath.String != "" {
		if err := json.Unmarshal([]byte(sectionPath.String), &rec.SectionPath); err != nil {
			return err
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.Meta); err != nil {
			return err
		}
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &rec.Extra); err != nil {
			return err
		}
	}
	return nil
}

// filterClauses translates a model.Filter into a WHERE fragment. A zero
// filter yields a tautology so callers can always AND more conditions.
func filterClauses(f model.Filter) (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.DocIDPrefix != "" {
		clauses = append(clauses, "doc_id LIKE ? ESCAPE '\\'")
		args = append(args, likePrefix(f.DocIDPrefix))
	}
	if f.URIPrefix != "" {
		clauses = append(clauses, "source_uri LIKE ? ESCAPE '\\'")
		args = append(args, likePrefix(f.URIPrefix))
	}
	if !f.After.IsZero() {
		clauses = append(clauses, "extracted_at != '' AND extracted_at >= ?")
		args = append(args, f.After.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "extracted_at != '' AND extracted_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	return strings.Join(clauses, " AND "), args
}

func likePrefix(prefix string) string {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return esc + "%"
}

// EncodeVector serializes a float32 vector as a little-endian blob.
func EncodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// DecodeVector deserializes a little-endian float32 blob.
func DecodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
