package hybridsearch

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with consistent field names for the ingest
// and search pipelines.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler
// falls back to a text handler on stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON records to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes human-readable text to
// stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// LogIngest logs an ingest batch outcome.
func (l *Logger) LogIngest(ctx context.Context, docID string, stored, indexed, warnings int) {
	if warnings > 0 {
		l.WarnContext(ctx, "ingest completed with desync warnings",
			"doc_id", docID,
			"stored", stored,
			"indexed", indexed,
			"warnings", warnings,
		)
	} else {
		l.InfoContext(ctx, "ingest completed",
			"doc_id", docID,
			"stored", stored,
			"indexed", indexed,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, kind string, topK, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"kind", kind,
			"top_k", topK,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"kind", kind,
			"top_k", topK,
			"results", results,
		)
	}
}

// LogDelete logs a filtered delete.
func (l *Logger) LogDelete(ctx context.Context, deleted, batches, vectorRemoved int) {
	l.InfoContext(ctx, "delete completed",
		"deleted", deleted,
		"batches", batches,
		"vector_removed", vectorRemoved,
	)
}

// LogRebuild logs a vector index rebuild.
func (l *Logger) LogRebuild(ctx context.Context, indexed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "vector index rebuild failed", "error", err)
	} else {
		l.InfoContext(ctx, "vector index rebuilt", "indexed", indexed)
	}
}

// LogSnapshot logs a snapshot save or restore.
func (l *Logger) LogSnapshot(ctx context.Context, op, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot "+op+" failed",
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot "+op+" completed",
			"name", name,
		)
	}
}
