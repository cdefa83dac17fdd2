// Command hybrid-search is a CLI front end for the embedded hybrid
// retrieval engine: ingest files or text, run lexical or hybrid
// queries, delete by filter, and inspect or rebuild the indexes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	hybridsearch "github.com/tyaso777/hybrid-search-go"
	"github.com/tyaso777/hybrid-search-go/blobstore"
	"github.com/tyaso777/hybrid-search-go/config"
	"github.com/tyaso777/hybrid-search-go/embedder"
	"github.com/tyaso777/hybrid-search-go/model"
	"github.com/tyaso777/hybrid-search-go/store"
)

type appFlags struct {
	configPath  string
	dbPath      string
	snapshotDir string
	noEmbedder  bool
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &appFlags{}
	cmd := &cobra.Command{
		Use:           "hybrid-search",
		Short:         "Embedded hybrid (lexical + semantic) document search",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "TOML config file")
	cmd.PersistentFlags().StringVar(&flags.dbPath, "db", "", "SQLite database path (overrides config)")
	cmd.PersistentFlags().StringVar(&flags.snapshotDir, "snapshot-dir", "", "vector index snapshot directory (overrides config)")
	cmd.PersistentFlags().BoolVar(&flags.noEmbedder, "no-embedder", false, "run lexical-only, without an embedding provider")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newIngestCmd(flags),
		newTextCmd(flags),
		newSearchCmd(flags),
		newHybridCmd(flags),
		newDeleteCmd(flags),
		newCountsCmd(flags),
		newRebuildCmd(flags),
	)
	return cmd
}

func openService(ctx context.Context, flags *appFlags) (*hybridsearch.Service, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flags.dbPath != "" {
		cfg.Store.Path = flags.dbPath
	}
	if flags.snapshotDir != "" {
		cfg.Snapshot.Dir = flags.snapshotDir
	}

	level := slog.LevelWarn
	if flags.verbose {
		level = slog.LevelDebug
	}

	opts := []func(o *hybridsearch.Options){
		hybridsearch.WithLogger(hybridsearch.NewTextLogger(level)),
		hybridsearch.WithChunker(paragraphChunker{}),
	}
	if !flags.noEmbedder {
		opts = append(opts, hybridsearch.WithEmbedder(embedder.NewOllama(embedder.OllamaConfig{
			BaseURL:           cfg.Embedder.BaseURL,
			Model:             cfg.Embedder.Model,
			Timeout:           cfg.Embedder.Timeout,
			Dimension:         cfg.Index.Dimension,
			MaxTokens:         cfg.Embedder.MaxTokens,
			RequestsPerSecond: cfg.Embedder.RequestsPerSecond,
		})))
	}
	if cfg.Snapshot.Dir != "" {
		blobs, err := blobstore.NewLocalStore(cfg.Snapshot.Dir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, hybridsearch.WithBlobStore(blobs))
	}
	return hybridsearch.Open(ctx, cfg, opts...)
}

func newIngestCmd(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Chunk, embed and store files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, flags)
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			for _, path := range args {
				docID, res, err := svc.IngestFile(ctx, path)
				if err != nil {
					return fmt.Errorf("ingest %s: %w", path, err)
				}
				fmt.Printf("%s: doc %s, %d chunks stored, %d indexed", path, docID, res.Stored, res.Indexed)
				if len(res.Warnings) > 0 {
					fmt.Printf(", %d desync warnings", len(res.Warnings))
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func newTextCmd(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "text <text>",
		Short: "Ingest raw text from the command line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, flags)
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			docID, res, err := svc.IngestText(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("doc %s, %d chunks stored, %d indexed\n", docID, res.Stored, res.Indexed)
			return nil
		},
	}
}

func addQueryFlags(cmd *cobra.Command, topK *int, anyToken *bool, docPrefix, uriPrefix *string) {
	cmd.Flags().IntVarP(topK, "top", "k", 10, "number of results")
	cmd.Flags().BoolVar(anyToken, "any", false, "match any query token instead of all")
	cmd.Flags().StringVar(docPrefix, "doc-prefix", "", "restrict to document IDs with this prefix")
	cmd.Flags().StringVar(uriPrefix, "uri-prefix", "", "restrict to source URIs with this prefix")
}

func queryOptions(topK int, anyToken bool, docPrefix, uriPrefix string) []func(o *hybridsearch.SearchOptions) {
	mode := store.TokenModeAll
	if anyToken {
		mode = store.TokenModeAny
	}
	return []func(o *hybridsearch.SearchOptions){
		hybridsearch.WithTopK(topK),
		hybridsearch.WithTokenMode(mode),
		hybridsearch.WithFilter(model.Filter{DocIDPrefix: docPrefix, URIPrefix: uriPrefix}),
	}
}

func printHits(hits []model.SearchHit) {
	if len(hits) == 0 {
		fmt.Println("no results")
		return
	}
	for i, h := range hits {
		fmt.Printf("%2d. %-30s score=%.4f (text=%.4f vec=%.4f)\n",
			i+1, h.Chunk.ChunkID, h.Score, h.TextScore, h.VecScore)
		fmt.Printf("    %s\n", snippet(h.Chunk.Text, 120))
	}
}

func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}

func newSearchCmd(flags *appFlags) *cobra.Command {
	var (
		topK                 int
		anyToken             bool
		docPrefix, uriPrefix string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Lexical full-text search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, flags)
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			hits, err := svc.SearchText(ctx, args[0], queryOptions(topK, anyToken, docPrefix, uriPrefix)...)
			if err != nil {
				return err
			}
			printHits(hits)
			return nil
		},
	}
	addQueryFlags(cmd, &topK, &anyToken, &docPrefix, &uriPrefix)
	return cmd
}

func newHybridCmd(flags *appFlags) *cobra.Command {
	var (
		topK                 int
		anyToken             bool
		docPrefix, uriPrefix string
		textWeight           float32
		vectorWeight         float32
	)
	cmd := &cobra.Command{
		Use:   "hybrid <query>",
		Short: "Hybrid search fusing lexical and semantic relevance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, flags)
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			opts := queryOptions(topK, anyToken, docPrefix, uriPrefix)
			opts = append(opts, hybridsearch.WithWeights(textWeight, vectorWeight))
			hits, err := svc.SearchHybrid(ctx, args[0], opts...)
			if err != nil {
				return err
			}
			printHits(hits)
			return nil
		},
	}
	addQueryFlags(cmd, &topK, &anyToken, &docPrefix, &uriPrefix)
	cmd.Flags().Float32Var(&textWeight, "text-weight", 0.5, "lexical score weight")
	cmd.Flags().Float32Var(&vectorWeight, "vector-weight", 0.5, "semantic score weight")
	return cmd
}

func newDeleteCmd(flags *appFlags) *cobra.Command {
	var (
		docPrefix, uriPrefix string
		after, until         string
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete records matching a filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := model.Filter{DocIDPrefix: docPrefix, URIPrefix: uriPrefix}
			if after != "" {
				ts, err := time.Parse(time.RFC3339, after)
				if err != nil {
					return fmt.Errorf("parse --after: %w", err)
				}
				f.After = ts
			}
			if until != "" {
				ts, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("parse --until: %w", err)
				}
				f.Until = ts
			}
			if f.IsZero() {
				return fmt.Errorf("refusing to delete everything: give at least one filter flag")
			}

			ctx := cmd.Context()
			svc, err := openService(ctx, flags)
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			report, err := svc.DeleteByFilter(ctx, f)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d chunks in %d batches, %d vectors tombstoned\n",
				report.Deleted, report.Batches, report.VectorRemoved)
			if svc.NeedsCompaction() {
				fmt.Println("hint: tombstones are piling up, consider `hybrid-search rebuild`")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&docPrefix, "doc-prefix", "", "document ID prefix")
	cmd.Flags().StringVar(&uriPrefix, "uri-prefix", "", "source URI prefix")
	cmd.Flags().StringVar(&after, "after", "", "extracted at or after this RFC3339 time")
	cmd.Flags().StringVar(&until, "until", "", "extracted before this RFC3339 time")
	return cmd
}

func newCountsCmd(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Report per-index record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, flags)
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			counts, err := svc.RepoCounts(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("chunks:            %d\n", counts.Chunks)
			fmt.Printf("fts rows:          %d\n", counts.FTS)
			fmt.Printf("vectors live:      %d\n", counts.VectorLive)
			fmt.Printf("vector tombstones: %d\n", counts.VectorTombstones)
			if !svc.Ranked() {
				fmt.Println("note: lexical ranking unavailable, search runs in match-only mode")
			}
			return nil
		},
	}
}

func newRebuildCmd(flags *appFlags) *cobra.Command {
	var ftsOnly bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild derived indexes from the record store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, flags)
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			if err := svc.RebuildFTS(ctx); err != nil {
				return err
			}
			fmt.Println("lexical index rebuilt")
			if ftsOnly {
				return nil
			}
			indexed, err := svc.RebuildVectorIndex(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("vector index rebuilt, %d vectors indexed\n", indexed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&ftsOnly, "fts-only", false, "rebuild only the lexical index")
	return cmd
}
