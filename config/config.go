// Package config loads service configuration from TOML files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full service configuration. Zero values fall back to
// the defaults applied by Load.
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Index    IndexConfig    `toml:"index"`
	Embedder EmbedderConfig `toml:"embedder"`
	Search   SearchConfig   `toml:"search"`
	Snapshot SnapshotConfig `toml:"snapshot"`
}

// StoreConfig configures the SQLite record store.
type StoreConfig struct {
	Path           string `toml:"path"`
	AllowEmptyText bool   `toml:"allow_empty_text"`
}

// IndexConfig configures the HNSW vector index.
type IndexConfig struct {
	Dimension      int `toml:"dimension"`
	M              int `toml:"m"`
	EFConstruction int `toml:"ef_construction"`
	EFSearch       int `toml:"ef_search"`
}

// EmbedderConfig configures the embedding provider.
type EmbedderConfig struct {
	BaseURL           string        `toml:"base_url"`
	Model             string        `toml:"model"`
	Timeout           time.Duration `toml:"timeout"`
	MaxTokens         int           `toml:"max_tokens"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
}

// SearchConfig configures hybrid query defaults.
type SearchConfig struct {
	TextWeight   float32 `toml:"text_weight"`
	VectorWeight float32 `toml:"vector_weight"`
	FetchFactor  int     `toml:"fetch_factor"`
	TopK         int     `toml:"top_k"`
}

// SnapshotConfig configures vector index snapshot storage.
type SnapshotConfig struct {
	// Dir is the local snapshot directory. Empty disables snapshots.
	Dir string `toml:"dir"`

	// Codec is the snapshot compression codec: "raw", "zstd" or "lz4".
	Codec string `toml:"codec"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: StoreConfig{Path: "hybrid-search.db"},
		Index: IndexConfig{
			Dimension:      768,
			M:              16,
			EFConstruction: 200,
			EFSearch:       100,
		},
		Embedder: EmbedderConfig{
			BaseURL: "http://localhost:11434",
			Model:   "nomic-embed-text",
			Timeout: 30 * time.Second,
		},
		Search: SearchConfig{
			TextWeight:   0.5,
			VectorWeight: 0.5,
			FetchFactor:  10,
			TopK:         10,
		},
		Snapshot: SnapshotConfig{Codec: "zstd"},
	}
}

// Load reads a TOML config file, layering it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system assumes.
func (c Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("config: store.path must not be empty")
	}
	if c.Index.Dimension < 1 {
		return fmt.Errorf("config: index.dimension must be positive, got %d", c.Index.Dimension)
	}
	if c.Index.M < 2 {
		return fmt.Errorf("config: index.m must be at least 2, got %d", c.Index.M)
	}
	if c.Search.TextWeight < 0 || c.Search.VectorWeight < 0 {
		return fmt.Errorf("config: search weights must not be negative")
	}
	if c.Search.TextWeight == 0 && c.Search.VectorWeight == 0 {
		return fmt.Errorf("config: at least one search weight must be positive")
	}
	switch c.Snapshot.Codec {
	case "", "raw", "zstd", "lz4":
	default:
		return fmt.Errorf("config: unknown snapshot codec %q", c.Snapshot.Codec)
	}
	return nil
}
