package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// StorageConfig describes where the persistent store lives.
type StorageConfig struct {
	Path string `yaml:"path,omitempty"` // SQLite database file (default: "memory.db")
}

// EmbedderConfig selects and configures the bi-encoder backend.
type EmbedderConfig struct {
	Backend       string `yaml:"backend,omitempty"`        // "ollama", "openai", or "onnx" (default: "ollama")
	Model         string `yaml:"model,omitempty"`          // Model name for remote backends
	Dimensions    int    `yaml:"dimensions,omitempty"`     // Embedding vector size (default: 384)
	Host          string `yaml:"host,omitempty"`           // Ollama host (default: OLLAMA_HOST or http://localhost:11434)
	APIKey        string `yaml:"api_key,omitempty"`        // API key for OpenAI-compatible backends
	BaseURL       string `yaml:"base_url,omitempty"`       // Custom base URL for OpenAI-compatible backends
	ModelPath     string `yaml:"model_path,omitempty"`     // ONNX model file for the local backend
	TokenizerPath string `yaml:"tokenizer_path,omitempty"` // tokenizer.json for the local backend
}

// RerankerConfig selects and configures the optional cross-encoder backend.
// The reranker is enabled by default; if it fails to load the store logs a
// warning and runs with bi-encoder ranking only.
type RerankerConfig struct {
	Disabled      bool   `yaml:"disabled,omitempty"`       // Disable reranking entirely (enabled by default)
	Backend       string `yaml:"backend,omitempty"`        // "onnx" (default)
	ModelPath     string `yaml:"model_path,omitempty"`     // ONNX cross-encoder model file
	TokenizerPath string `yaml:"tokenizer_path,omitempty"` // tokenizer.json for the cross-encoder
	MaxSequence   int    `yaml:"max_sequence,omitempty"`   // Maximum query+candidate token length (default: 256)
}

// SearchConfig holds retrieval tunables.
//
// RelaxDelta and RelaxFloor control how far the stage-1 similarity threshold
// is relaxed when reranking is active: the effective threshold becomes
// max(relax_floor, min_similarity - relax_delta). The defaults mirror the
// historical constants but are deliberately configurable.
type SearchConfig struct {
	RelaxDelta      float64 `yaml:"relax_delta,omitempty"`
	RelaxFloor      float64 `yaml:"relax_floor,omitempty"`
	FilterOverfetch int     `yaml:"filter_overfetch,omitempty"` // Index over-fetch factor when kind/tag filters apply (default: 4)
	IndexM          int     `yaml:"index_m,omitempty"`          // HNSW graph connectivity (default: 16)
	IndexEfSearch   int     `yaml:"index_ef_search,omitempty"`  // HNSW search beam width (default: 50)
}

// Config is the full configuration consumed by the memory store.
type Config struct {
	Storage  StorageConfig  `yaml:"storage,omitempty"`
	Embedder EmbedderConfig `yaml:"embedder,omitempty"`
	Reranker RerankerConfig `yaml:"reranker,omitempty"`
	Search   SearchConfig   `yaml:"search,omitempty"`
}

// Default returns the compiled-in configuration defaults.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Path: "memory.db",
		},
		Embedder: EmbedderConfig{
			Backend:    "ollama",
			Model:      "all-minilm",
			Dimensions: 384,
		},
		Reranker: RerankerConfig{
			Backend:     "onnx",
			MaxSequence: 256,
		},
		Search: SearchConfig{
			RelaxDelta:      0.3,
			RelaxFloor:      0.3,
			FilterOverfetch: 4,
			IndexM:          16,
			IndexEfSearch:   50,
		},
	}
}

// Load reads the YAML config file at path and merges it over the defaults,
// with file values taking precedence. A missing file is not an error: the
// defaults are returned unchanged.
func Load(path string) (Config, error) {
	defaults := Default()
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: user-specified config path is intentional
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return defaults, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var fileConfig Config
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := mergo.Merge(&defaults, fileConfig, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge config: %w", err)
	}
	return defaults, nil
}

// ApplyDefaults fills any zero-valued fields of cfg from Default. Useful when
// a Config is constructed in code rather than loaded from a file.
func ApplyDefaults(cfg *Config) error {
	if err := mergo.Merge(cfg, Default()); err != nil {
		return fmt.Errorf("merge defaults: %w", err)
	}
	return nil
}
