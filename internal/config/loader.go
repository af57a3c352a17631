package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidEmbeddingProviders lists known embedding provider names.
// Used by [Validate] to warn about unrecognised names.
var ValidEmbeddingProviders = []string{"voyage", "openai"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment variable references of the form ${VAR} are expanded before
// parsing, so credentials can be kept out of the file itself.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(data), func(name string) string {
		return os.Getenv(name)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// CRM
	if cfg.CRM.URL == "" {
		errs = append(errs, errors.New("crm.url is required"))
	}
	if cfg.CRM.Database == "" {
		errs = append(errs, errors.New("crm.database is required"))
	}
	if cfg.CRM.Username == "" {
		errs = append(errs, errors.New("crm.username is required"))
	}
	if cfg.CRM.APIKey == "" {
		slog.Warn("crm.api_key is empty; Odoo authentication will fail unless the server allows empty passwords")
	}
	if cfg.CRM.Timeout < 0 {
		errs = append(errs, fmt.Errorf("crm.timeout %v must not be negative", cfg.CRM.Timeout))
	}

	// Embeddings
	if cfg.Embeddings.Provider == "" {
		errs = append(errs, errors.New("embeddings.provider is required"))
	} else if !slices.Contains(ValidEmbeddingProviders, cfg.Embeddings.Provider) {
		slog.Warn("unknown embeddings provider — may be a typo or third-party provider",
			"name", cfg.Embeddings.Provider,
			"known", ValidEmbeddingProviders,
		)
	}
	if cfg.Embeddings.APIKey == "" {
		slog.Warn("embeddings.api_key is empty; embedding calls will fail until a key is provided")
	}
	if cfg.Embeddings.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimensions %d must not be negative", cfg.Embeddings.Dimensions))
	}

	// Vector backend
	if cfg.Vector.Backend == "" {
		errs = append(errs, errors.New("vector.backend is required"))
	} else if !cfg.Vector.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("vector.backend %q is invalid; valid values: qdrant, pgvector", cfg.Vector.Backend))
	}
	if cfg.Vector.Backend == BackendQdrant && cfg.Vector.URL == "" {
		errs = append(errs, errors.New("vector.url is required when backend is qdrant"))
	}
	if cfg.Vector.Backend == BackendPgvector && cfg.Vector.DSN == "" {
		errs = append(errs, errors.New("vector.dsn is required when backend is pgvector"))
	}
	if cfg.Vector.Collection == "" {
		slog.Warn("vector.collection is empty; defaulting to \"leads\"")
	}

	// Sync tuning
	if cfg.Sync.PageSize < 0 {
		errs = append(errs, fmt.Errorf("sync.page_size %d must not be negative", cfg.Sync.PageSize))
	}
	if cfg.Sync.EmbedBatchSize < 0 {
		errs = append(errs, fmt.Errorf("sync.embed_batch_size %d must not be negative", cfg.Sync.EmbedBatchSize))
	}
	if cfg.Sync.UpsertBatchSize < 0 {
		errs = append(errs, fmt.Errorf("sync.upsert_batch_size %d must not be negative", cfg.Sync.UpsertBatchSize))
	}
	if cfg.Sync.NarrativeWordCap < 0 {
		errs = append(errs, fmt.Errorf("sync.narrative_word_cap %d must not be negative", cfg.Sync.NarrativeWordCap))
	}
	if cfg.Sync.NotesWordCap < 0 {
		errs = append(errs, fmt.Errorf("sync.notes_word_cap %d must not be negative", cfg.Sync.NotesWordCap))
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout %v must not be negative", cfg.Breaker.ResetTimeout))
	}

	return errors.Join(errs...)
}
