// Package config holds the lorebank configuration: database locations,
// embedding backend, and migration defaults. Loaded from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"lorebank/internal/embedding"
)

// Config holds all lorebank configuration.
type Config struct {
	// Storage locations
	Storage StorageConfig `yaml:"storage"`

	// Embedding backend
	Embedding embedding.Config `yaml:"embedding"`

	// Migration defaults
	Migration MigrationConfig `yaml:"migration"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig locates the two databases.
type StorageConfig struct {
	// RelationalPath is the SQLite file holding the actor registry and
	// conversations.
	RelationalPath string `yaml:"relational_path"`

	// VectorPath is the SQLite file holding the vector index.
	VectorPath string `yaml:"vector_path"`
}

// MigrationConfig sets defaults for migration runs.
type MigrationConfig struct {
	BatchSize int `yaml:"batch_size"`

	// CollectiveActorID receives mirrored significant posts.
	CollectiveActorID string `yaml:"collective_actor_id"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			RelationalPath: filepath.Join(".lorebank", "lorebank.db"),
			VectorPath:     filepath.Join(".lorebank", "vectors.db"),
		},
		Embedding: embedding.DefaultConfig(),
		Migration: MigrationConfig{
			BatchSize:         50,
			CollectiveActorID: "galaxy",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "lorebank.log",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides pulls secrets and common toggles from the environment
// so they never have to live in the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOREBANK_GENAI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("LOREBANK_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("LOREBANK_OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
}
