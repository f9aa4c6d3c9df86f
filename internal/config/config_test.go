package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Migration.BatchSize)
	assert.Equal(t, "galaxy", cfg.Migration.CollectiveActorID)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lorebank.yaml")
	yaml := `
storage:
  relational_path: /data/rel.db
  vector_path: /data/vec.db
embedding:
  provider: genai
  dimensions: 1536
migration:
  batch_size: 200
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/rel.db", cfg.Storage.RelationalPath)
	assert.Equal(t, "genai", cfg.Embedding.Provider)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, 200, cfg.Migration.BatchSize)
	// Untouched fields keep defaults
	assert.Equal(t, "galaxy", cfg.Migration.CollectiveActorID)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOREBANK_GENAI_API_KEY", "test-key")
	t.Setenv("LOREBANK_EMBEDDING_PROVIDER", "genai")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "test-key", cfg.Embedding.GenAIAPIKey)
	assert.Equal(t, "genai", cfg.Embedding.Provider)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lorebank.yaml")
	cfg := DefaultConfig()
	cfg.Migration.BatchSize = 25
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, loaded.Migration.BatchSize)
}
