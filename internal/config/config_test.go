package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSchema(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		raw := []byte(`{
			"agent_id": "a1",
			"workspace_path": "/tmp/ws",
			"memory": {
				"provider": "ollama",
				"sources": ["memory", "sessions"],
				"search": {"hybrid": true, "max_results": 10}
			}
		}`)
		assert.NoError(t, ValidateSchema(raw))
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		err := ValidateSchema([]byte(`{"agent_id": "a1", "bogus": true}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bogus")
	})

	t.Run("bad provider enum rejected", func(t *testing.T) {
		err := ValidateSchema([]byte(`{"memory": {"provider": "quantum"}}`))
		assert.Error(t, err)
	})

	t.Run("bad source enum rejected", func(t *testing.T) {
		err := ValidateSchema([]byte(`{"memory": {"sources": ["dreams"]}}`))
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		err := ValidateSchema([]byte(`provider = "ollama"`))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("workspace required", func(t *testing.T) {
		cfg := DefaultConfig()
		errs := Validate(cfg)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "workspace_path")
	})

	t.Run("openai needs a key", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.WorkspacePath = "/tmp/ws"
		cfg.Memory.Provider = "openai"
		errs := Validate(cfg)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "API key")
	})

	t.Run("weights must sum to one", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.WorkspacePath = "/tmp/ws"
		cfg.Memory.Search.VectorWeight = 0.9
		cfg.Memory.Search.TextWeight = 0.3
		errs := Validate(cfg)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "sum to 1")
	})

	t.Run("overlap must fit in chunk", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.WorkspacePath = "/tmp/ws"
		cfg.Memory.ChunkTokens = 100
		cfg.Memory.ChunkOverlap = 100
		errs := Validate(cfg)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "chunk_overlap")
	})

	t.Run("valid config passes", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.WorkspacePath = "/tmp/ws"
		assert.Empty(t, Validate(cfg))
	})
}

func TestSettingsConversion(t *testing.T) {
	hybrid := false
	sync := false
	cfg := &Config{
		Memory: MemoryConfig{
			Provider:    "ollama",
			Model:       "all-minilm",
			OllamaURL:   "http://localhost:11434",
			Sources:     []string{"memory"},
			ChunkTokens: 200,
			Batch: BatchConfig{
				Enabled:      true,
				PollInterval: "2s",
				PollTimeout:  "1m",
			},
			Search: SearchConfig{
				Hybrid:       &hybrid,
				MaxResults:   5,
				SyncOnSearch: &sync,
			},
			SessionDelta: SessionDeltaConfig{
				Bytes:    1024,
				Debounce: "3s",
			},
		},
	}

	s := cfg.Settings()
	assert.Equal(t, "ollama", s.Provider)
	assert.Equal(t, "all-minilm", s.Model)
	assert.Equal(t, []string{"memory"}, s.Sources)
	assert.True(t, s.Batch.Enabled)
	assert.Equal(t, 2*time.Second, s.Batch.PollInterval)
	assert.Equal(t, time.Minute, s.Batch.PollTimeout)
	assert.False(t, s.Search.Hybrid)
	assert.False(t, s.Search.SyncOnSearch)
	assert.Equal(t, 5, s.Search.MaxResults)
	assert.Equal(t, int64(1024), s.SessionDelta.Bytes)
	assert.Equal(t, 3*time.Second, s.SessionDelta.Debounce)
}

func TestSettingsConversionDefaults(t *testing.T) {
	// Unset optional booleans fall through to the engine defaults.
	s := DefaultConfig().Settings()
	assert.True(t, s.Search.Hybrid)
	assert.True(t, s.Search.SyncOnSearch)
	assert.Zero(t, s.SessionDelta.Debounce, "empty duration defers to engine default")
}

func TestLoader(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
		require.NoError(t, err)
		assert.Equal(t, "default", cfg.AgentID)
		assert.Equal(t, "auto", cfg.Memory.Provider)
		assert.NotEmpty(t, cfg.WorkspacePath)
		assert.NotEmpty(t, cfg.Logging.File)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mnemo.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"agent_id": "bot-7",
			"workspace_path": "/srv/ws",
			"memory": {"provider": "none", "chunk_tokens": 250}
		}`), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "bot-7", cfg.AgentID)
		assert.Equal(t, "/srv/ws", cfg.WorkspacePath)
		assert.Equal(t, "none", cfg.Memory.Provider)
		assert.Equal(t, 250, cfg.Memory.ChunkTokens)
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("invalid file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mnemo.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"memory": {"provider": "quantum"}}`), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("env key picked up", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-from-env")
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
		require.NoError(t, err)
		assert.Equal(t, "sk-from-env", cfg.Memory.OpenAIAPIKey)
	})
}
