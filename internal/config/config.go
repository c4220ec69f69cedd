package config

import (
	"time"

	"github.com/harun/mnemo/pkg/memory"
)

// Config is the engine process configuration.
type Config struct {
	// AgentID identifies the agent this process indexes for.
	AgentID string `json:"agent_id" mapstructure:"agent_id"`

	// WorkspacePath is the agent workspace root holding the notes.
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// DataDir holds logs and other process state.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Memory  MemoryConfig  `json:"memory" mapstructure:"memory"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds the metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// MemoryConfig mirrors memory.Settings in configuration-file shape.
type MemoryConfig struct {
	Provider         string `json:"provider" mapstructure:"provider"`
	Model            string `json:"model" mapstructure:"model"`
	OpenAIAPIKey     string `json:"openai_api_key" mapstructure:"openai_api_key"`
	OpenAIBaseURL    string `json:"openai_base_url" mapstructure:"openai_base_url"`
	OllamaURL        string `json:"ollama_url" mapstructure:"ollama_url"`
	FallbackProvider string `json:"fallback_provider" mapstructure:"fallback_provider"`
	FallbackModel    string `json:"fallback_model" mapstructure:"fallback_model"`

	Sources     []string `json:"sources" mapstructure:"sources"`
	ExtraPaths  []string `json:"extra_paths" mapstructure:"extra_paths"`
	SessionsDir string   `json:"sessions_dir" mapstructure:"sessions_dir"`

	ChunkTokens      int `json:"chunk_tokens" mapstructure:"chunk_tokens"`
	ChunkOverlap     int `json:"chunk_overlap" mapstructure:"chunk_overlap"`
	IndexConcurrency int `json:"index_concurrency" mapstructure:"index_concurrency"`
	CacheMaxEntries  int `json:"cache_max_entries" mapstructure:"cache_max_entries"`

	Batch        BatchConfig        `json:"batch" mapstructure:"batch"`
	Search       SearchConfig       `json:"search" mapstructure:"search"`
	SessionDelta SessionDeltaConfig `json:"session_delta" mapstructure:"session_delta"`
}

// BatchConfig controls asynchronous bulk embedding.
type BatchConfig struct {
	Enabled          bool   `json:"enabled" mapstructure:"enabled"`
	Concurrency      int    `json:"concurrency" mapstructure:"concurrency"`
	FailureThreshold int    `json:"failure_threshold" mapstructure:"failure_threshold"`
	PollInterval     string `json:"poll_interval" mapstructure:"poll_interval"`
	PollTimeout      string `json:"poll_timeout" mapstructure:"poll_timeout"`
}

// SearchConfig holds ranking defaults.
type SearchConfig struct {
	Hybrid              *bool   `json:"hybrid" mapstructure:"hybrid"`
	VectorWeight        float64 `json:"vector_weight" mapstructure:"vector_weight"`
	TextWeight          float64 `json:"text_weight" mapstructure:"text_weight"`
	CandidateMultiplier int     `json:"candidate_multiplier" mapstructure:"candidate_multiplier"`
	MMRLambda           float64 `json:"mmr_lambda" mapstructure:"mmr_lambda"`
	HalfLifeDays        float64 `json:"half_life_days" mapstructure:"half_life_days"`
	MinScore            float64 `json:"min_score" mapstructure:"min_score"`
	MaxResults          int     `json:"max_results" mapstructure:"max_results"`
	SyncOnSearch        *bool   `json:"sync_on_search" mapstructure:"sync_on_search"`
}

// SessionDeltaConfig controls transcript growth thresholds.
type SessionDeltaConfig struct {
	Bytes    int64  `json:"bytes" mapstructure:"bytes"`
	Messages int    `json:"messages" mapstructure:"messages"`
	Debounce string `json:"debounce" mapstructure:"debounce"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	def := memory.DefaultSettings()
	return &Config{
		AgentID: "default",
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Memory: MemoryConfig{
			Provider:  def.Provider,
			OllamaURL: def.OllamaURL,
			Sources:   def.Sources,
		},
	}
}

// Settings converts the memory section into engine settings. Zero fields fall
// through to the engine defaults.
func (c *Config) Settings() memory.Settings {
	mc := c.Memory
	s := memory.Settings{
		Provider:         mc.Provider,
		Model:            mc.Model,
		OpenAIAPIKey:     mc.OpenAIAPIKey,
		OpenAIBaseURL:    mc.OpenAIBaseURL,
		OllamaURL:        mc.OllamaURL,
		FallbackProvider: mc.FallbackProvider,
		FallbackModel:    mc.FallbackModel,
		Sources:          mc.Sources,
		ExtraPaths:       mc.ExtraPaths,
		SessionsDir:      mc.SessionsDir,
		ChunkTokens:      mc.ChunkTokens,
		ChunkOverlap:     mc.ChunkOverlap,
		IndexConcurrency: mc.IndexConcurrency,
		CacheMaxEntries:  mc.CacheMaxEntries,
	}

	s.Batch = memory.BatchSettings{
		Enabled:          mc.Batch.Enabled,
		Concurrency:      mc.Batch.Concurrency,
		FailureThreshold: mc.Batch.FailureThreshold,
		PollInterval:     parseDuration(mc.Batch.PollInterval),
		PollTimeout:      parseDuration(mc.Batch.PollTimeout),
	}

	def := memory.DefaultSettings()
	s.Search = memory.SearchSettings{
		Hybrid:              boolOr(mc.Search.Hybrid, def.Search.Hybrid),
		VectorWeight:        mc.Search.VectorWeight,
		TextWeight:          mc.Search.TextWeight,
		CandidateMultiplier: mc.Search.CandidateMultiplier,
		MMRLambda:           mc.Search.MMRLambda,
		HalfLifeDays:        mc.Search.HalfLifeDays,
		MinScore:            mc.Search.MinScore,
		MaxResults:          mc.Search.MaxResults,
		SyncOnSearch:        boolOr(mc.Search.SyncOnSearch, def.Search.SyncOnSearch),
	}

	s.SessionDelta = memory.SessionDeltaSettings{
		Bytes:    mc.SessionDelta.Bytes,
		Messages: mc.SessionDelta.Messages,
		Debounce: parseDuration(mc.SessionDelta.Debounce),
	}

	return s
}

func parseDuration(v string) time.Duration {
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
