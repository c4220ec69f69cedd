package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// BatchSettings controls the asynchronous bulk-embedding path.
type BatchSettings struct {
	Enabled          bool          `json:"enabled"`
	Concurrency      int           `json:"concurrency"`
	FailureThreshold int           `json:"failure_threshold"`
	PollInterval     time.Duration `json:"poll_interval"`
	PollTimeout      time.Duration `json:"poll_timeout"`
}

// SearchSettings holds ranking defaults.
type SearchSettings struct {
	Hybrid              bool    `json:"hybrid"`
	VectorWeight        float64 `json:"vector_weight"`
	TextWeight          float64 `json:"text_weight"`
	CandidateMultiplier int     `json:"candidate_multiplier"`
	MMRLambda           float64 `json:"mmr_lambda"`     // 0 disables MMR re-ranking
	HalfLifeDays        float64 `json:"half_life_days"` // 0 disables temporal decay
	MinScore            float64 `json:"min_score"`
	MaxResults          int     `json:"max_results"`
	SyncOnSearch        bool    `json:"sync_on_search"`
}

// SessionDeltaSettings controls when transcript growth triggers a sync.
// A threshold of 0 means any positive delta triggers.
type SessionDeltaSettings struct {
	Bytes    int64         `json:"bytes"`
	Messages int           `json:"messages"`
	Debounce time.Duration `json:"debounce"`
}

// Settings is the engine configuration. It is part of the registry key: two
// managers with different settings never share a store handle.
type Settings struct {
	Provider         string `json:"provider"` // "openai", "ollama", "auto", "none"
	Model            string `json:"model"`
	OpenAIAPIKey     string `json:"openai_api_key,omitempty"`
	OpenAIBaseURL    string `json:"openai_base_url,omitempty"`
	OllamaURL        string `json:"ollama_url,omitempty"`
	FallbackProvider string `json:"fallback_provider,omitempty"`
	FallbackModel    string `json:"fallback_model,omitempty"`

	Sources    []string `json:"sources"`
	ExtraPaths []string `json:"extra_paths,omitempty"`

	SessionsDir string `json:"sessions_dir,omitempty"`

	ChunkTokens      int `json:"chunk_tokens"`
	ChunkOverlap     int `json:"chunk_overlap"`
	IndexConcurrency int `json:"index_concurrency"`

	CacheMaxEntries int           `json:"cache_max_entries"`
	NotesDebounce   time.Duration `json:"notes_debounce"`

	Batch        BatchSettings        `json:"batch"`
	Search       SearchSettings       `json:"search"`
	SessionDelta SessionDeltaSettings `json:"session_delta"`
}

// DefaultSettings returns the engine defaults.
func DefaultSettings() Settings {
	return Settings{
		Provider:         "auto",
		Model:            "",
		OllamaURL:        "http://localhost:11434",
		Sources:          []string{string(SourceMemory), string(SourceSessions)},
		ChunkTokens:      400,
		ChunkOverlap:     80,
		IndexConcurrency: 4,
		CacheMaxEntries:  10000,
		NotesDebounce:    500 * time.Millisecond,
		Batch: BatchSettings{
			Enabled:          false,
			Concurrency:      8,
			FailureThreshold: 2,
			PollInterval:     5 * time.Second,
			PollTimeout:      10 * time.Minute,
		},
		Search: SearchSettings{
			Hybrid:              true,
			VectorWeight:        0.7,
			TextWeight:          0.3,
			CandidateMultiplier: 4,
			MMRLambda:           0,
			HalfLifeDays:        0,
			MinScore:            0,
			MaxResults:          20,
			SyncOnSearch:        true,
		},
		SessionDelta: SessionDeltaSettings{
			Bytes:    4096,
			Messages: 10,
			Debounce: 5 * time.Second,
		},
	}
}

// normalized fills zero fields from the defaults so partial settings behave.
func (s Settings) normalized() Settings {
	def := DefaultSettings()
	if s.Provider == "" {
		s.Provider = def.Provider
	}
	if s.OllamaURL == "" {
		s.OllamaURL = def.OllamaURL
	}
	if len(s.Sources) == 0 {
		s.Sources = def.Sources
	}
	if s.ChunkTokens <= 0 {
		s.ChunkTokens = def.ChunkTokens
	}
	if s.ChunkOverlap < 0 || s.ChunkOverlap >= s.ChunkTokens {
		s.ChunkOverlap = def.ChunkOverlap
	}
	if s.IndexConcurrency <= 0 {
		s.IndexConcurrency = def.IndexConcurrency
	}
	if s.CacheMaxEntries <= 0 {
		s.CacheMaxEntries = def.CacheMaxEntries
	}
	if s.NotesDebounce <= 0 {
		s.NotesDebounce = def.NotesDebounce
	}
	if s.Batch.Concurrency <= 0 {
		s.Batch.Concurrency = def.Batch.Concurrency
	}
	if s.Batch.FailureThreshold <= 0 {
		s.Batch.FailureThreshold = def.Batch.FailureThreshold
	}
	if s.Batch.PollInterval <= 0 {
		s.Batch.PollInterval = def.Batch.PollInterval
	}
	if s.Batch.PollTimeout <= 0 {
		s.Batch.PollTimeout = def.Batch.PollTimeout
	}
	if s.Search.VectorWeight == 0 && s.Search.TextWeight == 0 {
		s.Search.VectorWeight = def.Search.VectorWeight
		s.Search.TextWeight = def.Search.TextWeight
	}
	if s.Search.CandidateMultiplier <= 0 {
		s.Search.CandidateMultiplier = def.Search.CandidateMultiplier
	}
	if s.Search.MaxResults <= 0 {
		s.Search.MaxResults = def.Search.MaxResults
	}
	if s.SessionDelta.Debounce <= 0 {
		s.SessionDelta.Debounce = def.SessionDelta.Debounce
	}
	return s
}

// hasSource reports whether a corpus is configured.
func (s Settings) hasSource(src Source) bool {
	for _, v := range s.Sources {
		if v == string(src) {
			return true
		}
	}
	return false
}

// Fingerprint returns a stable hash of the serialized settings, used as part
// of the registry key.
func (s Settings) Fingerprint() string {
	raw, _ := json.Marshal(s)
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:8])
}
