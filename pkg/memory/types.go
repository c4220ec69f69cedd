package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Source identifies which corpus a file belongs to.
type Source string

const (
	// SourceMemory is the workspace notes corpus.
	SourceMemory Source = "memory"
	// SourceSessions is the conversation transcript corpus.
	SourceSessions Source = "sessions"
)

// FileInfo describes one enumerable source file.
type FileInfo struct {
	Path    string // relative path, stable id
	AbsPath string
	Hash    string // content hash
	Mtime   time.Time
	Size    int64
	Source  Source
}

// Chunk is a line-bounded slice of a source file, embedded and indexed
// independently.
type Chunk struct {
	ID        string
	Path      string
	Source    Source
	StartLine int
	EndLine   int
	Hash      string // content hash of the parent file
	Model     string
	Text      string
	Embedding []float32
	UpdatedAt time.Time
}

// ChunkID derives the deterministic chunk id. Re-indexing unchanged content
// under the same model yields the identical id.
func ChunkID(source Source, path string, startLine, endLine int, contentHash, model string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s\x1f%s\x1f%d\x1f%d\x1f%s\x1f%s",
		source, path, startLine, endLine, contentHash, model))
	return hex.EncodeToString(h[:16])
}

// IndexMeta fingerprints the configuration the index was built with. Any
// mismatch against current settings forces a full reindex.
type IndexMeta struct {
	Provider       string   `json:"provider"`
	Model          string   `json:"model"`
	KeyFingerprint string   `json:"key_fingerprint"`
	Sources        []string `json:"sources"`
	ChunkTokens    int      `json:"chunk_tokens"`
	ChunkOverlap   int      `json:"chunk_overlap"`
	VectorDims     int      `json:"vector_dims"`
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Path         string   `json:"path"`
	Source       Source   `json:"source"`
	StartLine    int      `json:"start_line"`
	EndLine      int      `json:"end_line"`
	Snippet      string   `json:"snippet"`
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

// SearchOptions configures a single search call. Zero values fall back to the
// manager's settings.
type SearchOptions struct {
	MaxResults int     `json:"max_results"`
	MinScore   float64 `json:"min_score"`
	SessionKey string  `json:"session_key"`
}

// SyncOptions configures one sync call.
type SyncOptions struct {
	Reason     string
	Force      bool // force a full reindex
	OnProgress func(phase string, done, total int)
}

// CacheStats reports embedding cache effectiveness.
type CacheStats struct {
	Entries int     `json:"entries"`
	Hits    int     `json:"hits"`
	Misses  int     `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// BatchStats reports batch orchestrator state.
type BatchStats struct {
	Submitted int  `json:"submitted"`
	Completed int  `json:"completed"`
	Failures  int  `json:"failures"`
	Disabled  bool `json:"disabled"`
}

// Status is the manager status snapshot.
type Status struct {
	Files          int            `json:"files"`
	Chunks         int            `json:"chunks"`
	FilesBySource  map[Source]int `json:"files_by_source"`
	ChunksBySource map[Source]int `json:"chunks_by_source"`
	Dirty          bool           `json:"dirty"`
	Syncing        bool           `json:"syncing"`
	LastSyncTime   *time.Time     `json:"last_sync_time,omitempty"`

	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	BackendReason  string `json:"backend_reason,omitempty"` // why no backend is usable
	FallbackActive bool   `json:"fallback_active"`

	VectorSearchErr  string `json:"vector_search_error,omitempty"`
	KeywordSearchErr string `json:"keyword_search_error,omitempty"`

	Cache CacheStats `json:"cache"`
	Batch BatchStats `json:"batch"`
}
