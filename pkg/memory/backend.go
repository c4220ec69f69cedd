package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Timeouts are tiered: remote query calls are short, remote batch calls get
// double, local model inference gets a large budget since it has no network
// failure mode but is compute-bound.
const (
	remoteQueryTimeout = 60 * time.Second
	remoteBatchTimeout = 120 * time.Second
	localModelTimeout  = 5 * time.Minute
)

// EmbeddingBackend is the capability wrapper around one embedding source.
type EmbeddingBackend interface {
	// ID returns the provider id ("openai", "ollama").
	ID() string
	// Model returns the embedding model name.
	Model() string
	// Dimensions returns the vector dimensionality, 0 if unknown until first call.
	Dimensions() int
	// Fingerprint hashes everything that can change embedding semantics:
	// endpoint, non-auth headers and a digest of the credential.
	Fingerprint() string
	// EmbedQuery embeds a single text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds texts synchronously, preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// batchJobBackend is implemented by backends that support asynchronous bulk
// embedding jobs.
type batchJobBackend interface {
	SubmitEmbeddingBatch(ctx context.Context, reqs []batchRequest) (string, error)
	PollEmbeddingBatch(ctx context.Context, jobID string) (batchJobState, error)
	FetchEmbeddingBatch(ctx context.Context, jobID string) (map[string][]float32, error)
}

// batchJobState is the lifecycle state of a submitted batch job.
type batchJobState string

const (
	batchJobRunning   batchJobState = "running"
	batchJobCompleted batchJobState = "completed"
	batchJobFailed    batchJobState = "failed"
)

// keyFingerprint hashes backend identity material. Auth secrets are digested,
// never stored; endpoint and non-auth headers are included so switching
// endpoints invalidates stale cache hits.
func keyFingerprint(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:8])
}

// ResolveBackend resolves the configured embedding backend, or candidates in
// priority order for "auto". When nothing is usable it returns a nil backend
// plus a human-readable reason; the engine then degrades to keyword-only
// search rather than failing.
func ResolveBackend(ctx context.Context, settings Settings, logger zerolog.Logger) (EmbeddingBackend, string, error) {
	switch settings.Provider {
	case "none":
		return nil, "embedding disabled by configuration", nil

	case "openai":
		if settings.OpenAIAPIKey == "" {
			return nil, "openai selected but no API key configured", nil
		}
		return newOpenAIBackend(settings.OpenAIAPIKey, settings.OpenAIBaseURL, settings.Model), "", nil

	case "ollama":
		b := newOllamaBackend(settings.OllamaURL, settings.Model)
		if err := b.ping(ctx); err != nil {
			return nil, fmt.Sprintf("ollama not reachable at %s: %v", settings.OllamaURL, err), nil
		}
		return b, "", nil

	case "auto", "":
		if settings.OpenAIAPIKey != "" {
			return newOpenAIBackend(settings.OpenAIAPIKey, settings.OpenAIBaseURL, settings.Model), "", nil
		}
		b := newOllamaBackend(settings.OllamaURL, settings.Model)
		if err := b.ping(ctx); err == nil {
			return b, "", nil
		}
		logger.Debug().Str("ollama_url", settings.OllamaURL).Msg("No embedding backend usable")
		return nil, "no embedding credentials and no local model reachable", nil

	default:
		return nil, "", fmt.Errorf("unknown embedding provider: %q", settings.Provider)
	}
}

// resolveFallbackBackend builds the configured fallback backend, if any.
func resolveFallbackBackend(ctx context.Context, settings Settings, logger zerolog.Logger) (EmbeddingBackend, string, error) {
	if settings.FallbackProvider == "" {
		return nil, "no fallback backend configured", nil
	}
	fb := settings
	fb.Provider = settings.FallbackProvider
	fb.Model = settings.FallbackModel
	return ResolveBackend(ctx, fb, logger)
}

// classifyHTTPStatus maps an HTTP response status onto the retryable error
// classes.
func classifyHTTPStatus(status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(body))
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, status, strings.TrimSpace(body))
	default:
		return fmt.Errorf("status %d: %s", status, strings.TrimSpace(body))
	}
}
