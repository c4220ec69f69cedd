package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultOllamaModel = "nomic-embed-text"

// ollamaBackend embeds via a local Ollama instance. Inference is CPU/GPU
// bound rather than network bound, so it gets a much larger timeout budget
// than the remote backends.
type ollamaBackend struct {
	baseURL     string
	model       string
	dims        int
	fingerprint string
	httpClient  *http.Client
}

func newOllamaBackend(baseURL, model string) *ollamaBackend {
	if model == "" {
		model = defaultOllamaModel
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &ollamaBackend{
		baseURL:     baseURL,
		model:       model,
		dims:        ollamaModelDims(model),
		fingerprint: keyFingerprint("ollama", baseURL, model),
		httpClient:  &http.Client{Timeout: localModelTimeout},
	}
}

func ollamaModelDims(model string) int {
	switch model {
	case "nomic-embed-text":
		return 768
	case "mxbai-embed-large":
		return 1024
	case "all-minilm":
		return 384
	default:
		return 0
	}
}

func (b *ollamaBackend) ID() string          { return "ollama" }
func (b *ollamaBackend) Model() string       { return b.model }
func (b *ollamaBackend) Dimensions() int     { return b.dims }
func (b *ollamaBackend) Fingerprint() string { return b.fingerprint }

// ping checks whether the Ollama instance is reachable.
func (b *ollamaBackend) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (b *ollamaBackend) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (b *ollamaBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"model": b.model,
		"input": texts,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, newBackendError("ollama", "embed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/embed", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, newBackendError("ollama", "embed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, newBackendError("ollama", "embed", fmt.Errorf("%w: %v", ErrBackendUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, newBackendError("ollama", "embed", classifyHTTPStatus(resp.StatusCode, string(body)))
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, newBackendError("ollama", "embed", fmt.Errorf("failed to decode response: %w", err))
	}
	if len(result.Embeddings) != len(texts) {
		return nil, newBackendError("ollama", "embed",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings)))
	}

	if b.dims == 0 && len(result.Embeddings) > 0 {
		b.dims = len(result.Embeddings[0])
	}

	return result.Embeddings, nil
}
