package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "text-embedding-3-small"

// openAIBackend embeds via the OpenAI API. It also implements batchJobBackend
// through the asynchronous Batch endpoint.
type openAIBackend struct {
	client      openai.Client
	model       string
	dims        int
	fingerprint string
}

func newOpenAIBackend(apiKey, baseURL, model string) *openAIBackend {
	if model == "" {
		model = defaultOpenAIModel
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	endpoint := "https://api.openai.com/v1"
	if baseURL != "" {
		endpoint = baseURL
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &openAIBackend{
		client:      openai.NewClient(opts...),
		model:       model,
		dims:        openAIModelDims(model),
		fingerprint: keyFingerprint("openai", endpoint, model, apiKey),
	}
}

func openAIModelDims(model string) int {
	switch model {
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	default:
		return 0
	}
}

func (b *openAIBackend) ID() string          { return "openai" }
func (b *openAIBackend) Model() string       { return b.model }
func (b *openAIBackend) Dimensions() int     { return b.dims }
func (b *openAIBackend) Fingerprint() string { return b.fingerprint }

func (b *openAIBackend) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.embed(ctx, []string{text}, remoteQueryTimeout)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (b *openAIBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return b.embed(ctx, texts, remoteBatchTimeout)
}

func (b *openAIBackend) embed(ctx context.Context, texts []string, timeout time.Duration) ([][]float32, error) {
	resp, err := b.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(b.model),
	}, option.WithRequestTimeout(timeout))
	if err != nil {
		return nil, newBackendError("openai", "embed", classifyOpenAIError(err))
	}
	if len(resp.Data) != len(texts) {
		return nil, newBackendError("openai", "embed",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = toFloat32(d.Embedding)
		if b.dims == 0 {
			b.dims = len(out[i])
		}
	}
	return out, nil
}

// classifyOpenAIError maps SDK errors onto the retryable error classes.
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyHTTPStatus(apiErr.StatusCode, apiErr.Message)
	}
	// Transport-level failures (connection reset, DNS) are worth retrying.
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

// batchInputLine is one request line of a batch input file.
type batchInputLine struct {
	CustomID string `json:"custom_id"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Body     struct {
		Model string `json:"model"`
		Input string `json:"input"`
	} `json:"body"`
}

// batchOutputLine is one result line of a batch output file.
type batchOutputLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Data []struct {
				Embedding []float64 `json:"embedding"`
			} `json:"data"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// SubmitEmbeddingBatch uploads a JSONL input file and creates a batch job
// against the embeddings endpoint. Returns the job id.
func (b *openAIBackend) SubmitEmbeddingBatch(ctx context.Context, reqs []batchRequest) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range reqs {
		line := batchInputLine{
			CustomID: r.CorrelationID,
			Method:   "POST",
			URL:      "/v1/embeddings",
		}
		line.Body.Model = b.model
		line.Body.Input = r.Text
		if err := enc.Encode(line); err != nil {
			return "", fmt.Errorf("failed to encode batch line: %w", err)
		}
	}

	file, err := b.client.Files.New(ctx, openai.FileNewParams{
		File:    bytes.NewReader(buf.Bytes()),
		Purpose: openai.FilePurposeBatch,
	}, option.WithRequestTimeout(remoteBatchTimeout))
	if err != nil {
		return "", newBackendError("openai", "batch upload", classifyBatchError(err))
	}

	batch, err := b.client.Batches.New(ctx, openai.BatchNewParams{
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Endpoint:         openai.BatchNewParamsEndpointV1Embeddings,
		InputFileID:      file.ID,
	}, option.WithRequestTimeout(remoteBatchTimeout))
	if err != nil {
		return "", newBackendError("openai", "batch create", classifyBatchError(err))
	}

	return batch.ID, nil
}

// PollEmbeddingBatch reports the current state of a batch job.
func (b *openAIBackend) PollEmbeddingBatch(ctx context.Context, jobID string) (batchJobState, error) {
	batch, err := b.client.Batches.Get(ctx, jobID, option.WithRequestTimeout(remoteBatchTimeout))
	if err != nil {
		return batchJobFailed, newBackendError("openai", "batch poll", classifyBatchError(err))
	}

	switch batch.Status {
	case openai.BatchStatusCompleted:
		return batchJobCompleted, nil
	case openai.BatchStatusFailed, openai.BatchStatusExpired, openai.BatchStatusCancelled, openai.BatchStatusCancelling:
		return batchJobFailed, newBackendError("openai", "batch poll",
			fmt.Errorf("batch %s ended with status %s", jobID, batch.Status))
	default:
		return batchJobRunning, nil
	}
}

// FetchEmbeddingBatch downloads the output file and maps vectors back by
// correlation id. Ordering in the response is not assumed.
func (b *openAIBackend) FetchEmbeddingBatch(ctx context.Context, jobID string) (map[string][]float32, error) {
	batch, err := b.client.Batches.Get(ctx, jobID, option.WithRequestTimeout(remoteBatchTimeout))
	if err != nil {
		return nil, newBackendError("openai", "batch fetch", classifyBatchError(err))
	}
	if batch.OutputFileID == "" {
		return nil, newBackendError("openai", "batch fetch",
			fmt.Errorf("batch %s has no output file", jobID))
	}

	resp, err := b.client.Files.Content(ctx, batch.OutputFileID, option.WithRequestTimeout(remoteBatchTimeout))
	if err != nil {
		return nil, newBackendError("openai", "batch fetch", classifyBatchError(err))
	}
	defer resp.Body.Close()

	results := make(map[string][]float32)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line batchOutputLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, newBackendError("openai", "batch fetch",
				fmt.Errorf("malformed output line: %w", err))
		}
		if line.Error != nil || len(line.Response.Body.Data) == 0 {
			continue
		}
		results[line.CustomID] = toFloat32(line.Response.Body.Data[0].Embedding)
	}
	if err := scanner.Err(); err != nil {
		return nil, newBackendError("openai", "batch fetch", err)
	}

	return results, nil
}

// classifyBatchError distinguishes outright rejection of the batch capability
// from transient failures.
func classifyBatchError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 400 || apiErr.StatusCode == 404:
			return fmt.Errorf("%w: %s", ErrBatchRejected, apiErr.Message)
		default:
			return classifyHTTPStatus(apiErr.StatusCode, apiErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
