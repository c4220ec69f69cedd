package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/harun/mnemo/internal/observability"
	"github.com/rs/zerolog"
)

// Synchronous fallback sub-batches are bounded by item count and an
// approximate token budget so one oversized request cannot stall a worker.
const (
	maxSyncBatchItems  = 64
	maxSyncBatchTokens = 8000
)

// embedOps orchestrates embedding production: cache first, then the batch
// job path when available, then token-budgeted synchronous sub-batches.
type embedOps struct {
	backend EmbeddingBackend
	cache   *embeddingCache
	batch   *batchOrchestrator
	retry   retryPolicy
	logger  zerolog.Logger
}

func newEmbedOps(backend EmbeddingBackend, cache *embeddingCache, batch *batchOrchestrator, logger zerolog.Logger) *embedOps {
	return &embedOps{
		backend: backend,
		cache:   cache,
		batch:   batch,
		retry:   defaultRetryPolicy(),
		logger:  logger,
	}
}

func textHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// EmbedQuery embeds one query text with retry. No caching: queries are
// rarely repeated verbatim and must reflect the current backend.
func (e *embedOps) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := withRetry(ctx, e.retry, func() error {
		var callErr error
		vec, callErr = e.backend.EmbedQuery(ctx, text)
		if callErr != nil {
			observability.RecordEmbedCall(e.backend.ID(), "error")
		} else {
			observability.RecordEmbedCall(e.backend.ID(), "ok")
		}
		return callErr
	})
	return vec, err
}

// EmbedChunks fills chunk embeddings in place. Chunks whose text is cached
// never reach the backend. The remainder goes through one batch job when the
// orchestrator allows it; on any batch failure the same chunks fall through
// to the synchronous path transparently.
func (e *embedOps) EmbedChunks(ctx context.Context, chunks []Chunk) ([]Chunk, error) {
	var pending []int
	for i := range chunks {
		if vec, ok := e.cache.Get(textHash(chunks[i].Text)); ok {
			chunks[i].Embedding = vec
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return chunks, nil
	}

	if e.batch.Enabled() {
		pending = e.embedViaBatch(ctx, chunks, pending)
		if len(pending) == 0 {
			return chunks, nil
		}
	}

	if err := e.embedSync(ctx, chunks, pending); err != nil {
		return nil, err
	}
	return chunks, nil
}

// embedViaBatch runs one batch job for the pending chunks and returns the
// indexes that still need the synchronous path.
func (e *embedOps) embedViaBatch(ctx context.Context, chunks []Chunk, pending []int) []int {
	reqs := make([]batchRequest, 0, len(pending))
	byCorrelation := make(map[string]int, len(pending))
	for seq, i := range pending {
		c := chunks[i]
		id := batchCorrelationID(c.Source, c.Path, c.StartLine, c.EndLine, c.Hash, seq)
		reqs = append(reqs, batchRequest{CorrelationID: id, Text: c.Text})
		byCorrelation[id] = i
	}

	results, err := e.batch.EmbedBatch(ctx, reqs)
	if err != nil {
		e.logger.Warn().Err(err).Int("chunks", len(pending)).
			Msg("Batch embedding failed, falling back to synchronous path")
		return pending
	}

	var leftover []int
	for id, i := range byCorrelation {
		vec, ok := results[id]
		if !ok {
			leftover = append(leftover, i)
			continue
		}
		chunks[i].Embedding = vec
		e.cache.Put(textHash(chunks[i].Text), vec)
	}
	return leftover
}

// embedSync embeds the pending chunks in token-budgeted sub-batches.
func (e *embedOps) embedSync(ctx context.Context, chunks []Chunk, pending []int) error {
	for start := 0; start < len(pending); {
		end := start
		tokens := 0
		for end < len(pending) && end-start < maxSyncBatchItems {
			t := estimateTokens(chunks[pending[end]].Text)
			if end > start && tokens+t > maxSyncBatchTokens {
				break
			}
			tokens += t
			end++
		}

		texts := make([]string, 0, end-start)
		for _, i := range pending[start:end] {
			texts = append(texts, chunks[i].Text)
		}

		var vecs [][]float32
		err := withRetry(ctx, e.retry, func() error {
			var callErr error
			vecs, callErr = e.backend.EmbedBatch(ctx, texts)
			if callErr != nil {
				observability.RecordEmbedCall(e.backend.ID(), "error")
			} else {
				observability.RecordEmbedCall(e.backend.ID(), "ok")
			}
			return callErr
		})
		if err != nil {
			return err
		}

		for n, i := range pending[start:end] {
			chunks[i].Embedding = vecs[n]
			e.cache.Put(textHash(chunks[i].Text), vecs[n])
		}

		start = end
	}
	return nil
}
