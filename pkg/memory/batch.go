package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/rs/zerolog"
)

// batchRequest is one chunk's entry in an asynchronous embedding job.
type batchRequest struct {
	CorrelationID string
	Text          string
}

// batchCorrelationID derives the deterministic correlation id used to map
// batch results back to chunks. Response ordering is never assumed.
func batchCorrelationID(source Source, path string, startLine, endLine int, contentHash string, seq int) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s\x1f%s\x1f%d\x1f%d\x1f%s\x1f%d",
		source, path, startLine, endLine, contentHash, seq))
	return hex.EncodeToString(h[:16])
}

// batchOrchestrator submits, polls and retrieves asynchronous bulk-embedding
// jobs. Failures accumulate in one process-wide counter; crossing the
// threshold disables batch mode for the remainder of the process, after which
// all embedding goes through the synchronous path. Counter mutation is
// serialized so concurrent indexing tasks cannot race the threshold check.
type batchOrchestrator struct {
	backend  batchJobBackend
	settings BatchSettings
	logger   zerolog.Logger

	mu        sync.Mutex
	failures  int
	disabled  bool
	submitted int
	completed int
}

func newBatchOrchestrator(backend EmbeddingBackend, settings BatchSettings, logger zerolog.Logger) *batchOrchestrator {
	o := &batchOrchestrator{settings: settings, logger: logger}
	if jb, ok := backend.(batchJobBackend); ok && settings.Enabled {
		o.backend = jb
	}
	return o
}

// Enabled reports whether the batch path is currently usable.
func (o *batchOrchestrator) Enabled() bool {
	if o.backend == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.disabled
}

// Stats returns a snapshot of batch orchestration state.
func (o *batchOrchestrator) Stats() BatchStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return BatchStats{
		Submitted: o.submitted,
		Completed: o.completed,
		Failures:  o.failures,
		Disabled:  o.disabled || o.backend == nil,
	}
}

// EmbedBatch runs one batch job for the given requests and maps vectors back
// by correlation id. Timeout errors are retried exactly once; a rejection of
// the batch capability disables batch mode immediately; other failures count
// toward the disable threshold. Callers fall back to synchronous embedding on
// any returned error.
func (o *batchOrchestrator) EmbedBatch(ctx context.Context, reqs []batchRequest) (map[string][]float32, error) {
	if !o.Enabled() {
		return nil, ErrBatchDisabled
	}

	results, err := o.runJob(ctx, reqs)
	if err != nil && isBatchTimeout(err) {
		observability.RecordBatchJob("timeout")
		o.logger.Warn().Err(err).Msg("Batch job timed out, retrying once")
		results, err = o.runJob(ctx, reqs)
	}

	if err != nil {
		o.recordFailure(err)
		return nil, err
	}

	o.recordSuccess()
	return results, nil
}

func (o *batchOrchestrator) runJob(ctx context.Context, reqs []batchRequest) (map[string][]float32, error) {
	jobID, err := o.backend.SubmitEmbeddingBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.submitted++
	o.mu.Unlock()
	observability.RecordBatchJob("submitted")

	deadline := time.Now().Add(o.settings.PollTimeout)
	for {
		state, err := o.backend.PollEmbeddingBatch(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if state == batchJobCompleted {
			break
		}
		if state == batchJobFailed {
			return nil, fmt.Errorf("batch job %s failed", jobID)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: job %s exceeded %s", ErrBatchTimeout, jobID, o.settings.PollTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.settings.PollInterval):
		}
	}

	return o.backend.FetchEmbeddingBatch(ctx, jobID)
}

func (o *batchOrchestrator) recordSuccess() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
	// A success before the threshold is hit resets the counter.
	if !o.disabled {
		o.failures = 0
	}
	observability.RecordBatchJob("completed")
}

func (o *batchOrchestrator) recordFailure(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if errors.Is(err, ErrBatchRejected) {
		// Capability advertised but refused: no point counting.
		o.disabled = true
		observability.RecordBatchJob("rejected")
		observability.SetBatchDisabled(true)
		o.logger.Warn().Err(err).Msg("Batch capability rejected by backend, disabling batch mode")
		return
	}

	observability.RecordBatchJob("failed")
	o.failures++
	if o.failures >= o.settings.FailureThreshold {
		o.disabled = true
		observability.SetBatchDisabled(true)
		o.logger.Warn().
			Int("failures", o.failures).
			Msg("Batch failure threshold reached, disabling batch mode for this process")
	}
}

func isBatchTimeout(err error) bool {
	return errors.Is(err, ErrBatchTimeout) || errors.Is(err, context.DeadlineExceeded)
}
