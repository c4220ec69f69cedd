package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// mockBackend generates deterministic embeddings from a text hash, so the
// same text always maps to the same vector.
type mockBackend struct {
	id    string
	model string
	dims  int

	mu         sync.Mutex
	queryCalls int
	batchCalls int
	embedErr   error
}

func newMockBackend(dims int) *mockBackend {
	return &mockBackend{id: "mock", model: "mock-embed", dims: dims}
}

func (b *mockBackend) ID() string          { return b.id }
func (b *mockBackend) Model() string       { return b.model }
func (b *mockBackend) Dimensions() int     { return b.dims }
func (b *mockBackend) Fingerprint() string { return keyFingerprint(b.id, b.model) }

func (b *mockBackend) vectorFor(text string) []float32 {
	hash := 0
	for _, c := range text {
		hash = hash*31 + int(c)
	}
	vec := make([]float32, b.dims)
	for i := range vec {
		vec[i] = float32((hash+i)%100) / 100.0
	}
	return vec
}

func (b *mockBackend) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	b.queryCalls++
	err := b.embedErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.vectorFor(text), nil
}

func (b *mockBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	b.mu.Lock()
	b.batchCalls++
	err := b.embedErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = b.vectorFor(t)
	}
	return out, nil
}

func (b *mockBackend) setEmbedErr(err error) {
	b.mu.Lock()
	b.embedErr = err
	b.mu.Unlock()
}

func (b *mockBackend) calls() (query, batch int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queryCalls, b.batchCalls
}

// lateDimsBackend reports dimensionality 0 until its first embedding call,
// like hosted models missing from the known-dimensions tables.
type lateDimsBackend struct {
	*mockBackend
}

func (b *lateDimsBackend) Dimensions() int {
	query, batch := b.calls()
	if query+batch == 0 {
		return 0
	}
	return b.mockBackend.dims
}

// mockBatchJobBackend scripts batch job lifecycles for orchestrator tests.
type mockBatchJobBackend struct {
	*mockBackend

	mu          sync.Mutex
	submitErr   error
	submitErrs  []error // consumed one per submit; nil entries succeed
	pollStates  []batchJobState
	pollIdx     int
	stuckJobs   map[string]struct{} // jobs that never leave running
	submits     int
	fetches     int
	lastTexts   map[string]string
	fetchOmit   map[string]struct{} // correlation ids withheld from results
	fetchVector []float32
}

func newMockBatchJobBackend(dims int) *mockBatchJobBackend {
	return &mockBatchJobBackend{
		mockBackend: newMockBackend(dims),
		stuckJobs:   make(map[string]struct{}),
		lastTexts:   make(map[string]string),
		fetchOmit:   make(map[string]struct{}),
	}
}

func (b *mockBatchJobBackend) SubmitEmbeddingBatch(ctx context.Context, reqs []batchRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		if err != nil {
			return "", err
		}
	} else if b.submitErr != nil {
		return "", b.submitErr
	}
	for _, r := range reqs {
		b.lastTexts[r.CorrelationID] = r.Text
	}
	return fmt.Sprintf("job-%d", b.submits), nil
}

func (b *mockBatchJobBackend) PollEmbeddingBatch(ctx context.Context, jobID string) (batchJobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, stuck := b.stuckJobs[jobID]; stuck {
		return batchJobRunning, nil
	}
	if b.pollIdx < len(b.pollStates) {
		state := b.pollStates[b.pollIdx]
		b.pollIdx++
		return state, nil
	}
	return batchJobCompleted, nil
}

func (b *mockBatchJobBackend) FetchEmbeddingBatch(ctx context.Context, jobID string) (map[string][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	out := make(map[string][]float32, len(b.lastTexts))
	for id, text := range b.lastTexts {
		if _, omit := b.fetchOmit[id]; omit {
			continue
		}
		if b.fetchVector != nil {
			out[id] = b.fetchVector
			continue
		}
		out[id] = b.vectorFor(text)
	}
	return out, nil
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// createTestStore opens a store in a temp dir. dims 0 disables the vector
// structure.
func createTestStore(t *testing.T, dims int) *Store {
	t.Helper()
	store, err := openStore(filepath.Join(t.TempDir(), "index.db"), dims, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// createTestWorkspace seeds a workspace with note files keyed by relative
// path.
func createTestWorkspace(t *testing.T, notes map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range notes {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}
