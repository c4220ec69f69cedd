package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestManager builds a keyword-only manager over a seeded workspace.
func createTestManager(t *testing.T, notes map[string]string) *Manager {
	t.Helper()

	workspace := createTestWorkspace(t, notes)
	settings := DefaultSettings()
	settings.Provider = "none"
	settings.Sources = []string{string(SourceMemory)}
	settings.Search.SyncOnSearch = false

	m, err := NewManager(context.Background(), ManagerOptions{
		AgentID:   "test-agent",
		Workspace: workspace,
		Settings:  settings,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerSyncAndStatus(t *testing.T) {
	m := createTestManager(t, map[string]string{
		"MEMORY.md":       "Root notes.",
		"memory/proj.md":  "Project X uses library A for caching.",
		"memory/infra.md": "Deploys go through staging.",
	})

	require.NoError(t, m.Sync(context.Background(), SyncOptions{Reason: "test"}))

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.Files)
	assert.Greater(t, st.Chunks, 0)
	assert.Equal(t, 3, st.FilesBySource[SourceMemory])
	assert.Empty(t, st.Provider)
	assert.NotEmpty(t, st.BackendReason)
	assert.False(t, st.Syncing)
	require.NotNil(t, st.LastSyncTime)
	assert.WithinDuration(t, time.Now(), *st.LastSyncTime, time.Minute)
}

func TestManagerSearch(t *testing.T) {
	m := createTestManager(t, map[string]string{
		"memory/proj.md": "Project X uses library A for caching.",
	})
	require.NoError(t, m.Sync(context.Background(), SyncOptions{}))

	t.Run("empty query returns empty set", func(t *testing.T) {
		results, err := m.Search(context.Background(), "", SearchOptions{})
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("keyword match", func(t *testing.T) {
		if m.storeSnapshot().KeywordSearchErr() != nil {
			t.Skipf("FTS5 unavailable")
		}
		results, err := m.Search(context.Background(), "caching library", SearchOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "memory/proj.md", results[0].Path)
	})
}

func TestManagerSyncReentrancy(t *testing.T) {
	m := createTestManager(t, map[string]string{
		"memory/a.md": "alpha notes",
		"memory/b.md": "beta notes",
	})

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			errs <- m.Sync(context.Background(), SyncOptions{Reason: "concurrent"})
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
	}

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Files)
}

func TestManagerWarmSession(t *testing.T) {
	m := createTestManager(t, map[string]string{"memory/a.md": "notes"})

	require.NoError(t, m.WarmSession(context.Background(), "chat-1"))
	st, err := m.Status(context.Background())
	require.NoError(t, err)
	first := st.LastSyncTime
	require.NotNil(t, first)

	// Second warm for the same key does not sync again.
	require.NoError(t, m.WarmSession(context.Background(), "chat-1"))
	st, err = m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, st.LastSyncTime)

	// A different key does.
	require.NoError(t, m.WarmSession(context.Background(), "chat-2"))
}

func TestManagerReadFile(t *testing.T) {
	m := createTestManager(t, map[string]string{
		"MEMORY.md":       "line 1\nline 2\nline 3\nline 4",
		"memory/notes.md": "note body",
	})

	t.Run("whole file", func(t *testing.T) {
		content, err := m.ReadFile("memory/notes.md", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, "note body", content)
	})

	t.Run("line range", func(t *testing.T) {
		content, err := m.ReadFile("MEMORY.md", 2, 2)
		require.NoError(t, err)
		assert.Equal(t, "line 2\nline 3", content)
	})

	t.Run("range past end", func(t *testing.T) {
		content, err := m.ReadFile("MEMORY.md", 10, 5)
		require.NoError(t, err)
		assert.Empty(t, content)
	})

	t.Run("guarded path", func(t *testing.T) {
		_, err := m.ReadFile("../outside.md", 0, 0)
		assert.Error(t, err)

		_, err = m.ReadFile("memory/data.json", 0, 0)
		assert.Error(t, err)
	})
}

func TestManagerListFiles(t *testing.T) {
	m := createTestManager(t, map[string]string{
		"MEMORY.md":        "root",
		"memory/infra.md":  "infra",
		"memory/people.md": "people",
	})

	t.Run("all files", func(t *testing.T) {
		files, err := m.ListFiles("")
		require.NoError(t, err)
		assert.Equal(t, []string{"MEMORY.md", "memory/infra.md", "memory/people.md"}, files)
	})

	t.Run("substring filter", func(t *testing.T) {
		files, err := m.ListFiles("infra")
		require.NoError(t, err)
		assert.Equal(t, []string{"memory/infra.md"}, files)
	})
}

func TestManagerCloseIdempotent(t *testing.T) {
	m := createTestManager(t, map[string]string{"memory/a.md": "x"})
	require.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestManagerNotesWatcherMarksDirty(t *testing.T) {
	m := createTestManager(t, map[string]string{"memory/a.md": "original"})
	require.NoError(t, m.Sync(context.Background(), SyncOptions{}))

	require.NoError(t, os.WriteFile(
		filepath.Join(m.workspace, "memory", "a.md"),
		[]byte("updated content"), 0o644))

	// The watcher debounce marks dirty and kicks a background sync.
	require.Eventually(t, func() bool {
		hash, ok, err := m.storeSnapshot().FileHash("memory/a.md", SourceMemory)
		if err != nil || !ok {
			return false
		}
		return hash == hashBytes([]byte("updated content"))
	}, 5*time.Second, 50*time.Millisecond)
}

func TestManagerWatchesNestedDirs(t *testing.T) {
	m := createTestManager(t, map[string]string{
		"memory/team/people.md": "original roster",
	})
	require.NoError(t, m.Sync(context.Background(), SyncOptions{}))

	t.Run("nested subdirectory", func(t *testing.T) {
		require.NoError(t, os.WriteFile(
			filepath.Join(m.workspace, "memory", "team", "people.md"),
			[]byte("updated roster"), 0o644))

		require.Eventually(t, func() bool {
			hash, ok, err := m.storeSnapshot().FileHash("memory/team/people.md", SourceMemory)
			return err == nil && ok && hash == hashBytes([]byte("updated roster"))
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("directory created after start", func(t *testing.T) {
		newDir := filepath.Join(m.workspace, "memory", "infra")
		require.NoError(t, os.MkdirAll(newDir, 0o755))
		require.NoError(t, os.WriteFile(
			filepath.Join(newDir, "deploys.md"),
			[]byte("staging first"), 0o644))

		require.Eventually(t, func() bool {
			_, ok, err := m.storeSnapshot().FileHash("memory/infra/deploys.md", SourceMemory)
			return err == nil && ok
		}, 5*time.Second, 50*time.Millisecond)
	})
}

func TestManagerWatchesExtraPaths(t *testing.T) {
	workspace := createTestWorkspace(t, map[string]string{
		"docs/guide.md": "original guide",
	})
	settings := DefaultSettings()
	settings.Provider = "none"
	settings.Sources = []string{string(SourceMemory)}
	settings.Search.SyncOnSearch = false
	settings.ExtraPaths = []string{"docs"}

	m, err := NewManager(context.Background(), ManagerOptions{
		AgentID:   "test-agent",
		Workspace: workspace,
		Settings:  settings,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Sync(context.Background(), SyncOptions{}))

	require.NoError(t, os.WriteFile(
		filepath.Join(workspace, "docs", "guide.md"),
		[]byte("updated guide"), 0o644))

	require.Eventually(t, func() bool {
		hash, ok, err := m.storeSnapshot().FileHash("docs/guide.md", SourceMemory)
		return err == nil && ok && hash == hashBytes([]byte("updated guide"))
	}, 5*time.Second, 50*time.Millisecond)
}

func TestManagerFallbackSwitch(t *testing.T) {
	m := createTestManager(t, map[string]string{"memory/a.md": "alpha notes"})

	primary := newMockBackend(4)
	primary.setEmbedErr(newBackendError("mock", "embed", ErrBackendUnavailable))
	fallback := newMockBackend(4)
	fallback.model = "mock-embed-fallback"

	var resolverCalls int
	m.mu.Lock()
	m.cache.rebind(m.store, primary)
	m.batch = newBatchOrchestrator(primary, BatchSettings{}, testLogger())
	m.embed = newEmbedOps(primary, m.cache, m.batch, testLogger())
	m.embed.retry = fastRetryPolicy()
	m.engine.embed = m.embed
	m.resolveFallback = func(context.Context, Settings, zerolog.Logger) (EmbeddingBackend, string, error) {
		resolverCalls++
		return fallback, "", nil
	}
	m.mu.Unlock()

	// The failing primary trips the switch and the sync retries under the
	// fallback, rebuilding the index in the fallback's vector space.
	require.NoError(t, m.Sync(context.Background(), SyncOptions{Reason: "primary-down"}))

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.FallbackActive)
	assert.Equal(t, "mock-embed-fallback", st.Model)
	assert.Equal(t, 1, resolverCalls)

	meta, err := m.storeSnapshot().GetIndexMeta()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "mock-embed-fallback", meta.Model, "rebuild ran under the fallback identity")

	// A failure of the fallback itself does not switch again.
	m.mu.Lock()
	m.embed.retry = fastRetryPolicy()
	m.mu.Unlock()
	fallback.setEmbedErr(newBackendError("mock", "embed", ErrBackendUnavailable))

	err = m.Sync(context.Background(), SyncOptions{Force: true, Reason: "fallback-down"})
	require.Error(t, err)
	assert.Equal(t, 1, resolverCalls)
}
