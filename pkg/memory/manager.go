package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
)

const tracerName = "mnemo/memory"

// storeDirName is the engine's state directory inside the workspace.
const storeDirName = ".mnemo"

const storeFileName = "index.db"

// janitorSchedule trims the embedding cache periodically.
const janitorSchedule = "@every 10m"

// ManagerOptions configures one Manager.
type ManagerOptions struct {
	AgentID   string
	Workspace string
	Settings  Settings
	// Bus carries transcript growth events from the chat runtime. Optional.
	Bus    *SessionBus
	Logger zerolog.Logger
}

// Manager is the façade over one agent's memory store: it owns the store
// handle, the embedding pipeline, the dirty trackers and the sync/search
// entry points. One Manager per (agent, workspace, settings); use a Registry
// to share instances.
type Manager struct {
	agentID     string
	workspace   string
	sessionsDir string
	settings    Settings
	logger      zerolog.Logger

	mu             sync.RWMutex
	store          *Store
	embed          *embedOps
	cache          *embeddingCache
	backendReason  string
	fallbackActive bool
	dirty          bool
	syncing        bool
	lastSync       *time.Time

	engine  *syncEngine
	search  *searchEngine
	batch   *batchOrchestrator
	tracker *sessionTracker
	watcher *notesWatcher
	janitor *cron.Cron

	// resolveFallback builds the fallback backend when the primary fails.
	resolveFallback func(context.Context, Settings, zerolog.Logger) (EmbeddingBackend, string, error)

	syncMu   sync.Mutex
	inflight *syncCall

	warmMu sync.Mutex
	warmed map[string]struct{}

	// onClose is set by the owning Registry for deregistration.
	onClose func()

	closeOnce sync.Once
}

type syncCall struct {
	done chan struct{}
	err  error
}

// NewManager opens the store, resolves the embedding backend and starts the
// background trackers. A missing backend is not an error: the manager runs in
// keyword-only mode and Status reports the reason.
func NewManager(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	if opts.Workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	settings := opts.Settings.normalized()
	logger := opts.Logger.With().Str("component", "memory").Str("agent_id", opts.AgentID).Logger()

	observability.EnsureRegistered()

	backend, reason, err := ResolveBackend(ctx, settings, logger)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		logger.Warn().Str("reason", reason).Msg("No embedding backend, running keyword-only")
	} else {
		logger.Info().Str("provider", backend.ID()).Str("model", backend.Model()).Msg("Embedding backend resolved")
	}

	storeDir := filepath.Join(opts.Workspace, storeDirName)
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dims := 0
	if backend != nil {
		dims = backend.Dimensions()
	}
	store, err := openStore(filepath.Join(storeDir, storeFileName), dims, logger)
	if err != nil {
		return nil, err
	}

	cache := newEmbeddingCache(store, backend, settings.CacheMaxEntries, logger)
	batch := newBatchOrchestrator(backend, settings.Batch, logger)

	var embed *embedOps
	if backend != nil {
		embed = newEmbedOps(backend, cache, batch, logger)
	}

	sessionsDir := settings.SessionsDir

	m := &Manager{
		agentID:       opts.AgentID,
		workspace:     opts.Workspace,
		sessionsDir:   sessionsDir,
		settings:      settings,
		logger:        logger,
		store:         store,
		embed:         embed,
		cache:         cache,
		batch:         batch,
		backendReason: reason,
		search:        &searchEngine{settings: settings.Search, logger: logger},
		warmed:        make(map[string]struct{}),

		resolveFallback: resolveFallbackBackend,
	}

	m.tracker = newSessionTracker(opts.Bus, settings.SessionDelta, logger, m.onSessionThreshold)
	m.engine = &syncEngine{
		workspace:   opts.Workspace,
		sessionsDir: sessionsDir,
		settings:    settings,
		embed:       embed,
		cache:       cache,
		tracker:     m.tracker,
		logger:      logger,
	}

	if settings.hasSource(SourceMemory) {
		watcher, err := newNotesWatcher(logger, settings.NotesDebounce, m.onNotesDirty)
		if err != nil {
			logger.Warn().Err(err).Msg("Notes watcher unavailable, relying on explicit sync")
		} else {
			m.watcher = watcher
			watcher.Watch(opts.Workspace)
			notesDir := filepath.Join(opts.Workspace, memoryDirName)
			if _, statErr := os.Stat(notesDir); statErr == nil {
				if err := watcher.WatchTree(notesDir); err != nil {
					logger.Debug().Err(err).Msg("Failed to watch notes subdirectories")
				}
			}
			for _, extra := range settings.ExtraPaths {
				abs := extra
				if !filepath.IsAbs(abs) {
					abs = filepath.Join(opts.Workspace, extra)
				}
				info, statErr := os.Stat(abs)
				if statErr != nil {
					continue
				}
				if info.IsDir() {
					if err := watcher.WatchTree(abs); err != nil {
						logger.Debug().Err(err).Str("path", extra).Msg("Failed to watch extra path")
					}
				} else {
					watcher.Watch(filepath.Dir(abs))
				}
			}
		}
	}

	m.janitor = cron.New()
	m.janitor.AddFunc(janitorSchedule, func() {
		if err := m.cacheSnapshot().Evict(); err != nil {
			logger.Debug().Err(err).Msg("Cache eviction failed")
		}
	})
	m.janitor.Start()

	return m, nil
}

func (m *Manager) cacheSnapshot() *embeddingCache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache
}

func (m *Manager) onNotesDirty() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
	observability.RecordDirtyMark(string(SourceMemory))

	go func() {
		if err := m.Sync(context.Background(), SyncOptions{Reason: "notes-changed"}); err != nil {
			m.logger.Warn().Err(err).Msg("Background sync after note change failed")
		}
	}()
}

func (m *Manager) onSessionThreshold(dirtyFiles []string) {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
	observability.RecordDirtyMark(string(SourceSessions))

	go func() {
		if err := m.Sync(context.Background(), SyncOptions{Reason: "session-delta"}); err != nil {
			m.logger.Warn().Err(err).Int("sessions", len(dirtyFiles)).
				Msg("Background sync after session growth failed")
		}
	}()
}

// Sync brings the index up to date. Reentrant: concurrent callers share the
// one in-flight attempt rather than racing duplicate reindexes.
func (m *Manager) Sync(ctx context.Context, opts SyncOptions) error {
	m.syncMu.Lock()
	if m.inflight != nil {
		call := m.inflight
		m.syncMu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &syncCall{done: make(chan struct{})}
	m.inflight = call
	m.syncMu.Unlock()

	err := m.runSync(ctx, opts)

	m.syncMu.Lock()
	m.inflight = nil
	m.syncMu.Unlock()

	call.err = err
	close(call.done)
	return err
}

func (m *Manager) runSync(ctx context.Context, opts SyncOptions) error {
	runID, _ := gonanoid.New(8)
	ctx = tracing.WithSyncID(ctx, runID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.sync",
		attribute.String("sync.reason", opts.Reason),
		attribute.Bool("sync.force", opts.Force),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	m.mu.Lock()
	m.syncing = true
	store := m.store
	m.mu.Unlock()

	start := time.Now()
	newStore, outcome, err := m.engine.Run(ctx, store, opts)

	var backendErr *BackendError
	if err != nil && errors.As(err, &backendErr) {
		if switched := m.switchToFallback(ctx, logger, backendErr); switched {
			// Fallback backends embed differently, so the index rebuilds.
			forced := opts
			forced.Force = true
			newStore, outcome, err = m.engine.Run(ctx, m.storeSnapshot(), forced)
		}
	}

	m.mu.Lock()
	m.syncing = false
	if newStore != nil {
		m.store = newStore
	}
	if err == nil {
		now := time.Now()
		m.lastSync = &now
		m.dirty = false
	}
	m.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("reason", opts.Reason).Msg("Memory sync failed")
		return err
	}

	observability.RecordSync(outcome.Mode, time.Since(start))
	m.publishIndexGauges()

	logger.Info().
		Str("mode", outcome.Mode).
		Str("reason", opts.Reason).
		Int("files_indexed", outcome.FilesIndexed).
		Int("files_pruned", outcome.FilesPruned).
		Int("chunks_written", outcome.ChunksWritten).
		Dur("elapsed", time.Since(start)).
		Msg("Memory sync complete")
	return nil
}

func (m *Manager) storeSnapshot() *Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store
}

// switchToFallback swaps the embedding pipeline to the configured fallback
// backend. At most one switch happens per process; it forces a full reindex
// since fallback vectors live in a different space.
func (m *Manager) switchToFallback(ctx context.Context, logger zerolog.Logger, cause *BackendError) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fallbackActive {
		return false
	}

	fallback, reason, err := m.resolveFallback(ctx, m.settings, m.logger)
	if err != nil || fallback == nil {
		logger.Warn().Err(err).Str("reason", reason).
			Str("failed_provider", cause.Provider).
			Msg("Primary embedding backend failed and no fallback is usable")
		return false
	}

	logger.Warn().
		Str("failed_provider", cause.Provider).
		Str("fallback_provider", fallback.ID()).
		Msg("Switching to fallback embedding backend")

	m.fallbackActive = true
	m.batch = newBatchOrchestrator(fallback, m.settings.Batch, m.logger)
	m.cache.rebind(m.store, fallback)
	m.embed = newEmbedOps(fallback, m.cache, m.batch, m.logger)
	m.engine.embed = m.embed
	observability.RecordBackendFallback()
	return true
}

// Search answers one ranked query against the current index snapshot.
func (m *Manager) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if opts.SessionKey != "" {
		ctx = tracing.WithSessionKey(ctx, opts.SessionKey)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.search",
		attribute.Int("search.max_results", opts.MaxResults),
	)
	defer span.End()

	m.mu.RLock()
	store, embed, dirty := m.store, m.embed, m.dirty
	m.mu.RUnlock()

	if m.settings.Search.SyncOnSearch && dirty {
		go func() {
			if err := m.Sync(context.Background(), SyncOptions{Reason: "search-triggered"}); err != nil {
				m.logger.Debug().Err(err).Msg("Search-triggered sync failed")
			}
		}()
	}

	results, err := m.search.Search(ctx, store, embed, query, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("search.results", len(results)))
	return results, nil
}

// WarmSession syncs the index once per session key, so a session's first
// search sees fresh data. Subsequent calls for the same key are no-ops.
func (m *Manager) WarmSession(ctx context.Context, sessionKey string) error {
	m.warmMu.Lock()
	if _, done := m.warmed[sessionKey]; done {
		m.warmMu.Unlock()
		return nil
	}
	m.warmed[sessionKey] = struct{}{}
	m.warmMu.Unlock()

	ctx = tracing.WithSessionKey(ctx, sessionKey)
	return m.Sync(ctx, SyncOptions{Reason: "session-warm"})
}

// ReadFile reads a note file by workspace-relative path, optionally slicing a
// 1-based line range. Only markdown under the allowed note roots is readable.
func (m *Manager) ReadFile(relPath string, fromLine, lineCount int) (string, error) {
	full, err := resolveNotePath(m.workspace, relPath)
	if err != nil {
		return "", err
	}

	content, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	if fromLine <= 0 && lineCount <= 0 {
		return string(content), nil
	}

	lines := strings.Split(string(content), "\n")
	start := fromLine - 1
	if start < 0 {
		start = 0
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if lineCount > 0 && start+lineCount < end {
		end = start + lineCount
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// ListFiles enumerates indexed note paths, optionally filtered by a glob
// pattern matched against the relative path.
func (m *Manager) ListFiles(pattern string) ([]string, error) {
	files, err := enumerateMemoryFiles(m.workspace, m.settings.ExtraPaths)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(files))
	for _, f := range files {
		if pattern != "" {
			ok, err := path.Match(pattern, f.Path)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			if !ok && !strings.Contains(f.Path, pattern) {
				continue
			}
		}
		out = append(out, f.Path)
	}
	return out, nil
}

// Status reports the manager's current state.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	m.mu.RLock()
	store := m.store
	embed := m.embed
	batch := m.batch
	st := Status{
		Dirty:          m.dirty,
		Syncing:        m.syncing,
		LastSyncTime:   m.lastSync,
		BackendReason:  m.backendReason,
		FallbackActive: m.fallbackActive,
	}
	m.mu.RUnlock()

	files, chunks, filesBySource, chunksBySource, err := store.Counts()
	if err != nil {
		return Status{}, err
	}
	st.Files = files
	st.Chunks = chunks
	st.FilesBySource = filesBySource
	st.ChunksBySource = chunksBySource

	if embed != nil {
		st.Provider = embed.backend.ID()
		st.Model = embed.backend.Model()
	}
	if err := store.VectorSearchErr(); err != nil {
		st.VectorSearchErr = err.Error()
	}
	if err := store.KeywordSearchErr(); err != nil {
		st.KeywordSearchErr = err.Error()
	}

	st.Cache = m.cacheSnapshot().Stats()
	st.Batch = batch.Stats()

	observability.SetIndexedChunks(chunks)
	return st, nil
}

func (m *Manager) publishIndexGauges() {
	store := m.storeSnapshot()
	_, chunks, filesBySource, _, err := store.Counts()
	if err != nil {
		return
	}
	for src, n := range filesBySource {
		observability.SetIndexedFiles(string(src), n)
	}
	observability.SetIndexedChunks(chunks)
}

// Close stops the background trackers and closes the store. Safe to call
// multiple times.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.syncMu.Lock()
		inflight := m.inflight
		m.syncMu.Unlock()
		if inflight != nil {
			<-inflight.done
		}
		if m.janitor != nil {
			m.janitor.Stop()
		}
		if m.watcher != nil {
			m.watcher.Stop()
		}
		if m.tracker != nil {
			m.tracker.Stop()
		}
		if m.onClose != nil {
			m.onClose()
		}
		err = m.storeSnapshot().Close()
	})
	return err
}
