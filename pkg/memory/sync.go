package memory

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// syncEngine decides between incremental sync and a full atomic rebuild, and
// executes either. It owns no store handle: the current store is passed in
// and (after a successful full rebuild) a reopened one is handed back.
type syncEngine struct {
	workspace   string
	sessionsDir string
	settings    Settings
	embed       *embedOps // nil in keyword-only mode
	cache       *embeddingCache
	tracker     *sessionTracker
	logger      zerolog.Logger
}

type syncOutcome struct {
	Mode          string // "full" or "incremental"
	FilesIndexed  int
	FilesPruned   int
	ChunksWritten int
}

func (e *syncEngine) backend() EmbeddingBackend {
	if e.embed == nil {
		return nil
	}
	return e.embed.backend
}

// currentMeta builds the index fingerprint for the active configuration.
func (e *syncEngine) currentMeta() IndexMeta {
	meta := IndexMeta{
		Sources:      append([]string(nil), e.settings.Sources...),
		ChunkTokens:  e.settings.ChunkTokens,
		ChunkOverlap: e.settings.ChunkOverlap,
	}
	if b := e.backend(); b != nil {
		meta.Provider = b.ID()
		meta.Model = b.Model()
		meta.KeyFingerprint = b.Fingerprint()
		meta.VectorDims = b.Dimensions()
	}
	return meta
}

// resolveDims returns the backend's vector dimensionality. Models missing
// from the known-dimensions tables report 0 until their first call, so embed
// once here: the shadow store must be created with the vector structure or
// every similarity search afterwards fails on a missing table.
func (e *syncEngine) resolveDims(ctx context.Context) (int, error) {
	b := e.backend()
	if b == nil {
		return 0, nil
	}
	if d := b.Dimensions(); d > 0 {
		return d, nil
	}
	if _, err := e.embed.EmbedQuery(ctx, "init"); err != nil {
		return 0, fmt.Errorf("failed to determine embedding dimensionality: %w", err)
	}
	return b.Dimensions(), nil
}

// needsFullReindex reports whether the store must be rebuilt from scratch.
func (e *syncEngine) needsFullReindex(store *Store, force bool) (bool, string) {
	if force {
		return true, "forced"
	}
	stored, err := store.GetIndexMeta()
	if err != nil {
		return true, "unreadable index meta"
	}
	if stored == nil {
		return true, "no index meta"
	}

	current := e.currentMeta()
	if stored.Provider != current.Provider || stored.Model != current.Model || stored.KeyFingerprint != current.KeyFingerprint {
		return true, "embedding backend changed"
	}
	if !equalStrings(stored.Sources, current.Sources) {
		return true, "source set changed"
	}
	if stored.ChunkTokens != current.ChunkTokens || stored.ChunkOverlap != current.ChunkOverlap {
		return true, "chunking parameters changed"
	}
	if current.VectorDims > 0 && stored.VectorDims == 0 {
		return true, "similarity search enabled without recorded dimensionality"
	}
	return false, ""
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Run executes one sync. The returned store is the live store afterwards; it
// differs from the input only when a full rebuild swapped in a shadow store.
func (e *syncEngine) Run(ctx context.Context, store *Store, opts SyncOptions) (*Store, syncOutcome, error) {
	full, reason := e.needsFullReindex(store, opts.Force)
	if full {
		e.logger.Info().Str("reason", reason).Msg("Full reindex required")
		newStore, outcome, err := e.fullReindex(ctx, store, opts)
		return newStore, outcome, err
	}

	outcome, err := e.incrementalSync(ctx, store, opts)
	return store, outcome, err
}

// incrementalSync re-indexes only changed files and prunes rows for files
// that are no longer enumerable.
func (e *syncEngine) incrementalSync(ctx context.Context, store *Store, opts SyncOptions) (syncOutcome, error) {
	outcome := syncOutcome{Mode: "incremental"}

	if e.settings.hasSource(SourceMemory) {
		files, err := enumerateMemoryFiles(e.workspace, e.settings.ExtraPaths)
		if err != nil {
			return outcome, fmt.Errorf("failed to enumerate notes: %w", err)
		}

		var changed []FileInfo
		for _, f := range files {
			stored, ok, err := store.FileHash(f.Path, SourceMemory)
			if err != nil {
				return outcome, err
			}
			if !ok || stored != f.Hash {
				changed = append(changed, f)
			}
		}

		n, chunks, err := e.indexFiles(ctx, store, changed, opts.OnProgress)
		outcome.FilesIndexed += n
		outcome.ChunksWritten += chunks
		if err != nil {
			return outcome, err
		}

		pruned, err := e.pruneStale(store, SourceMemory, files)
		outcome.FilesPruned += pruned
		if err != nil {
			return outcome, err
		}
	}

	if e.settings.hasSource(SourceSessions) && e.sessionsDir != "" {
		files, err := enumerateSessionFiles(e.sessionsDir)
		if err != nil {
			return outcome, fmt.Errorf("failed to enumerate sessions: %w", err)
		}

		dirtySet := make(map[string]struct{})
		for _, f := range e.tracker.DirtyFiles() {
			dirtySet[f] = struct{}{}
		}

		var changed []FileInfo
		for _, f := range files {
			if _, dirty := dirtySet[f.AbsPath]; dirty {
				changed = append(changed, f)
				continue
			}
			stored, ok, err := store.FileHash(f.Path, SourceSessions)
			if err != nil {
				return outcome, err
			}
			if !ok || stored != f.Hash {
				changed = append(changed, f)
			}
		}

		n, chunks, err := e.indexFiles(ctx, store, changed, opts.OnProgress)
		outcome.FilesIndexed += n
		outcome.ChunksWritten += chunks
		if err != nil {
			return outcome, err
		}

		pruned, err := e.pruneStale(store, SourceSessions, files)
		outcome.FilesPruned += pruned
		if err != nil {
			return outcome, err
		}
	}

	return outcome, nil
}

// fullReindex performs a crash-safe rebuild: index into a shadow store at a
// temp path, then atomically swap it in. On any failure before the swap the
// shadow is discarded and the live store stays untouched; the live path is
// never left missing.
func (e *syncEngine) fullReindex(ctx context.Context, live *Store, opts SyncOptions) (*Store, syncOutcome, error) {
	outcome := syncOutcome{Mode: "full"}

	livePath := live.Path()
	shadowPath := fmt.Sprintf("%s.shadow-%s", livePath, uuid.NewString()[:8])
	backupPath := livePath + ".backup"

	dims, err := e.resolveDims(ctx)
	if err != nil {
		return live, outcome, err
	}

	shadow, err := openStore(shadowPath, dims, e.logger)
	if err != nil {
		return live, outcome, fmt.Errorf("failed to open shadow store: %w", err)
	}

	discardShadow := func() {
		shadow.Close()
		os.Remove(shadowPath)
		e.cache.rebind(live, e.backend())
	}

	// Seed the shadow's embedding cache from the live store before the live
	// store is discarded, so warm entries survive the rebuild.
	if err := seedCacheFrom(live, shadow, e.settings.CacheMaxEntries); err != nil {
		e.logger.Warn().Err(err).Msg("Cache seeding failed, rebuilding cold")
	}
	e.cache.rebind(shadow, e.backend())

	var all []FileInfo
	if e.settings.hasSource(SourceMemory) {
		files, err := enumerateMemoryFiles(e.workspace, e.settings.ExtraPaths)
		if err != nil {
			discardShadow()
			return live, outcome, fmt.Errorf("failed to enumerate notes: %w", err)
		}
		all = append(all, files...)
	}
	if e.settings.hasSource(SourceSessions) && e.sessionsDir != "" {
		files, err := enumerateSessionFiles(e.sessionsDir)
		if err != nil {
			discardShadow()
			return live, outcome, fmt.Errorf("failed to enumerate sessions: %w", err)
		}
		all = append(all, files...)
	}

	n, chunks, err := e.indexFiles(ctx, shadow, all, opts.OnProgress)
	outcome.FilesIndexed = n
	outcome.ChunksWritten = chunks
	if err != nil {
		discardShadow()
		return live, outcome, err
	}

	if err := shadow.PutIndexMeta(e.currentMeta()); err != nil {
		discardShadow()
		return live, outcome, fmt.Errorf("failed to write index meta: %w", err)
	}

	// Ordered swap. Both stores are closed first so sqlite checkpoints WAL
	// into the main files.
	shadow.Close()
	live.Close()

	os.Remove(backupPath)
	if err := os.Rename(livePath, backupPath); err != nil {
		os.Remove(shadowPath)
		reopened, openErr := openStore(livePath, dims, e.logger)
		if openErr != nil {
			return nil, outcome, fmt.Errorf("failed to back up live store: %v (reopen failed: %w)", err, openErr)
		}
		e.cache.rebind(reopened, e.backend())
		return reopened, outcome, fmt.Errorf("failed to back up live store: %w", err)
	}
	if err := os.Rename(shadowPath, livePath); err != nil {
		// Restore the backup so the live path is never left missing.
		if restoreErr := os.Rename(backupPath, livePath); restoreErr != nil {
			return nil, outcome, fmt.Errorf("store swap failed and backup restore failed: %v (swap: %w)", restoreErr, err)
		}
		os.Remove(shadowPath)
		reopened, openErr := openStore(livePath, dims, e.logger)
		if openErr != nil {
			return nil, outcome, fmt.Errorf("store swap failed: %v (reopen failed: %w)", err, openErr)
		}
		e.cache.rebind(reopened, e.backend())
		return reopened, outcome, fmt.Errorf("store swap failed: %w", err)
	}
	os.Remove(backupPath)

	// Reopen the swapped-in store, re-probing optional capabilities fresh.
	reopened, err := openStore(livePath, dims, e.logger)
	if err != nil {
		return nil, outcome, fmt.Errorf("failed to reopen store after swap: %w", err)
	}
	e.cache.rebind(reopened, e.backend())

	return reopened, outcome, nil
}

// indexFiles indexes the given files with bounded concurrency. Embedding
// calls are the suspension points: a task awaiting a remote call does not
// block its siblings.
func (e *syncEngine) indexFiles(ctx context.Context, store *Store, files []FileInfo, onProgress func(string, int, int)) (int, int, error) {
	if len(files) == 0 {
		return 0, 0, nil
	}

	concurrency := e.settings.IndexConcurrency
	if e.embed != nil && e.embed.batch.Enabled() {
		concurrency = e.settings.Batch.Concurrency
	}

	var mu sync.Mutex
	indexed, chunksWritten := 0, 0

	p := pool.New().WithErrors().WithMaxGoroutines(concurrency).WithContext(ctx)
	for _, f := range files {
		f := f
		p.Go(func(ctx context.Context) error {
			chunks, err := e.indexFile(ctx, store, f)
			if err != nil {
				return fmt.Errorf("failed to index %s: %w", f.Path, err)
			}
			mu.Lock()
			indexed++
			chunksWritten += chunks
			done := indexed
			mu.Unlock()
			if onProgress != nil {
				onProgress("indexing", done, len(files))
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return indexed, chunksWritten, err
	}

	return indexed, chunksWritten, nil
}

// indexFile chunks, embeds and stores one file.
func (e *syncEngine) indexFile(ctx context.Context, store *Store, f FileInfo) (int, error) {
	content, err := os.ReadFile(f.AbsPath)
	if err != nil {
		return 0, err
	}

	model := ""
	if b := e.backend(); b != nil {
		model = b.Model()
	}

	spans := ChunkMarkdown(string(content), e.settings.ChunkTokens, e.settings.ChunkOverlap)
	now := time.Now()
	chunks := make([]Chunk, 0, len(spans))
	for _, span := range spans {
		chunks = append(chunks, Chunk{
			ID:        ChunkID(f.Source, f.Path, span.StartLine, span.EndLine, f.Hash, model),
			Path:      f.Path,
			Source:    f.Source,
			StartLine: span.StartLine,
			EndLine:   span.EndLine,
			Hash:      f.Hash,
			Model:     model,
			Text:      span.Text,
			UpdatedAt: now,
		})
	}

	if e.embed != nil && len(chunks) > 0 {
		chunks, err = e.embed.EmbedChunks(ctx, chunks)
		if err != nil {
			return 0, err
		}
	}

	if err := store.ReplaceFileChunks(f, chunks); err != nil {
		return 0, err
	}

	if f.Source == SourceSessions && e.tracker != nil {
		e.tracker.MarkIndexed(f.AbsPath, f.Size)
	}

	return len(chunks), nil
}

// pruneStale deletes rows for files of one source that are no longer
// enumerable.
func (e *syncEngine) pruneStale(store *Store, source Source, enumerated []FileInfo) (int, error) {
	keep := make(map[string]struct{}, len(enumerated))
	for _, f := range enumerated {
		keep[f.Path] = struct{}{}
	}

	stored, err := store.ListFileHashes(source)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for path := range stored {
		if _, ok := keep[path]; ok {
			continue
		}
		if err := store.DeleteFileData(path, source); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
