package memory

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/rs/zerolog"
)

// embeddingCache is the content-addressed vector cache, scoped to one
// (provider, model, providerKeyFingerprint) triple and persisted in the
// store. Writes are best effort: a failed put simply means a future re-embed.
type embeddingCache struct {
	maxEntries int
	logger     zerolog.Logger

	// mu guards the rebindable identity fields and the counters; the cron
	// janitor evicts concurrently with syncs that rebind.
	mu       sync.Mutex
	store    *Store
	provider string
	model    string
	key      string
	hits     int
	misses   int
}

func newEmbeddingCache(store *Store, backend EmbeddingBackend, maxEntries int, logger zerolog.Logger) *embeddingCache {
	c := &embeddingCache{
		store:      store,
		maxEntries: maxEntries,
		logger:     logger,
	}
	if backend != nil {
		c.provider = backend.ID()
		c.model = backend.Model()
		c.key = backend.Fingerprint()
	}
	return c
}

// rebind points the cache at a different store, preserving hit statistics.
// Used after a shadow-store swap reopens the live store.
func (c *embeddingCache) rebind(store *Store, backend EmbeddingBackend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
	if backend != nil {
		c.provider = backend.ID()
		c.model = backend.Model()
		c.key = backend.Fingerprint()
	}
}

// snapshot reads the rebindable fields under the lock. Callers run their
// queries on the snapshot so a concurrent rebind never tears them.
func (c *embeddingCache) snapshot() (store *Store, provider, model, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store, c.provider, c.model, c.key
}

// Get returns the cached vector for a content hash. A hit never triggers an
// embedding call.
func (c *embeddingCache) Get(hash string) ([]float32, bool) {
	store, provider, model, key := c.snapshot()

	var embJSON []byte
	err := store.db.QueryRow(`
		SELECT embedding FROM embedding_cache
		WHERE provider = ? AND model = ? AND provider_key = ? AND hash = ?
	`, provider, model, key, hash).Scan(&embJSON)
	if err != nil {
		c.recordLookup(false)
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal(embJSON, &vec); err != nil {
		c.recordLookup(false)
		return nil, false
	}

	c.recordLookup(true)
	return vec, true
}

// Put stores a vector. Best effort.
func (c *embeddingCache) Put(hash string, vec []float32) {
	embJSON, err := json.Marshal(vec)
	if err != nil {
		return
	}
	store, provider, model, key := c.snapshot()
	_, err = store.db.Exec(`
		INSERT OR REPLACE INTO embedding_cache (provider, model, provider_key, hash, embedding, dims, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, provider, model, key, hash, embJSON, len(vec), time.Now().Unix())
	if err != nil {
		c.logger.Debug().Err(err).Msg("Embedding cache write failed")
	}
}

func (c *embeddingCache) recordLookup(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	if hit {
		observability.RecordCacheLookup("hit")
	} else {
		observability.RecordCacheLookup("miss")
	}
}

// Stats returns a snapshot of cache effectiveness.
func (c *embeddingCache) Stats() CacheStats {
	c.mu.Lock()
	hits, misses := c.hits, c.misses
	store := c.store
	c.mu.Unlock()

	var entries int
	store.db.QueryRow("SELECT COUNT(*) FROM embedding_cache").Scan(&entries)

	stats := CacheStats{Entries: entries, Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// Evict trims the cache to maxEntries, oldest updated_at first.
func (c *embeddingCache) Evict() error {
	if c.maxEntries <= 0 {
		return nil
	}
	store, _, _, _ := c.snapshot()
	_, err := store.db.Exec(`
		DELETE FROM embedding_cache WHERE rowid IN (
			SELECT rowid FROM embedding_cache
			ORDER BY updated_at DESC
			LIMIT -1 OFFSET ?
		)
	`, c.maxEntries)
	if err != nil {
		return err
	}

	var entries int
	store.db.QueryRow("SELECT COUNT(*) FROM embedding_cache").Scan(&entries)
	observability.SetCacheEntries(entries)
	return nil
}

// seedCacheFrom copies the warmest cache rows from a previous store into dst,
// so warm entries survive full rebuilds. The source store is read before it
// is discarded.
func seedCacheFrom(src, dst *Store, maxEntries int) error {
	limit := maxEntries
	if limit <= 0 {
		limit = DefaultSettings().CacheMaxEntries
	}

	rows, err := src.db.Query(`
		SELECT provider, model, provider_key, hash, embedding, dims, updated_at
		FROM embedding_cache
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	tx, err := dst.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for rows.Next() {
		var provider, model, key, hash string
		var emb []byte
		var dims int
		var updatedAt int64
		if err := rows.Scan(&provider, &model, &key, &hash, &emb, &dims, &updatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO embedding_cache (provider, model, provider_key, hash, embedding, dims, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, provider, model, key, hash, emb, dims, updatedAt); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return tx.Commit()
}
