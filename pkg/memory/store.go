package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Store is the relational index store. The similarity (vec0) and keyword
// (FTS5) structures are optional capabilities: their probe errors are
// recorded, not fatal, and the engine degrades around them.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger

	vecDims int
	vecErr  error
	ftsErr  error
}

// openStore opens (creating if needed) the index store at path. vectorDims > 0
// enables the similarity structure; 0 skips it entirely. A dimensionality
// change drops and recreates the vector table, since vec0 entries must share
// one dimensionality.
func openStore(path string, vectorDims int, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.initSchema(vectorDims); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(vectorDims int) error {
	schema := `
		CREATE TABLE IF NOT EXISTS files (
			path   TEXT NOT NULL,
			source TEXT NOT NULL,
			hash   TEXT NOT NULL,
			mtime  INTEGER NOT NULL,
			size   INTEGER NOT NULL,
			PRIMARY KEY (path, source)
		);

		CREATE TABLE IF NOT EXISTS chunks (
			id         TEXT PRIMARY KEY,
			path       TEXT NOT NULL,
			source     TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line   INTEGER NOT NULL,
			hash       TEXT NOT NULL,
			model      TEXT NOT NULL,
			text       TEXT NOT NULL,
			embedding  BLOB,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path, source);

		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			provider     TEXT NOT NULL,
			model        TEXT NOT NULL,
			provider_key TEXT NOT NULL,
			hash         TEXT NOT NULL,
			embedding    BLOB NOT NULL,
			dims         INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			PRIMARY KEY (provider, model, provider_key, hash)
		);
		CREATE INDEX IF NOT EXISTS idx_cache_updated ON embedding_cache(updated_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Keyword capability: probed by creating the FTS5 projection. Failure is
	// recorded and keyword search stays unavailable.
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			text,
			id UNINDEXED,
			path UNINDEXED,
			source UNINDEXED,
			model UNINDEXED,
			start_line UNINDEXED,
			end_line UNINDEXED,
			tokenize='porter unicode61'
		);
	`)
	if err != nil {
		s.ftsErr = fmt.Errorf("keyword search unavailable: %w", err)
		s.logger.Warn().Err(err).Msg("FTS5 capability probe failed")
	}

	// Similarity capability: all entries must share one dimensionality, so a
	// dims change drops and recreates the structure.
	if vectorDims > 0 {
		stored := 0
		if v, ok, _ := s.GetMetaValue("vec_dims"); ok {
			fmt.Sscanf(v, "%d", &stored)
		}
		if stored != 0 && stored != vectorDims {
			if _, err := s.db.Exec("DROP TABLE IF EXISTS chunks_vec"); err != nil {
				s.vecErr = fmt.Errorf("vector search unavailable: %w", err)
				return nil
			}
		}
		_, err := s.db.Exec(fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS chunks_vec USING vec0(
				id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, vectorDims))
		if err != nil {
			s.vecErr = fmt.Errorf("vector search unavailable: %w", err)
			s.logger.Warn().Err(err).Msg("sqlite-vec capability probe failed")
		} else {
			s.vecDims = vectorDims
			if err := s.PutMetaValue("vec_dims", fmt.Sprintf("%d", vectorDims)); err != nil {
				return err
			}
		}
	}

	return nil
}

// Path returns the on-disk path of the store.
func (s *Store) Path() string { return s.path }

// VectorSearchErr reports why the similarity capability is unavailable, nil
// when it is usable.
func (s *Store) VectorSearchErr() error { return s.vecErr }

// KeywordSearchErr reports why the keyword capability is unavailable.
func (s *Store) KeywordSearchErr() error { return s.ftsErr }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// FileHash returns the stored content hash for a file.
func (s *Store) FileHash(path string, source Source) (string, bool, error) {
	var hash string
	err := s.db.QueryRow("SELECT hash FROM files WHERE path = ? AND source = ?", path, source).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// UpsertFile records one indexed file row.
func (s *Store) UpsertFile(f FileInfo) error {
	_, err := s.db.Exec(`
		INSERT INTO files (path, source, hash, mtime, size) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path, source) DO UPDATE SET hash = excluded.hash, mtime = excluded.mtime, size = excluded.size
	`, f.Path, f.Source, f.Hash, f.Mtime.Unix(), f.Size)
	return err
}

// ListFileHashes returns path -> stored hash for one source.
func (s *Store) ListFileHashes(source Source) (map[string]string, error) {
	rows, err := s.db.Query("SELECT path, hash FROM files WHERE source = ?", source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, err
		}
		out[path] = hash
	}
	return out, rows.Err()
}

// DeleteFileData removes a file row and every chunk, vector and keyword row
// it owns.
func (s *Store) DeleteFileData(path string, source Source) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Query("SELECT id FROM chunks WHERE path = ? AND source = ?", path, source)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := s.deleteChunkRows(tx, id); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("DELETE FROM files WHERE path = ? AND source = ?", path, source); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) deleteChunkRows(tx *sql.Tx, id string) error {
	if _, err := tx.Exec("DELETE FROM chunks WHERE id = ?", id); err != nil {
		return err
	}
	if s.ftsErr == nil {
		if _, err := tx.Exec("DELETE FROM chunks_fts WHERE id = ?", id); err != nil {
			return err
		}
	}
	if s.vecErr == nil && s.vecDims > 0 {
		if _, err := tx.Exec("DELETE FROM chunks_vec WHERE id = ?", id); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceFileChunks atomically replaces the chunk rows owned by a file and
// upserts the file row. Chunk ids are deterministic, so unchanged content
// re-creates identical rows.
func (s *Store) ReplaceFileChunks(f FileInfo, chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Query("SELECT id FROM chunks WHERE path = ? AND source = ?", f.Path, f.Source)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, id)
	}
	rows.Close()
	for _, id := range stale {
		if err := s.deleteChunkRows(tx, id); err != nil {
			return err
		}
	}

	for _, c := range chunks {
		var embJSON []byte
		if len(c.Embedding) > 0 {
			embJSON, err = json.Marshal(c.Embedding)
			if err != nil {
				return err
			}
		}

		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO chunks (id, path, source, start_line, end_line, hash, model, text, embedding, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.Path, c.Source, c.StartLine, c.EndLine, c.Hash, c.Model, c.Text, embJSON, c.UpdatedAt.Unix()); err != nil {
			return err
		}

		if s.ftsErr == nil {
			if _, err := tx.Exec(`
				INSERT INTO chunks_fts (text, id, path, source, model, start_line, end_line)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, c.Text, c.ID, c.Path, c.Source, c.Model, c.StartLine, c.EndLine); err != nil {
				return err
			}
		}

		if s.vecErr == nil && s.vecDims > 0 && len(c.Embedding) > 0 {
			if _, err := tx.Exec(
				"INSERT OR REPLACE INTO chunks_vec (id, embedding) VALUES (?, ?)",
				c.ID, string(embJSON),
			); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO files (path, source, hash, mtime, size) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path, source) DO UPDATE SET hash = excluded.hash, mtime = excluded.mtime, size = excluded.size
	`, f.Path, f.Source, f.Hash, f.Mtime.Unix(), f.Size); err != nil {
		return err
	}

	return tx.Commit()
}

// Counts returns file and chunk totals, overall and per source.
func (s *Store) Counts() (files, chunks int, filesBySource, chunksBySource map[Source]int, err error) {
	filesBySource = make(map[Source]int)
	chunksBySource = make(map[Source]int)

	rows, err := s.db.Query("SELECT source, COUNT(*) FROM files GROUP BY source")
	if err != nil {
		return 0, 0, nil, nil, err
	}
	for rows.Next() {
		var src Source
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			rows.Close()
			return 0, 0, nil, nil, err
		}
		filesBySource[src] = n
		files += n
	}
	rows.Close()

	rows, err = s.db.Query("SELECT source, COUNT(*) FROM chunks GROUP BY source")
	if err != nil {
		return 0, 0, nil, nil, err
	}
	for rows.Next() {
		var src Source
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			rows.Close()
			return 0, 0, nil, nil, err
		}
		chunksBySource[src] = n
		chunks += n
	}
	rows.Close()

	return files, chunks, filesBySource, chunksBySource, nil
}

// GetMetaValue reads one meta key.
func (s *Store) GetMetaValue(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// PutMetaValue writes one meta key.
func (s *Store) PutMetaValue(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	return err
}

const indexMetaKey = "index_meta"

// GetIndexMeta loads the index build fingerprint, nil when absent.
func (s *Store) GetIndexMeta() (*IndexMeta, error) {
	raw, ok, err := s.GetMetaValue(indexMetaKey)
	if err != nil || !ok {
		return nil, err
	}
	var meta IndexMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("corrupt index meta: %w", err)
	}
	return &meta, nil
}

// PutIndexMeta stores the index build fingerprint.
func (s *Store) PutIndexMeta(meta IndexMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.PutMetaValue(indexMetaKey, string(raw))
}

type vectorHit struct {
	id         string
	similarity float64 // cosine similarity in [-1, 1]
}

// VectorSearch runs a similarity scan over the vector structure.
func (s *Store) VectorSearch(ctx context.Context, embedding []float32, limit int) ([]vectorHit, error) {
	if s.vecErr != nil {
		return nil, s.vecErr
	}

	embJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vec_distance_cosine(embedding, ?) AS distance
		FROM chunks_vec
		ORDER BY distance ASC
		LIMIT ?
	`, string(embJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		// cosine distance in [0, 2] maps to similarity in [-1, 1]
		hits = append(hits, vectorHit{id: id, similarity: 1.0 - distance})
	}
	return hits, rows.Err()
}

type keywordHit struct {
	id    string
	score float64 // positive BM25 relevance
}

// KeywordSearch runs one FTS5 MATCH query. The query is quoted per token so
// user text cannot break the MATCH syntax.
func (s *Store) KeywordSearch(ctx context.Context, query string, limit int) ([]keywordHit, error) {
	if s.ftsErr != nil {
		return nil, s.ftsErr
	}

	match := ftsQuote(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		// BM25 scores are negative; flip to positive relevance
		hits = append(hits, keywordHit{id: id, score: -score})
	}
	return hits, rows.Err()
}

// ftsQuote builds an OR query of quoted tokens.
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// ChunksByIDs loads chunk rows by id, embeddings included.
func (s *Store) ChunksByIDs(ctx context.Context, ids []string) (map[string]Chunk, error) {
	out := make(map[string]Chunk, len(ids))
	for _, id := range ids {
		var c Chunk
		var embJSON []byte
		var updatedAt int64
		err := s.db.QueryRowContext(ctx, `
			SELECT id, path, source, start_line, end_line, hash, model, text, embedding, updated_at
			FROM chunks WHERE id = ?
		`, id).Scan(&c.ID, &c.Path, &c.Source, &c.StartLine, &c.EndLine, &c.Hash, &c.Model, &c.Text, &embJSON, &updatedAt)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(embJSON) > 0 {
			if err := json.Unmarshal(embJSON, &c.Embedding); err != nil {
				return nil, err
			}
		}
		c.UpdatedAt = time.Unix(updatedAt, 0)
		out[id] = c
	}
	return out, nil
}
