// Package embedcache is the content-addressed chunk -> vector cache
// shared read-through by the vectorizer's ingest path and any caller that
// wants to avoid re-embedding identical text (spec.md §4.5).
//
// Entries are keyed by the SHA-256 of the window text alone, never by
// file path or line numbers, so two chunks with identical content
// intentionally collide. The durable store is append-only SQLite
// (modernc.org/sqlite, matching the teacher's pure-Go driver choice) with
// an in-process LRU front (hashicorp/golang-lru/v2) so repeated fetches
// during one indexing run don't round-trip through the database.
package embedcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/codectxd/codectxd/internal/errtax"
)

// DefaultLRUSize bounds the in-memory front cache; the durable table is
// never bounded by this value.
const DefaultLRUSize = 4096

// Entry is one cached chunk: its content hash, the window text it was
// computed from, and the embedding vector.
type Entry struct {
	Hash       [32]byte
	WindowText string
	Vector     []float32
}

// Cache is the content-hash keyed embedding cache described in spec.md §4.5.
type Cache struct {
	mu   sync.RWMutex
	db   *sql.DB
	lru  *lru.Cache[string, Entry]
	path string
}

// Open creates or attaches to the SQLite-backed cache at path. An empty
// path opens an in-memory-only cache (used in tests and by the static
// embedder path where nothing needs to survive a restart).
func Open(path string, lruSize int) (*Cache, error) {
	if lruSize <= 0 {
		lruSize = DefaultLRUSize
	}
	l, _ := lru.New[string, Entry](lruSize)

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errtax.New(errtax.KindTransientIO, "create embedding cache directory", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errtax.New(errtax.KindTransientIO, "open embedding cache db", err)
	}
	db.SetMaxOpenConns(1) // sqlite + WAL: single writer keeps this simple and correct

	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		CREATE TABLE IF NOT EXISTS embeddings (
			hash TEXT PRIMARY KEY,
			window_text TEXT NOT NULL,
			vector BLOB NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, errtax.New(errtax.KindTransientIO, "init embedding cache schema", err)
	}

	return &Cache{db: db, lru: l, path: path}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}

func hashKey(h [32]byte) string {
	return fmt.Sprintf("%x", h)
}

// Fetch looks up vectors for a batch of content hashes. The result slice
// has one entry per input hash; a nil entry means "miss" (not cached).
// Per spec.md §4.4 step 2, callers probe in a batch before falling back to
// the remote embedder for the misses.
func (c *Cache) Fetch(ctx context.Context, hashes [][32]byte) ([]*Entry, error) {
	out := make([]*Entry, len(hashes))
	missing := make([]int, 0, len(hashes))

	c.mu.RLock()
	for i, h := range hashes {
		if e, ok := c.lru.Get(hashKey(h)); ok {
			cp := e
			out[i] = &cp
			continue
		}
		missing = append(missing, i)
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, i := range missing {
		h := hashes[i]
		var windowText string
		var blob []byte
		err := c.db.QueryRowContext(ctx, `SELECT window_text, vector FROM embeddings WHERE hash = ?`, hashKey(h)).Scan(&windowText, &blob)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, errtax.New(errtax.KindTransientIO, "fetch embedding cache row", err)
		}
		var vec []float32
		if err := json.Unmarshal(blob, &vec); err != nil {
			return nil, errtax.New(errtax.KindParseFailure, "decode cached vector", err)
		}
		e := Entry{Hash: h, WindowText: windowText, Vector: vec}
		c.lru.Add(hashKey(h), e)
		out[i] = &e
	}
	return out, nil
}

// Add atomically writes new (hash -> vector, text) records. Per spec.md
// §4.5's invariant, entries are never partially written: the text and
// vector always land together in a single statement, and writes are
// idempotent on hash (INSERT OR REPLACE).
func (c *Cache) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errtax.New(errtax.KindTransientIO, "begin embedding cache tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO embeddings (hash, window_text, vector) VALUES (?, ?, ?)`)
	if err != nil {
		return errtax.New(errtax.KindTransientIO, "prepare embedding cache insert", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		blob, err := json.Marshal(e.Vector)
		if err != nil {
			return errtax.New(errtax.KindParseFailure, "encode vector for cache", err)
		}
		if _, err := stmt.ExecContext(ctx, hashKey(e.Hash), e.WindowText, blob); err != nil {
			return errtax.New(errtax.KindTransientIO, "insert embedding cache row", err)
		}
		c.lru.Add(hashKey(e.Hash), e)
	}

	if err := tx.Commit(); err != nil {
		return errtax.New(errtax.KindTransientIO, "commit embedding cache tx", err)
	}
	return nil
}

// Reset clears every cached entry; the only supported eviction path per
// spec.md §9's open question (append-only otherwise).
func (c *Cache) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM embeddings`); err != nil {
		return errtax.New(errtax.KindTransientIO, "reset embedding cache", err)
	}
	c.lru.Purge()
	return nil
}

// Len reports the number of durable rows, mainly for diagnostics/tests.
func (c *Cache) Len(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, errtax.New(errtax.KindTransientIO, "count embedding cache rows", err)
	}
	return n, nil
}
