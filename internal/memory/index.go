// Package memory gives the agent durable recall. Long-term notes live as
// markdown files under workspace/memory; an SQLite FTS5 index over their
// paragraphs serves ranked retrieval at context-build time.
package memory

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	minChunkChars = 12
	maxChunkChars = 1000
	maxTokens     = 16
)

// Entry is one retrieved memory chunk.
type Entry struct {
	Scope     string
	SourceKey string
	Content   string
	Score     float64
}

// Index maintains the SQLite search index over memory note files.
type Index struct {
	dir string

	mu           sync.Mutex
	db           *sql.DB
	ftsAvailable bool
}

// OpenIndex opens (or creates) the index at dir/memory.db.
func OpenIndex(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(3000)",
		filepath.Join(dir, "memory.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	idx := &Index{dir: dir, db: db}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) Close() error { return idx.db.Close() }

func (idx *Index) initSchema() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS sources (
			scope      TEXT NOT NULL,
			source_key TEXT NOT NULL,
			mtime_ns   INTEGER NOT NULL,
			PRIMARY KEY (scope, source_key)
		);
		CREATE TABLE IF NOT EXISTS entries (
			id           INTEGER PRIMARY KEY,
			scope        TEXT NOT NULL,
			source_key   TEXT NOT NULL,
			content      TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_source ON entries (scope, source_key);
	`)
	if err != nil {
		return fmt.Errorf("memory: init schema: %w", err)
	}

	// FTS5 may be compiled out; degrade to LIKE search instead of failing.
	_, err = idx.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
			content, scope UNINDEXED,
			content='entries', content_rowid='id'
		);
	`)
	if err != nil {
		slog.Warn("memory: fts5 unavailable, using LIKE fallback", "error", err)
		idx.ftsAvailable = false
		return nil
	}
	idx.ftsAvailable = true

	_, err = idx.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS entries_ai AFTER INSERT ON entries BEGIN
			INSERT INTO entries_fts(rowid, content, scope) VALUES (new.id, new.content, new.scope);
		END;
		CREATE TRIGGER IF NOT EXISTS entries_ad AFTER DELETE ON entries BEGIN
			INSERT INTO entries_fts(entries_fts, rowid, content, scope) VALUES ('delete', old.id, old.content, old.scope);
		END;
		CREATE TRIGGER IF NOT EXISTS entries_au AFTER UPDATE ON entries BEGIN
			INSERT INTO entries_fts(entries_fts, rowid, content, scope) VALUES ('delete', old.id, old.content, old.scope);
			INSERT INTO entries_fts(rowid, content, scope) VALUES (new.id, new.content, new.scope);
		END;
	`)
	if err != nil {
		return fmt.Errorf("memory: create triggers: %w", err)
	}
	return nil
}

// IngestFileIfChanged chunks path into the index under (scope, sourceKey)
// unless its mtime matches the last ingested version.
func (idx *Index) IngestFileIfChanged(scope, sourceKey, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	mtime := info.ModTime().UnixNano()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	var prev int64
	err = idx.db.QueryRow(
		`SELECT mtime_ns FROM sources WHERE scope = ? AND source_key = ?`,
		scope, sourceKey,
	).Scan(&prev)
	if err == nil && prev == mtime {
		return nil
	}
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM entries WHERE scope = ? AND source_key = ?`, scope, sourceKey); err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, chunk := range chunkParagraphs(string(data)) {
		hash := sha256.Sum256([]byte(chunk))
		_, err := tx.Exec(
			`INSERT INTO entries (scope, source_key, content, content_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
			scope, sourceKey, chunk, hex.EncodeToString(hash[:8]), now,
		)
		if err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO sources (scope, source_key, mtime_ns) VALUES (?, ?, ?)
		 ON CONFLICT (scope, source_key) DO UPDATE SET mtime_ns = excluded.mtime_ns`,
		scope, sourceKey, mtime,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Search returns up to k entries in scope matching query, best first.
func (idx *Index) Search(scope, query string, k int) ([]Entry, error) {
	tokens := tokenize(query)
	if len(tokens) == 0 || k <= 0 {
		return nil, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.ftsAvailable {
		entries, err := idx.searchFTS(scope, tokens, k)
		if err == nil {
			return entries, nil
		}
		slog.Warn("memory: fts query failed, falling back to LIKE", "error", err)
	}
	return idx.searchLike(scope, tokens, k)
}

func (idx *Index) searchFTS(scope string, tokens []string, k int) ([]Entry, error) {
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + tok + `"`
	}
	match := strings.Join(quoted, " OR ")

	rows, err := idx.db.Query(`
		SELECT e.scope, e.source_key, e.content, bm25(entries_fts) AS rank
		FROM entries_fts
		JOIN entries e ON e.id = entries_fts.rowid
		WHERE entries_fts MATCH ? AND e.scope = ?
		ORDER BY rank LIMIT ?`,
		match, scope, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (idx *Index) searchLike(scope string, tokens []string, k int) ([]Entry, error) {
	conds := make([]string, len(tokens))
	args := []interface{}{scope}
	for i, tok := range tokens {
		conds[i] = "content LIKE ?"
		args = append(args, "%"+tok+"%")
	}
	args = append(args, k)

	rows, err := idx.db.Query(
		`SELECT scope, source_key, content, 0.0 FROM entries
		 WHERE scope = ? AND (`+strings.Join(conds, " OR ")+`)
		 ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Scope, &e.SourceKey, &e.Content, &e.Score); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Rebuild drops and reingests every note file under the memory directory.
func (idx *Index) Rebuild() error {
	idx.mu.Lock()
	if _, err := idx.db.Exec(`DELETE FROM entries`); err != nil {
		idx.mu.Unlock()
		return err
	}
	if _, err := idx.db.Exec(`DELETE FROM sources`); err != nil {
		idx.mu.Unlock()
		return err
	}
	idx.mu.Unlock()

	return filepath.Walk(idx.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".md") {
			return err
		}
		rel, err := filepath.Rel(idx.dir, path)
		if err != nil {
			return err
		}
		return idx.IngestFileIfChanged(scopeForRel(rel), rel, path)
	})
}

// scopeForRel maps a note file's relative path back to its scope.
func scopeForRel(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) >= 3 {
		switch parts[0] {
		case "sessions":
			return "session:" + parts[1]
		case "users":
			return "user:" + parts[1]
		}
	}
	return "global"
}

// chunkParagraphs splits text on blank lines, keeping chunks within the
// size window. Oversized paragraphs are hard-split.
func chunkParagraphs(text string) []string {
	var chunks []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if len(para) < minChunkChars {
			continue
		}
		for len(para) > maxChunkChars {
			chunks = append(chunks, para[:maxChunkChars])
			para = strings.TrimSpace(para[maxChunkChars:])
		}
		if len(para) >= minChunkChars {
			chunks = append(chunks, para)
		}
	}
	return chunks
}

// tokenize extracts lowercase alphanumeric runs of at least two chars.
func tokenize(query string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() >= 2 {
			tokens = append(tokens, strings.ToLower(cur.String()))
		}
		cur.Reset()
	}
	for _, r := range query {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else {
			flush()
		}
		if len(tokens) >= maxTokens {
			return tokens
		}
	}
	flush()
	if len(tokens) > maxTokens {
		tokens = tokens[:maxTokens]
	}
	return tokens
}
