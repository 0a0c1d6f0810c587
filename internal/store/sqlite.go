package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mnemos/internal/core"
	"mnemos/internal/errs"
)

// SQLite is the embedded Store implementation used for local deployments and
// tests.
type SQLite struct {
	db   *sql.DB
	path string
	dims int
}

// NewSQLite opens (or creates) the database under dataDir and runs the schema.
func NewSQLite(dataDir string, dims int) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "mnemos.db")
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent ingestion.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, path: dbPath, dims: dims}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// initialize creates the necessary tables.
func (s *SQLite) initialize() error {
	memoriesTable := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		summary TEXT,
		timestamp DATETIME,
		created_at DATETIME
	);`

	memoriesIndex := `
	CREATE INDEX IF NOT EXISTS idx_memories_user_id ON memories (user_id, id);`

	keywordsTable := `
	CREATE TABLE IF NOT EXISTS memory_keywords (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id TEXT NOT NULL REFERENCES memories (id) ON DELETE CASCADE,
		keyword TEXT NOT NULL,
		UNIQUE (memory_id, keyword)
	);`

	embeddingsTable := `
	CREATE TABLE IF NOT EXISTS memory_embeddings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id TEXT NOT NULL UNIQUE REFERENCES memories (id) ON DELETE CASCADE,
		vector_data TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME
	);`

	cacheTable := `
	CREATE TABLE IF NOT EXISTS cluster_result_cache (
		user_id INTEGER NOT NULL,
		artifact TEXT NOT NULL,
		payload TEXT NOT NULL,
		digest TEXT NOT NULL,
		generated_at DATETIME NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		PRIMARY KEY (user_id, artifact)
	);`

	statements := []string{memoriesTable, memoriesIndex, keywordsTable, embeddingsTable, cacheTable}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping verifies the connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertMemory implements Store.
func (s *SQLite) InsertMemory(ctx context.Context, m core.Memory) error {
	query := `
	INSERT INTO memories (id, user_id, content, type, summary, timestamp, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.UserID, m.Content, string(m.Type), m.Summary,
		m.Timestamp.UTC(), m.CreatedAt.UTC())
	if err != nil {
		if isSQLiteUnique(err) {
			return errs.Errorf(errs.KindConflict, "store.InsertMemory", "memory %s already exists", m.ID)
		}
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// GetMemory implements Store.
func (s *SQLite) GetMemory(ctx context.Context, userID int64, id string) (*core.Memory, error) {
	query := `
	SELECT id, user_id, content, type, summary, timestamp, created_at
	FROM memories WHERE user_id = ? AND id = ?`

	m, err := scanMemory(s.db.QueryRowContext(ctx, query, userID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.KindNotFound, "store.GetMemory", "memory %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return m, nil
}

// DeleteMemory implements Store. Keywords and embeddings cascade.
func (s *SQLite) DeleteMemory(ctx context.Context, userID int64, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Errorf(errs.KindNotFound, "store.DeleteMemory", "memory %s not found", id)
	}
	return nil
}

// ListMemories implements Store.
func (s *SQLite) ListMemories(ctx context.Context, userID int64, filter ListFilter) ([]core.Memory, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	query := `
	SELECT id, user_id, content, type, summary, timestamp, created_at
	FROM memories WHERE user_id = ?`
	args := []any{userID}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

// CountMemories implements Store.
func (s *SQLite) CountMemories(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

// InsertKeywords implements Store.
func (s *SQLite) InsertKeywords(ctx context.Context, memoryID string, keywords []string) error {
	keywords = NormalizeKeywords(keywords)
	if len(keywords) == 0 {
		return nil
	}

	query := `INSERT OR IGNORE INTO memory_keywords (memory_id, keyword) VALUES (?, ?)`
	for _, kw := range keywords {
		if _, err := s.db.ExecContext(ctx, query, memoryID, kw); err != nil {
			if isSQLiteFK(err) {
				return errs.Errorf(errs.KindNotFound, "store.InsertKeywords", "memory %s not found", memoryID)
			}
			return fmt.Errorf("failed to insert keyword: %w", err)
		}
	}
	return nil
}

// KeywordsByMemory implements Store.
func (s *SQLite) KeywordsByMemory(ctx context.Context, userID int64) (map[string][]string, error) {
	query := `
	SELECT k.memory_id, k.keyword
	FROM memory_keywords k
	JOIN memories m ON m.id = k.memory_id
	WHERE m.user_id = ?
	ORDER BY k.memory_id, k.keyword`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keywords: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var memoryID, keyword string
		if err := rows.Scan(&memoryID, &keyword); err != nil {
			return nil, fmt.Errorf("failed to scan keyword: %w", err)
		}
		out[memoryID] = append(out[memoryID], keyword)
	}
	return out, rows.Err()
}

// UpsertEmbedding implements Store.
func (s *SQLite) UpsertEmbedding(ctx context.Context, memoryID string, vector []float32) error {
	if err := ValidateVector(vector, s.dims); err != nil {
		return err
	}
	data, err := EncodeVector(vector)
	if err != nil {
		return fmt.Errorf("failed to encode vector: %w", err)
	}

	query := `
	INSERT INTO memory_embeddings (memory_id, vector_data, version, updated_at)
	VALUES (?, ?, 1, ?)
	ON CONFLICT (memory_id) DO UPDATE SET
		vector_data = excluded.vector_data,
		version = memory_embeddings.version + 1,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, memoryID, string(data), time.Now().UTC()); err != nil {
		if isSQLiteFK(err) {
			return errs.Errorf(errs.KindNotFound, "store.UpsertEmbedding", "memory %s not found", memoryID)
		}
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// ListEmbeddings implements Store.
func (s *SQLite) ListEmbeddings(ctx context.Context, userID int64) ([]core.Embedding, error) {
	query := `
	SELECT e.memory_id, e.vector_data, e.version
	FROM memory_embeddings e
	JOIN memories m ON m.id = e.memory_id
	WHERE m.user_id = ?
	ORDER BY e.memory_id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var out []core.Embedding
	for rows.Next() {
		var (
			memoryID string
			data     string
			version  int64
		)
		if err := rows.Scan(&memoryID, &data, &version); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		vec, err := DecodeVector([]byte(data), s.dims)
		if err != nil {
			return nil, fmt.Errorf("embedding for memory %s: %w", memoryID, err)
		}
		out = append(out, core.Embedding{MemoryID: memoryID, Vector: vec, Version: version})
	}
	return out, rows.Err()
}

// ListUnembedded implements Store.
func (s *SQLite) ListUnembedded(ctx context.Context, userID int64) ([]core.Memory, error) {
	query := `
	SELECT m.id, m.user_id, m.content, m.type, m.summary, m.timestamp, m.created_at
	FROM memories m
	LEFT JOIN memory_embeddings e ON e.memory_id = m.id
	WHERE m.user_id = ? AND e.memory_id IS NULL
	ORDER BY m.id ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unembedded memories: %w", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

// EmbeddingDigest implements Store.
func (s *SQLite) EmbeddingDigest(ctx context.Context, userID int64) (string, error) {
	query := `
	SELECT e.memory_id, e.version
	FROM memory_embeddings e
	JOIN memories m ON m.id = e.memory_id
	WHERE m.user_id = ?`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return "", fmt.Errorf("failed to compute digest: %w", err)
	}
	defer rows.Close()

	pairs := make(map[string]int64)
	for rows.Next() {
		var id string
		var version int64
		if err := rows.Scan(&id, &version); err != nil {
			return "", fmt.Errorf("failed to scan digest row: %w", err)
		}
		pairs[id] = version
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return DigestPairs(pairs), nil
}

// GetCacheEntry implements Store.
func (s *SQLite) GetCacheEntry(ctx context.Context, userID int64, artifact core.Artifact) (*core.CacheEntry, error) {
	query := `
	SELECT payload, digest, generated_at, ttl_seconds
	FROM cluster_result_cache WHERE user_id = ? AND artifact = ?`

	var (
		payload     string
		digest      string
		generatedAt time.Time
		ttlSeconds  int64
	)
	err := s.db.QueryRowContext(ctx, query, userID, string(artifact)).
		Scan(&payload, &digest, &generatedAt, &ttlSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.KindNotFound, "store.GetCacheEntry", "no %s entry for user %d", artifact, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	return &core.CacheEntry{
		UserID:      userID,
		Artifact:    artifact,
		Payload:     []byte(payload),
		Digest:      digest,
		GeneratedAt: generatedAt,
		TTL:         time.Duration(ttlSeconds) * time.Second,
	}, nil
}

// PutCacheEntry implements Store.
func (s *SQLite) PutCacheEntry(ctx context.Context, entry core.CacheEntry) error {
	query := `
	INSERT OR REPLACE INTO cluster_result_cache
	(user_id, artifact, payload, digest, generated_at, ttl_seconds)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		entry.UserID, string(entry.Artifact), string(entry.Payload),
		entry.Digest, entry.GeneratedAt.UTC(), int64(entry.TTL.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// DeleteCacheEntries implements Store.
func (s *SQLite) DeleteCacheEntries(ctx context.Context, userID int64, artifacts ...core.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	placeholders := make([]string, len(artifacts))
	args := []any{userID}
	for i, a := range artifacts {
		placeholders[i] = "?"
		args = append(args, string(a))
	}
	query := fmt.Sprintf(
		`DELETE FROM cluster_result_cache WHERE user_id = ? AND artifact IN (%s)`,
		strings.Join(placeholders, ","))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*core.Memory, error) {
	var (
		m       core.Memory
		mtype   string
		summary sql.NullString
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.Content, &mtype, &summary, &m.Timestamp, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Type = core.MemoryType(mtype)
	m.Summary = summary.String
	return &m, nil
}

func collectMemories(rows *sql.Rows) ([]core.Memory, error) {
	var out []core.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isSQLiteFK(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
