// Package persistence provides the PostgreSQL implementation of the memory
// store for server deployments.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"mnemos/internal/core"
	"mnemos/internal/errs"
	"mnemos/internal/store"
)

// Postgres implements store.Store over a PostgreSQL connection pool.
type Postgres struct {
	db   *sql.DB
	dims int
}

var _ store.Store = (*Postgres)(nil)

// NewPostgres creates a new PostgreSQL-backed store.
func NewPostgres(connectionString string, dims int) (*Postgres, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{db: db, dims: dims}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			summary TEXT,
			timestamp TIMESTAMPTZ,
			created_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_id ON memories (user_id, id)`,
		`CREATE TABLE IF NOT EXISTS memory_keywords (
			id BIGSERIAL PRIMARY KEY,
			memory_id TEXT NOT NULL REFERENCES memories (id) ON DELETE CASCADE,
			keyword TEXT NOT NULL,
			UNIQUE (memory_id, keyword)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_embeddings (
			id BIGSERIAL PRIMARY KEY,
			memory_id TEXT NOT NULL UNIQUE REFERENCES memories (id) ON DELETE CASCADE,
			vector_data JSONB NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS cluster_result_cache (
			user_id BIGINT NOT NULL,
			artifact TEXT NOT NULL,
			payload JSONB NOT NULL,
			digest TEXT NOT NULL,
			generated_at TIMESTAMPTZ NOT NULL,
			ttl_seconds BIGINT NOT NULL,
			PRIMARY KEY (user_id, artifact)
		)`,
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// InsertMemory implements store.Store.
func (p *Postgres) InsertMemory(ctx context.Context, m core.Memory) error {
	query := `
	INSERT INTO memories (id, user_id, content, type, summary, timestamp, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := p.db.ExecContext(ctx, query,
		m.ID, m.UserID, m.Content, string(m.Type), m.Summary,
		m.Timestamp.UTC(), m.CreatedAt.UTC())
	if err != nil {
		if isPGCode(err, "23505") {
			return errs.Errorf(errs.KindConflict, "persistence.InsertMemory", "memory %s already exists", m.ID)
		}
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// GetMemory implements store.Store.
func (p *Postgres) GetMemory(ctx context.Context, userID int64, id string) (*core.Memory, error) {
	query := `
	SELECT id, user_id, content, type, summary, timestamp, created_at
	FROM memories WHERE user_id = $1 AND id = $2`

	m, err := scanMemory(p.db.QueryRowContext(ctx, query, userID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.KindNotFound, "persistence.GetMemory", "memory %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return m, nil
}

// DeleteMemory implements store.Store.
func (p *Postgres) DeleteMemory(ctx context.Context, userID int64, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Errorf(errs.KindNotFound, "persistence.DeleteMemory", "memory %s not found", id)
	}
	return nil
}

// ListMemories implements store.Store.
func (p *Postgres) ListMemories(ctx context.Context, userID int64, filter store.ListFilter) ([]core.Memory, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultPageSize
	}

	query := `
	SELECT id, user_id, content, type, summary, timestamp, created_at
	FROM memories WHERE user_id = $1`
	args := []any{userID}
	if filter.Type != "" {
		query += fmt.Sprintf(` AND type = $%d`, len(args)+1)
		args = append(args, string(filter.Type))
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, filter.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

// CountMemories implements store.Store.
func (p *Postgres) CountMemories(ctx context.Context, userID int64) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

// InsertKeywords implements store.Store.
func (p *Postgres) InsertKeywords(ctx context.Context, memoryID string, keywords []string) error {
	keywords = store.NormalizeKeywords(keywords)
	if len(keywords) == 0 {
		return nil
	}

	query := `
	INSERT INTO memory_keywords (memory_id, keyword) VALUES ($1, $2)
	ON CONFLICT (memory_id, keyword) DO NOTHING`
	for _, kw := range keywords {
		if _, err := p.db.ExecContext(ctx, query, memoryID, kw); err != nil {
			if isPGCode(err, "23503") {
				return errs.Errorf(errs.KindNotFound, "persistence.InsertKeywords", "memory %s not found", memoryID)
			}
			return fmt.Errorf("failed to insert keyword: %w", err)
		}
	}
	return nil
}

// KeywordsByMemory implements store.Store.
func (p *Postgres) KeywordsByMemory(ctx context.Context, userID int64) (map[string][]string, error) {
	query := `
	SELECT k.memory_id, k.keyword
	FROM memory_keywords k
	JOIN memories m ON m.id = k.memory_id
	WHERE m.user_id = $1
	ORDER BY k.memory_id, k.keyword`

	rows, err := p.db.QueryContext(ctx, query, userID)
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

// UpsertEmbedding implements store.Store.
func (p *Postgres) UpsertEmbedding(ctx context.Context, memoryID string, vector []float32) error {
	if err := store.ValidateVector(vector, p.dims); err != nil {
		return err
	}
	data, err := store.EncodeVector(vector)
	if err != nil {
		return fmt.Errorf("failed to encode vector: %w", err)
	}

	query := `
	INSERT INTO memory_embeddings (memory_id, vector_data, version, updated_at)
	VALUES ($1, $2, 1, $3)
	ON CONFLICT (memory_id) DO UPDATE SET
		vector_data = EXCLUDED.vector_data,
		version = memory_embeddings.version + 1,
		updated_at = EXCLUDED.updated_at`

	if _, err := p.db.ExecContext(ctx, query, memoryID, data, time.Now().UTC()); err != nil {
		if isPGCode(err, "23503") {
			return errs.Errorf(errs.KindNotFound, "persistence.UpsertEmbedding", "memory %s not found", memoryID)
		}
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// ListEmbeddings implements store.Store.
func (p *Postgres) ListEmbeddings(ctx context.Context, userID int64) ([]core.Embedding, error) {
	query := `
	SELECT e.memory_id, e.vector_data, e.version
	FROM memory_embeddings e
	JOIN memories m ON m.id = e.memory_id
	WHERE m.user_id = $1
	ORDER BY e.memory_id`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var out []core.Embedding
	for rows.Next() {
		var (
			memoryID string
			data     []byte
			version  int64
		)
		if err := rows.Scan(&memoryID, &data, &version); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		vec, err := store.DecodeVector(data, p.dims)
		if err != nil {
			return nil, fmt.Errorf("embedding for memory %s: %w", memoryID, err)
		}
		out = append(out, core.Embedding{MemoryID: memoryID, Vector: vec, Version: version})
	}
	return out, rows.Err()
}

// ListUnembedded implements store.Store.
func (p *Postgres) ListUnembedded(ctx context.Context, userID int64) ([]core.Memory, error) {
	query := `
	SELECT m.id, m.user_id, m.content, m.type, m.summary, m.timestamp, m.created_at
	FROM memories m
	LEFT JOIN memory_embeddings e ON e.memory_id = m.id
	WHERE m.user_id = $1 AND e.memory_id IS NULL
	ORDER BY m.id ASC`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unembedded memories: %w", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

// EmbeddingDigest implements store.Store.
func (p *Postgres) EmbeddingDigest(ctx context.Context, userID int64) (string, error) {
	query := `
	SELECT e.memory_id, e.version
	FROM memory_embeddings e
	JOIN memories m ON m.id = e.memory_id
	WHERE m.user_id = $1`

	rows, err := p.db.QueryContext(ctx, query, userID)
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
	return store.DigestPairs(pairs), nil
}

// GetCacheEntry implements store.Store.
func (p *Postgres) GetCacheEntry(ctx context.Context, userID int64, artifact core.Artifact) (*core.CacheEntry, error) {
	query := `
	SELECT payload, digest, generated_at, ttl_seconds
	FROM cluster_result_cache WHERE user_id = $1 AND artifact = $2`

	var (
		payload     []byte
		digest      string
		generatedAt time.Time
		ttlSeconds  int64
	)
	err := p.db.QueryRowContext(ctx, query, userID, string(artifact)).
		Scan(&payload, &digest, &generatedAt, &ttlSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.KindNotFound, "persistence.GetCacheEntry", "no %s entry for user %d", artifact, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	return &core.CacheEntry{
		UserID:      userID,
		Artifact:    artifact,
		Payload:     payload,
		Digest:      digest,
		GeneratedAt: generatedAt,
		TTL:         time.Duration(ttlSeconds) * time.Second,
	}, nil
}

// PutCacheEntry implements store.Store.
func (p *Postgres) PutCacheEntry(ctx context.Context, entry core.CacheEntry) error {
	query := `
	INSERT INTO cluster_result_cache (user_id, artifact, payload, digest, generated_at, ttl_seconds)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (user_id, artifact) DO UPDATE SET
		payload = EXCLUDED.payload,
		digest = EXCLUDED.digest,
		generated_at = EXCLUDED.generated_at,
		ttl_seconds = EXCLUDED.ttl_seconds`

	_, err := p.db.ExecContext(ctx, query,
		entry.UserID, string(entry.Artifact), entry.Payload,
		entry.Digest, entry.GeneratedAt.UTC(), int64(entry.TTL.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// DeleteCacheEntries implements store.Store.
func (p *Postgres) DeleteCacheEntries(ctx context.Context, userID int64, artifacts ...core.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	names := make([]string, len(artifacts))
	for i, a := range artifacts {
		names[i] = string(a)
	}
	query := `DELETE FROM cluster_result_cache WHERE user_id = $1 AND artifact = ANY($2)`
	if _, err := p.db.ExecContext(ctx, query, userID, pq.Array(names)); err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return nil
}

func scanMemory(row interface{ Scan(dest ...any) error }) (*core.Memory, error) {
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

func isPGCode(err error, code string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	// Fallback for wrapped drivers that do not expose *pq.Error.
	return err != nil && strings.Contains(err.Error(), code)
}
