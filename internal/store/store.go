// Package store defines the Memory Store contract: durable records of
// memories, keywords, embeddings, and the result-cache rows, with the id
// scheme and referential integrity owned here.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"mnemos/internal/core"
	"mnemos/internal/errs"
)

// DefaultPageSize bounds ListMemories when the caller does not set a limit.
const DefaultPageSize = 100

// ListFilter narrows and pages ListMemories. Results are ordered by id
// descending (most recent first).
type ListFilter struct {
	Type   core.MemoryType // Empty means all types
	Limit  int             // 0 means DefaultPageSize
	Offset int
}

// Store is the backing relational storage for the memory engine. Both the
// sqlite and postgres implementations satisfy it.
type Store interface {
	// InsertMemory persists a memory. Fails with Conflict on duplicate id.
	InsertMemory(ctx context.Context, m core.Memory) error

	// GetMemory fetches one memory. Fails with NotFound.
	GetMemory(ctx context.Context, userID int64, id string) (*core.Memory, error)

	// DeleteMemory removes a memory; keywords and embeddings cascade.
	DeleteMemory(ctx context.Context, userID int64, id string) error

	// ListMemories returns a page of the user's memories, id descending.
	ListMemories(ctx context.Context, userID int64, filter ListFilter) ([]core.Memory, error)

	// CountMemories returns the user's total memory count.
	CountMemories(ctx context.Context, userID int64) (int, error)

	// InsertKeywords attaches keywords to a memory. Keywords are case-folded
	// and deduped; the operation is idempotent per (memoryId, keyword).
	InsertKeywords(ctx context.Context, memoryID string, keywords []string) error

	// KeywordsByMemory returns every keyword of the user, grouped by memory.
	KeywordsByMemory(ctx context.Context, userID int64) (map[string][]string, error)

	// UpsertEmbedding atomically inserts or replaces a memory's vector and
	// bumps the embedding version. Fails with NotFound when the memory does
	// not exist and Dimension when the vector has the wrong shape.
	UpsertEmbedding(ctx context.Context, memoryID string, vector []float32) error

	// ListEmbeddings returns (memoryId, vector) for every memory of the user
	// that has a current embedding.
	ListEmbeddings(ctx context.Context, userID int64) ([]core.Embedding, error)

	// ListUnembedded returns the user's memories with no stored embedding,
	// oldest first. Feeds the repair flow.
	ListUnembedded(ctx context.Context, userID int64) ([]core.Memory, error)

	// EmbeddingDigest returns a cheap hash of the user's embedding-set
	// identity: it changes iff the set of (memoryId, version) changes.
	EmbeddingDigest(ctx context.Context, userID int64) (string, error)

	// GetCacheEntry loads a result-cache row, expired or not. Fails with
	// NotFound when no row exists.
	GetCacheEntry(ctx context.Context, userID int64, artifact core.Artifact) (*core.CacheEntry, error)

	// PutCacheEntry inserts or replaces a result-cache row.
	PutCacheEntry(ctx context.Context, entry core.CacheEntry) error

	// DeleteCacheEntries removes the given artifacts' rows atomically.
	DeleteCacheEntries(ctx context.Context, userID int64, artifacts ...core.Artifact) error

	Ping(ctx context.Context) error
	Close() error
}

// EncodeVector serializes a vector for the vector_data json column.
func EncodeVector(vec []float32) ([]byte, error) {
	return json.Marshal(vec)
}

// DecodeVector is the strict decoder for stored vector payloads: it rejects
// malformed JSON, wrong dimensions, and non-finite components.
func DecodeVector(data []byte, dims int) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, errs.Errorf(errs.KindDimension, "store.DecodeVector", "malformed vector payload: %v", err)
	}
	if err := ValidateVector(vec, dims); err != nil {
		return nil, err
	}
	return vec, nil
}

// ValidateVector enforces the dimension invariant on a decoded vector.
func ValidateVector(vec []float32, dims int) error {
	if len(vec) != dims {
		return errs.Errorf(errs.KindDimension, "store.ValidateVector", "vector has %d dimensions, want %d", len(vec), dims)
	}
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errs.Errorf(errs.KindDimension, "store.ValidateVector", "vector has non-finite component")
		}
	}
	return nil
}

// NormalizeKeywords case-folds, trims, and dedupes keywords preserving first
// occurrence order.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

// DigestPairs hashes (memoryId, version) pairs into the embedding-set digest.
// Order-insensitive: pairs are sorted before hashing.
func DigestPairs(pairs map[string]int64) string {
	keys := make([]string, 0, len(pairs))
	for id := range pairs {
		keys = append(keys, id)
	}
	sort.Strings(keys)

	h := xxhash.New()
	for _, id := range keys {
		fmt.Fprintf(h, "%s:%d;", id, pairs[id])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
