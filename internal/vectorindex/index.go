// Package vectorindex serves cosine top-K similarity queries over a user's
// embeddings. Snapshots are loaded on demand and cached under an LRU keyed by
// (userId, digest), so a digest change naturally invalidates the old snapshot.
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"mnemos/internal/errs"
	"mnemos/internal/store"
)

// DefaultCacheSize is the number of user snapshots kept hot.
const DefaultCacheSize = 64

// Match is one similarity result.
type Match struct {
	MemoryID string  `json:"memory_id"`
	Score    float64 `json:"score"`
}

type snapshot struct {
	ids  []string
	vecs [][]float32 // unit-normalized
}

// Index is the in-memory similarity index. Safe for concurrent use.
type Index struct {
	store store.Store
	dims  int

	mu        sync.Mutex // serializes snapshot loads
	snapshots *lru.Cache[string, *snapshot]
}

// New creates an index over the given store.
func New(s store.Store, dims, cacheSize int) (*Index, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *snapshot](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	return &Index{store: s, dims: dims, snapshots: cache}, nil
}

// TopK returns the k memories most similar to query with score >= minScore.
// Ties break toward the higher (more recent) memory id.
func (ix *Index) TopK(ctx context.Context, userID int64, query []float32, k int, minScore float64) ([]Match, error) {
	if k <= 0 {
		return nil, errs.Errorf(errs.KindInvalidInput, "vectorindex.TopK", "k must be positive, got %d", k)
	}
	if len(query) != ix.dims {
		return nil, errs.Errorf(errs.KindDimension, "vectorindex.TopK", "query has %d dimensions, want %d", len(query), ix.dims)
	}

	snap, err := ix.snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	q := Normalize(query)
	matches := make([]Match, 0, len(snap.ids))
	for i, vec := range snap.vecs {
		score := dot(q, vec)
		if score >= minScore {
			matches = append(matches, Match{MemoryID: snap.ids[i], Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].MemoryID > matches[j].MemoryID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// snapshot returns the current snapshot for the user, loading it if the
// digest moved since the last load.
func (ix *Index) snapshot(ctx context.Context, userID int64) (*snapshot, error) {
	digest, err := ix.store.EmbeddingDigest(ctx, userID)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%d:%s", userID, digest)

	if snap, ok := ix.snapshots.Get(key); ok {
		return snap, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	// A concurrent loader may have won the race.
	if snap, ok := ix.snapshots.Get(key); ok {
		return snap, nil
	}

	embeddings, err := ix.store.ListEmbeddings(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap := &snapshot{
		ids:  make([]string, len(embeddings)),
		vecs: make([][]float32, len(embeddings)),
	}
	for i, e := range embeddings {
		snap.ids[i] = e.MemoryID
		snap.vecs[i] = Normalize(e.Vector)
	}
	ix.snapshots.Add(key, snap)
	return snap, nil
}

// Normalize returns vec scaled to unit length. Zero vectors pass through.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Cosine returns the cosine similarity of two vectors of equal length.
func Cosine(a, b []float32) float64 {
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
