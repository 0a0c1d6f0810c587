package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mnemos/internal/cache"
	"mnemos/internal/clustering"
	"mnemos/internal/core"
	"mnemos/internal/errs"
	"mnemos/internal/llm"
	"mnemos/internal/store"
	"mnemos/internal/vectorindex"
)

const testDims = 4

// fakeEmbedder maps known words to fixed directions so cluster shapes are
// predictable.
type fakeEmbedder struct {
	calls atomic.Int64
	fail  atomic.Bool
}

var wordVectors = map[string][]float32{
	"apples": {1, 0, 0, 0}, "oranges": {0.95, 0.05, 0, 0}, "pears": {0.9, 0.1, 0, 0},
	"sedans": {0, 1, 0, 0}, "SUVs": {0.05, 0.95, 0, 0}, "trucks": {0.1, 0.9, 0, 0},
	"fruit query": {1, 0, 0, 0},
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string, task llm.TaskType) ([]float32, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errs.Errorf(errs.KindTransient, "fake.Embed", "provider down")
	}
	if vec, ok := wordVectors[text]; ok {
		return vec, nil
	}
	return []float32{0, 0, 1, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, task llm.TaskType) []llm.BatchResult {
	results := make([]llm.BatchResult, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text, task)
		results[i] = llm.BatchResult{Vector: vec, Err: err}
	}
	return results
}

func (f *fakeEmbedder) Dimensions() int { return testDims }

// countingStore wraps a real store to observe and fail cluster-input reads.
type countingStore struct {
	store.Store
	listEmbeddings atomic.Int64
	failList       atomic.Bool
	gate           chan struct{} // non-nil blocks ListEmbeddings until closed
	gateMu         sync.Mutex
}

func (s *countingStore) ListEmbeddings(ctx context.Context, userID int64) ([]core.Embedding, error) {
	s.listEmbeddings.Add(1)
	s.gateMu.Lock()
	gate := s.gate
	s.gateMu.Unlock()
	if gate != nil {
		<-gate
	}
	if s.failList.Load() {
		return nil, errs.Errorf(errs.KindTransient, "fake.ListEmbeddings", "storage down")
	}
	return s.Store.ListEmbeddings(ctx, userID)
}

func (s *countingStore) setGate(gate chan struct{}) {
	s.gateMu.Lock()
	s.gate = gate
	s.gateMu.Unlock()
}

type testRig struct {
	coordinator *Coordinator
	store       *countingStore
	embedder    *fakeEmbedder
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	sqlite, err := store.NewSQLite(t.TempDir(), testDims)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	cs := &countingStore{Store: sqlite}
	embedder := &fakeEmbedder{}

	index, err := vectorindex.New(cs, testDims, 8)
	if err != nil {
		t.Fatalf("New index failed: %v", err)
	}
	resultCache, err := cache.New(cs, cache.DefaultConfig())
	if err != nil {
		t.Fatalf("New cache failed: %v", err)
	}

	coordinator, err := New(Options{
		Store:    cs,
		Embedder: embedder,
		Index:    index,
		Cache:    resultCache,
		Engine: clustering.NewEngine(clustering.Config{
			MinK: 2, MaxK: 2, MaxIterations: 50, Epsilon: 1e-4, MinMemories: 5,
		}),
	})
	if err != nil {
		t.Fatalf("New coordinator failed: %v", err)
	}
	t.Cleanup(coordinator.Close)
	return &testRig{coordinator: coordinator, store: cs, embedder: embedder}
}

func (r *testRig) ingestAll(t *testing.T, userID int64, contents map[string][]string) {
	t.Helper()
	for content, keywords := range contents {
		_, err := r.coordinator.Ingest(context.Background(), IngestRequest{
			UserID: userID, Content: content, Keywords: keywords,
		})
		if err != nil {
			t.Fatalf("Ingest(%q) failed: %v", content, err)
		}
	}
	r.waitEmbedded(t, userID)
}

// waitEmbedded blocks until every memory of the user has an embedding.
func (r *testRig) waitEmbedded(t *testing.T, userID int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		missing, err := r.store.ListUnembedded(context.Background(), userID)
		if err != nil {
			t.Fatalf("ListUnembedded failed: %v", err)
		}
		if len(missing) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("embeddings did not complete in time")
}

func fruitCarCorpus() map[string][]string {
	return map[string][]string{
		"apples":  {"fruit"},
		"oranges": {"fruit"},
		"pears":   {"fruit"},
		"sedans":  {"cars"},
		"SUVs":    {"cars"},
		"trucks":  {"cars"},
	}
}

func TestIngestToGraph(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.ingestAll(t, 1, fruitCarCorpus())

	clusters, err := r.coordinator.GetClusters(ctx, 1, false)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if len(clusters.Clusters) != 2 {
		t.Fatalf("clusters = %d, want 2", len(clusters.Clusters))
	}
	for _, c := range clusters.Clusters {
		if c.Size != 3 {
			t.Errorf("cluster size = %d, want 3", c.Size)
		}
	}

	g, err := r.coordinator.GetGraph(ctx, 1, false)
	if err != nil {
		t.Fatalf("GetGraph failed: %v", err)
	}
	clusterNodes, keywordNodes, contains, similar := 0, 0, 0, 0
	for _, n := range g.Nodes {
		switch n.Kind {
		case core.NodeCluster:
			clusterNodes++
		case core.NodeKeyword:
			keywordNodes++
		}
	}
	for _, e := range g.Edges {
		switch e.Kind {
		case core.EdgeContains:
			contains++
		case core.EdgeSimilar:
			similar++
		}
	}
	if clusterNodes != 2 {
		t.Errorf("cluster nodes = %d, want 2", clusterNodes)
	}
	if keywordNodes < 2 {
		t.Errorf("keyword nodes = %d, want >= 2", keywordNodes)
	}
	if contains != 6 {
		t.Errorf("contains edges = %d, want 6", contains)
	}
	if similar != 0 {
		t.Errorf("similar edges = %d, want 0 for orthogonal clusters", similar)
	}
}

func TestIngest_Validation(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	if _, err := r.coordinator.Ingest(ctx, IngestRequest{UserID: 0, Content: "x"}); errs.KindOf(err) != errs.KindInvalidInput {
		t.Errorf("zero user: kind = %v, want InvalidInput", errs.KindOf(err))
	}
	if _, err := r.coordinator.Ingest(ctx, IngestRequest{UserID: 1, Content: "  "}); errs.KindOf(err) != errs.KindInvalidInput {
		t.Errorf("blank content: kind = %v, want InvalidInput", errs.KindOf(err))
	}
}

func TestGetClusters_TooFewMemories(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.ingestAll(t, 1, map[string][]string{"apples": nil, "oranges": nil})

	clusters, err := r.coordinator.GetClusters(ctx, 1, false)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if len(clusters.Clusters) != 0 {
		t.Errorf("clusters = %d, want 0 below the minimum", len(clusters.Clusters))
	}
}

func TestGetGraph_CoalescesConcurrentBuilds(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.ingestAll(t, 1, fruitCarCorpus())

	before := r.store.listEmbeddings.Load()

	const callers = 20
	var wg sync.WaitGroup
	graphs := make([]core.Graph, callers)
	errsCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := r.coordinator.GetGraph(ctx, 1, false)
			if err != nil {
				errsCh <- err
				return
			}
			graphs[i] = g
		}(i)
	}
	wg.Wait()
	close(errsCh)
	for err := range errsCh {
		t.Fatalf("GetGraph failed: %v", err)
	}

	// The chained graph build needs cluster input twice (cluster build and
	// corpus loads read embeddings too), but the count must not scale with
	// the number of callers.
	reads := r.store.listEmbeddings.Load() - before
	if reads > 6 {
		t.Errorf("ListEmbeddings calls = %d, want a constant independent of %d callers", reads, callers)
	}
	for i := 1; i < callers; i++ {
		if graphs[i].Version != graphs[0].Version || len(graphs[i].Nodes) != len(graphs[0].Nodes) {
			t.Fatalf("caller %d saw a different graph", i)
		}
	}
}

func TestRepair(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	// Seed a memory directly so no embed job is queued.
	now := time.Now().UTC()
	m := core.Memory{ID: "20260101000000000001", UserID: 1, Content: "apples", Type: core.MemoryTypeChat, Timestamp: now, CreatedAt: now}
	if err := r.store.InsertMemory(ctx, m); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}

	digestBefore, _ := r.store.EmbeddingDigest(ctx, 1)

	count, err := r.coordinator.Repair(ctx, 1)
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if count != 1 {
		t.Errorf("repaired = %d, want 1", count)
	}

	digestAfter, _ := r.store.EmbeddingDigest(ctx, 1)
	if digestBefore == digestAfter {
		t.Error("digest must change after repair")
	}
	if missing, _ := r.store.ListUnembedded(ctx, 1); len(missing) != 0 {
		t.Errorf("unembedded = %d, want 0", len(missing))
	}
}

func TestRepair_SkipsFailures(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	now := time.Now().UTC()
	m := core.Memory{ID: "20260101000000000002", UserID: 1, Content: "apples", Type: core.MemoryTypeChat, Timestamp: now, CreatedAt: now}
	if err := r.store.InsertMemory(ctx, m); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}

	r.embedder.fail.Store(true)
	count, err := r.coordinator.Repair(ctx, 1)
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if count != 0 {
		t.Errorf("repaired = %d, want 0 when the provider is down", count)
	}
}

func TestSearch(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.ingestAll(t, 1, fruitCarCorpus())

	results, err := r.coordinator.Search(ctx, 1, "fruit query", 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Memory.Content != "apples" {
		t.Errorf("top result = %q, want apples", results[0].Memory.Content)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Error("results must be ordered by score desc")
		}
	}
}

func TestSearch_Validation(t *testing.T) {
	r := newTestRig(t)
	if _, err := r.coordinator.Search(context.Background(), 1, "  ", 5); errs.KindOf(err) != errs.KindInvalidInput {
		t.Errorf("kind = %v, want InvalidInput", errs.KindOf(err))
	}
}

func TestArtifact_StaleFallbackOnBuildFailure(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.ingestAll(t, 1, fruitCarCorpus())

	warm, err := r.coordinator.GetClusters(ctx, 1, false)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}

	r.store.failList.Store(true)
	stale, err := r.coordinator.GetClusters(ctx, 1, true)
	if err != nil {
		t.Fatalf("want stale artifact, got error: %v", err)
	}
	if len(stale.Clusters) != len(warm.Clusters) {
		t.Errorf("stale clusters = %d, want the last good %d", len(stale.Clusters), len(warm.Clusters))
	}
}

func TestArtifact_UnavailableWithoutFallback(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.ingestAll(t, 1, fruitCarCorpus())

	r.store.failList.Store(true)
	_, err := r.coordinator.GetClusters(ctx, 1, false)
	if errs.KindOf(err) != errs.KindUnavailable {
		t.Errorf("kind = %v, want Unavailable with an empty cache", errs.KindOf(err))
	}
}

func TestArtifact_DeadlineDoesNotCancelBuild(t *testing.T) {
	r := newTestRig(t)
	r.ingestAll(t, 1, fruitCarCorpus())

	gate := make(chan struct{})
	r.store.setGate(gate)

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.coordinator.GetClusters(shortCtx, 1, false)
	if errs.KindOf(err) != errs.KindTimeout {
		t.Fatalf("kind = %v, want Timeout", errs.KindOf(err))
	}

	// Release the build; it must complete and populate the cache.
	r.store.setGate(nil)
	close(gate)

	deadline := time.Now().Add(2 * time.Second)
	for {
		clusters, err := r.coordinator.GetClusters(context.Background(), 1, false)
		if err == nil && len(clusters.Clusters) == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("build never landed: clusters=%v err=%v", clusters, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestIngest_InvalidatesCache(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.ingestAll(t, 1, fruitCarCorpus())

	first, err := r.coordinator.GetClusters(ctx, 1, false)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}

	r.ingestAll(t, 1, map[string][]string{"pears and apples": {"fruit"}})

	second, err := r.coordinator.GetClusters(ctx, 1, false)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if second.Digest == first.Digest {
		t.Error("digest must move after a new embedding")
	}
	if second.Total != first.Total+1 {
		t.Errorf("total = %d, want %d", second.Total, first.Total+1)
	}
}

func TestStaleFallback_ErrorPreserved(t *testing.T) {
	e := errs.E(errs.KindUnavailable, "x", errors.New("boom"))
	if errs.KindOf(e) != errs.KindUnavailable {
		t.Errorf("kind = %v", errs.KindOf(e))
	}
}
