package store

import (
	"context"
	"testing"
	"time"

	"mnemos/internal/core"
	"mnemos/internal/errs"
	"mnemos/internal/memid"
)

const testDims = 8

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(t.TempDir(), testDims)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMemory(gen *memid.Generator, userID int64, content string) core.Memory {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return core.Memory{
		ID:        gen.Next(),
		UserID:    userID,
		Content:   content,
		Type:      core.MemoryTypeChat,
		Timestamp: now,
		CreatedAt: now,
	}
}

func testVector(fill float32) []float32 {
	v := make([]float32, testDims)
	for i := range v {
		v[i] = fill
	}
	return v
}

func TestInsertMemory_Conflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	gen := memid.NewGenerator()

	m := testMemory(gen, 1, "learning about goroutines")
	if err := s.InsertMemory(ctx, m); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}

	err := s.InsertMemory(ctx, m)
	if errs.KindOf(err) != errs.KindConflict {
		t.Errorf("duplicate insert kind = %v, want Conflict", errs.KindOf(err))
	}

	// State unchanged: still exactly one memory.
	n, err := s.CountMemories(ctx, 1)
	if err != nil {
		t.Fatalf("CountMemories failed: %v", err)
	}
	if n != 1 {
		t.Errorf("count after failed duplicate = %d, want 1", n)
	}
}

func TestGetMemory_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetMemory(context.Background(), 1, "20260101000000000000")
	if errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("kind = %v, want NotFound", errs.KindOf(err))
	}
}

func TestListMemories_OrderAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	gen := memid.NewGenerator()

	var ids []string
	for i := 0; i < 5; i++ {
		m := testMemory(gen, 1, "note")
		ids = append(ids, m.ID)
		if err := s.InsertMemory(ctx, m); err != nil {
			t.Fatalf("InsertMemory failed: %v", err)
		}
	}
	// Other user's memories must not leak into the page.
	if err := s.InsertMemory(ctx, testMemory(gen, 2, "other user")); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}

	page, err := s.ListMemories(ctx, 1, ListFilter{Limit: 3})
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("page size = %d, want 3", len(page))
	}
	for i, m := range page {
		if want := ids[len(ids)-1-i]; m.ID != want {
			t.Errorf("page[%d].ID = %s, want %s (id desc)", i, m.ID, want)
		}
	}

	rest, err := s.ListMemories(ctx, 1, ListFilter{Limit: 3, Offset: 3})
	if err != nil {
		t.Fatalf("ListMemories offset failed: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("second page size = %d, want 2", len(rest))
	}
}

func TestListMemories_TypeFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	gen := memid.NewGenerator()

	chat := testMemory(gen, 1, "a chat turn")
	summary := testMemory(gen, 1, "a summary")
	summary.Type = core.MemoryTypeSummary
	for _, m := range []core.Memory{chat, summary} {
		if err := s.InsertMemory(ctx, m); err != nil {
			t.Fatalf("InsertMemory failed: %v", err)
		}
	}

	got, err := s.ListMemories(ctx, 1, ListFilter{Type: core.MemoryTypeSummary})
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != summary.ID {
		t.Errorf("type filter returned %d results, want the summary memory", len(got))
	}
}

func TestInsertKeywords_CaseFoldDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	gen := memid.NewGenerator()

	m := testMemory(gen, 1, "concurrency patterns")
	if err := s.InsertMemory(ctx, m); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}

	if err := s.InsertKeywords(ctx, m.ID, []string{"Goroutines", "goroutines", " channels ", ""}); err != nil {
		t.Fatalf("InsertKeywords failed: %v", err)
	}
	// Idempotent per (memoryId, keyword).
	if err := s.InsertKeywords(ctx, m.ID, []string{"goroutines"}); err != nil {
		t.Fatalf("repeated InsertKeywords failed: %v", err)
	}

	byMemory, err := s.KeywordsByMemory(ctx, 1)
	if err != nil {
		t.Fatalf("KeywordsByMemory failed: %v", err)
	}
	got := byMemory[m.ID]
	if len(got) != 2 {
		t.Fatalf("keywords = %v, want [channels goroutines]", got)
	}
	if got[0] != "channels" || got[1] != "goroutines" {
		t.Errorf("keywords = %v, want case-folded and deduped", got)
	}
}

func TestInsertKeywords_MissingMemory(t *testing.T) {
	s := newTestStore(t)

	err := s.InsertKeywords(context.Background(), "20260101000000000000", []string{"orphan"})
	if errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("kind = %v, want NotFound", errs.KindOf(err))
	}
}

func TestUpsertEmbedding_VersionBumpAndDigest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	gen := memid.NewGenerator()

	m := testMemory(gen, 1, "vectors")
	if err := s.InsertMemory(ctx, m); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}

	emptyDigest, err := s.EmbeddingDigest(ctx, 1)
	if err != nil {
		t.Fatalf("EmbeddingDigest failed: %v", err)
	}

	if err := s.UpsertEmbedding(ctx, m.ID, testVector(0.1)); err != nil {
		t.Fatalf("UpsertEmbedding failed: %v", err)
	}
	d1, _ := s.EmbeddingDigest(ctx, 1)
	if d1 == emptyDigest {
		t.Error("digest must change when an embedding appears")
	}

	// Replace bumps the version, which must change the digest again.
	if err := s.UpsertEmbedding(ctx, m.ID, testVector(0.2)); err != nil {
		t.Fatalf("UpsertEmbedding replace failed: %v", err)
	}
	d2, _ := s.EmbeddingDigest(ctx, 1)
	if d2 == d1 {
		t.Error("digest must change when an embedding version bumps")
	}

	embeddings, err := s.ListEmbeddings(ctx, 1)
	if err != nil {
		t.Fatalf("ListEmbeddings failed: %v", err)
	}
	if len(embeddings) != 1 {
		t.Fatalf("embeddings = %d, want 1", len(embeddings))
	}
	if embeddings[0].Version != 2 {
		t.Errorf("version = %d, want 2 after replace", embeddings[0].Version)
	}
	if embeddings[0].Vector[0] != 0.2 {
		t.Errorf("vector not replaced: %v", embeddings[0].Vector[0])
	}
}

func TestUpsertEmbedding_WrongDimension(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	gen := memid.NewGenerator()

	m := testMemory(gen, 1, "bad vector")
	if err := s.InsertMemory(ctx, m); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}

	err := s.UpsertEmbedding(ctx, m.ID, []float32{1, 2, 3})
	if errs.KindOf(err) != errs.KindDimension {
		t.Errorf("kind = %v, want Dimension", errs.KindOf(err))
	}

	// No row persisted for the rejected vector.
	embeddings, _ := s.ListEmbeddings(ctx, 1)
	if len(embeddings) != 0 {
		t.Errorf("embeddings = %d, want 0 after rejected upsert", len(embeddings))
	}
}

func TestUpsertEmbedding_MissingMemory(t *testing.T) {
	s := newTestStore(t)

	err := s.UpsertEmbedding(context.Background(), "20260101000000000000", testVector(0.5))
	if errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("kind = %v, want NotFound", errs.KindOf(err))
	}
}

func TestDeleteMemory_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	gen := memid.NewGenerator()

	m := testMemory(gen, 1, "to be deleted")
	if err := s.InsertMemory(ctx, m); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}
	if err := s.InsertKeywords(ctx, m.ID, []string{"doomed"}); err != nil {
		t.Fatalf("InsertKeywords failed: %v", err)
	}
	if err := s.UpsertEmbedding(ctx, m.ID, testVector(0.3)); err != nil {
		t.Fatalf("UpsertEmbedding failed: %v", err)
	}

	if err := s.DeleteMemory(ctx, 1, m.ID); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}

	keywords, _ := s.KeywordsByMemory(ctx, 1)
	if len(keywords) != 0 {
		t.Error("keywords should cascade on memory delete")
	}
	embeddings, _ := s.ListEmbeddings(ctx, 1)
	if len(embeddings) != 0 {
		t.Error("embeddings should cascade on memory delete")
	}
}

func TestListUnembedded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	gen := memid.NewGenerator()

	embedded := testMemory(gen, 1, "has vector")
	missing := testMemory(gen, 1, "no vector yet")
	for _, m := range []core.Memory{embedded, missing} {
		if err := s.InsertMemory(ctx, m); err != nil {
			t.Fatalf("InsertMemory failed: %v", err)
		}
	}
	if err := s.UpsertEmbedding(ctx, embedded.ID, testVector(0.4)); err != nil {
		t.Fatalf("UpsertEmbedding failed: %v", err)
	}

	got, err := s.ListUnembedded(ctx, 1)
	if err != nil {
		t.Fatalf("ListUnembedded failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != missing.ID {
		t.Errorf("ListUnembedded = %v, want only the unembedded memory", got)
	}
}

func TestCacheEntryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := core.CacheEntry{
		UserID:      1,
		Artifact:    core.ArtifactClusters,
		Payload:     []byte(`{"clusters":[]}`),
		Digest:      "abc123",
		GeneratedAt: time.Now().UTC().Truncate(time.Second),
		TTL:         time.Hour,
	}
	if err := s.PutCacheEntry(ctx, entry); err != nil {
		t.Fatalf("PutCacheEntry failed: %v", err)
	}

	got, err := s.GetCacheEntry(ctx, 1, core.ArtifactClusters)
	if err != nil {
		t.Fatalf("GetCacheEntry failed: %v", err)
	}
	if got.Digest != entry.Digest || string(got.Payload) != string(entry.Payload) {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.TTL != time.Hour {
		t.Errorf("TTL = %v, want 1h", got.TTL)
	}

	// Replace.
	entry.Digest = "def456"
	if err := s.PutCacheEntry(ctx, entry); err != nil {
		t.Fatalf("PutCacheEntry replace failed: %v", err)
	}
	got, _ = s.GetCacheEntry(ctx, 1, core.ArtifactClusters)
	if got.Digest != "def456" {
		t.Errorf("digest = %s, want def456 after replace", got.Digest)
	}

	if err := s.DeleteCacheEntries(ctx, 1, core.ArtifactClusters, core.ArtifactGraph); err != nil {
		t.Fatalf("DeleteCacheEntries failed: %v", err)
	}
	_, err = s.GetCacheEntry(ctx, 1, core.ArtifactClusters)
	if errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("kind after delete = %v, want NotFound", errs.KindOf(err))
	}
}

func TestDigestPairs_OrderInsensitive(t *testing.T) {
	a := DigestPairs(map[string]int64{"m1": 1, "m2": 3})
	b := DigestPairs(map[string]int64{"m2": 3, "m1": 1})
	if a != b {
		t.Error("digest must not depend on iteration order")
	}
	c := DigestPairs(map[string]int64{"m1": 2, "m2": 3})
	if a == c {
		t.Error("digest must change when a version changes")
	}
}

func TestDecodeVector_Strict(t *testing.T) {
	if _, err := DecodeVector([]byte(`{"not":"a vector"}`), testDims); errs.KindOf(err) != errs.KindDimension {
		t.Error("malformed payload must be rejected")
	}
	if _, err := DecodeVector([]byte(`[1,2,3]`), testDims); errs.KindOf(err) != errs.KindDimension {
		t.Error("wrong dimension must be rejected")
	}
	if _, err := DecodeVector([]byte(`[1,2,3,4,5,6,7,8]`), testDims); err != nil {
		t.Errorf("well-formed vector rejected: %v", err)
	}
}
