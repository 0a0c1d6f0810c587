// Package pipeline orchestrates the memory engine: ingestion with
// asynchronous embedding, on-demand artifact builds with per-user coalescing,
// similarity search, and embedding repair.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mnemos/internal/cache"
	"mnemos/internal/clustering"
	"mnemos/internal/config"
	"mnemos/internal/core"
	"mnemos/internal/errs"
	"mnemos/internal/graph"
	"mnemos/internal/llm"
	"mnemos/internal/logger"
	"mnemos/internal/memid"
	"mnemos/internal/store"
	"mnemos/internal/topics"
	"mnemos/internal/vectorindex"
)

// Options bundles the coordinator's collaborators. Store, Embedder, Index,
// and Cache are required; the rest default when zero.
type Options struct {
	Store      store.Store
	Embedder   llm.Embedder
	Summarizer llm.Summarizer // optional
	Index      *vectorindex.Index
	Cache      *cache.Cache
	Engine     *clustering.Engine
	Builder    *graph.Builder
	Embedding  config.Embedding
}

type embedJob struct {
	userID   int64
	memoryID string
}

// Coordinator is the pipeline front door. Safe for concurrent use.
type Coordinator struct {
	store    store.Store
	embedder llm.Embedder
	index    *vectorindex.Index
	cache    *cache.Cache
	engine   *clustering.Engine
	labeler  *topics.Labeler
	builder  *graph.Builder
	ids      *memid.Generator
	log      *slog.Logger

	maxTextBytes int

	flights   singleflight.Group
	userLocks sync.Map // userID -> *sync.Mutex

	jobs      chan embedJob
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a coordinator and starts its embedding workers.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil || opts.Embedder == nil || opts.Index == nil || opts.Cache == nil {
		return nil, fmt.Errorf("pipeline requires store, embedder, index, and cache")
	}
	if opts.Engine == nil {
		opts.Engine = clustering.NewEngine(clustering.DefaultConfig())
	}
	if opts.Builder == nil {
		opts.Builder = graph.NewBuilder(graph.DefaultConfig())
	}
	workers := opts.Embedding.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := opts.Embedding.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	maxTextBytes := opts.Embedding.MaxTextBytes
	if maxTextBytes <= 0 {
		maxTextBytes = 32 * 1024
	}

	c := &Coordinator{
		store:        opts.Store,
		embedder:     opts.Embedder,
		index:        opts.Index,
		cache:        opts.Cache,
		engine:       opts.Engine,
		labeler:      topics.NewLabeler(opts.Summarizer),
		builder:      opts.Builder,
		ids:          memid.NewGenerator(),
		log:          logger.Get(),
		maxTextBytes: maxTextBytes,
		jobs:         make(chan embedJob, queueSize),
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.embedWorker()
	}
	return c, nil
}

// Close stops the embedding workers after draining queued jobs.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.jobs)
		c.wg.Wait()
	})
}

// IngestRequest is one memory to persist.
type IngestRequest struct {
	UserID   int64
	Content  string
	Type     core.MemoryType
	Summary  string
	Keywords []string
}

// Ingest persists the memory and returns its id as soon as storage
// acknowledges. Embedding runs asynchronously; a full queue defers the
// memory to the next repair pass instead of blocking the caller.
func (c *Coordinator) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	const op = "pipeline.Ingest"
	if req.UserID <= 0 {
		return "", errs.Errorf(errs.KindInvalidInput, op, "user id must be positive, got %d", req.UserID)
	}
	if strings.TrimSpace(req.Content) == "" {
		return "", errs.Errorf(errs.KindInvalidInput, op, "content is empty")
	}
	if req.Type == "" {
		req.Type = core.MemoryTypeChat
	}

	now := time.Now().UTC()
	m := core.Memory{
		ID:        c.ids.Next(),
		UserID:    req.UserID,
		Content:   req.Content,
		Type:      req.Type,
		Summary:   req.Summary,
		Timestamp: now,
		CreatedAt: now,
	}
	if err := c.store.InsertMemory(ctx, m); err != nil {
		return "", err
	}
	if len(req.Keywords) > 0 {
		if err := c.store.InsertKeywords(ctx, m.ID, req.Keywords); err != nil {
			return "", err
		}
	}

	select {
	case c.jobs <- embedJob{userID: m.UserID, memoryID: m.ID}:
	default:
		c.log.Warn("embed queue full, memory deferred to repair",
			"user_id", m.UserID, "memory_id", m.ID)
	}
	return m.ID, nil
}

func (c *Coordinator) embedWorker() {
	defer c.wg.Done()
	for job := range c.jobs {
		if err := c.embedOne(context.Background(), job.userID, job.memoryID); err != nil {
			c.log.Error("embedding failed, memory deferred to repair",
				"user_id", job.userID, "memory_id", job.memoryID, "error", err)
		}
	}
}

// embedOne computes and persists the vector for a single memory, then
// invalidates the user's derived artifacts.
func (c *Coordinator) embedOne(ctx context.Context, userID int64, memoryID string) error {
	m, err := c.store.GetMemory(ctx, userID, memoryID)
	if err != nil {
		return err
	}

	text := llm.Truncate(m.Content, c.maxTextBytes)
	vec, err := c.embedder.Embed(ctx, text, llm.TaskDocument)
	if err != nil {
		return err
	}
	if err := c.store.UpsertEmbedding(ctx, memoryID, vec); err != nil {
		return err
	}
	return c.cache.Invalidate(ctx, userID)
}

// Repair re-embeds every memory of the user that has no current embedding.
// Individual failures are logged and skipped; the returned count is the
// number of embeddings created.
func (c *Coordinator) Repair(ctx context.Context, userID int64) (int, error) {
	const op = "pipeline.Repair"
	if userID <= 0 {
		return 0, errs.Errorf(errs.KindInvalidInput, op, "user id must be positive, got %d", userID)
	}

	missing, err := c.store.ListUnembedded(ctx, userID)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, m := range missing {
		if err := ctx.Err(); err != nil {
			break
		}
		text := llm.Truncate(m.Content, c.maxTextBytes)
		vec, err := c.embedder.Embed(ctx, text, llm.TaskDocument)
		if err != nil {
			c.log.Warn("repair embedding failed", "user_id", userID, "memory_id", m.ID, "error", err)
			continue
		}
		if err := c.store.UpsertEmbedding(ctx, m.ID, vec); err != nil {
			c.log.Warn("repair upsert failed", "user_id", userID, "memory_id", m.ID, "error", err)
			continue
		}
		repaired++
	}

	if repaired > 0 {
		if err := c.cache.Invalidate(ctx, userID); err != nil {
			return repaired, err
		}
	}
	c.log.Info("repair complete", "user_id", userID, "missing", len(missing), "repaired", repaired)
	return repaired, nil
}

// userLock returns the per-user build mutex.
func (c *Coordinator) userLock(userID int64) *sync.Mutex {
	lock, _ := c.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}
