// Package cache is the tiered per-user result cache for derived artifacts.
// A small in-process LRU fronts the persistent cache rows; validity requires
// both freshness within the artifact's TTL and a digest match against the
// user's current embedding set.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"mnemos/internal/core"
	"mnemos/internal/errs"
	"mnemos/internal/logger"
	"mnemos/internal/store"
)

// DefaultHotEntries is the default hot-tier capacity.
const DefaultHotEntries = 256

// Config sets per-artifact TTLs and the hot-tier size.
type Config struct {
	ClustersTTL   time.Duration
	TopicsTTL     time.Duration
	GraphTTL      time.Duration
	TrajectoryTTL time.Duration
	HotEntries    int
}

// DefaultConfig returns the default TTLs.
func DefaultConfig() Config {
	return Config{
		ClustersTTL:   time.Hour,
		TopicsTTL:     time.Hour,
		GraphTTL:      30 * time.Minute,
		TrajectoryTTL: 7 * 24 * time.Hour,
		HotEntries:    DefaultHotEntries,
	}
}

type key struct {
	userID   int64
	artifact core.Artifact
}

// Cache serves and stores derived artifacts. Safe for concurrent use.
type Cache struct {
	store store.Store
	ttls  map[core.Artifact]time.Duration
	log   *slog.Logger
	now   func() time.Time

	mu  sync.Mutex // guards hot against concurrent promote/invalidate
	hot *lru.Cache[key, core.CacheEntry]
}

// New creates a cache over the given store.
func New(s store.Store, cfg Config) (*Cache, error) {
	if cfg.HotEntries <= 0 {
		cfg.HotEntries = DefaultHotEntries
	}
	hot, err := lru.New[key, core.CacheEntry](cfg.HotEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create hot tier: %w", err)
	}
	return &Cache{
		store: s,
		hot:   hot,
		log:   logger.Get(),
		now:   time.Now,
		ttls: map[core.Artifact]time.Duration{
			core.ArtifactClusters:   cfg.ClustersTTL,
			core.ArtifactTopics:     cfg.TopicsTTL,
			core.ArtifactGraph:      cfg.GraphTTL,
			core.ArtifactTrajectory: cfg.TrajectoryTTL,
		},
	}, nil
}

// TTL returns the configured TTL for an artifact.
func (c *Cache) TTL(artifact core.Artifact) time.Duration {
	return c.ttls[artifact]
}

// Get returns the entry for (userID, artifact) iff it is fresh and matches
// digest. A stale or mismatched entry is a miss, not an error.
func (c *Cache) Get(ctx context.Context, userID int64, artifact core.Artifact, digest string) (core.CacheEntry, bool, error) {
	now := c.now().UTC()
	k := key{userID: userID, artifact: artifact}

	c.mu.Lock()
	entry, ok := c.hot.Get(k)
	c.mu.Unlock()
	if ok && entry.Valid(now, digest) {
		return entry, true, nil
	}

	row, err := c.store.GetCacheEntry(ctx, userID, artifact)
	if errs.KindOf(err) == errs.KindNotFound {
		return core.CacheEntry{}, false, nil
	}
	if err != nil {
		return core.CacheEntry{}, false, err
	}
	if !row.Valid(now, digest) {
		return core.CacheEntry{}, false, nil
	}

	c.mu.Lock()
	c.hot.Add(k, *row)
	c.mu.Unlock()
	return *row, true, nil
}

// GetStale returns whatever entry is persisted for (userID, artifact),
// regardless of freshness or digest. Used as the fallback when a rebuild
// fails and the last good artifact must be served.
func (c *Cache) GetStale(ctx context.Context, userID int64, artifact core.Artifact) (core.CacheEntry, bool, error) {
	row, err := c.store.GetCacheEntry(ctx, userID, artifact)
	if errs.KindOf(err) == errs.KindNotFound {
		return core.CacheEntry{}, false, nil
	}
	if err != nil {
		return core.CacheEntry{}, false, err
	}
	return *row, true, nil
}

// Put stores a freshly built artifact in both tiers, stamping generatedAt
// and the artifact's TTL.
func (c *Cache) Put(ctx context.Context, userID int64, artifact core.Artifact, payload []byte, digest string) error {
	entry := core.CacheEntry{
		UserID:      userID,
		Artifact:    artifact,
		Payload:     payload,
		Digest:      digest,
		GeneratedAt: c.now().UTC(),
		TTL:         c.ttls[artifact],
	}
	if err := c.store.PutCacheEntry(ctx, entry); err != nil {
		return err
	}

	c.mu.Lock()
	c.hot.Add(key{userID: userID, artifact: artifact}, entry)
	c.mu.Unlock()
	return nil
}

// Invalidate removes the given artifacts for the user from both tiers.
// With no artifacts given, every artifact is invalidated.
func (c *Cache) Invalidate(ctx context.Context, userID int64, artifacts ...core.Artifact) error {
	if len(artifacts) == 0 {
		artifacts = core.Artifacts()
	}

	c.mu.Lock()
	for _, artifact := range artifacts {
		c.hot.Remove(key{userID: userID, artifact: artifact})
	}
	c.mu.Unlock()

	if err := c.store.DeleteCacheEntries(ctx, userID, artifacts...); err != nil {
		return err
	}
	c.log.Debug("cache invalidated", "user_id", userID, "artifacts", len(artifacts))
	return nil
}
