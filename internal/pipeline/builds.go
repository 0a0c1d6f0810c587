package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"mnemos/internal/clustering"
	"mnemos/internal/core"
	"mnemos/internal/errs"
	"mnemos/internal/graph"
	"mnemos/internal/store"
	"mnemos/internal/topics"
)

// GetClusters returns the user's cluster artifact, rebuilding on a cache
// miss. forceRefresh bypasses the freshness check but still coalesces with
// any in-flight build.
func (c *Coordinator) GetClusters(ctx context.Context, userID int64, forceRefresh bool) (core.Clustering, error) {
	var out core.Clustering
	err := c.artifact(ctx, userID, core.ArtifactClusters, forceRefresh, &out, func(buildCtx context.Context, digest string) (any, error) {
		return c.buildClusters(buildCtx, userID, digest)
	})
	return out, err
}

// GetTopics returns the labeled topics, rebuilding clusters first when they
// are stale.
func (c *Coordinator) GetTopics(ctx context.Context, userID int64, forceRefresh bool) (core.TopicList, error) {
	var out core.TopicList
	err := c.artifact(ctx, userID, core.ArtifactTopics, forceRefresh, &out, func(buildCtx context.Context, digest string) (any, error) {
		return c.buildTopics(buildCtx, userID, forceRefresh)
	})
	return out, err
}

// GetGraph returns the knowledge graph, chaining cluster and topic builds as
// needed.
func (c *Coordinator) GetGraph(ctx context.Context, userID int64, forceRefresh bool) (core.Graph, error) {
	var out core.Graph
	err := c.artifact(ctx, userID, core.ArtifactGraph, forceRefresh, &out, func(buildCtx context.Context, digest string) (any, error) {
		return c.buildGraph(buildCtx, userID, forceRefresh)
	})
	return out, err
}

// GetTrajectory returns the learning-trajectory projection over topics and
// graph.
func (c *Coordinator) GetTrajectory(ctx context.Context, userID int64, forceRefresh bool) (core.Trajectory, error) {
	var out core.Trajectory
	err := c.artifact(ctx, userID, core.ArtifactTrajectory, forceRefresh, &out, func(buildCtx context.Context, digest string) (any, error) {
		return c.buildTrajectory(buildCtx, userID, forceRefresh)
	})
	return out, err
}

// artifact is the shared read path: cache lookup, coalesced rebuild on miss,
// stale fallback on build failure. The caller's deadline bounds the wait but
// never cancels the build itself.
func (c *Coordinator) artifact(ctx context.Context, userID int64, artifact core.Artifact, forceRefresh bool, out any, build func(context.Context, string) (any, error)) error {
	if userID <= 0 {
		return errs.Errorf(errs.KindInvalidInput, "pipeline.artifact", "user id must be positive, got %d", userID)
	}

	digest, err := c.store.EmbeddingDigest(ctx, userID)
	if err != nil {
		return err
	}

	if !forceRefresh {
		if entry, hit, err := c.cache.Get(ctx, userID, artifact, digest); err == nil && hit {
			return json.Unmarshal(entry.Payload, out)
		} else if err != nil {
			return err
		}
	}

	key := fmt.Sprintf("%d:%s", userID, artifact)
	buildCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (any, error) {
		// A concurrent build may have landed while this flight queued.
		if !forceRefresh {
			if entry, hit, err := c.cache.Get(buildCtx, userID, artifact, digest); err == nil && hit {
				return entry.Payload, nil
			}
		}

		value, err := build(buildCtx, digest)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize %s: %w", artifact, err)
		}
		if err := c.cache.Put(buildCtx, userID, artifact, payload, digest); err != nil {
			return nil, err
		}
		return json.RawMessage(payload), nil
	})

	select {
	case <-ctx.Done():
		// The flight keeps running and populates the cache for the next
		// caller.
		return errs.Errorf(errs.KindTimeout, "pipeline.artifact", "deadline expired waiting for %s build", artifact)
	case res := <-ch:
		if res.Err != nil {
			return c.staleFallback(ctx, userID, artifact, out, res.Err)
		}
		switch payload := res.Val.(type) {
		case json.RawMessage:
			return json.Unmarshal(payload, out)
		case []byte:
			return json.Unmarshal(payload, out)
		default:
			return fmt.Errorf("unexpected flight payload %T", res.Val)
		}
	}
}

// staleFallback serves the last good artifact after a failed rebuild. With
// nothing cached the build error surfaces as Unavailable.
func (c *Coordinator) staleFallback(ctx context.Context, userID int64, artifact core.Artifact, out any, buildErr error) error {
	entry, found, err := c.cache.GetStale(ctx, userID, artifact)
	if err != nil || !found {
		return errs.E(errs.KindUnavailable, "pipeline.artifact", buildErr)
	}
	c.log.Warn("serving stale artifact after failed rebuild",
		"user_id", userID, "artifact", artifact, "generated_at", entry.GeneratedAt, "error", buildErr)
	return json.Unmarshal(entry.Payload, out)
}

func (c *Coordinator) buildClusters(ctx context.Context, userID int64, digest string) (core.Clustering, error) {
	// The per-user lock serializes the expensive leaf build; chained topic
	// and graph builds coalesce through the flight map instead, so the lock
	// is never taken twice on one chain.
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	embeddings, err := c.store.ListEmbeddings(ctx, userID)
	if err != nil {
		return core.Clustering{}, err
	}

	points := make([]clustering.Point, len(embeddings))
	for i, e := range embeddings {
		points[i] = clustering.Point{MemoryID: e.MemoryID, Vector: e.Vector}
	}

	return c.engine.Run(userID, digest, points, c.previousClusters(ctx, userID))
}

// previousClusters loads the last cached clustering for stable-identity
// matching. Absence is not an error.
func (c *Coordinator) previousClusters(ctx context.Context, userID int64) []core.Cluster {
	entry, found, err := c.cache.GetStale(ctx, userID, core.ArtifactClusters)
	if err != nil || !found {
		return nil
	}
	var previous core.Clustering
	if err := json.Unmarshal(entry.Payload, &previous); err != nil {
		return nil
	}
	return previous.Clusters
}

func (c *Coordinator) buildTopics(ctx context.Context, userID int64, forceRefresh bool) (core.TopicList, error) {
	clusters, err := c.GetClusters(ctx, userID, forceRefresh)
	if err != nil {
		return core.TopicList{}, err
	}

	keywords, vectors, contents, err := c.loadCorpus(ctx, userID)
	if err != nil {
		return core.TopicList{}, err
	}

	return c.labeler.Label(ctx, topics.Input{
		Clustering: clusters,
		Keywords:   keywords,
		Vectors:    vectors,
		Contents:   contents,
	}), nil
}

func (c *Coordinator) buildGraph(ctx context.Context, userID int64, forceRefresh bool) (core.Graph, error) {
	topicList, err := c.GetTopics(ctx, userID, forceRefresh)
	if err != nil {
		return core.Graph{}, err
	}
	clusters, err := c.GetClusters(ctx, userID, false)
	if err != nil {
		return core.Graph{}, err
	}

	keywords, vectors, contents, err := c.loadCorpus(ctx, userID)
	if err != nil {
		return core.Graph{}, err
	}

	g := c.builder.Build(graph.Input{
		Clustering: clusters,
		Topics:     topicList,
		Keywords:   keywords,
		Vectors:    vectors,
		Contents:   contents,
	})
	if err := graph.Validate(g); err != nil {
		return core.Graph{}, fmt.Errorf("graph build produced invalid graph: %w", err)
	}
	return g, nil
}

// buildTrajectory projects topics and graph into per-topic progress and
// suggestions. Progress blends the topic's share of memories with its
// connectivity; suggestions are connected topics with a below-average share.
func (c *Coordinator) buildTrajectory(ctx context.Context, userID int64, forceRefresh bool) (core.Trajectory, error) {
	topicList, err := c.GetTopics(ctx, userID, forceRefresh)
	if err != nil {
		return core.Trajectory{}, err
	}
	g, err := c.GetGraph(ctx, userID, false)
	if err != nil {
		return core.Trajectory{}, err
	}

	clusterIDs := make(map[string]bool, len(topicList.Topics))
	for _, t := range topicList.Topics {
		clusterIDs[t.ClusterID] = true
	}

	connections := make(map[string]int)
	for _, e := range g.Edges {
		if clusterIDs[e.Source] && clusterIDs[e.Target] {
			connections[e.Source]++
			connections[e.Target]++
		}
	}
	maxConnections := 0
	for _, n := range connections {
		if n > maxConnections {
			maxConnections = n
		}
	}

	trajectory := core.Trajectory{
		UserID:      userID,
		GeneratedAt: g.GeneratedAt,
		Topics:      make([]core.TopicProgress, 0, len(topicList.Topics)),
		Suggestions: []string{},
	}
	var meanShare float64
	if len(topicList.Topics) > 0 {
		meanShare = 1 / float64(len(topicList.Topics))
	}

	for _, t := range topicList.Topics {
		conn := connections[t.ClusterID]
		connectivity := 0.0
		if maxConnections > 0 {
			connectivity = float64(conn) / float64(maxConnections)
		}
		trajectory.Topics = append(trajectory.Topics, core.TopicProgress{
			ClusterID:   t.ClusterID,
			Label:       t.Label,
			Count:       t.Count,
			Percentage:  t.Percentage,
			Connections: conn,
			Progress:    0.5*minFloat(t.Percentage/maxFloat(meanShare, 1e-9), 1) + 0.5*connectivity,
		})

		if conn > 0 && t.Percentage < meanShare {
			trajectory.Suggestions = append(trajectory.Suggestions, t.Label)
		}
	}
	sort.Slice(trajectory.Topics, func(i, j int) bool {
		if trajectory.Topics[i].Progress != trajectory.Topics[j].Progress {
			return trajectory.Topics[i].Progress > trajectory.Topics[j].Progress
		}
		return trajectory.Topics[i].ClusterID < trajectory.Topics[j].ClusterID
	})
	if len(trajectory.Suggestions) > 3 {
		trajectory.Suggestions = trajectory.Suggestions[:3]
	}
	return trajectory, nil
}

// loadCorpus gathers the per-memory inputs shared by topic and graph builds.
func (c *Coordinator) loadCorpus(ctx context.Context, userID int64) (map[string][]string, map[string][]float32, map[string]string, error) {
	keywords, err := c.store.KeywordsByMemory(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}

	embeddings, err := c.store.ListEmbeddings(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	vectors := make(map[string][]float32, len(embeddings))
	for _, e := range embeddings {
		vectors[e.MemoryID] = e.Vector
	}

	contents := make(map[string]string)
	for offset := 0; ; offset += store.DefaultPageSize {
		page, err := c.store.ListMemories(ctx, userID, store.ListFilter{Limit: store.DefaultPageSize, Offset: offset})
		if err != nil {
			return nil, nil, nil, err
		}
		for _, m := range page {
			contents[m.ID] = m.Content
		}
		if len(page) < store.DefaultPageSize {
			break
		}
	}
	return keywords, vectors, contents, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
