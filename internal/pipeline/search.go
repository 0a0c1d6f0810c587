package pipeline

import (
	"context"
	"strings"

	"mnemos/internal/core"
	"mnemos/internal/errs"
	"mnemos/internal/llm"
	"mnemos/internal/store"
)

// DefaultSearchLimit bounds search results when the caller gives no limit.
const DefaultSearchLimit = 10

// searchMinScore filters matches with no meaningful similarity.
const searchMinScore = 0.1

// SearchResult is one similarity hit with its source memory.
type SearchResult struct {
	Memory core.Memory `json:"memory"`
	Score  float64     `json:"score"`
}

// Search embeds the query and returns the most similar memories, best first.
// Synchronous: the query embedding is served from the gateway's reserved
// search capacity.
func (c *Coordinator) Search(ctx context.Context, userID int64, query string, limit int) ([]SearchResult, error) {
	const op = "pipeline.Search"
	if userID <= 0 {
		return nil, errs.Errorf(errs.KindInvalidInput, op, "user id must be positive, got %d", userID)
	}
	if strings.TrimSpace(query) == "" {
		return nil, errs.Errorf(errs.KindInvalidInput, op, "query is empty")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	vec, err := c.embedder.Embed(ctx, llm.Truncate(query, c.maxTextBytes), llm.TaskQuery)
	if err != nil {
		return nil, err
	}

	matches, err := c.index.TopK(ctx, userID, vec, limit, searchMinScore)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(matches))
	for _, match := range matches {
		m, err := c.store.GetMemory(ctx, userID, match.MemoryID)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				continue // deleted since the snapshot loaded
			}
			return nil, err
		}
		results = append(results, SearchResult{Memory: *m, Score: match.Score})
	}
	return results, nil
}

// ListMemories pages the user's memories, newest first.
func (c *Coordinator) ListMemories(ctx context.Context, userID int64, limit, offset int) ([]core.Memory, error) {
	if userID <= 0 {
		return nil, errs.Errorf(errs.KindInvalidInput, "pipeline.ListMemories", "user id must be positive, got %d", userID)
	}
	return c.store.ListMemories(ctx, userID, store.ListFilter{Limit: limit, Offset: offset})
}
