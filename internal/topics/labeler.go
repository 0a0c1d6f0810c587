// Package topics turns clusters into human-readable topics. Labels come from
// TF-IDF-ranked keywords aggregated over each cluster's members, with an
// optional LLM summarization pass that falls back to the keyword label on any
// failure.
package topics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"mnemos/internal/core"
	"mnemos/internal/llm"
	"mnemos/internal/logger"
	"mnemos/internal/vectorindex"
)

// dominanceRatio is how much the top keyword must outweigh the runner-up to
// label the cluster on its own.
const dominanceRatio = 1.5

// snippetCount is how many representative snippets the summarizer sees.
const snippetCount = 5

// Input carries everything a labeling pass needs, keyed by memory id.
type Input struct {
	Clustering core.Clustering
	Keywords   map[string][]string  // per-memory keywords, already normalized
	Vectors    map[string][]float32 // per-memory embedding
	Contents   map[string]string    // per-memory content, for snippets
}

// Labeler assigns labels and representative memories to clusters.
type Labeler struct {
	summarizer llm.Summarizer // nil disables the LLM path
	log        *slog.Logger
}

// NewLabeler creates a labeler. summarizer may be nil.
func NewLabeler(summarizer llm.Summarizer) *Labeler {
	return &Labeler{summarizer: summarizer, log: logger.Get()}
}

// Label produces the topic list for one cluster build. It never fails: a
// summarizer error degrades to the keyword-derived label.
func (l *Labeler) Label(ctx context.Context, in Input) core.TopicList {
	list := core.TopicList{
		UserID:      in.Clustering.UserID,
		Digest:      in.Clustering.Digest,
		GeneratedAt: time.Now().UTC(),
		Topics:      make([]core.Topic, 0, len(in.Clustering.Clusters)),
	}

	df := documentFrequency(in.Clustering.Clusters, in.Keywords)
	totalClusters := len(in.Clustering.Clusters)

	for _, cluster := range in.Clustering.Clusters {
		ranked := rankKeywords(cluster, in.Keywords, df, totalClusters)
		representative := nearestToCentroid(cluster, in.Vectors)

		label := keywordLabel(ranked)
		if label == "" {
			label = contentLabel(in.Contents[representative])
		}
		if l.summarizer != nil {
			if s := l.summarize(ctx, cluster, in); s != "" {
				label = s
			}
		}

		keywords := make([]string, 0, len(ranked))
		for _, kw := range ranked {
			keywords = append(keywords, kw.term)
		}

		list.Topics = append(list.Topics, core.Topic{
			ClusterID:            cluster.ID,
			Label:                label,
			Keywords:             keywords,
			RepresentativeMemory: representative,
			Count:                cluster.Size,
			Percentage:           cluster.Percentage,
		})
	}
	return list
}

type rankedKeyword struct {
	term   string
	weight float64
}

// documentFrequency counts, per keyword, how many clusters contain it.
func documentFrequency(clusters []core.Cluster, keywords map[string][]string) map[string]int {
	df := make(map[string]int)
	for _, cluster := range clusters {
		seen := make(map[string]bool)
		for _, memberID := range cluster.MemberIDs {
			for _, kw := range keywords[memberID] {
				seen[kw] = true
			}
		}
		for kw := range seen {
			df[kw]++
		}
	}
	return df
}

// rankKeywords orders a cluster's keywords by term frequency weighted by
// inverse document frequency across the user's clusters. Ties break
// alphabetically so labels are deterministic.
func rankKeywords(cluster core.Cluster, keywords map[string][]string, df map[string]int, totalClusters int) []rankedKeyword {
	tf := make(map[string]int)
	for _, memberID := range cluster.MemberIDs {
		for _, kw := range keywords[memberID] {
			tf[kw]++
		}
	}
	if len(tf) == 0 {
		return nil
	}

	ranked := make([]rankedKeyword, 0, len(tf))
	for term, freq := range tf {
		idf := math.Log(1 + float64(totalClusters)/float64(1+df[term]))
		ranked = append(ranked, rankedKeyword{term: term, weight: float64(freq) * idf})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].weight != ranked[j].weight {
			return ranked[i].weight > ranked[j].weight
		}
		return ranked[i].term < ranked[j].term
	})
	return ranked
}

// keywordLabel derives the label from ranked keywords: the top keyword when
// it dominates, otherwise the top three joined.
func keywordLabel(ranked []rankedKeyword) string {
	switch {
	case len(ranked) == 0:
		return ""
	case len(ranked) == 1:
		return titleCase(ranked[0].term)
	case ranked[0].weight >= dominanceRatio*ranked[1].weight:
		return titleCase(ranked[0].term)
	}

	parts := make([]string, 0, 3)
	for _, kw := range ranked {
		parts = append(parts, titleCase(kw.term))
		if len(parts) == 3 {
			break
		}
	}
	return strings.Join(parts, " / ")
}

// contentLabel falls back to the opening words of the representative memory.
func contentLabel(content string) string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return "Untitled topic"
	}
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}

// nearestToCentroid picks the member memory closest to the cluster centroid.
func nearestToCentroid(cluster core.Cluster, vectors map[string][]float32) string {
	best := ""
	bestScore := -math.MaxFloat64
	for _, memberID := range cluster.MemberIDs {
		vec, ok := vectors[memberID]
		if !ok {
			continue
		}
		score := vectorindex.Cosine(vec, cluster.Centroid)
		if score > bestScore || (score == bestScore && memberID > best) {
			best, bestScore = memberID, score
		}
	}
	return best
}

// summarize asks the configured summarizer for a label from the snippets of
// the members nearest the centroid. Returns "" on any failure.
func (l *Labeler) summarize(ctx context.Context, cluster core.Cluster, in Input) string {
	type scored struct {
		id    string
		score float64
	}
	members := make([]scored, 0, len(cluster.MemberIDs))
	for _, memberID := range cluster.MemberIDs {
		if vec, ok := in.Vectors[memberID]; ok {
			members = append(members, scored{id: memberID, score: vectorindex.Cosine(vec, cluster.Centroid)})
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].score != members[j].score {
			return members[i].score > members[j].score
		}
		return members[i].id > members[j].id
	})

	snippets := make([]string, 0, snippetCount)
	for _, m := range members {
		if content := strings.TrimSpace(in.Contents[m.id]); content != "" {
			snippets = append(snippets, content)
		}
		if len(snippets) == snippetCount {
			break
		}
	}
	if len(snippets) == 0 {
		return ""
	}

	label, err := l.summarizer.SummarizeTopic(ctx, snippets)
	if err != nil {
		l.log.Warn("topic summarization failed, using keyword label",
			"user_id", cluster.UserID, "cluster_id", cluster.ID, "error", err)
		return ""
	}
	return strings.TrimSpace(label)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
