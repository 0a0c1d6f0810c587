// Package graph projects clusters, keywords, and memories into a typed
// knowledge graph. Relation kinds between clusters are inferred from keyword
// overlap patterns first, falling back to centroid similarity.
package graph

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"mnemos/internal/core"
	"mnemos/internal/logger"
	"mnemos/internal/vectorindex"
)

// Config holds the thresholds of the relation rule layer.
type Config struct {
	SimilarThreshold float64 // Centroid cosine at or above this is "similar"
	RelatedThreshold float64 // Centroid cosine in [this, similar) is "related"
	OverlapThreshold float64 // Keyword overlap coefficient for the rule layer
	MemoryDisplayCap int     // Max memory nodes per graph; sampled by id beyond
	MinKeywordCount  int     // Keyword must appear in at least this many memories
}

// DefaultConfig returns the default rule thresholds.
func DefaultConfig() Config {
	return Config{
		SimilarThreshold: 0.7,
		RelatedThreshold: 0.4,
		OverlapThreshold: 0.5,
		MemoryDisplayCap: 150,
		MinKeywordCount:  2,
	}
}

// Input carries one build's source artifacts, keyed by memory id.
type Input struct {
	Clustering core.Clustering
	Topics     core.TopicList
	Keywords   map[string][]string
	Vectors    map[string][]float32
	Contents   map[string]string
}

// Builder composes knowledge graphs.
type Builder struct {
	config Config
	log    *slog.Logger
}

// NewBuilder creates a graph builder.
func NewBuilder(config Config) *Builder {
	if config.MemoryDisplayCap <= 0 {
		config = DefaultConfig()
	}
	return &Builder{config: config, log: logger.Get()}
}

// Build composes the graph for one cluster build. The result is always
// well-formed: every edge endpoint exists, no self-loops, weights in [0,1].
func (b *Builder) Build(in Input) core.Graph {
	g := core.Graph{
		UserID:      in.Clustering.UserID,
		Version:     in.Clustering.Digest,
		GeneratedAt: time.Now().UTC(),
		Nodes:       []core.Node{},
		Edges:       []core.Edge{},
	}

	labels := make(map[string]string, len(in.Topics.Topics))
	for _, t := range in.Topics.Topics {
		labels[t.ClusterID] = t.Label
	}

	sampled := b.sampleMemories(in.Clustering.Clusters)
	keywordFreq := b.keywordFrequencies(sampled, in.Keywords)

	b.addClusterNodes(&g, in.Clustering.Clusters, labels)
	b.addKeywordNodes(&g, keywordFreq)
	b.addMemoryNodes(&g, sampled, in.Contents)

	b.addContainsEdges(&g, in.Clustering.Clusters, sampled, in.Vectors)
	b.addReferencesEdges(&g, sampled, in.Keywords, keywordFreq)
	b.addClusterRelations(&g, in.Clustering.Clusters, in.Keywords)

	b.log.Debug("graph build complete",
		"user_id", g.UserID, "nodes", len(g.Nodes), "edges", len(g.Edges))
	return g
}

// sampleMemories returns the displayed member set. When members exceed the
// display cap the most recent ids win; ordering by id makes the sample
// deterministic.
func (b *Builder) sampleMemories(clusters []core.Cluster) map[string]bool {
	var all []string
	for _, c := range clusters {
		all = append(all, c.MemberIDs...)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(all)))
	if len(all) > b.config.MemoryDisplayCap {
		all = all[:b.config.MemoryDisplayCap]
	}

	sampled := make(map[string]bool, len(all))
	for _, id := range all {
		sampled[id] = true
	}
	return sampled
}

// keywordFrequencies counts, over displayed memories, how many carry each
// keyword, dropping keywords under the minimum count.
func (b *Builder) keywordFrequencies(sampled map[string]bool, keywords map[string][]string) map[string]int {
	freq := make(map[string]int)
	for memoryID := range sampled {
		for _, kw := range keywords[memoryID] {
			freq[kw]++
		}
	}
	for kw, n := range freq {
		if n < b.config.MinKeywordCount {
			delete(freq, kw)
		}
	}
	return freq
}

func (b *Builder) addClusterNodes(g *core.Graph, clusters []core.Cluster, labels map[string]string) {
	for _, c := range clusters {
		label := labels[c.ID]
		if label == "" {
			label = fmt.Sprintf("Cluster %s", shortID(c.ID))
		}
		g.Nodes = append(g.Nodes, core.Node{
			ID:       c.ID,
			Label:    label,
			Kind:     core.NodeCluster,
			Category: core.NodeCluster.String(),
			Size:     math.Log1p(float64(c.Size)),
		})
	}
}

func (b *Builder) addKeywordNodes(g *core.Graph, freq map[string]int) {
	terms := make([]string, 0, len(freq))
	for kw := range freq {
		terms = append(terms, kw)
	}
	sort.Strings(terms)

	for _, kw := range terms {
		g.Nodes = append(g.Nodes, core.Node{
			ID:       keywordNodeID(kw),
			Label:    kw,
			Kind:     core.NodeKeyword,
			Category: core.NodeKeyword.String(),
			Size:     float64(freq[kw]),
		})
	}
}

func (b *Builder) addMemoryNodes(g *core.Graph, sampled map[string]bool, contents map[string]string) {
	ids := make([]string, 0, len(sampled))
	for id := range sampled {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	for _, id := range ids {
		g.Nodes = append(g.Nodes, core.Node{
			ID:       id,
			Label:    snippet(contents[id]),
			Kind:     core.NodeMemory,
			Category: core.NodeMemory.String(),
			Size:     1,
		})
	}
}

// addContainsEdges links each cluster to its displayed members, weighted by
// cosine to the centroid.
func (b *Builder) addContainsEdges(g *core.Graph, clusters []core.Cluster, sampled map[string]bool, vectors map[string][]float32) {
	for _, c := range clusters {
		for _, memberID := range c.MemberIDs {
			if !sampled[memberID] {
				continue
			}
			weight := 1.0
			if vec, ok := vectors[memberID]; ok {
				weight = clamp01(vectorindex.Cosine(vec, c.Centroid))
			}
			g.Edges = append(g.Edges, core.Edge{
				Source: c.ID,
				Target: memberID,
				Kind:   core.EdgeContains,
				Type:   core.EdgeContains.String(),
				Weight: weight,
			})
		}
	}
}

// addReferencesEdges links each displayed memory to its surviving keywords.
func (b *Builder) addReferencesEdges(g *core.Graph, sampled map[string]bool, keywords map[string][]string, freq map[string]int) {
	ids := make([]string, 0, len(sampled))
	for id := range sampled {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, memoryID := range ids {
		for _, kw := range keywords[memoryID] {
			if _, ok := freq[kw]; !ok {
				continue
			}
			g.Edges = append(g.Edges, core.Edge{
				Source: memoryID,
				Target: keywordNodeID(kw),
				Kind:   core.EdgeReferences,
				Type:   core.EdgeReferences.String(),
				Weight: 1,
			})
		}
	}
}

// addClusterRelations emits at most one typed edge per cluster pair. Keyword
// overlap rules outrank centroid similarity; pairs matching no rule stay
// unconnected.
func (b *Builder) addClusterRelations(g *core.Graph, clusters []core.Cluster, keywords map[string][]string) {
	sets := make([]map[string]bool, len(clusters))
	for i, c := range clusters {
		sets[i] = clusterKeywordSet(c, keywords)
	}

	for i := 0; i < len(clusters); i++ {
		for j := i + 1; j < len(clusters); j++ {
			if edge, ok := b.relate(clusters[i], clusters[j], sets[i], sets[j]); ok {
				g.Edges = append(g.Edges, edge)
			}
		}
	}
}

// relate applies the relation rules to one cluster pair, in precedence order:
// prerequisite, applies, complements, then centroid similar/related.
func (b *Builder) relate(a, c core.Cluster, setA, setC map[string]bool) (core.Edge, bool) {
	shared := intersection(setA, setC)
	cos := vectorindex.Cosine(a.Centroid, c.Centroid)

	if shared > 0 {
		coverA := float64(shared) / float64(len(setA)) // how much of A's vocabulary C covers
		coverC := float64(shared) / float64(len(setC))

		switch {
		case shared == len(setA) && shared < len(setC):
			// A's keywords are a pure subset of C's: A is foundational for C.
			return b.edge(a.ID, c.ID, core.EdgePrerequisite, coverC), true
		case shared == len(setC) && shared < len(setA):
			return b.edge(c.ID, a.ID, core.EdgePrerequisite, coverA), true
		case coverA > b.config.OverlapThreshold && coverC > b.config.OverlapThreshold:
			return b.edge(a.ID, c.ID, core.EdgeComplements, math.Min(coverA, coverC)), true
		case coverA > b.config.OverlapThreshold:
			// A mostly draws on vocabulary that is a minor part of C.
			return b.edge(a.ID, c.ID, core.EdgeApplies, coverA), true
		case coverC > b.config.OverlapThreshold:
			return b.edge(c.ID, a.ID, core.EdgeApplies, coverC), true
		}
	}

	switch {
	case cos >= b.config.SimilarThreshold:
		return b.edge(a.ID, c.ID, core.EdgeSimilar, cos), true
	case cos >= b.config.RelatedThreshold:
		return b.edge(a.ID, c.ID, core.EdgeRelated, cos), true
	}
	return core.Edge{}, false
}

func (b *Builder) edge(source, target string, kind core.EdgeKind, weight float64) core.Edge {
	return core.Edge{
		Source: source,
		Target: target,
		Kind:   kind,
		Type:   kind.String(),
		Weight: clamp01(weight),
	}
}

// Validate checks graph well-formedness: resolvable endpoints, no self-loops,
// known edge types, weights in [0,1].
func Validate(g core.Graph) error {
	nodes := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if nodes[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		nodes[n.ID] = true
	}
	for _, e := range g.Edges {
		if !nodes[e.Source] || !nodes[e.Target] {
			return fmt.Errorf("edge %s -> %s has unresolved endpoint", e.Source, e.Target)
		}
		if e.Source == e.Target {
			return fmt.Errorf("self-loop on node %q", e.Source)
		}
		if e.Kind < core.EdgeContains || e.Kind > core.EdgeRelated {
			return fmt.Errorf("edge %s -> %s has unknown kind %d", e.Source, e.Target, e.Kind)
		}
		if e.Weight < 0 || e.Weight > 1 {
			return fmt.Errorf("edge %s -> %s weight %v out of range", e.Source, e.Target, e.Weight)
		}
	}
	return nil
}

func clusterKeywordSet(c core.Cluster, keywords map[string][]string) map[string]bool {
	set := make(map[string]bool)
	for _, memberID := range c.MemberIDs {
		for _, kw := range keywords[memberID] {
			set[kw] = true
		}
	}
	return set
}

func intersection(a, b map[string]bool) int {
	n := 0
	for kw := range a {
		if b[kw] {
			n++
		}
	}
	return n
}

func keywordNodeID(kw string) string {
	return "kw:" + kw
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func snippet(content string) string {
	content = strings.TrimSpace(content)
	if runes := []rune(content); len(runes) > 60 {
		return string(runes[:60])
	}
	return content
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
