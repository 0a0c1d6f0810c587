// Package core defines the domain types shared across the memory engine:
// memories, embeddings, clusters, topics, the knowledge graph, and the
// cached artifacts derived from them.
package core

import "time"

// MemoryType tags the origin of a memory's content.
type MemoryType string

const (
	MemoryTypeChat    MemoryType = "chat"
	MemoryTypeSummary MemoryType = "summary"
	MemoryTypeTest    MemoryType = "test"
)

// Memory represents a persisted unit of user-generated textual content.
// Content is immutable after insert; corrections create a new memory.
type Memory struct {
	ID        string     `json:"id"`         // 20-char sortable id (memid package)
	UserID    int64      `json:"user_id"`    // Partition key
	Content   string     `json:"content"`    // UTF-8 text
	Type      MemoryType `json:"type"`       // Origin tag
	Summary   string     `json:"summary"`    // Optional short text
	Timestamp time.Time  `json:"timestamp"`  // Event time reported by the producer
	CreatedAt time.Time  `json:"created_at"` // Insert time
}

// Embedding is the fixed-dimension vector for one memory. Version bumps on
// every successful upsert so digests change when a vector is recomputed.
type Embedding struct {
	MemoryID string    `json:"memory_id"`
	Vector   []float32 `json:"vector"`
	Version  int64     `json:"version"`
}

// Cluster is one partition of a user's embedded memories. The ID is stable
// across rebuilds: refreshed clusters whose centroids match a previous run
// inherit the previous id.
type Cluster struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	Centroid   []float32 `json:"centroid"`
	MemberIDs  []string  `json:"member_ids"`
	Size       int       `json:"size"`
	Percentage float64   `json:"percentage"` // Size / total embedded memories
}

// Clustering is the full result of one cluster build.
type Clustering struct {
	UserID     int64     `json:"user_id"`
	Clusters   []Cluster `json:"clusters"`
	Digest     string    `json:"digest"`     // Embedding-set digest the build saw
	Silhouette float64   `json:"silhouette"` // Mean silhouette score, quality signal
	Total      int       `json:"total"`      // Embedded memories considered
}

// Topic is the human-readable labeling of one cluster.
type Topic struct {
	ClusterID            string   `json:"id"`
	Label                string   `json:"label"`
	Keywords             []string `json:"keywords"`
	RepresentativeMemory string   `json:"representative_memory,omitempty"`
	Count                int      `json:"count"`
	Percentage           float64  `json:"percentage"`
}

// TopicList is the cached topics artifact.
type TopicList struct {
	UserID      int64     `json:"user_id"`
	Topics      []Topic   `json:"topics"`
	Digest      string    `json:"digest"`
	GeneratedAt time.Time `json:"generated_at"`
}

// NodeKind discriminates the tagged union of graph nodes.
type NodeKind int

const (
	NodeCluster NodeKind = iota
	NodeKeyword
	NodeMemory
)

// String returns the serialized category name for the node kind.
func (k NodeKind) String() string {
	switch k {
	case NodeCluster:
		return "cluster"
	case NodeKeyword:
		return "keyword"
	case NodeMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// EdgeKind discriminates typed graph edges.
type EdgeKind int

const (
	EdgeContains EdgeKind = iota
	EdgeReferences
	EdgePrerequisite
	EdgeApplies
	EdgeComplements
	EdgeSimilar
	EdgeRelated
)

// String returns the serialized relation name.
func (k EdgeKind) String() string {
	switch k {
	case EdgeContains:
		return "contains"
	case EdgeReferences:
		return "references"
	case EdgePrerequisite:
		return "prerequisite"
	case EdgeApplies:
		return "applies"
	case EdgeComplements:
		return "complements"
	case EdgeSimilar:
		return "similar"
	case EdgeRelated:
		return "related"
	default:
		return "unknown"
	}
}

// Node is one vertex of the knowledge graph.
type Node struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Kind     NodeKind `json:"-"`
	Category string   `json:"category"` // Kind.String(), denormalized for clients
	Size     float64  `json:"size"`     // Display weight
}

// Edge is one typed link of the knowledge graph. Weight is in [0,1].
type Edge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"-"`
	Type   string   `json:"type"` // Kind.String(), denormalized for clients
	Weight float64  `json:"weight"`
}

// Graph is the composed knowledge graph returned to callers.
type Graph struct {
	UserID      int64     `json:"user_id"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"links"`
	Version     string    `json:"version"` // Digest of the inputs the graph was built from
	GeneratedAt time.Time `json:"generated_at"`
}

// TopicProgress is one topic's entry in the learning trajectory.
type TopicProgress struct {
	ClusterID   string  `json:"id"`
	Label       string  `json:"label"`
	Count       int     `json:"count"`
	Percentage  float64 `json:"percentage"`
	Connections int     `json:"connections"` // Cluster-to-cluster edges touching this topic
	Progress    float64 `json:"progress"`    // [0,1] blend of share and connectivity
}

// Trajectory is the scheduled learning-trajectory synthesis: per-topic
// progress plus suggested next topics, projected from topics and graph.
type Trajectory struct {
	UserID      int64           `json:"user_id"`
	Topics      []TopicProgress `json:"topics"`
	Suggestions []string        `json:"suggestions"` // Labels of under-explored related topics
	GeneratedAt time.Time       `json:"generated_at"`
}

// Artifact names a derivable cached product.
type Artifact string

const (
	ArtifactClusters   Artifact = "clusters"
	ArtifactTopics     Artifact = "topics"
	ArtifactGraph      Artifact = "graph"
	ArtifactTrajectory Artifact = "trajectory"
)

// Artifacts lists every cacheable artifact, in dependency order.
func Artifacts() []Artifact {
	return []Artifact{ArtifactClusters, ArtifactTopics, ArtifactGraph, ArtifactTrajectory}
}

// CacheEntry is one persisted row of the result cache. The entry is valid
// iff it is younger than its TTL and its digest matches the current
// embedding-set digest for the user.
type CacheEntry struct {
	UserID      int64         `json:"user_id"`
	Artifact    Artifact      `json:"artifact"`
	Payload     []byte        `json:"payload"`
	Digest      string        `json:"digest"`
	GeneratedAt time.Time     `json:"generated_at"`
	TTL         time.Duration `json:"ttl"`
}

// Fresh reports whether the entry is still within its TTL at now.
func (e CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.GeneratedAt) < e.TTL
}

// Valid reports whether the entry can be served for the given digest.
func (e CacheEntry) Valid(now time.Time, digest string) bool {
	return e.Fresh(now) && e.Digest == digest
}
