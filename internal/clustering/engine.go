// Package clustering groups a user's embedded memories into K clusters with
// spherical k-means. Cluster identity is stable across refreshes: new
// centroids are matched to the previous run's centroids by minimum-cost
// assignment and inherit their ids.
package clustering

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"mnemos/internal/core"
	"mnemos/internal/logger"
)

// Config holds configuration for the cluster engine.
type Config struct {
	MinK          int     // Lower bound for adaptive K
	MaxK          int     // Upper bound for adaptive K
	MaxIterations int     // Lloyd's iteration cap
	Epsilon       float64 // Mean centroid shift convergence threshold
	MinMemories   int     // Below this, clustering returns empty
}

// DefaultConfig returns sensible defaults for the cluster engine.
func DefaultConfig() Config {
	return Config{
		MinK:          3,
		MaxK:          12,
		MaxIterations: 50,
		Epsilon:       1e-4,
		MinMemories:   5,
	}
}

// Point is one embedded memory entering a cluster run.
type Point struct {
	MemoryID string
	Vector   []float32
}

// Engine runs cluster builds. Stateless between runs; previous centroids are
// supplied by the caller from the result cache.
type Engine struct {
	config Config
	log    *slog.Logger
}

// NewEngine creates a cluster engine.
func NewEngine(config Config) *Engine {
	if config.MinK <= 0 {
		config = DefaultConfig()
	}
	return &Engine{config: config, log: logger.Get()}
}

// Run clusters the given points. The RNG is seeded from (userID, digest) so
// identical input reproduces identical output. previous carries the last
// run's clusters for stable-identity matching; it may be nil.
func (e *Engine) Run(userID int64, digest string, points []Point, previous []core.Cluster) (core.Clustering, error) {
	result := core.Clustering{UserID: userID, Digest: digest, Total: len(points)}
	if len(points) < e.config.MinMemories {
		e.log.Debug("too few embedded memories to cluster", "user_id", userID, "count", len(points))
		return result, nil
	}

	vecs := make([][]float32, len(points))
	for i, p := range points {
		if len(p.Vector) == 0 {
			return result, fmt.Errorf("point %s has no vector", p.MemoryID)
		}
		vecs[i] = normalize(p.Vector)
	}

	k := e.chooseK(len(points))
	rng := rand.New(rand.NewSource(int64(seedFor(userID, digest))))

	assignments, centroids := e.runKMeans(vecs, k, rng)

	clusters := e.buildClusters(userID, points, assignments, centroids)
	clusters = e.matchPrevious(clusters, previous)

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Size != clusters[j].Size {
			return clusters[i].Size > clusters[j].Size
		}
		return clusters[i].ID < clusters[j].ID
	})

	result.Clusters = clusters
	result.Silhouette = e.silhouette(vecs, assignments, k)
	e.log.Info("cluster build complete",
		"user_id", userID, "points", len(points), "k", len(clusters),
		"silhouette", fmt.Sprintf("%.3f", result.Silhouette))
	return result, nil
}

// chooseK picks K = clamp(round(sqrt(N/2)), MinK, MaxK), never above N.
func (e *Engine) chooseK(n int) int {
	k := int(math.Round(math.Sqrt(float64(n) / 2)))
	if k < e.config.MinK {
		k = e.config.MinK
	}
	if k > e.config.MaxK {
		k = e.config.MaxK
	}
	if k > n {
		k = n
	}
	return k
}

// runKMeans executes Lloyd's algorithm with cosine distance over unit vectors.
func (e *Engine) runKMeans(vecs [][]float32, k int, rng *rand.Rand) ([]int, [][]float32) {
	centroids := e.initializeCentroidsKMeansPP(vecs, k, rng)

	assignments := make([]int, len(vecs))
	for iteration := 0; iteration < e.config.MaxIterations; iteration++ {
		changed := false
		for i, vec := range vecs {
			nearest := nearestCentroid(vec, centroids)
			if iteration == 0 || assignments[i] != nearest {
				changed = true
			}
			assignments[i] = nearest
		}

		e.reseedEmptyClusters(vecs, assignments, centroids)

		newCentroids := updateCentroids(vecs, assignments, k, len(vecs[0]))
		shift := meanCentroidShift(centroids, newCentroids)
		centroids = newCentroids

		if !changed || shift < e.config.Epsilon {
			break
		}
	}
	return assignments, centroids
}

// initializeCentroidsKMeansPP uses k-means++ weighted sampling for seeding.
func (e *Engine) initializeCentroidsKMeansPP(vecs [][]float32, k int, rng *rand.Rand) [][]float32 {
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, vecs[rng.Intn(len(vecs))])

	distances := make([]float64, len(vecs))
	for len(centroids) < k {
		var total float64
		for i, vec := range vecs {
			d := cosineDistance(vec, centroids[0])
			for _, c := range centroids[1:] {
				if dc := cosineDistance(vec, c); dc < d {
					d = dc
				}
			}
			distances[i] = d * d
			total += distances[i]
		}

		if total == 0 {
			// All points coincide with existing centroids; sample uniformly.
			centroids = append(centroids, vecs[rng.Intn(len(vecs))])
			continue
		}

		target := rng.Float64() * total
		var cumulative float64
		chosen := len(vecs) - 1
		for i, d := range distances {
			cumulative += d
			if cumulative >= target {
				chosen = i
				break
			}
		}
		centroids = append(centroids, vecs[chosen])
	}
	return centroids
}

// reseedEmptyClusters moves each empty cluster's centroid to the farthest
// point of the largest cluster.
func (e *Engine) reseedEmptyClusters(vecs [][]float32, assignments []int, centroids [][]float32) {
	sizes := make([]int, len(centroids))
	for _, a := range assignments {
		sizes[a]++
	}

	for c, size := range sizes {
		if size > 0 {
			continue
		}

		largest := 0
		for i, s := range sizes {
			if s > sizes[largest] {
				largest = i
			}
		}
		if sizes[largest] <= 1 {
			continue
		}

		farthest, farthestDist := -1, -1.0
		for i, a := range assignments {
			if a != largest {
				continue
			}
			if d := cosineDistance(vecs[i], centroids[largest]); d > farthestDist {
				farthest, farthestDist = i, d
			}
		}
		if farthest >= 0 {
			centroids[c] = vecs[farthest]
			assignments[farthest] = c
			sizes[largest]--
			sizes[c]++
		}
	}
}

// buildClusters converts assignments into cluster values with fresh ids.
func (e *Engine) buildClusters(userID int64, points []Point, assignments []int, centroids [][]float32) []core.Cluster {
	members := make(map[int][]string)
	for i, a := range assignments {
		members[a] = append(members[a], points[i].MemoryID)
	}

	clusters := make([]core.Cluster, 0, len(centroids))
	for c, centroid := range centroids {
		ids := members[c]
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		clusters = append(clusters, core.Cluster{
			ID:         uuid.NewString(),
			UserID:     userID,
			Centroid:   centroid,
			MemberIDs:  ids,
			Size:       len(ids),
			Percentage: float64(len(ids)) / float64(len(points)),
		})
	}
	return clusters
}

// matchPrevious assigns stable ids: new clusters inherit the id of the
// previous-run cluster their centroid matches under minimum-cost assignment.
func (e *Engine) matchPrevious(clusters []core.Cluster, previous []core.Cluster) []core.Cluster {
	if len(previous) == 0 || len(clusters) == 0 {
		return clusters
	}

	cost := make([][]float64, len(clusters))
	for i, c := range clusters {
		cost[i] = make([]float64, len(previous))
		for j, p := range previous {
			cost[i][j] = cosineDistance(normalize(c.Centroid), normalize(p.Centroid))
		}
	}

	assignment := Hungarian(cost)
	for i, j := range assignment {
		if j >= 0 {
			clusters[i].ID = previous[j].ID
		}
	}
	return clusters
}

// silhouette computes the mean silhouette score with cosine distance.
// Skipped for very large inputs where the distance matrix would dominate
// build time.
func (e *Engine) silhouette(vecs [][]float32, assignments []int, k int) float64 {
	if k < 2 || len(vecs) > 2000 {
		return 0
	}
	distances := distanceMatrix(vecs)
	return averageSilhouette(assignments, distances, k)
}

func seedFor(userID int64, digest string) uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "%d:%s", userID, digest)
	return h.Sum64()
}

func nearestCentroid(vec []float32, centroids [][]float32) int {
	best, bestDist := 0, math.MaxFloat64
	for c, centroid := range centroids {
		if d := cosineDistance(vec, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// updateCentroids recomputes each centroid as the renormalized mean of its
// members.
func updateCentroids(vecs [][]float32, assignments []int, k, dims int) [][]float32 {
	sums := make([][]float64, k)
	counts := make([]int, k)
	for i := range sums {
		sums[i] = make([]float64, dims)
	}
	for i, a := range assignments {
		counts[a]++
		for d, v := range vecs[i] {
			sums[a][d] += float64(v)
		}
	}

	centroids := make([][]float32, k)
	for c := range centroids {
		centroid := make([]float32, dims)
		if counts[c] > 0 {
			for d := range centroid {
				centroid[d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
		centroids[c] = normalize(centroid)
	}
	return centroids
}

func meanCentroidShift(before, after [][]float32) float64 {
	if len(before) == 0 {
		return math.MaxFloat64
	}
	var total float64
	for i := range before {
		total += cosineDistance(before[i], after[i])
	}
	return total / float64(len(before))
}

func normalize(vec []float32) []float32 {
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

// cosineDistance is 1 - cosine similarity, in [0,2].
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
