package clustering

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"mnemos/internal/core"
)

const testDims = 8

// makePoints generates count points spread over groups well-separated
// directions, with small deterministic jitter.
func makePoints(count, groups int) []Point {
	rng := rand.New(rand.NewSource(42))
	points := make([]Point, count)
	for i := range points {
		vec := make([]float32, testDims)
		vec[i%groups] = 1
		for d := range vec {
			vec[d] += float32(rng.Float64() * 0.05)
		}
		points[i] = Point{MemoryID: fmt.Sprintf("%020d", i), Vector: vec}
	}
	return points
}

func TestRun_TooFewMemories(t *testing.T) {
	e := NewEngine(DefaultConfig())
	result, err := e.Run(1, "abc", makePoints(4, 2), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Clusters) != 0 {
		t.Errorf("clusters = %d, want 0 below the minimum", len(result.Clusters))
	}
	if result.Total != 4 {
		t.Errorf("total = %d, want 4", result.Total)
	}
}

func TestRun_Deterministic(t *testing.T) {
	e := NewEngine(DefaultConfig())
	points := makePoints(40, 4)

	first, err := e.Run(7, "digest-1", points, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	second, err := e.Run(7, "digest-1", points, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(first.Clusters) != len(second.Clusters) {
		t.Fatalf("cluster counts differ: %d vs %d", len(first.Clusters), len(second.Clusters))
	}
	for i := range first.Clusters {
		if !reflect.DeepEqual(first.Clusters[i].MemberIDs, second.Clusters[i].MemberIDs) {
			t.Errorf("cluster %d membership differs between identical runs", i)
		}
	}
	if first.Silhouette != second.Silhouette {
		t.Errorf("silhouette differs: %v vs %v", first.Silhouette, second.Silhouette)
	}
}

func TestRun_AdaptiveK(t *testing.T) {
	e := NewEngine(DefaultConfig())

	cases := []struct {
		n    int
		want int
	}{
		{8, 3},    // sqrt(4)=2 clamps up to MinK
		{50, 5},   // round(sqrt(25)) = 5
		{800, 12}, // round(sqrt(400)) = 20 clamps down to MaxK
	}
	for _, tc := range cases {
		if got := e.chooseK(tc.n); got != tc.want {
			t.Errorf("chooseK(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}

func TestRun_EveryMemoryAssignedOnce(t *testing.T) {
	e := NewEngine(DefaultConfig())
	points := makePoints(30, 3)

	result, err := e.Run(1, "d", points, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	seen := map[string]bool{}
	for _, c := range result.Clusters {
		if c.Size != len(c.MemberIDs) {
			t.Errorf("cluster %s size %d != members %d", c.ID, c.Size, len(c.MemberIDs))
		}
		for _, id := range c.MemberIDs {
			if seen[id] {
				t.Errorf("memory %s appears in two clusters", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != len(points) {
		t.Errorf("assigned %d memories, want %d", len(seen), len(points))
	}
}

func TestRun_StableIDsAcrossRefreshes(t *testing.T) {
	e := NewEngine(DefaultConfig())
	points := makePoints(40, 4)

	first, err := e.Run(1, "digest-a", points, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Same data plus one extra point; the digest moves but cluster shapes
	// barely change, so ids must carry over.
	extra := append([]Point{}, points...)
	v := make([]float32, testDims)
	v[0] = 1
	extra = append(extra, Point{MemoryID: fmt.Sprintf("%020d", 999), Vector: v})

	second, err := e.Run(1, "digest-b", extra, first.Clusters)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	prevIDs := map[string]bool{}
	for _, c := range first.Clusters {
		prevIDs[c.ID] = true
	}
	inherited := 0
	for _, c := range second.Clusters {
		if prevIDs[c.ID] {
			inherited++
		}
	}
	if inherited != len(first.Clusters) {
		t.Errorf("inherited %d of %d previous ids", inherited, len(first.Clusters))
	}
}

func TestMatchPrevious_NoPrevious(t *testing.T) {
	e := NewEngine(DefaultConfig())
	clusters := []core.Cluster{{ID: "fresh", Centroid: []float32{1, 0}}}
	got := e.matchPrevious(clusters, nil)
	if got[0].ID != "fresh" {
		t.Errorf("id = %s, want fresh id untouched", got[0].ID)
	}
}

func TestMatchPrevious_InheritsNearest(t *testing.T) {
	e := NewEngine(DefaultConfig())
	clusters := []core.Cluster{
		{ID: "new-a", Centroid: []float32{1, 0, 0}},
		{ID: "new-b", Centroid: []float32{0, 1, 0}},
	}
	previous := []core.Cluster{
		{ID: "old-y", Centroid: []float32{0, 0.95, 0.05}},
		{ID: "old-x", Centroid: []float32{0.95, 0.05, 0}},
	}
	got := e.matchPrevious(clusters, previous)
	if got[0].ID != "old-x" || got[1].ID != "old-y" {
		t.Errorf("ids = [%s, %s], want [old-x, old-y]", got[0].ID, got[1].ID)
	}
}

func TestSilhouette_SeparatedClusters(t *testing.T) {
	vecs := [][]float32{
		{1, 0, 0, 0}, {0.99, 0.01, 0, 0},
		{0, 0, 1, 0}, {0, 0, 0.99, 0.01},
	}
	for i := range vecs {
		vecs[i] = normalize(vecs[i])
	}
	assignments := []int{0, 0, 1, 1}

	score := averageSilhouette(assignments, distanceMatrix(vecs), 2)
	if score < 0.9 {
		t.Errorf("silhouette = %v, want near 1 for well-separated clusters", score)
	}
}

func TestSilhouette_SingleCluster(t *testing.T) {
	vecs := [][]float32{{1, 0}, {0, 1}}
	if got := averageSilhouette([]int{0, 0}, distanceMatrix(vecs), 1); got != 0 {
		t.Errorf("silhouette = %v, want 0 for k<2", got)
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	got := normalize(v)
	for _, x := range got {
		if x != 0 {
			t.Errorf("normalize(zero) = %v, want zero vector", got)
		}
	}
}
