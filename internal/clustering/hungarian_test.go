package clustering

import "testing"

func TestHungarian_Square(t *testing.T) {
	cost := [][]float64{
		{0.9, 0.1, 0.8},
		{0.2, 0.9, 0.7},
		{0.8, 0.7, 0.1},
	}
	got := Hungarian(cost)
	want := []int{1, 0, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("assignment = %v, want %v", got, want)
		}
	}
}

func TestHungarian_MoreRowsThanColumns(t *testing.T) {
	// Three new clusters, two previous ones. Exactly one row stays unmatched.
	cost := [][]float64{
		{0.05, 0.9},
		{0.9, 0.04},
		{0.5, 0.5},
	}
	got := Hungarian(cost)

	unmatched := 0
	seen := map[int]bool{}
	for _, j := range got {
		if j == -1 {
			unmatched++
			continue
		}
		if seen[j] {
			t.Fatalf("column %d assigned twice: %v", j, got)
		}
		seen[j] = true
	}
	if unmatched != 1 {
		t.Fatalf("unmatched rows = %d, want 1 (%v)", unmatched, got)
	}
	if got[0] != 0 || got[1] != 1 {
		t.Errorf("cheap pairs must win: got %v", got)
	}
}

func TestHungarian_MoreColumnsThanRows(t *testing.T) {
	cost := [][]float64{
		{0.7, 0.7, 0.01},
	}
	got := Hungarian(cost)
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("assignment = %v, want [2]", got)
	}
}

func TestHungarian_MinimizesTotalCost(t *testing.T) {
	// Greedy row-by-row takes (0,0)=1 and is forced into (1,1)=100.
	// The optimum pairs (0,1)+(1,0) for a total of 3.
	cost := [][]float64{
		{1, 2},
		{1, 100},
	}
	got := Hungarian(cost)
	if got[0] != 1 || got[1] != 0 {
		t.Errorf("assignment = %v, want [1 0] (total 3, not 101)", got)
	}
}

func TestHungarian_Empty(t *testing.T) {
	if got := Hungarian(nil); got != nil {
		t.Errorf("Hungarian(nil) = %v, want nil", got)
	}
}
