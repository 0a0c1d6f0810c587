package clustering

// distanceMatrix precomputes pairwise cosine distances for silhouette scoring.
func distanceMatrix(vecs [][]float32) [][]float64 {
	n := len(vecs)
	distances := make([][]float64, n)
	for i := range distances {
		distances[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := cosineDistance(vecs[i], vecs[j])
			distances[i][j] = d
			distances[j][i] = d
		}
	}
	return distances
}

// averageSilhouette computes the mean silhouette coefficient over all points.
// Per point: s = (b - a) / max(a, b), where a is the mean distance to points
// in the same cluster and b the mean distance to the nearest other cluster.
// Singleton clusters contribute 0.
func averageSilhouette(assignments []int, distances [][]float64, k int) float64 {
	n := len(assignments)
	if n == 0 || k < 2 {
		return 0
	}

	sizes := make([]int, k)
	for _, a := range assignments {
		sizes[a]++
	}

	var total float64
	for i := 0; i < n; i++ {
		c := assignments[i]
		if sizes[c] <= 1 {
			continue
		}

		sums := make([]float64, k)
		for j := 0; j < n; j++ {
			if j != i {
				sums[assignments[j]] += distances[i][j]
			}
		}

		a := sums[c] / float64(sizes[c]-1)
		b := -1.0
		for other := 0; other < k; other++ {
			if other == c || sizes[other] == 0 {
				continue
			}
			mean := sums[other] / float64(sizes[other])
			if b < 0 || mean < b {
				b = mean
			}
		}
		if b < 0 {
			continue
		}

		max := a
		if b > max {
			max = b
		}
		if max > 0 {
			total += (b - a) / max
		}
	}
	return total / float64(n)
}
