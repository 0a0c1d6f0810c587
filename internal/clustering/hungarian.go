package clustering

import "math"

// Hungarian solves the minimum-cost assignment problem for the given cost
// matrix (rows = new clusters, columns = previous clusters). It returns, for
// each row, the column assigned to it, or -1 when rows outnumber columns and
// the row is left unmatched. Runs in O(n^3); cluster counts are capped at 12
// so the matrix is tiny.
func Hungarian(cost [][]float64) []int {
	rows := len(cost)
	if rows == 0 {
		return nil
	}
	cols := len(cost[0])

	// The classic potentials formulation works on a square matrix with
	// rows <= cols; pad virtual columns with zero cost when needed.
	n := rows
	m := cols
	if m < n {
		m = n
	}

	at := func(i, j int) float64 {
		if j < cols {
			return cost[i][j]
		}
		return 0
	}

	u := make([]float64, n+1)
	v := make([]float64, m+1)
	p := make([]int, m+1) // p[j] = row matched to column j (1-based)
	way := make([]int, m+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, m+1)
		used := make([]bool, m+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= m; j++ {
				if used[j] {
					continue
				}
				cur := at(i0-1, j-1) - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= m; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	assignment := make([]int, rows)
	for i := range assignment {
		assignment[i] = -1
	}
	for j := 1; j <= m; j++ {
		if p[j] > 0 && j <= cols {
			assignment[p[j]-1] = j - 1
		}
	}
	return assignment
}
