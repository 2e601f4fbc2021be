package grid

import "math"

// forbiddenCost marks a conic/cell pair that must not be matched. It is
// finite so the solver's potentials keep enough precision for the small
// costs next to it; real costs must stay several orders of magnitude below.
const forbiddenCost = 1e6

// hungarianAssign solves the rectangular assignment problem for an n×m cost
// matrix using Kuhn-Munkres with potentials. It returns assignments[i] = the
// column assigned to row i, or -1 when row i is unassigned or only reachable
// through a forbidden entry. Entries ≥ forbiddenCost are forbidden.
func hungarianAssign(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	if m == 0 {
		result := make([]int, n)
		for i := range result {
			result[i] = -1
		}
		return result
	}

	dim := n
	if m > dim {
		dim = m
	}

	// 1-indexed potentials; index 0 is the virtual column.
	const inf = math.MaxFloat64 / 2
	at := func(i, j int) float64 {
		if i < n && j < m {
			return cost[i][j]
		}
		return forbiddenCost
	}

	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	p := make([]int, dim+1)   // p[j] = row assigned to column j
	way := make([]int, dim+1) // previous column on the augmenting path
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0

		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1

			for j := 1; j <= dim; j++ {
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

			if j1 < 0 {
				break
			}

			for j := 0; j <= dim; j++ {
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
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	result := make([]int, n)
	for i := range result {
		result[i] = -1
	}
	for j := 1; j <= dim; j++ {
		row, col := p[j]-1, j-1
		if row >= 0 && row < n && col < m && cost[row][col] < forbiddenCost {
			result[row] = col
		}
	}
	return result
}
