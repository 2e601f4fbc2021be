package grid

import (
	"sort"

	"github.com/banshee-data/gridcalib/internal/target"
)

type latticeEdge struct {
	to    int
	delta target.GridCoord
}

// lattice holds the integer coordinates assigned to the conics of the
// largest linked component.
type lattice struct {
	coords  map[int]target.GridCoord
	byCoord map[target.GridCoord]int
}

// indices returns the lattice conics in ascending order.
func (l *lattice) indices() []int {
	out := make([]int, 0, len(l.coords))
	for i := range l.coords {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// buildLattice links consecutive chain members, (+1,0) along rows and
// (0,+1) along columns, and walks the largest connected component
// breadth-first. Conics reached with a coordinate that disagrees with an
// earlier assignment are dropped.
func buildLattice(n int, groups []LineGroup) *lattice {
	adj := make([][]latticeEdge, n)
	for _, g := range groups {
		step := target.GridCoord{Col: 1}
		if g.Family == ColumnFamily {
			step = target.GridCoord{Row: 1}
		}
		back := target.GridCoord{Col: -step.Col, Row: -step.Row}
		for k := 1; k < len(g.Members); k++ {
			a, b := g.Members[k-1], g.Members[k]
			adj[a] = append(adj[a], latticeEdge{to: b, delta: step})
			adj[b] = append(adj[b], latticeEdge{to: a, delta: back})
		}
	}

	// Largest component; ties go to the one found first.
	comp := make([]int, n)
	for i := range comp {
		comp[i] = -1
	}
	bestRoot, bestSize := -1, 0
	for root := 0; root < n; root++ {
		if comp[root] >= 0 || len(adj[root]) == 0 {
			continue
		}
		size := 0
		queue := []int{root}
		comp[root] = root
		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			size++
			for _, e := range adj[i] {
				if comp[e.to] < 0 {
					comp[e.to] = root
					queue = append(queue, e.to)
				}
			}
		}
		if size > bestSize {
			bestRoot, bestSize = root, size
		}
	}

	l := &lattice{
		coords:  make(map[int]target.GridCoord),
		byCoord: make(map[target.GridCoord]int),
	}
	if bestRoot < 0 {
		return l
	}

	dropped := make(map[int]bool)
	l.coords[bestRoot] = target.GridCoord{}
	l.byCoord[target.GridCoord{}] = bestRoot
	queue := []int{bestRoot}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if dropped[i] {
			continue
		}
		here := l.coords[i]
		for _, e := range adj[i] {
			if dropped[e.to] {
				continue
			}
			want := target.GridCoord{Col: here.Col + e.delta.Col, Row: here.Row + e.delta.Row}
			if got, ok := l.coords[e.to]; ok {
				if got != want {
					dropped[e.to] = true
				}
				continue
			}
			if other, ok := l.byCoord[want]; ok && other != e.to {
				dropped[e.to] = true
				continue
			}
			l.coords[e.to] = want
			l.byCoord[want] = e.to
			queue = append(queue, e.to)
		}
	}
	for i := range dropped {
		if c, ok := l.coords[i]; ok {
			delete(l.coords, i)
			if l.byCoord[c] == i {
				delete(l.byCoord, c)
			}
		}
	}
	return l
}
