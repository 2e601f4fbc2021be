package grid

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/gridcalib/internal/conic"
	"github.com/banshee-data/gridcalib/internal/target"
)

// GridCode is the 9-bit window code of a conic in target orientation.
type GridCode = target.Code

// Dot size classes. Unknown covers conics whose size could not be split.
const (
	ValueUnknown = -1
	ValueSmall   = 0
	ValueLarge   = 1
)

// symmetry is one of the eight lattice-to-target axis maps:
// grid = [a b; c d] * lattice.
type symmetry struct {
	a, b, c, d int
}

var symmetries = [8]symmetry{
	{1, 0, 0, 1},
	{0, -1, 1, 0},
	{-1, 0, 0, -1},
	{0, 1, -1, 0},
	{-1, 0, 0, 1},
	{1, 0, 0, -1},
	{0, 1, 1, 0},
	{0, -1, -1, 0},
}

func (s symmetry) apply(p target.GridCoord) target.GridCoord {
	return target.GridCoord{Col: s.a*p.Col + s.b*p.Row, Row: s.c*p.Col + s.d*p.Row}
}

// inverse is the transpose; every symmetry is orthogonal.
func (s symmetry) inverse() symmetry {
	return symmetry{a: s.a, b: s.c, c: s.b, d: s.d}
}

// hypothesis places the lattice on the target: grid = sym(lattice) + off.
type hypothesis struct {
	sym int
	off target.GridCoord
}

func (h hypothesis) toGrid(p target.GridCoord) target.GridCoord {
	g := symmetries[h.sym].apply(p)
	return target.GridCoord{Col: g.Col + h.off.Col, Row: g.Row + h.off.Row}
}

// localSpacing is the mean image distance from conic i to its lattice
// neighbours, falling back to the nearest conic when it has none.
func localSpacing(conics []conic.Conic, l *lattice, nn [][]neighbour, i int) float64 {
	if c, ok := l.coords[i]; ok {
		sum, count := 0.0, 0
		for _, off := range [4]target.GridCoord{{Col: 1}, {Col: -1}, {Row: 1}, {Row: -1}} {
			if j, ok := l.byCoord[target.GridCoord{Col: c.Col + off.Col, Row: c.Row + off.Row}]; ok {
				sum += conics[j].Center.Sub(conics[i].Center).Norm()
				count++
			}
		}
		if count > 0 {
			return sum / float64(count)
		}
	}
	if len(nn[i]) > 0 {
		return nn[i][0].dist
	}
	return 0
}

// classifySizes splits spacing-normalised radii into small and large with a
// one-dimensional two-means fitted on the lattice conics. Every conic is
// then labelled with the fitted threshold. When the two classes are not at
// least minRatio apart every value is unknown.
func classifySizes(conics []conic.Conic, l *lattice, nn [][]neighbour, minRatio float64) []int {
	values := make([]int, len(conics))
	sizes := make([]float64, len(conics))
	for i := range conics {
		values[i] = ValueUnknown
		if s := localSpacing(conics, l, nn, i); s > 0 {
			sizes[i] = conics[i].Radius / s
		}
	}

	var fit []float64
	for _, i := range l.indices() {
		if sizes[i] > 0 {
			fit = append(fit, sizes[i])
		}
	}
	threshold, ok := twoMeansThreshold(fit, minRatio)
	if !ok {
		return values
	}
	for i, s := range sizes {
		if s <= 0 {
			continue
		}
		if s >= threshold {
			values[i] = ValueLarge
		} else {
			values[i] = ValueSmall
		}
	}
	return values
}

// twoMeansThreshold returns the boundary of the optimal two-cluster split of
// xs, which is sorted in place.
func twoMeansThreshold(xs []float64, minRatio float64) (float64, bool) {
	if len(xs) < 2 {
		return 0, false
	}
	sort.Float64s(xs)
	sse := func(part []float64) float64 {
		if len(part) < 2 {
			return 0
		}
		return stat.Variance(part, nil) * float64(len(part)-1)
	}
	bestK, bestCost := -1, math.Inf(1)
	for k := 1; k < len(xs); k++ {
		if xs[k] == xs[k-1] {
			continue
		}
		if cost := sse(xs[:k]) + sse(xs[k:]); cost < bestCost {
			bestK, bestCost = k, cost
		}
	}
	if bestK < 0 {
		return 0, false
	}
	lo := stat.Mean(xs[:bestK], nil)
	hi := stat.Mean(xs[bestK:], nil)
	if lo <= 0 || hi/lo < minRatio {
		return 0, false
	}
	return (xs[bestK-1] + xs[bestK]) / 2, true
}

// windowCode reads the 3x3 window around lattice cell c in the orientation
// given by sym. ok is false when any cell is missing or of unknown value.
func windowCode(c target.GridCoord, sym symmetry, l *lattice, values []int) (GridCode, bool) {
	inv := sym.inverse()
	var code GridCode
	for bit, off := range target.WindowOffsets {
		lo := inv.apply(off)
		j, ok := l.byCoord[target.GridCoord{Col: c.Col + lo.Col, Row: c.Row + lo.Row}]
		if !ok || values[j] == ValueUnknown {
			return 0, false
		}
		if values[j] == ValueLarge {
			code |= 1 << uint(bit)
		}
	}
	return code, true
}

type voteResult struct {
	hyp      hypothesis
	votes    int
	windows  int
	resolved bool
}

// minInsideFraction is the share of lattice conics a hypothesis must place
// on the target.
const minInsideFraction = 0.9

// resolve finds the placement of the lattice on the target. Every complete
// code votes for each placement under which it occurs on the target; the
// best placement with at least minVotes votes wins. Otherwise the placement
// whose dot sizes agree best with the target is returned with resolved set
// to false.
func resolve(t *target.GridDot, l *lattice, values []int, minVotes int) (voteResult, bool) {
	idx := l.indices()
	type tally struct {
		hyp   hypothesis
		votes int
	}
	var tallies []tally
	windows := 0
	for k, sym := range symmetries {
		counts := make(map[target.GridCoord]int)
		for _, i := range idx {
			c := l.coords[i]
			code, ok := windowCode(c, sym, l, values)
			if !ok {
				continue
			}
			if k == 0 {
				windows++
			}
			g := sym.apply(c)
			for _, hit := range t.Lookup(code) {
				counts[target.GridCoord{Col: hit.Col - g.Col, Row: hit.Row - g.Row}]++
			}
		}
		for off, v := range counts {
			tallies = append(tallies, tally{hyp: hypothesis{sym: k, off: off}, votes: v})
		}
	}
	sort.Slice(tallies, func(a, b int) bool {
		ta, tb := tallies[a], tallies[b]
		if ta.votes != tb.votes {
			return ta.votes > tb.votes
		}
		return hypothesisLess(ta.hyp, tb.hyp)
	})
	for _, ty := range tallies {
		if ty.votes < minVotes {
			break
		}
		if insideFraction(t, l, ty.hyp) >= minInsideFraction {
			return voteResult{hyp: ty.hyp, votes: ty.votes, windows: windows, resolved: true}, true
		}
	}

	hyp, ok := bestAgreement(t, l, values)
	if !ok {
		return voteResult{windows: windows}, false
	}
	best := 0
	if len(tallies) > 0 {
		best = tallies[0].votes
	}
	return voteResult{hyp: hyp, votes: best, windows: windows}, true
}

func hypothesisLess(a, b hypothesis) bool {
	if a.sym != b.sym {
		return a.sym < b.sym
	}
	if a.off.Row != b.off.Row {
		return a.off.Row < b.off.Row
	}
	return a.off.Col < b.off.Col
}

func insideFraction(t *target.GridDot, l *lattice, h hypothesis) float64 {
	if len(l.coords) == 0 {
		return 0
	}
	inside := 0
	for _, c := range l.coords {
		if t.Contains(h.toGrid(c)) {
			inside++
		}
	}
	return float64(inside) / float64(len(l.coords))
}

// bestAgreement scans every placement that keeps the whole lattice on the
// target and returns the one with the most matching dot sizes.
func bestAgreement(t *target.GridDot, l *lattice, values []int) (hypothesis, bool) {
	idx := l.indices()
	if len(idx) == 0 {
		return hypothesis{}, false
	}
	found := false
	var best hypothesis
	bestScore := -1
	for k, sym := range symmetries {
		minC, minR := math.MaxInt32, math.MaxInt32
		maxC, maxR := math.MinInt32, math.MinInt32
		for _, i := range idx {
			g := sym.apply(l.coords[i])
			minC, maxC = min(minC, g.Col), max(maxC, g.Col)
			minR, maxR = min(minR, g.Row), max(maxR, g.Row)
		}
		for offR := -minR; offR+maxR < t.Rows(); offR++ {
			for offC := -minC; offC+maxC < t.Cols(); offC++ {
				h := hypothesis{sym: k, off: target.GridCoord{Col: offC, Row: offR}}
				score := 0
				for _, i := range idx {
					if values[i] != ValueUnknown && values[i] == t.Value(h.toGrid(l.coords[i])) {
						score++
					}
				}
				if score > bestScore {
					best, bestScore, found = h, score, true
				}
			}
		}
	}
	return best, found
}
