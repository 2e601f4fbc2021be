package grid

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"

	"github.com/banshee-data/gridcalib/internal/conic"
)

// Family tells which of the two dominant directions a line was extracted
// along. Rows advance the first lattice index, columns the second.
type Family int

const (
	RowFamily Family = iota
	ColumnFamily
)

func (f Family) String() string {
	if f == RowFamily {
		return "row"
	}
	return "column"
}

// LineGroup is a chain of conic indices believed collinear, ordered along
// the family direction.
type LineGroup struct {
	Family  Family
	Members []int
}

type neighbour struct {
	idx  int
	dist float64
}

const (
	// neighbourCount is how many nearest neighbours are kept per conic.
	neighbourCount = 6
	// neighbourReach bounds lattice neighbours relative to the nearest one.
	neighbourReach = 1.3
	// directionSeparationDeg is the minimum angle between the two families.
	directionSeparationDeg = 30
	directionBins          = 180
)

func nearestNeighbours(conics []conic.Conic, k int) [][]neighbour {
	out := make([][]neighbour, len(conics))
	for i := range conics {
		cand := make([]neighbour, 0, len(conics)-1)
		for j := range conics {
			if j == i {
				continue
			}
			cand = append(cand, neighbour{idx: j, dist: conics[j].Center.Sub(conics[i].Center).Norm()})
		}
		sort.Slice(cand, func(a, b int) bool {
			if cand[a].dist != cand[b].dist {
				return cand[a].dist < cand[b].dist
			}
			return cand[a].idx < cand[b].idx
		})
		if len(cand) > k {
			cand = cand[:k]
		}
		out[i] = cand
	}
	return out
}

// dominantDirections histograms neighbour displacement angles modulo π and
// returns unit vectors for the two strongest, well separated peaks. The
// first is the more horizontal of the two.
func dominantDirections(conics []conic.Conic, nn [][]neighbour) (r2.Point, r2.Point, bool) {
	var hist [directionBins]float64
	var angles []float64
	for i, ns := range nn {
		if len(ns) == 0 || ns[0].dist <= 0 {
			continue
		}
		limit := ns[0].dist * neighbourReach
		for _, n := range ns {
			if n.dist > limit {
				break
			}
			d := conics[n.idx].Center.Sub(conics[i].Center)
			a := math.Mod(math.Atan2(d.Y, d.X)+math.Pi, math.Pi)
			angles = append(angles, a)
			hist[int(a/math.Pi*directionBins)%directionBins]++
		}
	}
	if len(angles) < 2 {
		return r2.Point{}, r2.Point{}, false
	}

	var smooth [directionBins]float64
	for b := range smooth {
		for o := -2; o <= 2; o++ {
			smooth[b] += hist[(b+o+directionBins)%directionBins]
		}
	}
	p0 := 0
	for b := range smooth {
		if smooth[b] > smooth[p0] {
			p0 = b
		}
	}
	p1 := -1
	for b := range smooth {
		if binDistance(b, p0) < directionSeparationDeg {
			continue
		}
		if p1 < 0 || smooth[b] > smooth[p1] {
			p1 = b
		}
	}
	if p1 < 0 || smooth[p1] == 0 {
		return r2.Point{}, r2.Point{}, false
	}

	a0 := refineAngle(angles, binCentre(p0))
	a1 := refineAngle(angles, binCentre(p1))
	d0 := r2.Point{X: math.Cos(a0), Y: math.Sin(a0)}
	d1 := r2.Point{X: math.Cos(a1), Y: math.Sin(a1)}
	if math.Abs(d1.X) > math.Abs(d0.X) {
		d0, d1 = d1, d0
	}
	return d0, d1, true
}

func binDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if directionBins-d < d {
		d = directionBins - d
	}
	return d
}

func binCentre(b int) float64 {
	return (float64(b) + 0.5) * math.Pi / directionBins
}

// refineAngle is the axial mean of the angles within 8° of centre.
func refineAngle(angles []float64, centre float64) float64 {
	const window = 8 * math.Pi / 180
	var sx, sy float64
	for _, a := range angles {
		d := math.Remainder(a-centre, math.Pi)
		if math.Abs(d) > window {
			continue
		}
		sx += math.Cos(2 * a)
		sy += math.Sin(2 * a)
	}
	if sx == 0 && sy == 0 {
		return centre
	}
	return math.Mod(math.Atan2(sy, sx)/2+math.Pi, math.Pi)
}

// lineExtractor chains conics along one family direction.
type lineExtractor struct {
	conics  []conic.Conic
	nn      [][]neighbour
	cosTol  float64
	cosSeed float64
	distTol float64
	minLen  int

	// maxFirstStep bounds the first link of a chain so strays far from
	// the target cannot start one.
	maxFirstStep float64

	claimed []bool
	stamp   []int
	chainID int
}

func newLineExtractor(conics []conic.Conic, nn [][]neighbour, cfg Config) *lineExtractor {
	tol := cfg.AngleToleranceDeg * math.Pi / 180
	var nearest []float64
	for _, ns := range nn {
		if len(ns) > 0 {
			nearest = append(nearest, ns[0].dist)
		}
	}
	maxFirst := math.Inf(1)
	if len(nearest) > 0 {
		sort.Float64s(nearest)
		maxFirst = 2 * nearest[len(nearest)/2]
	}
	return &lineExtractor{
		conics:       conics,
		nn:           nn,
		cosTol:       math.Cos(tol),
		cosSeed:      math.Cos(2 * tol),
		distTol:      cfg.DistanceTolerance,
		minLen:       cfg.MinLineLength,
		maxFirstStep: maxFirst,
	}
}

// extract returns every chain of at least minLen conics along dir. Each
// conic joins at most one chain of this family.
func (e *lineExtractor) extract(family Family, dir r2.Point) []LineGroup {
	n := len(e.conics)
	e.claimed = make([]bool, n)
	e.stamp = make([]int, n)
	var groups []LineGroup
	for seed := 0; seed < n; seed++ {
		if e.claimed[seed] {
			continue
		}
		e.chainID++
		e.stamp[seed] = e.chainID
		fwd := e.follow(seed, dir)
		bwd := e.follow(seed, dir.Mul(-1))
		if 1+len(fwd)+len(bwd) < e.minLen {
			continue
		}
		members := make([]int, 0, 1+len(fwd)+len(bwd))
		for i := len(bwd) - 1; i >= 0; i-- {
			members = append(members, bwd[i])
		}
		members = append(members, seed)
		members = append(members, fwd...)
		for _, m := range members {
			e.claimed[m] = true
		}
		groups = append(groups, LineGroup{Family: family, Members: members})
	}
	return groups
}

func (e *lineExtractor) free(j int) bool {
	return !e.claimed[j] && e.stamp[j] != e.chainID
}

// follow walks from seed in direction dir, always stepping to the free conic
// closest to the position predicted by the previous step.
func (e *lineExtractor) follow(seed int, dir r2.Point) []int {
	first := e.firstStep(seed, dir)
	if first < 0 {
		return nil
	}
	chain := []int{first}
	e.stamp[first] = e.chainID
	prev, cur := seed, first
	for {
		step := e.conics[cur].Center.Sub(e.conics[prev].Center)
		length := step.Norm()
		if length == 0 {
			break
		}
		u := step.Mul(1 / length)
		pred := e.conics[cur].Center.Add(step)

		best, bestErr := -1, math.Inf(1)
		for j := range e.conics {
			if !e.free(j) {
				continue
			}
			v := e.conics[j].Center.Sub(e.conics[cur].Center)
			dist := v.Norm()
			if dist == 0 || math.Abs(dist-length) > e.distTol*length {
				continue
			}
			if v.Dot(u)/dist < e.cosTol {
				continue
			}
			if err := e.conics[j].Center.Sub(pred).Norm(); err < bestErr {
				best, bestErr = j, err
			}
		}
		if best < 0 {
			break
		}
		chain = append(chain, best)
		e.stamp[best] = e.chainID
		prev, cur = cur, best
	}
	return chain
}

// firstStep picks the nearest free lattice neighbour of seed roughly along
// dir. The global direction is only a hint here, so the cone is wider than
// for later steps.
func (e *lineExtractor) firstStep(seed int, dir r2.Point) int {
	ns := e.nn[seed]
	if len(ns) == 0 {
		return -1
	}
	limit := ns[0].dist * neighbourReach
	for _, n := range ns {
		if n.dist > limit || n.dist > e.maxFirstStep {
			break
		}
		if !e.free(n.idx) || n.dist == 0 {
			continue
		}
		v := e.conics[n.idx].Center.Sub(e.conics[seed].Center)
		if v.Dot(dir)/n.dist >= e.cosSeed {
			return n.idx
		}
	}
	return -1
}
