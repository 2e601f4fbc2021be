package grid

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"

	"github.com/banshee-data/gridcalib/internal/config"
	"github.com/banshee-data/gridcalib/internal/conic"
	"github.com/banshee-data/gridcalib/internal/geom"
	"github.com/banshee-data/gridcalib/internal/monitoring"
	"github.com/banshee-data/gridcalib/internal/target"
)

// Config holds the decoder tunables.
type Config struct {
	// AngleToleranceDeg bounds the turn between consecutive chain steps.
	AngleToleranceDeg float64
	// DistanceTolerance bounds the change in step length, as a fraction.
	DistanceTolerance float64
	MinLineLength     int
	// MinSizeRatio is the minimum large/small mean ratio for the size split.
	MinSizeRatio float64
	MinCodeVotes int
	// MaxAssignDistance forbids matches further than this many local
	// spacings from the predicted cell position.
	MaxAssignDistance   float64
	CodeMismatchPenalty float64
	AcceptCost          float64
	// Tracking needs more than MinVisibleFraction of the target's cells
	// matched.
	MinVisibleFraction float64
	RefineRounds       int
}

// DefaultConfig returns the decoder defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning reads the decoder settings from a tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		AngleToleranceDeg:   cfg.GetLineAngleToleranceDeg(),
		DistanceTolerance:   cfg.GetLineDistanceTolerance(),
		MinLineLength:       cfg.GetMinLineLength(),
		MinSizeRatio:        cfg.GetMinSizeRatio(),
		MinCodeVotes:        cfg.GetMinCodeVotes(),
		MaxAssignDistance:   cfg.GetMaxAssignDistance(),
		CodeMismatchPenalty: cfg.GetCodeMismatchPenalty(),
		AcceptCost:          cfg.GetAcceptCost(),
		MinVisibleFraction:  cfg.GetMinVisibleFraction(),
		RefineRounds:        cfg.GetAssignRefineRounds(),
	}
}

// CorrespondenceMap maps conic index to its target cell. Unmatched conics
// are absent; no cell appears twice.
type CorrespondenceMap map[int]target.GridCoord

// Indices returns the matched conic indices in ascending order.
func (m CorrespondenceMap) Indices() []int {
	out := make([]int, 0, len(m))
	for i := range m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Result is the outcome of decoding one frame.
type Result struct {
	Map          CorrespondenceMap
	TrackingGood bool
	// LowConfidence is set when codes could not resolve the placement and
	// the best size agreement was used instead.
	LowConfidence bool
	LineGroups    []LineGroup
	// Values holds the dot size class per conic.
	Values []int
	// Accepted is the number of matches that passed the acceptance cost,
	// reported even when tracking failed.
	Accepted  int
	CodeVotes int
	// Homography maps target-plane cell coordinates to image pixels.
	Homography geom.Homography
}

// Decoder matches conics to the cells of one target. It holds no per-frame
// state and is safe for concurrent use.
type Decoder struct {
	target *target.GridDot
	cfg    Config
}

// NewDecoder returns a decoder for t.
func NewDecoder(t *target.GridDot, cfg Config) *Decoder {
	return &Decoder{target: t, cfg: cfg}
}

// Target returns the decoder's target.
func (d *Decoder) Target() *target.GridDot { return d.target }

// Decode runs line extraction, lattice building, code voting and assignment
// on one frame's conics.
func (d *Decoder) Decode(conics []conic.Conic) Result {
	res := Result{Map: CorrespondenceMap{}, Values: make([]int, len(conics))}
	for i := range res.Values {
		res.Values[i] = ValueUnknown
	}
	if len(conics) < 4 {
		return res
	}

	nn := nearestNeighbours(conics, neighbourCount)
	rowDir, colDir, ok := dominantDirections(conics, nn)
	if !ok {
		monitoring.Debugf("[grid] no dominant directions among %d conics", len(conics))
		return res
	}
	ext := newLineExtractor(conics, nn, d.cfg)
	res.LineGroups = append(ext.extract(RowFamily, rowDir), ext.extract(ColumnFamily, colDir)...)

	lat := buildLattice(len(conics), res.LineGroups)
	if len(lat.coords) < 4 {
		monitoring.Debugf("[grid] lattice too small: %d conics", len(lat.coords))
		return res
	}
	res.Values = classifySizes(conics, lat, nn, d.cfg.MinSizeRatio)

	vote, ok := resolve(d.target, lat, res.Values, d.cfg.MinCodeVotes)
	if !ok {
		monitoring.Debugf("[grid] lattice of %d conics does not fit the target", len(lat.coords))
		return res
	}
	res.CodeVotes = vote.votes
	res.LowConfidence = !vote.resolved

	var src, dst []r2.Point
	for _, i := range lat.indices() {
		g := vote.hyp.toGrid(lat.coords[i])
		if !d.target.Contains(g) {
			continue
		}
		src = append(src, cellPoint(g))
		dst = append(dst, conics[i].Center)
	}
	h, err := geom.EstimateHomography(src, dst)
	if err != nil {
		monitoring.Debugf("[grid] lattice homography: %v", err)
		return res
	}

	matches := d.assign(conics, res.Values, h)
	for round := 0; round < d.cfg.RefineRounds; round++ {
		src, dst = src[:0], dst[:0]
		for _, i := range matches.Indices() {
			src = append(src, cellPoint(matches[i]))
			dst = append(dst, conics[i].Center)
		}
		refit, err := geom.EstimateHomography(src, dst)
		if err != nil {
			break
		}
		h = refit
		matches = d.assign(conics, res.Values, h)
	}

	res.Homography = h
	res.Accepted = len(matches)
	floor := minimumAccepted(d.cfg.MinVisibleFraction, d.target.Size())
	if res.Accepted > floor {
		res.TrackingGood = true
		res.Map = matches
	} else {
		monitoring.Debugf("[grid] %d/%d cells matched, need more than %d", res.Accepted, d.target.Size(), floor)
	}
	return res
}

// minimumAccepted is the count a frame's accepted matches must exceed.
func minimumAccepted(fraction float64, size int) int {
	return int(math.Floor(fraction*float64(size) + 1e-9))
}

func cellPoint(c target.GridCoord) r2.Point {
	return r2.Point{X: float64(c.Col), Y: float64(c.Row)}
}

type cellPrediction struct {
	coord   target.GridCoord
	pos     r2.Point
	spacing float64
}

// assign predicts every cell through h and solves the conic-to-cell
// assignment. Only pairs within the acceptance cost are returned.
func (d *Decoder) assign(conics []conic.Conic, values []int, h geom.Homography) CorrespondenceMap {
	var cells []cellPrediction
	for _, c := range d.target.Coords() {
		p, ok := h.Apply(cellPoint(c))
		if !ok {
			continue
		}
		s := predictedSpacing(h, c)
		if s <= 0 {
			continue
		}
		cells = append(cells, cellPrediction{coord: c, pos: p, spacing: s})
	}

	// Restrict the solve to conics and cells that have a feasible partner.
	var rows []int
	colUsed := make([]bool, len(cells))
	type pair struct {
		cell int
		cost float64
	}
	feasible := make(map[int][]pair)
	for i, cn := range conics {
		for j, cell := range cells {
			dist := cn.Center.Sub(cell.pos).Norm() / cell.spacing
			if dist > d.cfg.MaxAssignDistance {
				continue
			}
			cost := dist * dist
			if values[i] != ValueUnknown && values[i] != d.target.Value(cell.coord) {
				cost += d.cfg.CodeMismatchPenalty
			}
			feasible[i] = append(feasible[i], pair{cell: j, cost: cost})
			colUsed[j] = true
		}
		if len(feasible[i]) > 0 {
			rows = append(rows, i)
		}
	}
	var cols []int
	colIndex := make(map[int]int)
	for j, used := range colUsed {
		if used {
			colIndex[j] = len(cols)
			cols = append(cols, j)
		}
	}
	if len(rows) == 0 {
		return CorrespondenceMap{}
	}

	cost := make([][]float64, len(rows))
	for r, i := range rows {
		cost[r] = make([]float64, len(cols))
		for c := range cost[r] {
			cost[r][c] = forbiddenCost
		}
		for _, p := range feasible[i] {
			cost[r][colIndex[p.cell]] = p.cost
		}
	}

	out := CorrespondenceMap{}
	for r, c := range hungarianAssign(cost) {
		if c < 0 || cost[r][c] > d.cfg.AcceptCost {
			continue
		}
		out[rows[r]] = cells[cols[c]].coord
	}
	return out
}

// predictedSpacing is the mean image distance between neighbouring cells
// around c under h.
func predictedSpacing(h geom.Homography, c target.GridCoord) float64 {
	p := cellPoint(c)
	var sum float64
	for _, axis := range [2]r2.Point{{X: 0.5}, {Y: 0.5}} {
		a, okA := h.Apply(p.Sub(axis))
		b, okB := h.Apply(p.Add(axis))
		if !okA || !okB {
			return 0
		}
		sum += b.Sub(a).Norm()
	}
	return sum / 2
}
