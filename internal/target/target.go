// Package target models the printed grid-of-dots calibration target: a
// rectangular lattice of dots whose size class (small or large) follows a
// seeded pseudo-random pattern, so every 3x3 window carries a 9-bit code
// that locates it in the grid.
package target

import (
	"fmt"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/banshee-data/gridcalib/internal/config"
)

// GridCoord is an integer (column, row) cell of the target.
type GridCoord struct {
	Col, Row int
}

func (c GridCoord) String() string { return fmt.Sprintf("(%d,%d)", c.Col, c.Row) }

// Code is the 9-bit value pattern of a 3x3 window. Bit i holds the value of
// WindowOffsets[i] relative to the window centre.
type Code uint16

// WindowOffsets lists the window cells in bit order, row-major from (-1,-1).
var WindowOffsets = [9]GridCoord{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {0, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// extentTolerance is the slack, in metres, allowed when testing whether a
// 3D point lies on the target.
const extentTolerance = 1e-6

// GridDot is an immutable target description.
type GridDot struct {
	cols, rows int
	spacing    float64
	seed       int64
	values     []int
	index      map[Code][]GridCoord
}

// New builds a cols x rows target with the given dot spacing in metres.
// seed selects the size pattern; the same seed always yields the same target.
func New(cols, rows int, spacing float64, seed int64) (*GridDot, error) {
	if cols < 3 || rows < 3 {
		return nil, fmt.Errorf("grid must be at least 3x3, got %dx%d", cols, rows)
	}
	if !(spacing > 0) {
		return nil, fmt.Errorf("grid spacing must be positive, got %v", spacing)
	}
	g := &GridDot{
		cols:    cols,
		rows:    rows,
		spacing: spacing,
		seed:    seed,
		values:  make([]int, cols*rows),
		index:   make(map[Code][]GridCoord),
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range g.values {
		g.values[i] = rng.Intn(2)
	}
	for row := 1; row < rows-1; row++ {
		for col := 1; col < cols-1; col++ {
			c := GridCoord{Col: col, Row: row}
			code, _ := g.CodeAt(c)
			g.index[code] = append(g.index[code], c)
		}
	}
	return g, nil
}

// MustNew is New for fixed, known-good parameters.
func MustNew(cols, rows int, spacing float64, seed int64) *GridDot {
	g, err := New(cols, rows, spacing, seed)
	if err != nil {
		panic(err)
	}
	return g
}

// NewFromTuning builds the target described by the grid_* tuning keys.
func NewFromTuning(cfg *config.TuningConfig) (*GridDot, error) {
	return New(cfg.GetGridCols(), cfg.GetGridRows(), cfg.GetGridSpacing(), cfg.GetGridSeed())
}

func (g *GridDot) Cols() int        { return g.cols }
func (g *GridDot) Rows() int        { return g.rows }
func (g *GridDot) Spacing() float64 { return g.spacing }
func (g *GridDot) Seed() int64      { return g.seed }
func (g *GridDot) Size() int        { return g.cols * g.rows }
func (g *GridDot) Width() float64   { return float64(g.cols-1) * g.spacing }
func (g *GridDot) Height() float64  { return float64(g.rows-1) * g.spacing }

// Contains reports whether c is a cell of the grid.
func (g *GridDot) Contains(c GridCoord) bool {
	return c.Col >= 0 && c.Col < g.cols && c.Row >= 0 && c.Row < g.rows
}

// Value returns the dot size class at c: 1 for large, 0 for small. Cells
// outside the grid return -1.
func (g *GridDot) Value(c GridCoord) int {
	if !g.Contains(c) {
		return -1
	}
	return g.values[c.Row*g.cols+c.Col]
}

// Point2D is the target-plane position of c in metres.
func (g *GridDot) Point2D(c GridCoord) r2.Point {
	return r2.Point{X: float64(c.Col) * g.spacing, Y: float64(c.Row) * g.spacing}
}

// Point3D is the target-frame position of c; the target lies in Z = 0.
func (g *GridDot) Point3D(c GridCoord) r3.Vector {
	return r3.Vector{X: float64(c.Col) * g.spacing, Y: float64(c.Row) * g.spacing}
}

// ContainsPoint reports whether p lies on the target plane within its extent.
func (g *GridDot) ContainsPoint(p r3.Vector) bool {
	const eps = extentTolerance
	return p.X >= -eps && p.X <= g.Width()+eps &&
		p.Y >= -eps && p.Y <= g.Height()+eps &&
		p.Z >= -eps && p.Z <= eps
}

// CodeAt returns the code of the window centred on c. ok is false when any
// window cell falls outside the grid.
func (g *GridDot) CodeAt(c GridCoord) (Code, bool) {
	var code Code
	for i, off := range WindowOffsets {
		v := g.Value(GridCoord{Col: c.Col + off.Col, Row: c.Row + off.Row})
		if v < 0 {
			return 0, false
		}
		if v == 1 {
			code |= 1 << uint(i)
		}
	}
	return code, true
}

// Lookup returns the window centres whose code equals code. The returned
// slice must not be modified.
func (g *GridDot) Lookup(code Code) []GridCoord {
	return g.index[code]
}

// Coords returns every cell in row-major order.
func (g *GridDot) Coords() []GridCoord {
	out := make([]GridCoord, 0, g.Size())
	for row := 0; row < g.rows; row++ {
		for col := 0; col < g.cols; col++ {
			out = append(out, GridCoord{Col: col, Row: row})
		}
	}
	return out
}

// Dot radii as fractions of the grid spacing.
const (
	LargeDotRatio = 0.3
	SmallDotRatio = 0.18
)

// DotRadius is the printed radius, in metres, of the dot at c.
func (g *GridDot) DotRadius(c GridCoord) float64 {
	if g.Value(c) == 1 {
		return LargeDotRatio * g.spacing
	}
	return SmallDotRatio * g.spacing
}
