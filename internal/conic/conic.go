// Package conic filters raw blobs from image segmentation down to plausible
// target dots ("conics") using cheap shape tests.
package conic

import (
	"image"
	"math"

	"github.com/golang/geo/r2"

	"github.com/banshee-data/gridcalib/internal/config"
)

// Blob is a connected region produced by image preprocessing.
type Blob struct {
	Center r2.Point
	BBox   image.Rectangle
	// Area is the region's pixel count.
	Area float64
	// Aspect is the minor/major axis ratio from second moments, in [0,1].
	Aspect float64
	// MeanIntensity is optional; zero when the extractor does not report it.
	MeanIntensity float64
}

// Conic is a blob that passed validation. It lives for one frame only.
type Conic struct {
	Center  r2.Point
	BBox    image.Rectangle
	Area    float64
	Radius  float64
	Density float64
	Aspect  float64
}

// Rejection names the first shape test a blob failed.
type Rejection int

const (
	Accepted Rejection = iota
	RejectArea
	RejectDensity
	RejectAspect
)

func (r Rejection) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectArea:
		return "area"
	case RejectDensity:
		return "density"
	case RejectAspect:
		return "aspect"
	default:
		return "unknown"
	}
}

// Stats counts validation outcomes for one frame.
type Stats struct {
	Accepted int
	Area     int
	Density  int
	Aspect   int
}

// Rejected is the total number of rejected blobs.
func (s Stats) Rejected() int { return s.Area + s.Density + s.Aspect }

// Config holds the shape thresholds. A value exactly at a threshold passes.
type Config struct {
	MinArea    float64
	MinDensity float64
	MinAspect  float64
}

// DefaultConfig returns the thresholds used for printed dot targets.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning reads the conic thresholds from a tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		MinArea:    cfg.GetConicMinArea(),
		MinDensity: cfg.GetConicMinDensity(),
		MinAspect:  cfg.GetConicMinAspect(),
	}
}

// Validator applies Config to blobs. It is stateless and safe for
// concurrent use.
type Validator struct {
	cfg Config
}

// NewValidator returns a Validator for cfg.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate converts b into a Conic, or reports the first test it failed in
// the order area, density, aspect.
func (v *Validator) Validate(b Blob) (Conic, Rejection) {
	if !(b.Area >= v.cfg.MinArea) {
		return Conic{}, RejectArea
	}
	density := 0.0
	if box := float64(b.BBox.Dx() * b.BBox.Dy()); box > 0 {
		density = b.Area / box
	}
	if !(density >= v.cfg.MinDensity) {
		return Conic{}, RejectDensity
	}
	if !(b.Aspect >= v.cfg.MinAspect) {
		return Conic{}, RejectAspect
	}
	return Conic{
		Center:  b.Center,
		BBox:    b.BBox,
		Area:    b.Area,
		Radius:  math.Sqrt(b.Area / math.Pi),
		Density: density,
		Aspect:  b.Aspect,
	}, Accepted
}

// ValidateAll keeps the blobs that pass, preserving input order.
func (v *Validator) ValidateAll(blobs []Blob) ([]Conic, Stats) {
	var stats Stats
	out := make([]Conic, 0, len(blobs))
	for _, b := range blobs {
		c, why := v.Validate(b)
		switch why {
		case Accepted:
			stats.Accepted++
			out = append(out, c)
		case RejectArea:
			stats.Area++
		case RejectDensity:
			stats.Density++
		case RejectAspect:
			stats.Aspect++
		}
	}
	return out, stats
}

// AxisRatio returns sqrt(λmin/λmax) of the 2x2 second-moment matrix
// [sxx sxy; sxy syy], the minor to major axis ratio of the fitted ellipse.
func AxisRatio(sxx, syy, sxy float64) float64 {
	tr := sxx + syy
	det := sxx*syy - sxy*sxy
	disc := math.Sqrt(math.Max(tr*tr/4-det, 0))
	hi, lo := tr/2+disc, tr/2-disc
	if hi <= 0 {
		return 0
	}
	return math.Sqrt(math.Max(lo, 0) / hi)
}
