// Package pnp estimates the pose of a planar target from 2D detections and
// their known target coordinates, robust to a share of wrong matches.
package pnp

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/gridcalib/internal/camera"
	"github.com/banshee-data/gridcalib/internal/config"
	"github.com/banshee-data/gridcalib/internal/geom"
	"github.com/banshee-data/gridcalib/internal/monitoring"
)

var (
	// ErrTooFewPoints is returned when there are fewer correspondences than
	// a pose needs.
	ErrTooFewPoints = errors.New("too few correspondences")
	// ErrDegenerate is returned when no hypothesis gathers enough support.
	ErrDegenerate = errors.New("degenerate pose")
)

const (
	planeTolerance = 1e-6
	// behindPenalty is the squared error charged for a point that projects
	// behind the camera during refinement.
	behindPenalty = 1e6
	minSampleSize = 4
)

// Config holds the sample-consensus and refinement settings.
type Config struct {
	Iterations        int
	InlierThresholdPx float64
	// SupportFraction ends sampling early once this share of points agrees.
	SupportFraction  float64
	MinInliers       int
	Seed             int64
	RefineIterations int
}

// DefaultConfig returns the estimator defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning reads the ransac_* and pose_* tuning keys.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Iterations:        cfg.GetRansacIterations(),
		InlierThresholdPx: cfg.GetRansacInlierPx(),
		SupportFraction:   cfg.GetRansacSupportFraction(),
		MinInliers:        cfg.GetRansacMinInliers(),
		Seed:              cfg.GetRansacSeed(),
		RefineIterations:  cfg.GetPoseRefineIterations(),
	}
}

// Result is an estimated target pose.
type Result struct {
	// Pose maps target points into the camera frame (T_cw).
	Pose geom.Pose
	// Inliers indexes the input correspondences consistent with Pose.
	Inliers []int
	// RMS is the root-mean-square reprojection error over inliers, in pixels.
	RMS float64
}

// Estimator runs RANSAC over minimal planar samples followed by nonlinear
// refinement. It is stateless; each call reseeds its generator, so results
// are reproducible.
type Estimator struct {
	cfg Config
}

// NewEstimator returns an Estimator for cfg.
func NewEstimator(cfg Config) *Estimator {
	return &Estimator{cfg: cfg}
}

// Estimate finds the pose of the target plane Z = 0 given image points and
// their target-frame coordinates.
func (e *Estimator) Estimate(cam camera.Projector, points2D []r2.Point, points3D []r3.Vector) (Result, error) {
	n := len(points2D)
	if n != len(points3D) {
		return Result{}, fmt.Errorf("pnp: %d image points for %d target points", n, len(points3D))
	}
	need := max(minSampleSize, e.cfg.MinInliers)
	if n < need {
		return Result{}, fmt.Errorf("%w: have %d, need %d", ErrTooFewPoints, n, need)
	}

	plane := make([]r2.Point, n)
	rays := make([]r2.Point, n)
	for i := range points3D {
		if math.Abs(points3D[i].Z) > planeTolerance {
			return Result{}, fmt.Errorf("%w: target point %d is off the Z=0 plane", ErrDegenerate, i)
		}
		plane[i] = r2.Point{X: points3D[i].X, Y: points3D[i].Y}
		ray := cam.Unproject(points2D[i])
		rays[i] = r2.Point{X: ray.X / ray.Z, Y: ray.Y / ray.Z}
	}

	rng := rand.New(rand.NewSource(e.cfg.Seed))
	var (
		best      geom.Pose
		bestCount = -1
		bestErr   = math.Inf(1)
		sample    [minSampleSize]int
		srcS      = make([]r2.Point, minSampleSize)
		dstS      = make([]r2.Point, minSampleSize)
	)
	for it := 0; it < e.cfg.Iterations; it++ {
		drawSample(rng, n, sample[:])
		for k, idx := range sample {
			srcS[k] = plane[idx]
			dstS[k] = rays[idx]
		}
		if nearlyCollinear(srcS) {
			continue
		}
		h, err := geom.EstimateHomography(srcS, dstS)
		if err != nil {
			continue
		}
		pose, err := geom.PoseFromPlanarHomography(h)
		if err != nil {
			continue
		}
		count, sumErr := e.support(cam, pose, points2D, points3D)
		if count > bestCount || (count == bestCount && sumErr < bestErr) {
			best, bestCount, bestErr = pose, count, sumErr
		}
		if float64(bestCount) >= e.cfg.SupportFraction*float64(n) {
			break
		}
	}
	if bestCount < minSampleSize {
		return Result{}, fmt.Errorf("%w: no sample reached %d inliers", ErrDegenerate, minSampleSize)
	}

	inliers := e.inliers(cam, best, points2D, points3D)
	// A linear fit over all inliers is a better start than the minimal sample.
	if len(inliers) >= minSampleSize {
		src := make([]r2.Point, len(inliers))
		dst := make([]r2.Point, len(inliers))
		for k, i := range inliers {
			src[k], dst[k] = plane[i], rays[i]
		}
		if h, err := geom.EstimateHomography(src, dst); err == nil {
			if pose, err := geom.PoseFromPlanarHomography(h); err == nil {
				if c, _ := e.support(cam, pose, points2D, points3D); c >= len(inliers) {
					best = pose
				}
			}
		}
	}

	for round := 0; round < 2; round++ {
		best = e.refine(cam, best, points2D, points3D, inliers)
		inliers = e.inliers(cam, best, points2D, points3D)
	}
	if len(inliers) < e.cfg.MinInliers {
		return Result{}, fmt.Errorf("%w: %d inliers after refinement, need %d", ErrDegenerate, len(inliers), e.cfg.MinInliers)
	}

	sum := 0.0
	for _, i := range inliers {
		sum += reprojectionSq(cam, best, points2D[i], points3D[i])
	}
	return Result{
		Pose:    best,
		Inliers: inliers,
		RMS:     math.Sqrt(sum / float64(len(inliers))),
	}, nil
}

// drawSample fills out with distinct indices below n.
func drawSample(rng *rand.Rand, n int, out []int) {
	for k := range out {
		for {
			v := rng.Intn(n)
			if !slices.Contains(out[:k], v) {
				out[k] = v
				break
			}
		}
	}
}

// nearlyCollinear reports whether any three of the points are close to a
// line, relative to the spread of the sample.
func nearlyCollinear(pts []r2.Point) bool {
	scale := 0.0
	for i := range pts {
		for j := i + 1; j < len(pts); j++ {
			scale = math.Max(scale, pts[j].Sub(pts[i]).Norm())
		}
	}
	if scale == 0 {
		return true
	}
	minArea := 1e-3 * scale * scale
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			for k := j + 1; k < len(pts); k++ {
				if math.Abs(pts[j].Sub(pts[i]).Cross(pts[k].Sub(pts[i]))) < minArea {
					return true
				}
			}
		}
	}
	return false
}

func reprojectionSq(cam camera.Projector, pose geom.Pose, p2 r2.Point, p3 r3.Vector) float64 {
	px, ok := cam.Project(pose.Apply(p3))
	if !ok {
		return behindPenalty
	}
	d := px.Sub(p2)
	return d.X*d.X + d.Y*d.Y
}

func (e *Estimator) support(cam camera.Projector, pose geom.Pose, points2D []r2.Point, points3D []r3.Vector) (int, float64) {
	thr := e.cfg.InlierThresholdPx * e.cfg.InlierThresholdPx
	count, sum := 0, 0.0
	for i := range points2D {
		if d := reprojectionSq(cam, pose, points2D[i], points3D[i]); d <= thr {
			count++
			sum += d
		}
	}
	return count, sum
}

func (e *Estimator) inliers(cam camera.Projector, pose geom.Pose, points2D []r2.Point, points3D []r3.Vector) []int {
	thr := e.cfg.InlierThresholdPx * e.cfg.InlierThresholdPx
	var out []int
	for i := range points2D {
		if reprojectionSq(cam, pose, points2D[i], points3D[i]) <= thr {
			out = append(out, i)
		}
	}
	return out
}

// refine minimizes the summed squared reprojection error of the inliers
// over the six pose parameters with BFGS and numerical gradients.
func (e *Estimator) refine(cam camera.Projector, start geom.Pose, points2D []r2.Point, points3D []r3.Vector, inliers []int) geom.Pose {
	if len(inliers) == 0 || e.cfg.RefineIterations <= 0 {
		return start
	}
	cost := func(x []float64) float64 {
		pose := geom.PoseFromParams(x)
		sum := 0.0
		for _, i := range inliers {
			sum += reprojectionSq(cam, pose, points2D[i], points3D[i])
		}
		return sum
	}
	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, cost, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{
		MajorIterations: e.cfg.RefineIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-12,
			Iterations: 10,
		},
	}
	params := start.Params()
	x0 := params[:]
	f0 := cost(x0)
	res, err := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	// Line-search failures near the optimum still leave a usable location.
	if res == nil || math.IsNaN(res.F) || res.F >= f0 {
		if err != nil {
			monitoring.Debugf("[pnp] refinement kept the initial pose: %v", err)
		}
		return start
	}
	return geom.PoseFromParams(res.X)
}
