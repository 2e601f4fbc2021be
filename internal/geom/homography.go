package geom

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateHomography is returned when a point configuration does not
// determine a homography (too few, collinear or coincident points).
var ErrDegenerateHomography = errors.New("degenerate homography")

// Homography is a row-major 3x3 projective transform of the plane.
type Homography [9]float64

// Apply maps p through the homography. ok is false when p maps to infinity.
func (h Homography) Apply(p r2.Point) (r2.Point, bool) {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if math.Abs(w) < 1e-12 {
		return r2.Point{}, false
	}
	return r2.Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}, true
}

// EstimateHomography fits H with dst ≈ H(src) by the normalized direct linear
// transform. At least four correspondences are required; with more, the
// algebraic error is minimized in the least-squares sense.
func EstimateHomography(src, dst []r2.Point) (Homography, error) {
	n := len(src)
	if n < 4 || len(dst) != n {
		return Homography{}, fmt.Errorf("%w: need at least 4 matched points, have %d/%d", ErrDegenerateHomography, len(src), len(dst))
	}

	ts, ok := normalizingTransform(src)
	if !ok {
		return Homography{}, fmt.Errorf("%w: source points coincide", ErrDegenerateHomography)
	}
	td, ok := normalizingTransform(dst)
	if !ok {
		return Homography{}, fmt.Errorf("%w: destination points coincide", ErrDegenerateHomography)
	}

	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		s := applyAffine(ts, src[i])
		d := applyAffine(td, dst[i])
		a.SetRow(2*i, []float64{-s.X, -s.Y, -1, 0, 0, 0, d.X * s.X, d.X * s.Y, d.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -s.X, -s.Y, -1, d.Y * s.X, d.Y * s.Y, d.Y})
	}

	var svd mat.SVD
	if done := svd.Factorize(a, mat.SVDFullV); !done {
		return Homography{}, fmt.Errorf("%w: SVD did not converge", ErrDegenerateHomography)
	}
	sigma := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	// A rank below 8 means the null space is not one-dimensional.
	if len(sigma) >= 8 && sigma[7] < 1e-10*sigma[0] {
		return Homography{}, fmt.Errorf("%w: rank deficient point configuration", ErrDegenerateHomography)
	}

	var hn [9]float64
	for i := 0; i < 9; i++ {
		hn[i] = v.At(i, 8)
	}

	// H = Td⁻¹ · Hn · Ts
	h := mul3(mul3(invertAffine(td), hn), ts)
	if math.Abs(h[8]) > 1e-12 {
		for i := range h {
			h[i] /= h[8]
		}
	}
	return Homography(h), nil
}

// PoseFromPlanarHomography recovers the pose T_cw of a plane Z=0 from a
// homography mapping plane coordinates (X, Y) to normalized image coordinates
// (x/z, y/z). The plane is placed in front of the camera (positive depth).
func PoseFromPlanarHomography(h Homography) (Pose, error) {
	h1 := r3.Vector{X: h[0], Y: h[3], Z: h[6]}
	h2 := r3.Vector{X: h[1], Y: h[4], Z: h[7]}
	h3 := r3.Vector{X: h[2], Y: h[5], Z: h[8]}

	n1, n2 := h1.Norm(), h2.Norm()
	if n1 < 1e-12 || n2 < 1e-12 {
		return Pose{}, fmt.Errorf("%w: null rotation columns", ErrDegenerateHomography)
	}
	lambda := 2 / (n1 + n2)
	if h3.Z < 0 {
		lambda = -lambda
	}

	r1 := h1.Mul(lambda)
	r2v := h2.Mul(lambda)
	r3v := r1.Cross(r2v)
	t := h3.Mul(lambda)

	R, err := Orthonormalize([9]float64{
		r1.X, r2v.X, r3v.X,
		r1.Y, r2v.Y, r3v.Y,
		r1.Z, r2v.Z, r3v.Z,
	})
	if err != nil {
		return Pose{}, err
	}
	return Pose{R: R, T: t}, nil
}

// normalizingTransform returns the similarity that moves the centroid of pts
// to the origin and scales their mean distance to sqrt(2).
func normalizingTransform(pts []r2.Point) ([9]float64, bool) {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))

	mean := 0.0
	for _, p := range pts {
		mean += p.Sub(c).Norm()
	}
	mean /= float64(len(pts))
	if mean < 1e-12 {
		return [9]float64{}, false
	}
	s := math.Sqrt2 / mean
	return [9]float64{s, 0, -s * c.X, 0, s, -s * c.Y, 0, 0, 1}, true
}

func applyAffine(t [9]float64, p r2.Point) r2.Point {
	return r2.Point{X: t[0]*p.X + t[1]*p.Y + t[2], Y: t[3]*p.X + t[4]*p.Y + t[5]}
}

// invertAffine inverts a normalizing similarity (uniform scale + shift).
func invertAffine(t [9]float64) [9]float64 {
	s := t[0]
	return [9]float64{1 / s, 0, -t[2] / s, 0, 1 / s, -t[5] / s, 0, 0, 1}
}
