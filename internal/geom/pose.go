// Package geom provides the rigid-body and planar-projective geometry shared by
// the pose estimator and the calibration engine.
package geom

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// MatrixValidationTolerance is the tolerance for checking rotation matrix validity.
const MatrixValidationTolerance = 0.01

// Pose is a rigid transform mapping points from a source frame into a
// destination frame: p_dst = R*p_src + T. R is row-major.
//
// Naming follows T_ab: a pose called T_cw maps target (world) points into the
// camera frame.
type Pose struct {
	R [9]float64
	T r3.Vector
}

// Identity returns the identity transform.
func Identity() Pose {
	return Pose{R: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// Translation returns a pure translation.
func Translation(x, y, z float64) Pose {
	p := Identity()
	p.T = r3.Vector{X: x, Y: y, Z: z}
	return p
}

// Apply transforms v from the source frame into the destination frame.
func (p Pose) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: p.R[0]*v.X + p.R[1]*v.Y + p.R[2]*v.Z + p.T.X,
		Y: p.R[3]*v.X + p.R[4]*v.Y + p.R[5]*v.Z + p.T.Y,
		Z: p.R[6]*v.X + p.R[7]*v.Y + p.R[8]*v.Z + p.T.Z,
	}
}

// Compose returns p∘q, the transform that applies q first and then p.
func (p Pose) Compose(q Pose) Pose {
	return Pose{
		R: mul3(p.R, q.R),
		T: p.Apply(q.T),
	}
}

// Inverse returns the inverse transform.
func (p Pose) Inverse() Pose {
	rt := transpose3(p.R)
	inv := Pose{R: rt}
	t := inv.Apply(p.T)
	inv.T = r3.Vector{X: -t.X, Y: -t.Y, Z: -t.Z}
	return inv
}

// Params returns the 6-vector [wx, wy, wz, tx, ty, tz] where w is the
// axis-angle rotation vector. PoseFromParams is its inverse.
func (p Pose) Params() [6]float64 {
	w := RotationToVector(p.R)
	return [6]float64{w.X, w.Y, w.Z, p.T.X, p.T.Y, p.T.Z}
}

// PoseFromParams builds a pose from a 6-vector produced by Params.
func PoseFromParams(x []float64) Pose {
	return Pose{
		R: RotationFromVector(r3.Vector{X: x[0], Y: x[1], Z: x[2]}),
		T: r3.Vector{X: x[3], Y: x[4], Z: x[5]},
	}
}

// Matrix returns the pose as a row-major 4x4 homogeneous matrix.
func (p Pose) Matrix() [16]float64 {
	return [16]float64{
		p.R[0], p.R[1], p.R[2], p.T.X,
		p.R[3], p.R[4], p.R[5], p.T.Y,
		p.R[6], p.R[7], p.R[8], p.T.Z,
		0, 0, 0, 1,
	}
}

// String formats the pose as rotation vector (degrees) and translation.
func (p Pose) String() string {
	w := RotationToVector(p.R)
	deg := w.Norm() * 180 / math.Pi
	return fmt.Sprintf("rot=%.3f° axis=(%.3f,%.3f,%.3f) t=(%.4f,%.4f,%.4f)",
		deg, w.X, w.Y, w.Z, p.T.X, p.T.Y, p.T.Z)
}

// IsValidTransformMatrix checks if a 4x4 matrix is a valid rigid transform.
// A valid rigid transform has:
// 1. Orthonormal rotation submatrix (det ≈ 1)
// 2. Last row is [0 0 0 1]
func IsValidTransformMatrix(T [16]float64) bool {
	r00, r01, r02 := T[0], T[1], T[2]
	r10, r11, r12 := T[4], T[5], T[6]
	r20, r21, r22 := T[8], T[9], T[10]

	det := r00*(r11*r22-r12*r21) - r01*(r10*r22-r12*r20) + r02*(r10*r21-r11*r20)
	if math.Abs(det-1.0) > MatrixValidationTolerance {
		return false
	}

	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}

	return true
}

// RotationAngle returns the angle in radians of the relative rotation between a and b.
func RotationAngle(a, b Pose) float64 {
	rel := mul3(transpose3(a.R), b.R)
	return RotationToVector(rel).Norm()
}

// RotationFromVector converts an axis-angle vector into a rotation matrix
// (Rodrigues' formula).
func RotationFromVector(w r3.Vector) [9]float64 {
	theta := w.Norm()
	if theta < 1e-12 {
		// First-order expansion keeps the map smooth near zero.
		return [9]float64{
			1, -w.Z, w.Y,
			w.Z, 1, -w.X,
			-w.Y, w.X, 1,
		}
	}
	k := w.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	return [9]float64{
		c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s,
		k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s,
		k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v,
	}
}

// RotationToVector converts a rotation matrix into its axis-angle vector.
func RotationToVector(R [9]float64) r3.Vector {
	cosTheta := (R[0] + R[4] + R[8] - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)

	axis := r3.Vector{X: R[7] - R[5], Y: R[2] - R[6], Z: R[3] - R[1]}
	switch {
	case theta < 1e-9:
		return axis.Mul(0.5)
	case math.Pi-theta < 1e-6:
		// sin(theta) vanishes; recover the axis from the symmetric part.
		xx := math.Sqrt(math.Max(0, (R[0]+1)/2))
		yy := math.Sqrt(math.Max(0, (R[4]+1)/2))
		zz := math.Sqrt(math.Max(0, (R[8]+1)/2))
		switch {
		case xx >= yy && xx >= zz:
			axis = r3.Vector{X: xx, Y: R[1] / (2 * xx), Z: R[2] / (2 * xx)}
		case yy >= zz:
			axis = r3.Vector{X: R[1] / (2 * yy), Y: yy, Z: R[5] / (2 * yy)}
		default:
			axis = r3.Vector{X: R[2] / (2 * zz), Y: R[5] / (2 * zz), Z: zz}
		}
		return axis.Normalize().Mul(theta)
	default:
		return axis.Mul(theta / (2 * math.Sin(theta)))
	}
}

// Orthonormalize returns the rotation matrix closest to m in the Frobenius
// sense (U*Vᵀ of its SVD, with the determinant forced to +1).
func Orthonormalize(m [9]float64) ([9]float64, error) {
	a := mat.NewDense(3, 3, m[:])
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return [9]float64{}, fmt.Errorf("orthonormalize: SVD did not converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// Flip the axis of the smallest singular value.
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}

	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[3*i+j] = r.At(i, j)
		}
	}
	return out, nil
}

func mul3(a, b [9]float64) [9]float64 {
	var c [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			c[3*i+j] = a[3*i]*b[j] + a[3*i+1]*b[3+j] + a[3*i+2]*b[6+j]
		}
	}
	return c
}

func transpose3(a [9]float64) [9]float64 {
	return [9]float64{a[0], a[3], a[6], a[1], a[4], a[7], a[2], a[5], a[8]}
}
