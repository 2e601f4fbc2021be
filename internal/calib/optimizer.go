package calib

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/gridcalib/internal/geom"
)

// Problem is one refinement pass's input: a snapshot of the estimate and a
// prefix of the observation log. Optimizers must not modify it.
type Problem struct {
	Cameras      []Camera
	Frames       []Frame
	Observations []Observation
	// MaxIterations bounds the work of a single pass.
	MaxIterations int
	// Tolerance is the relative cost decrease below which a pass stops.
	Tolerance float64
}

// Solution is a refined estimate for the entities of a Problem.
type Solution struct {
	Cameras    []Camera
	Frames     []Frame
	InitialMSE float64
	MSE        float64
	Iterations int
	Converged  bool
}

// Optimizer refines a Problem. Implementations must honour ctx
// cancellation between iterations.
type Optimizer interface {
	Optimize(ctx context.Context, p *Problem) (*Solution, error)
}

// behindResidual is the per-axis residual charged to observations that
// project behind their camera.
const behindResidual = 1e3

func residual(cam Camera, frame Frame, o Observation) r2Residual {
	px, ok := predict(cam, frame, o.Point)
	if !ok {
		return r2Residual{behindResidual, behindResidual}
	}
	return r2Residual{px.X - o.Pixel.X, px.Y - o.Pixel.Y}
}

type r2Residual [2]float64

func (r r2Residual) sq() float64 { return r[0]*r[0] + r[1]*r[1] }

// meanSquareError is the mean squared reprojection distance of obs.
func meanSquareError(cams []Camera, frames []Frame, obs []Observation) float64 {
	if len(obs) == 0 {
		return 0
	}
	sum := 0.0
	for _, o := range obs {
		sum += residual(cams[o.Camera], frames[o.Frame], o).sq()
	}
	return sum / float64(len(obs))
}

// BundleAdjuster is the default Optimizer: Levenberg-Marquardt over camera
// intrinsics, non-reference extrinsics and keyframe poses, solving dense
// normal equations built from per-observation finite-difference Jacobians.
type BundleAdjuster struct {
	// MaxParameters bounds the dense system size. Zero means 4096.
	MaxParameters int
	// InitialLambda seeds the damping. Zero means 1e-3.
	InitialLambda float64
}

const (
	defaultMaxParameters = 4096
	defaultLambda        = 1e-3
	maxLambda            = 1e12
	minLambda            = 1e-12
	intrinsicStep        = 1e-6
	poseStep             = 1e-7
)

// blockLayout maps entities to offsets in the parameter vector. Entities
// with no observations, and the reference camera's extrinsic, are fixed
// and map to -1.
type blockLayout struct {
	intr  []int
	ext   []int
	frame []int
	size  int
}

func newBlockLayout(p *Problem) blockLayout {
	usedCam := make([]bool, len(p.Cameras))
	usedFrame := make([]bool, len(p.Frames))
	for _, o := range p.Observations {
		usedCam[o.Camera] = true
		usedFrame[o.Frame] = true
	}
	l := blockLayout{
		intr:  make([]int, len(p.Cameras)),
		ext:   make([]int, len(p.Cameras)),
		frame: make([]int, len(p.Frames)),
	}
	for i, c := range p.Cameras {
		l.intr[i], l.ext[i] = -1, -1
		if !usedCam[i] {
			continue
		}
		l.intr[i] = l.size
		l.size += len(c.Params)
		if CameraID(i) != ReferenceCamera {
			l.ext[i] = l.size
			l.size += 6
		}
	}
	for i := range p.Frames {
		l.frame[i] = -1
		if usedFrame[i] {
			l.frame[i] = l.size
			l.size += 6
		}
	}
	return l
}

// perturb applies a local 6-DoF increment on the left of pose.
func perturb(pose geom.Pose, delta []float64) geom.Pose {
	return geom.PoseFromParams(delta).Compose(pose)
}

func (l blockLayout) apply(cams []Camera, frames []Frame, dx []float64) ([]Camera, []Frame) {
	outC := make([]Camera, len(cams))
	for i, c := range cams {
		c = c.clone()
		if off := l.intr[i]; off >= 0 {
			for k := range c.Params {
				c.Params[k] += dx[off+k]
			}
		}
		if off := l.ext[i]; off >= 0 {
			c.Extrinsic = perturb(c.Extrinsic, dx[off:off+6])
		}
		outC[i] = c
	}
	outF := make([]Frame, len(frames))
	for i, f := range frames {
		if off := l.frame[i]; off >= 0 {
			f.Pose = perturb(f.Pose, dx[off:off+6])
		}
		outF[i] = f
	}
	return outC, outF
}

// Optimize runs up to p.MaxIterations accepted Levenberg-Marquardt steps.
func (b *BundleAdjuster) Optimize(ctx context.Context, p *Problem) (*Solution, error) {
	cams := make([]Camera, len(p.Cameras))
	for i, c := range p.Cameras {
		cams[i] = c.clone()
	}
	frames := append([]Frame(nil), p.Frames...)

	layout := newBlockLayout(p)
	maxParams := b.MaxParameters
	if maxParams <= 0 {
		maxParams = defaultMaxParameters
	}
	if layout.size > maxParams {
		return nil, fmt.Errorf("%w: %d parameters exceeds limit %d", ErrResourceExhausted, layout.size, maxParams)
	}

	n := len(p.Observations)
	cost := meanSquareError(cams, frames, p.Observations) * float64(n)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, fmt.Errorf("bundle adjustment: initial cost is %v", cost)
	}
	sol := &Solution{InitialMSE: safeDiv(cost, n)}
	if layout.size == 0 {
		sol.Cameras, sol.Frames, sol.MSE, sol.Converged = cams, frames, sol.InitialMSE, true
		return sol, nil
	}

	lambda := b.InitialLambda
	if lambda <= 0 {
		lambda = defaultLambda
	}
	normal := newNormalEquations(layout.size)
	for sol.Iterations < p.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		normal.reset()
		for _, o := range p.Observations {
			normal.accumulate(layout, cams, frames, o)
		}

		improved := false
		for lambda <= maxLambda {
			dx, ok := normal.solve(lambda)
			if !ok {
				lambda *= 10
				continue
			}
			nextC, nextF := layout.apply(cams, frames, dx)
			next := meanSquareError(nextC, nextF, p.Observations) * float64(n)
			if next < cost {
				rel := (cost - next) / math.Max(cost, 1e-300)
				cams, frames, cost = nextC, nextF, next
				lambda = math.Max(lambda/10, minLambda)
				improved = true
				if rel < p.Tolerance {
					sol.Converged = true
				}
				break
			}
			lambda *= 10
		}
		sol.Iterations++
		if !improved {
			sol.Converged = true
		}
		if sol.Converged {
			break
		}
	}

	sol.Cameras, sol.Frames = cams, frames
	sol.MSE = safeDiv(cost, n)
	return sol, nil
}

func safeDiv(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// normalEquations accumulates JᵀJ and Jᵀr in dense row-major storage.
type normalEquations struct {
	n   int
	jtj []float64
	jtr []float64

	idx []int
	jac [2][]float64
}

func newNormalEquations(n int) *normalEquations {
	return &normalEquations{n: n, jtj: make([]float64, n*n), jtr: make([]float64, n)}
}

func (ne *normalEquations) reset() {
	for i := range ne.jtj {
		ne.jtj[i] = 0
	}
	for i := range ne.jtr {
		ne.jtr[i] = 0
	}
}

// accumulate adds one observation's central-difference Jacobian block.
func (ne *normalEquations) accumulate(l blockLayout, cams []Camera, frames []Frame, o Observation) {
	cam := cams[o.Camera]
	frame := frames[o.Frame]
	r := residual(cam, frame, o)

	ne.idx = ne.idx[:0]
	ne.jac[0], ne.jac[1] = ne.jac[0][:0], ne.jac[1][:0]
	push := func(param int, plus, minus r2Residual, h float64) {
		ne.idx = append(ne.idx, param)
		ne.jac[0] = append(ne.jac[0], (plus[0]-minus[0])/(2*h))
		ne.jac[1] = append(ne.jac[1], (plus[1]-minus[1])/(2*h))
	}

	if off := l.intr[o.Camera]; off >= 0 {
		params := append([]float64(nil), cam.Params...)
		probe := cam
		probe.Params = params
		for k := range params {
			h := intrinsicStep * math.Max(1, math.Abs(params[k]))
			orig := params[k]
			params[k] = orig + h
			plus := residual(probe, frame, o)
			params[k] = orig - h
			minus := residual(probe, frame, o)
			params[k] = orig
			push(off+k, plus, minus, h)
		}
	}
	var delta [6]float64
	if off := l.ext[o.Camera]; off >= 0 {
		for k := 0; k < 6; k++ {
			probe := cam
			delta[k] = poseStep
			probe.Extrinsic = perturb(cam.Extrinsic, delta[:])
			plus := residual(probe, frame, o)
			delta[k] = -poseStep
			probe.Extrinsic = perturb(cam.Extrinsic, delta[:])
			minus := residual(probe, frame, o)
			delta[k] = 0
			push(off+k, plus, minus, poseStep)
		}
	}
	if off := l.frame[o.Frame]; off >= 0 {
		for k := 0; k < 6; k++ {
			probe := frame
			delta[k] = poseStep
			probe.Pose = perturb(frame.Pose, delta[:])
			plus := residual(cam, probe, o)
			delta[k] = -poseStep
			probe.Pose = perturb(frame.Pose, delta[:])
			minus := residual(cam, probe, o)
			delta[k] = 0
			push(off+k, plus, minus, poseStep)
		}
	}

	for a, ia := range ne.idx {
		ja0, ja1 := ne.jac[0][a], ne.jac[1][a]
		ne.jtr[ia] += ja0*r[0] + ja1*r[1]
		row := ia * ne.n
		for b, ib := range ne.idx {
			ne.jtj[row+ib] += ja0*ne.jac[0][b] + ja1*ne.jac[1][b]
		}
	}
}

// solve returns the damped Gauss-Newton step, or false when the damped
// system is not positive definite.
func (ne *normalEquations) solve(lambda float64) ([]float64, bool) {
	n := ne.n
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := ne.jtj[i*n+j]
			if i == j {
				v += lambda * math.Max(v, 1e-9)
			}
			sym.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, false
	}
	rhs := mat.NewVecDense(n, nil)
	for i, g := range ne.jtr {
		rhs.SetVec(i, -g)
	}
	var dx mat.VecDense
	if err := chol.SolveVecTo(&dx, rhs); err != nil {
		return nil, false
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = dx.AtVec(i)
		if math.IsNaN(out[i]) {
			return nil, false
		}
	}
	return out, true
}
