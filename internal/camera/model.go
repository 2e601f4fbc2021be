// Package camera provides the projection models the calibration engine
// refines. A Model is stateless; its intrinsic parameters are passed in as a
// vector so the optimizer can perturb them freely.
package camera

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Model is a parametric camera projection.
type Model interface {
	// Name is the stable identifier written to camera model files.
	Name() string
	// ParamNames lists the intrinsic parameters in vector order.
	ParamNames() []string
	// Project maps a camera-frame point to pixels. ok is false for points
	// at or behind the camera centre.
	Project(params []float64, p r3.Vector) (px r2.Point, ok bool)
	// Unproject maps a pixel to a camera-frame ray with Z = 1.
	Unproject(params []float64, px r2.Point) r3.Vector
}

// Projector is the opaque projection capability used by the recognition
// pipeline: a model bound to a parameter vector.
type Projector interface {
	Project(p r3.Vector) (r2.Point, bool)
	Unproject(px r2.Point) r3.Vector
}

const minDepth = 1e-9

var models = map[string]Model{}

func register(m Model) { models[m.Name()] = m }

func init() {
	register(Pinhole{})
	register(Fov{})
	register(Poly2{})
}

// ModelByName returns the registered model with the given name.
func ModelByName(name string) (Model, error) {
	m, ok := models[name]
	if !ok {
		return nil, fmt.Errorf("unknown camera model %q (known: %v)", name, ModelNames())
	}
	return m, nil
}

// ModelNames returns the registered model names in sorted order.
func ModelNames() []string {
	names := make([]string, 0, len(models))
	for n := range models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultParams returns an initial guess for a width x height sensor:
// focal length 300px, principal point at the image centre, and any
// distortion terms at their model default.
func DefaultParams(m Model, width, height int) []float64 {
	params := []float64{300, 300, float64(width) / 2, float64(height) / 2}
	switch m.(type) {
	case Fov:
		params = append(params, 0.2)
	case Poly2:
		params = append(params, 0, 0)
	}
	return params
}

// Pinhole is the undistorted pinhole model: [fx, fy, cx, cy].
type Pinhole struct{}

func (Pinhole) Name() string         { return "pinhole" }
func (Pinhole) ParamNames() []string { return []string{"fx", "fy", "cx", "cy"} }

func (Pinhole) Project(params []float64, p r3.Vector) (r2.Point, bool) {
	if p.Z <= minDepth {
		return r2.Point{}, false
	}
	return r2.Point{
		X: params[0]*p.X/p.Z + params[2],
		Y: params[1]*p.Y/p.Z + params[3],
	}, true
}

func (Pinhole) Unproject(params []float64, px r2.Point) r3.Vector {
	return r3.Vector{X: (px.X - params[2]) / params[0], Y: (px.Y - params[3]) / params[1], Z: 1}
}

// Fov is the field-of-view distortion model of Devernay and Faugeras:
// [fx, fy, cx, cy, w]. The radial mapping is rd = atan(2 ru tan(w/2)) / w.
type Fov struct{}

func (Fov) Name() string         { return "fov" }
func (Fov) ParamNames() []string { return []string{"fx", "fy", "cx", "cy", "w"} }

func (Fov) Project(params []float64, p r3.Vector) (r2.Point, bool) {
	if p.Z <= minDepth {
		return r2.Point{}, false
	}
	x, y := p.X/p.Z, p.Y/p.Z
	f := fovFactor(params[4], math.Hypot(x, y))
	return r2.Point{
		X: params[0]*f*x + params[2],
		Y: params[1]*f*y + params[3],
	}, true
}

func (Fov) Unproject(params []float64, px r2.Point) r3.Vector {
	xd := (px.X - params[2]) / params[0]
	yd := (px.Y - params[3]) / params[1]
	f := fovInverseFactor(params[4], math.Hypot(xd, yd))
	return r3.Vector{X: f * xd, Y: f * yd, Z: 1}
}

func fovFactor(w, ru float64) float64 {
	if math.Abs(w) < 1e-7 || ru < 1e-9 {
		return 1
	}
	return math.Atan(2*ru*math.Tan(w/2)) / (w * ru)
}

func fovInverseFactor(w, rd float64) float64 {
	if math.Abs(w) < 1e-7 || rd < 1e-9 {
		return 1
	}
	return math.Tan(rd*w) / (2 * rd * math.Tan(w/2))
}

// Poly2 is the two-term radial polynomial model: [fx, fy, cx, cy, k1, k2]
// with rd = ru (1 + k1 ru² + k2 ru⁴).
type Poly2 struct{}

func (Poly2) Name() string         { return "poly2" }
func (Poly2) ParamNames() []string { return []string{"fx", "fy", "cx", "cy", "k1", "k2"} }

func (Poly2) Project(params []float64, p r3.Vector) (r2.Point, bool) {
	if p.Z <= minDepth {
		return r2.Point{}, false
	}
	x, y := p.X/p.Z, p.Y/p.Z
	r2u := x*x + y*y
	f := 1 + params[4]*r2u + params[5]*r2u*r2u
	return r2.Point{
		X: params[0]*f*x + params[2],
		Y: params[1]*f*y + params[3],
	}, true
}

// Unproject inverts the radial polynomial with Newton-Raphson on the radius.
func (Poly2) Unproject(params []float64, px r2.Point) r3.Vector {
	xd := (px.X - params[2]) / params[0]
	yd := (px.Y - params[3]) / params[1]
	rd := math.Hypot(xd, yd)
	if rd < 1e-12 {
		return r3.Vector{X: xd, Y: yd, Z: 1}
	}
	k1, k2 := params[4], params[5]
	ru := rd
	for i := 0; i < 20; i++ {
		r2u := ru * ru
		g := ru*(1+k1*r2u+k2*r2u*r2u) - rd
		dg := 1 + 3*k1*r2u + 5*k2*r2u*r2u
		if math.Abs(dg) < 1e-12 {
			break
		}
		step := g / dg
		ru -= step
		if math.Abs(step) < 1e-14 {
			break
		}
	}
	s := ru / rd
	return r3.Vector{X: s * xd, Y: s * yd, Z: 1}
}

type bound struct {
	model  Model
	params []float64
}

// Bind returns a Projector for model m with a private copy of params.
func Bind(m Model, params []float64) Projector {
	return bound{model: m, params: append([]float64(nil), params...)}
}

func (b bound) Project(p r3.Vector) (r2.Point, bool) { return b.model.Project(b.params, p) }
func (b bound) Unproject(px r2.Point) r3.Vector      { return b.model.Unproject(b.params, px) }
