// Package synth renders the calibration target through a camera model. It
// stands in for a live capture in tests and in the CLI's -simulate mode.
package synth

import (
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/banshee-data/gridcalib/internal/camera"
	"github.com/banshee-data/gridcalib/internal/conic"
	"github.com/banshee-data/gridcalib/internal/geom"
	"github.com/banshee-data/gridcalib/internal/target"
)

// View is one camera looking at the target.
type View struct {
	Camera camera.Projector
	Width  int
	Height int
	// Pose maps target coordinates into the camera frame (T_cw).
	Pose geom.Pose
}

// Dot is a projected target dot with its ground-truth grid coordinate.
type Dot struct {
	Coord target.GridCoord
	Blob  conic.Blob
}

const boundarySamples = 24

// ProjectDots returns the dots whose whole outline lands inside the image,
// in row-major grid order.
func ProjectDots(g *target.GridDot, v View) []Dot {
	var out []Dot
	for _, c := range g.Coords() {
		if b, ok := projectDot(g, v, c); ok {
			out = append(out, Dot{Coord: c, Blob: b})
		}
	}
	return out
}

// Blobs strips the ground truth from dots.
func Blobs(dots []Dot) []conic.Blob {
	out := make([]conic.Blob, len(dots))
	for i, d := range dots {
		out[i] = d.Blob
	}
	return out
}

func projectDot(g *target.GridDot, v View, c target.GridCoord) (conic.Blob, bool) {
	centre3 := g.Point3D(c)
	centre, ok := v.Camera.Project(v.Pose.Apply(centre3))
	if !ok {
		return conic.Blob{}, false
	}
	r := g.DotRadius(c)
	var outline [boundarySamples]r2.Point
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	var mean r2.Point
	for k := range outline {
		theta := 2 * math.Pi * float64(k) / boundarySamples
		q := centre3.Add(r3.Vector{X: r * math.Cos(theta), Y: r * math.Sin(theta)})
		px, ok := v.Camera.Project(v.Pose.Apply(q))
		if !ok || px.X < 0 || px.Y < 0 || px.X >= float64(v.Width) || px.Y >= float64(v.Height) {
			return conic.Blob{}, false
		}
		outline[k] = px
		mean = mean.Add(px)
		minX, maxX = math.Min(minX, px.X), math.Max(maxX, px.X)
		minY, maxY = math.Min(minY, px.Y), math.Max(maxY, px.Y)
	}
	mean = mean.Mul(1.0 / boundarySamples)

	var area, sxx, syy, sxy float64
	for k, p := range outline {
		q := outline[(k+1)%boundarySamples]
		area += p.X*q.Y - q.X*p.Y
		d := p.Sub(mean)
		sxx += d.X * d.X
		syy += d.Y * d.Y
		sxy += d.X * d.Y
	}
	area = math.Abs(area) / 2

	return conic.Blob{
		Center: centre,
		BBox:   image.Rect(int(math.Ceil(minX)), int(math.Ceil(minY)), int(math.Floor(maxX))+1, int(math.Floor(maxY))+1),
		Area:   area,
		Aspect: conic.AxisRatio(sxx, syy, sxy),
	}, true
}

// RenderOptions sets the grey levels of the rendered image.
type RenderOptions struct {
	Background uint8
	Ink        uint8
}

// DefaultRenderOptions draws dark dots on a light page.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{Background: 230, Ink: 20}
}

// Render ray-casts every pixel centre onto the target plane.
func Render(g *target.GridDot, v View, opts RenderOptions) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, v.Width, v.Height))
	inv := v.Pose.Inverse()
	origin := inv.T
	for y := 0; y < v.Height; y++ {
		for x := 0; x < v.Width; x++ {
			shade := opts.Background
			ray := v.Camera.Unproject(r2.Point{X: float64(x), Y: float64(y)})
			dir := inv.Apply(ray).Sub(origin)
			if math.Abs(dir.Z) > 1e-12 {
				if s := -origin.Z / dir.Z; s > 0 {
					if onDot(g, origin.Add(dir.Mul(s))) {
						shade = opts.Ink
					}
				}
			}
			img.SetGray(x, y, color.Gray{Y: shade})
		}
	}
	return img
}

func onDot(g *target.GridDot, p r3.Vector) bool {
	s := g.Spacing()
	c := target.GridCoord{Col: int(math.Round(p.X / s)), Row: int(math.Round(p.Y / s))}
	if !g.Contains(c) {
		return false
	}
	centre := g.Point3D(c)
	return math.Hypot(p.X-centre.X, p.Y-centre.Y) <= g.DotRadius(c)
}

// LookAt returns the target-to-camera pose of a camera at eye looking at
// centre. up is the target-frame direction that should appear upward in
// the image.
func LookAt(eye, centre, up r3.Vector) geom.Pose {
	f := centre.Sub(eye).Normalize()
	x := f.Cross(up).Normalize()
	y := f.Cross(x)
	R := [9]float64{
		x.X, x.Y, x.Z,
		y.X, y.Y, y.Z,
		f.X, f.Y, f.Z,
	}
	p := geom.Pose{R: R}
	p.T = p.Apply(eye).Mul(-1)
	return p
}

// Orbit returns n target-to-camera poses spread around the target centre at
// the given distance, each tilted by up to maxTilt radians off the normal.
// The poses are deterministic.
func Orbit(g *target.GridDot, n int, distance, maxTilt float64) []geom.Pose {
	centre := r3.Vector{X: g.Width() / 2, Y: g.Height() / 2}
	up := r3.Vector{Y: -1}
	poses := make([]geom.Pose, 0, n)
	for i := 0; i < n; i++ {
		tilt := 0.0
		if n > 1 {
			tilt = maxTilt * float64(i%3+1) / 3
		}
		phi := 2 * math.Pi * float64(i) / float64(n)
		dir := r3.Vector{X: math.Sin(tilt) * math.Cos(phi), Y: math.Sin(tilt) * math.Sin(phi), Z: -math.Cos(tilt)}
		poses = append(poses, LookAt(centre.Add(dir.Mul(distance)), centre, up))
	}
	return poses
}
