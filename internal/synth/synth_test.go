package synth

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/gridcalib/internal/camera"
	"github.com/banshee-data/gridcalib/internal/conic"
	"github.com/banshee-data/gridcalib/internal/geom"
	"github.com/banshee-data/gridcalib/internal/target"
)

func frontalView(g *target.GridDot) View {
	centre := r3.Vector{X: g.Width() / 2, Y: g.Height() / 2}
	return View{
		Camera: camera.Bind(camera.Pinhole{}, []float64{600, 600, 320, 240}),
		Width:  640,
		Height: 480,
		Pose:   LookAt(centre.Add(r3.Vector{Z: -0.35}), centre, r3.Vector{Y: -1}),
	}
}

func TestLookAtIsRigid(t *testing.T) {
	p := LookAt(r3.Vector{X: 0.3, Y: -0.2, Z: -0.5}, r3.Vector{X: 0.1, Y: 0.05}, r3.Vector{Y: -1})
	if !geom.IsValidTransformMatrix(p.Matrix()) {
		t.Fatalf("LookAt produced a non-rigid pose: %v", p)
	}
	c := p.Apply(r3.Vector{X: 0.1, Y: 0.05})
	if math.Abs(c.X) > 1e-12 || math.Abs(c.Y) > 1e-12 || c.Z <= 0 {
		t.Errorf("look-at point should lie on the optical axis, got %v", c)
	}
}

func TestProjectDotsFrontal(t *testing.T) {
	g := target.MustNew(19, 10, 0.254/18, 71)
	v := frontalView(g)
	dots := ProjectDots(g, v)
	if len(dots) != g.Size() {
		t.Fatalf("expected all %d dots visible, got %d", g.Size(), len(dots))
	}

	validator := conic.NewValidator(conic.DefaultConfig())
	_, stats := validator.ValidateAll(Blobs(dots))
	if stats.Rejected() != 0 {
		t.Errorf("frontal blobs should all validate: %+v", stats)
	}

	mid := dots[g.Cols()*5+9]
	if mid.Coord != (target.GridCoord{Col: 9, Row: 5}) {
		t.Errorf("unexpected dot order: %v", mid.Coord)
	}
	// Frontal dots are circles.
	if mid.Blob.Aspect < 0.99 {
		t.Errorf("frontal aspect = %v, want ~1", mid.Blob.Aspect)
	}
	r := math.Sqrt(mid.Blob.Area / math.Pi)
	want := 600 * g.DotRadius(mid.Coord) / 0.35
	if math.Abs(r-want) > 0.02*want {
		t.Errorf("radius = %v px, want ~%v", r, want)
	}
}

func TestProjectDotsClipsToImage(t *testing.T) {
	g := target.MustNew(19, 10, 0.254/18, 71)
	v := frontalView(g)
	v.Width = 320
	dots := ProjectDots(g, v)
	if len(dots) == 0 || len(dots) >= g.Size() {
		t.Fatalf("expected a partial view, got %d dots", len(dots))
	}
	for _, d := range dots {
		if d.Blob.BBox.Max.X > 320 {
			t.Errorf("dot %v extends past the image: %v", d.Coord, d.Blob.BBox)
		}
	}
}

func TestRender(t *testing.T) {
	g := target.MustNew(19, 10, 0.254/18, 71)
	v := frontalView(g)
	img := Render(g, v, DefaultRenderOptions())

	for _, c := range []target.GridCoord{{Col: 0, Row: 0}, {Col: 9, Row: 5}, {Col: 18, Row: 9}} {
		px, _ := v.Camera.Project(v.Pose.Apply(g.Point3D(c)))
		got := img.GrayAt(int(math.Round(px.X)), int(math.Round(px.Y))).Y
		if got != 20 {
			t.Errorf("dot %v centre shade = %d, want ink", c, got)
		}
	}
	// Midway between four dots is paper.
	between := g.Point3D(target.GridCoord{Col: 4, Row: 4}).Add(r3.Vector{X: g.Spacing() / 2, Y: g.Spacing() / 2})
	px, _ := v.Camera.Project(v.Pose.Apply(between))
	if got := img.GrayAt(int(math.Round(px.X)), int(math.Round(px.Y))).Y; got != 230 {
		t.Errorf("gap shade = %d, want background", got)
	}
	if got := img.GrayAt(2, 2).Y; got != 230 {
		t.Errorf("corner shade = %d, want background", got)
	}
}

func TestOrbitPosesSeeTheTarget(t *testing.T) {
	g := target.MustNew(19, 10, 0.254/18, 71)
	cam := camera.Bind(camera.Pinhole{}, []float64{500, 500, 320, 240})
	for i, p := range Orbit(g, 5, 0.45, 0.5) {
		v := View{Camera: cam, Width: 640, Height: 480, Pose: p}
		if n := len(ProjectDots(g, v)); n != g.Size() {
			t.Errorf("orbit pose %d sees %d/%d dots", i, n, g.Size())
		}
	}
}
