package calib

import (
	"testing"

	"github.com/banshee-data/gridcalib/internal/camera"
	"github.com/banshee-data/gridcalib/internal/geom"
	"github.com/banshee-data/gridcalib/internal/synth"
	"github.com/banshee-data/gridcalib/internal/target"
)

// rigScene is a two-camera rig observing the target from several keyframes
// with exact projections.
type rigScene struct {
	target  *target.GridDot
	cameras []Camera
	frames  []geom.Pose
	obs     []Observation
}

func testTarget() *target.GridDot {
	return target.MustNew(19, 10, 0.254/18, 71)
}

func newRigScene(t *testing.T, nFrames int) *rigScene {
	t.Helper()
	g := testTarget()
	s := &rigScene{
		target: g,
		cameras: []Camera{
			{Model: camera.Fov{}, Params: []float64{700, 705, 322, 238, 0.45}, Width: 640, Height: 480, Extrinsic: geom.Identity()},
			{Model: camera.Pinhole{}, Params: []float64{690, 688, 318, 244}, Width: 640, Height: 480,
				Extrinsic: geom.PoseFromParams([]float64{0.01, 0.08, -0.02, -0.04, 0.005, 0.01})},
		},
		frames: synth.Orbit(g, nFrames, 0.45, 0.45),
	}
	for f, pose := range s.frames {
		for c, cam := range s.cameras {
			for _, cell := range g.Coords() {
				p := g.Point3D(cell)
				px, ok := cam.Model.Project(cam.Params, cam.Extrinsic.Apply(pose.Apply(p)))
				if !ok || px.X < 0 || px.Y < 0 || px.X >= float64(cam.Width) || px.Y >= float64(cam.Height) {
					continue
				}
				s.obs = append(s.obs, Observation{Frame: FrameID(f), Camera: CameraID(c), Point: p, Pixel: px})
			}
		}
	}
	return s
}

// perturbed returns a copy of p with a small fixed rotation and translation
// error applied.
func perturbed(p geom.Pose, scale float64) geom.Pose {
	d := []float64{0.01 * scale, -0.008 * scale, 0.012 * scale, 0.004 * scale, -0.003 * scale, 0.006 * scale}
	return geom.PoseFromParams(d).Compose(p)
}

// load registers the scene with initial guesses that are off by scale.
func (s *rigScene) load(t *testing.T, e *Engine, scale float64) {
	t.Helper()
	for i, truth := range s.cameras {
		guess := truth.clone()
		for k := range guess.Params {
			if k < 2 {
				guess.Params[k] *= 1 - 0.05*scale
			} else if k < 4 {
				guess.Params[k] += 6 * scale
			}
		}
		if truth.Model.Name() == "fov" {
			guess.Params[4] = 0.2
		}
		id := e.AddCamera(guess)
		if id != CameraID(i) {
			t.Fatalf("AddCamera returned %d, want %d", id, i)
		}
		if id != ReferenceCamera && !e.SeedExtrinsic(id, perturbed(truth.Extrinsic, scale)) {
			t.Fatalf("SeedExtrinsic(%d) did not apply", id)
		}
	}
	for i, f := range s.frames {
		id, ok := e.AddFrame(perturbed(f, scale))
		if !ok || id != FrameID(i) {
			t.Fatalf("AddFrame returned %d, %v", id, ok)
		}
	}
	for _, o := range s.obs {
		if !e.AddObservation(o.Frame, o.Camera, o.Point, o.Pixel) {
			t.Fatalf("observation %+v rejected", o)
		}
	}
}
