package calib

import (
	"errors"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/banshee-data/gridcalib/internal/camera"
	"github.com/banshee-data/gridcalib/internal/geom"
)

// CameraID identifies a rig member. IDs are dense and start at 0.
type CameraID int

// FrameID identifies a keyframe. IDs are dense and start at 0.
type FrameID int

// ReferenceCamera is the rig reference.
const ReferenceCamera CameraID = 0

// ErrResourceExhausted is returned by an Optimizer that cannot complete a
// pass within its resource limits. The pass is discarded.
var ErrResourceExhausted = errors.New("optimizer resources exhausted")

// ErrRunning is returned by synchronous operations while the background
// worker owns refinement.
var ErrRunning = errors.New("calibration worker is running")

// State is the engine lifecycle state.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Camera is one rig member's current estimate.
type Camera struct {
	Model  camera.Model
	Params []float64
	Width  int
	Height int
	// Extrinsic is T_ck, mapping rig reference coordinates into this camera.
	Extrinsic geom.Pose

	// rev changes whenever the camera is replaced outside refinement.
	rev int
}

// Projector binds the camera's current intrinsics.
func (c Camera) Projector() camera.Projector {
	return camera.Bind(c.Model, c.Params)
}

func (c Camera) clone() Camera {
	c.Params = append([]float64(nil), c.Params...)
	return c
}

// Frame is a keyframe: one instant at which the rig saw the target.
type Frame struct {
	// Pose is T_kw, mapping target coordinates into the rig reference.
	Pose geom.Pose
}

// Observation is one detected target point in one camera at one keyframe.
type Observation struct {
	Frame  FrameID
	Camera CameraID
	// Point is the target-frame position of the grid cell.
	Point r3.Vector
	// Pixel is the detected image position.
	Pixel r2.Point
}

// Residual is the reprojection error of one observation.
type Residual struct {
	Observation
	Error r2.Point
}

// predict projects o through cam and frame.
func predict(cam Camera, frame Frame, p r3.Vector) (r2.Point, bool) {
	return cam.Model.Project(cam.Params, cam.Extrinsic.Apply(frame.Pose.Apply(p)))
}
