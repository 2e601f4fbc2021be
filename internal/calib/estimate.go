package calib

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"time"

	"github.com/banshee-data/gridcalib/internal/geom"
)

// Estimate is an immutable snapshot of the calibration state. The engine
// never modifies an Estimate after publishing it; callers must not either.
type Estimate struct {
	Cameras []Camera
	Frames  []Frame
	// MSE is the mean squared reprojection error in pixels² over the
	// observations of the last pass, 0 before the first pass.
	MSE float64
	// Passes counts published refinement passes.
	Passes int
	// Observations is the number of observations the last pass used.
	Observations int
	PublishedAt  time.Time

	digest uint64
}

// Camera returns a copy of camera id.
func (e *Estimate) Camera(id CameraID) (Camera, bool) {
	if id < 0 || int(id) >= len(e.Cameras) {
		return Camera{}, false
	}
	return e.Cameras[id].clone(), true
}

// Frame returns keyframe id.
func (e *Estimate) Frame(id FrameID) (Frame, bool) {
	if id < 0 || int(id) >= len(e.Frames) {
		return Frame{}, false
	}
	return e.Frames[id], true
}

// Consistent reports whether the snapshot still matches the digest taken
// when it was published.
func (e *Estimate) Consistent() bool {
	return e.digest == e.computeDigest()
}

func (e *Estimate) seal() *Estimate {
	e.digest = e.computeDigest()
	return e
}

func (e *Estimate) computeDigest() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	putPose := func(p geom.Pose) {
		for _, v := range p.R {
			put(v)
		}
		put(p.T.X)
		put(p.T.Y)
		put(p.T.Z)
	}
	for _, c := range e.Cameras {
		for _, v := range c.Params {
			put(v)
		}
		putPose(c.Extrinsic)
	}
	for _, f := range e.Frames {
		putPose(f.Pose)
	}
	put(e.MSE)
	return h.Sum64()
}

// withCamera returns a copy of e with c appended.
func (e *Estimate) withCamera(c Camera) *Estimate {
	next := e.shallow()
	next.Cameras = append(append(make([]Camera, 0, len(e.Cameras)+1), e.Cameras...), c)
	return next.seal()
}

// withFrame returns a copy of e with f appended.
func (e *Estimate) withFrame(f Frame) *Estimate {
	next := e.shallow()
	next.Frames = append(append(make([]Frame, 0, len(e.Frames)+1), e.Frames...), f)
	return next.seal()
}

// withCameraReplaced returns a copy of e with camera id set to c.
func (e *Estimate) withCameraReplaced(id CameraID, c Camera) *Estimate {
	next := e.shallow()
	next.Cameras = append([]Camera(nil), e.Cameras...)
	next.Cameras[id] = c
	return next.seal()
}

func (e *Estimate) shallow() *Estimate {
	next := *e
	return &next
}
