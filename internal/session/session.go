// Package session turns one tick of per-camera blob detections into
// keyframes and observations for the calibration engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/banshee-data/gridcalib/internal/calib"
	"github.com/banshee-data/gridcalib/internal/config"
	"github.com/banshee-data/gridcalib/internal/conic"
	"github.com/banshee-data/gridcalib/internal/grid"
	"github.com/banshee-data/gridcalib/internal/pnp"
	"github.com/banshee-data/gridcalib/internal/target"
	"github.com/banshee-data/gridcalib/internal/timeutil"
)

// ErrCameraCount is returned when a tick does not carry one detection list
// per registered camera.
var ErrCameraCount = errors.New("tick camera count mismatch")

// Config bundles the per-stage settings.
type Config struct {
	Validator conic.Config
	Decoder   grid.Config
	Pose      pnp.Config
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
}

// DefaultConfig returns the built-in stage settings.
func DefaultConfig() Config {
	return Config{
		Validator: conic.DefaultConfig(),
		Decoder:   grid.DefaultConfig(),
		Pose:      pnp.DefaultConfig(),
	}
}

// ConfigFromTuning reads every stage's settings from cfg.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Validator: conic.ConfigFromTuning(cfg),
		Decoder:   grid.ConfigFromTuning(cfg),
		Pose:      pnp.ConfigFromTuning(cfg),
	}
}

// CameraResult is one camera's share of a tick.
type CameraResult struct {
	Camera calib.CameraID
	Conics []conic.Conic
	Stats  conic.Stats
	Decode grid.Result
	// Pose is valid when PoseErr is nil and decoding tracked the target.
	Pose    pnp.Result
	PoseErr error
	// Observations is how many matches were handed to the engine.
	Observations int
}

// Tracked reports whether the camera decoded the target and located it.
func (r CameraResult) Tracked() bool {
	return r.Decode.TrackingGood && r.PoseErr == nil
}

// TickResult summarises one processed tick.
type TickResult struct {
	Tick    int
	Time    time.Time
	Cameras []CameraResult
	// SeedCamera placed the keyframe, -1 when no frame was added.
	SeedCamera calib.CameraID
	Frame      calib.FrameID
	FrameAdded bool
	// Observations is the total handed to the engine this tick.
	Observations int
}

// Session runs the detection pipeline for every camera of a rig.
type Session struct {
	engine    *calib.Engine
	target    *target.GridDot
	validator *conic.Validator
	decoder   *grid.Decoder
	estimator *pnp.Estimator
	logger    *log.Logger
	clock     timeutil.Clock

	mu   sync.Mutex
	tick int
}

// New creates a session feeding engine with detections of t.
func New(engine *calib.Engine, t *target.GridDot, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Session{
		engine:    engine,
		target:    t,
		validator: conic.NewValidator(cfg.Validator),
		decoder:   grid.NewDecoder(t, cfg.Decoder),
		estimator: pnp.NewEstimator(cfg.Pose),
		logger:    logger,
		clock:     clock,
	}
}

// Engine returns the engine the session feeds.
func (s *Session) Engine() *calib.Engine { return s.engine }

// ProcessTick validates, decodes and locates the target in every camera in
// parallel, then adds one keyframe and its observations when at least one
// camera tracked. blobs[i] holds camera i's detections.
func (s *Session) ProcessTick(ctx context.Context, blobs [][]conic.Blob) (TickResult, error) {
	if n := s.engine.NumCameras(); len(blobs) != n {
		return TickResult{}, fmt.Errorf("%w: %d detection lists for %d cameras", ErrCameraCount, len(blobs), n)
	}
	if err := ctx.Err(); err != nil {
		return TickResult{}, err
	}

	s.mu.Lock()
	s.tick++
	res := TickResult{Tick: s.tick, Time: s.clock.Now(), SeedCamera: -1, Frame: -1}
	s.mu.Unlock()

	res.Cameras = make([]CameraResult, len(blobs))
	var wg sync.WaitGroup
	for i := range blobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res.Cameras[i] = s.detect(calib.CameraID(i), blobs[i])
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	s.ingest(&res)
	return res, nil
}

func (s *Session) detect(id calib.CameraID, blobs []conic.Blob) CameraResult {
	out := CameraResult{Camera: id}
	out.Conics, out.Stats = s.validator.ValidateAll(blobs)
	out.Decode = s.decoder.Decode(out.Conics)
	if !out.Decode.TrackingGood {
		out.PoseErr = fmt.Errorf("camera %d: target not tracked (%d accepted)", id, out.Decode.Accepted)
		return out
	}

	cam, ok := s.engine.Camera(id)
	if !ok {
		out.PoseErr = fmt.Errorf("camera %d: not registered", id)
		return out
	}
	pts2, pts3 := s.correspondences(out)
	out.Pose, out.PoseErr = s.estimator.Estimate(cam.Projector(), pts2, pts3)
	return out
}

func (s *Session) correspondences(r CameraResult) ([]r2.Point, []r3.Vector) {
	idx := r.Decode.Map.Indices()
	pts2 := make([]r2.Point, len(idx))
	pts3 := make([]r3.Vector, len(idx))
	for k, i := range idx {
		pts2[k] = r.Conics[i].Center
		pts3[k] = s.target.Point3D(r.Decode.Map[i])
	}
	return pts2, pts3
}

// seedCamera picks the tracked camera with a known extrinsic and the most
// pose inliers; ties go to the lowest id.
func (s *Session) seedCamera(cams []CameraResult) calib.CameraID {
	best := calib.CameraID(-1)
	bestInliers := -1
	for _, r := range cams {
		if !r.Tracked() || !s.engine.ExtrinsicSeeded(r.Camera) {
			continue
		}
		if n := len(r.Pose.Inliers); n > bestInliers {
			best, bestInliers = r.Camera, n
		}
	}
	return best
}

func (s *Session) ingest(res *TickResult) {
	seed := s.seedCamera(res.Cameras)
	if seed < 0 {
		return
	}
	ref, _ := s.engine.Camera(seed)
	// T_kw = T_ck⁻¹ · T_cw
	framePose := ref.Extrinsic.Inverse().Compose(res.Cameras[seed].Pose.Pose)
	fid, ok := s.engine.AddFrame(framePose)
	if !ok {
		return
	}
	res.SeedCamera, res.Frame, res.FrameAdded = seed, fid, true

	for i := range res.Cameras {
		r := &res.Cameras[i]
		if !r.Tracked() {
			continue
		}
		if !s.engine.ExtrinsicSeeded(r.Camera) {
			// T_ck = T_cw · T_kw⁻¹
			if s.engine.SeedExtrinsic(r.Camera, r.Pose.Pose.Compose(framePose.Inverse())) {
				s.logger.Printf("[session] camera %d extrinsic seeded from frame %d", r.Camera, fid)
			}
		}
		for _, ci := range r.Decode.Map.Indices() {
			p := s.target.Point3D(r.Decode.Map[ci])
			if s.engine.AddObservation(fid, r.Camera, p, r.Conics[ci].Center) {
				r.Observations++
			}
		}
		res.Observations += r.Observations
	}
	if res.Tick%25 == 1 {
		s.logger.Printf("[session] tick %d: frame %d seeded by camera %d, %d observations",
			res.Tick, fid, seed, res.Observations)
	}
}
