package calib

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/banshee-data/gridcalib/internal/config"
	"github.com/banshee-data/gridcalib/internal/geom"
	"github.com/banshee-data/gridcalib/internal/target"
	"github.com/banshee-data/gridcalib/internal/timeutil"
)

// PassStats describes one refinement pass, published or failed.
type PassStats struct {
	Pass         int
	Observations int
	Cameras      int
	Frames       int
	InitialMSE   float64
	MSE          float64
	Iterations   int
	Converged    bool
	Duration     time.Duration
	Err          error
}

// EngineConfig contains configuration for Engine.
type EngineConfig struct {
	// Target bounds the accepted observation coordinates. Required.
	Target *target.GridDot
	// Optimizer refines each pass; nil uses a BundleAdjuster.
	Optimizer Optimizer
	// PassMaxIterations bounds each pass (e.g., 10).
	PassMaxIterations int
	// PassTolerance is the relative cost decrease that counts as converged.
	PassTolerance float64
	// IdleInterval is how long the worker sleeps when there is nothing new.
	IdleInterval time.Duration
	// OnPass is called after every pass from the refining goroutine.
	OnPass func(PassStats)
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
}

// EngineConfigFromTuning fills the pass settings from a tuning file.
func EngineConfigFromTuning(t *target.GridDot, cfg *config.TuningConfig) EngineConfig {
	return EngineConfig{
		Target:            t,
		PassMaxIterations: cfg.GetPassMaxIterations(),
		PassTolerance:     cfg.GetPassTolerance(),
		IdleInterval:      cfg.GetIdleInterval(),
	}
}

// Engine is the incremental calibration engine. All methods are safe for
// concurrent use.
type Engine struct {
	target            *target.GridDot
	optimizer         Optimizer
	passMaxIterations int
	passTolerance     float64
	idleInterval      time.Duration
	onPass            func(PassStats)
	logger            *log.Logger
	clock             timeutil.Clock

	// ingestMu guards the append-only observation log and the entity
	// counters. Lock order: ingestMu before stateMu.
	ingestMu     sync.Mutex
	observations []Observation
	addFrames    bool
	seeded       []bool

	stateMu sync.RWMutex
	est     *Estimate
	lastErr error

	// passMu serialises passes between the worker and RunPasses.
	passMu        sync.Mutex
	lastPassObs   int
	lastConverged bool

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewEngine creates an idle engine with no cameras.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	opt := cfg.Optimizer
	if opt == nil {
		opt = &BundleAdjuster{}
	}
	iters := cfg.PassMaxIterations
	if iters <= 0 {
		iters = 10
	}
	idle := cfg.IdleInterval
	if idle <= 0 {
		idle = 50 * time.Millisecond
	}
	return &Engine{
		target:            cfg.Target,
		optimizer:         opt,
		passMaxIterations: iters,
		passTolerance:     cfg.PassTolerance,
		idleInterval:      idle,
		onPass:            cfg.OnPass,
		logger:            logger,
		clock:             clock,
		addFrames:         true,
		est:               (&Estimate{}).seal(),
	}
}

func (e *Engine) logf(format string, args ...interface{}) {
	e.logger.Printf("[calib] "+format, args...)
}

// AddCamera registers a rig member and returns its id. The first camera is
// the rig reference and its extrinsic is forced to the identity. It returns
// -1 when the model is nil or the parameter vector does not fit the model.
func (e *Engine) AddCamera(c Camera) CameraID {
	if c.Model == nil || len(c.Params) != len(c.Model.ParamNames()) {
		e.logf("rejecting camera: parameter vector does not match model")
		return -1
	}
	c = c.clone()
	c.rev = 0

	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	id := CameraID(len(e.est.Cameras))
	if id == ReferenceCamera {
		c.Extrinsic = geom.Identity()
	}
	e.est = e.est.withCamera(c)
	e.seeded = append(e.seeded, id == ReferenceCamera)
	return id
}

// SeedExtrinsic sets the initial T_ck of a non-reference camera. Only the
// first call per camera has an effect; it returns whether it applied.
func (e *Engine) SeedExtrinsic(id CameraID, rigToCamera geom.Pose) bool {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	if id <= ReferenceCamera || int(id) >= len(e.seeded) || e.seeded[id] {
		return false
	}
	e.seeded[id] = true

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	c := e.est.Cameras[id].clone()
	c.Extrinsic = rigToCamera
	c.rev++
	e.est = e.est.withCameraReplaced(id, c)
	return true
}

// ExtrinsicSeeded reports whether camera id has an extrinsic estimate. The
// reference camera always has one.
func (e *Engine) ExtrinsicSeeded(id CameraID) bool {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	return id >= 0 && int(id) < len(e.seeded) && e.seeded[id]
}

// SetAddFrames opens or closes the keyframe gate.
func (e *Engine) SetAddFrames(on bool) {
	e.ingestMu.Lock()
	e.addFrames = on
	e.ingestMu.Unlock()
}

// AddFramesEnabled reports whether AddFrame currently accepts keyframes.
func (e *Engine) AddFramesEnabled() bool {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	return e.addFrames
}

// AddFrame creates a keyframe seeded with T_kw. It returns false when the
// keyframe gate is closed.
func (e *Engine) AddFrame(seed geom.Pose) (FrameID, bool) {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	if !e.addFrames {
		return -1, false
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	id := FrameID(len(e.est.Frames))
	e.est = e.est.withFrame(Frame{Pose: seed})
	return id, true
}

// AddObservation appends one detection. Observations naming an unknown
// camera or frame, or a target point outside the grid, are dropped and
// false is returned.
func (e *Engine) AddObservation(frame FrameID, cam CameraID, point r3.Vector, pixel r2.Point) bool {
	if !finite(point.X, point.Y, point.Z, pixel.X, pixel.Y) {
		return false
	}
	if e.target != nil && !e.target.ContainsPoint(point) {
		return false
	}
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	e.stateMu.RLock()
	nc, nf := len(e.est.Cameras), len(e.est.Frames)
	e.stateMu.RUnlock()
	if cam < 0 || int(cam) >= nc || frame < 0 || int(frame) >= nf {
		return false
	}
	e.observations = append(e.observations, Observation{Frame: frame, Camera: cam, Point: point, Pixel: pixel})
	return true
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Estimate returns the latest published snapshot.
func (e *Engine) Estimate() *Estimate {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.est
}

// MeanSquareError is the mean squared reprojection error in pixels² of the
// latest published pass, 0 before the first pass.
func (e *Engine) MeanSquareError() float64 {
	return e.Estimate().MSE
}

// Camera returns a copy of camera id's current estimate.
func (e *Engine) Camera(id CameraID) (Camera, bool) {
	return e.Estimate().Camera(id)
}

// Frame returns keyframe id's current estimate.
func (e *Engine) Frame(id FrameID) (Frame, bool) {
	return e.Estimate().Frame(id)
}

func (e *Engine) NumCameras() int { return len(e.Estimate().Cameras) }
func (e *Engine) NumFrames() int  { return len(e.Estimate().Frames) }

func (e *Engine) NumObservations() int {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	return len(e.observations)
}

// Observations returns a copy of the observation log.
func (e *Engine) Observations() []Observation {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	return append([]Observation(nil), e.observations...)
}

// LastError is the error of the most recent failed pass, cleared by the
// next published pass.
func (e *Engine) LastError() error {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.lastErr
}

// State reports whether the background worker is running.
func (e *Engine) State() State {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return Running
	}
	return Idle
}

// Start launches the background refinement worker. It is a no-op when the
// worker is already running.
func (e *Engine) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.doneCh = make(chan struct{})
	e.running = true
	go e.run(ctx, e.doneCh)
}

// Stop cancels the in-flight pass, discarding its unpublished result, and
// waits for the worker to exit. Observations are kept. It is safe to call
// multiple times.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.cancel()
	done := e.doneCh
	e.running = false
	e.runMu.Unlock()

	<-done
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	e.logf("refinement started: max %d iterations per pass", e.passMaxIterations)
	for {
		ran, err := e.pass(ctx, false)
		if ctx.Err() != nil {
			e.logf("refinement stopped")
			return
		}
		if ran && err == nil {
			continue
		}
		timer := e.clock.NewTimer(e.idleInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logf("refinement stopped")
			return
		case <-timer.C():
		}
	}
}

// RunPasses runs n passes synchronously on the calling goroutine. It fails
// with ErrRunning while the background worker is active and returns the
// first pass error.
func (e *Engine) RunPasses(ctx context.Context, n int) error {
	if e.State() == Running {
		return ErrRunning
	}
	for i := 0; i < n; i++ {
		if _, err := e.pass(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// pass snapshots the state, optimizes and publishes. Unless forced, it skips
// when nothing arrived since a converged pass.
func (e *Engine) pass(ctx context.Context, force bool) (bool, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.ingestMu.Lock()
	obs := e.observations[:len(e.observations):len(e.observations)]
	e.stateMu.RLock()
	snap := e.est
	e.stateMu.RUnlock()
	e.ingestMu.Unlock()

	if len(obs) == 0 {
		return false, nil
	}
	if !force && len(obs) == e.lastPassObs && e.lastConverged {
		return false, nil
	}

	start := e.clock.Now()
	prob := &Problem{
		Cameras:       snap.Cameras,
		Frames:        snap.Frames,
		Observations:  obs,
		MaxIterations: e.passMaxIterations,
		Tolerance:     e.passTolerance,
	}
	sol, err := e.optimizer.Optimize(ctx, prob)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil && (len(sol.Cameras) != len(snap.Cameras) || len(sol.Frames) != len(snap.Frames)) {
		err = fmt.Errorf("optimizer returned %d cameras and %d frames for %d and %d",
			len(sol.Cameras), len(sol.Frames), len(snap.Cameras), len(snap.Frames))
	}
	stats := PassStats{
		Pass:         snap.Passes + 1,
		Observations: len(obs),
		Cameras:      len(snap.Cameras),
		Frames:       len(snap.Frames),
		Duration:     e.clock.Since(start),
	}
	if err != nil {
		e.stateMu.Lock()
		if e.lastErr == nil || e.lastErr.Error() != err.Error() {
			e.logf("pass failed: %v", err)
		}
		e.lastErr = err
		e.stateMu.Unlock()
		stats.Err = err
		e.notify(stats)
		return true, err
	}

	e.stateMu.Lock()
	cur := e.est
	next := &Estimate{
		Cameras:      make([]Camera, len(cur.Cameras)),
		Frames:       make([]Frame, len(cur.Frames)),
		MSE:          sol.MSE,
		Passes:       cur.Passes + 1,
		Observations: len(obs),
		PublishedAt:  e.clock.Now(),
	}
	for i := range cur.Cameras {
		// Cameras added or reseeded mid-pass keep their newer values.
		if i < len(snap.Cameras) && cur.Cameras[i].rev == snap.Cameras[i].rev {
			c := sol.Cameras[i].clone()
			c.rev = cur.Cameras[i].rev
			next.Cameras[i] = c
		} else {
			next.Cameras[i] = cur.Cameras[i]
		}
	}
	if len(next.Cameras) > 0 {
		next.Cameras[ReferenceCamera].Extrinsic = geom.Identity()
	}
	for i := range cur.Frames {
		if i < len(snap.Frames) {
			next.Frames[i] = sol.Frames[i]
		} else {
			next.Frames[i] = cur.Frames[i]
		}
	}
	e.est = next.seal()
	e.lastErr = nil
	e.stateMu.Unlock()

	e.lastPassObs = len(obs)
	e.lastConverged = sol.Converged
	stats.InitialMSE = sol.InitialMSE
	stats.MSE = sol.MSE
	stats.Iterations = sol.Iterations
	stats.Converged = sol.Converged
	e.notify(stats)
	return true, nil
}

func (e *Engine) notify(stats PassStats) {
	if e.onPass != nil {
		e.onPass(stats)
	}
}

// Residuals evaluates every observation against the latest estimate.
func (e *Engine) Residuals() []Residual {
	obs := e.Observations()
	est := e.Estimate()
	out := make([]Residual, 0, len(obs))
	for _, o := range obs {
		r := residual(est.Cameras[o.Camera], est.Frames[o.Frame], o)
		out = append(out, Residual{Observation: o, Error: r2.Point{X: r[0], Y: r[1]}})
	}
	return out
}
