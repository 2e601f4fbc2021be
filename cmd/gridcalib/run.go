package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"path/filepath"

	"github.com/banshee-data/gridcalib/internal/calib"
	"github.com/banshee-data/gridcalib/internal/calibdb"
	"github.com/banshee-data/gridcalib/internal/camera"
	"github.com/banshee-data/gridcalib/internal/config"
	"github.com/banshee-data/gridcalib/internal/conic"
	"github.com/banshee-data/gridcalib/internal/fsutil"
	"github.com/banshee-data/gridcalib/internal/geom"
	"github.com/banshee-data/gridcalib/internal/imagesrc"
	"github.com/banshee-data/gridcalib/internal/monitor"
	"github.com/banshee-data/gridcalib/internal/monitoring"
	"github.com/banshee-data/gridcalib/internal/session"
	"github.com/banshee-data/gridcalib/internal/synth"
	"github.com/banshee-data/gridcalib/internal/target"
)

const (
	simWidth, simHeight = 640, 480
	// simFocalGuess is the starting focal length in simulate mode when none
	// is given; the rendered cameras sit around 700px.
	simFocalGuess = 660
	historySize   = 512
)

// Options is the parsed command line.
type Options struct {
	TuningPath    string
	CameraDirs    []string
	Simulate      int
	SimulateTicks int
	Model         string
	Focal         float64
	DBPath        string
	OutPath       string
	ResidualsPath string
	Listen        string
	AddFrames     bool
	MaxTicks      int
	FinalPasses   int
	Description   string
	Verbose       bool
	Logger        *log.Logger
}

// Validate checks the flag combination.
func (o Options) Validate() error {
	switch {
	case o.Simulate > 0 && len(o.CameraDirs) > 0:
		return errors.New("-simulate and -cams are mutually exclusive")
	case o.Simulate <= 0 && len(o.CameraDirs) == 0:
		return errors.New("either -cams or -simulate is required")
	case o.Simulate > 0 && o.SimulateTicks < 1:
		return errors.New("-simulate-ticks must be positive")
	case o.Focal < 0:
		return errors.New("-focal must not be negative")
	case o.FinalPasses < 0:
		return errors.New("-passes must not be negative")
	}
	if _, err := camera.ModelByName(o.Model); err != nil {
		return err
	}
	return nil
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// simulatedRig returns n cameras with slightly different intrinsics spread
// along the rig's x axis. Camera 0 is the reference.
func simulatedRig(model camera.Model, n int) []imagesrc.SyntheticCamera {
	out := make([]imagesrc.SyntheticCamera, n)
	for i := range out {
		f := float64(i)
		params := camera.DefaultParams(model, simWidth, simHeight)
		params[0], params[1] = 700+4*f, 698+3*f
		params[2], params[3] = params[2]+3*f, params[3]-2*f
		switch model.(type) {
		case camera.Fov:
			params[4] = 0.45
		case camera.Poly2:
			params[4], params[5] = -0.12, 0.03
		}
		ext := geom.Identity()
		if i > 0 {
			ext = geom.PoseFromParams([]float64{0, 0.04 * f, 0, -0.03 * f, 0, 0})
		}
		out[i] = imagesrc.SyntheticCamera{Model: model, Params: params, Width: simWidth, Height: simHeight, Extrinsic: ext}
	}
	return out
}

// registerCameras adds one camera per image of the first tick, sized from
// the image and starting from the model's default intrinsics.
func registerCameras(e *calib.Engine, model camera.Model, focal float64, tick []*image.Gray) error {
	for i, img := range tick {
		b := img.Bounds()
		params := camera.DefaultParams(model, b.Dx(), b.Dy())
		if focal > 0 {
			params[0], params[1] = focal, focal
		}
		id := e.AddCamera(calib.Camera{Model: model, Params: params, Width: b.Dx(), Height: b.Dy(), Extrinsic: geom.Identity()})
		if id != calib.CameraID(i) {
			return fmt.Errorf("register camera %d: engine returned %d", i, id)
		}
	}
	return nil
}

func run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	monitoring.SetVerbose(opts.Verbose)

	tuning, err := loadTuning(opts.TuningPath)
	if err != nil {
		return err
	}
	g, err := target.NewFromTuning(tuning)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}
	model, err := camera.ModelByName(opts.Model)
	if err != nil {
		return err
	}

	var (
		src   imagesrc.Source
		truth []imagesrc.SyntheticCamera
		focal = opts.Focal
	)
	if opts.Simulate > 0 {
		truth = simulatedRig(model, opts.Simulate)
		src = imagesrc.NewSynthetic(g, truth, synth.Orbit(g, opts.SimulateTicks, 0.45, 0.4))
		if focal == 0 {
			focal = simFocalGuess
		}
		logger.Printf("simulating %d %s cameras over %d rig poses", opts.Simulate, model.Name(), opts.SimulateTicks)
	} else {
		seq, err := imagesrc.NewFileSequence(fsutil.OSFileSystem{}, opts.CameraDirs...)
		if err != nil {
			return err
		}
		logger.Printf("reading %d ticks from %d camera directories", seq.Len(), seq.Cameras())
		src = seq
	}

	var store *calibdb.Store
	if opts.DBPath != "" {
		store, err = calibdb.Open(opts.DBPath, calibdb.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer store.Close()
		if _, err := store.StartSession(opts.Description, g); err != nil {
			return err
		}
	}

	history := monitor.NewPassHistory(historySize)
	ecfg := calib.EngineConfigFromTuning(g, tuning)
	ecfg.Logger = logger
	ecfg.OnPass = func(ps calib.PassStats) {
		history.Record(ps)
		if store != nil {
			if err := store.RecordPass(ps); err != nil {
				logger.Printf("record pass %d: %v", ps.Pass, err)
			}
		}
	}
	engine := calib.NewEngine(ecfg)
	engine.SetAddFrames(opts.AddFrames)

	var ws *monitor.WebServer
	if opts.Listen != "" {
		ws = monitor.NewWebServer(monitor.WebServerConfig{Address: opts.Listen, Engine: engine, History: history, Logger: logger})
		srvCtx, cancel := context.WithCancel(context.Background())
		srvDone := make(chan error, 1)
		go func() { srvDone <- ws.Start(srvCtx) }()
		defer func() {
			cancel()
			if err := <-srvDone; err != nil {
				logger.Printf("monitor: %v", err)
			}
		}()
	}

	scfg := session.ConfigFromTuning(tuning)
	scfg.Logger = logger
	sess := session.New(engine, g, scfg)
	blobParams := imagesrc.ParamsFromTuning(tuning)

	engine.Start()
	ticks, err := ingest(ctx, opts, src, engine, sess, store, ws, blobParams, model, focal, logger)
	engine.Stop()
	if err != nil {
		return err
	}
	logger.Printf("stream ended after %d ticks: %d frames, %d observations", ticks, engine.NumFrames(), engine.NumObservations())

	// The final passes run even after an interrupt so the written models
	// reflect every observation collected.
	if err := engine.RunPasses(context.Background(), opts.FinalPasses); err != nil {
		logger.Printf("final refinement: %v", err)
	}
	logSummary(logger, engine.Summary())
	if truth != nil {
		logTruth(logger, engine, truth)
	}

	if opts.OutPath != "" {
		if err := engine.WriteCameraModels(calib.NewJSONWriter(opts.OutPath)); err != nil {
			return err
		}
		logger.Printf("wrote %d camera models to %s", engine.NumCameras(), opts.OutPath)
	}
	if opts.ResidualsPath != "" {
		switch err := writeResiduals(opts.ResidualsPath, engine.Residuals()); {
		case errors.Is(err, monitor.ErrNoResiduals):
			logger.Printf("no residuals to plot")
		case err != nil:
			return err
		default:
			logger.Printf("wrote residual histogram to %s", opts.ResidualsPath)
		}
	}
	if store != nil {
		if err := engine.WriteCameraModels(store); err != nil {
			return err
		}
	}
	return nil
}

func writeResiduals(path string, res []calib.Residual) error {
	var buf bytes.Buffer
	if err := monitor.WriteResidualHistogram(&buf, res); err != nil {
		return fmt.Errorf("residual histogram: %w", err)
	}
	fsys := fsutil.OSFileSystem{}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(fsys, path, buf.Bytes(), 0o644)
}

// ingest feeds ticks to the session until the stream ends, the tick limit is
// reached or ctx is cancelled. It returns the number of processed ticks.
func ingest(ctx context.Context, opts Options, src imagesrc.Source, engine *calib.Engine, sess *session.Session,
	store *calibdb.Store, ws *monitor.WebServer, blobParams imagesrc.Params, model camera.Model, focal float64, logger *log.Logger) (int, error) {
	ticks, recorded := 0, 0
	for opts.MaxTicks <= 0 || ticks < opts.MaxTicks {
		imgs, err := src.Grab(ctx)
		if errors.Is(err, imagesrc.ErrEndOfStream) {
			break
		}
		if ctx.Err() != nil {
			logger.Printf("interrupted after %d ticks", ticks)
			break
		}
		if err != nil {
			return ticks, fmt.Errorf("grab tick %d: %w", ticks+1, err)
		}
		if ticks == 0 {
			if err := registerCameras(engine, model, focal, imgs); err != nil {
				return ticks, err
			}
		}

		blobs := make([][]conic.Blob, len(imgs))
		for i, img := range imgs {
			blobs[i] = imagesrc.ExtractBlobs(img, blobParams)
		}
		tr, err := sess.ProcessTick(ctx, blobs)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return ticks, fmt.Errorf("tick %d: %w", ticks+1, err)
		}
		ticks++
		if ws != nil {
			ws.RecordTick(tr)
		}
		if store != nil {
			obs := engine.Observations()
			if err := store.RecordObservations(obs[recorded:]); err != nil {
				logger.Printf("record observations: %v", err)
			} else {
				recorded = len(obs)
			}
		}
		logTick(logger, tr)
	}
	return ticks, nil
}

func logTick(logger *log.Logger, tr session.TickResult) {
	tracked := 0
	for _, c := range tr.Cameras {
		if c.Tracked() {
			tracked++
		}
	}
	if tr.FrameAdded {
		logger.Printf("tick %d: %d/%d cameras tracked, frame %d seeded by camera %d, %d observations",
			tr.Tick, tracked, len(tr.Cameras), tr.Frame, tr.SeedCamera, tr.Observations)
		return
	}
	monitoring.Debugf("tick %d: %d/%d cameras tracked, no frame added", tr.Tick, tracked, len(tr.Cameras))
}

func logSummary(logger *log.Logger, s calib.Summary) {
	logger.Printf("calibration: %d passes, %d observations, MSE %.4f px²", s.Passes, s.Observations, s.MSE)
	for _, c := range s.Cameras {
		logger.Printf("  camera %d: %d observations, rms %.3f px, mean %.3f, stddev %.3f, max %.3f",
			c.Camera, c.Observations, c.RMS, c.Mean, c.StdDev, c.Max)
	}
}

// logTruth compares the estimate with the simulated rig.
func logTruth(logger *log.Logger, e *calib.Engine, truth []imagesrc.SyntheticCamera) {
	for i, want := range truth {
		got, ok := e.Camera(calib.CameraID(i))
		if !ok {
			continue
		}
		worst := 0.0
		for k := range want.Params {
			if k < len(got.Params) {
				worst = math.Max(worst, math.Abs(got.Params[k]-want.Params[k]))
			}
		}
		logger.Printf("  camera %d vs truth: max param error %.4f, rotation error %.5f rad, translation error %.5f",
			i, worst, geom.RotationAngle(got.Extrinsic, want.Extrinsic), got.Extrinsic.T.Sub(want.Extrinsic.T).Norm())
	}
}
