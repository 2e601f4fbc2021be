package monitor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r2"

	"github.com/banshee-data/gridcalib/internal/calib"
	"github.com/banshee-data/gridcalib/internal/camera"
	"github.com/banshee-data/gridcalib/internal/conic"
	"github.com/banshee-data/gridcalib/internal/geom"
	"github.com/banshee-data/gridcalib/internal/grid"
	"github.com/banshee-data/gridcalib/internal/pnp"
	"github.com/banshee-data/gridcalib/internal/session"
	"github.com/banshee-data/gridcalib/internal/synth"
	"github.com/banshee-data/gridcalib/internal/target"
	"github.com/banshee-data/gridcalib/internal/testutil"
)

var quiet = log.New(io.Discard, "", 0)

// newTestEngine returns an engine holding one pinhole camera, one keyframe
// and exact observations of every visible cell.
func newTestEngine(t *testing.T) *calib.Engine {
	t.Helper()
	g := target.MustNew(19, 10, 0.254/18, 71)
	e := calib.NewEngine(calib.EngineConfig{Target: g, Logger: quiet})
	cam := calib.Camera{Model: camera.Pinhole{}, Params: []float64{700, 700, 320, 240}, Width: 640, Height: 480, Extrinsic: geom.Identity()}
	if id := e.AddCamera(cam); id != 0 {
		t.Fatalf("AddCamera = %d", id)
	}
	pose := synth.Orbit(g, 1, 0.45, 0)[0]
	frame, ok := e.AddFrame(pose)
	if !ok {
		t.Fatal("AddFrame rejected")
	}
	for _, c := range g.Coords() {
		p := g.Point3D(c)
		px, ok := cam.Projector().Project(pose.Apply(p))
		if !ok {
			continue
		}
		e.AddObservation(frame, 0, p, px)
	}
	if e.NumObservations() == 0 {
		t.Fatal("no observations")
	}
	return e
}

func newTestServer(t *testing.T) (*WebServer, *calib.Engine, *PassHistory) {
	t.Helper()
	e := newTestEngine(t)
	h := NewPassHistory(8)
	return NewWebServer(WebServerConfig{Address: "127.0.0.1:0", Engine: e, History: h, Logger: quiet}), e, h
}

func testTick() session.TickResult {
	conics := []conic.Conic{
		{Center: r2.Point{X: 100, Y: 120}, BBox: image.Rect(96, 116, 104, 124)},
		{Center: r2.Point{X: 130, Y: 121}, BBox: image.Rect(124, 115, 136, 127)},
		{Center: r2.Point{X: 400, Y: 30}, BBox: image.Rect(398, 28, 402, 32)},
	}
	return session.TickResult{
		Tick:       3,
		Time:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SeedCamera: 0,
		Frame:      0,
		FrameAdded: true,
		Cameras: []session.CameraResult{{
			Camera: 0,
			Conics: conics,
			Decode: grid.Result{
				TrackingGood: true,
				Map:          grid.CorrespondenceMap{0: {Col: 4, Row: 2}, 1: {Col: 5, Row: 2}},
				Values:       []int{grid.ValueSmall, grid.ValueLarge, grid.ValueUnknown},
			},
			Pose:         pnp.Result{RMS: 0.25},
			Observations: 2,
		}},
		Observations: 2,
	}
}

func TestHealth(t *testing.T) {
	ws, _, _ := newTestServer(t)
	rec := testutil.Serve(t, ws.Handler(), http.MethodGet, "/health")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got map[string]string
	testutil.DecodeJSON(t, rec, &got)
	if got["status"] != "ok" {
		t.Errorf("status = %q, want ok", got["status"])
	}
}

func TestStatus(t *testing.T) {
	ws, e, _ := newTestServer(t)
	if err := e.RunPasses(context.Background(), 1); err != nil {
		t.Fatalf("RunPasses: %v", err)
	}

	rec := testutil.Serve(t, ws.Handler(), http.MethodGet, "/api/status")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var st Status
	testutil.DecodeJSON(t, rec, &st)
	if st.State != "idle" || !st.AddFrames || st.Passes != 1 || st.Cameras != 1 || st.Frames != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.Observations != e.NumObservations() {
		t.Errorf("observations = %d, want %d", st.Observations, e.NumObservations())
	}
	if st.Tick != nil {
		t.Errorf("tick reported before any was recorded: %+v", st.Tick)
	}

	ws.RecordTick(testTick())
	rec = testutil.Serve(t, ws.Handler(), http.MethodGet, "/api/status")
	st = Status{}
	testutil.DecodeJSON(t, rec, &st)
	if st.Tick == nil || st.Tick.Tick != 3 || len(st.Tick.Cameras) != 1 {
		t.Fatalf("tick = %+v", st.Tick)
	}
	cs := st.Tick.Cameras[0]
	if cs.Conics != 3 || cs.Matched != 2 || !cs.Tracked || cs.PoseRMS != 0.25 || cs.PoseQuality != string(pnp.QualityExcellent) {
		t.Errorf("camera status = %+v", cs)
	}
}

func TestFramesToggle(t *testing.T) {
	ws, e, _ := newTestServer(t)
	h := ws.Handler()

	rec := testutil.Serve(t, h, http.MethodPost, "/api/frames?enabled=false")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	if e.AddFramesEnabled() {
		t.Error("add frames still enabled")
	}

	rec = testutil.Serve(t, h, http.MethodPost, "/api/frames?enabled=maybe")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = testutil.Serve(t, h, http.MethodGet, "/api/frames?enabled=true")
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
	if e.AddFramesEnabled() {
		t.Error("GET changed the gate")
	}
}

func TestReadEndpointsRejectPost(t *testing.T) {
	ws, _, _ := newTestServer(t)
	for _, path := range []string{"/health", "/api/status", "/api/summary", "/api/cameras", "/debug/convergence", "/debug/detections", "/debug/residuals.png"} {
		rec := testutil.Serve(t, ws.Handler(), http.MethodPost, path)
		testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestSummaryAndCameras(t *testing.T) {
	ws, e, _ := newTestServer(t)
	h := ws.Handler()

	rec := testutil.Serve(t, h, http.MethodGet, "/api/summary")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var sum calib.Summary
	testutil.DecodeJSON(t, rec, &sum)
	if sum.Observations != e.NumObservations() || len(sum.Cameras) != 1 {
		t.Errorf("summary = %+v", sum)
	}

	rec = testutil.Serve(t, h, http.MethodGet, "/api/cameras")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var models struct {
		Cameras []calib.CameraModel `json:"cameras"`
	}
	testutil.DecodeJSON(t, rec, &models)
	if len(models.Cameras) != 1 || models.Cameras[0].Model != "pinhole" || len(models.Cameras[0].Params) != 4 {
		t.Errorf("cameras = %+v", models.Cameras)
	}
}

func TestConvergenceChart(t *testing.T) {
	ws, _, h := newTestServer(t)
	h.Record(calib.PassStats{Pass: 1, InitialMSE: 12, MSE: 0.5})
	h.Record(calib.PassStats{Pass: 2, InitialMSE: 0.5, MSE: 0.5, Err: errors.New("diverged")})
	h.Record(calib.PassStats{Pass: 2, InitialMSE: 0.5, MSE: 0.01})

	rec := testutil.Serve(t, ws.Handler(), http.MethodGet, "/debug/convergence")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	testutil.AssertContentType(t, rec, "text/html")
	if !strings.Contains(rec.Body.String(), "Calibration Convergence") {
		t.Error("chart page missing title")
	}
}

func TestDetectionScatter(t *testing.T) {
	ws, _, _ := newTestServer(t)
	h := ws.Handler()

	rec := testutil.Serve(t, h, http.MethodGet, "/debug/detections")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	ws.RecordTick(testTick())
	rec = testutil.Serve(t, h, http.MethodGet, "/debug/detections?camera=0")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	testutil.AssertContentType(t, rec, "text/html")

	rec = testutil.Serve(t, h, http.MethodGet, "/debug/detections?camera=4")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
	rec = testutil.Serve(t, h, http.MethodGet, "/debug/detections?camera=x")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestResidualHistogram(t *testing.T) {
	ws, e, _ := newTestServer(t)
	if err := e.RunPasses(context.Background(), 1); err != nil {
		t.Fatalf("RunPasses: %v", err)
	}
	rec := testutil.Serve(t, ws.Handler(), http.MethodGet, "/debug/residuals.png")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	testutil.AssertContentType(t, rec, "image/png")
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
}

func TestResidualHistogramEmpty(t *testing.T) {
	if err := WriteResidualHistogram(io.Discard, nil); !errors.Is(err, ErrNoResiduals) {
		t.Errorf("err = %v, want ErrNoResiduals", err)
	}
	e := calib.NewEngine(calib.EngineConfig{Target: target.MustNew(5, 5, 1, 3), Logger: quiet})
	ws := NewWebServer(WebServerConfig{Engine: e, Logger: quiet})
	rec := testutil.Serve(t, ws.Handler(), http.MethodGet, "/debug/residuals.png")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestStartStopsOnCancel(t *testing.T) {
	ws, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
