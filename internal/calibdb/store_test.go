package calibdb

import (
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/gridcalib/internal/calib"
	"github.com/banshee-data/gridcalib/internal/target"
	"github.com/banshee-data/gridcalib/internal/timeutil"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(testEpoch)
	s, err := Open(filepath.Join(t.TempDir(), "calib.db"), Options{
		Logger: log.New(io.Discard, "", 0),
		Clock:  clock,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func testGrid(t *testing.T) *target.GridDot {
	t.Helper()
	g, err := target.New(9, 6, 0.02, 7)
	if err != nil {
		t.Fatalf("target.New: %v", err)
	}
	return g
}

func TestOpenMigratesToLatest(t *testing.T) {
	s, _ := openTestStore(t)
	version, dirty, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("schema version = %d dirty=%v, want 2 clean", version, dirty)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calib.db")
	opts := Options{Logger: log.New(io.Discard, "", 0)}
	s, err := Open(path, opts)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s.StartSession("first", testGrid(t)); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	s.Close()

	s, err = Open(path, opts)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s.Close()
	sessions, err := s.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Description != "first" {
		t.Errorf("sessions after reopen = %+v", sessions)
	}
}

func TestWritesRequireSession(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.RecordObservations([]calib.Observation{{}}); !errors.Is(err, ErrNoSession) {
		t.Errorf("RecordObservations err = %v, want ErrNoSession", err)
	}
	if err := s.RecordPass(calib.PassStats{}); !errors.Is(err, ErrNoSession) {
		t.Errorf("RecordPass err = %v, want ErrNoSession", err)
	}
	if err := s.WriteCameraModels(nil); !errors.Is(err, ErrNoSession) {
		t.Errorf("WriteCameraModels err = %v, want ErrNoSession", err)
	}
}

func TestStartSession(t *testing.T) {
	s, clock := openTestStore(t)
	g := testGrid(t)
	first, err := s.StartSession("bench", g)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := s.StartSession("rig", g)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if first == second {
		t.Fatalf("session ids collide: %s", first)
	}
	if s.SessionID() != second {
		t.Errorf("SessionID = %s, want %s", s.SessionID(), second)
	}

	sessions, err := s.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	want := []Session{
		{ID: second, Description: "rig", GridCols: 9, GridRows: 6, GridSpacing: 0.02, GridSeed: 7, StartedAt: testEpoch.Add(time.Minute)},
		{ID: first, Description: "bench", GridCols: 9, GridRows: 6, GridSpacing: 0.02, GridSeed: 7, StartedAt: testEpoch},
	}
	if diff := cmp.Diff(want, sessions, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("Sessions mismatch (-want +got):\n%s", diff)
	}
}

func TestObservationsRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	id, err := s.StartSession("", testGrid(t))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	obs := []calib.Observation{
		{Frame: 0, Camera: 0, Point: r3.Vector{X: 0.02, Y: 0.04}, Pixel: r2.Point{X: 101.5, Y: 88.25}},
		{Frame: 0, Camera: 1, Point: r3.Vector{X: 0.02, Y: 0.04}, Pixel: r2.Point{X: 311, Y: 92.75}},
		{Frame: 1, Camera: 0, Point: r3.Vector{X: 0.16, Y: 0.1}, Pixel: r2.Point{X: 402.125, Y: 260}},
	}
	if err := s.RecordObservations(obs[:2]); err != nil {
		t.Fatalf("RecordObservations: %v", err)
	}
	if err := s.RecordObservations(obs[2:]); err != nil {
		t.Fatalf("RecordObservations: %v", err)
	}
	if err := s.RecordObservations(nil); err != nil {
		t.Fatalf("RecordObservations(nil): %v", err)
	}

	got, err := s.Observations(id)
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if diff := cmp.Diff(obs, got); diff != "" {
		t.Errorf("observations mismatch (-want +got):\n%s", diff)
	}

	other, err := s.Observations("missing")
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("unknown session returned %d observations", len(other))
	}
}

func TestConvergence(t *testing.T) {
	s, clock := openTestStore(t)
	id, err := s.StartSession("", testGrid(t))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	passes := []calib.PassStats{
		{Pass: 1, Observations: 120, InitialMSE: 42, MSE: 3.5, Iterations: 10, Duration: 8 * time.Millisecond},
		{Pass: 2, Observations: 240, InitialMSE: 3.5, MSE: 3.5, Err: errors.New("singular normal equations")},
		{Pass: 2, Observations: 240, InitialMSE: 3.5, MSE: 0.02, Iterations: 4, Converged: true, Duration: 3 * time.Millisecond},
	}
	for _, p := range passes {
		if err := s.RecordPass(p); err != nil {
			t.Fatalf("RecordPass: %v", err)
		}
		clock.Advance(time.Second)
	}

	got, err := s.Convergence(id)
	if err != nil {
		t.Fatalf("Convergence: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(Convergence) = %d, want 3", len(got))
	}
	if got[0].MSE != 3.5 || got[0].Duration != 8*time.Millisecond || got[0].Error != "" {
		t.Errorf("first pass = %+v", got[0])
	}
	if got[1].Error != "singular normal equations" || got[1].Converged {
		t.Errorf("failed pass = %+v", got[1])
	}
	if !got[2].Converged || got[2].Iterations != 4 {
		t.Errorf("last pass = %+v", got[2])
	}
	if !got[2].RecordedAt.Equal(testEpoch.Add(2 * time.Second)) {
		t.Errorf("RecordedAt = %v", got[2].RecordedAt)
	}
}

func TestCameraModelsUpsert(t *testing.T) {
	s, _ := openTestStore(t)
	id, err := s.StartSession("", testGrid(t))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	var _ calib.ModelWriter = s

	identity := [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	models := []calib.CameraModel{
		{ID: 1, Model: "pinhole", ParamNames: []string{"fx", "fy", "cx", "cy"}, Params: []float64{690, 688, 318, 244},
			Width: 640, Height: 480, RigToCamera: identity, RMS: 0.4, Observations: 300},
		{ID: 0, Model: "fov", ParamNames: []string{"fx", "fy", "cx", "cy", "w"}, Params: []float64{700, 705, 322, 238, 0.45},
			Width: 640, Height: 480, RigToCamera: identity, RMS: 0.3, Observations: 310},
	}
	if err := s.WriteCameraModels(models); err != nil {
		t.Fatalf("WriteCameraModels: %v", err)
	}
	models[0].Params = []float64{691, 689, 319, 243}
	models[0].RMS = 0.2
	if err := s.WriteCameraModels(models[:1]); err != nil {
		t.Fatalf("WriteCameraModels update: %v", err)
	}

	got, err := s.CameraModels(id)
	if err != nil {
		t.Fatalf("CameraModels: %v", err)
	}
	want := []calib.CameraModel{models[1], models[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("camera models mismatch (-want +got):\n%s", diff)
	}
}
