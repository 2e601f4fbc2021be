// Package monitor serves the live calibration status and debug charts over
// HTTP.
package monitor

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/gridcalib/internal/calib"
	"github.com/banshee-data/gridcalib/internal/httputil"
	"github.com/banshee-data/gridcalib/internal/session"
	"github.com/banshee-data/gridcalib/internal/version"
)

// WebServer exposes an engine, its pass history and the latest session tick.
type WebServer struct {
	address string
	engine  *calib.Engine
	history *PassHistory
	logger  *log.Logger
	server  *http.Server
	started time.Time

	ticks tickHolder
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address string
	Engine  *calib.Engine
	// History is optional; without it the convergence chart is empty.
	History *PassHistory
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address: config.Address,
		engine:  config.Engine,
		history: config.History,
		logger:  config.Logger,
		started: time.Now(),
	}
	if ws.history == nil {
		ws.history = NewPassHistory(1)
	}
	if ws.logger == nil {
		ws.logger = log.Default()
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// RecordTick publishes the latest tick to the status and detection views.
func (ws *WebServer) RecordTick(tr session.TickResult) {
	ws.ticks.set(tr)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		ws.logger.Printf("[monitor] listening on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		ws.logger.Printf("[monitor] shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			ws.logger.Printf("[monitor] force close error: %v", err)
		}
	}
	ws.logger.Printf("[monitor] stopped")
	return nil
}

// Handler returns the route table.
func (ws *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/frames", ws.handleFrames)
	mux.HandleFunc("/api/summary", ws.handleSummary)
	mux.HandleFunc("/api/cameras", ws.handleCameras)
	mux.HandleFunc("/debug/convergence", ws.handleConvergenceChart)
	mux.HandleFunc("/debug/detections", ws.handleDetectionScatter)
	mux.HandleFunc("/debug/residuals.png", ws.handleResidualHistogram)
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "ok",
		"version": version.String(),
		"uptime":  time.Since(ws.started).Round(time.Second).String(),
	})
}

// Status is the /api/status payload.
type Status struct {
	State        string      `json:"state"`
	AddFrames    bool        `json:"add_frames"`
	Passes       int         `json:"passes"`
	MSE          float64     `json:"mse"`
	Cameras      int         `json:"cameras"`
	Frames       int         `json:"frames"`
	Observations int         `json:"observations"`
	LastError    string      `json:"last_error,omitempty"`
	Tick         *TickStatus `json:"tick,omitempty"`
}

// TickStatus summarises the latest session tick.
type TickStatus struct {
	Tick         int            `json:"tick"`
	Time         time.Time      `json:"time"`
	FrameAdded   bool           `json:"frame_added"`
	Frame        int            `json:"frame"`
	SeedCamera   int            `json:"seed_camera"`
	Observations int            `json:"observations"`
	Cameras      []CameraStatus `json:"cameras"`
}

// CameraStatus is one camera's detection result for a tick.
type CameraStatus struct {
	Camera        int     `json:"camera"`
	Conics        int     `json:"conics"`
	Matched       int     `json:"matched"`
	Tracked       bool    `json:"tracked"`
	LowConfidence bool    `json:"low_confidence"`
	PoseRMS       float64 `json:"pose_rms_px"`
	PoseQuality   string  `json:"pose_quality,omitempty"`
	PoseError     string  `json:"pose_error,omitempty"`
}

func tickStatus(tr session.TickResult) *TickStatus {
	ts := &TickStatus{
		Tick:         tr.Tick,
		Time:         tr.Time,
		FrameAdded:   tr.FrameAdded,
		Frame:        int(tr.Frame),
		SeedCamera:   int(tr.SeedCamera),
		Observations: tr.Observations,
		Cameras:      make([]CameraStatus, len(tr.Cameras)),
	}
	for i, c := range tr.Cameras {
		cs := CameraStatus{
			Camera:        int(c.Camera),
			Conics:        len(c.Conics),
			Matched:       len(c.Decode.Map),
			Tracked:       c.Tracked(),
			LowConfidence: c.Decode.LowConfidence,
		}
		if c.PoseErr != nil {
			cs.PoseError = c.PoseErr.Error()
		} else if c.Tracked() {
			cs.PoseRMS = c.Pose.RMS
			cs.PoseQuality = string(c.Pose.Quality())
		}
		ts.Cameras[i] = cs
	}
	return ts
}

func (ws *WebServer) status() Status {
	est := ws.engine.Estimate()
	st := Status{
		State:        ws.engine.State().String(),
		AddFrames:    ws.engine.AddFramesEnabled(),
		Passes:       est.Passes,
		MSE:          est.MSE,
		Cameras:      len(est.Cameras),
		Frames:       len(est.Frames),
		Observations: ws.engine.NumObservations(),
	}
	if err := ws.engine.LastError(); err != nil {
		st.LastError = err.Error()
	}
	if tr, ok := ws.ticks.get(); ok {
		st.Tick = tickStatus(tr)
	}
	return st
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.status())
}

// handleFrames toggles whether new ticks add keyframes.
// Query params:
//   - enabled (required; true or false)
func (ws *WebServer) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	on, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		httputil.BadRequest(w, "enabled must be true or false")
		return
	}
	ws.engine.SetAddFrames(on)
	ws.logger.Printf("[monitor] add frames set to %v", on)
	httputil.WriteJSONOK(w, map[string]bool{"add_frames": on})
}

func (ws *WebServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.engine.Summary())
}

func (ws *WebServer) handleCameras(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"cameras": ws.engine.CameraModels()})
}
