package monitor

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/gridcalib/internal/calib"
	"github.com/banshee-data/gridcalib/internal/grid"
	"github.com/banshee-data/gridcalib/internal/httputil"
	"github.com/banshee-data/gridcalib/internal/session"
)

// ConvergenceChart plots MSE before and after each pass. Failed passes are
// left out.
func ConvergenceChart(passes []calib.PassStats) *charts.Line {
	var x []string
	var initial, final []opts.LineData
	for _, p := range passes {
		if p.Err != nil {
			continue
		}
		x = append(x, strconv.Itoa(p.Pass))
		initial = append(initial, opts.LineData{Value: p.InitialMSE})
		final = append(final, opts.LineData{Value: p.MSE})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Calibration Convergence", Theme: "dark", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{Title: "Reprojection MSE per pass", Subtitle: fmt.Sprintf("passes=%d", len(x))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "pass", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "MSE (px²)", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(x).
		AddSeries("before", initial).
		AddSeries("after", final)
	return line
}

// DetectionScatter plots one camera's conics from a tick, split into
// matched small dots, matched large dots and unmatched conics.
func DetectionScatter(cr session.CameraResult, width, height int) *charts.Scatter {
	var small, large, unmatched []opts.ScatterData
	for i, c := range cr.Conics {
		// Image rows grow downward; negate y so the plot reads like the image.
		pt := opts.ScatterData{Value: []interface{}{c.Center.X, -c.Center.Y}}
		cell, ok := cr.Decode.Map[i]
		switch {
		case !ok:
			unmatched = append(unmatched, pt)
		case i < len(cr.Decode.Values) && cr.Decode.Values[i] == grid.ValueLarge:
			pt.Name = cell.String()
			large = append(large, pt)
		default:
			pt.Name = cell.String()
			small = append(small, pt)
		}
	}

	// Unknown image sizes leave the axes to autoscale.
	var xMax, yMin interface{}
	if width > 0 && height > 0 {
		xMax, yMin = width, -height
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Grid Detections", Theme: "dark", Width: "960px", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Camera %d detections", cr.Camera),
			Subtitle: fmt.Sprintf("conics=%d matched=%d tracked=%v", len(cr.Conics), len(cr.Decode.Map), cr.Tracked()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Max: xMax, Name: "x (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: yMin, Max: 0, Name: "-y (px)", NameLocation: "middle", NameGap: 40}),
	)
	scatter.AddSeries("small", small, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#35b779"}))
	scatter.AddSeries("large", large, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 9}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#fde725"}))
	scatter.AddSeries("unmatched", unmatched, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ff5252"}))
	return scatter
}

func (ws *WebServer) handleConvergenceChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	line := ConvergenceChart(ws.history.Snapshot())
	httputil.WriteRendered(w, "text/html; charset=utf-8", func(out io.Writer) error {
		return line.Render(out)
	})
}

// handleDetectionScatter renders the latest tick's conics for one camera.
// Query params:
//   - camera (optional; defaults to 0)
func (ws *WebServer) handleDetectionScatter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	cam := 0
	if v := r.URL.Query().Get("camera"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "camera must be a non-negative integer")
			return
		}
		cam = n
	}
	tr, ok := ws.ticks.get()
	if !ok {
		httputil.NotFound(w, "no tick processed yet")
		return
	}
	if cam >= len(tr.Cameras) {
		httputil.NotFound(w, fmt.Sprintf("camera %d not in tick", cam))
		return
	}
	width, height := 0, 0
	if c, ok := ws.engine.Camera(calib.CameraID(cam)); ok {
		width, height = c.Width, c.Height
	}
	scatter := DetectionScatter(tr.Cameras[cam], width, height)
	httputil.WriteRendered(w, "text/html; charset=utf-8", func(out io.Writer) error {
		return scatter.Render(out)
	})
}
