package monitor

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/gridcalib/internal/calib"
	"github.com/banshee-data/gridcalib/internal/httputil"
)

// ErrNoResiduals is returned when there is nothing to plot.
var ErrNoResiduals = errors.New("no residuals to plot")

const histogramBins = 40

// WriteResidualHistogram renders a PNG histogram of reprojection error
// magnitudes, one series over all cameras.
func WriteResidualHistogram(w io.Writer, residuals []calib.Residual) error {
	if len(residuals) == 0 {
		return ErrNoResiduals
	}
	values := make(plotter.Values, len(residuals))
	for i, r := range residuals {
		values[i] = r.Error.Norm()
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Reprojection error (%d observations)", len(residuals))
	p.X.Label.Text = "error (px)"
	p.Y.Label.Text = "count"

	hist, err := plotter.NewHist(values, histogramBins)
	if err != nil {
		return fmt.Errorf("histogram: %w", err)
	}
	hist.LineStyle.Width = vg.Points(0.5)
	p.Add(hist)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write plot: %w", err)
	}
	return nil
}

func (ws *WebServer) handleResidualHistogram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	residuals := ws.engine.Residuals()
	if len(residuals) == 0 {
		httputil.NotFound(w, ErrNoResiduals.Error())
		return
	}
	httputil.WriteRendered(w, "image/png", func(out io.Writer) error {
		return WriteResidualHistogram(out, residuals)
	})
}
