package calib

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// CameraSummary aggregates reprojection error for one camera.
type CameraSummary struct {
	Camera       CameraID
	Observations int
	// RMS, Mean, StdDev and Max are over per-observation pixel distances.
	RMS    float64
	Mean   float64
	StdDev float64
	Max    float64
}

// Summary aggregates reprojection error over the whole observation log.
type Summary struct {
	Passes       int
	Observations int
	MSE          float64
	Cameras      []CameraSummary
}

// Summary evaluates the observation log against the latest estimate.
func (e *Engine) Summary() Summary {
	res := e.Residuals()
	est := e.Estimate()
	s := Summary{
		Passes:       est.Passes,
		Observations: len(res),
		MSE:          est.MSE,
		Cameras:      make([]CameraSummary, len(est.Cameras)),
	}
	dists := make([][]float64, len(est.Cameras))
	for _, r := range res {
		dists[r.Camera] = append(dists[r.Camera], r.Error.Norm())
	}
	for i, d := range dists {
		cs := CameraSummary{Camera: CameraID(i), Observations: len(d)}
		if len(d) > 0 {
			sq := 0.0
			for _, v := range d {
				sq += v * v
				cs.Max = math.Max(cs.Max, v)
			}
			cs.RMS = math.Sqrt(sq / float64(len(d)))
			cs.Mean, cs.StdDev = stat.MeanStdDev(d, nil)
			if len(d) == 1 {
				cs.StdDev = 0
			}
		}
		s.Cameras[i] = cs
	}
	return s
}
