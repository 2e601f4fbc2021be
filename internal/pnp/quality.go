package pnp

import "math"

// Quality grades a pose by its reprojection RMS.
type Quality string

const (
	// QualityExcellent indicates RMS < 0.3px - sub-pixel detections agree
	QualityExcellent Quality = "excellent"
	// QualityGood indicates RMS 0.3-1.0px - usable for calibration
	QualityGood Quality = "good"
	// QualityFair indicates RMS 1.0-2.0px - blur or mild mismatches
	QualityFair Quality = "fair"
	// QualityPoor indicates RMS > 2.0px - the frame should not seed a keyframe
	QualityPoor Quality = "poor"
	// QualityUnknown indicates RMS not computed (NaN or negative)
	QualityUnknown Quality = "unknown"
)

// Reprojection RMS thresholds (pixels)
const (
	RMSThresholdExcellent = 0.3
	RMSThresholdGood      = 1.0
	RMSThresholdFair      = 2.0
)

// Grade returns the quality tier for an RMS reprojection error in pixels.
func Grade(rms float64) Quality {
	switch {
	case rms < 0 || math.IsNaN(rms):
		return QualityUnknown
	case rms < RMSThresholdExcellent:
		return QualityExcellent
	case rms < RMSThresholdGood:
		return QualityGood
	case rms < RMSThresholdFair:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Quality grades the result.
func (r Result) Quality() Quality { return Grade(r.RMS) }

// UsableForSeeding reports whether a pose is good enough to seed a keyframe.
func (q Quality) UsableForSeeding() bool {
	return q == QualityExcellent || q == QualityGood || q == QualityFair
}

func (q Quality) String() string { return string(q) }
