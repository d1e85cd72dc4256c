package anomaly

import (
	"math"
)

// Detector flags large swings between a candidate reading and the meter's
// prior reading. Flags are advisory only; they never block approval.
type Detector struct {
	deltaThresholdPercent float64
}

// NewDetector creates a new anomaly detector with the specified threshold
func NewDetector(deltaThresholdPercent float64) *Detector {
	return &Detector{
		deltaThresholdPercent: deltaThresholdPercent,
	}
}

// Evaluate computes the percentage change from prev to curr. The delta is
// defined only when a prior reading exists, prev is a finite positive number
// and curr is finite; otherwise ok is false and no flag is raised.
func (d *Detector) Evaluate(curr float64, prev float64, hasPrev bool) (deltaPercent float64, flagged bool, ok bool) {
	if !hasPrev {
		return 0, false, false
	}
	if math.IsNaN(prev) || math.IsInf(prev, 0) || prev <= 0 {
		return 0, false, false
	}
	if math.IsNaN(curr) || math.IsInf(curr, 0) {
		return 0, false, false
	}

	deltaPercent = (curr - prev) / prev * 100
	flagged = math.Abs(deltaPercent) >= d.deltaThresholdPercent
	return deltaPercent, flagged, true
}
