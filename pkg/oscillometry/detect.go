// Package oscillometry estimates systolic and diastolic pressure from the
// cuff pressure series of one deflation.
//
// The series is smoothed with a trailing moving average and the absolute
// differences between successive smoothed values are treated as the
// oscillation amplitude envelope. Systolic is the first point before the
// envelope maximum whose amplitude exceeds a fraction of the maximum;
// diastolic is the first point from the maximum on whose amplitude falls
// below it.
package oscillometry

import (
	"math"

	"github.com/montanaflynn/stats"
	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/vitals/pkg/types"
	"github.com/charlie0129/vitals/pkg/utils/ptr"
)

const (
	// MinSamples is the shortest series that is analyzed.
	MinSamples = 10
	// DefaultWindow is the moving average window.
	DefaultWindow = 5
	// PrimaryFraction selects the reported threshold.
	PrimaryFraction = 0.5
)

// DefaultFractions are the amplitude threshold fractions swept by Detect.
var DefaultFractions = []float64{0.4, 0.5, 0.6}

// Result holds the primary estimate and the intermediate values it was
// derived from.
type Result struct {
	Primary     types.ThresholdEstimate   `json:"primary"`
	ByThreshold []types.ThresholdEstimate `json:"byThreshold"`
	Smoothed    []float64                 `json:"smoothed"`
	Amplitudes  []float64                 `json:"amplitudes"`
	// MaxIndex is the index into Amplitudes of the largest amplitude.
	MaxIndex int `json:"maxIndex"`
}

// Detector is a configurable detector. The zero value uses the defaults.
type Detector struct {
	Window    int
	Fractions []float64
	Primary   float64
}

// Detect runs the default Detector.
func Detect(series []types.PressureReading) (Result, error) {
	return Detector{}.Detect(series)
}

// Detect estimates the pressures of series. A series shorter than MinSamples
// yields an empty result and an error wrapping types.ErrInsufficientData.
// A side that cannot be found is left nil.
func (d Detector) Detect(series []types.PressureReading) (Result, error) {
	d = d.withDefaults()

	if len(series) < MinSamples {
		return Result{Primary: types.ThresholdEstimate{Fraction: d.Primary}},
			pkgerrors.Wrapf(types.ErrInsufficientData, "need at least %d readings, got %d", MinSamples, len(series))
	}

	smoothed := MovingAverage(types.Pressures(series), d.Window)
	amps := Amplitudes(smoothed)

	maxIdx := 0
	for i, a := range amps {
		if a > amps[maxIdx] {
			maxIdx = i
		}
	}

	res := Result{
		Smoothed:   smoothed,
		Amplitudes: amps,
		MaxIndex:   maxIdx,
	}
	for _, f := range d.Fractions {
		res.ByThreshold = append(res.ByThreshold, estimate(smoothed, amps, maxIdx, f))
	}
	res.Primary = estimate(smoothed, amps, maxIdx, d.Primary)

	return res, nil
}

func (d Detector) withDefaults() Detector {
	if d.Window <= 0 {
		d.Window = DefaultWindow
	}
	if len(d.Fractions) == 0 {
		d.Fractions = DefaultFractions
	}
	if d.Primary <= 0 {
		d.Primary = PrimaryFraction
	}
	return d
}

// estimate scans both sides of the envelope maximum at one threshold.
// amps[i] is the step from smoothed[i] to smoothed[i+1], so the maximum
// step ends at smoothed[maxIdx+1] and the diastolic scan starts there.
func estimate(smoothed, amps []float64, maxIdx int, fraction float64) types.ThresholdEstimate {
	thr := amps[maxIdx] * fraction
	split := maxIdx + 1

	est := types.ThresholdEstimate{Fraction: fraction}
	for i := 1; i < split && i < len(amps); i++ {
		if amps[i] > thr {
			est.Systolic = ptr.To(smoothed[i])
			break
		}
	}
	for i := split; i < len(amps); i++ {
		if amps[i] < thr {
			est.Diastolic = ptr.To(smoothed[i])
			break
		}
	}

	// The side of the maximum does not decide attribution: the higher
	// pressure is systolic.
	if est.Systolic != nil && est.Diastolic != nil && *est.Systolic < *est.Diastolic {
		est.Systolic, est.Diastolic = est.Diastolic, est.Systolic
	}
	return est
}

// MovingAverage smooths values with a trailing window. The first window-1
// outputs average the values seen so far.
func MovingAverage(values []float64, window int) []float64 {
	if window <= 0 {
		window = 1
	}
	ret := make([]float64, len(values))
	for i := range values {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		mean, err := stats.Mean(values[start : i+1])
		if err != nil {
			mean = values[i]
		}
		ret[i] = mean
	}
	return ret
}

// Amplitudes returns |values[i+1] - values[i]| for each successive pair.
func Amplitudes(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	ret := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		ret[i-1] = math.Abs(values[i] - values[i-1])
	}
	return ret
}
