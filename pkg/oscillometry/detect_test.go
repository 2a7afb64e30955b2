package oscillometry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlie0129/vitals/pkg/types"
)

func readings(values ...float64) []types.PressureReading {
	start := time.Unix(1700000000, 0)
	ret := make([]types.PressureReading, len(values))
	for i, v := range values {
		ret[i] = types.PressureReading{Pressure: v, Timestamp: start.Add(time.Duration(i) * 300 * time.Millisecond)}
	}
	return ret
}

func TestDetect_ShortSeries(t *testing.T) {
	for n := 0; n < MinSamples; n++ {
		values := make([]float64, n)
		for i := range values {
			values[i] = 180 - float64(i)*10
		}
		res, err := Detect(readings(values...))
		assert.ErrorIs(t, err, types.ErrInsufficientData, "n=%d", n)
		assert.Nil(t, res.Primary.Systolic, "n=%d", n)
		assert.Nil(t, res.Primary.Diastolic, "n=%d", n)
	}
}

func TestMovingAverage(t *testing.T) {
	got := MovingAverage([]float64{1, 2, 3, 4, 5, 6}, 5)
	assert.InDeltaSlice(t, []float64{1, 1.5, 2, 2.5, 3, 4}, got, 1e-9)

	assert.Empty(t, MovingAverage(nil, 5))
	assert.Equal(t, []float64{7, 8}, MovingAverage([]float64{7, 8}, 1))
}

func TestAmplitudes(t *testing.T) {
	assert.InDeltaSlice(t, []float64{2, 3, 1}, Amplitudes([]float64{10, 8, 11, 10}), 1e-9)
	assert.Nil(t, Amplitudes([]float64{1}))
}

func TestEstimate_Spike(t *testing.T) {
	smoothed := []float64{200, 199, 197, 194, 190, 180, 176, 173, 171, 170, 169.5}
	amps := Amplitudes(smoothed)
	require.InDeltaSlice(t, []float64{1, 2, 3, 4, 10, 4, 3, 2, 1, 0.5}, amps, 1e-9)

	est := estimate(smoothed, amps, 4, 0.5)
	require.NotNil(t, est.Systolic)
	require.NotNil(t, est.Diastolic)
	// The two smoothed values on either side of the spike.
	assert.Equal(t, 190.0, *est.Systolic)
	assert.Equal(t, 180.0, *est.Diastolic)
}

func TestEstimate_SwapsInvertedPair(t *testing.T) {
	smoothed := []float64{100, 101, 103, 106, 110, 120, 124, 127, 129, 130, 130.5}
	amps := Amplitudes(smoothed)

	est := estimate(smoothed, amps, 4, 0.5)
	require.NotNil(t, est.Systolic)
	require.NotNil(t, est.Diastolic)
	assert.Equal(t, 120.0, *est.Systolic)
	assert.Equal(t, 110.0, *est.Diastolic)
}

func TestEstimate_PartialResult(t *testing.T) {
	// Maximum at the very first step: nothing left of it to scan.
	smoothed := []float64{200, 180, 178, 177, 176, 175, 174, 173, 172, 171, 170}
	amps := Amplitudes(smoothed)

	est := estimate(smoothed, amps, 0, 0.5)
	assert.Nil(t, est.Systolic)
	require.NotNil(t, est.Diastolic)
	assert.Equal(t, 180.0, *est.Diastolic)
}

func TestDetect_FlatSeries(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		values[i] = 120
	}
	res, err := Detect(readings(values...))
	require.NoError(t, err)
	assert.Nil(t, res.Primary.Systolic)
	assert.Nil(t, res.Primary.Diastolic)
}

func TestDetect_DeflationCurve(t *testing.T) {
	// Slow deflation with an oscillation envelope peaking mid-way.
	values := []float64{
		180, 176, 172, 169, 165, 160, 154, 146, 137, 126,
		116, 108, 101, 96, 92, 89, 86, 84, 82, 80,
	}
	res, err := Detect(readings(values...))
	require.NoError(t, err)

	assert.Len(t, res.Smoothed, len(values))
	assert.Len(t, res.Amplitudes, len(values)-1)
	require.Len(t, res.ByThreshold, len(DefaultFractions))
	assert.Equal(t, res.ByThreshold[1], res.Primary)
	assert.Equal(t, PrimaryFraction, res.Primary.Fraction)

	require.NotNil(t, res.Primary.Systolic)
	require.NotNil(t, res.Primary.Diastolic)
	assert.GreaterOrEqual(t, *res.Primary.Systolic, *res.Primary.Diastolic)
	assert.Less(t, *res.Primary.Systolic, 180.0)
	assert.Greater(t, *res.Primary.Diastolic, 80.0)
}

func TestDetect_SystolicNotBelowDiastolic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for n := 0; n < 500; n++ {
		values := make([]float64, MinSamples+rng.Intn(60))
		p := 150 + rng.Float64()*50
		for i := range values {
			p += rng.Float64()*10 - 7
			values[i] = p
		}

		res, err := Detect(readings(values...))
		require.NoError(t, err)
		for _, est := range append(res.ByThreshold, res.Primary) {
			if est.Systolic != nil && est.Diastolic != nil {
				assert.GreaterOrEqual(t, *est.Systolic, *est.Diastolic, "series %v fraction %v", values, est.Fraction)
			}
		}
	}
}

func TestDetector_Custom(t *testing.T) {
	d := Detector{Window: 1, Fractions: []float64{0.5}, Primary: 0.5}
	values := []float64{200, 199, 197, 194, 190, 180, 176, 173, 171, 170, 169.5}

	res, err := d.Detect(readings(values...))
	require.NoError(t, err)
	assert.Equal(t, 4, res.MaxIndex)
	require.NotNil(t, res.Primary.Systolic)
	assert.Equal(t, 190.0, *res.Primary.Systolic)
	assert.Equal(t, 180.0, *res.Primary.Diastolic)
}
