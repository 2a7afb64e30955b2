package calibration

import (
	"context"
	"time"

	"github.com/montanaflynn/stats"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/vitals/pkg/types"
)

const (
	// DefaultOffsetSamples is the number of raw reads averaged for the offset.
	DefaultOffsetSamples = 20
	// DefaultScaleSamples is the number of raw reads averaged for the scale.
	DefaultScaleSamples = 10
)

// SampleInterval is the pause between raw reads of a procedure.
var SampleInterval = 100 * time.Millisecond

// RawReader produces uncalibrated transducer counts.
type RawReader interface {
	ReadRaw(ctx context.Context) (int32, error)
}

// CalibrateOffset averages raw reads taken with the cuff at atmospheric
// pressure. The caller is responsible for confirming that with the operator.
func CalibrateOffset(ctx context.Context, r RawReader, samples int) (float64, error) {
	if samples <= 0 {
		samples = DefaultOffsetSamples
	}

	mean, n, err := averageRaw(ctx, r, samples)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "offset calibration failed")
	}

	logrus.WithFields(logrus.Fields{
		"offset":  mean,
		"samples": n,
	}).Info("offset calibrated")

	return mean, nil
}

// CalibrateScale derives counts per mmHg from raw reads taken while a known
// pressure is applied to the sensor.
func CalibrateScale(ctx context.Context, r RawReader, offset, knownPressure float64, samples int) (float64, error) {
	if knownPressure == 0 {
		return 0, pkgerrors.New("known pressure must not be zero")
	}
	if samples <= 0 {
		samples = DefaultScaleSamples
	}

	mean, n, err := averageRaw(ctx, r, samples)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "scale calibration failed")
	}

	scale := (mean - offset) / knownPressure
	if scale <= 0 {
		return 0, pkgerrors.Errorf("computed scale %v is not positive, check the offset and applied pressure", scale)
	}

	logrus.WithFields(logrus.Fields{
		"scale":         scale,
		"knownPressure": knownPressure,
		"samples":       n,
	}).Info("scale calibrated")

	return scale, nil
}

func averageRaw(ctx context.Context, r RawReader, samples int) (float64, int, error) {
	raws := make(stats.Float64Data, 0, samples)
	for i := 0; i < samples; i++ {
		raw, err := r.ReadRaw(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, 0, ctxErr
			}
			logrus.WithError(err).Debug("skipping failed raw read during calibration")
		} else {
			raws = append(raws, float64(raw))
		}

		if i < samples-1 {
			select {
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			case <-time.After(SampleInterval):
			}
		}
	}

	if len(raws) == 0 {
		return 0, 0, pkgerrors.Wrapf(types.ErrInsufficientData, "no valid raw reads out of %d", samples)
	}

	mean, err := raws.Mean()
	if err != nil {
		return 0, 0, err
	}
	return mean, len(raws), nil
}
