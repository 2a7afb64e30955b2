// Package hx710b reads a HX710B-style 24-bit pressure ADC over a bit-banged
// clock/data pair.
//
// A conversion is ready when the data line goes LOW. The host then clocks 24
// bits out MSB first and sends one extra pulse that selects the input for the
// next conversion. The value is a two's-complement 24-bit integer.
//
// The clock must not stay HIGH for more than 60µs or the chip powers down, so
// bit delays are spun instead of slept. Timing is best-effort: there is no
// real-time guarantee on a general purpose OS.
package hx710b

import (
	"context"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"

	"github.com/charlie0129/vitals/pkg/calibration"
	"github.com/charlie0129/vitals/pkg/types"
)

const (
	frameBits = 24

	// DefaultReadyTimeout bounds the wait for the data-ready signal.
	DefaultReadyTimeout = time.Second
	// DefaultReadyPoll is the interval between data-ready checks.
	DefaultReadyPoll = time.Millisecond
	// DefaultBitDelay is the clock half-period.
	DefaultBitDelay = time.Microsecond
	// DefaultSampleInterval is the pause between raw reads of one reading.
	DefaultSampleInterval = 10 * time.Millisecond
	// DefaultSamples is the number of raw reads averaged into one reading.
	DefaultSamples = 5
)

// Options tunes the protocol timing. Zero values use the defaults.
type Options struct {
	ReadyTimeout   time.Duration
	ReadyPoll      time.Duration
	BitDelay       time.Duration
	SampleInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.ReadyPoll <= 0 {
		o.ReadyPoll = DefaultReadyPoll
	}
	if o.BitDelay <= 0 {
		o.BitDelay = DefaultBitDelay
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = DefaultSampleInterval
	}
	return o
}

// Transducer is a calibrated pressure transducer.
type Transducer struct {
	clock gpio.PinOut
	data  gpio.PinIn
	opts  Options

	// mu keeps bit-level reads strictly sequential.
	mu sync.Mutex

	calMu sync.RWMutex
	cal   calibration.Params
}

// New configures the pins and returns a Transducer using cal.
func New(clock gpio.PinOut, data gpio.PinIn, cal calibration.Params, opts Options) (*Transducer, error) {
	if clock == nil || data == nil {
		return nil, pkgerrors.New("clock and data pins are required")
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	if err := data.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to configure data pin %s", data)
	}
	if err := clock.Out(gpio.Low); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to configure clock pin %s", clock)
	}

	return &Transducer{
		clock: clock,
		data:  data,
		opts:  opts.withDefaults(),
		cal:   cal,
	}, nil
}

// Calibration returns the constants currently applied to readings.
func (t *Transducer) Calibration() calibration.Params {
	t.calMu.RLock()
	defer t.calMu.RUnlock()
	return t.cal
}

// SetCalibration replaces the constants applied to subsequent readings.
func (t *Transducer) SetCalibration(p calibration.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	t.calMu.Lock()
	defer t.calMu.Unlock()
	t.cal = p
	return nil
}

// ReadRaw waits for a conversion and clocks out one signed 24-bit sample.
// It fails with types.ErrTransducerTimeout when the chip never signals ready.
func (t *Transducer) ReadRaw(ctx context.Context) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(t.opts.ReadyTimeout)
	for t.data.Read() == gpio.High {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if time.Now().After(deadline) {
			return 0, pkgerrors.Wrapf(types.ErrTransducerTimeout, "data line %s not ready after %s", t.data, t.opts.ReadyTimeout)
		}
		time.Sleep(t.opts.ReadyPoll)
	}

	var v uint32
	for i := 0; i < frameBits; i++ {
		if err := t.clock.Out(gpio.High); err != nil {
			return 0, pkgerrors.Wrap(err, "failed to raise clock")
		}
		spin(t.opts.BitDelay)
		v <<= 1
		if err := t.clock.Out(gpio.Low); err != nil {
			return 0, pkgerrors.Wrap(err, "failed to lower clock")
		}
		if t.data.Read() == gpio.High {
			v |= 1
		}
		spin(t.opts.BitDelay)
	}

	// Extra pulse: selects the input and rate of the next conversion.
	if err := t.clock.Out(gpio.High); err != nil {
		return 0, pkgerrors.Wrap(err, "failed to raise clock")
	}
	spin(t.opts.BitDelay)
	if err := t.clock.Out(gpio.Low); err != nil {
		return 0, pkgerrors.Wrap(err, "failed to lower clock")
	}

	raw := SignExtend24(v)
	logrus.WithField("raw", raw).Trace("read raw transducer sample")

	return raw, nil
}

// ReadPressure averages up to samples raw reads, skipping failed ones, and
// applies the calibration. It fails with types.ErrInsufficientData when none
// of the reads succeeded.
func (t *Transducer) ReadPressure(ctx context.Context, samples int) (types.PressureReading, error) {
	if samples <= 0 {
		samples = DefaultSamples
	}

	raws := make(stats.Float64Data, 0, samples)
	for i := 0; i < samples; i++ {
		raw, err := t.ReadRaw(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return types.PressureReading{}, ctxErr
			}
			logrus.WithError(err).Debug("skipping failed transducer read")
		} else {
			raws = append(raws, float64(raw))
		}
		if i < samples-1 {
			time.Sleep(t.opts.SampleInterval)
		}
	}

	if len(raws) == 0 {
		return types.PressureReading{}, pkgerrors.Wrapf(types.ErrInsufficientData, "no valid transducer samples out of %d", samples)
	}

	mean, err := raws.Mean()
	if err != nil {
		return types.PressureReading{}, pkgerrors.Wrap(err, "failed to average transducer samples")
	}

	return types.PressureReading{
		Pressure:  t.Calibration().Apply(mean),
		Timestamp: time.Now(),
	}, nil
}

// SignExtend24 interprets the low 24 bits of v as a two's-complement value.
func SignExtend24(v uint32) int32 {
	return int32(v<<8) >> 8
}

func spin(d time.Duration) {
	for start := time.Now(); time.Since(start) < d; {
	}
}
