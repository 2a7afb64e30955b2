// Package cycle runs one inflate, hold and controlled-deflate sequence of
// the blood pressure cuff and analyzes the collected pressure series.
package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/charlie0129/vitals/pkg/oscillometry"
	"github.com/charlie0129/vitals/pkg/types"
)

// Phase is the state of a cycle. Phases only move forward:
// Idle, Inflating, Holding, Deflating, then Complete or Aborted. Aborted can
// follow any active phase.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseInflating Phase = "Inflating"
	PhaseHolding   Phase = "Holding"
	PhaseDeflating Phase = "Deflating"
	PhaseComplete  Phase = "Complete"
	PhaseAborted   Phase = "Aborted"
)

// Terminal reports whether p ends a cycle.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseAborted
}

// Active reports whether the cuff may be pressurized in p.
func (p Phase) Active() bool {
	return p == PhaseInflating || p == PhaseHolding || p == PhaseDeflating
}

// ErrCycleInProgress is returned by Run while another Run is executing.
var ErrCycleInProgress = pkgerrors.New("a cuff cycle is already in progress")

// Transducer produces calibrated pressure readings.
type Transducer interface {
	ReadPressure(ctx context.Context, samples int) (types.PressureReading, error)
}

// Actuator drives the motor and the valve.
type Actuator interface {
	Inflate(power int) error
	StopMotor() error
	OpenValve() error
	CloseValve() error
	Stop() error
}

// Status is a snapshot of a cycle.
type Status struct {
	Phase       Phase                  `json:"phase"`
	LastReading *types.PressureReading `json:"lastReading,omitempty"`
	StartedAt   time.Time              `json:"startedAt,omitempty"`
	Samples     int                    `json:"samples"`
}

// PhaseHook is called synchronously on every phase change.
type PhaseHook func(from, to Phase)

// Option configures a Cycle.
type Option func(*Cycle)

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Cycle) {
		c.clock = clk
	}
}

// WithPhaseHook registers a phase-change hook.
func WithPhaseHook(h PhaseHook) Option {
	return func(c *Cycle) {
		c.onPhase = h
	}
}

// WithDetector replaces the default oscillometric detector.
func WithDetector(d oscillometry.Detector) Option {
	return func(c *Cycle) {
		c.detector = d
	}
}

// Cycle owns the transducer and the actuator while it runs. It can be run
// repeatedly but never concurrently.
type Cycle struct {
	transducer Transducer
	actuator   Actuator
	settings   Settings
	clock      clock.Clock
	detector   oscillometry.Detector
	onPhase    PhaseHook

	runMu sync.Mutex

	mu        sync.RWMutex
	phase     Phase
	startedAt time.Time
	last      *types.PressureReading
	series    []types.PressureReading
}

// New returns an idle Cycle.
func New(t Transducer, a Actuator, s Settings, opts ...Option) (*Cycle, error) {
	if t == nil || a == nil {
		return nil, pkgerrors.New("transducer and actuator are required")
	}
	if err := s.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid cycle settings")
	}

	c := &Cycle{
		transducer: t,
		actuator:   a,
		settings:   s,
		clock:      clock.New(),
		phase:      PhaseIdle,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Cycle) Settings() Settings {
	return c.settings
}

// Status is safe to call while Run executes.
func (c *Cycle) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Phase:     c.phase,
		StartedAt: c.startedAt,
		Samples:   len(c.series),
	}
	if c.last != nil {
		r := *c.last
		st.LastReading = &r
	}
	return st
}

// Series returns a copy of the readings collected by the current or last run.
func (c *Cycle) Series() []types.PressureReading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]types.PressureReading(nil), c.series...)
}

// outcome is how the active phases ended.
type outcome struct {
	phase  Phase
	reason string
}

// Run executes one cycle. The returned result is never nil: undetected
// pressures are nil and Reason explains a degraded run. The error is non-nil
// only when the cycle was canceled, an actuator write failed or the cycle
// could not start. The valve is open and the motor stopped when Run returns.
func (c *Cycle) Run(ctx context.Context) (*types.MeasurementResult, error) {
	if !c.runMu.TryLock() {
		return &types.MeasurementResult{
			ID:        uuid.NewString(),
			Timestamp: c.clock.Now(),
			Phase:     string(PhaseAborted),
			Reason:    ErrCycleInProgress.Error(),
		}, ErrCycleInProgress
	}
	defer c.runMu.Unlock()

	id := uuid.NewString()
	c.mu.Lock()
	c.phase = PhaseIdle
	c.startedAt = c.clock.Now()
	c.last = nil
	c.series = nil
	c.mu.Unlock()

	logger := logrus.WithField("cycle", id)
	logger.WithFields(c.settings.LogrusFields()).Info("starting cuff cycle")

	out, err := c.execute(ctx, logger)

	res := c.analyze(out, logger)
	res.ID = id
	res.Timestamp = c.clock.Now()

	logger.WithFields(logrus.Fields{
		"phase":         res.Phase,
		"reason":        res.Reason,
		"samples":       res.Samples,
		"bloodPressure": res.BloodPressure(),
	}).Info("cuff cycle finished")

	return res, err
}

// execute runs the active phases. The deferred release runs on every exit,
// including panics, before the terminal phase is published.
func (c *Cycle) execute(ctx context.Context, logger *logrus.Entry) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("cuff cycle panicked")
			out = outcome{phase: PhaseAborted, reason: fmt.Sprintf("panic: %v", r)}
			err = multierr.Append(err, pkgerrors.Errorf("cuff cycle panicked: %v", r))
		}

		if relErr := c.release(); relErr != nil {
			logger.WithError(relErr).Error("failed to release cuff")
			err = multierr.Append(err, relErr)
			if out.phase != PhaseAborted {
				out = outcome{phase: PhaseAborted, reason: "failed to release cuff"}
			}
		}

		c.setPhase(out.phase)
	}()

	out, err = c.inflate(ctx, logger)
	if out.phase == PhaseAborted {
		return out, err
	}
	degraded := out.reason

	out, err = c.hold(ctx, logger)
	if out.phase == PhaseAborted {
		return out, err
	}

	out, err = c.deflate(ctx, logger)
	if out.reason == "" {
		out.reason = degraded
	}
	return out, err
}

// release forces the safe state: motor stopped, valve open.
func (c *Cycle) release() error {
	return multierr.Append(c.actuator.Stop(), c.actuator.OpenValve())
}

func (c *Cycle) inflate(ctx context.Context, logger *logrus.Entry) (outcome, error) {
	s := c.settings
	c.setPhase(PhaseInflating)

	if err := c.actuator.CloseValve(); err != nil {
		return c.fault("close valve", err)
	}
	if err := c.sleep(ctx, s.ValveSettle); err != nil {
		return c.canceled(err)
	}

	for i := 0; i < s.WarmupReadings; i++ {
		if _, err := c.transducer.ReadPressure(ctx, s.SamplesPerReading); err != nil && ctx.Err() != nil {
			return c.canceled(ctx.Err())
		}
		if err := c.sleep(ctx, s.ReadPause); err != nil {
			return c.canceled(err)
		}
	}

	defer func() {
		if err := c.actuator.StopMotor(); err != nil {
			logger.WithError(err).Warn("failed to stop motor after inflation")
		}
	}()

	if !s.PulsedInflation {
		if err := c.actuator.Inflate(s.InflatePower); err != nil {
			return c.fault("inflate", err)
		}
	}

	deadline := c.clock.Now().Add(s.InflateTimeout)
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return c.canceled(err)
		}
		if !c.clock.Now().Before(deadline) {
			logger.WithField("timeout", s.InflateTimeout).Warn("target pressure not reached before timeout")
			return outcome{phase: PhaseHolding, reason: fmt.Sprintf("target pressure not reached within %s", s.InflateTimeout)}, nil
		}

		if s.PulsedInflation {
			if err := c.actuator.Inflate(s.InflatePower); err != nil {
				return c.fault("inflate", err)
			}
			if err := c.sleep(ctx, s.MotorPulse); err != nil {
				return c.canceled(err)
			}
			if err := c.actuator.StopMotor(); err != nil {
				return c.fault("stop motor", err)
			}
		}
		if err := c.sleep(ctx, s.ReadPause); err != nil {
			return c.canceled(err)
		}

		r, err := c.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.canceled(ctx.Err())
			}
			failures++
			if failures >= s.MaxConsecutiveFailures {
				return outcome{phase: PhaseAborted, reason: fmt.Sprintf("%d consecutive failed readings while inflating", failures)}, nil
			}
			continue
		}
		failures = 0

		switch {
		case r.Pressure > s.Ceiling:
			logger.WithField("pressure", r.Pressure).Warn("safety ceiling exceeded while inflating")
			return outcome{phase: PhaseHolding, reason: fmt.Sprintf("safety ceiling of %.0f mmHg exceeded", s.Ceiling)}, nil
		case r.Pressure >= s.Target:
			logger.WithField("pressure", r.Pressure).Debug("target pressure reached")
			return outcome{phase: PhaseHolding}, nil
		}
	}
}

func (c *Cycle) hold(ctx context.Context, logger *logrus.Entry) (outcome, error) {
	s := c.settings
	c.setPhase(PhaseHolding)

	start := c.clock.Now()
	failures := 0
	for c.clock.Now().Sub(start) < s.HoldDuration {
		if err := ctx.Err(); err != nil {
			return c.canceled(err)
		}

		r, err := c.read(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return c.canceled(ctx.Err())
		case err != nil:
			failures++
			if failures >= s.MaxConsecutiveFailures {
				return outcome{phase: PhaseAborted, reason: fmt.Sprintf("%d consecutive failed readings while holding", failures)}, nil
			}
		case r.Pressure < s.Target-s.HoldBand:
			failures = 0
			if err := c.actuator.Inflate(s.InflatePower); err != nil {
				return c.fault("inflate", err)
			}
			if err := c.sleep(ctx, s.HoldMotorPulse); err != nil {
				return c.canceled(err)
			}
			if err := c.actuator.StopMotor(); err != nil {
				return c.fault("stop motor", err)
			}
		case r.Pressure > s.Target+s.HoldBand:
			failures = 0
			if err := c.actuator.OpenValve(); err != nil {
				return c.fault("open valve", err)
			}
			if err := c.sleep(ctx, s.HoldValvePulse); err != nil {
				return c.canceled(err)
			}
			if err := c.actuator.CloseValve(); err != nil {
				return c.fault("close valve", err)
			}
		default:
			failures = 0
		}

		if err := c.sleep(ctx, s.HoldPoll); err != nil {
			return c.canceled(err)
		}
	}

	if err := c.actuator.StopMotor(); err != nil {
		return c.fault("stop motor", err)
	}
	if err := c.actuator.CloseValve(); err != nil {
		return c.fault("close valve", err)
	}

	logger.Debug("hold finished")
	return outcome{phase: PhaseDeflating}, nil
}

func (c *Cycle) deflate(ctx context.Context, logger *logrus.Entry) (outcome, error) {
	s := c.settings
	c.setPhase(PhaseDeflating)

	deadline := c.clock.Now().Add(s.DeflateTimeout)
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return c.canceled(err)
		}
		if !c.clock.Now().Before(deadline) {
			logger.WithField("timeout", s.DeflateTimeout).Warn("deflation did not reach the floor before timeout")
			return outcome{phase: PhaseAborted, reason: fmt.Sprintf("deflation did not reach %.0f mmHg within %s", s.DeflateFloor, s.DeflateTimeout)}, nil
		}

		if err := c.actuator.OpenValve(); err != nil {
			return c.fault("open valve", err)
		}
		if err := c.sleep(ctx, s.DeflateOpenPulse); err != nil {
			return c.canceled(err)
		}
		if err := c.actuator.CloseValve(); err != nil {
			return c.fault("close valve", err)
		}
		if err := c.sleep(ctx, s.DeflateClosedInterval); err != nil {
			return c.canceled(err)
		}

		r, err := c.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.canceled(ctx.Err())
			}
			failures++
			if failures >= s.MaxConsecutiveFailures {
				return outcome{phase: PhaseComplete, reason: fmt.Sprintf("deflation ended after %d consecutive failed readings", failures)}, nil
			}
			continue
		}
		failures = 0

		if r.Pressure < s.DeflateFloor {
			logger.WithField("pressure", r.Pressure).Debug("deflation floor reached")
			return outcome{phase: PhaseComplete}, nil
		}
	}
}

// read takes one reading and appends it to the series. Failed reads are
// logged and skipped.
func (c *Cycle) read(ctx context.Context) (types.PressureReading, error) {
	r, err := c.transducer.ReadPressure(ctx, c.settings.SamplesPerReading)
	if err != nil {
		logrus.WithError(err).Debug("no pressure sample this tick")
		return r, err
	}

	c.mu.Lock()
	c.series = append(c.series, r)
	c.last = &r
	c.mu.Unlock()

	logrus.WithField("pressure", r.Pressure).Trace("pressure reading")
	return r, nil
}

func (c *Cycle) analyze(out outcome, logger *logrus.Entry) *types.MeasurementResult {
	series := c.Series()
	res := &types.MeasurementResult{
		Phase:   string(out.phase),
		Reason:  out.reason,
		Samples: len(series),
	}

	det, err := c.detector.Detect(series)
	if err != nil {
		logger.WithError(err).Warn("oscillometric detection failed")
		if res.Reason == "" {
			res.Reason = err.Error()
		}
	}
	res.Systolic = det.Primary.Systolic
	res.Diastolic = det.Primary.Diastolic
	res.Thresholds = det.ByThreshold

	return res
}

func (c *Cycle) setPhase(p Phase) {
	c.mu.Lock()
	from := c.phase
	c.phase = p
	c.mu.Unlock()

	if from == p {
		return
	}
	logrus.WithFields(logrus.Fields{
		"from": from,
		"to":   p,
	}).Debug("cuff cycle phase changed")
	if c.onPhase != nil {
		c.onPhase(from, p)
	}
}

func (c *Cycle) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		c.clock.Sleep(d)
	}
	return ctx.Err()
}

func (c *Cycle) canceled(err error) (outcome, error) {
	return outcome{phase: PhaseAborted, reason: "canceled"}, err
}

func (c *Cycle) fault(op string, err error) (outcome, error) {
	return outcome{phase: PhaseAborted, reason: fmt.Sprintf("actuator fault during %s", op)}, pkgerrors.Wrapf(err, "failed to %s", op)
}
