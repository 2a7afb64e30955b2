// Package actuator drives the cuff motor and the release valve.
//
// The controller enforces the sequencing the hardware cannot: the valve is
// closed before the motor starts, and the motor is stopped before the valve
// opens. All writes are synchronous pin writes.
package actuator

import (
	"fmt"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/charlie0129/vitals/pkg/types"
)

// DefaultPWMFrequency is used for motor speed control when the enable pin
// supports PWM.
const DefaultPWMFrequency = 1 * physic.KiloHertz

// ErrInvalidPower is returned for a power outside 0..100.
var ErrInvalidPower = pkgerrors.New("power must be within 0..100")

// Fault is a failed pin write. It matches types.ErrActuatorFault.
type Fault struct {
	Op  string
	Pin string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("actuator %s: pin %s: %v", f.Op, f.Pin, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func (f *Fault) Is(target error) bool {
	return target == types.ErrActuatorFault
}

// Config describes the wiring.
type Config struct {
	// PWMFrequency of the motor enable line. Zero uses DefaultPWMFrequency.
	PWMFrequency physic.Frequency
	// ValveClosedLevel is the level that closes the valve. A normally-open
	// valve closes when energized, so the zero value (Low) is rarely what
	// you want; use DefaultConfig.
	ValveClosedLevel gpio.Level
}

// DefaultConfig matches a normally-open valve and a PWM-capable driver.
func DefaultConfig() Config {
	return Config{
		PWMFrequency:     DefaultPWMFrequency,
		ValveClosedLevel: gpio.High,
	}
}

// Controller owns the motor and valve lines.
type Controller struct {
	mu sync.Mutex

	enable    gpio.PinOut
	direction gpio.PinOut
	valve     gpio.PinOut
	cfg       Config

	power     int
	valveOpen bool
	noPWM     bool
}

// New returns a Controller and drives the lines to the safe state. direction
// is optional.
func New(enable, direction, valve gpio.PinOut, cfg Config) (*Controller, error) {
	if enable == nil || valve == nil {
		return nil, pkgerrors.New("motor enable and valve pins are required")
	}
	if cfg.PWMFrequency <= 0 {
		cfg.PWMFrequency = DefaultPWMFrequency
	}

	c := &Controller{
		enable:    enable,
		direction: direction,
		valve:     valve,
		cfg:       cfg,
	}
	if err := c.Stop(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to drive actuator to the safe state")
	}
	return c, nil
}

// Inflate closes the valve and runs the motor at power percent. Zero power
// stops the motor and leaves the valve closed.
func (c *Controller) Inflate(power int) error {
	if power < 0 || power > 100 {
		return ErrInvalidPower
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.closeValve(); err != nil {
		return err
	}
	if power == 0 {
		return c.stopMotor()
	}
	if c.direction != nil {
		if err := c.write("inflate", c.direction, gpio.High); err != nil {
			return err
		}
	}
	if err := c.drive(power); err != nil {
		return err
	}

	logrus.WithField("power", power).Trace("motor running")
	return nil
}

// Deflate stops the motor and then releases air. The valve is binary, so
// any positive power opens it fully and zero closes it.
func (c *Controller) Deflate(power int) error {
	if power < 0 || power > 100 {
		return ErrInvalidPower
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.stopMotor(); err != nil {
		return err
	}
	if power == 0 {
		return c.closeValve()
	}
	return c.openValve()
}

// OpenValve stops the motor if it is running and opens the valve.
func (c *Controller) OpenValve() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.power > 0 {
		if err := c.stopMotor(); err != nil {
			return err
		}
	}
	return c.openValve()
}

func (c *Controller) CloseValve() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeValve()
}

// StopMotor stops the motor without touching the valve.
func (c *Controller) StopMotor() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopMotor()
}

// Stop forces the motor off and the valve open regardless of the last
// commanded state. Every write is attempted even if an earlier one fails.
// It is safe to call repeatedly.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.stopMotor()
	if c.direction != nil {
		err = multierr.Append(err, c.write("stop", c.direction, gpio.Low))
	}
	err = multierr.Append(err, c.openValve())

	if err != nil {
		logrus.WithError(err).Error("actuator did not reach the safe state")
	} else {
		logrus.Trace("actuator stopped, valve open")
	}
	return err
}

// Power returns the last commanded motor power.
func (c *Controller) Power() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.power
}

// ValveOpen reports whether the valve was last commanded open.
func (c *Controller) ValveOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valveOpen
}

func (c *Controller) drive(power int) error {
	if power < 100 && !c.noPWM {
		duty := gpio.Duty(power) * gpio.DutyMax / 100
		err := c.enable.PWM(duty, c.cfg.PWMFrequency)
		if err == nil {
			c.power = power
			return nil
		}
		logrus.WithError(err).WithField("pin", c.enable.String()).Warn("PWM not available on motor enable pin, falling back to on/off")
		c.noPWM = true
	}
	if err := c.write("inflate", c.enable, gpio.High); err != nil {
		return err
	}
	c.power = power
	return nil
}

// stopMotor keeps the previous power on failure, so the motor is still
// considered running.
func (c *Controller) stopMotor() error {
	if err := c.write("stop motor", c.enable, gpio.Low); err != nil {
		return err
	}
	c.power = 0
	return nil
}

func (c *Controller) openValve() error {
	if err := c.write("open valve", c.valve, !c.cfg.ValveClosedLevel); err != nil {
		return err
	}
	c.valveOpen = true
	return nil
}

func (c *Controller) closeValve() error {
	if err := c.write("close valve", c.valve, c.cfg.ValveClosedLevel); err != nil {
		return err
	}
	c.valveOpen = false
	return nil
}

func (c *Controller) write(op string, p gpio.PinOut, l gpio.Level) error {
	logrus.WithFields(logrus.Fields{
		"op":    op,
		"pin":   p.String(),
		"level": l,
	}).Trace("writing pin")

	if err := p.Out(l); err != nil {
		return &Fault{Op: op, Pin: p.String(), Err: err}
	}
	return nil
}
