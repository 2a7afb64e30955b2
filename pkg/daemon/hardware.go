package daemon

import (
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/charlie0129/vitals/pkg/actuator"
	"github.com/charlie0129/vitals/pkg/calibration"
	"github.com/charlie0129/vitals/pkg/config"
	"github.com/charlie0129/vitals/pkg/hx710b"
)

// openHardware registers the host drivers and opens the cuff lines. The
// actuator is left in the safe state.
func openHardware(pins config.Pins) (*hx710b.Transducer, *actuator.Controller, error) {
	state, err := host.Init()
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "failed to initialize host drivers")
	}
	for _, d := range state.Loaded {
		logrus.WithField("driver", d.String()).Debug("host driver loaded")
	}

	clk, err := lookupPin(pins.Clock)
	if err != nil {
		return nil, nil, err
	}
	data, err := lookupPin(pins.Data)
	if err != nil {
		return nil, nil, err
	}
	// The persisted calibration is applied by the monitor.
	transducer, err := hx710b.New(clk, data, calibration.DefaultParams(), hx710b.Options{})
	if err != nil {
		return nil, nil, err
	}

	enable, err := lookupPin(pins.MotorEnable)
	if err != nil {
		return nil, nil, err
	}
	valve, err := lookupPin(pins.Valve)
	if err != nil {
		return nil, nil, err
	}
	var direction gpio.PinOut
	if pins.MotorDirection != "" {
		p, err := lookupPin(pins.MotorDirection)
		if err != nil {
			return nil, nil, err
		}
		direction = p
	}

	cfg := actuator.DefaultConfig()
	if !pins.ValveClosedHigh {
		cfg.ValveClosedLevel = gpio.Low
	}
	act, err := actuator.New(enable, direction, valve, cfg)
	if err != nil {
		return nil, nil, err
	}

	logrus.WithFields(logrus.Fields{
		"clock":          pins.Clock,
		"data":           pins.Data,
		"motorEnable":    pins.MotorEnable,
		"motorDirection": pins.MotorDirection,
		"valve":          pins.Valve,
	}).Info("cuff hardware opened")

	return transducer, act, nil
}

func lookupPin(name string) (gpio.PinIO, error) {
	if name == "" {
		return nil, pkgerrors.New("pin name must not be empty")
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, pkgerrors.Errorf("gpio pin %s not found", name)
	}
	return p, nil
}
