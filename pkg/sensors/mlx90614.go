package sensors

import (
	"context"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
)

const (
	// MLX90614Addr is the factory SMBus address.
	MLX90614Addr = 0x5A

	regObjectTemp = 0x07

	// Raw RAM values are in units of 0.02 K.
	kelvinPerCount = 0.02
	kelvinOffset   = 273.15
)

var _ TemperatureSensor = &MLX90614{}

// MLX90614 is an infrared thermometer on an I2C bus.
type MLX90614 struct {
	mu  sync.Mutex
	dev *i2c.Dev
	bus i2c.BusCloser
}

// OpenMLX90614 opens the named bus (empty selects the first one) and
// returns a sensor at addr.
func OpenMLX90614(busName string, addr uint16) (*MLX90614, error) {
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open i2c bus %q", busName)
	}
	s := NewMLX90614(bus, addr)
	s.bus = bus
	return s, nil
}

// NewMLX90614 uses an already open bus. Close does not close it.
func NewMLX90614(bus i2c.Bus, addr uint16) *MLX90614 {
	if addr == 0 {
		addr = MLX90614Addr
	}
	return &MLX90614{dev: &i2c.Dev{Bus: bus, Addr: addr}}
}

// ReadTemperature returns the object temperature in °C.
func (s *MLX90614) ReadTemperature(ctx context.Context) (float64, error) {
	return s.read(ctx, regObjectTemp)
}

func (s *MLX90614) read(ctx context.Context, reg byte) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := make([]byte, 2)
	if err := s.dev.Tx([]byte{reg}, r); err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to read register %#02x", reg)
	}
	raw := uint16(r[0]) | uint16(r[1])<<8
	// Bit 15 flags an error in the RAM value.
	if raw&0x8000 != 0 {
		return 0, pkgerrors.Errorf("sensor reported error flag in register %#02x: %#04x", reg, raw)
	}

	c := float64(raw)*kelvinPerCount - kelvinOffset
	logrus.WithFields(logrus.Fields{
		"register": reg,
		"raw":      raw,
		"celsius":  c,
	}).Trace("read temperature")
	return c, nil
}

func (s *MLX90614) Close() error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Close()
}
