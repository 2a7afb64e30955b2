package sensors

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

type fakeBus struct {
	addr  uint16
	regs  map[byte][]byte
	err   error
	calls int
}

func (b *fakeBus) String() string                   { return "fake-i2c" }
func (b *fakeBus) SetSpeed(f physic.Frequency) error { return nil }

func (b *fakeBus) Tx(addr uint16, w, r []byte) error {
	b.calls++
	b.addr = addr
	if b.err != nil {
		return b.err
	}
	copy(r, b.regs[w[0]])
	return nil
}

func TestMLX90614_ReadTemperature(t *testing.T) {
	// 0x3AF7 = 15095 counts = 301.9 K = 28.75 °C
	bus := &fakeBus{regs: map[byte][]byte{
		regObjectTemp:  {0xF7, 0x3A},
	}}
	s := NewMLX90614(bus, 0)

	c, err := s.ReadTemperature(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 28.75, c, 1e-9)
	assert.Equal(t, uint16(MLX90614Addr), bus.addr)

	assert.NoError(t, s.Close())
}

func TestMLX90614_Errors(t *testing.T) {
	bus := &fakeBus{regs: map[byte][]byte{regObjectTemp: {0x00, 0x80}}}
	s := NewMLX90614(bus, 0x5B)

	_, err := s.ReadTemperature(context.Background())
	assert.Error(t, err)
	assert.Equal(t, uint16(0x5B), bus.addr)

	bus.err = errors.New("nack")
	_, err = s.ReadTemperature(context.Background())
	assert.ErrorIs(t, err, bus.err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := bus.calls
	_, err = s.ReadTemperature(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, calls, bus.calls)
}

func TestECGStream_Parses(t *testing.T) {
	in := "512.5\n\ngarbage\n 600 \n-3\n"
	s := NewECGStream(io.NopCloser(strings.NewReader(in)))
	s.now = func() time.Time { return time.Unix(1, 0) }

	var got []float64
	err := s.Stream(context.Background(), func(e ECGSample) {
		got = append(got, e.Value)
		assert.Equal(t, time.Unix(1, 0), e.Timestamp)
	})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, []float64{512.5, 600, -3}, got)
}

func TestECGStream_Cancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	s := NewECGStream(pr)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan float64, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Stream(ctx, func(e ECGSample) { got <- e.Value })
	}()

	_, err := pw.Write([]byte("1.5\n"))
	require.NoError(t, err)
	assert.Equal(t, 1.5, <-got)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}
