package daemon

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlie0129/vitals/pkg/config"
	"github.com/charlie0129/vitals/pkg/events"
	"github.com/charlie0129/vitals/pkg/sensors"
	"github.com/charlie0129/vitals/pkg/session"
	"github.com/charlie0129/vitals/pkg/utils/ptr"
)

type fakeThermometer struct {
	mu     sync.Mutex
	temp   float64
	err    error
	reads  int
	closed bool
}

func (f *fakeThermometer) ReadTemperature(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.temp, f.err
}

func (f *fakeThermometer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeThermometer) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// fakeECG delivers samples once, then blocks until ctx is done or err is
// returned.
type fakeECG struct {
	samples  []sensors.ECGSample
	err      error
	streamed chan struct{}
}

func (f *fakeECG) Stream(ctx context.Context, fn func(sensors.ECGSample)) error {
	for _, s := range f.samples {
		fn(s)
	}
	close(f.streamed)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeECG) Close() error { return nil }

func useThermometer(t *testing.T, s *fakeThermometer) {
	orig := openTemperatureSensor
	openTemperatureSensor = func(config.Temperature) (temperatureSensor, error) { return s, nil }
	t.Cleanup(func() { openTemperatureSensor = orig })
}

func useECG(t *testing.T, s *fakeECG) {
	orig := openECGSource
	openECGSource = func(config.ECG) (ecgSource, error) { return s, nil }
	t.Cleanup(func() { openECGSource = orig })
}

// runUnit runs fn in the background and returns its result channel.
func runUnit(ctx context.Context, fn func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	return done
}

// tickUntil advances clk by d until cond holds.
func tickUntil(t *testing.T, clk *clock.Mock, d time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		clk.Add(d)
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func receive(ch <-chan events.Event, topic string) func() bool {
	return func() bool {
		for {
			select {
			case ev := <-ch:
				if ev.Name == topic {
					return true
				}
			default:
				return false
			}
		}
	}
}

func TestTemperatureUnit_PublishesWhileActive(t *testing.T) {
	therm := &fakeThermometer{temp: 36.8}
	useThermometer(t, therm)

	clk := clock.NewMock()
	hub := events.NewEventHub()
	t.Cleanup(hub.Close)
	ch := hub.Subscribe()
	sessions := session.NewManager()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unit := temperatureUnit(config.Temperature{Interval: time.Second}, sessions, hub, clk)
	assert.Equal(t, workerTemperature, unit.Name)
	done := runUnit(ctx, unit.Run)

	for i := 0; i < 5; i++ {
		clk.Add(time.Second)
	}
	assert.Zero(t, therm.Reads(), "nothing is read while monitoring is off")

	_, err := sessions.Start("p-1", "d-1")
	require.NoError(t, err)

	var got events.TemperatureEvent
	tickUntil(t, clk, time.Second, func() bool {
		select {
		case ev := <-ch:
			got, err = events.DecodeAs[events.TemperatureEvent](ev)
			return ev.Name == events.Temperature
		default:
			return false
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 36.8, got.Temperature)
	assert.Equal(t, "p-1", got.PatientID)
	assert.Equal(t, "d-1", got.DoctorID)

	sessions.Stop()
	// Reads stop once the worker has seen the new session.
	require.Eventually(t, func() bool {
		before := therm.Reads()
		for i := 0; i < 3; i++ {
			clk.Add(time.Second)
		}
		return therm.Reads() == before
	}, 2*time.Second, time.Millisecond)
	reads := therm.Reads()
	for i := 0; i < 5; i++ {
		clk.Add(time.Second)
	}
	assert.Equal(t, reads, therm.Reads())

	cancel()
	assert.NoError(t, <-done)
	assert.True(t, therm.closed)
}

func TestTemperatureUnit_GivesUpAfterFailures(t *testing.T) {
	therm := &fakeThermometer{err: pkgerrors.New("nack")}
	useThermometer(t, therm)

	clk := clock.NewMock()
	sessions := session.NewManager()
	_, err := sessions.Start("p-1", "")
	require.NoError(t, err)

	unit := temperatureUnit(config.Temperature{Interval: time.Second}, sessions, events.NewEventHub(), clk)
	done := runUnit(context.Background(), unit.Run)

	var runErr error
	tickUntil(t, clk, time.Second, func() bool {
		select {
		case runErr = <-done:
			return true
		default:
			return false
		}
	})
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "temperature reads failed in a row")
	assert.Equal(t, maxSensorFailures, therm.Reads())
}

func TestTemperatureUnit_OpenError(t *testing.T) {
	orig := openTemperatureSensor
	openTemperatureSensor = func(config.Temperature) (temperatureSensor, error) {
		return nil, pkgerrors.New("no i2c bus")
	}
	t.Cleanup(func() { openTemperatureSensor = orig })

	unit := temperatureUnit(config.Temperature{Interval: time.Second}, session.NewManager(), events.NewEventHub(), clock.NewMock())
	assert.EqualError(t, unit.Run(context.Background()), "no i2c bus")
}

func TestECGUnit_PublishesBatches(t *testing.T) {
	base := time.Unix(1700000000, 0)
	src := &fakeECG{
		samples: []sensors.ECGSample{
			{Value: 0.1, Timestamp: base},
			{Value: 0.9, Timestamp: base.Add(4 * time.Millisecond)},
			{Value: 0.2, Timestamp: base.Add(8 * time.Millisecond)},
		},
		streamed: make(chan struct{}),
	}
	useECG(t, src)

	clk := clock.NewMock()
	hub := events.NewEventHub()
	t.Cleanup(hub.Close)
	ch := hub.Subscribe()
	sessions := session.NewManager()
	_, err := sessions.Start("p-1", "d-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unit := ecgUnit(config.ECG{BatchInterval: 500 * time.Millisecond}, sessions, hub, clk)
	done := runUnit(ctx, unit.Run)
	<-src.streamed

	var got events.ECGEvent
	tickUntil(t, clk, 500*time.Millisecond, func() bool {
		select {
		case ev := <-ch:
			got, err = events.DecodeAs[events.ECGEvent](ev)
			return ev.Name == events.ECG
		default:
			return false
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "p-1", got.PatientID)
	require.Len(t, got.Samples, 3)
	assert.Equal(t, 0.9, got.Samples[1].Value)
	assert.Equal(t, base.Add(8*time.Millisecond).UnixMilli(), got.Samples[2].Timestamp)

	cancel()
	assert.NoError(t, <-done, "cancellation is a clean exit")
}

func TestECGUnit_DropsSamplesWhileInactive(t *testing.T) {
	src := &fakeECG{
		samples:  []sensors.ECGSample{{Value: 1, Timestamp: time.Unix(1, 0)}},
		streamed: make(chan struct{}),
	}
	useECG(t, src)

	clk := clock.NewMock()
	hub := events.NewEventHub()
	t.Cleanup(hub.Close)
	ch := hub.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unit := ecgUnit(config.ECG{BatchInterval: time.Second}, session.NewManager(), hub, clk)
	done := runUnit(ctx, unit.Run)
	<-src.streamed

	for i := 0; i < 5; i++ {
		clk.Add(time.Second)
	}
	assert.False(t, receive(ch, events.ECG)())

	cancel()
	assert.NoError(t, <-done)
}

func TestECGUnit_StreamError(t *testing.T) {
	src := &fakeECG{err: io.ErrUnexpectedEOF, streamed: make(chan struct{})}
	useECG(t, src)

	unit := ecgUnit(config.ECG{BatchInterval: time.Second}, session.NewManager(), events.NewEventHub(), clock.NewMock())
	assert.ErrorIs(t, unit.Run(context.Background()), io.ErrUnexpectedEOF)
}

func TestWorkerUnits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vitals.json")
	names := func(c *config.RawFileConfig) []string {
		var ret []string
		for _, u := range workerUnits(config.NewFileFromConfig(c, path), session.NewManager(), events.NewEventHub(), clock.NewMock()) {
			ret = append(ret, u.Name)
		}
		return ret
	}

	assert.Equal(t, []string{workerTemperature}, names(nil), "no serial port by default")
	assert.Equal(t, []string{workerTemperature, workerECG}, names(&config.RawFileConfig{ECGPort: ptr.To("/dev/ttyUSB0")}))
	assert.Equal(t, []string{workerECG}, names(&config.RawFileConfig{
		DisableTemperature: ptr.To(true),
		ECGPort:            ptr.To("/dev/ttyUSB0"),
	}))
	assert.Empty(t, names(&config.RawFileConfig{DisableTemperature: ptr.To(true)}))
}
