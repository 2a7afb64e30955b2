package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlie0129/vitals/pkg/actuator"
	"github.com/charlie0129/vitals/pkg/actuator/actuatortest"
	"github.com/charlie0129/vitals/pkg/calibration"
	"github.com/charlie0129/vitals/pkg/config"
	"github.com/charlie0129/vitals/pkg/cycle"
	"github.com/charlie0129/vitals/pkg/events"
	"github.com/charlie0129/vitals/pkg/session"
	"github.com/charlie0129/vitals/pkg/supervisor"
	"github.com/charlie0129/vitals/pkg/types"
)

// stepClock advances the mock clock instead of blocking on Sleep.
type stepClock struct {
	*clock.Mock
}

func (c stepClock) Sleep(d time.Duration) {
	c.Mock.Add(d)
}

func newStepClock() stepClock {
	m := clock.NewMock()
	m.Set(time.Unix(1700000000, 0))
	return stepClock{Mock: m}
}

// measurement is a pressure trace that reaches the target, holds and
// deflates through an oscillation envelope.
func measurement() []float64 {
	return []float64{
		60, 120, 186,
		186, 186, 186, 186,
		180, 176, 172, 169, 165, 160, 154, 146, 137, 126,
		116, 108, 101, 96, 92, 89, 86, 84, 82, 80,
	}
}

// fakeTransducer replays pressures, then repeats fallback forever.
type fakeTransducer struct {
	mu       sync.Mutex
	clk      clock.Clock
	script   []float64
	fallback float64
	// block, when set, holds every ReadPressure until it is closed or the
	// context is done.
	block  chan struct{}
	raw    int32
	rawErr error
	cal    calibration.Params
}

func (f *fakeTransducer) ReadPressure(ctx context.Context, _ int) (types.PressureReading, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return types.PressureReading{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.fallback
	if len(f.script) > 0 {
		v = f.script[0]
		f.script = f.script[1:]
	}
	return types.PressureReading{Pressure: v, Timestamp: f.clk.Now()}, nil
}

func (f *fakeTransducer) ReadRaw(ctx context.Context) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw, f.rawErr
}

func (f *fakeTransducer) Calibration() calibration.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cal
}

func (f *fakeTransducer) SetCalibration(p calibration.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cal = p
	return nil
}

type rig struct {
	clk      stepClock
	tr       *fakeTransducer
	act      *actuator.Controller
	enable   *actuatortest.Pin
	valve    *actuatortest.Pin
	store    *calibration.File
	conf     *config.File
	hub      *events.EventHub
	events   chan events.Event
	sessions *session.Manager
	monitor  *Monitor
	srv      *server
	router   *gin.Engine
}

func testCycleSettings() cycle.Settings {
	s := cycle.DefaultSettings()
	s.WarmupReadings = 0
	s.HoldDuration = 90 * time.Millisecond
	return s
}

func newRig(t *testing.T) *rig {
	t.Helper()

	calibration.SampleInterval = time.Millisecond
	dir := t.TempDir()

	r := &rig{clk: newStepClock()}
	r.tr = &fakeTransducer{clk: r.clk, script: measurement(), fallback: 30}

	log := &actuatortest.Log{}
	r.enable = actuatortest.NewPin("EN", log)
	r.valve = actuatortest.NewPin("VALVE", log)
	act, err := actuator.New(r.enable, nil, r.valve, actuator.DefaultConfig())
	require.NoError(t, err)
	r.act = act

	r.store = calibration.NewFile(filepath.Join(dir, "calibration.txt"))
	r.conf, err = config.NewFile(filepath.Join(dir, "vitals.json"))
	require.NoError(t, err)

	r.hub = events.NewEventHub()
	r.events = r.hub.Subscribe()
	t.Cleanup(r.hub.Close)
	r.sessions = session.NewManager()

	r.monitor, err = NewMonitor(r.tr, r.act, r.store, r.sessions, r.hub, testCycleSettings(), r.clk)
	require.NoError(t, err)

	r.srv = &server{
		conf:       r.conf,
		monitor:    r.monitor,
		sessions:   r.sessions,
		hub:        r.hub,
		supervisor: supervisor.New(supervisor.Options{Publisher: r.hub}),
	}
	r.srv.scheduler = r.srv.newMeasurementScheduler()
	t.Cleanup(r.srv.scheduler.Stop)
	r.router = setupRoutes(r.srv)
	return r
}

// next returns the next event on topic, skipping others.
func (r *rig) next(t *testing.T, topic string) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.Name == topic {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", topic)
		}
	}
}

func (r *rig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func requireStatus(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	require.Equal(t, code, w.Code, "body: %s", w.Body.String())
}
