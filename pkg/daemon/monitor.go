package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/vitals/pkg/calibration"
	"github.com/charlie0129/vitals/pkg/cycle"
	"github.com/charlie0129/vitals/pkg/events"
	"github.com/charlie0129/vitals/pkg/session"
	"github.com/charlie0129/vitals/pkg/types"
)

var (
	// ErrNoCycle is returned when there is no running cycle to cancel.
	ErrNoCycle = pkgerrors.New("no cuff cycle is running")
	// ErrMonitorClosed is returned once the monitor has been shut down.
	ErrMonitorClosed = pkgerrors.New("cuff monitor is shut down")
)

// Transducer is everything the monitor needs from the pressure sensor.
type Transducer interface {
	cycle.Transducer
	calibration.RawReader
	Calibration() calibration.Params
	SetCalibration(calibration.Params) error
}

// MonitorStatus is returned by GET /status.
type MonitorStatus struct {
	cycle.Status
	LastResult  *types.MeasurementResult `json:"lastResult,omitempty"`
	Session     session.Session          `json:"session"`
	Calibration calibration.Params       `json:"calibration"`
}

// Monitor owns the transducer and the actuator. Cuff cycles and calibration
// procedures never overlap.
type Monitor struct {
	transducer Transducer
	actuator   cycle.Actuator
	store      calibration.Store
	sessions   *session.Manager
	publisher  events.Publisher
	clock      clock.Clock
	history    *ResultRecorder

	// busy is held by a cycle or a calibration procedure.
	busy   sync.Mutex
	active atomic.Bool

	mu     sync.Mutex
	cycle  *cycle.Cycle
	cancel context.CancelFunc
	closed bool
}

// NewMonitor loads the persisted calibration into t and prepares a cycle
// with settings s. A missing calibration record is logged and the defaults
// are used.
func NewMonitor(
	t Transducer,
	a cycle.Actuator,
	store calibration.Store,
	sessions *session.Manager,
	publisher events.Publisher,
	s cycle.Settings,
	clk clock.Clock,
) (*Monitor, error) {
	if clk == nil {
		clk = clock.New()
	}
	m := &Monitor{
		transducer: t,
		actuator:   a,
		store:      store,
		sessions:   sessions,
		publisher:  publisher,
		clock:      clk,
		history:    NewResultRecorder(defaultHistorySize),
	}

	params, err := store.Load()
	if err != nil {
		if !errors.Is(err, types.ErrCalibrationMissing) {
			return nil, err
		}
		logrus.WithError(err).Warn("using default calibration")
	}
	if err := t.SetCalibration(params); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to apply calibration")
	}
	logrus.WithFields(logrus.Fields{
		"offset": params.Offset,
		"scale":  params.Scale,
	}).Info("calibration loaded")

	if err := m.UpdateSettings(s); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateSettings replaces the cycle settings. It fails while a cycle or a
// calibration procedure is running.
func (m *Monitor) UpdateSettings(s cycle.Settings) error {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.release()

	c, err := cycle.New(m.transducer, m.actuator, s,
		cycle.WithClock(m.clock),
		cycle.WithPhaseHook(m.publishPhase),
	)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cycle = c
	m.mu.Unlock()
	return nil
}

// Settings returns the settings of the next cycle.
func (m *Monitor) Settings() cycle.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycle.Settings()
}

// StartCycle runs one measurement and publishes it. Empty ids are taken from
// the active session. The result is nil only when the cycle could not start.
func (m *Monitor) StartCycle(ctx context.Context, patientID, doctorID string) (*types.MeasurementResult, error) {
	if !m.busy.TryLock() {
		return nil, cycle.ErrCycleInProgress
	}
	defer m.busy.Unlock()

	if patientID == "" {
		sess := m.sessions.Get()
		patientID, doctorID = sess.PatientID, sess.DoctorID
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMonitorClosed
	}
	c := m.cycle
	m.cancel = cancel
	m.mu.Unlock()
	// Only reported as running once it can be canceled.
	m.active.Store(true)

	defer func() {
		m.active.Store(false)
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
	}()

	res, err := c.Run(ctx)
	res.PatientID = patientID
	res.DoctorID = doctorID

	m.history.AddRecord(res)

	m.publishResult(res)
	return res, err
}

// CancelCycle aborts the running cycle.
func (m *Monitor) CancelCycle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return ErrNoCycle
	}
	logrus.Info("canceling cuff cycle")
	m.cancel()
	return nil
}

// Running reports whether a cycle or a calibration procedure holds the cuff.
func (m *Monitor) Running() bool {
	return m.active.Load()
}

func (m *Monitor) acquire() error {
	if !m.busy.TryLock() {
		return cycle.ErrCycleInProgress
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		m.busy.Unlock()
		return ErrMonitorClosed
	}
	m.active.Store(true)
	return nil
}

func (m *Monitor) release() {
	m.active.Store(false)
	m.busy.Unlock()
}

func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	st := MonitorStatus{Status: m.cycle.Status()}
	m.mu.Unlock()

	st.LastResult = m.history.GetLastRecord()
	st.Session = m.sessions.Get()
	st.Calibration = m.transducer.Calibration()
	return st
}

// History returns the recorded results, oldest first.
func (m *Monitor) History() []*types.MeasurementResult {
	return m.history.GetRecords()
}

func (m *Monitor) Calibration() calibration.Params {
	return m.transducer.Calibration()
}

// SetCalibration overrides the given constants, persists them and applies
// them to subsequent readings.
func (m *Monitor) SetCalibration(offset, scale *float64) (calibration.Params, error) {
	if err := m.acquire(); err != nil {
		return calibration.Params{}, err
	}
	defer m.release()

	p := m.transducer.Calibration()
	if offset != nil {
		p.Offset = *offset
	}
	if scale != nil {
		p.Scale = *scale
	}
	return p, m.applyCalibration(p)
}

// CalibrateOffset samples the sensor at atmospheric pressure and stores the
// result as the new offset.
func (m *Monitor) CalibrateOffset(ctx context.Context, samples int) (calibration.Params, error) {
	if err := m.acquire(); err != nil {
		return calibration.Params{}, err
	}
	defer m.release()

	// The cuff must be vented for a zero reading.
	if err := m.actuator.Stop(); err != nil {
		return calibration.Params{}, pkgerrors.Wrap(err, "failed to vent the cuff")
	}

	offset, err := calibration.CalibrateOffset(ctx, m.transducer, samples)
	if err != nil {
		return calibration.Params{}, err
	}
	p := m.transducer.Calibration()
	p.Offset = offset
	return p, m.applyCalibration(p)
}

// CalibrateScale samples the sensor while knownPressure mmHg is applied and
// stores the result as the new scale.
func (m *Monitor) CalibrateScale(ctx context.Context, knownPressure float64, samples int) (calibration.Params, error) {
	if err := m.acquire(); err != nil {
		return calibration.Params{}, err
	}
	defer m.release()

	p := m.transducer.Calibration()
	scale, err := calibration.CalibrateScale(ctx, m.transducer, p.Offset, knownPressure, samples)
	if err != nil {
		return calibration.Params{}, err
	}
	p.Scale = scale
	return p, m.applyCalibration(p)
}

func (m *Monitor) applyCalibration(p calibration.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := m.store.Save(p); err != nil {
		return pkgerrors.Wrap(err, "failed to save calibration")
	}
	if err := m.transducer.SetCalibration(p); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"offset": p.Offset,
		"scale":  p.Scale,
	}).Info("calibration updated")
	return nil
}

// Shutdown cancels a running cycle and waits for it to release the cuff.
// Cycles and calibration procedures are rejected afterwards.
func (m *Monitor) Shutdown() error {
	m.mu.Lock()
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.busy.Lock()
	defer m.busy.Unlock()
	return m.actuator.Stop()
}

func (m *Monitor) publishPhase(from, to cycle.Phase) {
	m.publisher.Publish(events.CyclePhase, events.CyclePhaseEvent{
		From: string(from),
		To:   string(to),
		Ts:   m.clock.Now().Unix(),
	})
}

func (m *Monitor) publishResult(res *types.MeasurementResult) {
	if res.Partial() {
		m.publisher.Publish(events.BloodPressure, res.Payload())
		return
	}

	logrus.WithFields(logrus.Fields{
		"phase":  res.Phase,
		"reason": res.Reason,
	}).Warn("cuff cycle produced no blood pressure")
	m.publisher.Publish(events.WorkerStatus, events.WorkerStatusEvent{
		Worker:  workerCycle,
		Status:  "no-reading",
		Message: res.Reason,
		Ts:      m.clock.Now().Unix(),
	})
}

const workerCycle = "cycle"
