package actuator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"github.com/charlie0129/vitals/pkg/actuator/actuatortest"
	"github.com/charlie0129/vitals/pkg/types"
)

type rig struct {
	log       *actuatortest.Log
	enable    *actuatortest.Pin
	direction *actuatortest.Pin
	valve     *actuatortest.Pin
	c         *Controller
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log := &actuatortest.Log{}
	r := &rig{
		log:       log,
		enable:    actuatortest.NewPin("EN", log),
		direction: actuatortest.NewPin("DIR", log),
		valve:     actuatortest.NewPin("VALVE", log),
	}
	c, err := New(r.enable, r.direction, r.valve, DefaultConfig())
	require.NoError(t, err)
	r.c = c
	log.Reset()
	return r
}

func (r *rig) assertSafe(t *testing.T) {
	t.Helper()
	assert.Equal(t, gpio.Low, r.enable.Level(), "motor must be stopped")
	assert.Equal(t, gpio.Low, r.valve.Level(), "valve must be open")
	assert.Equal(t, 0, r.c.Power())
	assert.True(t, r.c.ValveOpen())
}

func TestNew_SafeState(t *testing.T) {
	r := newRig(t)
	r.assertSafe(t)
}

func TestController_InflateClosesValveFirst(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.c.Inflate(100))
	assert.Equal(t, []string{"VALVE=High", "DIR=High", "EN=High"}, r.log.Entries())
	assert.Equal(t, 100, r.c.Power())
	assert.False(t, r.c.ValveOpen())
}

func TestController_InflatePWM(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.c.Inflate(60))
	assert.Equal(t, []string{"VALVE=High", "DIR=High", "EN=pwm(60%)"}, r.log.Entries())
	assert.Equal(t, 60, r.c.Power())
}

func TestController_InflatePWMFallback(t *testing.T) {
	r := newRig(t)
	r.enable.FailPWM(errors.New("no pwm"))

	require.NoError(t, r.c.Inflate(60))
	assert.Equal(t, []string{"VALVE=High", "DIR=High", "EN=High"}, r.log.Entries())
	assert.Equal(t, 60, r.c.Power())
}

func TestController_InvalidPower(t *testing.T) {
	r := newRig(t)

	assert.ErrorIs(t, r.c.Inflate(101), ErrInvalidPower)
	assert.ErrorIs(t, r.c.Inflate(-1), ErrInvalidPower)
	assert.ErrorIs(t, r.c.Deflate(200), ErrInvalidPower)
	assert.Empty(t, r.log.Entries())
}

func TestController_OpenValveStopsMotorFirst(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Inflate(100))
	r.log.Reset()

	require.NoError(t, r.c.OpenValve())
	assert.Equal(t, []string{"EN=Low", "VALVE=Low"}, r.log.Entries())
	r.assertSafe(t)
}

func TestController_OpenValveRetriesFailedStop(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Inflate(100))
	r.enable.FailOn(gpio.Low, errors.New("stuck"))

	assert.ErrorIs(t, r.c.StopMotor(), types.ErrActuatorFault)
	assert.Equal(t, 100, r.c.Power(), "a failed stop leaves the motor running")

	r.enable.FailOn(gpio.Low, nil)
	r.log.Reset()
	require.NoError(t, r.c.OpenValve())
	assert.Equal(t, []string{"EN=Low", "VALVE=Low"}, r.log.Entries())
	r.assertSafe(t)
}

func TestController_Deflate(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Inflate(100))
	r.log.Reset()

	require.NoError(t, r.c.Deflate(100))
	assert.Equal(t, []string{"EN=Low", "VALVE=Low"}, r.log.Entries())

	require.NoError(t, r.c.Deflate(0))
	assert.False(t, r.c.ValveOpen())
}

func TestController_StopMotorKeepsValve(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Inflate(100))

	require.NoError(t, r.c.StopMotor())
	assert.Equal(t, 0, r.c.Power())
	assert.False(t, r.c.ValveOpen())
	assert.Equal(t, gpio.High, r.valve.Level())
}

func TestController_StopIdempotent(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Inflate(80))

	for i := 0; i < 3; i++ {
		require.NoError(t, r.c.Stop())
		r.assertSafe(t)
	}
}

func TestController_StopAttemptsEveryWrite(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Inflate(100))
	r.enable.FailOut(errors.New("stuck"))
	r.log.Reset()

	err := r.c.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrActuatorFault)
	// The valve is still released even though the motor write failed.
	assert.Contains(t, r.log.Entries(), "VALVE=Low")
	assert.Equal(t, gpio.Low, r.valve.Level())
	assert.True(t, r.c.ValveOpen())
}

func TestController_FaultType(t *testing.T) {
	r := newRig(t)
	cause := errors.New("i/o error")
	r.valve.FailOut(cause)

	err := r.c.Inflate(100)
	var f *Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "close valve", f.Op)
	assert.Equal(t, "VALVE", f.Pin)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, types.ErrActuatorFault)
	// Motor never started.
	assert.Equal(t, 0, r.c.Power())
}

func TestNew_RequiresPins(t *testing.T) {
	_, err := New(nil, nil, actuatortest.NewPin("VALVE", nil), DefaultConfig())
	assert.Error(t, err)
}
