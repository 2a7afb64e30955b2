package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlie0129/vitals/pkg/cycle"
	"github.com/charlie0129/vitals/pkg/utils/ptr"
)

func TestFile_Defaults(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, "@every 30m", f.Schedule())
	assert.False(t, f.AllowNonRootAccess())
	assert.Equal(t, Pins{
		Clock:           "GPIO5",
		Data:            "GPIO6",
		MotorEnable:     "GPIO17",
		MotorDirection:  "GPIO27",
		Valve:           "GPIO23",
		ValveClosedHigh: true,
	}, f.Pins())
	assert.Equal(t, 5*time.Second, f.Temperature().Interval)
	assert.Equal(t, 500*time.Millisecond, f.ECG().BatchInterval)
	assert.Equal(t, 115200, f.ECG().BaudRate)
	assert.Equal(t, cycle.DefaultSettings(), f.CycleSettings())
	assert.NotEmpty(t, f.LogrusFields())
}

func TestFile_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vitals.json")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, "@every 30m", f.Schedule())
}

func TestFile_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vitals.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	_, err := NewFile(path)
	assert.Error(t, err)
}

func TestFile_Overrides(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{
		TargetPressure:  ptr.To(170.0),
		PulsedInflation: ptr.To(false),
		HoldSeconds:     ptr.To(1.5),
		ValvePin:        ptr.To("GPIO24"),
		ECGPort:         ptr.To("/dev/ttyUSB0"),
	}, "")

	s := f.CycleSettings()
	assert.Equal(t, 170.0, s.Target)
	assert.False(t, s.PulsedInflation)
	assert.Equal(t, 1500*time.Millisecond, s.HoldDuration)
	assert.Equal(t, "GPIO24", f.Pins().Valve)
	assert.Equal(t, "/dev/ttyUSB0", f.ECG().Port)
}

func TestFile_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vitals.json")
	f := NewFileFromConfig(nil, path)
	f.SetSchedule("0 */2 * * *")
	f.SetAllowNonRootAccess(true)
	require.NoError(t, f.Save())

	g, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0 */2 * * *", g.Schedule())
	assert.True(t, g.AllowNonRootAccess())
	// Untouched keys stay out of the file and keep following the defaults.
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "clockPin")
}
