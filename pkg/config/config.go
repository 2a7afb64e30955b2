package config

import (
	"time"

	"github.com/charlie0129/vitals/pkg/cycle"
)

type Config interface {
	CalibrationPath() string
	Schedule() string
	AllowNonRootAccess() bool
	Pins() Pins
	Temperature() Temperature
	ECG() ECG
	// CycleSettings applies the configured overrides to cycle.DefaultSettings.
	CycleSettings() cycle.Settings

	SetSchedule(string)
	SetAllowNonRootAccess(bool)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}

// Pins names the GPIO lines as registered in periph.io gpioreg.
type Pins struct {
	Clock           string `json:"clock"`
	Data            string `json:"data"`
	MotorEnable     string `json:"motorEnable"`
	MotorDirection  string `json:"motorDirection,omitempty"`
	Valve           string `json:"valve"`
	ValveClosedHigh bool   `json:"valveClosedHigh"`
}

// Temperature configures the MLX90614 worker. An empty Bus selects the
// first bus. Disabled skips the worker.
type Temperature struct {
	Disabled bool          `json:"disabled"`
	Bus      string        `json:"bus"`
	Addr     uint16        `json:"addr"`
	Interval time.Duration `json:"interval"`
}

// ECG configures the serial ECG worker. An empty Port disables it.
type ECG struct {
	Port          string        `json:"port"`
	BaudRate      int           `json:"baudRate"`
	BatchInterval time.Duration `json:"batchInterval"`
}
