package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/vitals/pkg/cycle"
	"github.com/charlie0129/vitals/pkg/sensors"
	"github.com/charlie0129/vitals/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		CalibrationPath:    ptr.To("/var/lib/vitals/calibration.txt"),
		Schedule:           ptr.To("@every 30m"),
		AllowNonRootAccess: ptr.To(false),
		// BCM numbering of the reference wiring.
		ClockPin:          ptr.To("GPIO5"),
		DataPin:           ptr.To("GPIO6"),
		MotorEnablePin:    ptr.To("GPIO17"),
		MotorDirectionPin: ptr.To("GPIO27"),
		ValvePin:          ptr.To("GPIO23"),
		// Normally-open valve: energized closes it.
		ValveClosedHigh: ptr.To(true),

		DisableTemperature:         ptr.To(false),
		TemperatureBus:             ptr.To(""),
		TemperatureAddr:            ptr.To(uint16(sensors.MLX90614Addr)),
		TemperatureIntervalSeconds: ptr.To(5),

		ECGPort:            ptr.To(""),
		ECGBaudRate:        ptr.To(sensors.DefaultECGBaudRate),
		ECGBatchIntervalMs: ptr.To(500),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

// Path returns the file the config is loaded from and saved to.
func (f *File) Path() string {
	return f.filepath
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	CalibrationPath    *string `json:"calibrationPath,omitempty"`
	Schedule           *string `json:"schedule,omitempty"`
	AllowNonRootAccess *bool   `json:"allowNonRootAccess,omitempty"`

	ClockPin          *string `json:"clockPin,omitempty"`
	DataPin           *string `json:"dataPin,omitempty"`
	MotorEnablePin    *string `json:"motorEnablePin,omitempty"`
	MotorDirectionPin *string `json:"motorDirectionPin,omitempty"`
	ValvePin          *string `json:"valvePin,omitempty"`
	ValveClosedHigh   *bool   `json:"valveClosedHigh,omitempty"`

	DisableTemperature         *bool   `json:"disableTemperature,omitempty"`
	TemperatureBus             *string `json:"temperatureBus,omitempty"`
	TemperatureAddr            *uint16 `json:"temperatureAddr,omitempty"`
	TemperatureIntervalSeconds *int    `json:"temperatureIntervalSeconds,omitempty"`

	ECGPort            *string `json:"ecgPort,omitempty"`
	ECGBaudRate        *int    `json:"ecgBaudRate,omitempty"`
	ECGBatchIntervalMs *int    `json:"ecgBatchIntervalMs,omitempty"`

	TargetPressure  *float64 `json:"targetPressure,omitempty"`
	CeilingPressure *float64 `json:"ceilingPressure,omitempty"`
	DeflateFloor    *float64 `json:"deflateFloor,omitempty"`
	InflatePower    *int     `json:"inflatePower,omitempty"`
	PulsedInflation *bool    `json:"pulsedInflation,omitempty"`
	HoldSeconds     *float64 `json:"holdSeconds,omitempty"`
}

func or[T any](v, def *T) T {
	if v != nil {
		return *v
	}
	return *def
}

func (f *File) raw() *RawFileConfig {
	if f.c == nil {
		panic("config is nil")
	}
	return f.c
}

func (f *File) CalibrationPath() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return or(f.raw().CalibrationPath, defaultFileConfig.CalibrationPath)
}

func (f *File) Schedule() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return or(f.raw().Schedule, defaultFileConfig.Schedule)
}

func (f *File) AllowNonRootAccess() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return or(f.raw().AllowNonRootAccess, defaultFileConfig.AllowNonRootAccess)
}

func (f *File) Pins() Pins {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c := f.raw()
	return Pins{
		Clock:           or(c.ClockPin, defaultFileConfig.ClockPin),
		Data:            or(c.DataPin, defaultFileConfig.DataPin),
		MotorEnable:     or(c.MotorEnablePin, defaultFileConfig.MotorEnablePin),
		MotorDirection:  or(c.MotorDirectionPin, defaultFileConfig.MotorDirectionPin),
		Valve:           or(c.ValvePin, defaultFileConfig.ValvePin),
		ValveClosedHigh: or(c.ValveClosedHigh, defaultFileConfig.ValveClosedHigh),
	}
}

func (f *File) Temperature() Temperature {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c := f.raw()
	return Temperature{
		Disabled: or(c.DisableTemperature, defaultFileConfig.DisableTemperature),
		Bus:      or(c.TemperatureBus, defaultFileConfig.TemperatureBus),
		Addr:     or(c.TemperatureAddr, defaultFileConfig.TemperatureAddr),
		Interval: time.Duration(or(c.TemperatureIntervalSeconds, defaultFileConfig.TemperatureIntervalSeconds)) * time.Second,
	}
}

func (f *File) ECG() ECG {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c := f.raw()
	return ECG{
		Port:          or(c.ECGPort, defaultFileConfig.ECGPort),
		BaudRate:      or(c.ECGBaudRate, defaultFileConfig.ECGBaudRate),
		BatchInterval: time.Duration(or(c.ECGBatchIntervalMs, defaultFileConfig.ECGBatchIntervalMs)) * time.Millisecond,
	}
}

func (f *File) CycleSettings() cycle.Settings {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c := f.raw()
	s := cycle.DefaultSettings()
	if c.TargetPressure != nil {
		s.Target = *c.TargetPressure
	}
	if c.CeilingPressure != nil {
		s.Ceiling = *c.CeilingPressure
	}
	if c.DeflateFloor != nil {
		s.DeflateFloor = *c.DeflateFloor
	}
	if c.InflatePower != nil {
		s.InflatePower = *c.InflatePower
	}
	if c.PulsedInflation != nil {
		s.PulsedInflation = *c.PulsedInflation
	}
	if c.HoldSeconds != nil {
		s.HoldDuration = time.Duration(*c.HoldSeconds * float64(time.Second))
	}
	return s
}

func (f *File) SetSchedule(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw().Schedule = &s
}

func (f *File) SetAllowNonRootAccess(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw().AllowNonRootAccess = &b
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	pins := f.Pins()
	temp := f.Temperature()
	ecg := f.ECG()
	s := f.CycleSettings()

	return logrus.Fields{
		"calibrationPath":    f.CalibrationPath(),
		"schedule":           f.Schedule(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
		"pins":               pins,
		"temperature":        !temp.Disabled,
		"ecgPort":            ecg.Port,
		"target":             s.Target,
		"ceiling":            s.Ceiling,
		"deflateFloor":       s.DeflateFloor,
	}
}
