package cycle

import (
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Settings tunes one cuff cycle. Pressures are in mmHg.
type Settings struct {
	Target         float64       `json:"target"`
	Ceiling        float64       `json:"ceiling"`
	InflateTimeout time.Duration `json:"inflateTimeout"`
	InflatePower   int           `json:"inflatePower"`
	// PulsedInflation runs the motor in MotorPulse bursts with a reading
	// after each one, instead of continuously.
	PulsedInflation bool          `json:"pulsedInflation"`
	MotorPulse      time.Duration `json:"motorPulse"`
	ReadPause       time.Duration `json:"readPause"`
	ValveSettle     time.Duration `json:"valveSettle"`

	HoldDuration   time.Duration `json:"holdDuration"`
	HoldBand       float64       `json:"holdBand"`
	HoldPoll       time.Duration `json:"holdPoll"`
	HoldMotorPulse time.Duration `json:"holdMotorPulse"`
	HoldValvePulse time.Duration `json:"holdValvePulse"`

	DeflateOpenPulse      time.Duration `json:"deflateOpenPulse"`
	DeflateClosedInterval time.Duration `json:"deflateClosedInterval"`
	DeflateFloor          float64       `json:"deflateFloor"`
	DeflateTimeout        time.Duration `json:"deflateTimeout"`

	// MaxConsecutiveFailures ends a phase early after this many failed
	// readings in a row.
	MaxConsecutiveFailures int `json:"maxConsecutiveFailures"`
	SamplesPerReading      int `json:"samplesPerReading"`
	// WarmupReadings are taken and discarded before inflation starts.
	WarmupReadings int `json:"warmupReadings"`
}

func DefaultSettings() Settings {
	return Settings{
		Target:                 185,
		Ceiling:                200,
		InflateTimeout:         30 * time.Second,
		InflatePower:           100,
		PulsedInflation:        true,
		MotorPulse:             300 * time.Millisecond,
		ReadPause:              10 * time.Millisecond,
		ValveSettle:            200 * time.Millisecond,
		HoldDuration:           6 * time.Second,
		HoldBand:               5,
		HoldPoll:               30 * time.Millisecond,
		HoldMotorPulse:         50 * time.Millisecond,
		HoldValvePulse:         10 * time.Millisecond,
		DeflateOpenPulse:       10 * time.Millisecond,
		DeflateClosedInterval:  300 * time.Millisecond,
		DeflateFloor:           40,
		DeflateTimeout:         60 * time.Second,
		MaxConsecutiveFailures: 5,
		SamplesPerReading:      5,
		WarmupReadings:         5,
	}
}

// Validate rejects settings that could leave a cycle unbounded or
// pressurize past the ceiling by design.
func (s Settings) Validate() error {
	switch {
	case s.Target <= 0:
		return pkgerrors.Errorf("target %v must be positive", s.Target)
	case s.Ceiling < s.Target:
		return pkgerrors.Errorf("ceiling %v must not be below target %v", s.Ceiling, s.Target)
	case s.DeflateFloor >= s.Target:
		return pkgerrors.Errorf("deflate floor %v must be below target %v", s.DeflateFloor, s.Target)
	case s.InflateTimeout <= 0 || s.DeflateTimeout <= 0:
		return pkgerrors.New("inflate and deflate timeouts must be positive")
	case s.HoldDuration < 0:
		return pkgerrors.New("hold duration must not be negative")
	case s.HoldBand < 0:
		return pkgerrors.New("hold band must not be negative")
	case s.InflatePower <= 0 || s.InflatePower > 100:
		return pkgerrors.Errorf("inflate power %d must be within 1..100", s.InflatePower)
	case s.MaxConsecutiveFailures <= 0:
		return pkgerrors.New("max consecutive failures must be positive")
	case s.SamplesPerReading <= 0:
		return pkgerrors.New("samples per reading must be positive")
	case s.WarmupReadings < 0:
		return pkgerrors.New("warm-up readings must not be negative")
	case s.HoldPoll <= 0 || s.DeflateClosedInterval <= 0:
		return pkgerrors.New("hold poll and deflate closed interval must be positive")
	case s.PulsedInflation && s.MotorPulse <= 0:
		return pkgerrors.New("motor pulse must be positive in pulsed mode")
	case !s.PulsedInflation && s.ReadPause <= 0:
		return pkgerrors.New("read pause must be positive in continuous mode")
	}
	return nil
}

func (s Settings) LogrusFields() logrus.Fields {
	return logrus.Fields{
		"target":          s.Target,
		"ceiling":         s.Ceiling,
		"inflateTimeout":  s.InflateTimeout,
		"pulsedInflation": s.PulsedInflation,
		"holdDuration":    s.HoldDuration,
		"deflateFloor":    s.DeflateFloor,
		"deflateTimeout":  s.DeflateTimeout,
	}
}
