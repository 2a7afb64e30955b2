package types

import "errors"

var (
	// ErrTransducerTimeout is returned when the transducer does not signal
	// data-ready within its timeout. Callers skip the sample.
	ErrTransducerTimeout = errors.New("transducer timeout")
	// ErrInsufficientData is returned when too few valid samples were
	// collected to produce a value.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrActuatorFault is matched by every motor/valve write failure. It is
	// fatal to the running cycle.
	ErrActuatorFault = errors.New("actuator fault")
	// ErrCalibrationMissing is returned alongside default calibration
	// constants when no usable record was found.
	ErrCalibrationMissing = errors.New("calibration missing")
)
