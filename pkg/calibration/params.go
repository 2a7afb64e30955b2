package calibration

import (
	"math"

	pkgerrors "github.com/pkg/errors"
)

const (
	// DefaultOffset is used when no offset has been calibrated.
	DefaultOffset = 0.0
	// DefaultScale is the raw counts per mmHg of the stock sensor module.
	DefaultScale = 10041.60
)

// ErrInvalidParams is matched by every Validate failure.
var ErrInvalidParams = pkgerrors.New("invalid calibration")

// Params converts raw transducer counts into mmHg.
type Params struct {
	Offset float64 `json:"offset"`
	Scale  float64 `json:"scale"`
}

// DefaultParams returns the constants used when nothing was persisted.
func DefaultParams() Params {
	return Params{
		Offset: DefaultOffset,
		Scale:  DefaultScale,
	}
}

// Validate rejects constants that cannot be applied.
func (p Params) Validate() error {
	if math.IsNaN(p.Offset) || math.IsInf(p.Offset, 0) {
		return pkgerrors.Wrapf(ErrInvalidParams, "offset %v", p.Offset)
	}
	if p.Scale == 0 || math.IsNaN(p.Scale) || math.IsInf(p.Scale, 0) {
		return pkgerrors.Wrapf(ErrInvalidParams, "scale %v", p.Scale)
	}
	return nil
}

// Apply converts an (averaged) raw count into mmHg.
func (p Params) Apply(raw float64) float64 {
	return (raw - p.Offset) / p.Scale
}
