package types

import "time"

// PressureReading is one calibrated cuff pressure sample.
type PressureReading struct {
	Pressure  float64   `json:"pressure"`
	Timestamp time.Time `json:"timestamp"`
}

// Pressures extracts the pressure values of a series, preserving order.
func Pressures(series []PressureReading) []float64 {
	ret := make([]float64, len(series))
	for i, r := range series {
		ret[i] = r.Pressure
	}
	return ret
}
