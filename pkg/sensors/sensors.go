// Package sensors holds the drivers of the non-pressure vital signs.
package sensors

import "context"

// TemperatureSensor reads one body temperature sample in °C.
type TemperatureSensor interface {
	ReadTemperature(ctx context.Context) (float64, error)
}

// ECGSource streams ECG samples until ctx is done or the source fails.
type ECGSource interface {
	Stream(ctx context.Context, fn func(ECGSample)) error
}
