package daemon

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/charlie0129/vitals/pkg/config"
	"github.com/charlie0129/vitals/pkg/events"
	"github.com/charlie0129/vitals/pkg/sensors"
	"github.com/charlie0129/vitals/pkg/session"
	"github.com/charlie0129/vitals/pkg/supervisor"
)

// maxSensorFailures is how many reads in a row may fail before a worker
// gives up and lets the supervisor reopen the sensor.
const maxSensorFailures = 5

const (
	workerTemperature = "temperature"
	workerECG         = "ecg"
)

type temperatureSensor interface {
	sensors.TemperatureSensor
	io.Closer
}

type ecgSource interface {
	sensors.ECGSource
	io.Closer
}

// Replaced in tests.
var (
	openTemperatureSensor = func(c config.Temperature) (temperatureSensor, error) {
		return sensors.OpenMLX90614(c.Bus, c.Addr)
	}
	openECGSource = func(c config.ECG) (ecgSource, error) {
		return sensors.OpenECG(c.Port, c.BaudRate)
	}
)

// temperatureUnit publishes the patient temperature every interval while
// monitoring is active.
func temperatureUnit(c config.Temperature, sessions *session.Manager, pub events.Publisher, clk clock.Clock) supervisor.Unit {
	return supervisor.Unit{
		Name: workerTemperature,
		Run: func(ctx context.Context) error {
			sensor, err := openTemperatureSensor(c)
			if err != nil {
				return err
			}
			defer func() {
				if err := sensor.Close(); err != nil {
					logrus.WithError(err).Warn("failed to close temperature sensor")
				}
			}()

			logrus.WithFields(logrus.Fields{
				"bus":      c.Bus,
				"addr":     c.Addr,
				"interval": c.Interval,
			}).Info("temperature worker started")

			watch := sessions.Watch()
			defer sessions.Unwatch(watch)
			sess := sessions.Get()

			ticker := clk.Ticker(c.Interval)
			defer ticker.Stop()

			failures := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case sess = <-watch:
					continue
				case <-ticker.C:
				}

				if !sess.Active {
					continue
				}

				temp, err := sensor.ReadTemperature(ctx)
				if err != nil {
					failures++
					logrus.WithError(err).WithField("failures", failures).Warn("failed to read temperature")
					if failures >= maxSensorFailures {
						return pkgerrors.Wrapf(err, "%d temperature reads failed in a row", failures)
					}
					continue
				}
				failures = 0

				logrus.WithField("temperature", temp).Debug("temperature read")
				pub.Publish(events.Temperature, events.TemperatureEvent{
					PatientID:   sess.PatientID,
					DoctorID:    sess.DoctorID,
					Temperature: temp,
					Timestamp:   clk.Now().Unix(),
				})
			}
		},
	}
}

// ecgBatch collects samples between two publishes.
type ecgBatch struct {
	mu      sync.Mutex
	samples []events.ECGSample
}

func (b *ecgBatch) add(s sensors.ECGSample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, events.ECGSample{
		Value:     s.Value,
		Timestamp: s.Timestamp.UnixMilli(),
	})
}

func (b *ecgBatch) take() []events.ECGSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := b.samples
	b.samples = nil
	return ret
}

// ecgUnit streams ECG samples and publishes them in batches while
// monitoring is active. Samples arriving while it is inactive are dropped.
func ecgUnit(c config.ECG, sessions *session.Manager, pub events.Publisher, clk clock.Clock) supervisor.Unit {
	return supervisor.Unit{
		Name: workerECG,
		Run: func(ctx context.Context) error {
			src, err := openECGSource(c)
			if err != nil {
				return err
			}
			defer src.Close()

			logrus.WithFields(logrus.Fields{
				"port":          c.Port,
				"baudRate":      c.BaudRate,
				"batchInterval": c.BatchInterval,
			}).Info("ecg worker started")

			batch := &ecgBatch{}
			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return src.Stream(gctx, batch.add)
			})

			g.Go(func() error {
				watch := sessions.Watch()
				defer sessions.Unwatch(watch)
				sess := sessions.Get()

				ticker := clk.Ticker(c.BatchInterval)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case sess = <-watch:
						continue
					case <-ticker.C:
					}

					samples := batch.take()
					if !sess.Active || len(samples) == 0 {
						continue
					}
					pub.Publish(events.ECG, events.ECGEvent{
						PatientID: sess.PatientID,
						DoctorID:  sess.DoctorID,
						Samples:   samples,
						Timestamp: clk.Now().Unix(),
					})
				}
			})

			err = g.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

// workerUnits returns the sensor workers enabled by c.
func workerUnits(c config.Config, sessions *session.Manager, pub events.Publisher, clk clock.Clock) []supervisor.Unit {
	var units []supervisor.Unit

	if t := c.Temperature(); !t.Disabled {
		if t.Interval <= 0 {
			t.Interval = 5 * time.Second
		}
		units = append(units, temperatureUnit(t, sessions, pub, clk))
	} else {
		logrus.Info("temperature worker disabled")
	}

	if e := c.ECG(); e.Port != "" {
		if e.BatchInterval <= 0 {
			e.BatchInterval = 500 * time.Millisecond
		}
		units = append(units, ecgUnit(e, sessions, pub, clk))
	} else {
		logrus.Info("ecg worker disabled, no serial port configured")
	}

	return units
}
