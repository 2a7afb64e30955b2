package daemon

import (
	"context"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/vitals/pkg/cycle"
	"github.com/charlie0129/vitals/pkg/events"
)

const workerScheduler = "scheduler"

var (
	errInvalidSchedule    = pkgerrors.New("invalid cron expression")
	errMonitoringInactive = pkgerrors.New("monitoring is not active")
)

// newMeasurementScheduler returns a scheduler that measures blood pressure
// while a monitoring session is active.
func (s *server) newMeasurementScheduler() *Scheduler {
	return NewScheduler(
		func() error {
			_, err := s.monitor.StartCycle(context.Background(), "", "")
			return err
		},
		func() error {
			if !s.sessions.Get().Active {
				return errMonitoringInactive
			}
			if s.monitor.Running() {
				return cycle.ErrCycleInProgress
			}
			return nil
		},
		func(data any) {
			runAt, _ := data.(time.Time)
			s.hub.Publish(events.WorkerStatus, events.WorkerStatusEvent{
				Worker:  workerScheduler,
				Status:  "upcoming",
				Message: fmt.Sprintf("blood pressure measurement at %s", runAt.Format(time.TimeOnly)),
				Ts:      time.Now().Unix(),
			})
		},
		func(data any) {
			err, _ := data.(error)
			logrus.WithError(err).Warn("scheduled measurement did not run")
			s.hub.Publish(events.WorkerStatus, events.WorkerStatusEvent{
				Worker:  workerScheduler,
				Status:  "error",
				Message: fmt.Sprint(err),
				Ts:      time.Now().Unix(),
			})
		},
	)
}

// runScheduledMeasurement takes one measurement outside the schedule.
func (s *server) runScheduledMeasurement() {
	if _, err := s.monitor.StartCycle(context.Background(), "", ""); err != nil {
		logrus.WithError(err).Error("measurement failed")
	}
}

// schedule sets the cron expression for periodic measurements and returns
// the next run times. An empty expression disables the schedule.
func (s *server) schedule(cronExpr string) ([]time.Time, error) {
	if cronExpr == "" {
		if s.conf.Schedule() == "" {
			// Already disabled
			return nil, nil
		}

		s.conf.SetSchedule("")
		if err := s.conf.Save(); err != nil {
			logrus.WithError(err).Error("failed to save config")
			return nil, pkgerrors.Wrap(err, "failed to save config")
		}
		s.scheduler.Disable()
		s.hub.Publish(events.WorkerStatus, events.WorkerStatusEvent{
			Worker:  workerScheduler,
			Status:  "disabled",
			Message: "measurement schedule disabled",
			Ts:      time.Now().Unix(),
		})
		return nil, nil
	}

	if _, err := cronParser.Parse(cronExpr); err != nil {
		return nil, pkgerrors.Wrapf(errInvalidSchedule, "%s: %v", cronExpr, err)
	}

	s.conf.SetSchedule(cronExpr)
	if err := s.conf.Save(); err != nil {
		logrus.WithError(err).Error("failed to save config")
		return nil, pkgerrors.Wrap(err, "failed to save config")
	}

	if err := s.applySchedule(cronExpr); err != nil {
		return nil, err
	}

	nextRuns := s.scheduler.NextRuns(3)
	if len(nextRuns) > 0 {
		s.hub.Publish(events.WorkerStatus, events.WorkerStatusEvent{
			Worker:  workerScheduler,
			Status:  "scheduled",
			Message: fmt.Sprintf("next blood pressure measurement at %s", nextRuns[0].Format("Jan _2 15:04")),
			Ts:      time.Now().Unix(),
		})
	}
	return nextRuns, nil
}

// applySchedule (re)starts the scheduler with cronExpr without saving it.
func (s *server) applySchedule(cronExpr string) error {
	if cronExpr == "" {
		s.scheduler.Disable()
		return nil
	}
	if err := s.scheduler.Schedule(cronExpr); err != nil {
		logrus.WithError(err).Error("failed to schedule measurements")
		return pkgerrors.Wrapf(errInvalidSchedule, "%s: %v", cronExpr, err)
	}
	s.scheduler.Start()
	return nil
}

func (s *server) postpone(duration time.Duration) error {
	if err := s.scheduler.Postpone(duration); err != nil {
		logrus.WithError(err).Error("failed to postpone measurement")
		return err
	}

	s.hub.Publish(events.WorkerStatus, events.WorkerStatusEvent{
		Worker:  workerScheduler,
		Status:  "postponed",
		Message: fmt.Sprintf("measurement postponed for %s", duration.String()),
		Ts:      time.Now().Unix(),
	})
	return nil
}

func (s *server) skipNextSchedule() error {
	if err := s.scheduler.Skip(); err != nil {
		logrus.WithError(err).Error("failed to skip next scheduled measurement")
		return err
	}

	s.hub.Publish(events.WorkerStatus, events.WorkerStatusEvent{
		Worker:  workerScheduler,
		Status:  "skipped",
		Message: "next measurement skipped",
		Ts:      time.Now().Unix(),
	})
	return nil
}
