package daemon

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pkgerrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	// defaultLeadDuration is how long before a scheduled measurement the
	// patient is warned that the cuff will inflate.
	defaultLeadDuration = time.Minute
	// A measurement that is not ready is retried every preCheckInterval,
	// at most preCheckRetries times, then dropped.
	preCheckRetries  = 30
	preCheckInterval = 10 * time.Second
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var errNoSchedule = pkgerrors.New("no measurement is scheduled")

type NotifyFunc func(data any)

// TaskFunc is a measurement or a readiness check.
type TaskFunc func() error

// Scheduler takes measurements on a cron schedule. Only the next run is
// tracked: it can be postponed or skipped without touching the schedule.
type Scheduler struct {
	// OnUpcoming receives the run time LeadDuration before each run.
	OnUpcoming NotifyFunc
	// OnError receives failed pre-checks and failed measurements.
	OnError NotifyFunc
	Task    TaskFunc
	// PreCheck, when set, must pass before Task runs.
	PreCheck TaskFunc

	LeadDuration time.Duration

	clock  clock.Clock
	parser cron.Parser

	mu       sync.Mutex
	schedule cron.Schedule
	nextRun  time.Time
	running  bool
	stopCh   chan struct{}

	controlCh chan control
}

type controlKind int

const (
	ctrlReschedule controlKind = iota
	ctrlPostpone
	ctrlSkip
)

func (k controlKind) String() string {
	switch k {
	case ctrlReschedule:
		return "reschedule"
	case ctrlPostpone:
		return "postpone"
	case ctrlSkip:
		return "skip"
	default:
		return "unknown"
	}
}

type control struct {
	kind     controlKind
	schedule cron.Schedule
	runAt    time.Time
}

func NewScheduler(task, preCheck TaskFunc, onUpcoming, onError NotifyFunc) *Scheduler {
	if task == nil {
		panic("scheduler needs a task")
	}
	return &Scheduler{
		OnUpcoming:   onUpcoming,
		OnError:      onError,
		Task:         task,
		PreCheck:     preCheck,
		LeadDuration: defaultLeadDuration,
		clock:        clock.New(),
		parser:       cronParser,
		controlCh:    make(chan control, 4),
	}
}

// Start runs the loop in the background. It is a no-op when running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	go s.loop(s.stopCh)
}

// Stop ends the loop. The schedule is kept, so Start resumes it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
}

// Disable stops the loop and forgets the schedule.
func (s *Scheduler) Disable() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = nil
	s.nextRun = time.Time{}
}

// Schedule replaces the cron expression. A running loop picks it up
// immediately.
func (s *Scheduler) Schedule(cronExpr string) error {
	sh, err := s.parser.Parse(cronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	running := s.running
	if !running {
		s.schedule = sh
		s.nextRun = sh.Next(s.clock.Now())
	}
	s.mu.Unlock()

	if running {
		s.send(control{kind: ctrlReschedule, schedule: sh})
	}
	return nil
}

// Postpone delays the next measurement by d. The measurement after it
// keeps its time, so d must not reach it.
func (s *Scheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return pkgerrors.Errorf("postpone duration must be positive, got %s", d)
	}

	s.mu.Lock()
	sh, runAt, running := s.schedule, s.nextRun, s.running
	s.mu.Unlock()
	if sh == nil || runAt.IsZero() || !running {
		return errNoSchedule
	}

	following := sh.Next(runAt).Truncate(time.Second)
	postponed := runAt.Add(d).Truncate(time.Second)
	if !postponed.Before(following) {
		return pkgerrors.Errorf("postponing by %s would pass the following measurement at %s", d, following.Format(time.TimeOnly))
	}

	s.send(control{kind: ctrlPostpone, runAt: postponed})
	return nil
}

// Skip drops the next measurement.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return errNoSchedule
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	running := s.running
	s.mu.Unlock()

	if running {
		s.send(control{kind: ctrlSkip})
	}
	return nil
}

func (s *Scheduler) Status() (nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun, s.running
}

// NextRuns returns up to n upcoming run times, starting with the next one.
func (s *Scheduler) NextRuns(n int) []time.Time {
	sh, next := s.snapshot()
	if sh == nil || next.IsZero() {
		return nil
	}
	runs := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		runs = append(runs, next)
		next = sh.Next(next)
	}
	return runs
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	logrus.Debug("measurement scheduler started")
	defer logrus.Debug("measurement scheduler stopped")

	for {
		sh, runAt := s.snapshot()
		if sh != nil && !runAt.IsZero() {
			if !s.awaitRun(stop, runAt) {
				return
			}
			continue
		}

		// Idle until a schedule arrives.
		select {
		case <-stop:
			return
		case c := <-s.controlCh:
			if c.kind == ctrlReschedule {
				s.reschedule(c.schedule)
			}
		}
	}
}

// awaitRun handles a single run: the warning, the pre-check retries and
// the measurement. It returns false once stopped.
func (s *Scheduler) awaitRun(stop <-chan struct{}, runAt time.Time) bool {
	warned := false
	attempts := 0
	var lastErr error

	timer := s.clock.Timer(s.untilWarning(runAt))
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return false
		case c := <-s.controlCh:
			logrus.WithFields(logrus.Fields{
				"kind":  c.kind,
				"runAt": runAt.Format(time.DateTime),
			}).Debug("measurement schedule changed")

			switch c.kind {
			case ctrlReschedule:
				s.reschedule(c.schedule)
				return true
			case ctrlSkip:
				return true
			case ctrlPostpone:
				// Warn again before the new time.
				runAt = c.runAt
				warned = false
				timer.Reset(s.untilWarning(runAt))
			}
			continue
		case <-timer.C:
		}

		if !warned {
			warned = true
			logrus.WithField("runAt", runAt.Format(time.DateTime)).Debug("measurement coming up")
			s.notify(s.OnUpcoming, runAt)
			timer.Reset(max(s.clock.Until(runAt), 0))
			continue
		}

		if s.PreCheck != nil {
			if err := s.PreCheck(); err != nil {
				// Report each distinct reason once.
				if lastErr == nil || err.Error() != lastErr.Error() {
					lastErr = err
					s.notify(s.OnError, pkgerrors.Wrap(err, "measurement not ready"))
				}
				attempts++
				if attempts <= preCheckRetries {
					logrus.WithError(err).WithField("attempt", attempts).Debugf("measurement not ready, retrying in %s", preCheckInterval)
					timer.Reset(preCheckInterval)
					continue
				}
				logrus.WithError(err).Warn("dropping scheduled measurement")
				s.advance()
				return true
			}
		}

		logrus.WithField("runAt", runAt.Format(time.DateTime)).Info("taking scheduled measurement")
		go func() {
			if err := s.Task(); err != nil {
				s.notify(s.OnError, pkgerrors.Wrap(err, "scheduled measurement failed"))
			}
		}()
		s.advance()
		return true
	}
}

func (s *Scheduler) untilWarning(runAt time.Time) time.Duration {
	return max(s.clock.Until(runAt)-s.LeadDuration, 0)
}

func (s *Scheduler) reschedule(sh cron.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = sh
	s.nextRun = sh.Next(s.clock.Now())
}

func (s *Scheduler) snapshot() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

func (s *Scheduler) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule != nil {
		s.nextRun = s.schedule.Next(s.nextRun)
	}
}

func (s *Scheduler) notify(fn NotifyFunc, data any) {
	if fn != nil {
		go fn(data)
	}
}

// send drops the message when the queue is full.
func (s *Scheduler) send(c control) {
	select {
	case s.controlCh <- c:
	default:
	}
}
