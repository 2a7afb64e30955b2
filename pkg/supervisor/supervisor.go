// Package supervisor keeps named long-running units alive. A unit that
// returns an error or panics is restarted after an exponentially growing
// backoff until the supervisor's context is canceled.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/charlie0129/vitals/pkg/events"
)

const (
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
	DefaultFactor         = 2
	// DefaultResetAfter is how long a unit must run before its backoff
	// starts over.
	DefaultResetAfter = time.Minute
)

// Unit statuses reported through events.WorkerStatus.
const (
	StatusRunning    = "running"
	StatusRestarting = "restarting"
	StatusStopped    = "stopped"
	StatusFailed     = "failed"
)

// Unit is a named long-running task. Run should block until ctx is done.
type Unit struct {
	Name string
	Run  func(ctx context.Context) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The supervisor stops every unit
// and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// UnitStatus is the supervisor's view of a unit.
type UnitStatus struct {
	Status    string    `json:"status"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since"`
}

// Options tunes the backoff. Zero values use the defaults.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Factor         int
	ResetAfter     time.Duration
	Clock          clock.Clock
	// Publisher receives a WorkerStatusEvent on every status change. Optional.
	Publisher events.Publisher
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Factor <= 1 {
		o.Factor = DefaultFactor
	}
	if o.ResetAfter <= 0 {
		o.ResetAfter = DefaultResetAfter
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

type Supervisor struct {
	opts Options

	mu    sync.RWMutex
	units map[string]UnitStatus
}

func New(opts Options) *Supervisor {
	return &Supervisor{
		opts:  opts.withDefaults(),
		units: make(map[string]UnitStatus),
	}
}

// Run supervises units until ctx is canceled, then waits for all of them to
// return. It returns nil after a cancellation and the error of the first
// unit that failed permanently otherwise.
func (s *Supervisor) Run(ctx context.Context, units ...Unit) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range units {
		u := u
		g.Go(func() error {
			return s.supervise(gctx, u)
		})
	}
	return g.Wait()
}

// Statuses returns a snapshot keyed by unit name.
func (s *Supervisor) Statuses() map[string]UnitStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make(map[string]UnitStatus, len(s.units))
	for k, v := range s.units {
		ret[k] = v
	}
	return ret
}

func (s *Supervisor) supervise(ctx context.Context, u Unit) error {
	logger := logrus.WithField("unit", u.Name)
	backoff := s.opts.InitialBackoff

	for {
		s.setStatus(u.Name, StatusRunning, nil, false)
		started := s.opts.Clock.Now()

		err := runSafely(ctx, u)

		if ctx.Err() != nil {
			s.setStatus(u.Name, StatusStopped, nil, false)
			logger.Debug("unit stopped")
			return nil
		}
		if err == nil {
			s.setStatus(u.Name, StatusStopped, nil, false)
			logger.Info("unit finished")
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			s.setStatus(u.Name, StatusFailed, err, false)
			logger.WithError(err).Error("unit failed permanently")
			return pkgerrors.Wrapf(perm.err, "unit %s", u.Name)
		}

		if s.opts.Clock.Now().Sub(started) >= s.opts.ResetAfter {
			backoff = s.opts.InitialBackoff
		}

		s.setStatus(u.Name, StatusRestarting, err, true)
		logger.WithError(err).WithField("backoff", backoff).Warn("unit failed, restarting")

		t := s.opts.Clock.Timer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			s.setStatus(u.Name, StatusStopped, nil, false)
			return nil
		case <-t.C:
		}

		backoff = s.nextBackoff(backoff)
	}
}

func (s *Supervisor) nextBackoff(cur time.Duration) time.Duration {
	next := cur * time.Duration(s.opts.Factor)
	if next > s.opts.MaxBackoff {
		return s.opts.MaxBackoff
	}
	return next
}

func runSafely(ctx context.Context, u Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.Errorf("unit %s panicked: %v", u.Name, r)
		}
	}()
	return u.Run(ctx)
}

func (s *Supervisor) setStatus(name, status string, err error, restart bool) {
	now := s.opts.Clock.Now()

	s.mu.Lock()
	st := s.units[name]
	st.Status = status
	st.Since = now
	if restart {
		st.Restarts++
	}
	if err != nil {
		st.LastError = err.Error()
	}
	s.units[name] = st
	s.mu.Unlock()

	if s.opts.Publisher != nil {
		ev := events.WorkerStatusEvent{
			Worker: name,
			Status: status,
			Ts:     now.Unix(),
		}
		if err != nil {
			ev.Message = err.Error()
		}
		s.opts.Publisher.Publish(events.WorkerStatus, ev)
	}
}
