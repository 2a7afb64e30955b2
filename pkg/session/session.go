// Package session holds the monitoring session shared by every worker: which
// patient is being monitored, by which doctor, and whether monitoring is on.
package session

import (
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoPatient is returned when monitoring is started without a patient.
var ErrNoPatient = pkgerrors.New("a patient id is required to start monitoring")

// Session is an immutable snapshot.
type Session struct {
	Active    bool      `json:"active"`
	PatientID string    `json:"patientId,omitempty"`
	DoctorID  string    `json:"doctorId,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// Manager is the single writer of the session. Workers read snapshots or
// watch for changes.
type Manager struct {
	mu       sync.RWMutex
	current  Session
	watchers map[chan Session]struct{}
	now      func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		watchers: make(map[chan Session]struct{}),
		now:      time.Now,
	}
}

// Get returns the current session.
func (m *Manager) Get() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Start activates monitoring for a patient, replacing any running session.
func (m *Manager) Start(patientID, doctorID string) (Session, error) {
	if patientID == "" {
		return Session{}, ErrNoPatient
	}
	s := Session{
		Active:    true,
		PatientID: patientID,
		DoctorID:  doctorID,
		StartedAt: m.now(),
	}
	m.set(s)

	logrus.WithFields(logrus.Fields{
		"patientID": patientID,
		"doctorID":  doctorID,
	}).Info("monitoring started")
	return s, nil
}

// Stop deactivates monitoring. Stopping an inactive session is a no-op.
func (m *Manager) Stop() Session {
	if !m.Get().Active {
		return Session{}
	}
	m.set(Session{})
	logrus.Info("monitoring stopped")
	return Session{}
}

// Watch returns a channel receiving every new session. The channel holds
// only the latest pending value.
func (m *Manager) Watch() <-chan Session {
	ch := make(chan Session, 1)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unwatch stops delivery to ch and closes it.
func (m *Manager) Unwatch(ch <-chan Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for w := range m.watchers {
		if w == ch {
			delete(m.watchers, w)
			close(w)
			return
		}
	}
}

func (m *Manager) set(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = s
	for w := range m.watchers {
		// Replace a stale pending value with the latest one.
		select {
		case <-w:
		default:
		}
		w <- s
	}
}
