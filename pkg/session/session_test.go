package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_StartStop(t *testing.T) {
	m := NewManager()
	m.now = func() time.Time { return time.Unix(100, 0) }

	assert.False(t, m.Get().Active)

	s, err := m.Start("p1", "d1")
	require.NoError(t, err)
	assert.Equal(t, Session{Active: true, PatientID: "p1", DoctorID: "d1", StartedAt: time.Unix(100, 0)}, s)
	assert.Equal(t, s, m.Get())

	m.Stop()
	assert.Equal(t, Session{}, m.Get())
	m.Stop()
	assert.Equal(t, Session{}, m.Get())
}

func TestManager_RequiresPatient(t *testing.T) {
	m := NewManager()
	_, err := m.Start("", "d1")
	assert.ErrorIs(t, err, ErrNoPatient)
	assert.False(t, m.Get().Active)
}

func TestManager_WatchKeepsLatest(t *testing.T) {
	m := NewManager()
	ch := m.Watch()

	_, _ = m.Start("p1", "d1")
	_, _ = m.Start("p2", "d1")

	s := <-ch
	assert.Equal(t, "p2", s.PatientID)
	assert.Empty(t, ch)

	m.Unwatch(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.Start("p", "d")
			m.Stop()
		}()
		go func() {
			defer wg.Done()
			_ = m.Get()
		}()
	}
	wg.Wait()
}
