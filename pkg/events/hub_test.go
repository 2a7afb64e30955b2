package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlie0129/vitals/pkg/types"
	"github.com/charlie0129/vitals/pkg/utils/ptr"
)

func TestEventHub_PublishSubscribe(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	h.Publish(CyclePhase, CyclePhaseEvent{From: "Idle", To: "Inflating", Ts: 1})

	ev := <-ch
	assert.Equal(t, CyclePhase, ev.Name)
	payload, err := DecodeAs[CyclePhaseEvent](ev)
	require.NoError(t, err)
	assert.Equal(t, "Inflating", payload.To)
}

func TestEventHub_BloodPressurePayload(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	res := &types.MeasurementResult{PatientID: "p1", DoctorID: "d1", Systolic: ptr.To(121.4)}
	h.Publish(BloodPressure, res.Payload())

	payload, err := DecodeAs[BloodPressureEvent](<-ch)
	require.NoError(t, err)
	assert.Equal(t, "p1", payload.PatientID)
	assert.Equal(t, "121/--", payload.BloodPressure)
	require.NotNil(t, payload.Systolic)
	assert.Equal(t, 121.4, *payload.Systolic)
	assert.Nil(t, payload.Diastolic)
}

func TestEventHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		h.Publish(ECG, ECGEvent{})
	}
	assert.Len(t, ch, cap(ch))
}

func TestEventHub_ConcurrentPublish(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()

	var wg sync.WaitGroup
	for _, topic := range []string{Temperature, ECG, BloodPressure, WorkerStatus} {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				h.Publish(topic, map[string]int{"i": i})
			}
		}(topic)
	}
	wg.Wait()

	h.Unsubscribe(ch)
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, 16, n)
	assert.Equal(t, 0, h.Subscribers())
}

func TestEventHub_NilAndUnmarshalable(t *testing.T) {
	var h *EventHub
	assert.NotPanics(t, func() { h.Publish(ECG, nil) })

	hub := NewEventHub()
	ch := hub.Subscribe()
	hub.Publish(ECG, make(chan int))
	assert.Empty(t, ch)

	hub.Unsubscribe(ch)
	hub.Unsubscribe(ch)
}

func TestEventHub_Close(t *testing.T) {
	h := NewEventHub()
	a, b := h.Subscribe(), h.Subscribe()
	require.Equal(t, 2, h.Subscribers())

	h.Close()
	assert.Zero(t, h.Subscribers())
	_, ok := <-a
	assert.False(t, ok)
	_, ok = <-b
	assert.False(t, ok)

	// Unsubscribing after Close must not double close.
	h.Unsubscribe(a)
	h.Publish(CyclePhase, CyclePhaseEvent{})
}
