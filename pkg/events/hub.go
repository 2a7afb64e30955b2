package events

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Publisher is the outbound channel shared by every worker. Implementations
// must be safe for concurrent use.
type Publisher interface {
	Publish(topic string, payload any)
}

var _ Publisher = &EventHub{}

// EventHub fans events out to subscribers. A subscriber that does not keep
// up loses events instead of blocking publishers.
type EventHub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewEventHub() *EventHub { return &EventHub{subs: make(map[chan Event]struct{})} }

func (h *EventHub) Subscribe() chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Subscribers returns the number of active subscribers.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *EventHub) Publish(topic string, payload any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).WithField("topic", topic).Error("failed to marshal event payload")
		return
	}
	msg := Event{Name: topic, Data: b}
	h.mu.RLock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			logrus.WithField("topic", topic).Debug("dropping event for slow subscriber")
		}
	}
	h.mu.RUnlock()
}

// Close unsubscribes every subscriber, ending their streams.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
