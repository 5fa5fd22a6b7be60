package streaming

import (
	"sync"

	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
)

// allSchedules is the subscription key for every schedule.
const allSchedules = ""

// EventStreamer fans schedule events out to stream subscribers. It is
// registered with the reconciler as a schedule.Notifier.
type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[string][]chan schedule.Event
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[string][]chan schedule.Event),
	}
}

// Subscribe returns a channel of events for scheduleID, or for every
// schedule when scheduleID is empty.
func (s *EventStreamer) Subscribe(scheduleID string) <-chan schedule.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan schedule.Event, 100)
	s.subscribers[scheduleID] = append(s.subscribers[scheduleID], ch)
	return ch
}

func (s *EventStreamer) Unsubscribe(scheduleID string, ch <-chan schedule.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[scheduleID]
	for i, sub := range subs {
		if sub == ch {
			s.subscribers[scheduleID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(s.subscribers[scheduleID]) == 0 {
		delete(s.subscribers, scheduleID)
	}
}

// ScheduleChanged delivers e without blocking. Events without a schedule id
// (refreshes) go to every subscriber.
func (s *EventStreamer) ScheduleChanged(e schedule.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, subs := range s.subscribers {
		if e.ScheduleID != "" && key != allSchedules && key != e.ScheduleID {
			continue
		}
		for _, ch := range subs {
			select {
			case ch <- e:
			default:
				// Skip if channel is full
			}
		}
	}
}

func (s *EventStreamer) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, subs := range s.subscribers {
		n += len(subs)
	}
	return n
}
