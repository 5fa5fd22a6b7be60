package schedule

import (
	"context"
	"time"
)

type EventType string

const (
	EventScheduleAdded      EventType = "schedule_added"
	EventScheduleUpdated    EventType = "schedule_updated"
	EventScheduleRemoved    EventType = "schedule_removed"
	EventScheduleToggled    EventType = "schedule_toggled"
	EventSchedulesRefreshed EventType = "schedules_refreshed"
	EventScheduleFailed     EventType = "schedule_failed"
)

// Event is published after every reconciler operation.
type Event struct {
	Type        EventType `json:"type"`
	ScheduleID  string    `json:"schedule_id,omitempty"`
	Schedule    *Schedule `json:"schedule,omitempty"`
	NodesFailed bool      `json:"nodes_failed,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notifier receives schedule events. Implementations must not block.
type Notifier interface {
	ScheduleChanged(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) ScheduleChanged(e Event) { f(e) }

// OperationRecord is one fan-out as written to the audit log.
type OperationRecord struct {
	ScheduleID string
	Name       string
	Operation  Operation
	Nodes      []string
	Failed     map[string]string
	Duration   time.Duration
}

type AuditLog interface {
	RecordOperation(ctx context.Context, rec OperationRecord) error
}
