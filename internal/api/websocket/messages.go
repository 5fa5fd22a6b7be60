package websocket

import (
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Schedule messages mirror schedule.EventType
	MessageTypeScheduleAdded      MessageType = MessageType(schedule.EventScheduleAdded)
	MessageTypeScheduleUpdated    MessageType = MessageType(schedule.EventScheduleUpdated)
	MessageTypeScheduleRemoved    MessageType = MessageType(schedule.EventScheduleRemoved)
	MessageTypeScheduleToggled    MessageType = MessageType(schedule.EventScheduleToggled)
	MessageTypeSchedulesRefreshed MessageType = MessageType(schedule.EventSchedulesRefreshed)
	MessageTypeScheduleFailed     MessageType = MessageType(schedule.EventScheduleFailed)

	// Node messages
	MessageTypeNodesDiscovered MessageType = "nodes_discovered"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"

	// Client control messages
	MessageTypeAuth         MessageType = "auth"
	MessageTypeAuthSuccess  MessageType = "auth_success"
	MessageTypeAuthFailed   MessageType = "auth_failed"
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnknownInput MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`

	// scheduleID routes the message to clients subscribed to it.
	scheduleID string
}

// ScheduleData is the payload of every schedule message.
type ScheduleData struct {
	ScheduleID  string             `json:"schedule_id,omitempty"`
	DisplayKey  string             `json:"display_key,omitempty"`
	Schedule    *schedule.Schedule `json:"schedule,omitempty"`
	NodesFailed bool               `json:"nodes_failed,omitempty"`
	Message     string             `json:"message,omitempty"`
}

// NodesData reports locally discovered nodes.
type NodesData struct {
	NodeIDs []string `json:"node_ids"`
}

// clientMessage is what a client may send after connecting.
type clientMessage struct {
	Type        MessageType `json:"type"`
	Token       string      `json:"token,omitempty"`
	ScheduleIDs []string    `json:"schedule_ids,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewScheduleMessage(e schedule.Event) Message {
	data := ScheduleData{
		ScheduleID:  e.ScheduleID,
		Schedule:    e.Schedule,
		NodesFailed: e.NodesFailed,
		Message:     e.Message,
	}
	if e.Schedule != nil {
		data.DisplayKey = e.Schedule.DisplayKey()
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Message{
		Type:       MessageType(e.Type),
		Timestamp:  ts,
		Data:       data,
		scheduleID: e.ScheduleID,
	}
}

func NewNodesMessage(nodeIDs []string) Message {
	return NewMessage(MessageTypeNodesDiscovered, NodesData{NodeIDs: nodeIDs})
}
