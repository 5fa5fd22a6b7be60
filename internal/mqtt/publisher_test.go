package mqtt

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/config"
	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type doneToken struct{ done chan struct{} }

func newDoneToken() *doneToken {
	t := &doneToken{done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// recordingClient records publishes; other paho.Client methods are unused.
type recordingClient struct {
	paho.Client
	mu   sync.Mutex
	msgs []published
}

func (c *recordingClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: data})
	return newDoneToken()
}

func newTestPublisher() (*Publisher, *recordingClient) {
	client := &recordingClient{}
	return &Publisher{
		client: client,
		cfg:    config.MQTTConfig{TopicPrefix: "osc", QoS: 1},
		logger: zap.NewNop(),
	}, client
}

func TestPublishUpdatedSchedule(t *testing.T) {
	p, client := newTestPublisher()
	p.ScheduleChanged(schedule.Event{
		Type:       schedule.EventScheduleUpdated,
		ScheduleID: "ab12",
		Schedule:   &schedule.Schedule{ID: "ab12", Name: "Morning", Trigger: schedule.Trigger{Days: 31, Minutes: 420}, Enabled: true},
	})

	if len(client.msgs) != 2 {
		t.Fatalf("published %d messages", len(client.msgs))
	}
	if client.msgs[0].topic != "osc/schedules/ab12/events" || client.msgs[0].retained {
		t.Fatalf("event message = %+v", client.msgs[0])
	}
	state := client.msgs[1]
	if state.topic != "osc/schedules/ab12" || !state.retained {
		t.Fatalf("state message = %+v", state)
	}
	var sch schedule.Schedule
	if err := json.Unmarshal(state.payload, &sch); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if sch.DisplayKey() != "ab12.Morning.31.420.true" {
		t.Fatalf("key = %s", sch.DisplayKey())
	}
}

func TestPublishRemovalClearsRetainedState(t *testing.T) {
	p, client := newTestPublisher()
	p.ScheduleChanged(schedule.Event{Type: schedule.EventScheduleRemoved, ScheduleID: "ab12"})

	last := client.msgs[len(client.msgs)-1]
	if last.topic != "osc/schedules/ab12" || !last.retained || len(last.payload) != 0 {
		t.Fatalf("clear message = %+v", last)
	}
}

func TestPublishRefreshEvent(t *testing.T) {
	p, client := newTestPublisher()
	p.ScheduleChanged(schedule.Event{Type: schedule.EventSchedulesRefreshed})

	if len(client.msgs) != 1 || client.msgs[0].topic != "osc/events" {
		t.Fatalf("msgs = %+v", client.msgs)
	}
}
