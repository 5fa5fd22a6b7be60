package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/config"
	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds

	statusOnline  = "online"
	statusOffline = "offline"
)

// Publisher mirrors schedule events onto an MQTT broker:
//
//	<prefix>/status                  online|offline, retained
//	<prefix>/schedules/<id>          current schedule JSON, retained, cleared on removal
//	<prefix>/schedules/<id>/events   every event for the schedule
//	<prefix>/events                  events without a schedule (refreshes)
type Publisher struct {
	client paho.Client
	cfg    config.MQTTConfig
	logger *zap.Logger
}

func NewPublisher(cfg config.MQTTConfig, logger *zap.Logger) *Publisher {
	p := &Publisher{cfg: cfg, logger: logger}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetWill(p.statusTopic(), statusOffline, cfg.QoS, true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
		p.publish(p.statusTopic(), true, []byte(statusOnline))
	})
	opts.SetConnectionLostHandler(func(c paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})

	p.client = paho.NewClient(opts)
	return p
}

// Connect waits for the first connection attempt. With connect retry on,
// the client keeps trying in the background after ctx is done.
func (p *Publisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker %s: %w", p.cfg.Broker, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("MQTT connect to %s: %w", p.cfg.Broker, ctx.Err())
	}
}

func (p *Publisher) Close() {
	if !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(p.statusTopic(), p.cfg.QoS, true, statusOffline)
	token.WaitTimeout(publishTimeout)
	p.client.Disconnect(disconnectQuiesce)
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *Publisher) scheduleTopic(id string) string {
	return p.cfg.TopicPrefix + "/schedules/" + id
}

// ScheduleChanged implements schedule.Notifier. Publishing is asynchronous.
func (p *Publisher) ScheduleChanged(e schedule.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("Failed to encode schedule event", zap.Error(err))
		return
	}

	if e.ScheduleID == "" {
		p.publish(p.cfg.TopicPrefix+"/events", false, payload)
		return
	}
	p.publish(p.scheduleTopic(e.ScheduleID)+"/events", false, payload)

	switch {
	case e.Type == schedule.EventScheduleRemoved:
		// An empty retained message deletes the retained state.
		p.publish(p.scheduleTopic(e.ScheduleID), true, []byte{})
	case e.Schedule != nil:
		state, err := json.Marshal(e.Schedule)
		if err != nil {
			p.logger.Error("Failed to encode schedule", zap.String("schedule_id", e.ScheduleID), zap.Error(err))
			return
		}
		p.publish(p.scheduleTopic(e.ScheduleID), true, state)
	}
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) {
	token := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn("MQTT publish timed out", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("MQTT publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}
