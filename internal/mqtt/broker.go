package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"homehub/internal/models"
)

var (
	ErrTimeout      = errors.New("mqtt operation timed out")
	ErrNotConnected = errors.New("mqtt client not attached")
)

// Handler receives the topic and raw payload of an inbound message.
type Handler func(topic string, payload []byte)

// Broker publishes hub traffic and tracks subscriptions so they can be
// restored after a reconnect.
type Broker struct {
	client  mqtt.Client
	topics  Topics
	qos     byte
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// NewBroker returns a broker without a connection; Attach the client once
// NewMQTTClient has connected with Resubscribe as its on-connect callback.
func NewBroker(topics Topics, qos byte, timeout time.Duration, logger *zap.Logger) *Broker {
	return &Broker{
		topics:  topics,
		qos:     qos,
		timeout: timeout,
		logger:  logger,
		subs:    make(map[string]Handler),
	}
}

func (b *Broker) Attach(client mqtt.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = client
}

func (b *Broker) Topics() Topics { return b.topics }

func (b *Broker) conn() (mqtt.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, ErrNotConnected
	}
	return b.client, nil
}

func (b *Broker) wait(token mqtt.Token, what string) error {
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("%s: %w", what, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func (b *Broker) publish(topic string, retained bool, payload any) error {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		var err error
		if body, err = json.Marshal(p); err != nil {
			return fmt.Errorf("encode payload for %s: %w", topic, err)
		}
	}
	client, err := b.conn()
	if err != nil {
		return err
	}
	return b.wait(client.Publish(topic, b.qos, retained, body), "publish "+topic)
}

type statePayload struct {
	State     string        `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
	Origin    models.Origin `json:"origin"`
	ActorID   string        `json:"actorId,omitempty"`
	RoomID    string        `json:"roomId,omitempty"`
}

// PublishState writes the retained per-device state topic.
func (b *Broker) PublishState(_ context.Context, u models.StateUpdate) error {
	return b.publish(b.topics.DeviceState(u.DeviceID), true, statePayload{
		State:     u.State,
		Timestamp: u.Timestamp,
		Origin:    u.Origin,
		ActorID:   u.ActorID,
		RoomID:    u.RoomID,
	})
}

func (b *Broker) PublishRoomState(roomID string, u models.StateUpdate) error {
	return b.publish(b.topics.RoomStateUpdate(roomID), false, u)
}

func (b *Broker) PublishRoomBulk(roomID string, roster any) error {
	return b.publish(b.topics.RoomBulkUpdate(roomID), false, roster)
}

func (b *Broker) PublishRoomTask(roomID string, ev models.TaskEvent) error {
	return b.publish(b.topics.RoomTaskUpdate(roomID), false, ev)
}

func (b *Broker) PublishRoomCompact(roomID, code string) error {
	return b.publish(b.topics.RoomCompact(roomID), false, code)
}

// PublishRoomConnection is retained so a late dashboard sees the flag.
func (b *Broker) PublishRoomConnection(roomID string, connected bool) error {
	return b.publish(b.topics.RoomConnection(roomID), true, map[string]any{
		"roomId":    roomID,
		"connected": connected,
	})
}

func (b *Broker) PublishAuthResponse(espID string, payload any) error {
	return b.publish(b.topics.ESPAuthResponse(espID), false, payload)
}

func (b *Broker) PublishError(espID string, payload any) error {
	return b.publish(b.topics.ESPError(espID), false, payload)
}

func (b *Broker) Subscribe(filter string, h Handler) error {
	b.mu.Lock()
	b.subs[filter] = h
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return b.subscribe(client, filter, h)
}

func (b *Broker) subscribe(client mqtt.Client, filter string, h Handler) error {
	token := client.Subscribe(filter, b.qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	return b.wait(token, "subscribe "+filter)
}

// Resubscribe restores every registered subscription; wire it as the
// client's on-connect callback.
func (b *Broker) Resubscribe(client mqtt.Client) {
	b.mu.Lock()
	subs := maps.Clone(b.subs)
	b.mu.Unlock()
	for f, h := range subs {
		if err := b.subscribe(client, f, h); err != nil {
			b.logger.Error("resubscribe failed", zap.String("filter", f), zap.Error(err))
		}
	}
}

func (b *Broker) Close() {
	if client, err := b.conn(); err == nil {
		client.Disconnect(250)
	}
}
