// Package engine connects the broker, the task event bus and the scheduler
// to the synchronization hub and the hardware adapter.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"homehub/auth"
	"homehub/internal/channels"
	"homehub/internal/esp"
	"homehub/internal/models"
	"homehub/internal/mqtt"
	"homehub/internal/store"
)

// Broker is the MQTT surface the engine listens on and answers through.
type Broker interface {
	Topics() mqtt.Topics
	Subscribe(filter string, h mqtt.Handler) error
	PublishAuthResponse(espID string, payload any) error
	PublishError(espID string, payload any) error
	PublishRoomTask(roomID string, ev models.TaskEvent) error
}

type StateApplier interface {
	ApplyStateChange(ctx context.Context, deviceID string, proposed any, origin models.Origin, actorID string) (models.StateUpdate, error)
}

type EventSource interface {
	Subscribe(name string) <-chan models.TaskEvent
}

type Emitter interface {
	Emit(group channels.Group, key, event string, payload any) error
}

// FailureQueue accepts failure notifications for delivery.
type FailureQueue interface {
	EnqueueFailure(ctx context.Context, ev models.TaskEvent) error
}

// Scheduler is started after the broker handlers are in place.
type Scheduler interface {
	Start(ctx context.Context)
	Stop()
}

// Deps are the engine collaborators. Broker and Failures may be nil.
type Deps struct {
	Hub       StateApplier
	ESP       *esp.Adapter
	Devices   store.DeviceRepository
	Events    EventSource
	Emitter   Emitter
	Broker    Broker
	Failures  FailureQueue
	Scheduler Scheduler
	Logger    *zap.Logger
}

// Engine is the core control engine
type Engine struct {
	Deps

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(deps Deps) *Engine {
	return &Engine{Deps: deps}
}

// Start subscribes to hardware topics, starts the event consumers and then
// the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if e.Broker != nil {
		t := e.Broker.Topics()
		subs := []struct {
			filter string
			h      mqtt.Handler
		}{
			{t.ESPAuthFilter(), e.handler(ctx, e.onESPAuth)},
			{t.ESPCompactFilter(), e.handler(ctx, e.onESPCompact)},
			{t.ESPStatusFilter(), e.handler(ctx, e.onESPStatus)},
			{t.DeviceReportFilter(), e.handler(ctx, e.onDeviceReport)},
		}
		for _, s := range subs {
			e.Logger.Info("subscribing to MQTT topic", zap.String("filter", s.filter))
			if err := e.Broker.Subscribe(s.filter, s.h); err != nil {
				e.cancel()
				return err
			}
		}
	}

	e.consume(ctx, "user", e.broadcastToUsers)
	e.consume(ctx, "hardware", e.broadcastToHardware)
	if e.Broker != nil {
		e.consume(ctx, "broker", e.broadcastToBroker)
	}
	if e.Failures != nil {
		e.consume(ctx, "notifications", e.queueFailure)
	}

	e.Scheduler.Start(ctx)
	e.Logger.Info("engine started")
	return nil
}

// Stop stops the scheduler first so no new events are produced.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.Logger.Info("engine stopped")
}

func (e *Engine) handler(ctx context.Context, fn func(ctx context.Context, topic string, payload []byte)) mqtt.Handler {
	return func(topic string, payload []byte) {
		defer func() {
			if r := recover(); r != nil {
				e.Logger.Error("MQTT handler panicked", zap.String("topic", topic), zap.Any("panic", r))
			}
		}()
		fn(ctx, topic, payload)
	}
}

func mqttSession(espID string) string { return "mqtt:" + espID }

type espAuthRequest struct {
	RoomID       string `json:"roomId"`
	RoomPassword string `json:"roomPassword"`
}

func (e *Engine) onESPAuth(ctx context.Context, topic string, payload []byte) {
	espID, ok := e.Broker.Topics().ParseESPID(topic)
	if !ok {
		return
	}
	var req espAuthRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		e.reply(espID, e.Broker.PublishAuthResponse, esp.AuthResult{Error: "roomId is required"})
		return
	}
	res, err := e.ESP.Authenticate(ctx, mqttSession(espID), espID, req.RoomID, req.RoomPassword, "mqtt")
	if err != nil {
		e.Logger.Warn("ESP authentication failed", zap.String("esp_id", espID), zap.String("room_id", req.RoomID), zap.Error(err))
		if res.Error == "" {
			res.Error = "authentication failed"
		}
	}
	e.reply(espID, e.Broker.PublishAuthResponse, res)
}

func (e *Engine) onESPCompact(ctx context.Context, topic string, payload []byte) {
	espID, ok := e.Broker.Topics().ParseESPID(topic)
	if !ok {
		return
	}
	code := strings.TrimSpace(string(payload))
	_, err := e.ESP.HandleCompact(ctx, mqttSession(espID), code)
	if err == nil {
		return
	}
	var perr *esp.ProtocolError
	if errors.As(err, &perr) {
		e.reply(espID, e.Broker.PublishError, perr)
		return
	}
	e.Logger.Error("compact state change failed", zap.String("esp_id", espID), zap.String("code", code), zap.Error(err))
}

// onESPStatus handles the controller's last-will message.
func (e *Engine) onESPStatus(ctx context.Context, topic string, payload []byte) {
	espID, ok := e.Broker.Topics().ParseESPID(topic)
	if !ok {
		return
	}
	if strings.EqualFold(strings.TrimSpace(string(payload)), "offline") {
		e.ESP.Disconnect(ctx, mqttSession(espID))
	}
}

type deviceReport struct {
	State           any    `json:"state"`
	ComponentNumber string `json:"componentNumber"`
}

// onDeviceReport applies a rich self-report. Devices with a registered
// component number must present it.
func (e *Engine) onDeviceReport(ctx context.Context, topic string, payload []byte) {
	deviceID, ok := e.Broker.Topics().ParseDeviceID(topic)
	if !ok {
		return
	}
	var rep deviceReport
	if err := json.Unmarshal(payload, &rep); err != nil {
		e.Logger.Warn("malformed device report", zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	d, err := e.Devices.FindDevice(ctx, deviceID)
	if err != nil {
		e.Logger.Warn("report from unknown device", zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	if d.ComponentHash != "" {
		if err := auth.CompareSecret(d.ComponentHash, rep.ComponentNumber); err != nil {
			e.Logger.Warn("device report rejected", zap.String("device_id", deviceID), zap.Error(err))
			return
		}
	}
	if _, err := e.Hub.ApplyStateChange(ctx, deviceID, rep.State, models.OriginHardware, deviceID); err != nil {
		e.Logger.Warn("device report not applied", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func (e *Engine) reply(espID string, publish func(string, any) error, payload any) {
	if err := publish(espID, payload); err != nil {
		e.Logger.Warn("reply to ESP failed", zap.String("esp_id", espID), zap.Error(err))
	}
}

// consume drains one bus subscription until ctx ends.
func (e *Engine) consume(ctx context.Context, name string, fn func(ctx context.Context, ev models.TaskEvent) error) {
	ch := e.Events.Subscribe(name)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := fn(ctx, ev); err != nil {
					e.Logger.Warn("task event broadcast failed",
						zap.String("subscriber", name),
						zap.String("task_id", ev.TaskID),
						zap.Error(err))
				}
			}
		}
	}()
}

func (e *Engine) broadcastToUsers(_ context.Context, ev models.TaskEvent) error {
	return e.Emitter.Emit(channels.GroupUser, ev.DeviceID, channels.EventTaskUpdate, ev)
}

func (e *Engine) broadcastToHardware(ctx context.Context, ev models.TaskEvent) error {
	errs := []error{e.Emitter.Emit(channels.GroupDevice, ev.DeviceID, channels.EventTaskUpdate, ev)}
	if roomID := e.roomOf(ctx, ev.DeviceID); roomID != "" {
		errs = append(errs, e.Emitter.Emit(channels.GroupESPRoom, roomID, channels.EventTaskUpdate, ev))
	}
	return errors.Join(errs...)
}

func (e *Engine) broadcastToBroker(ctx context.Context, ev models.TaskEvent) error {
	roomID := e.roomOf(ctx, ev.DeviceID)
	if roomID == "" {
		return nil
	}
	return e.Broker.PublishRoomTask(roomID, ev)
}

func (e *Engine) queueFailure(ctx context.Context, ev models.TaskEvent) error {
	if ev.Kind != models.EventTaskFailed || !ev.NotificationsEnabled || !ev.NotifyOnFailure || len(ev.Recipients) == 0 {
		return nil
	}
	return e.Failures.EnqueueFailure(ctx, ev)
}

func (e *Engine) roomOf(ctx context.Context, deviceID string) string {
	d, err := e.Devices.FindDevice(ctx, deviceID)
	if err != nil {
		return ""
	}
	return d.RoomID
}
