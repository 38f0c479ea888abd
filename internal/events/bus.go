// Package events carries task execution events from the scheduler to
// broadcast consumers without letting consumers slow the scheduler down.
package events

import (
	"sync"

	"go.uber.org/zap"

	"homehub/internal/metrics"
	"homehub/internal/models"
)

// Bus fans each published event out to every subscriber's buffered channel.
// A full subscriber loses the event; Publish never blocks.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]chan models.TaskEvent
	buffer  int
	closed  bool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewBus(buffer int, logger *zap.Logger, m *metrics.Metrics) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{
		subs:    make(map[string]chan models.TaskEvent),
		buffer:  buffer,
		logger:  logger,
		metrics: m,
	}
}

// Subscribe registers a named consumer. Subscribing twice with the same name
// returns the existing channel.
func (b *Bus) Subscribe(name string) <-chan models.TaskEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[name]; ok {
		return ch
	}
	ch := make(chan models.TaskEvent, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[name] = ch
	return ch
}

func (b *Bus) Publish(ev models.TaskEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for name, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping task event, subscriber is full",
				zap.String("subscriber", name),
				zap.String("task_id", ev.TaskID),
				zap.String("kind", string(ev.Kind)))
			b.metrics.EventDropped(name)
		}
	}
}

// Close closes every subscriber channel; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, ch := range b.subs {
		close(ch)
		delete(b.subs, name)
	}
}
