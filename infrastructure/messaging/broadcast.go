// Package messaging provides the process-wide flow broadcast used by
// passive listeners that do not hold a per-flow subscription.
package messaging

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payflow-backend/application/ports"
)

// Broadcaster fans flow events out to all registered listeners. Delivery is
// synchronous and best-effort; a panicking listener does not block the rest.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[string]func(ports.FlowBroadcast)
	logger    *zap.Logger
}

var _ ports.Broadcaster = (*Broadcaster)(nil)

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		listeners: make(map[string]func(ports.FlowBroadcast)),
		logger:    logger,
	}
}

// Publish delivers a broadcast to every listener
func (b *Broadcaster) Publish(event ports.FlowBroadcast) {
	b.mu.RLock()
	listeners := make([]func(ports.FlowBroadcast), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("broadcast listener panicked", zap.Any("panic", r))
				}
			}()
			fn(event)
		}()
	}
}

// Subscribe registers a listener and returns its removal handle
func (b *Broadcaster) Subscribe(fn func(ports.FlowBroadcast)) func() {
	id := uuid.New().String()

	b.mu.Lock()
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}
