// Package notifier fans engine events out to registered subscribers.
package notifier

import (
	"context"
	"sync"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

// Hub implements ports.Notifier. Every event is logged and forwarded to
// each subscriber channel. Delivery is non-blocking: a subscriber that is
// not keeping up misses events rather than stalling the engine.
type Hub struct {
	logger ports.Logger

	mu   sync.RWMutex
	subs []chan domain.Event
}

func NewHub(logger ports.Logger) *Hub {
	return &Hub{logger: logger}
}

// Subscribe registers a buffered event channel. The returned cancel func
// removes the subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan domain.Event, buffer)

	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s == ch {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Publish logs the event and forwards it to all subscribers.
func (h *Hub) Publish(ctx context.Context, event domain.Event) {
	fields := map[string]interface{}{
		"type":     string(event.Type),
		"severity": string(event.Severity),
		"time":     event.Time,
	}
	if event.Position != nil {
		fields["positionID"] = event.Position.ID
		fields["instrument"] = event.Position.Instrument
	}
	switch event.Severity {
	case domain.SeverityCritical:
		h.logger.Warn(ctx, "CRITICAL "+event.Message, fields)
	case domain.SeverityHigh:
		h.logger.Warn(ctx, event.Message, fields)
	default:
		h.logger.Info(ctx, event.Message, fields)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full. Drop rather than block the engine.
		}
	}
}
