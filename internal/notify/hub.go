package notify

import (
	"log/slog"
	"sync"

	"github.com/Brahma-fi/brahma-connect/internal/logger"
)

// Channel is the human-facing message surface.
type Channel interface {
	Post(message string)
	Subscribe(fn func(message string)) (unsubscribe func())
}

// Hub fans every posted message out to all subscribers, in post order per subscriber.
type Hub struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[uint64]func(string)
	nextID    uint64
}

func NewHub() *Hub {
	return &Hub{
		logger:    logger.Named("notify_hub"),
		listeners: make(map[uint64]func(string)),
	}
}

func (h *Hub) Post(message string) {
	h.mu.RLock()
	listeners := make([]func(string), 0, len(h.listeners))
	for _, fn := range h.listeners {
		listeners = append(listeners, fn)
	}
	h.mu.RUnlock()

	h.logger.Debug("posting notification", "kind", KindOf(message), "listeners", len(listeners))
	for _, fn := range listeners {
		fn(message)
	}
}

func (h *Hub) Subscribe(fn func(string)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}
