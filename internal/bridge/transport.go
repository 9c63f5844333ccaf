// Package bridge relays wallet-provider calls between a page context and the
// coordinator that owns the real provider. The two sides share no memory;
// they only post wire messages to each other.
package bridge

import (
	"log/slog"
	"sync"

	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/wire"
)

type (
	// Source is a context messages can be posted to. Its ID identifies the
	// sender of a delivery.
	Source interface {
		ID() string
		Post(msg wire.Message) error
	}

	// Delivery is a message together with the context that posted it. Source
	// is nil when the sender is unknown.
	Delivery struct {
		Source  Source
		Message wire.Message
	}

	Inbox interface {
		Subscribe(fn func(Delivery)) (unsubscribe func())
	}
)

type listener struct {
	id uint64
	fn func(Delivery)
}

// Window is an in-process context endpoint. Deliveries are dispatched
// asynchronously and in order to every subscriber.
type Window struct {
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	listeners []listener
	nextID    uint64
	pending   []Delivery
	closed    bool

	wake chan struct{}
	done chan struct{}
}

func NewWindow(name string) *Window {
	w := &Window{
		name:   name,
		logger: logger.Named("bridge_window").With("window", name),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Window) ID() string {
	return w.name
}

// Post delivers msg from an anonymous sender.
func (w *Window) Post(msg wire.Message) error {
	w.Deliver(Delivery{Message: msg})
	return nil
}

// Port returns a Source posting into w on behalf of sender.
func (w *Window) Port(sender Source) Source {
	return port{target: w, sender: sender}
}

func (w *Window) Deliver(d Delivery) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending = append(w.pending, d)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Window) Subscribe(fn func(Delivery)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners = append(w.listeners, listener{id: id, fn: fn})
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			for i, l := range w.listeners {
				if l.id == id {
					w.listeners = append(w.listeners[:i:i], w.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.pending = nil
	close(w.done)
}

func (w *Window) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		for {
			w.mu.Lock()
			if w.closed || len(w.pending) == 0 {
				w.mu.Unlock()
				break
			}
			d := w.pending[0]
			w.pending = w.pending[1:]
			listeners := append([]listener(nil), w.listeners...)
			w.mu.Unlock()

			for _, l := range listeners {
				l.fn(d)
			}
		}
	}
}

type port struct {
	target *Window
	sender Source
}

func (p port) ID() string {
	return p.target.ID()
}

func (p port) Post(msg wire.Message) error {
	p.target.Deliver(Delivery{Source: p.sender, Message: msg})
	return nil
}
