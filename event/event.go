// Package event provides a small in-process publish/subscribe dispatcher.
// Subscribers consume from their own bounded queue; when a subscriber falls
// behind, new events for it are dropped instead of blocking the publisher.
package event

import (
	"context"
	"sync"
)

// Event is the contract for anything published on a Dispatcher.
type Event interface {
	Type() uint32
}

type subscriber struct {
	kind  uint32
	queue chan Event
	fn    func(Event)
}

// Dispatcher routes events to subscribers by event type.
type Dispatcher struct {
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	maxQueue int
	closed   bool
}

// NewDispatcher creates a dispatcher with the default per-consumer queue size.
func NewDispatcher() *Dispatcher {
	return NewDispatcherConfig(1024)
}

func NewDispatcherConfig(maxQueue int) *Dispatcher {
	if maxQueue <= 0 {
		maxQueue = 1024
	}
	return &Dispatcher{
		subs:     make(map[*subscriber]struct{}),
		maxQueue: maxQueue,
	}
}

// Close stops all consumer goroutines. Publishing after Close is a no-op.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	for s := range d.subs {
		close(s.queue)
	}
	d.subs = make(map[*subscriber]struct{})
	return nil
}

// Subscribe registers a callback for events of type E. The returned cancel
// function removes the subscription and stops its consumer goroutine.
func Subscribe[E Event](d *Dispatcher, fn func(E)) context.CancelFunc {
	var zero E
	s := &subscriber{
		kind:  zero.Type(),
		queue: make(chan Event, d.maxQueue),
		fn:    func(ev Event) { fn(ev.(E)) },
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return func() {}
	}
	d.subs[s] = struct{}{}
	d.mu.Unlock()

	go func() {
		for ev := range s.queue {
			s.fn(ev)
		}
	}()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.subs[s]; ok {
			delete(d.subs, s)
			close(s.queue)
		}
	}
}

// Publish delivers ev to every subscriber of its type. Full subscriber queues
// drop the event rather than stalling the caller.
func Publish(d *Dispatcher, ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}
	for s := range d.subs {
		if s.kind != ev.Type() {
			continue
		}
		select {
		case s.queue <- ev:
		default:
		}
	}
}
