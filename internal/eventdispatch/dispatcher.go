// Package eventdispatch delivers connection state notifications to
// buffered channels without ever blocking the emitter.
package eventdispatch

import (
	"sync"
	"sync/atomic"
)

// Dispatcher fans events out to a primary channel and to any number of
// filtered subscriptions. A full channel drops the event for that receiver
// only.
type Dispatcher[E any] struct {
	events chan E
	subs   map[*Subscription[E]]struct{}
	onDrop func(E)

	dropped atomic.Uint64
	mu      sync.Mutex
	closed  bool
}

// Subscription is a filtered view of a Dispatcher.
type Subscription[E any] struct {
	d      *Dispatcher[E]
	ch     chan E
	match  func(E) bool
	closed bool
}

// NewDispatcher creates a dispatcher whose primary channel holds
// bufferSize events.
func NewDispatcher[E any](bufferSize int) *Dispatcher[E] {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Dispatcher[E]{
		events: make(chan E, bufferSize),
		subs:   make(map[*Subscription[E]]struct{}),
	}
}

// OnDrop registers a hook called, under the dispatcher lock, for every
// event the primary channel had no room for.
func (d *Dispatcher[E]) OnDrop(fn func(E)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDrop = fn
}

// Emit delivers e. It reports whether the primary channel accepted it.
func (d *Dispatcher[E]) Emit(e E) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	for s := range d.subs {
		if s.match != nil && !s.match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}

	select {
	case d.events <- e:
		return true
	default:
		d.dropped.Add(1)
		if d.onDrop != nil {
			d.onDrop(e)
		}
		return false
	}
}

// Events returns the primary channel. It is closed by Close.
func (d *Dispatcher[E]) Events() <-chan E {
	return d.events
}

// Subscribe returns a subscription receiving the events match accepts. A
// nil match accepts everything.
func (d *Dispatcher[E]) Subscribe(bufferSize int, match func(E) bool) *Subscription[E] {
	if bufferSize < 0 {
		bufferSize = 0
	}
	s := &Subscription[E]{d: d, ch: make(chan E, bufferSize), match: match}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	d.subs[s] = struct{}{}
	return s
}

// Dropped returns how many events the primary channel dropped.
func (d *Dispatcher[E]) Dropped() uint64 {
	return d.dropped.Load()
}

// Close closes the primary channel and every subscription. It is safe to
// call more than once.
func (d *Dispatcher[E]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	close(d.events)
	for s := range d.subs {
		s.closeLocked()
	}
}

// IsClosed reports whether Close was called.
func (d *Dispatcher[E]) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Events returns the subscription's channel.
func (s *Subscription[E]) Events() <-chan E {
	return s.ch
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription[E]) Cancel() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription[E]) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.d.subs, s)
	close(s.ch)
}
