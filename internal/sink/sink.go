// Package sink is the consumer boundary of the listener. The listener writes
// every outcome into one Handler; callers pick the callback form directly or
// fan the same source out to channel subscribers through a Stream.
package sink

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/jersoncarin/facebook-message-api/internal/events"
)

// Handler receives (err, event) pairs. err is non-nil only for terminal
// listening failures, in which case e is nil.
type Handler interface {
	Handle(err error, e events.Event)
}

// HandlerFunc adapts a callback to Handler.
type HandlerFunc func(err error, e events.Event)

func (f HandlerFunc) Handle(err error, e events.Event) { f(err, e) }

// Multi delivers to each handler in order.
func Multi(handlers ...Handler) Handler {
	return HandlerFunc(func(err error, e events.Event) {
		for _, h := range handlers {
			h.Handle(err, e)
		}
	})
}

// Item is one delivery to a subscriber.
type Item struct {
	Err   error
	Event events.Event
}

// Stream fans a Handler out to channel subscribers. A subscriber that falls
// behind by more than its buffer loses events rather than stalling the
// listener; the loss is counted on the subscription.
type Stream struct {
	buffer int
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewStream creates a Stream whose subscriptions buffer up to buffer items.
func NewStream(buffer int, logger zerolog.Logger) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{
		buffer: buffer,
		logger: logger.With().Str("component", "sink").Logger(),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscription is a filtered view of a Stream.
type Subscription struct {
	stream  *Stream
	types   map[events.Type]bool
	ch      chan Item
	dropped atomic.Int64
	once    sync.Once
}

// Subscribe registers a subscriber. With no types every event is delivered;
// errors are always delivered. Subscribing to a closed Stream returns a
// subscription whose channel is already closed.
func (s *Stream) Subscribe(types ...events.Type) *Subscription {
	sub := &Subscription{stream: s, ch: make(chan Item, s.buffer)}
	if len(types) > 0 {
		sub.types = make(map[events.Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Handle implements Handler.
func (s *Stream) Handle(err error, e events.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for sub := range s.subs {
		if err == nil && !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- Item{Err: err, Event: e}:
		default:
			n := sub.dropped.Add(1)
			s.logger.Warn().Int64("dropped", n).Msg("Subscriber is behind, dropping event")
		}
	}
}

// Len returns the number of live subscriptions.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close ends every subscription. Later Handle calls are no-ops.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		delete(s.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// C returns the delivery channel. It is closed by Cancel or Stream.Close.
func (sub *Subscription) C() <-chan Item { return sub.ch }

// Dropped returns how many items this subscriber lost to a full buffer.
func (sub *Subscription) Dropped() int64 { return sub.dropped.Load() }

// Cancel detaches the subscription and closes its channel.
func (sub *Subscription) Cancel() {
	s := sub.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
	sub.once.Do(func() { close(sub.ch) })
}

func (sub *Subscription) wants(e events.Event) bool {
	if sub.types == nil {
		return true
	}
	return e != nil && sub.types[e.EventType()]
}
