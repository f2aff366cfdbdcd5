package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/jersoncarin/facebook-message-api/internal/events"
	"github.com/jersoncarin/facebook-message-api/internal/sink"
)

// Recorder is a sink.Handler that keeps everything it receives.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
	errs   []error
	notify chan struct{}
}

var _ sink.Handler = (*Recorder)(nil)

// NewRecorder creates a new recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Handle records the pair.
func (r *Recorder) Handle(err error, e events.Event) {
	r.mu.Lock()
	if err != nil {
		r.errs = append(r.errs, err)
	} else {
		r.events = append(r.events, e)
	}
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns the recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Errors returns the recorded errors.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Types returns the variant of each recorded event.
func (r *Recorder) Types() []events.Type {
	var out []events.Type
	for _, e := range r.Events() {
		out = append(out, e.EventType())
	}
	return out
}

// WaitFor waits until cond holds for the recorder.
func (r *Recorder) WaitFor(t *testing.T, cond func(r *Recorder) bool) {
	t.Helper()
	deadline := time.After(Timeout)
	for !cond(r) {
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for recorded events")
		}
	}
}

// WaitEvents waits until at least n events were recorded.
func (r *Recorder) WaitEvents(t *testing.T, n int) []events.Event {
	t.Helper()
	r.WaitFor(t, func(r *Recorder) bool { return len(r.Events()) >= n })
	return r.Events()
}
