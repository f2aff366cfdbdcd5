// Package testutil provides fakes shared by the listener, gateway and CLI
// tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jersoncarin/facebook-message-api/internal/mqtt"
)

// Timeout bounds every wait in this package.
const Timeout = 2 * time.Second

// Publish is one recorded publish.
type Publish struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// FakeDialer is an mqtt.Dialer that hands out FakeConns.
type FakeDialer struct {
	mu       sync.Mutex
	failures []error
	conns    []*FakeConn
	dialed   chan *FakeConn
}

// NewFakeDialer creates a new fake dialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{dialed: make(chan *FakeConn, 64)}
}

// FailNext makes the next dial return err.
func (d *FakeDialer) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, err)
}

// Dial records the attempt and returns a new FakeConn.
func (d *FakeDialer) Dial(_ context.Context, cfg mqtt.DialConfig, h mqtt.Handlers) (mqtt.Conn, error) {
	d.mu.Lock()
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		d.mu.Unlock()
		return nil, err
	}
	c := newFakeConn(cfg, h)
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	d.dialed <- c
	return c, nil
}

// Count returns the number of successful dials.
func (d *FakeDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Next waits for the next successful dial.
func (d *FakeDialer) Next(t *testing.T) *FakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(Timeout):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// FakeConn is an mqtt.Conn driven by the test.
type FakeConn struct {
	Config   mqtt.DialConfig
	handlers mqtt.Handlers

	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	publishes    []Publish
	publishErr   error

	published chan Publish
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(cfg mqtt.DialConfig, h mqtt.Handlers) *FakeConn {
	return &FakeConn{
		Config:    cfg,
		handlers:  h,
		published: make(chan Publish, 64),
		closed:    make(chan struct{}),
	}
}

// Subscribe records the topics.
func (c *FakeConn) Subscribe(_ context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topics...)
	return nil
}

// Unsubscribe records the topics.
func (c *FakeConn) Unsubscribe(_ context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return nil
}

// Publish records the publish, or fails with the error set by FailPublish.
func (c *FakeConn) Publish(_ context.Context, topic string, qos byte, payload []byte) error {
	c.mu.Lock()
	if c.publishErr != nil {
		err := c.publishErr
		c.mu.Unlock()
		return err
	}
	p := Publish{Topic: topic, QoS: qos, Payload: append([]byte(nil), payload...)}
	c.publishes = append(c.publishes, p)
	c.mu.Unlock()

	c.published <- p
	return nil
}

// FailPublish makes every later Publish fail.
func (c *FakeConn) FailPublish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// Close marks the connection closed.
func (c *FakeConn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// WaitClosed waits for Close.
func (c *FakeConn) WaitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(Timeout):
		t.Fatal("timed out waiting for the connection to close")
	}
}

// NextPublish waits for the next publish.
func (c *FakeConn) NextPublish(t *testing.T) Publish {
	t.Helper()
	select {
	case p := <-c.published:
		return p
	case <-time.After(Timeout):
		t.Fatal("timed out waiting for a publish")
		return Publish{}
	}
}

// Subscribed returns the subscribed topics in order.
func (c *FakeConn) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

// Unsubscribed returns the unsubscribed topics in order.
func (c *FakeConn) Unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubscribed...)
}

// Publishes returns every recorded publish.
func (c *FakeConn) Publishes() []Publish {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publish(nil), c.publishes...)
}

// Deliver feeds an inbound frame to the listener.
func (c *FakeConn) Deliver(topic string, payload []byte) {
	c.handlers.OnMessage(mqtt.Message{Topic: topic, Payload: payload})
}

// DeliverJSON marshals v and delivers it on topic.
func (c *FakeConn) DeliverJSON(t *testing.T, topic string, v any) {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.Deliver(topic, body)
}

// Drop reports a lost connection to the listener.
func (c *FakeConn) Drop(err error) {
	c.handlers.OnConnectionLost(err)
}

// FakeSyncer is a listener.Syncer returning a fixed sequence id. When Gate is
// set, each call blocks until a value is sent on it.
type FakeSyncer struct {
	Seq  int64
	Err  error
	Gate chan struct{}

	mu    sync.Mutex
	calls int
}

// FetchSequenceID counts the call and returns Seq or Err.
func (s *FakeSyncer) FetchSequenceID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return s.Seq, s.Err
}

// Calls returns how many cursor requests were made.
func (s *FakeSyncer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
