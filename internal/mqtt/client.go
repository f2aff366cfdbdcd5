// Package mqtt is the streaming transport: MQTT 3.1 carried over a WebSocket
// to the chat edge.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	// ClientID is the fixed client identifier of web clients.
	ClientID = "mqttwsclient"

	// KeepAlive is the heartbeat interval. The transport sends its own
	// pings; callers never override them.
	KeepAlive = 10 * time.Second

	protocolVersion = 3
	disconnectQuiet = 250
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("mqtt: connection closed")

// Message is one inbound publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Handlers receive transport callbacks. They are called from transport
// goroutines, in wire order for messages, and must not block for long.
type Handlers struct {
	OnMessage        func(Message)
	OnConnectionLost func(error)
}

// DialConfig describes one connection attempt.
type DialConfig struct {
	URL       string
	Username  string
	Cookie    string
	UserAgent string
	Proxy     string
}

// Conn is an established stream connection.
type Conn interface {
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Close()
}

// Dialer opens stream connections.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig, h Handlers) (Conn, error)
}

// PahoDialer dials with the Eclipse Paho client over gorilla WebSocket.
type PahoDialer struct {
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// NewDialer returns a PahoDialer.
func NewDialer(logger zerolog.Logger) *PahoDialer {
	return &PahoDialer{
		ConnectTimeout: 30 * time.Second,
		Logger:         logger.With().Str("component", "mqtt").Logger(),
	}
}

// Dial connects and completes the MQTT handshake. Automatic reconnection is
// disabled; a lost connection is reported once through h.OnConnectionLost.
func (d *PahoDialer) Dial(ctx context.Context, cfg DialConfig, h Handlers) (Conn, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(ClientID).
		SetUsername(cfg.Username).
		SetProtocolVersion(protocolVersion).
		SetCleanSession(true).
		SetKeepAlive(KeepAlive).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(d.ConnectTimeout).
		SetCustomOpenConnectionFn(func(_ *url.URL, _ paho.ClientOptions) (net.Conn, error) {
			return dialWebSocket(ctx, cfg)
		}).
		SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
			if h.OnMessage != nil {
				h.OnMessage(Message{Topic: m.Topic(), Payload: m.Payload()})
			}
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			if h.OnConnectionLost != nil {
				h.OnConnectionLost(err)
			}
		})

	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	d.Logger.Debug().Str("url", redactSID(cfg.URL)).Msg("MQTT connected")
	return &pahoConn{client: client}, nil
}

type pahoConn struct {
	client paho.Client
}

// Subscribe sends one SUBSCRIBE per topic at QoS 0, in order.
func (c *pahoConn) Subscribe(ctx context.Context, topics ...string) error {
	for _, topic := range topics {
		if err := wait(ctx, c.client.Subscribe(topic, 0, nil)); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (c *pahoConn) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if err := wait(ctx, c.client.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

func (c *pahoConn) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrClosed
	}
	if err := wait(ctx, c.client.Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *pahoConn) Close() {
	c.client.Disconnect(disconnectQuiet)
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func redactSID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("sid") {
		q.Set("sid", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
