package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/jersoncarin/facebook-message-api/internal/events"
)

// ClientOptions configures the event feed client.
type ClientOptions struct {
	URL   string // http://127.0.0.1:18790 or ws://127.0.0.1:18790
	Token string
	Types []events.Type
}

// Client reads the /events feed of a running gateway.
type Client struct {
	ws *websocket.Conn
}

// Dial connects to the feed.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	target, err := feedURL(opts)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", target, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{ws: ws}, nil
}

// Next blocks for the next frame. It returns an error once the feed closes.
func (c *Client) Next() (Frame, error) {
	var f Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close ends the feed.
func (c *Client) Close() error {
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.ws.Close()
}

func feedURL(opts ClientOptions) (string, error) {
	raw := opts.URL
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("gateway url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"

	if len(opts.Types) > 0 {
		names := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			names[i] = string(t)
		}
		q := u.Query()
		q.Set("types", strings.Join(names, ","))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
