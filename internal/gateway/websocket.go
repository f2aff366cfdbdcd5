package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/jersoncarin/facebook-message-api/internal/events"
	"github.com/jersoncarin/facebook-message-api/internal/sink"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Frame types on the /events feed.
const (
	FrameTypeEvent = "event"
	FrameTypeError = "error"
)

// Frame is one message on the /events feed. Event holds the normalized event
// JSON, including its "type" field.
type Frame struct {
	Type  string          `json:"type"`
	Seq   int64           `json:"seq"`
	Event json.RawMessage `json:"event,omitempty"`
	Error string          `json:"error,omitempty"`
}

type eventsQuery struct {
	Types string `query:"types" validate:"omitempty,max=512,eventtypes"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ParseTypes splits a comma separated filter and checks every name against
// the event variants.
func ParseTypes(raw string) ([]events.Type, error) {
	var out []events.Type
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, ok := events.ParseType(part)
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", part)
		}
		out = append(out, t)
	}
	return out, nil
}

// handleEvents handles GET /events?types=a,b
func (s *Server) handleEvents(c echo.Context) error {
	var q eventsQuery
	if err := c.Bind(&q); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&q); err != nil {
		return err
	}
	types, _ := ParseTypes(q.Types)

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return nil
	}
	defer ws.Close()

	sub := s.stream.Subscribe(types...)
	defer sub.Cancel()
	s.logger.Info().Str("remote", c.RealIP()).Int("types", len(types)).Msg("Event subscriber connected")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug().Err(err).Msg("WebSocket read error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	var seq int64
	for {
		select {
		case <-gone:
			s.logger.Info().Int64("dropped", sub.Dropped()).Msg("Event subscriber disconnected")
			return nil
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		case item, ok := <-sub.C():
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "listener stopped"),
					time.Now().Add(writeWait))
				return nil
			}
			seq++
			frame, err := toFrame(seq, item)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Dropping unencodable event")
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(frame); err != nil {
				s.logger.Debug().Err(err).Msg("WebSocket write failed")
				return nil
			}
		}
	}
}

func toFrame(seq int64, item sink.Item) (Frame, error) {
	if item.Err != nil {
		return Frame{Type: FrameTypeError, Seq: seq, Error: item.Err.Error()}, nil
	}
	body, err := events.Marshal(item.Event)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeEvent, Seq: seq, Event: body}, nil
}
