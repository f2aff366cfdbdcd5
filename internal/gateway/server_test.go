package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jersoncarin/facebook-message-api/internal/events"
	"github.com/jersoncarin/facebook-message-api/internal/listener"
	"github.com/jersoncarin/facebook-message-api/internal/sink"
)

type fakeStatus struct {
	rs listener.RuntimeState
}

func (f fakeStatus) Snapshot() listener.RuntimeState { return f.rs }

func newTestServer(t *testing.T, cfg *Config) (*Server, *sink.Stream) {
	t.Helper()
	stream := sink.NewStream(8, zerolog.Nop())
	t.Cleanup(stream.Close)
	status := fakeStatus{rs: listener.RuntimeState{Running: true, State: "connected", FrameCount: 3}}
	return New(cfg, status, stream, "100", zerolog.Nop()), stream
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t, &Config{Host: "localhost", Port: 3456})
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := server.handleHealth(c); err != nil {
		t.Fatalf("handleHealth() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("handleHealth() status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHandleStatus(t *testing.T) {
	server, _ := newTestServer(t, &Config{Host: "localhost", Port: 3456})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, "100", resp.UserID)
	assert.Equal(t, "connected", resp.Listener.State)
	assert.EqualValues(t, 3, resp.Listener.FrameCount)
	assert.NotEmpty(t, resp.GoVersion)
}

func TestTokenAuth(t *testing.T) {
	server, _ := newTestServer(t, &Config{Host: "localhost", Port: 3456, Token: "s3cret"})

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is open", "/health", "", http.StatusOK},
		{"missing token", "/status", "", http.StatusUnauthorized},
		{"wrong token", "/status", "Bearer nope", http.StatusUnauthorized},
		{"bearer token", "/status", "Bearer s3cret", http.StatusOK},
		{"query token", "/status?token=s3cret", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	server, _ := newTestServer(t, &Config{
		Host:      "localhost",
		Port:      3456,
		RateLimit: RateLimit{Enabled: true, RPS: 0.001, Burst: 1},
	})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestEventsRejectsUnknownType(t *testing.T) {
	server, _ := newTestServer(t, &Config{Host: "localhost", Port: 3456})

	req := httptest.NewRequest(http.MethodGet, "/events?types=message,bogus", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bogus")

	req = httptest.NewRequest(http.MethodGet, "/events?types="+strings.Repeat("message,", 80), nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "longer than 512")
}

func TestParseTypes(t *testing.T) {
	got, err := ParseTypes(" message, typ ,,")
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.TypeMessage, events.TypeTyping}, got)

	got, err = ParseTypes("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseTypes("message,nope")
	assert.Error(t, err)
}

func TestEventsFeed(t *testing.T) {
	server, stream := newTestServer(t, &Config{Host: "localhost", Port: 3456})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, ClientOptions{URL: ts.URL, Types: []events.Type{events.TypeTyping}})
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return stream.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	stream.Handle(nil, events.Message{ThreadID: "1", MessageID: "m"})
	stream.Handle(nil, events.Typing{IsTyping: true, From: "200", ThreadID: "200"})
	stream.Handle(errors.New("not logged in"), nil)

	first, err := client.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameTypeEvent, first.Type)
	assert.EqualValues(t, 1, first.Seq)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(first.Event, &ev))
	assert.Equal(t, "typ", ev["type"])
	assert.Equal(t, "200", ev["from"])

	second, err := client.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameTypeError, second.Type)
	assert.Equal(t, "not logged in", second.Error)

	stream.Close()
	_, err = client.Next()
	assert.Error(t, err)
}

func TestFeedURL(t *testing.T) {
	tests := []struct {
		name string
		opts ClientOptions
		want string
	}{
		{"bare host", ClientOptions{URL: "127.0.0.1:18790"}, "ws://127.0.0.1:18790/events"},
		{"http", ClientOptions{URL: "http://localhost:1/"}, "ws://localhost:1/events"},
		{"https", ClientOptions{URL: "https://example.test"}, "wss://example.test/events"},
		{"types", ClientOptions{URL: "ws://h", Types: []events.Type{events.TypeMessage, events.TypeReady}}, "ws://h/events?types=message%2Cready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := feedURL(tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := feedURL(ClientOptions{URL: "ftp://h"})
	assert.Error(t, err)
}

func TestServerStartStop(t *testing.T) {
	server, _ := newTestServer(t, &Config{Host: "127.0.0.1", Port: 0})
	assert.False(t, server.IsRunning())

	require.NoError(t, server.Start())
	assert.True(t, server.IsRunning())
	require.NotNil(t, server.Addr())
	assert.Error(t, server.Start())

	resp, err := http.Get("http://" + server.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))
	assert.False(t, server.IsRunning())
	assert.Zero(t, server.Uptime())
}
