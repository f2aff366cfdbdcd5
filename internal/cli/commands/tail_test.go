package commands

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jersoncarin/facebook-message-api/internal/events"
	"github.com/jersoncarin/facebook-message-api/internal/gateway"
	"github.com/jersoncarin/facebook-message-api/internal/listener"
	"github.com/jersoncarin/facebook-message-api/internal/sink"
	"github.com/jersoncarin/facebook-message-api/internal/testutil"
)

type idleStatus struct{}

func (idleStatus) Snapshot() listener.RuntimeState { return listener.RuntimeState{} }

func TestTailPrintsFeed(t *testing.T) {
	isolate(t)
	stream := sink.NewStream(8, zerolog.Nop())
	server := gateway.New(&gateway.Config{Host: "127.0.0.1"}, idleStatus{}, stream, "100", zerolog.Nop())
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	cmd := NewTailCommand()
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--url", ts.URL, "--types", "message"})

	result := make(chan error, 1)
	go func() { result <- cmd.Execute() }()

	require.Eventually(t, func() bool { return stream.Len() == 1 }, testutil.Timeout, 5*time.Millisecond)
	stream.Handle(nil, events.Typing{From: "1"})
	stream.Handle(nil, events.Message{ThreadID: "9", Body: "yo"})
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"body":"yo"`)
	}, testutil.Timeout, 5*time.Millisecond)

	stream.Close()
	select {
	case err := <-result:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "feed closed")
	case <-time.After(testutil.Timeout):
		t.Fatal("tail did not return after feed closed")
	}
	assert.NotContains(t, out.String(), `"typ"`)
}

func TestTailRejectsUnknownType(t *testing.T) {
	isolate(t)
	cmd := NewTailCommand()
	cmd.SetOut(&syncBuffer{})
	cmd.SetErr(&syncBuffer{})
	cmd.SetArgs([]string{"--types", "nope"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestRunTailStopsOnCancel(t *testing.T) {
	stream := sink.NewStream(8, zerolog.Nop())
	defer stream.Close()
	server := gateway.New(&gateway.Config{Host: "127.0.0.1"}, idleStatus{}, stream, "100", zerolog.Nop())
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := NewTailCommand()
	cmd.SetOut(&syncBuffer{})

	result := make(chan error, 1)
	go func() { result <- runTail(ctx, cmd, gateway.ClientOptions{URL: ts.URL}) }()
	require.Eventually(t, func() bool { return stream.Len() == 1 }, testutil.Timeout, 5*time.Millisecond)

	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(testutil.Timeout):
		t.Fatal("tail did not return after cancel")
	}
}
