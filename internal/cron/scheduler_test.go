package cron

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jersoncarin/facebook-message-api/internal/listener"
)

type fakeStatus struct {
	rs listener.RuntimeState
}

func (f *fakeStatus) Snapshot() listener.RuntimeState { return f.rs }

func TestSchedulerAddValidation(t *testing.T) {
	s := NewScheduler(zerolog.Nop())

	require.NoError(t, s.Add("stats", "@every 5m", func(context.Context) error { return nil }))
	assert.Error(t, s.Add("stats", "@every 1m", func(context.Context) error { return nil }))
	assert.Error(t, s.Add("bad", "not a schedule", func(context.Context) error { return nil }))

	s.Start()
	defer s.Stop()
	require.Eventually(t, func() bool { return !s.Next("stats").IsZero() }, 2*time.Second, 10*time.Millisecond)
	next := s.Next("stats")
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), next, 2*time.Second)

	s.Remove("stats")
	assert.True(t, s.Next("stats").IsZero())
	s.Remove("unknown")
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return errors.New("logged, not fatal")
	}))

	s.Start()
	s.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
	s.Stop()

	after := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestStatsJob(t *testing.T) {
	var buf bytes.Buffer
	src := &fakeStatus{rs: listener.RuntimeState{State: "connected", FrameCount: 10, EventCount: 4}}
	job := StatsJob(src, zerolog.New(&buf))

	require.NoError(t, job(context.Background()))
	src.rs.FrameCount = 15
	src.rs.EventCount = 6
	src.rs.LastError = "EOF"
	require.NoError(t, job(context.Background()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "Listener stats", second["message"])
	assert.EqualValues(t, 15, second["frames"])
	assert.EqualValues(t, 5, second["new_frames"])
	assert.EqualValues(t, 2, second["new_events"])
	assert.Equal(t, "EOF", second["last_error"])
}
