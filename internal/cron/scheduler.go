// Package cron runs periodic maintenance jobs beside the listener.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jersoncarin/facebook-message-api/internal/listener"
)

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

// Scheduler manages scheduled jobs.
type Scheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	jobs    map[string]cron.EntryID
	running bool
}

// NewScheduler creates a new scheduler. Schedules use the five-field cron format
// or descriptors such as "@every 5m".
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger.With().Str("component", "cron").Logger(),
		timeout: time.Minute,
		jobs:    make(map[string]cron.EntryID),
	}
}

// Add registers fn under name. A job still running when its next tick fires
// is skipped for that tick.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already scheduled", name)
	}

	var running sync.Mutex
	run := func() {
		if !running.TryLock() {
			s.logger.Debug().Str("job", name).Msg("Previous run still active, skipping")
			return
		}
		defer running.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.logger.Warn().Err(err).Str("job", name).Msg("Job failed")
			return
		}
		s.logger.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("Job finished")
	}

	id, err := s.cron.AddFunc(schedule, run)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", schedule, name, err)
	}
	s.jobs[name] = id
	return nil
}

// Remove unschedules name. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// Next returns the next run time of name, or the zero time.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// StatusSource reports the listener runtime state.
type StatusSource interface {
	Snapshot() listener.RuntimeState
}

// StatsJob logs the listener counters and the change since the previous run.
func StatsJob(src StatusSource, logger zerolog.Logger) JobFunc {
	var (
		mu   sync.Mutex
		prev listener.RuntimeState
	)
	return func(ctx context.Context) error {
		snap := src.Snapshot()

		mu.Lock()
		frames := snap.FrameCount - prev.FrameCount
		evts := snap.EventCount - prev.EventCount
		prev = snap
		mu.Unlock()

		ev := logger.Info().
			Str("state", snap.State).
			Int64("frames", snap.FrameCount).
			Int64("events", snap.EventCount).
			Int64("reconnects", snap.ReconnectCount).
			Int64("new_frames", frames).
			Int64("new_events", evts)
		if snap.LastError != "" {
			ev = ev.Str("last_error", snap.LastError)
		}
		ev.Msg("Listener stats")
		return nil
	}
}
