// Package delivery marks inbound messages as delivered, and optionally read,
// without holding up the dispatcher.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Receipts is the pair of receipt endpoints. graphql.Client implements it.
type Receipts interface {
	MarkDelivered(ctx context.Context, threadID, messageID string) error
	MarkRead(ctx context.Context, threadID string) error
}

// DefaultDrainTimeout bounds how long Close waits for accepted receipts.
const DefaultDrainTimeout = 5 * time.Second

// Options control acknowledgment. RatePerSecond <= 0 disables pacing.
type Options struct {
	AutoMarkDelivery bool
	AutoMarkRead     bool
	RatePerSecond    float64
	Burst            int
	DrainTimeout     time.Duration
}

// Acknowledger sends receipts on background goroutines. Failures are logged
// and never reach the event stream.
type Acknowledger struct {
	receipts Receipts
	opts     Options
	limiter  *rate.Limiter
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an Acknowledger.
func New(r Receipts, opts Options, logger zerolog.Logger) *Acknowledger {
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Acknowledger{
		receipts: r,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.With().Str("component", "delivery").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Acknowledge marks a message delivered, then its thread read when
// AutoMarkRead is set. It returns immediately.
func (a *Acknowledger) Acknowledge(threadID, messageID string) {
	if !a.opts.AutoMarkDelivery {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		a.acknowledge(a.ctx, threadID, messageID)
	}()
}

func (a *Acknowledger) acknowledge(ctx context.Context, threadID, messageID string) {
	if err := a.limiter.Wait(ctx); err != nil {
		return
	}
	if err := a.receipts.MarkDelivered(ctx, threadID, messageID); err != nil {
		a.logger.Warn().Err(err).Str("thread_id", threadID).Str("message_id", messageID).Msg("Mark delivered failed")
		return
	}
	if !a.opts.AutoMarkRead {
		return
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return
	}
	if err := a.receipts.MarkRead(ctx, threadID); err != nil {
		a.logger.Warn().Err(err).Str("thread_id", threadID).Msg("Mark read failed")
	}
}

// Close stops accepting messages and lets accepted receipts finish. Receipts
// still pending after DrainTimeout are cancelled.
func (a *Acknowledger) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(a.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		a.logger.Warn().Dur("timeout", a.opts.DrainTimeout).Msg("Abandoning pending receipts")
		a.cancel()
		<-finished
	}
	a.cancel()
}
