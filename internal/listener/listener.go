// Package listener is the connection manager: it owns the stream connection,
// runs the sequence sync handshake, enforces the resume deadline and decides
// when to reconnect.
//
// All connection state lives on one goroutine. Sync results, dial results,
// inbound frames, transport errors and deadline expiries reach it as inputs
// on a mailbox, each tagged with the connection generation that produced it
// so inputs from a torn-down connection are dropped.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jersoncarin/facebook-message-api/internal/clock"
	"github.com/jersoncarin/facebook-message-api/internal/delta"
	"github.com/jersoncarin/facebook-message-api/internal/events"
	"github.com/jersoncarin/facebook-message-api/internal/mqtt"
	"github.com/jersoncarin/facebook-message-api/internal/session"
	"github.com/jersoncarin/facebook-message-api/internal/sink"
)

// ResumeDeadline is how long a new connection may go without a message-sync
// frame before it is abandoned.
const ResumeDeadline = 5 * time.Second

const (
	stopListenReason = "Connection refused: Server unavailable"
	mailboxSize      = 256
	maxSessionID     = 1<<53 - 1
)

var (
	// ErrStopped is returned by Listen after the listener has been stopped.
	ErrStopped = errors.New("listener: stopped")

	// ErrAlreadyListening is returned by a second call to Listen.
	ErrAlreadyListening = errors.New("listener: already listening")
)

// Options are the listen flags.
type Options struct {
	Online         bool
	ListenEvents   bool
	ListenTyping   bool
	UpdatePresence bool
	SelfListen     bool
	AutoReconnect  bool
	EmitReady      bool
	PageID         string
	Proxy          string
	UserAgent      string
}

// Syncer obtains an authoritative sequence id. graphql.Client implements it.
type Syncer interface {
	FetchSequenceID(ctx context.Context) (int64, error)
}

// Config wires a Listener. Acker, Photos and Resolver are optional; Clock
// defaults to the real clock.
type Config struct {
	Session  *session.Context
	Options  Options
	Syncer   Syncer
	Dialer   mqtt.Dialer
	Acker    delta.Acker
	Photos   delta.PhotoResolver
	Resolver *delta.Resolver
	Clock    clock.Clock
	Logger   zerolog.Logger
}

type (
	syncResult struct {
		seq int64
		err error
	}
	dialResult struct {
		gen  uint64
		conn mqtt.Conn
		err  error
	}
	frameIn struct {
		gen uint64
		msg mqtt.Message
	}
	connLost struct {
		gen uint64
		err error
	}
	deadlineFired struct {
		gen uint64
	}
	drained struct{}
)

// Listener is one listening session over a Session Context.
type Listener struct {
	cfg    Config
	sess   *session.Context
	opts   Options
	clock  clock.Clock
	logger zerolog.Logger

	handler    sink.Handler
	dispatcher *delta.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan any
	done   chan struct{}

	started  atomic.Bool
	gated    atomic.Bool
	stateVal atomic.Int32
	emitMu   sync.Mutex

	stopMu      sync.Mutex
	stopOnce    sync.Once
	stopSignal  chan struct{}
	stopWaiters []func()
	exited      bool

	// postMu orders senders against the final inbox drain.
	postMu    sync.RWMutex
	inboxShut bool

	stats stats

	// Owned by the run goroutine.
	state       State
	gen         uint64
	conn        mqtt.Conn
	acked       bool
	syncPending bool
	deadline    *clock.Timer
	halted      bool
}

// New creates a Listener. Nothing happens until Listen.
func New(cfg Config) *Listener {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:        cfg,
		sess:       cfg.Session,
		opts:       cfg.Options,
		clock:      clk,
		logger:     cfg.Logger.With().Str("component", "listener").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan any, mailboxSize),
		done:       make(chan struct{}),
		stopSignal: make(chan struct{}),
	}
}

// Listen starts the session and delivers every outcome to handler. It
// returns once the session has started; the handler is called from listener
// goroutines, one call at a time.
func (l *Listener) Listen(handler sink.Handler) error {
	if handler == nil {
		return errors.New("listener: nil handler")
	}
	if l.cfg.Syncer == nil || l.cfg.Dialer == nil {
		return errors.New("listener: syncer and dialer are required")
	}
	if l.gated.Load() {
		return ErrStopped
	}
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyListening
	}

	l.handler = handler
	l.dispatcher = delta.NewDispatcher(delta.Config{
		Session: l.sess,
		Options: delta.Options{
			SelfListen:     l.opts.SelfListen,
			ListenEvents:   l.opts.ListenEvents,
			UpdatePresence: l.opts.UpdatePresence,
			PageID:         l.opts.PageID,
		},
		Emitter:  delta.EmitterFunc(l.emit),
		Acker:    l.cfg.Acker,
		Photos:   l.cfg.Photos,
		Resolver: l.cfg.Resolver,
		Logger:   l.cfg.Logger,
	})

	now := l.clock.Now()
	l.stats.update(func(rs *RuntimeState) {
		rs.Running = true
		rs.LastStartAt = timePtr(now)
	})

	needsSync := l.sess.BeginListen()
	go l.run(needsSync)
	return nil
}

// Stop ends the session. It is safe from any goroutine, including the
// handler, and in any state; done is called once teardown completes. Calls
// after the first only register another done callback. Events are no
// longer delivered once Stop has been called.
func (l *Listener) Stop(done func()) {
	l.gated.Store(true)
	if done == nil {
		done = func() {}
	}

	l.stopMu.Lock()
	if l.exited || !l.started.Load() {
		l.stopMu.Unlock()
		done()
		return
	}
	l.stopWaiters = append(l.stopWaiters, done)
	l.stopOnce.Do(func() { close(l.stopSignal) })
	l.stopMu.Unlock()
}

// Wait blocks until the session has ended and its pending fetches have
// finished. It returns immediately if Listen was never called.
func (l *Listener) Wait() {
	if !l.started.Load() {
		return
	}
	<-l.done
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.stateVal.Load())
}

// Snapshot returns the runtime counters and timestamps.
func (l *Listener) Snapshot() RuntimeState {
	rs := l.stats.snapshot()
	rs.State = l.State().String()
	return rs
}

func (l *Listener) run(needsSync bool) {
	if needsSync {
		l.requestSync()
	} else {
		l.setState(Syncing)
		l.connect(l.sess.CurrentCursor())
	}

	stop := l.stopSignal
	for !l.halted {
		select {
		case in := <-l.inbox:
			l.handle(in)
		case <-stop:
			stop = nil
			l.beginStop()
		}
	}

	l.dispatcher.Close()
	l.dispatcher.Wait()

	now := l.clock.Now()
	l.stats.update(func(rs *RuntimeState) {
		rs.Running = false
		rs.LastStopAt = timePtr(now)
	})

	l.stopMu.Lock()
	l.exited = true
	waiters := l.stopWaiters
	l.stopWaiters = nil
	l.stopMu.Unlock()

	close(l.done)
	l.postMu.Lock()
	l.inboxShut = true
	l.postMu.Unlock()
	l.discardInbox()
	for _, fn := range waiters {
		fn()
	}
}

// discardInbox closes connections whose dial finished after the loop halted.
func (l *Listener) discardInbox() {
	for {
		select {
		case in := <-l.inbox:
			if r, ok := in.(dialResult); ok && r.conn != nil {
				r.conn.Close()
			}
		default:
			return
		}
	}
}

func (l *Listener) handle(in any) {
	switch v := in.(type) {
	case syncResult:
		l.onSyncResult(v)
	case dialResult:
		l.onDialResult(v)
	case frameIn:
		l.onFrame(v)
	case connLost:
		if v.gen != l.gen || l.state == Draining {
			return
		}
		l.onTransportFailure(v.err)
	case deadlineFired:
		l.onDeadline(v)
	case drained:
		l.logger.Debug().Msg("Stream drained")
		l.halt()
	}
}

// requestSync enters Syncing and starts one cursor request unless one is
// already in flight.
func (l *Listener) requestSync() {
	l.setState(Syncing)
	if l.syncPending {
		return
	}
	l.syncPending = true

	ctx := l.ctx
	go func() {
		seq, err := l.cfg.Syncer.FetchSequenceID(ctx)
		l.post(syncResult{seq: seq, err: err})
	}()
}

func (l *Listener) onSyncResult(r syncResult) {
	l.syncPending = false
	if l.state != Syncing {
		return
	}
	if r.err != nil {
		l.logger.Error().Err(r.err).Msg("Sequence sync failed")
		l.stats.update(func(rs *RuntimeState) { rs.LastError = r.err.Error() })
		l.emitError(r.err)
		l.halt()
		return
	}

	cur := l.sess.CurrentCursor()
	if !cur.Resumable() {
		l.sess.Advance(r.seq, "")
		cur = l.sess.CurrentCursor()
	}
	l.connect(cur)
}

// connect starts a new connection generation: dial, subscribe and publish the
// queue frame happen off the loop and report back as one dialResult.
func (l *Listener) connect(cur session.Cursor) {
	topic, mode, payload, err := queueFrame(l.sess.UserID(), cur)
	if err != nil {
		l.emitError(err)
		l.halt()
		return
	}

	l.gen++
	gen := l.gen
	l.acked = false
	l.stats.update(func(rs *RuntimeState) { rs.Mode = mode })

	sid := rand.Int63n(maxSessionID) + 1
	dial := mqtt.DialConfig{
		URL:       l.sess.StreamURL(sid),
		Username:  mqtt.NewUsername(l.sess.UserID(), sid, l.opts.Online).String(),
		Cookie:    l.sess.CookieHeader(),
		UserAgent: l.opts.UserAgent,
		Proxy:     l.opts.Proxy,
	}
	handlers := mqtt.Handlers{
		OnMessage: func(m mqtt.Message) {
			l.post(frameIn{gen: gen, msg: m})
		},
		OnConnectionLost: func(err error) {
			l.post(connLost{gen: gen, err: err})
		},
	}
	l.logger.Debug().Uint64("gen", gen).Str("mode", mode).Int64("seq", cur.SequenceID).Msg("Connecting")

	ctx := l.ctx
	go func() {
		conn, err := l.cfg.Dialer.Dial(ctx, dial, handlers)
		if err == nil {
			err = conn.Subscribe(ctx, mqtt.SubscribeTopics...)
			if err == nil {
				err = conn.Publish(ctx, topic, 1, payload)
			}
			if err != nil {
				conn.Close()
				conn = nil
			}
		}
		if !l.post(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (l *Listener) onDialResult(r dialResult) {
	if r.gen != l.gen || l.state != Syncing {
		if r.conn != nil {
			go r.conn.Close()
		}
		return
	}
	if r.err != nil {
		l.onTransportFailure(r.err)
		return
	}

	l.conn = r.conn
	l.setState(Connected)
	now := l.clock.Now()
	l.stats.update(func(rs *RuntimeState) { rs.LastConnectAt = timePtr(now) })
	l.logger.Info().Uint64("gen", r.gen).Msg("Stream connected")

	if !l.acked {
		gen := r.gen
		l.deadline = l.clock.AfterFunc(ResumeDeadline, func() {
			l.post(deadlineFired{gen: gen})
		})
	}
}

func (l *Listener) onFrame(f frameIn) {
	if f.gen != l.gen || (l.state != Syncing && l.state != Connected) {
		return
	}
	now := l.clock.Now()
	l.stats.update(func(rs *RuntimeState) {
		rs.FrameCount++
		rs.LastInboundAt = timePtr(now)
	})

	if f.msg.Topic == mqtt.TopicMessageSync {
		if !json.Valid(f.msg.Payload) {
			return
		}
		if !l.acked {
			l.acked = true
			l.stopDeadline()
			l.logger.Info().Uint64("gen", f.gen).Msg("Stream ready")
			if l.opts.EmitReady {
				l.emit(events.Ready{})
			}
		}
	}
	l.dispatcher.Handle(f.msg)
}

func (l *Listener) onDeadline(d deadlineFired) {
	if d.gen != l.gen || l.acked || l.state != Connected {
		return
	}
	l.logger.Warn().Dur("deadline", ResumeDeadline).Msg("No sync frame before deadline, resyncing")
	l.teardown()
	l.sess.Invalidate()
	l.countReconnect()
	l.requestSync()
}

func (l *Listener) onTransportFailure(err error) {
	l.logger.Error().Err(err).Msg("Stream failed")
	l.stats.update(func(rs *RuntimeState) { rs.LastError = err.Error() })
	l.teardown()

	if l.opts.AutoReconnect {
		l.countReconnect()
		l.requestSync()
		return
	}
	l.emit(events.StopListen{Error: stopListenReason})
	l.halt()
}

func (l *Listener) beginStop() {
	l.logger.Debug().Str("state", l.state.String()).Msg("Stop requested")
	if l.state != Connected {
		l.teardown()
		l.halt()
		return
	}

	l.stopDeadline()
	conn := l.conn
	l.conn = nil
	l.gen++
	l.setState(Draining)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ResumeDeadline)
		defer cancel()
		if err := conn.Unsubscribe(ctx, mqtt.TransientTopics...); err != nil {
			l.logger.Debug().Err(err).Msg("Unsubscribe on close failed")
		}
		if err := conn.Publish(ctx, mqtt.TopicBrowserClose, 0, []byte("{}")); err != nil {
			l.logger.Debug().Err(err).Msg("Close notification failed")
		}
		conn.Close()
		l.post(drained{})
	}()
}

// teardown drops the current connection. Its generation is retired so late
// inputs from it are ignored.
func (l *Listener) teardown() {
	l.stopDeadline()
	if l.conn != nil {
		go l.conn.Close()
		l.conn = nil
	}
	l.gen++
	l.setState(Disconnected)
}

func (l *Listener) halt() {
	l.halted = true
	l.cancel()
	l.setState(Disconnected)
}

func (l *Listener) stopDeadline() {
	if l.deadline != nil {
		l.deadline.Stop()
		l.deadline = nil
	}
}

func (l *Listener) setState(s State) {
	if l.state != s {
		l.logger.Debug().Str("from", l.state.String()).Str("to", s.String()).Msg("State change")
	}
	l.state = s
	l.stateVal.Store(int32(s))
}

func (l *Listener) countReconnect() {
	l.stats.update(func(rs *RuntimeState) { rs.ReconnectCount++ })
}

// post delivers an input to the loop. It reports false once the loop has
// exited.
func (l *Listener) post(in any) bool {
	l.postMu.RLock()
	defer l.postMu.RUnlock()
	if l.inboxShut {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.inbox <- in:
		return true
	case <-l.done:
		return false
	}
}

func (l *Listener) emit(e events.Event) {
	l.deliver(nil, e)
}

func (l *Listener) emitError(err error) {
	l.deliver(err, nil)
}

func (l *Listener) deliver(err error, e events.Event) {
	if l.gated.Load() {
		return
	}
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	if l.gated.Load() {
		return
	}
	l.handler.Handle(err, e)

	now := l.clock.Now()
	l.stats.update(func(rs *RuntimeState) {
		rs.EventCount++
		rs.LastEventAt = timePtr(now)
	})
}
