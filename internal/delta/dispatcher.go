// Package delta classifies inbound stream frames and normalizes them into
// events. Deltas that need a round trip (photo URLs, forced fetches, reply
// targets) are completed on their own goroutines so later frames are never
// held up.
package delta

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jersoncarin/facebook-message-api/internal/events"
	"github.com/jersoncarin/facebook-message-api/internal/mqtt"
	"github.com/jersoncarin/facebook-message-api/internal/session"
)

const adminTypeGroupPoll = "group_poll"

// Options are the listen flags that affect dispatch.
type Options struct {
	SelfListen     bool
	ListenEvents   bool
	UpdatePresence bool
	PageID         string
}

// Emitter receives normalized events. Emit may be called concurrently.
type Emitter interface {
	Emit(events.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(events.Event)

func (f EmitterFunc) Emit(e events.Event) { f(e) }

// Acker acknowledges delivery of a message without blocking.
type Acker interface {
	Acknowledge(threadID, messageID string)
}

// PhotoResolver looks up the full-size URL of a legacy photo attachment.
type PhotoResolver interface {
	ResolvePhotoURL(ctx context.Context, photoID string) (string, error)
}

// Config wires a Dispatcher. Acker, Photos and Resolver are optional.
type Config struct {
	Session  *session.Context
	Options  Options
	Emitter  Emitter
	Acker    Acker
	Photos   PhotoResolver
	Resolver *Resolver
	Logger   zerolog.Logger
}

// Dispatcher routes frames by topic and deltas by class. Handle must be
// called from a single goroutine, in wire order.
type Dispatcher struct {
	sess     *session.Context
	opts     Options
	emitter  Emitter
	acker    Acker
	photos   PhotoResolver
	resolver *Resolver
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sess:     cfg.Session,
		opts:     cfg.Options,
		emitter:  cfg.Emitter,
		acker:    cfg.Acker,
		photos:   cfg.Photos,
		resolver: cfg.Resolver,
		logger:   cfg.Logger.With().Str("component", "dispatcher").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle processes one inbound frame.
func (d *Dispatcher) Handle(msg mqtt.Message) {
	switch msg.Topic {
	case mqtt.TopicMessageSync:
		d.handleSync(msg.Payload)
	case mqtt.TopicThreadTyping, mqtt.TopicOrcaTyping:
		d.handleTyping(msg.Payload)
	case mqtt.TopicPresence:
		d.handlePresence(msg.Payload)
	}
}

// Close cancels outstanding fetches. Call Wait afterwards to let them drain.
func (d *Dispatcher) Close() { d.cancel() }

// Wait blocks until every asynchronous completion has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) handleSync(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.logger.Debug().Err(err).Msg("Dropping undecodable sync frame")
		return
	}

	if env.FirstDeltaSeqID != 0 && env.SyncToken != "" {
		d.sess.Advance(int64(env.FirstDeltaSeqID), env.SyncToken)
	}
	if env.LastIssuedSeqID != 0 {
		d.sess.AdvanceSequence(int64(env.LastIssuedSeqID))
	}

	queue := string(env.QueueEntityID)
	for _, raw := range env.Deltas {
		d.dispatch(raw, queue)
	}
}

func (d *Dispatcher) dispatch(raw json.RawMessage, queue string) {
	dl, err := Decode(raw)
	if err != nil {
		if dl.Class() == ClassNewMessage || d.opts.ListenEvents {
			d.emit(parseError(err, raw))
		}
		return
	}

	switch v := dl.(type) {
	case *NewMessage:
		d.handleNewMessage(v, queue)
		return
	case *ClientPayload:
		d.handleClientPayload(v)
		return
	}

	if !d.opts.ListenEvents {
		return
	}

	switch v := dl.(type) {
	case *ReadReceipt:
		ev, err := formatReadReceipt(v)
		if err != nil {
			d.emit(parseError(describe(v.Class(), err), v.Raw()))
			return
		}
		d.emit(ev)

	case *AdminTextMessage:
		if v.Type != adminTypeGroupPoll {
			return
		}
		ev, err := formatGroupPoll(v)
		if err != nil {
			d.emit(parseError(describe(v.Class(), err), v.Raw()))
			return
		}
		d.emit(ev)

	case *ForcedFetch:
		d.handleForcedFetch(v)

	case *ThreadName:
		ev, err := formatThreadName(v)
		d.emitThreadEvent(ev, ev.Author, err, v)
	case *ParticipantsAdded:
		ev, err := formatParticipantsAdded(v)
		d.emitThreadEvent(ev, ev.Author, err, v)
	case *ParticipantLeft:
		ev, err := formatParticipantLeft(v)
		d.emitThreadEvent(ev, ev.Author, err, v)

	case Unknown:
		d.logger.Debug().Str("class", v.Name).Msg("Ignoring delta class")
	}
}

func (d *Dispatcher) handleNewMessage(v *NewMessage, queue string) {
	if d.opts.PageID != "" && queue != "" && queue != d.opts.PageID {
		return
	}

	msg, pending, err := formatMessage(v)
	if err != nil {
		d.emit(parseError(describe(v.Class(), err), v.Raw()))
		return
	}
	if len(pending) == 0 || d.photos == nil {
		d.deliverMessage(msg)
		return
	}

	d.async(func(ctx context.Context) {
		d.resolvePhotos(ctx, &msg, pending)
		d.deliverMessage(msg)
	})
}

// resolvePhotos fills photo URLs one at a time, in attachment order. A
// failed lookup leaves that attachment as it was.
func (d *Dispatcher) resolvePhotos(ctx context.Context, msg *events.Message, pending []pendingPhoto) {
	for _, p := range pending {
		url, err := d.photos.ResolvePhotoURL(ctx, p.photoID)
		if err != nil {
			d.logger.Warn().Err(err).Str("photo_id", p.photoID).Msg("Photo URL lookup failed")
			continue
		}
		msg.Attachments[p.index].URL = url
	}
}

func (d *Dispatcher) deliverMessage(msg events.Message) {
	d.ack(msg.ThreadID, msg.MessageID)
	if d.selfSuppressed(msg.SenderID) {
		return
	}
	d.emit(msg)
}

func (d *Dispatcher) handleClientPayload(v *ClientPayload) {
	subs, err := DecodeClientPayload(v)
	if err != nil {
		d.emit(parseError(describe(v.Class(), err), v.Raw()))
		return
	}

	for _, sub := range subs {
		switch s := sub.(type) {
		case *Reaction:
			if !d.opts.ListenEvents {
				continue
			}
			ev, err := formatReaction(s)
			if err != nil {
				d.emit(parseError(describe("deltaMessageReaction", err), v.Raw()))
				continue
			}
			d.emit(ev)

		case *Recall:
			if !d.opts.ListenEvents {
				continue
			}
			ev, err := formatRecall(s)
			if err != nil {
				d.emit(parseError(describe("deltaRecallMessageData", err), v.Raw()))
				continue
			}
			d.emit(ev)

		case *Reply:
			d.handleReply(s)

		case MalformedSub:
			d.emit(parseError(s.Err, s.Raw))

		case UnknownSub:
			d.logger.Debug().Strs("keys", s.Keys).Msg("Ignoring client payload entry")
		}
	}
}

func (d *Dispatcher) handleReply(s *Reply) {
	msg, err := formatReplyMessage(s.Message)
	if err != nil {
		d.emit(parseError(describe("deltaMessageReply", err), s.Raw))
		return
	}
	ev := events.MessageReply{Message: msg}

	switch {
	case s.RepliedToMessage != nil:
		target, err := formatReplyMessage(s.RepliedToMessage)
		if err != nil {
			d.logger.Warn().Err(err).Str("message_id", msg.MessageID).Msg("Inline reply target unreadable")
		} else {
			ev.MessageReply = repliedFrom(target)
		}

	case s.ReplyToMessageID != nil && s.ReplyToMessageID.ID != "" && d.resolver != nil:
		targetID := s.ReplyToMessageID.ID
		d.async(func(ctx context.Context) {
			target, err := d.resolver.ResolveReply(ctx, msg.ThreadID, targetID, msg.IsGroup)
			if err != nil {
				d.logger.Warn().Err(err).Str("message_id", targetID).Msg("Reply target fetch failed")
			} else {
				ev.MessageReply = target
			}
			d.deliverReply(ev)
		})
		return
	}

	d.deliverReply(ev)
}

func (d *Dispatcher) deliverReply(ev events.MessageReply) {
	d.ack(ev.ThreadID, ev.MessageID)
	if d.selfSuppressed(ev.SenderID) {
		return
	}
	d.emit(ev)
}

func (d *Dispatcher) handleForcedFetch(v *ForcedFetch) {
	if v.ThreadKey == nil || d.resolver == nil {
		return
	}
	threadID := string(v.ThreadKey.ThreadFbID)
	messageID := v.MessageID
	if threadID == "" || messageID == "" {
		return
	}

	d.async(func(ctx context.Context) {
		ev, err := d.resolver.Resolve(ctx, threadID, messageID)
		d.ack(threadID, messageID)
		if err != nil {
			d.logger.Warn().Err(err).Str("thread_id", threadID).Str("message_id", messageID).Msg("Forced fetch failed")
			return
		}
		if ev == nil {
			return
		}
		if d.selfSuppressed(events.Author(ev)) {
			return
		}
		if _, ok := ev.(events.ChangeThreadImage); ok && !d.sess.LoggedIn() {
			return
		}
		d.emit(ev)
	})
}

func (d *Dispatcher) emitThreadEvent(ev events.Event, author string, err error, src Delta) {
	if err != nil {
		d.emit(parseError(describe(src.Class(), err), src.Raw()))
		return
	}
	if d.selfSuppressed(author) || !d.sess.LoggedIn() {
		return
	}
	d.emit(ev)
}

func (d *Dispatcher) handleTyping(payload []byte) {
	var f typingFrame
	if err := json.Unmarshal(payload, &f); err != nil || f.SenderFbID == "" {
		d.logger.Debug().Msg("Dropping malformed typing frame")
		return
	}
	thread := f.Thread
	if thread == "" {
		thread = f.SenderFbID
	}
	d.emit(events.Typing{
		IsTyping:   f.State != 0,
		From:       string(f.SenderFbID),
		ThreadID:   events.FormatID(string(thread)),
		FromMobile: f.FromMobile,
	})
}

func (d *Dispatcher) handlePresence(payload []byte) {
	if d.opts.UpdatePresence {
		return
	}
	var f presenceFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		d.logger.Debug().Err(err).Msg("Dropping malformed presence frame")
		return
	}
	for _, p := range f.List {
		if p.UserID == "" {
			continue
		}
		d.emit(events.Presence{
			UserID:    string(p.UserID),
			Timestamp: int64(p.LastSeen) * 1000,
			Statuses:  p.Status,
		})
	}
}

func (d *Dispatcher) selfSuppressed(author string) bool {
	return !d.opts.SelfListen && author != "" && author == d.sess.UserID()
}

func (d *Dispatcher) ack(threadID, messageID string) {
	if d.acker == nil || threadID == "" || messageID == "" {
		return
	}
	d.acker.Acknowledge(threadID, messageID)
}

func (d *Dispatcher) emit(e events.Event) {
	d.emitter.Emit(e)
}

func (d *Dispatcher) async(fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(d.ctx)
	}()
}
