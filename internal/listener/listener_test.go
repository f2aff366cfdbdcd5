package listener

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jersoncarin/facebook-message-api/internal/clock"
	"github.com/jersoncarin/facebook-message-api/internal/events"
	"github.com/jersoncarin/facebook-message-api/internal/mqtt"
	"github.com/jersoncarin/facebook-message-api/internal/session"
	"github.com/jersoncarin/facebook-message-api/internal/sink"
	"github.com/jersoncarin/facebook-message-api/internal/testutil"
)

const selfID = "100"

type fixture struct {
	sess   *session.Context
	syncer *testutil.FakeSyncer
	dialer *testutil.FakeDialer
	clock  *clock.FakeClock
	rec    *testutil.Recorder
	l      *Listener
}

func newFixture(t *testing.T, seededSeq int64, opts Options) *fixture {
	t.Helper()
	sess, err := session.New(session.Credentials{
		Cookies:    []session.Cookie{{Key: "c_user", Value: selfID, Domain: ".facebook.com"}},
		SequenceID: seededSeq,
	})
	require.NoError(t, err)

	f := &fixture{
		sess:   sess,
		syncer: &testutil.FakeSyncer{Seq: 99},
		dialer: testutil.NewFakeDialer(),
		clock:  clock.Fake(time.Unix(1700000000, 0)),
		rec:    testutil.NewRecorder(),
	}
	f.l = New(Config{
		Session: sess,
		Options: opts,
		Syncer:  f.syncer,
		Dialer:  f.dialer,
		Clock:   f.clock,
		Logger:  zerolog.Nop(),
	})
	t.Cleanup(func() {
		f.l.Stop(nil)
		f.l.Wait()
	})
	return f
}

func (f *fixture) listen(t *testing.T) {
	t.Helper()
	require.NoError(t, f.l.Listen(f.rec))
}

// connected waits for the next dial and for its queue frame.
func (f *fixture) connected(t *testing.T) (*testutil.FakeConn, testutil.Publish) {
	t.Helper()
	conn := f.dialer.Next(t)
	pub := conn.NextPublish(t)
	require.Eventually(t, func() bool { return f.l.State() == Connected }, testutil.Timeout, 5*time.Millisecond)
	return conn, pub
}

func decodeQueue(t *testing.T, p testutil.Publish) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(p.Payload, &out))
	return out
}

func stopAndWait(t *testing.T, l *Listener) {
	t.Helper()
	done := make(chan struct{})
	l.Stop(func() { close(done) })
	select {
	case <-done:
	case <-time.After(testutil.Timeout):
		t.Fatal("stop callback not called")
	}
}

func TestListenSyncsThenCreatesQueue(t *testing.T) {
	f := newFixture(t, 0, Options{Online: true, UserAgent: "test-agent"})
	f.listen(t)

	conn, pub := f.connected(t)
	assert.Equal(t, 1, f.syncer.Calls())
	assert.Equal(t, mqtt.SubscribeTopics, conn.Subscribed())
	assert.Equal(t, mqtt.TopicCreateQueue, pub.Topic)
	assert.Equal(t, byte(1), pub.QoS)

	q := decodeQueue(t, pub)
	assert.EqualValues(t, 99, q["initial_titan_sequence_id"])
	assert.Equal(t, selfID, q["entity_fbid"])
	assert.Contains(t, q, "device_params")
	assert.Nil(t, q["device_params"])

	assert.True(t, strings.HasPrefix(conn.Config.URL, "wss://edge-chat.facebook.com/chat?sid="))
	assert.Contains(t, conn.Config.Cookie, "c_user="+selfID)
	assert.Equal(t, "test-agent", conn.Config.UserAgent)

	var user mqtt.Username
	require.NoError(t, json.Unmarshal([]byte(conn.Config.Username), &user))
	assert.Equal(t, selfID, user.UserID)
	assert.True(t, user.ChatOn)
	assert.Positive(t, user.SessionID)

	snap := f.l.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "connected", snap.State)
	assert.Equal(t, ModeCreateQueue, snap.Mode)
	assert.NotNil(t, snap.LastConnectAt)
}

func TestSeededCursorSkipsSync(t *testing.T) {
	f := newFixture(t, 42, Options{})
	f.listen(t)

	_, pub := f.connected(t)
	assert.Equal(t, 0, f.syncer.Calls())
	assert.EqualValues(t, 42, decodeQueue(t, pub)["initial_titan_sequence_id"])
}

func TestListenTwice(t *testing.T) {
	f := newFixture(t, 42, Options{})
	f.listen(t)
	assert.ErrorIs(t, f.l.Listen(f.rec), ErrAlreadyListening)
}

func TestReadyOncePerConnection(t *testing.T) {
	f := newFixture(t, 42, Options{EmitReady: true})
	f.listen(t)
	conn, _ := f.connected(t)

	conn.Deliver(mqtt.TopicMessageSync, []byte(`{"lastIssuedSeqId":43}`))
	conn.DeliverJSON(t, mqtt.TopicMessageSync, map[string]any{
		"deltas": []any{map[string]any{
			"class": "NewMessage",
			"body":  "hello",
			"messageMetadata": map[string]any{
				"threadKey": map[string]any{"otherUserFbId": 200},
				"actorFbId": 200,
				"messageId": "mid.1",
				"timestamp": "1700000000000",
			},
			"attachments": []any{},
		}},
	})

	f.rec.WaitEvents(t, 2)
	assert.Equal(t, []events.Type{events.TypeReady, events.TypeMessage}, f.rec.Types())
	assert.Equal(t, 0, f.clock.PendingCount())
	assert.EqualValues(t, 43, f.sess.CurrentCursor().SequenceID)

	snap := f.l.Snapshot()
	assert.EqualValues(t, 2, snap.FrameCount)
	assert.EqualValues(t, 2, snap.EventCount)
}

func TestInvalidSyncFrameDoesNotAck(t *testing.T) {
	f := newFixture(t, 42, Options{EmitReady: true})
	f.listen(t)
	conn, _ := f.connected(t)
	f.clock.WaitForTimers(1)

	conn.Deliver(mqtt.TopicMessageSync, []byte(`not json`))
	conn.Deliver(mqtt.TopicThreadTyping, []byte(`{}`))

	require.Eventually(t, func() bool { return f.l.Snapshot().FrameCount == 2 }, testutil.Timeout, 5*time.Millisecond)
	assert.Empty(t, f.rec.Events())
	assert.Equal(t, 1, f.clock.PendingCount())
}

func TestAckBeforeDeadlineKeepsConnection(t *testing.T) {
	f := newFixture(t, 42, Options{EmitReady: true, AutoReconnect: true})
	f.listen(t)
	conn, _ := f.connected(t)
	f.clock.WaitForTimers(1)

	// The ack is queued before the timer fires, so it wins either way.
	conn.Deliver(mqtt.TopicMessageSync, []byte(`{}`))
	f.clock.Advance(ResumeDeadline)

	f.rec.WaitEvents(t, 1)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, f.dialer.Count())
	assert.Equal(t, 0, f.syncer.Calls())
	assert.False(t, conn.Closed())
	assert.Equal(t, Connected, f.l.State())
	assert.Equal(t, []events.Type{events.TypeReady}, f.rec.Types())
}

func TestDeadlineResyncsWithFreshCursor(t *testing.T) {
	f := newFixture(t, 42, Options{AutoReconnect: true})
	f.listen(t)
	first, _ := f.connected(t)
	f.clock.WaitForTimers(1)

	f.clock.Advance(ResumeDeadline)

	second, pub := f.connected(t)
	first.WaitClosed(t)
	assert.Equal(t, 1, f.syncer.Calls())
	assert.Equal(t, mqtt.TopicCreateQueue, pub.Topic)
	assert.EqualValues(t, 99, decodeQueue(t, pub)["initial_titan_sequence_id"])
	assert.False(t, second.Closed())
	assert.EqualValues(t, 1, f.l.Snapshot().ReconnectCount)
	assert.Empty(t, f.rec.Events())
}

func TestLateFramesFromOldConnectionIgnored(t *testing.T) {
	f := newFixture(t, 42, Options{EmitReady: true, AutoReconnect: true})
	f.listen(t)
	first, _ := f.connected(t)
	f.clock.WaitForTimers(1)
	f.clock.Advance(ResumeDeadline)
	f.connected(t)

	first.Deliver(mqtt.TopicMessageSync, []byte(`{}`))
	first.Drop(errors.New("late"))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.rec.Events())
	assert.Equal(t, 2, f.dialer.Count())
	assert.Equal(t, Connected, f.l.State())
}

func TestReconnectIssuesSingleCursorRequest(t *testing.T) {
	f := newFixture(t, 42, Options{AutoReconnect: true})
	f.syncer.Gate = make(chan struct{})
	f.listen(t)
	conn, _ := f.connected(t)

	conn.Drop(errors.New("connection reset"))
	conn.Drop(errors.New("connection reset"))
	f.clock.Advance(ResumeDeadline)

	require.Eventually(t, func() bool { return f.syncer.Calls() == 1 }, testutil.Timeout, 5*time.Millisecond)
	assert.Equal(t, Syncing, f.l.State())
	conn.WaitClosed(t)

	f.syncer.Gate <- struct{}{}
	f.connected(t)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.syncer.Calls())
	assert.Equal(t, 2, f.dialer.Count())
	assert.Empty(t, f.rec.Errors())
}

func TestDialFailureReconnects(t *testing.T) {
	f := newFixture(t, 42, Options{AutoReconnect: true})
	f.dialer.FailNext(errors.New("dial refused"))
	f.listen(t)

	f.connected(t)
	assert.Equal(t, 1, f.syncer.Calls())
	snap := f.l.Snapshot()
	assert.Equal(t, "dial refused", snap.LastError)
	assert.EqualValues(t, 1, snap.ReconnectCount)
}

func TestConnectionLossWithoutReconnectStops(t *testing.T) {
	f := newFixture(t, 42, Options{})
	f.listen(t)
	conn, _ := f.connected(t)

	conn.Drop(errors.New("broken pipe"))
	f.l.Wait()

	require.Len(t, f.rec.Events(), 1)
	stop, ok := f.rec.Events()[0].(events.StopListen)
	require.True(t, ok)
	assert.Equal(t, "Connection refused: Server unavailable", stop.Error)
	assert.Equal(t, Disconnected, f.l.State())
	assert.False(t, f.l.Snapshot().Running)
	assert.Equal(t, 1, f.dialer.Count())
}

func TestSyncFailureIsFatal(t *testing.T) {
	f := newFixture(t, 0, Options{AutoReconnect: true})
	f.syncer.Err = errors.New("not logged in")
	f.listen(t)
	f.l.Wait()

	require.Len(t, f.rec.Errors(), 1)
	assert.EqualError(t, f.rec.Errors()[0], "not logged in")
	assert.Empty(t, f.rec.Events())
	assert.Equal(t, 0, f.dialer.Count())
}

func TestResumeUsesStoredCursorPair(t *testing.T) {
	f := newFixture(t, 42, Options{AutoReconnect: true})
	f.listen(t)
	first, _ := f.connected(t)

	first.Deliver(mqtt.TopicMessageSync, []byte(`{"firstDeltaSeqId":50,"syncToken":"tok-1","deltas":[]}`))
	require.Eventually(t, func() bool { return f.sess.CurrentCursor().Resumable() }, testutil.Timeout, 5*time.Millisecond)

	first.Drop(errors.New("connection reset"))
	second, pub := f.connected(t)

	assert.Equal(t, mqtt.TopicGetDiffs, pub.Topic)
	q := decodeQueue(t, pub)
	assert.EqualValues(t, 50, q["last_seq_id"])
	assert.Equal(t, "tok-1", q["sync_token"])
	assert.NotContains(t, q, "initial_titan_sequence_id")
	assert.Equal(t, ModeGetDiffs, f.l.Snapshot().Mode)

	// Nothing happened while disconnected: the resume yields no events.
	second.Deliver(mqtt.TopicMessageSync, []byte(`{"firstDeltaSeqId":50,"syncToken":"tok-1","deltas":[]}`))
	require.Eventually(t, func() bool { return f.l.Snapshot().FrameCount == 2 }, testutil.Timeout, 5*time.Millisecond)
	assert.Empty(t, f.rec.Events())
	assert.Equal(t, session.Cursor{SequenceID: 50, HasSequence: true, SyncToken: "tok-1"}, f.sess.CurrentCursor())
}

func TestStopWhileConnectedDrains(t *testing.T) {
	f := newFixture(t, 42, Options{})
	f.listen(t)
	conn, _ := f.connected(t)

	stopAndWait(t, f.l)

	assert.Equal(t, mqtt.TransientTopics, conn.Unsubscribed())
	pubs := conn.Publishes()
	require.Len(t, pubs, 2)
	assert.Equal(t, mqtt.TopicBrowserClose, pubs[1].Topic)
	assert.Equal(t, "{}", string(pubs[1].Payload))
	assert.True(t, conn.Closed())
	assert.Equal(t, Disconnected, f.l.State())
}

func TestStopSuppressesLaterEvents(t *testing.T) {
	f := newFixture(t, 42, Options{EmitReady: true})
	f.listen(t)
	conn, _ := f.connected(t)
	conn.FailPublish(errors.New("closing"))

	f.l.Stop(nil)
	conn.Deliver(mqtt.TopicMessageSync, []byte(`{}`))
	f.l.Wait()

	assert.Empty(t, f.rec.Events())
}

func TestStopFromHandler(t *testing.T) {
	f := newFixture(t, 42, Options{EmitReady: true})
	done := make(chan struct{})
	require.NoError(t, f.l.Listen(sink.HandlerFunc(func(err error, e events.Event) {
		f.l.Stop(func() { close(done) })
	})))
	conn, _ := f.connected(t)
	conn.Deliver(mqtt.TopicMessageSync, []byte(`{}`))

	select {
	case <-done:
	case <-time.After(testutil.Timeout):
		t.Fatal("stop from handler did not complete")
	}
}

func TestStopWhileSyncing(t *testing.T) {
	f := newFixture(t, 0, Options{})
	f.syncer.Gate = make(chan struct{})
	f.listen(t)
	require.Eventually(t, func() bool { return f.syncer.Calls() == 1 }, testutil.Timeout, 5*time.Millisecond)

	stopAndWait(t, f.l)
	assert.Equal(t, 0, f.dialer.Count())
}

func TestStopIdempotent(t *testing.T) {
	f := newFixture(t, 42, Options{})
	f.listen(t)
	f.connected(t)

	stopAndWait(t, f.l)
	stopAndWait(t, f.l)
}

func TestStopBeforeListen(t *testing.T) {
	f := newFixture(t, 42, Options{})
	stopAndWait(t, f.l)
	f.l.Wait()

	assert.ErrorIs(t, f.l.Listen(f.rec), ErrStopped)
	assert.Equal(t, 0, f.dialer.Count())
}

func TestPostAfterExitIsRefused(t *testing.T) {
	f := newFixture(t, 42, Options{})
	f.listen(t)
	f.connected(t)
	stopAndWait(t, f.l)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	late := testutil.NewFakeDialer()
	conn, err := late.Dial(ctx, mqtt.DialConfig{}, mqtt.Handlers{})
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		require.False(t, f.l.post(dialResult{gen: 1, conn: conn}))
	}
	assert.Empty(t, f.l.inbox)
}
