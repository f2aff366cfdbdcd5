package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReceipts struct {
	mu          sync.Mutex
	calls       []string
	deliverErr  error
	readErr     error
	blockOnRead chan struct{}
}

func (f *fakeReceipts) MarkDelivered(_ context.Context, threadID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delivered:"+threadID+"/"+messageID)
	return f.deliverErr
}

func (f *fakeReceipts) MarkRead(ctx context.Context, threadID string) error {
	if f.blockOnRead != nil {
		select {
		case <-f.blockOnRead:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "read:"+threadID)
	return f.readErr
}

func (f *fakeReceipts) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestAcknowledgeDeliveredThenRead(t *testing.T) {
	r := &fakeReceipts{}
	a := New(r, Options{AutoMarkDelivery: true, AutoMarkRead: true}, zerolog.Nop())

	a.Acknowledge("t1", "m1")
	a.Close()

	assert.Equal(t, []string{"delivered:t1/m1", "read:t1"}, r.all())
}

func TestAcknowledgeDeliveredOnly(t *testing.T) {
	r := &fakeReceipts{}
	a := New(r, Options{AutoMarkDelivery: true}, zerolog.Nop())

	a.Acknowledge("t1", "m1")
	a.Acknowledge("t2", "m2")
	a.Close()

	assert.ElementsMatch(t, []string{"delivered:t1/m1", "delivered:t2/m2"}, r.all())
}

func TestAcknowledgeDisabled(t *testing.T) {
	r := &fakeReceipts{}
	a := New(r, Options{AutoMarkDelivery: false, AutoMarkRead: true}, zerolog.Nop())

	a.Acknowledge("t1", "m1")
	a.Close()

	assert.Empty(t, r.all())
}

func TestReadSkippedWhenDeliveryFails(t *testing.T) {
	r := &fakeReceipts{deliverErr: errors.New("boom")}
	a := New(r, Options{AutoMarkDelivery: true, AutoMarkRead: true}, zerolog.Nop())

	a.Acknowledge("t1", "m1")
	a.Close()

	assert.Equal(t, []string{"delivered:t1/m1"}, r.all())
}

func TestCloseAbandonsPending(t *testing.T) {
	r := &fakeReceipts{blockOnRead: make(chan struct{})}
	a := New(r, Options{AutoMarkDelivery: true, AutoMarkRead: true, DrainTimeout: 50 * time.Millisecond}, zerolog.Nop())

	a.Acknowledge("t1", "m1")
	require.Eventually(t, func() bool { return len(r.all()) == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		a.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	a.Acknowledge("t2", "m2")
	assert.Equal(t, []string{"delivered:t1/m1"}, r.all())
}

func TestCloseFlushesAccepted(t *testing.T) {
	r := &fakeReceipts{}
	a := New(r, Options{AutoMarkDelivery: true, AutoMarkRead: true, RatePerSecond: 20, Burst: 1}, zerolog.Nop())

	for _, id := range []string{"1", "2", "3"} {
		a.Acknowledge("t"+id, "m"+id)
	}
	a.Close()

	assert.ElementsMatch(t, []string{
		"delivered:t1/m1", "read:t1",
		"delivered:t2/m2", "read:t2",
		"delivered:t3/m3", "read:t3",
	}, r.all())
}

func TestCloseWaitsForSlowRead(t *testing.T) {
	release := make(chan struct{})
	r := &fakeReceipts{blockOnRead: release}
	a := New(r, Options{AutoMarkDelivery: true, AutoMarkRead: true}, zerolog.Nop())

	a.Acknowledge("t1", "m1")
	time.AfterFunc(30*time.Millisecond, func() { close(release) })
	a.Close()

	assert.Equal(t, []string{"delivered:t1/m1", "read:t1"}, r.all())
}

func TestPacing(t *testing.T) {
	r := &fakeReceipts{}
	a := New(r, Options{AutoMarkDelivery: true, RatePerSecond: 50, Burst: 1}, zerolog.Nop())

	start := time.Now()
	for i := 0; i < 3; i++ {
		a.Acknowledge("t", "m")
	}
	require.Eventually(t, func() bool { return len(r.all()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	a.Close()
}
