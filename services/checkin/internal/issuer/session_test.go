package issuer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/eventcheckin/services/checkin/internal/barcode"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/clock"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/domain"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/payload"
)

// ---------- Fakes ----------

type stubRenderer struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (r *stubRenderer) Render(text string, size int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return nil, fmt.Errorf("%w: printer on fire", barcode.ErrRender)
	}
	return []byte("png:" + text), nil
}

func (r *stubRenderer) setFail(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = v
}

type fakeSubscription struct {
	updates chan domain.CheckInSummary
	mu      sync.Mutex
	calls   int
}

func (f *fakeSubscription) Updates() <-chan domain.CheckInSummary { return f.updates }

func (f *fakeSubscription) Unsubscribe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func (f *fakeSubscription) unsubscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSource struct {
	mu   sync.Mutex
	subs []*fakeSubscription
	err  error
}

func (f *fakeSource) SubscribeCheckInSummary(_ context.Context, eventID string) (SummarySubscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscription{updates: make(chan domain.CheckInSummary)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

// ---------- Helpers ----------

const interval = 120 * time.Second

var start = time.UnixMilli(1000000)

type harness struct {
	clock    *clock.Fake
	renderer *stubRenderer
	issued   chan Issued
	session  *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	signer, err := payload.NewSigner("test-secret")
	require.NoError(t, err)

	h := &harness{
		clock:    clock.NewFake(start),
		renderer: &stubRenderer{},
		issued:   make(chan Issued, 16),
	}
	h.session = NewSession("concert42", signer, h.renderer, Options{
		Interval: interval,
		Size:     256,
		Clock:    h.clock,
		OnIssue:  func(_ string, is Issued) { h.issued <- is },
	})
	t.Cleanup(h.session.Stop)
	return h
}

func (h *harness) next(t *testing.T) Issued {
	t.Helper()
	select {
	case is := <-h.issued:
		return is
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return Issued{}
	}
}

func (h *harness) expectNone(t *testing.T) {
	t.Helper()
	select {
	case is := <-h.issued:
		t.Fatalf("unexpected payload issued at %d", is.Payload.IssuedAtMillis)
	case <-time.After(50 * time.Millisecond):
	}
}

// ---------- Tests ----------

func TestStartIssuesImmediately(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))

	first := h.next(t)
	assert.Equal(t, Active, h.session.State())
	assert.Equal(t, "concert42", first.Payload.EventID)
	assert.Equal(t, int64(1000000), first.Payload.IssuedAtMillis)

	cur, ok := h.session.Current()
	require.True(t, ok)
	assert.Equal(t, first.Text, cur.Text)
	assert.Equal(t, []byte("png:"+first.Text), cur.Image)

	decoded, err := payload.Decode(cur.Text)
	require.NoError(t, err)
	assert.Equal(t, first.Payload, decoded)
}

func TestRotationYieldsDistinctPayloads(t *testing.T) {
	const n = 5
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))

	seenAt := map[int64]bool{}
	seenSig := map[string]bool{}
	record := func(is Issued) {
		seenAt[is.Payload.IssuedAtMillis] = true
		seenSig[is.Payload.Signature] = true
	}
	record(h.next(t))

	for i := 0; i < n; i++ {
		h.clock.Advance(interval)
		record(h.next(t))
	}

	assert.Len(t, seenAt, n+1)
	assert.Len(t, seenSig, n+1)

	cur, ok := h.session.Current()
	require.True(t, ok)
	assert.Equal(t, start.Add(n*interval).UnixMilli(), cur.Payload.IssuedAtMillis)
}

func TestRenderFailureKeepsPreviousAndRetries(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))
	first := h.next(t)

	h.renderer.setFail(true)
	h.clock.Advance(interval)
	h.expectNone(t)

	cur, ok := h.session.Current()
	require.True(t, ok)
	assert.Equal(t, first.Payload, cur.Payload)
	assert.Equal(t, Active, h.session.State())

	h.renderer.setFail(false)
	h.clock.Advance(interval)
	retried := h.next(t)
	assert.Equal(t, start.Add(2*interval).UnixMilli(), retried.Payload.IssuedAtMillis)
}

func TestInitialRenderFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.renderer.setFail(true)

	require.NoError(t, h.session.Start(context.Background()))
	_, ok := h.session.Current()
	assert.False(t, ok)
	assert.Equal(t, Active, h.session.State())

	h.renderer.setFail(false)
	h.clock.Advance(interval)
	h.next(t)
	_, ok = h.session.Current()
	assert.True(t, ok)
}

func TestStopHaltsRegeneration(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))
	h.next(t)

	h.session.Stop()
	assert.Equal(t, Idle, h.session.State())
	assert.Zero(t, h.clock.Tickers())

	callsAtStop := h.renderer.calls
	for i := 0; i < 4; i++ {
		h.clock.Advance(interval)
	}
	h.expectNone(t)
	assert.Equal(t, callsAtStop, h.renderer.calls)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.session.Stop()

	require.NoError(t, h.session.Start(context.Background()))
	h.next(t)
	h.session.Stop()
	h.session.Stop()
	assert.Equal(t, Idle, h.session.State())
}

func TestStartTwiceKeepsOneLoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))
	require.NoError(t, h.session.Start(context.Background()))
	h.next(t)
	h.expectNone(t)
	assert.Equal(t, 1, h.clock.Tickers())
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))
	h.next(t)
	h.session.Stop()

	h.clock.Set(start.Add(time.Hour))
	require.NoError(t, h.session.Start(context.Background()))
	again := h.next(t)
	assert.Equal(t, start.Add(time.Hour).UnixMilli(), again.Payload.IssuedAtMillis)
}

func TestContextCancelEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.session.Start(ctx))
	h.next(t)

	cancel()
	require.Eventually(t, func() bool { return h.session.State() == Idle }, time.Second, 5*time.Millisecond)

	h.clock.Advance(interval)
	h.expectNone(t)
	h.session.Stop()
}

func TestWatchSummaryUpdatesCounter(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{}

	w, err := h.session.WatchSummary(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, src.subs, 1)
	sub := src.subs[0]

	last := start.Add(time.Minute)
	sub.updates <- domain.CheckInSummary{EventID: "concert42", CheckInCount: 3, LastCheckInAt: &last}
	require.Eventually(t, func() bool { return h.session.CheckInCount() == 3 }, time.Second, 5*time.Millisecond)

	// Rotation stop does not end the watch.
	require.NoError(t, h.session.Start(context.Background()))
	h.next(t)
	h.session.Stop()
	sub.updates <- domain.CheckInSummary{EventID: "concert42", CheckInCount: 4}
	require.Eventually(t, func() bool { return h.session.CheckInCount() == 4 }, time.Second, 5*time.Millisecond)

	w.Unsubscribe()
	w.Unsubscribe()
	assert.Equal(t, 1, sub.unsubscribeCalls())
}

func TestWatchSummaryPropagatesSubscribeError(t *testing.T) {
	h := newHarness(t)
	_, err := h.session.WatchSummary(context.Background(), &fakeSource{err: errors.New("nats down")})
	assert.Error(t, err)
}
