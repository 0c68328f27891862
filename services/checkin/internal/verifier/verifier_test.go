package verifier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/eventcheckin/services/checkin/internal/clock"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/domain"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/payload"
)

// ---------- Fakes ----------

type recordFunc func(ctx context.Context, eventID string, who domain.Attendee) (*domain.CheckInRecord, error)

type fakeRecorder struct {
	calls atomic.Int32
	fn    recordFunc
}

func (f *fakeRecorder) RecordCheckIn(ctx context.Context, eventID string, who domain.Attendee) (*domain.CheckInRecord, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, eventID, who)
	}
	return &domain.CheckInRecord{
		ID:        "rec-1",
		EventID:   eventID,
		UserID:    who.UserID,
		UserName:  who.UserName,
		Timestamp: time.UnixMilli(1000000),
	}, nil
}

var alice = domain.Attendee{UserID: "u-1", UserName: "Alice", DeviceInfo: "pixel"}

func newTestVerifier(t *testing.T, rec Recorder, window time.Duration) (*Verifier, *payload.Signer, *clock.Fake) {
	t.Helper()
	signer, err := payload.NewSigner("test-secret")
	require.NoError(t, err)
	clk := clock.NewFake(time.UnixMilli(1000000))
	return New(signer, rec, Options{Clock: clk, ExpirationWindow: window}), signer, clk
}

func issue(t *testing.T, s *payload.Signer, eventID string, ts int64) string {
	t.Helper()
	text, err := payload.Encode(eventID, ts, s.Sign(eventID, ts))
	require.NoError(t, err)
	return text
}

// ---------- Classification ----------

func TestScanValidPayloadChecksIn(t *testing.T) {
	rec := &fakeRecorder{}
	v, s, _ := newTestVerifier(t, rec, 0)

	raw := issue(t, s, "concert42", 1000000)
	res := v.Classify(raw)
	assert.Equal(t, StatusValid, res.Status)
	assert.Equal(t, "concert42", res.EventID)

	out, err := v.HandleScan(context.Background(), raw, alice)
	require.NoError(t, err)
	assert.True(t, out.Success)
	require.NotNil(t, out.Record)
	assert.Equal(t, "concert42", out.Record.EventID)
	assert.Equal(t, "u-1", out.Record.UserID)
	assert.Empty(t, out.Reason)
	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestScanTamperedSignatureIsRejected(t *testing.T) {
	rec := &fakeRecorder{}
	v, s, _ := newTestVerifier(t, rec, 0)

	sig := []byte(s.Sign("concert42", 1000000))
	if sig[0] == 'a' {
		sig[0] = 'b'
	} else {
		sig[0] = 'a'
	}
	raw, err := payload.Encode("concert42", 1000000, string(sig))
	require.NoError(t, err)

	out, err := v.HandleScan(context.Background(), raw, alice)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, StatusInvalidSignature, out.Result.Status)
	assert.Equal(t, "invalid QR code", out.Reason)
	assert.Zero(t, rec.calls.Load())
}

func TestScanJunkIsMalformed(t *testing.T) {
	rec := &fakeRecorder{}
	v, _, _ := newTestVerifier(t, rec, 0)

	out, err := v.HandleScan(context.Background(), "not a qr payload", alice)
	require.NoError(t, err)
	assert.Equal(t, StatusMalformed, out.Result.Status)
	assert.Equal(t, "invalid QR code format", out.Reason)
	assert.Zero(t, rec.calls.Load())
}

func TestRotatedOutPayloadStillAcceptedWithoutWindow(t *testing.T) {
	v, s, clk := newTestVerifier(t, &fakeRecorder{}, 0)

	old := issue(t, s, "concert42", 1000000)
	clk.Set(time.UnixMilli(1000000).Add(120 * time.Second))
	_ = issue(t, s, "concert42", clock.Millis(clk.Now()))

	res := v.Classify(old)
	assert.Equal(t, StatusValid, res.Status)
	assert.Equal(t, "concert42", res.EventID)
}

func TestExpirationWindow(t *testing.T) {
	v, s, clk := newTestVerifier(t, &fakeRecorder{}, 2*time.Minute)
	raw := issue(t, s, "concert42", 1000000)

	clk.Set(time.UnixMilli(1000000).Add(2 * time.Minute))
	assert.Equal(t, StatusValid, v.Classify(raw).Status)

	clk.Set(time.UnixMilli(1000000).Add(2*time.Minute + time.Millisecond))
	res := v.Classify(raw)
	assert.Equal(t, StatusExpired, res.Status)
	assert.Equal(t, "QR code expired", res.Status.Message())
}

func TestSignatureCheckedBeforeExpiry(t *testing.T) {
	v, _, clk := newTestVerifier(t, &fakeRecorder{}, time.Minute)
	clk.Set(time.UnixMilli(1000000).Add(time.Hour))

	raw, err := payload.Encode("concert42", 1000000, "0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalidSignature, v.Classify(raw).Status)
}

// ---------- Write outcomes ----------

func TestWriteFailureSurfacesReason(t *testing.T) {
	rec := &fakeRecorder{fn: func(context.Context, string, domain.Attendee) (*domain.CheckInRecord, error) {
		return nil, domain.ErrAlreadyCheckedIn
	}}
	v, s, _ := newTestVerifier(t, rec, 0)

	out, err := v.HandleScan(context.Background(), issue(t, s, "concert42", 1000000), alice)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, StatusValid, out.Result.Status)
	assert.Equal(t, "already checked in", out.Reason)
	assert.ErrorIs(t, out.Err, domain.ErrAlreadyCheckedIn)
	assert.False(t, v.Busy())
}

func TestLatchReleasedAfterPanic(t *testing.T) {
	rec := &fakeRecorder{fn: func(context.Context, string, domain.Attendee) (*domain.CheckInRecord, error) {
		panic("boom")
	}}
	v, s, _ := newTestVerifier(t, rec, 0)
	raw := issue(t, s, "concert42", 1000000)

	func() {
		defer func() { _ = recover() }()
		_, _ = v.HandleScan(context.Background(), raw, alice)
	}()
	assert.False(t, v.Busy())

	rec.fn = nil
	out, err := v.HandleScan(context.Background(), raw, alice)
	require.NoError(t, err)
	assert.True(t, out.Success)
}

// ---------- Single flight ----------

func TestConcurrentScanIsDropped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	rec := &fakeRecorder{}
	rec.fn = func(_ context.Context, eventID string, who domain.Attendee) (*domain.CheckInRecord, error) {
		close(entered)
		<-release
		return &domain.CheckInRecord{ID: "rec-1", EventID: eventID, UserID: who.UserID}, nil
	}
	v, s, _ := newTestVerifier(t, rec, 0)
	raw := issue(t, s, "concert42", 1000000)

	var wg sync.WaitGroup
	var first Outcome
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = v.HandleScan(context.Background(), raw, alice)
	}()
	<-entered
	assert.True(t, v.Busy())

	_, err := v.HandleScan(context.Background(), raw, alice)
	assert.ErrorIs(t, err, ErrScanInFlight)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.True(t, first.Success)
	assert.Equal(t, int32(1), rec.calls.Load())
	assert.False(t, v.Busy())
}

func TestRegistrySeparatesDevices(t *testing.T) {
	signer, err := payload.NewSigner("test-secret")
	require.NoError(t, err)
	reg := NewRegistry(signer, &fakeRecorder{}, Options{})

	a, releaseA := reg.Acquire(SessionKey("u-1", "phone"))
	a2, releaseA2 := reg.Acquire(SessionKey("u-1", "phone"))
	b, releaseB := reg.Acquire(SessionKey("u-1", "tablet"))
	assert.Same(t, a, a2)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, reg.Len())

	releaseB()
	releaseB()
	assert.Equal(t, 1, reg.Len())

	releaseA()
	assert.Equal(t, 1, reg.Len(), "still held by the second scan")
	releaseA2()
	assert.Zero(t, reg.Len())
}

func TestRegistryDropsFinishedScans(t *testing.T) {
	signer, err := payload.NewSigner("test-secret")
	require.NoError(t, err)
	reg := NewRegistry(signer, &fakeRecorder{}, Options{})
	raw := signer.Issue("concert42", 1000).String()

	for i := 0; i < 500; i++ {
		v, release := reg.Acquire(SessionKey("u-1", fmt.Sprintf("device-%d", i)))
		_, err := v.HandleScan(context.Background(), raw, domain.Attendee{UserID: "u-1"})
		release()
		require.NoError(t, err)
	}
	assert.Zero(t, reg.Len())
}
