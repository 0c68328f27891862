// Package verifier classifies scanned check-in payloads and drives at most one
// check-in write per scan.
package verifier

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/clock"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/domain"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/payload"
)

// ErrScanInFlight is returned when a scan arrives while another one from the
// same scanning session is still being processed. The scan is dropped.
var ErrScanInFlight = errors.New("a scan is already being processed")

type Status string

const (
	StatusValid            Status = "valid"
	StatusMalformed        Status = "malformed"
	StatusInvalidSignature Status = "invalid_signature"
	StatusExpired          Status = "expired"
)

// Message is the text shown to the scanning user for a rejected payload.
func (s Status) Message() string {
	switch s {
	case StatusMalformed:
		return "invalid QR code format"
	case StatusInvalidSignature:
		return "invalid QR code"
	case StatusExpired:
		return "QR code expired"
	default:
		return ""
	}
}

// Result is the classification of one scanned text.
type Result struct {
	Status         Status
	EventID        string
	IssuedAtMillis int64
}

func (r Result) Valid() bool { return r.Status == StatusValid }

// Recorder performs the check-in write. A returned error is reported to the
// user verbatim as the failure reason.
type Recorder interface {
	RecordCheckIn(ctx context.Context, eventID string, who domain.Attendee) (*domain.CheckInRecord, error)
}

// Outcome is what a scan produced. Success is false both for rejected
// payloads (see Result.Status) and for failed writes (see Reason).
type Outcome struct {
	Result  Result
	Success bool
	Record  *domain.CheckInRecord
	Reason  string
	// Err is the write error behind Reason, nil for rejected payloads.
	Err     error
}

type Options struct {
	Clock clock.Clock
	// ExpirationWindow of zero accepts signature-valid payloads of any age.
	ExpirationWindow time.Duration
}

const (
	idle int32 = iota
	processing
)

// Verifier belongs to one scanning session. Its single-flight latch is
// Idle or Processing and is always returned to Idle when a scan finishes.
type Verifier struct {
	signer   *payload.Signer
	recorder Recorder
	clock    clock.Clock
	window   time.Duration

	state atomic.Int32
}

func New(signer *payload.Signer, recorder Recorder, opts Options) *Verifier {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Verifier{
		signer:   signer,
		recorder: recorder,
		clock:    opts.Clock,
		window:   opts.ExpirationWindow,
	}
}

// Classify decodes raw and checks its signature and, when a window is
// configured, its age.
func (v *Verifier) Classify(raw string) Result {
	p, err := payload.Decode(raw)
	if err != nil {
		return Result{Status: StatusMalformed}
	}
	res := Result{EventID: p.EventID, IssuedAtMillis: p.IssuedAtMillis}

	if !v.signer.Verify(p.EventID, p.IssuedAtMillis, p.Signature) {
		res.Status = StatusInvalidSignature
		return res
	}

	if v.window > 0 {
		age := clock.Millis(v.clock.Now()) - p.IssuedAtMillis
		if age > v.window.Milliseconds() {
			res.Status = StatusExpired
			return res
		}
	}

	res.Status = StatusValid
	return res
}

// Busy reports whether a scan is currently being processed.
func (v *Verifier) Busy() bool {
	return v.state.Load() == processing
}

// HandleScan classifies raw and, when valid, records exactly one check-in for
// who. It returns ErrScanInFlight without doing anything if another scan is
// in progress. Classification failures and write failures are reported in the
// Outcome, never as an error.
func (v *Verifier) HandleScan(ctx context.Context, raw string, who domain.Attendee) (Outcome, error) {
	if !v.state.CompareAndSwap(idle, processing) {
		logger.DebugContext(ctx, "Dropping scan while another is in flight", "user_id", who.UserID)
		return Outcome{}, ErrScanInFlight
	}
	defer v.state.Store(idle)

	res := v.Classify(raw)
	if !res.Valid() {
		logger.InfoContext(ctx, "Check-in scan rejected", "status", string(res.Status), "user_id", who.UserID)
		return Outcome{Result: res, Reason: res.Status.Message()}, nil
	}

	ctx = logger.WithEvent(ctx, res.EventID)
	record, err := v.recorder.RecordCheckIn(ctx, res.EventID, who)
	if err != nil {
		logger.WarnContext(ctx, "Check-in write failed", "error", err, "user_id", who.UserID)
		return Outcome{Result: res, Reason: err.Error(), Err: err}, nil
	}

	logger.InfoContext(ctx, "Checked in", "user_id", who.UserID, "record_id", record.ID)
	return Outcome{Result: res, Success: true, Record: record}, nil
}
