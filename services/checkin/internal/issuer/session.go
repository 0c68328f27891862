// Package issuer keeps a rotating, signed check-in QR code on display for an event.
package issuer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/barcode"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/clock"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/domain"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/payload"
)

const (
	DefaultRotationInterval = 120 * time.Second
	DefaultImageSize        = 512
)

type State int32

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// Issued is one adopted payload together with its rendered image.
type Issued struct {
	Payload  payload.Payload
	Text     string
	Image    []byte
	IssuedAt time.Time
}

type Options struct {
	Interval time.Duration
	Size     int
	Clock    clock.Clock
	// OnIssue is called after each payload is adopted, outside the session lock.
	// It must not call Stop on the same session.
	OnIssue func(eventID string, issued Issued)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultRotationInterval
	}
	if o.Size <= 0 {
		o.Size = DefaultImageSize
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	return o
}

// Session is the display session for one event: Idle -> Active on Start,
// Active -> Idle on Stop. There is no error state; render failures keep the
// previous payload and are retried on the next tick.
type Session struct {
	eventID  string
	signer   *payload.Signer
	renderer barcode.Renderer
	opts     Options

	mu      sync.Mutex
	state   State
	gen     uint64
	current *Issued
	stop    chan struct{}
	done    chan struct{}

	summaryMu sync.RWMutex
	summary   domain.CheckInSummary
}

func NewSession(eventID string, signer *payload.Signer, renderer barcode.Renderer, opts Options) *Session {
	return &Session{
		eventID:  eventID,
		signer:   signer,
		renderer: renderer,
		opts:     opts.withDefaults(),
		summary:  domain.CheckInSummary{EventID: eventID},
	}
}

func (s *Session) EventID() string { return s.eventID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the payload on display. ok is false before the first
// successful render.
func (s *Session) Current() (Issued, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Issued{}, false
	}
	return *s.current, true
}

// Start issues the first payload and begins rotating. Calling Start on an
// active session does nothing. The rotation loop also ends when ctx is done.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Active {
		s.mu.Unlock()
		return nil
	}
	s.state = Active
	s.gen++
	gen := s.gen
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	ticker := s.opts.Clock.NewTicker(s.opts.Interval)
	s.mu.Unlock()

	ctx = logger.WithEvent(ctx, s.eventID)
	logger.InfoContext(ctx, "Check-in display started", "interval", s.opts.Interval.String())

	s.rotate(ctx, gen)
	go s.loop(ctx, gen, ticker, stop, done)
	return nil
}

// Stop cancels rotation. When it returns the loop has exited, so no further
// payload can be adopted. Safe to call repeatedly and on an idle session.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	s.state = Idle
	s.gen++
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	logger.Info("Check-in display stopped", "event_id", s.eventID)
}

func (s *Session) loop(ctx context.Context, gen uint64, ticker clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.mu.Lock()
			if s.gen == gen {
				s.state = Idle
				s.gen++
			}
			s.mu.Unlock()
			return
		case <-ticker.C():
			s.rotate(ctx, gen)
		}
	}
}

// rotate issues a payload stamped with the current time and adopts it if the
// session generation is still gen.
func (s *Session) rotate(ctx context.Context, gen uint64) {
	now := s.opts.Clock.Now()
	p := s.signer.Issue(s.eventID, clock.Millis(now))
	text := p.String()

	img, err := s.renderer.Render(text, s.opts.Size)
	if err != nil {
		if !errors.Is(err, barcode.ErrRender) {
			err = errors.Join(barcode.ErrRender, err)
		}
		logger.WarnContext(ctx, "Check-in QR render failed, keeping previous code", "error", err)
		return
	}

	issued := Issued{Payload: p, Text: text, Image: img, IssuedAt: now}

	s.mu.Lock()
	if s.gen != gen || s.state != Active {
		s.mu.Unlock()
		logger.DebugContext(ctx, "Discarding payload from stopped display")
		return
	}
	s.current = &issued
	s.mu.Unlock()

	logger.DebugContext(ctx, "Check-in QR rotated", "issued_at", p.IssuedAtMillis)
	if s.opts.OnIssue != nil {
		s.opts.OnIssue(s.eventID, issued)
	}
}
