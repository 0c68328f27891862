package issuer

import (
	"context"
	"sync"

	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/domain"
)

// SummarySource streams live check-in summaries for an event.
type SummarySource interface {
	SubscribeCheckInSummary(ctx context.Context, eventID string) (SummarySubscription, error)
}

// SummarySubscription delivers summaries until Unsubscribe is called, after
// which Updates is closed.
type SummarySubscription interface {
	Updates() <-chan domain.CheckInSummary
	Unsubscribe()
}

// Watch is the handle for a session's summary subscription.
type Watch struct {
	sub  SummarySubscription
	once sync.Once
	quit chan struct{}
	done chan struct{}
}

// Unsubscribe releases the backend subscription. Only the first call has an effect.
func (w *Watch) Unsubscribe() {
	w.once.Do(func() {
		close(w.quit)
		w.sub.Unsubscribe()
		<-w.done
	})
}

// WatchSummary keeps the session's displayed counter in sync with the live
// summary. It is independent of rotation: Stop does not end the watch.
func (s *Session) WatchSummary(ctx context.Context, src SummarySource) (*Watch, error) {
	sub, err := src.SubscribeCheckInSummary(ctx, s.eventID)
	if err != nil {
		return nil, err
	}

	w := &Watch{
		sub:  sub,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for {
			select {
			case <-w.quit:
				return
			case summary, ok := <-sub.Updates():
				if !ok {
					return
				}
				s.setSummary(summary)
				logger.DebugContext(ctx, "Check-in count updated", "event_id", s.eventID, "count", summary.CheckInCount)
			}
		}
	}()
	return w, nil
}

func (s *Session) setSummary(summary domain.CheckInSummary) {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	s.summary = summary
}

// Summary returns the most recent live summary seen by the session.
func (s *Session) Summary() domain.CheckInSummary {
	s.summaryMu.RLock()
	defer s.summaryMu.RUnlock()
	return s.summary
}

// CheckInCount is the counter shown next to the QR code.
func (s *Session) CheckInCount() int64 {
	return s.Summary().CheckInCount
}
