package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/diagnosis/eventcheckin/pkg/events"
	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/domain"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/issuer"
)

// SummaryLoader builds a fresh summary for an event.
type SummaryLoader interface {
	GetSummary(ctx context.Context, eventID string) (*domain.CheckInSummary, error)
}

// SummaryHub turns checkin.recorded events into per-event summary streams.
// It holds a single bus subscription and fans out to every local subscriber.
type SummaryHub struct {
	bus    events.Subscriber
	loader SummaryLoader

	mu   sync.Mutex
	subs map[string]map[*hubSubscription]struct{}
}

func NewSummaryHub(bus events.Subscriber, loader SummaryLoader) *SummaryHub {
	return &SummaryHub{
		bus:    bus,
		loader: loader,
		subs:   make(map[string]map[*hubSubscription]struct{}),
	}
}

var _ issuer.SummarySource = (*SummaryHub)(nil)

// Run listens on the bus until ctx is done.
func (h *SummaryHub) Run(ctx context.Context) error {
	sub, err := h.bus.Subscribe(events.CheckInRecorded, func(msg *events.Message) {
		var evt events.CheckInRecordedEvent
		if err := msg.Decode(&evt); err != nil {
			logger.Error("Dropping undecodable check-in event", "error", err)
			return
		}
		h.Refresh(ctx, evt.EventID)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.CheckInRecorded, err)
	}
	logger.Info("Summary hub listening", "subject", events.CheckInRecorded)

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		logger.Warn("Summary hub unsubscribe failed", "error", err)
	}
	h.closeAll()
	return nil
}

// Refresh reloads the summary for eventID and pushes it to its subscribers.
func (h *SummaryHub) Refresh(ctx context.Context, eventID string) {
	if h.subscribers(eventID) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	summary, err := h.loader.GetSummary(ctx, eventID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load check-in summary", "error", err, "event_id", eventID)
		return
	}
	h.publish(*summary)
}

// SubscribeCheckInSummary delivers the current summary immediately, then
// one summary per change. Slow readers only ever see the latest value.
func (h *SummaryHub) SubscribeCheckInSummary(ctx context.Context, eventID string) (issuer.SummarySubscription, error) {
	initial, err := h.loader.GetSummary(ctx, eventID)
	if err != nil {
		return nil, err
	}

	s := &hubSubscription{
		hub:     h,
		eventID: eventID,
		updates: make(chan domain.CheckInSummary, 1),
	}
	s.updates <- *initial

	h.mu.Lock()
	set, ok := h.subs[eventID]
	if !ok {
		set = make(map[*hubSubscription]struct{})
		h.subs[eventID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	return s, nil
}

func (h *SummaryHub) subscribers(eventID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[eventID])
}

func (h *SummaryHub) publish(summary domain.CheckInSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[summary.EventID] {
		s.offer(summary)
	}
}

func (h *SummaryHub) remove(s *hubSubscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[s.eventID]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.eventID)
	}
	close(s.updates)
	return true
}

func (h *SummaryHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for eventID, set := range h.subs {
		for s := range set {
			close(s.updates)
		}
		delete(h.subs, eventID)
	}
}

// Len is the number of live subscriptions across all events.
func (h *SummaryHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

type hubSubscription struct {
	hub     *SummaryHub
	eventID string
	updates chan domain.CheckInSummary
}

func (s *hubSubscription) Updates() <-chan domain.CheckInSummary { return s.updates }

func (s *hubSubscription) Unsubscribe() {
	s.hub.remove(s)
}

// offer replaces any undelivered summary with the newer one. Callers hold hub.mu.
func (s *hubSubscription) offer(summary domain.CheckInSummary) {
	select {
	case s.updates <- summary:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- summary:
	default:
	}
}
