package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diagnosis/eventcheckin/pkg/events"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/domain"
)

type fakeEventRepo struct {
	events map[string]*domain.Event
	err    error
}

func (f *fakeEventRepo) GetByID(_ context.Context, id string) (*domain.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	e, ok := f.events[id]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	return e, nil
}

type fakeCheckInRepo struct {
	mu      sync.Mutex
	records []domain.CheckInRecord
	nextID  int
	err     error
}

func (f *fakeCheckInRepo) Insert(_ context.Context, eventID string, who domain.Attendee, at time.Time) (*domain.CheckInRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, r := range f.records {
		if r.EventID == eventID && r.UserID == who.UserID {
			return nil, domain.ErrAlreadyCheckedIn
		}
	}
	f.nextID++
	rec := domain.CheckInRecord{
		ID:         fmt.Sprintf("rec-%d", f.nextID),
		EventID:    eventID,
		UserID:     who.UserID,
		UserName:   who.UserName,
		DeviceInfo: who.DeviceInfo,
		Timestamp:  at,
	}
	f.records = append(f.records, rec)
	return &rec, nil
}

func (f *fakeCheckInRepo) ListByEvent(_ context.Context, eventID string) ([]domain.CheckInRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.CheckInRecord, 0)
	for _, r := range f.records {
		if r.EventID == eventID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeCheckInRepo) Roster(ctx context.Context, eventID string) ([]string, *time.Time, error) {
	recs, _ := f.ListByEvent(ctx, eventID)
	users := make([]string, 0, len(recs))
	var last *time.Time
	for i := range recs {
		users = append(users, recs[i].UserID)
		if t := recs[i].Timestamp; last == nil || t.After(*last) {
			last = &t
		}
	}
	return users, last, nil
}

// fakeCounterRepo mirrors the redis scripts: a seeded flag plus a set of user ids.
type fakeCounterRepo struct {
	mu    sync.Mutex
	users map[string]map[string]struct{}
	err   error
	seeds int
}

func newFakeCounter() *fakeCounterRepo {
	return &fakeCounterRepo{users: make(map[string]map[string]struct{})}
}

func (f *fakeCounterRepo) Incr(_ context.Context, eventID, userID string, _ time.Time) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, false, f.err
	}
	set, ok := f.users[eventID]
	if !ok {
		return 0, false, nil
	}
	set[userID] = struct{}{}
	return int64(len(set)), true, nil
}

func (f *fakeCounterRepo) Seed(_ context.Context, eventID string, userIDs []string, _ *time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.seeds++
	set, ok := f.users[eventID]
	if !ok {
		set = make(map[string]struct{})
		f.users[eventID] = set
	}
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	return int64(len(set)), nil
}

func (f *fakeCounterRepo) Get(_ context.Context, eventID string) (int64, *time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, nil, false, f.err
	}
	set, ok := f.users[eventID]
	return int64(len(set)), nil, ok, nil
}

func (f *fakeCounterRepo) count(eventID string) int64 {
	n, _, _, _ := f.Get(context.Background(), eventID)
	return n
}

// expire drops the key as a redis TTL or eviction would.
func (f *fakeCounterRepo) expire(eventID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, eventID)
}

// memoryBus delivers published events synchronously to subscribers.
type memoryBus struct {
	mu        sync.Mutex
	handlers  map[string][]*memorySub
	published []string
	failWith  error
}

func newMemoryBus() *memoryBus {
	return &memoryBus{handlers: make(map[string][]*memorySub)}
}

type memorySub struct {
	bus     *memoryBus
	subject string
	fn      func(*events.Message)
	active  bool
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.active = false
	return nil
}

func (b *memoryBus) Publish(_ context.Context, subject string, data interface{}) error {
	if b.failWith != nil {
		return b.failWith
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, subject)
	var targets []*memorySub
	for _, s := range b.handlers[subject] {
		if s.active {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.fn(&events.Message{Subject: subject, Data: raw, Timestamp: time.Now()})
	}
	return nil
}

func (b *memoryBus) Subscribe(subject string, handler func(msg *events.Message)) (events.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &memorySub{bus: b, subject: subject, fn: handler, active: true}
	b.handlers[subject] = append(b.handlers[subject], s)
	return s, nil
}

func (b *memoryBus) QueueSubscribe(subject, _ string, handler func(msg *events.Message)) (events.Subscription, error) {
	return b.Subscribe(subject, handler)
}

func (b *memoryBus) Close() error { return nil }

func (b *memoryBus) subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

func (b *memoryBus) activeSubs(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.handlers[subject] {
		if s.active {
			n++
		}
	}
	return n
}

var errBoom = errors.New("boom")
