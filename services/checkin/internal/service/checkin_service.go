package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/eventcheckin/pkg/events"
	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/domain"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/repository"
)

type CheckInService interface {
	GetEvent(ctx context.Context, eventID string) (*domain.Event, error)
	RecordCheckIn(ctx context.Context, eventID string, who domain.Attendee) (*domain.CheckInRecord, error)
	GetSummary(ctx context.Context, eventID string) (*domain.CheckInSummary, error)
	GetCount(ctx context.Context, eventID string) (int64, *time.Time, error)
	PublishDisplay(ctx context.Context, subject, eventID, hostID string)
}

type checkInService struct {
	eventRepo   repository.EventRepository
	checkInRepo repository.CheckInRepository
	counterRepo repository.CounterRepository
	publisher   events.Publisher
	now         func() time.Time
}

func NewCheckInService(
	eventRepo repository.EventRepository,
	checkInRepo repository.CheckInRepository,
	counterRepo repository.CounterRepository,
	publisher events.Publisher,
) CheckInService {
	return &checkInService{
		eventRepo:   eventRepo,
		checkInRepo: checkInRepo,
		counterRepo: counterRepo,
		publisher:   publisher,
		now:         time.Now,
	}
}

func (s *checkInService) GetEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	return s.eventRepo.GetByID(ctx, eventID)
}

// RecordCheckIn stores the check-in, bumps the live counter and announces the
// change. Domain errors are returned unwrapped so their message can be shown
// to the attendee as is.
func (s *checkInService) RecordCheckIn(ctx context.Context, eventID string, who domain.Attendee) (*domain.CheckInRecord, error) {
	event, err := s.eventRepo.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	if !event.AcceptsCheckIns() {
		return nil, domain.ErrCheckInClosed
	}

	record, err := s.checkInRepo.Insert(ctx, eventID, who, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyCheckedIn) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record check-in: %w", err)
	}

	count := s.bumpCounter(ctx, eventID, record.UserID, record.Timestamp)

	evt := events.CheckInRecordedEvent{
		RecordID:   record.ID,
		EventID:    eventID,
		UserID:     record.UserID,
		UserName:   record.UserName,
		Count:      count,
		RecordedAt: record.Timestamp,
	}
	if err := s.publisher.Publish(ctx, events.CheckInRecorded, evt); err != nil {
		logger.ErrorContext(ctx, "Failed to publish check-in recorded event", "error", err, "record_id", record.ID)
	}

	return record, nil
}

// bumpCounter never fails the write: the checkins table is authoritative and
// the counter is re-seeded from it whenever redis is missing the key. The
// seed merges user ids, so racing seeds and increments converge on the table.
func (s *checkInService) bumpCounter(ctx context.Context, eventID, userID string, at time.Time) int64 {
	n, ok, err := s.counterRepo.Incr(ctx, eventID, userID, at)
	if err == nil && ok {
		return n
	}
	if err != nil {
		logger.WarnContext(ctx, "Counter increment failed", "error", err, "event_id", eventID)
	}

	n, _, err = s.reseed(ctx, eventID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to re-seed check-in counter", "error", err, "event_id", eventID)
		return 0
	}
	return n
}

// reseed loads the roster from the table and merges it into the counter. When
// redis is unavailable the table count is returned instead.
func (s *checkInService) reseed(ctx context.Context, eventID string) (int64, *time.Time, error) {
	users, last, err := s.checkInRepo.Roster(ctx, eventID)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count check-ins: %w", err)
	}
	n, err := s.counterRepo.Seed(ctx, eventID, users, last)
	if err != nil {
		logger.WarnContext(ctx, "Counter seed failed", "error", err, "event_id", eventID)
		return int64(len(users)), last, nil
	}
	return n, last, nil
}

func (s *checkInService) GetSummary(ctx context.Context, eventID string) (*domain.CheckInSummary, error) {
	if _, err := s.eventRepo.GetByID(ctx, eventID); err != nil {
		return nil, err
	}

	records, err := s.checkInRepo.ListByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list check-ins: %w", err)
	}

	summary := &domain.CheckInSummary{
		EventID:      eventID,
		CheckInCount: int64(len(records)),
		AllCheckIns:  records,
	}
	for i := range records {
		if t := records[i].Timestamp; summary.LastCheckInAt == nil || t.After(*summary.LastCheckInAt) {
			summary.LastCheckInAt = &t
		}
	}
	return summary, nil
}

// GetCount serves the counter from redis, falling back to the table.
func (s *checkInService) GetCount(ctx context.Context, eventID string) (int64, *time.Time, error) {
	n, last, ok, err := s.counterRepo.Get(ctx, eventID)
	if err == nil && ok {
		return n, last, nil
	}
	if err != nil {
		logger.WarnContext(ctx, "Counter read failed", "error", err, "event_id", eventID)
	}

	if _, err := s.eventRepo.GetByID(ctx, eventID); err != nil {
		return 0, nil, err
	}
	return s.reseed(ctx, eventID)
}

func (s *checkInService) PublishDisplay(ctx context.Context, subject, eventID, hostID string) {
	evt := events.DisplayEvent{EventID: eventID, HostID: hostID, At: s.now()}
	if err := s.publisher.Publish(ctx, subject, evt); err != nil {
		logger.ErrorContext(ctx, "Failed to publish display event", "error", err, "subject", subject, "event_id", eventID)
	}
}
