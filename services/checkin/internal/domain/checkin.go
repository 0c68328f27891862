package domain

import (
	"errors"
	"time"
)

var (
	ErrEventNotFound    = errors.New("event not found")
	ErrCheckInClosed    = errors.New("event is not open for check-in")
	ErrAlreadyCheckedIn = errors.New("already checked in")
)

// CheckInRecord is the persisted fact that a user checked into an event.
// There is at most one record per (EventID, UserID).
type CheckInRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	DeviceInfo string    `json:"device_info"`
}

// CheckInSummary is the live read view over all records of one event.
type CheckInSummary struct {
	EventID       string          `json:"event_id"`
	CheckInCount  int64           `json:"check_in_count"`
	LastCheckInAt *time.Time      `json:"last_check_in_at,omitempty"`
	AllCheckIns   []CheckInRecord `json:"all_check_ins"`
}

// Attendee identifies who is scanning and from which device.
type Attendee struct {
	UserID     string
	UserName   string
	DeviceInfo string
}
