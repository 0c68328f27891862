package domain

import "time"

type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventPublished EventStatus = "published"
	EventLive      EventStatus = "live"
	EventEnded     EventStatus = "ended"
	EventCanceled  EventStatus = "canceled"
)

type Event struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	HostID   string      `json:"host_id"`
	Location string      `json:"location"`
	Status   EventStatus `json:"status"`
	StartsAt time.Time   `json:"starts_at"`
	EndsAt   *time.Time  `json:"ends_at,omitempty"`
}

// AcceptsCheckIns reports whether scans for the event may be recorded.
func (e *Event) AcceptsCheckIns() bool {
	return e.Status == EventPublished || e.Status == EventLive
}
