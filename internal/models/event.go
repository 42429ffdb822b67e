package models

import (
	"context"
	"time"
)

// Tag keys stored alongside an event in the backend (Google private extended
// properties, CalDAV X- properties).
const (
	TagSourceEventID = "sourceEventId"
	TagBookedBy      = "bookedBy"
)

// Event represents a standard calendar event.
// This is an internal representation, independent of any specific calendar provider.
type Event struct {
	ID          string            // Backend-assigned identifier
	Title       string            // Summary or title of the event
	Description string            // Detailed description of the event
	StartTime   time.Time         // Start time of the event
	EndTime     time.Time         // End time of the event
	CreatedAt   time.Time         // Backend-assigned creation timestamp
	Location    string            // Location of the event
	Tags        map[string]string // Machine-readable markers (source id, booking owner)
	Source      string            // The backend the event was read from (e.g., "google")
	UID         string            // The iCalendar UID
}

// Tag returns the value stored under key, or "" when the event carries no such tag.
func (e *Event) Tag(key string) string {
	if e == nil || e.Tags == nil {
		return ""
	}
	return e.Tags[key]
}

// Overlaps reports whether e and o share any instant, treating both as [start, end).
func (e *Event) Overlaps(o *Event) bool {
	return e.StartTime.Before(o.EndTime) && o.StartTime.Before(e.EndTime)
}

// CalendarBackend is the event store every calendar provider implements.
// DeleteEvent treats an event that is already gone as success.
type CalendarBackend interface {
	ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]*Event, error)
	InsertEvent(ctx context.Context, calendarID string, event *Event) (*Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}
