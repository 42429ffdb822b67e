// Package calendartest provides an in-memory models.CalendarBackend for tests.
package calendartest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"courtbot/internal/models"
)

// Fake is a thread-safe in-memory calendar. Inserted events get sequential
// ids and strictly increasing creation timestamps.
type Fake struct {
	mu      sync.Mutex
	events  map[string]map[string]*models.Event
	seq     int
	created time.Time

	// BeforeList, when set, runs before every ListEvents call (outside the lock).
	BeforeList func()
	// InsertErr and ListErr, when set, are returned by the matching call.
	InsertErr error
	ListErr   error
	// DeleteErr maps event ids to errors returned by DeleteEvent.
	DeleteErr map[string]error

	Inserted []string
	Deleted  []string
}

// New returns an empty Fake whose creation clock starts at base.
func New(base time.Time) *Fake {
	return &Fake{events: make(map[string]map[string]*models.Event), created: base, DeleteErr: make(map[string]error)}
}

// Add stores ev as-is, keeping its id and creation timestamp.
func (f *Fake) Add(calendarID string, ev *models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calendar(calendarID)[ev.ID] = clone(ev)
}

// Events returns every event of calendarID ordered by start.
func (f *Fake) Events(calendarID string) []*models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted(calendarID, time.Time{}, time.Time{})
}

// Get returns one event or nil.
func (f *Fake) Get(calendarID, id string) *models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := f.calendar(calendarID)[id]; ok {
		return clone(ev)
	}
	return nil
}

func (f *Fake) ListEvents(_ context.Context, calendarID string, from, to time.Time) ([]*models.Event, error) {
	if f.BeforeList != nil {
		f.BeforeList()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return f.sorted(calendarID, from, to), nil
}

func (f *Fake) InsertEvent(_ context.Context, calendarID string, event *models.Event) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InsertErr != nil {
		return nil, f.InsertErr
	}
	f.seq++
	ev := clone(event)
	ev.ID = fmt.Sprintf("ev-%03d", f.seq)
	ev.CreatedAt = f.created.Add(time.Duration(f.seq) * time.Millisecond)
	f.calendar(calendarID)[ev.ID] = ev
	f.Inserted = append(f.Inserted, ev.ID)
	return clone(ev), nil
}

func (f *Fake) DeleteEvent(_ context.Context, calendarID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.DeleteErr[eventID]; err != nil {
		return err
	}
	cal := f.calendar(calendarID)
	if _, ok := cal[eventID]; ok {
		delete(cal, eventID)
		f.Deleted = append(f.Deleted, eventID)
	}
	return nil
}

func (f *Fake) calendar(id string) map[string]*models.Event {
	cal, ok := f.events[id]
	if !ok {
		cal = make(map[string]*models.Event)
		f.events[id] = cal
	}
	return cal
}

func (f *Fake) sorted(calendarID string, from, to time.Time) []*models.Event {
	var out []*models.Event
	for _, ev := range f.calendar(calendarID) {
		if !from.IsZero() && !ev.EndTime.After(from) {
			continue
		}
		if !to.IsZero() && !ev.StartTime.Before(to) {
			continue
		}
		out = append(out, clone(ev))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func clone(ev *models.Event) *models.Event {
	cp := *ev
	if ev.Tags != nil {
		cp.Tags = make(map[string]string, len(ev.Tags))
		for k, v := range ev.Tags {
			cp.Tags[k] = v
		}
	}
	return &cp
}
