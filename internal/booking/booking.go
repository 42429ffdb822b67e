// Package booking turns slot selections into calendar events and resolves
// concurrent bookings of the same slots without a lock on the calendar.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"courtbot/internal/models"
	"courtbot/internal/slots"
)

var (
	// ErrRaceCondition means an overlapping booking was created first. The
	// caller should refresh availability and let the user choose again.
	ErrRaceCondition = errors.New("slot was booked by someone else first")
	// ErrInvalidRequest is returned for selections that cannot be booked at all.
	ErrInvalidRequest = errors.New("invalid booking request")
)

// BackendError wraps a calendar backend failure with the operation that failed.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("calendar backend %s failed: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Request is one user's confirmed selection.
type Request struct {
	User     string
	Contact  string
	Activity string
	Date     time.Time
	Slots    []slots.TimeSlot
}

// Config holds the bookings calendar and the grid settings.
type Config struct {
	CalendarID string
	Hours      slots.BusinessHours
	// RangeDays is how many days after today can be booked.
	RangeDays int
	Location  *time.Location
}

// Coordinator books slots and reads availability from the bookings calendar.
type Coordinator struct {
	backend models.CalendarBackend
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Coordinator.
func New(backend models.CalendarBackend, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Coordinator{backend: backend, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Book inserts one event per merged slot, re-reads the booked span and rolls
// the whole batch back if an overlapping event was created before ours.
func (c *Coordinator) Book(ctx context.Context, req Request) ([]*models.Event, error) {
	if req.User == "" || len(req.Slots) == 0 {
		return nil, fmt.Errorf("%w: user and at least one slot are required", ErrInvalidRequest)
	}

	day := slots.Day(req.Date.In(c.cfg.Location))
	merged := slots.Merge(req.Slots)
	now := c.now()
	for _, s := range merged {
		if _, end := s.On(day); !end.After(now) {
			return nil, fmt.Errorf("%w: slot %s on %s has already passed", ErrInvalidRequest, s, day.Format(time.DateOnly))
		}
	}

	log := c.logger.With("user", req.User, "activity", req.Activity, "date", day.Format(time.DateOnly))
	log.Info("Booking slots.", "slots", len(merged))

	batch := make([]*models.Event, 0, len(merged))
	for _, s := range merged {
		start, end := s.On(day)
		ev, err := c.backend.InsertEvent(ctx, c.cfg.CalendarID, &models.Event{
			Title:       req.Activity,
			Description: describe(req),
			StartTime:   start,
			EndTime:     end,
			Tags:        map[string]string{models.TagBookedBy: req.User},
		})
		if err != nil {
			if rbErr := c.rollback(ctx, batch); rbErr != nil {
				log.Error("Failed to roll back partial booking", "error", rbErr)
			}
			return nil, &BackendError{Op: "insert", Err: err}
		}
		batch = append(batch, ev)
	}

	from, to := span(batch)
	current, err := c.backend.ListEvents(ctx, c.cfg.CalendarID, from, to)
	if err != nil {
		// Without the re-read the booking cannot be verified; undo it.
		if rbErr := c.rollback(ctx, batch); rbErr != nil {
			log.Error("Failed to roll back unverified booking", "error", rbErr)
		}
		return nil, &BackendError{Op: "list", Err: err}
	}

	if winner, loser := findEarlierConflict(batch, current); winner != nil {
		log.Warn("Lost booking race, rolling back.",
			"conflictID", winner.ID, "conflictCreated", winner.CreatedAt,
			"ourID", loser.ID, "ourCreated", loser.CreatedAt)
		if rbErr := c.rollback(ctx, batch); rbErr != nil {
			return nil, errors.Join(ErrRaceCondition, &BackendError{Op: "delete", Err: rbErr})
		}
		return nil, ErrRaceCondition
	}

	log.Info("Booking confirmed.", "events", len(batch))
	return batch, nil
}

// findEarlierConflict returns the first foreign event that overlaps a batch
// event and was created before it, together with that batch event. Equal
// creation timestamps are ordered by id so exactly one side yields.
func findEarlierConflict(batch, current []*models.Event) (*models.Event, *models.Event) {
	ours := make(map[string]bool, len(batch))
	for _, ev := range batch {
		ours[ev.ID] = true
	}
	for _, foreign := range current {
		if ours[foreign.ID] {
			continue
		}
		for _, mine := range batch {
			if !foreign.Overlaps(mine) {
				continue
			}
			if foreign.CreatedAt.Before(mine.CreatedAt) ||
				(foreign.CreatedAt.Equal(mine.CreatedAt) && foreign.ID < mine.ID) {
				return foreign, mine
			}
		}
	}
	return nil, nil
}

// rollback deletes every event of batch, continuing past failures.
func (c *Coordinator) rollback(ctx context.Context, batch []*models.Event) error {
	var errs []error
	for _, ev := range batch {
		if err := c.backend.DeleteEvent(ctx, c.cfg.CalendarID, ev.ID); err != nil {
			c.logger.Error("Failed to delete booked event", "id", ev.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func span(batch []*models.Event) (time.Time, time.Time) {
	from, to := batch[0].StartTime, batch[0].EndTime
	for _, ev := range batch[1:] {
		if ev.StartTime.Before(from) {
			from = ev.StartTime
		}
		if ev.EndTime.After(to) {
			to = ev.EndTime
		}
	}
	return from, to
}

func describe(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Booked by https://t.me/%s", req.User)
	if req.Contact != "" {
		fmt.Fprintf(&b, "\nContact: %s", req.Contact)
	}
	return b.String()
}

// Availability builds the slot grid for today and the next RangeDays days,
// marking every event of the bookings calendar.
func (c *Coordinator) Availability(ctx context.Context) (*slots.Grid, error) {
	now := c.now().In(c.cfg.Location)
	days := c.cfg.RangeDays + 1
	from := slots.Day(now)
	to := from.AddDate(0, 0, days)

	events, err := c.backend.ListEvents(ctx, c.cfg.CalendarID, from, to)
	if err != nil {
		return nil, &BackendError{Op: "list", Err: err}
	}
	grid := slots.NewGrid(from, days, c.cfg.Hours, now)
	for _, ev := range events {
		grid.MarkOccupied(ev.StartTime.In(c.cfg.Location), ev.EndTime.In(c.cfg.Location))
	}
	return grid, nil
}

// UserBookings lists the user's bookings that have not ended yet.
func (c *Coordinator) UserBookings(ctx context.Context, user string) ([]*models.Event, error) {
	now := c.now().In(c.cfg.Location)
	events, err := c.backend.ListEvents(ctx, c.cfg.CalendarID, now, slots.Day(now).AddDate(0, 0, c.cfg.RangeDays+1))
	if err != nil {
		return nil, &BackendError{Op: "list", Err: err}
	}
	var mine []*models.Event
	for _, ev := range events {
		if ev.Tag(models.TagBookedBy) == user && ev.EndTime.After(now) {
			mine = append(mine, ev)
		}
	}
	return mine, nil
}

// Cancel deletes the listed bookings owned by user and returns the ones removed.
// Ids that do not belong to the user are ignored.
func (c *Coordinator) Cancel(ctx context.Context, user string, ids []string) ([]*models.Event, error) {
	owned, err := c.UserBookings(ctx, user)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Event, len(owned))
	for _, ev := range owned {
		byID[ev.ID] = ev
	}

	var cancelled []*models.Event
	var errs []error
	for _, id := range ids {
		ev, ok := byID[id]
		if !ok {
			c.logger.Warn("Ignoring cancellation of a booking the user does not own", "user", user, "id", id)
			continue
		}
		if err := c.backend.DeleteEvent(ctx, c.cfg.CalendarID, id); err != nil {
			errs = append(errs, err)
			continue
		}
		cancelled = append(cancelled, ev)
	}
	if len(errs) > 0 {
		return cancelled, &BackendError{Op: "delete", Err: errors.Join(errs...)}
	}
	c.logger.Info("Bookings cancelled.", "user", user, "count", len(cancelled))
	return cancelled, nil
}
