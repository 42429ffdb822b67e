// Package slots derives bookable fixed-size time slots from business hours
// and marks the ones taken by existing calendar events.
package slots

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Clock is a wall-clock time of day, in minutes since midnight.
type Clock int

const endOfDay = Clock(24 * 60)

// ParseClock parses "HH:MM". "24:00" is accepted as the end of the day.
func ParseClock(s string) (Clock, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q: expected HH:MM", s)
	}
	hours, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	minutes, err := strconv.Atoi(m)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	c := Clock(hours*60 + minutes)
	if hours < 0 || minutes < 0 || minutes > 59 || c > endOfDay {
		return 0, fmt.Errorf("invalid clock %q: out of range", s)
	}
	return c, nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On returns the instant at which the clock reads c on the given date, in the date's location.
func (c Clock) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, int(c), 0, 0, date.Location())
}

// ClockOf returns the wall-clock time of t in its own location.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

// TimeSlot is a wall-clock interval [Start, End) without a date.
type TimeSlot struct {
	Start Clock
	End   Clock
}

// NewTimeSlot returns a slot, rejecting empty or inverted intervals.
func NewTimeSlot(start, end Clock) (TimeSlot, error) {
	if start >= end {
		return TimeSlot{}, fmt.Errorf("invalid slot %s-%s: start must be before end", start, end)
	}
	return TimeSlot{Start: start, End: end}, nil
}

// ParseTimeSlot parses "HH:MM-HH:MM".
func ParseTimeSlot(s string) (TimeSlot, error) {
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return TimeSlot{}, fmt.Errorf("invalid slot %q: expected HH:MM-HH:MM", s)
	}
	start, err := ParseClock(a)
	if err != nil {
		return TimeSlot{}, err
	}
	end, err := ParseClock(b)
	if err != nil {
		return TimeSlot{}, err
	}
	return NewTimeSlot(start, end)
}

func (s TimeSlot) String() string {
	return s.Start.String() + "-" + s.End.String()
}

// Duration returns the length of the slot.
func (s TimeSlot) Duration() time.Duration {
	return time.Duration(s.End-s.Start) * time.Minute
}

// Overlaps reports whether the two half-open slots share any minute.
func (s TimeSlot) Overlaps(o TimeSlot) bool {
	return s.Start < o.End && o.Start < s.End
}

// On anchors the slot to a date.
func (s TimeSlot) On(date time.Time) (time.Time, time.Time) {
	return s.Start.On(date), s.End.On(date)
}

// BusinessHours configures opening hours and the slot size.
type BusinessHours struct {
	WeekdayOpen  Clock
	WeekdayClose Clock
	WeekendOpen  Clock
	WeekendClose Clock
	SlotDuration time.Duration
}

// Validate checks the hours describe at least one possible slot per day.
func (h BusinessHours) Validate() error {
	var errs []error
	if h.SlotDuration < time.Minute || h.SlotDuration%time.Minute != 0 {
		errs = append(errs, fmt.Errorf("slot duration %s must be a positive whole number of minutes", h.SlotDuration))
	}
	if h.WeekdayOpen >= h.WeekdayClose {
		errs = append(errs, fmt.Errorf("weekday hours %s-%s are empty", h.WeekdayOpen, h.WeekdayClose))
	}
	if h.WeekendOpen >= h.WeekendClose {
		errs = append(errs, fmt.Errorf("weekend hours %s-%s are empty", h.WeekendOpen, h.WeekendClose))
	}
	return errors.Join(errs...)
}

// For returns the opening and closing time that apply on date.
func (h BusinessHours) For(date time.Time) (Clock, Clock) {
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return h.WeekendOpen, h.WeekendClose
	default:
		return h.WeekdayOpen, h.WeekdayClose
	}
}

// Slot is a grid slot with its occupancy flag.
type Slot struct {
	TimeSlot
	Occupied bool
}

// DaySlots is the ordered slot sequence of one calendar date.
type DaySlots struct {
	Date  time.Time
	Slots []Slot
}

// Day truncates t to midnight in t's location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDay reports whether a and b fall on the same date in a's location.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

// BuildDay generates the slots of date from opening time in steps of
// SlotDuration. A slot that would run past closing time is dropped, and on
// the day of now slots that have already ended are left out.
func BuildDay(date time.Time, hours BusinessHours, now time.Time) *DaySlots {
	day := &DaySlots{Date: Day(date), Slots: []Slot{}}
	step := Clock(hours.SlotDuration / time.Minute)
	if step <= 0 {
		return day
	}
	open, closing := hours.For(day.Date)
	today := SameDay(day.Date, now)
	for start := open; start+step <= closing; start += step {
		slot := TimeSlot{Start: start, End: start + step}
		if today && !slot.End.On(day.Date).After(now) {
			continue
		}
		day.Slots = append(day.Slots, Slot{TimeSlot: slot})
	}
	return day
}

// MarkOccupied flags every slot of day that intersects [eventStart, eventEnd).
// A slot only partly covered by the event is flagged too: the court cannot be
// booked in fractions of a slot.
func MarkOccupied(day *DaySlots, eventStart, eventEnd time.Time) {
	for i := range day.Slots {
		start, end := day.Slots[i].On(day.Date)
		if start.Before(eventEnd) && eventStart.Before(end) {
			day.Slots[i].Occupied = true
		}
	}
}

// EmptySlots returns the free slots of day in order. It never returns nil.
func EmptySlots(day *DaySlots) []TimeSlot {
	free := []TimeSlot{}
	if day == nil {
		return free
	}
	for _, s := range day.Slots {
		if !s.Occupied {
			free = append(free, s.TimeSlot)
		}
	}
	return free
}

// DaysWithAvailability returns the dates that still have a free slot,
// skipping dates before now.
func DaysWithAvailability(days []*DaySlots, now time.Time) []time.Time {
	today := Day(now)
	var dates []time.Time
	for _, d := range days {
		if d.Date.Before(today) {
			continue
		}
		if len(EmptySlots(d)) > 0 {
			dates = append(dates, d.Date)
		}
	}
	return dates
}

// Merge coalesces overlapping and touching slots. The result is sorted by
// start and does not depend on the input order.
func Merge(slots []TimeSlot) []TimeSlot {
	if len(slots) == 0 {
		return []TimeSlot{}
	}
	sorted := make([]TimeSlot, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	merged := []TimeSlot{sorted[0]}
	for _, s := range sorted[1:] {
		last := &merged[len(merged)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}
