package slots

import "time"

// Grid holds the slot days of a booking window.
type Grid struct {
	Days []*DaySlots
}

// NewGrid builds count consecutive days starting at the date of from.
func NewGrid(from time.Time, count int, hours BusinessHours, now time.Time) *Grid {
	g := &Grid{}
	first := Day(from)
	for i := 0; i < count; i++ {
		g.Days = append(g.Days, BuildDay(first.AddDate(0, 0, i), hours, now))
	}
	return g
}

// MarkOccupied applies an event to every day it touches.
func (g *Grid) MarkOccupied(eventStart, eventEnd time.Time) {
	for _, d := range g.Days {
		next := d.Date.AddDate(0, 0, 1)
		if eventStart.Before(next) && d.Date.Before(eventEnd) {
			MarkOccupied(d, eventStart, eventEnd)
		}
	}
}

// Day returns the slots for date, or nil if date is outside the grid.
func (g *Grid) Day(date time.Time) *DaySlots {
	for _, d := range g.Days {
		if SameDay(d.Date, date) {
			return d
		}
	}
	return nil
}

// EmptySlots returns the free slots of date.
func (g *Grid) EmptySlots(date time.Time) []TimeSlot {
	return EmptySlots(g.Day(date))
}

// DaysWithAvailability returns the dates of the grid with at least one free slot.
func (g *Grid) DaysWithAvailability(now time.Time) []time.Time {
	return DaysWithAvailability(g.Days, now)
}
