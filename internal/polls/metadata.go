package polls

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"courtbot/internal/slots"
)

// ErrInvalidMetadata is returned when an event description lacks usable poll settings.
var ErrInvalidMetadata = errors.New("invalid poll metadata")

// Labels are the markers that introduce each poll setting in an event description.
// Each setting may be written under any of its labels.
type Labels struct {
	PollOpens   []string
	PollCloses  []string
	MinVotes    []string
	PreviousDay string
}

// DefaultLabels match the descriptions the group's calendar has always used.
// The misspelled opening label is the one found in existing events.
var DefaultLabels = Labels{
	PollOpens:   []string{"Початок голосуванння: ", "Початок голосування: "},
	PollCloses:  []string{"Кінець голосування: "},
	MinVotes:    []string{"Мінімальна кількість голосів за: "},
	PreviousDay: "в попередній день",
}

// Metadata is the poll schedule embedded in an activity description.
type Metadata struct {
	PollCreation time.Time
	PollCheck    time.Time
	MinVotes     int
}

// ParseMetadata extracts the poll schedule from description. Times are
// "HH:MM" on the date of eventStart, or on the day before when followed by
// the previous-day phrase.
func ParseMetadata(description string, eventStart time.Time, labels Labels) (Metadata, error) {
	var md Metadata

	opens, err := extract(description, labels.PollOpens)
	if err != nil {
		return md, err
	}
	closes, err := extract(description, labels.PollCloses)
	if err != nil {
		return md, err
	}
	votes, err := extract(description, labels.MinVotes)
	if err != nil {
		return md, err
	}

	if md.PollCreation, err = parsePoint(opens, eventStart, labels.PreviousDay); err != nil {
		return md, err
	}
	if md.PollCheck, err = parsePoint(closes, eventStart, labels.PreviousDay); err != nil {
		return md, err
	}
	if md.MinVotes, err = strconv.Atoi(votes); err != nil || md.MinVotes < 0 {
		return md, fmt.Errorf("%w: minimum votes %q", ErrInvalidMetadata, votes)
	}
	if md.PollCheck.Before(md.PollCreation) {
		return md, fmt.Errorf("%w: poll closes at %s before it opens at %s", ErrInvalidMetadata, md.PollCheck, md.PollCreation)
	}
	return md, nil
}

// extract returns the text after the first label found, up to the end of its line.
func extract(text string, labels []string) (string, error) {
	for _, label := range labels {
		idx := strings.Index(text, label)
		if idx < 0 {
			continue
		}
		rest := text[idx+len(label):]
		for _, terminator := range []string{"<br>", "<br/>", "<br />", "\n"} {
			if end := strings.Index(rest, terminator); end >= 0 {
				rest = rest[:end]
			}
		}
		return strings.TrimSpace(stripTags(rest)), nil
	}
	return "", fmt.Errorf("%w: none of %q found", ErrInvalidMetadata, labels)
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>' && inTag:
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parsePoint(value string, eventStart time.Time, previousDay string) (time.Time, error) {
	clockPart, rest, _ := strings.Cut(value, " ")
	clock, err := slots.ParseClock(clockPart)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	shift := 0
	switch strings.TrimSpace(rest) {
	case "":
	case previousDay:
		shift = -1
	default:
		return time.Time{}, fmt.Errorf("%w: unexpected day qualifier %q", ErrInvalidMetadata, rest)
	}
	y, m, d := eventStart.Date()
	return time.Date(y, m, d+shift, 0, int(clock), 0, 0, eventStart.Location()), nil
}
