package wizard

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"courtbot/internal/slots"
)

// Telegram rejects callback data longer than this many bytes.
const maxPayload = 64

const (
	payloadVersion = "1"
	sep            = "|"
	dateLayout     = "20060102"
)

var (
	// ErrUnsupportedPayload is returned for button data this version cannot read.
	ErrUnsupportedPayload = errors.New("unsupported button payload")
	// ErrPayloadTooLong is returned when a step does not fit into callback data.
	ErrPayloadTooLong = errors.New("button payload too long")
)

// Step is one wizard state carried in a button's callback data.
type Step interface {
	fields() []string
}

// SelectActivity: the user picked an activity and is shown the dates.
type SelectActivity struct {
	Activity string
}

// SelectDate: the user picked a date and is shown its free slots.
type SelectDate struct {
	Activity string
	Date     time.Time
}

// SelectTime toggles one slot on the time keyboard.
type SelectTime struct {
	Slot slots.TimeSlot
}

// Confirm books the slots checked on the keyboard it belongs to.
type Confirm struct {
	Activity string
	Date     time.Time
}

// SelectEvent toggles one booking on the cancellation keyboard.
type SelectEvent struct {
	EventID string
}

// ConfirmCancel cancels the bookings checked on its keyboard.
type ConfirmCancel struct{}

// Dismiss closes the wizard message.
type Dismiss struct{}

func (s SelectActivity) fields() []string { return []string{"a", s.Activity} }
func (s SelectDate) fields() []string     { return []string{"d", s.Activity, s.Date.Format(dateLayout)} }
func (s SelectTime) fields() []string {
	return []string{"t", strconv.Itoa(int(s.Slot.Start)), strconv.Itoa(int(s.Slot.End))}
}
func (s Confirm) fields() []string       { return []string{"c", s.Activity, s.Date.Format(dateLayout)} }
func (s SelectEvent) fields() []string   { return []string{"e", s.EventID} }
func (s ConfirmCancel) fields() []string { return []string{"x"} }
func (s Dismiss) fields() []string       { return []string{"q"} }

// Encode serializes step as "<version>|<kind>|<fields...>".
func Encode(step Step) (string, error) {
	parts := append([]string{payloadVersion}, step.fields()...)
	for _, p := range parts[1:] {
		if strings.Contains(p, sep) {
			return "", fmt.Errorf("%w: field %q contains %q", ErrUnsupportedPayload, p, sep)
		}
	}
	data := strings.Join(parts, sep)
	if len(data) > maxPayload {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(data))
	}
	return data, nil
}

// Decode parses callback data into exactly one step. Dates are placed in loc.
func Decode(data string, loc *time.Location) (Step, error) {
	parts := strings.Split(data, sep)
	if len(parts) < 2 || parts[0] != payloadVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPayload, data)
	}
	kind, args := parts[1], parts[2:]

	want := map[string]int{"a": 1, "d": 2, "t": 2, "c": 2, "e": 1, "x": 0, "q": 0}
	n, ok := want[kind]
	if !ok || len(args) != n {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPayload, data)
	}

	switch kind {
	case "a":
		if args[0] == "" {
			break
		}
		return SelectActivity{Activity: args[0]}, nil
	case "d", "c":
		date, err := time.ParseInLocation(dateLayout, args[1], loc)
		if err != nil || args[0] == "" {
			break
		}
		if kind == "d" {
			return SelectDate{Activity: args[0], Date: date}, nil
		}
		return Confirm{Activity: args[0], Date: date}, nil
	case "t":
		start, err1 := strconv.Atoi(args[0])
		end, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil || start < 0 || end > 24*60 {
			break
		}
		slot, err := slots.NewTimeSlot(slots.Clock(start), slots.Clock(end))
		if err != nil {
			break
		}
		return SelectTime{Slot: slot}, nil
	case "e":
		if args[0] == "" {
			break
		}
		return SelectEvent{EventID: args[0]}, nil
	case "x":
		return ConfirmCancel{}, nil
	case "q":
		return Dismiss{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedPayload, data)
}
