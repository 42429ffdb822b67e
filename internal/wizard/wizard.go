// Package wizard drives the booking and cancellation dialogs. All dialog
// state travels in the buttons' callback data, so a dialog survives restarts
// and any number of bot instances can serve it.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"slices"
	"strings"
	"time"

	"courtbot/internal/booking"
	"courtbot/internal/models"
	"courtbot/internal/slots"
	"courtbot/internal/store"
)

// Checked prefixes the text of a selected toggle button.
const Checked = "✅ "

const slotsPerRow = 3

// Messenger is the part of the chat client the wizard needs.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int) (int, error)
	SendButtons(ctx context.Context, chatID int64, text string, kb models.Keyboard) (int, error)
	EditButtons(ctx context.Context, chatID int64, messageID int, kb models.Keyboard) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// Bookings is implemented by booking.Coordinator.
type Bookings interface {
	Availability(ctx context.Context) (*slots.Grid, error)
	Book(ctx context.Context, req booking.Request) ([]*models.Event, error)
	UserBookings(ctx context.Context, user string) ([]*models.Event, error)
	Cancel(ctx context.Context, user string, ids []string) ([]*models.Event, error)
}

// Config lists the bookable activities and where cancellations are announced.
type Config struct {
	Activities []string
	// GroupChatID receives a notice for every cancelled booking. Zero disables it.
	GroupChatID int64
	Location    *time.Location
}

// Wizard renders each dialog step and reacts to button presses.
type Wizard struct {
	messenger Messenger
	bookings  Bookings
	kv        store.KV
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Wizard. kv keeps the registered contact emails.
func New(messenger Messenger, bookings Bookings, kv store.KV, cfg Config, logger *slog.Logger) *Wizard {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	// The confirm step carries the longest activity payload.
	var usable []string
	for _, act := range cfg.Activities {
		if _, err := Encode(Confirm{Activity: act, Date: time.Now()}); err != nil {
			logger.Warn("Skipping activity that does not fit into a button", "activity", act, "error", err)
			continue
		}
		usable = append(usable, act)
	}
	cfg.Activities = usable
	return &Wizard{messenger: messenger, bookings: bookings, kv: kv, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (w *Wizard) SetClock(now func() time.Time) {
	w.now = now
}

// Start sends the activity keyboard.
func (w *Wizard) Start(ctx context.Context, in models.Incoming) error {
	var kb models.Keyboard
	for _, act := range w.cfg.Activities {
		kb = append(kb, []models.Button{{Text: act, Data: mustEncode(SelectActivity{Activity: act})}})
	}
	kb = append(kb, dismissRow())
	_, err := w.messenger.SendButtons(ctx, in.ChatID, "What would you like to book?", kb)
	return err
}

// StartCancel lists the user's upcoming bookings as toggle buttons.
func (w *Wizard) StartCancel(ctx context.Context, in models.Incoming) error {
	events, err := w.bookings.UserBookings(ctx, in.Username)
	if err != nil {
		return err
	}
	var kb models.Keyboard
	for _, ev := range events {
		data, err := Encode(SelectEvent{EventID: ev.ID})
		if err != nil {
			w.logger.Warn("Skipping booking with an oversized id", "id", ev.ID, "error", err)
			continue
		}
		kb = append(kb, []models.Button{{Text: w.eventLabel(ev), Data: data}})
	}
	if len(kb) == 0 {
		_, err := w.messenger.SendMessage(ctx, in.ChatID, "You have no upcoming bookings.", 0)
		return err
	}
	kb = append(kb, []models.Button{{Text: "Cancel selected", Data: mustEncode(ConfirmCancel{})}}, dismissRow())
	_, err = w.messenger.SendButtons(ctx, in.ChatID, "Select the bookings to cancel:", kb)
	return err
}

// PromptEmail asks for the contact email attached to future bookings.
func (w *Wizard) PromptEmail(ctx context.Context, in models.Incoming) error {
	text := "Send me your email and I will add it to your bookings."
	if email := w.Contact(ctx, in.Username); email != "" {
		text = fmt.Sprintf("Your email is %s. Send a new one to replace it.", email)
	}
	_, err := w.messenger.SendMessage(ctx, in.ChatID, text, 0)
	return err
}

// LooksLikeEmail reports whether a free-text message is an email attempt.
func LooksLikeEmail(text string) bool {
	text = strings.TrimSpace(text)
	return strings.Contains(text, "@") && !strings.ContainsAny(text, " \n") && !strings.HasPrefix(text, "/")
}

// RegisterEmail validates and stores the user's contact email.
func (w *Wizard) RegisterEmail(ctx context.Context, in models.Incoming) error {
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Text))
	if err != nil || addr.Name != "" {
		_, err := w.messenger.SendMessage(ctx, in.ChatID, "That does not look like an email address.", in.MessageID)
		return err
	}
	if err := w.kv.Set(ctx, store.EmailPrefix+in.Username, addr.Address); err != nil {
		return fmt.Errorf("store email: %w", err)
	}
	_, err = w.messenger.SendMessage(ctx, in.ChatID, fmt.Sprintf("Saved %s as your contact email.", addr.Address), in.MessageID)
	return err
}

// Contact returns the registered email of user, or "".
func (w *Wizard) Contact(ctx context.Context, user string) string {
	email, err := w.kv.Get(ctx, store.EmailPrefix+user)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("Failed to read contact email", "user", user, "error", err)
		}
		return ""
	}
	return email
}

// Handle reacts to a button press of one of the wizard's messages.
func (w *Wizard) Handle(ctx context.Context, in models.Incoming) error {
	step, err := Decode(in.Data, w.cfg.Location)
	if err != nil {
		w.logger.Warn("Ignoring button with unknown payload", "data", in.Data, "error", err)
		return nil
	}
	switch s := step.(type) {
	case SelectActivity:
		return w.selectActivity(ctx, in, s)
	case SelectDate:
		return w.selectDate(ctx, in, s)
	case SelectTime, SelectEvent:
		return w.toggle(ctx, in)
	case Confirm:
		return w.confirm(ctx, in, s)
	case ConfirmCancel:
		return w.confirmCancel(ctx, in)
	case Dismiss:
		return w.messenger.DeleteMessage(ctx, in.ChatID, in.MessageID)
	}
	return nil
}

func (w *Wizard) selectActivity(ctx context.Context, in models.Incoming, s SelectActivity) error {
	if !slices.Contains(w.cfg.Activities, s.Activity) {
		w.logger.Warn("Ignoring unknown activity", "activity", s.Activity)
		return nil
	}
	grid, err := w.bookings.Availability(ctx)
	if err != nil {
		return err
	}
	days := grid.DaysWithAvailability(w.now().In(w.cfg.Location))
	if len(days) == 0 {
		_, err := w.messenger.SendMessage(ctx, in.ChatID, "There are no free slots in the coming days.", 0)
		return err
	}
	var kb models.Keyboard
	for _, day := range days {
		kb = append(kb, []models.Button{{Text: dayLabel(day), Data: mustEncode(SelectDate{Activity: s.Activity, Date: day})}})
	}
	kb = append(kb, dismissRow())
	_, err = w.messenger.SendButtons(ctx, in.ChatID, fmt.Sprintf("%s. Choose a date:", s.Activity), kb)
	return err
}

func (w *Wizard) selectDate(ctx context.Context, in models.Incoming, s SelectDate) error {
	grid, err := w.bookings.Availability(ctx)
	if err != nil {
		return err
	}
	free := grid.EmptySlots(s.Date)
	if len(free) == 0 {
		_, err := w.messenger.SendMessage(ctx, in.ChatID, fmt.Sprintf("Everything on %s is already booked.", dayLabel(s.Date)), 0)
		return err
	}
	text := fmt.Sprintf("%s on %s. Select one or more slots and press Book:", s.Activity, dayLabel(s.Date))
	_, err = w.messenger.SendButtons(ctx, in.ChatID, text, timeKeyboard(s.Activity, s.Date, free))
	return err
}

// toggle flips the check mark of the pressed button in place.
func (w *Wizard) toggle(ctx context.Context, in models.Incoming) error {
	kb := cloneKeyboard(in.Keyboard)
	found := false
	for _, row := range kb {
		for i := range row {
			if row[i].Data != in.Data {
				continue
			}
			found = true
			if text, ok := strings.CutPrefix(row[i].Text, Checked); ok {
				row[i].Text = text
			} else {
				row[i].Text = Checked + row[i].Text
			}
		}
	}
	if !found {
		return nil
	}
	return w.messenger.EditButtons(ctx, in.ChatID, in.MessageID, kb)
}

func (w *Wizard) confirm(ctx context.Context, in models.Incoming, s Confirm) error {
	var picked []slots.TimeSlot
	for _, b := range checked(in.Keyboard) {
		if step, err := Decode(b.Data, w.cfg.Location); err == nil {
			if st, ok := step.(SelectTime); ok {
				picked = append(picked, st.Slot)
			}
		}
	}
	if len(picked) == 0 {
		_, err := w.messenger.SendMessage(ctx, in.ChatID, "Select at least one time slot first.", 0)
		return err
	}

	merged := slots.Merge(picked)
	_, err := w.bookings.Book(ctx, booking.Request{
		User:     in.Username,
		Contact:  w.Contact(ctx, in.Username),
		Activity: s.Activity,
		Date:     s.Date,
		Slots:    merged,
	})
	switch {
	case errors.Is(err, booking.ErrRaceCondition):
		return w.refresh(ctx, in, s, "Someone booked one of these slots a moment before you. Here is what is still free:")
	case errors.Is(err, booking.ErrInvalidRequest):
		return w.refresh(ctx, in, s, "Some of the selected slots have already started. Here is what is still free:")
	case err != nil:
		return err
	}

	if err := w.messenger.DeleteMessage(ctx, in.ChatID, in.MessageID); err != nil {
		w.logger.Warn("Failed to remove booking keyboard", "error", err)
	}
	_, err = w.messenger.SendMessage(ctx, in.ChatID,
		fmt.Sprintf("Booked %s on %s: %s.", s.Activity, dayLabel(s.Date), joinSlots(merged)), 0)
	return err
}

// refresh re-renders the time step with current availability after a failed booking.
func (w *Wizard) refresh(ctx context.Context, in models.Incoming, s Confirm, notice string) error {
	grid, err := w.bookings.Availability(ctx)
	if err != nil {
		return err
	}
	free := grid.EmptySlots(s.Date)
	if len(free) == 0 {
		if err := w.messenger.DeleteMessage(ctx, in.ChatID, in.MessageID); err != nil {
			w.logger.Warn("Failed to remove booking keyboard", "error", err)
		}
		_, err := w.messenger.SendMessage(ctx, in.ChatID, fmt.Sprintf("Sorry, everything on %s is booked now.", dayLabel(s.Date)), 0)
		return err
	}
	if err := w.messenger.EditButtons(ctx, in.ChatID, in.MessageID, timeKeyboard(s.Activity, s.Date, free)); err != nil {
		return err
	}
	_, err = w.messenger.SendMessage(ctx, in.ChatID, notice, in.MessageID)
	return err
}

func (w *Wizard) confirmCancel(ctx context.Context, in models.Incoming) error {
	var ids []string
	for _, b := range checked(in.Keyboard) {
		if step, err := Decode(b.Data, w.cfg.Location); err == nil {
			if se, ok := step.(SelectEvent); ok {
				ids = append(ids, se.EventID)
			}
		}
	}
	if len(ids) == 0 {
		_, err := w.messenger.SendMessage(ctx, in.ChatID, "Select at least one booking first.", 0)
		return err
	}

	cancelled, err := w.bookings.Cancel(ctx, in.Username, ids)
	for _, ev := range cancelled {
		w.announceCancel(ctx, in.Username, ev)
	}
	if err != nil {
		return err
	}
	if err := w.messenger.DeleteMessage(ctx, in.ChatID, in.MessageID); err != nil {
		w.logger.Warn("Failed to remove cancellation keyboard", "error", err)
	}
	_, err = w.messenger.SendMessage(ctx, in.ChatID, fmt.Sprintf("Cancelled %d booking(s).", len(cancelled)), 0)
	return err
}

func (w *Wizard) announceCancel(ctx context.Context, user string, ev *models.Event) {
	if w.cfg.GroupChatID == 0 {
		return
	}
	text := fmt.Sprintf("@%s cancelled %s. The slot is free again.", user, w.eventLabel(ev))
	if _, err := w.messenger.SendMessage(ctx, w.cfg.GroupChatID, text, 0); err != nil {
		w.logger.Warn("Failed to announce cancellation", "id", ev.ID, "error", err)
	}
}

func (w *Wizard) eventLabel(ev *models.Event) string {
	start := ev.StartTime.In(w.cfg.Location)
	end := ev.EndTime.In(w.cfg.Location)
	return fmt.Sprintf("%s %s %s-%s", ev.Title, dayLabel(start), start.Format("15:04"), end.Format("15:04"))
}

func timeKeyboard(activity string, date time.Time, free []slots.TimeSlot) models.Keyboard {
	var kb models.Keyboard
	var row []models.Button
	for _, slot := range free {
		row = append(row, models.Button{Text: slot.String(), Data: mustEncode(SelectTime{Slot: slot})})
		if len(row) == slotsPerRow {
			kb = append(kb, row)
			row = nil
		}
	}
	if len(row) > 0 {
		kb = append(kb, row)
	}
	kb = append(kb,
		[]models.Button{{Text: "Book", Data: mustEncode(Confirm{Activity: activity, Date: date})}},
		dismissRow())
	return kb
}

func dismissRow() []models.Button {
	return []models.Button{{Text: "Close", Data: mustEncode(Dismiss{})}}
}

// checked returns the selected toggle buttons of kb.
func checked(kb models.Keyboard) []models.Button {
	var out []models.Button
	for _, row := range kb {
		for _, b := range row {
			if strings.HasPrefix(b.Text, Checked) {
				out = append(out, b)
			}
		}
	}
	return out
}

func cloneKeyboard(kb models.Keyboard) models.Keyboard {
	out := make(models.Keyboard, len(kb))
	for i, row := range kb {
		out[i] = slices.Clone(row)
	}
	return out
}

func joinSlots(ts []slots.TimeSlot) string {
	parts := make([]string, len(ts))
	for i, s := range ts {
		parts[i] = s.String()
	}
	return strings.Join(parts, ", ")
}

func dayLabel(t time.Time) string {
	return t.Format("Mon 02.01")
}

// mustEncode is for steps whose fields are known to fit.
func mustEncode(step Step) string {
	data, err := Encode(step)
	if err != nil {
		panic(err)
	}
	return data
}
