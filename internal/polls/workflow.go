// Package polls runs the vote that decides whether a scheduled group
// activity keeps its court booking.
package polls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"courtbot/internal/models"
)

// Messenger is the group chat the polls are posted to.
type Messenger interface {
	SendPoll(ctx context.Context, chatID int64, question string, options []string) (int, error)
	// StopPoll closes the poll and returns the vote count per option text.
	StopPoll(ctx context.Context, chatID int64, messageID int) (map[string]int, error)
	Pin(ctx context.Context, chatID int64, messageID int) error
	Unpin(ctx context.Context, chatID int64, messageID int) error
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int) (int, error)
}

// Records is the durable poll record store.
type Records interface {
	Put(ctx context.Context, pollMessageID int, act *models.ScheduledActivity) error
	List(ctx context.Context) ([]models.ActivityRecord, error)
	Delete(ctx context.Context, key string) error
}

// Outcome is what one resolution pass did with a poll record.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
	// OutcomeRetry keeps the tallied record so the next tick repeats the
	// calendar cancellation.
	OutcomeRetry     Outcome = "retry"
	OutcomeInvalid   Outcome = "invalid"
)

// Resolution reports what happened to one due record.
type Resolution struct {
	PollMessageID int
	ActivityID    string
	Votes         int
	Outcome       Outcome
	// Err is the failure that caused OutcomeFailed or OutcomeRetry, or the
	// error deleting the record.
	Err error
}

// Config configures the workflow.
type Config struct {
	CalendarID    string
	ChatID        int64
	Lookahead     time.Duration
	GroupPrefix   string
	ExcludePrefix string
	// Options are the poll answers; the first one is the affirmative vote.
	Options   []string
	Labels    Labels
	Retention time.Duration
	Location  *time.Location
	// AdminChatIDs are told when a vote outcome could not be applied.
	AdminChatIDs []int64
}

func (c *Config) setDefaults() {
	if c.Lookahead <= 0 {
		c.Lookahead = 24 * time.Hour
	}
	if c.GroupPrefix == "" {
		c.GroupPrefix = "НА "
	}
	if len(c.Options) < 2 {
		c.Options = []string{"✅", "❌"}
	}
	if len(c.Labels.PollOpens) == 0 {
		c.Labels = DefaultLabels
	}
	if c.Retention <= 0 {
		c.Retention = 48 * time.Hour
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Workflow discovers activities, posts their polls and applies the results.
type Workflow struct {
	calendar  models.CalendarBackend
	messenger Messenger
	records   Records
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Workflow.
func New(calendar models.CalendarBackend, messenger Messenger, records Records, cfg Config, logger *slog.Logger) *Workflow {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{calendar: calendar, messenger: messenger, records: records, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (w *Workflow) SetClock(now func() time.Time) {
	w.now = now
}

// ActivityName strips the group prefix from an event title.
func (w *Workflow) ActivityName(title string) string {
	return strings.TrimSpace(strings.TrimPrefix(title, w.cfg.GroupPrefix))
}

func (w *Workflow) isGroupActivity(title string) bool {
	if !strings.HasPrefix(title, w.cfg.GroupPrefix) {
		return false
	}
	return w.cfg.ExcludePrefix == "" || !strings.HasPrefix(title, w.cfg.ExcludePrefix)
}

// Discover returns the next group activity starting within the lookahead
// window, or nil if there is none. When several qualify the earliest start
// wins; events with unreadable poll settings are skipped.
func (w *Workflow) Discover(ctx context.Context, now time.Time) (*models.ScheduledActivity, error) {
	events, err := w.calendar.ListEvents(ctx, w.cfg.CalendarID, now, now.Add(w.cfg.Lookahead))
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming events: %w", err)
	}

	var candidates []*models.Event
	for _, ev := range events {
		if ev.StartTime.After(now) && w.isGroupActivity(ev.Title) {
			candidates = append(candidates, ev)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].StartTime.Equal(candidates[j].StartTime) {
			return candidates[i].StartTime.Before(candidates[j].StartTime)
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, ev := range candidates {
		start := ev.StartTime.In(w.cfg.Location)
		md, err := ParseMetadata(ev.Description, start, w.cfg.Labels)
		if err != nil {
			w.logger.Warn("Skipping group activity with unreadable poll settings", "id", ev.ID, "title", ev.Title, "error", err)
			continue
		}
		act := &models.ScheduledActivity{
			ID:               ev.ID,
			Title:            ev.Title,
			Description:      ev.Description,
			StartTime:        start,
			EndTime:          ev.EndTime.In(w.cfg.Location),
			PollCreationTime: md.PollCreation,
			PollCheckTime:    md.PollCheck,
			MinPositiveVotes: md.MinVotes,
		}
		if err := act.Validate(); err != nil {
			w.logger.Warn("Skipping invalid group activity", "id", ev.ID, "error", err)
			continue
		}
		w.logger.Info("Found group activity.", "title", ev.Title, "start", start)
		return act, nil
	}
	return nil, nil
}

// CreatePoll posts the poll of the next activity if its voting window is
// open and no poll exists for it yet. It returns the poll message id and
// whether a new poll was sent.
func (w *Workflow) CreatePoll(ctx context.Context) (int, bool, error) {
	now := w.now()
	act, err := w.Discover(ctx, now)
	if err != nil {
		return 0, false, err
	}
	if act == nil {
		w.logger.Info("No group activity found.")
		return 0, false, nil
	}
	if now.Before(act.PollCreationTime) || now.After(act.PollCheckTime) {
		w.logger.Debug("Outside the voting window.", "activity", act.ID, "opens", act.PollCreationTime, "closes", act.PollCheckTime)
		return 0, false, nil
	}

	records, err := w.records.List(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, rec := range records {
		if rec.Activity != nil && rec.Activity.ID == act.ID {
			w.logger.Info("Poll already exists for activity, skipping.", "activity", act.ID, "pollID", rec.PollMessageID)
			return rec.PollMessageID, false, nil
		}
	}

	pollID, err := w.messenger.SendPoll(ctx, w.cfg.ChatID, w.question(act), w.cfg.Options)
	if err != nil {
		return 0, false, fmt.Errorf("failed to send poll: %w", err)
	}
	if err := w.messenger.Pin(ctx, w.cfg.ChatID, pollID); err != nil {
		w.logger.Warn("Failed to pin poll message. Check bot permissions.", "pollID", pollID, "error", err)
	}

	act.State = models.PollOpen
	if err := w.records.Put(ctx, pollID, act); err != nil {
		return pollID, true, fmt.Errorf("poll %d sent but not recorded: %w", pollID, err)
	}
	w.logger.Info("Poll sent and recorded.", "pollID", pollID, "activity", act.ID, "checkAt", act.PollCheckTime)
	return pollID, true, nil
}

// ResolveDue processes every record whose check time has passed. Each record
// is handled independently; the returned error only reports a failed listing.
func (w *Workflow) ResolveDue(ctx context.Context) ([]Resolution, error) {
	records, err := w.records.List(ctx)
	if err != nil {
		return nil, err
	}
	now := w.now()

	var results []Resolution
	for _, rec := range records {
		if rec.Err != nil {
			w.logger.Warn("Deleting unreadable poll record", "key", rec.Key, "error", rec.Err)
			res := Resolution{PollMessageID: rec.PollMessageID, Outcome: OutcomeInvalid}
			if err := w.records.Delete(ctx, rec.Key); err != nil {
				res.Err = err
				w.logger.Error("Failed to delete poll record", "key", rec.Key, "error", err)
			}
			results = append(results, res)
			continue
		}
		if now.Before(rec.Activity.PollCheckTime) {
			continue
		}
		results = append(results, w.resolve(ctx, rec))
	}
	return results, nil
}

func (w *Workflow) resolve(ctx context.Context, rec models.ActivityRecord) Resolution {
	act := rec.Activity
	log := w.logger.With("pollID", rec.PollMessageID, "activity", act.ID)
	res := Resolution{PollMessageID: rec.PollMessageID, ActivityID: act.ID}

	votes, err := w.tally(ctx, rec)
	switch {
	case err != nil:
		log.Error("Failed to stop poll", "error", err)
		res.Outcome, res.Err = OutcomeFailed, err
	case votes >= act.MinPositiveVotes:
		res.Votes, res.Outcome = votes, OutcomeConfirmed
		log.Info("Booking confirmed.", "votes", votes, "required", act.MinPositiveVotes)
		w.notify(ctx, rec.PollMessageID, w.confirmedText(act, votes))
	default:
		res.Votes = votes
		if err := w.calendar.DeleteEvent(ctx, w.cfg.CalendarID, act.ID); err != nil {
			// The tally is stored, so the record stays and the next tick
			// retries the cancellation without stopping the poll again.
			log.Error("Failed to cancel activity event, will retry", "error", err)
			res.Outcome, res.Err = OutcomeRetry, err
			if act.State != models.PollResolved {
				w.keepTally(ctx, rec, votes)
				w.alert(ctx, fmt.Sprintf("Vote for %s on %s failed (%d of %d) but the event could not be deleted: %v. Retrying on the next tick.",
					w.ActivityName(act.Title), act.StartTime.Format("02.01 15:04"), votes, act.MinPositiveVotes, err))
			}
			return res
		}
		res.Outcome = OutcomeCancelled
		log.Info("Booking cancelled.", "votes", votes, "required", act.MinPositiveVotes)
		w.notify(ctx, rec.PollMessageID, w.cancelledText(act, votes))
	}

	if err := w.messenger.Unpin(ctx, w.cfg.ChatID, rec.PollMessageID); err != nil {
		log.Warn("Failed to unpin poll message", "error", err)
	}
	if err := w.records.Delete(ctx, rec.Key); err != nil {
		log.Error("Failed to delete poll record", "error", err)
		res.Err = errors.Join(res.Err, err)
	}
	return res
}

// tally stops the poll and returns the affirmative votes. The count is
// written back to the record first so a retry after a crash does not depend
// on stopping the poll a second time.
func (w *Workflow) tally(ctx context.Context, rec models.ActivityRecord) (int, error) {
	act := rec.Activity
	if act.State == models.PollResolved && act.Votes != nil {
		return *act.Votes, nil
	}
	counts, err := w.messenger.StopPoll(ctx, w.cfg.ChatID, rec.PollMessageID)
	if err != nil {
		return 0, err
	}
	votes := counts[w.cfg.Options[0]]

	resolved := *act
	resolved.State = models.PollResolved
	resolved.Votes = &votes
	if err := w.records.Put(ctx, rec.PollMessageID, &resolved); err != nil {
		w.logger.Warn("Failed to record poll tally", "pollID", rec.PollMessageID, "error", err)
	}
	return votes, nil
}

// keepTally stores the count again in case the write in tally failed.
func (w *Workflow) keepTally(ctx context.Context, rec models.ActivityRecord, votes int) {
	resolved := *rec.Activity
	resolved.State = models.PollResolved
	resolved.Votes = &votes
	if err := w.records.Put(ctx, rec.PollMessageID, &resolved); err != nil {
		w.logger.Error("Failed to keep poll tally for retry", "pollID", rec.PollMessageID, "error", err)
	}
}

func (w *Workflow) alert(ctx context.Context, text string) {
	for _, id := range w.cfg.AdminChatIDs {
		if _, err := w.messenger.SendMessage(ctx, id, text, 0); err != nil {
			w.logger.Warn("Failed to notify admin", "chatID", id, "error", err)
		}
	}
}

func (w *Workflow) notify(ctx context.Context, replyTo int, text string) {
	if _, err := w.messenger.SendMessage(ctx, w.cfg.ChatID, text, replyTo); err != nil {
		w.logger.Warn("Failed to send poll result message", "pollID", replyTo, "error", err)
	}
}

// Sweep removes records that outlived their activity by more than the
// retention period. Unreadable records are left to ResolveDue.
func (w *Workflow) Sweep(ctx context.Context) (int, error) {
	records, err := w.records.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := w.now().Add(-w.cfg.Retention)
	removed := 0
	for _, rec := range records {
		if rec.Activity == nil || !rec.Activity.EndTime.Before(cutoff) {
			continue
		}
		if err := w.records.Delete(ctx, rec.Key); err != nil {
			w.logger.Error("Failed to sweep poll record", "key", rec.Key, "error", err)
			continue
		}
		w.logger.Info("Swept stale poll record.", "key", rec.Key, "activity", rec.Activity.ID)
		removed++
	}
	return removed, nil
}

// Tick runs one scheduling pass: resolve due polls, sweep stale records and
// post the next poll.
func (w *Workflow) Tick(ctx context.Context) error {
	w.logger.Info("Starting poll tick.")
	var errs []error

	results, err := w.ResolveDue(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to resolve polls: %w", err))
	}
	for _, r := range results {
		w.logger.Info("Poll processed.", "pollID", r.PollMessageID, "outcome", r.Outcome, "votes", r.Votes)
	}
	if _, err := w.Sweep(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to sweep poll records: %w", err))
	}
	if _, _, err := w.CreatePoll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to create poll: %w", err))
	}

	w.logger.Info("Poll tick finished.")
	return errors.Join(errs...)
}

// ClearAll deletes every poll record without touching the polls or the
// calendar, then tells the group that pending polls will not be processed.
func (w *Workflow) ClearAll(ctx context.Context) (int, error) {
	records, err := w.records.List(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, rec := range records {
		if err := w.records.Delete(ctx, rec.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		w.notify(ctx, 0, "ℹ️ Active polls were reset and will not be processed automatically.")
	}
	w.logger.Info("Cleared poll records.", "count", removed)
	return removed, errors.Join(errs...)
}

func (w *Workflow) question(act *models.ScheduledActivity) string {
	return fmt.Sprintf("%s %s %s-%s. Are you in?",
		w.ActivityName(act.Title),
		act.StartTime.Format("02.01"),
		act.StartTime.Format("15:04"),
		act.EndTime.Format("15:04"))
}

func (w *Workflow) confirmedText(act *models.ScheduledActivity, votes int) string {
	return fmt.Sprintf("%s %d people voted in. %s on %s stays booked 💪",
		w.cfg.Options[0], votes, w.ActivityName(act.Title), act.StartTime.Format("02.01 15:04"))
}

func (w *Workflow) cancelledText(act *models.ScheduledActivity, votes int) string {
	return fmt.Sprintf("%s Only %d of %d required votes. %s on %s is cancelled and the court is free.",
		w.cfg.Options[1], votes, act.MinPositiveVotes, w.ActivityName(act.Title), act.StartTime.Format("02.01 15:04"))
}
