package models

import (
	"errors"
	"fmt"
	"time"
)

// PollState tracks how far a scheduled activity's poll has progressed.
type PollState string

const (
	PollOpen     PollState = "open"
	PollResolved PollState = "resolved"
)

// ScheduledActivity is a group activity gated by a poll. It is persisted
// keyed by the poll's message id until the poll has been processed.
type ScheduledActivity struct {
	ID               string    `json:"id" db:"activity_id"`
	Title            string    `json:"title" db:"title"`
	Description      string    `json:"description" db:"description"`
	StartTime        time.Time `json:"start" db:"starts_at"`
	EndTime          time.Time `json:"end" db:"ends_at"`
	PollCreationTime time.Time `json:"pollCreation" db:"poll_opens_at"`
	PollCheckTime    time.Time `json:"pollCheck" db:"poll_checks_at"`
	MinPositiveVotes int       `json:"minPositiveVotes" db:"min_positive_votes"`
	State            PollState `json:"state,omitempty" db:"state"`
	// Votes is set once the poll has been stopped and tallied.
	Votes *int `json:"votes,omitempty" db:"votes"`
}

// Validate checks that the activity carries everything needed to run its poll.
func (a *ScheduledActivity) Validate() error {
	var errs []error
	if a.ID == "" {
		errs = append(errs, errors.New("missing id"))
	}
	if a.Title == "" {
		errs = append(errs, errors.New("missing title"))
	}
	if a.StartTime.IsZero() || a.EndTime.IsZero() || !a.StartTime.Before(a.EndTime) {
		errs = append(errs, fmt.Errorf("invalid time range %s - %s", a.StartTime, a.EndTime))
	}
	if a.PollCreationTime.IsZero() || a.PollCheckTime.IsZero() {
		errs = append(errs, errors.New("missing poll times"))
	} else if a.PollCheckTime.Before(a.PollCreationTime) {
		errs = append(errs, errors.New("poll check time is before poll creation time"))
	}
	if a.MinPositiveVotes < 0 {
		errs = append(errs, fmt.Errorf("negative vote threshold %d", a.MinPositiveVotes))
	}
	return errors.Join(errs...)
}

// ActivityRecord is one stored poll record. Err is set when the stored value
// could not be decoded; such records are only good for deletion.
type ActivityRecord struct {
	PollMessageID int
	Key           string
	Activity      *ScheduledActivity
	Err           error
}
