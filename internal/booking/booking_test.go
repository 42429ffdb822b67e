package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"courtbot/internal/calendartest"
	"courtbot/internal/models"
	"courtbot/internal/slots"
)

const calID = "bookings"

var zone = time.FixedZone("EET", 2*60*60)

func testNow() time.Time { return time.Date(2026, 10, 19, 8, 0, 0, 0, zone) }

func newCoordinator(fake *calendartest.Fake) *Coordinator {
	c := New(fake, Config{
		CalendarID: calID,
		Hours: slots.BusinessHours{
			WeekdayOpen: 9 * 60, WeekdayClose: 20 * 60,
			WeekendOpen: 10 * 60, WeekendClose: 18 * 60,
			SlotDuration: 30 * time.Minute,
		},
		RangeDays: 7,
		Location:  zone,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.SetClock(testNow)
	return c
}

func slotList(t *testing.T, in ...string) []slots.TimeSlot {
	t.Helper()
	var out []slots.TimeSlot
	for _, s := range in {
		ts, err := slots.ParseTimeSlot(s)
		if err != nil {
			t.Fatalf("ParseTimeSlot(%q) error = %v", s, err)
		}
		out = append(out, ts)
	}
	return out
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 10, 19, hour, minute, 0, 0, zone)
}

func TestBookMergesAndTagsEvents(t *testing.T) {
	t.Parallel()
	fake := calendartest.New(testNow())
	c := newCoordinator(fake)

	events, err := c.Book(context.Background(), Request{
		User: "alice", Contact: "alice@example.com", Activity: "Tennis", Date: testNow(),
		Slots: slotList(t, "10:30-11:00", "14:00-14:30", "10:00-10:30"),
	})
	if err != nil {
		t.Fatalf("Book() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	stored := fake.Events(calID)
	if len(stored) != 2 {
		t.Fatalf("stored events = %d, want 2", len(stored))
	}
	if !stored[0].StartTime.Equal(at(10, 0)) || !stored[0].EndTime.Equal(at(11, 0)) {
		t.Fatalf("first event = %v - %v", stored[0].StartTime, stored[0].EndTime)
	}
	if stored[0].Tag(models.TagBookedBy) != "alice" || stored[0].Title != "Tennis" {
		t.Fatalf("event = %+v", stored[0])
	}
}

func TestBookLosesToEarlierEvent(t *testing.T) {
	t.Parallel()
	fake := calendartest.New(testNow())
	fake.Add(calID, &models.Event{ID: "existing", StartTime: at(10, 30), EndTime: at(11, 30), CreatedAt: testNow().Add(-time.Hour)})
	c := newCoordinator(fake)

	_, err := c.Book(context.Background(), Request{User: "bob", Activity: "Football", Date: testNow(), Slots: slotList(t, "09:00-09:30", "10:00-11:00")})
	if !errors.Is(err, ErrRaceCondition) {
		t.Fatalf("Book() error = %v, want ErrRaceCondition", err)
	}
	stored := fake.Events(calID)
	if len(stored) != 1 || stored[0].ID != "existing" {
		t.Fatalf("calendar after rollback = %+v", stored)
	}
	if len(fake.Deleted) != 2 {
		t.Fatalf("deleted = %v, want the whole batch", fake.Deleted)
	}
}

func TestBookIgnoresLaterAndTouchingEvents(t *testing.T) {
	t.Parallel()
	fake := calendartest.New(testNow())
	fake.Add(calID, &models.Event{ID: "later", StartTime: at(10, 0), EndTime: at(10, 30), CreatedAt: testNow().Add(time.Hour)})
	fake.Add(calID, &models.Event{ID: "touching", StartTime: at(11, 0), EndTime: at(12, 0), CreatedAt: testNow().Add(-time.Hour)})
	c := newCoordinator(fake)

	if _, err := c.Book(context.Background(), Request{User: "bob", Activity: "Football", Date: testNow(), Slots: slotList(t, "10:00-11:00")}); err != nil {
		t.Fatalf("Book() error = %v", err)
	}
	if got := len(fake.Events(calID)); got != 3 {
		t.Fatalf("events = %d, want 3", got)
	}
}

func TestConcurrentBookingsExactlyOneWins(t *testing.T) {
	t.Parallel()
	for round := 0; round < 20; round++ {
		fake := calendartest.New(testNow())
		var arrived sync.WaitGroup
		arrived.Add(2)
		fake.BeforeList = func() {
			arrived.Done()
			arrived.Wait()
		}
		c := newCoordinator(fake)

		reqs := []Request{
			{User: "alice", Activity: "Tennis", Date: testNow(), Slots: slotList(t, "10:00-10:30", "10:30-11:00")},
			{User: "bob", Activity: "Football", Date: testNow(), Slots: slotList(t, "10:30-11:30")},
		}
		errs := make([]error, len(reqs))
		var wg sync.WaitGroup
		for i := range reqs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = c.Book(context.Background(), reqs[i])
			}(i)
		}
		wg.Wait()

		var wins, races int
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrRaceCondition):
				races++
			default:
				t.Fatalf("unexpected error %v", err)
			}
		}
		if wins != 1 || races != 1 {
			t.Fatalf("round %d: wins=%d races=%d errs=%v", round, wins, races, errs)
		}
		stored := fake.Events(calID)
		if len(stored) != 1 {
			t.Fatalf("round %d: %d events left, want one consistent booking", round, len(stored))
		}
		owner := stored[0].Tag(models.TagBookedBy)
		winner := "alice"
		if errs[0] != nil {
			winner = "bob"
		}
		if owner != winner {
			t.Fatalf("round %d: remaining event belongs to %s, winner was %s", round, owner, winner)
		}
	}
}

func TestBookRollbackContinuesPastDeleteFailure(t *testing.T) {
	t.Parallel()
	fake := calendartest.New(testNow())
	fake.Add(calID, &models.Event{ID: "existing", StartTime: at(12, 0), EndTime: at(13, 0)})
	fake.DeleteErr["ev-001"] = errors.New("backend down")
	c := newCoordinator(fake)

	_, err := c.Book(context.Background(), Request{User: "bob", Activity: "Football", Date: testNow(), Slots: slotList(t, "10:00-10:30", "12:00-12:30")})
	if !errors.Is(err, ErrRaceCondition) {
		t.Fatalf("Book() error = %v, want ErrRaceCondition", err)
	}
	var be *BackendError
	if !errors.As(err, &be) || be.Op != "delete" {
		t.Fatalf("Book() error = %v, want delete BackendError", err)
	}
	if fake.Get(calID, "ev-002") != nil {
		t.Fatal("second batch event was not cleaned up")
	}
}

func TestBookInsertFailure(t *testing.T) {
	t.Parallel()
	fake := calendartest.New(testNow())
	fake.InsertErr = errors.New("quota")
	c := newCoordinator(fake)
	_, err := c.Book(context.Background(), Request{User: "bob", Activity: "Football", Date: testNow(), Slots: slotList(t, "10:00-10:30")})
	var be *BackendError
	if !errors.As(err, &be) || be.Op != "insert" {
		t.Fatalf("Book() error = %v, want insert BackendError", err)
	}
}

func TestBookRejectsPastAndEmpty(t *testing.T) {
	t.Parallel()
	c := newCoordinator(calendartest.New(testNow()))
	ctx := context.Background()
	if _, err := c.Book(ctx, Request{User: "bob", Date: testNow()}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty selection error = %v", err)
	}
	if _, err := c.Book(ctx, Request{User: "bob", Date: testNow(), Slots: slotList(t, "07:00-07:30")}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("past slot error = %v", err)
	}
}

func TestAvailabilityMarksEvents(t *testing.T) {
	t.Parallel()
	fake := calendartest.New(testNow())
	fake.Add(calID, &models.Event{ID: "x", StartTime: at(10, 0), EndTime: at(11, 0)})
	c := newCoordinator(fake)

	grid, err := c.Availability(context.Background())
	if err != nil {
		t.Fatalf("Availability() error = %v", err)
	}
	if len(grid.Days) != 8 {
		t.Fatalf("days = %d, want 8", len(grid.Days))
	}
	free := grid.EmptySlots(testNow())
	for _, s := range free {
		if s.String() == "10:00-10:30" || s.String() == "10:30-11:00" {
			t.Fatalf("booked slot %s reported free", s)
		}
	}
	if len(free) != 20 {
		t.Fatalf("free slots today = %d, want 20", len(free))
	}
}

func TestCancelOnlyOwnBookings(t *testing.T) {
	t.Parallel()
	fake := calendartest.New(testNow())
	fake.Add(calID, &models.Event{ID: "mine", StartTime: at(10, 0), EndTime: at(11, 0), Tags: map[string]string{models.TagBookedBy: "alice"}})
	fake.Add(calID, &models.Event{ID: "theirs", StartTime: at(12, 0), EndTime: at(13, 0), Tags: map[string]string{models.TagBookedBy: "bob"}})
	c := newCoordinator(fake)
	ctx := context.Background()

	mine, err := c.UserBookings(ctx, "alice")
	if err != nil || len(mine) != 1 || mine[0].ID != "mine" {
		t.Fatalf("UserBookings() = %v, %v", mine, err)
	}
	cancelled, err := c.Cancel(ctx, "alice", []string{"mine", "theirs"})
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if len(cancelled) != 1 || fake.Get(calID, "theirs") == nil || fake.Get(calID, "mine") != nil {
		t.Fatalf("cancelled = %v, calendar = %v", cancelled, fake.Events(calID))
	}
}

// Interleaved inserts can make both sides see an earlier foreign event. Both
// roll back and neither keeps the court; comparing whole batches instead
// would let overlapping bookings both survive.
func TestInterleavedBatchesBothYield(t *testing.T) {
	t.Parallel()
	created := testNow()
	a1 := &models.Event{ID: "a1", StartTime: at(10, 0), EndTime: at(11, 0), CreatedAt: created}
	b1 := &models.Event{ID: "b1", StartTime: at(10, 30), EndTime: at(14, 30), CreatedAt: created.Add(time.Second)}
	a2 := &models.Event{ID: "a2", StartTime: at(14, 0), EndTime: at(15, 0), CreatedAt: created.Add(2 * time.Second)}
	current := []*models.Event{a1, b1, a2}

	winner, loser := findEarlierConflict([]*models.Event{a1, a2}, current)
	if winner != b1 || loser != a2 {
		t.Fatalf("batch A conflict = %v/%v, want b1 before a2", winner, loser)
	}
	winner, loser = findEarlierConflict([]*models.Event{b1}, current)
	if winner != a1 || loser != b1 {
		t.Fatalf("batch B conflict = %v/%v, want a1 before b1", winner, loser)
	}
}

func TestEqualCreationTimeLowerIDWins(t *testing.T) {
	t.Parallel()
	created := testNow()
	x := &models.Event{ID: "x", StartTime: at(10, 0), EndTime: at(11, 0), CreatedAt: created}
	y := &models.Event{ID: "y", StartTime: at(10, 0), EndTime: at(11, 0), CreatedAt: created}
	current := []*models.Event{x, y}

	if winner, _ := findEarlierConflict([]*models.Event{x}, current); winner != nil {
		t.Fatalf("x yielded to %v", winner)
	}
	if winner, _ := findEarlierConflict([]*models.Event{y}, current); winner != x {
		t.Fatalf("y conflict = %v, want x", winner)
	}
}
