package polls

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
	"courtbot/internal/store"
)

const (
	calID   = "bookings"
	chatID  = int64(-100)
	adminID = int64(7)
)

type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	polls    []string
	stopped  []int
	pinned   []int
	unpinned []int
	messages []string
	sentTo   []int64
	tallies  map[int]map[string]int
	stopErr  error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{nextID: 500, tallies: make(map[int]map[string]int)}
}

func (m *fakeMessenger) SendPoll(_ context.Context, _ int64, question string, _ []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.polls = append(m.polls, question)
	return m.nextID, nil
}

func (m *fakeMessenger) StopPoll(_ context.Context, _ int64, id int) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	return m.tallies[id], nil
}

func (m *fakeMessenger) Pin(_ context.Context, _ int64, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned = append(m.pinned, id)
	return nil
}

func (m *fakeMessenger) Unpin(_ context.Context, _ int64, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unpinned = append(m.unpinned, id)
	return nil
}

func (m *fakeMessenger) SendMessage(_ context.Context, chat int64, text string, _ int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, text)
	m.sentTo = append(m.sentTo, chat)
	return 1, nil
}

const footballDescription = "Початок голосуванння: 09:00 в попередній день<br>Кінець голосування: 17:00<br>Мінімальна кількість голосів за: 6<br>"

type harness struct {
	cal       *calendartest.Fake
	messenger *fakeMessenger
	kv        *store.Memory
	records   *store.Activities
	wf        *Workflow
	now       time.Time
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	h := &harness{
		cal:       calendartest.New(now),
		messenger: newFakeMessenger(),
		kv:        store.NewMemory(),
		now:       now,
	}
	h.records = store.NewActivities(h.kv)
	h.wf = New(h.cal, h.messenger, h.records, Config{CalendarID: calID, ChatID: chatID, ExcludePrefix: "НА СпортМайданчик", AdminChatIDs: []int64{adminID}},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.wf.SetClock(func() time.Time { return h.now })
	return h
}

func eventAt(id, title string, start time.Time) *models.Event {
	return &models.Event{ID: id, Title: title, Description: footballDescription, StartTime: start, EndTime: start.Add(2 * time.Hour)}
}

func (h *harness) seedRecord(t *testing.T, pollID int, act *models.ScheduledActivity) {
	t.Helper()
	if err := h.records.Put(context.Background(), pollID, act); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

func dueActivity(id string, start time.Time, minVotes int) *models.ScheduledActivity {
	return &models.ScheduledActivity{
		ID: id, Title: "НА Футбол", StartTime: start, EndTime: start.Add(2 * time.Hour),
		PollCreationTime: start.Add(-34 * time.Hour), PollCheckTime: start.Add(-2 * time.Hour),
		MinPositiveVotes: minVotes, State: models.PollOpen,
	}
}

func TestDiscoverEarliestQualifyingEvent(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	h.cal.Add(calID, eventAt("later", "НА Баскетбол", now.Add(20*time.Hour)))
	h.cal.Add(calID, eventAt("excluded", "НА СпортМайданчик", now.Add(2*time.Hour)))
	h.cal.Add(calID, eventAt("private", "Tennis", now.Add(3*time.Hour)))
	h.cal.Add(calID, eventAt("next", "НА Футбол", now.Add(9*time.Hour)))
	broken := eventAt("broken", "НА Волейбол", now.Add(4*time.Hour))
	broken.Description = "no settings"
	h.cal.Add(calID, broken)
	h.cal.Add(calID, eventAt("tooFar", "НА Футбол", now.Add(30*time.Hour)))

	act, err := h.wf.Discover(context.Background(), now)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if act == nil || act.ID != "next" {
		t.Fatalf("Discover() = %+v, want next", act)
	}
	if act.MinPositiveVotes != 6 || !act.PollCheckTime.Equal(time.Date(2026, 10, 18, 17, 0, 0, 0, time.UTC)) {
		t.Fatalf("metadata = %+v", act)
	}
	if h.wf.ActivityName(act.Title) != "Футбол" {
		t.Fatalf("ActivityName() = %q", h.wf.ActivityName(act.Title))
	}
}

func TestCreatePollIsIdempotent(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	h.cal.Add(calID, eventAt("football", "НА Футбол", now.Add(9*time.Hour)))
	ctx := context.Background()

	id, created, err := h.wf.CreatePoll(ctx)
	if err != nil || !created {
		t.Fatalf("CreatePoll() = %d, %v, %v", id, created, err)
	}
	again, created, err := h.wf.CreatePoll(ctx)
	if err != nil || created || again != id {
		t.Fatalf("second CreatePoll() = %d, %v, %v", again, created, err)
	}
	if len(h.messenger.polls) != 1 || len(h.messenger.pinned) != 1 {
		t.Fatalf("polls=%v pinned=%v", h.messenger.polls, h.messenger.pinned)
	}
	if _, err := h.kv.Get(ctx, store.PollKey(id)); err != nil {
		t.Fatalf("poll record not stored: %v", err)
	}
}

func TestCreatePollOutsideWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 18, 18, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	h.cal.Add(calID, eventAt("football", "НА Футбол", now.Add(time.Hour)))

	_, created, err := h.wf.CreatePoll(context.Background())
	if err != nil || created {
		t.Fatalf("CreatePoll() created=%v err=%v, want nothing after the check time", created, err)
	}
	if len(h.messenger.polls) != 0 {
		t.Fatal("poll sent outside the voting window")
	}
}

func TestResolveThresholds(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 10, 18, 19, 0, 0, 0, time.UTC)
	h := newHarness(t, start.Add(-time.Hour))
	h.cal.Add(calID, eventAt("confirmed", "НА Футбол", start))
	h.cal.Add(calID, eventAt("cancelled", "НА Баскетбол", start.Add(24*time.Hour)))
	h.seedRecord(t, 601, dueActivity("confirmed", start, 6))
	h.seedRecord(t, 602, dueActivity("cancelled", start, 6))
	h.messenger.tallies[601] = map[string]int{"✅": 6, "❌": 1}
	h.messenger.tallies[602] = map[string]int{"✅": 5, "❌": 0}

	results, err := h.wf.ResolveDue(context.Background())
	if err != nil {
		t.Fatalf("ResolveDue() error = %v", err)
	}
	got := map[int]Outcome{}
	for _, r := range results {
		got[r.PollMessageID] = r.Outcome
	}
	if got[601] != OutcomeConfirmed || got[602] != OutcomeCancelled {
		t.Fatalf("outcomes = %v", got)
	}
	if h.cal.Get(calID, "confirmed") == nil {
		t.Fatal("confirmed event was deleted")
	}
	if len(h.cal.Deleted) != 1 || h.cal.Deleted[0] != "cancelled" {
		t.Fatalf("deleted = %v, want cancelled exactly once", h.cal.Deleted)
	}
	if len(h.messenger.unpinned) != 2 || len(h.messenger.messages) != 2 {
		t.Fatalf("unpinned=%v messages=%v", h.messenger.unpinned, h.messenger.messages)
	}
	if keys, _ := h.kv.Keys(context.Background(), store.PollKeyPrefix); len(keys) != 0 {
		t.Fatalf("records left: %v", keys)
	}

	again, _ := h.wf.ResolveDue(context.Background())
	if len(again) != 0 || len(h.cal.Deleted) != 1 {
		t.Fatalf("second pass results=%v deleted=%v", again, h.cal.Deleted)
	}
}

func TestResolveSkipsRecordsNotDue(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 10, 18, 19, 0, 0, 0, time.UTC)
	h := newHarness(t, start.Add(-5*time.Hour))
	h.seedRecord(t, 601, dueActivity("a", start, 6))

	results, err := h.wf.ResolveDue(context.Background())
	if err != nil || len(results) != 0 || len(h.messenger.stopped) != 0 {
		t.Fatalf("results=%v err=%v stopped=%v", results, err, h.messenger.stopped)
	}
}

func TestResolveStopFailureStillDeletesRecord(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 10, 18, 19, 0, 0, 0, time.UTC)
	h := newHarness(t, start.Add(-time.Hour))
	h.cal.Add(calID, eventAt("a", "НА Футбол", start))
	h.seedRecord(t, 601, dueActivity("a", start, 6))
	h.messenger.stopErr = errors.New("message to stop not found")

	results, err := h.wf.ResolveDue(context.Background())
	if err != nil {
		t.Fatalf("ResolveDue() error = %v", err)
	}
	if len(results) != 1 || results[0].Outcome != OutcomeFailed || results[0].Err == nil {
		t.Fatalf("results = %+v", results)
	}
	if len(h.messenger.unpinned) != 1 {
		t.Fatal("poll not unpinned after failure")
	}
	if h.cal.Get(calID, "a") == nil {
		t.Fatal("event deleted although the tally failed")
	}
	if keys, _ := h.kv.Keys(context.Background(), store.PollKeyPrefix); len(keys) != 0 {
		t.Fatalf("record kept after failure: %v", keys)
	}
}

func TestResolveRetriesFailedCancellation(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 10, 18, 19, 0, 0, 0, time.UTC)
	h := newHarness(t, start.Add(-time.Hour))
	ctx := context.Background()
	h.cal.Add(calID, eventAt("a", "НА Футбол", start))
	h.seedRecord(t, 601, dueActivity("a", start, 6))
	h.messenger.tallies[601] = map[string]int{"✅": 2, "❌": 4}
	h.cal.DeleteErr["a"] = errors.New("503 backend unavailable")

	results, err := h.wf.ResolveDue(ctx)
	if err != nil {
		t.Fatalf("ResolveDue() error = %v", err)
	}
	if len(results) != 1 || results[0].Outcome != OutcomeRetry || results[0].Err == nil {
		t.Fatalf("results = %+v", results)
	}
	if h.cal.Get(calID, "a") == nil {
		t.Fatal("event gone although the delete failed")
	}
	recs, _ := h.records.List(ctx)
	if len(recs) != 1 || recs[0].Activity.State != models.PollResolved || recs[0].Activity.Votes == nil || *recs[0].Activity.Votes != 2 {
		t.Fatalf("records after failed cancellation = %+v", recs)
	}
	if len(h.messenger.unpinned) != 0 {
		t.Fatal("poll unpinned before the outcome was applied")
	}
	if len(h.messenger.sentTo) != 1 || h.messenger.sentTo[0] != adminID {
		t.Fatalf("messages sent to %v, want one admin alert", h.messenger.sentTo)
	}

	delete(h.cal.DeleteErr, "a")
	results, err = h.wf.ResolveDue(ctx)
	if err != nil {
		t.Fatalf("second ResolveDue() error = %v", err)
	}
	if len(results) != 1 || results[0].Outcome != OutcomeCancelled || results[0].Votes != 2 {
		t.Fatalf("second pass results = %+v", results)
	}
	if len(h.messenger.stopped) != 1 {
		t.Fatalf("StopPoll calls = %v, want one", h.messenger.stopped)
	}
	if len(h.cal.Deleted) != 1 || h.cal.Deleted[0] != "a" {
		t.Fatalf("deleted = %v, want a exactly once", h.cal.Deleted)
	}
	if len(h.messenger.sentTo) != 2 || h.messenger.sentTo[1] != chatID {
		t.Fatalf("messages sent to %v, want the group notice last", h.messenger.sentTo)
	}
	if keys, _ := h.kv.Keys(ctx, store.PollKeyPrefix); len(keys) != 0 {
		t.Fatalf("records left: %v", keys)
	}

	again, _ := h.wf.ResolveDue(ctx)
	if len(again) != 0 || len(h.cal.Deleted) != 1 {
		t.Fatalf("third pass results=%v deleted=%v", again, h.cal.Deleted)
	}
}

func TestResolveReusesRecordedTally(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 10, 18, 19, 0, 0, 0, time.UTC)
	h := newHarness(t, start.Add(-time.Hour))
	h.cal.Add(calID, eventAt("a", "НА Футбол", start))
	act := dueActivity("a", start, 6)
	votes := 2
	act.State, act.Votes = models.PollResolved, &votes
	h.seedRecord(t, 601, act)

	results, _ := h.wf.ResolveDue(context.Background())
	if len(results) != 1 || results[0].Outcome != OutcomeCancelled || results[0].Votes != 2 {
		t.Fatalf("results = %+v", results)
	}
	if len(h.messenger.stopped) != 0 {
		t.Fatal("StopPoll called again for an already tallied poll")
	}
}

func TestResolveDeletesInvalidRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2026, 10, 18, 19, 0, 0, 0, time.UTC))
	ctx := context.Background()
	_ = h.kv.Set(ctx, "POLL_xyz", "{}")
	_ = h.kv.Set(ctx, "POLL_42", "garbage")

	results, err := h.wf.ResolveDue(ctx)
	if err != nil {
		t.Fatalf("ResolveDue() error = %v", err)
	}
	if len(results) != 2 || results[0].Outcome != OutcomeInvalid || results[1].Outcome != OutcomeInvalid {
		t.Fatalf("results = %+v", results)
	}
	if keys, _ := h.kv.Keys(ctx, store.PollKeyPrefix); len(keys) != 0 {
		t.Fatalf("invalid records left: %v", keys)
	}
}

func TestSweepRemovesStaleRecords(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 10, 10, 19, 0, 0, 0, time.UTC)
	h := newHarness(t, start.Add(72*time.Hour))
	h.seedRecord(t, 1, dueActivity("old", start, 1))
	h.seedRecord(t, 2, dueActivity("fresh", start.Add(48*time.Hour), 1))

	removed, err := h.wf.Sweep(context.Background())
	if err != nil || removed != 1 {
		t.Fatalf("Sweep() = %d, %v", removed, err)
	}
	if _, err := h.kv.Get(context.Background(), store.PollKey(2)); err != nil {
		t.Fatal("fresh record swept")
	}
}

func TestTickResolvesThenCreates(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	yesterday := now.Add(-15 * time.Hour)
	h.cal.Add(calID, eventAt("past", "НА Футбол", yesterday))
	h.seedRecord(t, 601, dueActivity("past", yesterday, 6))
	h.messenger.tallies[601] = map[string]int{"✅": 0}
	h.cal.Add(calID, eventAt("next", "НА Футбол", now.Add(9*time.Hour)))

	if err := h.wf.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if h.cal.Get(calID, "past") != nil {
		t.Fatal("failed activity not cancelled")
	}
	if len(h.messenger.polls) != 1 {
		t.Fatalf("polls = %v, want one new poll", h.messenger.polls)
	}
	records, _ := h.records.List(context.Background())
	if len(records) != 1 || records[0].Activity.ID != "next" {
		t.Fatalf("records = %+v", records)
	}
}

func TestClearAll(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 10, 18, 19, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	h.seedRecord(t, 1, dueActivity("a", start, 1))
	h.seedRecord(t, 2, dueActivity("b", start, 1))

	n, err := h.wf.ClearAll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("ClearAll() = %d, %v", n, err)
	}
	if len(h.messenger.messages) != 1 {
		t.Fatalf("messages = %v", h.messenger.messages)
	}
}
