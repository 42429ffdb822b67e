package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"courtbot/internal/models"
	"courtbot/internal/store"
)

const (
	group = int64(-100)
	admin = int64(1)
)

type message struct {
	chatID int64
	text   string
}

type fakeMessenger struct {
	members  map[int64]bool
	sent     []message
	answered []string
	updates  []models.Incoming
	offsets  []int
}

func (f *fakeMessenger) SendMessage(_ context.Context, chatID int64, text string, _ int) (int, error) {
	f.sent = append(f.sent, message{chatID, text})
	return len(f.sent), nil
}

func (f *fakeMessenger) AnswerCallback(_ context.Context, id, _ string) error {
	f.answered = append(f.answered, id)
	return nil
}

func (f *fakeMessenger) IsMember(_ context.Context, _, userID int64) (bool, error) {
	return f.members[userID], nil
}

func (f *fakeMessenger) Updates(_ context.Context, offset, _ int) ([]models.Incoming, error) {
	f.offsets = append(f.offsets, offset)
	var out []models.Incoming
	for _, u := range f.updates {
		if u.UpdateID >= offset {
			out = append(out, u)
		}
	}
	return out, nil
}

type fakeWizard struct {
	calls []string
	err   error
}

func (f *fakeWizard) record(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeWizard) Start(context.Context, models.Incoming) error         { return f.record("start") }
func (f *fakeWizard) StartCancel(context.Context, models.Incoming) error   { return f.record("cancel") }
func (f *fakeWizard) PromptEmail(context.Context, models.Incoming) error   { return f.record("prompt") }
func (f *fakeWizard) RegisterEmail(context.Context, models.Incoming) error { return f.record("email") }
func (f *fakeWizard) Handle(context.Context, models.Incoming) error        { return f.record("callback") }

func newDispatcher() (*Dispatcher, *fakeMessenger, *fakeWizard, *store.Memory) {
	msg := &fakeMessenger{members: map[int64]bool{10: true}}
	wiz := &fakeWizard{}
	kv := store.NewMemory()
	isEmail := func(s string) bool { return strings.Contains(s, "@") }
	d := New(msg, wiz, kv, isEmail, Config{GroupChatID: group, AdminChatIDs: []int64{admin}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return d, msg, wiz, kv
}

func private(text string) models.Incoming {
	return models.Incoming{UpdateID: 5, ChatID: 10, ChatType: "private", UserID: 10, Username: "alice", Text: text}
}

func TestRoutesCommands(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"/book":             "start",
		"/book@CourtBot":    "start",
		"/cancel":           "cancel",
		"/register":         "prompt",
		"alice@example.com": "email",
	}
	for text, want := range cases {
		d, _, wiz, _ := newDispatcher()
		d.Handle(context.Background(), private(text))
		if len(wiz.calls) != 1 || wiz.calls[0] != want {
			t.Fatalf("%q routed to %v, want %s", text, wiz.calls, want)
		}
	}
}

func TestHelpForUnknownText(t *testing.T) {
	t.Parallel()
	d, msg, wiz, _ := newDispatcher()
	d.Handle(context.Background(), private("hi"))
	if len(wiz.calls) != 0 || len(msg.sent) != 1 || msg.sent[0].text != helpText {
		t.Fatalf("calls = %v, sent = %v", wiz.calls, msg.sent)
	}
}

func TestCallbackIsAnswered(t *testing.T) {
	t.Parallel()
	d, msg, wiz, _ := newDispatcher()
	in := private("")
	in.CallbackID = "cb1"
	in.Data = "1|q"
	d.Handle(context.Background(), in)
	if len(wiz.calls) != 1 || wiz.calls[0] != "callback" {
		t.Fatalf("calls = %v", wiz.calls)
	}
	if len(msg.answered) != 1 || msg.answered[0] != "cb1" {
		t.Fatalf("answered = %v", msg.answered)
	}
}

func TestRejectsSenders(t *testing.T) {
	t.Parallel()

	d, msg, wiz, _ := newDispatcher()
	in := private("/book")
	in.ChatType = "supergroup"
	d.Handle(context.Background(), in)
	if len(wiz.calls)+len(msg.sent) != 0 {
		t.Fatal("group message was handled")
	}

	in = private("/book")
	in.Username = ""
	d.Handle(context.Background(), in)
	if len(wiz.calls) != 0 || len(msg.sent) != 1 || !strings.Contains(msg.sent[0].text, "username") {
		t.Fatalf("no-username: calls = %v, sent = %v", wiz.calls, msg.sent)
	}

	in = private("/book")
	in.UserID = 99
	d.Handle(context.Background(), in)
	if len(wiz.calls) != 0 || !strings.Contains(msg.sent[len(msg.sent)-1].text, "Only members") {
		t.Fatalf("non-member: calls = %v, sent = %v", wiz.calls, msg.sent)
	}
}

func TestFailureNotifiesAdmins(t *testing.T) {
	t.Parallel()
	d, msg, wiz, _ := newDispatcher()
	wiz.err = errors.New("calendar down")
	d.Handle(context.Background(), private("/book"))
	if len(msg.sent) != 2 {
		t.Fatalf("sent = %v, want apology and admin report", msg.sent)
	}
	if msg.sent[0].chatID != 10 || !strings.HasPrefix(msg.sent[0].text, "Sorry") {
		t.Fatalf("apology = %+v", msg.sent[0])
	}
	if msg.sent[1].chatID != admin || !strings.Contains(msg.sent[1].text, "calendar down") {
		t.Fatalf("admin report = %+v", msg.sent[1])
	}
}

func TestPullPersistsOffset(t *testing.T) {
	t.Parallel()
	d, msg, wiz, kv := newDispatcher()
	ctx := context.Background()
	first, second := private("/book"), private("/cancel")
	first.UpdateID, second.UpdateID = 7, 8
	msg.updates = []models.Incoming{first, second}

	n, err := d.Pull(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Pull() = %d, %v", n, err)
	}
	if got, _ := kv.Get(ctx, store.PullOffsetKey); got != "9" {
		t.Fatalf("offset = %q, want 9", got)
	}
	n, err = d.Pull(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second Pull() = %d, %v", n, err)
	}
	if msg.offsets[0] != 0 || msg.offsets[1] != 9 {
		t.Fatalf("requested offsets = %v", msg.offsets)
	}
	if len(wiz.calls) != 2 {
		t.Fatalf("calls = %v", wiz.calls)
	}
}
