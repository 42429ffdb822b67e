// Package bot routes incoming chat updates to the booking wizard.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"courtbot/internal/models"
	"courtbot/internal/store"
)

// Messenger is the part of the chat client the dispatcher needs.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int) (int, error)
	AnswerCallback(ctx context.Context, callbackID, text string) error
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
	Updates(ctx context.Context, offset, timeoutSeconds int) ([]models.Incoming, error)
}

// Wizard is implemented by wizard.Wizard.
type Wizard interface {
	Start(ctx context.Context, in models.Incoming) error
	StartCancel(ctx context.Context, in models.Incoming) error
	PromptEmail(ctx context.Context, in models.Incoming) error
	RegisterEmail(ctx context.Context, in models.Incoming) error
	Handle(ctx context.Context, in models.Incoming) error
}

// Config controls who may use the bot.
type Config struct {
	// GroupChatID is the community chat whose members may book.
	GroupChatID int64
	// AdminChatIDs receive a message for every failed update.
	AdminChatIDs []int64
	// PullTimeout is the long-poll timeout in seconds.
	PullTimeout int
}

// Commands is the bot menu.
var Commands = [][2]string{
	{"book", "Book a court"},
	{"cancel", "Cancel one of your bookings"},
	{"register", "Set the email attached to your bookings"},
	{"help", "How to use the bot"},
}

const helpText = "Use /book to reserve a court, /cancel to release one of your bookings and /register to set your contact email."

// Dispatcher validates the sender and routes each update.
type Dispatcher struct {
	messenger Messenger
	wizard    Wizard
	kv        store.KV
	emails    func(text string) bool
	cfg       Config
	logger    *slog.Logger
}

// New creates a Dispatcher. isEmail decides whether free text is an email registration.
func New(messenger Messenger, wizard Wizard, kv store.KV, isEmail func(string) bool, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{messenger: messenger, wizard: wizard, kv: kv, emails: isEmail, cfg: cfg, logger: logger}
}

// Handle processes one update. Failures are reported to the user and the
// admins instead of being returned, so a bad update never blocks the queue.
func (d *Dispatcher) Handle(ctx context.Context, in models.Incoming) {
	if in.ChatType != "private" {
		d.logger.Debug("Ignoring update outside a private chat", "chat", in.ChatID, "type", in.ChatType)
		return
	}
	if in.IsCallback() {
		defer func() {
			if err := d.messenger.AnswerCallback(ctx, in.CallbackID, ""); err != nil {
				d.logger.Warn("Failed to answer callback", "error", err)
			}
		}()
	}
	if err := d.route(ctx, in); err != nil {
		d.fail(ctx, in, err)
	}
}

func (d *Dispatcher) route(ctx context.Context, in models.Incoming) error {
	if in.Username == "" {
		_, err := d.messenger.SendMessage(ctx, in.ChatID, "Please set a Telegram username in your profile first, other players use it to reach you.", 0)
		return err
	}
	if d.cfg.GroupChatID != 0 {
		member, err := d.messenger.IsMember(ctx, d.cfg.GroupChatID, in.UserID)
		if err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if !member {
			_, err := d.messenger.SendMessage(ctx, in.ChatID, "Only members of the community group can book courts.", 0)
			return err
		}
	}

	if in.IsCallback() {
		return d.wizard.Handle(ctx, in)
	}

	switch command(in.Text) {
	case "book":
		return d.wizard.Start(ctx, in)
	case "cancel":
		return d.wizard.StartCancel(ctx, in)
	case "register":
		return d.wizard.PromptEmail(ctx, in)
	case "start", "help":
		return d.help(ctx, in)
	}
	if d.emails != nil && d.emails(in.Text) {
		return d.wizard.RegisterEmail(ctx, in)
	}
	return d.help(ctx, in)
}

func (d *Dispatcher) help(ctx context.Context, in models.Incoming) error {
	_, err := d.messenger.SendMessage(ctx, in.ChatID, helpText, 0)
	return err
}

func (d *Dispatcher) fail(ctx context.Context, in models.Incoming, err error) {
	d.logger.Error("Failed to handle update", "update", in.UpdateID, "user", in.Username, "error", err)
	if _, sendErr := d.messenger.SendMessage(ctx, in.ChatID, "Sorry, something went wrong. Please try again in a minute.", 0); sendErr != nil {
		d.logger.Warn("Failed to apologize", "error", sendErr)
	}
	report := fmt.Sprintf("Update %d from @%s failed: %v", in.UpdateID, in.Username, err)
	for _, admin := range d.cfg.AdminChatIDs {
		if _, sendErr := d.messenger.SendMessage(ctx, admin, report, 0); sendErr != nil {
			d.logger.Warn("Failed to notify admin", "admin", admin, "error", sendErr)
		}
	}
}

// Pull fetches pending updates once, handles them and persists the offset
// after each one. It returns the number of updates handled.
func (d *Dispatcher) Pull(ctx context.Context) (int, error) {
	offset, err := d.offset(ctx)
	if err != nil {
		return 0, err
	}
	updates, err := d.messenger.Updates(ctx, offset, d.cfg.PullTimeout)
	if err != nil {
		return 0, fmt.Errorf("get updates: %w", err)
	}
	for i, in := range updates {
		d.Handle(ctx, in)
		if err := d.kv.Set(ctx, store.PullOffsetKey, strconv.Itoa(in.UpdateID+1)); err != nil {
			return i + 1, fmt.Errorf("store pull offset: %w", err)
		}
	}
	return len(updates), nil
}

func (d *Dispatcher) offset(ctx context.Context) (int, error) {
	raw, err := d.kv.Get(ctx, store.PullOffsetKey)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pull offset: %w", err)
	}
	offset, err := strconv.Atoi(raw)
	if err != nil {
		d.logger.Warn("Discarding malformed pull offset", "value", raw)
		return 0, nil
	}
	return offset, nil
}

// command returns the bot command of text without the slash and @botname.
func command(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(text[1:], " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd)
}
