// Package telegram adapts the Telegram Bot API to the bot's messaging needs.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"courtbot/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Client wraps a Bot API connection. The underlying library has no context
// support; ctx parameters are accepted for interface symmetry.
type Client struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewClient connects with token and verifies it with getMe.
func NewClient(token string, logger *slog.Logger) (*Client, error) {
	return NewClientWithEndpoint(token, tgbotapi.APIEndpoint, http.DefaultClient, logger)
}

// NewClientWithEndpoint connects to a custom Bot API endpoint, a format
// string taking the token and the method name.
func NewClientWithEndpoint(token, endpoint string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Connected to Telegram.", "bot", api.Self.UserName)
	return &Client{api: api, logger: logger}, nil
}

// BotName returns the bot's username.
func (c *Client) BotName() string {
	return c.api.Self.UserName
}

func (c *Client) SendPoll(_ context.Context, chatID int64, question string, options []string) (int, error) {
	cfg := tgbotapi.NewPoll(chatID, question, options...)
	cfg.IsAnonymous = false
	msg, err := c.api.Send(cfg)
	if err != nil {
		return 0, fmt.Errorf("failed to send poll: %w", err)
	}
	return msg.MessageID, nil
}

// StopPoll closes the poll and returns the voter count of every option by text.
func (c *Client) StopPoll(_ context.Context, chatID int64, messageID int) (map[string]int, error) {
	poll, err := c.api.StopPoll(tgbotapi.NewStopPoll(chatID, messageID))
	if err != nil {
		return nil, fmt.Errorf("failed to stop poll %d: %w", messageID, err)
	}
	counts := make(map[string]int, len(poll.Options))
	for _, opt := range poll.Options {
		counts[opt.Text] = opt.VoterCount
	}
	return counts, nil
}

func (c *Client) Pin(_ context.Context, chatID int64, messageID int) error {
	_, err := c.api.Request(tgbotapi.PinChatMessageConfig{ChatID: chatID, MessageID: messageID, DisableNotification: true})
	if err != nil {
		return fmt.Errorf("failed to pin message %d: %w", messageID, err)
	}
	return nil
}

func (c *Client) Unpin(_ context.Context, chatID int64, messageID int) error {
	_, err := c.api.Request(tgbotapi.UnpinChatMessageConfig{ChatID: chatID, MessageID: messageID})
	if err != nil && !isAPIError(err, "message to unpin not found", "not enough rights") {
		return fmt.Errorf("failed to unpin message %d: %w", messageID, err)
	}
	return nil
}

// SendMessage sends text, replying to replyTo when it is non-zero.
func (c *Client) SendMessage(_ context.Context, chatID int64, text string, replyTo int) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	msg.AllowSendingWithoutReply = true
	sent, err := c.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return sent.MessageID, nil
}

// SendButtons sends text with an inline keyboard.
func (c *Client) SendButtons(_ context.Context, chatID int64, text string, kb models.Keyboard) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = toMarkup(kb)
	sent, err := c.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return sent.MessageID, nil
}

// EditButtons replaces the inline keyboard of a message.
func (c *Client) EditButtons(_ context.Context, chatID int64, messageID int, kb models.Keyboard) error {
	_, err := c.api.Request(tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, toMarkup(kb)))
	if err != nil && !isAPIError(err, "message is not modified") {
		return fmt.Errorf("failed to edit buttons of message %d: %w", messageID, err)
	}
	return nil
}

// DeleteMessage deletes a message. A message that is already gone counts as deleted.
func (c *Client) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	_, err := c.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	if err != nil && !isAPIError(err, "message to delete not found") {
		return fmt.Errorf("failed to delete message %d: %w", messageID, err)
	}
	return nil
}

// AnswerCallback acknowledges a button press, optionally with a toast text.
func (c *Client) AnswerCallback(_ context.Context, callbackID, text string) error {
	_, err := c.api.Request(tgbotapi.NewCallback(callbackID, text))
	if err != nil && !isAPIError(err, "query is too old") {
		return fmt.Errorf("failed to answer callback: %w", err)
	}
	return nil
}

// IsMember reports whether userID currently belongs to chatID.
func (c *Client) IsMember(_ context.Context, chatID, userID int64) (bool, error) {
	member, err := c.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		if isAPIError(err, "user not found", "participant_id_invalid") {
			return false, nil
		}
		return false, fmt.Errorf("failed to get chat member: %w", err)
	}
	switch member.Status {
	case "creator", "administrator", "member":
		return true, nil
	case "restricted":
		return member.IsMember, nil
	default:
		return false, nil
	}
}

// Updates long-polls for updates starting at offset.
func (c *Client) Updates(_ context.Context, offset, timeoutSeconds int) ([]models.Incoming, error) {
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = timeoutSeconds
	cfg.AllowedUpdates = []string{"message", "callback_query"}
	updates, err := c.api.GetUpdates(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get updates: %w", err)
	}
	out := make([]models.Incoming, 0, len(updates))
	for _, u := range updates {
		out = append(out, ToIncoming(u))
	}
	return out, nil
}

// SetWebhook registers url for push delivery. Telegram echoes secret in the
// X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *Client) SetWebhook(_ context.Context, url, secret string) error {
	allowed, _ := json.Marshal([]string{"message", "callback_query"})
	params := tgbotapi.Params{"url": url, "allowed_updates": string(allowed)}
	params.AddNonEmpty("secret_token", secret)
	if _, err := c.api.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}
	c.logger.Info("Webhook registered.", "url", url)
	return nil
}

// DeleteWebhook switches the bot back to pull delivery.
func (c *Client) DeleteWebhook(_ context.Context) error {
	if _, err := c.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

// SetCommands publishes the bot menu. Keys are command names, values descriptions.
func (c *Client) SetCommands(_ context.Context, commands [][2]string) error {
	var cmds []tgbotapi.BotCommand
	for _, cmd := range commands {
		cmds = append(cmds, tgbotapi.BotCommand{Command: cmd[0], Description: cmd[1]})
	}
	if _, err := c.api.Request(tgbotapi.NewSetMyCommands(cmds...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	return nil
}

func isAPIError(err error, phrases ...string) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	for _, p := range phrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func toMarkup(kb models.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func fromMarkup(m *tgbotapi.InlineKeyboardMarkup) models.Keyboard {
	if m == nil {
		return nil
	}
	kb := make(models.Keyboard, 0, len(m.InlineKeyboard))
	for _, row := range m.InlineKeyboard {
		buttons := make([]models.Button, 0, len(row))
		for _, b := range row {
			data := ""
			if b.CallbackData != nil {
				data = *b.CallbackData
			}
			buttons = append(buttons, models.Button{Text: b.Text, Data: data})
		}
		kb = append(kb, buttons)
	}
	return kb
}

// ToIncoming reduces a Bot API update to the fields the bot handles.
func ToIncoming(u tgbotapi.Update) models.Incoming {
	in := models.Incoming{UpdateID: u.UpdateID}
	var msg *tgbotapi.Message
	var from *tgbotapi.User
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		in.CallbackID = cq.ID
		in.Data = cq.Data
		from = cq.From
		msg = cq.Message
		if msg != nil {
			in.Keyboard = fromMarkup(msg.ReplyMarkup)
		}
	case u.Message != nil:
		msg = u.Message
		from = msg.From
		in.Text = msg.Text
	}
	if msg != nil {
		in.MessageID = msg.MessageID
		if msg.Chat != nil {
			in.ChatID = msg.Chat.ID
			in.ChatType = msg.Chat.Type
		}
	}
	if from != nil {
		in.UserID = from.ID
		in.Username = from.UserName
		in.FirstName = from.FirstName
	}
	return in
}
