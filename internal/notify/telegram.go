package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender is the subset of tgbotapi.BotAPI the backend needs.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers notifications as bot messages. Recipients are looked up
// in chats first; otherwise the recipient id itself must be a numeric chat id.
type Telegram struct {
	sender TelegramSender
	chats  map[string]int64
}

// NewTelegram connects to the Bot API with token.
func NewTelegram(token string, chats map[string]int64) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot api: %w", err)
	}
	return NewTelegramWithSender(api, chats), nil
}

// NewTelegramWithSender builds the backend on an existing sender.
func NewTelegramWithSender(sender TelegramSender, chats map[string]int64) *Telegram {
	if chats == nil {
		chats = map[string]int64{}
	}
	return &Telegram{sender: sender, chats: chats}
}

// Notify implements Notifier.
func (t *Telegram) Notify(_ context.Context, recipient, eventType string, payload map[string]any) error {
	chatID, err := t.chatID(recipient)
	if err != nil {
		return &PermanentError{Reason: "unknown_recipient", Err: err}
	}

	msg := tgbotapi.NewMessage(chatID, FormatText(eventType, payload))
	if _, err := t.sender.Send(msg); err != nil {
		return classifyTelegram(err)
	}
	return nil
}

func (t *Telegram) chatID(recipient string) (int64, error) {
	if id, ok := t.chats[recipient]; ok {
		return id, nil
	}
	id, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("no chat for recipient %q", recipient)
	}
	return id, nil
}

func classifyTelegram(err error) error {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return err
	}
	switch tgErr.Code {
	case 429:
		return &RetryAfterError{Delay: time.Duration(tgErr.RetryAfter) * time.Second, Err: err}
	case 403:
		return &PermanentError{Reason: "user_blocked", Err: err}
	case 400:
		return &PermanentError{Reason: "bad_request", Err: err}
	}
	return err
}

var eventTitles = map[string]string{
	TypeApprovalRequested:   "New booking awaits your approval",
	"reservation.held":      "Your booking is on hold pending facility approval",
	"reservation.confirmed": "Your booking is confirmed",
	"reservation.declined":  "Your booking was declined",
	"reservation.expired":   "Your booking hold expired",
	"reservation.cancelled": "Your booking was cancelled",
	"waitlist.claim_opened": "A spot opened up, claim it before the window closes",
	"waitlist.claim_expired": "The spot is no longer available. " +
		"You have been moved out of the queue; join again to wait for the next one",
	"waitlist.booked": "You got a spot from the waitlist",
}

// FormatText renders a plain-text message body.
func FormatText(eventType string, payload map[string]any) string {
	var sb strings.Builder
	if title, ok := eventTitles[eventType]; ok {
		sb.WriteString(title)
	} else {
		sb.WriteString(eventType)
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: %v", k, payload[k])
	}
	return sb.String()
}
