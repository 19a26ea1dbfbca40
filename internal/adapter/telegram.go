package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/karakuri/internal/config"
	kerrors "github.com/harunnryd/karakuri/internal/errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const TelegramSourceID = "telegram"

// TelegramAdapter sends replies to chats. When started as a Source it
// long-polls for updates and reports text messages as events.
type TelegramAdapter struct {
	token         string
	updateTimeout int
	eventHandler  EventHandler

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegramAdapter(token string, eventHandler EventHandler, updateTimeout int) *TelegramAdapter {
	if updateTimeout <= 0 {
		updateTimeout = config.DefaultTelegramUpdateTimeout
	}
	return &TelegramAdapter{
		token:         token,
		updateTimeout: updateTimeout,
		eventHandler:  eventHandler,
	}
}

func (t *TelegramAdapter) Name() string {
	return "telegram"
}

func (t *TelegramAdapter) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return nil, kerrors.WrapWithCategory(err, "failed to init telegram bot", kerrors.ErrTransient)
	}
	t.bot = bot
	return bot, nil
}

func (t *TelegramAdapter) Start(ctx context.Context) error {
	bot, err := t.client()
	if err != nil {
		return err
	}

	slog.Info("Telegram source started", "user", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.updateTimeout
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *TelegramAdapter) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	return nil
}

func (t *TelegramAdapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || t.eventHandler == nil {
		return
	}

	data := map[string]any{
		"type":       "message",
		"chat_id":    strconv.FormatInt(msg.Chat.ID, 10),
		"message_id": msg.MessageID,
		"text":       msg.Text,
	}
	if msg.From != nil {
		data["user_id"] = strconv.FormatInt(msg.From.ID, 10)
		data["user_name"] = msg.From.UserName
	}

	// UpdateID is unique per bot, which makes it a stable dedup key.
	in := Inbound{
		SourceID:   TelegramSourceID,
		ExternalID: fmt.Sprintf("%d", update.UpdateID),
		Data:       data,
		At:         time.Unix(int64(msg.Date), 0).UTC(),
	}
	if err := t.eventHandler(ctx, in); err != nil && !kerrors.IsCategory(err, kerrors.ErrDuplicateEvent) {
		slog.Error("Failed to submit Telegram event", "update_id", update.UpdateID, "error", err)
	}
}

func (t *TelegramAdapter) Send(ctx context.Context, conversationID string, text string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return kerrors.InvalidInput("invalid telegram chat id: " + err.Error())
	}

	bot, err := t.client()
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return kerrors.Wrap(err, "failed to send telegram message")
	}

	slog.Debug("Telegram message sent", "chat_id", conversationID)
	return nil
}

func (t *TelegramAdapter) Health(ctx context.Context) error {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return nil
	}
	if _, err := bot.GetMe(); err != nil {
		return kerrors.Transient("Telegram connection failed: " + err.Error())
	}
	return nil
}
