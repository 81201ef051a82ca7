package notificator

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

// TelegramNotificator posts alerts to the operators' chat.
type TelegramNotificator struct {
	logger *logger.Logger
	bot    *bot.Bot

	chatID string
}

// NewTelegramNotificator connects the bot and starts answering /start with
// the chat id, which operators put into TELEGRAM_CHAT_ID.
func NewTelegramNotificator(ctx context.Context, logger *logger.Logger, token, chatID string) (*TelegramNotificator, error) {
	provider := &TelegramNotificator{
		logger: logger,
		chatID: chatID,
	}
	opts := []bot.Option{
		bot.WithDefaultHandler(provider.handler),
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	go b.Start(ctx)
	provider.bot = b

	return provider, nil
}

func (t *TelegramNotificator) Name() string {
	return "telegram"
}

func (t *TelegramNotificator) Send(ctx context.Context, alert *models.Alert) error {
	params := &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   alert.String(),
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func (t *TelegramNotificator) handler(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	t.logger.Debug("Telegram update", "username", update.Message.From.Username, "text", update.Message.Text)
	if update.Message.Text != "/start" {
		return
	}
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: update.Message.Chat.ID,
		Text:   fmt.Sprintf("Chat id for tributum alerts: %d", update.Message.Chat.ID),
	})
	if err != nil {
		t.logger.Error("Failed to answer /start", "error", err)
	}
}
