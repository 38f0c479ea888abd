package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"homehub/internal/models"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends task notifications to recipients that are numeric
// Telegram chat ids. Other recipients are left to other channels.
type TelegramNotifier struct {
	bot    sender
	logger *zap.Logger
}

func NewTelegramNotifier(token string, logger *zap.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}
	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))
	return &TelegramNotifier{bot: bot, logger: logger}, nil
}

func (tn *TelegramNotifier) Deliver(ctx context.Context, n models.Notification) error {
	text := formatNotification(n)
	var errs []error
	for _, r := range n.Recipients {
		chatID, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			tn.logger.Debug("skipping non-telegram recipient", zap.String("recipient", r))
			continue
		}
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "HTML"
		msg.DisableWebPagePreview = true
		if _, err := tn.bot.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("send to %d: %w", chatID, err))
			continue
		}
		tn.logger.Info("sent task notification",
			zap.String("task_id", n.TaskID),
			zap.String("kind", string(n.Kind)),
			zap.Int64("chat_id", chatID))
	}
	return errors.Join(errs...)
}

func formatNotification(n models.Notification) string {
	var sb strings.Builder
	switch n.Kind {
	case models.NotifyFailure:
		sb.WriteString("<b>Task failed</b>\n")
	default:
		sb.WriteString("<b>Upcoming task</b>\n")
	}
	sb.WriteString(html.EscapeString(n.Message))
	if n.DeviceID != "" {
		fmt.Fprintf(&sb, "\nDevice: <code>%s</code>", html.EscapeString(n.DeviceID))
	}
	return sb.String()
}
