package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap/zaptest"

	"homehub/internal/models"
)

type fakeBot struct {
	sent []tgbotapi.MessageConfig
	fail map[int64]bool
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	if f.fail[msg.ChatID] {
		return tgbotapi.Message{}, errors.New("chat not found")
	}
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{}, nil
}

func TestDeliverToNumericRecipients(t *testing.T) {
	bot := &fakeBot{fail: map[int64]bool{13: true}}
	tn := &TelegramNotifier{bot: bot, logger: zaptest.NewLogger(t)}

	err := tn.Deliver(context.Background(), models.Notification{
		Kind:       models.NotifyFailure,
		TaskID:     "t1",
		DeviceID:   "lamp",
		Message:    `Task "Lights" failed: <timeout>`,
		Recipients: []string{"42", "alice@example.com", "13"},
	})
	if err == nil || !strings.Contains(err.Error(), "send to 13") {
		t.Errorf("err = %v, want failure for chat 13", err)
	}
	if len(bot.sent) != 1 || bot.sent[0].ChatID != 42 {
		t.Fatalf("sent = %+v", bot.sent)
	}
	text := bot.sent[0].Text
	if !strings.HasPrefix(text, "<b>Task failed</b>") || !strings.Contains(text, "&lt;timeout&gt;") {
		t.Errorf("text = %q", text)
	}
}
