package alert

import (
	"context"
	"fmt"
	"time"

	resilient "trade_runtime/pkg/http"
)

type TelegramChannel struct {
	chatID string
	client *resilient.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	base := fmt.Sprintf("https://api.telegram.org/bot%s", botToken)
	return &TelegramChannel{
		chatID: chatID,
		client: resilient.NewClient(base, 5*time.Second),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert Payload) error {
	icon := "ℹ️"
	switch alert.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}

	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		text += "\n"
		for k, v := range alert.Fields {
			text += fmt.Sprintf("\n- *%s*: %s", k, v)
		}
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	_, err := t.client.Post(ctx, "/sendMessage", payload)
	return err
}
