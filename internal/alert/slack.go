package alert

import (
	"context"
	"time"

	resilient "trade_runtime/pkg/http"
)

type SlackChannel struct {
	client *resilient.Client
}

// NewSlackChannel creates a channel posting to a Slack incoming webhook.
func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		client: resilient.NewClient(webhookURL, 5*time.Second),
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert Payload) error {
	color := "#36a64f" // green
	switch alert.Level {
	case Warning:
		color = "#ffcc00"
	case Error:
		color = "#ff0000"
	case Critical:
		color = "#8b0000"
	}

	var fields []map[string]interface{}
	for k, v := range alert.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":  color,
				"title":  alert.Title,
				"text":   alert.Message,
				"fields": fields,
				"ts":     alert.Timestamp.Unix(),
			},
		},
	}

	_, err := s.client.Post(ctx, "", payload)
	return err
}
