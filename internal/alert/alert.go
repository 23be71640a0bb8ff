// Package alert fans emergency and risk notifications out to external
// channels (Slack, Telegram). Delivery is fire-and-forget; the trading
// path never blocks on a webhook.
package alert

import (
	"context"
	"sync"
	"time"

	"trade_runtime/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel is one delivery target
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans a payload out to every registered channel concurrently
type Manager struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("alert channel registered", "name", ch.Name())
}

// Alert delivers asynchronously; failures are logged, never surfaced to
// the caller.
func (m *Manager) Alert(ctx context.Context, title, message string, level Level, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// EmergencyAlert formats and sends an emergency event notification.
func (m *Manager) EmergencyAlert(ctx context.Context, event *core.EmergencyEvent) {
	level := Error
	if event.ManualIntervention {
		level = Critical
	}
	fields := map[string]string{
		"trigger":      string(event.Trigger),
		"action_taken": event.ActionTaken,
	}
	if event.ManualIntervention {
		fields["manual_intervention_required"] = "true"
	}
	m.Alert(ctx, "Emergency event", event.Description, level, fields)
}
