package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_runtime/internal/core"
	"trade_runtime/pkg/logging"
)

type mockChannel struct {
	name string
	mu   sync.Mutex
	sent []Payload
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Send(ctx context.Context, alert Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	return nil
}

func (m *mockChannel) getSent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Payload, len(m.sent))
	copy(res, m.sent)
	return res
}

func newTestManager(t *testing.T) (*Manager, *mockChannel) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	m := NewManager(logger)
	ch := &mockChannel{name: "mock"}
	m.AddChannel(ch)
	return m, ch
}

func TestAlertReachesAllChannels(t *testing.T) {
	m, ch := newTestManager(t)
	other := &mockChannel{name: "other"}
	m.AddChannel(other)

	m.Alert(context.Background(), "title", "message", Warning,
		map[string]string{"symbol": "EURUSD"})

	require.Eventually(t, func() bool {
		return len(ch.getSent()) == 1 && len(other.getSent()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := ch.getSent()[0]
	assert.Equal(t, Warning, got.Level)
	assert.Equal(t, "title", got.Title)
	assert.Equal(t, "EURUSD", got.Fields["symbol"])
}

func TestEmergencyAlertEscalatesOnManualIntervention(t *testing.T) {
	m, ch := newTestManager(t)

	m.EmergencyAlert(context.Background(), &core.EmergencyEvent{
		ID:                 core.NewEventID(),
		Trigger:            core.TriggerExcessiveLoss,
		Description:        "daily loss limit breached",
		ActionTaken:        "mass close",
		ManualIntervention: true,
	})

	require.Eventually(t, func() bool { return len(ch.getSent()) == 1 },
		2*time.Second, 10*time.Millisecond)

	got := ch.getSent()[0]
	assert.Equal(t, Critical, got.Level)
	assert.Equal(t, "true", got.Fields["manual_intervention_required"])
}

func TestAlertDoesNotBlockCaller(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	m := NewManager(logger)
	m.AddChannel(&slowChannel{})

	start := time.Now()
	m.Alert(context.Background(), "t", "m", Info, nil)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

type slowChannel struct{}

func (s *slowChannel) Name() string { return "slow" }

func (s *slowChannel) Send(ctx context.Context, alert Payload) error {
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
	return nil
}
