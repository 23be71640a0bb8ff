package mock

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trade_runtime/internal/core"
	"trade_runtime/internal/transport"
	"trade_runtime/pkg/logging"
)

func startTerminal(t *testing.T, cfg TerminalConfig) *Terminal {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	cfg.Addr = "127.0.0.1:0"
	term := NewTerminal(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go term.Run(ctx)

	require.Eventually(t, func() bool { return term.Addr() != "" },
		2*time.Second, 10*time.Millisecond)
	return term
}

func dialTransport(t *testing.T, term *Terminal) *transport.TCPTransport {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	host, portStr, err := net.SplitHostPort(term.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	tr := transport.NewTCPTransport(transport.TCPConfig{
		Host:              host,
		Port:              port,
		ReconnectAttempts: 1,
		HeartbeatInterval: time.Second,
	}, logger)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTerminalConfirmsEnvelopes(t *testing.T) {
	term := startTerminal(t, TerminalConfig{})
	tr := dialTransport(t, term)

	msg := core.NewMessage(core.MsgSignal, map[string]interface{}{
		"symbol": "EURUSD", "action": "BUY", "quantity": 0.1,
	})
	require.NoError(t, tr.SendAndAwaitConfirmation(context.Background(), msg, 2*time.Second))

	var found bool
	for _, got := range term.Received() {
		if got.MessageID == msg.MessageID {
			found = true
			break
		}
	}
	require.True(t, found, "terminal never recorded the envelope")
}

func TestTerminalStreamsTicks(t *testing.T) {
	term := startTerminal(t, TerminalConfig{
		TickInterval: 20 * time.Millisecond,
		Symbols:      map[string]decimal.Decimal{"EURUSD": decimal.RequireFromString("1.1000")},
	})
	tr := dialTransport(t, term)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-tr.Receive():
			if msg.Type != core.MsgSignal {
				continue
			}
			require.Equal(t, "EURUSD", msg.Data["symbol"])
			if _, ok := msg.Data["price"].(float64); ok {
				return
			}
		case <-deadline:
			t.Fatal("no tick received")
		}
	}
}
