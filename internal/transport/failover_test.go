package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"trade_runtime/internal/core"
)

func deadPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestBridgeFallsBackToMailbox(t *testing.T) {
	logger := testLogger(t)
	primary := NewTCPTransport(TCPConfig{
		Host:              "127.0.0.1",
		Port:              deadPort(t),
		ReconnectAttempts: 1,
		ReconnectBase:     10 * time.Millisecond,
	}, logger)
	fallback := NewFileMailbox(MailboxConfig{
		Root:         t.TempDir(),
		Sender:       "test_runtime",
		PollInterval: 20 * time.Millisecond,
	}, logger)

	bridge := NewBridge(primary, fallback, logger)
	if err := bridge.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer bridge.Close()

	// primary is down; the bridge still reports a usable transport
	if bridge.State() != core.StateConnected {
		t.Fatalf("expected CONNECTED via fallback, got %s", bridge.State())
	}

	msg := core.NewMessage(core.MsgSignal, map[string]interface{}{"symbol": "EURUSD"})
	if err := bridge.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// the message landed in the mailbox outbox
	waitFor(t, func() bool { return len(listDir(t, fallback, dirOutbox)) == 1 })
}

func TestBridgePrefersPrimary(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.serve(t, false)
	logger := testLogger(t)

	primary := NewTCPTransport(TCPConfig{
		Host:              "127.0.0.1",
		Port:              ft.port(),
		ReconnectAttempts: 1,
		HeartbeatInterval: time.Minute,
	}, logger)
	fallback := NewFileMailbox(MailboxConfig{
		Root:         t.TempDir(),
		Sender:       "test_runtime",
		PollInterval: 20 * time.Millisecond,
	}, logger)

	bridge := NewBridge(primary, fallback, logger)
	if err := bridge.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer bridge.Close()

	msg := core.NewMessage(core.MsgSignal, nil)
	if err := bridge.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-ft.msgCh:
		if got.MessageID != msg.MessageID {
			t.Errorf("wrong message at terminal: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the terminal")
	}

	if n := len(listDir(t, fallback, dirOutbox)); n != 0 {
		t.Errorf("message should not have gone through the mailbox, outbox has %d files", n)
	}
}
