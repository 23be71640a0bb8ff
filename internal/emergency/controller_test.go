package emergency

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trade_runtime/internal/core"
	"trade_runtime/internal/ledger"
	"trade_runtime/internal/storage"
	"trade_runtime/pkg/logging"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return logger
}

func newTestController(t *testing.T) (*Controller, *ledger.Ledger, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	led := ledger.New(ledger.Config{InitialBalance: d("10000")}, store, nil, testLogger(t))
	t.Cleanup(led.Shutdown)
	c := NewController(Config{
		CommandFile:       filepath.Join(t.TempDir(), "emergency_command.txt"),
		MonitorInterval:   10 * time.Millisecond,
		CloseTimeout:      2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	}, led, nil, store, testLogger(t))
	return c, led, store
}

func openPositions(t *testing.T, led *ledger.Ledger, n int) []*core.Position {
	t.Helper()
	out := make([]*core.Position, 0, n)
	for i := 0; i < n; i++ {
		p, err := led.Open(context.Background(), core.TradingSignal{
			Symbol:   "EURUSD",
			Action:   core.SideBuy,
			Quantity: d("0.1"),
			Price:    d("1.1000"),
		}, d("0.1"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func TestTriggerShutdownClosesEverything(t *testing.T) {
	c, led, _ := newTestController(t)
	openPositions(t, led, 3)

	event := c.TriggerShutdown(context.Background(), core.TriggerExcessiveLoss, "daily loss limit breached")
	if event == nil {
		t.Fatal("expected an event")
	}

	if event.ManualIntervention {
		t.Error("all closes succeeded, manual intervention must be false")
	}
	if len(event.PositionsAffected) != 3 {
		t.Errorf("positions affected = %d, want 3", len(event.PositionsAffected))
	}
	if got := len(led.OpenPositions()); got != 0 {
		t.Errorf("%d positions still open", got)
	}
	if c.TradingEnabled() {
		t.Error("trading must be disabled after shutdown")
	}
	if c.ControllerState() != StateEmergency {
		t.Errorf("state = %s, want EMERGENCY", c.ControllerState())
	}
	if len(c.Events()) != 1 {
		t.Errorf("event log has %d entries, want 1", len(c.Events()))
	}
}

// stuckLedger delegates to a real ledger but never completes the close of
// one chosen position.
type stuckLedger struct {
	*ledger.Ledger
	stuckID string
	block   chan struct{}
}

func (s *stuckLedger) Close(ctx context.Context, id string, exitPrice, commission, swap decimal.Decimal) (*core.Position, error) {
	if id == s.stuckID {
		<-s.block
	}
	return s.Ledger.Close(ctx, id, exitPrice, commission, swap)
}

func TestShutdownBoundedByTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	led := ledger.New(ledger.Config{}, store, nil, testLogger(t))
	t.Cleanup(led.Shutdown)
	positions := openPositions(t, led, 3)

	stuck := &stuckLedger{Ledger: led, stuckID: positions[0].ID, block: make(chan struct{})}
	defer close(stuck.block)

	timeout := 300 * time.Millisecond
	c := NewController(Config{CloseTimeout: timeout}, stuck, nil, store, testLogger(t))

	start := time.Now()
	event := c.TriggerShutdown(context.Background(), core.TriggerSystemFailure, "component stopped")
	elapsed := time.Since(start)

	if elapsed > timeout+time.Second {
		t.Fatalf("shutdown took %s, must be bounded by the close timeout", elapsed)
	}
	if !event.ManualIntervention {
		t.Error("a straggler must escalate to manual intervention")
	}
	remaining := led.OpenPositions()
	if len(remaining) != 1 || remaining[0].ID != positions[0].ID {
		t.Errorf("exactly the stuck position should remain open, got %v", remaining)
	}
}

func TestConcurrentShutdownSingleFlight(t *testing.T) {
	store := storage.NewMemoryStore()
	led := ledger.New(ledger.Config{}, store, nil, testLogger(t))
	t.Cleanup(led.Shutdown)
	positions := openPositions(t, led, 1)

	// the first shutdown parks on this position until we release it
	stuck := &stuckLedger{Ledger: led, stuckID: positions[0].ID, block: make(chan struct{})}
	c := NewController(Config{CloseTimeout: 5 * time.Second}, stuck, nil, store, testLogger(t))

	var wg sync.WaitGroup
	var first *core.EmergencyEvent
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = c.TriggerShutdown(context.Background(), core.TriggerManualOverride, "first")
	}()

	// wait until the first sequence is provably in flight
	deadline := time.Now().Add(2 * time.Second)
	for !c.inShutdown.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second := c.TriggerShutdown(context.Background(), core.TriggerManualOverride, "second")
	if second != nil {
		t.Error("overlapping shutdown must be ignored")
	}

	close(stuck.block)
	wg.Wait()
	if first == nil {
		t.Error("first shutdown must produce an event")
	}
	if len(c.Events()) != 1 {
		t.Errorf("event log has %d entries, want 1", len(c.Events()))
	}
}

func TestProtectionStopCloses(t *testing.T) {
	c, led, _ := newTestController(t)

	p, err := led.Open(context.Background(), core.TradingSignal{
		Symbol:   "EURUSD",
		Action:   core.SideBuy,
		Quantity: d("0.1"),
		Price:    d("1.1000"),
		StopLoss: d("1.0950"),
	}, d("0.1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// price above the stop: nothing happens
	led.UpdatePrice("EURUSD", d("1.0980"))
	c.checkProtectionStops(context.Background())
	if len(led.OpenPositions()) != 1 {
		t.Fatal("position closed before the stop was crossed")
	}

	// price through the stop: closed immediately
	led.UpdatePrice("EURUSD", d("1.0940"))
	c.checkProtectionStops(context.Background())
	if len(led.OpenPositions()) != 0 {
		t.Fatal("stop crossed but position still open")
	}
	closed, _ := led.Get(p.ID)
	if closed.Status != core.PositionClosed {
		t.Errorf("status = %s, want CLOSED", closed.Status)
	}
}

func TestCommandFileEmergencyStop(t *testing.T) {
	c, led, store := newTestController(t)
	openPositions(t, led, 2)

	if err := os.WriteFile(c.cfg.CommandFile, []byte("EMERGENCY_STOP\n"), 0o644); err != nil {
		t.Fatalf("write command: %v", err)
	}

	c.checkCommandFile(context.Background())

	if c.TradingEnabled() {
		t.Error("EMERGENCY_STOP must disable trading")
	}
	if len(led.OpenPositions()) != 0 {
		t.Error("EMERGENCY_STOP must close all positions")
	}
	if _, err := os.Stat(c.cfg.CommandFile); !os.IsNotExist(err) {
		t.Error("command file must be consumed")
	}
	events := c.Events()
	if len(events) != 1 || events[0].Trigger != core.TriggerManualOverride {
		t.Errorf("expected one MANUAL_OVERRIDE event, got %+v", events)
	}
	if store.EventCount() != 1 {
		t.Error("event not persisted")
	}
}

func TestCommandFileToggleTrading(t *testing.T) {
	c, _, _ := newTestController(t)

	os.WriteFile(c.cfg.CommandFile, []byte("disable_trading"), 0o644)
	c.checkCommandFile(context.Background())
	if c.TradingEnabled() {
		t.Fatal("DISABLE_TRADING ignored")
	}
	if c.ControllerState() != StateDisabled {
		t.Errorf("state = %s, want DISABLED", c.ControllerState())
	}

	os.WriteFile(c.cfg.CommandFile, []byte("ENABLE_TRADING"), 0o644)
	c.checkCommandFile(context.Background())
	if !c.TradingEnabled() {
		t.Fatal("ENABLE_TRADING ignored")
	}
	if c.ControllerState() != StateActive {
		t.Errorf("state = %s, want ACTIVE", c.ControllerState())
	}
}

// staleTransport reports a fixed last-inbound far in the past.
type staleTransport struct {
	state core.ConnectionState
	last  time.Time
}

func (s *staleTransport) Connect(context.Context) error { return nil }
func (s *staleTransport) Send(context.Context, core.TransportMessage) error {
	return nil
}
func (s *staleTransport) SendAndAwaitConfirmation(context.Context, core.TransportMessage, time.Duration) error {
	return nil
}
func (s *staleTransport) Receive() <-chan core.TransportMessage { return nil }
func (s *staleTransport) State() core.ConnectionState           { return s.state }
func (s *staleTransport) LastInbound() time.Time                { return s.last }
func (s *staleTransport) Close() error                          { return nil }

func TestNetworkDisconnectionRecordedOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	led := ledger.New(ledger.Config{}, store, nil, testLogger(t))
	t.Cleanup(led.Shutdown)

	// silence of 2.5 heartbeat intervals
	hb := 100 * time.Millisecond
	tr := &staleTransport{
		state: core.StateConnected,
		last:  time.Now().Add(-time.Duration(2.5 * float64(hb))),
	}
	c := NewController(Config{HeartbeatInterval: hb}, led, tr, store, testLogger(t))

	c.checkTransport(context.Background())
	c.checkTransport(context.Background())

	events := c.Events()
	if len(events) != 1 {
		t.Fatalf("expected one event per outage, got %d", len(events))
	}
	if events[0].Trigger != core.TriggerNetworkDisconnect {
		t.Errorf("trigger = %s, want NETWORK_DISCONNECTION", events[0].Trigger)
	}

	// recovery then a fresh outage is recorded again
	tr.last = time.Now()
	c.checkTransport(context.Background())
	tr.last = time.Now().Add(-10 * hb)
	c.checkTransport(context.Background())
	if len(c.Events()) != 2 {
		t.Errorf("second outage not recorded, events = %d", len(c.Events()))
	}
}

func TestLivenessFailureTriggersShutdown(t *testing.T) {
	c, led, _ := newTestController(t)
	openPositions(t, led, 1)
	c.RegisterLiveness("risk_engine", func() bool { return false })

	c.checkLiveness(context.Background())

	events := c.Events()
	if len(events) != 1 || events[0].Trigger != core.TriggerSystemFailure {
		t.Fatalf("expected a SYSTEM_FAILURE shutdown, got %+v", events)
	}
	if len(led.OpenPositions()) != 0 {
		t.Error("liveness failure must close open positions")
	}
}
