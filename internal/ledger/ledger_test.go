package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"trade_runtime/internal/core"
	"trade_runtime/internal/storage"
	apperrors "trade_runtime/pkg/errors"
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

func newTestLedger(t *testing.T) (*Ledger, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	l := New(Config{InitialBalance: d("10000")}, store, nil, testLogger(t))
	t.Cleanup(l.Shutdown)
	return l, store
}

func buySignal(symbol, price, qty string) core.TradingSignal {
	return core.TradingSignal{
		Symbol:   symbol,
		Action:   core.SideBuy,
		Quantity: d(qty),
		Price:    d(price),
	}
}

func TestOpenCloseRealizedPnL(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	p, err := l.Open(ctx, buySignal("EURUSD", "1.1000", "0.1"), d("0.1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p.Status != core.PositionOpen {
		t.Fatalf("expected OPEN, got %s", p.Status)
	}

	closed, err := l.Close(ctx, p.ID, d("1.1050"), d("2.0"), decimal.Zero)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	// (1.1050-1.1000) * 0.1 * 100000 - 2.0 = 48.0
	if !closed.RealizedPnL.Equal(d("48.0")) {
		t.Errorf("realized PnL = %s, want 48.0", closed.RealizedPnL)
	}
	if closed.Status != core.PositionClosed {
		t.Errorf("expected CLOSED, got %s", closed.Status)
	}
	if closed.ExitTime.IsZero() || !closed.ExitPrice.Equal(d("1.1050")) {
		t.Errorf("terminal fields not set: %+v", closed)
	}
}

func TestCloseSubtractsSwapAndSlippageMagnitudes(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	p, err := l.Open(ctx, buySignal("EURUSD", "1.1000", "0.1"), d("0.1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.mu.Lock()
	l.active[p.ID].Slippage = d("-1.5")
	l.mu.Unlock()

	closed, err := l.Close(ctx, p.ID, d("1.1050"), d("2.0"), d("-3.0"))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	// 50 - 2 - |-3| - |-1.5| = 43.5
	if !closed.RealizedPnL.Equal(d("43.5")) {
		t.Errorf("realized PnL = %s, want 43.5", closed.RealizedPnL)
	}
}

func TestSellPnLSignFlipped(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	sig := buySignal("EURUSD", "1.1000", "0.1")
	sig.Action = core.SideSell
	p, err := l.Open(ctx, sig, d("0.1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	closed, err := l.Close(ctx, p.ID, d("1.1050"), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !closed.RealizedPnL.Equal(d("-50")) {
		t.Errorf("SELL realized PnL = %s, want -50", closed.RealizedPnL)
	}
}

func TestDoubleCloseRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	p, _ := l.Open(ctx, buySignal("EURUSD", "1.1000", "0.1"), d("0.1"))
	if _, err := l.Close(ctx, p.ID, d("1.1010"), decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	_, err := l.Close(ctx, p.ID, d("1.1020"), decimal.Zero, decimal.Zero)
	if !errors.Is(err, apperrors.ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound on double close, got %v", err)
	}
}

func TestTotalExposureSignedSum(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Open(ctx, buySignal("EURUSD", "1.1000", "0.3"), d("0.3")); err != nil {
		t.Fatalf("Open buy: %v", err)
	}
	sell := buySignal("EURUSD", "1.1000", "0.1")
	sell.Action = core.SideSell
	if _, err := l.Open(ctx, sell, d("0.1")); err != nil {
		t.Fatalf("Open sell: %v", err)
	}

	if got := l.TotalExposure("EURUSD"); !got.Equal(d("0.2")) {
		t.Errorf("exposure = %s, want 0.2", got)
	}
	if got := l.TotalExposure("GBPUSD"); !got.IsZero() {
		t.Errorf("foreign symbol exposure = %s, want 0", got)
	}
}

func TestUpdatePriceAndUnrealized(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	p, _ := l.Open(ctx, buySignal("EURUSD", "1.1000", "0.1"), d("0.1"))
	l.UpdatePrice("EURUSD", d("1.1050"))

	got, _ := l.Get(p.ID)
	if !got.CurrentPrice.Equal(d("1.1050")) {
		t.Errorf("current price not updated: %s", got.CurrentPrice)
	}

	stats := l.Statistics()
	if !stats.UnrealizedPnL.Equal(d("50")) {
		t.Errorf("unrealized = %s, want 50", stats.UnrealizedPnL)
	}
	if !stats.TotalPnL.Equal(d("50")) {
		t.Errorf("total = %s, want 50", stats.TotalPnL)
	}
}

func TestStatisticsDrawdownAndWinRate(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	// win +50, then loss -100: peak 50, trough -50, max drawdown 100
	p1, _ := l.Open(ctx, buySignal("EURUSD", "1.1000", "0.1"), d("0.1"))
	if _, err := l.Close(ctx, p1.ID, d("1.1050"), decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("Close win: %v", err)
	}
	p2, _ := l.Open(ctx, buySignal("EURUSD", "1.1000", "0.1"), d("0.1"))
	if _, err := l.Close(ctx, p2.ID, d("1.0900"), decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("Close loss: %v", err)
	}

	stats := l.Statistics()
	if stats.Wins != 1 || stats.Losses != 1 || stats.WinRate != 0.5 {
		t.Errorf("win/loss bookkeeping wrong: %+v", stats)
	}
	if !stats.RealizedPnL.Equal(d("-50")) {
		t.Errorf("realized = %s, want -50", stats.RealizedPnL)
	}
	if !stats.MaxDrawdown.Equal(d("100")) {
		t.Errorf("max drawdown = %s, want 100", stats.MaxDrawdown)
	}
	if !stats.CurrentDrawdown.Equal(d("100")) {
		t.Errorf("current drawdown = %s, want 100", stats.CurrentDrawdown)
	}
	if !stats.DailyPnL.Equal(d("-50")) {
		t.Errorf("daily = %s, want -50", stats.DailyPnL)
	}
	if !stats.Balance.Equal(d("9950")) {
		t.Errorf("balance = %s, want 9950", stats.Balance)
	}
}

// failingStore rejects writes until unblocked.
type failingStore struct {
	*storage.MemoryStore
	mu     sync.Mutex
	broken bool
}

func (s *failingStore) SavePosition(ctx context.Context, p *core.Position) error {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return errors.New("disk on fire")
	}
	return s.MemoryStore.SavePosition(ctx, p)
}

func TestPersistenceFailureDoesNotBlockState(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), broken: true}
	l := New(Config{}, store, nil, testLogger(t))
	t.Cleanup(l.Shutdown)

	p, err := l.Open(context.Background(), buySignal("EURUSD", "1.1000", "0.1"), d("0.1"))
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if p == nil {
		t.Fatal("position must still be tracked in memory")
	}

	got, ok := l.Get(p.ID)
	if !ok || !got.Unsynced {
		t.Fatalf("position should be tracked and flagged unsynced: %+v", got)
	}
	// unsynced positions still count toward exposure
	if !l.TotalExposure("EURUSD").Equal(d("0.1")) {
		t.Error("unsynced position missing from exposure")
	}

	// once the store recovers the async retry clears the flag
	store.mu.Lock()
	store.broken = false
	store.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := l.Get(p.ID); got != nil && !got.Unsynced {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("async retry never synced the position")
}

func TestOpenWithoutPriceSeedsFromLastTick(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.UpdatePrice("EURUSD", d("1.1000"))
	p, err := l.Open(ctx, buySignal("EURUSD", "0", "0.1"), d("0.1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !p.EntryPrice.Equal(d("1.1000")) || !p.CurrentPrice.Equal(d("1.1000")) {
		t.Errorf("entry not seeded from last tick: entry=%s current=%s",
			p.EntryPrice, p.CurrentPrice)
	}
}

func TestOpenWithoutAnyPriceRejected(t *testing.T) {
	l, _ := newTestLedger(t)

	p, err := l.Open(context.Background(), buySignal("EURUSD", "0", "0.1"), d("0.1"))
	if !errors.Is(err, apperrors.ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal, got %v", err)
	}
	if p != nil {
		t.Error("no position should be tracked for an unpriced signal")
	}
	if len(l.OpenPositions()) != 0 {
		t.Error("unpriced signal leaked into the active set")
	}
}

func TestDailyPnLRollsOverAtMidnight(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	p, _ := l.Open(ctx, buySignal("EURUSD", "1.1000", "0.1"), d("0.1"))
	if _, err := l.Close(ctx, p.ID, d("1.0950"), decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := l.Statistics().DailyPnL; !got.Equal(d("-50")) {
		t.Fatalf("daily = %s, want -50", got)
	}

	// pretend the loss happened yesterday
	l.mu.Lock()
	l.dayStart = l.dayStart.AddDate(0, 0, -1)
	l.mu.Unlock()

	stats := l.Statistics()
	if !stats.DailyPnL.IsZero() {
		t.Errorf("daily PnL not reset after midnight: %s", stats.DailyPnL)
	}
	if !stats.RealizedPnL.Equal(d("-50")) {
		t.Errorf("cumulative realized must survive the rollover: %s", stats.RealizedPnL)
	}
}

func TestPositionReadsAreDetached(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	p, _ := l.Open(ctx, buySignal("EURUSD", "1.1000", "0.1"), d("0.1"))
	l.UpdatePrice("EURUSD", d("1.2000"))

	// the pointer handed out at open time must not move with the market
	if !p.CurrentPrice.Equal(d("1.1000")) {
		t.Errorf("open-time snapshot mutated: %s", p.CurrentPrice)
	}

	got, _ := l.Get(p.ID)
	if !got.CurrentPrice.Equal(d("1.2000")) {
		t.Errorf("fresh read missed the tick: %s", got.CurrentPrice)
	}
	got.CurrentPrice = d("9.9999")
	again, _ := l.Get(p.ID)
	if !again.CurrentPrice.Equal(d("1.2000")) {
		t.Error("mutating a returned position leaked into ledger state")
	}
}

func TestConcurrentPriceUpdatesDoNotRaceReaders(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	sig := buySignal("EURUSD", "1.1000", "0.1")
	sig.StopLoss = d("1.0900")
	if _, err := l.Open(ctx, sig, d("0.1")); err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			l.UpdatePrice("EURUSD", d("1.1000").Add(decimal.New(int64(i%20), -4)))
		}
	}()

	// a protection-stop scan and a status broadcast read positions
	// lock-free; both must be safe against the price writer
	for i := 0; i < 1000; i++ {
		for _, p := range l.OpenPositions() {
			p.StopCrossed(p.CurrentPrice)
			if _, err := json.Marshal(p); err != nil {
				t.Fatalf("marshal: %v", err)
			}
		}
	}
	<-done
}

// confirmTransport records envelopes sent with confirmation semantics.
type confirmTransport struct {
	mu      sync.Mutex
	awaited []core.TransportMessage
	timeout time.Duration
}

func (c *confirmTransport) Connect(ctx context.Context) error                         { return nil }
func (c *confirmTransport) Send(ctx context.Context, msg core.TransportMessage) error { return nil }
func (c *confirmTransport) SendAndAwaitConfirmation(ctx context.Context, msg core.TransportMessage, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaited = append(c.awaited, msg)
	c.timeout = timeout
	return nil
}
func (c *confirmTransport) Receive() <-chan core.TransportMessage { return nil }
func (c *confirmTransport) State() core.ConnectionState           { return core.StateConnected }
func (c *confirmTransport) LastInbound() time.Time                { return time.Now() }
func (c *confirmTransport) Close() error                          { return nil }

func (c *confirmTransport) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.awaited))
	for _, m := range c.awaited {
		if ev, ok := m.Data["event"].(string); ok {
			out = append(out, ev)
		}
	}
	return out
}

func TestLifecycleNotificationsAwaitConfirmation(t *testing.T) {
	tr := &confirmTransport{}
	l := New(Config{ConfirmTimeout: 250 * time.Millisecond}, storage.NewMemoryStore(), tr, testLogger(t))
	t.Cleanup(l.Shutdown)
	ctx := context.Background()

	p, err := l.Open(ctx, buySignal("EURUSD", "1.1000", "0.1"), d("0.1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.Close(ctx, p.ID, d("1.1050"), decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events := tr.events()
		if contains(events, "position_opened") && contains(events, "position_closed") {
			tr.mu.Lock()
			timeout := tr.timeout
			tr.mu.Unlock()
			if timeout != 250*time.Millisecond {
				t.Fatalf("confirmation timeout = %s, want configured 250ms", timeout)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("lifecycle events never awaited confirmation: %v", tr.events())
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func TestRestoreFromStore(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	first := New(Config{}, store, nil, testLogger(t))
	p1, _ := first.Open(ctx, buySignal("EURUSD", "1.1000", "0.1"), d("0.1"))
	p2, _ := first.Open(ctx, buySignal("GBPUSD", "1.2500", "0.2"), d("0.2"))
	if _, err := first.Close(ctx, p1.ID, d("1.1050"), d("2.0"), decimal.Zero); err != nil {
		t.Fatalf("Close: %v", err)
	}
	first.Shutdown()

	second := New(Config{}, store, nil, testLogger(t))
	t.Cleanup(second.Shutdown)
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if _, ok := second.Get(p2.ID); !ok {
		t.Error("open position lost across restart")
	}
	stats := second.Statistics()
	if stats.OpenPositions != 1 || stats.ClosedPositions != 1 {
		t.Errorf("restored counts wrong: %+v", stats)
	}
	if !stats.RealizedPnL.Equal(d("48")) {
		t.Errorf("restored realized = %s, want 48", stats.RealizedPnL)
	}
}
