// Package ledger tracks position lifecycle, PnL accounting and exposure.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trade_runtime/internal/core"
	"trade_runtime/pkg/concurrency"
	apperrors "trade_runtime/pkg/errors"
	"trade_runtime/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
)

// Config holds the ledger settings.
type Config struct {
	LotSize        decimal.Decimal
	InitialBalance decimal.Decimal
	ConfirmTimeout time.Duration
	PersistWorkers int
	PersistBuffer  int
}

// Ledger is the single writer for position state. The active map is the
// primary shared structure; it is guarded by one mutex and never iterated
// across a blocking call without a snapshot copy.
type Ledger struct {
	mu        sync.RWMutex
	active    map[string]*core.Position
	history   []*core.Position
	lastPrice map[string]decimal.Decimal

	// cumulative realized PnL bookkeeping for drawdown tracking
	realized    decimal.Decimal
	peak        decimal.Decimal
	maxDrawdown decimal.Decimal
	dailyPnL    decimal.Decimal
	dayStart    time.Time
	wins        int
	losses      int
	closedCount int

	cfg       Config
	store     core.IStore
	transport core.ITransport
	logger    core.ILogger

	persistPool *concurrency.WorkerPool
	retry       failsafe.Executor[any]

	running atomic.Bool
}

// New creates a ledger. Call Restore before use when a durable store holds
// prior state.
func New(cfg Config, store core.IStore, transport core.ITransport, logger core.ILogger) *Ledger {
	if cfg.LotSize.IsZero() {
		cfg.LotSize = decimal.NewFromInt(core.DefaultLotSize)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if cfg.PersistWorkers <= 0 {
		cfg.PersistWorkers = 4
	}
	if cfg.PersistBuffer <= 0 {
		cfg.PersistBuffer = 256
	}

	retryPolicy := retrypolicy.NewBuilder[any]().
		WithBackoff(200*time.Millisecond, 5*time.Second).
		WithMaxRetries(5).
		Build()

	l := &Ledger{
		active:    make(map[string]*core.Position),
		lastPrice: make(map[string]decimal.Decimal),
		dayStart:  time.Now().Truncate(24 * time.Hour),
		cfg:       cfg,
		store:     store,
		transport: transport,
		logger:    logger.WithField("component", "position_ledger"),
		persistPool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "ledger_persist",
			MaxWorkers:  cfg.PersistWorkers,
			MaxCapacity: cfg.PersistBuffer,
		}, logger),
		retry: failsafe.With[any](retryPolicy),
	}
	l.running.Store(true)
	return l
}

// Restore loads open positions and prior aggregates from the store.
func (l *Ledger) Restore(ctx context.Context) error {
	positions, err := l.store.LoadOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	stats, err := l.store.GetStatistics(ctx)
	if err != nil {
		return fmt.Errorf("restore statistics: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range positions {
		l.active[p.ID] = p
	}
	l.realized = stats.RealizedPnL
	l.dailyPnL = stats.DailyPnL
	l.wins = stats.Wins
	l.losses = stats.Losses
	l.closedCount = stats.ClosedPositions
	if l.realized.GreaterThan(l.peak) {
		l.peak = l.realized
	}

	l.logger.Info("ledger restored",
		"open_positions", len(positions),
		"closed_positions", stats.ClosedPositions,
		"realized_pnl", stats.RealizedPnL.String())
	return nil
}

// Open creates a position for an approved signal, notifies the remote
// terminal and persists. A durable-write failure flags the position
// unsynced and returns ErrPersistence; the position is tracked either way.
func (l *Ledger) Open(ctx context.Context, signal core.TradingSignal, sizing decimal.Decimal) (*core.Position, error) {
	entry := signal.Price
	if !entry.IsPositive() {
		// signals may omit the price; fall back to the last observed tick
		l.mu.RLock()
		entry = l.lastPrice[signal.Symbol]
		l.mu.RUnlock()
		if !entry.IsPositive() {
			return nil, fmt.Errorf("%w: no price for %s", apperrors.ErrInvalidSignal, signal.Symbol)
		}
	}

	now := time.Now().UTC()
	p := &core.Position{
		ID:             core.NewPositionID(),
		Symbol:         signal.Symbol,
		Side:           signal.Action,
		EntryPrice:     entry,
		Quantity:       sizing,
		EntryTime:      now,
		StopLoss:       signal.StopLoss,
		TakeProfit:     signal.TakeProfit,
		CurrentPrice:   entry,
		Status:         core.PositionPending,
		StrategyParams: signal.StrategyParams,
	}

	if !p.Status.CanTransition(core.PositionOpen) {
		return nil, apperrors.ErrInvalidTransition
	}
	p.Status = core.PositionOpen

	l.mu.Lock()
	l.active[p.ID] = p
	open := len(l.active)
	l.mu.Unlock()

	telemetry.GetGlobalMetrics().SetOpenPositions(p.Symbol, int64(open))
	l.logger.Info("position opened",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"side", string(p.Side),
		"entry_price", p.EntryPrice.String(),
		"quantity", p.Quantity.String())

	l.notify(ctx, core.MsgSignal, map[string]interface{}{
		"event":       "position_opened",
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"side":        string(p.Side),
		"entry_price": p.EntryPrice.String(),
		"quantity":    p.Quantity.String(),
	})

	if err := l.persist(ctx, p); err != nil {
		return l.snapshot(p), err
	}
	return l.snapshot(p), nil
}

// UpdatePrice sets current_price on every OPEN position for the symbol.
// Unrealized PnL is recomputed lazily by readers, never stored.
func (l *Ledger) UpdatePrice(symbol string, price decimal.Decimal) {
	l.mu.Lock()
	l.lastPrice[symbol] = price
	unrealized := decimal.Zero
	exposure := decimal.Zero
	for _, p := range l.active {
		if p.Symbol != symbol {
			continue
		}
		if p.Status == core.PositionOpen {
			p.CurrentPrice = price
			unrealized = unrealized.Add(p.UnrealizedPnL(l.cfg.LotSize))
			exposure = exposure.Add(p.SignedQuantity())
		}
	}
	l.mu.Unlock()

	m := telemetry.GetGlobalMetrics()
	m.SetUnrealizedPnL(symbol, unrealized.InexactFloat64())
	m.SetExposure(symbol, exposure.InexactFloat64())
}

// Close sets the terminal fields, freezes realized PnL and moves the
// position to history. Realized PnL is gross minus commission, |swap| and
// |slippage|, computed exactly once.
func (l *Ledger) Close(ctx context.Context, id string, exitPrice, commission, swap decimal.Decimal) (*core.Position, error) {
	l.mu.Lock()
	p, ok := l.active[id]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, id)
	}
	if !p.Status.CanTransition(core.PositionClosed) {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", apperrors.ErrPositionClosed, id, p.Status)
	}

	now := time.Now().UTC()
	gross := p.GrossPnL(exitPrice, l.cfg.LotSize)
	p.Status = core.PositionClosed
	p.ExitPrice = exitPrice
	p.ExitTime = now
	p.Commission = commission
	p.Swap = swap
	p.RealizedPnL = gross.Sub(commission).Sub(swap.Abs()).Sub(p.Slippage.Abs())

	delete(l.active, id)
	l.history = append(l.history, p)
	l.applyRealized(p.RealizedPnL, now)
	open := len(l.active)
	l.mu.Unlock()

	m := telemetry.GetGlobalMetrics()
	m.SetOpenPositions(p.Symbol, int64(open))
	m.AddRealizedPnL(ctx, p.Symbol, p.RealizedPnL.InexactFloat64())

	l.logger.Info("position closed",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"exit_price", exitPrice.String(),
		"realized_pnl", p.RealizedPnL.String())

	l.notify(ctx, core.MsgSignal, map[string]interface{}{
		"event":        "position_closed",
		"position_id":  p.ID,
		"symbol":       p.Symbol,
		"exit_price":   exitPrice.String(),
		"realized_pnl": p.RealizedPnL.String(),
	})

	if err := l.persist(ctx, p); err != nil {
		return l.snapshot(p), err
	}
	return l.snapshot(p), nil
}

// applyRealized updates cumulative PnL, daily PnL and running drawdown.
// Caller holds the mutex.
func (l *Ledger) applyRealized(pnl decimal.Decimal, now time.Time) {
	l.rollDayLocked(now)
	l.dailyPnL = l.dailyPnL.Add(pnl)

	l.realized = l.realized.Add(pnl)
	l.closedCount++
	if pnl.IsPositive() {
		l.wins++
	} else if pnl.IsNegative() {
		l.losses++
	}

	if l.realized.GreaterThan(l.peak) {
		l.peak = l.realized
	}
	if dd := l.peak.Sub(l.realized); dd.GreaterThan(l.maxDrawdown) {
		l.maxDrawdown = dd
	}
}

// rollDayLocked resets daily PnL when the calendar day has advanced.
// Caller holds the write lock.
func (l *Ledger) rollDayLocked(now time.Time) {
	dayStart := now.Truncate(24 * time.Hour)
	if dayStart.After(l.dayStart) {
		l.dayStart = dayStart
		l.dailyPnL = decimal.Zero
	}
}

// snapshot returns a detached copy of a position. Readers outside the
// ledger never see the live struct mutated by UpdatePrice.
func (l *Ledger) snapshot(p *core.Position) *core.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyPositionLocked(p)
}

func copyPositionLocked(p *core.Position) *core.Position {
	cp := *p
	if p.StrategyParams != nil {
		cp.StrategyParams = make(map[string]interface{}, len(p.StrategyParams))
		for k, v := range p.StrategyParams {
			cp.StrategyParams[k] = v
		}
	}
	return &cp
}

// Get returns a detached copy of a tracked position, active first.
func (l *Ledger) Get(id string) (*core.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.active[id]; ok {
		return copyPositionLocked(p), true
	}
	for _, p := range l.history {
		if p.ID == id {
			return copyPositionLocked(p), true
		}
	}
	return nil, false
}

// OpenPositions returns detached copies of the active set.
func (l *Ledger) OpenPositions() []*core.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*core.Position, 0, len(l.active))
	for _, p := range l.active {
		out = append(out, copyPositionLocked(p))
	}
	return out
}

// TotalExposure is the signed quantity sum over OPEN positions for a
// symbol, SELL negated.
func (l *Ledger) TotalExposure(symbol string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, p := range l.active {
		if p.Symbol == symbol && p.Status == core.PositionOpen {
			total = total.Add(p.SignedQuantity())
		}
	}
	return total
}

// Statistics returns a consistent snapshot of ledger aggregates. The
// daily window rolls here too, so a quiet session still reports zero
// daily PnL after midnight.
func (l *Ledger) Statistics() core.LedgerStatistics {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked(time.Now())

	unrealized := decimal.Zero
	for _, p := range l.active {
		unrealized = unrealized.Add(p.UnrealizedPnL(l.cfg.LotSize))
	}

	winRate := 0.0
	if l.closedCount > 0 {
		winRate = float64(l.wins) / float64(l.closedCount)
	}

	return core.LedgerStatistics{
		OpenPositions:   len(l.active),
		ClosedPositions: l.closedCount,
		Wins:            l.wins,
		Losses:          l.losses,
		WinRate:         winRate,
		RealizedPnL:     l.realized,
		UnrealizedPnL:   unrealized,
		TotalPnL:        l.realized.Add(unrealized),
		DailyPnL:        l.dailyPnL,
		MaxDrawdown:     l.maxDrawdown,
		CurrentDrawdown: l.peak.Sub(l.realized),
		Balance:         l.cfg.InitialBalance.Add(l.realized).Add(unrealized),
	}
}

func (l *Ledger) Running() bool {
	return l.running.Load()
}

// Shutdown drains the persistence pool.
func (l *Ledger) Shutdown() {
	l.running.Store(false)
	l.persistPool.Stop()
}

// notify sends a best-effort event to the remote terminal and awaits its
// confirmation off the hot path. A missing confirmation is logged, never
// propagated into the position state machine.
func (l *Ledger) notify(ctx context.Context, t core.MessageType, data map[string]interface{}) {
	if l.transport == nil {
		return
	}
	msg := core.NewMessage(t, data)
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := l.transport.SendAndAwaitConfirmation(bg, msg, l.cfg.ConfirmTimeout); err != nil {
			l.logger.Warn("terminal notification unconfirmed",
				"message_id", msg.MessageID, "error", err)
		}
	}()
}

// persist writes the position durably. On failure the position is flagged
// unsynced, an asynchronous retry is queued and ErrPersistence is
// returned; the in-memory state transition is never rolled back.
func (l *Ledger) persist(ctx context.Context, p *core.Position) error {
	if err := l.store.SavePosition(ctx, p); err != nil {
		l.mu.Lock()
		p.Unsynced = true
		l.mu.Unlock()
		l.logger.Error("durable write failed, retrying asynchronously",
			"position_id", p.ID, "error", err)
		l.retryPersist(p)
		return fmt.Errorf("%w: position %s: %v", apperrors.ErrPersistence, p.ID, err)
	}
	l.mu.Lock()
	p.Unsynced = false
	l.mu.Unlock()
	return nil
}

func (l *Ledger) retryPersist(p *core.Position) {
	err := l.persistPool.Submit(func() {
		err := l.retry.Run(func() error {
			l.mu.RLock()
			cp := *p
			l.mu.RUnlock()
			return l.store.SavePosition(context.Background(), &cp)
		})
		if err != nil {
			l.logger.Error("asynchronous persistence retry exhausted",
				"position_id", p.ID, "error", err)
			return
		}
		l.mu.Lock()
		p.Unsynced = false
		l.mu.Unlock()
		l.logger.Info("unsynced position persisted", "position_id", p.ID)
	})
	if err != nil {
		l.logger.Error("persistence retry queue full", "position_id", p.ID, "error", err)
	}
}
