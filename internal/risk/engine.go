// Package risk implements the pre-trade assessment pipeline, position
// sizing and the periodic limit checks that enforce limits even when no
// new signal arrives.
package risk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trade_runtime/internal/core"
	"trade_runtime/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// minimumSize is returned instead of an error when a stop distance is
// degenerate, so a sizing call never blocks an approved trade outright.
var minimumSize = decimal.RequireFromString("0.01")

// Notifier is the slice of the emergency controller the engine escalates
// through on a periodic-check breach.
type Notifier interface {
	TriggerShutdown(ctx context.Context, trigger core.EmergencyTrigger, reason string) *core.EmergencyEvent
	DisableTrading(reason string)
}

// Engine assesses signals against the live ledger.
type Engine struct {
	mu     sync.RWMutex
	params core.RiskParameters

	ledger     core.ILedger
	store      core.IStore
	notifier   Notifier
	volatility *volatilityTracker
	logger     core.ILogger

	running atomic.Bool
}

func NewEngine(params core.RiskParameters, ledger core.ILedger, store core.IStore, logger core.ILogger) *Engine {
	return &Engine{
		params:     params,
		ledger:     ledger,
		store:      store,
		volatility: newVolatilityTracker(defaultWindow),
		logger:     logger.WithField("component", "risk_engine"),
	}
}

// SetNotifier wires the emergency controller. Done after construction
// because the controller also needs the engine's running flag.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	e.notifier = n
	e.mu.Unlock()
}

func (e *Engine) Parameters() core.RiskParameters {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// SetParameters hot-reloads the limits. Callers get a consistent snapshot
// per assessment, never a half-applied update.
func (e *Engine) SetParameters(p core.RiskParameters) {
	e.mu.Lock()
	e.params = p
	e.mu.Unlock()
	e.logger.Info("risk parameters updated",
		"max_daily_loss", p.MaxDailyLoss.String(),
		"max_position_size", p.MaxPositionSize.String(),
		"max_total_exposure", p.MaxTotalExposure.String())
}

// ObservePrice feeds the volatility tracker.
func (e *Engine) ObservePrice(symbol string, price decimal.Decimal) {
	e.volatility.Observe(symbol, price)
}

// Assess evaluates a signal. A breached daily loss short-circuits to
// CRITICAL/STOP_TRADING regardless of every other factor; otherwise each
// breached check adds its weight and the total maps to a level and action.
func (e *Engine) Assess(signal core.TradingSignal) *core.RiskAssessment {
	params := e.Parameters()
	stats := e.ledger.Statistics()

	a := &core.RiskAssessment{Timestamp: time.Now().UTC()}

	if params.MaxDailyLoss.IsPositive() && stats.DailyPnL.LessThanOrEqual(params.MaxDailyLoss.Neg()) {
		a.Score = params.Weights.DailyLoss
		a.Level = core.RiskCritical
		a.Action = core.ActionStopTrading
		a.Reasons = append(a.Reasons, fmt.Sprintf(
			"daily loss %s breaches limit %s", stats.DailyPnL, params.MaxDailyLoss))
		a.Recommendations = append(a.Recommendations, "stop trading until the next session")
		e.record(a)
		return a
	}

	e.scoreChecks(a, params, stats, signal)
	a.Level, a.Action = e.classify(a.Score, params.Thresholds)
	e.record(a)
	return a
}

// scoreChecks runs the shared checks (2)-(6) used by both signal
// assessment and the periodic loop.
func (e *Engine) scoreChecks(a *core.RiskAssessment, params core.RiskParameters, stats core.LedgerStatistics, signal core.TradingSignal) {
	if pct := drawdownPercent(stats); params.MaxDrawdownPercent.IsPositive() &&
		pct.GreaterThanOrEqual(params.MaxDrawdownPercent) {
		a.Score += params.Weights.Drawdown
		a.Reasons = append(a.Reasons, fmt.Sprintf(
			"drawdown %s%% breaches limit %s%%", pct.StringFixed(2), params.MaxDrawdownPercent))
		a.Recommendations = append(a.Recommendations, "reduce position sizes until equity recovers")
	}

	if signal.Symbol != "" {
		if signal.Quantity.GreaterThan(params.MaxPositionSize) {
			a.Score += params.Weights.Size
			a.Reasons = append(a.Reasons, fmt.Sprintf(
				"requested size %s exceeds per-position limit %s", signal.Quantity, params.MaxPositionSize))
			a.Recommendations = append(a.Recommendations, "clamp the order to the position limit")
		}

		resulting := e.ledger.TotalExposure(signal.Symbol).Add(signedQuantity(signal))
		if resulting.Abs().GreaterThan(params.MaxTotalExposure) {
			a.Score += params.Weights.Exposure
			a.Reasons = append(a.Reasons, fmt.Sprintf(
				"resulting exposure %s exceeds limit %s", resulting, params.MaxTotalExposure))
			a.Recommendations = append(a.Recommendations, "flatten existing positions before adding")
		}

		if vol := e.volatility.Score(signal.Symbol); vol >= params.VolatilityHigh && params.VolatilityHigh > 0 {
			a.Score += params.Weights.Volatility
			a.Reasons = append(a.Reasons, fmt.Sprintf(
				"volatility %.6f above high threshold %.6f", vol, params.VolatilityHigh))
			a.Recommendations = append(a.Recommendations, "wait for volatility to subside")
		}
	}

	if stats.Balance.LessThanOrEqual(decimal.Zero) {
		a.Score += params.Weights.Balance
		a.Reasons = append(a.Reasons, "account balance is depleted")
		a.Recommendations = append(a.Recommendations, "manual intervention required, fund the account")
	}
}

func (e *Engine) classify(score float64, t core.RiskThresholds) (core.RiskLevel, core.RiskAction) {
	switch {
	case score >= t.Critical:
		return core.RiskCritical, core.ActionStopTrading
	case score >= t.High:
		return core.RiskHigh, core.ActionReduceSize
	case score >= t.Elevated:
		return core.RiskHigh, core.ActionReduceSize
	case score >= t.Reduce:
		return core.RiskNormal, core.ActionReduceSize
	case score >= t.Notice:
		return core.RiskNormal, core.ActionAllow
	default:
		return core.RiskLow, core.ActionAllow
	}
}

// record persists the assessment for audit and bumps metrics. A store
// failure is logged, never surfaced to the trading path.
func (e *Engine) record(a *core.RiskAssessment) {
	telemetry.GetGlobalMetrics().AddRiskAssessment(context.Background(), string(a.Action))
	if a.Action != core.ActionAllow {
		e.logger.Warn("risk assessment",
			"level", string(a.Level),
			"action", string(a.Action),
			"score", a.Score,
			"reasons", a.Reasons)
	}
	if e.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.SaveRiskAssessment(ctx, a); err != nil {
			e.logger.Error("assessment audit write failed", "error", err)
		}
	}()
}

// OptimalSize sizes a position so the stop-loss distance risks
// risk_per_trade_percent of balance, scaled down under volatility and
// clamped to the per-position limit. A degenerate stop yields a safe
// minimum size, never an error.
func (e *Engine) OptimalSize(entry, stopLoss, balance decimal.Decimal, symbol string) decimal.Decimal {
	params := e.Parameters()

	dist := entry.Sub(stopLoss).Abs()
	if dist.IsZero() || balance.LessThanOrEqual(decimal.Zero) {
		return minimumSize
	}

	riskAmount := balance.Mul(params.RiskPerTradePercent).Div(decimal.NewFromInt(100))
	size := riskAmount.Div(dist.Mul(params.LotSize))

	switch vol := e.volatility.Score(symbol); {
	case params.VolatilityHigh > 0 && vol >= params.VolatilityHigh:
		size = size.Mul(decimal.RequireFromString("0.5"))
	case params.VolatilityNormal > 0 && vol >= params.VolatilityNormal:
		size = size.Mul(decimal.RequireFromString("0.75"))
	}

	if size.GreaterThan(params.MaxPositionSize) {
		size = params.MaxPositionSize
	}
	if size.LessThan(minimumSize) {
		return minimumSize
	}
	return size.Round(2)
}

func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run is the background limit enforcer. Every check interval it re-runs
// the global checks against the live ledger and escalates to the
// emergency controller on breach, so limits bind even with no signal
// arriving.
func (e *Engine) Run(ctx context.Context) error {
	e.running.Store(true)
	defer e.running.Store(false)

	ticker := time.NewTicker(e.Parameters().CheckInterval())
	defer ticker.Stop()

	e.logger.Info("periodic risk checks started", "interval", e.Parameters().CheckInterval().String())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.periodicCheck(ctx)
		}
	}
}

func (e *Engine) periodicCheck(ctx context.Context) {
	params := e.Parameters()
	stats := e.ledger.Statistics()

	e.mu.RLock()
	notifier := e.notifier
	e.mu.RUnlock()

	if params.MaxDailyLoss.IsPositive() && stats.DailyPnL.LessThanOrEqual(params.MaxDailyLoss.Neg()) {
		if notifier != nil {
			notifier.TriggerShutdown(ctx, core.TriggerExcessiveLoss, fmt.Sprintf(
				"daily loss %s breaches limit %s", stats.DailyPnL, params.MaxDailyLoss))
		}
		return
	}

	a := &core.RiskAssessment{Timestamp: time.Now().UTC()}
	e.scoreChecks(a, params, stats, core.TradingSignal{})
	a.Level, a.Action = e.classify(a.Score, params.Thresholds)

	if a.Action == core.ActionStopTrading && notifier != nil {
		e.record(a)
		notifier.DisableTrading(fmt.Sprintf("periodic risk check: %v", a.Reasons))
	}
}

func drawdownPercent(stats core.LedgerStatistics) decimal.Decimal {
	base := stats.Balance.Add(stats.CurrentDrawdown)
	if !base.IsPositive() {
		return decimal.Zero
	}
	return stats.CurrentDrawdown.Div(base).Mul(decimal.NewFromInt(100))
}

func signedQuantity(s core.TradingSignal) decimal.Decimal {
	if s.Action == core.SideSell {
		return s.Quantity.Neg()
	}
	return s.Quantity
}
