// Package orchestrator owns the supervised loops that tie the transport,
// ledger, risk engine and emergency controller together.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trade_runtime/internal/core"
	apperrors "trade_runtime/pkg/errors"
	"trade_runtime/pkg/liveserver"
)

// Options collects the runtime collaborators. Hub is optional; everything
// else is required.
type Options struct {
	Transport core.ITransport
	Ledger    core.ILedger
	Risk      core.IRiskEngine
	Emergency core.IEmergencyController
	Hub       *liveserver.Hub
	Logger    core.ILogger

	// StatusInterval controls how often statistics are pushed to the hub.
	StatusInterval time.Duration
}

// Runtime is the top-level coordinator. Signals enter through SubmitSignal
// (or the transport receive loop), pass the risk gate, and open positions
// on the ledger.
type Runtime struct {
	transport core.ITransport
	ledger    core.ILedger
	risk      core.IRiskEngine
	emergency core.IEmergencyController
	hub       *liveserver.Hub
	logger    core.ILogger

	statusInterval time.Duration
	running        atomic.Bool
}

func NewRuntime(opts Options) *Runtime {
	interval := opts.StatusInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Runtime{
		transport:      opts.Transport,
		ledger:         opts.Ledger,
		risk:           opts.Risk,
		emergency:      opts.Emergency,
		hub:            opts.Hub,
		logger:         opts.Logger,
		statusInterval: interval,
	}
}

// Running reports whether the runtime loops are active.
func (r *Runtime) Running() bool {
	return r.running.Load()
}

// RegisterHealth wires the runtime's component checks into the monitor.
func (r *Runtime) RegisterHealth(h core.IHealthMonitor) {
	h.Register("orchestrator", func() error {
		if !r.running.Load() {
			return fmt.Errorf("orchestrator not running")
		}
		return nil
	})
	h.Register("ledger", func() error {
		if !r.ledger.Running() {
			return fmt.Errorf("ledger not running")
		}
		return nil
	})
}

// SubmitSignal runs the pre-trade pipeline for one signal: trading gate,
// risk assessment, optional size reduction, then ledger open. A blocking
// assessment is a normal outcome, not an error; the position is nil.
func (r *Runtime) SubmitSignal(ctx context.Context, signal core.TradingSignal) (*core.RiskAssessment, *core.Position, error) {
	if !r.emergency.TradingEnabled() {
		return nil, nil, apperrors.ErrTradingDisabled
	}

	assessment := r.risk.Assess(signal)
	if assessment.Blocks() {
		r.logger.Warn("signal blocked by risk assessment",
			"symbol", signal.Symbol,
			"action", string(assessment.Action),
			"score", assessment.Score)
		return assessment, nil, nil
	}

	size := signal.Quantity
	if assessment.Action == core.ActionReduceSize {
		stats := r.ledger.Statistics()
		optimal := r.risk.OptimalSize(signal.Price, signal.StopLoss, stats.Balance, signal.Symbol)
		if optimal.LessThan(size) {
			r.logger.Info("reducing position size",
				"symbol", signal.Symbol,
				"requested", signal.Quantity.String(),
				"sized", optimal.String())
			size = optimal
		}
	}

	position, err := r.ledger.Open(ctx, signal, size)
	if err != nil && !errors.Is(err, apperrors.ErrPersistence) {
		return assessment, nil, err
	}
	if position != nil {
		r.broadcastPosition(position)
	}
	return assessment, position, nil
}

// UpdatePrice applies one market-data tick: ledger marks, volatility
// tracking, and a status broadcast.
func (r *Runtime) UpdatePrice(symbol string, price decimal.Decimal) {
	r.ledger.UpdatePrice(symbol, price)
	r.risk.ObservePrice(symbol, price)
}

// CurrentExposure returns the signed open exposure for a symbol.
func (r *Runtime) CurrentExposure(symbol string) decimal.Decimal {
	return r.ledger.TotalExposure(symbol)
}

// Run drives the transport receive loop and the periodic status broadcast
// until the context is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	r.running.Store(true)
	defer r.running.Store(false)
	r.logger.Info("orchestrator started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.receiveLoop(ctx) })
	g.Go(func() error { return r.statusLoop(ctx) })
	if r.hub != nil {
		g.Go(func() error {
			r.hub.Run(ctx)
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info("orchestrator stopped")
	return err
}

func (r *Runtime) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.transport.Receive():
			if !ok {
				return nil
			}
			r.dispatch(ctx, msg)
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, msg core.TransportMessage) {
	switch msg.Type {
	case core.MsgSignal:
		// SIGNAL messages carry either a trading signal (has an action)
		// or a bare market-data tick (symbol and price only).
		if _, hasAction := msg.Data["action"]; hasAction {
			r.handleSignal(ctx, msg)
			return
		}
		r.handleTick(msg)
	case core.MsgParameterUpdate:
		r.handleParameterUpdate(msg)
	case core.MsgStatusRequest:
		r.handleStatusRequest(ctx, msg)
	case core.MsgError:
		r.logger.Error("remote terminal reported an error",
			"message_id", msg.MessageID, "data", msg.Data)
	case core.MsgHeartbeat:
		// Liveness is tracked at the transport layer.
	default:
		r.logger.Warn("unhandled message type", "type", string(msg.Type))
	}
}

func (r *Runtime) handleSignal(ctx context.Context, msg core.TransportMessage) {
	var signal core.TradingSignal
	if err := decodePayload(msg.Data, &signal); err != nil {
		r.logger.Error("malformed trading signal",
			"message_id", msg.MessageID, "error", err)
		return
	}
	assessment, position, err := r.SubmitSignal(ctx, signal)
	if err != nil {
		r.logger.Error("signal processing failed",
			"symbol", signal.Symbol, "error", err)
		return
	}
	if position != nil {
		r.logger.Info("position opened from remote signal",
			"position_id", position.ID,
			"symbol", position.Symbol,
			"risk_level", string(assessment.Level))
	}
}

func (r *Runtime) handleTick(msg core.TransportMessage) {
	symbol, _ := msg.Data["symbol"].(string)
	if symbol == "" {
		r.logger.Warn("tick without symbol", "message_id", msg.MessageID)
		return
	}
	price, err := decimalField(msg.Data, "price")
	if err != nil {
		r.logger.Warn("tick with bad price", "symbol", symbol, "error", err)
		return
	}
	r.UpdatePrice(symbol, price)
}

// handleParameterUpdate overlays the inbound fields onto the current risk
// parameters, so partial updates keep unrelated limits intact.
func (r *Runtime) handleParameterUpdate(msg core.TransportMessage) {
	params := r.risk.Parameters()
	if err := decodePayload(msg.Data, &params); err != nil {
		r.logger.Error("malformed parameter update",
			"message_id", msg.MessageID, "error", err)
		return
	}
	r.risk.SetParameters(params)
	r.logger.Info("risk parameters updated",
		"max_daily_loss", params.MaxDailyLoss.String(),
		"max_position_size", params.MaxPositionSize.String())
}

func (r *Runtime) handleStatusRequest(ctx context.Context, msg core.TransportMessage) {
	stats := r.ledger.Statistics()
	reply := core.NewMessage(core.MsgStatusRequest, map[string]interface{}{
		"reply_to":         msg.MessageID,
		"statistics":       stats,
		"trading_enabled":  r.emergency.TradingEnabled(),
		"controller_state": r.emergency.ControllerState(),
		"transport_state":  r.transport.State().String(),
	})
	if err := r.transport.Send(ctx, reply); err != nil {
		r.logger.Warn("status reply failed", "error", err)
	}
}

func (r *Runtime) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.broadcastStatus()
		}
	}
}

func (r *Runtime) broadcastStatus() {
	if r.hub == nil || r.hub.ClientCount() == 0 {
		return
	}
	stats := r.ledger.Statistics()
	r.hub.Broadcast(liveserver.Message{
		Type: liveserver.TypeStatistics,
		Data: map[string]interface{}{"statistics": stats},
	})
	r.hub.Broadcast(liveserver.Message{
		Type: liveserver.TypeTransport,
		Data: map[string]interface{}{
			"state":        r.transport.State().String(),
			"last_inbound": r.transport.LastInbound(),
		},
	})
	r.hub.Broadcast(liveserver.Message{
		Type: liveserver.TypeRiskStatus,
		Data: map[string]interface{}{
			"trading_enabled":  r.emergency.TradingEnabled(),
			"controller_state": r.emergency.ControllerState(),
		},
	})
}

func (r *Runtime) broadcastPosition(p *core.Position) {
	if r.hub == nil {
		return
	}
	r.hub.Broadcast(liveserver.Message{
		Type: liveserver.TypePosition,
		Data: map[string]interface{}{"position": p},
	})
}

// decodePayload re-marshals an opaque payload map into a typed struct.
func decodePayload(data map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func decimalField(data map[string]interface{}, key string) (decimal.Decimal, error) {
	v, ok := data[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("missing field %q", key)
	}
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), nil
	case string:
		return decimal.NewFromString(t)
	case json.Number:
		return decimal.NewFromString(t.String())
	default:
		return decimal.Zero, fmt.Errorf("field %q has unsupported type %T", key, v)
	}
}
