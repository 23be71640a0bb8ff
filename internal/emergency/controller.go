// Package emergency implements failure detection, manual override and
// bounded-time mass position closure.
package emergency

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"trade_runtime/internal/core"
	"trade_runtime/pkg/concurrency"
	"trade_runtime/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Controller states.
const (
	StateActive      = "ACTIVE"
	StateStandby     = "STANDBY"
	StateEmergency   = "EMERGENCY"
	StateDisabled    = "DISABLED"
	StateMaintenance = "MAINTENANCE"
)

// Manual override commands accepted through the command file.
const (
	CmdEmergencyStop  = "EMERGENCY_STOP"
	CmdCloseAll       = "CLOSE_ALL_POSITIONS"
	CmdDisableTrading = "DISABLE_TRADING"
	CmdEnableTrading  = "ENABLE_TRADING"
)

// Config holds the controller settings.
type Config struct {
	CommandFile       string
	MonitorInterval   time.Duration
	CloseTimeout      time.Duration
	HeartbeatInterval time.Duration
	ClosePoolSize     int
	ClosePoolBuffer   int
}

// Controller watches transport health, component liveness and the manual
// command channel, and forces bounded-time closure of every open position
// when a critical condition fires.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	state    string
	events   []*core.EmergencyEvent
	liveness map[string]func() bool

	tradingEnabled atomic.Bool
	inShutdown     atomic.Bool
	netDown        atomic.Bool

	ledger    core.ILedger
	transport core.ITransport
	store     core.IStore
	logger    core.ILogger
	alerter   Alerter
	closePool *concurrency.WorkerPool
}

// Alerter pushes emergency events to external notification channels.
type Alerter interface {
	EmergencyAlert(ctx context.Context, event *core.EmergencyEvent)
}

func NewController(cfg Config, ledger core.ILedger, transport core.ITransport, store core.IStore, logger core.ILogger) *Controller {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 5 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	if cfg.ClosePoolSize <= 0 {
		cfg.ClosePoolSize = 8
	}
	if cfg.ClosePoolBuffer <= 0 {
		cfg.ClosePoolBuffer = 64
	}

	c := &Controller{
		cfg:       cfg,
		state:     StateStandby,
		liveness:  make(map[string]func() bool),
		ledger:    ledger,
		transport: transport,
		store:     store,
		logger:    logger.WithField("component", "emergency_controller"),
		closePool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "emergency_close",
			MaxWorkers:  cfg.ClosePoolSize,
			MaxCapacity: cfg.ClosePoolBuffer,
		}, logger),
	}
	c.tradingEnabled.Store(true)
	return c
}

// SetAlerter wires an optional external notification sink.
func (c *Controller) SetAlerter(a Alerter) {
	c.mu.Lock()
	c.alerter = a
	c.mu.Unlock()
}

// RegisterLiveness adds a component running-flag check. A false result on
// a monitoring tick is a SYSTEM_FAILURE trigger.
func (c *Controller) RegisterLiveness(component string, running func() bool) {
	c.mu.Lock()
	c.liveness[component] = running
	c.mu.Unlock()
}

func (c *Controller) ControllerState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) TradingEnabled() bool {
	return c.tradingEnabled.Load()
}

func (c *Controller) DisableTrading(reason string) {
	if c.tradingEnabled.CompareAndSwap(true, false) {
		c.setState(StateDisabled)
		c.logger.Warn("trading disabled", "reason", reason)
	}
}

func (c *Controller) EnableTrading() {
	if c.tradingEnabled.CompareAndSwap(false, true) {
		c.setState(StateActive)
		c.logger.Info("trading re-enabled")
	}
}

// Events returns a snapshot of the append-only event log.
func (c *Controller) Events() []*core.EmergencyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*core.EmergencyEvent, len(c.events))
	copy(out, c.events)
	return out
}

// TriggerShutdown disables trading and closes every open position
// concurrently, waiting at most the configured close timeout. Stragglers
// escalate to manual_intervention_required; completed closes are never
// rolled back.
func (c *Controller) TriggerShutdown(ctx context.Context, trigger core.EmergencyTrigger, reason string) *core.EmergencyEvent {
	if !c.inShutdown.CompareAndSwap(false, true) {
		c.logger.Warn("shutdown already in progress, ignoring trigger",
			"trigger", string(trigger), "reason", reason)
		return nil
	}
	defer c.inShutdown.Store(false)

	start := time.Now()
	c.setState(StateEmergency)
	c.tradingEnabled.Store(false)

	c.logger.Error("EMERGENCY SHUTDOWN", "trigger", string(trigger), "reason", reason)

	open := c.ledger.OpenPositions()
	affected := make([]string, 0, len(open))
	for _, p := range open {
		affected = append(affected, p.ID)
	}

	failed := c.closeAll(ctx, open)

	event := &core.EmergencyEvent{
		ID:                 core.NewEventID(),
		Trigger:            trigger,
		Severity:           core.SeverityCritical,
		Description:        reason,
		SystemState:        c.systemState(),
		PositionsAffected:  affected,
		ActionTaken:        "disabled trading, closed all open positions",
		RecoveryTime:       time.Since(start),
		ManualIntervention: len(failed) > 0,
		Timestamp:          start.UTC(),
	}
	if len(failed) > 0 {
		event.Description = fmt.Sprintf("%s; %d positions failed to close: %v",
			reason, len(failed), failed)
		c.logger.Error("CRITICAL: emergency close incomplete, manual intervention required",
			"unclosed", failed, "timeout", c.cfg.CloseTimeout.String())
	}

	c.recordEvent(ctx, event)
	telemetry.GetGlobalMetrics().RecordEmergencyClose(ctx, time.Since(start).Seconds())

	if c.transport != nil {
		_ = c.transport.Send(ctx, core.NewMessage(core.MsgError, map[string]interface{}{
			"event":   "emergency_shutdown",
			"trigger": string(trigger),
			"reason":  reason,
		}))
	}
	return event
}

// closeAll issues concurrent close requests and waits with a bounded
// timeout so a slow position never blocks the others. Returns the ids
// left open.
func (c *Controller) closeAll(ctx context.Context, open []*core.Position) []string {
	if len(open) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		closed = make(map[string]bool, len(open))
		wg     sync.WaitGroup
	)

	for _, p := range open {
		p := p
		wg.Add(1)
		err := c.closePool.Submit(func() {
			defer wg.Done()
			exit := p.CurrentPrice
			if exit.IsZero() {
				exit = p.EntryPrice
			}
			if _, err := c.ledger.Close(ctx, p.ID, exit, decimal.Zero, decimal.Zero); err != nil {
				c.logger.Error("emergency close failed", "position_id", p.ID, "error", err)
				return
			}
			mu.Lock()
			closed[p.ID] = true
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			c.logger.Error("emergency close not scheduled", "position_id", p.ID, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.cfg.CloseTimeout):
	}

	mu.Lock()
	defer mu.Unlock()
	var failed []string
	for _, p := range open {
		if !closed[p.ID] {
			failed = append(failed, p.ID)
		}
	}
	return failed
}

func (c *Controller) systemState() map[string]interface{} {
	stats := c.ledger.Statistics()
	state := map[string]interface{}{
		"open_positions": stats.OpenPositions,
		"realized_pnl":   stats.RealizedPnL.String(),
		"daily_pnl":      stats.DailyPnL.String(),
		"balance":        stats.Balance.String(),
	}
	if c.transport != nil {
		state["transport_state"] = c.transport.State().String()
	}
	return state
}

func (c *Controller) recordEvent(ctx context.Context, event *core.EmergencyEvent) {
	c.mu.Lock()
	c.events = append(c.events, event)
	alerter := c.alerter
	c.mu.Unlock()

	telemetry.GetGlobalMetrics().AddEmergencyEvent(ctx, string(event.Trigger))

	if alerter != nil {
		alerter.EmergencyAlert(ctx, event)
	}

	if c.store != nil {
		if err := c.store.SaveEmergencyEvent(ctx, event); err != nil {
			c.logger.Error("emergency event audit write failed",
				"event_id", event.ID, "error", err)
		}
	}
}

// Run is the monitoring loop: transport staleness, component liveness,
// protection stops and the manual command file, every monitor interval.
func (c *Controller) Run(ctx context.Context) error {
	c.setState(StateActive)
	c.logger.Info("emergency monitoring started",
		"interval", c.cfg.MonitorInterval.String(),
		"command_file", c.cfg.CommandFile)

	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// process termination maps to EXTERNAL_SIGNAL
			c.recordEvent(context.Background(), &core.EmergencyEvent{
				ID:          core.NewEventID(),
				Trigger:     core.TriggerExternalSignal,
				Severity:    core.SeverityWarning,
				Description: "termination signal received, shutting down",
				SystemState: c.systemState(),
				ActionTaken: "graceful shutdown",
				Timestamp:   time.Now().UTC(),
			})
			c.closePool.Stop()
			return ctx.Err()
		case <-ticker.C:
			c.checkTransport(ctx)
			c.checkLiveness(ctx)
			c.checkProtectionStops(ctx)
			c.checkCommandFile(ctx)
		}
	}
}

// checkTransport records a NETWORK_DISCONNECTION once per outage when the
// link goes stale beyond twice the heartbeat interval.
func (c *Controller) checkTransport(ctx context.Context) {
	if c.transport == nil || c.cfg.HeartbeatInterval <= 0 {
		return
	}

	stale := c.transport.State() == core.StateError ||
		time.Since(c.transport.LastInbound()) > 2*c.cfg.HeartbeatInterval

	if !stale {
		c.netDown.Store(false)
		return
	}
	if !c.netDown.CompareAndSwap(false, true) {
		return // already recorded this outage
	}

	c.logger.Error("transport stale beyond heartbeat threshold",
		"state", c.transport.State().String(),
		"last_inbound", c.transport.LastInbound().Format(time.RFC3339))

	c.recordEvent(ctx, &core.EmergencyEvent{
		ID:          core.NewEventID(),
		Trigger:     core.TriggerNetworkDisconnect,
		Severity:    core.SeverityCritical,
		Description: "no inbound traffic beyond twice the heartbeat interval",
		SystemState: c.systemState(),
		ActionTaken: "fallback transport active, trading continues",
		Timestamp:   time.Now().UTC(),
	})
}

func (c *Controller) checkLiveness(ctx context.Context) {
	c.mu.Lock()
	checks := make(map[string]func() bool, len(c.liveness))
	for name, fn := range c.liveness {
		checks[name] = fn
	}
	c.mu.Unlock()

	for name, running := range checks {
		if running() {
			continue
		}
		c.logger.Error("component not running", "component", name)
		c.TriggerShutdown(ctx, core.TriggerSystemFailure,
			fmt.Sprintf("component %s stopped running", name))
		return
	}
}

// checkProtectionStops closes any OPEN position whose price has crossed
// its stop loss, independent of the strategy's own exit logic.
func (c *Controller) checkProtectionStops(ctx context.Context) {
	for _, p := range c.ledger.OpenPositions() {
		if p.Status != core.PositionOpen || !p.StopCrossed(p.CurrentPrice) {
			continue
		}
		c.logger.Warn("protection stop hit",
			"position_id", p.ID,
			"symbol", p.Symbol,
			"stop_loss", p.StopLoss.String(),
			"price", p.CurrentPrice.String())
		if _, err := c.ledger.Close(ctx, p.ID, p.CurrentPrice, decimal.Zero, decimal.Zero); err != nil {
			c.logger.Error("protection stop close failed", "position_id", p.ID, "error", err)
		}
	}
}

// checkCommandFile polls the manual override channel. The file is removed
// after a command is consumed so each command executes once.
func (c *Controller) checkCommandFile(ctx context.Context) {
	if c.cfg.CommandFile == "" {
		return
	}
	data, err := os.ReadFile(c.cfg.CommandFile)
	if err != nil {
		return // no command waiting
	}
	cmd := strings.ToUpper(strings.TrimSpace(string(data)))
	if cmd == "" {
		return
	}
	if err := os.Remove(c.cfg.CommandFile); err != nil {
		c.logger.Warn("command file not removed, command may repeat", "error", err)
	}

	c.logger.Warn("manual override command received", "command", cmd)

	switch cmd {
	case CmdEmergencyStop:
		c.TriggerShutdown(ctx, core.TriggerManualOverride, "manual EMERGENCY_STOP command")
	case CmdCloseAll:
		failed := c.closeAll(ctx, c.ledger.OpenPositions())
		c.recordEvent(ctx, &core.EmergencyEvent{
			ID:                 core.NewEventID(),
			Trigger:            core.TriggerManualOverride,
			Severity:           core.SeverityWarning,
			Description:        "manual CLOSE_ALL_POSITIONS command",
			SystemState:        c.systemState(),
			ActionTaken:        "closed all open positions, trading unchanged",
			ManualIntervention: len(failed) > 0,
			Timestamp:          time.Now().UTC(),
		})
	case CmdDisableTrading:
		c.DisableTrading("manual DISABLE_TRADING command")
	case CmdEnableTrading:
		c.EnableTrading()
	default:
		c.logger.Warn("unknown manual command ignored", "command", cmd)
	}
}
