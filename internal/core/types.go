// Package core defines the shared data model for the trading runtime
package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultLotSize is the notional contract multiplier used to convert a
// price difference into a monetary amount.
const DefaultLotSize = 100000

// Side is the direction of a position or signal
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionStatus is the lifecycle state of a position.
// Legal transitions: PENDING -> OPEN -> CLOSED, and any non-terminal
// state -> ERROR.
type PositionStatus string

const (
	PositionPending PositionStatus = "PENDING"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosed  PositionStatus = "CLOSED"
	PositionError   PositionStatus = "ERROR"
)

// CanTransition reports whether moving from s to next is a legal lifecycle step
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	switch s {
	case PositionPending:
		return next == PositionOpen || next == PositionError
	case PositionOpen:
		return next == PositionClosed || next == PositionError
	case PositionClosed, PositionError:
		return false
	default:
		return false
	}
}

// Position is a single tracked trade. Closed positions are never deleted;
// they move to the ledger's append-only history.
type Position struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryTime    time.Time       `json:"entry_time"`
	StopLoss     decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   decimal.Decimal `json:"take_profit,omitempty"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Status       PositionStatus  `json:"status"`
	ExitPrice    decimal.Decimal `json:"exit_price,omitempty"`
	ExitTime     time.Time       `json:"exit_time,omitempty"`
	Commission   decimal.Decimal `json:"commission"`
	Swap         decimal.Decimal `json:"swap"`
	Slippage     decimal.Decimal `json:"slippage"`
	// RealizedPnL is computed once at close and immutable thereafter
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	// ExternalTicket is the order id assigned by the remote terminal, if any
	ExternalTicket string `json:"external_ticket,omitempty"`
	// StrategyParams is opaque to the runtime
	StrategyParams map[string]interface{} `json:"strategy_params,omitempty"`
	// Unsynced marks a position whose durable write has not succeeded yet.
	// It still participates fully in risk and emergency logic.
	Unsynced bool `json:"unsynced,omitempty"`
}

// GrossPnL returns the mark-to-market PnL at price, before costs
func (p *Position) GrossPnL(price, lotSize decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideSell {
		diff = p.EntryPrice.Sub(price)
	}
	return diff.Mul(p.Quantity).Mul(lotSize)
}

// UnrealizedPnL is defined only while the position is OPEN; it is zero for
// every other status.
func (p *Position) UnrealizedPnL(lotSize decimal.Decimal) decimal.Decimal {
	if p.Status != PositionOpen {
		return decimal.Zero
	}
	return p.GrossPnL(p.CurrentPrice, lotSize)
}

// SignedQuantity returns quantity with SELL negated, for exposure sums
func (p *Position) SignedQuantity() decimal.Decimal {
	if p.Side == SideSell {
		return p.Quantity.Neg()
	}
	return p.Quantity
}

// StopCrossed reports whether price has crossed the stop loss in the
// adverse direction. Positions without a stop never cross.
func (p *Position) StopCrossed(price decimal.Decimal) bool {
	if p.StopLoss.IsZero() {
		return false
	}
	if p.Side == SideBuy {
		return price.LessThanOrEqual(p.StopLoss)
	}
	return price.GreaterThanOrEqual(p.StopLoss)
}

// TradingSignal is produced by the external signal source and consumed
// exactly once by the risk engine. Immutable.
type TradingSignal struct {
	Symbol         string                 `json:"symbol"`
	Action         Side                   `json:"action"`
	Quantity       decimal.Decimal        `json:"quantity"`
	Price          decimal.Decimal        `json:"price,omitempty"`
	StopLoss       decimal.Decimal        `json:"stop_loss,omitempty"`
	TakeProfit     decimal.Decimal        `json:"take_profit,omitempty"`
	QualityScore   float64                `json:"quality_score"`
	StrategyParams map[string]interface{} `json:"strategy_params,omitempty"`
	Priority       int                    `json:"priority"`
}

// RiskLevel classifies an assessment outcome
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskNormal   RiskLevel = "NORMAL"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskAction is what the orchestrator must do with a signal
type RiskAction string

const (
	ActionAllow             RiskAction = "ALLOW"
	ActionReduceSize        RiskAction = "REDUCE_SIZE"
	ActionStopTrading       RiskAction = "STOP_TRADING"
	ActionCloseAll          RiskAction = "CLOSE_ALL"
	ActionEmergencyShutdown RiskAction = "EMERGENCY_SHUTDOWN"
)

// RiskAssessment is produced fresh per signal and per periodic check,
// never mutated after creation, and persisted for audit.
type RiskAssessment struct {
	Level           RiskLevel  `json:"risk_level"`
	Action          RiskAction `json:"risk_action"`
	Score           float64    `json:"risk_score"`
	Reasons         []string   `json:"reasons,omitempty"`
	Recommendations []string   `json:"recommendations,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// Blocks reports whether the assessment forbids opening the position
func (a *RiskAssessment) Blocks() bool {
	switch a.Action {
	case ActionAllow, ActionReduceSize:
		return false
	case ActionStopTrading, ActionCloseAll, ActionEmergencyShutdown:
		return true
	default:
		return true
	}
}

// RiskParameters is the process-wide risk configuration. Loaded at startup;
// hot-reload goes through RiskEngine's guarded setter, never in-place
// mutation.
type RiskParameters struct {
	MaxDailyLoss          decimal.Decimal `yaml:"max_daily_loss" json:"max_daily_loss"`
	MaxDrawdownPercent    decimal.Decimal `yaml:"max_drawdown_percent" json:"max_drawdown_percent"`
	MaxPositionSize       decimal.Decimal `yaml:"max_position_size" json:"max_position_size"`
	MaxTotalExposure      decimal.Decimal `yaml:"max_total_exposure" json:"max_total_exposure"`
	VolatilityHigh        float64         `yaml:"volatility_high" json:"volatility_high"`
	VolatilityNormal      float64         `yaml:"volatility_normal" json:"volatility_normal"`
	RiskPerTradePercent   decimal.Decimal `yaml:"risk_per_trade_percent" json:"risk_per_trade_percent"`
	CheckIntervalSeconds  int             `yaml:"check_interval_seconds" json:"check_interval_seconds"`
	EmergencyCloseTimeout int             `yaml:"emergency_close_timeout_seconds" json:"emergency_close_timeout_seconds"`
	LotSize               decimal.Decimal `yaml:"lot_size" json:"lot_size"`

	// Empirically chosen scoring weights and thresholds, kept
	// configurable so they can be tuned without a rebuild.
	Weights    RiskWeights    `yaml:"weights" json:"weights"`
	Thresholds RiskThresholds `yaml:"thresholds" json:"thresholds"`
}

// CheckInterval returns the periodic check interval as a duration
func (p RiskParameters) CheckInterval() time.Duration {
	return time.Duration(p.CheckIntervalSeconds) * time.Second
}

// CloseTimeout returns the emergency close budget as a duration
func (p RiskParameters) CloseTimeout() time.Duration {
	return time.Duration(p.EmergencyCloseTimeout) * time.Second
}

// RiskWeights are the additive scores contributed by each breached check
type RiskWeights struct {
	DailyLoss  float64 `yaml:"daily_loss" json:"daily_loss"`
	Drawdown   float64 `yaml:"drawdown" json:"drawdown"`
	Size       float64 `yaml:"size" json:"size"`
	Exposure   float64 `yaml:"exposure" json:"exposure"`
	Volatility float64 `yaml:"volatility" json:"volatility"`
	Balance    float64 `yaml:"balance" json:"balance"`
}

// RiskThresholds map a total score to a level/action
type RiskThresholds struct {
	Critical float64 `yaml:"critical" json:"critical"`
	High     float64 `yaml:"high" json:"high"`
	Elevated float64 `yaml:"elevated" json:"elevated"`
	Reduce   float64 `yaml:"reduce" json:"reduce"`
	Notice   float64 `yaml:"notice" json:"notice"`
}

// DefaultRiskParameters returns the reference defaults
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		MaxDailyLoss:          decimal.NewFromInt(1000),
		MaxDrawdownPercent:    decimal.NewFromInt(20),
		MaxPositionSize:       decimal.NewFromInt(1),
		MaxTotalExposure:      decimal.NewFromInt(5),
		VolatilityHigh:        0.8,
		VolatilityNormal:      0.5,
		RiskPerTradePercent:   decimal.NewFromInt(2),
		CheckIntervalSeconds:  30,
		EmergencyCloseTimeout: 30,
		LotSize:               decimal.NewFromInt(DefaultLotSize),
		Weights: RiskWeights{
			DailyLoss:  100,
			Drawdown:   80,
			Size:       60,
			Exposure:   50,
			Volatility: 40,
			Balance:    100,
		},
		Thresholds: RiskThresholds{
			Critical: 100,
			High:     80,
			Elevated: 60,
			Reduce:   40,
			Notice:   20,
		},
	}
}

// EmergencyTrigger identifies what caused an emergency event
type EmergencyTrigger string

const (
	TriggerSystemFailure     EmergencyTrigger = "SYSTEM_FAILURE"
	TriggerNetworkDisconnect EmergencyTrigger = "NETWORK_DISCONNECTION"
	TriggerExcessiveLoss     EmergencyTrigger = "EXCESSIVE_LOSS"
	TriggerManualOverride    EmergencyTrigger = "MANUAL_OVERRIDE"
	TriggerExternalSignal    EmergencyTrigger = "EXTERNAL_SIGNAL"
	TriggerResourceDepletion EmergencyTrigger = "RESOURCE_DEPLETION"
)

// EmergencySeverity grades an emergency event
type EmergencySeverity string

const (
	SeverityWarning  EmergencySeverity = "WARNING"
	SeverityCritical EmergencySeverity = "CRITICAL"
)

// EmergencyEvent is an immutable audit record; the event log is append-only
type EmergencyEvent struct {
	ID                 string                 `json:"id"`
	Trigger            EmergencyTrigger       `json:"trigger"`
	Severity           EmergencySeverity      `json:"severity"`
	Description        string                 `json:"description"`
	SystemState        map[string]interface{} `json:"system_state,omitempty"`
	PositionsAffected  []string               `json:"positions_affected,omitempty"`
	ActionTaken        string                 `json:"action_taken"`
	RecoveryTime       time.Duration          `json:"recovery_time"`
	ManualIntervention bool                   `json:"manual_intervention_required"`
	Timestamp          time.Time              `json:"timestamp"`
}

// MessageType is the kind of a transport envelope
type MessageType string

const (
	MsgHeartbeat       MessageType = "HEARTBEAT"
	MsgSignal          MessageType = "SIGNAL"
	MsgConfirmation    MessageType = "CONFIRMATION"
	MsgParameterUpdate MessageType = "PARAMETER_UPDATE"
	MsgStatusRequest   MessageType = "STATUS_REQUEST"
	MsgError           MessageType = "ERROR"
)

// KnownMessageType reports whether t is part of the protocol. Unknown
// types are logged and ignored, never fatal.
func KnownMessageType(t MessageType) bool {
	switch t {
	case MsgHeartbeat, MsgSignal, MsgConfirmation, MsgParameterUpdate, MsgStatusRequest, MsgError:
		return true
	default:
		return false
	}
}

// TransportMessage is the wire envelope: one JSON object per line on TCP,
// or the `message` field of a mailbox file.
type TransportMessage struct {
	Type      MessageType            `json:"message_type"`
	Timestamp float64                `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	MessageID string                 `json:"message_id"`
}

// NewMessage builds an envelope with a fresh id and the current time
func NewMessage(t MessageType, data map[string]interface{}) TransportMessage {
	if data == nil {
		data = map[string]interface{}{}
	}
	return TransportMessage{
		Type:      t,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Data:      data,
		MessageID: newMessageID(),
	}
}

// NewHeartbeat builds the protocol heartbeat envelope
func NewHeartbeat() TransportMessage {
	return NewMessage(MsgHeartbeat, map[string]interface{}{"status": "alive"})
}

// NewConfirmation builds an ack for the given message id
func NewConfirmation(ackID string) TransportMessage {
	return NewMessage(MsgConfirmation, map[string]interface{}{"message_id": ackID})
}

// AckID returns the message id a CONFIRMATION acknowledges, if any
func (m *TransportMessage) AckID() (string, bool) {
	if m.Type != MsgConfirmation {
		return "", false
	}
	id, ok := m.Data["message_id"].(string)
	return id, ok && id != ""
}

// Encode renders the envelope as a single JSON line (no trailing newline)
func (m *TransportMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ConnectionState is the transport state machine.
// DISCONNECTED -> CONNECTING -> CONNECTED -> (RECONNECTING <-> CONNECTED)
// -> ERROR. ERROR is reachable from any state on unrecoverable failure;
// DISCONNECTED only via explicit shutdown.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// LedgerStatistics is the ledger-level aggregate snapshot
type LedgerStatistics struct {
	OpenPositions   int             `json:"open_positions"`
	ClosedPositions int             `json:"closed_positions"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	WinRate         float64         `json:"win_rate"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	DailyPnL        decimal.Decimal `json:"daily_pnl"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	CurrentDrawdown decimal.Decimal `json:"current_drawdown"`
	Balance         decimal.Decimal `json:"balance"`
}
