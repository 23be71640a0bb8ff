// Package core defines the interfaces wired together by the orchestrator
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// ITransport is the messaging contract shared by the TCP transport and the
// file mailbox, so callers never branch on transport kind.
type ITransport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg TransportMessage) error
	// SendAndAwaitConfirmation blocks until a CONFIRMATION for the message
	// id arrives or the timeout elapses. No internal retry.
	SendAndAwaitConfirmation(ctx context.Context, msg TransportMessage, timeout time.Duration) error
	// Receive returns the inbound message channel. The sequence is lazy,
	// infinite, and not restartable after Close.
	Receive() <-chan TransportMessage
	State() ConnectionState
	// LastInbound is the time any message was last observed, for staleness
	// monitoring.
	LastInbound() time.Time
	Close() error
}

// IStore is the persistence contract consumed from the external storage
// collaborator. Any durable key-value or relational store qualifies.
type IStore interface {
	SavePosition(ctx context.Context, p *Position) error
	SaveRiskAssessment(ctx context.Context, a *RiskAssessment) error
	SaveEmergencyEvent(ctx context.Context, e *EmergencyEvent) error
	LoadOpenPositions(ctx context.Context) ([]*Position, error)
	GetStatistics(ctx context.Context) (*LedgerStatistics, error)
	Close() error
}

// ILedger tracks position lifecycle, PnL and exposure
type ILedger interface {
	Open(ctx context.Context, signal TradingSignal, sizing decimal.Decimal) (*Position, error)
	UpdatePrice(symbol string, price decimal.Decimal)
	Close(ctx context.Context, id string, exitPrice, commission, swap decimal.Decimal) (*Position, error)
	Get(id string) (*Position, bool)
	OpenPositions() []*Position
	TotalExposure(symbol string) decimal.Decimal
	Statistics() LedgerStatistics
	Running() bool
}

// IRiskEngine performs pre-trade assessment and periodic limit checks
type IRiskEngine interface {
	Assess(signal TradingSignal) *RiskAssessment
	OptimalSize(entry, stopLoss, balance decimal.Decimal, symbol string) decimal.Decimal
	Parameters() RiskParameters
	SetParameters(p RiskParameters)
	ObservePrice(symbol string, price decimal.Decimal)
	Running() bool
}

// IEmergencyController detects failure conditions and forces bounded-time
// mass closure.
type IEmergencyController interface {
	TriggerShutdown(ctx context.Context, trigger EmergencyTrigger, reason string) *EmergencyEvent
	DisableTrading(reason string)
	EnableTrading()
	TradingEnabled() bool
	ControllerState() string
	Events() []*EmergencyEvent
}

// IHealthMonitor aggregates component health checks
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
