package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPositionsOpen         = "trade_runtime_positions_open"
	MetricPnLRealizedTotal      = "trade_runtime_pnl_realized_total"
	MetricPnLUnrealized         = "trade_runtime_pnl_unrealized"
	MetricExposure              = "trade_runtime_exposure"
	MetricReconnectsTotal       = "trade_runtime_transport_reconnects_total"
	MetricTransportState        = "trade_runtime_transport_state"
	MetricMailboxLockFailures   = "trade_runtime_mailbox_lock_failures_total"
	MetricMailboxCorruptTotal   = "trade_runtime_mailbox_corrupt_total"
	MetricRiskAssessmentsTotal  = "trade_runtime_risk_assessments_total"
	MetricEmergencyEventsTotal  = "trade_runtime_emergency_events_total"
	MetricEmergencyCloseSeconds = "trade_runtime_emergency_close_duration_seconds"
)

// MetricsHolder holds the initialized instruments
type MetricsHolder struct {
	PnLRealizedTotal      metric.Float64Counter
	ReconnectsTotal       metric.Int64Counter
	MailboxLockFailures   metric.Int64Counter
	MailboxCorruptTotal   metric.Int64Counter
	RiskAssessmentsTotal  metric.Int64Counter
	EmergencyEventsTotal  metric.Int64Counter
	EmergencyCloseSeconds metric.Float64Histogram
	PositionsOpen         metric.Int64ObservableGauge
	PnLUnrealized         metric.Float64ObservableGauge
	Exposure              metric.Float64ObservableGauge
	TransportState        metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	openPositionsMap map[string]int64
	unrealizedMap    map[string]float64
	exposureMap      map[string]float64
	transportState   int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openPositionsMap: make(map[string]int64),
			unrealizedMap:    make(map[string]float64),
			exposureMap:      make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes the instruments on the given meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.ReconnectsTotal, err = meter.Int64Counter(MetricReconnectsTotal,
		metric.WithDescription("Total transport reconnection attempts"))
	if err != nil {
		return err
	}

	m.MailboxLockFailures, err = meter.Int64Counter(MetricMailboxLockFailures,
		metric.WithDescription("File mailbox lock contention events"))
	if err != nil {
		return err
	}

	m.MailboxCorruptTotal, err = meter.Int64Counter(MetricMailboxCorruptTotal,
		metric.WithDescription("Mailbox messages rejected on checksum mismatch"))
	if err != nil {
		return err
	}

	m.RiskAssessmentsTotal, err = meter.Int64Counter(MetricRiskAssessmentsTotal,
		metric.WithDescription("Risk assessments produced, by action"))
	if err != nil {
		return err
	}

	m.EmergencyEventsTotal, err = meter.Int64Counter(MetricEmergencyEventsTotal,
		metric.WithDescription("Emergency events recorded, by trigger"))
	if err != nil {
		return err
	}

	m.EmergencyCloseSeconds, err = meter.Float64Histogram(MetricEmergencyCloseSeconds,
		metric.WithDescription("Duration of emergency mass-close operations"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.PositionsOpen, err = meter.Int64ObservableGauge(MetricPositionsOpen,
		metric.WithDescription("Currently open positions"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openPositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized,
		metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.Exposure, err = meter.Float64ObservableGauge(MetricExposure,
		metric.WithDescription("Signed total exposure per symbol"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.exposureMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.TransportState, err = meter.Int64ObservableGauge(MetricTransportState,
		metric.WithDescription("Transport connection state (enum ordinal)"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.transportState)
			return nil
		}))
	return err
}

// SetOpenPositions records the open-position gauge for a symbol
func (m *MetricsHolder) SetOpenPositions(symbol string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositionsMap[symbol] = n
}

// SetUnrealizedPnL records the unrealized PnL gauge for a symbol
func (m *MetricsHolder) SetUnrealizedPnL(symbol string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedMap[symbol] = v
}

// SetExposure records the signed exposure gauge for a symbol
func (m *MetricsHolder) SetExposure(symbol string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposureMap[symbol] = v
}

// SetTransportState records the transport state ordinal
func (m *MetricsHolder) SetTransportState(state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transportState = state
}

// AddRealizedPnL increments the realized PnL counter if initialized
func (m *MetricsHolder) AddRealizedPnL(ctx context.Context, symbol string, v float64) {
	if m.PnLRealizedTotal != nil {
		m.PnLRealizedTotal.Add(ctx, v, metric.WithAttributes(attribute.String("symbol", symbol)))
	}
}

// AddReconnect increments the reconnect counter if initialized
func (m *MetricsHolder) AddReconnect(ctx context.Context) {
	if m.ReconnectsTotal != nil {
		m.ReconnectsTotal.Add(ctx, 1)
	}
}

// AddLockFailure increments the mailbox lock contention counter
func (m *MetricsHolder) AddLockFailure(ctx context.Context) {
	if m.MailboxLockFailures != nil {
		m.MailboxLockFailures.Add(ctx, 1)
	}
}

// AddCorruptMessage increments the checksum rejection counter
func (m *MetricsHolder) AddCorruptMessage(ctx context.Context) {
	if m.MailboxCorruptTotal != nil {
		m.MailboxCorruptTotal.Add(ctx, 1)
	}
}

// AddRiskAssessment counts an assessment by action
func (m *MetricsHolder) AddRiskAssessment(ctx context.Context, action string) {
	if m.RiskAssessmentsTotal != nil {
		m.RiskAssessmentsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}

// AddEmergencyEvent counts an event by trigger
func (m *MetricsHolder) AddEmergencyEvent(ctx context.Context, trigger string) {
	if m.EmergencyEventsTotal != nil {
		m.EmergencyEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	}
}

// RecordEmergencyClose records the duration of a mass-close operation
func (m *MetricsHolder) RecordEmergencyClose(ctx context.Context, seconds float64) {
	if m.EmergencyCloseSeconds != nil {
		m.EmergencyCloseSeconds.Record(ctx, seconds)
	}
}
