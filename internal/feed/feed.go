// Package feed ingests market-data ticks from an external WebSocket stream
// and applies them to the ledger via the orchestrator.
package feed

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"trade_runtime/internal/core"
	"trade_runtime/pkg/websocket"
)

// PriceSink consumes ticks in arrival order.
type PriceSink interface {
	UpdatePrice(symbol string, price decimal.Decimal)
}

type Config struct {
	URL     string
	Symbols []string
}

// tick is the stream's wire format
type tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// Feed owns the reconnecting stream client and resubscribes after every
// reconnect.
type Feed struct {
	cfg    Config
	sink   PriceSink
	client *websocket.Client
	logger core.ILogger
}

func New(cfg Config, sink PriceSink, logger core.ILogger) *Feed {
	f := &Feed{
		cfg:    cfg,
		sink:   sink,
		logger: logger.WithField("component", "market_feed"),
	}
	f.client = websocket.NewClient(cfg.URL, f.handle, f.logger)
	f.client.SetOnConnected(f.subscribe)
	return f
}

func (f *Feed) subscribe() {
	if len(f.cfg.Symbols) == 0 {
		return
	}
	err := f.client.Send(map[string]interface{}{
		"op":      "subscribe",
		"symbols": f.cfg.Symbols,
	})
	if err != nil {
		f.logger.Warn("feed subscribe failed", "error", err)
		return
	}
	f.logger.Info("subscribed to market data", "symbols", f.cfg.Symbols)
}

func (f *Feed) handle(message []byte) {
	var t tick
	if err := json.Unmarshal(message, &t); err != nil {
		f.logger.Warn("malformed tick dropped", "error", err)
		return
	}
	if t.Symbol == "" || !t.Price.IsPositive() {
		return
	}
	f.sink.UpdatePrice(t.Symbol, t.Price)
}

// Run starts the stream and blocks until the context is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	f.logger.Info("market feed starting", "url", f.cfg.URL)
	f.client.Start()
	<-ctx.Done()
	f.client.Stop()
	f.logger.Info("market feed stopped")
	return nil
}
