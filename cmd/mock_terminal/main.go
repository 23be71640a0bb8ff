// Command mock_terminal runs a fake remote trading terminal for local
// development: it confirms inbound envelopes, emits heartbeats and streams
// random-walk price ticks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"trade_runtime/internal/mock"
	"trade_runtime/pkg/logging"
)

var (
	addrFlag      = flag.String("addr", "127.0.0.1:9090", "Listen address")
	symbolsFlag   = flag.String("symbols", "EURUSD=1.1000,GBPUSD=1.2750", "Comma-separated symbol=price pairs")
	tickFlag      = flag.Duration("tick", time.Second, "Tick interval (0 disables ticks)")
	heartbeatFlag = flag.Duration("heartbeat", 10*time.Second, "Heartbeat interval")
)

func main() {
	flag.Parse()

	logger, err := logging.NewZapLogger("INFO")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}

	symbols := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(*symbolsFlag, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		price, err := decimal.NewFromString(parts[1])
		if err != nil {
			logger.Fatal("bad symbol price", "pair", pair, "error", err)
		}
		symbols[parts[0]] = price
	}

	terminal := mock.NewTerminal(mock.TerminalConfig{
		Addr:              *addrFlag,
		HeartbeatInterval: *heartbeatFlag,
		TickInterval:      *tickFlag,
		Symbols:           symbols,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := terminal.Run(ctx); err != nil {
		logger.Fatal("mock terminal failed", "error", err)
	}
}
