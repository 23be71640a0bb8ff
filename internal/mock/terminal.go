// Package mock provides a stand-in remote trading terminal for local
// development and integration testing.
package mock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade_runtime/internal/core"
)

// TerminalConfig configures the fake terminal.
type TerminalConfig struct {
	Addr              string
	HeartbeatInterval time.Duration
	TickInterval      time.Duration
	// Symbols maps symbol names to their starting prices for the
	// random-walk tick generator.
	Symbols map[string]decimal.Decimal
}

// Terminal speaks the runtime's newline-JSON protocol: it confirms every
// inbound envelope, emits heartbeats, and streams random-walk price ticks.
type Terminal struct {
	cfg    TerminalConfig
	logger core.ILogger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	received []core.TransportMessage
	prices   map[string]decimal.Decimal

	rng *rand.Rand
}

func NewTerminal(cfg TerminalConfig, logger core.ILogger) *Terminal {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	prices := make(map[string]decimal.Decimal, len(cfg.Symbols))
	for s, p := range cfg.Symbols {
		prices[s] = p
	}
	return &Terminal{
		cfg:    cfg,
		logger: logger.WithField("component", "mock_terminal"),
		conns:  make(map[net.Conn]struct{}),
		prices: prices,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Addr returns the bound listen address, valid after Run has started.
func (t *Terminal) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Received returns a copy of every envelope the terminal has accepted.
func (t *Terminal) Received() []core.TransportMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.TransportMessage, len(t.received))
	copy(out, t.received)
	return out
}

// Run listens and serves until the context is cancelled.
func (t *Terminal) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mock terminal listen: %w", err)
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	t.logger.Info("mock terminal listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		listener.Close()
		t.mu.Lock()
		for conn := range t.conns {
			conn.Close()
		}
		t.mu.Unlock()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mock terminal accept: %w", err)
		}
		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()
		go t.serve(ctx, conn)
	}
}

func (t *Terminal) serve(ctx context.Context, conn net.Conn) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	t.logger.Info("client connected", "remote", conn.RemoteAddr().String())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(msg core.TransportMessage) error {
		line, err := msg.Encode()
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = conn.Write(append(line, '\n'))
		return err
	}

	go t.heartbeatLoop(connCtx, write)
	if t.cfg.TickInterval > 0 && len(t.prices) > 0 {
		go t.tickLoop(connCtx, write)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg core.TransportMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.logger.Warn("dropping malformed line", "error", err)
			continue
		}

		t.mu.Lock()
		t.received = append(t.received, msg)
		t.mu.Unlock()

		if msg.Type == core.MsgHeartbeat || msg.Type == core.MsgConfirmation {
			continue
		}
		if err := write(core.NewConfirmation(msg.MessageID)); err != nil {
			return
		}
	}
}

func (t *Terminal) heartbeatLoop(ctx context.Context, write func(core.TransportMessage) error) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := write(core.NewHeartbeat()); err != nil {
				return
			}
		}
	}
}

// tickLoop drifts each symbol by up to ±5 pips per tick.
func (t *Terminal) tickLoop(ctx context.Context, write func(core.TransportMessage) error) {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()
	step := decimal.RequireFromString("0.0001")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			for symbol, price := range t.prices {
				delta := step.Mul(decimal.NewFromInt(int64(t.rng.Intn(11) - 5)))
				next := price.Add(delta)
				if !next.IsPositive() {
					next = price
				}
				t.prices[symbol] = next
			}
			snapshot := make(map[string]decimal.Decimal, len(t.prices))
			for s, p := range t.prices {
				snapshot[s] = p
			}
			t.mu.Unlock()

			for symbol, price := range snapshot {
				msg := core.NewMessage(core.MsgSignal, map[string]interface{}{
					"symbol": symbol,
					"price":  price.InexactFloat64(),
				})
				if err := write(msg); err != nil {
					return
				}
			}
		}
	}
}
