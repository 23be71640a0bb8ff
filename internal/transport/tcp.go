// Package transport implements the dual-transport messaging bridge to the
// remote execution terminal: a primary TCP client with heartbeat and
// bounded reconnection, and a file-based mailbox fallback.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"trade_runtime/internal/core"
	apperrors "trade_runtime/pkg/errors"
	"trade_runtime/pkg/telemetry"
)

// TCPConfig holds the primary transport settings.
type TCPConfig struct {
	Host              string
	Port              int
	ReconnectAttempts int
	ReconnectBase     time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
}

// TCPTransport is a resilient newline-delimited JSON client.
// One JSON envelope per line in both directions.
type TCPTransport struct {
	cfg    TCPConfig
	logger core.ILogger

	mu   sync.Mutex // guards conn
	conn net.Conn

	state       atomic.Int32
	lastInbound atomic.Int64 // unix nanos

	recvCh chan core.TransportMessage

	pendMu  sync.Mutex
	pending map[string]chan struct{}

	// reconnecting guards the reconnection sequence so only one runs
	// at a time.
	reconnecting atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTCPTransport creates a disconnected transport. Call Connect to dial.
func NewTCPTransport(cfg TCPConfig, logger core.ILogger) *TCPTransport {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &TCPTransport{
		cfg:     cfg,
		logger:  logger.WithField("component", "tcp_transport"),
		recvCh:  make(chan core.TransportMessage, 256),
		pending: make(map[string]chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	t.state.Store(int32(core.StateDisconnected))
	return t
}

func (t *TCPTransport) addr() string {
	return net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", t.cfg.Port))
}

// Connect dials host:port with bounded exponential backoff. On success the
// read and heartbeat loops start. On exhaustion the transport transitions
// to ERROR and ErrReconnectExhausted is returned.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.setState(core.StateConnecting)

	if err := t.dialWithBackoff(ctx); err != nil {
		t.setState(core.StateError)
		return err
	}

	t.setState(core.StateConnected)
	t.lastInbound.Store(time.Now().UnixNano())

	t.wg.Add(2)
	go t.readLoop()
	go t.heartbeatLoop()
	return nil
}

// dialWithBackoff makes up to ReconnectAttempts dial attempts, waiting
// base * 2^attempt between failures.
func (t *TCPTransport) dialWithBackoff(ctx context.Context) error {
	attempts := t.cfg.ReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := t.cfg.ReconnectBase * (1 << (attempt - 1))
			t.logger.Warn("connection attempt failed, backing off",
				"attempt", attempt, "wait", wait.String(), "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.ctx.Done():
				return apperrors.ErrTransportClosed
			case <-time.After(wait):
			}
		}

		conn, err := (&net.Dialer{Timeout: t.cfg.DialTimeout}).DialContext(ctx, "tcp", t.addr())
		if err != nil {
			lastErr = err
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.logger.Info("connected to execution terminal", "addr", t.addr())
		return nil
	}

	return fmt.Errorf("%w: %d attempts to %s: %v",
		apperrors.ErrReconnectExhausted, attempts, t.addr(), lastErr)
}

// Send writes one envelope as a JSON line. A write failure marks the
// connection stale and kicks off the reconnect sequence.
func (t *TCPTransport) Send(_ context.Context, msg core.TransportMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || t.State() != core.StateConnected {
		return apperrors.ErrNotConnected
	}

	t.mu.Lock()
	_, err = conn.Write(append(data, '\n'))
	t.mu.Unlock()
	if err != nil {
		t.logger.Error("send failed", "message_type", string(msg.Type), "error", err)
		t.declareStale("send failure")
		return fmt.Errorf("%w: %v", apperrors.ErrNotConnected, err)
	}
	return nil
}

// SendAndAwaitConfirmation sends msg and blocks for a CONFIRMATION of its
// message id. At most one wait may be pending per id; the handle is
// discarded on timeout and the caller owns any retry.
func (t *TCPTransport) SendAndAwaitConfirmation(ctx context.Context, msg core.TransportMessage, timeout time.Duration) error {
	ch, err := t.registerPending(msg.MessageID)
	if err != nil {
		return err
	}
	defer t.dropPending(msg.MessageID)

	if err := t.Send(ctx, msg); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: message %s after %s", apperrors.ErrConfirmationTimeout, msg.MessageID, timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return apperrors.ErrTransportClosed
	}
}

func (t *TCPTransport) registerPending(id string) (chan struct{}, error) {
	t.pendMu.Lock()
	defer t.pendMu.Unlock()
	if _, exists := t.pending[id]; exists {
		return nil, fmt.Errorf("%w: message %s", apperrors.ErrDuplicatePending, id)
	}
	ch := make(chan struct{})
	t.pending[id] = ch
	return ch, nil
}

func (t *TCPTransport) dropPending(id string) {
	t.pendMu.Lock()
	delete(t.pending, id)
	t.pendMu.Unlock()
}

func (t *TCPTransport) resolvePending(id string) bool {
	t.pendMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendMu.Unlock()
	if ok {
		close(ch)
	}
	return ok
}

// Receive returns the inbound message channel. Confirmations are consumed
// internally to resolve pending waits and are not re-delivered here.
func (t *TCPTransport) Receive() <-chan core.TransportMessage {
	return t.recvCh
}

func (t *TCPTransport) State() core.ConnectionState {
	return core.ConnectionState(t.state.Load())
}

func (t *TCPTransport) LastInbound() time.Time {
	return time.Unix(0, t.lastInbound.Load())
}

func (t *TCPTransport) setState(s core.ConnectionState) {
	t.state.Store(int32(s))
	telemetry.GetGlobalMetrics().SetTransportState(int64(s))
}

// Close shuts the transport down. The receive channel is closed once both
// loops exit; the sequence is not restartable.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.mu.Unlock()
		t.wg.Wait()
		t.setState(core.StateDisconnected)
		close(t.recvCh)
	})
	return nil
}

func (t *TCPTransport) readLoop() {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			if !t.waitReconnected() {
				return
			}
			continue
		}

		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				select {
				case <-t.ctx.Done():
					return
				default:
				}
				t.logger.Warn("read failed, connection lost", "error", err)
				t.declareStale("read failure")
				if !t.waitReconnected() {
					return
				}
				break
			}
			t.dispatch(line)
		}
	}
}

func (t *TCPTransport) dispatch(line []byte) {
	var msg core.TransportMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		t.logger.Warn("dropping malformed message", "error", err)
		telemetry.GetGlobalMetrics().AddCorruptMessage(t.ctx)
		return
	}

	t.lastInbound.Store(time.Now().UnixNano())

	if !core.KnownMessageType(msg.Type) {
		t.logger.Warn("ignoring unknown message type", "message_type", string(msg.Type))
		return
	}

	if id, ok := msg.AckID(); ok {
		if !t.resolvePending(id) {
			t.logger.Debug("confirmation for unknown message id", "message_id", id)
		}
		return
	}

	select {
	case t.recvCh <- msg:
	case <-t.ctx.Done():
	default:
		t.logger.Warn("receive buffer full, dropping message",
			"message_type", string(msg.Type), "message_id", msg.MessageID)
	}
}

// heartbeatLoop sends a HEARTBEAT every interval and watches inbound
// traffic. Silence beyond twice the interval declares the link stale.
func (t *TCPTransport) heartbeatLoop() {
	defer t.wg.Done()

	if t.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if t.State() != core.StateConnected {
				continue
			}
			if err := t.Send(t.ctx, core.NewHeartbeat()); err != nil {
				continue // Send already declared the link stale
			}
			if silence := time.Since(t.LastInbound()); silence > 2*t.cfg.HeartbeatInterval {
				t.logger.Error("heartbeat stale, no inbound traffic",
					"silence", silence.String(),
					"threshold", (2 * t.cfg.HeartbeatInterval).String())
				t.declareStale("heartbeat timeout")
			}
		}
	}
}

// declareStale moves the transport to ERROR and starts the single-flight
// reconnect sequence.
func (t *TCPTransport) declareStale(reason string) {
	if t.State() == core.StateConnected {
		t.setState(core.StateError)
	}

	if !t.reconnecting.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.reconnecting.Store(false)

		t.setState(core.StateReconnecting)
		t.logger.Warn("reconnecting", "reason", reason)
		telemetry.GetGlobalMetrics().AddReconnect(t.ctx)

		if err := t.dialWithBackoff(t.ctx); err != nil {
			t.logger.Error("reconnect exhausted", "error", err)
			t.setState(core.StateError)
			return
		}
		t.setState(core.StateConnected)
		t.lastInbound.Store(time.Now().UnixNano())
	}()
}

// waitReconnected blocks the read loop until a reconnect produced a fresh
// connection, or the transport is closed.
func (t *TCPTransport) waitReconnected() bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return false
		case <-ticker.C:
			t.mu.Lock()
			ok := t.conn != nil && t.State() == core.StateConnected
			t.mu.Unlock()
			if ok {
				return true
			}
			// reconnect gave up; nothing further to read
			if t.State() == core.StateError && !t.reconnecting.Load() {
				return false
			}
		}
	}
}
