package transport

import (
	"context"
	"sync"
	"time"

	"trade_runtime/internal/core"
	apperrors "trade_runtime/pkg/errors"
)

// Bridge routes traffic over the primary TCP transport and falls back to
// the file mailbox whenever the primary is not CONNECTED. Callers see one
// ITransport and never branch on transport kind.
type Bridge struct {
	primary  core.ITransport
	fallback core.ITransport
	logger   core.ILogger

	recvCh    chan core.TransportMessage
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewBridge(primary, fallback core.ITransport, logger core.ILogger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		primary:  primary,
		fallback: fallback,
		logger:   logger.WithField("component", "transport_bridge"),
		recvCh:   make(chan core.TransportMessage, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect brings up the fallback first so there is never a window without
// a usable transport, then attempts the primary. A primary failure is
// logged, not fatal.
func (b *Bridge) Connect(ctx context.Context) error {
	if err := b.fallback.Connect(ctx); err != nil {
		return err
	}

	if err := b.primary.Connect(ctx); err != nil {
		b.logger.Warn("primary transport unavailable, running on mailbox fallback", "error", err)
	}

	b.wg.Add(2)
	go b.forward(b.primary.Receive())
	go b.forward(b.fallback.Receive())
	return nil
}

func (b *Bridge) forward(src <-chan core.TransportMessage) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-src:
			if !ok {
				return
			}
			select {
			case b.recvCh <- msg:
			case <-b.ctx.Done():
				return
			}
		}
	}
}

func (b *Bridge) active() core.ITransport {
	if b.primary.State() == core.StateConnected {
		return b.primary
	}
	return b.fallback
}

func (b *Bridge) Send(ctx context.Context, msg core.TransportMessage) error {
	t := b.active()
	err := t.Send(ctx, msg)
	if err != nil && t == b.primary {
		b.logger.Warn("primary send failed, retrying via mailbox", "error", err)
		return b.fallback.Send(ctx, msg)
	}
	return err
}

func (b *Bridge) SendAndAwaitConfirmation(ctx context.Context, msg core.TransportMessage, timeout time.Duration) error {
	t := b.active()
	err := t.SendAndAwaitConfirmation(ctx, msg, timeout)
	if err != nil && t == b.primary && err != context.Canceled &&
		b.primary.State() != core.StateConnected {
		// connection dropped mid-wait: one retry through the mailbox
		b.logger.Warn("primary confirmation failed while disconnected, retrying via mailbox",
			"message_id", msg.MessageID, "error", err)
		return b.fallback.SendAndAwaitConfirmation(ctx, msg, timeout)
	}
	return err
}

func (b *Bridge) Receive() <-chan core.TransportMessage {
	return b.recvCh
}

// State reports the primary's state while it is usable, else the
// fallback's.
func (b *Bridge) State() core.ConnectionState {
	if s := b.primary.State(); s == core.StateConnected {
		return s
	}
	return b.fallback.State()
}

func (b *Bridge) LastInbound() time.Time {
	p, f := b.primary.LastInbound(), b.fallback.LastInbound()
	if p.After(f) {
		return p
	}
	return f
}

func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if e := b.primary.Close(); e != nil && e != apperrors.ErrTransportClosed {
			err = e
		}
		if e := b.fallback.Close(); e != nil && err == nil {
			err = e
		}
		b.cancel()
		b.wg.Wait()
		close(b.recvCh)
	})
	return err
}
