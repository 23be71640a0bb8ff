package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"trade_runtime/internal/core"
	apperrors "trade_runtime/pkg/errors"
	"trade_runtime/pkg/telemetry"
)

const (
	dirInbox     = "inbox"
	dirOutbox    = "outbox"
	dirProcessed = "processed"
	dirFailed    = "failed"

	msgExt = ".msg"
	tmpExt = ".tmp"
)

// MailboxConfig holds the fallback transport settings.
type MailboxConfig struct {
	Root          string
	Sender        string
	PollInterval  time.Duration
	FileTimeout   time.Duration
	SweepInterval time.Duration
}

// mailboxFile is the on-disk wrapper around a message envelope.
type mailboxFile struct {
	Message       core.TransportMessage `json:"message"`
	FileTimestamp float64               `json:"file_timestamp"`
	Sender        string                `json:"sender"`
	Status        string                `json:"status"`
	RetryCount    int                   `json:"retry_count"`
	Checksum      string                `json:"checksum"`
}

// envelopeChecksum hashes the identifying fields of the envelope. It
// detects accidental corruption, not tampering.
func envelopeChecksum(m core.TransportMessage) string {
	payload := string(m.Type) + strconv.FormatFloat(m.Timestamp, 'f', -1, 64) + m.MessageID
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// FileMailbox exchanges messages with the remote terminal through a shared
// directory. Writers stage into a temp file and atomically rename so a
// reader never observes a partial file; cross-process coordination uses
// advisory locks, never in-process mutexes.
type FileMailbox struct {
	cfg    MailboxConfig
	logger core.ILogger

	recvCh      chan core.TransportMessage
	lastInbound atomic.Int64
	state       atomic.Int32

	pendMu  sync.Mutex
	pending map[string]chan struct{}

	lockFailures atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewFileMailbox(cfg MailboxConfig, logger core.ILogger) *FileMailbox {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.FileTimeout <= 0 {
		cfg.FileTimeout = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &FileMailbox{
		cfg:     cfg,
		logger:  logger.WithField("component", "file_mailbox"),
		recvCh:  make(chan core.TransportMessage, 256),
		pending: make(map[string]chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.state.Store(int32(core.StateDisconnected))
	return m
}

func (m *FileMailbox) dir(name string) string {
	return filepath.Join(m.cfg.Root, name)
}

// Connect creates the directory layout and starts the poll and sweep
// loops. The filesystem is always "connected" once the layout exists.
func (m *FileMailbox) Connect(_ context.Context) error {
	for _, d := range []string{dirInbox, dirOutbox, dirProcessed, dirFailed} {
		if err := os.MkdirAll(m.dir(d), 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %v", apperrors.ErrConnectFailed, d, err)
		}
	}
	m.state.Store(int32(core.StateConnected))
	m.lastInbound.Store(time.Now().UnixNano())

	m.wg.Add(2)
	go m.pollLoop()
	go m.sweepLoop()
	return nil
}

// Send serializes the message into the outbox: write to a temp file,
// flush, then atomically rename into place.
func (m *FileMailbox) Send(_ context.Context, msg core.TransportMessage) error {
	if m.State() != core.StateConnected {
		return apperrors.ErrNotConnected
	}

	wrapper := mailboxFile{
		Message:       msg,
		FileTimestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Sender:        m.cfg.Sender,
		Status:        "pending",
		RetryCount:    0,
		Checksum:      envelopeChecksum(msg),
	}
	data, err := json.Marshal(&wrapper)
	if err != nil {
		return fmt.Errorf("encode mailbox file: %w", err)
	}

	final := filepath.Join(m.dir(dirOutbox), msg.MessageID+msgExt)
	tmp := final + tmpExt

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create outbox file: %w", err)
	}
	if err := lockFile(f, true); err != nil {
		f.Close()
		os.Remove(tmp)
		if err == apperrors.ErrLockContention {
			m.lockFailures.Add(1)
			telemetry.GetGlobalMetrics().AddLockFailure(m.ctx)
		}
		return fmt.Errorf("lock outbox file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		unlockFile(f)
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write outbox file: %w", err)
	}
	if err := f.Sync(); err != nil {
		unlockFile(f)
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync outbox file: %w", err)
	}
	unlockFile(f)
	f.Close()

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish outbox file: %w", err)
	}
	return nil
}

// SendAndAwaitConfirmation mirrors the TCP contract: the confirmation is
// expected to arrive as a CONFIRMATION message in the inbox.
func (m *FileMailbox) SendAndAwaitConfirmation(ctx context.Context, msg core.TransportMessage, timeout time.Duration) error {
	m.pendMu.Lock()
	if _, exists := m.pending[msg.MessageID]; exists {
		m.pendMu.Unlock()
		return fmt.Errorf("%w: message %s", apperrors.ErrDuplicatePending, msg.MessageID)
	}
	ch := make(chan struct{})
	m.pending[msg.MessageID] = ch
	m.pendMu.Unlock()
	defer func() {
		m.pendMu.Lock()
		delete(m.pending, msg.MessageID)
		m.pendMu.Unlock()
	}()

	if err := m.Send(ctx, msg); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: message %s after %s", apperrors.ErrConfirmationTimeout, msg.MessageID, timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return apperrors.ErrTransportClosed
	}
}

func (m *FileMailbox) Receive() <-chan core.TransportMessage {
	return m.recvCh
}

func (m *FileMailbox) State() core.ConnectionState {
	return core.ConnectionState(m.state.Load())
}

func (m *FileMailbox) LastInbound() time.Time {
	return time.Unix(0, m.lastInbound.Load())
}

// LockFailures reports write/read contention observed on mailbox files.
func (m *FileMailbox) LockFailures() int64 {
	return m.lockFailures.Load()
}

func (m *FileMailbox) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		m.state.Store(int32(core.StateDisconnected))
		close(m.recvCh)
	})
	return nil
}

func (m *FileMailbox) pollLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.drainInbox()
		}
	}
}

// drainInbox processes waiting inbox files in name order. Locked files are
// skipped and retried on the next tick.
func (m *FileMailbox) drainInbox() {
	entries, err := os.ReadDir(m.dir(dirInbox))
	if err != nil {
		m.logger.Error("inbox scan failed", "error", err)
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), msgExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		m.consume(filepath.Join(m.dir(dirInbox), name))
	}
}

// consume reads one inbox file under a shared lock, verifies its checksum
// and routes the envelope. Corrupt files move to failed/ without ever
// reaching a handler.
func (m *FileMailbox) consume(path string) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("inbox open failed", "file", path, "error", err)
		}
		return
	}

	if err := lockFile(f, false); err != nil {
		f.Close()
		if err == apperrors.ErrLockContention {
			m.lockFailures.Add(1)
			telemetry.GetGlobalMetrics().AddLockFailure(m.ctx)
			return // writer still busy, retry next tick
		}
		m.logger.Warn("inbox lock failed", "file", path, "error", err)
		return
	}

	data, err := os.ReadFile(path)
	unlockFile(f)
	f.Close()
	if err != nil {
		m.logger.Warn("inbox read failed", "file", path, "error", err)
		return
	}

	var wrapper mailboxFile
	if err := json.Unmarshal(data, &wrapper); err != nil {
		m.logger.Error("discarding malformed mailbox file", "file", path, "error", err)
		telemetry.GetGlobalMetrics().AddCorruptMessage(m.ctx)
		m.moveTo(path, dirFailed)
		return
	}

	if wrapper.Checksum != envelopeChecksum(wrapper.Message) {
		m.logger.Error("discarding corrupt mailbox file, checksum mismatch",
			"file", path, "message_id", wrapper.Message.MessageID)
		telemetry.GetGlobalMetrics().AddCorruptMessage(m.ctx)
		m.moveTo(path, dirFailed)
		return
	}

	m.lastInbound.Store(time.Now().UnixNano())

	msg := wrapper.Message
	if !core.KnownMessageType(msg.Type) {
		m.logger.Warn("ignoring unknown message type", "message_type", string(msg.Type))
		m.moveTo(path, dirProcessed)
		return
	}

	if id, ok := msg.AckID(); ok {
		m.pendMu.Lock()
		ch, pending := m.pending[id]
		if pending {
			delete(m.pending, id)
		}
		m.pendMu.Unlock()
		if pending {
			close(ch)
		}
		m.moveTo(path, dirProcessed)
		return
	}

	select {
	case m.recvCh <- msg:
		m.moveTo(path, dirProcessed)
	case <-m.ctx.Done():
	default:
		m.logger.Warn("receive buffer full, leaving message in inbox",
			"message_id", msg.MessageID)
	}
}

func (m *FileMailbox) moveTo(path, dir string) {
	dst := filepath.Join(m.dir(dir), filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		m.logger.Error("mailbox move failed", "file", path, "dest", dir, "error", err)
	}
}

// sweepLoop deletes processed and failed files older than FileTimeout.
func (m *FileMailbox) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *FileMailbox) sweep() {
	cutoff := time.Now().Add(-m.cfg.FileTimeout)
	for _, d := range []string{dirProcessed, dirFailed} {
		entries, err := os.ReadDir(m.dir(d))
		if err != nil {
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				path := filepath.Join(m.dir(d), e.Name())
				if err := os.Remove(path); err != nil {
					m.logger.Warn("sweep delete failed", "file", path, "error", err)
				}
			}
		}
	}
}
