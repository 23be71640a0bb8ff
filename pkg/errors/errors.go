package apperrors

import "errors"

// Standardized runtime errors. Transient connectivity errors are retried
// with bounded backoff; corruption errors drop the message; persistence
// errors never block in-memory state.
var (
	ErrNotConnected        = errors.New("transport not connected")
	ErrConnectFailed       = errors.New("connect failed")
	ErrReconnectExhausted  = errors.New("reconnect attempts exhausted")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrDuplicatePending    = errors.New("confirmation already pending for message id")
	ErrTransportClosed     = errors.New("transport closed")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrLockContention      = errors.New("mailbox file lock contention")
	ErrPersistence         = errors.New("persistence failure")
	ErrPositionNotFound    = errors.New("position not found")
	ErrPositionClosed      = errors.New("position already closed")
	ErrInvalidTransition   = errors.New("invalid position state transition")
	ErrInvalidSignal       = errors.New("invalid trading signal")
	ErrTradingDisabled     = errors.New("trading disabled")
)

// IsTransient reports whether an error is worth retrying
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrConnectFailed),
		errors.Is(err, ErrLockContention),
		errors.Is(err, ErrPersistence):
		return true
	default:
		return false
	}
}
