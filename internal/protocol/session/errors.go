package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/abxfeed/internal/protocol"
)

var (
	ErrNotConnected     = errors.New("session: not connected")
	ErrResendUnanswered = errors.New("session: resend unanswered")
	ErrIncompleteRepair = errors.New("session: gaps remain after repair")
	ErrTooManyGaps      = errors.New("session: too many missing sequences")
)

// ConnectError means the dial budget is exhausted. It is never retried.
type ConnectError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("session: connect %s failed after %d attempts: %v", e.Address, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError is a mid-session I/O failure. The session restarts from scratch.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FramingError is a record cut short by the peer. The record is dropped.
type FramingError struct {
	Got int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("session: %v: got %d bytes", protocol.ErrShortRecord, e.Got)
}

func (e *FramingError) Unwrap() error { return protocol.ErrShortRecord }

// GapLimitError means a snapshot is missing more sequences than
// Config.MaxGaps allows. The attempt fails before any resend is sent.
type GapLimitError struct {
	Missing int64
	Limit   int
}

func (e *GapLimitError) Error() string {
	return fmt.Sprintf("%v: %d missing, limit %d", ErrTooManyGaps, e.Missing, e.Limit)
}

func (e *GapLimitError) Unwrap() error { return ErrTooManyGaps }

// AbortedError is returned once the session retry budget is spent.
type AbortedError struct {
	Attempts int
	Err      error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("session: aborted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AbortedError) Unwrap() error { return e.Err }

// IsRecordError reports whether err only affects a single record.
func IsRecordError(err error) bool {
	return errors.Is(err, protocol.ErrShortRecord) || errors.Is(err, protocol.ErrInvalidRecordLength)
}
