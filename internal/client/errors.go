package client

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionBusy rejects a start attempt while another session is live.
	ErrSessionBusy = errors.New("an interview session is already in progress")
	// ErrNotCancelable rejects cancellation outside Connecting/Active.
	ErrNotCancelable = errors.New("no interview session to cancel")
	// ErrAttemptAborted reports a start attempt torn down by a concurrent
	// cancellation before it could reach Active.
	ErrAttemptAborted = errors.New("start attempt aborted")
)

// ValidationError reports a missing required field. No network activity is
// attempted when validation fails.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// ChannelError reports a realtime channel that failed to open or closed
// unexpectedly.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return "channel " + e.Op + " failed"
	}
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// TimeoutError reports a transport that opened but whose server session
// logic never confirmed readiness within the deadline.
type TimeoutError struct {
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no connection confirmation within %s", e.Wait)
}

// SessionStartError carries the server-supplied message from a failed
// session-start request, or a generic fallback when the server sent none.
type SessionStartError struct {
	StatusCode int
	Message    string
}

func (e *SessionStartError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "interview could not be started"
}

// CancelError carries the server-supplied message from a failed cancellation
// acknowledgment. Local teardown has already completed when it is returned.
type CancelError struct {
	StatusCode int
	Message    string
}

func (e *CancelError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "interview could not be cancelled"
}
